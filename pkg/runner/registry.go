package runner

import (
	"fmt"
	"log/slog"
)

// Factory builds a Runner from free-form configuration.
type Factory func(config map[string]any) (Runner, error)

// Registry maps runner kinds to factories so flows can mix execution
// backends without the engine knowing their construction details.
type Registry struct {
	logger    *slog.Logger
	factories map[string]Factory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:    log,
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(kind string, factory Factory) {
	r.factories[kind] = factory
}

// Create instantiates the runner registered under kind.
// nolint:ireturn // Factories decide the concrete runner type
func (r *Registry) Create(kind string, config map[string]any) (Runner, error) {
	factory, ok := r.factories[kind]
	if !ok {
		return nil, fmt.Errorf("runner kind '%s' not registered", kind)
	}

	return factory(config)
}

// Available lists registered runner kinds.
func (r *Registry) Available() []string {
	kinds := make([]string, 0, len(r.factories))
	for kind := range r.factories {
		kinds = append(kinds, kind)
	}

	return kinds
}
