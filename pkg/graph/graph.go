// Package graph extracts step-to-step dependencies from binding expressions
// and produces a topologically ordered execution plan.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/syftflow/syftflow/pkg/flowtype"
	"github.com/syftflow/syftflow/pkg/models"
)

// Graph is the dependency DAG over step IDs.
type Graph struct {
	// Order is the topological order, with spec declaration order as the
	// tie-break so independent steps display deterministically.
	Order []string

	deps       map[string][]string // step -> steps it depends on
	dependents map[string][]string // step -> steps depending on it
}

// CycleError reports a dependency cycle, naming the full path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// Build extracts the DAG from a flow spec. An edge a -> b exists when step
// b's with, publish or share bindings reference step.a.outputs.* or
// step.a.share.*. A cycle is an error naming the cycle, never silently
// broken.
func Build(spec *models.FlowSpec) (*Graph, error) {
	g := &Graph{
		deps:       make(map[string][]string, len(spec.Steps)),
		dependents: make(map[string][]string, len(spec.Steps)),
	}

	order := make([]string, 0, len(spec.Steps))
	byID := make(map[string]*models.StepSpec, len(spec.Steps))

	for i := range spec.Steps {
		step := &spec.Steps[i]
		order = append(order, step.ID)
		byID[step.ID] = step
	}

	for i := range spec.Steps {
		step := &spec.Steps[i]

		deps := stepDependencies(step)
		for _, dep := range deps {
			if _, known := byID[dep]; !known {
				return nil, fmt.Errorf("step %q depends on unknown step %q", step.ID, dep)
			}
		}

		g.deps[step.ID] = deps
		for _, dep := range deps {
			g.dependents[dep] = append(g.dependents[dep], step.ID)
		}
	}

	sorted, err := g.topoSort(order)
	if err != nil {
		return nil, err
	}

	g.Order = sorted

	return g, nil
}

// Dependencies returns the steps the given step consumes, in deterministic
// order.
func (g *Graph) Dependencies(stepID string) []string {
	return g.deps[stepID]
}

// Dependents returns the steps that consume the given step's outputs or
// shares. Used to scope a failure to the failed step's downstream branch.
func (g *Graph) Dependents(stepID string) []string {
	return g.dependents[stepID]
}

// TransitiveDependents walks the dependent closure of a step.
func (g *Graph) TransitiveDependents(stepID string) []string {
	seen := make(map[string]struct{})

	var walk func(id string)

	walk = func(id string) {
		for _, dep := range g.dependents[id] {
			if _, ok := seen[dep]; ok {
				continue
			}

			seen[dep] = struct{}{}
			walk(dep)
		}
	}

	walk(stepID)

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}

	sort.Strings(out)

	return out
}

// topoSort is a depth-first traversal with a recursion-stack cycle check.
// Visiting steps in declaration order keeps the result deterministic.
func (g *Graph) topoSort(declOrder []string) ([]string, error) {
	const (
		unvisited = iota
		inStack
		done
	)

	state := make(map[string]int, len(declOrder))
	stack := make([]string, 0, len(declOrder))
	sorted := make([]string, 0, len(declOrder))

	var visit func(id string) error

	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case inStack:
			return &CycleError{Path: cyclePath(stack, id)}
		}

		state[id] = inStack
		stack = append(stack, id)

		for _, dep := range g.deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}

		stack = stack[:len(stack)-1]
		state[id] = done
		sorted = append(sorted, id)

		return nil
	}

	for _, id := range declOrder {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	return sorted, nil
}

// cyclePath trims the recursion stack to the cycle and closes it.
func cyclePath(stack []string, repeated string) []string {
	start := 0

	for i, id := range stack {
		if id == repeated {
			start = i

			break
		}
	}

	path := make([]string, 0, len(stack)-start+1)
	path = append(path, stack[start:]...)
	path = append(path, repeated)

	return path
}

// stepDependencies collects referenced step IDs from every binding position
// of one step, deduplicated in first-reference order. Barrier wait_for counts
// as a dependency: the barrier observes that step's completion.
func stepDependencies(step *models.StepSpec) []string {
	var deps []string

	seen := make(map[string]struct{})

	add := func(id string) {
		if id == "" || id == step.ID {
			return
		}

		if _, ok := seen[id]; ok {
			return
		}

		seen[id] = struct{}{}
		deps = append(deps, id)
	}

	// Deterministic iteration over the binding maps.
	for _, name := range sortedKeys(step.With) {
		if node, err := flowtype.ParseBinding(step.With[name].Value); err == nil && node.IsRef() {
			add(node.StepID)
		}
	}

	for _, name := range sortedKeys(step.Publish) {
		if node, err := flowtype.ParseBinding(step.Publish[name]); err == nil && node.IsRef() {
			add(node.StepID)
		}
	}

	if step.Barrier != nil {
		add(step.Barrier.WaitFor)
	}

	return deps
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
