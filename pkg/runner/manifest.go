package runner

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// Manifest is a module's module.yaml: what to invoke and the shape of the
// inputs the module accepts.
type Manifest struct {
	APIVersion string           `yaml:"apiVersion"`
	Kind       string           `yaml:"kind"`
	Metadata   ManifestMetadata `yaml:"metadata"`
	Spec       ManifestSpec     `yaml:"spec"`
}

type ManifestMetadata struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ManifestSpec struct {
	Runner  RunnerSpec     `yaml:"runner"`
	Inputs  map[string]any `yaml:"inputs"`
	Outputs []string       `yaml:"outputs"`
}

type RunnerSpec struct {
	Entrypoint string   `yaml:"entrypoint"`
	Args       []string `yaml:"args"`
}

// LoadManifest reads module.yaml (or module.yml) from a module directory.
func LoadManifest(moduleDir string) (*Manifest, error) {
	path := filepath.Join(moduleDir, "module.yaml")
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(moduleDir, "module.yml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("missing module.yaml in %s: %w", moduleDir, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid module yaml %s: %w", path, err)
	}

	if strings.TrimSpace(manifest.Spec.Runner.Entrypoint) == "" {
		return nil, errors.New("module yaml declares no runner entrypoint: " + path)
	}

	return &manifest, nil
}

// ValidateInputs checks the provided inputs against the manifest's JSON
// schema. A manifest without a schema accepts anything.
func (m *Manifest) ValidateInputs(inputs map[string]string) error {
	if len(m.Spec.Inputs) == 0 {
		return nil
	}

	generic := make(map[string]any, len(inputs))
	for name, value := range inputs {
		generic[name] = value
	}

	schemaLoader := gojsonschema.NewGoLoader(m.Spec.Inputs)
	dataLoader := gojsonschema.NewGoLoader(generic)

	result, err := gojsonschema.Validate(schemaLoader, dataLoader)
	if err != nil {
		return err
	}

	if !result.Valid() {
		var messages []string
		for _, resultErr := range result.Errors() {
			messages = append(messages, resultErr.String())
		}

		return fmt.Errorf("input validation failed: %s", strings.Join(messages, "; "))
	}

	return nil
}
