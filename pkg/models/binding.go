package models

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// BindingValue is one `with` entry. The document accepts either a bare
// binding string or an object form carrying group filters and an await
// modifier:
//
//	with:
//	  genome: inputs.genome
//	  peers:
//	    value: step.generate.share.contribution.url_list
//	    only: aggregator
//	    await: {timeout_seconds: 300, poll_ms: 5000, on_timeout: fail}
type BindingValue struct {
	// Value is the raw binding expression.
	Value string `yaml:"value" json:"value"`

	// Only restricts the binding to parties in the named group; Without
	// excludes them. A binding filtered out contributes nothing to the
	// step's inputs for this party.
	Only    string `yaml:"only,omitempty"    json:"only,omitempty"`
	Without string `yaml:"without,omitempty" json:"without,omitempty"`

	// Await blocks the step on a cross-party reference until the artifact
	// arrives or the timeout policy fires.
	Await *AwaitSpec `yaml:"await,omitempty" json:"await,omitempty"`
}

// AwaitSpec configures polling for a cross-party binding.
type AwaitSpec struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"         json:"timeout_seconds" validate:"min=1"`
	PollMs         int    `yaml:"poll_ms,omitempty"       json:"poll_ms,omitempty"`
	OnTimeout      string `yaml:"on_timeout,omitempty"    json:"on_timeout,omitempty" validate:"omitempty,oneof=fail skip default"`
	DefaultValue   string `yaml:"default_value,omitempty" json:"default_value,omitempty"`
}

// UnmarshalYAML accepts both the scalar and the object form.
func (b *BindingValue) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		b.Value = node.Value

		return nil
	case yaml.MappingNode:
		type plain BindingValue

		return node.Decode((*plain)(b))
	default:
		return fmt.Errorf("binding must be a string or a mapping, got %s", nodeKindName(node.Kind))
	}
}

// MarshalYAML emits the scalar form when no modifiers are set.
func (b BindingValue) MarshalYAML() (any, error) {
	if b.Only == "" && b.Without == "" && b.Await == nil {
		return b.Value, nil
	}

	type plain BindingValue

	return plain(b), nil
}

// TargetList is a `runs_on` selector: a single selector string or a list.
type TargetList []string

// UnmarshalYAML accepts both a scalar and a sequence.
func (t *TargetList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*t = TargetList{node.Value}

		return nil
	case yaml.SequenceNode:
		var items []string

		if err := node.Decode(&items); err != nil {
			return err
		}

		*t = TargetList(items)

		return nil
	default:
		return fmt.Errorf("runs_on must be a string or a list, got %s", nodeKindName(node.Kind))
	}
}

// MarshalYAML emits the scalar form for single-selector lists.
func (t TargetList) MarshalYAML() (any, error) {
	if len(t) == 1 {
		return t[0], nil
	}

	return []string(t), nil
}

func nodeKindName(kind yaml.Kind) string {
	switch kind {
	case yaml.ScalarNode:
		return "scalar"
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	case yaml.DocumentNode:
		return "document"
	default:
		return "unknown"
	}
}
