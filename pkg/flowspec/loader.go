package flowspec

import (
	"fmt"
	"os"

	"github.com/syftflow/syftflow/pkg/models"
	"gopkg.in/yaml.v3"
)

// Document pairs the decoded flow with the raw YAML tree it came from. The
// engine only models a subset of the schema (advanced keys such as MPC
// topology hints pass through uninterpreted); Save re-emits the retained tree
// so those keys survive a load/save round trip byte-for-byte in content.
type Document struct {
	Flow *models.Flow

	root *yaml.Node
}

// Load parses and validates a flow document. Validation collects every error;
// no partial plan is ever produced from an invalid spec.
func Load(data []byte) (*Document, error) {
	var root yaml.Node

	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse flow document: %w", err)
	}

	if root.Kind == 0 {
		return nil, fmt.Errorf("parse flow document: empty input")
	}

	var flow models.Flow

	if err := root.Decode(&flow); err != nil {
		return nil, fmt.Errorf("decode flow document: %w", err)
	}

	if err := Validate(&flow); err != nil {
		return nil, err
	}

	return &Document{Flow: &flow, root: &root}, nil
}

// LoadFile reads and parses a flow document from disk.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow document: %w", err)
	}

	doc, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return doc, nil
}

// Save serializes the document. The retained tree is the source of truth:
// the spec is read-only plan data, so emitting it unchanged both preserves
// uninterpreted fields and keeps save(load(doc)) == doc.
func (d *Document) Save() ([]byte, error) {
	out, err := yaml.Marshal(d.root)
	if err != nil {
		return nil, fmt.Errorf("serialize flow document: %w", err)
	}

	return out, nil
}

// SaveFile writes the document to disk.
func (d *Document) SaveFile(path string) error {
	data, err := d.Save()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write flow document: %w", err)
	}

	return nil
}
