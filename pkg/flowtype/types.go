// Package flowtype parses flow-spec type expressions and binding expressions
// into structured ASTs. Parsing is pure and safe for concurrent use; the same
// functions back both load-time validation and the UI type picker.
package flowtype

import (
	"fmt"
	"strings"
)

// TypeKind discriminates TypeNode variants.
type TypeKind int

const (
	KindNamed TypeKind = iota
	KindOptional
	KindList
	KindMap
	KindRecord
)

// TypeNode is one node of a parsed type expression.
//
// Grammar: `T?` optional, `List[T]`, `Map[K,V]`, `Record{name: T, ...}`,
// bare identifiers for named types. Nesting is permitted at every position.
type TypeNode struct {
	Kind   TypeKind
	Name   string        // KindNamed
	Elem   *TypeNode     // KindOptional inner, KindList item, KindMap value
	Key    *TypeNode     // KindMap key
	Fields []RecordField // KindRecord, declaration order
}

// RecordField is one named field of a Record type.
type RecordField struct {
	Name string
	Type *TypeNode
}

// String returns the canonical serialization. Parse then String round-trips
// every valid expression to its canonical spelling.
func (t *TypeNode) String() string {
	switch t.Kind {
	case KindNamed:
		return t.Name
	case KindOptional:
		return t.Elem.String() + "?"
	case KindList:
		return "List[" + t.Elem.String() + "]"
	case KindMap:
		return "Map[" + t.Key.String() + "," + t.Elem.String() + "]"
	case KindRecord:
		fields := make([]string, 0, len(t.Fields))
		for _, f := range t.Fields {
			fields = append(fields, f.Name+": "+f.Type.String())
		}

		return "Record{" + strings.Join(fields, ", ") + "}"
	default:
		return fmt.Sprintf("<invalid kind %d>", t.Kind)
	}
}

// ParseError reports a malformed type or binding expression, preserving the
// offending substring. Expressions are never silently coerced to a default.
type ParseError struct {
	Input     string
	Offending string
	Reason    string
}

func (e *ParseError) Error() string {
	if e.Offending != "" && e.Offending != e.Input {
		return fmt.Sprintf("parse %q: %s at %q", e.Input, e.Reason, e.Offending)
	}

	return fmt.Sprintf("parse %q: %s", e.Input, e.Reason)
}

func parseErr(input, offending, reason string) error {
	return &ParseError{Input: input, Offending: offending, Reason: reason}
}
