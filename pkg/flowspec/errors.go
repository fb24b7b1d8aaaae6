// Package flowspec loads, validates and saves flow documents.
package flowspec

import (
	"fmt"
	"strings"
)

// ValidationError is one spec-level inconsistency, located by field path.
type ValidationError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Reason
	}

	return e.Path + ": " + e.Reason
}

// ValidationErrors aggregates every problem found in one document. Load
// collects all of them instead of stopping at the first, so a user fixes a
// spec in one pass rather than error by error.
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (e *ValidationErrors) Error() string {
	if len(e.Errors) == 1 {
		return "invalid flow: " + e.Errors[0].Error()
	}

	msgs := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		msgs = append(msgs, err.Error())
	}

	return fmt.Sprintf("invalid flow (%d errors): %s", len(e.Errors), strings.Join(msgs, "; "))
}

func (e *ValidationErrors) add(path, format string, args ...any) {
	e.Errors = append(e.Errors, ValidationError{Path: path, Reason: fmt.Sprintf(format, args...)})
}

func (e *ValidationErrors) empty() bool {
	return len(e.Errors) == 0
}
