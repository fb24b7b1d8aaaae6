// Package runner executes flow step modules and reports their outputs.
package runner

import (
	"context"
	"fmt"
)

// Error kinds, matched against a step's retry policy retryable_errors list.
const (
	KindNotFound       = "module_not_found"
	KindInvalidInputs  = "invalid_inputs"
	KindInvalidOutputs = "invalid_outputs"
	KindTimeout        = "timeout"
	KindExecFailed     = "exec_failed"
)

// Error describes a module execution failure with a machine-matchable kind.
type Error struct {
	Kind string
	Ref  string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("module %s: %s: %v", e.Ref, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps an execution failure.
func NewError(kind, ref string, err error) *Error {
	return &Error{Kind: kind, Ref: ref, Err: err}
}

// Runner executes one module invocation. Inputs and outputs are named string
// values; file-typed values are paths into the local datasite tree.
type Runner interface {
	Run(ctx context.Context, ref string, inputs map[string]string) (map[string]string, error)
}
