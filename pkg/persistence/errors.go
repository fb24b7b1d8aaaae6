// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrRunNotFound indicates a run was not found by the given identifier.
	ErrRunNotFound = errors.New("run not found")

	// ErrStepStateNotFound indicates no step state exists for the given run and step.
	ErrStepStateNotFound = errors.New("step state not found")

	// ErrRunAlreadyExists indicates a run with the same identifier already exists.
	ErrRunAlreadyExists = errors.New("run already exists")
)

// RunError wraps run-related errors with additional context.
type RunError struct {
	Op      string // Operation being performed (e.g., "RunByID", "Save", "Delete")
	RunID   string // Run ID if applicable
	Err     error  // Underlying error
	Message string // Additional context message
}

func (e *RunError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s operation failed for run %s: %s (%v)", e.Op, e.RunID, e.Message, e.Err)
	}

	return fmt.Sprintf("%s operation failed for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for run errors.
func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewRunError creates a new run error with context.
func NewRunError(op, runID string, err error) *RunError {
	return &RunError{
		Op:    op,
		RunID: runID,
		Err:   err,
	}
}

// StepStateError wraps step-state errors with additional context.
type StepStateError struct {
	Op     string
	RunID  string
	StepID string
	Err    error
}

func (e *StepStateError) Error() string {
	return fmt.Sprintf("%s operation failed for step %s in run %s: %v", e.Op, e.StepID, e.RunID, e.Err)
}

func (e *StepStateError) Unwrap() error {
	return e.Err
}

func (e *StepStateError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsRunNotFound checks if an error indicates a run was not found.
func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}
