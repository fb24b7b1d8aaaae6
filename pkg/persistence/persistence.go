// Package persistence provides the data storage abstraction layer for runs
// and step states.
package persistence

import (
	"context"

	"github.com/syftflow/syftflow/pkg/models"
)

type Persistence interface {
	Runs(ctx context.Context) ([]*models.Run, error)
	SaveRun(ctx context.Context, run *models.Run) error
	RunByID(ctx context.Context, id string) (*models.Run, error)
	DeleteRun(ctx context.Context, id string) error

	StepStates(ctx context.Context, runID string) ([]*models.StepState, error)
	SaveStepState(ctx context.Context, state *models.StepState) error

	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
