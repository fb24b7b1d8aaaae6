// Package postgresql provides PostgreSQL persistence for runs and step states.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq" // postgres driver

	"github.com/syftflow/syftflow/pkg/models"
	"github.com/syftflow/syftflow/pkg/persistence/sqlbase"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db            *sql.DB
	logger        *slog.Logger
	runRepo       *RunRepository
	stepStateRepo *StepStateRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs the
// schema migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())

	postgres := &Persistence{
		db:            database,
		logger:        logger,
		runRepo:       NewRunRepository(database, logger),
		stepStateRepo: NewStepStateRepository(database, logger),
	}

	err = migrationManager.RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return postgres, nil
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

func (p *Persistence) Runs(ctx context.Context) ([]*models.Run, error) {
	return p.runRepo.GetAll(ctx)
}

func (p *Persistence) SaveRun(ctx context.Context, run *models.Run) error {
	return p.runRepo.Save(ctx, run)
}

func (p *Persistence) RunByID(ctx context.Context, id string) (*models.Run, error) {
	return p.runRepo.GetByID(ctx, id)
}

func (p *Persistence) DeleteRun(ctx context.Context, id string) error {
	return p.runRepo.Delete(ctx, id)
}

func (p *Persistence) StepStates(ctx context.Context, runID string) ([]*models.StepState, error) {
	return p.stepStateRepo.GetByRun(ctx, runID)
}

func (p *Persistence) SaveStepState(ctx context.Context, state *models.StepState) error {
	return p.stepStateRepo.Save(ctx, state)
}
