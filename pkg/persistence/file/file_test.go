package file

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syftflow/syftflow/pkg/models"
	"github.com/syftflow/syftflow/pkg/persistence"
)

func testRun(id string) *models.Run {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	return &models.Run{
		ID:       id,
		FlowName: "gwas",
		Identity: "c1@x",
		Participants: []models.Participant{
			{Email: "c1@x", Role: "contributor1", Status: models.ParticipantJoined},
			{Email: "a@x", Role: "aggregator", Status: models.ParticipantJoined},
		},
		Inputs:    map[string]string{"genome": "data/genome.vcf"},
		Status:    models.RunRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSaveAndLoadRun(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())

	require.NoError(t, p.SaveRun(ctx, testRun("run-1")))

	loaded, err := p.RunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "gwas", loaded.FlowName)
	assert.Equal(t, "data/genome.vcf", loaded.Inputs["genome"])
	assert.Len(t, loaded.Participants, 2)

	// Saving again replaces the run but keeps it a single document.
	loaded.Status = models.RunCompleted
	require.NoError(t, p.SaveRun(ctx, loaded))

	again, err := p.RunByID(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, again.Status)
}

func TestRunNotFound(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())

	_, err := p.RunByID(ctx, "run-missing")
	require.Error(t, err)
	assert.True(t, persistence.IsRunNotFound(err))

	err = p.DeleteRun(ctx, "run-missing")
	assert.True(t, persistence.IsRunNotFound(err))
}

func TestStepStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())

	require.NoError(t, p.SaveRun(ctx, testRun("run-1")))

	state := &models.StepState{
		RunID:        "run-1",
		StepID:       "generate",
		Status:       models.StepCompleted,
		AttemptCount: 1,
		Outputs:      map[string]string{"stats": "0.42"},
	}
	require.NoError(t, p.SaveStepState(ctx, state))

	state.Status = models.StepShared
	require.NoError(t, p.SaveStepState(ctx, state))

	states, err := p.StepStates(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, models.StepShared, states[0].Status)
	assert.Equal(t, "0.42", states[0].Outputs["stats"])
}

func TestRunsListsEveryRun(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())

	require.NoError(t, p.SaveRun(ctx, testRun("run-1")))
	require.NoError(t, p.SaveRun(ctx, testRun("run-2")))

	runs, err := p.Runs(ctx)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestDeleteRunRemovesDocument(t *testing.T) {
	ctx := context.Background()
	p := NewPersistence(t.TempDir())

	require.NoError(t, p.SaveRun(ctx, testRun("run-1")))
	require.NoError(t, p.DeleteRun(ctx, "run-1"))

	_, err := p.RunByID(ctx, "run-1")
	assert.True(t, persistence.IsRunNotFound(err))
}
