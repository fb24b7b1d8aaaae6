package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syftflow/syftflow/pkg/flowspec"
	"github.com/syftflow/syftflow/pkg/models"
	"github.com/syftflow/syftflow/pkg/persistence/file"
	"github.com/syftflow/syftflow/pkg/store"
)

const gwasDocument = `apiVersion: syftflow.org/v1
kind: Flow
metadata:
  name: gwas
  version: "1.0.0"
spec:
  steps:
    - id: generate
      uses: gwas/generate
      runs_on: [contributors]
    - id: share_contribution
      uses: gwas/share
      runs_on: [contributors]
      with:
        stats: step.generate.outputs.stats
      share:
        stats:
          source: self.outputs.stats
          path: shared/flows/{flow_name}/{run_id}/{step_id}/stats.json
          permissions:
            read: [aggregator]
    - id: aggregate
      uses: gwas/aggregate
      runs_on: [aggregator]
      with:
        contributions:
          value: step.share_contribution.share.stats.url_list
          await: {timeout_seconds: 600, on_timeout: fail}
`

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.t
}

type fakeRunner struct {
	fn func(ctx context.Context, ref string, inputs map[string]string) (map[string]string, error)
}

func (r *fakeRunner) Run(ctx context.Context, ref string, inputs map[string]string) (map[string]string, error) {
	return r.fn(ctx, ref, inputs)
}

func statsRunner() *fakeRunner {
	return &fakeRunner{fn: func(_ context.Context, ref string, inputs map[string]string) (map[string]string, error) {
		switch ref {
		case "gwas/generate":
			return map[string]string{"stats": "0.42"}, nil
		case "gwas/share":
			return map[string]string{"stats": inputs["stats"]}, nil
		default:
			return map[string]string{"result": inputs["contributions"]}, nil
		}
	}}
}

func roster() []models.Participant {
	return []models.Participant{
		{Email: "c1@x", Role: "contributor1", Status: models.ParticipantJoined},
		{Email: "a@x", Role: "aggregator", Status: models.ParticipantJoined},
	}
}

func newTestManager(t *testing.T, identity, storeRoot, persistenceRoot string, run *fakeRunner, clk *fakeClock) *Manager {
	t.Helper()

	return NewManager(Config{
		Identity:    identity,
		Persistence: file.NewPersistence(persistenceRoot),
		Store:       store.NewFilesystemStore(storeRoot),
		Runner:      run,
		Now:         clk.Now,
	})
}

func mustLoad(t *testing.T) *flowspec.Document {
	t.Helper()

	doc, err := flowspec.Load([]byte(gwasDocument))
	require.NoError(t, err)

	return doc
}

func TestStartRunPersistsAndPublishesFlowDocument(t *testing.T) {
	ctx := context.Background()
	storeRoot := t.TempDir()
	mgr := newTestManager(t, "c1@x", storeRoot, t.TempDir(), statsRunner(), newFakeClock())

	runID, err := mgr.StartRun(ctx, mustLoad(t), roster(), nil)
	require.NoError(t, err)
	assert.Contains(t, runID, "run-")

	run, err := mgr.persistence.RunByID(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "gwas", run.FlowName)
	assert.Equal(t, models.RunRunning, run.Status)

	fs := store.NewFilesystemStore(storeRoot)
	docBytes, err := fs.Read(ctx, "c1@x", fmt.Sprintf("shared/flows/gwas/%s/flow.yaml", runID))
	require.NoError(t, err)

	doc, err := flowspec.Load(docBytes)
	require.NoError(t, err)
	assert.Equal(t, "gwas", doc.Flow.Metadata.Name)

	active := mgr.ListActiveSessions()
	require.Len(t, active, 1)
	assert.Equal(t, runID, active[0].ID)
}

func TestRunStepAdvancesAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "c1@x", t.TempDir(), t.TempDir(), statsRunner(), newFakeClock())

	runID, err := mgr.StartRun(ctx, mustLoad(t), roster(), nil)
	require.NoError(t, err)

	require.NoError(t, mgr.RunStep(ctx, runID, "generate"))

	state, err := mgr.RunState(runID)
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, state.PerStep["generate"].Status)
	assert.Equal(t, models.RunRunning, state.Overall)

	states, err := mgr.persistence.StepStates(ctx, runID)
	require.NoError(t, err)
	require.Len(t, states, 3)

	for _, st := range states {
		if st.StepID == "generate" {
			assert.Equal(t, models.StepCompleted, st.Status)
			assert.Equal(t, "0.42", st.Outputs["stats"])
		}
	}
}

func TestMultipartyRunToCompletion(t *testing.T) {
	ctx := context.Background()
	storeRoot := t.TempDir()
	clk := newFakeClock()

	var aggregateInputs map[string]string

	contributor := newTestManager(t, "c1@x", storeRoot, t.TempDir(), statsRunner(), clk)
	aggregator := newTestManager(t, "a@x", storeRoot, t.TempDir(), &fakeRunner{
		fn: func(_ context.Context, _ string, inputs map[string]string) (map[string]string, error) {
			aggregateInputs = inputs

			return map[string]string{"result": "done"}, nil
		},
	}, clk)

	runID, err := contributor.StartRun(ctx, mustLoad(t), roster(), nil)
	require.NoError(t, err)

	require.NoError(t, aggregator.JoinRun(ctx, "c1@x", "gwas", runID, roster(), nil))

	require.NoError(t, contributor.RunStep(ctx, runID, "generate"))
	require.NoError(t, contributor.RunStep(ctx, runID, "share_contribution"))
	require.NoError(t, contributor.ShareStepOutputs(ctx, runID, "share_contribution"))
	contributor.Tick(ctx)

	aggregator.Tick(ctx)
	require.NoError(t, aggregator.RunStep(ctx, runID, "aggregate"))

	require.NotNil(t, aggregateInputs)
	assert.Contains(t, aggregateInputs["contributions"],
		fmt.Sprintf("syft://c1@x/shared/flows/gwas/%s/share_contribution/stats.json", runID))

	state, err := aggregator.RunState(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, state.Overall)

	// The contributor learns about the aggregate from the next progress
	// exchange.
	contributor.Tick(ctx)

	state, err = contributor.RunState(runID)
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, state.Overall)
}

func TestLoadRunRestoresPersistedSession(t *testing.T) {
	ctx := context.Background()
	storeRoot := t.TempDir()
	persistenceRoot := t.TempDir()
	clk := newFakeClock()

	mgr := newTestManager(t, "c1@x", storeRoot, persistenceRoot, statsRunner(), clk)

	runID, err := mgr.StartRun(ctx, mustLoad(t), roster(), nil)
	require.NoError(t, err)
	require.NoError(t, mgr.RunStep(ctx, runID, "generate"))

	restored := newTestManager(t, "c1@x", storeRoot, persistenceRoot, statsRunner(), clk)
	require.NoError(t, restored.LoadRun(ctx, runID))

	state, err := restored.RunState(runID)
	require.NoError(t, err)
	assert.Equal(t, models.StepCompleted, state.PerStep["generate"].Status)
	assert.Equal(t, "0.42", state.PerStep["generate"].Outputs["stats"])
}

func TestInviteAndAcceptUpdateRoster(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "c1@x", t.TempDir(), t.TempDir(), statsRunner(), newFakeClock())

	runID, err := mgr.StartRun(ctx, mustLoad(t), roster(), nil)
	require.NoError(t, err)

	require.NoError(t, mgr.Invite(ctx, runID, "a@x"))

	run, err := mgr.persistence.RunByID(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, models.ParticipantInvited, findParticipant(run.Participants, "a@x").Status)

	require.NoError(t, mgr.Accept(ctx, runID, "a@x"))

	run, err = mgr.persistence.RunByID(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, models.ParticipantJoined, findParticipant(run.Participants, "a@x").Status)

	require.ErrorIs(t, mgr.Invite(ctx, runID, "stranger@x"), ErrNotParticipant)
}

// Roster changes arrive over HTTP while the poll goroutine is checkpointing
// the same run; both sides must serialize on the session.
func TestRosterUpdatesRaceThePollTick(t *testing.T) {
	ctx := context.Background()
	mgr := newTestManager(t, "c1@x", t.TempDir(), t.TempDir(), statsRunner(), newFakeClock())

	runID, err := mgr.StartRun(ctx, mustLoad(t), roster(), nil)
	require.NoError(t, err)

	var wg sync.WaitGroup

	wg.Add(2)

	go func() {
		defer wg.Done()

		for range 50 {
			mgr.Tick(ctx)
		}
	}()

	go func() {
		defer wg.Done()

		for range 50 {
			assert.NoError(t, mgr.Invite(ctx, runID, "a@x"))
			assert.NoError(t, mgr.Accept(ctx, runID, "a@x"))
		}
	}()

	wg.Wait()

	run, err := mgr.persistence.RunByID(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, models.ParticipantJoined, findParticipant(run.Participants, "a@x").Status)
}

func TestAllParticipantProgress(t *testing.T) {
	ctx := context.Background()
	storeRoot := t.TempDir()
	clk := newFakeClock()

	contributor := newTestManager(t, "c1@x", storeRoot, t.TempDir(), statsRunner(), clk)
	aggregator := newTestManager(t, "a@x", storeRoot, t.TempDir(), statsRunner(), clk)

	runID, err := contributor.StartRun(ctx, mustLoad(t), roster(), nil)
	require.NoError(t, err)
	require.NoError(t, aggregator.JoinRun(ctx, "c1@x", "gwas", runID, roster(), nil))

	require.NoError(t, contributor.RunStep(ctx, runID, "generate"))
	contributor.Tick(ctx)

	progress, err := aggregator.AllParticipantProgress(ctx, runID)
	require.NoError(t, err)
	require.Len(t, progress, 2)

	byIdentity := make(map[string]ParticipantProgress, len(progress))
	for _, entry := range progress {
		byIdentity[entry.Identity] = entry
	}

	assert.Equal(t, models.StepCompleted, byIdentity["c1@x"].Steps["generate"])
	assert.Equal(t, models.StepPending, byIdentity["a@x"].Steps["aggregate"])
}
