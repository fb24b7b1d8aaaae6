// Package state drives each step of a run through its lifecycle for one
// party. All cross-party coordination happens by polling the shared store;
// nothing here assumes a push channel.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syftflow/syftflow/pkg/eventbus"
	"github.com/syftflow/syftflow/pkg/events"
	"github.com/syftflow/syftflow/pkg/graph"
	"github.com/syftflow/syftflow/pkg/groups"
	"github.com/syftflow/syftflow/pkg/log"
	"github.com/syftflow/syftflow/pkg/models"
	"github.com/syftflow/syftflow/pkg/plan"
	"github.com/syftflow/syftflow/pkg/runner"
	"github.com/syftflow/syftflow/pkg/store"
	"github.com/syftflow/syftflow/pkg/template"

	"github.com/google/uuid"
)

var (
	// ErrUnknownStep is returned for a step ID the flow never declared.
	ErrUnknownStep = errors.New("unknown step")

	// ErrStepNotReady is returned when a transition is requested out of
	// order, e.g. running a step that is still waiting on inputs.
	ErrStepNotReady = errors.New("step is not ready")
)

// Config wires a Machine to its run.
type Config struct {
	RunID    string
	Identity string
	FlowName string
	Spec     *models.FlowSpec
	Graph    *graph.Graph
	Plan     *plan.ExecutionPlan
	Groups   *groups.GroupMap
	Inputs   map[string]string
	Store    store.Store
	Runner   runner.Runner
	Bus      eventbus.EventPublisher

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Machine owns every StepState of one run. StepStates are mutated only here;
// callers get copies.
type Machine struct {
	runID    string
	identity string
	flowName string
	spec     *models.FlowSpec
	graph    *graph.Graph
	plan     *plan.ExecutionPlan
	groups   *groups.GroupMap
	inputs   map[string]string
	store    store.Store
	runner   runner.Runner
	bus      eventbus.EventPublisher
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.RWMutex
	states map[string]*models.StepState

	// stepMu serializes transitions per step so a runner is never invoked
	// twice for the same step concurrently.
	stepMu map[string]*sync.Mutex
}

// NewMachine creates the machine and bootstraps one pending state per step.
func NewMachine(cfg Config) *Machine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	m := &Machine{
		runID:    cfg.RunID,
		identity: cfg.Identity,
		flowName: cfg.FlowName,
		spec:     cfg.Spec,
		graph:    cfg.Graph,
		plan:     cfg.Plan,
		groups:   cfg.Groups,
		inputs:   cfg.Inputs,
		store:    cfg.Store,
		runner:   cfg.Runner,
		bus:      cfg.Bus,
		now:      cfg.Now,
		logger:   log.WithModule("state").With("run_id", cfg.RunID, "identity", cfg.Identity),
		states:   make(map[string]*models.StepState, len(cfg.Graph.Order)),
		stepMu:   make(map[string]*sync.Mutex, len(cfg.Graph.Order)),
	}

	for _, stepID := range cfg.Graph.Order {
		m.states[stepID] = &models.StepState{
			RunID:     cfg.RunID,
			StepID:    stepID,
			Status:    models.StepPending,
			UpdatedAt: m.now(),
		}
		m.stepMu[stepID] = &sync.Mutex{}
	}

	return m
}

// State returns a copy of one step's state.
func (m *Machine) State(stepID string) (models.StepState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[stepID]
	if !ok {
		return models.StepState{}, false
	}

	return copyState(st), true
}

// Snapshot returns a copy of every step's state, keyed by step ID.
func (m *Machine) Snapshot() map[string]models.StepState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]models.StepState, len(m.states))
	for stepID, st := range m.states {
		out[stepID] = copyState(st)
	}

	return out
}

// Refresh is the poll tick: it promotes pending steps whose dependencies are
// satisfied, checks the store for awaited cross-party artifacts, applies
// await timeouts, releases barriers, and re-arms retryable failures whose
// backoff elapsed. It performs no runner invocations.
func (m *Machine) Refresh(ctx context.Context) error {
	for _, stepID := range m.plan.Mine {
		step := m.stepSpec(stepID)

		lock := m.stepLock(stepID)
		lock.Lock()
		err := m.refreshStep(ctx, step)
		lock.Unlock()

		if err != nil {
			return err
		}
	}

	return nil
}

func (m *Machine) refreshStep(ctx context.Context, step *models.StepSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.states[step.ID]

	switch st.Status {
	case models.StepPending, models.StepWaitingForInput:
		if step.IsBarrier() {
			m.refreshBarrier(step, st)

			return nil
		}

		return m.refreshReadiness(ctx, step, st)
	case models.StepFailed:
		if m.retriesRemaining(step, st) && !m.now().Before(st.NextRetryAt) {
			m.setStatus(ctx, st, models.StepReady)
		}
	default:
	}

	return nil
}

// refreshReadiness moves a step between pending, waiting_for_inputs and
// ready based on its dependencies and awaited artifacts.
func (m *Machine) refreshReadiness(ctx context.Context, step *models.StepSpec, st *models.StepState) error {
	if !m.localDepsDone(step) {
		return nil
	}

	resolved, err := m.resolveInputs(step)
	if err != nil {
		// Upstream outputs not published yet; stay pending until they are.
		return nil
	}

	missing := m.absentArtifacts(ctx, resolved.Missing)
	if len(missing) == 0 {
		m.setStatus(ctx, st, models.StepReady)
		m.publish(ctx, &events.StepReady{BaseEvent: m.baseEvent(events.StepReadyEvent), StepID: step.ID})

		return nil
	}

	if st.Status != models.StepWaitingForInput {
		st.WaitingSince = m.now()
		m.setStatus(ctx, st, models.StepWaitingForInput)

		return nil
	}

	m.applyAwaitTimeouts(ctx, step, st, missing)

	return nil
}

// localDepsDone checks every dependency's state. Mine must be done locally;
// others' must be done per merged peer progress. A dependency referenced
// through its share block must have finished the share leg, completion alone
// does not make the artifact visible to other parties.
func (m *Machine) localDepsDone(step *models.StepSpec) bool {
	for _, depID := range m.graph.Dependencies(step.ID) {
		depState, ok := m.states[depID]
		if !ok {
			return false
		}

		if m.referencesShare(step, depID) {
			if m.plan.IsMine(depID) && depState.Status != models.StepShared {
				return false
			}

			// Cross-party share arrival is detected against the store, not
			// against peer-reported status.
			continue
		}

		if !depState.Status.Done() {
			return false
		}
	}

	return true
}

func (m *Machine) referencesShare(step *models.StepSpec, depID string) bool {
	for _, binding := range step.With {
		if strings.HasPrefix(binding.Value, "step."+depID+".share.") {
			return true
		}
	}

	return false
}

// absentArtifacts filters the expected cross-party artifacts down to those
// the store does not hold yet. Store read failures count as not-arrived and
// are retried on the next tick.
func (m *Machine) absentArtifacts(ctx context.Context, expected []waitingInput) []waitingInput {
	var missing []waitingInput

	for _, wait := range expected {
		meta, err := m.store.ReadMetadata(ctx, wait.Owner, wait.Path)
		if err != nil {
			m.logger.Warn("store metadata read failed, retrying next tick",
				"owner", wait.Owner, "path", wait.Path, "error", err)

			missing = append(missing, wait)

			continue
		}

		if !meta.Exists {
			missing = append(missing, wait)
		}
	}

	return missing
}

// applyAwaitTimeouts fires the on_timeout policy of the first awaited input
// whose deadline passed. The binding's own await policy wins; the step-level
// timeout policy is the fallback.
func (m *Machine) applyAwaitTimeouts(ctx context.Context, step *models.StepSpec, st *models.StepState, missing []waitingInput) {
	for _, wait := range missing {
		timeoutSeconds, onTimeout, defaultValue := m.awaitPolicy(step, wait)
		if timeoutSeconds <= 0 {
			continue
		}

		deadline := st.WaitingSince.Add(time.Duration(timeoutSeconds) * time.Second)
		if m.now().Before(deadline) {
			continue
		}

		switch onTimeout {
		case models.OnTimeoutSkip:
			st.Outputs = map[string]string{}
			st.MarkDone(m.identity)
			m.setStatus(ctx, st, models.StepCompleted)
			m.publish(ctx, &events.StepCompleted{BaseEvent: m.baseEvent(events.StepCompletedEvent), StepID: step.ID})
		case models.OnTimeoutDefault:
			st.Outputs = parseDefaultOutputs(defaultValue)
			st.MarkDone(m.identity)
			m.setStatus(ctx, st, models.StepCompleted)
			m.publish(ctx, &events.StepCompleted{BaseEvent: m.baseEvent(events.StepCompletedEvent), StepID: step.ID, Outputs: st.Outputs})
		default:
			st.Error = fmt.Sprintf("timed out waiting for %s from %s", wait.Path, wait.Owner)
			st.ErrorKind = "timeout"
			m.setStatus(ctx, st, models.StepFailed)
			m.publish(ctx, &events.StepFailed{BaseEvent: m.baseEvent(events.StepFailedEvent), StepID: step.ID, Error: st.Error, ErrorKind: st.ErrorKind})
		}

		return
	}
}

func (m *Machine) awaitPolicy(step *models.StepSpec, wait waitingInput) (int, string, string) {
	if wait.Await != nil && wait.Await.TimeoutSeconds > 0 {
		onTimeout := wait.Await.OnTimeout
		if onTimeout == "" {
			onTimeout = models.OnTimeoutFail
		}

		return wait.Await.TimeoutSeconds, onTimeout, wait.Await.DefaultValue
	}

	if step.Timeout != nil {
		onTimeout := step.Timeout.OnTimeout
		if onTimeout == "" {
			onTimeout = models.OnTimeoutFail
		}

		return step.Timeout.ExecutionSeconds, onTimeout, step.Timeout.DefaultValue
	}

	return 0, "", ""
}

// refreshBarrier releases a barrier once every target of its wait_for step
// reported done. Barriers have no runner; release completes them directly.
func (m *Machine) refreshBarrier(step *models.StepSpec, st *models.StepState) {
	waitFor := step.Barrier.WaitFor
	if waitFor == "" {
		return
	}

	waitState, ok := m.states[waitFor]
	if !ok {
		return
	}

	if !coversAll(waitState.ParticipantsDone, m.plan.Targets[waitFor]) {
		if st.Status == models.StepPending {
			st.WaitingSince = m.now()
			m.setStatus(context.Background(), st, models.StepWaitingForInput)
		}

		return
	}

	st.MarkDone(m.identity)
	m.setStatus(context.Background(), st, models.StepCompleted)
}

// RunStep invokes the module runner for a ready step. It is the only place
// a step enters running; per-step locking guarantees a single in-flight
// invocation.
func (m *Machine) RunStep(ctx context.Context, stepID string) error {
	step := m.stepSpec(stepID)
	if step == nil {
		return fmt.Errorf("%w: %q", ErrUnknownStep, stepID)
	}

	if step.IsBarrier() {
		return fmt.Errorf("%w: %q is a barrier, released by the poll tick, not run", ErrStepNotReady, stepID)
	}

	lock := m.stepLock(stepID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()

	st := m.states[stepID]
	if st.Status != models.StepReady {
		m.mu.Unlock()

		return fmt.Errorf("%w: %q has status %s", ErrStepNotReady, stepID, st.Status)
	}

	resolved, err := m.resolveInputs(step)
	if err != nil {
		m.mu.Unlock()

		return err
	}

	st.AttemptCount++
	attempt := st.AttemptCount
	m.setStatus(ctx, st, models.StepRunning)
	m.mu.Unlock()

	m.publish(ctx, &events.StepStarted{BaseEvent: m.baseEvent(events.StepStartedEvent), StepID: stepID, Attempt: attempt})

	runCtx := ctx
	if step.Timeout != nil && step.Timeout.ExecutionSeconds > 0 {
		var cancel context.CancelFunc

		runCtx, cancel = context.WithTimeout(ctx, time.Duration(step.Timeout.ExecutionSeconds)*time.Second)
		defer cancel()
	}

	runCtx = log.IntoContext(runCtx, m.logger.With("step_id", stepID))

	started := m.now()
	outputs, runErr := m.runner.Run(runCtx, step.Uses, resolved.Values)

	m.mu.Lock()
	defer m.mu.Unlock()

	if runErr != nil {
		return m.handleRunFailure(ctx, step, st, runErr)
	}

	st.Outputs = outputs
	st.Error = ""
	st.ErrorKind = ""
	st.MarkDone(m.identity)

	if step.HasShare() {
		m.setStatus(ctx, st, models.StepReadyToShare)
	} else {
		m.setStatus(ctx, st, models.StepCompleted)
	}

	m.publish(ctx, &events.StepCompleted{
		BaseEvent:  m.baseEvent(events.StepCompletedEvent),
		StepID:     stepID,
		Outputs:    outputs,
		DurationMs: m.now().Sub(started).Milliseconds(),
	})

	return nil
}

// handleRunFailure applies the execution timeout policy, then the retry
// policy. Exhausted retries leave the step terminally failed; independent
// branches of the run keep going.
func (m *Machine) handleRunFailure(ctx context.Context, step *models.StepSpec, st *models.StepState, runErr error) error {
	if errors.Is(runErr, context.DeadlineExceeded) && step.Timeout != nil {
		switch step.Timeout.OnTimeout {
		case models.OnTimeoutSkip:
			st.Outputs = map[string]string{}
			st.MarkDone(m.identity)
			m.setStatus(ctx, st, models.StepCompleted)

			return nil
		case models.OnTimeoutDefault:
			st.Outputs = parseDefaultOutputs(step.Timeout.DefaultValue)
			st.MarkDone(m.identity)
			m.setStatus(ctx, st, models.StepCompleted)

			return nil
		}
	}

	st.Error = runErr.Error()
	st.ErrorKind = errorKind(runErr)

	if m.retriesRemaining(step, st) {
		st.NextRetryAt = m.now().Add(retryDelay(step.Retry, st.AttemptCount))
	} else {
		st.NextRetryAt = time.Time{}
	}

	m.setStatus(ctx, st, models.StepFailed)
	m.publish(ctx, &events.StepFailed{
		BaseEvent: m.baseEvent(events.StepFailedEvent),
		StepID:    step.ID,
		Error:     st.Error,
		ErrorKind: st.ErrorKind,
		Attempt:   st.AttemptCount,
	})

	return runErr
}

// Share exports a completed step's declared shares to the store. A failed
// write reverts to ready_to_share; the step is never marked shared unless
// every write succeeded.
func (m *Machine) Share(ctx context.Context, stepID string) error {
	step := m.stepSpec(stepID)
	if step == nil {
		return fmt.Errorf("%w: %q", ErrUnknownStep, stepID)
	}

	lock := m.stepLock(stepID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()

	st := m.states[stepID]
	if st.Status != models.StepReadyToShare {
		m.mu.Unlock()

		return fmt.Errorf("%w: %q has nothing to share (status %s)", ErrStepNotReady, stepID, st.Status)
	}

	m.setStatus(ctx, st, models.StepSharing)
	outputs := copyStringMap(st.Outputs)
	m.mu.Unlock()

	paths, recipients, err := m.writeShares(ctx, step, outputs)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.setStatus(ctx, st, models.StepReadyToShare)

		return err
	}

	st.MarkDone(m.identity)
	m.setStatus(ctx, st, models.StepShared)
	m.publish(ctx, &events.StepShared{
		BaseEvent:  m.baseEvent(events.StepSharedEvent),
		StepID:     stepID,
		Paths:      paths,
		Recipients: recipients,
	})

	return nil
}

func (m *Machine) writeShares(ctx context.Context, step *models.StepSpec, outputs map[string]string) ([]string, []string, error) {
	var paths, recipients []string

	for _, name := range sortedKeys(step.Share) {
		policy := step.Share[name]

		outName, ok := strings.CutPrefix(policy.Source, "self.outputs.")
		if !ok {
			return nil, nil, fmt.Errorf("share %s: source must be self.outputs.<name>, got %q", name, policy.Source)
		}

		value, ok := outputs[outName]
		if !ok {
			return nil, nil, fmt.Errorf("share %s: step published no output %q", name, outName)
		}

		path, err := template.Expand(policy.Path, template.Vars{
			RunID:           m.runID,
			FlowName:        m.flowName,
			StepID:          step.ID,
			CurrentDatasite: m.identity,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("share %s: %w", name, err)
		}

		acl := store.ACL{
			Read:  m.resolveIdentities(policy.Permissions.Read),
			Write: m.resolveIdentities(policy.Permissions.Write),
			Admin: m.resolveIdentities(policy.Permissions.Admin),
		}

		if err := m.store.Write(ctx, m.identity, path, m.artifactBytes(value), acl); err != nil {
			return nil, nil, fmt.Errorf("share %s: %w", name, err)
		}

		paths = append(paths, path)
		recipients = append(recipients, acl.Read...)
	}

	return paths, dedupSorted(recipients), nil
}

// artifactBytes loads the artifact a step output references. Outputs that
// are not readable paths are treated as inline values.
func (m *Machine) artifactBytes(value string) []byte {
	if info, err := os.Stat(value); err == nil && !info.IsDir() {
		if data, err := os.ReadFile(value); err == nil {
			return data
		}
	}

	return []byte(value)
}

// resolveIdentities expands ACL entries (group names, literal identities,
// wildcard) to concrete identities.
func (m *Machine) resolveIdentities(tokens []string) []string {
	var out []string

	for _, token := range tokens {
		switch {
		case token == "*" || strings.EqualFold(token, "all"):
			out = append(out, m.groups.All()...)
		case strings.Contains(token, "@"):
			if actual, ok := m.groups.DefaultToActual[token]; ok {
				out = append(out, actual)
			} else {
				out = append(out, token)
			}
		default:
			out = append(out, m.groups.Members(token)...)
		}
	}

	return dedupSorted(out)
}

// ObservePeer merges a peer's progress report for one step. Reports never
// regress a step: a lower-ranked status than the current one is ignored.
func (m *Machine) ObservePeer(stepID, identity string, status models.StepStatus, outputs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.states[stepID]
	if !ok {
		return
	}

	if status.Rank() > st.Status.Rank() && !m.plan.IsMine(stepID) {
		st.Status = status
		st.UpdatedAt = m.now()
	}

	if status.Done() {
		st.MarkDone(identity)
	}

	for name, value := range outputs {
		if st.Outputs == nil {
			st.Outputs = make(map[string]string, len(outputs))
		}

		if _, exists := st.Outputs[name]; !exists {
			st.Outputs[name] = value
		}
	}
}

// Restore replaces the bootstrapped states with persisted ones, matched by
// step ID. States for steps the current flow does not declare are ignored.
func (m *Machine) Restore(states []*models.StepState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range states {
		if _, ok := m.states[st.StepID]; !ok {
			continue
		}

		restored := copyState(st)
		m.states[st.StepID] = &restored
	}
}

// Recover resets steps observed running after a restart. The runner process
// is gone and cannot be re-attached, so the attempt is rolled back to
// pending and will be re-invoked. Transitions are idempotent checkpoints,
// which makes the reset safe.
func (m *Machine) Recover() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, st := range m.states {
		if st.Status == models.StepRunning || st.Status == models.StepSharing {
			m.logger.Warn("resetting interrupted step", "step_id", st.StepID, "status", st.Status)

			if st.Status == models.StepSharing {
				st.Status = models.StepReadyToShare
			} else {
				st.Status = models.StepPending
			}

			st.UpdatedAt = m.now()
		}
	}
}

// Overall derives the run's aggregate status. Completed requires every step
// to be done by every one of its targets; a terminally failed step without
// remaining retries fails the run; anything else is still running.
func (m *Machine) Overall() models.RunStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	allDone := true

	for _, stepID := range m.graph.Order {
		step := m.stepSpec(stepID)
		st := m.states[stepID]

		if st.Status == models.StepFailed && !m.retriesRemaining(step, st) {
			return models.RunFailed
		}

		if !coversAll(st.ParticipantsDone, m.plan.Targets[stepID]) {
			allDone = false
		}
	}

	if allDone {
		return models.RunCompleted
	}

	return models.RunRunning
}

// retriesRemaining reports whether a failed step may run again. The recorded
// error kind must be retryable under the step's policy; a non-retryable
// failure is terminal no matter how many attempts are left.
func (m *Machine) retriesRemaining(step *models.StepSpec, st *models.StepState) bool {
	if step == nil || step.Retry == nil {
		return false
	}

	if st.ErrorKind != "" && !step.Retry.Retryable(st.ErrorKind) {
		return false
	}

	return st.AttemptCount < step.Retry.MaxAttempts
}

func (m *Machine) stepLock(stepID string) *sync.Mutex {
	return m.stepMu[stepID]
}

func (m *Machine) setStatus(_ context.Context, st *models.StepState, status models.StepStatus) {
	m.logger.Debug("step transition", "step_id", st.StepID, "from", st.Status, "to", status)
	st.Status = status
	st.UpdatedAt = m.now()
}

func (m *Machine) baseEvent(eventType events.EventType) events.BaseEvent {
	return events.BaseEvent{
		ID:        "evt-" + uuid.NewString()[:8],
		Type:      eventType,
		Timestamp: m.now().UTC(),
		RunID:     m.runID,
		Identity:  m.identity,
	}
}

func (m *Machine) publish(ctx context.Context, event eventbus.Event) {
	if m.bus == nil {
		return
	}

	if err := m.bus.Publish(ctx, m.runID, event); err != nil {
		m.logger.Warn("event publish failed", "type", event.GetType(), "error", err)
	}
}

// parseDefaultOutputs interprets an on_timeout default value as an outputs
// object; non-object values become a single "value" output.
func parseDefaultOutputs(raw string) map[string]string {
	outputs := map[string]string{}
	if raw == "" {
		return outputs
	}

	if err := json.Unmarshal([]byte(raw), &outputs); err == nil {
		return outputs
	}

	return map[string]string{"value": raw}
}

func errorKind(err error) string {
	var runErr *runner.Error
	if errors.As(err, &runErr) {
		return runErr.Kind
	}

	return runner.KindExecFailed
}

func coversAll(done, targets []string) bool {
	for _, target := range targets {
		found := false

		for _, d := range done {
			if strings.EqualFold(d, target) {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	return true
}

func copyState(st *models.StepState) models.StepState {
	out := *st
	out.Outputs = copyStringMap(st.Outputs)
	out.ParticipantsDone = append([]string(nil), st.ParticipantsDone...)

	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}

	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

func dedupSorted(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))

	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}

		seen[item] = struct{}{}
		out = append(out, item)
	}

	sort.Strings(out)

	return out
}
