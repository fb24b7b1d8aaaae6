// Package session coordinates flow runs for one party: it owns the live
// sessions, drives their state machines on user commands and on the poll
// tick, and persists run and step state between process restarts.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/syftflow/syftflow/pkg/eventbus"
	"github.com/syftflow/syftflow/pkg/events"
	"github.com/syftflow/syftflow/pkg/flowspec"
	"github.com/syftflow/syftflow/pkg/graph"
	"github.com/syftflow/syftflow/pkg/groups"
	"github.com/syftflow/syftflow/pkg/log"
	"github.com/syftflow/syftflow/pkg/models"
	"github.com/syftflow/syftflow/pkg/otelhelper"
	"github.com/syftflow/syftflow/pkg/persistence"
	"github.com/syftflow/syftflow/pkg/plan"
	"github.com/syftflow/syftflow/pkg/runner"
	"github.com/syftflow/syftflow/pkg/state"
	"github.com/syftflow/syftflow/pkg/store"
)

var (
	// ErrRunNotFound is returned when no live session matches a run ID.
	ErrRunNotFound = persistence.ErrRunNotFound

	// ErrNotParticipant is returned by Accept for an identity the run never
	// invited.
	ErrNotParticipant = fmt.Errorf("identity is not a participant of this run")
)

const (
	defaultPollInterval = 10 * time.Second
	minPollInterval     = 5 * time.Second
	maxPollInterval     = 15 * time.Second

	flowDocumentPath = "shared/flows/%s/%s/flow.yaml"
	progressPath     = "shared/flows/%s/%s/progress.json"
)

// Config wires a Manager.
type Config struct {
	Identity     string
	Persistence  persistence.Persistence
	Store        store.Store
	Runner       runner.Runner
	Bus          eventbus.EventPublisher
	PollInterval time.Duration
	Tracer       trace.Tracer

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Session is one live run: the immutable plan data plus the state machine
// that owns its step states.
type Session struct {
	Run     *models.Run
	Doc     *flowspec.Document
	Graph   *graph.Graph
	Plan    *plan.ExecutionPlan
	Groups  *groups.GroupMap
	Machine *state.Machine

	startedAt time.Time

	// mu guards Run and finished. The poll goroutine and the API handlers
	// touch both concurrently; everything above Run is immutable once built.
	mu       sync.Mutex
	finished bool
}

// roster returns a copy of the participant list, safe to iterate without the
// session lock.
func (s *Session) roster() []models.Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]models.Participant(nil), s.Run.Participants...)
}

// Manager coordinates all live sessions of one party.
type Manager struct {
	identity     string
	persistence  persistence.Persistence
	store        store.Store
	runner       runner.Runner
	bus          eventbus.EventPublisher
	pollInterval time.Duration
	tracer       trace.Tracer
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. The poll interval is clamped to the
// 5-15 second band the reconciliation protocol is designed for.
func NewManager(cfg Config) *Manager {
	interval := cfg.PollInterval
	if interval == 0 {
		interval = defaultPollInterval
	}

	if interval < minPollInterval {
		interval = minPollInterval
	}

	if interval > maxPollInterval {
		interval = maxPollInterval
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("session")
	}

	return &Manager{
		identity:     cfg.Identity,
		persistence:  cfg.Persistence,
		store:        cfg.Store,
		runner:       cfg.Runner,
		bus:          cfg.Bus,
		pollInterval: interval,
		tracer:       tracer,
		now:          now,
		logger:       log.WithModule("session").With("identity", cfg.Identity),
		sessions:     make(map[string]*Session),
	}
}

// StartRun creates a run from a validated flow document, publishes the
// document to the local datasite so every participant can load it, and
// returns the run ID. The session starts polling-eligible immediately.
func (m *Manager) StartRun(ctx context.Context, doc *flowspec.Document, participants []models.Participant, inputs map[string]string) (string, error) {
	runID := "run-" + uuid.NewString()[:8]

	session, err := m.buildSession(doc, runID, participants, inputs, nil)
	if err != nil {
		return "", err
	}

	if err := m.publishFlowDocument(ctx, session); err != nil {
		return "", fmt.Errorf("publish flow document: %w", err)
	}

	if err := m.persistence.SaveRun(ctx, session.Run); err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}

	m.mu.Lock()
	m.sessions[runID] = session
	m.mu.Unlock()

	m.publish(ctx, events.RunStarted{
		BaseEvent:    m.baseEvent(events.RunStartedEvent, runID),
		FlowName:     session.Run.FlowName,
		FlowVersion:  session.Run.FlowVersion,
		Participants: participantEmails(participants),
	})

	m.logger.Info("run started",
		"run_id", runID,
		"flow_name", session.Run.FlowName,
		"participants", len(participants))

	return runID, nil
}

// RunState is a non-blocking snapshot of one run: per-step states plus the
// derived overall status.
type RunState struct {
	RunID   string                      `json:"run_id"`
	PerStep map[string]models.StepState `json:"per_step"`
	Overall models.RunStatus            `json:"overall"`
}

// RunState returns a snapshot of the run. It never blocks on step
// transitions in flight.
func (m *Manager) RunState(runID string) (*RunState, error) {
	session, err := m.session(runID)
	if err != nil {
		return nil, err
	}

	return &RunState{
		RunID:   runID,
		PerStep: session.Machine.Snapshot(),
		Overall: session.Machine.Overall(),
	}, nil
}

// RunStep refreshes the step's readiness and invokes its module runner.
func (m *Manager) RunStep(ctx context.Context, runID, stepID string) error {
	session, err := m.session(runID)
	if err != nil {
		return err
	}

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "session.run_step",
		attribute.String(otelhelper.RunIDKey, runID),
		attribute.String(otelhelper.StepIDKey, stepID),
		attribute.String(otelhelper.IdentityKey, m.identity))
	defer span.End()

	if err := session.Machine.Refresh(ctx); err != nil {
		otelhelper.SetError(span, err)

		return err
	}

	runErr := session.Machine.RunStep(ctx, stepID)
	if runErr != nil {
		otelhelper.SetError(span, runErr)
	}

	if err := m.checkpoint(ctx, session); err != nil {
		m.logger.Error("failed to checkpoint run", "run_id", runID, "error", err)
	}

	return runErr
}

// ShareStepOutputs writes the step's declared share artifacts to the store.
func (m *Manager) ShareStepOutputs(ctx context.Context, runID, stepID string) error {
	session, err := m.session(runID)
	if err != nil {
		return err
	}

	ctx, span := otelhelper.StartSpan(ctx, m.tracer, "session.share_step_outputs",
		attribute.String(otelhelper.RunIDKey, runID),
		attribute.String(otelhelper.StepIDKey, stepID),
		attribute.String(otelhelper.IdentityKey, m.identity))
	defer span.End()

	shareErr := session.Machine.Share(ctx, stepID)
	if shareErr != nil {
		otelhelper.SetError(span, shareErr)
	}

	if err := m.checkpoint(ctx, session); err != nil {
		m.logger.Error("failed to checkpoint run", "run_id", runID, "error", err)
	}

	return shareErr
}

// ListActiveSessions returns the runs that have not reached a terminal
// overall status, most recent first.
func (m *Manager) ListActiveSessions() []*models.Run {
	m.mu.RLock()
	defer m.mu.RUnlock()

	active := make([]*models.Run, 0, len(m.sessions))

	for _, session := range m.sessions {
		if session.Machine.Overall() == models.RunRunning {
			session.mu.Lock()
			run := *session.Run
			session.mu.Unlock()

			active = append(active, &run)
		}
	}

	sortRunsByCreation(active)

	return active
}

// Invite marks a participant as invited and announces it on the bus. The
// flow document published at StartRun is what the invitee will load.
func (m *Manager) Invite(ctx context.Context, runID, email string) error {
	session, err := m.session(runID)
	if err != nil {
		return err
	}

	role, err := m.setParticipantStatus(ctx, session, email, models.ParticipantInvited)
	if err != nil {
		return err
	}

	m.publish(ctx, events.ParticipantInvited{
		BaseEvent: m.baseEvent(events.ParticipantInvitedEvent, runID),
		Email:     email,
		Role:      role,
	})

	return nil
}

// Accept records that a participant joined the run.
func (m *Manager) Accept(ctx context.Context, runID, email string) error {
	session, err := m.session(runID)
	if err != nil {
		return err
	}

	role, err := m.setParticipantStatus(ctx, session, email, models.ParticipantJoined)
	if err != nil {
		return err
	}

	m.publish(ctx, events.ParticipantJoined{
		BaseEvent: m.baseEvent(events.ParticipantJoinedEvent, runID),
		Email:     email,
		Role:      role,
	})

	return nil
}

// setParticipantStatus updates one roster entry and persists the run, all
// under the session lock so the poll tick never observes a half-updated run.
func (m *Manager) setParticipantStatus(ctx context.Context, session *Session, email, status string) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	participant := findParticipant(session.Run.Participants, email)
	if participant == nil {
		return "", ErrNotParticipant
	}

	participant.Status = status
	session.Run.UpdatedAt = m.now()

	if err := m.persistence.SaveRun(ctx, session.Run); err != nil {
		return "", fmt.Errorf("save run: %w", err)
	}

	return participant.Role, nil
}

// JoinRun creates a local session for a run another party started. The flow
// document is read from the host's datasite, where StartRun published it for
// every participant.
func (m *Manager) JoinRun(ctx context.Context, host, flowName, runID string, participants []models.Participant, inputs map[string]string) error {
	docBytes, err := m.store.Read(ctx, host, fmt.Sprintf(flowDocumentPath, flowName, runID))
	if err != nil {
		return fmt.Errorf("read flow document from %s: %w", host, err)
	}

	doc, err := flowspec.Load(docBytes)
	if err != nil {
		return fmt.Errorf("load flow document: %w", err)
	}

	session, err := m.buildSession(doc, runID, participants, inputs, nil)
	if err != nil {
		return err
	}

	// A local copy lets LoadRun restore the session without the host
	// being reachable.
	if err := m.publishFlowDocument(ctx, session); err != nil {
		return fmt.Errorf("publish flow document: %w", err)
	}

	if err := m.persistence.SaveRun(ctx, session.Run); err != nil {
		return fmt.Errorf("save run: %w", err)
	}

	m.mu.Lock()
	m.sessions[runID] = session
	m.mu.Unlock()

	m.publish(ctx, events.ParticipantJoined{
		BaseEvent: m.baseEvent(events.ParticipantJoinedEvent, runID),
		Email:     m.identity,
		Role:      roleOf(participants, m.identity),
	})

	m.logger.Info("run joined", "run_id", runID, "flow_name", flowName, "host", host)

	return nil
}

// LoadRun rebuilds a session from persisted state after a restart. The flow
// document is read back from the local datasite; interrupted steps are reset
// to their last safe checkpoint.
func (m *Manager) LoadRun(ctx context.Context, runID string) error {
	run, err := m.persistence.RunByID(ctx, runID)
	if err != nil {
		return err
	}

	docBytes, err := m.store.Read(ctx, m.identity, fmt.Sprintf(flowDocumentPath, run.FlowName, runID))
	if err != nil {
		return fmt.Errorf("read flow document: %w", err)
	}

	doc, err := flowspec.Load(docBytes)
	if err != nil {
		return fmt.Errorf("load flow document: %w", err)
	}

	states, err := m.persistence.StepStates(ctx, runID)
	if err != nil {
		return fmt.Errorf("load step states: %w", err)
	}

	session, err := m.buildSession(doc, runID, run.Participants, run.Inputs, run)
	if err != nil {
		return err
	}

	session.Machine.Restore(states)
	session.Machine.Recover()

	m.mu.Lock()
	m.sessions[runID] = session
	m.mu.Unlock()

	m.logger.Info("run restored", "run_id", runID, "flow_name", run.FlowName)

	return nil
}

func (m *Manager) buildSession(doc *flowspec.Document, runID string, participants []models.Participant, inputs map[string]string, run *models.Run) (*Session, error) {
	g, err := graph.Build(&doc.Flow.Spec)
	if err != nil {
		return nil, err
	}

	gm := groups.Resolve(&doc.Flow.Spec, participants)
	p := plan.For(m.identity, g, &doc.Flow.Spec, gm)

	if run == nil {
		now := m.now()
		run = &models.Run{
			ID:           runID,
			FlowName:     doc.Flow.Metadata.Name,
			FlowVersion:  doc.Flow.Metadata.Version,
			Identity:     m.identity,
			Participants: participants,
			Inputs:       inputs,
			Status:       models.RunRunning,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	machine := state.NewMachine(state.Config{
		RunID:    runID,
		Identity: m.identity,
		FlowName: doc.Flow.Metadata.Name,
		Spec:     &doc.Flow.Spec,
		Graph:    g,
		Plan:     p,
		Groups:   gm,
		Inputs:   inputs,
		Store:    m.store,
		Runner:   m.runner,
		Bus:      m.bus,
		Now:      m.now,
	})

	return &Session{
		Run:       run,
		Doc:       doc,
		Graph:     g,
		Plan:      p,
		Groups:    gm,
		Machine:   machine,
		startedAt: run.CreatedAt,
	}, nil
}

// publishFlowDocument writes the flow to the local datasite, readable by all
// participants. Peers load it from here instead of receiving a copy out of
// band.
func (m *Manager) publishFlowDocument(ctx context.Context, session *Session) error {
	data, err := session.Doc.Save()
	if err != nil {
		return err
	}

	path := fmt.Sprintf(flowDocumentPath, session.Run.FlowName, session.Run.ID)
	acl := store.ACL{Read: participantEmails(session.Run.Participants)}

	return m.store.Write(ctx, m.identity, path, data, acl)
}

// checkpoint publishes this party's progress and persists the run and every
// step state. Failures are logged by callers, not fatal: the states are
// idempotent checkpoints and the next successful save catches up. Progress
// goes out before the terminal transition is recorded so peers always see
// the final statuses.
func (m *Manager) checkpoint(ctx context.Context, session *Session) error {
	if err := m.publishProgress(ctx, session); err != nil {
		m.logger.Error("failed to publish progress", "run_id", session.Run.ID, "error", err)
	}

	snapshot := session.Machine.Snapshot()

	for _, stepID := range session.Graph.Order {
		st := snapshot[stepID]
		if err := m.persistence.SaveStepState(ctx, &st); err != nil {
			return err
		}
	}

	overall := session.Machine.Overall()

	session.mu.Lock()
	defer session.mu.Unlock()

	if overall != session.Run.Status {
		session.Run.Status = overall
		session.Run.UpdatedAt = m.now()
	}

	if err := m.persistence.SaveRun(ctx, session.Run); err != nil {
		return err
	}

	m.announceCompletion(ctx, session, overall)

	return nil
}

// announceCompletion publishes the terminal run event exactly once. The
// caller holds the session lock.
func (m *Manager) announceCompletion(ctx context.Context, session *Session, overall models.RunStatus) {
	if session.finished || overall == models.RunRunning {
		return
	}

	session.finished = true
	duration := m.now().Sub(session.startedAt)

	switch overall {
	case models.RunCompleted:
		m.publish(ctx, events.RunCompleted{
			BaseEvent: m.baseEvent(events.RunCompletedEvent, session.Run.ID),
			Duration:  duration,
		})
	case models.RunFailed:
		m.publish(ctx, events.RunFailed{
			BaseEvent: m.baseEvent(events.RunFailedEvent, session.Run.ID),
			Error:     firstFailure(session.Machine.Snapshot()),
			Duration:  duration,
		})
	}
}

func (m *Manager) session(runID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, ok := m.sessions[runID]
	if !ok {
		return nil, persistence.NewRunError("session", runID, ErrRunNotFound)
	}

	return session, nil
}

func (m *Manager) baseEvent(eventType events.EventType, runID string) events.BaseEvent {
	return events.BaseEvent{
		ID:        "evt-" + uuid.NewString()[:8],
		Type:      eventType,
		Timestamp: m.now(),
		RunID:     runID,
		Identity:  m.identity,
	}
}

func (m *Manager) publish(ctx context.Context, event eventbus.Event) {
	if m.bus == nil {
		return
	}

	if err := m.bus.Publish(ctx, m.identity, event); err != nil {
		m.logger.Error("failed to publish event", "error", err)
	}
}

func participantEmails(participants []models.Participant) []string {
	emails := make([]string, 0, len(participants))
	for _, p := range participants {
		emails = append(emails, p.Email)
	}

	return emails
}

func findParticipant(participants []models.Participant, email string) *models.Participant {
	for i := range participants {
		if participants[i].Email == email {
			return &participants[i]
		}
	}

	return nil
}

func roleOf(participants []models.Participant, email string) string {
	if p := findParticipant(participants, email); p != nil {
		return p.Role
	}

	return ""
}

func firstFailure(snapshot map[string]models.StepState) string {
	for _, st := range snapshot {
		if st.Status == models.StepFailed && st.Error != "" {
			return st.Error
		}
	}

	return "step failed"
}

func sortRunsByCreation(runs []*models.Run) {
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
}
