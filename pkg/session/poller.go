package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/syftflow/syftflow/pkg/models"
	"github.com/syftflow/syftflow/pkg/store"
)

// progressDocument is what each party publishes about its own steps. Peers
// poll these files; they are the only cross-party synchronization channel.
type progressDocument struct {
	Identity  string                  `json:"identity"`
	RunID     string                  `json:"run_id"`
	UpdatedAt time.Time               `json:"updated_at"`
	Steps     map[string]progressStep `json:"steps"`
}

type progressStep struct {
	Status  models.StepStatus `json:"status"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

// Start launches the poll loop. It stops when the context is cancelled.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Tick(ctx)
			}
		}
	}()
}

// Tick advances every live session one reconciliation round: refresh local
// readiness, merge peer progress, publish our own, checkpoint. Exported so
// tests and hosts without a background loop can drive the manager directly.
func (m *Manager) Tick(ctx context.Context) {
	for _, session := range m.liveSessions() {
		if err := session.Machine.Refresh(ctx); err != nil {
			m.logger.Error("refresh failed", "run_id", session.Run.ID, "error", err)
		}

		m.syncPeers(ctx, session)

		if err := m.checkpoint(ctx, session); err != nil {
			m.logger.Error("failed to checkpoint run", "run_id", session.Run.ID, "error", err)
		}
	}
}

func (m *Manager) liveSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	live := make([]*Session, 0, len(m.sessions))

	for _, session := range m.sessions {
		session.mu.Lock()
		finished := session.finished
		session.mu.Unlock()

		if !finished {
			live = append(live, session)
		}
	}

	return live
}

// syncPeers reads every peer's progress file and merges it into the local
// view. Read failures are transient; the next tick retries.
func (m *Manager) syncPeers(ctx context.Context, session *Session) {
	for _, participant := range session.roster() {
		if participant.Email == m.identity {
			continue
		}

		doc, err := m.readProgress(ctx, participant.Email, session.Run)
		if err != nil {
			if !errors.Is(err, store.ErrNotExist) {
				m.logger.Debug("peer progress unavailable",
					"run_id", session.Run.ID, "peer", participant.Email, "error", err)
			}

			continue
		}

		for stepID, step := range doc.Steps {
			session.Machine.ObservePeer(stepID, doc.Identity, step.Status, step.Outputs)
		}
	}
}

// publishProgress writes this party's own steps to its datasite, readable by
// every participant.
func (m *Manager) publishProgress(ctx context.Context, session *Session) error {
	snapshot := session.Machine.Snapshot()
	doc := progressDocument{
		Identity:  m.identity,
		RunID:     session.Run.ID,
		UpdatedAt: m.now(),
		Steps:     make(map[string]progressStep, len(session.Plan.Mine)),
	}

	for _, stepID := range session.Plan.Mine {
		st := snapshot[stepID]
		doc.Steps[stepID] = progressStep{Status: st.Status, Outputs: st.Outputs}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	path := fmt.Sprintf(progressPath, session.Run.FlowName, session.Run.ID)
	acl := store.ACL{Read: participantEmails(session.roster())}

	return m.store.Write(ctx, m.identity, path, data, acl)
}

func (m *Manager) readProgress(ctx context.Context, owner string, run *models.Run) (*progressDocument, error) {
	data, err := m.store.Read(ctx, owner, fmt.Sprintf(progressPath, run.FlowName, run.ID))
	if err != nil {
		return nil, err
	}

	var doc progressDocument

	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed progress document from %s: %w", owner, err)
	}

	return &doc, nil
}

// ParticipantProgress is one party's view of its own steps, as read back
// from the store.
type ParticipantProgress struct {
	Identity  string                       `json:"identity"`
	UpdatedAt time.Time                    `json:"updated_at,omitzero"`
	Steps     map[string]models.StepStatus `json:"steps"`
}

// AllParticipantProgress aggregates every participant's published progress
// for a run. The local party reports its in-memory snapshot; peers report
// whatever their last published file said. Participants with no file yet
// appear with empty steps.
func (m *Manager) AllParticipantProgress(ctx context.Context, runID string) ([]ParticipantProgress, error) {
	session, err := m.session(runID)
	if err != nil {
		return nil, err
	}

	roster := session.roster()
	progress := make([]ParticipantProgress, 0, len(roster))

	for _, participant := range roster {
		entry := ParticipantProgress{
			Identity: participant.Email,
			Steps:    make(map[string]models.StepStatus),
		}

		if participant.Email == m.identity {
			snapshot := session.Machine.Snapshot()
			entry.UpdatedAt = m.now()

			for _, stepID := range session.Plan.Mine {
				entry.Steps[stepID] = snapshot[stepID].Status
			}

			progress = append(progress, entry)

			continue
		}

		doc, err := m.readProgress(ctx, participant.Email, session.Run)
		if err == nil {
			entry.UpdatedAt = doc.UpdatedAt

			for stepID, step := range doc.Steps {
				entry.Steps[stepID] = step.Status
			}
		}

		progress = append(progress, entry)
	}

	return progress, nil
}
