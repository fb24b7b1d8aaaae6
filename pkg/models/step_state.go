package models

import "time"

// StepStatus is the lifecycle state of one step for one party.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepReady           StepStatus = "ready"
	StepRunning         StepStatus = "running"
	StepCompleted       StepStatus = "completed"
	StepReadyToShare    StepStatus = "ready_to_share"
	StepSharing         StepStatus = "sharing"
	StepShared          StepStatus = "shared"
	StepWaitingForInput StepStatus = "waiting_for_inputs"
	StepFailed          StepStatus = "failed"
)

// Rank orders statuses by forward progress. Used when merging reports about
// the same step from different sources: a higher-ranked report never regresses
// to a lower one.
func (s StepStatus) Rank() int {
	switch s {
	case StepPending:
		return 0
	case StepWaitingForInput:
		return 1
	case StepReady:
		return 2
	case StepRunning:
		return 3
	case StepFailed:
		return 4
	case StepCompleted:
		return 5
	case StepReadyToShare:
		return 6
	case StepSharing:
		return 7
	case StepShared:
		return 8
	default:
		return -1
	}
}

// Done reports whether the step finished successfully for its owner,
// including the share leg when one is declared.
func (s StepStatus) Done() bool {
	return s == StepCompleted || s == StepShared
}

// Terminal reports whether no further transitions are possible without a
// retry.
func (s StepStatus) Terminal() bool {
	return s == StepShared || s == StepFailed
}

// StepState is the only mutable execution data: one entry per (run, step),
// owned exclusively by the step state machine.
type StepState struct {
	RunID  string     `json:"run_id"`
	StepID string     `json:"step_id"`
	Status StepStatus `json:"status"`

	// AttemptCount counts runner invocations, including the first.
	AttemptCount int `json:"attempt_count"`

	// Outputs maps output names to resolved artifact references once the
	// step completed.
	Outputs map[string]string `json:"outputs,omitempty"`

	// ParticipantsDone lists identities that finished this step. For steps
	// owned by several parties the step is complete for the run only when
	// this set covers every intended owner.
	ParticipantsDone []string `json:"participants_done,omitempty"`

	// Error holds the last failure, empty unless Status regressed to failed.
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	// NextRetryAt gates re-entry into running after a retryable failure.
	NextRetryAt time.Time `json:"next_retry_at,omitzero"`

	// WaitingSince anchors await timeouts while in waiting_for_inputs.
	WaitingSince time.Time `json:"waiting_since,omitzero"`

	UpdatedAt time.Time `json:"updated_at"`
}

// MarkDone records one identity as finished with this step.
func (s *StepState) MarkDone(identity string) {
	for _, done := range s.ParticipantsDone {
		if done == identity {
			return
		}
	}

	s.ParticipantsDone = append(s.ParticipantsDone, identity)
}

// RunStatus is the overall status of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run records one flow execution from the local party's point of view.
type Run struct {
	ID           string            `json:"id"`
	FlowName     string            `json:"flow_name"`
	FlowVersion  string            `json:"flow_version,omitempty"`
	Identity     string            `json:"identity"`
	Participants []Participant     `json:"participants"`
	Inputs       map[string]string `json:"inputs,omitempty"`
	Status       RunStatus         `json:"status"`
	Error        string            `json:"error,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}
