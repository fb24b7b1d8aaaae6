// Package events defines event types and structures for flow run lifecycle notifications.
package events

import (
	"time"
)

type EventType string

// Kafka topics.
const (
	Topic       = "syftflow.events"       // run and step lifecycle
	RosterTopic = "syftflow.participants" // invitation and join
)

const (
	EventMetadataKey     = "key"
	EventTypeMetadataKey = "event_type"
)

const (
	// Run lifecycle events.
	RunStartedEvent   EventType = "run.started"
	RunCompletedEvent EventType = "run.completed"
	RunFailedEvent    EventType = "run.failed"

	// Step lifecycle events.
	StepReadyEvent     EventType = "step.ready"
	StepStartedEvent   EventType = "step.started"
	StepCompletedEvent EventType = "step.completed"
	StepFailedEvent    EventType = "step.failed"
	StepSharedEvent    EventType = "step.shared"

	// Roster events.
	ParticipantInvitedEvent EventType = "participant.invited"
	ParticipantJoinedEvent  EventType = "participant.joined"
)

type BaseEvent struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Identity  string         `json:"identity,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type RunStarted struct {
	BaseEvent

	FlowName     string   `json:"flow_name"`
	FlowVersion  string   `json:"flow_version,omitempty"`
	Participants []string `json:"participants"`
}

func (e RunStarted) GetType() EventType {
	return RunStartedEvent
}

type RunCompleted struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e RunCompleted) GetType() EventType {
	return RunCompletedEvent
}

type RunFailed struct {
	BaseEvent

	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (e RunFailed) GetType() EventType {
	return RunFailedEvent
}

type StepReady struct {
	BaseEvent

	StepID string `json:"step_id"`
}

func (e StepReady) GetType() EventType {
	return StepReadyEvent
}

type StepStarted struct {
	BaseEvent

	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
}

func (e StepStarted) GetType() EventType {
	return StepStartedEvent
}

type StepCompleted struct {
	BaseEvent

	StepID     string            `json:"step_id"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	DurationMs int64             `json:"duration_ms"`
}

func (e StepCompleted) GetType() EventType {
	return StepCompletedEvent
}

type StepFailed struct {
	BaseEvent

	StepID    string `json:"step_id"`
	Error     string `json:"error"`
	ErrorKind string `json:"error_kind,omitempty"`
	Attempt   int    `json:"attempt"`
}

func (e StepFailed) GetType() EventType {
	return StepFailedEvent
}

type StepShared struct {
	BaseEvent

	StepID     string   `json:"step_id"`
	Paths      []string `json:"paths"`
	Recipients []string `json:"recipients"`
}

func (e StepShared) GetType() EventType {
	return StepSharedEvent
}

type ParticipantInvited struct {
	BaseEvent

	Email string `json:"email"`
	Role  string `json:"role"`
}

func (e ParticipantInvited) GetType() EventType {
	return ParticipantInvitedEvent
}

type ParticipantJoined struct {
	BaseEvent

	Email string `json:"email"`
	Role  string `json:"role"`
}

func (e ParticipantJoined) GetType() EventType {
	return ParticipantJoinedEvent
}
