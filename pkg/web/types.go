// Package web exposes the run coordinator commands over HTTP so any
// front-end technology can drive the engine with plain structured data.
package web

import "github.com/syftflow/syftflow/pkg/models"

// StartRunRequest carries the flow document plus the concrete roster.
type StartRunRequest struct {
	// Flow is the YAML flow document, verbatim.
	Flow string `json:"flow" validate:"required"`

	Participants []ParticipantRequest `json:"participants" validate:"required,min=1,dive"`
	Inputs       map[string]string    `json:"inputs,omitempty"`
}

// ParticipantRequest is one roster entry.
type ParticipantRequest struct {
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role"  validate:"required"`
}

// StartRunResponse returns the identifier of the created run.
type StartRunResponse struct {
	RunID string `json:"run_id"`
}

// JoinRunRequest attaches this party to a run another party started.
type JoinRunRequest struct {
	Host         string               `json:"host"      validate:"required,email"`
	FlowName     string               `json:"flow_name" validate:"required"`
	Participants []ParticipantRequest `json:"participants" validate:"required,min=1,dive"`
	Inputs       map[string]string    `json:"inputs,omitempty"`
}

func toParticipants(reqs []ParticipantRequest) []models.Participant {
	participants := make([]models.Participant, 0, len(reqs))
	for _, r := range reqs {
		participants = append(participants, models.Participant{
			Email:  r.Email,
			Role:   r.Role,
			Status: models.ParticipantJoined,
		})
	}

	return participants
}
