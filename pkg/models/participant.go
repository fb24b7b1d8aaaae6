package models

// Participant statuses.
const (
	ParticipantInvited = "invited"
	ParticipantJoined  = "joined"
)

// Participant is one concrete party in a running flow. Roles are free-form
// ("contributor1", "aggregator"); the group resolver derives group membership
// from them.
type Participant struct {
	Email  string `json:"email" validate:"required,email"`
	Role   string `json:"role"  validate:"required"`
	Status string `json:"status,omitempty"`
}

// Joined reports whether the participant accepted the invitation.
func (p Participant) Joined() bool {
	return p.Status == "" || p.Status == ParticipantJoined
}
