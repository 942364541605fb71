// Package types provides core types used across the chatflow scheduler.
// This package has ZERO dependencies on other chatflow packages to avoid
// circular imports. All other packages should import types from here.
package types

import "time"

// ParticipantKind distinguishes human members from AI agents.
type ParticipantKind string

const (
	KindHuman ParticipantKind = "human"
	KindAgent ParticipantKind = "agent"
)

// ParticipantStatus is the membership state of a participant.
type ParticipantStatus string

const (
	ParticipantActive  ParticipantStatus = "active"
	ParticipantMuted   ParticipantStatus = "muted"
	ParticipantRemoved ParticipantStatus = "removed"
)

// AutoMode controls automated continuation for a participant.
type AutoMode string

const (
	// AutoOff disables unattended turns.
	AutoOff AutoMode = "off"
	// AutoBounded allows a bounded number of unattended turns,
	// tracked by AutoStepsLeft.
	AutoBounded AutoMode = "bounded"
)

// Participant is one member of a conversation. The scheduler treats
// participants as read-only input; membership management owns mutation,
// with the exception of the atomic quota decrement on AutoStepsLeft.
type Participant struct {
	ID             string            `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string            `gorm:"index;size:36" json:"conversation_id"`
	Name           string            `gorm:"size:255" json:"name"`
	Kind           ParticipantKind   `gorm:"size:16" json:"kind"`
	Status         ParticipantStatus `gorm:"size:16" json:"status"`

	// Position orders participants for the list policy and tie-breaks
	// the natural policy.
	Position int `json:"position"`

	// Talkativeness is the per-conversation override in [0,1]; nil means
	// fall back to DefaultTalkativeness from the agent profile.
	Talkativeness        *float64 `json:"talkativeness,omitempty"`
	DefaultTalkativeness float64  `json:"default_talkativeness"`

	AutoMode      AutoMode `gorm:"size:16" json:"auto_mode"`
	AutoStepsLeft int      `json:"auto_steps_left"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName implements gorm's table naming.
func (Participant) TableName() string { return "participants" }

// IsAgent reports whether the participant is an AI agent.
func (p Participant) IsAgent() bool { return p.Kind == KindAgent }

// Eligible reports whether the participant may be scheduled to speak:
// an active agent whose automated-continuation quota is not exhausted.
func (p Participant) Eligible() bool {
	if p.Kind != KindAgent || p.Status != ParticipantActive {
		return false
	}
	if p.AutoMode == AutoBounded && p.AutoStepsLeft <= 0 {
		return false
	}
	return true
}

// Weight resolves the effective talkativeness used by the natural policy.
func (p Participant) Weight() float64 {
	if p.Talkativeness != nil {
		return *p.Talkativeness
	}
	return p.DefaultTalkativeness
}
