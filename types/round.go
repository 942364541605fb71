package types

import "time"

// RoundStatus is the lifecycle state of a turn-taking round.
type RoundStatus string

const (
	RoundActive   RoundStatus = "active"
	RoundFinished RoundStatus = "finished"
	RoundCanceled RoundStatus = "canceled"
	// RoundNone is returned by state queries when no round exists; it is
	// never persisted.
	RoundNone RoundStatus = "none"
)

// Round is one turn-taking epoch: an ordered queue of participant slots
// plus a cursor. A conversation has at most one active round at a time,
// enforced by a partial unique index on conversation_id.
type Round struct {
	ID             string      `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string      `gorm:"size:36;index;uniqueIndex:ux_rounds_one_active,where:status = 'active'" json:"conversation_id"`
	Status         RoundStatus `gorm:"size:16;index" json:"status"`

	// Cursor is the position of the slot currently being served.
	Cursor int `json:"cursor"`

	// CancelReason records why a round was canceled, when it was.
	CancelReason string `gorm:"size:255" json:"cancel_reason,omitempty"`

	Slots []RoundSlot `gorm:"foreignKey:RoundID" json:"slots"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName implements gorm's table naming.
func (Round) TableName() string { return "rounds" }

// RoundSlot is one scheduled speaker within a round.
type RoundSlot struct {
	ID            uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	RoundID       string `gorm:"size:36;uniqueIndex:ux_slots_round_pos" json:"round_id"`
	Position      int    `gorm:"uniqueIndex:ux_slots_round_pos" json:"position"`
	ParticipantID string `gorm:"size:36" json:"participant_id"`
}

// TableName implements gorm's table naming.
func (RoundSlot) TableName() string { return "round_slots" }

// Remaining returns the slots at or after the cursor, in order.
func (r Round) Remaining() []RoundSlot {
	var out []RoundSlot
	for _, s := range r.Slots {
		if s.Position >= r.Cursor {
			out = append(out, s)
		}
	}
	return out
}
