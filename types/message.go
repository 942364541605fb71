package types

import "time"

// Role is the conversational role of a message author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one timeline entry of a conversation. Seq is strictly
// increasing per conversation with no gaps, enforced by a unique index
// plus an optimistic insert-retry loop. Content always mirrors the
// active swipe once the swipe subsystem has touched the message.
type Message struct {
	ID             string `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string `gorm:"size:36;uniqueIndex:ux_messages_conv_seq" json:"conversation_id"`
	Seq            int64  `gorm:"uniqueIndex:ux_messages_conv_seq" json:"seq"`
	ParticipantID  string `gorm:"size:36;index" json:"participant_id"`
	Role           Role   `gorm:"size:16" json:"role"`
	Content        string `json:"content"`

	// ActiveSwipe is the 0-based position of the displayed version.
	ActiveSwipe int `json:"active_swipe"`

	// RunID links an assistant message to the run that produced it.
	RunID *string `gorm:"size:36;index" json:"run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName implements gorm's table naming.
func (Message) TableName() string { return "messages" }

// Swipe is one immutable content version of a message. Positions for a
// message form the contiguous range {0..k-1}.
type Swipe struct {
	ID        string  `gorm:"primaryKey;size:36" json:"id"`
	MessageID string  `gorm:"size:36;uniqueIndex:ux_swipes_msg_pos" json:"message_id"`
	Position  int     `gorm:"uniqueIndex:ux_swipes_msg_pos" json:"position"`
	Content   string  `json:"content"`
	RunID     *string `gorm:"size:36" json:"run_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName implements gorm's table naming.
func (Swipe) TableName() string { return "swipes" }
