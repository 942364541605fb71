package types

import "time"

// ReplyOrder selects the speaker ordering policy for a conversation.
type ReplyOrder string

const (
	// OrderManual never schedules automatically; advancement requires an
	// explicit action naming the next speaker.
	OrderManual ReplyOrder = "manual"
	// OrderList rotates strictly after the previous speaker's position.
	OrderList ReplyOrder = "list"
	// OrderNatural sorts by descending talkativeness weight.
	OrderNatural ReplyOrder = "natural"
	// OrderPooled shuffles candidates that have not spoken this epoch.
	OrderPooled ReplyOrder = "pooled"
)

// Valid reports whether the reply order names a known policy.
func (o ReplyOrder) Valid() bool {
	switch o {
	case OrderManual, OrderList, OrderNatural, OrderPooled:
		return true
	}
	return false
}

// Conversation is the scheduling root. Revision increases monotonically
// whenever the queue changes, so event consumers can de-duplicate.
// SettingsVersion guards settings updates with optimistic locking.
type Conversation struct {
	ID         string     `gorm:"primaryKey;size:36" json:"id"`
	Title      string     `gorm:"size:255" json:"title"`
	ReplyOrder ReplyOrder `gorm:"size:16" json:"reply_order"`

	SettingsVersion int64 `json:"settings_version"`
	Revision        int64 `json:"revision"`

	// ParentID and ForkMessageID are set on branch conversations. The
	// fork-point message is protected from deletion while referenced.
	ParentID      *string `gorm:"size:36;index" json:"parent_id,omitempty"`
	ForkMessageID *string `gorm:"size:36;index" json:"fork_message_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName implements gorm's table naming.
func (Conversation) TableName() string { return "conversations" }

// Activity is the derived "what is happening right now" axis of a
// conversation. It is computed from Run state and never stored; Round
// status is the other, orthogonal axis.
type Activity string

const (
	ActivityIdle       Activity = "idle"
	ActivityQueued     Activity = "queued"
	ActivityGenerating Activity = "generating"
)

// SchedulerState is the snapshot returned by the state operation.
type SchedulerState struct {
	RoundStatus RoundStatus   `json:"round_status"`
	Cursor      int           `json:"cursor"`
	Queue       []Participant `json:"queue"`
	Activity    Activity      `json:"activity"`
	Revision    int64         `json:"revision"`
}
