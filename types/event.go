package types

import "time"

// EventKind names a domain event emitted by a state-mutating operation.
type EventKind string

const (
	EventTypingStarted EventKind = "typing_started"
	EventTypingStopped EventKind = "typing_stopped"
	EventContentDelta  EventKind = "content_delta"
	EventRunSucceeded  EventKind = "run_succeeded"
	EventRunFailed     EventKind = "run_failed"
	EventRunCanceled   EventKind = "run_canceled"
	EventRunSkipped    EventKind = "run_skipped"
	EventQueueChanged  EventKind = "queue_changed"
	EventRoundFinished EventKind = "round_finished"
	EventRoundCanceled EventKind = "round_canceled"
	EventModeDisabled  EventKind = "mode_disabled"
)

// Event is a domain event. State-mutating operations return the events
// they produced instead of broadcasting them; the caller hands them to an
// events.Sink. Delivery is best-effort and may reorder: consumers of
// queue_changed de-duplicate with Revision, which increases monotonically
// per conversation.
type Event struct {
	Kind           EventKind `json:"kind"`
	ConversationID string    `json:"conversation_id"`
	ParticipantID  string    `json:"participant_id,omitempty"`
	RunID          string    `json:"run_id,omitempty"`
	MessageID      string    `json:"message_id,omitempty"`

	// Revision is set on queue_changed events only.
	Revision int64 `json:"revision,omitempty"`

	// Reason carries a human-readable cause for failures, cancellations
	// and mode_disabled events.
	Reason string `json:"reason,omitempty"`

	// Delta carries streamed content for content_delta events.
	Delta string `json:"delta,omitempty"`

	At time.Time `json:"at"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(kind EventKind, conversationID string) Event {
	return Event{Kind: kind, ConversationID: conversationID, At: time.Now()}
}
