package types

import "time"

// RunStatus is the lifecycle state of one AI-generation attempt.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
	RunSkipped   RunStatus = "skipped"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled, RunSkipped:
		return true
	}
	return false
}

// TriggerReason records why a run was created.
type TriggerReason string

const (
	TriggerUserMessage  TriggerReason = "user_message"
	TriggerAutoContinue TriggerReason = "auto_continue"
	TriggerManualForce  TriggerReason = "manual_force"
)

// Run is one unit of AI-generation work addressed to a single speaker.
//
// The two partial unique indexes on conversation_id are the central
// mutual-exclusion guarantee: at most one queued and at most one running
// run per conversation, enforced by the storage layer because multiple
// workers race to create and claim runs.
type Run struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	ConversationID string    `gorm:"size:36;index;uniqueIndex:ux_runs_one_queued,where:status = 'queued';uniqueIndex:ux_runs_one_running,where:status = 'running'" json:"conversation_id"`
	RoundID        *string   `gorm:"size:36;index" json:"round_id,omitempty"`
	SpeakerID      string    `gorm:"size:36" json:"speaker_id"`
	Status         RunStatus `gorm:"size:16;index" json:"status"`

	// Provenance tags, used by the orphan reconciler and for debugging.
	Trigger          TriggerReason `gorm:"size:32" json:"trigger"`
	TriggerMessageID *string       `gorm:"size:36;index" json:"trigger_message_id,omitempty"`
	SchedulerOwned   bool          `json:"scheduler_owned"`

	// CancelRequested asks the executor to stop at the next safe point.
	CancelRequested bool `json:"cancel_requested"`

	Error string `gorm:"size:1024" json:"error,omitempty"`

	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName implements gorm's table naming.
func (Run) TableName() string { return "runs" }
