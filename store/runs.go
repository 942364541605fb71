package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/chatflow/types"
)

// CreateQueuedRun enqueues one unit of generation work. The partial
// unique index (conversation_id WHERE status='queued') makes the "at most
// one queued run" invariant hold across racing workers; losing that race
// returns RUN_EXISTS, which planners treat as someone else already having
// scheduled the turn.
func (s *Store) CreateQueuedRun(ctx context.Context, run *types.Run) error {
	return createQueuedRun(s.db.WithContext(ctx), run)
}

func createQueuedRun(tx *gorm.DB, run *types.Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.Status = types.RunQueued
	if run.Trigger == "" {
		run.Trigger = types.TriggerUserMessage
	}

	if err := tx.Create(run).Error; err != nil {
		if isUniqueViolation(err) {
			return types.Errorf(types.ErrRunExists, "conversation %s already has a queued or running run", run.ConversationID)
		}
		return types.NewError(types.ErrStore, "create run").WithCause(err)
	}
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*types.Run, error) {
	var run types.Run
	if err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, translateNotFound(err, "run %s", id)
	}
	return &run, nil
}

// ClaimRun transitions queued→running with a single conditional update.
// Exactly one of N racing workers gets claimed=true; the rest see a
// no-op, which is expected and not an error. The partial unique index on
// status='running' additionally rejects a claim while another run of the
// conversation is still running.
func (s *Store) ClaimRun(ctx context.Context, runID string) (claimed bool, err error) {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&types.Run{}).
		Where("id = ? AND status = ?", runID, types.RunQueued).
		Updates(map[string]any{
			"status":     types.RunRunning,
			"started_at": now,
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, nil
		}
		return false, types.NewError(types.ErrStore, "claim run").WithCause(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// FinishRun moves a running run to a terminal status. The update is
// conditional on the run still being in the running state, so a reaper
// and an executor racing to terminate produce one winner.
func (s *Store) FinishRun(ctx context.Context, runID string, status types.RunStatus, errMsg string) (bool, error) {
	if !status.Terminal() {
		return false, types.Errorf(types.ErrInvalidRequest, "status %q is not terminal", status)
	}
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&types.Run{}).
		Where("id = ? AND status = ?", runID, types.RunRunning).
		Updates(map[string]any{
			"status":      status,
			"error":       errMsg,
			"finished_at": now,
		})
	if res.Error != nil {
		return false, types.NewError(types.ErrStore, "finish run").WithCause(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// TerminateQueuedRun moves a queued run directly to canceled or skipped
// before any worker claims it.
func (s *Store) TerminateQueuedRun(ctx context.Context, runID string, status types.RunStatus, reason string) (bool, error) {
	return terminateQueuedRun(s.db.WithContext(ctx), runID, status, reason)
}

func terminateQueuedRun(tx *gorm.DB, runID string, status types.RunStatus, reason string) (bool, error) {
	if status != types.RunCanceled && status != types.RunSkipped {
		return false, types.Errorf(types.ErrInvalidRequest, "queued run may only become canceled or skipped, not %q", status)
	}
	now := time.Now()
	res := tx.Model(&types.Run{}).
		Where("id = ? AND status = ?", runID, types.RunQueued).
		Updates(map[string]any{
			"status":      status,
			"error":       reason,
			"finished_at": now,
		})
	if res.Error != nil {
		return false, types.NewError(types.ErrStore, "terminate queued run").WithCause(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// RequestCancel sets the cooperative cancel flag on a run. The executor
// observes it between stream chunks and unwinds with status canceled.
func (s *Store) RequestCancel(ctx context.Context, runID string) error {
	return requestCancel(s.db.WithContext(ctx), runID)
}

func requestCancel(tx *gorm.DB, runID string) error {
	err := tx.Model(&types.Run{}).
		Where("id = ? AND status IN ?", runID, []types.RunStatus{types.RunQueued, types.RunRunning}).
		Update("cancel_requested", true).Error
	if err != nil {
		return types.NewError(types.ErrStore, "request cancel").WithCause(err)
	}
	return nil
}

// CancelRequested reads the cooperative cancel flag.
func (s *Store) CancelRequested(ctx context.Context, runID string) (bool, error) {
	var run types.Run
	err := s.db.WithContext(ctx).Select("cancel_requested").First(&run, "id = ?", runID).Error
	if err != nil {
		return false, translateNotFound(err, "run %s", runID)
	}
	return run.CancelRequested, nil
}

// QueuedRun returns the conversation's queued run, nil if none.
func (s *Store) QueuedRun(ctx context.Context, convID string) (*types.Run, error) {
	return s.runByStatus(ctx, convID, types.RunQueued)
}

// RunningRun returns the conversation's running run, nil if none.
func (s *Store) RunningRun(ctx context.Context, convID string) (*types.Run, error) {
	return s.runByStatus(ctx, convID, types.RunRunning)
}

func (s *Store) runByStatus(ctx context.Context, convID string, status types.RunStatus) (*types.Run, error) {
	var run types.Run
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", convID, status).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, "read run").WithCause(err)
	}
	return &run, nil
}

// NextQueuedRuns lists claimable runs across conversations, oldest first.
// Workers claim each candidate individually; listing takes no locks.
func (s *Store) NextQueuedRuns(ctx context.Context, limit int) ([]types.Run, error) {
	var out []types.Run
	err := s.db.WithContext(ctx).
		Where("status = ?", types.RunQueued).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "list queued runs").WithCause(err)
	}
	return out, nil
}

// ReapStuck fails runs that stayed running past the timeout, guarding
// against vanished workers. It terminates; it never restarts.
func (s *Store) ReapStuck(ctx context.Context, timeout time.Duration) ([]types.Run, error) {
	cutoff := time.Now().Add(-timeout)

	var stuck []types.Run
	err := s.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", types.RunRunning, cutoff).
		Find(&stuck).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "list stuck runs").WithCause(err)
	}

	var reaped []types.Run
	for i := range stuck {
		run := stuck[i]
		done, err := s.FinishRun(ctx, run.ID, types.RunFailed, "generation timed out: worker presumed dead")
		if err != nil {
			return reaped, err
		}
		if done {
			s.logger.Warn("reaped stuck run",
				zap.String("run", run.ID),
				zap.String("conversation", run.ConversationID),
				zap.Timep("started_at", run.StartedAt),
			)
			run.Status = types.RunFailed
			reaped = append(reaped, run)
		}
	}
	return reaped, nil
}
