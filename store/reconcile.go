package store

import (
	"context"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/chatflow/types"
)

// Orphan reconciliation: a tail-message edit or delete invalidates any
// scheduling that was derived from that message. Both entry points run
// the same ordered sequence inside the conversation's exclusive section:
//
//  1. cancel a queued run whose provenance references the message or
//     that the scheduler created itself,
//  2. request cooperative cancellation of such a running run,
//  3. cancel the active round with a recorded reason,
//  4. only then mutate the message.
//
// The ordering closes the race where a run completes against content
// that is about to disappear.

const (
	reasonMessageDeleted = "message deleted"
	reasonMessageEdited  = "message edited"
)

// DeleteTail removes the conversation's tail message after unwinding any
// scheduling that depends on it. Deleting a non-tail message is rejected,
// as is deleting a message a branch forks from.
func (s *Store) DeleteTail(ctx context.Context, convID, messageID string) ([]types.Event, error) {
	var events []types.Event
	err := s.withConversation(ctx, convID, func(tx *gorm.DB, conv *types.Conversation) error {
		if _, err := s.guardTailMutation(tx, convID, messageID); err != nil {
			return err
		}

		// Fork points are referenced by branch conversations and must
		// survive; this is the typed referential-integrity result.
		var refs int64
		if err := tx.Model(&types.Conversation{}).
			Where("fork_message_id = ?", messageID).
			Count(&refs).Error; err != nil {
			return types.NewError(types.ErrStore, "check fork references").WithCause(err)
		}
		if refs > 0 {
			return types.Errorf(types.ErrForkPoint, "message %s is the fork point of %d branch(es)", messageID, refs)
		}

		unwound, err := unwindScheduling(tx, conv, messageID, reasonMessageDeleted)
		if err != nil {
			return err
		}
		events = unwound

		if err := tx.Where("message_id = ?", messageID).Delete(&types.Swipe{}).Error; err != nil {
			return types.NewError(types.ErrStore, "delete swipes").WithCause(err)
		}
		if err := tx.Delete(&types.Message{}, "id = ?", messageID).Error; err != nil {
			return types.NewError(types.ErrStore, "delete message").WithCause(err)
		}

		s.logger.Info("tail message deleted",
			zap.String("conversation", convID),
			zap.String("message", messageID),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// EditTail replaces the tail message's content after unwinding dependent
// scheduling. The active swipe, if any, is rewritten to match so the
// mirror invariant keeps holding.
func (s *Store) EditTail(ctx context.Context, convID, messageID, content string) ([]types.Event, error) {
	var events []types.Event
	err := s.withConversation(ctx, convID, func(tx *gorm.DB, conv *types.Conversation) error {
		msg, err := s.guardTailMutation(tx, convID, messageID)
		if err != nil {
			return err
		}

		events, err = unwindScheduling(tx, conv, messageID, reasonMessageEdited)
		if err != nil {
			return err
		}

		if err := tx.Model(&types.Message{}).
			Where("id = ?", messageID).
			Update("content", content).Error; err != nil {
			return types.NewError(types.ErrStore, "update message").WithCause(err)
		}
		err = tx.Model(&types.Swipe{}).
			Where("message_id = ? AND position = ?", messageID, msg.ActiveSwipe).
			Update("content", content).Error
		if err != nil {
			return types.NewError(types.ErrStore, "update active swipe").WithCause(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// guardTailMutation loads the message and rejects the mutation unless it
// targets the conversation tail. Nothing has changed when it fails.
func (s *Store) guardTailMutation(tx *gorm.DB, convID, messageID string) (*types.Message, error) {
	var msg types.Message
	if err := tx.First(&msg, "id = ? AND conversation_id = ?", messageID, convID).Error; err != nil {
		return nil, translateNotFound(err, "message %s", messageID)
	}
	tail, err := tailMessage(tx, convID)
	if err != nil {
		return nil, err
	}
	if tail == nil || tail.ID != msg.ID {
		return nil, types.Errorf(types.ErrNotTail, "message %s is not the conversation tail", messageID)
	}
	return &msg, nil
}

// unwindScheduling performs steps 1–3 of the reconciliation sequence and
// returns the events the caller should publish.
func unwindScheduling(tx *gorm.DB, conv *types.Conversation, messageID, reason string) ([]types.Event, error) {
	var events []types.Event
	queueChanged := false

	// Runs whose provenance ties them to the mutated message, plus runs
	// the scheduler created on its own behalf.
	var runs []types.Run
	err := tx.Where("conversation_id = ? AND status IN ?",
		conv.ID, []types.RunStatus{types.RunQueued, types.RunRunning}).
		Find(&runs).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "list in-flight runs").WithCause(err)
	}

	for i := range runs {
		run := runs[i]
		tagged := run.SchedulerOwned ||
			(run.TriggerMessageID != nil && *run.TriggerMessageID == messageID)
		if !tagged {
			continue
		}

		switch run.Status {
		case types.RunQueued:
			done, err := terminateQueuedRun(tx, run.ID, types.RunCanceled, reason)
			if err != nil {
				return nil, err
			}
			if done {
				ev := types.NewEvent(types.EventRunCanceled, conv.ID)
				ev.RunID = run.ID
				ev.ParticipantID = run.SpeakerID
				ev.Reason = reason
				events = append(events, ev)
				queueChanged = true
			}
		case types.RunRunning:
			if err := requestCancel(tx, run.ID); err != nil {
				return nil, err
			}
		}
	}

	round, err := activeRound(tx, conv.ID)
	if err != nil {
		return nil, err
	}
	if round != nil {
		done, err := cancelRound(tx, round.ID, reason)
		if err != nil {
			return nil, err
		}
		if done {
			ev := types.NewEvent(types.EventRoundCanceled, conv.ID)
			ev.Reason = reason
			events = append(events, ev)
			queueChanged = true
		}
	}

	if queueChanged {
		rev, err := bumpRevision(tx, conv.ID)
		if err != nil {
			return nil, err
		}
		ev := types.NewEvent(types.EventQueueChanged, conv.ID)
		ev.Revision = rev
		events = append(events, ev)
	}
	return events, nil
}
