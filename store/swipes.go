package store

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BaSui01/chatflow/types"
)

// SwipeTarget addresses the swipe to activate: either a relative
// direction (+1 / -1) or an absolute 0-based position.
type SwipeTarget struct {
	Direction int
	Position  *int
}

// SwipeNext moves the active pointer forward one version.
func SwipeNext() SwipeTarget { return SwipeTarget{Direction: 1} }

// SwipePrev moves the active pointer back one version.
func SwipePrev() SwipeTarget { return SwipeTarget{Direction: -1} }

// SwipeAt selects an absolute position.
func SwipeAt(pos int) SwipeTarget { return SwipeTarget{Position: &pos} }

// EnsureInitialSwipe lazily creates the position-0 swipe from the
// message's current content. Idempotent: a concurrent creator losing the
// unique-constraint race treats the existing row as success.
func (s *Store) EnsureInitialSwipe(ctx context.Context, messageID string) error {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&types.Swipe{}).
		Where("message_id = ?", messageID).Count(&count).Error; err != nil {
		return types.NewError(types.ErrStore, "count swipes").WithCause(err)
	}
	if count > 0 {
		return nil
	}

	swipe := types.Swipe{
		ID:        uuid.NewString(),
		MessageID: messageID,
		Position:  0,
		Content:   msg.Content,
		RunID:     msg.RunID,
	}
	if err := s.db.WithContext(ctx).Create(&swipe).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return types.NewError(types.ErrStore, "create initial swipe").WithCause(err)
	}
	return nil
}

// AddSwipe appends the next contiguous version to the tail message and
// makes it active. Position races are resolved by re-reading the count
// and retrying under the (message_id, position) unique index.
func (s *Store) AddSwipe(ctx context.Context, messageID, content string, runID *string) (*types.Swipe, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireTail(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.EnsureInitialSwipe(ctx, messageID); err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var count int64
		if err := s.db.WithContext(ctx).Model(&types.Swipe{}).
			Where("message_id = ?", messageID).Count(&count).Error; err != nil {
			return nil, types.NewError(types.ErrStore, "count swipes").WithCause(err)
		}

		swipe := types.Swipe{
			ID:        uuid.NewString(),
			MessageID: messageID,
			Position:  int(count),
			Content:   content,
			RunID:     runID,
		}
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&swipe).Error; err != nil {
				return err
			}
			return tx.Model(&types.Message{}).
				Where("id = ?", messageID).
				Updates(map[string]any{
					"active_swipe": swipe.Position,
					"content":      content,
				}).Error
		})
		if err == nil {
			return &swipe, nil
		}
		if !isUniqueViolation(err) {
			return nil, types.NewError(types.ErrStore, "add swipe").WithCause(err)
		}
	}
	return nil, types.Errorf(types.ErrRetriesExhausted, "swipe position lost %d races on message %s", maxConflictRetries, messageID)
}

// SelectSwipe moves the active pointer and mirrors the target swipe's
// content back onto the message, so message.content always equals the
// active swipe's content.
func (s *Store) SelectSwipe(ctx context.Context, messageID string, target SwipeTarget) (*types.Swipe, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.requireTail(ctx, msg); err != nil {
		return nil, err
	}
	if err := s.EnsureInitialSwipe(ctx, messageID); err != nil {
		return nil, err
	}

	var count int64
	if err := s.db.WithContext(ctx).Model(&types.Swipe{}).
		Where("message_id = ?", messageID).Count(&count).Error; err != nil {
		return nil, types.NewError(types.ErrStore, "count swipes").WithCause(err)
	}

	pos := msg.ActiveSwipe + target.Direction
	if target.Position != nil {
		pos = *target.Position
	}
	if pos < 0 || int64(pos) >= count {
		return nil, types.Errorf(types.ErrInvalidRequest, "swipe position %d out of range [0,%d) on message %s", pos, count, messageID)
	}

	var swipe types.Swipe
	if err := s.db.WithContext(ctx).
		First(&swipe, "message_id = ? AND position = ?", messageID, pos).Error; err != nil {
		return nil, translateNotFound(err, "swipe %d of message %s", pos, messageID)
	}

	err = s.db.WithContext(ctx).Model(&types.Message{}).
		Where("id = ?", messageID).
		Updates(map[string]any{
			"active_swipe": pos,
			"content":      swipe.Content,
		}).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "select swipe").WithCause(err)
	}
	return &swipe, nil
}

// ListSwipes returns a message's versions in position order.
func (s *Store) ListSwipes(ctx context.Context, messageID string) ([]types.Swipe, error) {
	var out []types.Swipe
	err := s.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("position ASC").
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "list swipes").WithCause(err)
	}
	return out, nil
}

// requireTail rejects swipe mutation below the conversation tail. The
// timeline is immutable below the tail; branching is the way to alter
// history.
func (s *Store) requireTail(ctx context.Context, msg *types.Message) error {
	tail, err := tailMessage(s.db.WithContext(ctx), msg.ConversationID)
	if err != nil {
		return err
	}
	if tail == nil || tail.ID != msg.ID {
		return types.Errorf(types.ErrNotTail, "message %s is not the conversation tail", msg.ID)
	}
	return nil
}
