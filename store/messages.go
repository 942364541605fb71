package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/chatflow/types"
)

// AppendMessage inserts a message at the conversation tail, assigning the
// next sequence number with an optimistic retry loop: read max(seq),
// insert, and on a unique-constraint violation re-read and retry. This is
// how concurrent human posts into one conversation resolve to the dense
// range {1..K}.
func (s *Store) AppendMessage(ctx context.Context, msg *types.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		var maxSeq int64
		err := s.db.WithContext(ctx).Model(&types.Message{}).
			Where("conversation_id = ?", msg.ConversationID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return types.NewError(types.ErrStore, "read max seq").WithCause(err)
		}

		msg.Seq = maxSeq + 1
		err = s.db.WithContext(ctx).Create(msg).Error
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return types.NewError(types.ErrStore, "insert message").WithCause(err)
		}
		s.logger.Debug("seq collision, retrying",
			zap.String("conversation", msg.ConversationID),
			zap.Int64("seq", msg.Seq),
			zap.Int("attempt", attempt+1),
		)
	}
	return types.Errorf(types.ErrRetriesExhausted, "sequence assignment lost %d races in conversation %s", maxConflictRetries, msg.ConversationID)
}

// GetMessage loads one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	var msg types.Message
	if err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, translateNotFound(err, "message %s", id)
	}
	return &msg, nil
}

// TailMessage returns the highest-seq message of a conversation, or nil
// when the timeline is empty.
func (s *Store) TailMessage(ctx context.Context, convID string) (*types.Message, error) {
	return tailMessage(s.db.WithContext(ctx), convID)
}

func tailMessage(tx *gorm.DB, convID string) (*types.Message, error) {
	var msg types.Message
	err := tx.Where("conversation_id = ?", convID).
		Order("seq DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, "read tail").WithCause(err)
	}
	return &msg, nil
}

// ListMessages returns the timeline in seq order.
func (s *Store) ListMessages(ctx context.Context, convID string) ([]types.Message, error) {
	var out []types.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "list messages").WithCause(err)
	}
	return out, nil
}

// LastHumanMessage returns the most recent user-role message, which
// anchors the pooled policy's epoch. Nil when no human has spoken.
func (s *Store) LastHumanMessage(ctx context.Context, convID string) (*types.Message, error) {
	var msg types.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND role = ?", convID, types.RoleUser).
		Order("seq DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, "read last human message").WithCause(err)
	}
	return &msg, nil
}

// SpeakersSince returns the distinct participant ids that authored a
// message strictly after the given sequence number.
func (s *Store) SpeakersSince(ctx context.Context, convID string, afterSeq int64) (map[string]bool, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&types.Message{}).
		Where("conversation_id = ? AND seq > ?", convID, afterSeq).
		Distinct().
		Pluck("participant_id", &ids).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "read epoch speakers").WithCause(err)
	}
	spoken := make(map[string]bool, len(ids))
	for _, id := range ids {
		spoken[id] = true
	}
	return spoken, nil
}
