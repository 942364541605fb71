package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/chatflow/types"
)

// CreateConversation persists a new conversation. Zero-value fields get
// defaults: a fresh uuid and the natural reply order.
func (s *Store) CreateConversation(ctx context.Context, conv *types.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.ReplyOrder == "" {
		conv.ReplyOrder = types.OrderNatural
	}
	if !conv.ReplyOrder.Valid() {
		return types.Errorf(types.ErrInvalidRequest, "unknown reply order %q", conv.ReplyOrder)
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return types.NewError(types.ErrStore, "create conversation").WithCause(err)
	}
	return nil
}

// GetConversation loads one conversation by id.
func (s *Store) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var conv types.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, translateNotFound(err, "conversation %s", id)
	}
	return &conv, nil
}

// ConversationSettings is the optimistically-locked settings slice of a
// conversation.
type ConversationSettings struct {
	Title      string           `json:"title"`
	ReplyOrder types.ReplyOrder `json:"reply_order"`
}

// UpdateSettings applies settings if and only if the caller's expected
// version still matches, as a single conditional update. Losing the race
// returns a CONFLICT error so the caller can refresh and resubmit.
func (s *Store) UpdateSettings(ctx context.Context, convID string, expectedVersion int64, settings ConversationSettings) error {
	if !settings.ReplyOrder.Valid() {
		return types.Errorf(types.ErrInvalidRequest, "unknown reply order %q", settings.ReplyOrder)
	}

	res := s.db.WithContext(ctx).Model(&types.Conversation{}).
		Where("id = ? AND settings_version = ?", convID, expectedVersion).
		Updates(map[string]any{
			"title":            settings.Title,
			"reply_order":      settings.ReplyOrder,
			"settings_version": gorm.Expr("settings_version + 1"),
		})
	if res.Error != nil {
		return types.NewError(types.ErrStore, "update settings").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrConflict, "settings version %d is stale for conversation %s", expectedVersion, convID)
	}
	return nil
}

// BumpRevision increments the conversation's queue revision and returns
// the new value for stamping queue_changed events.
func (s *Store) BumpRevision(ctx context.Context, convID string) (int64, error) {
	var rev int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rev, err = bumpRevision(tx, convID)
		return err
	})
	return rev, err
}

// bumpRevision increments the queue revision inside tx and returns the
// new value for stamping queue_changed events.
func bumpRevision(tx *gorm.DB, convID string) (int64, error) {
	res := tx.Model(&types.Conversation{}).
		Where("id = ?", convID).
		Update("revision", gorm.Expr("revision + 1"))
	if res.Error != nil {
		return 0, fmt.Errorf("bump revision: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, types.Errorf(types.ErrNotFound, "conversation %s", convID)
	}

	var conv types.Conversation
	if err := tx.Select("revision").First(&conv, "id = ?", convID).Error; err != nil {
		return 0, fmt.Errorf("read revision: %w", err)
	}
	return conv.Revision, nil
}

// CurrentActivity derives the conversation's activity axis from run
// state; it is never stored.
func (s *Store) CurrentActivity(ctx context.Context, convID string) (types.Activity, error) {
	var statuses []types.RunStatus
	err := s.db.WithContext(ctx).Model(&types.Run{}).
		Where("conversation_id = ? AND status IN ?", convID, []types.RunStatus{types.RunQueued, types.RunRunning}).
		Pluck("status", &statuses).Error
	if err != nil {
		return types.ActivityIdle, types.NewError(types.ErrStore, "query activity").WithCause(err)
	}
	activity := types.ActivityIdle
	for _, st := range statuses {
		switch st {
		case types.RunRunning:
			return types.ActivityGenerating, nil
		case types.RunQueued:
			activity = types.ActivityQueued
		}
	}
	return activity, nil
}

// CreateBranch forks a child conversation at the given message. The fork
// point and everything before it is copied into the child timeline; the
// fork-point message becomes protected from deletion while the branch
// references it.
func (s *Store) CreateBranch(ctx context.Context, parentID, forkMessageID, title string) (*types.Conversation, error) {
	var child *types.Conversation

	err := s.withConversation(ctx, parentID, func(tx *gorm.DB, parent *types.Conversation) error {
		var fork types.Message
		if err := tx.First(&fork, "id = ? AND conversation_id = ?", forkMessageID, parentID).Error; err != nil {
			return translateNotFound(err, "fork message %s", forkMessageID)
		}

		child = &types.Conversation{
			ID:            uuid.NewString(),
			Title:         title,
			ReplyOrder:    parent.ReplyOrder,
			ParentID:      &parent.ID,
			ForkMessageID: &fork.ID,
		}
		if err := tx.Create(child).Error; err != nil {
			return fmt.Errorf("create branch conversation: %w", err)
		}

		// Membership carries over with fresh identities.
		var participants []types.Participant
		if err := tx.Where("conversation_id = ?", parentID).Find(&participants).Error; err != nil {
			return fmt.Errorf("load participants: %w", err)
		}
		idMap := make(map[string]string, len(participants))
		for i := range participants {
			p := participants[i]
			idMap[p.ID] = uuid.NewString()
			p.ID = idMap[p.ID]
			p.ConversationID = child.ID
			if err := tx.Create(&p).Error; err != nil {
				return fmt.Errorf("copy participant: %w", err)
			}
		}

		var history []types.Message
		if err := tx.Where("conversation_id = ? AND seq <= ?", parentID, fork.Seq).
			Order("seq ASC").Find(&history).Error; err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		for i := range history {
			m := history[i]
			m.ID = uuid.NewString()
			m.ConversationID = child.ID
			m.RunID = nil
			m.ActiveSwipe = 0
			if mapped, ok := idMap[m.ParticipantID]; ok {
				m.ParticipantID = mapped
			}
			if err := tx.Create(&m).Error; err != nil {
				return fmt.Errorf("copy message: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("branch created",
		zap.String("parent", parentID),
		zap.String("branch", child.ID),
		zap.String("fork_message", forkMessageID),
	)
	return child, nil
}
