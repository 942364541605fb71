package store

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/BaSui01/chatflow/types"
)

// ActiveRound returns the conversation's active round with its slots in
// position order, or nil when no round is active.
func (s *Store) ActiveRound(ctx context.Context, convID string) (*types.Round, error) {
	return activeRound(s.db.WithContext(ctx), convID)
}

func activeRound(tx *gorm.DB, convID string) (*types.Round, error) {
	var round types.Round
	err := tx.Preload("Slots").
		Where("conversation_id = ? AND status = ?", convID, types.RoundActive).
		First(&round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrStore, "read active round").WithCause(err)
	}
	sort.Slice(round.Slots, func(i, j int) bool { return round.Slots[i].Position < round.Slots[j].Position })
	return &round, nil
}

// CreateRound opens a new turn-taking epoch with the given speakers in
// order. The partial unique index on (conversation_id) WHERE
// status='active' rejects a second active round; that race surfaces as a
// CONFLICT error.
func (s *Store) CreateRound(ctx context.Context, convID string, speakerIDs []string) (*types.Round, error) {
	round := &types.Round{
		ID:             uuid.NewString(),
		ConversationID: convID,
		Status:         types.RoundActive,
		Cursor:         0,
	}
	for i, id := range speakerIDs {
		round.Slots = append(round.Slots, types.RoundSlot{
			RoundID:       round.ID,
			Position:      i,
			ParticipantID: id,
		})
	}

	err := s.db.WithContext(ctx).Create(round).Error
	if err != nil {
		if isUniqueViolation(err) {
			return nil, types.Errorf(types.ErrConflict, "conversation %s already has an active round", convID)
		}
		return nil, types.NewError(types.ErrStore, "create round").WithCause(err)
	}
	return round, nil
}

// SetRoundCursor advances the cursor of an active round. The update is
// conditional on the round still being active.
func (s *Store) SetRoundCursor(ctx context.Context, roundID string, cursor int) error {
	return setRoundCursor(s.db.WithContext(ctx), roundID, cursor)
}

func setRoundCursor(tx *gorm.DB, roundID string, cursor int) error {
	res := tx.Model(&types.Round{}).
		Where("id = ? AND status = ?", roundID, types.RoundActive).
		Update("cursor", cursor)
	if res.Error != nil {
		return types.NewError(types.ErrStore, "set cursor").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrConflict, "round %s is no longer active", roundID)
	}
	return nil
}

// FinishRound marks an active round finished (queue exhausted).
func (s *Store) FinishRound(ctx context.Context, roundID string) error {
	res := s.db.WithContext(ctx).Model(&types.Round{}).
		Where("id = ? AND status = ?", roundID, types.RoundActive).
		Update("status", types.RoundFinished)
	if res.Error != nil {
		return types.NewError(types.ErrStore, "finish round").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrConflict, "round %s is no longer active", roundID)
	}
	return nil
}

// CancelRound cancels an active round with a recorded reason. Canceling a
// round that already reached a terminal state is a no-op, reported via
// the boolean so callers only emit one round_canceled event.
func (s *Store) CancelRound(ctx context.Context, roundID, reason string) (bool, error) {
	return cancelRound(s.db.WithContext(ctx), roundID, reason)
}

func cancelRound(tx *gorm.DB, roundID, reason string) (bool, error) {
	res := tx.Model(&types.Round{}).
		Where("id = ? AND status = ?", roundID, types.RoundActive).
		Updates(map[string]any{
			"status":        types.RoundCanceled,
			"cancel_reason": reason,
		})
	if res.Error != nil {
		return false, types.NewError(types.ErrStore, "cancel round").WithCause(res.Error)
	}
	return res.RowsAffected > 0, nil
}
