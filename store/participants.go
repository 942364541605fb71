package store

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// AddParticipant persists a conversation member.
func (s *Store) AddParticipant(ctx context.Context, p *types.Participant) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = types.ParticipantActive
	}
	if p.AutoMode == "" {
		p.AutoMode = types.AutoOff
	}
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return types.NewError(types.ErrStore, "add participant").WithCause(err)
	}
	return nil
}

// GetParticipant loads one participant by id.
func (s *Store) GetParticipant(ctx context.Context, id string) (*types.Participant, error) {
	var p types.Participant
	if err := s.db.WithContext(ctx).First(&p, "id = ?", id).Error; err != nil {
		return nil, translateNotFound(err, "participant %s", id)
	}
	return &p, nil
}

// ListParticipants returns all members of a conversation ordered by
// position. Callers filter for eligibility themselves; removed members
// are included so previews can skip them explicitly.
func (s *Store) ListParticipants(ctx context.Context, convID string) ([]types.Participant, error) {
	var out []types.Participant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", convID).
		Order("position ASC").
		Find(&out).Error
	if err != nil {
		return nil, types.NewError(types.ErrStore, "list participants").WithCause(err)
	}
	return out, nil
}

// SetParticipantStatus updates membership status (mute/unmute/remove).
func (s *Store) SetParticipantStatus(ctx context.Context, id string, status types.ParticipantStatus) error {
	res := s.db.WithContext(ctx).Model(&types.Participant{}).
		Where("id = ?", id).
		Update("status", status)
	if res.Error != nil {
		return types.NewError(types.ErrStore, "set participant status").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return types.Errorf(types.ErrNotFound, "participant %s", id)
	}
	return nil
}

// DecrementQuota performs the atomic quota step for bounded automated
// continuation. The decrement is a compare-and-swap on the counter, so
// two concurrent calls never double-count. The participant stays in
// bounded mode when the counter drains; a drained counter is what makes
// Eligible report false. Each successful decrement observes a distinct
// post-value, so disabled reports true for exactly the caller that
// reached zero.
func (s *Store) DecrementQuota(ctx context.Context, participantID string) (decremented, disabled bool, err error) {
	var left int64
	res := s.db.WithContext(ctx).
		Raw("UPDATE participants SET auto_steps_left = auto_steps_left - 1 WHERE id = ? AND auto_mode = ? AND auto_steps_left > 0 RETURNING auto_steps_left",
			participantID, types.AutoBounded).
		Scan(&left)
	if res.Error != nil {
		return false, false, types.NewError(types.ErrStore, "decrement quota").WithCause(res.Error)
	}
	if res.RowsAffected == 0 {
		return false, false, nil
	}
	if left == 0 {
		s.logger.Info("auto quota exhausted",
			zap.String("participant", participantID),
		)
		return true, true, nil
	}
	return true, false, nil
}
