package scheduler

import (
	"context"

	"github.com/BaSui01/chatflow/store"
	"github.com/BaSui01/chatflow/types"
)

const reasonExhausted = "exhausted"

// DecrementQuota charges one automated-continuation step. It reports
// whether a decrement actually occurred, so concurrent callers never
// double-count, and returns a mode_disabled event when this decrement
// drained the counter.
func DecrementQuota(ctx context.Context, st *store.Store, participantID string) (bool, []types.Event, error) {
	decremented, disabled, err := st.DecrementQuota(ctx, participantID)
	if err != nil {
		return false, nil, err
	}
	if !disabled {
		return decremented, nil, nil
	}

	p, err := st.GetParticipant(ctx, participantID)
	if err != nil {
		return decremented, nil, err
	}
	ev := types.NewEvent(types.EventModeDisabled, p.ConversationID)
	ev.ParticipantID = participantID
	ev.Reason = reasonExhausted
	return decremented, []types.Event{ev}, nil
}
