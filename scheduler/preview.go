package scheduler

import (
	"context"

	"github.com/BaSui01/chatflow/types"
)

// Preview projects "who would speak next" without creating a round or
// mutating any state. With an active round it returns the persisted
// queue from the cursor forward, re-filtered for current eligibility;
// idle, it runs the configured policy against current eligibility.
// Participants deleted after being enqueued are skipped silently.
func (s *Scheduler) Preview(ctx context.Context, convID string, limit int) ([]types.Participant, error) {
	s.metrics.Preview()

	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, convID)
	if err != nil {
		return nil, err
	}

	round, err := s.store.ActiveRound(ctx, convID)
	if err != nil {
		return nil, err
	}

	var ordered []types.Participant
	if round != nil {
		byID := make(map[string]types.Participant, len(participants))
		for _, p := range participants {
			byID[p.ID] = p
		}
		for _, slot := range round.Slots {
			if slot.Position < round.Cursor {
				continue
			}
			p, ok := byID[slot.ParticipantID]
			if !ok || !p.Eligible() {
				continue
			}
			ordered = append(ordered, p)
		}
	} else {
		hist, err := buildHistoryView(ctx, s.store, conv, nil, participants)
		if err != nil {
			return nil, err
		}
		ordered = OrderCandidates(conv.ReplyOrder, participants, hist)
	}

	if limit >= 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	return ordered, nil
}

// State snapshots the conversation's scheduling axes: round status and
// queue on one, derived activity on the other.
func (s *Scheduler) State(ctx context.Context, convID string) (*types.SchedulerState, error) {
	conv, err := s.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	activity, err := s.store.CurrentActivity(ctx, convID)
	if err != nil {
		return nil, err
	}

	state := &types.SchedulerState{
		RoundStatus: types.RoundNone,
		Activity:    activity,
		Revision:    conv.Revision,
	}

	round, err := s.store.ActiveRound(ctx, convID)
	if err != nil {
		return nil, err
	}
	if round == nil {
		return state, nil
	}

	state.RoundStatus = round.Status
	state.Cursor = round.Cursor

	participants, err := s.store.ListParticipants(ctx, convID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]types.Participant, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
	}
	for _, slot := range round.Slots {
		if slot.Position < round.Cursor {
			continue
		}
		if p, ok := byID[slot.ParticipantID]; ok {
			state.Queue = append(state.Queue, p)
		}
	}
	return state, nil
}
