package scheduler

import (
	"context"

	"github.com/BaSui01/chatflow/store"
	"github.com/BaSui01/chatflow/types"
)

// buildHistoryView derives the policy input from stored state. It reads
// but never writes, so both planning and preview share it.
func buildHistoryView(ctx context.Context, st *store.Store, conv *types.Conversation, round *types.Round, participants []types.Participant) (HistoryView, error) {
	hist := HistoryView{LastSpeakerPos: -1}

	byID := make(map[string]types.Participant, len(participants))
	for _, p := range participants {
		byID[p.ID] = p
	}

	// Round-local precedent while a round runs; otherwise the author of
	// the last message.
	if round != nil {
		for _, slot := range round.Slots {
			if slot.Position == round.Cursor {
				if p, ok := byID[slot.ParticipantID]; ok {
					hist.LastSpeakerPos = p.Position
				}
				break
			}
		}
	}
	if hist.LastSpeakerPos < 0 {
		tail, err := st.TailMessage(ctx, conv.ID)
		if err != nil {
			return hist, err
		}
		if tail != nil {
			if p, ok := byID[tail.ParticipantID]; ok {
				hist.LastSpeakerPos = p.Position
			}
		}
	}

	// Epoch facts for the pooled policy.
	anchor, err := st.LastHumanMessage(ctx, conv.ID)
	if err != nil {
		return hist, err
	}
	if anchor != nil {
		spoken, err := st.SpeakersSince(ctx, conv.ID, anchor.Seq)
		if err != nil {
			return hist, err
		}
		hist.SpokenThisEpoch = spoken
		hist.EpochSeed = EpochSeed(anchor.ID)
	} else {
		hist.SpokenThisEpoch = map[string]bool{}
	}
	return hist, nil
}

func (p *Planner) historyView(ctx context.Context, conv *types.Conversation, round *types.Round, participants []types.Participant) (HistoryView, error) {
	return buildHistoryView(ctx, p.store, conv, round, participants)
}
