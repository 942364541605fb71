package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/internal/metrics"
	"github.com/BaSui01/chatflow/store"
	"github.com/BaSui01/chatflow/types"
)

const (
	reasonStopped    = "stopped by user"
	reasonIneligible = "speaker no longer eligible"
)

// Planner decides whether a new round or run should be created in
// reaction to an event, and advances the active round after each run.
// At most one run transitions to queued per call; the storage-level
// uniqueness invariant absorbs racing planners.
type Planner struct {
	store   *store.Store
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewPlanner creates a Planner.
func NewPlanner(st *store.Store, collector *metrics.Collector, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		store:   st,
		metrics: collector,
		logger:  logger.With(zap.String("component", "planner")),
	}
}

// AdvanceResult reports what the planner did and the events to publish.
type AdvanceResult struct {
	Round    *types.Round
	Run      *types.Run
	Finished bool
	Events   []types.Event
}

// Advance inspects the round/run state and moves the conversation one
// scheduling step forward. With no active round it creates one when the
// triggering event warrants it (a human message or explicit action, with
// at least one eligible auto-responder under the configured policy);
// with an active round it enqueues the next eligible slot or finishes
// the round when the queue is exhausted.
func (p *Planner) Advance(ctx context.Context, convID, actorID string, triggerMessageID *string) (*AdvanceResult, error) {
	conv, err := p.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}

	// A pending run usually means another planner or an executor is
	// ahead of us. The exception is a queued run whose speaker can no
	// longer speak: that one is skipped before any worker claims it,
	// and planning continues with the next slot.
	var events []types.Event
	if queued, err := p.store.QueuedRun(ctx, convID); err != nil {
		return nil, err
	} else if queued != nil {
		skipEvents, skipped, err := p.skipIneligible(ctx, queued)
		if err != nil {
			return nil, err
		}
		if !skipped {
			return &AdvanceResult{Run: queued}, nil
		}
		events = skipEvents
	}

	res, err := p.plan(ctx, conv, actorID, triggerMessageID)
	if err != nil {
		return nil, err
	}
	res.Events = append(events, res.Events...)
	return res, nil
}

// plan runs the round logic once no queued run stands in the way.
func (p *Planner) plan(ctx context.Context, conv *types.Conversation, actorID string, triggerMessageID *string) (*AdvanceResult, error) {
	if running, err := p.store.RunningRun(ctx, conv.ID); err != nil {
		return nil, err
	} else if running != nil {
		return &AdvanceResult{Run: running}, nil
	}

	round, err := p.store.ActiveRound(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	reason := p.trigger(ctx, actorID, triggerMessageID)
	if round == nil {
		// Agent turns never open rounds on their own; only a human
		// message or an explicit start does. This is what keeps
		// auto-continuation from looping forever.
		if reason == types.TriggerAutoContinue {
			return &AdvanceResult{}, nil
		}
		return p.openRound(ctx, conv, reason, triggerMessageID)
	}
	return p.advanceRound(ctx, conv, round, reason, triggerMessageID)
}

// skipIneligible terminates a queued run whose speaker lost eligibility
// while waiting. Before any claim this is a skip, not a cancellation:
// nothing ran. Reports false when the run must be left alone.
func (p *Planner) skipIneligible(ctx context.Context, queued *types.Run) ([]types.Event, bool, error) {
	speaker, err := p.store.GetParticipant(ctx, queued.SpeakerID)
	if err != nil && !types.IsNotFound(err) {
		return nil, false, err
	}
	if err == nil && speaker.Eligible() {
		return nil, false, nil
	}

	done, err := p.store.TerminateQueuedRun(ctx, queued.ID, types.RunSkipped, reasonIneligible)
	if err != nil {
		return nil, false, err
	}
	if !done {
		// A worker claimed it in the meantime; the executor owns the
		// outcome now.
		return nil, false, nil
	}
	p.metrics.RunFinished(string(types.RunSkipped), string(queued.Trigger), time.Since(queued.CreatedAt))
	p.logger.Info("queued run skipped",
		zap.String("conversation", queued.ConversationID),
		zap.String("run", queued.ID),
		zap.String("speaker", queued.SpeakerID),
	)

	ev := types.NewEvent(types.EventRunSkipped, queued.ConversationID)
	ev.RunID = queued.ID
	ev.ParticipantID = queued.SpeakerID
	ev.Reason = reasonIneligible
	qc, err := p.queueChanged(ctx, queued.ConversationID)
	if err != nil {
		return nil, true, err
	}
	return []types.Event{ev, *qc}, true, nil
}

// Start explicitly opens a round. A no-op when one is already active.
func (p *Planner) Start(ctx context.Context, convID string) (*AdvanceResult, error) {
	conv, err := p.store.GetConversation(ctx, convID)
	if err != nil {
		return nil, err
	}
	round, err := p.store.ActiveRound(ctx, convID)
	if err != nil {
		return nil, err
	}
	if round != nil {
		return &AdvanceResult{Round: round}, nil
	}
	return p.openRound(ctx, conv, types.TriggerManualForce, nil)
}

// Stop cancels the queued run and the active round and requests
// cooperative cancellation of a running run. It never blocks on the
// running run; the executor unwinds at its next safe point.
func (p *Planner) Stop(ctx context.Context, convID string) ([]types.Event, error) {
	var events []types.Event
	queueChanged := false

	if queued, err := p.store.QueuedRun(ctx, convID); err != nil {
		return nil, err
	} else if queued != nil {
		done, err := p.store.TerminateQueuedRun(ctx, queued.ID, types.RunCanceled, reasonStopped)
		if err != nil {
			return nil, err
		}
		if done {
			ev := types.NewEvent(types.EventRunCanceled, convID)
			ev.RunID = queued.ID
			ev.ParticipantID = queued.SpeakerID
			ev.Reason = reasonStopped
			events = append(events, ev)
			queueChanged = true
		}
	}

	if running, err := p.store.RunningRun(ctx, convID); err != nil {
		return nil, err
	} else if running != nil {
		if err := p.store.RequestCancel(ctx, running.ID); err != nil {
			return nil, err
		}
	}

	round, err := p.store.ActiveRound(ctx, convID)
	if err != nil {
		return nil, err
	}
	if round != nil {
		done, err := p.store.CancelRound(ctx, round.ID, reasonStopped)
		if err != nil {
			return nil, err
		}
		if done {
			p.metrics.RoundFinished(string(types.RoundCanceled))
			ev := types.NewEvent(types.EventRoundCanceled, convID)
			ev.Reason = reasonStopped
			events = append(events, ev)
			queueChanged = true
		}
	}

	if queueChanged {
		ev, err := p.queueChanged(ctx, convID)
		if err != nil {
			return events, err
		}
		events = append(events, *ev)
	}
	p.logger.Info("conversation stopped", zap.String("conversation", convID))
	return events, nil
}

// ForceSpeaker enqueues a run for an explicitly named speaker: the
// advancement path of the manual policy.
func (p *Planner) ForceSpeaker(ctx context.Context, convID, speakerID string) (*AdvanceResult, error) {
	speaker, err := p.store.GetParticipant(ctx, speakerID)
	if err != nil {
		return nil, err
	}
	if !speaker.IsAgent() {
		return nil, types.Errorf(types.ErrInvalidRequest, "participant %s is not an agent", speakerID)
	}

	round, err := p.store.CreateRound(ctx, convID, []string{speakerID})
	if err != nil {
		return nil, err
	}
	p.metrics.RoundCreated(1)

	run := &types.Run{
		ConversationID: convID,
		RoundID:        &round.ID,
		SpeakerID:      speakerID,
		Trigger:        types.TriggerManualForce,
		SchedulerOwned: true,
	}
	if err := p.store.CreateQueuedRun(ctx, run); err != nil {
		return nil, err
	}

	res := &AdvanceResult{Round: round, Run: run}
	ev, err := p.queueChanged(ctx, convID)
	if err != nil {
		return res, err
	}
	res.Events = append(res.Events, *ev)
	return res, nil
}

// openRound materializes a new round from the configured policy. Returns
// an empty result when nothing warrants one: manual policy, or no
// eligible candidate.
func (p *Planner) openRound(ctx context.Context, conv *types.Conversation, reason types.TriggerReason, triggerMessageID *string) (*AdvanceResult, error) {
	participants, err := p.store.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	hist, err := p.historyView(ctx, conv, nil, participants)
	if err != nil {
		return nil, err
	}

	candidates := OrderCandidates(conv.ReplyOrder, participants, hist)
	if len(candidates) == 0 {
		return &AdvanceResult{}, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	round, err := p.store.CreateRound(ctx, conv.ID, ids)
	if err != nil {
		// A racing planner opened the round first.
		if types.IsConflict(err) {
			return &AdvanceResult{}, nil
		}
		return nil, err
	}
	p.metrics.RoundCreated(len(ids))
	p.logger.Info("round opened",
		zap.String("conversation", conv.ID),
		zap.String("round", round.ID),
		zap.String("policy", string(conv.ReplyOrder)),
		zap.Int("slots", len(ids)),
	)

	run := &types.Run{
		ConversationID:   conv.ID,
		RoundID:          &round.ID,
		SpeakerID:        candidates[0].ID,
		Trigger:          reason,
		TriggerMessageID: triggerMessageID,
		SchedulerOwned:   true,
	}
	if err := p.store.CreateQueuedRun(ctx, run); err != nil {
		if types.CodeOf(err) == types.ErrRunExists {
			return &AdvanceResult{Round: round}, nil
		}
		return nil, err
	}

	res := &AdvanceResult{Round: round, Run: run}
	ev, err := p.queueChanged(ctx, conv.ID)
	if err != nil {
		return res, err
	}
	res.Events = append(res.Events, *ev)
	return res, nil
}

// advanceRound moves the cursor to the next slot whose participant is
// still eligible and enqueues its run, or finishes the round when no
// such slot remains. Slots that lost eligibility mid-round are passed
// over without disturbing the stored order.
func (p *Planner) advanceRound(ctx context.Context, conv *types.Conversation, round *types.Round, reason types.TriggerReason, triggerMessageID *string) (*AdvanceResult, error) {
	participants, err := p.store.ListParticipants(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]types.Participant, len(participants))
	for _, pt := range participants {
		byID[pt.ID] = pt
	}

	for _, slot := range round.Slots {
		if slot.Position <= round.Cursor {
			continue
		}
		speaker, ok := byID[slot.ParticipantID]
		if !ok || !speaker.Eligible() {
			continue
		}

		if err := p.store.SetRoundCursor(ctx, round.ID, slot.Position); err != nil {
			// Round reached a terminal state under us (stop/reconcile).
			if types.IsConflict(err) {
				return &AdvanceResult{}, nil
			}
			return nil, err
		}
		run := &types.Run{
			ConversationID:   conv.ID,
			RoundID:          &round.ID,
			SpeakerID:        slot.ParticipantID,
			Trigger:          reason,
			TriggerMessageID: triggerMessageID,
			SchedulerOwned:   true,
		}
		if err := p.store.CreateQueuedRun(ctx, run); err != nil {
			if types.CodeOf(err) == types.ErrRunExists {
				return &AdvanceResult{Round: round}, nil
			}
			return nil, err
		}

		res := &AdvanceResult{Round: round, Run: run}
		ev, err := p.queueChanged(ctx, conv.ID)
		if err != nil {
			return res, err
		}
		res.Events = append(res.Events, *ev)
		return res, nil
	}

	// Queue exhausted.
	if err := p.store.FinishRound(ctx, round.ID); err != nil {
		if types.IsConflict(err) {
			return &AdvanceResult{}, nil
		}
		return nil, err
	}
	p.metrics.RoundFinished(string(types.RoundFinished))
	p.logger.Info("round finished",
		zap.String("conversation", conv.ID),
		zap.String("round", round.ID),
	)

	res := &AdvanceResult{Round: round, Finished: true}
	fin := types.NewEvent(types.EventRoundFinished, conv.ID)
	res.Events = append(res.Events, fin)
	ev, err := p.queueChanged(ctx, conv.ID)
	if err != nil {
		return res, err
	}
	res.Events = append(res.Events, *ev)
	return res, nil
}

// trigger classifies what caused this advance call.
func (p *Planner) trigger(ctx context.Context, actorID string, triggerMessageID *string) types.TriggerReason {
	if actorID == "" {
		return types.TriggerManualForce
	}
	actor, err := p.store.GetParticipant(ctx, actorID)
	if err == nil && !actor.IsAgent() && triggerMessageID != nil {
		return types.TriggerUserMessage
	}
	return types.TriggerAutoContinue
}

// queueChanged bumps the conversation revision and builds the event.
func (p *Planner) queueChanged(ctx context.Context, convID string) (*types.Event, error) {
	rev, err := p.store.BumpRevision(ctx, convID)
	if err != nil {
		return nil, err
	}
	ev := types.NewEvent(types.EventQueueChanged, convID)
	ev.Revision = rev
	return &ev, nil
}
