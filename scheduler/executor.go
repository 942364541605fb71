package scheduler

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/events"
	"github.com/BaSui01/chatflow/internal/metrics"
	"github.com/BaSui01/chatflow/llm"
	"github.com/BaSui01/chatflow/store"
	"github.com/BaSui01/chatflow/types"
)

// cancelPollInterval throttles cooperative-cancel reads between stream
// chunks so fast streams don't hammer the store.
const cancelPollInterval = 250 * time.Millisecond

// Executor claims queued runs, performs the generation call, persists
// the result through the swipe subsystem and advances the round.
type Executor struct {
	store     *store.Store
	provider  llm.Provider
	assembler llm.Assembler
	planner   *Planner
	sink      events.Sink
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewExecutor creates an Executor.
func NewExecutor(st *store.Store, provider llm.Provider, assembler llm.Assembler, planner *Planner, sink events.Sink, collector *metrics.Collector, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Executor{
		store:     st,
		provider:  provider,
		assembler: assembler,
		planner:   planner,
		sink:      sink,
		metrics:   collector,
		logger:    logger.With(zap.String("component", "executor")),
	}
}

// Execute claims the run and drives it to a terminal status. Losing the
// claim to another worker is expected and returns nil without doing
// anything. After any terminal transition the planner is asked to
// advance the round.
func (e *Executor) Execute(ctx context.Context, runID string) error {
	claimed, err := e.store.ClaimRun(ctx, runID)
	if err != nil {
		return err
	}
	if !claimed {
		e.logger.Debug("run already claimed", zap.String("run", runID))
		return nil
	}
	started := time.Now()

	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	logger := e.logger.With(
		zap.String("run", run.ID),
		zap.String("conversation", run.ConversationID),
		zap.String("speaker", run.SpeakerID),
	)

	speaker, err := e.store.GetParticipant(ctx, run.SpeakerID)
	if err != nil {
		if types.IsNotFound(err) {
			return e.finish(ctx, run, started, types.RunCanceled, "speaker no longer exists", nil)
		}
		return err
	}
	if !speaker.Eligible() {
		return e.finish(ctx, run, started, types.RunCanceled, reasonIneligible, nil)
	}

	typing := types.NewEvent(types.EventTypingStarted, run.ConversationID)
	typing.ParticipantID = run.SpeakerID
	typing.RunID = run.ID
	e.publish(ctx, typing)

	content, genErr := e.generate(ctx, run, speaker, logger)
	switch {
	case genErr == nil:
		return e.persistSuccess(ctx, run, speaker, started, content)
	case types.CodeOf(genErr) == types.ErrCanceled:
		return e.finish(ctx, run, started, types.RunCanceled, genErr.Error(), speaker)
	default:
		logger.Error("generation failed", zap.Error(genErr))
		return e.finish(ctx, run, started, types.RunFailed, genErr.Error(), speaker)
	}
}

// generate assembles the prompt and streams the completion, observing
// cooperative cancellation between chunks.
func (e *Executor) generate(ctx context.Context, run *types.Run, speaker *types.Participant, logger *zap.Logger) (string, error) {
	conv, err := e.store.GetConversation(ctx, run.ConversationID)
	if err != nil {
		return "", err
	}
	messages, err := e.assembler.Build(ctx, conv, speaker, 0)
	if err != nil {
		return "", types.NewError(types.ErrGeneration, "prompt assembly").WithCause(err)
	}

	genStart := time.Now()
	stream, err := e.provider.Stream(ctx, &llm.ChatRequest{
		TraceID:  run.ID,
		Messages: messages,
	})
	if err != nil {
		e.metrics.Generation(e.provider.Name(), "error", time.Since(genStart))
		return "", types.NewError(types.ErrGeneration, "start stream").WithCause(err)
	}

	var sb strings.Builder
	lastPoll := time.Now()
	for chunk := range stream {
		if chunk.Err != nil {
			e.metrics.Generation(e.provider.Name(), "error", time.Since(genStart))
			return "", chunk.Err
		}
		if chunk.Delta != "" {
			sb.WriteString(chunk.Delta)
			delta := types.NewEvent(types.EventContentDelta, run.ConversationID)
			delta.RunID = run.ID
			delta.ParticipantID = run.SpeakerID
			delta.Delta = chunk.Delta
			e.publish(ctx, delta)
		}

		// Chunk boundaries are the safe resumption points.
		if ctx.Err() != nil {
			e.metrics.Generation(e.provider.Name(), "canceled", time.Since(genStart))
			return "", types.NewError(types.ErrCanceled, "context canceled").WithCause(ctx.Err())
		}
		if time.Since(lastPoll) >= cancelPollInterval {
			lastPoll = time.Now()
			requested, err := e.store.CancelRequested(ctx, run.ID)
			if err != nil {
				logger.Warn("cancel poll failed", zap.Error(err))
			} else if requested {
				e.metrics.Generation(e.provider.Name(), "canceled", time.Since(genStart))
				return "", types.NewError(types.ErrCanceled, "cancel requested")
			}
		}
	}

	// A final check: a cancel that raced the last chunk still wins over
	// persisting content the user asked to discard.
	if requested, err := e.store.CancelRequested(ctx, run.ID); err == nil && requested {
		e.metrics.Generation(e.provider.Name(), "canceled", time.Since(genStart))
		return "", types.NewError(types.ErrCanceled, "cancel requested")
	}

	e.metrics.Generation(e.provider.Name(), "ok", time.Since(genStart))
	return sb.String(), nil
}

// persistSuccess writes the generated message and its initial swipe,
// marks the run succeeded, charges the continuation quota and advances.
func (e *Executor) persistSuccess(ctx context.Context, run *types.Run, speaker *types.Participant, started time.Time, content string) error {
	msg := &types.Message{
		ConversationID: run.ConversationID,
		ParticipantID:  run.SpeakerID,
		Role:           types.RoleAssistant,
		Content:        content,
		RunID:          &run.ID,
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return e.finish(ctx, run, started, types.RunFailed, "persist message: "+err.Error(), speaker)
	}
	if err := e.store.EnsureInitialSwipe(ctx, msg.ID); err != nil {
		return e.finish(ctx, run, started, types.RunFailed, "persist swipe: "+err.Error(), speaker)
	}

	done, err := e.store.FinishRun(ctx, run.ID, types.RunSucceeded, "")
	if err != nil {
		return err
	}
	if !done {
		// The reaper or a reconcile got here first; the message stays,
		// but the round advance belongs to whoever won.
		e.logger.Warn("run terminal race lost", zap.String("run", run.ID))
		return nil
	}
	e.metrics.RunFinished(string(types.RunSucceeded), string(run.Trigger), time.Since(started))

	ok := types.NewEvent(types.EventRunSucceeded, run.ConversationID)
	ok.RunID = run.ID
	ok.ParticipantID = run.SpeakerID
	ok.MessageID = msg.ID
	e.publish(ctx, ok)
	e.stopTyping(ctx, run)

	if speaker.AutoMode == types.AutoBounded {
		decremented, evs, err := DecrementQuota(ctx, e.store, speaker.ID)
		if err != nil {
			e.logger.Warn("quota decrement failed", zap.Error(err))
		} else if decremented {
			for _, ev := range evs {
				e.publish(ctx, ev)
			}
		}
	}

	return e.advance(ctx, run, &msg.ID)
}

// finish records a non-success terminal status, reports it, and advances
// the round.
func (e *Executor) finish(ctx context.Context, run *types.Run, started time.Time, status types.RunStatus, reason string, speaker *types.Participant) error {
	done, err := e.store.FinishRun(ctx, run.ID, status, reason)
	if err != nil {
		return err
	}
	e.stopTyping(ctx, run)
	if !done {
		return nil
	}
	e.metrics.RunFinished(string(status), string(run.Trigger), time.Since(started))

	kind := types.EventRunFailed
	if status == types.RunCanceled {
		kind = types.EventRunCanceled
	}
	ev := types.NewEvent(kind, run.ConversationID)
	ev.RunID = run.ID
	ev.ParticipantID = run.SpeakerID
	ev.Reason = reason
	e.publish(ctx, ev)

	return e.advance(ctx, run, nil)
}

// advance hands control back to the planner after a terminal transition.
func (e *Executor) advance(ctx context.Context, run *types.Run, messageID *string) error {
	res, err := e.planner.Advance(ctx, run.ConversationID, run.SpeakerID, messageID)
	if err != nil {
		return err
	}
	for _, ev := range res.Events {
		e.publish(ctx, ev)
	}
	return nil
}

func (e *Executor) stopTyping(ctx context.Context, run *types.Run) {
	ev := types.NewEvent(types.EventTypingStopped, run.ConversationID)
	ev.ParticipantID = run.SpeakerID
	ev.RunID = run.ID
	e.publish(ctx, ev)
}

// publish delivers one event best-effort.
func (e *Executor) publish(ctx context.Context, ev types.Event) {
	e.metrics.EventPublished(string(ev.Kind))
	events.PublishAll(ctx, e.sink, e.logger, []types.Event{ev})
}
