package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/events"
	"github.com/BaSui01/chatflow/internal/metrics"
	"github.com/BaSui01/chatflow/store"
	"github.com/BaSui01/chatflow/types"
)

// Reaper is the safety sweep for vanished workers: any run stuck in
// running past the timeout is failed so the round can proceed. It only
// terminates; it never restarts a run.
type Reaper struct {
	store    *store.Store
	planner  *Planner
	sink     events.Sink
	metrics  *metrics.Collector
	logger   *zap.Logger
	interval time.Duration
	timeout  time.Duration
}

// NewReaper creates a Reaper sweeping every interval for runs older
// than timeout.
func NewReaper(st *store.Store, planner *Planner, sink events.Sink, collector *metrics.Collector, logger *zap.Logger, interval, timeout time.Duration) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	return &Reaper{
		store:    st,
		planner:  planner,
		sink:     sink,
		metrics:  collector,
		logger:   logger.With(zap.String("component", "reaper")),
		interval: interval,
		timeout:  timeout,
	}
}

// Run sweeps until the context is canceled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep performs one pass: fail stuck runs, report them, and advance
// their rounds.
func (r *Reaper) Sweep(ctx context.Context) error {
	reaped, err := r.store.ReapStuck(ctx, r.timeout)
	if err != nil {
		return err
	}
	if len(reaped) == 0 {
		return nil
	}
	r.metrics.Reaped(len(reaped))

	for i := range reaped {
		run := reaped[i]
		ev := types.NewEvent(types.EventRunFailed, run.ConversationID)
		ev.RunID = run.ID
		ev.ParticipantID = run.SpeakerID
		ev.Reason = "generation timed out"
		events.PublishAll(ctx, r.sink, r.logger, []types.Event{ev})

		res, err := r.planner.Advance(ctx, run.ConversationID, run.SpeakerID, nil)
		if err != nil {
			r.logger.Error("advance after reap failed",
				zap.String("run", run.ID),
				zap.Error(err),
			)
			continue
		}
		events.PublishAll(ctx, r.sink, r.logger, res.Events)
	}
	return nil
}
