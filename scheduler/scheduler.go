package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/events"
	"github.com/BaSui01/chatflow/internal/metrics"
	"github.com/BaSui01/chatflow/llm"
	"github.com/BaSui01/chatflow/store"
	"github.com/BaSui01/chatflow/types"
)

// Options configures a Scheduler.
type Options struct {
	Provider  llm.Provider
	Assembler llm.Assembler
	Sink      events.Sink
	Metrics   *metrics.Collector
	Logger    *zap.Logger

	// ReapInterval and ReapTimeout drive the stuck-run sweep.
	ReapInterval time.Duration
	ReapTimeout  time.Duration
}

// Scheduler bundles the scheduling components over one store. It is the
// surface the surrounding application talks to.
type Scheduler struct {
	store      *store.Store
	planner    *Planner
	executor   *Executor
	reaper     *Reaper
	reconciler *Reconciler
	sink       events.Sink
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// New wires a Scheduler.
func New(st *store.Store, opts Options) *Scheduler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = events.NopSink{}
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = 30 * time.Second
	}
	if opts.ReapTimeout <= 0 {
		opts.ReapTimeout = 5 * time.Minute
	}

	planner := NewPlanner(st, opts.Metrics, logger)
	return &Scheduler{
		store:      st,
		planner:    planner,
		executor:   NewExecutor(st, opts.Provider, opts.Assembler, planner, sink, opts.Metrics, logger),
		reaper:     NewReaper(st, planner, sink, opts.Metrics, logger, opts.ReapInterval, opts.ReapTimeout),
		reconciler: NewReconciler(st, logger),
		sink:       sink,
		metrics:    opts.Metrics,
		logger:     logger.With(zap.String("component", "scheduler")),
	}
}

// Store exposes the underlying persistence layer.
func (s *Scheduler) Store() *store.Store { return s.store }

// Planner exposes the run planner.
func (s *Scheduler) Planner() *Planner { return s.planner }

// Executor exposes the run executor.
func (s *Scheduler) Executor() *Executor { return s.executor }

// Reaper exposes the timeout sweep, to run under the caller's lifecycle.
func (s *Scheduler) Reaper() *Reaper { return s.reaper }

// Reconciler exposes the orphan reconciler.
func (s *Scheduler) Reconciler() *Reconciler { return s.reconciler }

// Advance reacts to a new message or control action, then publishes the
// resulting events.
func (s *Scheduler) Advance(ctx context.Context, convID, actorID string, triggerMessageID *string) (*AdvanceResult, error) {
	res, err := s.planner.Advance(ctx, convID, actorID, triggerMessageID)
	if err != nil {
		return nil, err
	}
	s.deliver(ctx, res.Events)
	return res, nil
}

// Start explicitly opens a round.
func (s *Scheduler) Start(ctx context.Context, convID string) (*AdvanceResult, error) {
	res, err := s.planner.Start(ctx, convID)
	if err != nil {
		return nil, err
	}
	s.deliver(ctx, res.Events)
	return res, nil
}

// Stop cancels pending scheduling and requests cooperative cancellation
// of in-flight generation.
func (s *Scheduler) Stop(ctx context.Context, convID string) error {
	evs, err := s.planner.Stop(ctx, convID)
	if err != nil {
		return err
	}
	s.deliver(ctx, evs)
	return nil
}

// Execute drives one run; see Executor.Execute.
func (s *Scheduler) Execute(ctx context.Context, runID string) error {
	return s.executor.Execute(ctx, runID)
}

// DeleteTail reconciles and deletes the tail message.
func (s *Scheduler) DeleteTail(ctx context.Context, convID, messageID string) error {
	evs, err := s.reconciler.DeleteTail(ctx, convID, messageID)
	if err != nil {
		return err
	}
	s.deliver(ctx, evs)
	return nil
}

// EditTail reconciles and rewrites the tail message.
func (s *Scheduler) EditTail(ctx context.Context, convID, messageID, content string) error {
	evs, err := s.reconciler.EditTail(ctx, convID, messageID, content)
	if err != nil {
		return err
	}
	s.deliver(ctx, evs)
	return nil
}

// Decrement charges one automated-continuation step for the participant.
func (s *Scheduler) Decrement(ctx context.Context, participantID string) (bool, error) {
	decremented, evs, err := DecrementQuota(ctx, s.store, participantID)
	if err != nil {
		return false, err
	}
	s.deliver(ctx, evs)
	return decremented, nil
}

func (s *Scheduler) deliver(ctx context.Context, evs []types.Event) {
	for _, ev := range evs {
		s.metrics.EventPublished(string(ev.Kind))
	}
	events.PublishAll(ctx, s.sink, s.logger, evs)
}
