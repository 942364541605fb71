// Package events delivers domain events to interested consumers.
// Delivery is best-effort: a sink never blocks a state transition, and
// consumers must tolerate out-of-order arrival, de-duplicating
// queue_changed events by their revision number.
package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/types"
)

// Sink receives domain events produced by state-mutating operations.
type Sink interface {
	Publish(ctx context.Context, ev types.Event) error
}

// NopSink discards events.
type NopSink struct{}

// Publish implements Sink.
func (NopSink) Publish(context.Context, types.Event) error { return nil }

// LogSink writes events to the structured log, useful in development and
// as a fallback when no transport is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "event_log_sink"))}
}

// Publish implements Sink.
func (s *LogSink) Publish(_ context.Context, ev types.Event) error {
	s.logger.Info("event",
		zap.String("kind", string(ev.Kind)),
		zap.String("conversation", ev.ConversationID),
		zap.String("run", ev.RunID),
		zap.Int64("revision", ev.Revision),
		zap.String("reason", ev.Reason),
	)
	return nil
}

// MultiSink fans one event out to several sinks. Publish returns the
// first error but still attempts every sink.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(ctx context.Context, ev types.Event) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublishAll sends a batch through a sink, logging failures instead of
// propagating them; event delivery never fails a state transition.
func PublishAll(ctx context.Context, sink Sink, logger *zap.Logger, evs []types.Event) {
	if sink == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, ev := range evs {
		if err := sink.Publish(ctx, ev); err != nil {
			logger.Warn("event publish failed",
				zap.String("kind", string(ev.Kind)),
				zap.String("conversation", ev.ConversationID),
				zap.Error(err),
			)
		}
	}
}
