package scheduler

import (
	"context"

	"go.uber.org/zap"

	"github.com/BaSui01/chatflow/store"
	"github.com/BaSui01/chatflow/types"
)

// Reconciler unwinds scheduling state that became invalid because the
// message underneath it was edited or deleted. The ordered cancellation
// itself runs inside the store's per-conversation exclusive section; see
// store.DeleteTail and store.EditTail.
type Reconciler struct {
	store  *store.Store
	logger *zap.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(st *store.Store, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:  st,
		logger: logger.With(zap.String("component", "reconciler")),
	}
}

// DeleteTail cancels dependent runs and the active round, then deletes
// the tail message. Non-tail targets and fork-point messages are
// rejected before any state changes.
func (r *Reconciler) DeleteTail(ctx context.Context, convID, messageID string) ([]types.Event, error) {
	evs, err := r.store.DeleteTail(ctx, convID, messageID)
	if err != nil {
		return nil, err
	}
	r.logger.Info("tail delete reconciled",
		zap.String("conversation", convID),
		zap.String("message", messageID),
		zap.Int("events", len(evs)),
	)
	return evs, nil
}

// EditTail cancels dependent runs and the active round, then rewrites
// the tail message's content and its active swipe.
func (r *Reconciler) EditTail(ctx context.Context, convID, messageID, content string) ([]types.Event, error) {
	evs, err := r.store.EditTail(ctx, convID, messageID, content)
	if err != nil {
		return nil, err
	}
	r.logger.Info("tail edit reconciled",
		zap.String("conversation", convID),
		zap.String("message", messageID),
	)
	return evs, nil
}
