package worker

import (
	"context"
	"time"

	"storefront/internal/broker"
	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// InvalidationWorker drops cached entries touched by transaction events
// published by any instance
type InvalidationWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	cache        store.Invalidator
	logger       *zap.Logger
}

// NewInvalidationWorker creates a new invalidation worker
func NewInvalidationWorker(consumer *broker.Consumer, cache store.Invalidator) *InvalidationWorker {
	w := &InvalidationWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		cache:        cache,
		logger:       util.Named("invalidation-worker"),
	}

	w.eventHandler.OnTransactionCommitted(w.onCommitted)
	w.eventHandler.OnTransactionSettled(w.onSettled)
	w.eventHandler.OnTransactionReverted(w.onReverted)
	return w
}

// Start consumes events until ctx is done
func (w *InvalidationWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting invalidation worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop closes the consumer
func (w *InvalidationWorker) Stop() error {
	w.logger.Info("Stopping invalidation worker")
	return w.consumer.Close()
}

func (w *InvalidationWorker) onCommitted(ctx context.Context, e *models.TransactionCommittedEvent) error {
	w.cache.InvalidateCart(ctx, e.OwnerID)
	w.cache.InvalidateOrders(ctx, e.OwnerID, e.OrderID)
	w.cache.InvalidateTransaction(ctx, e.OrderID)
	w.cache.InvalidateProducts(ctx, productIDs(e.Items)...)
	return nil
}

func (w *InvalidationWorker) onSettled(ctx context.Context, e *models.TransactionSettledEvent) error {
	w.cache.InvalidateOrders(ctx, e.OwnerID, e.OrderID)
	w.cache.InvalidateTransaction(ctx, e.OrderID)
	return nil
}

func (w *InvalidationWorker) onReverted(ctx context.Context, e *models.TransactionRevertedEvent) error {
	w.cache.InvalidateOrders(ctx, e.OwnerID, e.OrderID)
	w.cache.InvalidateTransaction(ctx, e.OrderID)
	w.cache.InvalidateProducts(ctx, productIDs(e.Items)...)
	return nil
}

func productIDs(items []models.OrderItemData) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	return ids
}

// PendingReconciler settles transactions whose callback never arrived
type PendingReconciler interface {
	ReconcilePending(ctx context.Context, minAge time.Duration, limit int) (int, error)
}

// ReconcileWorker periodically reconciles stale CREATED transactions
type ReconcileWorker struct {
	reconciler PendingReconciler
	interval   time.Duration
	minAge     time.Duration
	batch      int
	logger     *zap.Logger
}

// NewReconcileWorker creates a new reconcile worker
func NewReconcileWorker(reconciler PendingReconciler, interval, minAge time.Duration, batch int) *ReconcileWorker {
	return &ReconcileWorker{
		reconciler: reconciler,
		interval:   interval,
		minAge:     minAge,
		batch:      batch,
		logger:     util.Named("reconcile-worker"),
	}
}

// Start runs a reconciliation pass every interval until ctx is done
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconcile worker",
		zap.Duration("interval", w.interval),
		zap.Duration("min_age", w.minAge))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping reconcile worker")
			return ctx.Err()
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce runs a single reconciliation pass
func (w *ReconcileWorker) RunOnce(ctx context.Context) int {
	settled, err := w.reconciler.ReconcilePending(ctx, w.minAge, w.batch)
	if err != nil {
		w.logger.Error("Reconciliation pass failed", zap.Error(err))
	}
	if settled > 0 {
		w.logger.Info("Reconciled pending transactions", zap.Int("settled", settled))
	}
	return settled
}
