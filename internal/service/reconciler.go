package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// Callback is a signed settlement notification
type Callback struct {
	Path       string
	TxID       int64
	OwnerID    int64
	Signature  string
	Resolution string
}

// Reconciler applies the payment gateway's result to transactions
type Reconciler struct {
	repo    store.Repository
	engine  *TransactionEngine
	gateway payment.Gateway
	signer  *payment.Signer
	cache   store.Invalidator
	events  EventPublisher
	logger  *zap.Logger
	now     func() time.Time
}

// NewReconciler creates a new reconciler
func NewReconciler(
	repo store.Repository,
	engine *TransactionEngine,
	gateway payment.Gateway,
	signer *payment.Signer,
	cache store.Invalidator,
	events EventPublisher,
) *Reconciler {
	return &Reconciler{
		repo:    repo,
		engine:  engine,
		gateway: gateway,
		signer:  signer,
		cache:   cache,
		events:  events,
		logger:  util.Named("reconciler"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleCallback verifies the callback signature, then reconciles
func (r *Reconciler) HandleCallback(ctx context.Context, cb Callback) (*models.Transaction, error) {
	if !r.signer.Verify(cb.Path, cb.TxID, cb.OwnerID, cb.Signature) {
		r.logger.Warn("Rejected callback with invalid signature",
			zap.Int64("tx_id", cb.TxID),
			zap.Int64("owner_id", cb.OwnerID))
		return nil, ErrInvalidSignature
	}
	return r.Reconcile(ctx, cb.OwnerID, cb.TxID, cb.Resolution)
}

// Reconcile settles a CREATED transaction from its payment session state.
// Terminal transactions are returned unchanged. A void resolution expires
// the session first. ErrUnsettledCallback means the payment is still open.
func (r *Reconciler) Reconcile(ctx context.Context, ownerID, txID int64, resolution string) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Reconcile", util.Owner(ownerID), util.Tx(txID))
	defer span.End()

	tx, err := r.repo.GetTransaction(ctx, ownerID, txID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTransactionNotFound
	}
	if err != nil {
		return nil, err
	}

	if tx.Status.Terminal() {
		r.logger.Debug("Transaction already settled", zap.Int64("tx_id", txID), zap.String("status", string(tx.Status)))
		return tx, nil
	}
	if !tx.HasReference() {
		return nil, ErrNoPaymentReference
	}

	if resolution == payment.ResolutionVoid {
		if err := r.gateway.DestroySession(ctx, *tx.Reference); err != nil {
			util.RecordError(span, err)
			return nil, fmt.Errorf("void payment session: %w: %w", ErrPaymentGateway, err)
		}
	}

	status, err := r.gateway.QuerySessionStatus(ctx, *tx.Reference)
	if err != nil {
		util.RecordError(span, err)
		return nil, fmt.Errorf("query payment session: %w: %w", ErrPaymentGateway, err)
	}
	if status == models.StatusCreated {
		return tx, ErrUnsettledCallback
	}

	if status != models.StatusSucceeded {
		if _, err := r.engine.Revert(ctx, tx.OrderID); err != nil {
			util.RecordError(span, err)
			return nil, fmt.Errorf("revert unpaid transaction: %w", err)
		}
	}

	settledAt := r.now()
	applied, err := r.engine.UpdateStatus(ctx, tx.ID, models.TransactionPatch{
		Status:    &status,
		SettledAt: &settledAt,
	})
	if err != nil {
		util.RecordError(span, err)
		return nil, err
	}

	r.cache.InvalidateTransaction(ctx, tx.OrderID)
	r.cache.InvalidateOrders(ctx, ownerID, tx.OrderID)

	if !applied {
		// settled concurrently
		return r.repo.GetTransaction(ctx, ownerID, txID)
	}

	tx.Status = status
	tx.SettledAt = &settledAt
	util.ReconciliationsTotal.WithLabelValues(string(status)).Inc()
	r.logger.Info("Transaction settled",
		zap.Int64("tx_id", tx.ID),
		zap.Int64("order_id", tx.OrderID),
		zap.String("status", string(status)))

	event := &models.TransactionSettledEvent{
		BaseEvent:     newBaseEvent(models.EventTypeTransactionSettled),
		TransactionID: tx.ID,
		OrderID:       tx.OrderID,
		OwnerID:       ownerID,
		Status:        status,
		SettledAt:     settledAt,
	}
	if err := r.events.PublishTransactionSettled(ctx, event); err != nil {
		r.logger.Error("Failed to publish TransactionSettled event", zap.Int64("tx_id", tx.ID), zap.Error(err))
	}

	return tx, nil
}

// ReconcilePending reconciles CREATED transactions with a payment session
// that are older than minAge, and returns how many were settled
func (r *Reconciler) ReconcilePending(ctx context.Context, minAge time.Duration, limit int) (int, error) {
	pending, err := r.repo.ListPendingTransactions(ctx, r.now().Add(-minAge), limit)
	if err != nil {
		return 0, fmt.Errorf("list pending transactions: %w", err)
	}

	settled := 0
	for _, tx := range pending {
		if ctx.Err() != nil {
			return settled, ctx.Err()
		}

		_, err := r.Reconcile(ctx, tx.OwnerID, tx.ID, "")
		switch {
		case err == nil:
			settled++
		case errors.Is(err, ErrUnsettledCallback):
			r.logger.Debug("Payment still open", zap.Int64("tx_id", tx.ID))
		default:
			r.logger.Warn("Failed to reconcile pending transaction", zap.Int64("tx_id", tx.ID), zap.Error(err))
		}
	}
	return settled, nil
}
