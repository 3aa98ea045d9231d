package service

import (
	"context"
	"fmt"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

const compensationTimeout = 10 * time.Second

// CheckoutResult is a committed transaction with its payment page
type CheckoutResult struct {
	Transaction *models.Transaction `json:"transaction"`
	CheckoutURL string              `json:"checkout_url"`
}

// CheckoutService commits a cart and opens a payment session for it
type CheckoutService struct {
	engine  *TransactionEngine
	gateway payment.Gateway
	signer  *payment.Signer
	cache   store.Invalidator
	logger  *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(engine *TransactionEngine, gateway payment.Gateway, signer *payment.Signer, cache store.Invalidator) *CheckoutService {
	return &CheckoutService{
		engine:  engine,
		gateway: gateway,
		signer:  signer,
		cache:   cache,
		logger:  util.Named("checkout"),
	}
}

// Checkout commits the owner's cart and opens a payment session. When the
// session cannot be attached, the transaction is cancelled and its stock
// credited back before the error is returned.
func (s *CheckoutService) Checkout(ctx context.Context, ownerID int64) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Checkout", util.Owner(ownerID))
	defer span.End()

	tx, err := s.engine.Commit(ctx, ownerID)
	if err != nil {
		util.CheckoutsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	session, err := s.gateway.CreateSession(ctx, payment.SessionRequest{
		TxID:        tx.ID,
		OwnerID:     ownerID,
		Amount:      tx.Amount,
		CallbackURL: s.signer.CallbackURL(tx.ID, ownerID, ""),
		CancelURL:   s.signer.CallbackURL(tx.ID, ownerID, payment.ResolutionVoid),
	})
	if err != nil {
		util.RecordError(span, err)
		s.compensate(ctx, tx, err)
		return nil, fmt.Errorf("create payment session: %w: %w", ErrPaymentGateway, err)
	}

	method := s.gateway.Name()
	if _, err := s.engine.UpdateStatus(ctx, tx.ID, models.TransactionPatch{
		Reference:     &session.ID,
		PaymentMethod: &method,
	}); err != nil {
		util.RecordError(span, err)
		s.compensate(ctx, tx, err)
		s.destroySession(ctx, session.ID)
		return nil, fmt.Errorf("record payment session: %w", err)
	}

	tx.Reference = &session.ID
	tx.PaymentMethod = &method
	s.cache.InvalidateTransaction(ctx, tx.OrderID)

	util.CheckoutsTotal.WithLabelValues("created").Inc()
	s.logger.Info("Checkout session created",
		zap.Int64("tx_id", tx.ID),
		zap.String("gateway", method),
		zap.String("session_id", session.ID))

	return &CheckoutResult{Transaction: tx, CheckoutURL: session.CheckoutURL}, nil
}

// compensate cancels the transaction with the sentinel reference and
// reverts it. It runs even when the request context is already done.
func (s *CheckoutService) compensate(ctx context.Context, tx *models.Transaction, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	logger := s.logger.With(zap.Int64("tx_id", tx.ID), zap.Int64("order_id", tx.OrderID), zap.NamedError("cause", cause))

	cancelled := models.StatusCancelled
	sentinel := models.SentinelReference
	now := time.Now().UTC()
	applied, err := s.engine.UpdateStatus(ctx, tx.ID, models.TransactionPatch{
		Status:    &cancelled,
		SettledAt: &now,
		Reference: &sentinel,
	})
	if err != nil {
		util.CheckoutsTotal.WithLabelValues("compensation_failed").Inc()
		logger.Error("Failed to cancel transaction, stock stays reserved until reverted manually", zap.Error(err))
		return
	}
	if !applied {
		logger.Warn("Transaction already settled, skipping compensation")
		return
	}

	if _, err := s.engine.Revert(ctx, tx.OrderID); err != nil {
		util.CheckoutsTotal.WithLabelValues("compensation_failed").Inc()
		logger.Error("Failed to revert cancelled transaction", zap.Error(err))
		return
	}

	s.cache.InvalidateTransaction(ctx, tx.OrderID)
	util.CheckoutsTotal.WithLabelValues("compensated").Inc()
	logger.Warn("Checkout compensated")
}

func (s *CheckoutService) destroySession(ctx context.Context, sessionID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := s.gateway.DestroySession(ctx, sessionID); err != nil {
		s.logger.Warn("Failed to destroy orphaned payment session", zap.String("session_id", sessionID), zap.Error(err))
	}
}
