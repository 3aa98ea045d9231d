package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// TransactionEngine turns carts into transactions and credits stock back
// when a transaction does not get paid
type TransactionEngine struct {
	repo   store.Repository
	cache  store.Invalidator
	events EventPublisher
	logger *zap.Logger
}

// NewTransactionEngine creates a new transaction engine
func NewTransactionEngine(repo store.Repository, cache store.Invalidator, events EventPublisher) *TransactionEngine {
	return &TransactionEngine{
		repo:   repo,
		cache:  cache,
		events: events,
		logger: util.Named("engine"),
	}
}

// Commit converts the owner's cart into a CREATED transaction. Item prices
// are synchronized to the current product prices and finite stock is
// decremented; on any failure nothing is changed.
func (e *TransactionEngine) Commit(ctx context.Context, ownerID int64) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionEngine.Commit", util.Owner(ownerID))
	defer span.End()

	var (
		tx    *models.Transaction
		order *models.Order
	)

	start := time.Now()
	err := e.repo.RunInTx(ctx, func(t store.Tx) error {
		cart, err := t.LockCart(ctx, ownerID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoOpenCart
		}
		if err != nil {
			return err
		}
		if len(cart.Items) == 0 {
			return ErrEmptyCart
		}

		products, err := t.LockProducts(ctx, cart.ProductIDs())
		if err != nil {
			return err
		}

		prices := make(map[int64]int64, len(cart.Items))
		deltas := make(map[int64]int, len(cart.Items))
		for i, item := range cart.Items {
			product, ok := products[item.ProductID]
			if !ok {
				return fmt.Errorf("product %d: %w", item.ProductID, ErrProductNotFound)
			}

			cart.Items[i].Price = product.Price
			prices[item.ProductID] = product.Price

			if product.Unlimited() {
				continue
			}
			if product.Stock < item.Quantity {
				return &OutOfStockError{
					ProductID: item.ProductID,
					Requested: item.Quantity,
					Available: product.Stock,
				}
			}
			deltas[item.ProductID] = -item.Quantity
		}

		if err := t.SetItemPrices(ctx, cart.ID, prices); err != nil {
			return err
		}
		if err := t.AdjustStock(ctx, deltas); err != nil {
			return err
		}

		tx = &models.Transaction{
			OrderID: cart.ID,
			OwnerID: ownerID,
			Amount:  cart.Total(),
			Status:  models.StatusCreated,
		}
		if err := t.InsertTransaction(ctx, tx); err != nil {
			return err
		}

		order = cart
		return nil
	})
	util.CommitLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		util.CommitsFailedTotal.WithLabelValues(failureReason(err)).Inc()
		util.RecordError(span, err)
		e.logger.Info("Commit rejected", zap.Int64("owner_id", ownerID), zap.Error(err))
		return nil, err
	}

	util.CommitsTotal.Inc()
	e.logger.Info("Cart committed",
		zap.Int64("owner_id", ownerID),
		zap.Int64("order_id", order.ID),
		zap.Int64("tx_id", tx.ID),
		zap.Int64("amount", tx.Amount))

	e.cache.InvalidateCart(ctx, ownerID)
	e.cache.InvalidateOrders(ctx, ownerID, order.ID)
	e.cache.InvalidateTransaction(ctx, order.ID)
	e.cache.InvalidateProducts(ctx, order.ProductIDs()...)

	event := &models.TransactionCommittedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeTransactionCommitted),
		TransactionID: tx.ID,
		OrderID:       order.ID,
		OwnerID:       ownerID,
		Amount:        tx.Amount,
		Items:         models.ItemData(order.Items),
	}
	if err := e.events.PublishTransactionCommitted(ctx, event); err != nil {
		e.logger.Error("Failed to publish TransactionCommitted event", zap.Int64("tx_id", tx.ID), zap.Error(err))
	}

	return tx, nil
}

// Revert credits the stock of an order's transaction back. A transaction is
// credited at most once; later calls return it unchanged. Succeeded
// transactions are refused with ErrTransactionSettled.
func (e *TransactionEngine) Revert(ctx context.Context, orderID int64) (*models.Transaction, error) {
	return e.revert(ctx, orderID, false)
}

// RevertClosed is Revert for transactions whose payment is over. It also
// refuses CREATED transactions with ErrTransactionOpen.
func (e *TransactionEngine) RevertClosed(ctx context.Context, orderID int64) (*models.Transaction, error) {
	return e.revert(ctx, orderID, true)
}

func (e *TransactionEngine) revert(ctx context.Context, orderID int64, closedOnly bool) (*models.Transaction, error) {
	ctx, span := util.StartSpan(ctx, "TransactionEngine.Revert", util.Order(orderID))
	defer span.End()

	var (
		tx       *models.Transaction
		items    []models.OrderItem
		credited []int64
	)

	err := e.repo.RunInTx(ctx, func(t store.Tx) error {
		locked, err := t.LockTransactionForOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		tx = locked
		if locked.Reverted {
			return nil
		}
		switch {
		case locked.Status == models.StatusSucceeded:
			return fmt.Errorf("transaction %d: %w", locked.ID, ErrTransactionSettled)
		case closedOnly && locked.Status == models.StatusCreated:
			return fmt.Errorf("transaction %d: %w", locked.ID, ErrTransactionOpen)
		}

		if items, err = t.OrderItems(ctx, orderID); err != nil {
			return err
		}
		ids := make([]int64, 0, len(items))
		for _, item := range items {
			ids = append(ids, item.ProductID)
		}

		products, err := t.LockProducts(ctx, ids)
		if err != nil {
			return err
		}

		deltas := make(map[int64]int, len(items))
		for _, item := range items {
			if p, ok := products[item.ProductID]; ok && !p.Unlimited() {
				deltas[item.ProductID] += item.Quantity
			}
		}
		if err := t.AdjustStock(ctx, deltas); err != nil {
			return err
		}
		if err := t.MarkReverted(ctx, locked.ID); err != nil {
			return err
		}

		credited = models.SortedUnique(ids)
		return nil
	})
	if errors.Is(err, ErrTransactionSettled) || errors.Is(err, ErrTransactionOpen) {
		util.RevertsTotal.WithLabelValues("refused").Inc()
		e.logger.Warn("Revert refused",
			zap.Int64("order_id", orderID),
			zap.String("status", string(tx.Status)))
		return nil, err
	}
	if err != nil {
		util.RevertsTotal.WithLabelValues("error").Inc()
		util.RecordError(span, err)
		return nil, err
	}

	if credited == nil {
		util.RevertsTotal.WithLabelValues("noop").Inc()
		e.logger.Debug("Transaction already reverted", zap.Int64("tx_id", tx.ID))
		return tx, nil
	}

	tx.Reverted = true
	util.RevertsTotal.WithLabelValues("reverted").Inc()
	e.logger.Info("Transaction reverted",
		zap.Int64("tx_id", tx.ID),
		zap.Int64("order_id", orderID),
		zap.Int("items", len(items)))

	e.cache.InvalidateOrders(ctx, tx.OwnerID, orderID)
	e.cache.InvalidateTransaction(ctx, orderID)
	e.cache.InvalidateProducts(ctx, credited...)

	event := &models.TransactionRevertedEvent{
		BaseEvent:     newBaseEvent(models.EventTypeTransactionReverted),
		TransactionID: tx.ID,
		OrderID:       orderID,
		OwnerID:       tx.OwnerID,
		Items:         models.ItemData(items),
	}
	if err := e.events.PublishTransactionReverted(ctx, event); err != nil {
		e.logger.Error("Failed to publish TransactionReverted event", zap.Int64("tx_id", tx.ID), zap.Error(err))
	}

	return tx, nil
}

// UpdateStatus patches the mutable fields of a transaction and reports
// whether the patch applied. Status only moves out of CREATED.
func (e *TransactionEngine) UpdateStatus(ctx context.Context, txID int64, patch models.TransactionPatch) (bool, error) {
	ctx, span := util.StartSpan(ctx, "TransactionEngine.UpdateStatus", util.Tx(txID))
	defer span.End()

	if patch.Status != nil && !patch.Status.Terminal() {
		return false, fmt.Errorf("cannot move transaction %d to %s", txID, *patch.Status)
	}

	applied, err := e.repo.UpdateTransaction(ctx, txID, patch)
	if err != nil {
		util.RecordError(span, err)
		return false, err
	}
	return applied, nil
}
