package service

import (
	"context"
	"testing"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// checkedOut commits a cart for the owner and opens its payment session
func checkedOut(t *testing.T, f *fixture, ownerID int64, items map[int64]int) *models.Transaction {
	t.Helper()
	f.fillCart(t, ownerID, items)
	result, err := f.checkout.Checkout(context.Background(), ownerID)
	require.NoError(t, err)
	return result.Transaction
}

func callbackFor(f *fixture, tx *models.Transaction, resolution string) Callback {
	return Callback{
		Path:       payment.CallbackPath,
		TxID:       tx.ID,
		OwnerID:    tx.OwnerID,
		Signature:  f.signer.Sign(payment.CallbackPath, tx.ID, tx.OwnerID),
		Resolution: resolution,
	}
}

func TestCallbackRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	tx := checkedOut(t, f, 7, map[int64]int{1: 1})

	cb := callbackFor(f, tx, "")
	cb.OwnerID = 8

	_, err := f.reconciler.HandleCallback(context.Background(), cb)

	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestCallbackUnknownTransaction(t *testing.T) {
	f := newFixture(t)
	tx := &models.Transaction{ID: 99, OwnerID: 7}

	_, err := f.reconciler.HandleCallback(context.Background(), callbackFor(f, tx, ""))

	assert.ErrorIs(t, err, ErrTransactionNotFound)
}

func TestCallbackSucceeded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := checkedOut(t, f, 7, map[int64]int{1: 2})
	f.gateway.settle(*tx.Reference, models.StatusSucceeded)

	settledAt := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.reconciler.now = func() time.Time { return settledAt }

	settled, err := f.reconciler.HandleCallback(ctx, callbackFor(f, tx, ""))
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, settled.Status)
	require.NotNil(t, settled.SettledAt)
	assert.Equal(t, settledAt, *settled.SettledAt)
	assert.False(t, settled.Reverted)
	assert.Equal(t, 3, f.stock(t, 1), "paid stock stays decremented")

	require.Len(t, f.events.settled, 1)
	assert.Equal(t, models.StatusSucceeded, f.events.settled[0].Status)
}

func TestCallbackFailedReverts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := checkedOut(t, f, 7, map[int64]int{1: 2})
	f.gateway.settle(*tx.Reference, models.StatusFailed)

	settled, err := f.reconciler.HandleCallback(ctx, callbackFor(f, tx, ""))
	require.NoError(t, err)

	assert.Equal(t, models.StatusFailed, settled.Status)
	assert.Equal(t, 5, f.stock(t, 1))

	stored, err := f.mem.GetTransaction(ctx, 7, tx.ID)
	require.NoError(t, err)
	assert.True(t, stored.Reverted)
}

func TestCallbackUnsettled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := checkedOut(t, f, 7, map[int64]int{1: 1})

	got, err := f.reconciler.HandleCallback(ctx, callbackFor(f, tx, ""))

	assert.ErrorIs(t, err, ErrUnsettledCallback)
	require.NotNil(t, got)
	assert.Equal(t, models.StatusCreated, got.Status)
	assert.Empty(t, f.events.settled)
}

func TestCallbackVoidDestroysSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := checkedOut(t, f, 7, map[int64]int{2: 3})
	require.Equal(t, 0, f.stock(t, 2))

	settled, err := f.reconciler.HandleCallback(ctx, callbackFor(f, tx, payment.ResolutionVoid))
	require.NoError(t, err)

	assert.Equal(t, []string{*tx.Reference}, f.gateway.destroyed)
	assert.Equal(t, models.StatusCancelled, settled.Status)
	assert.Equal(t, 3, f.stock(t, 2))
}

func TestCallbackOnTerminalTransactionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tx := checkedOut(t, f, 7, map[int64]int{1: 1})
	f.gateway.settle(*tx.Reference, models.StatusSucceeded)

	_, err := f.reconciler.HandleCallback(ctx, callbackFor(f, tx, ""))
	require.NoError(t, err)

	// the gateway changing its mind later must not move a settled transaction
	f.gateway.settle(*tx.Reference, models.StatusFailed)
	again, err := f.reconciler.HandleCallback(ctx, callbackFor(f, tx, payment.ResolutionVoid))
	require.NoError(t, err)

	assert.Equal(t, models.StatusSucceeded, again.Status)
	assert.Empty(t, f.gateway.destroyed)
	assert.Equal(t, 4, f.stock(t, 1))
	assert.Len(t, f.events.settled, 1)
}

func TestReconcileWithoutReference(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fillCart(t, 7, map[int64]int{1: 1})
	tx, err := f.engine.Commit(ctx, 7)
	require.NoError(t, err)

	_, err = f.reconciler.Reconcile(ctx, 7, tx.ID, "")

	assert.ErrorIs(t, err, ErrNoPaymentReference)
}

func TestReconcilePending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	paid := checkedOut(t, f, 1, map[int64]int{1: 1})
	expired := checkedOut(t, f, 2, map[int64]int{1: 1})
	open := checkedOut(t, f, 3, map[int64]int{1: 1})
	f.gateway.settle(*paid.Reference, models.StatusSucceeded)
	f.gateway.settle(*expired.Reference, models.StatusFailed)

	f.reconciler.now = func() time.Time { return time.Now().UTC().Add(time.Minute) }

	settled, err := f.reconciler.ReconcilePending(ctx, 30*time.Second, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, settled)

	got, err := f.mem.GetTransaction(ctx, 3, open.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCreated, got.Status)
	assert.Equal(t, 3, f.stock(t, 1))
}

func TestReconcilePendingSkipsYoungTransactions(t *testing.T) {
	f := newFixture(t)
	tx := checkedOut(t, f, 1, map[int64]int{1: 1})
	f.gateway.settle(*tx.Reference, models.StatusSucceeded)

	settled, err := f.reconciler.ReconcilePending(context.Background(), time.Hour, 10)

	require.NoError(t, err)
	assert.Zero(t, settled)
}
