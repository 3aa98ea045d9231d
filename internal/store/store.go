package store

import (
	"context"
	"errors"
	"time"

	"storefront/internal/models"
)

var (
	// ErrNotFound is returned when the requested row does not exist or is
	// not visible to the owner
	ErrNotFound = errors.New("not found")

	// ErrUnavailable marks transient backend failures: lost connections,
	// serialization failures and deadlocks
	ErrUnavailable = errors.New("store unavailable")
)

// Repository is the authoritative store of products, orders and transactions
type Repository interface {
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]models.Product, error)
	GetStock(ctx context.Context, ids []int64) (map[int64]int, error)

	// GetCart returns the owner's open cart, or ErrNotFound. It never writes.
	GetCart(ctx context.Context, ownerID int64) (*models.Order, error)
	// GetOrCreateCart returns the owner's open cart, inserting an empty one
	// when there is none. At most one open cart exists per owner.
	GetOrCreateCart(ctx context.Context, ownerID int64) (*models.Order, error)
	GetOrder(ctx context.Context, ownerID, orderID int64) (*models.Order, error)
	ListOrders(ctx context.Context, ownerID int64) ([]models.OrderSummary, error)

	GetTransaction(ctx context.Context, ownerID, txID int64) (*models.Transaction, error)
	GetTransactionForOrder(ctx context.Context, ownerID, orderID int64) (*models.Transaction, error)
	// ListPendingTransactions returns CREATED transactions with a payment
	// reference created before olderThan, oldest first
	ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error)

	// PatchItems applies the patch to an open order in one store
	// transaction. Patching a missing or committed order is a no-op.
	PatchItems(ctx context.Context, ownerID, orderID int64, patch models.OrderPatch) error
	// UpdateTransaction applies the patch and reports whether it was
	// applied. A status change only applies while the status is CREATED.
	UpdateTransaction(ctx context.Context, txID int64, patch models.TransactionPatch) (bool, error)

	// RunInTx runs fn in one store transaction, committed when fn returns nil
	RunInTx(ctx context.Context, fn func(Tx) error) error

	Ping(ctx context.Context) error
	Close() error
}

// Tx is the locked section used by commit and revert. Locks are exclusive
// row locks held until the end of the transaction; callers take the order
// or transaction row first, then products in ascending id order.
type Tx interface {
	// LockCart locks the owner's open cart row and returns it with items
	LockCart(ctx context.Context, ownerID int64) (*models.Order, error)
	// LockTransactionForOrder locks the transaction row of an order
	LockTransactionForOrder(ctx context.Context, orderID int64) (*models.Transaction, error)
	OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	// LockProducts locks the product rows in ascending id order
	LockProducts(ctx context.Context, ids []int64) (map[int64]models.Product, error)
	SetItemPrices(ctx context.Context, orderID int64, prices map[int64]int64) error
	// AdjustStock adds delta to the stock of each product. Unlimited
	// products are left untouched.
	AdjustStock(ctx context.Context, deltas map[int64]int) error
	// InsertTransaction stores tx, fills its id and creation time, and
	// marks its order committed
	InsertTransaction(ctx context.Context, tx *models.Transaction) error
	MarkReverted(ctx context.Context, txID int64) error
}

// Invalidator drops cached copies of rows changed by a write path
type Invalidator interface {
	InvalidateCart(ctx context.Context, ownerID int64)
	InvalidateOrders(ctx context.Context, ownerID int64, orderIDs ...int64)
	InvalidateTransaction(ctx context.Context, orderID int64)
	InvalidateProducts(ctx context.Context, ids ...int64)
}

// NopInvalidator is used when caching is disabled
type NopInvalidator struct{}

func (NopInvalidator) InvalidateCart(context.Context, int64)            {}
func (NopInvalidator) InvalidateOrders(context.Context, int64, ...int64) {}
func (NopInvalidator) InvalidateTransaction(context.Context, int64)     {}
func (NopInvalidator) InvalidateProducts(context.Context, ...int64)     {}
