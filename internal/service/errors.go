package service

import (
	"errors"
	"fmt"

	"storefront/internal/store"
)

var (
	ErrNoOpenCart          = errors.New("no open cart")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrOutOfStock          = errors.New("out of stock")
	ErrProductNotFound     = errors.New("product not found")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidSignature    = errors.New("invalid callback signature")
	ErrUnsettledCallback   = errors.New("payment not settled yet")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrNoPaymentReference  = errors.New("transaction has no payment reference")
	ErrPaymentGateway      = errors.New("payment gateway error")
	ErrTransactionSettled  = errors.New("transaction already succeeded")
	ErrTransactionOpen     = errors.New("transaction payment still open")

	// ErrStoreUnavailable is transient; the request may be retried
	ErrStoreUnavailable = store.ErrUnavailable
)

// OutOfStockError reports the first product that cannot cover its quantity
type OutOfStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("product %d out of stock: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

func (e *OutOfStockError) Is(target error) bool {
	return target == ErrOutOfStock
}

// failureReason labels commit failures for metrics
func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrNoOpenCart):
		return "no_cart"
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
