package models

import (
	"fmt"
	"sort"
	"time"
)

// UnlimitedStock marks a product that is never decremented or oversold
const UnlimitedStock = -1

// SentinelReference is recorded on a transaction cancelled before a payment
// session could be attached to it
const SentinelReference = "-"

// DeleteItem removes a line item when used as a patch quantity. Any
// quantity <= 0 has the same effect.
const DeleteItem = 0

// Product represents a catalog product with its authoritative stock
type Product struct {
	ID    int64  `db:"id" json:"id"`
	Name  string `db:"name" json:"name"`
	Price int64  `db:"price" json:"price"`
	Stock int    `db:"stock" json:"stock"`
}

// Unlimited reports whether the product is exempt from stock accounting
func (p Product) Unlimited() bool {
	return p.Stock == UnlimitedStock
}

// OrderItem is a line of an order; Price is frozen at commit time
type OrderItem struct {
	ProductID int64 `db:"product_id" json:"product_id"`
	Quantity  int   `db:"quantity" json:"quantity"`
	Price     int64 `db:"price" json:"price"`
}

// Order represents a customer order. An order without a transaction is
// the owner's cart.
type Order struct {
	ID              int64       `db:"id" json:"order_id"`
	OwnerID         int64       `db:"owner_id" json:"owner_id"`
	ShippingAddress string      `db:"shipping_address" json:"shipping_address"`
	Country         string      `db:"country" json:"country"`
	Committed       bool        `db:"committed" json:"committed"`
	CreatedAt       time.Time   `db:"created_at" json:"created_at"`
	Items           []OrderItem `db:"-" json:"items"`
}

// ProductIDs returns the distinct product ids of the order in ascending order
func (o *Order) ProductIDs() []int64 {
	ids := make([]int64, 0, len(o.Items))
	for _, item := range o.Items {
		ids = append(ids, item.ProductID)
	}
	return SortedUnique(ids)
}

// Total sums quantity x price over the order items
func (o *Order) Total() int64 {
	var total int64
	for _, item := range o.Items {
		total += int64(item.Quantity) * item.Price
	}
	return total
}

// Item returns the line item for a product, if present
func (o *Order) Item(productID int64) (OrderItem, bool) {
	for _, item := range o.Items {
		if item.ProductID == productID {
			return item, true
		}
	}
	return OrderItem{}, false
}

// OrderPatch is a batch of cart changes applied atomically
type OrderPatch struct {
	ShippingAddress *string
	Country         *string
	Items           map[int64]int
}

// Empty reports whether the patch changes nothing
func (p OrderPatch) Empty() bool {
	return p.ShippingAddress == nil && p.Country == nil && len(p.Items) == 0
}

// TxStatus is the state of a transaction
type TxStatus string

// Transaction statuses
const (
	StatusCreated   TxStatus = "CREATED"
	StatusSucceeded TxStatus = "SUCCEEDED"
	StatusFailed    TxStatus = "FAILED"
	StatusCancelled TxStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed
func (s TxStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseTxStatus converts an external status name into a TxStatus
func ParseTxStatus(s string) (TxStatus, error) {
	switch status := TxStatus(s); status {
	case StatusCreated, StatusSucceeded, StatusFailed, StatusCancelled:
		return status, nil
	}
	return "", fmt.Errorf("unknown transaction status %q", s)
}

// Transaction is the immutable record of a committed order
type Transaction struct {
	ID            int64      `db:"id" json:"tx_id"`
	OrderID       int64      `db:"order_id" json:"order_id"`
	OwnerID       int64      `db:"owner_id" json:"owner_id"`
	Amount        int64      `db:"amount" json:"amount"`
	PaymentMethod *string    `db:"payment_method" json:"payment_method,omitempty"`
	Status        TxStatus   `db:"status" json:"status"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	SettledAt     *time.Time `db:"settled_at" json:"settled_at,omitempty"`
	Reference     *string    `db:"reference" json:"reference,omitempty"`
	Reverted      bool       `db:"reverted" json:"reverted"`
}

// HasReference reports whether a payment session is attached
func (t *Transaction) HasReference() bool {
	return t.Reference != nil && *t.Reference != "" && *t.Reference != SentinelReference
}

// TransactionPatch lists the mutable fields of a transaction
type TransactionPatch struct {
	Status        *TxStatus
	SettledAt     *time.Time
	Reference     *string
	PaymentMethod *string
}

// OrderSummary is a historical order joined with its transaction
type OrderSummary struct {
	OrderID       int64     `db:"order_id" json:"order_id"`
	TransactionID int64     `db:"transaction_id" json:"transaction_id"`
	Status        TxStatus  `db:"status" json:"transaction_status"`
	CreatedAt     time.Time `db:"created_at" json:"time"`
	Amount        int64     `db:"amount" json:"total_amount"`
}

// SortedUnique returns ids sorted ascending without duplicates
func SortedUnique(ids []int64) []int64 {
	out := make([]int64, 0, len(ids))
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
