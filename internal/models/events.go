package models

import "time"

// Event types
const (
	EventTypeTransactionCommitted = "TRANSACTION_COMMITTED"
	EventTypeTransactionSettled   = "TRANSACTION_SETTLED"
	EventTypeTransactionReverted  = "TRANSACTION_REVERTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// TransactionCommittedEvent published when a cart becomes a transaction
type TransactionCommittedEvent struct {
	BaseEvent
	TransactionID int64           `json:"transaction_id"`
	OrderID       int64           `json:"order_id"`
	OwnerID       int64           `json:"owner_id"`
	Amount        int64           `json:"amount"`
	Items         []OrderItemData `json:"items"`
}

// TransactionSettledEvent published when reconciliation resolves a transaction
type TransactionSettledEvent struct {
	BaseEvent
	TransactionID int64     `json:"transaction_id"`
	OrderID       int64     `json:"order_id"`
	OwnerID       int64     `json:"owner_id"`
	Status        TxStatus  `json:"status"`
	SettledAt     time.Time `json:"settled_at"`
}

// TransactionRevertedEvent published when stock of a transaction is credited back
type TransactionRevertedEvent struct {
	BaseEvent
	TransactionID int64           `json:"transaction_id"`
	OrderID       int64           `json:"order_id"`
	OwnerID       int64           `json:"owner_id"`
	Items         []OrderItemData `json:"items"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
	UnitPrice int64 `json:"unit_price"`
}

// ItemData converts order items for events
func ItemData(items []OrderItem) []OrderItemData {
	out := make([]OrderItemData, 0, len(items))
	for _, item := range items {
		out = append(out, OrderItemData{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.Price,
		})
	}
	return out
}
