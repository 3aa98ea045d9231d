package api

import (
	"time"

	"storefront/internal/models"

	"github.com/shopspring/decimal"
)

// minorUnitExp is the exponent of one minor currency unit
const minorUnitExp = -2

// formatAmount renders minor units as a fixed-point major-unit string
func formatAmount(minor int64) string {
	return decimal.New(minor, minorUnitExp).StringFixed(-minorUnitExp)
}

type itemView struct {
	ProductID   int64  `json:"product_id"`
	ProductName string `json:"product_name,omitempty"`
	Quantity    int    `json:"quantity"`
	Price       int64  `json:"price"`
	PriceText   string `json:"price_text"`
	Available   *bool  `json:"available,omitempty"`
}

type cartView struct {
	OrderID         int64      `json:"order_id"`
	ShippingAddress string     `json:"shipping_address"`
	Country         string     `json:"country"`
	Items           []itemView `json:"items"`
	Total           int64      `json:"total"`
	TotalText       string     `json:"total_text"`
}

type orderSummaryView struct {
	OrderID           int64           `json:"order_id"`
	TransactionID     int64           `json:"transaction_id"`
	TransactionStatus models.TxStatus `json:"transaction_status"`
	Time              time.Time       `json:"time"`
	TotalAmount       int64           `json:"total_amount"`
	TotalAmountText   string          `json:"total_amount_text"`
}

type orderDetailView struct {
	orderSummaryView
	Reverted bool       `json:"reverted"`
	Items    []itemView `json:"items"`
}

type transactionView struct {
	TxID          int64           `json:"tx_id"`
	OrderID       int64           `json:"order_id"`
	Amount        int64           `json:"amount"`
	AmountText    string          `json:"amount_text"`
	Status        models.TxStatus `json:"status"`
	PaymentMethod *string         `json:"payment_method,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	SettledAt     *time.Time      `json:"settled_at,omitempty"`
}

type pagedResponse struct {
	Offset  int         `json:"offset"`
	Page    int         `json:"page"`
	Items   int         `json:"items"`
	Results interface{} `json:"results"`
}

func newItemViews(items []models.OrderItem, products map[int64]models.Product, withAvailability bool) []itemView {
	views := make([]itemView, 0, len(items))
	for _, item := range items {
		v := itemView{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			Price:     item.Price,
			PriceText: formatAmount(item.Price),
		}
		if p, ok := products[item.ProductID]; ok {
			v.ProductName = p.Name
			if withAvailability {
				available := p.Stock != 0
				v.Available = &available
			}
		}
		views = append(views, v)
	}
	return views
}

func newCartView(cart *models.Order, products map[int64]models.Product) cartView {
	total := cart.Total()
	return cartView{
		OrderID:         cart.ID,
		ShippingAddress: cart.ShippingAddress,
		Country:         cart.Country,
		Items:           newItemViews(cart.Items, products, true),
		Total:           total,
		TotalText:       formatAmount(total),
	}
}

func newOrderSummaryView(s models.OrderSummary) orderSummaryView {
	return orderSummaryView{
		OrderID:           s.OrderID,
		TransactionID:     s.TransactionID,
		TransactionStatus: s.Status,
		Time:              s.CreatedAt,
		TotalAmount:       s.Amount,
		TotalAmountText:   formatAmount(s.Amount),
	}
}

func newTransactionView(tx *models.Transaction) transactionView {
	return transactionView{
		TxID:          tx.ID,
		OrderID:       tx.OrderID,
		Amount:        tx.Amount,
		AmountText:    formatAmount(tx.Amount),
		Status:        tx.Status,
		PaymentMethod: tx.PaymentMethod,
		CreatedAt:     tx.CreatedAt,
		SettledAt:     tx.SettledAt,
	}
}
