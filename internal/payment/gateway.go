package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"storefront/config"
	"storefront/internal/models"
	"storefront/internal/util"
)

// ErrSessionNotFound is returned when the gateway does not know a session
var ErrSessionNotFound = errors.New("payment session not found")

// SessionRequest describes the payment session opened for a transaction
type SessionRequest struct {
	TxID        int64
	OwnerID     int64
	Amount      int64
	CallbackURL string
	CancelURL   string
}

// Session is an open payment session at the gateway
type Session struct {
	ID          string `json:"session_id"`
	CheckoutURL string `json:"checkout_url"`
}

// Gateway is an external payment processor
type Gateway interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (*Session, error)
	// QuerySessionStatus maps the session state onto a transaction status;
	// StatusCreated means the payment is not settled yet
	QuerySessionStatus(ctx context.Context, sessionID string) (models.TxStatus, error)
	// DestroySession voids the session so it can no longer be paid
	DestroySession(ctx context.Context, sessionID string) error
}

// New creates the gateway selected by the configuration
func New(cfg config.PaymentConfig) (Gateway, error) {
	switch cfg.Provider {
	case config.ProviderFake:
		return NewFakeGateway(cfg.FakeGatewayURL, cfg.Currency), nil
	case config.ProviderStripe:
		return NewStripeGateway(cfg.StripeAPIKey, cfg.StripeWebhookSecret, cfg.Currency, cfg.SessionTTL), nil
	default:
		return nil, fmt.Errorf("unknown payment provider %q", cfg.Provider)
	}
}

func observe(gateway, operation string, start time.Time) {
	util.GatewayLatency.WithLabelValues(gateway, operation).Observe(time.Since(start).Seconds())
}
