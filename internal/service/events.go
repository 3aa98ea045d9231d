package service

import (
	"context"
	"time"

	"storefront/internal/models"

	"github.com/google/uuid"
)

// EventPublisher emits transaction lifecycle events
type EventPublisher interface {
	PublishTransactionCommitted(ctx context.Context, event *models.TransactionCommittedEvent) error
	PublishTransactionSettled(ctx context.Context, event *models.TransactionSettledEvent) error
	PublishTransactionReverted(ctx context.Context, event *models.TransactionRevertedEvent) error
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}
