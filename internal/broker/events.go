package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func ownerKey(ownerID int64) string {
	return fmt.Sprintf("owner-%d", ownerID)
}

// PublishTransactionCommitted publishes TransactionCommitted event
func (ep *EventPublisher) PublishTransactionCommitted(ctx context.Context, event *models.TransactionCommittedEvent) error {
	return ep.producer.PublishEvent(ctx, ownerKey(event.OwnerID), event)
}

// PublishTransactionSettled publishes TransactionSettled event
func (ep *EventPublisher) PublishTransactionSettled(ctx context.Context, event *models.TransactionSettledEvent) error {
	return ep.producer.PublishEvent(ctx, ownerKey(event.OwnerID), event)
}

// PublishTransactionReverted publishes TransactionReverted event
func (ep *EventPublisher) PublishTransactionReverted(ctx context.Context, event *models.TransactionRevertedEvent) error {
	return ep.producer.PublishEvent(ctx, ownerKey(event.OwnerID), event)
}

// NopPublisher drops every event; used when Kafka is disabled
type NopPublisher struct{}

func (NopPublisher) PublishTransactionCommitted(context.Context, *models.TransactionCommittedEvent) error {
	return nil
}

func (NopPublisher) PublishTransactionSettled(context.Context, *models.TransactionSettledEvent) error {
	return nil
}

func (NopPublisher) PublishTransactionReverted(context.Context, *models.TransactionRevertedEvent) error {
	return nil
}

// EventHandler handles incoming events
type EventHandler struct {
	onCommitted func(context.Context, *models.TransactionCommittedEvent) error
	onSettled   func(context.Context, *models.TransactionSettledEvent) error
	onReverted  func(context.Context, *models.TransactionRevertedEvent) error
	logger      *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.Named("events")}
}

// OnTransactionCommitted registers a handler for TransactionCommitted events
func (eh *EventHandler) OnTransactionCommitted(handler func(context.Context, *models.TransactionCommittedEvent) error) {
	eh.onCommitted = handler
}

// OnTransactionSettled registers a handler for TransactionSettled events
func (eh *EventHandler) OnTransactionSettled(handler func(context.Context, *models.TransactionSettledEvent) error) {
	eh.onSettled = handler
}

// OnTransactionReverted registers a handler for TransactionReverted events
func (eh *EventHandler) OnTransactionReverted(handler func(context.Context, *models.TransactionRevertedEvent) error) {
	eh.onReverted = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		return fmt.Errorf("failed to unmarshal base event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypeTransactionCommitted:
		if eh.onCommitted != nil {
			var event models.TransactionCommittedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal TransactionCommitted event: %w", err)
			}
			return eh.onCommitted(ctx, &event)
		}

	case models.EventTypeTransactionSettled:
		if eh.onSettled != nil {
			var event models.TransactionSettledEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal TransactionSettled event: %w", err)
			}
			return eh.onSettled(ctx, &event)
		}

	case models.EventTypeTransactionReverted:
		if eh.onReverted != nil {
			var event models.TransactionRevertedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return fmt.Errorf("failed to unmarshal TransactionReverted event: %w", err)
			}
			return eh.onReverted(ctx, &event)
		}

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
