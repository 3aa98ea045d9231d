package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

type scriptedReader struct {
	msgs      []kafka.Message
	committed []int64
	cancel    context.CancelFunc
}

func (r *scriptedReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.msgs[0]
	r.msgs = r.msgs[1:]
	return msg, nil
}

func (r *scriptedReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *scriptedReader) Close() error { return nil }

func TestPublishTransactionCommitted(t *testing.T) {
	w := &recordingWriter{}
	ep := NewEventPublisher(&Producer{writer: w, logger: util.Named("test")})

	event := &models.TransactionCommittedEvent{
		BaseEvent: models.BaseEvent{EventID: "e1", EventType: models.EventTypeTransactionCommitted, Timestamp: time.Now()},
		TransactionID: 3,
		OrderID:       5,
		OwnerID:       9,
		Amount:        2500,
	}
	require.NoError(t, ep.PublishTransactionCommitted(context.Background(), event))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "owner-9", string(w.msgs[0].Key))

	var decoded models.TransactionCommittedEvent
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, int64(3), decoded.TransactionID)
	assert.Equal(t, models.EventTypeTransactionCommitted, decoded.EventType)
}

func TestPublishErrorIsWrapped(t *testing.T) {
	boom := errors.New("no brokers")
	p := &Producer{writer: &recordingWriter{err: boom}, logger: util.Named("test")}

	err := p.PublishEvent(context.Background(), "k", map[string]string{})
	assert.ErrorIs(t, err, boom)
}

func TestHandleMessageRoutesByType(t *testing.T) {
	eh := NewEventHandler()

	var settled *models.TransactionSettledEvent
	eh.OnTransactionSettled(func(_ context.Context, e *models.TransactionSettledEvent) error {
		settled = e
		return nil
	})

	value, _ := json.Marshal(models.TransactionSettledEvent{
		BaseEvent:     models.BaseEvent{EventID: "e2", EventType: models.EventTypeTransactionSettled},
		TransactionID: 4,
		Status:        models.StatusFailed,
	})
	require.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: value}))
	require.NotNil(t, settled)
	assert.Equal(t, models.StatusFailed, settled.Status)

	// no handler registered for reverted events
	value, _ = json.Marshal(models.BaseEvent{EventType: models.EventTypeTransactionReverted})
	assert.NoError(t, eh.HandleMessage(context.Background(), kafka.Message{Value: value}))

	assert.Error(t, eh.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")}))
}

func TestStartConsumingCommitsHandledMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := &scriptedReader{
		msgs:   []kafka.Message{{Offset: 1}, {Offset: 2}, {Offset: 3}},
		cancel: cancel,
	}
	c := &Consumer{reader: r, topic: "t", logger: util.Named("test")}

	err := c.StartConsuming(ctx, func(_ context.Context, msg kafka.Message) error {
		if msg.Offset == 2 {
			return errors.New("poison")
		}
		return nil
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []int64{1, 3}, r.committed)
}
