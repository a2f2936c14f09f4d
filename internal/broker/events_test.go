package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"procurement-service/internal/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	key   string
	event interface{}
}

type fakeProducer struct {
	sent []captured
	err  error
}

func (f *fakeProducer) PublishEvent(ctx context.Context, key string, event interface{}) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, captured{key: key, event: event})
	return nil
}

func TestEventPublisherKeysByOrder(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewEventPublisher(producer)

	e, err := models.NewEvent(models.EventOrderUpdated, "abc", "admin-1", 3, models.OrderDelta{OrderID: "abc"})
	require.NoError(t, err)
	require.NoError(t, pub.Publish(context.Background(), e))

	require.Len(t, producer.sent, 1)
	assert.Equal(t, "order-abc", producer.sent[0].key)
	assert.Equal(t, e, producer.sent[0].event)
}

func TestEventPublisherReturnsProducerError(t *testing.T) {
	boom := errors.New("broker down")
	pub := NewEventPublisher(&fakeProducer{err: boom})
	err := pub.Publish(context.Background(), models.Event{OrderID: "abc", Type: models.EventNewMessage})
	assert.ErrorIs(t, err, boom)
}

func TestEventHandlerRoutesByType(t *testing.T) {
	var specific, fallback []models.EventType
	h := NewEventHandler()
	h.On(models.EventQuotationAccepted, func(ctx context.Context, e models.Event) error {
		specific = append(specific, e.Type)
		return nil
	})
	h.OnAny(func(ctx context.Context, e models.Event) error {
		fallback = append(fallback, e.Type)
		return nil
	})

	for _, typ := range []models.EventType{models.EventQuotationAccepted, models.EventNewMessage} {
		e, err := models.NewEvent(typ, "abc", "admin-1", 1, nil)
		require.NoError(t, err)
		raw, err := json.Marshal(e)
		require.NoError(t, err)
		require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Key: []byte(EventKey("abc")), Value: raw}))
	}

	assert.Equal(t, []models.EventType{models.EventQuotationAccepted}, specific)
	assert.Equal(t, []models.EventType{models.EventNewMessage}, fallback)
}

func TestEventHandlerRejectsGarbage(t *testing.T) {
	h := NewEventHandler()
	err := h.HandleMessage(context.Background(), kafka.Message{Value: []byte("{")})
	assert.Error(t, err)
}

func TestEventRoundTripKeepsRooms(t *testing.T) {
	e, err := models.NewEvent(models.EventOrderUpdated, "abc", "admin-1", 2, nil)
	require.NoError(t, err)
	e.Rooms = append(e.Rooms, models.VendorRoom("v1"))
	raw, err := json.Marshal(e)
	require.NoError(t, err)

	var got models.Event
	h := NewEventHandler()
	h.OnAny(func(ctx context.Context, e models.Event) error {
		got = e
		return nil
	})
	require.NoError(t, h.HandleMessage(context.Background(), kafka.Message{Value: raw}))
	assert.Equal(t, []string{models.OrderRoom("abc"), models.VendorRoom("v1")}, got.Rooms)
}
