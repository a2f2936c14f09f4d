package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"procurement-service/internal/models"
	"procurement-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher writes events to a keyed stream
type Publisher interface {
	PublishEvent(ctx context.Context, key string, event interface{}) error
}

// EventPublisher writes committed order events to the durable stream
type EventPublisher struct {
	producer Publisher
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer Publisher) *EventPublisher {
	return &EventPublisher{producer: producer}
}

// EventKey partitions the stream so events of one order stay ordered
func EventKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// Publish sends one event keyed by its order
func (ep *EventPublisher) Publish(ctx context.Context, e models.Event) error {
	if err := ep.producer.PublishEvent(ctx, EventKey(e.OrderID), e); err != nil {
		util.EventPublishFailuresTotal.WithLabelValues("kafka").Inc()
		return err
	}
	util.EventsPublishedTotal.WithLabelValues(string(e.Type), "kafka").Inc()
	return nil
}

// EventHandler decodes stream messages and routes them by event type
type EventHandler struct {
	handlers map[models.EventType]func(context.Context, models.Event) error
	fallback func(context.Context, models.Event) error
	logger   *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{
		handlers: make(map[models.EventType]func(context.Context, models.Event) error),
		logger:   util.Named("event-handler"),
	}
}

// On registers a handler for one event type
func (eh *EventHandler) On(eventType models.EventType, handler func(context.Context, models.Event) error) {
	eh.handlers[eventType] = handler
}

// OnAny registers the handler used for types without their own
func (eh *EventHandler) OnAny(handler func(context.Context, models.Event) error) {
	eh.fallback = handler
}

// HandleMessage routes messages to appropriate handlers
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var event models.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	eh.logger.Debug("Handling event",
		zap.String("event_type", string(event.Type)),
		zap.String("event_id", event.ID),
		zap.String("order_id", event.OrderID))

	if handler, ok := eh.handlers[event.Type]; ok {
		return handler(ctx, event)
	}
	if eh.fallback != nil {
		return eh.fallback(ctx, event)
	}
	eh.logger.Warn("Unhandled event type", zap.String("event_type", string(event.Type)))
	return nil
}
