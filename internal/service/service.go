// Package service runs the procurement negotiation operations: every mutation
// loads the order under lock, asks the negotiation rules, writes, commits and only
// then publishes realtime events.
package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"procurement-service/internal/apperr"
	"procurement-service/internal/invoice"
	"procurement-service/internal/models"
	"procurement-service/internal/negotiation"
	"procurement-service/internal/store"
	"procurement-service/internal/util"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// EventPublisher delivers committed events to the realtime layer
type EventPublisher interface {
	Publish(ctx context.Context, event models.Event) error
}

// Directory resolves project and vendor references owned by other systems
type Directory interface {
	VendorAssignedToProject(ctx context.Context, vendorID, projectID string) (bool, error)
}

// Deps wires the services together
type Deps struct {
	Repo            store.Repository
	Publisher       EventPublisher
	Directory       Directory
	Invoices        *invoice.Generator
	DefaultCurrency string
	Now             func() time.Time
}

// Services groups the operations exposed to the API and workers
type Services struct {
	Orders      *OrderService
	Negotiation *NegotiationService
	Delivery    *DeliveryService
	Expiry      *ExpiryService
}

// New builds all services over shared dependencies
func New(deps Deps) *Services {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Directory == nil {
		deps.Directory = deps.Repo
	}
	if deps.Invoices == nil {
		deps.Invoices = invoice.NewGenerator(invoice.Terms{})
	}
	deps.Invoices.WithClock(deps.Now)
	if deps.DefaultCurrency == "" {
		deps.DefaultCurrency = "USD"
	}

	c := &core{
		repo:            deps.Repo,
		publisher:       deps.Publisher,
		directory:       deps.Directory,
		invoices:        deps.Invoices,
		defaultCurrency: deps.DefaultCurrency,
		now:             deps.Now,
		logger:          util.GetLogger(),
	}
	return &Services{
		Orders:      &OrderService{c},
		Negotiation: &NegotiationService{c},
		Delivery:    &DeliveryService{c},
		Expiry:      &ExpiryService{c},
	}
}

type core struct {
	repo            store.Repository
	publisher       EventPublisher
	directory       Directory
	invoices        *invoice.Generator
	defaultCurrency string
	now             func() time.Time
	logger          *zap.Logger
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// newMessageID returns a ULID so ids sort with their creation time
func newMessageID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// locked runs fn under the order lock and maps store errors to domain errors.
func (c *core) locked(ctx context.Context, action, orderID string, fn func(tx store.Tx, order *models.Order) error) error {
	start := time.Now()
	err := c.repo.LockOrder(ctx, orderID, fn)
	util.OrderLockLatency.WithLabelValues(action).Observe(time.Since(start).Seconds())
	return c.translate(ctx, action, orderID, err)
}

func (c *core) translate(ctx context.Context, action, orderID string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("order", orderID)
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrDuplicate):
		current, gerr := c.repo.GetOrder(ctx, orderID)
		if gerr != nil {
			return fmt.Errorf("failed to reload order after conflict: %w", gerr)
		}
		err = apperr.InvalidTransition(apperr.StateOf(current, action), "order changed concurrently")
	}

	util.RecordError(ctx, err)
	if e, ok := apperr.As(err); ok && apperr.IsRace(err) {
		util.TransitionConflictsTotal.WithLabelValues(action, string(e.Code)).Inc()
		c.logger.Info("Transition refused",
			zap.String("action", action),
			zap.String("order_id", orderID),
			zap.String("code", string(e.Code)),
			zap.String("status", string(e.State.OrderStatus)),
			zap.String("details", e.Message))
	}
	return err
}

// loadForActor reads an order the actor is a party to
func (c *core) loadForActor(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	util.TagActor(ctx, actor)
	order, err := c.repo.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("order", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if !order.IsParty(actor) {
		return nil, apperr.NotAuthorized("actor %s is not a party to order %s", actor.ID, orderID)
	}
	return order, nil
}

// stamp returns the next message time for the order. Times are strictly
// increasing per order even if the wall clock steps back.
func (c *core) stamp(order *models.Order) time.Time {
	at := c.now().UTC().Truncate(time.Microsecond)
	if order.LastMessageAt != nil && !at.After(*order.LastMessageAt) {
		at = order.LastMessageAt.Add(time.Microsecond)
	}
	order.LastMessageAt = &at
	return at
}

func (c *core) newMessage(order *models.Order, sender models.Actor, typ models.MessageType, text string, payload models.MessagePayload) *models.Message {
	at := c.stamp(order)
	return &models.Message{
		ID:         newMessageID(at),
		OrderID:    order.ID,
		SenderID:   sender.ID,
		SenderRole: sender.Role,
		Type:       typ,
		Text:       text,
		Payload:    payload,
		CreatedAt:  at,
	}
}

func (c *core) systemMessage(order *models.Order, event models.SystemEvent, quotationID, reason string) *models.Message {
	return c.newMessage(order, models.SystemActor, models.MessageTypeSystem, "", models.MessagePayload{
		System: &models.SystemNote{Event: event, QuotationID: quotationID, Reason: reason},
	})
}

// commit writes the order, then appends the messages, inside the caller's unit.
// A status change outside the order graph is refused.
func (c *core) commit(ctx context.Context, tx store.Tx, order *models.Order, from models.OrderStatus, msgs ...*models.Message) error {
	if from != order.Status && !negotiation.CanTransition(from, order.Status) {
		state := apperr.StateOf(order, "")
		state.OrderStatus = from
		return apperr.InvalidTransition(state, "order cannot move from %s to %s", from, order.Status)
	}
	if err := tx.UpdateOrder(ctx, order, from); err != nil {
		return err
	}
	for _, m := range msgs {
		if err := tx.AppendMessage(ctx, m); err != nil {
			return fmt.Errorf("failed to append %s message: %w", m.Type, err)
		}
	}
	return nil
}

// outbox collects events for one committed unit
type outbox struct {
	order  *models.Order
	events []models.Event
}

func newOutbox(order *models.Order) *outbox {
	return &outbox{order: order}
}

func (o *outbox) add(eventType models.EventType, senderID string, payload interface{}, extraRooms ...string) {
	e, err := models.NewEvent(eventType, o.order.ID, senderID, o.order.Version, payload)
	if err != nil {
		util.GetLogger().Error("Failed to build event", zap.String("order_id", o.order.ID), zap.Error(err))
		return
	}
	e.Rooms = append(e.Rooms, extraRooms...)
	o.events = append(o.events, e)
}

func (o *outbox) messages(senderID string, msgs ...*models.Message) {
	for _, m := range msgs {
		o.add(models.EventNewMessage, senderID, m)
	}
}

func (o *outbox) orderUpdated(senderID string) {
	o.add(models.EventOrderUpdated, senderID, models.DeltaOf(o.order), models.VendorRoom(o.order.VendorID))
}

// flush publishes after commit. A failed publish does not undo the write; clients
// recover on their next reload.
func (c *core) flush(ctx context.Context, box *outbox) {
	if c.publisher == nil {
		return
	}
	for _, e := range box.events {
		if err := c.publisher.Publish(ctx, e); err != nil {
			c.logger.Error("Failed to publish event",
				zap.String("event_type", string(e.Type)),
				zap.String("order_id", e.OrderID),
				zap.Error(err))
		}
	}
}

func countMessages(msgs ...*models.Message) {
	for _, m := range msgs {
		util.MessagesAppendedTotal.WithLabelValues(string(m.Type)).Inc()
	}
}
