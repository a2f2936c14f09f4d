// Package realtime fans committed order events out to connected clients.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"procurement-service/internal/models"
	"procurement-service/internal/redisclient"
	"procurement-service/internal/util"

	"go.uber.org/zap"
)

// subscriberBuffer bounds how far a subscriber may lag before events are dropped.
const subscriberBuffer = 256

// Bus delivers events to every subscriber, in publish order.
type Bus interface {
	Publish(ctx context.Context, e models.Event) error
	// Subscribe returns a channel that is closed once ctx is done.
	Subscribe(ctx context.Context) (<-chan models.Event, error)
}

// LocalBus is an in-process Bus for single-instance deployments and tests
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[chan models.Event]struct{}
	logger *zap.Logger
}

// NewLocalBus creates an empty in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{
		subs:   make(map[chan models.Event]struct{}),
		logger: util.Named("local-bus"),
	}
}

// Publish never blocks. A subscriber that has fallen behind loses the event and
// recovers through the version gap on its next event.
func (b *LocalBus) Publish(ctx context.Context, e models.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			b.logger.Warn("Dropping event for slow subscriber",
				zap.String("event_type", string(e.Type)),
				zap.String("order_id", e.OrderID))
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context) (<-chan models.Event, error) {
	ch := make(chan models.Event, subscriberBuffer)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

// RedisBus shares events between service instances over Redis pub/sub
type RedisBus struct {
	client  *redisclient.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBus creates a bus on the given pub/sub channel
func NewRedisBus(client *redisclient.Client, channel string) *RedisBus {
	return &RedisBus{
		client:  client,
		channel: channel,
		logger:  util.Named("redis-bus"),
	}
}

func (b *RedisBus) Publish(ctx context.Context, e models.Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.client.Publish(ctx, b.channel, raw)
}

func (b *RedisBus) Subscribe(ctx context.Context) (<-chan models.Event, error) {
	ps, err := b.client.Subscribe(ctx, b.channel)
	if err != nil {
		return nil, err
	}

	out := make(chan models.Event, subscriberBuffer)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				var e models.Event
				if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
					b.logger.Error("Failed to decode event", zap.Error(err))
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// BusPublisher publishes service events straight onto a Bus, skipping the durable stream
type BusPublisher struct {
	bus Bus
}

// NewBusPublisher wraps bus as a service event publisher
func NewBusPublisher(bus Bus) *BusPublisher {
	return &BusPublisher{bus: bus}
}

func (p *BusPublisher) Publish(ctx context.Context, e models.Event) error {
	if err := p.bus.Publish(ctx, e); err != nil {
		util.EventPublishFailuresTotal.WithLabelValues("direct").Inc()
		return err
	}
	util.EventsPublishedTotal.WithLabelValues(string(e.Type), "direct").Inc()
	return nil
}

func (b *LocalBus) subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
