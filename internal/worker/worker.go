package worker

import (
	"context"
	"fmt"
	"time"

	"procurement-service/internal/broker"
	"procurement-service/internal/models"
	"procurement-service/internal/realtime"
	"procurement-service/internal/util"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RealtimeRelay moves committed events from the durable stream onto the realtime bus
type RealtimeRelay struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	logger       *zap.Logger
}

// NewRealtimeRelay creates a relay feeding bus
func NewRealtimeRelay(consumer *broker.Consumer, bus realtime.Bus) *RealtimeRelay {
	eventHandler := broker.NewEventHandler()
	eventHandler.OnAny(func(ctx context.Context, e models.Event) error {
		return bus.Publish(ctx, e)
	})

	return &RealtimeRelay{
		consumer:     consumer,
		eventHandler: eventHandler,
		logger:       util.Named("realtime-relay"),
	}
}

// Start starts the relay
func (w *RealtimeRelay) Start(ctx context.Context) error {
	w.logger.Info("Starting realtime relay")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the relay
func (w *RealtimeRelay) Stop() error {
	w.logger.Info("Stopping realtime relay")
	return w.consumer.Close()
}

// Sweeper expires overdue quotations
type Sweeper interface {
	SweepExpiredQuotations(ctx context.Context) (int, error)
}

// Locker elects one instance per sweep
type Locker interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
}

const (
	sweepLockKey = "quotation-expiry-sweep"
	sweepTimeout = time.Minute
)

// ExpirySweeper runs the quotation expiry sweep on a cron schedule
type ExpirySweeper struct {
	cron    *cron.Cron
	sweeper Sweeper
	locker  Locker
	logger  *zap.Logger
}

// NewExpirySweeper schedules sweeps on a cron schedule. locker may be nil for a single instance.
func NewExpirySweeper(spec string, sweeper Sweeper, locker Locker) (*ExpirySweeper, error) {
	s := &ExpirySweeper{
		cron:    cron.New(),
		sweeper: sweeper,
		locker:  locker,
		logger:  util.Named("expiry-sweeper"),
	}
	if _, err := s.cron.AddFunc(spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start starts the scheduler
func (s *ExpirySweeper) Start() {
	s.cron.Start()
	s.logger.Info("Quotation expiry sweeper started")
}

// Stop stops scheduling and waits for a running sweep
func (s *ExpirySweeper) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Quotation expiry sweeper stopped")
}

// RunOnce performs one sweep unless another instance holds the lock
func (s *ExpirySweeper) RunOnce(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	if s.locker != nil {
		ok, err := s.locker.AcquireLock(ctx, sweepLockKey, sweepTimeout)
		if err != nil {
			s.logger.Error("Failed to acquire sweep lock", zap.Error(err))
			return 0
		}
		if !ok {
			s.logger.Debug("Sweep already running elsewhere")
			return 0
		}
		defer func() {
			if err := s.locker.ReleaseLock(context.Background(), sweepLockKey); err != nil {
				s.logger.Warn("Failed to release sweep lock", zap.Error(err))
			}
		}()
	}

	n, err := s.sweeper.SweepExpiredQuotations(ctx)
	if err != nil {
		s.logger.Error("Quotation expiry sweep failed", zap.Error(err))
	}
	return n
}
