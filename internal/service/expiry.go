package service

import (
	"context"
	"errors"
	"fmt"

	"procurement-service/internal/apperr"
	"procurement-service/internal/models"
	"procurement-service/internal/negotiation"
	"procurement-service/internal/store"
	"procurement-service/internal/util"

	"go.uber.org/zap"
)

const sweepBatchSize = 100

// ExpiryService proactively expires pending quotations past their deadline.
// Accept and reject still evaluate expiry on their own.
type ExpiryService struct {
	*core
}

// SweepExpiredQuotations marks overdue pending quotations expired and returns how many it changed
func (s *ExpiryService) SweepExpiredQuotations(ctx context.Context) (int, error) {
	ctx, span := util.StartSpan(ctx, "ExpiryService.SweepExpiredQuotations")
	defer span.End()

	now := s.now()
	candidates, err := s.repo.ListExpiredQuotations(ctx, now, sweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired quotations: %w", err)
	}

	expired := 0
	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return expired, err
		}
		ok, err := s.expireOne(ctx, m.OrderID, m.ID)
		if err != nil {
			s.logger.Error("Failed to expire quotation",
				zap.String("order_id", m.OrderID),
				zap.String("message_id", m.ID),
				zap.Error(err))
			continue
		}
		if ok {
			expired++
		}
	}
	if expired > 0 {
		s.logger.Info("Expired quotations", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *ExpiryService) expireOne(ctx context.Context, orderID, messageID string) (bool, error) {
	var (
		note  *models.Message
		order *models.Order
	)
	err := s.locked(ctx, negotiation.ActionExpireQuotation, orderID, func(tx store.Tx, o *models.Order) error {
		m, err := tx.GetMessage(ctx, messageID)
		if err != nil {
			return err
		}
		q := m.Payload.Quotation
		// Decided or revised since it was listed.
		if q == nil || q.Status != models.QuotationPending || !q.IsExpiredAt(s.now()) {
			return nil
		}
		if o.Status.IsTerminal() {
			return nil
		}
		if note, err = s.expireInTx(ctx, tx, o, m); err != nil {
			return err
		}
		order = o
		return nil
	})
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil || note == nil {
		return false, err
	}
	s.publishExpiry(ctx, order, note)
	return true, nil
}
