package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"procurement-service/internal/models"
	"procurement-service/internal/negotiation"
	"procurement-service/internal/store"
	"procurement-service/internal/util"

	"go.uber.org/zap"
)

// DeliveryService advances the delivery sub-lifecycle of accepted orders
type DeliveryService struct {
	*core
}

// DeliveryUpdateRequest represents a vendor delivery update
type DeliveryUpdateRequest struct {
	Stage           models.DeliveryStage `json:"stage" binding:"required"`
	TrackingNumber  string               `json:"trackingNumber,omitempty"`
	Carrier         string               `json:"carrier,omitempty"`
	ExpectedArrival *time.Time           `json:"expectedArrival,omitempty"`
	Notes           string               `json:"notes,omitempty"`
}

// DeliveryCorrectionRequest represents an admin stage correction
type DeliveryCorrectionRequest struct {
	Stage models.DeliveryStage `json:"stage" binding:"required"`
	Notes string               `json:"notes,omitempty"`
}

// UpdateDeliveryStatus moves delivery forward. Reaching delivered completes the order
// in the same write.
func (s *DeliveryService) UpdateDeliveryStatus(ctx context.Context, actor models.Actor, orderID string, req *DeliveryUpdateRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "DeliveryService.UpdateDeliveryStatus", util.OrderAttr(orderID))
	defer span.End()

	return s.apply(ctx, negotiation.ActionUpdateDelivery, actor, orderID, func(order *models.Order) (*models.DeliveryUpdate, error) {
		if err := negotiation.CheckDeliveryUpdate(order, actor, req.Stage); err != nil {
			return nil, err
		}
		tracking := currentTracking(order)
		if v := strings.TrimSpace(req.TrackingNumber); v != "" {
			tracking.TrackingNumber = v
		}
		if v := strings.TrimSpace(req.Carrier); v != "" {
			tracking.Carrier = v
		}
		if req.ExpectedArrival != nil {
			arrival := req.ExpectedArrival.UTC()
			tracking.ExpectedArrival = &arrival
		}
		if v := strings.TrimSpace(req.Notes); v != "" {
			tracking.Notes = v
		}
		update := &models.DeliveryUpdate{
			Stage:           req.Stage,
			PreviousStage:   negotiation.CurrentStage(order),
			TrackingNumber:  tracking.TrackingNumber,
			Carrier:         tracking.Carrier,
			ExpectedArrival: tracking.ExpectedArrival,
			Notes:           strings.TrimSpace(req.Notes),
		}
		s.setStage(order, tracking, req.Stage, actor)
		return update, nil
	})
}

// CorrectDeliveryStage lets an admin move delivery back after a mistaken update.
// The entry is logged as a correction.
func (s *DeliveryService) CorrectDeliveryStage(ctx context.Context, actor models.Actor, orderID string, req *DeliveryCorrectionRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "DeliveryService.CorrectDeliveryStage", util.OrderAttr(orderID))
	defer span.End()

	return s.apply(ctx, negotiation.ActionCorrectDelivery, actor, orderID, func(order *models.Order) (*models.DeliveryUpdate, error) {
		if err := negotiation.CheckDeliveryCorrection(order, actor, req.Stage); err != nil {
			return nil, err
		}
		tracking := currentTracking(order)
		update := &models.DeliveryUpdate{
			Stage:           req.Stage,
			PreviousStage:   negotiation.CurrentStage(order),
			TrackingNumber:  tracking.TrackingNumber,
			Carrier:         tracking.Carrier,
			ExpectedArrival: tracking.ExpectedArrival,
			Notes:           strings.TrimSpace(req.Notes),
			Correction:      true,
		}
		s.setStage(order, tracking, req.Stage, actor)
		return update, nil
	})
}

func currentTracking(order *models.Order) models.DeliveryTracking {
	if order.Delivery == nil {
		return models.DeliveryTracking{Stage: models.StageNotStarted}
	}
	return *order.Clone().Delivery
}

func (s *DeliveryService) setStage(order *models.Order, tracking models.DeliveryTracking, stage models.DeliveryStage, actor models.Actor) {
	now := s.now().UTC()
	tracking.Stage = stage
	tracking.UpdatedBy = actor.ID
	tracking.UpdatedAt = now
	order.Delivery = &tracking

	order.Status = negotiation.OrderStatusForStage(stage)
	if order.Status == models.OrderStatusCompleted {
		order.CompletedAt = &now
	}
}

func (s *DeliveryService) apply(ctx context.Context, action string, actor models.Actor, orderID string,
	change func(order *models.Order) (*models.DeliveryUpdate, error)) (*models.Order, error) {
	var (
		result *models.Order
		msg    *models.Message
	)
	err := s.locked(ctx, action, orderID, func(tx store.Tx, order *models.Order) error {
		from := order.Status
		update, err := change(order)
		if err != nil {
			return err
		}
		msg = s.newMessage(order, actor, models.MessageTypeDelivery, "", models.MessagePayload{Delivery: update})
		if err := s.commit(ctx, tx, order, from, msg); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	update := msg.Payload.Delivery
	util.DeliveryUpdatesTotal.WithLabelValues(string(update.Stage), strconv.FormatBool(update.Correction)).Inc()
	util.OrderTransitionsTotal.WithLabelValues(action, string(result.Status)).Inc()
	countMessages(msg)
	s.logger.Info("Delivery stage updated",
		zap.String("order_id", orderID),
		zap.String("actor_id", actor.ID),
		zap.String("stage", string(update.Stage)),
		zap.String("previous_stage", string(update.PreviousStage)),
		zap.String("status", string(result.Status)),
		zap.Bool("correction", update.Correction))

	box := newOutbox(result)
	box.messages(actor.ID, msg)
	box.orderUpdated(actor.ID)
	s.flush(ctx, box)
	return result, nil
}
