package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"procurement-service/internal/apperr"
	"procurement-service/internal/models"
	"procurement-service/internal/negotiation"
	"procurement-service/internal/store"
	"procurement-service/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// OrderService handles the order ledger lifecycle
type OrderService struct {
	*core
}

// CreateOrderRequest represents a request to create a draft order
type CreateOrderRequest struct {
	Title     string             `json:"title" binding:"required"`
	ProjectID string             `json:"projectId" binding:"required"`
	VendorID  string             `json:"vendorId" binding:"required"`
	Items     []models.OrderItem `json:"items" binding:"required,min=1"`
	Currency  string             `json:"currency,omitempty"`
}

func (r *CreateOrderRequest) validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return apperr.Validation("title is required")
	}
	if r.ProjectID == "" || r.VendorID == "" {
		return apperr.Validation("projectId and vendorId are required")
	}
	if len(r.Items) == 0 {
		return apperr.Validation("at least one item is required")
	}
	for i, item := range r.Items {
		if strings.TrimSpace(item.Name) == "" {
			return apperr.Validation("item %d: name is required", i)
		}
		if !item.Quantity.IsPositive() {
			return apperr.Validation("item %d: quantity must be positive", i)
		}
		if item.EstimatedUnitPrice.IsNegative() {
			return apperr.Validation("item %d: estimated unit price must not be negative", i)
		}
	}
	return nil
}

// CreateOrder creates a draft order addressed to a vendor of the project
func (s *OrderService) CreateOrder(ctx context.Context, actor models.Actor, req *CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CreateOrder")
	defer span.End()

	if !actor.Role.IsBuyer() {
		return nil, apperr.NotAuthorized("createOrder requires an admin or owner, got role %q", actor.Role)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}

	assigned, err := s.directory.VendorAssignedToProject(ctx, req.VendorID, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to check vendor assignment: %w", err)
	}
	if !assigned {
		return nil, apperr.Validation("vendor %s is not assigned to project %s", req.VendorID, req.ProjectID)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	if len(currency) != 3 {
		return nil, apperr.Validation("currency must be an ISO 4217 code, got %q", currency)
	}

	estimated := decimal.Zero
	for _, item := range req.Items {
		estimated = estimated.Add(item.Quantity.Mul(item.EstimatedUnitPrice))
	}

	order := &models.Order{
		ID:              uuid.New().String(),
		Title:           strings.TrimSpace(req.Title),
		ProjectID:       req.ProjectID,
		VendorID:        req.VendorID,
		CreatedBy:       actor.ID,
		Items:           append(models.OrderItems(nil), req.Items...),
		Status:          models.OrderStatusDraft,
		Currency:        currency,
		EstimatedAmount: estimated,
		Version:         1,
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	util.OrdersCreatedTotal.Inc()
	s.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("actor_id", actor.ID),
		zap.String("vendor_id", order.VendorID))
	return order, nil
}

// GetOrder retrieves an order visible to the actor
func (s *OrderService) GetOrder(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetOrder", util.OrderAttr(orderID))
	defer span.End()

	return s.loadForActor(ctx, actor, orderID)
}

// ListOrders lists orders. Vendors only ever see their own.
func (s *OrderService) ListOrders(ctx context.Context, actor models.Actor, filter store.OrderFilter) ([]models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.ListOrders")
	defer span.End()

	switch {
	case actor.Role == models.RoleVendor:
		filter.VendorID = actor.ID
	case !actor.Role.IsBuyer():
		return nil, apperr.NotAuthorized("role %q cannot list orders", actor.Role)
	}
	orders, err := s.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return orders, nil
}

// GetInvoice returns the invoice generated for an order
func (s *OrderService) GetInvoice(ctx context.Context, actor models.Actor, orderID string) (*models.Invoice, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.GetInvoice", util.OrderAttr(orderID))
	defer span.End()

	if _, err := s.loadForActor(ctx, actor, orderID); err != nil {
		return nil, err
	}
	inv, err := s.repo.GetInvoiceByOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("invoice for order", orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}
	return inv, nil
}

// AssignVendor records that a vendor supplies a project. Admin only.
func (s *OrderService) AssignVendor(ctx context.Context, actor models.Actor, projectID, vendorID string) error {
	ctx, span := util.StartSpan(ctx, "OrderService.AssignVendor")
	defer span.End()

	if actor.Role != models.RoleAdmin {
		return apperr.NotAuthorized("assignVendor requires an admin, got role %q", actor.Role)
	}
	if strings.TrimSpace(projectID) == "" || strings.TrimSpace(vendorID) == "" {
		return apperr.Validation("projectId and vendorId are required")
	}
	if err := s.repo.AssignVendor(ctx, projectID, vendorID); err != nil {
		return fmt.Errorf("failed to assign vendor: %w", err)
	}
	s.logger.Info("Vendor assigned",
		zap.String("project_id", projectID),
		zap.String("vendor_id", vendorID),
		zap.String("actor_id", actor.ID))
	return nil
}

// SendOrder moves a draft to sent and notifies the vendor
func (s *OrderService) SendOrder(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.SendOrder", util.OrderAttr(orderID))
	defer span.End()

	return s.transition(ctx, negotiation.ActionSendOrder, actor, orderID, func(tx store.Tx, order *models.Order) ([]*models.Message, error) {
		if err := negotiation.CheckSend(order, actor); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		order.Status = models.OrderStatusSent
		order.SentAt = &now
		return []*models.Message{s.systemMessage(order, models.SystemOrderSent, "", "")}, nil
	})
}

// CancelOrder ends a non-terminal order. An issued invoice is cancelled with it.
func (s *OrderService) CancelOrder(ctx context.Context, actor models.Actor, orderID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CancelOrder", util.OrderAttr(orderID))
	defer span.End()

	return s.transition(ctx, negotiation.ActionCancelOrder, actor, orderID, func(tx store.Tx, order *models.Order) ([]*models.Message, error) {
		if err := negotiation.CheckCancel(order, actor); err != nil {
			return nil, err
		}
		if order.Status.HasFinalAmount() {
			inv, err := tx.FindInvoiceByOrder(ctx, order.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to load invoice: %w", err)
			}
			if inv != nil {
				if err := tx.UpdateInvoiceStatus(ctx, inv.ID, models.InvoiceStatusCancelled); err != nil {
					return nil, fmt.Errorf("failed to cancel invoice: %w", err)
				}
			}
		}
		now := s.now().UTC()
		order.Status = models.OrderStatusCancelled
		order.FinalAmount = decimal.NullDecimal{}
		order.ChatClosed = true
		order.CancelledAt = &now
		return []*models.Message{s.systemMessage(order, models.SystemOrderCancelled, "", reason)}, nil
	})
}

// CompleteOrder closes a fulfilling order without waiting for a delivered update
func (s *OrderService) CompleteOrder(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.CompleteOrder", util.OrderAttr(orderID))
	defer span.End()

	return s.transition(ctx, negotiation.ActionCompleteOrder, actor, orderID, func(tx store.Tx, order *models.Order) ([]*models.Message, error) {
		if err := negotiation.CheckComplete(order, actor); err != nil {
			return nil, err
		}
		now := s.now().UTC()
		order.Status = models.OrderStatusCompleted
		order.CompletedAt = &now
		return []*models.Message{s.systemMessage(order, models.SystemOrderCompleted, "", "")}, nil
	})
}

// DeclineOrder lets the vendor refuse an order. A pending quotation stops being actionable.
func (s *OrderService) DeclineOrder(ctx context.Context, actor models.Actor, orderID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.DeclineOrder", util.OrderAttr(orderID))
	defer span.End()

	return s.transition(ctx, negotiation.ActionDeclineOrder, actor, orderID, func(tx store.Tx, order *models.Order) ([]*models.Message, error) {
		if err := negotiation.CheckDecline(order, actor); err != nil {
			return nil, err
		}
		pending, err := tx.LatestPendingQuotation(ctx, order.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load pending quotation: %w", err)
		}
		quotationID := ""
		if pending != nil {
			q := *pending.Payload.Quotation
			q.Status = models.QuotationNegotiated
			if err := tx.UpdateQuotation(ctx, pending.ID, models.QuotationPending, &q); err != nil {
				return nil, err
			}
			quotationID = pending.ID
		}
		order.Status = models.OrderStatusRejected
		return []*models.Message{s.systemMessage(order, models.SystemOrderDeclined, quotationID, reason)}, nil
	})
}

// transition runs a status change that appends messages and broadcasts orderUpdated
func (s *OrderService) transition(ctx context.Context, action string, actor models.Actor, orderID string,
	apply func(tx store.Tx, order *models.Order) ([]*models.Message, error)) (*models.Order, error) {
	var (
		result *models.Order
		msgs   []*models.Message
	)
	err := s.locked(ctx, action, orderID, func(tx store.Tx, order *models.Order) error {
		from := order.Status
		var err error
		if msgs, err = apply(tx, order); err != nil {
			return err
		}
		if err := s.commit(ctx, tx, order, from, msgs...); err != nil {
			return err
		}
		result = order
		return nil
	})
	if err != nil {
		return nil, err
	}

	util.OrderTransitionsTotal.WithLabelValues(action, string(result.Status)).Inc()
	countMessages(msgs...)
	s.logger.Info("Order transitioned",
		zap.String("action", action),
		zap.String("order_id", result.ID),
		zap.String("actor_id", actor.ID),
		zap.String("status", string(result.Status)))

	box := newOutbox(result)
	box.orderUpdated(actor.ID)
	box.messages(actor.ID, msgs...)
	s.flush(ctx, box)
	return result, nil
}
