// Package negotiation is the authority on which order, quotation and delivery
// transitions are legal. It is pure: callers load state, ask, then persist.
package negotiation

import (
	"time"

	"procurement-service/internal/apperr"
	"procurement-service/internal/models"
)

// Actions, as reported in InvalidTransition diagnostics
const (
	ActionSendOrder       = "sendOrder"
	ActionCancelOrder     = "cancelOrder"
	ActionCompleteOrder   = "completeOrder"
	ActionDeclineOrder    = "declineOrder"
	ActionSubmitQuotation = "submitQuotation"
	ActionAcceptQuotation = "acceptQuotation"
	ActionRejectQuotation = "rejectQuotation"
	ActionSendMessage     = "sendMessage"
	ActionUpdateDelivery  = "updateDeliveryStatus"
	ActionCorrectDelivery = "correctDeliveryStage"
	ActionExpireQuotation = "expireQuotation"
)

var transitions = map[models.OrderStatus][]models.OrderStatus{
	models.OrderStatusDraft:              {models.OrderStatusSent, models.OrderStatusCancelled},
	models.OrderStatusSent:               {models.OrderStatusInNegotiation, models.OrderStatusRejected, models.OrderStatusCancelled},
	models.OrderStatusInNegotiation:      {models.OrderStatusAccepted, models.OrderStatusRejected, models.OrderStatusCancelled},
	models.OrderStatusRejected:           {models.OrderStatusCancelled},
	models.OrderStatusAccepted:           {models.OrderStatusInProgress, models.OrderStatusPartiallyDelivered, models.OrderStatusCompleted, models.OrderStatusCancelled},
	models.OrderStatusInProgress:         {models.OrderStatusPartiallyDelivered, models.OrderStatusCompleted, models.OrderStatusCancelled},
	models.OrderStatusPartiallyDelivered: {models.OrderStatusInProgress, models.OrderStatusCompleted, models.OrderStatusCancelled},
}

// CanTransition reports whether the order status graph has an edge from -> to.
// A status is always allowed to stay where it is.
func CanTransition(from, to models.OrderStatus) bool {
	if from == to {
		return !from.IsTerminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func invalid(o *models.Order, action, format string, args ...interface{}) error {
	return apperr.InvalidTransition(apperr.StateOf(o, action), format, args...)
}

func requireBuyer(a models.Actor, action string) error {
	if !a.Role.IsBuyer() {
		return apperr.NotAuthorized("%s requires an admin or owner, got role %q", action, a.Role)
	}
	return nil
}

func requireAssignedVendor(o *models.Order, a models.Actor, action string) error {
	if a.Role != models.RoleVendor {
		return apperr.NotAuthorized("%s requires the vendor, got role %q", action, a.Role)
	}
	if a.ID != o.VendorID {
		return apperr.NotAuthorized("vendor %s is not assigned to order %s", a.ID, o.ID)
	}
	return nil
}

// CheckSend guards sendOrder.
func CheckSend(o *models.Order, a models.Actor) error {
	if err := requireBuyer(a, ActionSendOrder); err != nil {
		return err
	}
	if o.Status != models.OrderStatusDraft {
		return invalid(o, ActionSendOrder, "order is %s, only draft orders can be sent", o.Status)
	}
	return nil
}

// CheckCancel guards cancelOrder.
func CheckCancel(o *models.Order, a models.Actor) error {
	if err := requireBuyer(a, ActionCancelOrder); err != nil {
		return err
	}
	if o.Status.IsTerminal() {
		return invalid(o, ActionCancelOrder, "order is already %s", o.Status)
	}
	return nil
}

// CheckComplete guards completeOrder.
func CheckComplete(o *models.Order, a models.Actor) error {
	if err := requireBuyer(a, ActionCompleteOrder); err != nil {
		return err
	}
	if !o.Status.IsFulfilling() {
		return invalid(o, ActionCompleteOrder, "order is %s, only accepted orders can be completed", o.Status)
	}
	return nil
}

// CheckDecline guards declineOrder.
func CheckDecline(o *models.Order, a models.Actor) error {
	if err := requireAssignedVendor(o, a, ActionDeclineOrder); err != nil {
		return err
	}
	if o.Status != models.OrderStatusSent && o.Status != models.OrderStatusInNegotiation {
		return invalid(o, ActionDeclineOrder, "order is %s", o.Status)
	}
	return nil
}

// CheckSubmitQuotation guards submitQuotation.
func CheckSubmitQuotation(o *models.Order, a models.Actor) error {
	if err := requireAssignedVendor(o, a, ActionSubmitQuotation); err != nil {
		return err
	}
	if o.ChatClosed {
		return invalid(o, ActionSubmitQuotation, "chat is closed")
	}
	if o.Status != models.OrderStatusSent && o.Status != models.OrderStatusInNegotiation {
		return invalid(o, ActionSubmitQuotation, "order is %s", o.Status)
	}
	return nil
}

// StatusAfterQuotation is the order status once a quotation is on the table.
func StatusAfterQuotation(current models.OrderStatus) models.OrderStatus {
	if current == models.OrderStatusSent {
		return models.OrderStatusInNegotiation
	}
	return current
}

// CheckSendMessage guards sendMessage.
func CheckSendMessage(o *models.Order, a models.Actor) error {
	if !o.IsParty(a) {
		return apperr.NotAuthorized("actor %s is not a party to order %s", a.ID, o.ID)
	}
	switch {
	case o.Status == models.OrderStatusDraft:
		return invalid(o, ActionSendMessage, "order has not been sent")
	case o.Status == models.OrderStatusCancelled:
		return invalid(o, ActionSendMessage, "order is cancelled")
	case o.ChatClosed:
		return invalid(o, ActionSendMessage, "chat is closed")
	}
	return nil
}

func quotationOf(o *models.Order, m *models.Message) (*models.Quotation, error) {
	if m == nil || m.Type != models.MessageTypeQuotation || m.Payload.Quotation == nil || m.OrderID != o.ID {
		id := ""
		if m != nil {
			id = m.ID
		}
		return nil, apperr.NotFound("quotation", id)
	}
	return m.Payload.Quotation, nil
}

// CheckAccept guards acceptQuotation. A pending quotation past its deadline on a live
// negotiation yields QuotationExpired; the caller is expected to persist the expiry.
func CheckAccept(o *models.Order, m *models.Message, a models.Actor, now time.Time) error {
	if err := requireBuyer(a, ActionAcceptQuotation); err != nil {
		return err
	}
	q, err := quotationOf(o, m)
	if err != nil {
		return err
	}
	state := apperr.StateOf(o, ActionAcceptQuotation).WithQuotation(m.ID, q.Status)
	switch q.Status {
	case models.QuotationAccepted:
		return apperr.AlreadyAccepted(state)
	case models.QuotationExpired:
		return apperr.QuotationExpired(state)
	case models.QuotationRejected:
		return apperr.InvalidTransition(state, "quotation was rejected")
	case models.QuotationNegotiated:
		return apperr.InvalidTransition(state, "quotation was superseded by %s", q.SupersededBy)
	}
	if o.ChatClosed {
		return apperr.InvalidTransition(state, "chat is closed")
	}
	if o.Status != models.OrderStatusInNegotiation {
		return apperr.InvalidTransition(state, "order is %s", o.Status)
	}
	if q.IsExpiredAt(now) {
		return apperr.QuotationExpired(state)
	}
	return nil
}

// CheckReject guards rejectQuotation.
func CheckReject(o *models.Order, m *models.Message, a models.Actor, now time.Time) error {
	if err := requireBuyer(a, ActionRejectQuotation); err != nil {
		return err
	}
	q, err := quotationOf(o, m)
	if err != nil {
		return err
	}
	state := apperr.StateOf(o, ActionRejectQuotation).WithQuotation(m.ID, q.Status)
	switch q.Status {
	case models.QuotationRejected:
		return apperr.AlreadyRejected(state)
	case models.QuotationExpired:
		return apperr.QuotationExpired(state)
	case models.QuotationAccepted:
		return apperr.InvalidTransition(state, "quotation is already accepted")
	case models.QuotationNegotiated:
		return apperr.InvalidTransition(state, "quotation was superseded by %s", q.SupersededBy)
	}
	if o.Status != models.OrderStatusInNegotiation {
		return apperr.InvalidTransition(state, "order is %s", o.Status)
	}
	if q.IsExpiredAt(now) {
		return apperr.QuotationExpired(state)
	}
	return nil
}
