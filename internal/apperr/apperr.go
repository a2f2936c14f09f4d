// Package apperr defines the recoverable errors reported at the request boundary.
package apperr

import (
	"errors"
	"fmt"

	"procurement-service/internal/models"
)

// Code identifies an error class
type Code string

// Error codes
const (
	CodeInvalidTransition Code = "InvalidTransition"
	CodeAlreadyAccepted   Code = "AlreadyAccepted"
	CodeAlreadyRejected   Code = "AlreadyRejected"
	CodeQuotationExpired  Code = "QuotationExpired"
	CodeDuplicateInvoice  Code = "DuplicateInvoice"
	CodeNotAuthorized     Code = "NotAuthorized"
	CodeNotFound          Code = "NotFound"
	CodeValidation        Code = "ValidationError"
)

// Sentinels for errors.Is
var (
	ErrInvalidTransition = &Error{Code: CodeInvalidTransition}
	ErrAlreadyAccepted   = &Error{Code: CodeAlreadyAccepted}
	ErrAlreadyRejected   = &Error{Code: CodeAlreadyRejected}
	ErrQuotationExpired  = &Error{Code: CodeQuotationExpired}
	ErrDuplicateInvoice  = &Error{Code: CodeDuplicateInvoice}
	ErrNotAuthorized     = &Error{Code: CodeNotAuthorized}
	ErrNotFound          = &Error{Code: CodeNotFound}
	ErrValidation        = &Error{Code: CodeValidation}
)

// State is the authoritative state observed when a request failed
type State struct {
	OrderID         string                 `json:"orderId,omitempty"`
	OrderStatus     models.OrderStatus     `json:"orderStatus,omitempty"`
	Action          string                 `json:"action,omitempty"`
	QuotationID     string                 `json:"quotationId,omitempty"`
	QuotationStatus models.QuotationStatus `json:"quotationStatus,omitempty"`
	DeliveryStage   models.DeliveryStage   `json:"deliveryStage,omitempty"`
	ChatClosed      bool                   `json:"chatClosed,omitempty"`
	Version         int                    `json:"version,omitempty"`
}

// Error is a typed domain error
type Error struct {
	Code    Code
	Message string
	State   State
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on code so callers can compare against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// StateOf builds diagnostics from an order snapshot.
func StateOf(o *models.Order, action string) State {
	s := State{Action: action}
	if o != nil {
		s.OrderID = o.ID
		s.OrderStatus = o.Status
		s.ChatClosed = o.ChatClosed
		s.Version = o.Version
		if o.Delivery != nil {
			s.DeliveryStage = o.Delivery.Stage
		}
	}
	return s
}

// WithQuotation adds the targeted quotation to the diagnostics.
func (s State) WithQuotation(messageID string, status models.QuotationStatus) State {
	s.QuotationID = messageID
	s.QuotationStatus = status
	return s
}

// InvalidTransition reports an action that is illegal for the current state.
func InvalidTransition(state State, format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidTransition, Message: fmt.Sprintf(format, args...), State: state}
}

// AlreadyAccepted reports a repeated or losing accept.
func AlreadyAccepted(state State) *Error {
	return &Error{Code: CodeAlreadyAccepted, Message: "quotation is already accepted", State: state}
}

// AlreadyRejected reports a repeated reject.
func AlreadyRejected(state State) *Error {
	return &Error{Code: CodeAlreadyRejected, Message: "quotation is already rejected", State: state}
}

// QuotationExpired reports an accept or reject past validUntil.
func QuotationExpired(state State) *Error {
	return &Error{Code: CodeQuotationExpired, Message: "quotation is past its validity deadline", State: state}
}

// DuplicateInvoice reports a second invoice for the same order.
func DuplicateInvoice(orderID string) *Error {
	return &Error{Code: CodeDuplicateInvoice, Message: "invoice already exists for order " + orderID, State: State{OrderID: orderID}}
}

// NotAuthorized reports an actor or role mismatch.
func NotAuthorized(format string, args ...interface{}) *Error {
	return &Error{Code: CodeNotAuthorized, Message: fmt.Sprintf(format, args...)}
}

// NotFound reports an unresolved identifier.
func NotFound(kind, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s not found: %s", kind, id)}
}

// Validation reports a malformed payload.
func Validation(format string, args ...interface{}) *Error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// As extracts the typed error, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRace reports errors that concurrent clients routinely produce by acting on stale views.
func IsRace(err error) bool {
	e, ok := As(err)
	if !ok {
		return false
	}
	switch e.Code {
	case CodeInvalidTransition, CodeAlreadyAccepted, CodeAlreadyRejected, CodeQuotationExpired:
		return true
	}
	return false
}
