package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventType names a realtime event
type EventType string

// Event types
const (
	EventNewMessage         EventType = "newMessage"
	EventQuotationSubmitted EventType = "quotationSubmitted"
	EventQuotationAccepted  EventType = "quotationAccepted"
	EventQuotationRejected  EventType = "quotationRejected"
	EventOrderUpdated       EventType = "orderUpdated"
	EventUserTyping         EventType = "userTyping"
)

// Event is the envelope broadcast to every client viewing an order.
// Rooms is routing metadata and is stripped before delivery to clients.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	OrderID   string          `json:"orderId"`
	SenderID  string          `json:"senderId,omitempty"`
	Version   int             `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	Rooms     []string        `json:"rooms,omitempty"`
}

// NewEvent builds an envelope addressed to the order room.
func NewEvent(eventType EventType, orderID, senderID string, version int, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		OrderID:   orderID,
		SenderID:  senderID,
		Version:   version,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
		Rooms:     []string{OrderRoom(orderID)},
	}, nil
}

// OrderRoom is the channel every party viewing an order joins.
func OrderRoom(orderID string) string {
	return "order:" + orderID
}

// VendorRoom receives vendor-wide notifications independent of an open order view.
func VendorRoom(vendorID string) string {
	return "vendor:" + vendorID
}

// OrderDelta is the orderUpdated payload
type OrderDelta struct {
	OrderID     string              `json:"orderId"`
	VendorID    string              `json:"vendorId"`
	Title       string              `json:"title"`
	Status      OrderStatus         `json:"status"`
	ChatClosed  bool                `json:"chatClosed"`
	FinalAmount decimal.NullDecimal `json:"finalAmount"`
	Delivery    *DeliveryTracking   `json:"delivery,omitempty"`
	Version     int                 `json:"version"`
}

// DeltaOf extracts the broadcastable part of an order.
func DeltaOf(o *Order) OrderDelta {
	return OrderDelta{
		OrderID:     o.ID,
		VendorID:    o.VendorID,
		Title:       o.Title,
		Status:      o.Status,
		ChatClosed:  o.ChatClosed,
		FinalAmount: o.FinalAmount,
		Delivery:    o.Delivery,
		Version:     o.Version,
	}
}

// QuotationSubmittedPayload is the quotationSubmitted payload. Supersedes names the
// quotation the submission marked negotiated, if any.
type QuotationSubmittedPayload struct {
	Message    Message    `json:"message"`
	Supersedes string     `json:"supersedes,omitempty"`
	Order      OrderDelta `json:"order"`
}

// QuotationAcceptedPayload is the quotationAccepted payload
type QuotationAcceptedPayload struct {
	MessageID string     `json:"messageId"`
	Order     OrderDelta `json:"order"`
	Invoice   *Invoice   `json:"invoice"`
}

// QuotationRejectedPayload is the quotationRejected payload
type QuotationRejectedPayload struct {
	MessageID string `json:"messageId"`
	Reason    string `json:"reason,omitempty"`
}

// TypingPayload is the userTyping payload
type TypingPayload struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}
