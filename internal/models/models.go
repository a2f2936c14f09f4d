package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle status of a purchase order
type OrderStatus string

// Order statuses
const (
	OrderStatusDraft              OrderStatus = "draft"
	OrderStatusSent               OrderStatus = "sent"
	OrderStatusInNegotiation      OrderStatus = "in_negotiation"
	OrderStatusAccepted           OrderStatus = "accepted"
	OrderStatusRejected           OrderStatus = "rejected"
	OrderStatusInProgress         OrderStatus = "in_progress"
	OrderStatusPartiallyDelivered OrderStatus = "partially_delivered"
	OrderStatusCompleted          OrderStatus = "completed"
	OrderStatusCancelled          OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// HasFinalAmount reports whether an order in this status must carry a final amount.
func (s OrderStatus) HasFinalAmount() bool {
	switch s {
	case OrderStatusAccepted, OrderStatusInProgress, OrderStatusPartiallyDelivered, OrderStatusCompleted:
		return true
	}
	return false
}

// IsFulfilling reports whether the order is past acceptance and awaiting delivery.
func (s OrderStatus) IsFulfilling() bool {
	switch s {
	case OrderStatusAccepted, OrderStatusInProgress, OrderStatusPartiallyDelivered:
		return true
	}
	return false
}

// Role of the party acting on an order
type Role string

// Roles
const (
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
	RoleVendor Role = "vendor"
	RoleSystem Role = "system"
)

// IsBuyer reports whether the role acts on the purchasing side.
func (r Role) IsBuyer() bool {
	return r == RoleAdmin || r == RoleOwner
}

// Actor is the authenticated caller supplied by the auth layer
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor authors messages generated by the state machine itself.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// OrderItem is a requested material line
type OrderItem struct {
	Name               string          `json:"name"`
	Quantity           decimal.Decimal `json:"quantity"`
	Unit               string          `json:"unit"`
	EstimatedUnitPrice decimal.Decimal `json:"estimatedUnitPrice"`
}

// OrderItems is stored as a JSON column
type OrderItems []OrderItem

// Order is a request for materials from the buying side to one vendor
type Order struct {
	ID              string              `db:"id" json:"id"`
	Title           string              `db:"title" json:"title"`
	ProjectID       string              `db:"project_id" json:"projectId"`
	VendorID        string              `db:"vendor_id" json:"vendorId"`
	CreatedBy       string              `db:"created_by" json:"createdBy"`
	Items           OrderItems          `db:"items" json:"items"`
	Status          OrderStatus         `db:"status" json:"status"`
	Currency        string              `db:"currency" json:"currency"`
	EstimatedAmount decimal.Decimal     `db:"estimated_amount" json:"estimatedAmount"`
	FinalAmount     decimal.NullDecimal `db:"final_amount" json:"finalAmount"`
	ChatClosed      bool                `db:"chat_closed" json:"chatClosed"`
	Delivery        *DeliveryTracking   `db:"delivery" json:"delivery,omitempty"`
	Version         int                 `db:"version" json:"version"`
	LastMessageAt   *time.Time          `db:"last_message_at" json:"lastMessageAt,omitempty"`
	SentAt          *time.Time          `db:"sent_at" json:"sentAt,omitempty"`
	AcceptedAt      *time.Time          `db:"accepted_at" json:"acceptedAt,omitempty"`
	CompletedAt     *time.Time          `db:"completed_at" json:"completedAt,omitempty"`
	CancelledAt     *time.Time          `db:"cancelled_at" json:"cancelledAt,omitempty"`
	CreatedAt       time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time           `db:"updated_at" json:"updatedAt"`
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append(OrderItems(nil), o.Items...)
	if o.Delivery != nil {
		d := *o.Delivery
		d.ExpectedArrival = cloneTime(o.Delivery.ExpectedArrival)
		c.Delivery = &d
	}
	c.LastMessageAt = cloneTime(o.LastMessageAt)
	c.SentAt = cloneTime(o.SentAt)
	c.AcceptedAt = cloneTime(o.AcceptedAt)
	c.CompletedAt = cloneTime(o.CompletedAt)
	c.CancelledAt = cloneTime(o.CancelledAt)
	return &c
}

// IsParty reports whether the actor is allowed to act on the order at all.
func (o *Order) IsParty(a Actor) bool {
	if a.Role.IsBuyer() {
		return true
	}
	return a.Role == RoleVendor && a.ID == o.VendorID
}

// DeliveryStage is a step in physical fulfillment
type DeliveryStage string

// Delivery stages, in order. PartiallyDelivered is a side branch.
const (
	StageNotStarted         DeliveryStage = "not_started"
	StagePreparing          DeliveryStage = "preparing"
	StagePacked             DeliveryStage = "packed"
	StageDispatched         DeliveryStage = "dispatched"
	StageInTransit          DeliveryStage = "in_transit"
	StageOutForDelivery     DeliveryStage = "out_for_delivery"
	StagePartiallyDelivered DeliveryStage = "partially_delivered"
	StageDelivered          DeliveryStage = "delivered"
)

// DeliveryTracking is embedded in the order once it is accepted
type DeliveryTracking struct {
	Stage           DeliveryStage `json:"stage"`
	TrackingNumber  string        `json:"trackingNumber,omitempty"`
	Carrier         string        `json:"carrier,omitempty"`
	ExpectedArrival *time.Time    `json:"expectedArrival,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	UpdatedBy       string        `json:"updatedBy,omitempty"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// MessageType discriminates the payload of a message
type MessageType string

// Message types
const (
	MessageTypeText      MessageType = "text"
	MessageTypeQuotation MessageType = "quotation"
	MessageTypeInvoice   MessageType = "invoice"
	MessageTypeDelivery  MessageType = "delivery"
	MessageTypeSystem    MessageType = "system"
)

// Message is one immutable entry of an order's negotiation log.
// Only Read and the embedded quotation status change after creation.
type Message struct {
	ID         string         `db:"id" json:"id"`
	OrderID    string         `db:"order_id" json:"orderId"`
	SenderID   string         `db:"sender_id" json:"senderId"`
	SenderRole Role           `db:"sender_role" json:"senderRole"`
	Type       MessageType    `db:"type" json:"type"`
	Text       string         `db:"body" json:"text,omitempty"`
	Payload    MessagePayload `db:"payload" json:"payload"`
	Read       bool           `db:"is_read" json:"read"`
	CreatedAt  time.Time      `db:"created_at" json:"createdAt"`
}

// MessagePayload holds the type-specific part of a message; at most one field is set.
type MessagePayload struct {
	Quotation *Quotation      `json:"quotation,omitempty"`
	Invoice   *InvoiceRef     `json:"invoice,omitempty"`
	Delivery  *DeliveryUpdate `json:"delivery,omitempty"`
	System    *SystemNote     `json:"system,omitempty"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.Payload.Quotation != nil {
		q := *m.Payload.Quotation
		q.Items = append([]QuotationItem(nil), m.Payload.Quotation.Items...)
		q.ValidUntil = cloneTime(m.Payload.Quotation.ValidUntil)
		q.DecidedAt = cloneTime(m.Payload.Quotation.DecidedAt)
		c.Payload.Quotation = &q
	}
	if m.Payload.Invoice != nil {
		i := *m.Payload.Invoice
		c.Payload.Invoice = &i
	}
	if m.Payload.Delivery != nil {
		d := *m.Payload.Delivery
		d.ExpectedArrival = cloneTime(m.Payload.Delivery.ExpectedArrival)
		c.Payload.Delivery = &d
	}
	if m.Payload.System != nil {
		s := *m.Payload.System
		c.Payload.System = &s
	}
	return &c
}

// QuotationStatus is the lifecycle status of a single quotation
type QuotationStatus string

// Quotation statuses. Negotiated marks a quotation superseded by a revision.
const (
	QuotationPending    QuotationStatus = "pending"
	QuotationNegotiated QuotationStatus = "negotiated"
	QuotationAccepted   QuotationStatus = "accepted"
	QuotationRejected   QuotationStatus = "rejected"
	QuotationExpired    QuotationStatus = "expired"
)

// QuotationItem is a priced line of a quotation
type QuotationItem struct {
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Total     decimal.Decimal `json:"total"`
}

// Quotation is a vendor's priced proposal
type Quotation struct {
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Items        []QuotationItem `json:"items,omitempty"`
	Note         string          `json:"note,omitempty"`
	ValidUntil   *time.Time      `json:"validUntil,omitempty"`
	Status       QuotationStatus `json:"status"`
	InResponseTo string          `json:"inResponseTo,omitempty"`
	SupersededBy string          `json:"supersededBy,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	DecidedAt    *time.Time      `json:"decidedAt,omitempty"`
}

// IsExpiredAt reports whether the validity deadline has passed.
func (q *Quotation) IsExpiredAt(now time.Time) bool {
	return q.ValidUntil != nil && now.After(*q.ValidUntil)
}

// InvoiceRef is the invoice message payload
type InvoiceRef struct {
	InvoiceID   string          `json:"invoiceId"`
	Number      string          `json:"number"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Currency    string          `json:"currency"`
	DueDate     time.Time       `json:"dueDate"`
}

// DeliveryUpdate is the delivery message payload
type DeliveryUpdate struct {
	Stage           DeliveryStage `json:"stage"`
	PreviousStage   DeliveryStage `json:"previousStage"`
	TrackingNumber  string        `json:"trackingNumber,omitempty"`
	Carrier         string        `json:"carrier,omitempty"`
	ExpectedArrival *time.Time    `json:"expectedArrival,omitempty"`
	Notes           string        `json:"notes,omitempty"`
	Correction      bool          `json:"correction,omitempty"`
}

// SystemEvent names the transition a system message records
type SystemEvent string

// System events
const (
	SystemOrderSent         SystemEvent = "order_sent"
	SystemOrderDeclined     SystemEvent = "order_declined"
	SystemOrderCancelled    SystemEvent = "order_cancelled"
	SystemOrderCompleted    SystemEvent = "order_completed"
	SystemQuotationAccepted SystemEvent = "quotation_accepted"
	SystemQuotationRejected SystemEvent = "quotation_rejected"
	SystemQuotationExpired  SystemEvent = "quotation_expired"
)

// SystemNote is the system message payload
type SystemNote struct {
	Event       SystemEvent `json:"event"`
	QuotationID string      `json:"quotationId,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// InvoiceStatus is the payment status of an invoice
type InvoiceStatus string

// Invoice statuses
const (
	InvoiceStatusPending       InvoiceStatus = "pending"
	InvoiceStatusApproved      InvoiceStatus = "approved"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusPartiallyPaid InvoiceStatus = "partially_paid"
	InvoiceStatusOverdue       InvoiceStatus = "overdue"
	InvoiceStatusCancelled     InvoiceStatus = "cancelled"
)

// InvoiceItem is copied verbatim from the accepted quotation
type InvoiceItem struct {
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Total     decimal.Decimal `json:"total"`
}

// InvoiceItems is stored as a JSON column
type InvoiceItems []InvoiceItem

// Invoice is the immutable billing snapshot of an accepted quotation
type Invoice struct {
	ID          string          `db:"id" json:"id"`
	Number      string          `db:"number" json:"number"`
	OrderID     string          `db:"order_id" json:"orderId"`
	QuotationID string          `db:"quotation_id" json:"quotationId"`
	ProjectID   string          `db:"project_id" json:"projectId"`
	VendorID    string          `db:"vendor_id" json:"vendorId"`
	Items       InvoiceItems    `db:"items" json:"items"`
	Currency    string          `db:"currency" json:"currency"`
	Subtotal    decimal.Decimal `db:"subtotal" json:"subtotal"`
	TaxRate     decimal.Decimal `db:"tax_rate" json:"taxRate"`
	TaxAmount   decimal.Decimal `db:"tax_amount" json:"taxAmount"`
	Discount    decimal.Decimal `db:"discount" json:"discount"`
	TotalAmount decimal.Decimal `db:"total_amount" json:"totalAmount"`
	AmountPaid  decimal.Decimal `db:"amount_paid" json:"amountPaid"`
	AmountDue   decimal.Decimal `db:"amount_due" json:"amountDue"`
	DueDate     time.Time       `db:"due_date" json:"dueDate"`
	Status      InvoiceStatus   `db:"status" json:"status"`
	CreatedAt   time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updatedAt"`
}

// Ref returns the message payload pointing at this invoice.
func (i *Invoice) Ref() *InvoiceRef {
	return &InvoiceRef{
		InvoiceID:   i.ID,
		Number:      i.Number,
		TotalAmount: i.TotalAmount,
		Currency:    i.Currency,
		DueDate:     i.DueDate,
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
