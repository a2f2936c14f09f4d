package realtime

import (
	"encoding/json"
	"sort"

	"procurement-service/internal/apperr"
	"procurement-service/internal/models"
)

// OverlayKind says what an optimistic change stands in for
type OverlayKind string

// Overlay kinds
const (
	// OverlayMessage is a message sent but not confirmed. Its key is chosen by the client.
	OverlayMessage OverlayKind = "message"
	// OverlayQuotation is an accept or reject in flight, keyed by quotation message id.
	OverlayQuotation OverlayKind = "quotation"
	// OverlayOrder is an order transition in flight, keyed by order id.
	OverlayOrder OverlayKind = "order"
)

// Overlay is a pending-local change shown until the server speaks about the same entity
type Overlay struct {
	Key             string
	Kind            OverlayKind
	Message         *models.Message
	QuotationStatus models.QuotationStatus
	OrderStatus     models.OrderStatus
	// BaseVersion is the order version the change was made against.
	BaseVersion int
}

// View is one client's reconciled picture of an order. Views are values: Reduce
// never mutates its input.
type View struct {
	Order    models.OrderDelta
	Messages map[string]models.Message
	Overlays map[string]Overlay
	// Stale is set when local state can no longer be trusted and a full reload is due.
	Stale bool
}

// Action is an input to Reduce
type Action interface {
	isAction()
}

// Loaded replaces the view with a fresh server snapshot
type Loaded struct {
	Order    models.OrderDelta
	Messages []models.Message
}

// Local records an optimistic change
type Local struct {
	Overlay Overlay
}

// Confirmed reports that the request behind an overlay succeeded
type Confirmed struct {
	Key     string
	Message *models.Message
	Order   *models.OrderDelta
}

// Failed reports that the request behind an overlay was refused
type Failed struct {
	Key   string
	State apperr.State
}

// Received applies a server event
type Received struct {
	Event models.Event
}

func (Loaded) isAction()    {}
func (Local) isAction()     {}
func (Confirmed) isAction() {}
func (Failed) isAction()    {}
func (Received) isAction()  {}

// Reduce returns the view after applying a
func Reduce(v View, a Action) View {
	v = v.clone()
	switch a := a.(type) {
	case Loaded:
		return v.load(a)
	case Local:
		v.Overlays[a.Overlay.Key] = a.Overlay
	case Confirmed:
		delete(v.Overlays, a.Key)
		if a.Message != nil && v.owns(a.Message.OrderID) {
			v.putMessage(*a.Message)
		}
		if a.Order != nil {
			v.applyOrder(*a.Order)
		}
	case Failed:
		delete(v.Overlays, a.Key)
		// A refusal carrying state means someone else moved the order first.
		if a.State.Version != 0 || a.State.OrderStatus != "" {
			v.Stale = true
		}
	case Received:
		v.receive(a.Event)
	}
	return v
}

func (v View) clone() View {
	c := View{Order: v.Order, Stale: v.Stale}
	c.Messages = make(map[string]models.Message, len(v.Messages))
	for id, m := range v.Messages {
		c.Messages[id] = m
	}
	c.Overlays = make(map[string]Overlay, len(v.Overlays))
	for k, o := range v.Overlays {
		c.Overlays[k] = o
	}
	return c
}

func (v View) load(l Loaded) View {
	next := View{
		Order:    l.Order,
		Messages: make(map[string]models.Message, len(l.Messages)),
		Overlays: make(map[string]Overlay),
	}
	for _, m := range l.Messages {
		next.Messages[m.ID] = m
	}
	// Changes made against the snapshot's version are still in flight.
	for k, o := range v.Overlays {
		if o.BaseVersion >= l.Order.Version {
			next.Overlays[k] = o
		}
	}
	return next
}

// owns reports whether the view is for orderID. An empty view accepts any order.
func (v *View) owns(orderID string) bool {
	return v.Order.OrderID == "" || v.Order.OrderID == orderID
}

func (v *View) receive(e models.Event) {
	// Vendor rooms carry every order of the vendor on one stream.
	if e.Type == models.EventUserTyping || !v.owns(e.OrderID) {
		return
	}
	if e.Version < v.Order.Version {
		return
	}
	if v.Order.Version != 0 && e.Version > v.Order.Version+1 {
		v.Stale = true
	}

	switch e.Type {
	case models.EventNewMessage:
		var m models.Message
		if json.Unmarshal(e.Payload, &m) != nil {
			v.Stale = true
			return
		}
		v.putMessage(m)
		v.applyNote(m)
	case models.EventQuotationSubmitted:
		var p models.QuotationSubmittedPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			v.Stale = true
			return
		}
		v.putMessage(p.Message)
		if p.Supersedes != "" {
			v.setQuotation(p.Supersedes, models.QuotationNegotiated, func(q *models.Quotation) {
				q.SupersededBy = p.Message.ID
			})
		}
		v.applyOrder(p.Order)
	case models.EventQuotationAccepted:
		var p models.QuotationAcceptedPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			v.Stale = true
			return
		}
		v.setQuotation(p.MessageID, models.QuotationAccepted, nil)
		v.applyOrder(p.Order)
	case models.EventQuotationRejected:
		var p models.QuotationRejectedPayload
		if json.Unmarshal(e.Payload, &p) != nil {
			v.Stale = true
			return
		}
		v.setQuotation(p.MessageID, models.QuotationRejected, func(q *models.Quotation) {
			q.Reason = p.Reason
		})
	case models.EventOrderUpdated:
		var d models.OrderDelta
		if json.Unmarshal(e.Payload, &d) != nil {
			v.Stale = true
			return
		}
		v.applyOrder(d)
	}
	if e.Version > v.Order.Version {
		v.Order.Version = e.Version
	}
}

// applyNote mirrors the quotation changes a system message records.
func (v *View) applyNote(m models.Message) {
	note := m.Payload.System
	if note == nil {
		return
	}
	switch note.Event {
	case models.SystemQuotationExpired:
		v.setQuotation(note.QuotationID, models.QuotationExpired, nil)
	case models.SystemQuotationRejected:
		v.setQuotation(note.QuotationID, models.QuotationRejected, nil)
	case models.SystemQuotationAccepted:
		v.setQuotation(note.QuotationID, models.QuotationAccepted, nil)
	case models.SystemOrderDeclined:
		for id, msg := range v.Messages {
			if q := msg.Payload.Quotation; q != nil && q.Status == models.QuotationPending {
				v.setQuotation(id, models.QuotationNegotiated, nil)
			}
		}
	}
}

// putMessage stores m and drops every overlay it answers. A quotation already
// decided locally is never moved back to pending by a late copy.
func (v *View) putMessage(m models.Message) {
	if prev, ok := v.Messages[m.ID]; ok && m.Payload.Quotation != nil && prev.Payload.Quotation != nil &&
		m.Payload.Quotation.Status == models.QuotationPending && prev.Payload.Quotation.Status != models.QuotationPending {
		m = *m.Clone()
		m.Payload.Quotation.Status = prev.Payload.Quotation.Status
	}
	v.Messages[m.ID] = m
	delete(v.Overlays, m.ID)

	for k, o := range v.Overlays {
		if o.Kind == OverlayMessage && o.Message != nil &&
			o.Message.SenderID == m.SenderID && o.Message.Type == m.Type && o.Message.Text == m.Text {
			delete(v.Overlays, k)
			break
		}
	}
}

func (v *View) setQuotation(id string, status models.QuotationStatus, edit func(q *models.Quotation)) {
	delete(v.Overlays, id)
	m, ok := v.Messages[id]
	if !ok || m.Payload.Quotation == nil {
		return
	}
	c := m.Clone()
	c.Payload.Quotation.Status = status
	if edit != nil {
		edit(c.Payload.Quotation)
	}
	v.Messages[id] = *c
}

func (v *View) applyOrder(d models.OrderDelta) {
	if !v.owns(d.OrderID) {
		return
	}
	delete(v.Overlays, d.OrderID)
	if d.Version < v.Order.Version {
		return
	}
	v.Order = d
}

// Status is the order status to display
func (v View) Status() models.OrderStatus {
	if o, ok := v.Overlays[v.Order.OrderID]; ok && o.Kind == OverlayOrder {
		return o.OrderStatus
	}
	return v.Order.Status
}

// Pending reports whether an optimistic change with key is still unconfirmed
func (v View) Pending(key string) bool {
	_, ok := v.Overlays[key]
	return ok
}

// Timeline lists confirmed messages in creation order followed by unconfirmed
// sends. Quotation decisions in flight are shown on their quotations.
func (v View) Timeline() []models.Message {
	out := make([]models.Message, 0, len(v.Messages))
	for id, m := range v.Messages {
		if o, ok := v.Overlays[id]; ok && o.Kind == OverlayQuotation && m.Payload.Quotation != nil {
			c := m.Clone()
			c.Payload.Quotation.Status = o.QuotationStatus
			m = *c
		}
		out = append(out, m)
	}
	sortTimeline(out)

	var local []models.Message
	for _, o := range v.Overlays {
		if o.Kind == OverlayMessage && o.Message != nil {
			local = append(local, *o.Message)
		}
	}
	sortTimeline(local)
	return append(out, local...)
}

func sortTimeline(msgs []models.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
