package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"procurement-service/internal/apperr"
	"procurement-service/internal/invoice"
	"procurement-service/internal/models"
	"procurement-service/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin       = models.Actor{ID: "admin-1", Role: models.RoleAdmin}
	owner       = models.Actor{ID: "owner-1", Role: models.RoleOwner}
	vendor      = models.Actor{ID: "vendor-1", Role: models.RoleVendor}
	otherVendor = models.Actor{ID: "vendor-2", Role: models.RoleVendor}
)

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Publish(ctx context.Context, e models.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	ctx   context.Context
	repo  *store.MemoryStore
	svc   *Services
	pub   *recorder
	clock *fakeClock
}

func newFixture(t require.TestingT) *fixture {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	repo := store.NewMemoryStore().WithClock(clock.Now)
	require.NoError(t, repo.AssignVendor(ctx, "project-1", vendor.ID))
	require.NoError(t, repo.AssignVendor(ctx, "project-1", otherVendor.ID))

	pub := &recorder{}
	gen := invoice.NewGenerator(invoice.Terms{
		TaxRate:  decimal.RequireFromString("0.18"),
		Discount: decimal.NewFromInt(1000),
		DueDays:  30,
	})
	svc := New(Deps{
		Repo:            repo,
		Publisher:       pub,
		Invoices:        gen,
		DefaultCurrency: "INR",
		Now:             clock.Now,
	})
	return &fixture{ctx: ctx, repo: repo, svc: svc, pub: pub, clock: clock}
}

func (f *fixture) draft(t require.TestingT) *models.Order {
	order, err := f.svc.Orders.CreateOrder(f.ctx, admin, &CreateOrderRequest{
		Title:     "Cement and rebar",
		ProjectID: "project-1",
		VendorID:  vendor.ID,
		Items: []models.OrderItem{
			{Name: "cement", Quantity: decimal.NewFromInt(100), Unit: "bag", EstimatedUnitPrice: decimal.NewFromInt(400)},
			{Name: "rebar", Quantity: decimal.NewFromInt(2), Unit: "ton", EstimatedUnitPrice: decimal.NewFromInt(1000)},
		},
	})
	require.NoError(t, err)
	return order
}

func (f *fixture) sent(t require.TestingT) *models.Order {
	order := f.draft(t)
	order, err := f.svc.Orders.SendOrder(f.ctx, admin, order.ID)
	require.NoError(t, err)
	return order
}

func (f *fixture) quote(t require.TestingT, orderID string, amount int64, inResponseTo string) *models.Message {
	msg, err := f.svc.Negotiation.SubmitQuotation(f.ctx, vendor, orderID, models.Quotation{
		Amount:       decimal.NewFromInt(amount),
		InResponseTo: inResponseTo,
	})
	require.NoError(t, err)
	return msg
}

func (f *fixture) accepted(t require.TestingT) (*models.Order, *models.Message) {
	order := f.sent(t)
	q := f.quote(t, order.ID, 38000, "")
	res, err := f.svc.Negotiation.AcceptQuotation(f.ctx, admin, order.ID, q.ID)
	require.NoError(t, err)
	return res.Order, q
}

func (f *fixture) order(t require.TestingT, id string) *models.Order {
	order, err := f.repo.GetOrder(f.ctx, id)
	require.NoError(t, err)
	return order
}

func (f *fixture) quotations(t require.TestingT, orderID string) map[models.QuotationStatus]int {
	msgs, err := f.repo.ListMessages(f.ctx, orderID)
	require.NoError(t, err)
	counts := map[models.QuotationStatus]int{}
	for _, m := range msgs {
		if m.Payload.Quotation != nil {
			counts[m.Payload.Quotation.Status]++
		}
	}
	return counts
}

func requireCode(t testing.TB, err error, code apperr.Code) *apperr.Error {
	t.Helper()
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok, "expected a typed error, got %v", err)
	require.Equal(t, code, e.Code, "unexpected error: %v", err)
	return e
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)

	order := f.draft(t)
	assert.Equal(t, models.OrderStatusDraft, order.Status)
	assert.Equal(t, "INR", order.Currency)
	assert.True(t, order.EstimatedAmount.Equal(decimal.NewFromInt(42000)))
	assert.False(t, order.FinalAmount.Valid)
	assert.Equal(t, 1, order.Version)
	assert.Empty(t, f.pub.events)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	valid := func() *CreateOrderRequest {
		return &CreateOrderRequest{
			Title:     "Sand",
			ProjectID: "project-1",
			VendorID:  vendor.ID,
			Items:     []models.OrderItem{{Name: "sand", Quantity: decimal.NewFromInt(1), Unit: "truck"}},
		}
	}

	_, err := f.svc.Orders.CreateOrder(f.ctx, vendor, valid())
	requireCode(t, err, apperr.CodeNotAuthorized)

	req := valid()
	req.VendorID = "vendor-unassigned"
	_, err = f.svc.Orders.CreateOrder(f.ctx, admin, req)
	requireCode(t, err, apperr.CodeValidation)

	req = valid()
	req.Items = nil
	_, err = f.svc.Orders.CreateOrder(f.ctx, admin, req)
	requireCode(t, err, apperr.CodeValidation)

	req = valid()
	req.Items[0].Quantity = decimal.Zero
	_, err = f.svc.Orders.CreateOrder(f.ctx, owner, req)
	requireCode(t, err, apperr.CodeValidation)
}

func TestSendOrder(t *testing.T) {
	f := newFixture(t)
	order := f.draft(t)

	_, err := f.svc.Orders.SendOrder(f.ctx, vendor, order.ID)
	requireCode(t, err, apperr.CodeNotAuthorized)

	sent, err := f.svc.Orders.SendOrder(f.ctx, admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSent, sent.Status)
	assert.NotNil(t, sent.SentAt)
	assert.Equal(t, 2, sent.Version)

	updates := f.pub.ofType(models.EventOrderUpdated)
	require.Len(t, updates, 1)
	assert.Contains(t, updates[0].Rooms, models.VendorRoom(vendor.ID))
	assert.Contains(t, updates[0].Rooms, models.OrderRoom(order.ID))
	assert.Equal(t, 2, updates[0].Version)

	e := requireCode(t, func() error { _, err := f.svc.Orders.SendOrder(f.ctx, admin, order.ID); return err }(), apperr.CodeInvalidTransition)
	assert.Equal(t, models.OrderStatusSent, e.State.OrderStatus)
	assert.Equal(t, "sendOrder", e.State.Action)

	_, err = f.svc.Orders.SendOrder(f.ctx, admin, "missing")
	requireCode(t, err, apperr.CodeNotFound)
}

func TestNegotiationScenario(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)

	first, err := f.svc.Negotiation.SubmitQuotation(f.ctx, vendor, order.ID, models.Quotation{
		Amount:   decimal.NewFromInt(45000),
		Currency: "INR",
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInNegotiation, f.order(t, order.ID).Status)
	assert.Equal(t, map[models.QuotationStatus]int{models.QuotationPending: 1}, f.quotations(t, order.ID))

	rejected, err := f.svc.Negotiation.RejectQuotation(f.ctx, admin, order.ID, first.ID, "too high")
	require.NoError(t, err)
	assert.Equal(t, models.QuotationRejected, rejected.Payload.Quotation.Status)
	assert.Equal(t, "too high", rejected.Payload.Quotation.Reason)
	assert.Equal(t, models.OrderStatusInNegotiation, f.order(t, order.ID).Status)

	second := f.quote(t, order.ID, 38000, first.ID)
	assert.Equal(t, first.ID, second.Payload.Quotation.InResponseTo)
	assert.Equal(t, models.OrderStatusInNegotiation, f.order(t, order.ID).Status)
	assert.Equal(t, 1, f.quotations(t, order.ID)[models.QuotationPending])

	res, err := f.svc.Negotiation.AcceptQuotation(f.ctx, admin, order.ID, second.ID)
	require.NoError(t, err)

	got := f.order(t, order.ID)
	assert.Equal(t, models.OrderStatusAccepted, got.Status)
	require.True(t, got.FinalAmount.Valid)
	assert.True(t, got.FinalAmount.Decimal.Equal(decimal.NewFromInt(38000)))
	assert.True(t, got.ChatClosed)
	require.NotNil(t, got.Delivery)
	assert.Equal(t, models.StageNotStarted, got.Delivery.Stage)

	inv, err := f.svc.Orders.GetInvoice(f.ctx, vendor, order.ID)
	require.NoError(t, err)
	assert.Equal(t, res.Invoice.ID, inv.ID)
	assert.Equal(t, second.ID, inv.QuotationID)
	assert.True(t, inv.Subtotal.Equal(decimal.NewFromInt(38000)))
	assert.True(t, inv.TaxAmount.Equal(decimal.NewFromInt(6840)))
	assert.True(t, inv.TotalAmount.Equal(decimal.NewFromInt(43840)))
	assert.True(t, inv.AmountDue.Equal(inv.TotalAmount))
	assert.Equal(t, models.InvoiceStatusPending, inv.Status)
	assert.Equal(t, f.clock.Now().AddDate(0, 0, 30), inv.DueDate)

	msgs, err := f.svc.Negotiation.ListMessages(f.ctx, admin, order.ID)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, models.MessageTypeInvoice, last.Type)
	assert.Equal(t, inv.Number, last.Payload.Invoice.Number)
	assert.Equal(t, models.SystemQuotationAccepted, msgs[len(msgs)-2].Payload.System.Event)

	accepted := f.pub.ofType(models.EventQuotationAccepted)
	require.Len(t, accepted, 1)
	assert.Equal(t, got.Version, accepted[0].Version)
}

func TestSubmitQuotationSupersedesPending(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)

	first := f.quote(t, order.ID, 50000, "")
	second := f.quote(t, order.ID, 47000, "")

	msgs, err := f.repo.ListMessages(f.ctx, order.ID)
	require.NoError(t, err)
	var stale *models.Quotation
	for _, m := range msgs {
		if m.ID == first.ID {
			stale = m.Payload.Quotation
		}
	}
	require.NotNil(t, stale)
	assert.Equal(t, models.QuotationNegotiated, stale.Status)
	assert.Equal(t, second.ID, stale.SupersededBy)
	assert.Equal(t, 1, f.quotations(t, order.ID)[models.QuotationPending])

	submitted := f.pub.ofType(models.EventQuotationSubmitted)
	require.Len(t, submitted, 2)

	_, err = f.svc.Negotiation.AcceptQuotation(f.ctx, admin, order.ID, first.ID)
	e := requireCode(t, err, apperr.CodeInvalidTransition)
	assert.Equal(t, models.QuotationNegotiated, e.State.QuotationStatus)
}

func TestSubmitQuotationGuards(t *testing.T) {
	f := newFixture(t)
	draft := f.draft(t)

	_, err := f.svc.Negotiation.SubmitQuotation(f.ctx, vendor, draft.ID, models.Quotation{Amount: decimal.NewFromInt(10)})
	requireCode(t, err, apperr.CodeInvalidTransition)

	order := f.sent(t)
	_, err = f.svc.Negotiation.SubmitQuotation(f.ctx, otherVendor, order.ID, models.Quotation{Amount: decimal.NewFromInt(10)})
	requireCode(t, err, apperr.CodeNotAuthorized)

	_, err = f.svc.Negotiation.SubmitQuotation(f.ctx, admin, order.ID, models.Quotation{Amount: decimal.NewFromInt(10)})
	requireCode(t, err, apperr.CodeNotAuthorized)

	_, err = f.svc.Negotiation.SubmitQuotation(f.ctx, vendor, order.ID, models.Quotation{Amount: decimal.Zero})
	requireCode(t, err, apperr.CodeValidation)

	_, err = f.svc.Negotiation.SubmitQuotation(f.ctx, vendor, order.ID, models.Quotation{
		Amount:       decimal.NewFromInt(10),
		InResponseTo: "unknown",
	})
	requireCode(t, err, apperr.CodeValidation)

	itemized, err := f.svc.Negotiation.SubmitQuotation(f.ctx, vendor, order.ID, models.Quotation{
		Items: []models.QuotationItem{
			{Name: "cement", Quantity: decimal.NewFromInt(100), UnitPrice: decimal.NewFromInt(350)},
			{Name: "rebar", Quantity: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(900)},
		},
	})
	require.NoError(t, err)
	assert.True(t, itemized.Payload.Quotation.Amount.Equal(decimal.NewFromInt(36800)))
	assert.Equal(t, "INR", itemized.Payload.Quotation.Currency)

	accepted, _ := f.accepted(t)
	_, err = f.svc.Negotiation.SubmitQuotation(f.ctx, vendor, accepted.ID, models.Quotation{Amount: decimal.NewFromInt(10)})
	requireCode(t, err, apperr.CodeInvalidTransition)
}

func TestConcurrentAcceptExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)
	q := f.quote(t, order.ID, 38000, "")

	const n = 8
	var (
		wg   sync.WaitGroup
		errs = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			actor := admin
			if i%2 == 1 {
				actor = owner
			}
			_, errs[i] = f.svc.Negotiation.AcceptQuotation(f.ctx, actor, order.ID, q.ID)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		e := requireCode(t, err, apperr.CodeAlreadyAccepted)
		assert.Equal(t, models.OrderStatusAccepted, e.State.OrderStatus)
		assert.Equal(t, models.QuotationAccepted, e.State.QuotationStatus)
	}
	assert.Equal(t, 1, wins)
	assert.Len(t, f.pub.ofType(models.EventQuotationAccepted), 1)

	_, err := f.repo.GetInvoiceByOrder(f.ctx, order.ID)
	require.NoError(t, err)
}

func TestAcceptRacingRejectExactlyOneWins(t *testing.T) {
	for i := 0; i < 20; i++ {
		f := newFixture(t)
		order := f.sent(t)
		q := f.quote(t, order.ID, 38000, "")

		var (
			wg                   sync.WaitGroup
			acceptErr, rejectErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = f.svc.Negotiation.AcceptQuotation(f.ctx, admin, order.ID, q.ID)
		}()
		go func() {
			defer wg.Done()
			_, rejectErr = f.svc.Negotiation.RejectQuotation(f.ctx, owner, order.ID, q.ID, "")
		}()
		wg.Wait()

		require.True(t, (acceptErr == nil) != (rejectErr == nil), "accept=%v reject=%v", acceptErr, rejectErr)
		got := f.order(t, order.ID)
		if acceptErr == nil {
			requireCode(t, rejectErr, apperr.CodeInvalidTransition)
			assert.Equal(t, models.OrderStatusAccepted, got.Status)
		} else {
			requireCode(t, acceptErr, apperr.CodeInvalidTransition)
			assert.Equal(t, models.OrderStatusInNegotiation, got.Status)
			assert.False(t, got.FinalAmount.Valid)
		}
	}
}

func TestRejectAcceptedQuotationLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	order, q := f.accepted(t)
	before := f.order(t, order.ID)
	invBefore, err := f.repo.GetInvoiceByOrder(f.ctx, order.ID)
	require.NoError(t, err)

	_, err = f.svc.Negotiation.RejectQuotation(f.ctx, admin, order.ID, q.ID, "changed my mind")
	e := requireCode(t, err, apperr.CodeInvalidTransition)
	assert.Equal(t, models.QuotationAccepted, e.State.QuotationStatus)

	after := f.order(t, order.ID)
	assert.Equal(t, before, after)
	invAfter, err := f.repo.GetInvoiceByOrder(f.ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, invBefore, invAfter)

	_, err = f.svc.Negotiation.AcceptQuotation(f.ctx, admin, order.ID, q.ID)
	requireCode(t, err, apperr.CodeAlreadyAccepted)
}

func TestRejectTwice(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)
	q := f.quote(t, order.ID, 38000, "")

	_, err := f.svc.Negotiation.RejectQuotation(f.ctx, admin, order.ID, q.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Negotiation.RejectQuotation(f.ctx, admin, order.ID, q.ID, "")
	requireCode(t, err, apperr.CodeAlreadyRejected)

	_, err = f.svc.Negotiation.RejectQuotation(f.ctx, admin, order.ID, "missing", "")
	requireCode(t, err, apperr.CodeNotFound)
}

func TestAcceptExpiredQuotation(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)
	validUntil := f.clock.Now().Add(time.Hour)
	q, err := f.svc.Negotiation.SubmitQuotation(f.ctx, vendor, order.ID, models.Quotation{
		Amount:     decimal.NewFromInt(38000),
		ValidUntil: &validUntil,
	})
	require.NoError(t, err)
	f.pub.reset()

	f.clock.Advance(2 * time.Hour)
	_, err = f.svc.Negotiation.AcceptQuotation(f.ctx, admin, order.ID, q.ID)
	e := requireCode(t, err, apperr.CodeQuotationExpired)
	assert.Equal(t, models.OrderStatusInNegotiation, e.State.OrderStatus)

	got := f.order(t, order.ID)
	assert.Equal(t, models.OrderStatusInNegotiation, got.Status)
	assert.False(t, got.FinalAmount.Valid)
	assert.Equal(t, map[models.QuotationStatus]int{models.QuotationExpired: 1}, f.quotations(t, order.ID))

	newMessages := f.pub.ofType(models.EventNewMessage)
	require.Len(t, newMessages, 1)

	_, err = f.svc.Negotiation.RejectQuotation(f.ctx, admin, order.ID, q.ID, "")
	requireCode(t, err, apperr.CodeQuotationExpired)

	// The vendor can still revise.
	f.quote(t, order.ID, 39000, q.ID)
}

func TestSendMessageGuards(t *testing.T) {
	f := newFixture(t)
	draft := f.draft(t)

	_, err := f.svc.Negotiation.SendMessage(f.ctx, admin, draft.ID, "hello")
	requireCode(t, err, apperr.CodeInvalidTransition)

	order := f.sent(t)
	_, err = f.svc.Negotiation.SendMessage(f.ctx, vendor, order.ID, "  ")
	requireCode(t, err, apperr.CodeValidation)
	_, err = f.svc.Negotiation.SendMessage(f.ctx, otherVendor, order.ID, "hello")
	requireCode(t, err, apperr.CodeNotAuthorized)

	msg, err := f.svc.Negotiation.SendMessage(f.ctx, vendor, order.ID, "when do you need it?")
	require.NoError(t, err)
	assert.Equal(t, models.MessageTypeText, msg.Type)
	assert.Equal(t, vendor.ID, msg.SenderID)

	n, err := f.svc.Negotiation.MarkRead(f.ctx, admin, order.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n) // the vendor's text and the system note

	accepted, _ := f.accepted(t)
	_, err = f.svc.Negotiation.SendMessage(f.ctx, admin, accepted.ID, "thanks")
	e := requireCode(t, err, apperr.CodeInvalidTransition)
	assert.True(t, e.State.ChatClosed)
}

func TestMessagesStayOrderedWhenClockStepsBack(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)

	for i := 0; i < 5; i++ {
		f.clock.Advance(-time.Minute)
		_, err := f.svc.Negotiation.SendMessage(f.ctx, vendor, order.ID, "ping")
		require.NoError(t, err)
	}

	msgs, err := f.svc.Negotiation.ListMessages(f.ctx, admin, order.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 6)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt), "message %d is out of order", i)
		assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
	}
}

func TestDeliveryLifecycle(t *testing.T) {
	f := newFixture(t)
	order, _ := f.accepted(t)
	update := func(actor models.Actor, stage models.DeliveryStage) (*models.Order, error) {
		return f.svc.Delivery.UpdateDeliveryStatus(f.ctx, actor, order.ID, &DeliveryUpdateRequest{Stage: stage})
	}

	_, err := update(otherVendor, models.StagePreparing)
	requireCode(t, err, apperr.CodeNotAuthorized)

	got, err := f.svc.Delivery.UpdateDeliveryStatus(f.ctx, vendor, order.ID, &DeliveryUpdateRequest{
		Stage:          models.StageDispatched,
		TrackingNumber: "TRK-1",
		Carrier:        "BlueDart",
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusInProgress, got.Status)
	assert.Equal(t, "TRK-1", got.Delivery.TrackingNumber)

	_, err = update(vendor, models.StagePreparing)
	e := requireCode(t, err, apperr.CodeInvalidTransition)
	assert.Equal(t, models.StageDispatched, e.State.DeliveryStage)
	assert.Equal(t, models.StageDispatched, f.order(t, order.ID).Delivery.Stage)

	_, err = update(vendor, models.StageInTransit)
	require.NoError(t, err)
	got, err = update(vendor, models.StagePartiallyDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartiallyDelivered, got.Status)
	assert.Equal(t, "TRK-1", got.Delivery.TrackingNumber)

	got, err = update(vendor, models.StageDelivered)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
	assert.True(t, got.FinalAmount.Valid)

	_, err = update(vendor, models.StageDelivered)
	requireCode(t, err, apperr.CodeInvalidTransition)

	msgs, err := f.repo.ListMessages(f.ctx, order.ID)
	require.NoError(t, err)
	deliveries := 0
	for _, m := range msgs {
		if m.Type == models.MessageTypeDelivery {
			deliveries++
		}
	}
	assert.Equal(t, 4, deliveries)
}

func TestDeliveryRequiresAcceptedOrder(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)

	_, err := f.svc.Delivery.UpdateDeliveryStatus(f.ctx, vendor, order.ID, &DeliveryUpdateRequest{Stage: models.StagePreparing})
	requireCode(t, err, apperr.CodeInvalidTransition)

	_, err = f.svc.Delivery.UpdateDeliveryStatus(f.ctx, vendor, order.ID, &DeliveryUpdateRequest{Stage: "teleported"})
	requireCode(t, err, apperr.CodeValidation)
}

func TestDeliveryCorrection(t *testing.T) {
	f := newFixture(t)
	order, _ := f.accepted(t)

	_, err := f.svc.Delivery.CorrectDeliveryStage(f.ctx, admin, order.ID, &DeliveryCorrectionRequest{Stage: models.StagePartiallyDelivered})
	requireCode(t, err, apperr.CodeInvalidTransition)
	assert.Equal(t, models.OrderStatusAccepted, f.order(t, order.ID).Status)

	_, err = f.svc.Delivery.UpdateDeliveryStatus(f.ctx, vendor, order.ID, &DeliveryUpdateRequest{Stage: models.StageDispatched})
	require.NoError(t, err)

	_, err = f.svc.Delivery.CorrectDeliveryStage(f.ctx, admin, order.ID, &DeliveryCorrectionRequest{Stage: models.StageInTransit})
	requireCode(t, err, apperr.CodeInvalidTransition)

	_, err = f.svc.Delivery.CorrectDeliveryStage(f.ctx, vendor, order.ID, &DeliveryCorrectionRequest{Stage: models.StagePacked})
	requireCode(t, err, apperr.CodeNotAuthorized)

	_, err = f.svc.Delivery.CorrectDeliveryStage(f.ctx, admin, order.ID, &DeliveryCorrectionRequest{Stage: models.StageDelivered})
	requireCode(t, err, apperr.CodeInvalidTransition)

	got, err := f.svc.Delivery.CorrectDeliveryStage(f.ctx, admin, order.ID, &DeliveryCorrectionRequest{
		Stage: models.StagePacked,
		Notes: "dispatched by mistake",
	})
	require.NoError(t, err)
	assert.Equal(t, models.StagePacked, got.Delivery.Stage)
	assert.Equal(t, models.OrderStatusInProgress, got.Status)

	msgs, err := f.repo.ListMessages(f.ctx, order.ID)
	require.NoError(t, err)
	last := msgs[len(msgs)-1].Payload.Delivery
	require.NotNil(t, last)
	assert.True(t, last.Correction)
	assert.Equal(t, models.StageDispatched, last.PreviousStage)

	for _, stage := range []models.DeliveryStage{models.StageInTransit, models.StagePartiallyDelivered} {
		_, err = f.svc.Delivery.UpdateDeliveryStatus(f.ctx, vendor, order.ID, &DeliveryUpdateRequest{Stage: stage})
		require.NoError(t, err)
	}
	_, err = f.svc.Delivery.CorrectDeliveryStage(f.ctx, admin, order.ID, &DeliveryCorrectionRequest{Stage: models.StagePacked})
	requireCode(t, err, apperr.CodeInvalidTransition)

	got, err = f.svc.Delivery.CorrectDeliveryStage(f.ctx, admin, order.ID, &DeliveryCorrectionRequest{Stage: models.StageInTransit})
	require.NoError(t, err)
	assert.Equal(t, models.StageInTransit, got.Delivery.Stage)
	assert.Equal(t, models.OrderStatusInProgress, got.Status)
}

func TestCancelAfterAcceptance(t *testing.T) {
	f := newFixture(t)
	order, _ := f.accepted(t)

	_, err := f.svc.Orders.CancelOrder(f.ctx, vendor, order.ID, "")
	requireCode(t, err, apperr.CodeNotAuthorized)

	got, err := f.svc.Orders.CancelOrder(f.ctx, admin, order.ID, "project paused")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
	assert.False(t, got.FinalAmount.Valid)
	assert.NotNil(t, got.CancelledAt)

	inv, err := f.repo.GetInvoiceByOrder(f.ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusCancelled, inv.Status)

	_, err = f.svc.Orders.CancelOrder(f.ctx, admin, order.ID, "")
	requireCode(t, err, apperr.CodeInvalidTransition)
	_, err = f.svc.Negotiation.SendMessage(f.ctx, vendor, order.ID, "why?")
	requireCode(t, err, apperr.CodeInvalidTransition)
}

func TestCompleteOrder(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)

	_, err := f.svc.Orders.CompleteOrder(f.ctx, admin, order.ID)
	requireCode(t, err, apperr.CodeInvalidTransition)

	accepted, _ := f.accepted(t)
	got, err := f.svc.Orders.CompleteOrder(f.ctx, owner, accepted.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCompleted, got.Status)
	assert.True(t, got.FinalAmount.Valid)
}

func TestDeclineOrder(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)
	q := f.quote(t, order.ID, 38000, "")

	_, err := f.svc.Orders.DeclineOrder(f.ctx, admin, order.ID, "")
	requireCode(t, err, apperr.CodeNotAuthorized)

	got, err := f.svc.Orders.DeclineOrder(f.ctx, vendor, order.ID, "out of stock")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, got.Status)
	assert.Equal(t, map[models.QuotationStatus]int{models.QuotationNegotiated: 1}, f.quotations(t, order.ID))

	_, err = f.svc.Negotiation.AcceptQuotation(f.ctx, admin, order.ID, q.ID)
	requireCode(t, err, apperr.CodeInvalidTransition)
	_, err = f.svc.Negotiation.SubmitQuotation(f.ctx, vendor, order.ID, models.Quotation{Amount: decimal.NewFromInt(1)})
	requireCode(t, err, apperr.CodeInvalidTransition)

	got, err = f.svc.Orders.CancelOrder(f.ctx, admin, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)
}

func TestListOrdersScopesVendors(t *testing.T) {
	f := newFixture(t)
	mine := f.sent(t)
	other, err := f.svc.Orders.CreateOrder(f.ctx, admin, &CreateOrderRequest{
		Title:     "Tiles",
		ProjectID: "project-1",
		VendorID:  otherVendor.ID,
		Items:     []models.OrderItem{{Name: "tile", Quantity: decimal.NewFromInt(10), Unit: "box"}},
	})
	require.NoError(t, err)

	orders, err := f.svc.Orders.ListOrders(f.ctx, vendor, store.OrderFilter{VendorID: otherVendor.ID})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, mine.ID, orders[0].ID)

	orders, err = f.svc.Orders.ListOrders(f.ctx, admin, store.OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	_, err = f.svc.Orders.GetOrder(f.ctx, vendor, other.ID)
	requireCode(t, err, apperr.CodeNotAuthorized)
	_, err = f.svc.Orders.GetInvoice(f.ctx, admin, mine.ID)
	requireCode(t, err, apperr.CodeNotFound)
}

func TestSweepExpiredQuotations(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)
	validUntil := f.clock.Now().Add(time.Hour)
	_, err := f.svc.Negotiation.SubmitQuotation(f.ctx, vendor, order.ID, models.Quotation{
		Amount:     decimal.NewFromInt(38000),
		ValidUntil: &validUntil,
	})
	require.NoError(t, err)

	n, err := f.svc.Expiry.SweepExpiredQuotations(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * time.Hour)
	n, err = f.svc.Expiry.SweepExpiredQuotations(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, map[models.QuotationStatus]int{models.QuotationExpired: 1}, f.quotations(t, order.ID))

	n, err = f.svc.Expiry.SweepExpiredQuotations(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTypingIsNotPersisted(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)
	before, err := f.repo.ListMessages(f.ctx, order.ID)
	require.NoError(t, err)

	require.NoError(t, f.svc.Negotiation.Typing(f.ctx, vendor, order.ID, true))
	requireCode(t, f.svc.Negotiation.Typing(f.ctx, otherVendor, order.ID, true), apperr.CodeNotAuthorized)

	typing := f.pub.ofType(models.EventUserTyping)
	require.Len(t, typing, 1)
	assert.Equal(t, vendor.ID, typing[0].SenderID)

	after, err := f.repo.ListMessages(f.ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAssignVendor(t *testing.T) {
	f := newFixture(t)
	third := models.Actor{ID: "vendor-3", Role: models.RoleVendor}

	requireCode(t, f.svc.Orders.AssignVendor(f.ctx, owner, "project-1", third.ID), apperr.CodeNotAuthorized)
	requireCode(t, f.svc.Orders.AssignVendor(f.ctx, third, "project-1", third.ID), apperr.CodeNotAuthorized)
	requireCode(t, f.svc.Orders.AssignVendor(f.ctx, admin, " ", third.ID), apperr.CodeValidation)

	req := &CreateOrderRequest{
		Title:     "Sand",
		ProjectID: "project-1",
		VendorID:  third.ID,
		Items:     []models.OrderItem{{Name: "sand", Quantity: decimal.NewFromInt(5), Unit: "ton"}},
	}
	_, err := f.svc.Orders.CreateOrder(f.ctx, admin, req)
	requireCode(t, err, apperr.CodeValidation)

	require.NoError(t, f.svc.Orders.AssignVendor(f.ctx, admin, "project-1", third.ID))
	require.NoError(t, f.svc.Orders.AssignVendor(f.ctx, admin, "project-1", third.ID))

	order, err := f.svc.Orders.CreateOrder(f.ctx, admin, req)
	require.NoError(t, err)
	assert.Equal(t, third.ID, order.VendorID)
}

func TestExpiredQuotationOnCancelledOrderIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	order := f.sent(t)
	validUntil := f.clock.Now().Add(time.Hour)
	q, err := f.svc.Negotiation.SubmitQuotation(f.ctx, vendor, order.ID, models.Quotation{
		Amount:     decimal.NewFromInt(38000),
		ValidUntil: &validUntil,
	})
	require.NoError(t, err)
	_, err = f.svc.Orders.CancelOrder(f.ctx, admin, order.ID, "")
	require.NoError(t, err)

	before := f.order(t, order.ID)
	msgsBefore, err := f.repo.ListMessages(f.ctx, order.ID)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)
	f.pub.reset()

	_, err = f.svc.Negotiation.AcceptQuotation(f.ctx, admin, order.ID, q.ID)
	e := requireCode(t, err, apperr.CodeInvalidTransition)
	assert.Equal(t, models.OrderStatusCancelled, e.State.OrderStatus)
	_, err = f.svc.Negotiation.RejectQuotation(f.ctx, admin, order.ID, q.ID, "")
	requireCode(t, err, apperr.CodeInvalidTransition)

	n, err := f.svc.Expiry.SweepExpiredQuotations(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	after := f.order(t, order.ID)
	assert.Equal(t, before.Version, after.Version)
	msgsAfter, err := f.repo.ListMessages(f.ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, msgsAfter, len(msgsBefore))
	assert.Equal(t, map[models.QuotationStatus]int{models.QuotationPending: 1}, f.quotations(t, order.ID))
	assert.Empty(t, f.pub.ofType(models.EventNewMessage))
}

func TestCommitRefusesStatusOutsideGraph(t *testing.T) {
	f := newFixture(t)
	order := f.draft(t)

	err := f.repo.LockOrder(f.ctx, order.ID, func(tx store.Tx, o *models.Order) error {
		o.Status = models.OrderStatusCompleted
		return f.svc.Orders.commit(f.ctx, tx, o, models.OrderStatusDraft)
	})
	e := requireCode(t, err, apperr.CodeInvalidTransition)
	assert.Equal(t, models.OrderStatusDraft, e.State.OrderStatus)
	assert.Equal(t, models.OrderStatusDraft, f.order(t, order.ID).Status)
}
