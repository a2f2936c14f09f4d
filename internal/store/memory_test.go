package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"procurement-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quotationMessage(id, orderID string, at time.Time, validUntil *time.Time) *models.Message {
	return &models.Message{
		ID:         id,
		OrderID:    orderID,
		SenderID:   "vendor-1",
		SenderRole: models.RoleVendor,
		Type:       models.MessageTypeQuotation,
		Payload: models.MessagePayload{Quotation: &models.Quotation{
			Amount:     decimal.NewFromInt(100),
			Currency:   "USD",
			Status:     models.QuotationPending,
			ValidUntil: validUntil,
		}},
		CreatedAt: at,
	}
}

func TestMemoryStoreRollbackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	order := newDraft()
	require.NoError(t, s.CreateOrder(ctx, order))

	boom := errors.New("boom")
	err := s.LockOrder(ctx, order.ID, func(tx Tx, o *models.Order) error {
		o.Status = models.OrderStatusSent
		require.NoError(t, tx.UpdateOrder(ctx, o, models.OrderStatusDraft))
		require.NoError(t, tx.AppendMessage(ctx, &models.Message{ID: "m1", OrderID: o.ID, Type: models.MessageTypeText}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusDraft, got.Status)
	assert.Equal(t, 1, got.Version)

	msgs, err := s.ListMessages(ctx, order.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryStoreCommitWith(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	order := newDraft()
	require.NoError(t, s.CreateOrder(ctx, order))

	refused := errors.New("refused after write")
	err := s.LockOrder(ctx, order.ID, func(tx Tx, o *models.Order) error {
		o.Status = models.OrderStatusSent
		if err := tx.UpdateOrder(ctx, o, models.OrderStatusDraft); err != nil {
			return err
		}
		return CommitWith(refused)
	})
	assert.ErrorIs(t, err, refused)

	got, err := s.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusSent, got.Status)
	assert.Equal(t, 2, got.Version)
}

func TestMemoryStoreUpdateOrderConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	order := newDraft()
	require.NoError(t, s.CreateOrder(ctx, order))

	err := s.LockOrder(ctx, order.ID, func(tx Tx, o *models.Order) error {
		o.Status = models.OrderStatusSent
		return tx.UpdateOrder(ctx, o, models.OrderStatusInNegotiation)
	})
	assert.ErrorIs(t, err, ErrConflict)

	err = s.LockOrder(ctx, "missing", func(tx Tx, o *models.Order) error { return nil })
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSinglePendingQuotation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	order := newDraft()
	require.NoError(t, s.CreateOrder(ctx, order))
	now := time.Now()

	err := s.LockOrder(ctx, order.ID, func(tx Tx, o *models.Order) error {
		return tx.AppendMessage(ctx, quotationMessage("q1", o.ID, now, nil))
	})
	require.NoError(t, err)

	err = s.LockOrder(ctx, order.ID, func(tx Tx, o *models.Order) error {
		return tx.AppendMessage(ctx, quotationMessage("q2", o.ID, now.Add(time.Second), nil))
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	// Superseding first frees the slot.
	err = s.LockOrder(ctx, order.ID, func(tx Tx, o *models.Order) error {
		prev, err := tx.LatestPendingQuotation(ctx, o.ID)
		require.NoError(t, err)
		require.NotNil(t, prev)
		q := *prev.Payload.Quotation
		q.Status = models.QuotationNegotiated
		q.SupersededBy = "q2"
		if err := tx.UpdateQuotation(ctx, prev.ID, models.QuotationPending, &q); err != nil {
			return err
		}
		return tx.AppendMessage(ctx, quotationMessage("q2", o.ID, now.Add(time.Second), nil))
	})
	require.NoError(t, err)

	msgs, err := s.ListMessages(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.QuotationNegotiated, msgs[0].Payload.Quotation.Status)
	assert.Equal(t, "q2", msgs[0].Payload.Quotation.SupersededBy)
	assert.Equal(t, models.QuotationPending, msgs[1].Payload.Quotation.Status)
}

func TestMemoryStoreUpdateQuotationRequiresStatus(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	order := newDraft()
	require.NoError(t, s.CreateOrder(ctx, order))

	require.NoError(t, s.LockOrder(ctx, order.ID, func(tx Tx, o *models.Order) error {
		return tx.AppendMessage(ctx, quotationMessage("q1", o.ID, time.Now(), nil))
	}))

	err := s.LockOrder(ctx, order.ID, func(tx Tx, o *models.Order) error {
		return tx.UpdateQuotation(ctx, "q1", models.QuotationAccepted, &models.Quotation{Status: models.QuotationRejected})
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMemoryStoreMessageOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	order := newDraft()
	require.NoError(t, s.CreateOrder(ctx, order))
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.LockOrder(ctx, order.ID, func(tx Tx, o *models.Order) error {
		for _, m := range []*models.Message{
			{ID: "b", OrderID: o.ID, Type: models.MessageTypeText, CreatedAt: at},
			{ID: "c", OrderID: o.ID, Type: models.MessageTypeText, CreatedAt: at.Add(-time.Second)},
			{ID: "a", OrderID: o.ID, Type: models.MessageTypeText, CreatedAt: at},
		} {
			if err := tx.AppendMessage(ctx, m); err != nil {
				return err
			}
		}
		return nil
	}))

	msgs, err := s.ListMessages(ctx, order.ID)
	require.NoError(t, err)
	ids := []string{msgs[0].ID, msgs[1].ID, msgs[2].ID}
	assert.Equal(t, []string{"c", "a", "b"}, ids)
}

func TestMemoryStoreInvoiceNumbering(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first, second := newDraft(), newDraft()
	require.NoError(t, s.CreateOrder(ctx, first))
	require.NoError(t, s.CreateOrder(ctx, second))

	create := func(orderID string) string {
		var number string
		require.NoError(t, s.LockOrder(ctx, orderID, func(tx Tx, o *models.Order) error {
			n, err := tx.NextInvoiceNumber(ctx, 2024)
			if err != nil {
				return err
			}
			number = n
			return tx.CreateInvoice(ctx, &models.Invoice{ID: "inv-" + orderID, Number: n, OrderID: orderID})
		}))
		return number
	}
	assert.Equal(t, "INV-2024-0001", create(first.ID))
	assert.Equal(t, "INV-2024-0002", create(second.ID))

	err := s.LockOrder(ctx, first.ID, func(tx Tx, o *models.Order) error {
		return tx.CreateInvoice(ctx, &models.Invoice{ID: "again", OrderID: first.ID})
	})
	assert.ErrorIs(t, err, ErrDuplicate)

	require.NoError(t, s.LockOrder(ctx, first.ID, func(tx Tx, o *models.Order) error {
		return tx.UpdateInvoiceStatus(ctx, "inv-"+first.ID, models.InvoiceStatusCancelled)
	}))
	inv, err := s.GetInvoiceByOrder(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusCancelled, inv.Status)
}

func TestMemoryStoreListOrdersFilter(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryStore().WithClock(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})

	a, b, c := newDraft(), newDraft(), newDraft()
	b.VendorID = "vendor-2"
	c.Status = models.OrderStatusSent
	for _, o := range []*models.Order{a, b, c} {
		require.NoError(t, s.CreateOrder(ctx, o))
	}

	all, err := s.ListOrders(ctx, OrderFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID)

	mine, err := s.ListOrders(ctx, OrderFilter{VendorID: "vendor-1"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	sent, err := s.ListOrders(ctx, OrderFilter{Status: models.OrderStatusSent})
	require.NoError(t, err)
	require.Len(t, sent, 1)
	assert.Equal(t, c.ID, sent[0].ID)

	page, err := s.ListOrders(ctx, OrderFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, b.ID, page[0].ID)
}

func TestMemoryStoreMarkReadAndExpired(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	order := newDraft()
	require.NoError(t, s.CreateOrder(ctx, order))
	now := time.Now()
	past := now.Add(-time.Hour)

	require.NoError(t, s.LockOrder(ctx, order.ID, func(tx Tx, o *models.Order) error {
		if err := tx.AppendMessage(ctx, &models.Message{ID: "t1", OrderID: o.ID, SenderID: "owner-1", Type: models.MessageTypeText, CreatedAt: past}); err != nil {
			return err
		}
		return tx.AppendMessage(ctx, quotationMessage("q1", o.ID, past, &past))
	}))

	n, err := s.MarkMessagesRead(ctx, order.ID, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	expired, err := s.ListExpiredQuotations(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "q1", expired[0].ID)
}

func TestMemoryStoreExpiredSkipsEndedOrders(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	order := newDraft()
	require.NoError(t, s.CreateOrder(ctx, order))
	now := time.Now()
	past := now.Add(-time.Hour)

	require.NoError(t, s.LockOrder(ctx, order.ID, func(tx Tx, o *models.Order) error {
		if err := tx.AppendMessage(ctx, quotationMessage("q1", o.ID, past, &past)); err != nil {
			return err
		}
		o.Status = models.OrderStatusCancelled
		return tx.UpdateOrder(ctx, o, models.OrderStatusDraft)
	}))

	expired, err := s.ListExpiredQuotations(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, expired)
}

func TestMemoryStoreAssignments(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ok, err := s.VendorAssignedToProject(ctx, "vendor-1", "project-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AssignVendor(ctx, "project-1", "vendor-1"))
	ok, err = s.VendorAssignedToProject(ctx, "vendor-1", "project-1")
	require.NoError(t, err)
	assert.True(t, ok)
}
