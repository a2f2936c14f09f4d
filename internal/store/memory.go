package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"procurement-service/internal/invoice"
	"procurement-service/internal/models"
)

// MemoryStore keeps everything in process. LockOrder serializes all writers,
// which gives the same outcome as row locks for a single instance.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]*models.Order
	messages    map[string]*models.Message
	byOrder     map[string][]string
	invoices    map[string]*models.Invoice
	invoiceSeq  int64
	assignments map[string]map[string]bool
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory repository
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]*models.Order),
		messages:    make(map[string]*models.Message),
		byOrder:     make(map[string][]string),
		invoices:    make(map[string]*models.Invoice),
		assignments: make(map[string]map[string]bool),
		now:         time.Now,
	}
}

// WithClock overrides the timestamp source for created and updated times.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

// Close is a no-op
func (s *MemoryStore) Close() error { return nil }

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[order.ID]; ok {
		return ErrDuplicate
	}
	now := s.now().UTC()
	order.CreatedAt = now
	order.UpdatedAt = now
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryStore) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Order{}
	for _, o := range s.orders {
		if filter.Status != "" && o.Status != filter.Status {
			continue
		}
		if filter.VendorID != "" && o.VendorID != filter.VendorID {
			continue
		}
		if filter.ProjectID != "" && o.ProjectID != filter.ProjectID {
			continue
		}
		out = append(out, *o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []models.Order{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, orderID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Message, 0, len(s.byOrder[orderID]))
	for _, id := range s.byOrder[orderID] {
		out = append(out, *s.messages[id].Clone())
	}
	sortMessages(out)
	return out, nil
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
}

func (s *MemoryStore) MarkMessagesRead(ctx context.Context, orderID, readerID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, id := range s.byOrder[orderID] {
		m := s.messages[id]
		if m.SenderID != readerID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) GetInvoiceByOrder(ctx context.Context, orderID string) (*models.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *inv
	return &c, nil
}

func (s *MemoryStore) ListExpiredQuotations(ctx context.Context, now time.Time, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []models.Message{}
	for _, m := range s.messages {
		q := m.Payload.Quotation
		if q == nil || q.Status != models.QuotationPending || q.ValidUntil == nil || !q.ValidUntil.Before(now) {
			continue
		}
		if o := s.orders[m.OrderID]; o != nil && !o.Status.IsTerminal() {
			out = append(out, *m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Payload.Quotation.ValidUntil.Before(*out[j].Payload.Quotation.ValidUntil)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) AssignVendor(ctx context.Context, projectID, vendorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.assignments[projectID] == nil {
		s.assignments[projectID] = make(map[string]bool)
	}
	s.assignments[projectID][vendorID] = true
	return nil
}

func (s *MemoryStore) VendorAssignedToProject(ctx context.Context, vendorID, projectID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.assignments[projectID][vendorID], nil
}

// LockOrder stages fn's writes and applies them only when fn succeeds
func (s *MemoryStore) LockOrder(ctx context.Context, orderID string, fn func(tx Tx, order *models.Order) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[orderID]
	if !ok {
		return ErrNotFound
	}

	tx := &memTx{
		s:        s,
		orders:   make(map[string]*models.Order),
		messages: make(map[string]*models.Message),
		invoices: make(map[string]*models.Invoice),
	}
	commit, err := splitCommit(fn(tx, current.Clone()))
	if err != nil && !commit {
		return err
	}
	tx.apply()
	return err
}

// memTx overlays staged writes on the committed maps. The store mutex is held.
type memTx struct {
	s        *MemoryStore
	orders   map[string]*models.Order
	messages map[string]*models.Message
	appended []string
	invoices map[string]*models.Invoice
	seq      int64
}

func (t *memTx) order(id string) (*models.Order, bool) {
	if o, ok := t.orders[id]; ok {
		return o, true
	}
	o, ok := t.s.orders[id]
	return o, ok
}

func (t *memTx) message(id string) (*models.Message, bool) {
	if m, ok := t.messages[id]; ok {
		return m, true
	}
	m, ok := t.s.messages[id]
	return m, ok
}

func (t *memTx) UpdateOrder(ctx context.Context, order *models.Order, from models.OrderStatus) error {
	current, ok := t.order(order.ID)
	if !ok {
		return ErrNotFound
	}
	if current.Status != from || current.Version != order.Version {
		return ErrConflict
	}
	order.Version++
	order.UpdatedAt = t.s.now().UTC()
	staged := order.Clone()
	staged.CreatedAt = current.CreatedAt
	t.orders[order.ID] = staged
	return nil
}

func (t *memTx) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	m, ok := t.message(id)
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (t *memTx) LatestPendingQuotation(ctx context.Context, orderID string) (*models.Message, error) {
	var ids []string
	ids = append(ids, t.s.byOrder[orderID]...)
	for _, id := range t.appended {
		if m := t.messages[id]; m.OrderID == orderID {
			ids = append(ids, id)
		}
	}

	var latest *models.Message
	for _, id := range ids {
		m, _ := t.message(id)
		q := m.Payload.Quotation
		if q == nil || q.Status != models.QuotationPending {
			continue
		}
		if latest == nil || m.CreatedAt.After(latest.CreatedAt) ||
			(m.CreatedAt.Equal(latest.CreatedAt) && m.ID > latest.ID) {
			latest = m
		}
	}
	if latest == nil {
		return nil, nil
	}
	return latest.Clone(), nil
}

func (t *memTx) UpdateQuotation(ctx context.Context, messageID string, from models.QuotationStatus, q *models.Quotation) error {
	m, ok := t.message(messageID)
	if !ok {
		return ErrNotFound
	}
	if m.Payload.Quotation == nil || m.Payload.Quotation.Status != from {
		return ErrConflict
	}
	staged := m.Clone()
	staged.Payload = models.MessagePayload{Quotation: q}
	staged = staged.Clone()
	t.messages[messageID] = staged
	return nil
}

func (t *memTx) AppendMessage(ctx context.Context, m *models.Message) error {
	if _, ok := t.message(m.ID); ok {
		return ErrDuplicate
	}
	if q := m.Payload.Quotation; q != nil && q.Status == models.QuotationPending {
		if pending, _ := t.LatestPendingQuotation(ctx, m.OrderID); pending != nil {
			return ErrDuplicate
		}
	}
	t.messages[m.ID] = m.Clone()
	t.appended = append(t.appended, m.ID)
	return nil
}

func (t *memTx) FindInvoiceByOrder(ctx context.Context, orderID string) (*models.Invoice, error) {
	inv, ok := t.invoices[orderID]
	if !ok {
		inv, ok = t.s.invoices[orderID]
	}
	if !ok {
		return nil, nil
	}
	c := *inv
	return &c, nil
}

func (t *memTx) NextInvoiceNumber(ctx context.Context, year int) (string, error) {
	t.seq++
	return invoice.FormatNumber(year, t.s.invoiceSeq+t.seq), nil
}

func (t *memTx) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	if existing, _ := t.FindInvoiceByOrder(ctx, inv.OrderID); existing != nil {
		return ErrDuplicate
	}
	c := *inv
	t.invoices[inv.OrderID] = &c
	return nil
}

func (t *memTx) UpdateInvoiceStatus(ctx context.Context, invoiceID string, status models.InvoiceStatus) error {
	for _, src := range []map[string]*models.Invoice{t.invoices, t.s.invoices} {
		for orderID, inv := range src {
			if inv.ID != invoiceID {
				continue
			}
			c := *inv
			c.Status = status
			c.UpdatedAt = t.s.now().UTC()
			t.invoices[orderID] = &c
			return nil
		}
	}
	return ErrNotFound
}

func (t *memTx) apply() {
	for id, o := range t.orders {
		t.s.orders[id] = o
	}
	for id, m := range t.messages {
		t.s.messages[id] = m
	}
	for _, id := range t.appended {
		orderID := t.messages[id].OrderID
		t.s.byOrder[orderID] = append(t.s.byOrder[orderID], id)
	}
	for orderID, inv := range t.invoices {
		t.s.invoices[orderID] = inv
	}
	t.s.invoiceSeq += t.seq
}
