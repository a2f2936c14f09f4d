// Package invoice derives the billing snapshot of an accepted quotation.
package invoice

import (
	"context"
	"fmt"
	"time"

	"procurement-service/internal/apperr"
	"procurement-service/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Terms are pass-through billing settings, not computed policy
type Terms struct {
	TaxRate  decimal.Decimal
	Discount decimal.Decimal
	DueDays  int
}

// Ledger is the slice of the store the generator needs inside the accept transaction
type Ledger interface {
	FindInvoiceByOrder(ctx context.Context, orderID string) (*models.Invoice, error)
	NextInvoiceNumber(ctx context.Context, year int) (string, error)
}

// Generator builds invoices
type Generator struct {
	terms Terms
	now   func() time.Time
}

// NewGenerator creates a generator with fixed terms
func NewGenerator(terms Terms) *Generator {
	return &Generator{terms: terms, now: time.Now}
}

// WithClock overrides the time source.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

// Totals computes tax and total for a subtotal. Tax is rounded to cents.
func Totals(subtotal, taxRate, discount decimal.Decimal) (tax, total decimal.Decimal) {
	tax = subtotal.Mul(taxRate).Round(2)
	total = subtotal.Add(tax).Sub(discount)
	return tax, total
}

// Generate derives an invoice from the accepted quotation. It refuses when the
// order already has one.
func (g *Generator) Generate(ctx context.Context, ledger Ledger, order *models.Order, quotationID string, q *models.Quotation) (*models.Invoice, error) {
	existing, err := ledger.FindInvoiceByOrder(ctx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing invoice: %w", err)
	}
	if existing != nil {
		return nil, apperr.DuplicateInvoice(order.ID)
	}

	now := g.now().UTC()
	number, err := ledger.NextInvoiceNumber(ctx, now.Year())
	if err != nil {
		return nil, fmt.Errorf("failed to allocate invoice number: %w", err)
	}

	items := make(models.InvoiceItems, 0, len(q.Items))
	for _, it := range q.Items {
		items = append(items, models.InvoiceItem{
			Name:      it.Name,
			Quantity:  it.Quantity,
			Unit:      it.Unit,
			UnitPrice: it.UnitPrice,
			Total:     it.Total,
		})
	}

	subtotal := q.Amount
	tax, total := Totals(subtotal, g.terms.TaxRate, g.terms.Discount)
	if total.IsNegative() {
		return nil, apperr.Validation("discount %s exceeds invoice value %s", g.terms.Discount, subtotal.Add(tax))
	}

	return &models.Invoice{
		ID:          uuid.New().String(),
		Number:      number,
		OrderID:     order.ID,
		QuotationID: quotationID,
		ProjectID:   order.ProjectID,
		VendorID:    order.VendorID,
		Items:       items,
		Currency:    q.Currency,
		Subtotal:    subtotal,
		TaxRate:     g.terms.TaxRate,
		TaxAmount:   tax,
		Discount:    g.terms.Discount,
		TotalAmount: total,
		AmountPaid:  decimal.Zero,
		AmountDue:   total,
		DueDate:     now.AddDate(0, 0, g.terms.DueDays),
		Status:      models.InvoiceStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// FormatNumber renders the INV-YYYY-NNNN invoice number.
func FormatNumber(year int, seq int64) string {
	return fmt.Sprintf("INV-%d-%04d", year, seq)
}
