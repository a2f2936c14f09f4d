package store

import (
	"context"
	"database/sql"
	"fmt"

	"procurement-service/internal/invoice"
	"procurement-service/internal/models"
)

const invoiceColumns = `id, number, order_id, quotation_id, project_id, vendor_id, items, currency,
	subtotal, tax_rate, tax_amount, discount, total_amount, amount_paid, amount_due, due_date,
	status, created_at, updated_at`

// GetInvoiceByOrder retrieves the invoice generated for an order
func (s *Store) GetInvoiceByOrder(ctx context.Context, orderID string) (*models.Invoice, error) {
	var inv models.Invoice
	err := s.db.GetContext(ctx, &inv, "SELECT "+invoiceColumns+" FROM invoices WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (t *pgTx) FindInvoiceByOrder(ctx context.Context, orderID string) (*models.Invoice, error) {
	var inv models.Invoice
	err := t.tx.GetContext(ctx, &inv, "SELECT "+invoiceColumns+" FROM invoices WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (t *pgTx) NextInvoiceNumber(ctx context.Context, year int) (string, error) {
	var seq int64
	if err := t.tx.GetContext(ctx, &seq, "SELECT nextval('invoice_number_seq')"); err != nil {
		return "", fmt.Errorf("failed to read invoice sequence: %w", err)
	}
	return invoice.FormatNumber(year, seq), nil
}

func (t *pgTx) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		inv.ID, inv.Number, inv.OrderID, inv.QuotationID, inv.ProjectID, inv.VendorID, inv.Items,
		inv.Currency, inv.Subtotal, inv.TaxRate, inv.TaxAmount, inv.Discount, inv.TotalAmount,
		inv.AmountPaid, inv.AmountDue, inv.DueDate, inv.Status, inv.CreatedAt, inv.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

func (t *pgTx) UpdateInvoiceStatus(ctx context.Context, invoiceID string, status models.InvoiceStatus) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE invoices SET status = $1, updated_at = NOW() WHERE id = $2", status, invoiceID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
