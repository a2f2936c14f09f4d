package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"procurement-service/internal/models"
)

const orderColumns = `id, title, project_id, vendor_id, created_by, items, status, currency,
	estimated_amount, final_amount, chat_closed, delivery, version, last_message_at,
	sent_at, accepted_at, completed_at, cancelled_at, created_at, updated_at`

// CreateOrder creates a new draft order
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	query := `
		INSERT INTO orders (id, title, project_id, vendor_id, created_by, items, status, currency,
			estimated_amount, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`

	err := s.db.QueryRowxContext(ctx, query,
		order.ID, order.Title, order.ProjectID, order.VendorID, order.CreatedBy, order.Items,
		order.Status, order.Currency, order.EstimatedAmount, order.Version,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// GetOrder retrieves an order by ID
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves orders matching the filter, newest first
func (s *Store) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error) {
	var (
		where []string
		args  []interface{}
	)
	add := func(cond string, arg interface{}) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.VendorID != "" {
		add("vendor_id = $%d", filter.VendorID)
	}
	if filter.ProjectID != "" {
		add("project_id = $%d", filter.ProjectID)
	}

	query := "SELECT " + orderColumns + " FROM orders"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, query, args...)
	return orders, err
}

// AssignVendor records that a vendor may receive orders for a project
func (s *Store) AssignVendor(ctx context.Context, projectID, vendorID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO project_vendors (project_id, vendor_id) VALUES ($1, $2) ON CONFLICT DO NOTHING",
		projectID, vendorID)
	return err
}

// VendorAssignedToProject checks the project_vendors assignment table
func (s *Store) VendorAssignedToProject(ctx context.Context, vendorID, projectID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM project_vendors WHERE project_id = $1 AND vendor_id = $2)",
		projectID, vendorID)
	return exists, err
}

// UpdateOrder writes the mutable columns if status and version still match.
// On success order.Version and order.UpdatedAt carry the new row values.
func (t *pgTx) UpdateOrder(ctx context.Context, order *models.Order, from models.OrderStatus) error {
	query := `
		UPDATE orders SET
			status = $1, final_amount = $2, chat_closed = $3, delivery = $4,
			last_message_at = $5, sent_at = $6, accepted_at = $7, completed_at = $8,
			cancelled_at = $9, version = version + 1, updated_at = NOW()
		WHERE id = $10 AND status = $11 AND version = $12
		RETURNING version, updated_at`

	err := t.tx.QueryRowxContext(ctx, query,
		order.Status, order.FinalAmount, order.ChatClosed, order.Delivery,
		order.LastMessageAt, order.SentAt, order.AcceptedAt, order.CompletedAt,
		order.CancelledAt, order.ID, from, order.Version,
	).Scan(&order.Version, &order.UpdatedAt)
	if err == sql.ErrNoRows {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, err)
	}
	return nil
}
