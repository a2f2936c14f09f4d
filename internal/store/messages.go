package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"procurement-service/internal/models"
)

const messageColumns = "id, order_id, sender_id, sender_role, type, body, payload, is_read, created_at"

const qualifiedMessageColumns = "m.id, m.order_id, m.sender_id, m.sender_role, m.type, m.body, m.payload, m.is_read, m.created_at"

// quotationColumns extracts the indexed quotation fields from a payload
func quotationColumns(p models.MessagePayload) (status interface{}, validUntil interface{}) {
	if p.Quotation == nil {
		return nil, nil
	}
	if p.Quotation.ValidUntil != nil {
		validUntil = *p.Quotation.ValidUntil
	}
	return string(p.Quotation.Status), validUntil
}

// ListMessages returns the order's history in (created_at, id) order
func (s *Store) ListMessages(ctx context.Context, orderID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.SelectContext(ctx, &messages,
		"SELECT "+messageColumns+" FROM messages WHERE order_id = $1 ORDER BY created_at, id", orderID)
	return messages, err
}

// MarkMessagesRead flags the counterpart's messages as read
func (s *Store) MarkMessagesRead(ctx context.Context, orderID, readerID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET is_read = TRUE WHERE order_id = $1 AND sender_id <> $2 AND is_read = FALSE",
		orderID, readerID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListExpiredQuotations finds pending quotations whose deadline passed before now,
// skipping orders that already ended
func (s *Store) ListExpiredQuotations(ctx context.Context, now time.Time, limit int) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.SelectContext(ctx, &messages,
		`SELECT `+qualifiedMessageColumns+` FROM messages m
		JOIN orders o ON o.id = m.order_id
		WHERE m.quotation_status = 'pending' AND m.valid_until < $1
		AND o.status NOT IN ('completed', 'cancelled')
		ORDER BY m.valid_until LIMIT $2`, now, limit)
	return messages, err
}

func (t *pgTx) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var m models.Message
	err := t.tx.GetContext(ctx, &m, "SELECT "+messageColumns+" FROM messages WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *pgTx) LatestPendingQuotation(ctx context.Context, orderID string) (*models.Message, error) {
	var m models.Message
	err := t.tx.GetContext(ctx, &m,
		`SELECT `+messageColumns+` FROM messages
		WHERE order_id = $1 AND quotation_status = 'pending'
		ORDER BY created_at DESC, id DESC LIMIT 1`, orderID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (t *pgTx) UpdateQuotation(ctx context.Context, messageID string, from models.QuotationStatus, q *models.Quotation) error {
	payload := models.MessagePayload{Quotation: q}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE messages SET payload = $1, quotation_status = $2
		WHERE id = $3 AND quotation_status = $4`,
		payload, string(q.Status), messageID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update quotation %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (t *pgTx) AppendMessage(ctx context.Context, m *models.Message) error {
	status, validUntil := quotationColumns(m.Payload)
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO messages (id, order_id, sender_id, sender_role, type, body, payload,
			quotation_status, valid_until, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.OrderID, m.SenderID, m.SenderRole, m.Type, m.Text, m.Payload,
		status, validUntil, m.Read, m.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}
