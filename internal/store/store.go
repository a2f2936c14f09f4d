package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"procurement-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional update matched no row
	ErrConflict = errors.New("conditional update matched no row")
	// ErrDuplicate is returned on a unique constraint violation
	ErrDuplicate = errors.New("duplicate record")
)

// OrderFilter narrows ListOrders
type OrderFilter struct {
	Status    models.OrderStatus
	VendorID  string
	ProjectID string
	Limit     int
	Offset    int
}

// Tx is a unit of work that holds the lock of a single order.
// Every write that depends on the order's status goes through it.
type Tx interface {
	// UpdateOrder writes the order only if it is still in status from at the loaded version.
	UpdateOrder(ctx context.Context, order *models.Order, from models.OrderStatus) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// LatestPendingQuotation returns nil when the order has no pending quotation.
	LatestPendingQuotation(ctx context.Context, orderID string) (*models.Message, error)
	// UpdateQuotation rewrites the quotation payload only if its status is still from.
	UpdateQuotation(ctx context.Context, messageID string, from models.QuotationStatus, q *models.Quotation) error
	AppendMessage(ctx context.Context, m *models.Message) error
	// FindInvoiceByOrder returns nil when the order has no invoice.
	FindInvoiceByOrder(ctx context.Context, orderID string) (*models.Invoice, error)
	NextInvoiceNumber(ctx context.Context, year int) (string, error)
	CreateInvoice(ctx context.Context, inv *models.Invoice) error
	UpdateInvoiceStatus(ctx context.Context, invoiceID string, status models.InvoiceStatus) error
}

// Repository is the order ledger, message log and invoice store.
type Repository interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, error)
	ListMessages(ctx context.Context, orderID string) ([]models.Message, error)
	MarkMessagesRead(ctx context.Context, orderID, readerID string) (int64, error)
	GetInvoiceByOrder(ctx context.Context, orderID string) (*models.Invoice, error)
	ListExpiredQuotations(ctx context.Context, now time.Time, limit int) ([]models.Message, error)
	AssignVendor(ctx context.Context, projectID, vendorID string) error
	VendorAssignedToProject(ctx context.Context, vendorID, projectID string) (bool, error)
	// LockOrder runs fn with the order row locked. fn's error rolls back unless wrapped with CommitWith.
	LockOrder(ctx context.Context, orderID string, fn func(tx Tx, order *models.Order) error) error
	Close() error
}

type commitErr struct {
	err error
}

func (c *commitErr) Error() string { return c.err.Error() }
func (c *commitErr) Unwrap() error { return c.err }

// CommitWith makes LockOrder commit the work done so far and still return err.
func CommitWith(err error) error {
	return &commitErr{err: err}
}

func splitCommit(err error) (commit bool, out error) {
	var c *commitErr
	if errors.As(err, &c) {
		return true, c.err
	}
	return false, err
}

// Store is the Postgres repository
type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// LockOrder locks the order row with SELECT ... FOR UPDATE for the duration of fn
func (s *Store) LockOrder(ctx context.Context, orderID string, fn func(tx Tx, order *models.Order) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var order models.Order
	err = tx.GetContext(ctx, &order, "SELECT "+orderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock order: %w", err)
	}

	commit, fnErr := splitCommit(fn(&pgTx{tx: tx}, &order))
	if fnErr != nil && !commit {
		return fnErr
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return fnErr
}

// pgTx implements Tx on a sqlx transaction
type pgTx struct {
	tx *sqlx.Tx
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
