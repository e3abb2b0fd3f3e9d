package payments_repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
)

const uniqueViolation = "23505"

const paymentColumns = `id, payment_number, order_key, customer_id, amount, method, status,
		transaction_id, failure_reason, payment_date, version, created_at, updated_at, source_updated_at`

type PaymentRepository struct {
	db domain.Querier
}

func NewPaymentRepository(db domain.Querier) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Get returns the payment for orderKey or domain.ErrPaymentNotFound.
func (r *PaymentRepository) Get(ctx context.Context, orderKey string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_key = $1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, orderKey))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment by order key %s: %w", orderKey, err)
	}
	return p, nil
}

func (r *PaymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	p, err := scanPayment(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, fmt.Errorf("failed to get payment by id %s: %w", id, err)
	}
	return p, nil
}

// Create inserts a new record with version 1. A second record for the same
// order key fails with domain.ErrPaymentAlreadyExists.
func (r *PaymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	query := `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID,
		p.PaymentNumber,
		p.OrderKey,
		p.CustomerID,
		p.Amount,
		p.Method,
		p.Status,
		nullString(p.TransactionID),
		p.FailureReason,
		nullTime(p.PaymentDate),
		p.CreatedAt,
		p.UpdatedAt,
		nullTime(sourceUpdatedAt(p)),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("payment for order %s: %w", p.OrderKey, domain.ErrPaymentAlreadyExists)
		}
		return fmt.Errorf("failed to create payment: %w", err)
	}
	p.Version = 1
	return nil
}

// Put writes p only if the stored version still equals expectedVersion.
// Otherwise it fails with domain.ErrVersionConflict.
func (r *PaymentRepository) Put(ctx context.Context, p *domain.Payment, expectedVersion int64) error {
	query := `
		UPDATE payments
		SET customer_id = $1, amount = $2, method = $3, status = $4, transaction_id = $5,
			failure_reason = $6, payment_date = $7, updated_at = $8, source_updated_at = $9,
			version = version + 1
		WHERE order_key = $10 AND version = $11
	`
	res, err := r.db.ExecContext(ctx, query,
		p.CustomerID,
		p.Amount,
		p.Method,
		p.Status,
		nullString(p.TransactionID),
		p.FailureReason,
		nullTime(p.PaymentDate),
		p.UpdatedAt,
		nullTime(sourceUpdatedAt(p)),
		p.OrderKey,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("failed to update payment %s: %w", p.OrderKey, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for payment update: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("payment %s at version %d: %w", p.OrderKey, expectedVersion, domain.ErrVersionConflict)
	}
	p.Version = expectedVersion + 1
	return nil
}

func (r *PaymentRepository) List(ctx context.Context, filter domain.PaymentFilter) ([]*domain.Payment, error) {
	var (
		conds []string
		args  []any
	)
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		conds = append(conds, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*domain.Payment, error) {
	p := &domain.Payment{}
	var (
		txID          sql.NullString
		paymentDate   sql.NullTime
		sourceUpdated sql.NullTime
	)
	err := row.Scan(
		&p.ID,
		&p.PaymentNumber,
		&p.OrderKey,
		&p.CustomerID,
		&p.Amount,
		&p.Method,
		&p.Status,
		&txID,
		&p.FailureReason,
		&paymentDate,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
		&sourceUpdated,
	)
	if err != nil {
		return nil, err
	}
	if txID.Valid {
		p.TransactionID = &txID.String
	}
	if paymentDate.Valid {
		t := paymentDate.Time.UTC()
		p.PaymentDate = &t
	}
	if sourceUpdated.Valid {
		p.SourceUpdatedAt = sourceUpdated.Time.UTC()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func sourceUpdatedAt(p *domain.Payment) *time.Time {
	if p.SourceUpdatedAt.IsZero() {
		return nil
	}
	return &p.SourceUpdatedAt
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
