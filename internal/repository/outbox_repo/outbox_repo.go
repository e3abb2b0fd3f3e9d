package outbox_repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
)

// processorLockKey is the advisory lock that serialises outbox pollers.
const processorLockKey int64 = 0x6f7574626f78

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg *domain.OutboxMessage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO outbox_messages (id, event_id, aggregate_key, event_type, payload, status, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, msg.ID, msg.EventID, msg.AggregateKey, string(msg.EventType), msg.Payload,
		string(msg.Status), msg.Attempts, msg.LastError, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create outbox message: %w", err)
	}
	return nil
}

// HasPending reports whether aggregateKey has events still waiting to be
// republished.
func (r *OutboxRepository) HasPending(ctx context.Context, aggregateKey string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM outbox_messages WHERE aggregate_key = $1 AND status = $2)
	`, aggregateKey, string(domain.OutboxStatusPending)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending outbox messages for %s: %w", aggregateKey, err)
	}
	return exists, nil
}

// ProcessPending locks up to limit pending messages, oldest first, and hands
// each to publish. Successful messages are marked SENT. Once a message fails,
// the later messages of the same aggregate key in the batch are left
// untouched so they are never sent ahead of it. Only one poller works at a
// time; a concurrent call returns without doing anything.
func (r *OutboxRepository) ProcessPending(ctx context.Context, limit int, publish func(context.Context, domain.OutboxMessage) error) (sent, failed int, err error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin outbox transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var locked bool
	if err := tx.QueryRow(ctx, `SELECT pg_try_advisory_xact_lock($1)`, processorLockKey).Scan(&locked); err != nil {
		return 0, 0, fmt.Errorf("failed to acquire outbox lock: %w", err)
	}
	if !locked {
		return 0, 0, nil
	}

	rows, err := tx.Query(ctx, `
		SELECT id, event_id, aggregate_key, event_type, payload, status, attempts, last_error, created_at
		FROM outbox_messages
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2
		FOR UPDATE
	`, string(domain.OutboxStatusPending), limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get pending outbox messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.OutboxMessage, error) {
		var (
			msg               domain.OutboxMessage
			eventType, status string
		)
		err := row.Scan(&msg.ID, &msg.EventID, &msg.AggregateKey, &eventType, &msg.Payload,
			&status, &msg.Attempts, &msg.LastError, &msg.CreatedAt)
		msg.EventType = domain.EventType(eventType)
		msg.Status = domain.OutboxMessageStatus(status)
		return msg, err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to scan outbox messages: %w", err)
	}
	if len(messages) == 0 {
		return 0, 0, tx.Commit(ctx)
	}

	blocked := make(map[string]bool)
	for _, msg := range messages {
		if blocked[msg.AggregateKey] {
			continue
		}
		if pubErr := publish(ctx, msg); pubErr != nil {
			blocked[msg.AggregateKey] = true
			failed++
			if _, err := tx.Exec(ctx, `
				UPDATE outbox_messages SET attempts = attempts + 1, last_error = $1 WHERE id = $2
			`, pubErr.Error(), msg.ID); err != nil {
				return 0, 0, fmt.Errorf("failed to record outbox attempt for %s: %w", msg.ID, err)
			}
			continue
		}
		sent++
		if _, err := tx.Exec(ctx, `
			UPDATE outbox_messages SET status = $1, attempts = attempts + 1, last_error = '', sent_at = $2 WHERE id = $3
		`, string(domain.OutboxStatusSent), time.Now().UTC(), msg.ID); err != nil {
			return 0, 0, fmt.Errorf("failed to mark outbox message %s as sent: %w", msg.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("failed to commit outbox transaction: %w", err)
	}
	return sent, failed, nil
}

func (r *OutboxRepository) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT count(*) FROM outbox_messages WHERE status = $1`,
		string(domain.OutboxStatusPending)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending outbox messages: %w", err)
	}
	return n, nil
}
