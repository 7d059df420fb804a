package postgres

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketflow/settlement-core/pkg/outbox"
)

// OutboxStore implements outbox.Store on postgres and exposes Append for
// writing events inside the caller's ambient transaction.
type OutboxStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewOutboxStore(log *slog.Logger, pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{log: log, pool: pool}
}

// Append inserts a pending outbox row. Call it inside WithTx so the event
// commits atomically with the state change it announces.
func (s *OutboxStore) Append(ctx context.Context, aggregateType, aggregateID, eventType string, payload any, traceparent string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = Exec(ctx, s.pool, `
		INSERT INTO outbox (aggregate_type, aggregate_id, type, payload, traceparent, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')`,
		aggregateType, aggregateID, eventType, body, traceparent)
	return err
}

func (s *OutboxStore) LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]outbox.Event, error) {
	var events []outbox.Event
	err := WithTx(ctx, s.pool, func(txCtx context.Context) error {
		rows, err := Query(txCtx, s.pool, `
			SELECT id, aggregate_type, aggregate_id, type, payload, traceparent, created_at
			FROM outbox
			WHERE status = 'pending'
			   OR (status = 'in_progress' AND lease_until < now())
			ORDER BY id
			FOR UPDATE SKIP LOCKED
			LIMIT $1`, batchSize)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var event outbox.Event
			if err := rows.Scan(&event.ID, &event.AggregateType, &event.AggregateID, &event.Type, &event.Payload, &event.Traceparent, &event.CreatedAt); err != nil {
				return err
			}
			events = append(events, event)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]int64, 0, len(events))
		for _, ev := range events {
			ids = append(ids, ev.ID)
		}
		_, err = Exec(txCtx, s.pool, `
			UPDATE outbox SET status = 'in_progress', relay_id = $1, lease_until = now() + $2::interval
			WHERE id = ANY($3)`, relayID, lease.String(), ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *OutboxStore) MarkSent(ctx context.Context, ids []int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET status = 'sent' WHERE id = ANY($1)`, ids)
	return err
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET status = 'failed', last_error = $2, retry_count = retry_count + 1
		WHERE id = $1`, id, errMsg)
	return err
}

func (s *OutboxStore) ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox SET lease_until = now() + $1::interval
		WHERE id = ANY($2) AND relay_id = $3`, lease.String(), ids, relayID)
	return err
}
