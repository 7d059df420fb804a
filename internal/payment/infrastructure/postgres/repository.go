package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	invdomain "github.com/marketflow/settlement-core/internal/inventory/domain"
	storage "github.com/marketflow/settlement-core/internal/storage/postgres"
)

// DedupStore persists handled payment event ids; the primary key on
// (provider, event_id) makes MarkHandled a conditional insert.
type DedupStore struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewDedupStore(log *slog.Logger, pool *pgxpool.Pool) *DedupStore {
	return &DedupStore{log: log, pool: pool}
}

func (s *DedupStore) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := storage.WithTx(ctx, s.pool, fn)
	if storage.IsTransient(err) {
		return fmt.Errorf("%w: %w", invdomain.ErrTransientConflict, err)
	}
	return err
}

func (s *DedupStore) MarkHandled(ctx context.Context, provider, eventID string) (bool, error) {
	const stmt = `
INSERT INTO payment_events (provider, event_id) VALUES ($1, $2)
ON CONFLICT (provider, event_id) DO NOTHING`

	tag, err := storage.Exec(ctx, s.pool, stmt, provider, eventID)
	if err != nil {
		return false, fmt.Errorf("mark event handled: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
