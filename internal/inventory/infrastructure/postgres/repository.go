package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/marketflow/settlement-core/internal/inventory/domain"
	storage "github.com/marketflow/settlement-core/internal/storage/postgres"
)

// Repository implements the engine's StockRepository on postgres. Every
// counter mutation is a single conditional UPDATE whose WHERE clause carries
// the stock invariant, so concurrent writers serialize on the row without
// any application-level locking.
type Repository struct {
	log  *slog.Logger
	pool *pgxpool.Pool
}

func NewRepository(log *slog.Logger, pool *pgxpool.Pool) *Repository {
	return &Repository{log: log, pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := storage.WithTx(ctx, r.pool, fn)
	if storage.IsTransient(err) {
		return fmt.Errorf("%w: %w", domain.ErrTransientConflict, err)
	}
	return err
}

func (r *Repository) SupportsTx() bool { return true }

func (r *Repository) InTx(ctx context.Context) bool {
	return storage.TxFromContext(ctx) != nil
}

func (r *Repository) GetSKU(ctx context.Context, skuID string) (domain.SKU, error) {
	const query = `SELECT id, on_hand, reserved, created_at, updated_at FROM skus WHERE id = $1`

	var s domain.SKU
	err := storage.QueryRow(ctx, r.pool, query, skuID).
		Scan(&s.ID, &s.OnHand, &s.Reserved, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SKU{}, domain.ErrSKUNotFound
		}
		return domain.SKU{}, fmt.Errorf("get sku: %w", err)
	}
	return s, nil
}

func (r *Repository) ReserveStock(ctx context.Context, skuID string, qty int64) error {
	const stmt = `
UPDATE skus SET reserved = reserved + $2, updated_at = NOW()
WHERE id = $1 AND on_hand - reserved >= $2`

	tag, err := storage.Exec(ctx, r.pool, stmt, skuID, qty)
	if err != nil {
		return fmt.Errorf("reserve stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientStock
	}
	return nil
}

func (r *Repository) ReleaseStock(ctx context.Context, skuID string, qty int64) error {
	const stmt = `
UPDATE skus SET reserved = reserved - $2, updated_at = NOW()
WHERE id = $1 AND reserved >= $2`

	tag, err := storage.Exec(ctx, r.pool, stmt, skuID, qty)
	if err != nil {
		return fmt.Errorf("release stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientStock
	}
	return nil
}

func (r *Repository) CommitStock(ctx context.Context, skuID string, qty, covered int64) error {
	const stmt = `
UPDATE skus SET on_hand = on_hand - $2, reserved = reserved - $3, updated_at = NOW()
WHERE id = $1 AND on_hand >= $2 AND reserved >= $3 AND on_hand - reserved >= $2 - $3`

	tag, err := storage.Exec(ctx, r.pool, stmt, skuID, qty, covered)
	if err != nil {
		return fmt.Errorf("commit stock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrInsufficientStock
	}
	return nil
}

func (r *Repository) AddOnHand(ctx context.Context, skuID string, qty int64) error {
	const stmt = `UPDATE skus SET on_hand = on_hand + $2, updated_at = NOW() WHERE id = $1`

	tag, err := storage.Exec(ctx, r.pool, stmt, skuID, qty)
	if err != nil {
		return fmt.Errorf("add on hand: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSKUNotFound
	}
	return nil
}

func (r *Repository) InsertReservation(ctx context.Context, res domain.Reservation) error {
	const stmt = `
INSERT INTO reservations (id, sku_id, quantity, status, master_order_id, cart_id, expires_at, purge_after, created_at, updated_at)
VALUES ($1, $2, $3, $4, NULLIF($5, '')::uuid, NULLIF($6, '')::uuid, $7, $8, $9, $10)`

	_, err := storage.Exec(ctx, r.pool, stmt,
		res.ID, res.SKUID, res.Quantity, res.Status,
		res.MasterOrderID, res.CartID,
		res.ExpiresAt, res.PurgeAfter, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (r *Repository) ActiveForCommit(ctx context.Context, masterOrderID, skuID string) ([]domain.Reservation, error) {
	const query = `
SELECT id, sku_id, quantity, status, COALESCE(master_order_id::text, ''), COALESCE(cart_id::text, ''), expires_at, purge_after, created_at, updated_at
FROM reservations
WHERE master_order_id = $1 AND sku_id = $2 AND status = 'ACTIVE'
ORDER BY expires_at, created_at
FOR UPDATE`

	return r.queryReservations(ctx, query, masterOrderID, skuID)
}

func (r *Repository) ActiveByOrder(ctx context.Context, masterOrderID string) ([]domain.Reservation, error) {
	const query = `
SELECT id, sku_id, quantity, status, COALESCE(master_order_id::text, ''), COALESCE(cart_id::text, ''), expires_at, purge_after, created_at, updated_at
FROM reservations
WHERE master_order_id = $1 AND status = 'ACTIVE'
ORDER BY created_at
FOR UPDATE`

	return r.queryReservations(ctx, query, masterOrderID)
}

func (r *Repository) ActiveByCart(ctx context.Context, cartID string) ([]domain.Reservation, error) {
	const query = `
SELECT id, sku_id, quantity, status, COALESCE(master_order_id::text, ''), COALESCE(cart_id::text, ''), expires_at, purge_after, created_at, updated_at
FROM reservations
WHERE cart_id = $1 AND status = 'ACTIVE'
ORDER BY created_at
FOR UPDATE`

	return r.queryReservations(ctx, query, cartID)
}

func (r *Repository) queryReservations(ctx context.Context, query string, args ...any) ([]domain.Reservation, error) {
	rows, err := storage.Query(ctx, r.pool, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.SKUID, &res.Quantity, &res.Status,
			&res.MasterOrderID, &res.CartID,
			&res.ExpiresAt, &res.PurgeAfter, &res.CreatedAt, &res.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *Repository) SetReservationQuantity(ctx context.Context, id string, qty int64) error {
	const stmt = `
UPDATE reservations SET quantity = $2, updated_at = NOW()
WHERE id = $1 AND status = 'ACTIVE' AND $2 > 0`

	tag, err := storage.Exec(ctx, r.pool, stmt, id, qty)
	if err != nil {
		return fmt.Errorf("set reservation quantity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set reservation quantity: reservation %s not active", id)
	}
	return nil
}

func (r *Repository) MarkConsumed(ctx context.Context, id string, purgeAfter time.Time) error {
	const stmt = `
UPDATE reservations SET status = 'CONSUMED', purge_after = $2, updated_at = NOW()
WHERE id = $1 AND status = 'ACTIVE'`

	tag, err := storage.Exec(ctx, r.pool, stmt, id, purgeAfter)
	if err != nil {
		return fmt.Errorf("mark consumed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark consumed: reservation %s not active", id)
	}
	return nil
}

func (r *Repository) MarkReleased(ctx context.Context, ids []string, purgeAfter time.Time) error {
	const stmt = `
UPDATE reservations SET status = 'RELEASED', purge_after = $2, updated_at = NOW()
WHERE id = ANY($1) AND status = 'ACTIVE'`

	_, err := storage.Exec(ctx, r.pool, stmt, ids, purgeAfter)
	if err != nil {
		return fmt.Errorf("mark released: %w", err)
	}
	return nil
}

func (r *Repository) DeleteReservation(ctx context.Context, id string) error {
	_, err := storage.Exec(ctx, r.pool, `DELETE FROM reservations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}

func (r *Repository) AppendLedger(ctx context.Context, e domain.LedgerEntry) error {
	const stmt = `
INSERT INTO stock_ledger (sku_id, op, quantity, reference, idempotency_key)
VALUES ($1, $2, $3, $4, NULLIF($5, ''))
ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING`

	_, err := storage.Exec(ctx, r.pool, stmt, e.SKUID, e.Op, e.Quantity, e.Reference, e.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

func (r *Repository) SumActiveReserved(ctx context.Context, skuID string) (int64, error) {
	const query = `
SELECT COALESCE(SUM(quantity), 0) FROM reservations
WHERE sku_id = $1 AND status = 'ACTIVE'`

	var total int64
	if err := storage.QueryRow(ctx, r.pool, query, skuID).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum active reserved: %w", err)
	}
	return total, nil
}

func (r *Repository) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	const stmt = `
DELETE FROM reservations
WHERE status <> 'ACTIVE' AND purge_after IS NOT NULL AND purge_after <= $1`

	tag, err := storage.Exec(ctx, r.pool, stmt, before)
	if err != nil {
		return 0, fmt.Errorf("purge terminal reservations: %w", err)
	}
	return tag.RowsAffected(), nil
}
