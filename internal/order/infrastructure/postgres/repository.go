package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	invdomain "github.com/marketflow/settlement-core/internal/inventory/domain"
	"github.com/marketflow/settlement-core/internal/order/domain"
	storage "github.com/marketflow/settlement-core/internal/storage/postgres"
)

var fulfillmentRankSQL = map[domain.FulfillmentStage]int{
	domain.FulfillmentPending:   0,
	domain.FulfillmentPacked:    1,
	domain.FulfillmentShipped:   2,
	domain.FulfillmentDelivered: 3,
}

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
		return fmt.Errorf("%w: %w", invdomain.ErrTransientConflict, err)
	}
	return err
}

func (r *Repository) InTx(ctx context.Context) bool {
	return storage.TxFromContext(ctx) != nil
}

func (r *Repository) CreateMasterOrder(ctx context.Context, o domain.MasterOrder) error {
	const masterStmt = `
INSERT INTO master_orders (id, buyer_id, order_number, cart_id, status, total_cents, currency, reservation_expires_at, created_at, updated_at)
VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6, $7, $8, $9, $10)`

	_, err := storage.Exec(ctx, r.pool, masterStmt,
		o.ID, o.BuyerID, o.OrderNumber, o.CartID, o.Status,
		o.TotalCents, o.Currency, o.ReservationExpiresAt, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert master order: %w", err)
	}

	batch := &pgx.Batch{}
	for _, so := range o.StoreOrders {
		batch.Queue(`
			INSERT INTO store_orders (id, master_order_id, store_id, status, fulfillment, subtotal_cents, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			so.ID, so.MasterOrderID, so.StoreID, so.Status, so.Fulfillment, so.SubtotalCents, so.CreatedAt, so.UpdatedAt)
		for _, it := range so.Items {
			batch.Queue(`
				INSERT INTO order_items (id, store_order_id, master_order_id, sku_id, quantity, price_cents)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				it.ID, it.StoreOrderID, it.MasterOrderID, it.SKUID, it.Quantity, it.PriceCents)
		}
	}
	if batch.Len() == 0 {
		return nil
	}

	var res pgx.BatchResults
	if tx := storage.TxFromContext(ctx); tx != nil {
		res = tx.SendBatch(ctx, batch)
	} else {
		res = r.pool.SendBatch(ctx, batch)
	}
	if err := res.Close(); err != nil {
		return fmt.Errorf("insert store orders: %w", err)
	}
	return nil
}

const masterColumns = `
id, buyer_id, order_number, COALESCE(cart_id::text, ''), status, total_cents, currency,
COALESCE(payment_provider, ''), COALESCE(payment_intent_id, ''), COALESCE(charge_id, ''),
reservation_expires_at, expiring, created_at, updated_at`

func (r *Repository) GetMaster(ctx context.Context, id string) (domain.MasterOrder, error) {
	query := `SELECT ` + masterColumns + ` FROM master_orders WHERE id = $1`

	var o domain.MasterOrder
	err := storage.QueryRow(ctx, r.pool, query, id).Scan(
		&o.ID, &o.BuyerID, &o.OrderNumber, &o.CartID, &o.Status, &o.TotalCents, &o.Currency,
		&o.PaymentProvider, &o.PaymentIntentID, &o.ChargeID,
		&o.ReservationExpiresAt, &o.Expiring, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MasterOrder{}, domain.ErrOrderNotFound
		}
		return domain.MasterOrder{}, fmt.Errorf("get master order: %w", err)
	}
	return o, nil
}

func (r *Repository) ItemsByMaster(ctx context.Context, masterOrderID string) ([]domain.OrderItem, error) {
	const query = `
SELECT id, store_order_id, master_order_id, sku_id, quantity, price_cents
FROM order_items WHERE master_order_id = $1 ORDER BY created_at`

	rows, err := storage.Query(ctx, r.pool, query, masterOrderID)
	if err != nil {
		return nil, fmt.Errorf("items by master: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderItem
	for rows.Next() {
		var it domain.OrderItem
		if err := rows.Scan(&it.ID, &it.StoreOrderID, &it.MasterOrderID, &it.SKUID, &it.Quantity, &it.PriceCents); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *Repository) BindPaymentIntent(ctx context.Context, id, provider, intentID string) (bool, error) {
	const stmt = `
UPDATE master_orders
SET payment_provider = $2, payment_intent_id = $3, updated_at = NOW()
WHERE id = $1 AND status = 'pending_payment'
  AND (payment_intent_id IS NULL OR payment_intent_id = $3)`

	tag, err := storage.Exec(ctx, r.pool, stmt, id, provider, intentID)
	if err != nil {
		return false, fmt.Errorf("bind payment intent: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MarkPaid(ctx context.Context, id string, s domain.Settlement) (bool, error) {
	const stmt = `
UPDATE master_orders
SET status = 'paid', total_cents = $2, currency = $3, charge_id = $4, updated_at = NOW()
WHERE id = $1 AND status = 'pending_payment'`

	tag, err := storage.Exec(ctx, r.pool, stmt, id, s.AmountCents, s.Currency, s.ChargeID)
	if err != nil {
		return false, fmt.Errorf("mark paid: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) CloseOrder(ctx context.Context, id string, to domain.MasterStatus) (bool, error) {
	if to != domain.StatusCanceled && to != domain.StatusExpired {
		return false, fmt.Errorf("close order to %s: %w", to, domain.ErrInvalidStateTransition)
	}
	const stmt = `
UPDATE master_orders SET status = $2, updated_at = NOW()
WHERE id = $1 AND status = 'pending_payment'`

	tag, err := storage.Exec(ctx, r.pool, stmt, id, to)
	if err != nil {
		return false, fmt.Errorf("close order: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MarkRefunded(ctx context.Context, id string) (bool, error) {
	const stmt = `
UPDATE master_orders SET status = 'refunded', updated_at = NOW()
WHERE id = $1 AND status = 'paid'`

	tag, err := storage.Exec(ctx, r.pool, stmt, id)
	if err != nil {
		return false, fmt.Errorf("mark refunded: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) MirrorStoreStatus(ctx context.Context, masterOrderID string, status domain.MasterStatus) error {
	const stmt = `
UPDATE store_orders SET status = $2, updated_at = NOW() WHERE master_order_id = $1`

	_, err := storage.Exec(ctx, r.pool, stmt, masterOrderID, status)
	if err != nil {
		return fmt.Errorf("mirror store status: %w", err)
	}
	return nil
}

func (r *Repository) GetStoreOrder(ctx context.Context, id string) (domain.StoreOrder, error) {
	const query = `
SELECT id, master_order_id, store_id, status, fulfillment, subtotal_cents, created_at, updated_at
FROM store_orders WHERE id = $1`

	var so domain.StoreOrder
	err := storage.QueryRow(ctx, r.pool, query, id).Scan(
		&so.ID, &so.MasterOrderID, &so.StoreID, &so.Status, &so.Fulfillment,
		&so.SubtotalCents, &so.CreatedAt, &so.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StoreOrder{}, domain.ErrOrderNotFound
		}
		return domain.StoreOrder{}, fmt.Errorf("get store order: %w", err)
	}
	return so, nil
}

func (r *Repository) AdvanceFulfillment(ctx context.Context, storeOrderID string, next domain.FulfillmentStage) (bool, error) {
	rank, ok := fulfillmentRankSQL[next]
	if !ok {
		return false, fmt.Errorf("advance fulfillment to %s: %w", next, domain.ErrInvalidStateTransition)
	}
	const stmt = `
UPDATE store_orders SET fulfillment = $2, updated_at = NOW()
WHERE id = $1 AND array_position(ARRAY['PENDING','PACKED','SHIPPED','DELIVERED'], fulfillment) - 1 < $3`

	tag, err := storage.Exec(ctx, r.pool, stmt, storeOrderID, next, rank)
	if err != nil {
		return false, fmt.Errorf("advance fulfillment: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]domain.MasterOrder, error) {
	query := `SELECT ` + masterColumns + `
FROM master_orders
WHERE status = 'pending_payment' AND reservation_expires_at <= $1 AND NOT expiring
ORDER BY reservation_expires_at
LIMIT $2`

	rows, err := storage.Query(ctx, r.pool, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("find expired candidates: %w", err)
	}
	defer rows.Close()

	var out []domain.MasterOrder
	for rows.Next() {
		var o domain.MasterOrder
		if err := rows.Scan(
			&o.ID, &o.BuyerID, &o.OrderNumber, &o.CartID, &o.Status, &o.TotalCents, &o.Currency,
			&o.PaymentProvider, &o.PaymentIntentID, &o.ChargeID,
			&o.ReservationExpiresAt, &o.Expiring, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan expired candidate: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repository) ClaimExpiring(ctx context.Context, id string, now time.Time) (bool, error) {
	const stmt = `
UPDATE master_orders SET expiring = TRUE, updated_at = NOW()
WHERE id = $1 AND status = 'pending_payment' AND reservation_expires_at <= $2 AND NOT expiring`

	tag, err := storage.Exec(ctx, r.pool, stmt, id, now)
	if err != nil {
		return false, fmt.Errorf("claim expiring: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Repository) ClearExpiring(ctx context.Context, id string) error {
	_, err := storage.Exec(ctx, r.pool, `UPDATE master_orders SET expiring = FALSE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("clear expiring: %w", err)
	}
	return nil
}
