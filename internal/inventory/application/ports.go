package application

import (
	"context"
	"time"

	"github.com/marketflow/settlement-core/internal/inventory/domain"
)

// StockRepository is the storage surface the engine drives. Conditional
// mutations (ReserveStock, ReleaseStock, CommitStock) express their guard as
// part of the update itself and return domain errors when no row matched;
// correctness never depends on a read-then-write at this layer.
type StockRepository interface {
	// WithTx runs fn in one atomic unit of work when the store supports
	// multi-statement transactions; otherwise it runs fn directly and the
	// engine compensates on partial failure.
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	SupportsTx() bool
	// InTx reports whether ctx already carries this store's transaction.
	// Inside one, a conflict aborts the whole unit of work, so the retry
	// belongs to whoever opened it, not to the engine.
	InTx(ctx context.Context) bool

	GetSKU(ctx context.Context, skuID string) (domain.SKU, error)

	// ReserveStock increments reserved only if on_hand - reserved >= qty.
	ReserveStock(ctx context.Context, skuID string, qty int64) error
	// ReleaseStock decrements reserved only if reserved >= qty.
	ReleaseStock(ctx context.Context, skuID string, qty int64) error
	// CommitStock decrements on_hand by qty and reserved by covered,
	// re-verifying at commit time that the shortfall (qty - covered) still
	// fits in available stock.
	CommitStock(ctx context.Context, skuID string, qty, covered int64) error
	// AddOnHand increments physical stock (restock, post-fulfillment return).
	AddOnHand(ctx context.Context, skuID string, qty int64) error

	InsertReservation(ctx context.Context, r domain.Reservation) error
	// ActiveForCommit returns ACTIVE reservations for owner+sku locked for
	// update, soonest-expiring first then oldest first.
	ActiveForCommit(ctx context.Context, masterOrderID, skuID string) ([]domain.Reservation, error)
	ActiveByOrder(ctx context.Context, masterOrderID string) ([]domain.Reservation, error)
	ActiveByCart(ctx context.Context, cartID string) ([]domain.Reservation, error)
	SetReservationQuantity(ctx context.Context, id string, qty int64) error
	MarkConsumed(ctx context.Context, id string, purgeAfter time.Time) error
	MarkReleased(ctx context.Context, ids []string, purgeAfter time.Time) error
	DeleteReservation(ctx context.Context, id string) error

	AppendLedger(ctx context.Context, e domain.LedgerEntry) error
	SumActiveReserved(ctx context.Context, skuID string) (int64, error)
	PurgeTerminal(ctx context.Context, before time.Time) (int64, error)
}
