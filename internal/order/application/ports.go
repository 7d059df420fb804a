package application

import (
	"context"
	"time"

	invdomain "github.com/marketflow/settlement-core/internal/inventory/domain"
	"github.com/marketflow/settlement-core/internal/order/domain"
)

// OrderRepository persists orders. Status-changing methods are conditional
// writes: they report whether a row actually transitioned, and the caller
// decides what a miss means. That conditional form, not an application-level
// status check, is what closes the pay-versus-cancel race.
type OrderRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// InTx reports whether ctx already carries this store's transaction.
	// Inside one, a conflict aborts the whole unit of work, so the retry
	// belongs to whoever opened it.
	InTx(ctx context.Context) bool

	CreateMasterOrder(ctx context.Context, o domain.MasterOrder) error
	GetMaster(ctx context.Context, id string) (domain.MasterOrder, error)
	ItemsByMaster(ctx context.Context, masterOrderID string) ([]domain.OrderItem, error)

	// BindPaymentIntent attaches intent+provider while the order is still
	// pending. Rebinding the same intent matches the condition and is a
	// no-op at the row level.
	BindPaymentIntent(ctx context.Context, id, provider, intentID string) (bool, error)
	// MarkPaid flips pending_payment to paid recording the settlement.
	MarkPaid(ctx context.Context, id string, s domain.Settlement) (bool, error)
	// CloseOrder flips pending_payment to canceled or expired.
	CloseOrder(ctx context.Context, id string, to domain.MasterStatus) (bool, error)
	// MarkRefunded flips paid to refunded.
	MarkRefunded(ctx context.Context, id string) (bool, error)
	// MirrorStoreStatus propagates the buyer-facing status to store orders.
	MirrorStoreStatus(ctx context.Context, masterOrderID string, status domain.MasterStatus) error

	GetStoreOrder(ctx context.Context, id string) (domain.StoreOrder, error)
	// AdvanceFulfillment moves a store order's stage forward; the update is
	// conditional on the current stage ranking below the next one.
	AdvanceFulfillment(ctx context.Context, storeOrderID string, next domain.FulfillmentStage) (bool, error)

	FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]domain.MasterOrder, error)
	// ClaimExpiring sets the expiring flag only if it is clear and the order
	// still matches the expiry predicate.
	ClaimExpiring(ctx context.Context, id string, now time.Time) (bool, error)
	ClearExpiring(ctx context.Context, id string) error
}

// Inventory is the slice of the inventory engine the order flow drives.
type Inventory interface {
	Reserve(ctx context.Context, skuID string, qty int64, owner invdomain.Owner) (invdomain.Reservation, error)
	Commit(ctx context.Context, masterOrderID, skuID string, qty int64) (int64, error)
	Release(ctx context.Context, owner invdomain.Owner) error
	ReturnIn(ctx context.Context, skuID string, qty int64, reason string) error
	HoldWindow() time.Duration
}

// EventAppender writes a domain event to the transactional outbox; called
// inside the same unit of work as the state change it announces.
type EventAppender interface {
	Append(ctx context.Context, aggregateType, aggregateID, eventType string, payload any, traceparent string) error
}
