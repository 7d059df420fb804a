package application

import (
	"context"

	orderdomain "github.com/marketflow/settlement-core/internal/order/domain"
)

// DedupStore records handled provider event ids. MarkHandled must be called
// inside the same unit of work as the business effect so that a crash
// between the two can produce neither a lost effect nor a double effect.
type DedupStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// MarkHandled inserts the event id and reports false when it was
	// already present.
	MarkHandled(ctx context.Context, provider, eventID string) (bool, error)
}

// OrderTransitions is the slice of the order state machine the gateway
// drives. Each call runs its own inventory effect in the ambient unit of
// work.
type OrderTransitions interface {
	MarkPaying(ctx context.Context, orderID, provider, intentID string) error
	MarkPaid(ctx context.Context, orderID string, s orderdomain.Settlement) (orderdomain.MasterOrder, error)
	MarkCanceled(ctx context.Context, orderID, reason string) error
}
