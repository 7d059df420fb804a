package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	invdomain "github.com/marketflow/settlement-core/internal/inventory/domain"
	"github.com/marketflow/settlement-core/internal/order/domain"
	"github.com/marketflow/settlement-core/pkg/backoff"
	"github.com/marketflow/settlement-core/pkg/clock"
	"github.com/marketflow/settlement-core/pkg/tracing"
)

func transientConflict(err error) bool {
	return errors.Is(err, invdomain.ErrTransientConflict)
}

// retryTx opens a unit of work on repo and retries transient conflicts.
// When the context already carries a transaction the conflict has aborted
// the whole thing, so it runs fn once and lets the error surface to the
// opener's retry.
func retryTx(ctx context.Context, repo OrderRepository, p backoff.Policy, fn func(ctx context.Context) error) error {
	if repo.InTx(ctx) {
		return repo.WithTx(ctx, fn)
	}
	return backoff.Retry(ctx, p, transientConflict, func() error {
		return repo.WithTx(ctx, fn)
	})
}

// StateMachine drives master-order status transitions. Every transition
// that changes authoritative state runs in the same unit of work as its
// inventory effect: Commit on MarkPaid, Release on MarkCanceled/MarkExpired.
// Stock and order status therefore cannot diverge. The machine owns each
// transition's transaction, so a transient write conflict retries the whole
// unit of work here, at the boundary that opened it.
type StateMachine struct {
	log    *slog.Logger
	repo   OrderRepository
	inv    Inventory
	events EventAppender
	clock  clock.Clock
	retry  backoff.Policy
}

type StateMachineOption func(*StateMachine)

func WithTransitionRetry(p backoff.Policy) StateMachineOption {
	return func(m *StateMachine) { m.retry = p }
}

func NewStateMachine(log *slog.Logger, repo OrderRepository, inv Inventory, events EventAppender, clk clock.Clock, opts ...StateMachineOption) *StateMachine {
	m := &StateMachine{log: log, repo: repo, inv: inv, events: events, clock: clk, retry: backoff.Default}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *StateMachine) withTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return retryTx(ctx, m.repo, m.retry, fn)
}

// MarkPaying binds a payment intent to a pending order. Rebinding the same
// intent is idempotent; a different intent on a bound order is a conflict.
func (m *StateMachine) MarkPaying(ctx context.Context, orderID, provider, intentID string) error {
	return m.withTx(ctx, func(txCtx context.Context) error {
		bound, err := m.repo.BindPaymentIntent(txCtx, orderID, provider, intentID)
		if err != nil {
			return err
		}
		if !bound {
			o, err := m.repo.GetMaster(txCtx, orderID)
			if err != nil {
				return err
			}
			if o.Status != domain.StatusPendingPayment {
				return fmt.Errorf("bind intent on %s order: %w", o.Status, domain.ErrInvalidStateTransition)
			}
			return fmt.Errorf("order %s already bound to %s: %w", orderID, o.PaymentIntentID, domain.ErrIntentMismatch)
		}

		return m.events.Append(txCtx, "order", orderID, domain.EventPaymentProcessing,
			domain.PaymentStatusChanged{
				MasterOrderID:   orderID,
				PaymentIntentID: intentID,
				At:              m.clock.Now(),
			}, tracing.Traceparent(ctx))
	})
}

// MarkPaid settles the order: the status flip, the stock commit for every
// line, the store-order mirror and the outbox events all land in one unit of
// work. Replays on an already-paid order return the existing record.
func (m *StateMachine) MarkPaid(ctx context.Context, orderID string, s domain.Settlement) (domain.MasterOrder, error) {
	var out domain.MasterOrder
	err := m.withTx(ctx, func(txCtx context.Context) error {
		flipped, err := m.repo.MarkPaid(txCtx, orderID, s)
		if err != nil {
			return err
		}
		if !flipped {
			o, err := m.repo.GetMaster(txCtx, orderID)
			if err != nil {
				return err
			}
			if o.Status == domain.StatusPaid {
				out = o
				return nil
			}
			return fmt.Errorf("mark paid from %s: %w", o.Status, domain.ErrInvalidStateTransition)
		}

		items, err := m.repo.ItemsByMaster(txCtx, orderID)
		if err != nil {
			return err
		}
		perSKU := make(map[string]int64)
		for _, it := range items {
			perSKU[it.SKUID] += it.Quantity
		}
		for skuID, qty := range perSKU {
			if _, err := m.inv.Commit(txCtx, orderID, skuID, qty); err != nil {
				return err
			}
		}

		if err := m.repo.MirrorStoreStatus(txCtx, orderID, domain.StatusPaid); err != nil {
			return err
		}

		now := m.clock.Now()
		traceparent := tracing.Traceparent(ctx)
		if err := m.events.Append(txCtx, "order", orderID, domain.EventMasterPaid,
			domain.MasterPaid{MasterOrderID: orderID, AmountCents: s.AmountCents, Currency: s.Currency, At: now},
			traceparent); err != nil {
			return err
		}
		if err := m.events.Append(txCtx, "payment", orderID, domain.EventPaymentSucceeded,
			domain.PaymentStatusChanged{MasterOrderID: orderID, ChargeID: s.ChargeID, At: now},
			traceparent); err != nil {
			return err
		}

		o, err := m.repo.GetMaster(txCtx, orderID)
		if err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return domain.MasterOrder{}, err
	}
	return out, nil
}

// MarkCanceled closes a pending order and releases its holds. A paid order
// cannot be canceled: the conditional close misses and the call fails with
// ErrInvalidStateTransition, so a late cancellation never overrides a
// successful payment. Repeating a cancel on an already-canceled order is a
// no-op.
func (m *StateMachine) MarkCanceled(ctx context.Context, orderID, reason string) error {
	return m.close(ctx, orderID, domain.StatusCanceled, reason)
}

// MarkExpired closes a pending order whose reservation window lapsed and
// releases its holds, with the same payment-wins guarantee as MarkCanceled.
func (m *StateMachine) MarkExpired(ctx context.Context, orderID string) error {
	return m.close(ctx, orderID, domain.StatusExpired, "reservation window lapsed")
}

func (m *StateMachine) close(ctx context.Context, orderID string, to domain.MasterStatus, reason string) error {
	return m.withTx(ctx, func(txCtx context.Context) error {
		flipped, err := m.repo.CloseOrder(txCtx, orderID, to)
		if err != nil {
			return err
		}
		o, err := m.repo.GetMaster(txCtx, orderID)
		if err != nil {
			return err
		}
		if !flipped {
			if o.Status == to {
				return nil
			}
			return fmt.Errorf("close as %s from %s: %w", to, o.Status, domain.ErrInvalidStateTransition)
		}

		if err := m.inv.Release(txCtx, invdomain.Owner{MasterOrderID: orderID, CartID: o.CartID}); err != nil {
			return err
		}
		if err := m.repo.MirrorStoreStatus(txCtx, orderID, to); err != nil {
			return err
		}

		now := m.clock.Now()
		traceparent := tracing.Traceparent(ctx)
		if to == domain.StatusExpired {
			return m.events.Append(txCtx, "order", orderID, domain.EventPaymentExpired,
				domain.PaymentExpired{
					MasterOrderID: orderID,
					BuyerID:       o.BuyerID,
					OrderNumber:   o.OrderNumber,
					TotalCents:    o.TotalCents,
					Currency:      o.Currency,
					PaymentMethod: o.PaymentProvider,
					ExpiresAt:     o.ReservationExpiresAt,
					OccurredAt:    now,
				}, traceparent)
		}

		if err := m.events.Append(txCtx, "order", orderID, domain.EventMasterCanceled,
			domain.MasterCanceled{MasterOrderID: orderID, Reason: reason, At: now},
			traceparent); err != nil {
			return err
		}
		return m.events.Append(txCtx, "payment", orderID, domain.EventPaymentCanceled,
			domain.PaymentStatusChanged{MasterOrderID: orderID, PaymentIntentID: o.PaymentIntentID, At: now},
			traceparent)
	})
}

// MarkRefunded records a refund on a paid order. Stock movement for returned
// goods goes through ReturnIn separately; no refund workflow beyond the
// status record is modeled here.
func (m *StateMachine) MarkRefunded(ctx context.Context, orderID string) error {
	return m.withTx(ctx, func(txCtx context.Context) error {
		flipped, err := m.repo.MarkRefunded(txCtx, orderID)
		if err != nil {
			return err
		}
		if !flipped {
			o, err := m.repo.GetMaster(txCtx, orderID)
			if err != nil {
				return err
			}
			if o.Status == domain.StatusRefunded {
				return nil
			}
			return fmt.Errorf("refund from %s: %w", o.Status, domain.ErrInvalidStateTransition)
		}
		return m.repo.MirrorStoreStatus(txCtx, orderID, domain.StatusRefunded)
	})
}

// AdvanceFulfillment moves a store order one or more stages forward.
// Regressions are rejected.
func (m *StateMachine) AdvanceFulfillment(ctx context.Context, storeOrderID string, next domain.FulfillmentStage) error {
	so, err := m.repo.GetStoreOrder(ctx, storeOrderID)
	if err != nil {
		return err
	}
	if !so.Fulfillment.CanAdvanceTo(next) {
		return fmt.Errorf("fulfillment %s to %s: %w", so.Fulfillment, next, domain.ErrInvalidStateTransition)
	}
	moved, err := m.repo.AdvanceFulfillment(ctx, storeOrderID, next)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("fulfillment advance lost race: %w", domain.ErrInvalidStateTransition)
	}
	return nil
}
