package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	invdomain "github.com/marketflow/settlement-core/internal/inventory/domain"
	orderdomain "github.com/marketflow/settlement-core/internal/order/domain"
	"github.com/marketflow/settlement-core/internal/payment/domain"
	"github.com/marketflow/settlement-core/pkg/backoff"
)

// Gateway ingests verified payment-provider events exactly once. The dedup
// insert, the order transition and its stock effect commit as one unit of
// work; a duplicate event is acknowledged as success without side effects.
// The gateway opens that unit of work, so a transient write conflict retries
// the whole event here.
type Gateway struct {
	log    *slog.Logger
	dedup  DedupStore
	orders OrderTransitions
	retry  backoff.Policy
}

type GatewayOption func(*Gateway)

func WithRetryPolicy(p backoff.Policy) GatewayOption {
	return func(g *Gateway) { g.retry = p }
}

func NewGateway(log *slog.Logger, dedup DedupStore, orders OrderTransitions, opts ...GatewayOption) *Gateway {
	g := &Gateway{log: log, dedup: dedup, orders: orders, retry: backoff.Default}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) Handle(ctx context.Context, ev domain.Event) error {
	if ev.ID == "" {
		return domain.ErrMissingEventID
	}
	if ev.MasterOrderID == "" {
		return domain.ErrMissingOrderRef
	}

	transient := func(err error) bool {
		return errors.Is(err, invdomain.ErrTransientConflict)
	}
	return backoff.Retry(ctx, g.retry, transient, func() error {
		return g.dedup.WithTx(ctx, func(txCtx context.Context) error {
			fresh, err := g.dedup.MarkHandled(txCtx, ev.Provider, ev.ID)
			if err != nil {
				return err
			}
			if !fresh {
				g.log.Info("duplicate payment event skipped", "event_id", ev.ID, "type", ev.Type)
				return nil
			}

			switch ev.Type {
			case domain.EventProcessing:
				return g.orders.MarkPaying(txCtx, ev.MasterOrderID, ev.Provider, ev.PaymentIntentID)
			case domain.EventSucceeded:
				_, err := g.orders.MarkPaid(txCtx, ev.MasterOrderID, orderdomain.Settlement{
					AmountCents: ev.AmountCents,
					Currency:    ev.Currency,
					ChargeID:    ev.ChargeID,
				})
				return err
			case domain.EventFailed:
				reason := ev.FailureReason
				if reason == "" {
					reason = "payment failed"
				}
				return g.orders.MarkCanceled(txCtx, ev.MasterOrderID, reason)
			case domain.EventCanceled:
				return g.orders.MarkCanceled(txCtx, ev.MasterOrderID, "payment canceled")
			default:
				// Unknown kinds are acknowledged so the transport does not
				// redeliver them forever; the dedup row keeps the ack durable.
				g.log.Warn("unhandled payment event type", "event_id", ev.ID, "type", ev.Type)
				return nil
			}
		})
	})
}

// HandleAll processes a batch sequentially, stopping at the first error.
func (g *Gateway) HandleAll(ctx context.Context, events []domain.Event) error {
	for _, ev := range events {
		if err := g.Handle(ctx, ev); err != nil {
			return fmt.Errorf("handle event %s: %w", ev.ID, err)
		}
	}
	return nil
}
