package reaper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/marketflow/settlement-core/internal/order/domain"
	"github.com/marketflow/settlement-core/pkg/clock"
)

// OrderStore is the claim surface the reaper sweeps over.
type OrderStore interface {
	FindExpiredCandidates(ctx context.Context, now time.Time, limit int) ([]domain.MasterOrder, error)
	ClaimExpiring(ctx context.Context, id string, now time.Time) (bool, error)
	ClearExpiring(ctx context.Context, id string) error
	GetMaster(ctx context.Context, id string) (domain.MasterOrder, error)
}

// Transitions is the slice of the order state machine the reaper drives.
type Transitions interface {
	MarkExpired(ctx context.Context, orderID string) error
}

// IntentCanceler voids the upstream payment intent after an order expires.
// Failures are non-fatal: the order's own state is already authoritative.
type IntentCanceler interface {
	CancelIntent(ctx context.Context, provider, intentID string) error
}

// AuditPurger deletes terminal reservations past their retention deadline.
type AuditPurger interface {
	PurgeAudit(ctx context.Context) (int64, error)
}

// NopCanceler is used when no payment-provider integration is wired.
type NopCanceler struct{}

func (NopCanceler) CancelIntent(context.Context, string, string) error { return nil }

// Reaper reclaims reservations of orders whose payment window lapsed. Each
// candidate is claimed with a conditional flag flip before processing, so
// two reaper instances, or a reaper and a concurrent webhook handler, never
// double-process the same order.
type Reaper struct {
	log       *slog.Logger
	orders    OrderStore
	sm        Transitions
	canceler  IntentCanceler
	purger    AuditPurger
	clock     clock.Clock
	interval  time.Duration
	batchSize int
}

type Option func(*Reaper)

func WithInterval(d time.Duration) Option {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Reaper) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithIntentCanceler(c IntentCanceler) Option {
	return func(r *Reaper) { r.canceler = c }
}

func WithAuditPurger(p AuditPurger) Option {
	return func(r *Reaper) { r.purger = p }
}

func New(log *slog.Logger, orders OrderStore, sm Transitions, clk clock.Clock, opts ...Option) *Reaper {
	r := &Reaper{
		log:       log,
		orders:    orders,
		sm:        sm,
		canceler:  NopCanceler{},
		clock:     clk,
		interval:  10 * time.Second,
		batchSize: 50,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopping")
			return nil
		case <-t.C:
			if err := r.Sweep(ctx); err != nil {
				r.log.Error("reaper sweep failed", "err", err)
			}
		}
	}
}

// Sweep processes one batch of lapsed orders. Small batches bound lock
// contention against live checkout traffic.
func (r *Reaper) Sweep(ctx context.Context) error {
	now := r.clock.Now()
	candidates, err := r.orders.FindExpiredCandidates(ctx, now, r.batchSize)
	if err != nil {
		return err
	}

	for _, o := range candidates {
		claimed, err := r.orders.ClaimExpiring(ctx, o.ID, now)
		if err != nil {
			r.log.Error("expiry claim failed", "order_id", o.ID, "err", err)
			continue
		}
		if !claimed {
			// Another sweep, or a concurrent payment, got there first.
			continue
		}
		r.expire(ctx, o)
	}

	if r.purger != nil {
		purged, err := r.purger.PurgeAudit(ctx)
		if err != nil {
			r.log.Error("audit purge failed", "err", err)
		} else if purged > 0 {
			r.log.Debug("purged terminal reservations", "count", purged)
		}
	}
	return nil
}

func (r *Reaper) expire(ctx context.Context, o domain.MasterOrder) {
	if err := r.sm.MarkExpired(ctx, o.ID); err != nil {
		if errors.Is(err, domain.ErrInvalidStateTransition) {
			// Payment won the race after we claimed; leave the order alone.
			r.log.Info("expiry lost to payment", "order_id", o.ID)
			_ = r.orders.ClearExpiring(ctx, o.ID)
			return
		}
		r.log.Error("mark expired failed", "order_id", o.ID, "err", err)
		if err := r.orders.ClearExpiring(ctx, o.ID); err != nil {
			r.log.Error("unclaim failed", "order_id", o.ID, "err", err)
		}
		return
	}

	// Verify the transition actually landed before touching the upstream
	// intent.
	after, err := r.orders.GetMaster(ctx, o.ID)
	if err != nil || after.Status != domain.StatusExpired {
		r.log.Error("expiry verification failed", "order_id", o.ID, "status", after.Status, "err", err)
		return
	}

	if o.PaymentIntentID != "" {
		if err := r.canceler.CancelIntent(ctx, o.PaymentProvider, o.PaymentIntentID); err != nil {
			r.log.Warn("upstream intent cancel failed", "order_id", o.ID, "intent_id", o.PaymentIntentID, "err", err)
		}
	}
	r.log.Info("order expired", "order_id", o.ID, "order_number", o.OrderNumber)
}
