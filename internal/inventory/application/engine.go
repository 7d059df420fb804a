package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marketflow/settlement-core/internal/inventory/domain"
	"github.com/marketflow/settlement-core/pkg/backoff"
	"github.com/marketflow/settlement-core/pkg/clock"
)

const (
	defaultHoldWindow = 15 * time.Minute
	defaultRetention  = 30 * 24 * time.Hour
)

// Engine owns every stock mutation: reserve, commit, release, return. It is
// composed into the order state machine, the reaper and the payment gateway
// so that their transitions and the matching stock effect share one unit of
// work.
type Engine struct {
	log        *slog.Logger
	repo       StockRepository
	clock      clock.Clock
	holdWindow time.Duration
	retention  time.Duration
	retry      backoff.Policy
}

type EngineOption func(*Engine)

// WithHoldWindow overrides how long a reservation is held before expiry.
func WithHoldWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.holdWindow = d
		}
	}
}

// WithRetention overrides how long terminal reservations are kept for audit.
func WithRetention(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithRetryPolicy overrides the transient-conflict retry bound.
func WithRetryPolicy(p backoff.Policy) EngineOption {
	return func(e *Engine) { e.retry = p }
}

func NewEngine(log *slog.Logger, repo StockRepository, clk clock.Clock, opts ...EngineOption) *Engine {
	e := &Engine{
		log:        log,
		repo:       repo,
		clock:      clk,
		holdWindow: defaultHoldWindow,
		retention:  defaultRetention,
		retry:      backoff.Default,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HoldWindow is the duration new reservations are held before self-expiring.
func (e *Engine) HoldWindow() time.Duration {
	return e.holdWindow
}

func transient(err error) bool {
	return errors.Is(err, domain.ErrTransientConflict)
}

// retryTx runs fn in a unit of work, retrying transient conflicts. When the
// context already carries a transaction the engine joins it and runs once:
// a conflict there has aborted the whole transaction, and re-running inside
// it would only fail again, so the retry belongs to the opener.
func (e *Engine) retryTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if e.repo.InTx(ctx) {
		return e.repo.WithTx(ctx, fn)
	}
	return backoff.Retry(ctx, e.retry, transient, func() error {
		return e.repo.WithTx(ctx, fn)
	})
}

// Reserve places a temporal hold of qty on the SKU. The stock increment is a
// single conditional update over available = on_hand - reserved; on success
// an ACTIVE reservation and a RESERVE ledger entry are written in the same
// unit of work. Without a transactional substrate the increment lands first
// and any secondary failure is compensated by decrementing reserved before
// the error surfaces.
func (e *Engine) Reserve(ctx context.Context, skuID string, qty int64, owner domain.Owner) (domain.Reservation, error) {
	if qty <= 0 {
		return domain.Reservation{}, domain.ErrInvalidQuantity
	}

	now := e.clock.Now()
	res := domain.Reservation{
		ID:            uuid.NewString(),
		SKUID:         skuID,
		Quantity:      qty,
		Status:        domain.ReservationActive,
		MasterOrderID: owner.MasterOrderID,
		CartID:        owner.CartID,
		ExpiresAt:     now.Add(e.holdWindow),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	entry := domain.LedgerEntry{
		SKUID:          skuID,
		Op:             domain.OpReserve,
		Quantity:       qty,
		Reference:      ownerRef(owner),
		IdempotencyKey: fmt.Sprintf("reserve:%s:%s", res.ID, skuID),
	}

	if !e.repo.SupportsTx() {
		return res, e.reserveCompensating(ctx, res, entry)
	}

	err := e.retryTx(ctx, func(txCtx context.Context) error {
		if err := e.repo.ReserveStock(txCtx, skuID, qty); err != nil {
			return err
		}
		if err := e.repo.InsertReservation(txCtx, res); err != nil {
			return err
		}
		return e.repo.AppendLedger(txCtx, entry)
	})
	if err != nil {
		return domain.Reservation{}, err
	}
	return res, nil
}

// reserveCompensating is the degraded-mode path for stores without
// multi-statement transactions: the authoritative counter moves first, and a
// failure in the secondary writes rolls it back by hand. A crash between the
// two leaves an eventual-consistency window that ledger reconciliation
// closes.
func (e *Engine) reserveCompensating(ctx context.Context, res domain.Reservation, entry domain.LedgerEntry) error {
	if err := e.repo.ReserveStock(ctx, res.SKUID, res.Quantity); err != nil {
		return err
	}
	if err := e.repo.InsertReservation(ctx, res); err != nil {
		e.compensateReserve(ctx, res, false)
		return err
	}
	if err := e.repo.AppendLedger(ctx, entry); err != nil {
		e.compensateReserve(ctx, res, true)
		return err
	}
	return nil
}

func (e *Engine) compensateReserve(ctx context.Context, res domain.Reservation, dropReservation bool) {
	if dropReservation {
		if err := e.repo.DeleteReservation(ctx, res.ID); err != nil {
			e.log.Error("compensating reservation delete failed", "reservation_id", res.ID, "err", err)
		}
	}
	if err := e.repo.ReleaseStock(ctx, res.SKUID, res.Quantity); err != nil {
		e.log.Error("compensating reserved decrement failed", "sku", res.SKUID, "qty", res.Quantity, "err", err)
	}
}

// Commit converts reservations for owner+sku into a permanent deduction of
// qty. Soonest-expiring reservations are consumed first; a reservation that
// only partially covers the remaining need is decremented in place and a
// CONSUMED record is inserted for the slice, so every mutation stays on the
// audit trail. Any shortfall is taken directly from available stock by the
// final combined conditional update, which re-verifies sufficiency at commit
// time. It returns the quantity covered by reservations.
func (e *Engine) Commit(ctx context.Context, masterOrderID, skuID string, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, domain.ErrInvalidQuantity
	}

	var covered int64
	err := e.retryTx(ctx, func(txCtx context.Context) error {
		covered = 0
		c, err := e.consumeReservations(txCtx, masterOrderID, skuID, qty)
		if err != nil {
			return err
		}
		covered = c

		if err := e.repo.CommitStock(txCtx, skuID, qty, covered); err != nil {
			if errors.Is(err, domain.ErrInsufficientStock) && covered < qty {
				// A reservation that should have covered this line is
				// gone (leaked or reaped mid-checkout) and available
				// stock cannot absorb the difference.
				e.log.Error("reservation shortfall on commit",
					"master_order_id", masterOrderID, "sku", skuID,
					"need", qty, "covered", covered)
				return fmt.Errorf("commit %s/%s: %w", masterOrderID, skuID, domain.ErrReservationShortfall)
			}
			return err
		}

		return e.repo.AppendLedger(txCtx, domain.LedgerEntry{
			SKUID:          skuID,
			Op:             domain.OpCommit,
			Quantity:       qty,
			Reference:      "order:" + masterOrderID,
			IdempotencyKey: fmt.Sprintf("commit:%s:%s", masterOrderID, skuID),
		})
	})
	if err != nil {
		return 0, err
	}
	return covered, nil
}

func (e *Engine) consumeReservations(ctx context.Context, masterOrderID, skuID string, need int64) (int64, error) {
	active, err := e.repo.ActiveForCommit(ctx, masterOrderID, skuID)
	if err != nil {
		return 0, err
	}

	now := e.clock.Now()
	purgeAfter := now.Add(e.retention)
	var covered int64

	for _, r := range active {
		if covered >= need {
			break
		}
		remaining := need - covered

		if r.Quantity <= remaining {
			if err := e.repo.MarkConsumed(ctx, r.ID, purgeAfter); err != nil {
				return 0, err
			}
			covered += r.Quantity
			continue
		}

		// Partial cover: shrink the live hold and record the consumed slice
		// as its own terminal row.
		if err := e.repo.SetReservationQuantity(ctx, r.ID, r.Quantity-remaining); err != nil {
			return 0, err
		}
		slice := domain.Reservation{
			ID:            uuid.NewString(),
			SKUID:         r.SKUID,
			Quantity:      remaining,
			Status:        domain.ReservationConsumed,
			MasterOrderID: r.MasterOrderID,
			CartID:        r.CartID,
			ExpiresAt:     r.ExpiresAt,
			PurgeAfter:    &purgeAfter,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := e.repo.InsertReservation(ctx, slice); err != nil {
			return 0, err
		}
		covered += remaining
	}
	return covered, nil
}

// Release returns every ACTIVE hold for the owner to availability. It looks
// up reservations by master order id and falls back to the cart linkage when
// none match directly. Releasing an owner with no ACTIVE reservations is a
// no-op, which is the idempotency contract that lets explicit cancellation
// and the expiry reaper race safely.
func (e *Engine) Release(ctx context.Context, owner domain.Owner) error {
	return e.retryTx(ctx, func(txCtx context.Context) error {
		active, err := e.repo.ActiveByOrder(txCtx, owner.MasterOrderID)
		if err != nil {
			return err
		}
		if len(active) == 0 && owner.CartID != "" {
			active, err = e.repo.ActiveByCart(txCtx, owner.CartID)
			if err != nil {
				return err
			}
		}
		if len(active) == 0 {
			return nil
		}

		perSKU := make(map[string]int64)
		ids := make([]string, 0, len(active))
		for _, r := range active {
			perSKU[r.SKUID] += r.Quantity
			ids = append(ids, r.ID)
		}

		for skuID, qty := range perSKU {
			if err := e.repo.ReleaseStock(txCtx, skuID, qty); err != nil {
				return err
			}
			if err := e.repo.AppendLedger(txCtx, domain.LedgerEntry{
				SKUID:          skuID,
				Op:             domain.OpRelease,
				Quantity:       qty,
				Reference:      ownerRef(owner),
				IdempotencyKey: fmt.Sprintf("release:%s:%s", ownerRef(owner), skuID),
			}); err != nil {
				return err
			}
		}

		return e.repo.MarkReleased(txCtx, ids, e.clock.Now().Add(e.retention))
	})
}

// ReturnIn puts physical stock back after a post-fulfillment return or a
// manual restock, independent of any reservation state.
func (e *Engine) ReturnIn(ctx context.Context, skuID string, qty int64, reason string) error {
	if qty <= 0 {
		return domain.ErrInvalidQuantity
	}
	return e.retryTx(ctx, func(txCtx context.Context) error {
		if err := e.repo.AddOnHand(txCtx, skuID, qty); err != nil {
			return err
		}
		return e.repo.AppendLedger(txCtx, domain.LedgerEntry{
			SKUID:     skuID,
			Op:        domain.OpReturn,
			Quantity:  qty,
			Reference: reason,
		})
	})
}

// Reconcile compares the SKU's reserved counter with the sum of its ACTIVE
// reservations and returns the drift (counter minus sum). Non-zero drift
// means a leak and is worth alerting on.
func (e *Engine) Reconcile(ctx context.Context, skuID string) (int64, error) {
	var drift int64
	err := e.repo.WithTx(ctx, func(txCtx context.Context) error {
		sku, err := e.repo.GetSKU(txCtx, skuID)
		if err != nil {
			return err
		}
		sum, err := e.repo.SumActiveReserved(txCtx, skuID)
		if err != nil {
			return err
		}
		drift = sku.Reserved - sum
		return nil
	})
	return drift, err
}

// PurgeAudit deletes terminal reservations whose retention deadline has
// passed. ACTIVE rows are never touched.
func (e *Engine) PurgeAudit(ctx context.Context) (int64, error) {
	return e.repo.PurgeTerminal(ctx, e.clock.Now())
}

func ownerRef(o domain.Owner) string {
	if o.MasterOrderID != "" {
		return "order:" + o.MasterOrderID
	}
	return "cart:" + o.CartID
}
