package application

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"testing"
	"time"

	"github.com/marketflow/settlement-core/internal/inventory/domain"
	"github.com/marketflow/settlement-core/pkg/backoff"
	"github.com/marketflow/settlement-core/pkg/clock"
)

// fakeStockRepo holds SKUs, reservations and ledger rows in memory and
// enforces the same conditional-update guards as the postgres repository.
type fakeStockRepo struct {
	txCapable bool
	skus      map[string]*domain.SKU
	res       map[string]*domain.Reservation
	ledger    []domain.LedgerEntry
	ledgerIdx map[string]bool

	failInsertReservation error
	failAppendLedger      error
	transientLeft         int
	inTx                  bool
	txCalls               int
}

func newFakeStockRepo() *fakeStockRepo {
	return &fakeStockRepo{
		txCapable: true,
		skus:      make(map[string]*domain.SKU),
		res:       make(map[string]*domain.Reservation),
		ledgerIdx: make(map[string]bool),
	}
}

func (f *fakeStockRepo) addSKU(id string, onHand, reserved int64) {
	f.skus[id] = &domain.SKU{ID: id, OnHand: onHand, Reserved: reserved}
}

func (f *fakeStockRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	f.txCalls++
	if f.transientLeft > 0 {
		f.transientLeft--
		return domain.ErrTransientConflict
	}
	return fn(ctx)
}

func (f *fakeStockRepo) SupportsTx() bool { return f.txCapable }

func (f *fakeStockRepo) InTx(context.Context) bool { return f.inTx }

func (f *fakeStockRepo) GetSKU(_ context.Context, skuID string) (domain.SKU, error) {
	s, ok := f.skus[skuID]
	if !ok {
		return domain.SKU{}, domain.ErrSKUNotFound
	}
	return *s, nil
}

func (f *fakeStockRepo) ReserveStock(_ context.Context, skuID string, qty int64) error {
	s, ok := f.skus[skuID]
	if !ok {
		return domain.ErrSKUNotFound
	}
	if s.OnHand-s.Reserved < qty {
		return domain.ErrInsufficientStock
	}
	s.Reserved += qty
	return nil
}

func (f *fakeStockRepo) ReleaseStock(_ context.Context, skuID string, qty int64) error {
	s, ok := f.skus[skuID]
	if !ok {
		return domain.ErrSKUNotFound
	}
	if s.Reserved < qty {
		return domain.ErrInsufficientStock
	}
	s.Reserved -= qty
	return nil
}

func (f *fakeStockRepo) CommitStock(_ context.Context, skuID string, qty, covered int64) error {
	s, ok := f.skus[skuID]
	if !ok {
		return domain.ErrSKUNotFound
	}
	if s.OnHand < qty || s.Reserved < covered || s.OnHand-s.Reserved < qty-covered {
		return domain.ErrInsufficientStock
	}
	s.OnHand -= qty
	s.Reserved -= covered
	return nil
}

func (f *fakeStockRepo) AddOnHand(_ context.Context, skuID string, qty int64) error {
	s, ok := f.skus[skuID]
	if !ok {
		return domain.ErrSKUNotFound
	}
	s.OnHand += qty
	return nil
}

func (f *fakeStockRepo) InsertReservation(_ context.Context, r domain.Reservation) error {
	if f.failInsertReservation != nil {
		return f.failInsertReservation
	}
	cp := r
	f.res[r.ID] = &cp
	return nil
}

func (f *fakeStockRepo) ActiveForCommit(_ context.Context, masterOrderID, skuID string) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, r := range f.res {
		if r.Status == domain.ReservationActive && r.MasterOrderID == masterOrderID && r.SKUID == skuID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (f *fakeStockRepo) ActiveByOrder(_ context.Context, masterOrderID string) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, r := range f.res {
		if r.Status == domain.ReservationActive && r.MasterOrderID == masterOrderID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStockRepo) ActiveByCart(_ context.Context, cartID string) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for _, r := range f.res {
		if r.Status == domain.ReservationActive && r.CartID == cartID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStockRepo) SetReservationQuantity(_ context.Context, id string, qty int64) error {
	r, ok := f.res[id]
	if !ok {
		return errors.New("reservation not found")
	}
	r.Quantity = qty
	return nil
}

func (f *fakeStockRepo) MarkConsumed(_ context.Context, id string, purgeAfter time.Time) error {
	r, ok := f.res[id]
	if !ok || r.Status != domain.ReservationActive {
		return errors.New("reservation not active")
	}
	r.Status = domain.ReservationConsumed
	r.PurgeAfter = &purgeAfter
	return nil
}

func (f *fakeStockRepo) MarkReleased(_ context.Context, ids []string, purgeAfter time.Time) error {
	for _, id := range ids {
		r, ok := f.res[id]
		if !ok {
			return errors.New("reservation not found")
		}
		r.Status = domain.ReservationReleased
		r.PurgeAfter = &purgeAfter
	}
	return nil
}

func (f *fakeStockRepo) DeleteReservation(_ context.Context, id string) error {
	delete(f.res, id)
	return nil
}

func (f *fakeStockRepo) AppendLedger(_ context.Context, e domain.LedgerEntry) error {
	if f.failAppendLedger != nil {
		return f.failAppendLedger
	}
	if e.IdempotencyKey != "" {
		if f.ledgerIdx[e.IdempotencyKey] {
			return nil
		}
		f.ledgerIdx[e.IdempotencyKey] = true
	}
	f.ledger = append(f.ledger, e)
	return nil
}

func (f *fakeStockRepo) SumActiveReserved(_ context.Context, skuID string) (int64, error) {
	var sum int64
	for _, r := range f.res {
		if r.Status == domain.ReservationActive && r.SKUID == skuID {
			sum += r.Quantity
		}
	}
	return sum, nil
}

func (f *fakeStockRepo) PurgeTerminal(_ context.Context, before time.Time) (int64, error) {
	var n int64
	for id, r := range f.res {
		if r.Status != domain.ReservationActive && r.PurgeAfter != nil && r.PurgeAfter.Before(before) {
			delete(f.res, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStockRepo) ledgerOps(skuID string) []domain.LedgerOp {
	var ops []domain.LedgerOp
	for _, e := range f.ledger {
		if e.SKUID == skuID {
			ops = append(ops, e.Op)
		}
	}
	return ops
}

func (f *fakeStockRepo) checkCounters(t *testing.T, skuID string) {
	t.Helper()
	s := f.skus[skuID]
	if s.Reserved < 0 || s.Reserved > s.OnHand {
		t.Fatalf("counter invariant broken for %s: on_hand=%d reserved=%d", skuID, s.OnHand, s.Reserved)
	}
}

var testLog = slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestEngine(repo *fakeStockRepo, clk clock.Clock) *Engine {
	return NewEngine(testLog, repo, clk,
		WithRetryPolicy(backoff.Policy{MaxAttempts: 3, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond}),
	)
}

func TestReserve(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("holds stock and writes audit trail", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 10, 0)
		eng := newTestEngine(repo, clock.NewFixed(base))

		res, err := eng.Reserve(ctx, "sku-1", 4, domain.Owner{MasterOrderID: "mo-1"})
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if res.Status != domain.ReservationActive {
			t.Fatalf("status = %s, want ACTIVE", res.Status)
		}
		if want := base.Add(15 * time.Minute); !res.ExpiresAt.Equal(want) {
			t.Fatalf("expires_at = %v, want %v", res.ExpiresAt, want)
		}
		if got := repo.skus["sku-1"].Reserved; got != 4 {
			t.Fatalf("reserved = %d, want 4", got)
		}
		if ops := repo.ledgerOps("sku-1"); len(ops) != 1 || ops[0] != domain.OpReserve {
			t.Fatalf("ledger ops = %v, want [RESERVE]", ops)
		}
		repo.checkCounters(t, "sku-1")
	})

	t.Run("reserve to zero then insufficient", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 5, 0)
		eng := newTestEngine(repo, clock.NewFixed(base))

		if _, err := eng.Reserve(ctx, "sku-1", 5, domain.Owner{MasterOrderID: "mo-1"}); err != nil {
			t.Fatalf("Reserve all: %v", err)
		}
		_, err := eng.Reserve(ctx, "sku-1", 1, domain.Owner{MasterOrderID: "mo-2"})
		if !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("err = %v, want ErrInsufficientStock", err)
		}
		if got := repo.skus["sku-1"].Reserved; got != 5 {
			t.Fatalf("reserved = %d, want 5 after failed reserve", got)
		}
		repo.checkCounters(t, "sku-1")
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 5, 0)
		eng := newTestEngine(repo, clock.NewFixed(base))

		if _, err := eng.Reserve(ctx, "sku-1", 0, domain.Owner{}); !errors.Is(err, domain.ErrInvalidQuantity) {
			t.Fatalf("err = %v, want ErrInvalidQuantity", err)
		}
	})

	t.Run("retries transient conflicts", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 5, 0)
		repo.transientLeft = 2
		eng := newTestEngine(repo, clock.NewFixed(base))

		if _, err := eng.Reserve(ctx, "sku-1", 2, domain.Owner{MasterOrderID: "mo-1"}); err != nil {
			t.Fatalf("Reserve after transient conflicts: %v", err)
		}
		if got := repo.skus["sku-1"].Reserved; got != 2 {
			t.Fatalf("reserved = %d, want 2", got)
		}
	})

	t.Run("surfaces transient conflict after retry budget", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 5, 0)
		repo.transientLeft = 10
		eng := newTestEngine(repo, clock.NewFixed(base))

		_, err := eng.Reserve(ctx, "sku-1", 2, domain.Owner{MasterOrderID: "mo-1"})
		if !errors.Is(err, domain.ErrTransientConflict) {
			t.Fatalf("err = %v, want ErrTransientConflict", err)
		}
	})

	t.Run("does not retry inside a caller's transaction", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 5, 0)
		repo.inTx = true
		repo.transientLeft = 1
		eng := newTestEngine(repo, clock.NewFixed(base))

		// The caller's aborted transaction cannot absorb a re-run; the
		// conflict must surface immediately so the opener retries the
		// whole unit of work.
		_, err := eng.Reserve(ctx, "sku-1", 2, domain.Owner{MasterOrderID: "mo-1"})
		if !errors.Is(err, domain.ErrTransientConflict) {
			t.Fatalf("err = %v, want ErrTransientConflict", err)
		}
		if repo.txCalls != 1 {
			t.Fatalf("WithTx calls = %d, want 1", repo.txCalls)
		}
	})
}

func TestReserveCompensating(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("rolls back counter when reservation insert fails", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.txCapable = false
		repo.addSKU("sku-1", 10, 0)
		repo.failInsertReservation = errors.New("write refused")
		eng := newTestEngine(repo, clock.NewFixed(base))

		if _, err := eng.Reserve(ctx, "sku-1", 3, domain.Owner{MasterOrderID: "mo-1"}); err == nil {
			t.Fatal("Reserve succeeded, want error")
		}
		if got := repo.skus["sku-1"].Reserved; got != 0 {
			t.Fatalf("reserved = %d, want 0 after compensation", got)
		}
		repo.checkCounters(t, "sku-1")
	})

	t.Run("drops reservation when ledger append fails", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.txCapable = false
		repo.addSKU("sku-1", 10, 0)
		repo.failAppendLedger = errors.New("write refused")
		eng := newTestEngine(repo, clock.NewFixed(base))

		if _, err := eng.Reserve(ctx, "sku-1", 3, domain.Owner{MasterOrderID: "mo-1"}); err == nil {
			t.Fatal("Reserve succeeded, want error")
		}
		if got := repo.skus["sku-1"].Reserved; got != 0 {
			t.Fatalf("reserved = %d, want 0 after compensation", got)
		}
		if len(repo.res) != 0 {
			t.Fatalf("reservations = %d, want 0 after compensation", len(repo.res))
		}
	})
}

func TestCommit(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("consumes whole reservation", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 10, 0)
		clk := clock.NewFixed(base)
		eng := newTestEngine(repo, clk)

		res, err := eng.Reserve(ctx, "sku-1", 4, domain.Owner{MasterOrderID: "mo-1"})
		if err != nil {
			t.Fatalf("Reserve: %v", err)
		}

		covered, err := eng.Commit(ctx, "mo-1", "sku-1", 4)
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if covered != 4 {
			t.Fatalf("covered = %d, want 4", covered)
		}
		if s := repo.skus["sku-1"]; s.OnHand != 6 || s.Reserved != 0 {
			t.Fatalf("sku = on_hand %d / reserved %d, want 6/0", s.OnHand, s.Reserved)
		}
		if got := repo.res[res.ID].Status; got != domain.ReservationConsumed {
			t.Fatalf("reservation status = %s, want CONSUMED", got)
		}
		if repo.res[res.ID].PurgeAfter == nil {
			t.Fatal("purge_after not set on consumed reservation")
		}
		repo.checkCounters(t, "sku-1")
	})

	t.Run("partial consume splits the hold", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 20, 0)
		clk := clock.NewFixed(base)
		eng := newTestEngine(repo, clk)

		r1, err := eng.Reserve(ctx, "sku-1", 2, domain.Owner{MasterOrderID: "mo-1"})
		if err != nil {
			t.Fatalf("Reserve r1: %v", err)
		}
		clk.Advance(time.Second)
		r2, err := eng.Reserve(ctx, "sku-1", 4, domain.Owner{MasterOrderID: "mo-1"})
		if err != nil {
			t.Fatalf("Reserve r2: %v", err)
		}

		covered, err := eng.Commit(ctx, "mo-1", "sku-1", 3)
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if covered != 3 {
			t.Fatalf("covered = %d, want 3", covered)
		}

		// r1 (soonest-expiring) is fully consumed, r2 shrinks from 4 to 3
		// and a 1-unit CONSUMED slice is recorded.
		if got := repo.res[r1.ID].Status; got != domain.ReservationConsumed {
			t.Fatalf("r1 status = %s, want CONSUMED", got)
		}
		if got := repo.res[r2.ID]; got.Status != domain.ReservationActive || got.Quantity != 3 {
			t.Fatalf("r2 = %s qty %d, want ACTIVE qty 3", got.Status, got.Quantity)
		}
		var sliceQty int64
		for id, r := range repo.res {
			if id != r1.ID && id != r2.ID && r.Status == domain.ReservationConsumed {
				sliceQty += r.Quantity
			}
		}
		if sliceQty != 1 {
			t.Fatalf("consumed slice qty = %d, want 1", sliceQty)
		}
		if s := repo.skus["sku-1"]; s.OnHand != 17 || s.Reserved != 3 {
			t.Fatalf("sku = on_hand %d / reserved %d, want 17/3", s.OnHand, s.Reserved)
		}
		repo.checkCounters(t, "sku-1")
	})

	t.Run("shortfall falls back to available stock", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 10, 0)
		eng := newTestEngine(repo, clock.NewFixed(base))

		if _, err := eng.Reserve(ctx, "sku-1", 2, domain.Owner{MasterOrderID: "mo-1"}); err != nil {
			t.Fatalf("Reserve: %v", err)
		}

		// Need 5, only 2 reserved; the other 3 come from available stock.
		covered, err := eng.Commit(ctx, "mo-1", "sku-1", 5)
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		if covered != 2 {
			t.Fatalf("covered = %d, want 2", covered)
		}
		if s := repo.skus["sku-1"]; s.OnHand != 5 || s.Reserved != 0 {
			t.Fatalf("sku = on_hand %d / reserved %d, want 5/0", s.OnHand, s.Reserved)
		}
		repo.checkCounters(t, "sku-1")
	})

	t.Run("shortfall with no available stock fails", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 4, 0)
		eng := newTestEngine(repo, clock.NewFixed(base))

		if _, err := eng.Reserve(ctx, "sku-1", 2, domain.Owner{MasterOrderID: "mo-1"}); err != nil {
			t.Fatalf("Reserve mo-1: %v", err)
		}
		if _, err := eng.Reserve(ctx, "sku-1", 2, domain.Owner{MasterOrderID: "mo-2"}); err != nil {
			t.Fatalf("Reserve mo-2: %v", err)
		}

		// mo-1 needs 3 but holds 2, and the free unit is held by mo-2.
		_, err := eng.Commit(ctx, "mo-1", "sku-1", 3)
		if !errors.Is(err, domain.ErrReservationShortfall) {
			t.Fatalf("err = %v, want ErrReservationShortfall", err)
		}
		repo.checkCounters(t, "sku-1")
	})
}

func TestRelease(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("returns holds and is idempotent", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 10, 0)
		repo.addSKU("sku-2", 10, 0)
		eng := newTestEngine(repo, clock.NewFixed(base))

		owner := domain.Owner{MasterOrderID: "mo-1", CartID: "cart-1"}
		if _, err := eng.Reserve(ctx, "sku-1", 3, owner); err != nil {
			t.Fatalf("Reserve sku-1: %v", err)
		}
		if _, err := eng.Reserve(ctx, "sku-2", 2, owner); err != nil {
			t.Fatalf("Reserve sku-2: %v", err)
		}

		if err := eng.Release(ctx, owner); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if s := repo.skus["sku-1"]; s.Reserved != 0 {
			t.Fatalf("sku-1 reserved = %d, want 0", s.Reserved)
		}
		if s := repo.skus["sku-2"]; s.Reserved != 0 {
			t.Fatalf("sku-2 reserved = %d, want 0", s.Reserved)
		}
		for _, r := range repo.res {
			if r.Status != domain.ReservationReleased {
				t.Fatalf("reservation %s status = %s, want RELEASED", r.ID, r.Status)
			}
			if r.PurgeAfter == nil {
				t.Fatalf("reservation %s has no purge_after", r.ID)
			}
		}

		// Second release finds nothing ACTIVE and must not disturb counters.
		if err := eng.Release(ctx, owner); err != nil {
			t.Fatalf("second Release: %v", err)
		}
		if s := repo.skus["sku-1"]; s.Reserved != 0 {
			t.Fatalf("sku-1 reserved = %d after double release, want 0", s.Reserved)
		}
	})

	t.Run("released stock is reservable again", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 5, 0)
		eng := newTestEngine(repo, clock.NewFixed(base))

		if _, err := eng.Reserve(ctx, "sku-1", 5, domain.Owner{MasterOrderID: "mo-1"}); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if _, err := eng.Reserve(ctx, "sku-1", 1, domain.Owner{MasterOrderID: "mo-2"}); !errors.Is(err, domain.ErrInsufficientStock) {
			t.Fatalf("err = %v, want ErrInsufficientStock while held", err)
		}

		if err := eng.Release(ctx, domain.Owner{MasterOrderID: "mo-1"}); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if _, err := eng.Reserve(ctx, "sku-1", 5, domain.Owner{MasterOrderID: "mo-2"}); err != nil {
			t.Fatalf("Reserve after release: %v", err)
		}
		repo.checkCounters(t, "sku-1")
	})

	t.Run("falls back to cart linkage", func(t *testing.T) {
		repo := newFakeStockRepo()
		repo.addSKU("sku-1", 10, 0)
		eng := newTestEngine(repo, clock.NewFixed(base))

		if _, err := eng.Reserve(ctx, "sku-1", 3, domain.Owner{CartID: "cart-9"}); err != nil {
			t.Fatalf("Reserve: %v", err)
		}
		if err := eng.Release(ctx, domain.Owner{MasterOrderID: "mo-9", CartID: "cart-9"}); err != nil {
			t.Fatalf("Release: %v", err)
		}
		if s := repo.skus["sku-1"]; s.Reserved != 0 {
			t.Fatalf("reserved = %d, want 0", s.Reserved)
		}
	})
}

func TestReturnIn(t *testing.T) {
	ctx := context.Background()
	repo := newFakeStockRepo()
	repo.addSKU("sku-1", 5, 0)
	eng := newTestEngine(repo, clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	if err := eng.ReturnIn(ctx, "sku-1", 2, "customer return"); err != nil {
		t.Fatalf("ReturnIn: %v", err)
	}
	if got := repo.skus["sku-1"].OnHand; got != 7 {
		t.Fatalf("on_hand = %d, want 7", got)
	}
	if ops := repo.ledgerOps("sku-1"); len(ops) != 1 || ops[0] != domain.OpReturn {
		t.Fatalf("ledger ops = %v, want [RETURN]", ops)
	}

	if err := eng.ReturnIn(ctx, "sku-1", -1, "bad"); !errors.Is(err, domain.ErrInvalidQuantity) {
		t.Fatalf("err = %v, want ErrInvalidQuantity", err)
	}
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeStockRepo()
	repo.addSKU("sku-1", 10, 0)
	eng := newTestEngine(repo, clock.NewFixed(base))

	if _, err := eng.Reserve(ctx, "sku-1", 4, domain.Owner{MasterOrderID: "mo-1"}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	drift, err := eng.Reconcile(ctx, "sku-1")
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if drift != 0 {
		t.Fatalf("drift = %d, want 0", drift)
	}

	// Simulate a leaked counter: reserved bumped with no backing reservation.
	repo.skus["sku-1"].Reserved += 2
	drift, err = eng.Reconcile(ctx, "sku-1")
	if err != nil {
		t.Fatalf("Reconcile after leak: %v", err)
	}
	if drift != 2 {
		t.Fatalf("drift = %d, want 2", drift)
	}
}

func TestPurgeAudit(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newFakeStockRepo()
	repo.addSKU("sku-1", 10, 0)
	clk := clock.NewFixed(base)
	eng := NewEngine(testLog, repo, clk, WithRetention(24*time.Hour))

	owner := domain.Owner{MasterOrderID: "mo-1"}
	if _, err := eng.Reserve(ctx, "sku-1", 2, owner); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := eng.Release(ctx, owner); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Inside retention: nothing purged.
	purged, err := eng.PurgeAudit(ctx)
	if err != nil {
		t.Fatalf("PurgeAudit: %v", err)
	}
	if purged != 0 {
		t.Fatalf("purged = %d, want 0 inside retention", purged)
	}

	clk.Advance(25 * time.Hour)
	purged, err = eng.PurgeAudit(ctx)
	if err != nil {
		t.Fatalf("PurgeAudit after retention: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if len(repo.res) != 0 {
		t.Fatalf("reservations left = %d, want 0", len(repo.res))
	}
}

func TestLedgerIdempotency(t *testing.T) {
	ctx := context.Background()
	repo := newFakeStockRepo()
	repo.addSKU("sku-1", 10, 0)
	eng := newTestEngine(repo, clock.NewFixed(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))

	if _, err := eng.Reserve(ctx, "sku-1", 2, domain.Owner{MasterOrderID: "mo-1"}); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := eng.Commit(ctx, "mo-1", "sku-1", 2); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	before := len(repo.ledger)
	// A replayed commit ledger write with the same key must append nothing.
	err := repo.AppendLedger(ctx, domain.LedgerEntry{
		SKUID:          "sku-1",
		Op:             domain.OpCommit,
		Quantity:       2,
		IdempotencyKey: "commit:mo-1:sku-1",
	})
	if err != nil {
		t.Fatalf("AppendLedger replay: %v", err)
	}
	if len(repo.ledger) != before {
		t.Fatalf("ledger grew on replayed key: %d -> %d", before, len(repo.ledger))
	}
}
