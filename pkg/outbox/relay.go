package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/marketflow/settlement-core/pkg/clock"
)

type Store interface {
	LockBatch(ctx context.Context, relayID string, batchSize int, lease time.Duration) ([]Event, error)
	MarkSent(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	ExtendLease(ctx context.Context, relayID string, ids []int64, lease time.Duration) error
}

// Relay polls the outbox, locks a batch under a lease and hands each event to
// the dispatcher. Rows whose lease lapses without a terminal mark become
// visible to the next lock, so delivery is at-least-once. While a batch is
// still dispatching past half its lease, the lease on the undelivered rest is
// extended so a slow broker does not hand the same rows to another relay.
type Relay struct {
	log       *slog.Logger
	store     Store
	dispatch  *Dispatcher
	relayID   string
	batchSize int
	interval  time.Duration
	lease     time.Duration
	clock     clock.Clock
}

type RelayOption func(*Relay)

func WithBatchSize(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithPollInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithLease(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.lease = d
		}
	}
}

func NewRelay(log *slog.Logger, store Store, dispatch *Dispatcher, relayID string, opts ...RelayOption) *Relay {
	r := &Relay{
		log:       log,
		store:     store,
		dispatch:  dispatch,
		relayID:   relayID,
		batchSize: 100,
		interval:  500 * time.Millisecond,
		lease:     5 * time.Second,
		clock:     clock.NewSystem(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("relay stopping", "relay_id", r.relayID)
			return nil
		case <-t.C:
			events, err := r.store.LockBatch(ctx, r.relayID, r.batchSize, r.lease)
			if err != nil {
				r.log.Error("relay lock batch error", "err", err)
				continue
			}
			if len(events) == 0 {
				continue
			}
			r.processBatch(ctx, events)
		}
	}
}

func (r *Relay) processBatch(ctx context.Context, events []Event) {
	renewAt := r.clock.Now().Add(r.lease / 2)
	sent := make([]int64, 0, len(events))

	for i, e := range events {
		if r.clock.Now().After(renewAt) {
			remaining := make([]int64, 0, len(events)-i)
			for _, rest := range events[i:] {
				remaining = append(remaining, rest.ID)
			}
			if err := r.store.ExtendLease(ctx, r.relayID, remaining, r.lease); err != nil {
				r.log.Error("relay lease extend error", "relay_id", r.relayID, "err", err)
			}
			renewAt = r.clock.Now().Add(r.lease / 2)
		}

		if err := r.dispatch.Dispatch(ctx, e); err != nil {
			_ = r.store.MarkFailed(ctx, e.ID, err.Error())
			continue
		}
		sent = append(sent, e.ID)
	}

	if len(sent) > 0 {
		if err := r.store.MarkSent(ctx, sent); err != nil {
			r.log.Error("relay mark sent error", "err", err)
		}
	}
}
