package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	invdomain "github.com/marketflow/settlement-core/internal/inventory/domain"
	"github.com/marketflow/settlement-core/internal/order/domain"
	"github.com/marketflow/settlement-core/pkg/backoff"
	"github.com/marketflow/settlement-core/pkg/clock"
	"github.com/marketflow/settlement-core/pkg/tracing"
)

// CheckoutLine is one cart line destined for one vendor's store order.
type CheckoutLine struct {
	StoreID    string
	SKUID      string
	Quantity   int64
	PriceCents int64
}

type CheckoutInput struct {
	BuyerID  string
	CartID   string
	Currency string
	Lines    []CheckoutLine
}

// CheckoutService turns a cart into a pending master order with one store
// order per vendor, reserving stock for every line inside a single unit of
// work. Any line that cannot be reserved rolls back the whole checkout.
type CheckoutService struct {
	log   *slog.Logger
	repo  OrderRepository
	inv   Inventory
	evts  EventAppender
	clock clock.Clock
	retry backoff.Policy
}

type CheckoutOption func(*CheckoutService)

func WithCheckoutRetry(p backoff.Policy) CheckoutOption {
	return func(s *CheckoutService) { s.retry = p }
}

func NewCheckoutService(log *slog.Logger, repo OrderRepository, inv Inventory, evts EventAppender, clk clock.Clock, opts ...CheckoutOption) *CheckoutService {
	s := &CheckoutService{log: log, repo: repo, inv: inv, evts: evts, clock: clk, retry: backoff.Default}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CheckoutService) Checkout(ctx context.Context, in CheckoutInput) (domain.MasterOrder, error) {
	if len(in.Lines) == 0 {
		return domain.MasterOrder{}, domain.ErrEmptyOrder
	}
	for _, l := range in.Lines {
		if l.Quantity <= 0 {
			return domain.MasterOrder{}, invdomain.ErrInvalidQuantity
		}
	}

	now := s.clock.Now()
	master := s.buildOrder(in, now)

	err := retryTx(ctx, s.repo, s.retry, func(txCtx context.Context) error {
		if err := s.repo.CreateMasterOrder(txCtx, master); err != nil {
			return err
		}

		owner := invdomain.Owner{MasterOrderID: master.ID, CartID: in.CartID}
		for _, l := range in.Lines {
			if _, err := s.inv.Reserve(txCtx, l.SKUID, l.Quantity, owner); err != nil {
				return fmt.Errorf("reserve %s x%d: %w", l.SKUID, l.Quantity, err)
			}
		}

		return s.evts.Append(txCtx, "order", master.ID, domain.EventMasterCreated,
			domain.MasterCreated{
				MasterOrderID: master.ID,
				BuyerID:       master.BuyerID,
				OrderNumber:   master.OrderNumber,
				TotalCents:    master.TotalCents,
				Currency:      master.Currency,
				ExpiresAt:     master.ReservationExpiresAt,
				At:            now,
			}, tracing.Traceparent(ctx))
	})
	if err != nil {
		return domain.MasterOrder{}, err
	}
	return master, nil
}

func (s *CheckoutService) buildOrder(in CheckoutInput, now time.Time) domain.MasterOrder {
	masterID := uuid.NewString()

	byStore := make(map[string][]CheckoutLine)
	storeIDs := make([]string, 0)
	for _, l := range in.Lines {
		if _, ok := byStore[l.StoreID]; !ok {
			storeIDs = append(storeIDs, l.StoreID)
		}
		byStore[l.StoreID] = append(byStore[l.StoreID], l)
	}

	var total int64
	stores := make([]domain.StoreOrder, 0, len(byStore))
	for _, storeID := range storeIDs {
		so := domain.StoreOrder{
			ID:            uuid.NewString(),
			MasterOrderID: masterID,
			StoreID:       storeID,
			Status:        domain.StatusPendingPayment,
			Fulfillment:   domain.FulfillmentPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		for _, l := range byStore[storeID] {
			so.Items = append(so.Items, domain.OrderItem{
				ID:            uuid.NewString(),
				StoreOrderID:  so.ID,
				MasterOrderID: masterID,
				SKUID:         l.SKUID,
				Quantity:      l.Quantity,
				PriceCents:    l.PriceCents,
			})
			so.SubtotalCents += l.Quantity * l.PriceCents
		}
		total += so.SubtotalCents
		stores = append(stores, so)
	}

	return domain.MasterOrder{
		ID:                   masterID,
		BuyerID:              in.BuyerID,
		OrderNumber:          orderNumber(now),
		CartID:               in.CartID,
		Status:               domain.StatusPendingPayment,
		TotalCents:           total,
		Currency:             in.Currency,
		ReservationExpiresAt: now.Add(s.inv.HoldWindow()),
		CreatedAt:            now,
		UpdatedAt:            now,
		StoreOrders:          stores,
	}
}

func orderNumber(now time.Time) string {
	suffix := uuid.NewString()[:8]
	return fmt.Sprintf("MO-%s-%s", now.Format("20060102"), suffix)
}
