package domain

import "time"

type MasterStatus string

const (
	StatusPendingPayment MasterStatus = "pending_payment"
	StatusPaid           MasterStatus = "paid"
	StatusCanceled       MasterStatus = "canceled"
	StatusExpired        MasterStatus = "expired"
	StatusRefunded       MasterStatus = "refunded"
)

// Terminal reports whether no forward transition from s exists except the
// paid to refunded bookkeeping step.
func (s MasterStatus) Terminal() bool {
	return s == StatusPaid || s == StatusCanceled || s == StatusExpired || s == StatusRefunded
}

type FulfillmentStage string

const (
	FulfillmentPending   FulfillmentStage = "PENDING"
	FulfillmentPacked    FulfillmentStage = "PACKED"
	FulfillmentShipped   FulfillmentStage = "SHIPPED"
	FulfillmentDelivered FulfillmentStage = "DELIVERED"
)

var fulfillmentRank = map[FulfillmentStage]int{
	FulfillmentPending:   0,
	FulfillmentPacked:    1,
	FulfillmentShipped:   2,
	FulfillmentDelivered: 3,
}

// CanAdvanceTo permits only forward, single-direction fulfillment moves.
func (s FulfillmentStage) CanAdvanceTo(next FulfillmentStage) bool {
	cur, ok := fulfillmentRank[s]
	nxt, ok2 := fulfillmentRank[next]
	return ok && ok2 && nxt > cur
}

// MasterOrder is one checkout transaction for one buyer, decomposed into
// per-vendor store orders. ReservationExpiresAt is the checkout-wide hold
// deadline; Expiring is the reaper's claim flag.
type MasterOrder struct {
	ID                   string
	BuyerID              string
	OrderNumber          string
	CartID               string
	Status               MasterStatus
	TotalCents           int64
	Currency             string
	PaymentProvider      string
	PaymentIntentID      string
	ChargeID             string
	ReservationExpiresAt time.Time
	Expiring             bool
	CreatedAt            time.Time
	UpdatedAt            time.Time

	StoreOrders []StoreOrder
}

// StoreOrder is the per-vendor slice of a master order. Its fulfillment
// stage advances independently of the buyer-facing payment status.
type StoreOrder struct {
	ID            string
	MasterOrderID string
	StoreID       string
	Status        MasterStatus
	Fulfillment   FulfillmentStage
	SubtotalCents int64
	Items         []OrderItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderItem struct {
	ID            string
	StoreOrderID  string
	MasterOrderID string
	SKUID         string
	Quantity      int64
	PriceCents    int64
}

// Settlement carries the amounts recorded when a payment succeeds.
type Settlement struct {
	AmountCents int64
	Currency    string
	ChargeID    string
}
