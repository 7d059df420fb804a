package domain

import "time"

// Domain event types published through the outbox.
const (
	EventMasterCreated  = "orders.master.created"
	EventMasterPaid     = "orders.master.paid"
	EventMasterCanceled = "orders.master.canceled"
	EventPaymentExpired = "orders.payment_expired"

	EventPaymentProcessing = "payments.processing"
	EventPaymentSucceeded  = "payments.succeeded"
	EventPaymentCanceled   = "payments.canceled"
)

type MasterCreated struct {
	MasterOrderID string    `json:"masterOrderId"`
	BuyerID       string    `json:"buyerId"`
	OrderNumber   string    `json:"orderNumber"`
	TotalCents    int64     `json:"total"`
	Currency      string    `json:"currency"`
	ExpiresAt     time.Time `json:"expiresAt"`
	At            time.Time `json:"at"`
}

type MasterPaid struct {
	MasterOrderID string    `json:"masterOrderId"`
	AmountCents   int64     `json:"amount"`
	Currency      string    `json:"currency"`
	At            time.Time `json:"at"`
}

type MasterCanceled struct {
	MasterOrderID string    `json:"masterOrderId"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

type PaymentExpired struct {
	MasterOrderID string    `json:"masterOrderId"`
	BuyerID       string    `json:"buyerId"`
	OrderNumber   string    `json:"orderNumber"`
	TotalCents    int64     `json:"total"`
	Currency      string    `json:"currency"`
	PaymentMethod string    `json:"paymentMethod"`
	ExpiresAt     time.Time `json:"expiresAt"`
	OccurredAt    time.Time `json:"occurredAt"`
}

type PaymentStatusChanged struct {
	MasterOrderID   string    `json:"masterOrderId"`
	PaymentIntentID string    `json:"paymentIntentId"`
	ChargeID        string    `json:"chargeId,omitempty"`
	At              time.Time `json:"at"`
}
