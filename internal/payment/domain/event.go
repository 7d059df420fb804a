package domain

import (
	"errors"
	"time"
)

type EventType string

// Provider event kinds this core consumes. Signature verification happens
// upstream; by the time an Event reaches the gateway it is trusted.
const (
	EventProcessing EventType = "payment_intent.processing"
	EventSucceeded  EventType = "payment_intent.succeeded"
	EventFailed     EventType = "payment_intent.payment_failed"
	EventCanceled   EventType = "payment_intent.canceled"
)

// Event is a verified, typed payment-provider callback. ID is unique per
// provider and is the deduplication key.
type Event struct {
	ID              string
	Provider        string
	Type            EventType
	MasterOrderID   string
	PaymentIntentID string
	AmountCents     int64
	Currency        string
	ChargeID        string
	FailureReason   string
	OccurredAt      time.Time
}

var (
	ErrMissingOrderRef = errors.New("payment event missing master order reference")
	ErrMissingEventID  = errors.New("payment event missing id")
)
