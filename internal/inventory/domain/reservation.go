package domain

import "time"

type ReservationStatus string

const (
	ReservationActive   ReservationStatus = "ACTIVE"
	ReservationReleased ReservationStatus = "RELEASED"
	ReservationConsumed ReservationStatus = "CONSUMED"
)

// Owner links a reservation to the checkout that created it. MasterOrderID
// is the primary linkage; CartID is a legacy secondary key kept for
// reservations written before orders carried a direct link.
type Owner struct {
	MasterOrderID string
	CartID        string
}

// Reservation is a temporal hold on quantity of one SKU. It is created
// ACTIVE and only ever moves forward: to CONSUMED when committed, or to
// RELEASED when canceled or reaped. PurgeAfter is set on leaving ACTIVE and
// drives audit retention; ACTIVE rows are never hard-deleted.
type Reservation struct {
	ID            string
	SKUID         string
	Quantity      int64
	Status        ReservationStatus
	MasterOrderID string
	CartID        string
	ExpiresAt     time.Time
	PurgeAfter    *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
