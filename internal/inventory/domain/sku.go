package domain

import "time"

// SKU is a purchasable variant with its authoritative stock counters.
// OnHand is total physical stock, Reserved the portion provisionally held.
// Both counters are mutated only through conditional updates issued by the
// inventory engine.
type SKU struct {
	ID        string
	OnHand    int64
	Reserved  int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Available is the quantity a new reservation may claim.
func (s SKU) Available() int64 {
	return s.OnHand - s.Reserved
}
