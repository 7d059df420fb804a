package domain

import "errors"

var (
	// ErrInsufficientStock rejects a reserve or commit that cannot be
	// satisfied from available stock. Not retried.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrReservationShortfall means a commit could not cover the needed
	// quantity from active reservations and the direct-stock fallback also
	// failed. It indicates a reservation leak and must alert.
	ErrReservationShortfall = errors.New("reservation shortfall")

	// ErrTransientConflict wraps a storage-level write conflict. Callers
	// retry with bounded backoff before surfacing it.
	ErrTransientConflict = errors.New("transient write conflict")

	// ErrInvalidQuantity rejects non-positive quantities.
	ErrInvalidQuantity = errors.New("invalid quantity")

	ErrSKUNotFound = errors.New("sku not found")
)
