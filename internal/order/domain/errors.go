package domain

import "errors"

var (
	// ErrInvalidStateTransition rejects a transition from a terminal or
	// incompatible state, e.g. canceling an already-paid order.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrIntentMismatch rejects binding a second, different payment intent
	// to an order that is already bound.
	ErrIntentMismatch = errors.New("payment intent mismatch")

	ErrOrderNotFound = errors.New("order not found")
	ErrEmptyOrder    = errors.New("order has no items")
)
