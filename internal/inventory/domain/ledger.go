package domain

import "time"

// LedgerOp identifies the kind of stock mutation. Quantity on an entry is
// always positive; the operation implies direction.
type LedgerOp string

const (
	OpIn      LedgerOp = "IN"
	OpOut     LedgerOp = "OUT"
	OpReserve LedgerOp = "RESERVE"
	OpRelease LedgerOp = "RELEASE"
	OpCommit  LedgerOp = "COMMIT"
	OpReturn  LedgerOp = "RETURN"
)

// LedgerEntry is one append-only audit record of a stock mutation.
// IdempotencyKey, when present, is unique: a retried operation appending the
// same key writes nothing.
type LedgerEntry struct {
	ID             int64
	SKUID          string
	Op             LedgerOp
	Quantity       int64
	Reference      string
	IdempotencyKey string
	CreatedAt      time.Time
}
