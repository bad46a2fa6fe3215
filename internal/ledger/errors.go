package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidQuantity is returned for imports with a non-positive quantity.
var ErrInvalidQuantity = errors.New("ledger: quantity must be positive")

// InsufficientInventoryError is returned by a strict ConsumeFIFO when the
// open lots cannot cover the request. Nothing has been written.
type InsufficientInventoryError struct {
	ItemID    int64
	Requested int64
	Available int64
}

func (e *InsufficientInventoryError) Error() string {
	return fmt.Sprintf("insufficient inventory for item %d: requested %d, available %d", e.ItemID, e.Requested, e.Available)
}

// InvariantViolation means stored ledger state contradicts itself, for
// example a lot that would go negative. It is a data-integrity bug and is
// never corrected silently.
type InvariantViolation struct {
	Detail string
	Err    error
}

func (e *InvariantViolation) Error() string {
	return "ledger invariant violated: " + e.Detail
}

func (e *InvariantViolation) Unwrap() error { return e.Err }
