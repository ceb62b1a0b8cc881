package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Every validation failure carries the actor and the offending values so a
// caller can diagnose the rejected operation without reading ledger state.
// Dispatch is by type via errors.As.

// InvalidAmountError rejects malformed order economics: zero quantity, a
// non-positive payment, or a payment too small to yield a positive unit
// price.
type InvalidAmountError struct {
	Actor     common.Address
	PriceEach int64
	Quantity  int64
	Token     common.Address
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("invalid amount: actor=%s price=%d qty=%d token=%s",
		e.Actor.Hex(), e.PriceEach, e.Quantity, e.Token.Hex())
}

// OrderOOBError rejects an index that was never allocated for the actor.
type OrderOOBError struct {
	Actor      common.Address
	Index      uint64
	OrderCount uint64
}

func (e *OrderOOBError) Error() string {
	return fmt.Sprintf("order index out of bounds: actor=%s index=%d count=%d",
		e.Actor.Hex(), e.Index, e.OrderCount)
}

// OrderNonexistentError rejects an allocated index whose order was already
// consumed (cancelled or filled), or, on the read path, any absent order.
type OrderNonexistentError struct {
	Actor      common.Address
	Index      uint64
	OrderCount uint64
}

func (e *OrderNonexistentError) Error() string {
	return fmt.Sprintf("order nonexistent: actor=%s index=%d count=%d",
		e.Actor.Hex(), e.Index, e.OrderCount)
}

// TransferError wraps a rejected external transfer leg. The enclosing
// operation is rolled back before this is returned.
type TransferError struct {
	Leg string // "deposit", "refund", "items", "fee", "filler"
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed: leg=%s: %v", e.Leg, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
