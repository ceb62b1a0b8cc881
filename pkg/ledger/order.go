package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Order is one buyer's standing request: a quantity of items from a token
// collection, paid for up front at a unit price derived at placement time.
// All payment values are in the vault's base unit (integer, no decimals).
type Order struct {
	Buyer common.Address // order owner (implicit from placement)
	Token common.Address // item collection being requested

	// PriceEach is payment/quantity with floor division, fixed at placement.
	// Quantity is the remaining unfilled item count.
	PriceEach int64
	Quantity  int64

	// Escrow is the exact remaining deposit held for this order. It starts
	// as the full payment amount, so it carries the truncation remainder
	// (Escrow >= PriceEach*Quantity always).
	Escrow int64

	CreatedAt int64 // Unix milliseconds
}

// Live reports whether the slot still holds an open order. Cancelled and
// fully filled slots are tombstoned to the zero order and stay that way.
func (o *Order) Live() bool {
	return o.Quantity > 0
}

// Remainder returns the escrowed dust above the payable amount.
func (o *Order) Remainder() int64 {
	return o.Escrow - o.PriceEach*o.Quantity
}

// tombstone zeroes the slot in place. Buyer is kept so persisted tombstones
// stay attributable; quantity/price/escrow read back as the zero order.
func (o *Order) tombstone() {
	o.Token = common.Address{}
	o.PriceEach = 0
	o.Quantity = 0
	o.Escrow = 0
}

func (o *Order) String() string {
	return fmt.Sprintf("order{buyer=%s token=%s qty=%d price=%d escrow=%d}",
		o.Buyer.Hex(), o.Token.Hex(), o.Quantity, o.PriceEach, o.Escrow)
}

// Settlement reports how a fill was paid out.
type Settlement struct {
	Buyer      common.Address
	Filler     common.Address
	Token      common.Address
	Index      uint64
	Quantity   int64 // items delivered in this fill
	TotalDue   int64 // PriceEach * Quantity
	FeeAmount  int64 // paid to the fee recipient (includes dust on the final fill)
	FillerPaid int64 // TotalDue - bips fee
	FullFill   bool  // slot tombstoned by this fill
}
