// Package transfer defines the two external primitives the ledger settles
// against: a payment vault moving fungible value between addresses and an
// item registry moving discrete items between owners. Both may reject a
// transfer; the ledger treats any rejection as an abort signal.
package transfer

import (
	"github.com/ethereum/go-ethereum/common"
)

// PaymentVault moves fungible value between addresses. The ledger's custody
// account is an ordinary vault address, so every transfer the ledger makes
// has an expressible inverse for rollback.
type PaymentVault interface {
	// Transfer moves amount from one address to another. It either moves
	// the full amount or returns an error with no effect.
	Transfer(from, to common.Address, amount int64) error

	// BalanceOf returns the current balance of addr.
	BalanceOf(addr common.Address) int64
}

// ItemRegistry tracks ownership of items per collection. Transfer fails when
// the sender does not hold qty items in the collection.
type ItemRegistry interface {
	// Transfer moves qty items of collection from one owner to another.
	// All-or-nothing, same as PaymentVault.
	Transfer(collection, from, to common.Address, qty int64) error

	// HoldingsOf returns how many items of collection owner holds.
	HoldingsOf(collection, owner common.Address) int64
}
