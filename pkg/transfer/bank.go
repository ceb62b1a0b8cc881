package transfer

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Bank is the in-process PaymentVault used by the node and the tests.
// Balances live in a mutex-guarded map; an address can be marked as
// rejecting so transfer-failure paths are exercisable.
type Bank struct {
	mu       sync.RWMutex
	balances map[common.Address]int64
	rejects  map[common.Address]bool
}

func NewBank() *Bank {
	return &Bank{
		balances: make(map[common.Address]int64),
		rejects:  make(map[common.Address]bool),
	}
}

// Mint credits addr out of thin air. Test and bootstrap helper.
func (b *Bank) Mint(addr common.Address, amount int64) {
	if amount <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[addr] += amount
}

// SetRejecting makes addr refuse incoming transfers (simulates a recipient
// that reverts on receive).
func (b *Bank) SetRejecting(addr common.Address, reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejects[addr] = reject
}

func (b *Bank) Transfer(from, to common.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("transfer amount must be positive: %d", amount)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.rejects[to] {
		return fmt.Errorf("recipient %s rejects payment", to.Hex())
	}
	if b.balances[from] < amount {
		return fmt.Errorf("insufficient balance: %s has %d, need %d", from.Hex(), b.balances[from], amount)
	}

	b.balances[from] -= amount
	b.balances[to] += amount
	return nil
}

func (b *Bank) BalanceOf(addr common.Address) int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balances[addr]
}

// TotalSupply sums every balance. Conservation check for tests.
func (b *Bank) TotalSupply() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := int64(0)
	for _, v := range b.balances {
		total += v
	}
	return total
}
