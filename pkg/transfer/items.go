package transfer

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Items is the in-process ItemRegistry. Holdings are counted per
// (collection, owner); item identity below the collection level is out of
// scope for the ledger, which only needs quantities to move.
type Items struct {
	mu       sync.RWMutex
	holdings map[common.Address]map[common.Address]int64 // collection -> owner -> qty
	frozen   map[common.Address]bool                     // collections refusing transfers
}

func NewItems() *Items {
	return &Items{
		holdings: make(map[common.Address]map[common.Address]int64),
		frozen:   make(map[common.Address]bool),
	}
}

// Mint credits owner with qty items of collection. Test and bootstrap helper.
func (it *Items) Mint(collection, owner common.Address, qty int64) {
	if qty <= 0 {
		return
	}
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.holdings[collection] == nil {
		it.holdings[collection] = make(map[common.Address]int64)
	}
	it.holdings[collection][owner] += qty
}

// SetFrozen makes a collection refuse all transfers (simulates a paused or
// reverting item contract).
func (it *Items) SetFrozen(collection common.Address, frozen bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.frozen[collection] = frozen
}

func (it *Items) Transfer(collection, from, to common.Address, qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("transfer qty must be positive: %d", qty)
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	if it.frozen[collection] {
		return fmt.Errorf("collection %s is frozen", collection.Hex())
	}
	owners := it.holdings[collection]
	if owners == nil || owners[from] < qty {
		held := int64(0)
		if owners != nil {
			held = owners[from]
		}
		return fmt.Errorf("insufficient items: %s holds %d of %s, need %d",
			from.Hex(), held, collection.Hex(), qty)
	}

	owners[from] -= qty
	owners[to] += qty
	return nil
}

func (it *Items) HoldingsOf(collection, owner common.Address) int64 {
	it.mu.RLock()
	defer it.mu.RUnlock()
	owners := it.holdings[collection]
	if owners == nil {
		return 0
	}
	return owners[owner]
}
