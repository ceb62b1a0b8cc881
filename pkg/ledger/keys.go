package ledger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema. Order slots are keyed per (buyer, index) with the index
// zero-padded so a prefix scan yields slots in placement order; tombstoned
// slots are persisted too, which is what keeps indices stable across
// restarts. Custody is a single key holding the ledger's total escrow.

const (
	prefixOrder = "ord:"
	keyCustody  = "custody"
)

// orderKey returns the key for one order slot.
// Format: "ord:{address}:{index, zero-padded to 20 digits}"
func orderKey(buyer common.Address, index uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOrder, buyer.Hex(), index))
}

// orderPrefixAll returns the prefix covering every order slot of every buyer.
func orderPrefixAll() []byte {
	return []byte(prefixOrder)
}

// parseOrderKey extracts (buyer, index) from an order slot key.
func parseOrderKey(key []byte) (common.Address, uint64, error) {
	rest, ok := strings.CutPrefix(string(key), prefixOrder)
	if !ok {
		return common.Address{}, 0, fmt.Errorf("not an order key: %q", key)
	}
	addrHex, idxStr, ok := strings.Cut(rest, ":")
	if !ok || !common.IsHexAddress(addrHex) {
		return common.Address{}, 0, fmt.Errorf("malformed order key: %q", key)
	}
	idx, err := strconv.ParseUint(idxStr, 10, 64)
	if err != nil {
		return common.Address{}, 0, fmt.Errorf("malformed order index in key %q: %w", key, err)
	}
	return common.HexToAddress(addrHex), idx, nil
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
