// Package access holds the privileged identities and the fee configuration
// gating ledger operations: the coordinator administers the gate, the
// authorized filler is the only identity allowed to fill orders.
package access

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// BipsDenominator is the fee ratio base: 10000 bips = 100%.
const BipsDenominator = 10000

// UnauthorizedError rejects a caller lacking the role an operation requires.
type UnauthorizedError struct {
	Caller common.Address
	Role   string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("unauthorized: caller=%s required_role=%s", e.Caller.Hex(), e.Role)
}

// Gate is the access-control and fee-configuration surface consumed by the
// ledger. The coordinator (the deployer) may rotate the filler, the fee
// recipient, and the fee ratio; everything else reads the gate.
type Gate struct {
	mu           sync.RWMutex
	coordinator  common.Address
	filler       common.Address
	feeRecipient common.Address
	feeBips      int64
}

// NewGate builds a gate with the deployer as coordinator. The fee ratio must
// lie in [0, 10000] bips and the coordinator must be a real address.
func NewGate(coordinator, filler, feeRecipient common.Address, feeBips int64) (*Gate, error) {
	if coordinator == (common.Address{}) {
		return nil, fmt.Errorf("coordinator must not be the zero address")
	}
	if feeBips < 0 || feeBips > BipsDenominator {
		return nil, fmt.Errorf("fee bips out of range [0, %d]: %d", BipsDenominator, feeBips)
	}
	return &Gate{
		coordinator:  coordinator,
		filler:       filler,
		feeRecipient: feeRecipient,
		feeBips:      feeBips,
	}, nil
}

// IsAuthorizedFiller reports whether addr may fill orders.
func (g *Gate) IsAuthorizedFiller(addr common.Address) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return addr == g.filler && addr != (common.Address{})
}

// IsCoordinator reports whether addr administers the gate.
func (g *Gate) IsCoordinator(addr common.Address) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return addr == g.coordinator
}

func (g *Gate) Coordinator() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.coordinator
}

func (g *Gate) AuthorizedFiller() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.filler
}

func (g *Gate) FeeRecipient() common.Address {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.feeRecipient
}

func (g *Gate) FeeBips() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.feeBips
}

// FeeSplit divides a fill's payment by the configured ratio. The fee floor
// truncates toward the filler's side, and the two parts always sum to total
// exactly.
func (g *Gate) FeeSplit(total int64) (fee, remainder int64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fee = total * g.feeBips / BipsDenominator
	return fee, total - fee
}

// SetAuthorizedFiller rotates the filler identity. Coordinator only.
func (g *Gate) SetAuthorizedFiller(caller, filler common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.coordinator {
		return &UnauthorizedError{Caller: caller, Role: "coordinator"}
	}
	g.filler = filler
	return nil
}

// SetFeeRecipient rotates the fee recipient. Coordinator only.
func (g *Gate) SetFeeRecipient(caller, recipient common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.coordinator {
		return &UnauthorizedError{Caller: caller, Role: "coordinator"}
	}
	g.feeRecipient = recipient
	return nil
}

// SetFeeBips changes the fee ratio. Coordinator only; same [0, 10000] bound
// as construction.
func (g *Gate) SetFeeBips(caller common.Address, bips int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.coordinator {
		return &UnauthorizedError{Caller: caller, Role: "coordinator"}
	}
	if bips < 0 || bips > BipsDenominator {
		return fmt.Errorf("fee bips out of range [0, %d]: %d", BipsDenominator, bips)
	}
	g.feeBips = bips
	return nil
}

// TransferCoordinator hands the admin role to a new address. Coordinator
// only; the zero address is rejected so the gate cannot be orphaned.
func (g *Gate) TransferCoordinator(caller, next common.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.coordinator {
		return &UnauthorizedError{Caller: caller, Role: "coordinator"}
	}
	if next == (common.Address{}) {
		return fmt.Errorf("coordinator must not be the zero address")
	}
	g.coordinator = next
	return nil
}
