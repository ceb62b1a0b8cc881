// Package ledger implements the order escrow core: buyers deposit payment
// for a quantity of items at a derived unit price, the authorized filler
// settles orders by delivering the items, and escrowed funds are conserved
// exactly across placements, cancellations and fills.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/BunsDev/yobot-engine/pkg/access"
	"github.com/BunsDev/yobot-engine/pkg/transfer"
)

// EventKind tags order lifecycle notifications.
type EventKind string

const (
	EventPlaced    EventKind = "order.placed"
	EventCancelled EventKind = "order.cancelled"
	EventFilled    EventKind = "order.filled"
)

// Event describes one committed ledger mutation. Delivered via OnEvent after
// the operation has fully settled.
type Event struct {
	Kind       EventKind      `json:"kind"`
	Buyer      common.Address `json:"buyer"`
	Index      uint64         `json:"index"`
	Token      common.Address `json:"token"`
	Quantity   int64          `json:"quantity"`
	PriceEach  int64          `json:"priceEach"`
	Filler     common.Address `json:"filler,omitempty"`
	FeeAmount  int64          `json:"feeAmount,omitempty"`
	FillerPaid int64          `json:"fillerPaid,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// OrderLedger owns every buyer's order arena and the custodied escrow
// balance. One mutex serializes all state changes; settlement legs against
// the external vault/registry run only after the spent state is committed,
// so a re-entrant caller can never observe an order as both live and paid
// out.
type OrderLedger struct {
	mu    sync.Mutex
	gate  *access.Gate
	vault transfer.PaymentVault
	items transfer.ItemRegistry
	store *Store // nil in memory-only mode

	books   map[common.Address][]*Order // buyer -> append-indexed slot arena
	custody int64                       // total escrow held at custodyAddr

	custodyAddr common.Address

	logger *zap.SugaredLogger
	now    func() time.Time

	// OnEvent, when set, is invoked (outside the ledger lock) after each
	// successful place/cancel/fill.
	OnEvent func(Event)
}

// NewOrderLedger creates a memory-only ledger. The custody address is the
// vault account escrowed funds are parked at; it must not collide with any
// user address.
func NewOrderLedger(gate *access.Gate, vault transfer.PaymentVault, items transfer.ItemRegistry, custodyAddr common.Address) *OrderLedger {
	return &OrderLedger{
		gate:        gate,
		vault:       vault,
		items:       items,
		books:       make(map[common.Address][]*Order),
		custodyAddr: custodyAddr,
		logger:      zap.NewNop().Sugar(),
		now:         time.Now,
	}
}

// NewOrderLedgerWithStore creates a ledger backed by a Pebble database,
// reloading any previously persisted orders and custody balance.
func NewOrderLedgerWithStore(gate *access.Gate, vault transfer.PaymentVault, items transfer.ItemRegistry, custodyAddr common.Address, dbPath string) (*OrderLedger, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	books, custody, err := store.LoadAll()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load ledger state: %w", err)
	}

	l := NewOrderLedger(gate, vault, items, custodyAddr)
	l.store = store
	l.books = books
	l.custody = custody
	return l, nil
}

// Close closes the underlying database, if any.
func (l *OrderLedger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

// SetLogger replaces the no-op default.
func (l *OrderLedger) SetLogger(logger *zap.SugaredLogger) {
	if logger != nil {
		l.logger = logger
	}
}

// CustodyAddress returns the vault account holding escrowed funds.
func (l *OrderLedger) CustodyAddress() common.Address {
	return l.custodyAddr
}

// PlaceOrder escrows payment and appends a new order for buyer. The unit
// price is payment/quantity with floor division; the full payment, including
// the truncation remainder, is escrowed. Returns the buyer-scoped index of
// the new order.
func (l *OrderLedger) PlaceOrder(buyer, token common.Address, quantity, payment int64) (uint64, error) {
	l.mu.Lock()

	// The quantity guard must run before the division.
	if quantity <= 0 || payment <= 0 {
		l.mu.Unlock()
		return 0, &InvalidAmountError{Actor: buyer, PriceEach: 0, Quantity: quantity, Token: token}
	}
	priceEach := payment / quantity
	if priceEach == 0 {
		l.mu.Unlock()
		return 0, &InvalidAmountError{Actor: buyer, PriceEach: priceEach, Quantity: quantity, Token: token}
	}

	// Pull the deposit before any state is recorded: a rejected deposit
	// aborts the placement with nothing to undo.
	if err := l.vault.Transfer(buyer, l.custodyAddr, payment); err != nil {
		l.mu.Unlock()
		return 0, &TransferError{Leg: "deposit", Err: err}
	}

	o := &Order{
		Buyer:     buyer,
		Token:     token,
		PriceEach: priceEach,
		Quantity:  quantity,
		Escrow:    payment,
		CreatedAt: l.now().UnixMilli(),
	}
	index := uint64(len(l.books[buyer]))
	l.books[buyer] = append(l.books[buyer], o)
	l.custody += payment

	if err := l.persist(buyer, index, o); err != nil {
		// Undo the placement and push the deposit back.
		l.books[buyer] = l.books[buyer][:index]
		l.custody -= payment
		if rerr := l.vault.Transfer(l.custodyAddr, buyer, payment); rerr != nil {
			l.logger.Errorw("deposit return failed after persist error",
				"buyer", buyer.Hex(), "amount", payment, "err", rerr)
		}
		l.mu.Unlock()
		return 0, err
	}
	l.mu.Unlock()

	l.logger.Infow("order placed",
		"buyer", buyer.Hex(), "index", index, "token", token.Hex(),
		"quantity", quantity, "price_each", priceEach, "escrow", payment)

	l.emit(Event{
		Kind: EventPlaced, Buyer: buyer, Index: index, Token: token,
		Quantity: quantity, PriceEach: priceEach, Timestamp: o.CreatedAt,
	})
	return index, nil
}

// CancelOrder refunds the exact remaining escrow of a live order to its
// buyer and tombstones the slot. A never-allocated index fails with
// OrderOOBError, an already-consumed slot with OrderNonexistentError; both
// are scoped to the caller's own order count.
func (l *OrderLedger) CancelOrder(buyer common.Address, index uint64) error {
	l.mu.Lock()

	o, err := l.liveOrderLocked(buyer, index)
	if err != nil {
		l.mu.Unlock()
		return err
	}

	snapshot := *o
	refund := o.Escrow
	o.tombstone()
	l.custody -= refund

	if err := l.persist(buyer, index, o); err != nil {
		*o = snapshot
		l.custody += refund
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	// The slot is already tombstoned and committed: a re-entrant cancel or
	// fill now fails with OrderNonexistent instead of double-withdrawing.
	if err := l.vault.Transfer(l.custodyAddr, buyer, refund); err != nil {
		l.rollback(buyer, index, &snapshot, snapshot.Quantity, refund)
		return &TransferError{Leg: "refund", Err: err}
	}

	l.logger.Infow("order cancelled",
		"buyer", buyer.Hex(), "index", index, "refund", refund)

	l.emit(Event{
		Kind: EventCancelled, Buyer: buyer, Index: index, Token: snapshot.Token,
		Quantity: snapshot.Quantity, PriceEach: snapshot.PriceEach,
		Timestamp: l.now().UnixMilli(),
	})
	return nil
}

// FillOrder settles a live order: the filler delivers deliverQuantity items
// of token to the buyer and the escrowed payment for them is released, split
// between the filler and the fee recipient by the gate's bips ratio. With
// fullFill the delivery must cover the entire remaining quantity; without it
// any positive quantity up to the remainder is a partial fill that
// proportionally decrements the order. On the fill that empties the order,
// the escrow's truncation residue is paid to the fee recipient so no funds
// are orphaned. All legs settle atomically: a failed leg rolls back every
// completed one.
func (l *OrderLedger) FillOrder(filler, buyer common.Address, index uint64, token common.Address, deliverQuantity int64, fullFill bool) (*Settlement, error) {
	if !l.gate.IsAuthorizedFiller(filler) {
		return nil, &access.UnauthorizedError{Caller: filler, Role: "filler"}
	}

	l.mu.Lock()

	o, err := l.liveOrderLocked(buyer, index)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}

	if o.Token != token {
		l.mu.Unlock()
		return nil, &InvalidAmountError{Actor: filler, PriceEach: o.PriceEach, Quantity: deliverQuantity, Token: token}
	}
	if deliverQuantity <= 0 || deliverQuantity > o.Quantity || (fullFill && deliverQuantity != o.Quantity) {
		l.mu.Unlock()
		return nil, &InvalidAmountError{Actor: filler, PriceEach: o.PriceEach, Quantity: deliverQuantity, Token: token}
	}

	totalDue := o.PriceEach * deliverQuantity
	feeAmount, fillerAmount := l.gate.FeeSplit(totalDue)
	feeRecipient := l.gate.FeeRecipient()

	// The final fill drains the whole remaining escrow; the dust above
	// priceEach*quantity goes to the fee recipient.
	payout := totalDue
	final := deliverQuantity == o.Quantity
	if final {
		payout = o.Escrow
		feeAmount += o.Escrow - totalDue
	}

	snapshot := *o
	if final {
		o.tombstone()
	} else {
		o.Quantity -= deliverQuantity
		o.Escrow -= totalDue
	}
	l.custody -= payout

	if err := l.persist(buyer, index, o); err != nil {
		*o = snapshot
		l.custody += payout
		l.mu.Unlock()
		return nil, err
	}
	l.mu.Unlock()

	// Spent state is committed: the settlement legs run against a slot that
	// already reads back consumed. Each failure path unwinds the completed
	// legs before restoring the slot.
	if err := l.items.Transfer(token, filler, buyer, deliverQuantity); err != nil {
		l.rollback(buyer, index, &snapshot, deliverQuantity, payout)
		return nil, &TransferError{Leg: "items", Err: err}
	}

	if feeAmount > 0 {
		if err := l.vault.Transfer(l.custodyAddr, feeRecipient, feeAmount); err != nil {
			l.compensateItems(token, buyer, filler, deliverQuantity)
			l.rollback(buyer, index, &snapshot, deliverQuantity, payout)
			return nil, &TransferError{Leg: "fee", Err: err}
		}
	}

	if fillerAmount > 0 {
		if err := l.vault.Transfer(l.custodyAddr, filler, fillerAmount); err != nil {
			if feeAmount > 0 {
				if cerr := l.vault.Transfer(feeRecipient, l.custodyAddr, feeAmount); cerr != nil {
					l.logger.Errorw("fee clawback failed during fill rollback",
						"fee_recipient", feeRecipient.Hex(), "amount", feeAmount, "err", cerr)
				}
			}
			l.compensateItems(token, buyer, filler, deliverQuantity)
			l.rollback(buyer, index, &snapshot, deliverQuantity, payout)
			return nil, &TransferError{Leg: "filler", Err: err}
		}
	}

	l.logger.Infow("order filled",
		"buyer", buyer.Hex(), "index", index, "filler", filler.Hex(),
		"quantity", deliverQuantity, "total_due", totalDue,
		"fee", feeAmount, "filler_paid", fillerAmount, "full", final)

	l.emit(Event{
		Kind: EventFilled, Buyer: buyer, Index: index, Token: token,
		Quantity: deliverQuantity, PriceEach: snapshot.PriceEach,
		Filler: filler, FeeAmount: feeAmount, FillerPaid: fillerAmount,
		Timestamp: l.now().UnixMilli(),
	})

	return &Settlement{
		Buyer: buyer, Filler: filler, Token: token, Index: index,
		Quantity: deliverQuantity, TotalDue: totalDue,
		FeeAmount: feeAmount, FillerPaid: fillerAmount, FullFill: final,
	}, nil
}

// ViewUserOrder returns the order at (user, index). The read path collapses
// the never-allocated and already-consumed cases into a single
// OrderNonexistentError; only the mutating paths keep the OOB distinction.
func (l *OrderLedger) ViewUserOrder(user common.Address, index uint64) (Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	arena := l.books[user]
	if index >= uint64(len(arena)) || !arena[index].Live() {
		return Order{}, &OrderNonexistentError{Actor: user, Index: index, OrderCount: uint64(len(arena))}
	}
	return *arena[index], nil
}

// UserOrderCount returns how many indices have been allocated for user,
// consumed slots included.
func (l *OrderLedger) UserOrderCount(user common.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return uint64(len(l.books[user]))
}

// OrdersOf returns a snapshot of every slot of user, tombstones included so
// positions line up with order indices.
func (l *OrderLedger) OrdersOf(user common.Address) []Order {
	l.mu.Lock()
	defer l.mu.Unlock()

	arena := l.books[user]
	out := make([]Order, len(arena))
	for i, o := range arena {
		out[i] = *o
	}
	return out
}

// CustodiedBalance returns the total escrow the ledger holds.
func (l *OrderLedger) CustodiedBalance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.custody
}

// LiveOrderCount counts open orders across all buyers.
func (l *OrderLedger) LiveOrderCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, arena := range l.books {
		for _, o := range arena {
			if o.Live() {
				n++
			}
		}
	}
	return n
}

// Validate checks the conservation invariants: every live order's escrow
// covers its payable amount, tombstones are fully zeroed, and the sum of
// live escrows equals the custodied balance.
func (l *OrderLedger) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	sum := int64(0)
	for buyer, arena := range l.books {
		for i, o := range arena {
			if !o.Live() {
				if o.Escrow != 0 || o.PriceEach != 0 {
					return fmt.Errorf("tombstone %s/%d not zeroed: escrow=%d price=%d", buyer.Hex(), i, o.Escrow, o.PriceEach)
				}
				continue
			}
			if o.PriceEach <= 0 {
				return fmt.Errorf("live order %s/%d has non-positive price %d", buyer.Hex(), i, o.PriceEach)
			}
			if o.Escrow < o.PriceEach*o.Quantity {
				return fmt.Errorf("order %s/%d under-escrowed: escrow=%d payable=%d", buyer.Hex(), i, o.Escrow, o.PriceEach*o.Quantity)
			}
			sum += o.Escrow
		}
	}
	if sum != l.custody {
		return fmt.Errorf("escrow sum %d != custodied balance %d", sum, l.custody)
	}
	return nil
}

// liveOrderLocked resolves (buyer, index) to a live order or the matching
// structured error. Caller holds l.mu.
func (l *OrderLedger) liveOrderLocked(buyer common.Address, index uint64) (*Order, error) {
	arena := l.books[buyer]
	count := uint64(len(arena))
	if index >= count {
		return nil, &OrderOOBError{Actor: buyer, Index: index, OrderCount: count}
	}
	o := arena[index]
	if !o.Live() {
		return nil, &OrderNonexistentError{Actor: buyer, Index: index, OrderCount: count}
	}
	return o, nil
}

// persist commits the touched slot and the custody balance in one batch.
// Caller holds l.mu. No-op in memory-only mode.
func (l *OrderLedger) persist(buyer common.Address, index uint64, o *Order) error {
	if l.store == nil {
		return nil
	}
	b := l.store.NewBatch()
	defer b.Close()
	if err := b.SetOrder(buyer, index, o); err != nil {
		return fmt.Errorf("failed to stage order write: %w", err)
	}
	if err := b.SetCustody(l.custody); err != nil {
		return fmt.Errorf("failed to stage custody write: %w", err)
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger batch: %w", err)
	}
	return nil
}

// rollback reverts the slot mutation of a failed settlement after its
// completed external legs have been compensated, re-crediting custody with
// the payout that never left. If the slot still holds exactly the state the
// failed operation committed, the pre-operation snapshot comes back
// verbatim. A partial fill's slot stays live while its legs run, so another
// fill or a cancel may have consumed it in that window; then only this
// operation's own delta is added back, preserving the interleaved mutation.
func (l *OrderLedger) rollback(buyer common.Address, index uint64, snapshot *Order, qtyDelta, payout int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o := l.books[buyer][index]
	if o.Quantity == snapshot.Quantity-qtyDelta && o.Escrow == snapshot.Escrow-payout {
		*o = *snapshot
	} else {
		o.Buyer = snapshot.Buyer
		o.Token = snapshot.Token
		o.PriceEach = snapshot.PriceEach
		o.CreatedAt = snapshot.CreatedAt
		o.Quantity += qtyDelta
		o.Escrow += payout
	}
	l.custody += payout
	if err := l.persist(buyer, index, o); err != nil {
		l.logger.Errorw("failed to persist rollback",
			"buyer", buyer.Hex(), "index", index, "err", err)
	}
}

// compensateItems returns delivered items to the filler during rollback.
func (l *OrderLedger) compensateItems(token, buyer, filler common.Address, qty int64) {
	if err := l.items.Transfer(token, buyer, filler, qty); err != nil {
		l.logger.Errorw("item return failed during fill rollback",
			"token", token.Hex(), "buyer", buyer.Hex(), "filler", filler.Hex(),
			"qty", qty, "err", err)
	}
}

// emit delivers an event to the OnEvent hook. Callers must not hold l.mu.
func (l *OrderLedger) emit(e Event) {
	if l.OnEvent != nil {
		l.OnEvent(e)
	}
}
