package ledger_test

import (
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/BunsDev/yobot-engine/pkg/access"
	"github.com/BunsDev/yobot-engine/pkg/ledger"
	"github.com/BunsDev/yobot-engine/pkg/transfer"
)

var (
	alice        = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob          = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	filler       = common.HexToAddress("0xF100000000000000000000000000000000000000")
	feeRecipient = common.HexToAddress("0xFEE0000000000000000000000000000000000000")
	coordinator  = common.HexToAddress("0xC000000000000000000000000000000000000000")
	custody      = common.HexToAddress("0x0000000000000000000000000000000000000C05")
	tokenA       = common.HexToAddress("0x00000000000000000000000000000000000BEEF1")
	tokenB       = common.HexToAddress("0x00000000000000000000000000000000000BEEF2")
)

const testFeeBips = 500 // 5%

type fixture struct {
	ledger *ledger.OrderLedger
	bank   *transfer.Bank
	items  *transfer.Items
	gate   *access.Gate
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	gate, err := access.NewGate(coordinator, filler, feeRecipient, testFeeBips)
	if err != nil {
		t.Fatalf("failed to create gate: %v", err)
	}

	bank := transfer.NewBank()
	bank.Mint(alice, 1_000_000)
	bank.Mint(bob, 1_000_000)

	items := transfer.NewItems()
	items.Mint(tokenA, filler, 1000)
	items.Mint(tokenB, filler, 1000)

	return &fixture{
		ledger: ledger.NewOrderLedger(gate, bank, items, custody),
		bank:   bank,
		items:  items,
		gate:   gate,
	}
}

// validate asserts the conservation invariants hold after every scenario.
func (f *fixture) validate(t *testing.T) {
	t.Helper()
	if err := f.ledger.Validate(); err != nil {
		t.Errorf("ledger invariant broken: %v", err)
	}
	if got := f.bank.BalanceOf(custody); got != f.ledger.CustodiedBalance() {
		t.Errorf("custody account holds %d, ledger thinks %d", got, f.ledger.CustodiedBalance())
	}
}

func TestPlaceOrderEscrowsDeposit(t *testing.T) {
	f := newFixture(t)

	index, err := f.ledger.PlaceOrder(alice, tokenA, 4, 2000)
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if index != 0 {
		t.Errorf("first index = %d, want 0", index)
	}

	o, err := f.ledger.ViewUserOrder(alice, 0)
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if o.PriceEach != 500 {
		t.Errorf("priceEach = %d, want 500", o.PriceEach)
	}
	if o.Quantity != 4 {
		t.Errorf("quantity = %d, want 4", o.Quantity)
	}
	if o.Escrow != 2000 {
		t.Errorf("escrow = %d, want 2000", o.Escrow)
	}
	if got := f.bank.BalanceOf(alice); got != 998_000 {
		t.Errorf("alice balance = %d, want 998000", got)
	}
	if got := f.ledger.CustodiedBalance(); got != 2000 {
		t.Errorf("custodied = %d, want 2000", got)
	}
	f.validate(t)
}

func TestPlaceOrderRetainsTruncationRemainder(t *testing.T) {
	f := newFixture(t)

	// 1000/3 floors to 333, leaving 1 unit of dust in escrow.
	if _, err := f.ledger.PlaceOrder(alice, tokenA, 3, 1000); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	o, err := f.ledger.ViewUserOrder(alice, 0)
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if o.PriceEach != 333 {
		t.Errorf("priceEach = %d, want 333", o.PriceEach)
	}
	if o.Escrow != 1000 {
		t.Errorf("escrow = %d, want full 1000 deposit", o.Escrow)
	}
	if o.Remainder() != 1 {
		t.Errorf("remainder = %d, want 1", o.Remainder())
	}
	f.validate(t)
}

func TestPlaceOrderRejectsInvalidAmounts(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name     string
		quantity int64
		payment  int64
	}{
		{"zero quantity", 0, 1000},
		{"negative quantity", -1, 1000},
		{"zero payment", 5, 0},
		{"negative payment", 5, -100},
		{"payment below quantity", 10, 7}, // unit price floors to zero
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ledger.PlaceOrder(alice, tokenA, tc.quantity, tc.payment)
			var invalid *ledger.InvalidAmountError
			if !errors.As(err, &invalid) {
				t.Fatalf("err = %v, want InvalidAmountError", err)
			}
		})
	}

	// Nothing was escrowed by any rejected placement.
	if got := f.bank.BalanceOf(alice); got != 1_000_000 {
		t.Errorf("alice balance = %d, want untouched 1000000", got)
	}
	if f.ledger.UserOrderCount(alice) != 0 {
		t.Errorf("order count = %d, want 0", f.ledger.UserOrderCount(alice))
	}
	f.validate(t)
}

func TestPlaceOrderRejectedDepositLeavesNoState(t *testing.T) {
	f := newFixture(t)

	poor := common.HexToAddress("0x9900000000000000000000000000000000000000")
	_, err := f.ledger.PlaceOrder(poor, tokenA, 2, 1000)
	var terr *ledger.TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransferError", err)
	}
	if terr.Leg != "deposit" {
		t.Errorf("leg = %q, want deposit", terr.Leg)
	}
	if f.ledger.UserOrderCount(poor) != 0 {
		t.Errorf("order count = %d, want 0", f.ledger.UserOrderCount(poor))
	}
	f.validate(t)
}

func TestCancelOrderRefundsExactEscrow(t *testing.T) {
	f := newFixture(t)

	if _, err := f.ledger.PlaceOrder(alice, tokenA, 3, 1000); err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if err := f.ledger.CancelOrder(alice, 0); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// The full deposit comes back, dust included.
	if got := f.bank.BalanceOf(alice); got != 1_000_000 {
		t.Errorf("alice balance = %d, want 1000000", got)
	}
	if got := f.ledger.CustodiedBalance(); got != 0 {
		t.Errorf("custodied = %d, want 0", got)
	}

	// The slot is consumed, not removed.
	if f.ledger.UserOrderCount(alice) != 1 {
		t.Errorf("order count = %d, want 1", f.ledger.UserOrderCount(alice))
	}
	_, err := f.ledger.ViewUserOrder(alice, 0)
	var gone *ledger.OrderNonexistentError
	if !errors.As(err, &gone) {
		t.Errorf("view err = %v, want OrderNonexistentError", err)
	}
	f.validate(t)
}

func TestCancelOrderIndexErrors(t *testing.T) {
	f := newFixture(t)

	if _, err := f.ledger.PlaceOrder(alice, tokenA, 2, 1000); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	// Never-allocated index.
	var oob *ledger.OrderOOBError
	if err := f.ledger.CancelOrder(alice, 5); !errors.As(err, &oob) {
		t.Errorf("err = %v, want OrderOOBError", err)
	}

	// Another user cannot reach alice's slot: the index space is per buyer,
	// so bob's index 0 is out of bounds for bob.
	if err := f.ledger.CancelOrder(bob, 0); !errors.As(err, &oob) {
		t.Errorf("cross-user cancel err = %v, want OrderOOBError", err)
	}

	// Double cancel hits the tombstone.
	if err := f.ledger.CancelOrder(alice, 0); err != nil {
		t.Fatalf("first cancel failed: %v", err)
	}
	var gone *ledger.OrderNonexistentError
	if err := f.ledger.CancelOrder(alice, 0); !errors.As(err, &gone) {
		t.Errorf("double cancel err = %v, want OrderNonexistentError", err)
	}
	f.validate(t)
}

func TestCancelOrderRefundRejectedRestoresOrder(t *testing.T) {
	f := newFixture(t)

	if _, err := f.ledger.PlaceOrder(alice, tokenA, 2, 1000); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	f.bank.SetRejecting(alice, true)
	err := f.ledger.CancelOrder(alice, 0)
	var terr *ledger.TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransferError", err)
	}
	if terr.Leg != "refund" {
		t.Errorf("leg = %q, want refund", terr.Leg)
	}

	// The order is live again and can be cancelled once refunds work.
	o, err := f.ledger.ViewUserOrder(alice, 0)
	if err != nil {
		t.Fatalf("order not restored: %v", err)
	}
	if o.Escrow != 1000 {
		t.Errorf("restored escrow = %d, want 1000", o.Escrow)
	}
	f.validate(t)

	f.bank.SetRejecting(alice, false)
	if err := f.ledger.CancelOrder(alice, 0); err != nil {
		t.Fatalf("retry cancel failed: %v", err)
	}
	f.validate(t)
}

func TestFillOrderFullSettlement(t *testing.T) {
	f := newFixture(t)

	// 1000/3 = 333 each, 1 unit dust. Full fill pays out the entire escrow:
	// fee = 999*5% = 49, plus 1 dust = 50; filler gets 950.
	if _, err := f.ledger.PlaceOrder(alice, tokenA, 3, 1000); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	st, err := f.ledger.FillOrder(filler, alice, 0, tokenA, 3, true)
	if err != nil {
		t.Fatalf("fill failed: %v", err)
	}
	if !st.FullFill {
		t.Error("settlement not marked full")
	}
	if st.TotalDue != 999 {
		t.Errorf("totalDue = %d, want 999", st.TotalDue)
	}
	if st.FeeAmount != 50 {
		t.Errorf("feeAmount = %d, want 49 bips fee + 1 dust", st.FeeAmount)
	}
	if st.FillerPaid != 950 {
		t.Errorf("fillerPaid = %d, want 950", st.FillerPaid)
	}
	if st.FeeAmount+st.FillerPaid != 1000 {
		t.Errorf("payout %d + %d does not drain the 1000 escrow", st.FeeAmount, st.FillerPaid)
	}

	if got := f.items.HoldingsOf(tokenA, alice); got != 3 {
		t.Errorf("alice holds %d items, want 3", got)
	}
	if got := f.bank.BalanceOf(feeRecipient); got != 50 {
		t.Errorf("fee recipient balance = %d, want 50", got)
	}
	if got := f.bank.BalanceOf(filler); got != 950 {
		t.Errorf("filler balance = %d, want 950", got)
	}
	if got := f.ledger.CustodiedBalance(); got != 0 {
		t.Errorf("custodied = %d, want 0", got)
	}

	// The consumed slot cannot be filled or cancelled again.
	var gone *ledger.OrderNonexistentError
	if _, err := f.ledger.FillOrder(filler, alice, 0, tokenA, 3, true); !errors.As(err, &gone) {
		t.Errorf("refill err = %v, want OrderNonexistentError", err)
	}
	if err := f.ledger.CancelOrder(alice, 0); !errors.As(err, &gone) {
		t.Errorf("cancel after fill err = %v, want OrderNonexistentError", err)
	}
	f.validate(t)
}

func TestFillOrderPartialThenFinal(t *testing.T) {
	f := newFixture(t)

	// 10 items at 100 each plus 7 dust.
	if _, err := f.ledger.PlaceOrder(alice, tokenA, 10, 1007); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	st, err := f.ledger.FillOrder(filler, alice, 0, tokenA, 4, false)
	if err != nil {
		t.Fatalf("partial fill failed: %v", err)
	}
	if st.FullFill {
		t.Error("partial fill marked full")
	}
	if st.TotalDue != 400 {
		t.Errorf("totalDue = %d, want 400", st.TotalDue)
	}
	// 400*5% = 20 fee; dust stays with the order until the final fill.
	if st.FeeAmount != 20 || st.FillerPaid != 380 {
		t.Errorf("split = (%d, %d), want (20, 380)", st.FeeAmount, st.FillerPaid)
	}

	o, err := f.ledger.ViewUserOrder(alice, 0)
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if o.Quantity != 6 {
		t.Errorf("remaining quantity = %d, want 6", o.Quantity)
	}
	if o.Escrow != 607 {
		t.Errorf("remaining escrow = %d, want 607", o.Escrow)
	}
	if o.Remainder() != 7 {
		t.Errorf("dust = %d, want 7 still held", o.Remainder())
	}
	f.validate(t)

	// Final fill without the fullFill flag still drains the slot and the dust.
	st, err = f.ledger.FillOrder(filler, alice, 0, tokenA, 6, false)
	if err != nil {
		t.Fatalf("final fill failed: %v", err)
	}
	if !st.FullFill {
		t.Error("draining fill not marked full")
	}
	// 600*5% = 30 fee + 7 dust.
	if st.FeeAmount != 37 || st.FillerPaid != 570 {
		t.Errorf("final split = (%d, %d), want (37, 570)", st.FeeAmount, st.FillerPaid)
	}
	if got := f.items.HoldingsOf(tokenA, alice); got != 10 {
		t.Errorf("alice holds %d items, want 10", got)
	}
	if got := f.ledger.CustodiedBalance(); got != 0 {
		t.Errorf("custodied = %d, want 0", got)
	}
	f.validate(t)
}

func TestFillOrderQuantityValidation(t *testing.T) {
	f := newFixture(t)

	if _, err := f.ledger.PlaceOrder(alice, tokenA, 5, 500); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	var invalid *ledger.InvalidAmountError
	cases := []struct {
		name     string
		quantity int64
		fullFill bool
	}{
		{"zero quantity", 0, false},
		{"negative quantity", -1, false},
		{"over remaining", 6, false},
		{"full flag with partial quantity", 3, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.ledger.FillOrder(filler, alice, 0, tokenA, tc.quantity, tc.fullFill)
			if !errors.As(err, &invalid) {
				t.Errorf("err = %v, want InvalidAmountError", err)
			}
		})
	}

	// Token mismatch is rejected before any transfer.
	if _, err := f.ledger.FillOrder(filler, alice, 0, tokenB, 5, true); !errors.As(err, &invalid) {
		t.Errorf("token mismatch err = %v, want InvalidAmountError", err)
	}
	f.validate(t)
}

func TestFillOrderUnauthorizedFiller(t *testing.T) {
	f := newFixture(t)

	if _, err := f.ledger.PlaceOrder(alice, tokenA, 2, 200); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	var unauthorized *access.UnauthorizedError
	if _, err := f.ledger.FillOrder(bob, alice, 0, tokenA, 2, true); !errors.As(err, &unauthorized) {
		t.Errorf("err = %v, want UnauthorizedError", err)
	}
	// The buyer cannot fill their own order either.
	if _, err := f.ledger.FillOrder(alice, alice, 0, tokenA, 2, true); !errors.As(err, &unauthorized) {
		t.Errorf("self-fill err = %v, want UnauthorizedError", err)
	}
	f.validate(t)
}

func TestFillOrderRollbackOnFrozenItems(t *testing.T) {
	f := newFixture(t)

	if _, err := f.ledger.PlaceOrder(alice, tokenA, 2, 1000); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	f.items.SetFrozen(tokenA, true)
	_, err := f.ledger.FillOrder(filler, alice, 0, tokenA, 2, true)
	var terr *ledger.TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransferError", err)
	}
	if terr.Leg != "items" {
		t.Errorf("leg = %q, want items", terr.Leg)
	}

	// Everything rolled back: the order is live, no money moved.
	o, err := f.ledger.ViewUserOrder(alice, 0)
	if err != nil {
		t.Fatalf("order not restored: %v", err)
	}
	if o.Escrow != 1000 || o.Quantity != 2 {
		t.Errorf("restored order = %+v, want escrow 1000 qty 2", o)
	}
	if got := f.bank.BalanceOf(filler); got != 0 {
		t.Errorf("filler balance = %d, want 0", got)
	}
	f.validate(t)

	f.items.SetFrozen(tokenA, false)
	if _, err := f.ledger.FillOrder(filler, alice, 0, tokenA, 2, true); err != nil {
		t.Fatalf("retry fill failed: %v", err)
	}
	f.validate(t)
}

func TestFillOrderRollbackOnRejectedPayout(t *testing.T) {
	f := newFixture(t)

	if _, err := f.ledger.PlaceOrder(alice, tokenA, 2, 1000); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	// The filler payout leg fails after items and fee already moved; both
	// must be compensated.
	f.bank.SetRejecting(filler, true)
	_, err := f.ledger.FillOrder(filler, alice, 0, tokenA, 2, true)
	var terr *ledger.TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransferError", err)
	}
	if terr.Leg != "filler" {
		t.Errorf("leg = %q, want filler", terr.Leg)
	}

	if got := f.items.HoldingsOf(tokenA, filler); got != 1000 {
		t.Errorf("filler item holdings = %d, want all 1000 back", got)
	}
	if got := f.items.HoldingsOf(tokenA, alice); got != 0 {
		t.Errorf("alice item holdings = %d, want 0", got)
	}
	if got := f.bank.BalanceOf(feeRecipient); got != 0 {
		t.Errorf("fee recipient balance = %d, want fee clawed back", got)
	}
	o, err := f.ledger.ViewUserOrder(alice, 0)
	if err != nil {
		t.Fatalf("order not restored: %v", err)
	}
	if o.Escrow != 1000 {
		t.Errorf("restored escrow = %d, want 1000", o.Escrow)
	}
	f.validate(t)
}

func TestOrderIndicesNeverReused(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		index, err := f.ledger.PlaceOrder(alice, tokenA, 1, 100)
		if err != nil {
			t.Fatalf("place %d failed: %v", i, err)
		}
		if index != uint64(i) {
			t.Errorf("index = %d, want %d", index, i)
		}
	}
	if err := f.ledger.CancelOrder(alice, 1); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	// A new placement gets a fresh index; the consumed slot stays dead.
	index, err := f.ledger.PlaceOrder(alice, tokenA, 1, 100)
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if index != 3 {
		t.Errorf("index after cancel = %d, want 3", index)
	}

	orders := f.ledger.OrdersOf(alice)
	if len(orders) != 4 {
		t.Fatalf("arena size = %d, want 4", len(orders))
	}
	if orders[1].Live() {
		t.Error("cancelled slot reads live")
	}
	if !orders[0].Live() || !orders[2].Live() || !orders[3].Live() {
		t.Error("unrelated slots were disturbed")
	}
	f.validate(t)
}

func TestMoneyConservedAcrossMixedOperations(t *testing.T) {
	f := newFixture(t)
	supplyBefore := f.bank.TotalSupply()

	if _, err := f.ledger.PlaceOrder(alice, tokenA, 3, 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.PlaceOrder(bob, tokenB, 7, 7003); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.PlaceOrder(alice, tokenB, 2, 500); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.CancelOrder(alice, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.FillOrder(filler, bob, 0, tokenB, 3, false); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.FillOrder(filler, alice, 0, tokenA, 3, true); err != nil {
		t.Fatal(err)
	}

	if got := f.bank.TotalSupply(); got != supplyBefore {
		t.Errorf("total supply drifted: %d -> %d", supplyBefore, got)
	}
	if f.ledger.LiveOrderCount() != 1 {
		t.Errorf("live orders = %d, want 1 (bob's partial)", f.ledger.LiveOrderCount())
	}
	f.validate(t)
}

func TestLedgerEvents(t *testing.T) {
	f := newFixture(t)

	var events []ledger.Event
	f.ledger.OnEvent = func(e ledger.Event) { events = append(events, e) }

	if _, err := f.ledger.PlaceOrder(alice, tokenA, 2, 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := f.ledger.FillOrder(filler, alice, 0, tokenA, 1, false); err != nil {
		t.Fatal(err)
	}
	if err := f.ledger.CancelOrder(alice, 0); err != nil {
		t.Fatal(err)
	}

	want := []ledger.EventKind{ledger.EventPlaced, ledger.EventFilled, ledger.EventCancelled}
	if len(events) != len(want) {
		t.Fatalf("got %d events, want %d", len(events), len(want))
	}
	for i, kind := range want {
		if events[i].Kind != kind {
			t.Errorf("event %d kind = %s, want %s", i, events[i].Kind, kind)
		}
	}
	if events[1].Filler != filler {
		t.Errorf("fill event filler = %s, want %s", events[1].Filler.Hex(), filler.Hex())
	}
}

// hookedVault wraps Bank with an intercept point so a test can run code (or
// inject a failure) at an exact settlement leg.
type hookedVault struct {
	*transfer.Bank
	hook func(from, to common.Address, amount int64) error
}

func (v *hookedVault) Transfer(from, to common.Address, amount int64) error {
	if v.hook != nil {
		if err := v.hook(from, to, amount); err != nil {
			return err
		}
	}
	return v.Bank.Transfer(from, to, amount)
}

func TestFillRollbackPreservesInterleavedFill(t *testing.T) {
	gate, err := access.NewGate(coordinator, filler, feeRecipient, testFeeBips)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	bank := transfer.NewBank()
	bank.Mint(alice, 1_000_000)
	items := transfer.NewItems()
	items.Mint(tokenA, filler, 1000)
	vault := &hookedVault{Bank: bank}
	l := ledger.NewOrderLedger(gate, vault, items, custody)

	// 10 items at 100 each.
	if _, err := l.PlaceOrder(alice, tokenA, 10, 1000); err != nil {
		t.Fatal(err)
	}

	// Fill A delivers 7. While A's filler-payout leg is in flight, fill B
	// settles the remaining 3; then A's leg fails. A's rollback must not
	// resurrect the 3 items B already delivered and paid out.
	vault.hook = func(from, to common.Address, amount int64) error {
		if to != filler {
			return nil
		}
		vault.hook = nil
		if _, err := l.FillOrder(filler, alice, 0, tokenA, 3, false); err != nil {
			t.Errorf("interleaved fill failed: %v", err)
		}
		return errors.New("payout endpoint down")
	}

	_, err = l.FillOrder(filler, alice, 0, tokenA, 7, false)
	var terr *ledger.TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransferError", err)
	}
	if terr.Leg != "filler" {
		t.Errorf("leg = %q, want filler", terr.Leg)
	}

	// Only fill A was undone: its 7 items and 700 of escrow are back, fill
	// B's settlement stands.
	o, err := l.ViewUserOrder(alice, 0)
	if err != nil {
		t.Fatalf("order not restored: %v", err)
	}
	if o.Quantity != 7 || o.Escrow != 700 || o.PriceEach != 100 {
		t.Errorf("order after rollback = qty %d escrow %d price %d, want 7/700/100",
			o.Quantity, o.Escrow, o.PriceEach)
	}
	if got := items.HoldingsOf(tokenA, alice); got != 3 {
		t.Errorf("alice holds %d items, want B's 3 only", got)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("ledger invariant broken: %v", err)
	}
	if got := bank.BalanceOf(custody); got != l.CustodiedBalance() {
		t.Errorf("custody account holds %d, ledger thinks %d", got, l.CustodiedBalance())
	}
}

func TestFillRollbackPreservesInterleavedCancel(t *testing.T) {
	gate, err := access.NewGate(coordinator, filler, feeRecipient, testFeeBips)
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	bank := transfer.NewBank()
	bank.Mint(alice, 1_000_000)
	items := transfer.NewItems()
	items.Mint(tokenA, filler, 1000)
	vault := &hookedVault{Bank: bank}
	l := ledger.NewOrderLedger(gate, vault, items, custody)

	if _, err := l.PlaceOrder(alice, tokenA, 10, 1000); err != nil {
		t.Fatal(err)
	}

	// The buyer cancels the remaining 3 while fill A's payout leg is in
	// flight. The cancel's 300 refund must survive A's rollback; only A's
	// own 700 goes back into the slot.
	vault.hook = func(from, to common.Address, amount int64) error {
		if to != filler {
			return nil
		}
		vault.hook = nil
		if err := l.CancelOrder(alice, 0); err != nil {
			t.Errorf("interleaved cancel failed: %v", err)
		}
		return errors.New("payout endpoint down")
	}

	_, err = l.FillOrder(filler, alice, 0, tokenA, 7, false)
	var terr *ledger.TransferError
	if !errors.As(err, &terr) {
		t.Fatalf("err = %v, want TransferError", err)
	}

	o, err := l.ViewUserOrder(alice, 0)
	if err != nil {
		t.Fatalf("undelivered portion not restored: %v", err)
	}
	if o.Quantity != 7 || o.Escrow != 700 {
		t.Errorf("order after rollback = qty %d escrow %d, want 7/700", o.Quantity, o.Escrow)
	}
	if got := bank.BalanceOf(alice); got != 999_300 {
		t.Errorf("alice balance = %d, want 999300 (cancel refund kept)", got)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("ledger invariant broken: %v", err)
	}

	// The restored remainder is still cancellable for exactly its escrow.
	if err := l.CancelOrder(alice, 0); err != nil {
		t.Fatalf("cancel of restored remainder failed: %v", err)
	}
	if got := bank.BalanceOf(alice); got != 1_000_000 {
		t.Errorf("alice balance = %d, want full 1000000 back", got)
	}
	if got := l.CustodiedBalance(); got != 0 {
		t.Errorf("custodied = %d, want 0", got)
	}
}

// newStoredLedger creates a pebble-backed ledger with a temporary database.
// Each test gets a unique path to avoid lock conflicts.
func newStoredLedger(t *testing.T, f *fixture, dbPath string) *ledger.OrderLedger {
	t.Helper()
	l, err := ledger.NewOrderLedgerWithStore(f.gate, f.bank, f.items, custody, dbPath)
	if err != nil {
		t.Fatalf("failed to open stored ledger: %v", err)
	}
	return l
}

func TestLedgerPersistenceReload(t *testing.T) {
	f := newFixture(t)
	dbPath := fmt.Sprintf("./tmp_test_ledger_%s.db", t.Name())
	os.RemoveAll(dbPath)
	t.Cleanup(func() { os.RemoveAll(dbPath) })

	l := newStoredLedger(t, f, dbPath)
	if _, err := l.PlaceOrder(alice, tokenA, 3, 1000); err != nil {
		t.Fatal(err)
	}
	if _, err := l.PlaceOrder(alice, tokenB, 5, 500); err != nil {
		t.Fatal(err)
	}
	if _, err := l.PlaceOrder(bob, tokenA, 2, 2000); err != nil {
		t.Fatal(err)
	}
	if err := l.CancelOrder(alice, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := l.FillOrder(filler, bob, 0, tokenA, 1, false); err != nil {
		t.Fatal(err)
	}
	custodyBefore := l.CustodiedBalance()
	if err := l.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	// A restart brings fresh in-process backends: the vault starts empty, so
	// the custody account is re-funded with the reloaded escrow the way the
	// daemon does it at startup.
	restartBank := transfer.NewBank()
	restartItems := transfer.NewItems()
	restartItems.Mint(tokenA, filler, 1000)
	reloaded, err := ledger.NewOrderLedgerWithStore(f.gate, restartBank, restartItems, custody, dbPath)
	if err != nil {
		t.Fatalf("failed to reopen stored ledger: %v", err)
	}
	t.Cleanup(func() { reloaded.Close() })
	restartBank.Mint(custody, reloaded.CustodiedBalance())

	if got := reloaded.CustodiedBalance(); got != custodyBefore {
		t.Errorf("custodied after reload = %d, want %d", got, custodyBefore)
	}
	if err := reloaded.Validate(); err != nil {
		t.Errorf("reloaded ledger invalid: %v", err)
	}

	// The tombstoned slot survives the restart so indices stay stable.
	if reloaded.UserOrderCount(alice) != 2 {
		t.Errorf("alice order count = %d, want 2", reloaded.UserOrderCount(alice))
	}
	var gone *ledger.OrderNonexistentError
	if _, err := reloaded.ViewUserOrder(alice, 1); !errors.As(err, &gone) {
		t.Errorf("cancelled slot err = %v, want OrderNonexistentError", err)
	}

	// The partially filled order kept its decremented state.
	o, err := reloaded.ViewUserOrder(bob, 0)
	if err != nil {
		t.Fatalf("view bob order: %v", err)
	}
	if o.Quantity != 1 {
		t.Errorf("bob remaining quantity = %d, want 1", o.Quantity)
	}
	if o.Escrow != 1000 {
		t.Errorf("bob remaining escrow = %d, want 1000", o.Escrow)
	}

	// And remains operable after the restart: the payout and refund legs
	// both draw on the re-funded custody account.
	if _, err := reloaded.FillOrder(filler, bob, 0, tokenA, 1, true); err != nil {
		t.Fatalf("fill after reload failed: %v", err)
	}
	if err := reloaded.CancelOrder(alice, 0); err != nil {
		t.Fatalf("cancel after reload failed: %v", err)
	}
	if got := restartBank.BalanceOf(alice); got != 1000 {
		t.Errorf("alice refund after reload = %d, want 1000", got)
	}
	if got := restartBank.BalanceOf(custody); got != reloaded.CustodiedBalance() {
		t.Errorf("custody account holds %d, ledger thinks %d", got, reloaded.CustodiedBalance())
	}
	if err := reloaded.Validate(); err != nil {
		t.Errorf("ledger invalid after post-reload operations: %v", err)
	}
}
