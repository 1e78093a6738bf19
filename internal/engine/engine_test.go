package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"termlend/internal/auditor"
	"termlend/internal/event"
	"termlend/internal/market"
	"termlend/internal/maturity"
	"termlend/internal/oracle"
	"termlend/internal/ratemodel"
	"termlend/internal/testutil"
)

const testNow = int64(1_700_006_400)

type harness struct {
	engine   *Engine
	auditor  *auditor.Auditor
	feed     *oracle.MemoryFeed
	persist  chan Output
	outbound chan Output
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	feed := oracle.NewMemoryFeed()
	aud, err := auditor.New(auditor.Config{
		CloseFactor:          testutil.WadFrac(1, 2),
		LiquidationIncentive: testutil.WadFrac(5, 100),
		MaxPriceDelay:        300,
	}, feed, zerolog.Nop())
	if err != nil {
		t.Fatalf("auditor.New: %v", err)
	}
	for _, sym := range []string{"WETH", "USDC"} {
		model, err := ratemodel.New(ratemodel.DefaultParams())
		if err != nil {
			t.Fatalf("ratemodel.New: %v", err)
		}
		m, err := market.New(market.Config{
			Symbol:         sym,
			Decimals:       18,
			MaxFuturePools: 3,
			PenaltyRate:    testutil.WadFrac(1, 1_000_000),
			SmoothFactor:   testutil.Wad(2),
			SeizeFeeRate:   testutil.WadFrac(1, 10),
		}, model, market.NewLedgerAsset(sym), zerolog.Nop(), market.NopSink{})
		if err != nil {
			t.Fatalf("market.New(%s): %v", sym, err)
		}
		if _, err := aud.ListMarket(m, auditor.MarketParams{
			AdjustFactor: testutil.WadFrac(8, 10),
			BorrowCap:    testutil.Wad(0),
		}); err != nil {
			t.Fatalf("ListMarket(%s): %v", sym, err)
		}
	}

	persist := make(chan Output, 64)
	outbound := make(chan Output, 64)
	return &harness{
		engine:   New(0, aud, feed, persist, outbound, nil, nil),
		auditor:  aud,
		feed:     feed,
		persist:  persist,
		outbound: outbound,
	}
}

func (h *harness) apply(t *testing.T, evt event.Event) {
	t.Helper()
	if err := h.engine.ProcessEvent(evt); err != nil {
		t.Fatalf("ProcessEvent(%s): %v", evt.EventType(), err)
	}
}

func (h *harness) drainPersist(t *testing.T) []Output {
	t.Helper()
	var out []Output
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func ts(offset int64) time.Time { return time.Unix(testNow+offset, 0) }

func cashDeposit(mkt string, account uuid.UUID, units uint64, seq int64) *event.CashDeposit {
	return &event.CashDeposit{
		OpID:      uuid.New(),
		Account:   account,
		Market:    mkt,
		Assets:    testutil.Wad(units),
		Sequence:  seq,
		Timestamp: ts(0),
	}
}

func floatingDeposit(mkt string, account uuid.UUID, units uint64, seq int64) *event.DepositFloating {
	return &event.DepositFloating{
		OpID:      uuid.New(),
		Account:   account,
		Market:    mkt,
		Assets:    testutil.Wad(units),
		Sequence:  seq,
		Timestamp: ts(0),
	}
}

func TestProcessEventAppliesAndEmits(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.apply(t, cashDeposit("WETH", alice, 100, 0))
	h.apply(t, floatingDeposit("WETH", alice, 100, 1))

	outputs := h.drainPersist(t)
	if len(outputs) != 2 {
		t.Fatalf("persisted %d outputs, want 2", len(outputs))
	}
	if outputs[0].Envelope.Sequence != 0 || outputs[1].Envelope.Sequence != 1 {
		t.Errorf("sequences: got %d, %d, want 0, 1",
			outputs[0].Envelope.Sequence, outputs[1].Envelope.Sequence)
	}
	if outputs[1].Envelope.PrevHash != outputs[0].Envelope.StateHash {
		t.Error("hash chain broken: second event's prev hash != first event's state hash")
	}
	if h.engine.Sequence() != 2 {
		t.Errorf("engine sequence: got %d, want 2", h.engine.Sequence())
	}

	r := outputs[1].Receipt
	if r == nil {
		t.Fatal("floating deposit receipt missing")
	}
	if r.EventType != "DepositFloating" || r.Market != "WETH" || r.Account != alice.String() {
		t.Errorf("receipt fields: %+v", r)
	}
	if r.Shares != testutil.Wad(100).Dec() {
		t.Errorf("receipt shares: got %s, want %s", r.Shares, testutil.Wad(100).Dec())
	}

	// The outbound copy mirrors the persist copy.
	if len(h.outbound) != 2 {
		t.Errorf("outbound queued %d, want 2", len(h.outbound))
	}

	m, _ := h.auditor.MarketBySymbol("WETH")
	if !m.SharesOf(alice).Eq(testutil.Wad(100)) {
		t.Errorf("shares: got %s, want %s", m.SharesOf(alice), testutil.Wad(100))
	}
}

func TestDuplicateOperationSkipped(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	dep := cashDeposit("WETH", alice, 100, 0)
	h.apply(t, dep)
	h.drainPersist(t)

	// Redelivery: same op, same source sequence.
	h.apply(t, dep)

	if got := h.drainPersist(t); len(got) != 0 {
		t.Fatalf("duplicate emitted %d outputs, want 0", len(got))
	}
	if h.engine.Sequence() != 1 {
		t.Errorf("engine sequence: got %d, want 1", h.engine.Sequence())
	}
	m, _ := h.auditor.MarketBySymbol("WETH")
	wallet := m.Asset().(*market.LedgerAsset)
	if !wallet.BalanceOf(alice).Eq(testutil.Wad(100)) {
		t.Errorf("wallet: got %s, want %s (not doubled)", wallet.BalanceOf(alice), testutil.Wad(100))
	}
}

func TestSequenceGapRejected(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.apply(t, cashDeposit("WETH", alice, 100, 0))

	err := h.engine.ProcessEvent(cashDeposit("WETH", alice, 100, 5))
	if err == nil || !strings.Contains(err.Error(), "sequence gap") {
		t.Fatalf("got %v, want sequence gap error", err)
	}

	// A fresh (non-duplicate) event below the cursor is out of order.
	err = h.engine.ProcessEvent(cashDeposit("WETH", alice, 100, 0))
	if err == nil || !strings.Contains(err.Error(), "out-of-order") {
		t.Fatalf("got %v, want out-of-order error", err)
	}

	// Partitions are independent: USDC still starts at 0.
	h.apply(t, cashDeposit("USDC", alice, 100, 0))
}

func TestRejectedOperationConsumesSourceSequence(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	// Withdrawing from an empty wallet fails at dispatch.
	err := h.engine.ProcessEvent(&event.CashWithdraw{
		OpID:      uuid.New(),
		Account:   alice,
		Market:    "WETH",
		Assets:    testutil.Wad(10),
		Sequence:  0,
		Timestamp: ts(0),
	})
	if err == nil || !strings.Contains(err.Error(), "dispatch failed") {
		t.Fatalf("got %v, want dispatch failure", err)
	}
	if h.engine.Sequence() != 0 {
		t.Errorf("engine sequence advanced on rejection: got %d", h.engine.Sequence())
	}
	if got := h.drainPersist(t); len(got) != 0 {
		t.Fatalf("rejection emitted %d outputs, want 0", len(got))
	}

	// The source cursor moved past the rejected op; the stream continues.
	h.apply(t, cashDeposit("WETH", alice, 100, 1))
}

func TestPriceUpdates(t *testing.T) {
	h := newHarness(t)

	h.apply(t, &event.PriceUpdate{Market: "WETH", Price: testutil.Wad(2000), PriceSequence: 5, Timestamp: ts(0)})
	if q, ok := h.feed.Quote("WETH"); !ok || !q.Price.Eq(testutil.Wad(2000)) {
		t.Fatalf("quote after update: %+v, %v", q, ok)
	}
	if len(h.drainPersist(t)) != 1 {
		t.Error("price update should be logged")
	}

	// Stale quote: silently dropped, no output, feed untouched.
	h.apply(t, &event.PriceUpdate{Market: "WETH", Price: testutil.Wad(1500), PriceSequence: 3, Timestamp: ts(10)})
	if q, _ := h.feed.Quote("WETH"); !q.Price.Eq(testutil.Wad(2000)) {
		t.Errorf("stale quote applied: got %s", q.Price)
	}
	if got := h.drainPersist(t); len(got) != 0 {
		t.Fatalf("stale quote emitted %d outputs, want 0", len(got))
	}

	// Gaps are tolerated on price partitions.
	h.apply(t, &event.PriceUpdate{Market: "WETH", Price: testutil.Wad(2100), PriceSequence: 50, Timestamp: ts(20)})
	if q, _ := h.feed.Quote("WETH"); !q.Price.Eq(testutil.Wad(2100)) {
		t.Errorf("gapped quote dropped: got %s", q.Price)
	}

	// Zero price is a dispatch failure, not a silent drop.
	err := h.engine.ProcessEvent(&event.PriceUpdate{Market: "WETH", Price: testutil.Wad(0), PriceSequence: 51, Timestamp: ts(30)})
	if err == nil {
		t.Fatal("zero price accepted")
	}
}

// script drives one deposit-borrow-repay round through an engine.
func script(t *testing.T, h *harness) {
	t.Helper()
	lender := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	borrower := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	mat := maturity.Active(testNow, 3)[1]

	ops := []event.Event{
		&event.PriceUpdate{Market: "WETH", Price: testutil.Wad(2000), PriceSequence: 1, Timestamp: ts(0)},
		&event.PriceUpdate{Market: "USDC", Price: testutil.Wad(1), PriceSequence: 1, Timestamp: ts(0)},
		&event.CashDeposit{OpID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000001"), Account: lender, Market: "USDC", Assets: testutil.Wad(100_000), Sequence: 0, Timestamp: ts(0)},
		&event.DepositFloating{OpID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000002"), Account: lender, Market: "USDC", Assets: testutil.Wad(100_000), Sequence: 1, Timestamp: ts(0)},
		&event.CashDeposit{OpID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000003"), Account: borrower, Market: "WETH", Assets: testutil.Wad(10), Sequence: 0, Timestamp: ts(0)},
		&event.DepositFloating{OpID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000004"), Account: borrower, Market: "WETH", Assets: testutil.Wad(10), Sequence: 1, Timestamp: ts(0)},
		&event.EnterMarket{OpID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000005"), Account: borrower, Market: "WETH", Sequence: 2, Timestamp: ts(0)},
		&event.BorrowAtMaturity{OpID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000006"), Account: borrower, Market: "USDC", Maturity: mat, Assets: testutil.Wad(5000), Sequence: 2, Timestamp: ts(60)},
		&event.CashDeposit{OpID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000007"), Account: borrower, Market: "USDC", Assets: testutil.Wad(100), Sequence: 3, Timestamp: ts(60)},
		&event.RepayAtMaturity{OpID: uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000008"), Account: borrower, Market: "USDC", Maturity: mat, Assets: testutil.Wad(10_000), Sequence: 4, Timestamp: ts(120)},
	}
	for _, op := range ops {
		h.apply(t, op)
	}
}

func TestHashChainIsDeterministic(t *testing.T) {
	h1 := newHarness(t)
	h2 := newHarness(t)

	script(t, h1)
	script(t, h2)

	if h1.engine.Sequence() != h2.engine.Sequence() {
		t.Fatalf("sequences diverged: %d vs %d", h1.engine.Sequence(), h2.engine.Sequence())
	}
	if h1.engine.StateHash() != h2.engine.StateHash() {
		t.Error("identical scripts produced different state hashes")
	}

	// The chain is sensitive to any extra event.
	h1.apply(t, cashDeposit("WETH", uuid.New(), 1, 3))
	if h1.engine.StateHash() == h2.engine.StateHash() {
		t.Error("state hash unchanged after extra event")
	}
}

func TestReplayModeSuppressesEmission(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.engine.BeginReplay()
	h.apply(t, cashDeposit("WETH", alice, 100, 0))
	h.apply(t, floatingDeposit("WETH", alice, 100, 1))
	h.engine.EndReplay()

	if got := h.drainPersist(t); len(got) != 0 {
		t.Fatalf("replay emitted %d persist outputs, want 0", len(got))
	}
	if len(h.outbound) != 0 {
		t.Fatalf("replay emitted %d outbound outputs, want 0", len(h.outbound))
	}
	if h.engine.Sequence() != 2 {
		t.Errorf("sequence after replay: got %d, want 2", h.engine.Sequence())
	}

	// State is live after replay ends.
	m, _ := h.auditor.MarketBySymbol("WETH")
	if !m.SharesOf(alice).Eq(testutil.Wad(100)) {
		t.Errorf("shares after replay: got %s, want %s", m.SharesOf(alice), testutil.Wad(100))
	}
	h.apply(t, cashDeposit("WETH", alice, 50, 2))
	if got := h.drainPersist(t); len(got) != 1 {
		t.Fatalf("post-replay event emitted %d outputs, want 1", len(got))
	}
}

func TestCashWithdraw(t *testing.T) {
	h := newHarness(t)
	alice := uuid.New()

	h.apply(t, cashDeposit("WETH", alice, 100, 0))
	h.apply(t, &event.CashWithdraw{
		OpID:      uuid.New(),
		Account:   alice,
		Market:    "WETH",
		Assets:    testutil.Wad(40),
		Sequence:  1,
		Timestamp: ts(0),
	})

	m, _ := h.auditor.MarketBySymbol("WETH")
	wallet := m.Asset().(*market.LedgerAsset)
	if !wallet.BalanceOf(alice).Eq(testutil.Wad(60)) {
		t.Errorf("wallet: got %s, want %s", wallet.BalanceOf(alice), testutil.Wad(60))
	}

	// Overdrawing fails and does not advance the engine.
	seqBefore := h.engine.Sequence()
	err := h.engine.ProcessEvent(&event.CashWithdraw{
		OpID:      uuid.New(),
		Account:   alice,
		Market:    "WETH",
		Assets:    testutil.Wad(500),
		Sequence:  2,
		Timestamp: ts(0),
	})
	if err == nil {
		t.Fatal("overdraw accepted")
	}
	if h.engine.Sequence() != seqBefore {
		t.Errorf("sequence advanced on overdraw: %d -> %d", seqBefore, h.engine.Sequence())
	}
	if !wallet.BalanceOf(alice).Eq(testutil.Wad(60)) {
		t.Errorf("wallet after overdraw: got %s, want %s", wallet.BalanceOf(alice), testutil.Wad(60))
	}
}

func TestLiquidationEndToEnd(t *testing.T) {
	h := newHarness(t)
	lender := uuid.New()
	borrower := uuid.New()
	liquidator := uuid.New()
	mat := maturity.Active(testNow, 3)[1]

	setup := []event.Event{
		&event.PriceUpdate{Market: "WETH", Price: testutil.Wad(2000), PriceSequence: 1, Timestamp: ts(0)},
		&event.PriceUpdate{Market: "USDC", Price: testutil.Wad(1), PriceSequence: 1, Timestamp: ts(0)},
		cashDeposit("USDC", lender, 100_000, 0),
		floatingDeposit("USDC", lender, 100_000, 1),
		cashDeposit("WETH", borrower, 10, 0),
		floatingDeposit("WETH", borrower, 10, 1),
		&event.EnterMarket{OpID: uuid.New(), Account: borrower, Market: "WETH", Sequence: 2, Timestamp: ts(0)},
		&event.BorrowAtMaturity{OpID: uuid.New(), Account: borrower, Market: "USDC", Maturity: mat, Assets: testutil.Wad(15_000), Sequence: 2, Timestamp: ts(0)},
		// Collateral drops from $20,000 to $10,000 against ~$15,000 debt.
		&event.PriceUpdate{Market: "WETH", Price: testutil.Wad(1000), PriceSequence: 2, Timestamp: ts(60)},
		cashDeposit("USDC", liquidator, 10_000, 3),
		&event.Liquidate{OpID: uuid.New(), Liquidator: liquidator, Borrower: borrower, RepayMarket: "USDC", SeizeMarket: "WETH", MaxAssets: testutil.Wad(10_000), Sequence: 4, Timestamp: ts(120)},
	}
	for _, op := range setup {
		h.apply(t, op)
	}

	var liqReceipt *Receipt
	for _, o := range h.drainPersist(t) {
		if o.Receipt != nil && o.Receipt.EventType == "Liquidate" {
			liqReceipt = o.Receipt
		}
	}
	if liqReceipt == nil {
		t.Fatal("liquidation receipt missing")
	}
	if liqReceipt.Borrower != borrower.String() || liqReceipt.Account != liquidator.String() {
		t.Errorf("receipt parties: %+v", liqReceipt)
	}
	if liqReceipt.Repaid == "" || liqReceipt.Seized == "" {
		t.Errorf("receipt amounts missing: %+v", liqReceipt)
	}

	// The borrower's WETH collateral shrank.
	weth, _ := h.auditor.MarketBySymbol("WETH")
	if !weth.SharesOf(borrower).Lt(testutil.Wad(10)) {
		t.Errorf("borrower shares not seized: %s", weth.SharesOf(borrower))
	}
}
