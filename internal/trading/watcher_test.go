package trading

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"solana-turbo-trader/internal/storage"
	"solana-turbo-trader/internal/telemetry"
)

type fakeAuthority struct {
	mu   sync.Mutex
	auth string
}

func (f *fakeAuthority) GetFreezeAuthority(ctx context.Context, mint string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth, nil
}

func (f *fakeAuthority) set(a string) {
	f.mu.Lock()
	f.auth = a
	f.mu.Unlock()
}

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	err   error
	last  TradeParams
}

func (f *fakeRunner) ExecuteTrade(ctx context.Context, user UserCtx, p TradeParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.last = p
	if f.err != nil {
		return "", f.err
	}
	return "exit-tx", nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type watcherFixture struct {
	w      *Watcher
	db     *storage.DB
	quotes *fakeQuotes
	auth   *fakeAuthority
	runner *fakeRunner
	m      *telemetry.Metrics
}

func newWatcherFixture(t *testing.T) *watcherFixture {
	t.Helper()
	cfg := testConfig(t, "watcher:\n  interval_sec: 1\n")
	m := telemetry.New()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "watch.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	f := &watcherFixture{
		db:     db,
		quotes: &fakeQuotes{},
		auth:   &fakeAuthority{},
		runner: &fakeRunner{},
		m:      m,
	}
	f.w = NewWatcher(cfg, db, f.quotes, f.auth, f.runner, m)
	t.Cleanup(f.w.Close)
	return f
}

func (f *watcherFixture) openPosition(t *testing.T, ageSec int, settings ExitSettings) *storage.Trade {
	t.Helper()
	extras, err := json.Marshal(settings)
	if err != nil {
		t.Fatal(err)
	}
	tr := &storage.Trade{
		UserID:      testUser,
		WalletID:    "w1",
		Mint:        testMint,
		Strategy:    "turbo",
		Type:        "buy",
		InAmount:    1_000_000,
		OutAmount:   500_000,
		SlippageBps: 50,
		TxHash:      "buy-tx",
		CreatedAt:   time.Now().Add(-time.Duration(ageSec) * time.Second).UnixMilli(),
		Extras:      string(extras),
	}
	if err := f.db.InsertTrade(tr); err != nil {
		t.Fatal(err)
	}
	return tr
}

// tick evaluates one watcher cycle directly, without waiting for the timer.
func (f *watcherFixture) tick(t *testing.T, tr *storage.Trade, baseline *string, baselineSet *bool) bool {
	t.Helper()
	s, err := f.w.loadSettings(tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	return f.w.evaluate(context.Background(), tr, s, baseline, baselineSet)
}

func (f *watcherFixture) closedReason(t *testing.T) string {
	t.Helper()
	closed, err := f.db.ClosedTrades(testUser, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) == 0 {
		return ""
	}
	return closed[0].Reason
}

func TestWatcherTimeGateHoldsBelowPnLFloor(t *testing.T) {
	f := newWatcherFixture(t)
	tr := f.openPosition(t, 61, ExitSettings{
		Mode:                    "time",
		MaxHoldSec:              60,
		MinPnLBeforeTimeExitPct: 10,
	})

	var baseline string
	var set bool

	f.quotes.sellOut = 1_050_000 // +5% PnL, below the 10% floor
	if done := f.tick(t, tr, &baseline, &set); done {
		t.Fatal("watcher must hold while pnl is under the floor")
	}
	if f.runner.count() != 0 {
		t.Fatal("no exit expected yet")
	}

	f.quotes.sellOut = 1_120_000 // +12% PnL
	if done := f.tick(t, tr, &baseline, &set); !done {
		t.Fatal("watcher must fire once pnl clears the floor")
	}
	if f.runner.count() != 1 {
		t.Fatalf("runner calls = %d", f.runner.count())
	}
	if got := f.closedReason(t); got != "smart-time" {
		t.Fatalf("reason = %q", got)
	}
	if got := f.m.LabelCounter("exit_reason_total", "smart-time"); got != 1 {
		t.Fatalf("exit_reason_total{smart-time} = %d", got)
	}

	// The sell leg swaps the position back into the input mint.
	if f.runner.last.Type != "sell" || f.runner.last.Amount != tr.OutAmount {
		t.Fatalf("exit params = %+v", f.runner.last)
	}
}

func TestWatcherTimeGateWithoutFloorFires(t *testing.T) {
	f := newWatcherFixture(t)
	tr := f.openPosition(t, 61, ExitSettings{Mode: "time", MaxHoldSec: 60})

	var baseline string
	var set bool
	f.quotes.sellOut = 900_000 // losing trade, no pnl floor configured
	if done := f.tick(t, tr, &baseline, &set); !done {
		t.Fatal("time gate without a pnl floor must fire")
	}
	if got := f.closedReason(t); got != "smart-time" {
		t.Fatalf("reason = %q", got)
	}
}

func TestWatcherLpDrop(t *testing.T) {
	f := newWatcherFixture(t)
	tr := f.openPosition(t, 1, ExitSettings{LpDropExitPct: 40})

	var baseline string
	var set bool

	f.quotes.sellOut = 700_000 // 30% drop, under the 40% line
	if done := f.tick(t, tr, &baseline, &set); done {
		t.Fatal("30% drop must not trigger a 40% threshold")
	}

	f.quotes.sellOut = 500_000 // 50% drop
	if done := f.tick(t, tr, &baseline, &set); !done {
		t.Fatal("50% drop must trigger")
	}
	if got := f.closedReason(t); got != "lp-pull" {
		t.Fatalf("reason = %q", got)
	}
	if got := f.m.LabelCounter("exit_reason_total", "lp-pull"); got != 1 {
		t.Fatalf("exit_reason_total{lp-pull} = %d", got)
	}
}

func TestWatcherAuthorityFlip(t *testing.T) {
	f := newWatcherFixture(t)
	tr := f.openPosition(t, 1, ExitSettings{AuthorityFlipExit: true})

	var baseline string
	var set bool

	// First tick captures the baseline (no authority).
	if done := f.tick(t, tr, &baseline, &set); done {
		t.Fatal("baseline capture must not exit")
	}
	if !set {
		t.Fatal("baseline not captured")
	}

	f.auth.set("Fre3zeAuth0rityPubkey11111111111111111111111")
	if done := f.tick(t, tr, &baseline, &set); !done {
		t.Fatal("authority appearance must trigger")
	}
	if got := f.closedReason(t); got != "authority-flip" {
		t.Fatalf("reason = %q", got)
	}
}

func TestWatcherExitRecordsSellQuotePrices(t *testing.T) {
	f := newWatcherFixture(t)
	extras, err := json.Marshal(ExitSettings{Mode: "time", MaxHoldSec: 60})
	if err != nil {
		t.Fatal(err)
	}
	tr := &storage.Trade{
		UserID:        testUser,
		WalletID:      "w1",
		Mint:          testMint,
		Strategy:      "turbo",
		Type:          "buy",
		InAmount:      1_000_000,
		OutAmount:     500_000,
		EntryPrice:    2.0,
		EntryPriceUSD: 150,
		SlippageBps:   50,
		TxHash:        "buy-tx",
		CreatedAt:     time.Now().Add(-61 * time.Second).UnixMilli(),
		Extras:        string(extras),
	}
	if err := f.db.InsertTrade(tr); err != nil {
		t.Fatal(err)
	}

	var baseline string
	var set bool
	f.quotes.sellOut = 2_000_000 // the position now sells for double its cost
	if done := f.tick(t, tr, &baseline, &set); !done {
		t.Fatal("time exit must fire")
	}

	closed, err := f.db.ClosedTrades(testUser, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 {
		t.Fatalf("closed rows = %d", len(closed))
	}
	if closed[0].EntryPrice != 2.0 {
		t.Fatalf("entryPrice = %v", closed[0].EntryPrice)
	}
	// 2,000,000 sell proceeds over a 500,000 token position.
	if closed[0].ExitPrice != 4.0 {
		t.Fatalf("exitPrice = %v, want the sell quote's unit price", closed[0].ExitPrice)
	}
	// Proceeds doubled the entry cost, so the USD value doubles too.
	if closed[0].ExitPriceUSD != 300 {
		t.Fatalf("exitPriceUSD = %v", closed[0].ExitPriceUSD)
	}
}

func TestWatcherAuthorityFlipExitRequotesForPricing(t *testing.T) {
	f := newWatcherFixture(t)
	tr := f.openPosition(t, 1, ExitSettings{AuthorityFlipExit: true})

	var baseline string
	var set bool
	if done := f.tick(t, tr, &baseline, &set); done {
		t.Fatal("baseline capture must not exit")
	}

	f.quotes.sellOut = 250_000
	f.auth.set("Fre3zeAuth0rityPubkey11111111111111111111111")
	if done := f.tick(t, tr, &baseline, &set); !done {
		t.Fatal("authority flip must trigger")
	}

	closed, err := f.db.ClosedTrades(testUser, 1)
	if err != nil {
		t.Fatal(err)
	}
	// 250,000 proceeds over 500,000 tokens.
	if len(closed) != 1 || closed[0].ExitPrice != 0.5 {
		t.Fatalf("closed = %+v", closed)
	}
}

func TestWatcherFiresAtMostOnce(t *testing.T) {
	f := newWatcherFixture(t)
	tr := f.openPosition(t, 61, ExitSettings{Mode: "time", MaxHoldSec: 60})

	var baseline string
	var set bool
	if done := f.tick(t, tr, &baseline, &set); !done {
		t.Fatal("first tick must fire")
	}
	// The position is now closed; further ticks stop without re-firing.
	if done := f.tick(t, tr, &baseline, &set); !done {
		t.Fatal("closed position must end the watcher")
	}
	if f.runner.count() != 1 {
		t.Fatalf("runner calls = %d, want exactly one exit", f.runner.count())
	}

	got, err := f.db.GetTrade(tr.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ClosedOutAmount != got.OutAmount {
		t.Fatal("position not fully closed")
	}
}

func TestWatcherPaperMode(t *testing.T) {
	f := newWatcherFixture(t)
	f.openPosition(t, 61, ExitSettings{Mode: "time", MaxHoldSec: 60, IsPaper: true})
	tr, err := f.db.OldestOpenTrade(testUser, "w1", testMint)
	if err != nil {
		t.Fatal(err)
	}

	var baseline string
	var set bool
	if done := f.tick(t, tr, &baseline, &set); !done {
		t.Fatal("paper exit must fire")
	}
	if f.runner.count() != 0 {
		t.Fatal("paper mode must not send")
	}

	closed, err := f.db.ClosedTrades(testUser, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 || !strings.HasPrefix(closed[0].ExitTxHash, "paper-") {
		t.Fatalf("closed = %+v", closed)
	}
}

func TestWatcherExitFailureBumpsRules(t *testing.T) {
	f := newWatcherFixture(t)
	tr := f.openPosition(t, 61, ExitSettings{Mode: "time", MaxHoldSec: 60})

	rule := &storage.TpSlRule{
		UserID:   testUser,
		WalletID: "w1",
		Mint:     testMint,
		Strategy: "turbo",
		Enabled:  true,
	}
	if err := f.db.InsertRule(rule); err != nil {
		t.Fatal(err)
	}

	var baseline string
	var set bool

	f.runner.err = context.DeadlineExceeded
	if done := f.tick(t, tr, &baseline, &set); done {
		t.Fatal("failed exit must keep the watcher alive")
	}
	r, err := f.db.GetRule(rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.FailCount != 1 {
		t.Fatalf("failCount = %d", r.FailCount)
	}

	f.runner.err = nil
	if done := f.tick(t, tr, &baseline, &set); !done {
		t.Fatal("retry after failure must fire")
	}
	r, err = f.db.GetRule(rule.ID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != "fired" {
		t.Fatalf("rule status = %q", r.Status)
	}
}

func TestWatcherReloadsExtrasEachTick(t *testing.T) {
	f := newWatcherFixture(t)
	tr := f.openPosition(t, 61, ExitSettings{Mode: "off"})

	var baseline string
	var set bool
	if done := f.tick(t, tr, &baseline, &set); done {
		t.Fatal("mode off must not exit")
	}

	// A UI edit flips the position to a time exit mid-flight.
	extras, _ := json.Marshal(ExitSettings{Mode: "time", MaxHoldSec: 60})
	if err := f.db.UpdateTradeExtras(tr.ID, string(extras)); err != nil {
		t.Fatal(err)
	}
	if done := f.tick(t, tr, &baseline, &set); !done {
		t.Fatal("updated extras must apply on the next tick")
	}
	if got := f.closedReason(t); got != "smart-time" {
		t.Fatalf("reason = %q", got)
	}
}

func TestWatcherBootstrapAttaches(t *testing.T) {
	f := newWatcherFixture(t)
	f.openPosition(t, 1, ExitSettings{Mode: "time", MaxHoldSec: 3600})

	if err := f.w.Bootstrap(); err != nil {
		t.Fatal(err)
	}
	f.w.mu.Lock()
	n := len(f.w.watching)
	f.w.mu.Unlock()
	if n != 1 {
		t.Fatalf("watching = %d positions, want 1", n)
	}
}
