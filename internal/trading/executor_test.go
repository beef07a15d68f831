package trading

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"solana-turbo-trader/internal/config"
	"solana-turbo-trader/internal/idempotency"
	"solana-turbo-trader/internal/quote"
	"solana-turbo-trader/internal/rpcpool"
	"solana-turbo-trader/internal/session"
	"solana-turbo-trader/internal/storage"
	"solana-turbo-trader/internal/telemetry"
	"solana-turbo-trader/internal/wallet"
)

const (
	testMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	testUser = "user-1"
)

func testConfig(t *testing.T, yaml string) *config.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := config.NewManager(path)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	return m
}

type fakeQuotes struct {
	mu         sync.Mutex
	quoteCalls int
	amounts    []uint64
	impactPct  string // priceImpactPct payload, decimal fraction
	sellOut    uint64 // fixed outAmount for sell-mode quotes
	quoteErr   error
}

func (f *fakeQuotes) GetQuote(ctx context.Context, r quote.Request) (*quote.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.quoteErr != nil {
		return nil, f.quoteErr
	}
	f.quoteCalls++
	f.amounts = append(f.amounts, r.Amount)
	impact := f.impactPct
	if impact == "" {
		impact = "0.001"
	}
	out := r.Amount / 2
	if r.Mode == "sell" && f.sellOut > 0 {
		out = f.sellOut
	}
	return &quote.Quote{
		InputMint:      r.InputMint,
		OutputMint:     r.OutputMint,
		InAmount:       strconv.FormatUint(r.Amount, 10),
		OutAmount:      strconv.FormatUint(out, 10),
		PriceImpactPct: impact,
		SlippageBps:    r.SlippageBps,
	}, nil
}

func (f *fakeQuotes) BuildSwapTransaction(ctx context.Context, q *quote.Quote, userPubkey string, opts quote.SwapOptions) (*quote.SwapResponse, error) {
	// Empty signature table plus a message; the signer fills the first slot.
	tx := append([]byte{0x00}, []byte("swap-message")...)
	return &quote.SwapResponse{SwapTransaction: base64.StdEncoding.EncodeToString(tx)}, nil
}

type fakeSender struct {
	mu    sync.Mutex
	sends int
	err   error
}

func (f *fakeSender) SendRawTransactionQuorum(ctx context.Context, raw string, opts rpcpool.QuorumOpts) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sends++
	return fmt.Sprintf("tx-%d", f.sends), nil
}

func (f *fakeSender) WaitForConfirmation(ctx context.Context, signature string) error {
	return nil
}

func (f *fakeSender) PrewarmAll(ctx context.Context) {}
func (f *fakeSender) Rotate()                        {}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

type fakeRelay struct {
	mu        sync.Mutex
	sent      []string
	confirmed []string
}

func (f *fakeRelay) Send(ctx context.Context, rawTx, signature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, signature)
	return nil
}

func (f *fakeRelay) MarkConfirmed(signature string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, signature)
}

func (f *fakeRelay) confirmedSigs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.confirmed...)
}

type fakeKeys struct {
	armed  bool
	signer *wallet.Signer
}

func newFakeKeys(t *testing.T, armed bool) *fakeKeys {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	s, err := wallet.NewSigner(priv)
	if err != nil {
		t.Fatal(err)
	}
	return &fakeKeys{armed: armed, signer: s}
}

func (f *fakeKeys) Armed(userID, walletID string) bool { return f.armed }

func (f *fakeKeys) WithSigner(userID, walletID string, fn func(signer *wallet.Signer) error) error {
	return fn(f.signer)
}

type fakeDevWatch struct {
	reason string
	calls  int
}

func (f *fakeDevWatch) Check(ctx context.Context, mint string) (string, error) {
	f.calls++
	return f.reason, nil
}

type executorFixture struct {
	exec   *Executor
	db     *storage.DB
	quotes *fakeQuotes
	sender *fakeSender
	relay  *fakeRelay
	keys   *fakeKeys
	watch  *fakeDevWatch
	m      *telemetry.Metrics
}

func newExecutorFixture(t *testing.T, yaml string) *executorFixture {
	t.Helper()
	cfg := testConfig(t, yaml)
	m := telemetry.New()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "exec.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	idem, err := idempotency.NewStore(filepath.Join(t.TempDir(), "idem.json"), time.Minute, m)
	if err != nil {
		t.Fatal(err)
	}

	f := &executorFixture{
		db:     db,
		quotes: &fakeQuotes{},
		sender: &fakeSender{},
		relay:  &fakeRelay{},
		keys:   newFakeKeys(t, true),
		watch:  &fakeDevWatch{},
		m:      m,
	}
	f.exec = NewExecutor(cfg, db, f.quotes, quote.NewWarmCache(16), f.sender, f.relay, f.keys, idem, f.watch, m)
	t.Cleanup(f.exec.Close)
	return f
}

func buyParams(amount uint64) TradeParams {
	return TradeParams{
		InputMint:   quote.SOLMint,
		OutputMint:  testMint,
		Amount:      amount,
		SlippageBps: 50,
		Strategy:    "turbo",
	}
}

func TestExecuteTradeHappyPath(t *testing.T) {
	f := newExecutorFixture(t, "probe:\n  enabled: false\n")

	hash, err := f.exec.ExecuteTrade(context.Background(), UserCtx{UserID: testUser, WalletID: "w1"}, buyParams(1_000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	if hash == "" {
		t.Fatal("empty tx hash")
	}

	prior, err := f.db.RecentBuy(testUser, "w1", testMint, "turbo", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if prior == nil {
		t.Fatal("trade row not persisted")
	}
	if prior.TxHash != hash || prior.Type != "buy" {
		t.Fatalf("row = %+v", prior)
	}
}

func TestExecuteTradeDuplicateReturnsCachedHash(t *testing.T) {
	f := newExecutorFixture(t, "probe:\n  enabled: false\n")
	user := UserCtx{UserID: testUser, WalletID: "w1"}

	first, err := f.exec.ExecuteTrade(context.Background(), user, buyParams(2_000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.exec.ExecuteTrade(context.Background(), user, buyParams(2_000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Fatalf("duplicate returned %q, first was %q", second, first)
	}
	if f.sender.count() != 1 {
		t.Fatalf("sends = %d, duplicate must not re-send", f.sender.count())
	}
}

func TestExecuteTradeKillSwitch(t *testing.T) {
	f := newExecutorFixture(t, "probe:\n  enabled: false\n")
	t.Setenv("KILL_SWITCH", "1")

	_, err := f.exec.ExecuteTrade(context.Background(), UserCtx{UserID: testUser, WalletID: "w1"}, buyParams(1_000_000_000))
	if !errors.Is(err, ErrKillSwitch) {
		t.Fatalf("err = %v, want ErrKillSwitch", err)
	}
	if f.quotes.quoteCalls != 0 || f.sender.count() != 0 {
		t.Fatal("kill switch must short-circuit before any I/O")
	}
}

func TestExecuteTradeNotArmed(t *testing.T) {
	f := newExecutorFixture(t, "probe:\n  enabled: false\n")
	f.keys.armed = false

	if err := f.db.InsertWallet(&storage.Wallet{
		ID:          "w1",
		UserID:      testUser,
		Pubkey:      testMint,
		IsProtected: true,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := f.exec.ExecuteTrade(context.Background(), UserCtx{UserID: testUser, WalletID: "w1"}, buyParams(1_000_000_000))
	if !errors.Is(err, session.ErrNotArmed) {
		t.Fatalf("err = %v, want ErrNotArmed", err)
	}
}

func TestExecuteTradeRiskGateBlocks(t *testing.T) {
	f := newExecutorFixture(t, "probe:\n  enabled: false\n")
	f.watch.reason = "lp-burn-low"

	_, err := f.exec.ExecuteTrade(context.Background(), UserCtx{UserID: testUser, WalletID: "w1"}, buyParams(1_000_000_000))
	var blocked *Blocked
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want Blocked", err)
	}
	if blocked.Reason != "lp-burn-low" {
		t.Fatalf("reason = %q", blocked.Reason)
	}
	if f.quotes.quoteCalls != 0 {
		t.Fatal("risk gate must run before quoting")
	}
}

func TestExecuteTradeRecentBuyDedup(t *testing.T) {
	f := newExecutorFixture(t, "probe:\n  enabled: false\n")

	if err := f.db.InsertTrade(&storage.Trade{
		UserID:    testUser,
		WalletID:  "w1",
		Mint:      testMint,
		Strategy:  "turbo",
		Type:      "buy",
		InAmount:  5_000_000_000,
		OutAmount: 100,
		TxHash:    "prior-tx",
	}); err != nil {
		t.Fatal(err)
	}

	hash, err := f.exec.ExecuteTrade(context.Background(), UserCtx{UserID: testUser, WalletID: "w1"}, buyParams(5_000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	if hash != "prior-tx" {
		t.Fatalf("hash = %q, want the prior trade's hash", hash)
	}
	if f.sender.count() != 0 {
		t.Fatal("dedup hit must not send")
	}
}

func TestExecuteTradePostTradeEvent(t *testing.T) {
	f := newExecutorFixture(t, "probe:\n  enabled: false\n")

	events := make(chan TradeEvent, 1)
	f.exec.OnTrade(func(ev TradeEvent) { events <- ev })

	hash, err := f.exec.ExecuteTrade(context.Background(), UserCtx{UserID: testUser, WalletID: "w1"}, buyParams(1_000_000_000))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if ev.Trade.TxHash != hash {
			t.Fatalf("event tx = %q, want %q", ev.Trade.TxHash, hash)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("post-trade event never delivered")
	}
}

func TestExecuteTradeBundleMarksRelayConfirmed(t *testing.T) {
	f := newExecutorFixture(t, "probe:\n  enabled: false\n")

	p := buyParams(1_000_000_000)
	p.UseBundle = true
	hash, err := f.exec.ExecuteTrade(context.Background(), UserCtx{UserID: testUser, WalletID: "w1"}, p)
	if err != nil {
		t.Fatal(err)
	}

	f.relay.mu.Lock()
	sent := append([]string(nil), f.relay.sent...)
	f.relay.mu.Unlock()
	if len(sent) != 1 || sent[0] != hash {
		t.Fatalf("relay sends = %v, want [%s]", sent, hash)
	}
	if f.sender.count() != 0 {
		t.Fatal("bundle route must bypass the quorum fan-out")
	}

	// The confirmation watcher runs off the send path.
	deadline := time.Now().Add(2 * time.Second)
	for {
		confirmed := f.relay.confirmedSigs()
		if len(confirmed) == 1 && confirmed[0] == hash {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("relay never told about on-chain confirmation, confirmed = %v", confirmed)
		}
		time.Sleep(10 * time.Millisecond)
	}

	row, err := f.db.RecentBuy(testUser, "w1", testMint, "turbo", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.MevMode != "bundle" {
		t.Fatalf("row = %+v, want mev_mode bundle", row)
	}
}

func TestExecuteTradePersistsExitSettingsAndFees(t *testing.T) {
	f := newExecutorFixture(t, "probe:\n  enabled: false\n")

	p := buyParams(1_000_000_000)
	p.Exit = &ExitSettings{Mode: "time", MaxHoldSec: 45, LpDropExitPct: 35}
	if _, err := f.exec.ExecuteTrade(context.Background(), UserCtx{UserID: testUser, WalletID: "w1"}, p); err != nil {
		t.Fatal(err)
	}

	row, err := f.db.RecentBuy(testUser, "w1", testMint, "turbo", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		t.Fatal("trade row not persisted")
	}

	extras, err := f.db.TradeExtras(row.ID)
	if err != nil {
		t.Fatal(err)
	}
	var s ExitSettings
	if err := json.Unmarshal([]byte(extras), &s); err != nil {
		t.Fatalf("extras %q: %v", extras, err)
	}
	if s.Mode != "time" || s.MaxHoldSec != 45 || s.LpDropExitPct != 35 {
		t.Fatalf("exit settings round-trip = %+v", s)
	}

	if row.MevMode != "quorum" {
		t.Fatalf("mev_mode = %q", row.MevMode)
	}
	if row.PriorityFeeLamports != 500_000 || row.TipLamports != 100_000 {
		t.Fatalf("fees = %d/%d", row.PriorityFeeLamports, row.TipLamports)
	}
}

func TestExecuteTradeProbeAbortsOnImpact(t *testing.T) {
	f := newExecutorFixture(t, `
probe:
  enabled: true
  scale_factor: 4
  abort_on_impact_pct: 8
  delay_ms: 1
`)
	f.quotes.impactPct = "0.2" // 20%, over the 8% abort line

	hash, err := f.exec.ExecuteTrade(context.Background(), UserCtx{UserID: testUser, WalletID: "w1"}, buyParams(4_000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	if hash == "" {
		t.Fatal("probe leg hash expected")
	}
	if f.sender.count() != 1 {
		t.Fatalf("sends = %d, scale leg must be aborted", f.sender.count())
	}
	if got := f.m.Counter("probe_abort_total"); got != 1 {
		t.Fatalf("probe_abort_total = %d", got)
	}
	if got := f.m.Counter("probe_scale_success_total"); got != 0 {
		t.Fatalf("probe_scale_success_total = %d", got)
	}

	// Only the 1/4 probe leg landed on chain; the row must not claim the
	// full requested size.
	row, err := f.db.RecentBuy(testUser, "w1", testMint, "turbo", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		t.Fatal("trade row not persisted")
	}
	if row.InAmount != 1_000_000_000 || row.OutAmount != 500_000_000 {
		t.Fatalf("persisted amounts = %d/%d, want the probe leg only", row.InAmount, row.OutAmount)
	}
}

func TestExecuteTradeProbeThenScale(t *testing.T) {
	f := newExecutorFixture(t, `
probe:
  enabled: true
  scale_factor: 4
  abort_on_impact_pct: 8
  delay_ms: 1
`)

	_, err := f.exec.ExecuteTrade(context.Background(), UserCtx{UserID: testUser, WalletID: "w1"}, buyParams(4_000_000_000))
	if err != nil {
		t.Fatal(err)
	}
	if f.sender.count() != 2 {
		t.Fatalf("sends = %d, want probe + scale", f.sender.count())
	}
	if got := f.m.Counter("probe_scale_success_total"); got != 1 {
		t.Fatalf("probe_scale_success_total = %d", got)
	}

	// 1/4 probe leg, 3/4 scale leg.
	f.quotes.mu.Lock()
	amounts := append([]uint64(nil), f.quotes.amounts...)
	f.quotes.mu.Unlock()
	var sawProbe, sawScale bool
	for _, a := range amounts {
		if a == 1_000_000_000 {
			sawProbe = true
		}
		if a == 3_000_000_000 {
			sawScale = true
		}
	}
	if !sawProbe || !sawScale {
		t.Fatalf("quoted amounts = %v", amounts)
	}

	// Both legs count toward the position.
	row, err := f.db.RecentBuy(testUser, "w1", testMint, "turbo", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if row == nil {
		t.Fatal("trade row not persisted")
	}
	if row.InAmount != 4_000_000_000 || row.OutAmount != 2_000_000_000 {
		t.Fatalf("persisted amounts = %d/%d, want probe plus scale", row.InAmount, row.OutAmount)
	}
}

func TestExecuteTradeValidatesInput(t *testing.T) {
	f := newExecutorFixture(t, "probe:\n  enabled: false\n")

	if _, err := f.exec.ExecuteTrade(context.Background(), UserCtx{}, buyParams(1)); err == nil {
		t.Fatal("missing user ctx must fail")
	}
	if _, err := f.exec.ExecuteTrade(context.Background(), UserCtx{UserID: testUser, WalletID: "w1"}, TradeParams{}); err == nil {
		t.Fatal("missing trade params must fail")
	}
}
