package trading

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"solana-turbo-trader/internal/config"
	"solana-turbo-trader/internal/quote"
	"solana-turbo-trader/internal/storage"
	"solana-turbo-trader/internal/telemetry"
)

const blockTime = 400 * time.Millisecond

// AuthoritySource reads a mint's freeze authority for the flip check.
type AuthoritySource interface {
	GetFreezeAuthority(ctx context.Context, mint string) (string, error)
}

// TradeRunner is the executor surface the watcher exits through.
type TradeRunner interface {
	ExecuteTrade(ctx context.Context, user UserCtx, p TradeParams) (string, error)
}

// ExitSettings is the per-position smart-exit configuration carried in the
// trade's extras JSON. The executor persists it with the trade row; the
// watcher reloads it every tick so UI edits apply mid-flight.
type ExitSettings struct {
	Mode                    string  `json:"mode"` // off, time, liquidity
	MaxHoldSec              int     `json:"maxHoldSec"`
	MinPnLBeforeTimeExitPct float64 `json:"minPnLBeforeTimeExitPct"`
	LpDropExitPct           float64 `json:"lpDropExitPct"`
	AuthorityFlipExit       bool    `json:"authorityFlipExit"`
	IntervalSec             int     `json:"intervalSec"`
	RugDelayBlocks          int     `json:"rugDelayBlocks"`
	IsPaper                 bool    `json:"isPaper"`
}

// Watcher runs one goroutine per open position and fires at most one exit
// each: authority flip, then liquidity drop, then the time gate.
type Watcher struct {
	cfg     *config.Manager
	db      *storage.DB
	quotes  QuoteProvider
	rpc     AuthoritySource
	runner  TradeRunner
	metrics *telemetry.Metrics

	mu       sync.Mutex
	watching map[string]chan struct{}
	wg       sync.WaitGroup
}

func NewWatcher(cfg *config.Manager, db *storage.DB, quotes QuoteProvider, rpc AuthoritySource,
	runner TradeRunner, metrics *telemetry.Metrics) *Watcher {
	return &Watcher{
		cfg:      cfg,
		db:       db,
		quotes:   quotes,
		rpc:      rpc,
		runner:   runner,
		metrics:  metrics,
		watching: make(map[string]chan struct{}),
	}
}

// Bootstrap re-attaches watchers to every open position, for restarts.
func (w *Watcher) Bootstrap() error {
	open, err := w.db.OpenTrades()
	if err != nil {
		return err
	}
	for _, t := range open {
		w.Watch(t)
	}
	if len(open) > 0 {
		log.Info().Int("positions", len(open)).Msg("Smart-exit watchers restored")
	}
	return nil
}

// Watch starts a watcher for the trade unless one is already running.
func (w *Watcher) Watch(t *storage.Trade) {
	w.mu.Lock()
	if _, ok := w.watching[t.ID]; ok {
		w.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	w.watching[t.ID] = stop
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.release(t.ID)
		w.run(t, stop)
	}()
}

// Stop halts the watcher for one position without exiting it.
func (w *Watcher) Stop(tradeID string) {
	w.mu.Lock()
	stop, ok := w.watching[tradeID]
	if ok {
		delete(w.watching, tradeID)
	}
	w.mu.Unlock()
	if ok {
		close(stop)
	}
}

// Close stops every watcher and waits for them to drain.
func (w *Watcher) Close() {
	w.mu.Lock()
	for id, stop := range w.watching {
		close(stop)
		delete(w.watching, id)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Watcher) release(tradeID string) {
	w.mu.Lock()
	delete(w.watching, tradeID)
	w.mu.Unlock()
}

func (w *Watcher) run(t *storage.Trade, stop chan struct{}) {
	var (
		baseline    string
		baselineSet bool
	)

	for {
		interval := w.interval(t.ID)
		select {
		case <-stop:
			return
		case <-time.After(interval):
		}

		settings, err := w.loadSettings(t.ID)
		if err != nil {
			log.Warn().Err(err).Str("trade", t.ID).Msg("watcher settings reload failed")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		done := w.evaluate(ctx, t, settings, &baseline, &baselineSet)
		cancel()
		if done {
			return
		}
	}
}

// interval is the tick period, floored at one second.
func (w *Watcher) interval(tradeID string) time.Duration {
	s, err := w.loadSettings(tradeID)
	if err != nil || s.IntervalSec < 1 {
		def := w.cfg.Get().Watcher.IntervalSec
		if def < 1 {
			def = 1
		}
		return time.Duration(def) * time.Second
	}
	return time.Duration(s.IntervalSec) * time.Second
}

func (w *Watcher) loadSettings(tradeID string) (*ExitSettings, error) {
	extras, err := w.db.TradeExtras(tradeID)
	if err != nil {
		return nil, err
	}
	s := &ExitSettings{}
	if extras != "" {
		if err := json.Unmarshal([]byte(extras), s); err != nil {
			return nil, err
		}
	}
	if s.RugDelayBlocks == 0 {
		s.RugDelayBlocks = w.cfg.Get().Watcher.RugDelayBlocks
	}
	return s, nil
}

// evaluate runs one tick. Returns true when the position is exited (or
// gone) and the watcher should stop.
func (w *Watcher) evaluate(ctx context.Context, t *storage.Trade, s *ExitSettings, baseline *string, baselineSet *bool) bool {
	current, err := w.db.GetTrade(t.ID)
	if err != nil {
		return false
	}
	if current == nil || current.ClosedOutAmount >= current.OutAmount {
		// Closed elsewhere (manual sell, TP/SL); nothing left to watch.
		return true
	}

	if s.AuthorityFlipExit && w.rpc != nil {
		auth, err := w.rpc.GetFreezeAuthority(ctx, t.Mint)
		if err == nil {
			if !*baselineSet {
				*baseline = auth
				*baselineSet = true
			} else if auth != *baseline {
				log.Warn().
					Str("mint", t.Mint).
					Str("was", *baseline).
					Str("now", auth).
					Msg("freeze authority changed")
				return w.exit(ctx, t, s, nil, "authority-flip")
			}
		}
	}

	var sellQuote *quote.Quote
	needQuote := s.LpDropExitPct > 0 || s.Mode == "time"
	if needQuote {
		sellQuote, err = w.quotes.GetQuote(ctx, quote.Request{
			InputMint:   t.Mint,
			OutputMint:  t.InputMint,
			Amount:      t.OutAmount,
			SlippageBps: t.SlippageBps,
			Mode:        "sell",
		})
		if err != nil {
			log.Debug().Err(err).Str("mint", t.Mint).Msg("watcher sell quote failed")
			return false
		}
	}

	if s.LpDropExitPct > 0 && t.InAmount > 0 {
		nowOut := sellQuote.OutAmountLamports()
		dropPct := 100 - float64(nowOut)*100/float64(t.InAmount)
		if dropPct >= s.LpDropExitPct {
			log.Warn().
				Str("mint", t.Mint).
				Float64("dropPct", dropPct).
				Msg("liquidity drop threshold reached")
			return w.exit(ctx, t, s, sellQuote, "lp-pull")
		}
	}

	if s.Mode == "time" && s.MaxHoldSec > 0 {
		elapsed := time.Since(time.UnixMilli(t.CreatedAt))
		if elapsed >= time.Duration(s.MaxHoldSec)*time.Second {
			if s.MinPnLBeforeTimeExitPct > 0 && t.InAmount > 0 {
				pnlPct := (float64(sellQuote.OutAmountLamports()) - float64(t.InAmount)) * 100 / float64(t.InAmount)
				if pnlPct < s.MinPnLBeforeTimeExitPct {
					log.Debug().
						Str("mint", t.Mint).
						Float64("pnlPct", pnlPct).
						Msg("time gate reached but pnl below floor, holding")
					return false
				}
			}
			return w.exit(ctx, t, s, sellQuote, "smart-time")
		}
	}

	return false
}

// exit closes the position once. Returns true when done; false means the
// attempt failed and the watcher keeps ticking. sellQuote is the live sell
// quote from the evaluating tick; exits that fired without one (authority
// flip) re-quote best-effort so the closed row still carries exit prices.
func (w *Watcher) exit(ctx context.Context, t *storage.Trade, s *ExitSettings, sellQuote *quote.Quote, reason string) bool {
	if s.RugDelayBlocks > 0 {
		select {
		case <-time.After(time.Duration(s.RugDelayBlocks) * blockTime):
		case <-ctx.Done():
			return false
		}
	}

	if sellQuote == nil && t.OutAmount > 0 {
		q, err := w.quotes.GetQuote(ctx, quote.Request{
			InputMint:   t.Mint,
			OutputMint:  t.InputMint,
			Amount:      t.OutAmount,
			SlippageBps: t.SlippageBps,
			Mode:        "sell",
		})
		if err == nil {
			sellQuote = q
		}
	}

	var hash string
	if s.IsPaper {
		hash = "paper-" + uuid.NewString()
	} else {
		var err error
		hash, err = w.runner.ExecuteTrade(ctx, UserCtx{UserID: t.UserID, WalletID: t.WalletID}, TradeParams{
			InputMint:   t.Mint,
			OutputMint:  t.InputMint,
			Amount:      t.OutAmount,
			SlippageBps: t.SlippageBps,
			Strategy:    t.Strategy,
			Type:        "sell",
			WalletLabel: t.WalletLabel,
		})
		if err != nil {
			log.Error().Err(err).Str("trade", t.ID).Str("reason", reason).Msg("smart-exit send failed")
			w.bumpRuleFailures(t)
			return false
		}
	}

	var exitPrice, exitPriceUSD float64
	if sellQuote != nil && t.OutAmount > 0 {
		sellOut := sellQuote.OutAmountLamports()
		exitPrice = float64(sellOut) / float64(t.OutAmount)
		if t.InAmount > 0 && t.EntryPriceUSD > 0 {
			// Exit proceeds scaled against the entry cost, both in the
			// input mint's units.
			exitPriceUSD = t.EntryPriceUSD * float64(sellOut) / float64(t.InAmount)
		}
	}
	if err := w.db.CloseTrade(t, exitPrice, exitPriceUSD, hash, reason); err != nil {
		log.Error().Err(err).Str("trade", t.ID).Msg("smart-exit close failed")
		return false
	}

	w.fireRules(t)
	w.metrics.IncLabel("exit_reason_total", reason)
	log.Info().
		Str("trade", t.ID).
		Str("reason", reason).
		Str("tx", hash).
		Msg("smart-exit fired")
	return true
}

func (w *Watcher) fireRules(t *storage.Trade) {
	rules, err := w.db.ActiveRules(t.UserID, t.WalletID, t.Mint)
	if err != nil {
		return
	}
	for _, r := range rules {
		if err := w.db.MarkRuleFired(r.ID); err != nil {
			log.Warn().Err(err).Str("rule", r.ID).Msg("rule fire transition failed")
		}
	}
}

func (w *Watcher) bumpRuleFailures(t *storage.Trade) {
	rules, err := w.db.ActiveRules(t.UserID, t.WalletID, t.Mint)
	if err != nil {
		return
	}
	for _, r := range rules {
		if err := w.db.BumpRuleFailCount(r.ID); err != nil {
			log.Warn().Err(err).Str("rule", r.ID).Msg("rule fail-count bump failed")
		}
	}
}
