package trading

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"solana-turbo-trader/internal/config"
	"solana-turbo-trader/internal/idempotency"
	"solana-turbo-trader/internal/leader"
	"solana-turbo-trader/internal/quote"
	"solana-turbo-trader/internal/rpcpool"
	"solana-turbo-trader/internal/session"
	"solana-turbo-trader/internal/sizing"
	"solana-turbo-trader/internal/storage"
	"solana-turbo-trader/internal/telemetry"
	"solana-turbo-trader/internal/wallet"
)

const dedupWindow = 60 * time.Second

// QuoteProvider fetches quotes and builds swap transactions.
type QuoteProvider interface {
	GetQuote(ctx context.Context, r quote.Request) (*quote.Quote, error)
	BuildSwapTransaction(ctx context.Context, q *quote.Quote, userPubkey string, opts quote.SwapOptions) (*quote.SwapResponse, error)
}

// TxSender is the quorum fan-out surface the executor needs.
type TxSender interface {
	SendRawTransactionQuorum(ctx context.Context, raw string, opts rpcpool.QuorumOpts) (string, error)
	WaitForConfirmation(ctx context.Context, signature string) error
	PrewarmAll(ctx context.Context)
	Rotate()
}

// RelaySender submits signed transactions to the private bundle relay.
// MarkConfirmed tells the relay the chain confirmed the signature first, so
// a later ack is not scored as a relay win.
type RelaySender interface {
	Send(ctx context.Context, rawTx, signature string) error
	MarkConfirmed(signature string)
}

// KeySource resolves wallet signing keys. wallet.KeySource satisfies it.
type KeySource interface {
	Armed(userID, walletID string) bool
	WithSigner(userID, walletID string, fn func(signer *wallet.Signer) error) error
}

// DevWatch runs the pre-quote creator heuristics. An empty reason means the
// mint passes.
type DevWatch interface {
	Check(ctx context.Context, mint string) (reason string, err error)
}

// UserCtx identifies the caller.
type UserCtx struct {
	UserID   string
	WalletID string
}

// TradeParams describes one buy or sell.
type TradeParams struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
	Strategy    string
	Type        string // "buy" or "sell", defaults to buy
	WalletLabel string
	Decimals    uint8

	// Optional sizing inputs. A zero PoolReserve skips the pool cap; a nil
	// Estimator skips the impact search.
	PoolReserve  uint64
	Estimator    sizing.Estimator
	UnitPriceUSD decimal.Decimal

	UseBundle         bool
	DirectAmmFallback bool
	LeaderWindows     []time.Time

	// Exit configures the smart-exit watcher for the position. It is
	// persisted in the trade row's extras; nil leaves the watcher idle until
	// settings are saved on the trade.
	Exit *ExitSettings
}

// TradeEvent is what post-trade consumers receive after the row commit.
type TradeEvent struct {
	Trade *storage.Trade
	Quote *quote.Quote
}

// Executor drives one trade end to end: gates, quote, sizing, leader hold,
// path selection, retry matrix, persistence and post-trade fan-out.
type Executor struct {
	cfg      *config.Manager
	db       *storage.DB
	quotes   QuoteProvider
	cache    *quote.WarmCache
	sender   TxSender
	relay    RelaySender
	keys     KeySource
	idem     *idempotency.Store
	devwatch DevWatch
	metrics  *telemetry.Metrics

	hookMu sync.Mutex
	hooks  []func(TradeEvent)
	events chan TradeEvent
	done   chan struct{}
	once   sync.Once
}

// NewExecutor wires the executor and starts the post-trade dispatcher.
// relay and devwatch may be nil.
func NewExecutor(cfg *config.Manager, db *storage.DB, quotes QuoteProvider, cache *quote.WarmCache,
	sender TxSender, relay RelaySender, keys KeySource, idem *idempotency.Store,
	devwatch DevWatch, metrics *telemetry.Metrics) *Executor {

	e := &Executor{
		cfg:      cfg,
		db:       db,
		quotes:   quotes,
		cache:    cache,
		sender:   sender,
		relay:    relay,
		keys:     keys,
		idem:     idem,
		devwatch: devwatch,
		metrics:  metrics,
		events:   make(chan TradeEvent, 64),
		done:     make(chan struct{}),
	}
	go e.dispatch()
	return e
}

// OnTrade registers a post-trade consumer. Consumers run on the dispatcher
// goroutine, never on the send path.
func (e *Executor) OnTrade(fn func(TradeEvent)) {
	e.hookMu.Lock()
	e.hooks = append(e.hooks, fn)
	e.hookMu.Unlock()
}

// Close stops the post-trade dispatcher.
func (e *Executor) Close() {
	e.once.Do(func() { close(e.done) })
}

func (e *Executor) dispatch() {
	for {
		select {
		case <-e.done:
			return
		case ev := <-e.events:
			e.hookMu.Lock()
			hooks := make([]func(TradeEvent), len(e.hooks))
			copy(hooks, e.hooks)
			e.hookMu.Unlock()
			for _, fn := range hooks {
				fn(ev)
			}
		}
	}
}

// ExecuteTrade runs the full pipeline and returns the transaction hash.
func (e *Executor) ExecuteTrade(ctx context.Context, user UserCtx, p TradeParams) (string, error) {
	if config.KillSwitch() {
		return "", ErrKillSwitch
	}
	if user.UserID == "" || user.WalletID == "" {
		return "", errors.New("trading: userId and walletId are required")
	}
	if p.Amount == 0 || p.InputMint == "" || p.OutputMint == "" {
		return "", errors.New("trading: inputMint, outputMint and amount are required")
	}
	if p.Type == "" {
		p.Type = "buy"
	}

	if err := e.checkArmed(user); err != nil {
		return "", err
	}

	if e.devwatch != nil {
		reason, err := e.devwatch.Check(ctx, p.OutputMint)
		if err != nil {
			return "", fmt.Errorf("risk gate: %w", err)
		}
		if reason != "" {
			return "", &Blocked{Reason: reason}
		}
	}

	cfg := e.cfg.Get()

	idKey := idempotency.Key(user.UserID, user.WalletID, p.OutputMint, p.Amount,
		idempotency.SlotBucket(time.Now(), cfg.Idempotency.SlotBucketMs), cfg.Idempotency.Salt)

	cached, err := e.idem.Begin(idKey)
	if err != nil {
		if errors.Is(err, idempotency.ErrInFlight) {
			return "", ErrDuplicateInFlight
		}
		return "", err
	}
	if cached != "" {
		log.Info().Str("idKey", idKey[:8]).Str("tx", cached).Msg("duplicate send, returning cached hash")
		return cached, nil
	}

	hash, err := e.execute(ctx, user, p, cfg, idKey)
	if err != nil {
		e.idem.Fail(idKey)
		return "", err
	}
	e.idem.Complete(idKey, hash)
	return hash, nil
}

// checkArmed enforces the arm requirement: protected wallets always need a
// session, unprotected ones only when the user turned require-arm on.
func (e *Executor) checkArmed(user UserCtx) error {
	if e.keys.Armed(user.UserID, user.WalletID) {
		return nil
	}

	w, err := e.db.GetWallet(user.WalletID)
	if err != nil {
		return fmt.Errorf("load wallet: %w", err)
	}
	if w == nil {
		return fmt.Errorf("wallet %s not found", user.WalletID)
	}
	if w.IsProtected {
		return session.ErrNotArmed
	}

	require, err := e.db.RequireArm(user.UserID)
	if err != nil {
		return err
	}
	if require {
		return session.ErrNotArmed
	}
	return nil
}

func (e *Executor) execute(ctx context.Context, user UserCtx, p TradeParams, cfg *config.Config, idKey string) (string, error) {
	if p.Type == "buy" {
		prior, err := e.db.RecentBuy(user.UserID, user.WalletID, p.OutputMint, p.Strategy, dedupWindow)
		if err != nil {
			return "", fmt.Errorf("dedup check: %w", err)
		}
		if prior != nil {
			log.Info().Str("mint", p.OutputMint).Str("tx", prior.TxHash).Msg("recent duplicate buy, returning prior hash")
			return prior.TxHash, nil
		}
	}

	q, err := e.freshQuote(ctx, p, p.Amount, cfg)
	if err != nil {
		return "", fmt.Errorf("quote: %w", err)
	}

	if p.UnitPriceUSD.IsZero() && p.InputMint == quote.SOLMint {
		// Fallback SOL price from the environment, per lamport.
		if price := config.SolPriceUSD(); price > 0 {
			p.UnitPriceUSD = decimal.NewFromFloat(price).Div(decimal.NewFromInt(1_000_000_000))
		}
	}

	sizeCfg := sizing.Config{
		MaxImpactPct: cfg.Sizing.MaxImpactPct,
		MaxPoolPct:   cfg.Sizing.MaxPoolPct,
	}
	if !p.UnitPriceUSD.IsZero() {
		// The USD floor only applies when a unit price is known.
		sizeCfg.MinUsd = cfg.Sizing.MinUsd
	}
	sized, err := sizing.SizeTrade(p.Amount, p.PoolReserve, p.UnitPriceUSD, p.Estimator, sizeCfg, e.metrics)
	if err != nil {
		return "", err
	}
	if sized != p.Amount {
		p.Amount = sized
		if q, err = e.freshQuote(ctx, p, sized, cfg); err != nil {
			return "", fmt.Errorf("re-quote after sizing: %w", err)
		}
	}

	if cfg.Leader.Enabled && len(p.LeaderWindows) > 0 {
		hold := leader.ComputeHold(time.Now(), p.LeaderWindows, leader.Timing{
			PreflightMs: int(cfg.Leader.PreflightMs),
			WindowSlots: cfg.Leader.WindowSlots,
			MaxHoldMs:   int(cfg.Leader.MaxHoldMs),
		}, e.metrics)
		if hold > 0 {
			select {
			case <-time.After(hold):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}

	e.sender.PrewarmAll(ctx)

	var hash string
	executedIn, executedOut := p.Amount, q.OutAmountLamports()
	if cfg.Probe.Enabled && p.Type == "buy" {
		hash, executedIn, executedOut, q, err = e.probeThenScale(ctx, user, p, cfg, q)
	} else {
		hash, err = e.sendWithRetry(ctx, user, p, cfg, q)
	}
	if err != nil {
		return "", err
	}

	e.persist(user, p, cfg, q, hash, executedIn, executedOut)
	return hash, nil
}

// freshQuote consults the warm cache first. Cache misses always hit the
// provider; the executor never sends against a stale quote.
func (e *Executor) freshQuote(ctx context.Context, p TradeParams, amount uint64, cfg *config.Config) (*quote.Quote, error) {
	req := quote.Request{
		InputMint:   p.InputMint,
		OutputMint:  p.OutputMint,
		Amount:      amount,
		SlippageBps: p.SlippageBps,
		Mode:        p.Type,
	}
	if q := e.cache.Get(req); q != nil {
		return q, nil
	}

	q, err := e.quotes.GetQuote(ctx, req)
	if err != nil {
		return nil, err
	}
	e.cache.Put(req, q, time.Duration(cfg.QuoteCache.TTLMs)*time.Millisecond)
	return q, nil
}

// initialRoute applies the path precedence: bundle relay when requested,
// direct AMM when the aggregator is slow and the fallback is allowed, else
// the aggregator.
func (e *Executor) initialRoute(p TradeParams, cfg *config.Config, q *quote.Quote) SendRoute {
	if p.UseBundle && e.relay != nil {
		return RouteBundle
	}
	if p.DirectAmmFallback && cfg.Quote.DirectAmmLatencyMs > 0 &&
		q.Latency > time.Duration(cfg.Quote.DirectAmmLatencyMs)*time.Millisecond {
		return RouteDirect
	}
	return RouteAggregator
}

// sendWithRetry signs and sends one quote under the retry matrix. Quote and
// blockhash are refreshed on every attempt after the first.
func (e *Executor) sendWithRetry(ctx context.Context, user UserCtx, p TradeParams, cfg *config.Config, q *quote.Quote) (string, error) {
	dims := SendDims{
		CUPriceMicroLamports: 0, // dynamic estimation on the first attempt
		TipLamports:          cfg.Fees.TipLamports,
		Route:                e.initialRoute(p, cfg, q),
	}

	current := q
	return RunRetry(ctx, RetryPolicy{
		Max:              cfg.Retry.Max,
		BackoffBaseMs:    cfg.Retry.BackoffBaseMs,
		BackoffMaxMs:     cfg.Retry.BackoffMaxMs,
		CuBumpUnits:      cfg.Retry.CuBumpUnits,
		TipBumpLamports:  cfg.Retry.TipBumpLamports,
		AllowRouteToggle: cfg.Retry.AllowRouteToggle && e.relay != nil,
	}, dims, e.sender.Rotate, func(ctx context.Context, attempt int, dims SendDims) (string, error) {
		if attempt > 0 {
			fresh, err := e.quotes.GetQuote(ctx, quote.Request{
				InputMint:   p.InputMint,
				OutputMint:  p.OutputMint,
				Amount:      p.Amount,
				SlippageBps: p.SlippageBps,
				Mode:        p.Type,
			})
			if err != nil {
				return "", err
			}
			current = fresh
			e.sender.PrewarmAll(ctx)
		}
		return e.sendOnce(ctx, user, cfg, current, dims)
	}, e.metrics)
}

// sendOnce builds, signs and dispatches one attempt on the given route.
func (e *Executor) sendOnce(ctx context.Context, user UserCtx, cfg *config.Config, q *quote.Quote, dims SendDims) (string, error) {
	var hash string
	err := e.keys.WithSigner(user.UserID, user.WalletID, func(signer *wallet.Signer) error {
		swap, err := e.quotes.BuildSwapTransaction(ctx, q, signer.Pubkey(), quote.SwapOptions{
			ComputeUnitPriceMicroLamports: dims.CUPriceMicroLamports,
			PriorityFeeLamports:           cfg.Fees.PriorityFeeLamports,
			TipLamports:                   dims.TipLamports,
		})
		if err != nil {
			return err
		}

		signed, err := signer.SignSerializedTransaction(swap.SwapTransaction)
		if err != nil {
			return err
		}

		if dims.Route == RouteBundle {
			sig, err := firstSignature(signed)
			if err != nil {
				return err
			}
			if err := e.relay.Send(ctx, signed, sig); err != nil {
				return err
			}
			go e.watchBundleConfirmation(sig)
			hash = sig
			return nil
		}

		hash, err = e.sender.SendRawTransactionQuorum(ctx, signed, rpcpool.QuorumOpts{
			Quorum:    cfg.Quorum.Require,
			MaxFanout: cfg.Quorum.MaxFanout,
			StaggerMs: cfg.Quorum.StaggerMs,
			TimeoutMs: cfg.Quorum.TimeoutMs,
		})
		return err
	})
	return hash, err
}

// probeThenScale sends a micro-buy, re-quotes to observe live impact, and
// only then commits the remainder. Both legs share the trade's idKey. The
// returned in/out amounts cover exactly the executed legs: the probe alone
// on an abort, probe plus scale on success.
func (e *Executor) probeThenScale(ctx context.Context, user UserCtx, p TradeParams, cfg *config.Config, q *quote.Quote) (string, uint64, uint64, *quote.Quote, error) {
	probeAmount := sizing.ProbeSize(p.Amount, cfg.Probe.ScaleFactor)
	if probeAmount == 0 || probeAmount >= p.Amount {
		hash, err := e.sendWithRetry(ctx, user, p, cfg, q)
		return hash, p.Amount, q.OutAmountLamports(), q, err
	}

	probeParams := p
	probeParams.Amount = probeAmount
	probeQuote, err := e.freshQuote(ctx, probeParams, probeAmount, cfg)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("probe quote: %w", err)
	}
	probeHash, err := e.sendWithRetry(ctx, user, probeParams, cfg, probeQuote)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("probe send: %w", err)
	}

	remainder := p.Amount - probeAmount
	scaleParams := p
	scaleParams.Amount = remainder
	liveQuote, err := e.quotes.GetQuote(ctx, quote.Request{
		InputMint:   p.InputMint,
		OutputMint:  p.OutputMint,
		Amount:      remainder,
		SlippageBps: p.SlippageBps,
		Mode:        p.Type,
	})
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("post-probe quote: %w", err)
	}

	if impact := liveQuote.Impact() * 100; impact > cfg.Probe.AbortOnImpactPct {
		e.metrics.Inc("probe_abort_total")
		log.Warn().
			Float64("impactPct", impact).
			Float64("abortAt", cfg.Probe.AbortOnImpactPct).
			Msg("probe observed excessive impact, scale leg aborted")
		// Only the probe leg executed; the position on chain is the probe.
		return probeHash, probeAmount, probeQuote.OutAmountLamports(), probeQuote, nil
	}

	if cfg.Probe.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(cfg.Probe.DelayMs) * time.Millisecond):
		case <-ctx.Done():
			return "", 0, 0, nil, ctx.Err()
		}
	}

	scaleHash, err := e.sendWithRetry(ctx, user, scaleParams, cfg, liveQuote)
	if err != nil {
		return "", 0, 0, nil, fmt.Errorf("scale send: %w", err)
	}
	e.metrics.Inc("probe_scale_success_total")
	totalOut := probeQuote.OutAmountLamports() + liveQuote.OutAmountLamports()
	return scaleHash, p.Amount, totalOut, liveQuote, nil
}

// persist writes the trade row and queues post-trade work. The amounts are
// the executed totals across every leg, not the requested size. A write
// failure never unwinds the completed on-chain send.
func (e *Executor) persist(user UserCtx, p TradeParams, cfg *config.Config, q *quote.Quote, hash string, inAmount, outAmount uint64) {
	entryPrice := 0.0
	if outAmount > 0 {
		entryPrice = float64(inAmount) / float64(outAmount)
	}

	extras := ""
	if p.Exit != nil {
		if b, err := json.Marshal(p.Exit); err == nil {
			extras = string(b)
		}
	}
	mevMode := "quorum"
	if p.UseBundle && e.relay != nil {
		mevMode = "bundle"
	}

	t := &storage.Trade{
		UserID:              user.UserID,
		WalletID:            user.WalletID,
		WalletLabel:         p.WalletLabel,
		Mint:                p.OutputMint,
		Strategy:            p.Strategy,
		Type:                p.Type,
		InAmount:            inAmount,
		OutAmount:           outAmount,
		EntryPrice:          entryPrice,
		TxHash:              hash,
		InputMint:           p.InputMint,
		OutputMint:          p.OutputMint,
		Decimals:            p.Decimals,
		SlippageBps:         p.SlippageBps,
		MevMode:             mevMode,
		PriorityFeeLamports: cfg.Fees.PriorityFeeLamports,
		TipLamports:         cfg.Fees.TipLamports,
		Extras:              extras,
	}
	if !p.UnitPriceUSD.IsZero() {
		t.EntryPriceUSD, _ = p.UnitPriceUSD.Mul(decimal.NewFromUint64(inAmount)).Float64()
	}

	if err := e.db.InsertTrade(t); err != nil {
		log.Error().Err(err).Str("tx", hash).Msg("trade persist failed after on-chain success")
	}

	select {
	case e.events <- TradeEvent{Trade: t, Quote: q}:
	default:
		log.Warn().Str("tx", hash).Msg("post-trade queue full, event dropped")
	}
}

// watchBundleConfirmation waits for a relayed signature to confirm on-chain
// and then tells the relay, so an ack arriving after the confirmation is not
// scored as a relay win.
func (e *Executor) watchBundleConfirmation(sig string) {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	go func() {
		select {
		case <-e.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := e.sender.WaitForConfirmation(ctx, sig); err != nil {
		return
	}
	e.relay.MarkConfirmed(sig)
}

// firstSignature extracts the fee payer's signature from a signed serialized
// transaction, base58-encoded as the network reports tx hashes.
func firstSignature(signedTxBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(signedTxBase64)
	if err != nil {
		return "", err
	}
	if len(raw) < 65 || raw[0] == 0 {
		return "", errors.New("trading: transaction carries no signature")
	}
	return base58.Encode(raw[1:65]), nil
}
