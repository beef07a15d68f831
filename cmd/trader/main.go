package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"solana-turbo-trader/internal/alerts"
	"solana-turbo-trader/internal/api"
	"solana-turbo-trader/internal/config"
	"solana-turbo-trader/internal/idempotency"
	"solana-turbo-trader/internal/quote"
	"solana-turbo-trader/internal/relay"
	"solana-turbo-trader/internal/rpcpool"
	"solana-turbo-trader/internal/session"
	"solana-turbo-trader/internal/storage"
	"solana-turbo-trader/internal/telemetry"
	"solana-turbo-trader/internal/trading"
	"solana-turbo-trader/internal/wallet"
)

func main() {
	setupLogger()
	log.Info().Msg("🚀 Turbo trader starting...")

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	metrics := telemetry.New()

	db, err := storage.NewDB(cfg.Get().Storage.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize database")
	}

	quorumCfg := cfg.Get().Quorum
	if len(quorumCfg.Endpoints) == 0 {
		log.Fatal().Msg("no RPC endpoints configured (quorum.endpoints or RPC_POOL_ENDPOINTS)")
	}
	pool, err := rpcpool.NewPool(
		quorumCfg.Endpoints,
		"",
		time.Duration(quorumCfg.TimeoutMs)*time.Millisecond,
		time.Duration(quorumCfg.BlockhashTTLMs)*time.Millisecond,
		metrics,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize RPC pool")
	}

	quoteCfg := cfg.Get().Quote
	quotes := quote.NewClient(quoteCfg.BaseURL, cfg.QuoteTimeout(), cfg.APIKeys())
	warmCache := quote.NewWarmCache(cfg.Get().QuoteCache.Capacity)

	idemCfg := cfg.Get().Idempotency
	idem, err := idempotency.NewStore(
		idemCfg.ResumePath,
		time.Duration(idemCfg.TTLSec)*time.Second,
		metrics,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize idempotency store")
	}

	sweepInterval := time.Duration(cfg.Get().Session.SweepIntervalSec) * time.Second
	sessions := session.NewCache(sweepInterval, func(userID, walletID string) {
		metrics.Inc("wallet_armed_total")
	}, nil)
	keys := wallet.NewKeySource(db, sessions, cfg.ServerSecret())
	sweeper := wallet.NewSweeper(db, pool, keys, rpcpool.QuorumOpts{
		Quorum:    quorumCfg.Require,
		MaxFanout: quorumCfg.MaxFanout,
		StaggerMs: quorumCfg.StaggerMs,
		TimeoutMs: quorumCfg.TimeoutMs,
	})
	scheduler := session.NewScheduler(db, sweeper)

	// Bundle relay is optional; without it every send goes through the
	// quorum fan-out.
	var relayClient *relay.Client
	var relaySender trading.RelaySender
	if rc := cfg.Get().Relay; rc.BundleURL != "" {
		relayClient = relay.NewClient(rc.BundleURL, rc.AckWSURL, 10*time.Second, metrics)
		relaySender = relayClient
	}

	executor := trading.NewExecutor(cfg, db, quotes, warmCache, pool, relaySender, keys, idem, nil, metrics)
	watcher := trading.NewWatcher(cfg, db, quotes, pool, executor, metrics)

	var notifier alerts.Notifier
	if url := cfg.Get().Alerts.WebhookURL; url != "" {
		notifier = alerts.NewWebhookNotifier(url)
	}
	dispatcher := alerts.NewDispatcher(notifier)

	executor.OnTrade(func(ev trading.TradeEvent) {
		if ev.Trade.Type == "buy" {
			rule := &storage.TpSlRule{
				UserID:     ev.Trade.UserID,
				WalletID:   ev.Trade.WalletID,
				Mint:       ev.Trade.Mint,
				Strategy:   ev.Trade.Strategy,
				EntryPrice: ev.Trade.EntryPrice,
				Enabled:    true,
			}
			if err := db.InsertRule(rule); err != nil {
				log.Error().Err(err).Str("tx", ev.Trade.TxHash).Msg("guardian rule insert failed")
			}
			watcher.Watch(ev.Trade)
		}
		dispatcher.Send(alerts.Alert{
			Kind:     "trade-filled",
			UserID:   ev.Trade.UserID,
			WalletID: ev.Trade.WalletID,
			Mint:     ev.Trade.Mint,
			TxHash:   ev.Trade.TxHash,
			Amount:   ev.Trade.InAmount,
		})
	})

	server := api.NewServer(cfg, db, sessions, scheduler)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("API server failed")
		}
	}()

	// Re-attach exit watchers for positions left open by the last run.
	if err := watcher.Bootstrap(); err != nil {
		log.Error().Err(err).Msg("failed to bootstrap open position watchers")
	}

	log.Info().
		Str("host", cfg.Get().Server.ListenHost).
		Int("port", cfg.Get().Server.ListenPort).
		Int("rpc_endpoints", pool.Size()).
		Msg("trading engine initialized")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down...")
	server.Shutdown()
	watcher.Close()
	executor.Close()
	dispatcher.Close()
	scheduler.Close()
	sessions.Close()
	if relayClient != nil {
		relayClient.Close()
	}
	idem.Close()
	db.Close()
	log.Info().Msg("goodbye 👋")
}

func setupLogger() {
	log.Logger = zerolog.New(
		zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"},
	).With().Timestamp().Logger()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "1" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
