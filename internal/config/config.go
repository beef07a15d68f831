package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the full backend configuration, one section per component.
// Unknown keys in the file are rejected at load time.
type Config struct {
	Server      ServerConfig       `mapstructure:"server"`
	Envelope    EnvelopeConfig     `mapstructure:"envelope"`
	Session     SessionConfig      `mapstructure:"session"`
	AutoReturn  AutoReturnConfig   `mapstructure:"auto_return"`
	Idempotency IdempotencyConfig  `mapstructure:"idempotency"`
	Quote       QuoteConfig        `mapstructure:"quote"`
	QuoteCache  QuoteCacheConfig   `mapstructure:"quote_cache"`
	Sizing      SizingConfig       `mapstructure:"sizing"`
	Probe       ProbeConfig        `mapstructure:"probe"`
	Leader      LeaderTimingConfig `mapstructure:"leader_timing"`
	Retry       RetryPolicy        `mapstructure:"retry"`
	Quorum      QuorumConfig       `mapstructure:"quorum"`
	Relay       RelayConfig        `mapstructure:"relay"`
	Watcher     WatcherConfig      `mapstructure:"watcher"`
	Fees        FeesConfig         `mapstructure:"fees"`
	Storage     StorageConfig      `mapstructure:"storage"`
	Alerts      AlertsConfig       `mapstructure:"alerts"`
}

type ServerConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

type EnvelopeConfig struct {
	ServerSecretEnv string `mapstructure:"server_secret_env"`
}

type SessionConfig struct {
	DefaultTTLMinutes int `mapstructure:"default_ttl_minutes"`
	SweepIntervalSec  int `mapstructure:"sweep_interval_sec"`
}

// AutoReturnConfig carries the process-wide defaults; per-user settings
// live in storage and are merged at fire time.
type AutoReturnConfig struct {
	EnabledDefault     bool     `mapstructure:"enabled_default"`
	GraceSeconds       int      `mapstructure:"grace_seconds"`
	SweepTokens        bool     `mapstructure:"sweep_tokens"`
	SolMinKeepLamports uint64   `mapstructure:"sol_min_keep_lamports"`
	FeeBufferLamports  uint64   `mapstructure:"fee_buffer_lamports"`
	ExcludeMints       []string `mapstructure:"exclude_mints"`
	UsdcMints          []string `mapstructure:"usdc_mints"`
}

type IdempotencyConfig struct {
	TTLSec       int    `mapstructure:"ttl_sec"`
	Salt         string `mapstructure:"salt"`
	ResumePath   string `mapstructure:"resume_path"`
	SlotBucketMs int64  `mapstructure:"slot_bucket_ms"`
}

type QuoteConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	SlippageBps    int    `mapstructure:"slippage_bps"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	APIKeysEnv     string `mapstructure:"api_keys_env"`
	// Quote latency above this threshold makes direct AMM fallback eligible.
	DirectAmmLatencyMs int64 `mapstructure:"direct_amm_latency_ms"`
}

type QuoteCacheConfig struct {
	TTLMs    int `mapstructure:"ttl_ms"`
	Capacity int `mapstructure:"capacity"`
}

type SizingConfig struct {
	MaxImpactPct float64 `mapstructure:"max_impact_pct"`
	MaxPoolPct   float64 `mapstructure:"max_pool_pct"`
	MinUsd       float64 `mapstructure:"min_usd"`
}

type ProbeConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	ScaleFactor      int     `mapstructure:"scale_factor"`
	AbortOnImpactPct float64 `mapstructure:"abort_on_impact_pct"`
	DelayMs          int     `mapstructure:"delay_ms"`
}

type LeaderTimingConfig struct {
	Enabled     bool  `mapstructure:"enabled"`
	PreflightMs int64 `mapstructure:"preflight_ms"`
	WindowSlots int   `mapstructure:"window_slots"`
	MaxHoldMs   int64 `mapstructure:"max_hold_ms"`
}

type RetryPolicy struct {
	Max              int    `mapstructure:"max"`
	BackoffBaseMs    int    `mapstructure:"backoff_base_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	CuBumpUnits      uint64 `mapstructure:"cu_bump_units"`
	TipBumpLamports  uint64 `mapstructure:"tip_bump_lamports"`
	AllowRouteToggle bool   `mapstructure:"allow_route_toggle"`
}

type QuorumConfig struct {
	Endpoints      []string `mapstructure:"endpoints"`
	Require        int      `mapstructure:"require"`
	MaxFanout      int      `mapstructure:"max_fanout"`
	StaggerMs      int      `mapstructure:"stagger_ms"`
	TimeoutMs      int      `mapstructure:"timeout_ms"`
	BlockhashTTLMs int      `mapstructure:"blockhash_ttl_ms"`
}

type RelayConfig struct {
	BundleURL   string `mapstructure:"bundle_url"`
	AckWSURL    string `mapstructure:"ack_ws_url"`
	TipLamports uint64 `mapstructure:"tip_lamports"`
}

type WatcherConfig struct {
	IntervalSec    int `mapstructure:"interval_sec"`
	RugDelayBlocks int `mapstructure:"rug_delay_blocks"`
}

type FeesConfig struct {
	PriorityFeeLamports uint64 `mapstructure:"priority_fee_lamports"`
	TipLamports         uint64 `mapstructure:"tip_lamports"`
	MaxPriorityLamports uint64 `mapstructure:"max_priority_lamports"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type AlertsConfig struct {
	WebhookURL string `mapstructure:"webhook_url"`
}

// Manager handles config loading, env overrides and hot-reload.
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager loads the config file, applies defaults and env overrides.
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg, err := unmarshalStrict(v)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		config: cfg,
		viper:  v,
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_host", "127.0.0.1")
	v.SetDefault("server.listen_port", 8787)
	v.SetDefault("envelope.server_secret_env", "ENCRYPTION_SECRET")
	v.SetDefault("session.default_ttl_minutes", 240)
	v.SetDefault("session.sweep_interval_sec", 5)
	v.SetDefault("auto_return.grace_seconds", 30)
	v.SetDefault("auto_return.sol_min_keep_lamports", 5_000_000)
	v.SetDefault("auto_return.fee_buffer_lamports", 2_000_000)
	v.SetDefault("idempotency.ttl_sec", 90)
	v.SetDefault("idempotency.slot_bucket_ms", 2000)
	v.SetDefault("idempotency.resume_path", "./data/idempotency.json")
	v.SetDefault("quote.base_url", "https://api.jup.ag/swap/v1")
	v.SetDefault("quote.slippage_bps", 50)
	v.SetDefault("quote.timeout_seconds", 10)
	v.SetDefault("quote.api_keys_env", "QUOTE_API_KEYS")
	v.SetDefault("quote.direct_amm_latency_ms", 350)
	v.SetDefault("quote_cache.ttl_ms", 600)
	v.SetDefault("quote_cache.capacity", 512)
	v.SetDefault("sizing.max_impact_pct", 5.0)
	v.SetDefault("sizing.max_pool_pct", 10.0)
	v.SetDefault("sizing.min_usd", 1.0)
	v.SetDefault("probe.scale_factor", 4)
	v.SetDefault("probe.abort_on_impact_pct", 8.0)
	v.SetDefault("probe.delay_ms", 400)
	v.SetDefault("leader_timing.preflight_ms", 120)
	v.SetDefault("leader_timing.window_slots", 4)
	v.SetDefault("leader_timing.max_hold_ms", 2000)
	v.SetDefault("retry.max", 3)
	v.SetDefault("retry.backoff_base_ms", 100)
	v.SetDefault("retry.backoff_max_ms", 1500)
	v.SetDefault("retry.cu_bump_units", 200_000)
	v.SetDefault("retry.tip_bump_lamports", 100_000)
	v.SetDefault("retry.allow_route_toggle", true)
	v.SetDefault("quorum.require", 2)
	v.SetDefault("quorum.max_fanout", 4)
	v.SetDefault("quorum.stagger_ms", 25)
	v.SetDefault("quorum.timeout_ms", 4000)
	v.SetDefault("quorum.blockhash_ttl_ms", 30_000)
	v.SetDefault("watcher.interval_sec", 2)
	v.SetDefault("watcher.rug_delay_blocks", 0)
	v.SetDefault("fees.priority_fee_lamports", 500_000)
	v.SetDefault("fees.tip_lamports", 100_000)
	v.SetDefault("fees.max_priority_lamports", 1_250_000)
	v.SetDefault("storage.sqlite_path", "./data/trader.db")
}

func unmarshalStrict(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides maps the documented env flags onto the config.
func applyEnvOverrides(cfg *Config) {
	if s := os.Getenv("IDEMPOTENCY_TTL_SEC"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Idempotency.TTLSec = n
		}
	}
	if s := os.Getenv("IDEMPOTENCY_SALT"); s != "" {
		cfg.Idempotency.Salt = s
	}
	if s := os.Getenv("RPC_POOL_ENDPOINTS"); s != "" {
		var eps []string
		for _, e := range strings.Split(s, ",") {
			if e = strings.TrimSpace(e); e != "" {
				eps = append(eps, e)
			}
		}
		cfg.Quorum.Endpoints = eps
	}
	if s := os.Getenv("RPC_POOL_QUORUM"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Quorum.Require = n
		}
	}
	if s := os.Getenv("RPC_POOL_MAX_FANOUT"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Quorum.MaxFanout = n
		}
	}
	if s := os.Getenv("RPC_POOL_STAGGER_MS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			cfg.Quorum.StaggerMs = n
		}
	}
	if s := os.Getenv("RPC_POOL_TIMEOUT_MS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			cfg.Quorum.TimeoutMs = n
		}
	}
}

func validate(cfg *Config) error {
	if cfg.Session.DefaultTTLMinutes < 1 {
		cfg.Session.DefaultTTLMinutes = 240
	}
	if len(cfg.Quorum.Endpoints) > 0 && cfg.Quorum.Require > len(cfg.Quorum.Endpoints) {
		return fmt.Errorf("config: quorum.require %d exceeds endpoint count %d", cfg.Quorum.Require, len(cfg.Quorum.Endpoints))
	}
	if cfg.Retry.Max < 1 {
		cfg.Retry.Max = 3
	}
	if cfg.Watcher.IntervalSec < 1 {
		cfg.Watcher.IntervalSec = 1
	}
	return nil
}

// Get returns the current config (thread-safe).
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback for hot reloads.
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := unmarshalStrict(m.viper)
	if err != nil {
		log.Error().Err(err).Msg("failed to reload config, keeping previous")
		return
	}

	m.config = cfg
	if m.onChange != nil {
		m.onChange(cfg)
	}
}

// KillSwitch reports whether the global halt flag is set. Checked on every
// trade attempt, so it reads the environment directly.
func KillSwitch() bool {
	return os.Getenv("KILL_SWITCH") == "1"
}

// SolPriceUSD returns the fallback SOL price used by the sizer when no
// live price is available.
func SolPriceUSD() float64 {
	if s := os.Getenv("SOL_PRICE_USD"); s != "" {
		if p, err := strconv.ParseFloat(s, 64); err == nil && p > 0 {
			return p
		}
	}
	return 0
}

// ServerSecret loads the envelope server secret from the configured env var.
func (m *Manager) ServerSecret() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return []byte(os.Getenv(m.config.Envelope.ServerSecretEnv))
}

// APIKeys returns the quote provider API keys from the environment.
func (m *Manager) APIKeys() []string {
	m.mu.RLock()
	env := m.config.Quote.APIKeysEnv
	m.mu.RUnlock()

	if s := os.Getenv(env); s != "" {
		return strings.Split(s, ",")
	}
	return nil
}

// SessionTTL returns the default arm TTL as a duration.
func (m *Manager) SessionTTL() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Session.DefaultTTLMinutes) * time.Minute
}

// QuoteTimeout returns the quote request timeout as a duration.
func (m *Manager) QuoteTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Quote.TimeoutSeconds) * time.Second
}
