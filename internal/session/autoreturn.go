package session

import (
	"context"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
)

// ReturnSettings is the per-user auto-return configuration loaded from
// persistence when a session expires.
type ReturnSettings struct {
	Enabled            bool     `json:"enabled"`
	DestPubkey         string   `json:"destPubkey"`
	GraceSeconds       int      `json:"graceSeconds"`
	SweepTokens        bool     `json:"sweepTokens"`
	SolMinKeepLamports uint64   `json:"solMinKeepLamports"`
	FeeBufferLamports  uint64   `json:"feeBufferLamports"`
	ExcludeMints       []string `json:"excludeMints"`
	UsdcMints          []string `json:"usdcMints"`
}

// Override is the optional per-session tweak recorded at arm time. Nil
// fields fall back to the stored settings.
type Override struct {
	Enabled    *bool
	DestPubkey string
}

// SettingsSource loads auto-return settings and records the one-shot
// triggered flag after a sweep.
type SettingsSource interface {
	AutoReturnSettings(userID string) (*ReturnSettings, error)
	MarkAutoReturnTriggered(userID, walletID string) error
}

// Sweeper moves the wallet's funds to the configured destination.
type Sweeper interface {
	Sweep(ctx context.Context, userID, walletID string, cfg ReturnSettings) error
}

// Scheduler owns one-shot timers that fire a grace period after each armed
// session expires. Reschedule replaces the pending timer; Cancel drops it.
type Scheduler struct {
	mu     sync.Mutex
	timers map[string]*pending

	settings SettingsSource
	sweeper  Sweeper

	sweepTimeout time.Duration
}

type pending struct {
	timer    *time.Timer
	override *Override
}

func NewScheduler(settings SettingsSource, sweeper Sweeper) *Scheduler {
	return &Scheduler{
		timers:       make(map[string]*pending),
		settings:     settings,
		sweeper:      sweeper,
		sweepTimeout: 60 * time.Second,
	}
}

// Schedule arms (or re-arms) the return timer for a session expiring at
// expiresAt. The fire time is expiresAt plus the user's grace period. A nil
// override on a reschedule keeps the override recorded at arm time.
func (s *Scheduler) Schedule(userID, walletID string, expiresAt time.Time, override *Override) {
	grace := 0
	if cfg, err := s.settings.AutoReturnSettings(userID); err == nil && cfg != nil {
		grace = cfg.GraceSeconds
	}
	fireAt := expiresAt.Add(time.Duration(grace) * time.Second)

	k := key(userID, walletID)

	s.mu.Lock()
	if prev, ok := s.timers[k]; ok {
		prev.timer.Stop()
		if override == nil {
			override = prev.override
		}
	}
	p := &pending{override: override}
	p.timer = time.AfterFunc(time.Until(fireAt), func() {
		s.fire(userID, walletID)
	})
	s.timers[k] = p
	s.mu.Unlock()
}

// Cancel removes any pending fire for the session.
func (s *Scheduler) Cancel(userID, walletID string) {
	s.mu.Lock()
	if p, ok := s.timers[key(userID, walletID)]; ok {
		p.timer.Stop()
		delete(s.timers, key(userID, walletID))
	}
	s.mu.Unlock()
}

// Close cancels every pending timer.
func (s *Scheduler) Close() {
	s.mu.Lock()
	for k, p := range s.timers {
		p.timer.Stop()
		delete(s.timers, k)
	}
	s.mu.Unlock()
}

func (s *Scheduler) fire(userID, walletID string) {
	k := key(userID, walletID)

	s.mu.Lock()
	p, ok := s.timers[k]
	if ok {
		delete(s.timers, k)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	cfg, err := s.settings.AutoReturnSettings(userID)
	if err != nil {
		log.Error().Err(err).Str("user", userID).Msg("Auto-return settings load failed")
		return
	}
	merged := ReturnSettings{}
	if cfg != nil {
		merged = *cfg
	}
	if p.override != nil {
		if p.override.Enabled != nil {
			merged.Enabled = *p.override.Enabled
		}
		if p.override.DestPubkey != "" {
			merged.DestPubkey = p.override.DestPubkey
		}
	}

	if !merged.Enabled {
		return
	}
	if _, err := solana.PublicKeyFromBase58(merged.DestPubkey); err != nil {
		log.Warn().
			Str("user", userID).
			Str("dest", merged.DestPubkey).
			Msg("Auto-return skipped: invalid destination")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sweepTimeout)
	defer cancel()

	if err := s.sweeper.Sweep(ctx, userID, walletID, merged); err != nil {
		log.Error().Err(err).
			Str("user", userID).
			Str("wallet", walletID).
			Msg("Auto-return sweep failed")
		return
	}

	if err := s.settings.MarkAutoReturnTriggered(userID, walletID); err != nil {
		log.Error().Err(err).Str("wallet", walletID).Msg("Auto-return flag write failed")
	}
	log.Info().Str("user", userID).Str("wallet", walletID).Msg("Auto-return swept")
}
