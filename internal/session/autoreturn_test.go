package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

const validDest = "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU"

type fakeSettings struct {
	mu        sync.Mutex
	cfg       *ReturnSettings
	triggered []string
}

func (f *fakeSettings) AutoReturnSettings(userID string) (*ReturnSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg, nil
}

func (f *fakeSettings) MarkAutoReturnTriggered(userID, walletID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, walletID)
	return nil
}

type fakeSweeper struct {
	swept chan ReturnSettings
}

func (f *fakeSweeper) Sweep(ctx context.Context, userID, walletID string, cfg ReturnSettings) error {
	f.swept <- cfg
	return nil
}

func TestScheduleFires(t *testing.T) {
	settings := &fakeSettings{cfg: &ReturnSettings{
		Enabled:            true,
		DestPubkey:         validDest,
		SolMinKeepLamports: 5000,
	}}
	sweeper := &fakeSweeper{swept: make(chan ReturnSettings, 1)}
	s := NewScheduler(settings, sweeper)
	defer s.Close()

	s.Schedule("u", "w", time.Now().Add(-time.Second), nil)

	select {
	case cfg := <-sweeper.swept:
		if cfg.DestPubkey != validDest {
			t.Fatalf("swept to %q", cfg.DestPubkey)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler never fired")
	}

	settings.mu.Lock()
	defer settings.mu.Unlock()
	if len(settings.triggered) != 1 || settings.triggered[0] != "w" {
		t.Fatalf("triggered flag not recorded: %v", settings.triggered)
	}
}

func TestCancelPreventsFire(t *testing.T) {
	settings := &fakeSettings{cfg: &ReturnSettings{Enabled: true, DestPubkey: validDest}}
	sweeper := &fakeSweeper{swept: make(chan ReturnSettings, 1)}
	s := NewScheduler(settings, sweeper)
	defer s.Close()

	s.Schedule("u", "w", time.Now().Add(50*time.Millisecond), nil)
	s.Cancel("u", "w")

	select {
	case <-sweeper.swept:
		t.Fatal("cancelled timer fired")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestRescheduleReplacesTimer(t *testing.T) {
	settings := &fakeSettings{cfg: &ReturnSettings{Enabled: true, DestPubkey: validDest}}
	sweeper := &fakeSweeper{swept: make(chan ReturnSettings, 2)}
	s := NewScheduler(settings, sweeper)
	defer s.Close()

	s.Schedule("u", "w", time.Now().Add(time.Hour), nil)
	s.Schedule("u", "w", time.Now().Add(-time.Second), nil)

	select {
	case <-sweeper.swept:
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled timer never fired")
	}
	select {
	case <-sweeper.swept:
		t.Fatal("old timer fired as well")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOverrideMerge(t *testing.T) {
	// Stored settings disabled; the per-session override turns it on and
	// redirects the destination.
	settings := &fakeSettings{cfg: &ReturnSettings{Enabled: false, DestPubkey: ""}}
	sweeper := &fakeSweeper{swept: make(chan ReturnSettings, 1)}
	s := NewScheduler(settings, sweeper)
	defer s.Close()

	enabled := true
	s.Schedule("u", "w", time.Now().Add(-time.Second), &Override{
		Enabled:    &enabled,
		DestPubkey: validDest,
	})

	select {
	case cfg := <-sweeper.swept:
		if !cfg.Enabled || cfg.DestPubkey != validDest {
			t.Fatalf("override not applied: %+v", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("override-enabled fire never happened")
	}
}

func TestRescheduleKeepsArmTimeOverride(t *testing.T) {
	// Stored settings would never sweep; only the arm-time override enables
	// the return. An extend reschedules with no override of its own.
	settings := &fakeSettings{cfg: &ReturnSettings{Enabled: false}}
	sweeper := &fakeSweeper{swept: make(chan ReturnSettings, 1)}
	s := NewScheduler(settings, sweeper)
	defer s.Close()

	enabled := true
	s.Schedule("u", "w", time.Now().Add(time.Hour), &Override{
		Enabled:    &enabled,
		DestPubkey: validDest,
	})
	s.Schedule("u", "w", time.Now().Add(-time.Second), nil)

	select {
	case cfg := <-sweeper.swept:
		if !cfg.Enabled || cfg.DestPubkey != validDest {
			t.Fatalf("arm-time override lost on reschedule: %+v", cfg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled timer never fired")
	}
}

func TestDisabledAndInvalidDest(t *testing.T) {
	cases := []struct {
		name string
		cfg  *ReturnSettings
	}{
		{"disabled", &ReturnSettings{Enabled: false, DestPubkey: validDest}},
		{"invalid dest", &ReturnSettings{Enabled: true, DestPubkey: "not-a-pubkey"}},
		{"no settings", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			settings := &fakeSettings{cfg: tc.cfg}
			sweeper := &fakeSweeper{swept: make(chan ReturnSettings, 1)}
			s := NewScheduler(settings, sweeper)
			defer s.Close()

			s.Schedule("u", "w", time.Now().Add(-time.Second), nil)

			select {
			case <-sweeper.swept:
				t.Fatal("sweep must not run")
			case <-time.After(300 * time.Millisecond):
			}
		})
	}
}
