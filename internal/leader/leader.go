package leader

import (
	"time"

	"solana-turbo-trader/internal/telemetry"
)

// Timing configures the leader-window hold.
type Timing struct {
	PreflightMs int
	WindowSlots int
	MaxHoldMs   int
}

// ComputeHold returns how long to wait so the send arrives PreflightMs
// before the next upcoming leader window. Window start times come from the
// caller's leader schedule. The result is clamped to [0, MaxHoldMs]; with no
// upcoming window the hold is zero.
func ComputeHold(now time.Time, windows []time.Time, t Timing, metrics *telemetry.Metrics) time.Duration {
	hold := time.Duration(0)

	for _, w := range windows {
		h := w.Sub(now) - time.Duration(t.PreflightMs)*time.Millisecond
		if h <= 0 {
			// Already inside the preflight margin of this window: send now.
			hold = 0
			break
		}
		if hold == 0 || h < hold {
			hold = h
		}
	}

	maxHold := time.Duration(t.MaxHoldMs) * time.Millisecond
	if maxHold > 0 && hold > maxHold {
		hold = maxHold
	}
	if hold < 0 {
		hold = 0
	}

	if metrics != nil {
		metrics.Observe("leader_hold_ms", float64(hold.Milliseconds()))
	}
	return hold
}
