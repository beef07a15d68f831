package sizing

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"solana-turbo-trader/internal/telemetry"
)

// ErrBelowMinUsd aborts a trade whose sized amount is worth less than the
// configured USD floor.
var ErrBelowMinUsd = errors.New("sizing: sized amount below minimum usd value")

// Config bounds the sizer.
type Config struct {
	MaxImpactPct float64
	MaxPoolPct   float64
	MinUsd       float64
}

// Estimator predicts price impact (percent) for a candidate amount.
type Estimator func(amount uint64) float64

const maxIterations = 32

// SizeTrade returns the largest amount A <= base satisfying the impact and
// pool-share caps, or ErrBelowMinUsd when the survivor is worth less than
// cfg.MinUsd. poolReserve of zero means reserves are unknown and the pool
// limit is skipped. unitPriceUSD is the USD value of one base unit.
func SizeTrade(base, poolReserve uint64, unitPriceUSD decimal.Decimal, estimate Estimator, cfg Config, metrics *telemetry.Metrics) (uint64, error) {
	if base == 0 {
		return 0, ErrBelowMinUsd
	}

	limit := base
	if poolReserve > 0 && cfg.MaxPoolPct > 0 {
		poolCap := decimal.NewFromUint64(poolReserve).
			Mul(decimal.NewFromFloat(cfg.MaxPoolPct)).
			Div(decimal.NewFromInt(100))
		if c := poolCap.BigInt().Uint64(); c < limit {
			limit = c
		}
	}

	sized := limit
	impact := 0.0
	if estimate != nil && cfg.MaxImpactPct > 0 {
		impact = estimate(limit)
		if impact > cfg.MaxImpactPct {
			// Largest passing amount by binary search; the estimator is
			// monotone in amount.
			lo, hi := uint64(0), limit
			for i := 0; i < maxIterations && lo < hi; i++ {
				mid := lo + (hi-lo+1)/2
				if estimate(mid) <= cfg.MaxImpactPct {
					lo = mid
				} else {
					hi = mid - 1
				}
			}
			sized = lo
			impact = 0
			if sized > 0 {
				impact = estimate(sized)
			}
		}
	}

	if cfg.MinUsd > 0 {
		usd := decimal.NewFromUint64(sized).Mul(unitPriceUSD)
		if usd.LessThan(decimal.NewFromFloat(cfg.MinUsd)) {
			return 0, ErrBelowMinUsd
		}
	}

	if metrics != nil {
		reducedPct := float64(base-sized) * 100 / float64(base)
		metrics.Observe("sizing_reduced_pct", reducedPct)
		metrics.Observe("price_impact_pct", impact)
	}
	if sized < base {
		log.Debug().
			Uint64("base", base).
			Uint64("sized", sized).
			Float64("impact", impact).
			Msg("trade size reduced")
	}
	return sized, nil
}

// ProbeSize splits a base amount into the micro-buy leg. The scale leg is
// base minus the probe so the two legs conserve the total.
func ProbeSize(base uint64, scaleFactor int) uint64 {
	if scaleFactor < 2 {
		scaleFactor = 2
	}
	return base / uint64(scaleFactor)
}
