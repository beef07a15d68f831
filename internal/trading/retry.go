package trading

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"solana-turbo-trader/internal/telemetry"
)

// SendRoute selects the transport for one attempt.
type SendRoute string

const (
	RouteAggregator SendRoute = "aggregator"
	RouteBundle     SendRoute = "bundle"
	RouteDirect     SendRoute = "direct-amm"
)

// toggled flips aggregator and bundle. Direct stays direct.
func (r SendRoute) toggled() SendRoute {
	switch r {
	case RouteAggregator:
		return RouteBundle
	case RouteBundle:
		return RouteAggregator
	}
	return r
}

// RetryPolicy bounds the retry matrix. Zero bump steps and backoff bounds
// fall back to the package defaults.
type RetryPolicy struct {
	Max              int // total attempts including the first
	BackoffBaseMs    int
	BackoffMaxMs     int
	CuBumpUnits      uint64
	TipBumpLamports  uint64
	AllowRouteToggle bool
}

// SendDims are the dimensions one retry attempt may bump. The matrix moves
// exactly one dimension per NET failure.
type SendDims struct {
	CUPriceMicroLamports uint64
	TipLamports          uint64
	Route                SendRoute
}

// AttemptFunc performs one send with the given dimensions. The caller is
// expected to refresh quote and blockhash inside the attempt.
type AttemptFunc func(ctx context.Context, attempt int, dims SendDims) (string, error)

const (
	defaultCUBumpMicroLamports = 10_000
	defaultTipBumpLamports     = 100_000
	defaultBackoffBase         = 100 * time.Millisecond
	defaultBackoffMax          = 2 * time.Second
)

// RunRetry drives the retry matrix. Failure k (1-based) bumps: k=1 compute
// unit price, k=2 tip, k=3 route toggle when allowed, k>=4 RPC rotation.
// USER errors surface immediately; UNKNOWN gets one conservative CU bump.
func RunRetry(ctx context.Context, policy RetryPolicy, dims SendDims, rotateRPC func(), attempt AttemptFunc, metrics *telemetry.Metrics) (string, error) {
	maxAttempts := policy.Max
	if maxAttempts < 1 {
		maxAttempts = 3
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = defaultBackoffBase
	if policy.BackoffBaseMs > 0 {
		bo.InitialInterval = time.Duration(policy.BackoffBaseMs) * time.Millisecond
	}
	bo.MaxInterval = defaultBackoffMax
	if policy.BackoffMaxMs > 0 {
		bo.MaxInterval = time.Duration(policy.BackoffMaxMs) * time.Millisecond
	}

	var lastErr error
	for a := 0; a < maxAttempts; a++ {
		hash, err := attempt(ctx, a, dims)
		if err == nil {
			return hash, nil
		}
		lastErr = err

		kind := Classify(err)
		if kind == ErrorUser {
			metrics.Inc("send_user_error_total")
			log.Warn().Err(err).Msg("send failed with user error, not retrying")
			return "", err
		}
		if a == maxAttempts-1 {
			break
		}
		k := a + 1 // 1-based failure index

		switch kind {
		case ErrorUnknown:
			if k > 1 {
				// The single conservative retry already happened.
				return "", err
			}
			dims.CUPriceMicroLamports = policy.bumpCU(dims.CUPriceMicroLamports)

		case ErrorNet:
			switch {
			case k == 1:
				dims.CUPriceMicroLamports = policy.bumpCU(dims.CUPriceMicroLamports)
			case k == 2:
				dims.TipLamports = policy.bumpTip(dims.TipLamports)
			case k == 3:
				if policy.AllowRouteToggle {
					dims.Route = dims.Route.toggled()
				}
			default:
				if rotateRPC != nil {
					rotateRPC()
				}
			}
		}

		metrics.Inc("send_retry_total")
		log.Warn().
			Err(err).
			Int("attempt", k).
			Str("kind", kind.String()).
			Str("route", string(dims.Route)).
			Msg("retrying send")

		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (p RetryPolicy) bumpCU(current uint64) uint64 {
	step := p.CuBumpUnits
	if step == 0 {
		step = defaultCUBumpMicroLamports
	}
	if current == 0 {
		return step
	}
	return current + step
}

func (p RetryPolicy) bumpTip(current uint64) uint64 {
	step := p.TipBumpLamports
	if step == 0 {
		step = defaultTipBumpLamports
	}
	if current == 0 {
		return step
	}
	return current + step
}
