package trading

import (
	"context"
	"errors"
	"testing"

	"solana-turbo-trader/internal/telemetry"
)

func TestRetryMatrixBumpsOneDimensionPerFailure(t *testing.T) {
	m := telemetry.New()
	errsByAttempt := []error{
		errors.New("read tcp: connection reset by peer"),
		errors.New("RPC node is behind by 80 slots"),
		errors.New("slippage tolerance exceeded"),
	}
	var seen []SendDims

	start := SendDims{CUPriceMicroLamports: 1000, TipLamports: 5000, Route: RouteAggregator}
	_, err := RunRetry(context.Background(),
		RetryPolicy{Max: 5, AllowRouteToggle: true, CuBumpUnits: 1000, TipBumpLamports: 5000, BackoffBaseMs: 1, BackoffMaxMs: 5},
		start, nil,
		func(ctx context.Context, attempt int, dims SendDims) (string, error) {
			seen = append(seen, dims)
			return "", errsByAttempt[attempt]
		}, m)
	if err == nil {
		t.Fatal("expected terminal user error")
	}

	if len(seen) != 3 {
		t.Fatalf("attempts = %d, want 3", len(seen))
	}
	if seen[0] != start {
		t.Fatalf("first attempt must use initial dims, got %+v", seen[0])
	}
	if seen[1].CUPriceMicroLamports != 2000 || seen[1].TipLamports != 5000 {
		t.Fatalf("failure 1 must bump only CU price, got %+v", seen[1])
	}
	if seen[2].CUPriceMicroLamports != 2000 || seen[2].TipLamports != 10000 {
		t.Fatalf("failure 2 must bump only tip, got %+v", seen[2])
	}

	if got := m.Counter("send_retry_total"); got != 2 {
		t.Fatalf("send_retry_total = %d, want 2", got)
	}
	if got := m.Counter("send_user_error_total"); got != 1 {
		t.Fatalf("send_user_error_total = %d, want 1", got)
	}
}

func TestRetryRouteToggleAndRotation(t *testing.T) {
	m := telemetry.New()
	rotations := 0
	var seen []SendDims

	netErr := errors.New("blockhash not found")
	_, err := RunRetry(context.Background(),
		RetryPolicy{Max: 5, AllowRouteToggle: true, BackoffBaseMs: 1, BackoffMaxMs: 5},
		SendDims{Route: RouteAggregator}, func() { rotations++ },
		func(ctx context.Context, attempt int, dims SendDims) (string, error) {
			seen = append(seen, dims)
			return "", netErr
		}, m)
	if !errors.Is(err, netErr) {
		t.Fatalf("err = %v", err)
	}

	if len(seen) != 5 {
		t.Fatalf("attempts = %d, want 5", len(seen))
	}
	if seen[3].Route != RouteBundle {
		t.Fatalf("failure 3 must toggle route, got %q", seen[3].Route)
	}
	if seen[4].Route != RouteBundle {
		t.Fatalf("route must stay toggled, got %q", seen[4].Route)
	}
	// Failure 4 rotates the RPC endpoint; failure 5 is terminal.
	if rotations != 1 {
		t.Fatalf("rotations = %d, want 1", rotations)
	}
}

func TestRetryRouteToggleDisabled(t *testing.T) {
	m := telemetry.New()
	var seen []SendDims

	_, _ = RunRetry(context.Background(),
		RetryPolicy{Max: 4, AllowRouteToggle: false, BackoffBaseMs: 1, BackoffMaxMs: 5},
		SendDims{Route: RouteBundle}, nil,
		func(ctx context.Context, attempt int, dims SendDims) (string, error) {
			seen = append(seen, dims)
			return "", errors.New("request timed out")
		}, m)

	for i, d := range seen {
		if d.Route != RouteBundle {
			t.Fatalf("attempt %d route = %q, toggle is disabled", i, d.Route)
		}
	}
}

func TestRetryUnknownGetsSingleRetry(t *testing.T) {
	m := telemetry.New()
	attempts := 0

	_, err := RunRetry(context.Background(),
		RetryPolicy{Max: 5, BackoffBaseMs: 1, BackoffMaxMs: 5},
		SendDims{}, nil,
		func(ctx context.Context, attempt int, dims SendDims) (string, error) {
			attempts++
			if attempt == 1 && dims.CUPriceMicroLamports == 0 {
				t.Fatal("unknown retry must bump CU price")
			}
			return "", errors.New("something entirely novel")
		}, m)
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2 (one conservative retry)", attempts)
	}
	if got := m.Counter("send_retry_total"); got != 1 {
		t.Fatalf("send_retry_total = %d, want 1", got)
	}
}

func TestRetryBumpStepsComeFromPolicy(t *testing.T) {
	m := telemetry.New()
	var seen []SendDims

	netErr := errors.New("request timed out")
	_, _ = RunRetry(context.Background(),
		RetryPolicy{Max: 3, CuBumpUnits: 250, TipBumpLamports: 777, BackoffBaseMs: 1, BackoffMaxMs: 5},
		SendDims{CUPriceMicroLamports: 1000, TipLamports: 100}, nil,
		func(ctx context.Context, attempt int, dims SendDims) (string, error) {
			seen = append(seen, dims)
			return "", netErr
		}, m)

	if len(seen) != 3 {
		t.Fatalf("attempts = %d, want 3", len(seen))
	}
	if seen[1].CUPriceMicroLamports != 1250 {
		t.Fatalf("cu after failure 1 = %d, want configured +250 step", seen[1].CUPriceMicroLamports)
	}
	if seen[2].TipLamports != 877 {
		t.Fatalf("tip after failure 2 = %d, want configured +777 step", seen[2].TipLamports)
	}
}

func TestRetryDefaultBumpStepsWhenUnconfigured(t *testing.T) {
	m := telemetry.New()
	var seen []SendDims

	_, _ = RunRetry(context.Background(),
		RetryPolicy{Max: 3, BackoffBaseMs: 1, BackoffMaxMs: 5},
		SendDims{}, nil,
		func(ctx context.Context, attempt int, dims SendDims) (string, error) {
			seen = append(seen, dims)
			return "", errors.New("blockhash not found")
		}, m)

	if seen[1].CUPriceMicroLamports != defaultCUBumpMicroLamports {
		t.Fatalf("cu = %d", seen[1].CUPriceMicroLamports)
	}
	if seen[2].TipLamports != defaultTipBumpLamports {
		t.Fatalf("tip = %d", seen[2].TipLamports)
	}
}

func TestRetryUserErrorStopsImmediately(t *testing.T) {
	m := telemetry.New()
	attempts := 0

	_, err := RunRetry(context.Background(),
		RetryPolicy{Max: 5},
		SendDims{}, nil,
		func(ctx context.Context, attempt int, dims SendDims) (string, error) {
			attempts++
			return "", errors.New("insufficient funds")
		}, m)
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, user errors never retry", attempts)
	}
	if got := m.Counter("send_retry_total"); got != 0 {
		t.Fatalf("send_retry_total = %d, want 0", got)
	}
}

func TestRetrySuccessReturnsHash(t *testing.T) {
	m := telemetry.New()
	hash, err := RunRetry(context.Background(),
		RetryPolicy{Max: 3, BackoffBaseMs: 1, BackoffMaxMs: 5},
		SendDims{}, nil,
		func(ctx context.Context, attempt int, dims SendDims) (string, error) {
			if attempt == 0 {
				return "", errors.New("blockhash not found")
			}
			return "5sig", nil
		}, m)
	if err != nil {
		t.Fatal(err)
	}
	if hash != "5sig" {
		t.Fatalf("hash = %q", hash)
	}
	if got := m.Counter("send_retry_total"); got != 1 {
		t.Fatalf("send_retry_total = %d, want 1", got)
	}
}
