package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"solana-turbo-trader/internal/telemetry"
)

// FillRequest spreads one total amount over several wallets.
type FillRequest struct {
	TotalAmount uint64
	WalletIDs   []string
	SplitPct    []float64
	MaxParallel int
	IDKeyBase   string
}

// WalletFill is the outcome for one wallet of a batch fill.
type WalletFill struct {
	WalletID string `json:"walletId"`
	IDKey    string `json:"idKey"`
	Amount   uint64 `json:"amount"`
	TxHash   string `json:"txHash,omitempty"`
	Err      error  `json:"-"`
}

// FillSummary aggregates a batch fill.
type FillSummary struct {
	OkCount        int    `json:"okCount"`
	FailCount      int    `json:"failCount"`
	AllocatedTotal uint64 `json:"allocatedTotal"`
}

// BatchResult is the full batch outcome.
type BatchResult struct {
	PerWallet []WalletFill `json:"perWallet"`
	Summary   FillSummary  `json:"summary"`
}

// FillFunc executes one wallet's allocation and returns its tx hash.
type FillFunc func(ctx context.Context, walletID, idKey string, amount uint64) (string, error)

// Filler races or batches allocations over a bounded worker pool.
type Filler struct {
	metrics *telemetry.Metrics
}

func NewFiller(metrics *telemetry.Metrics) *Filler {
	return &Filler{metrics: metrics}
}

// normalizeSplit accepts fractions summing to ~1 or percentages summing to
// ~100 and returns fractions. Anything else is rejected.
func normalizeSplit(split []float64, wallets int) ([]float64, error) {
	if len(split) == 0 || len(split) != wallets {
		return nil, errors.New("trading: splitPct length must match wallet count")
	}

	sum := 0.0
	for _, s := range split {
		if s < 0 {
			return nil, errors.New("trading: negative split")
		}
		sum += s
	}

	out := make([]float64, len(split))
	switch {
	case sum > 0.95 && sum < 1.05:
		copy(out, split)
	case sum > 95 && sum < 105:
		for i, s := range split {
			out[i] = s / 100
		}
	default:
		return nil, fmt.Errorf("trading: split sums to %.2f, expected ~1 or ~100", sum)
	}
	return out, nil
}

// allocate floors each wallet's share and gives the rounding remainder to
// the first wallet so the total is conserved.
func allocate(total uint64, fractions []float64) []uint64 {
	amounts := make([]uint64, len(fractions))
	allocated := uint64(0)
	for i, f := range fractions {
		amounts[i] = uint64(float64(total) * f)
		allocated += amounts[i]
	}
	if len(amounts) > 0 && allocated < total {
		amounts[0] += total - allocated
	}
	return amounts
}

func fillKey(base string, i int) string {
	return fmt.Sprintf("%s-w%d", base, i)
}

// Batch executes every wallet's allocation and reports all outcomes.
func (f *Filler) Batch(ctx context.Context, req FillRequest, fill FillFunc) (*BatchResult, error) {
	fractions, err := normalizeSplit(req.SplitPct, len(req.WalletIDs))
	if err != nil {
		return nil, err
	}
	amounts := allocate(req.TotalAmount, fractions)

	fills := make([]WalletFill, len(req.WalletIDs))
	for i, w := range req.WalletIDs {
		fills[i] = WalletFill{
			WalletID: w,
			IDKey:    fillKey(req.IDKeyBase, i),
			Amount:   amounts[i],
		}
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxParallel(req.MaxParallel, len(fills)))
	for i := range fills {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			hash, err := fill(ctx, fills[i].WalletID, fills[i].IDKey, fills[i].Amount)
			fills[i].TxHash = hash
			fills[i].Err = err
		}(i)
	}
	wg.Wait()

	result := &BatchResult{PerWallet: fills}
	for _, w := range fills {
		result.Summary.AllocatedTotal += w.Amount
		if w.Err != nil {
			result.Summary.FailCount++
			log.Warn().Err(w.Err).Str("wallet", w.WalletID).Msg("batch fill leg failed")
		} else {
			result.Summary.OkCount++
		}
	}
	return result, nil
}

// FirstWin races all allocations and returns the first success. Losing
// attempts keep running to settle but their results are discarded.
func (f *Filler) FirstWin(ctx context.Context, req FillRequest, fill FillFunc) (string, error) {
	fractions, err := normalizeSplit(req.SplitPct, len(req.WalletIDs))
	if err != nil {
		return "", err
	}
	amounts := allocate(req.TotalAmount, fractions)

	type outcome struct {
		hash string
		err  error
	}
	results := make(chan outcome, len(req.WalletIDs))
	sem := make(chan struct{}, maxParallel(req.MaxParallel, len(req.WalletIDs)))
	start := time.Now()

	for i, w := range req.WalletIDs {
		go func(i int, walletID string) {
			sem <- struct{}{}
			defer func() { <-sem }()

			hash, err := fill(ctx, walletID, fillKey(req.IDKeyBase, i), amounts[i])
			results <- outcome{hash: hash, err: err}
		}(i, w)
	}

	var lastErr error
	for i := 0; i < len(req.WalletIDs); i++ {
		select {
		case r := <-results:
			if r.err == nil {
				f.metrics.Observe("parallel_first_win_ms", float64(time.Since(start).Milliseconds()))
				return r.hash, nil
			}
			lastErr = r.err
		case <-ctx.Done():
			f.metrics.Inc("parallel_abort_total")
			return "", ctx.Err()
		}
	}

	f.metrics.Inc("parallel_abort_total")
	if lastErr != nil {
		return "", lastErr
	}
	return "", errors.New("trading: no fill attempt succeeded")
}

func maxParallel(configured, n int) int {
	if configured <= 0 || configured > n {
		return max(n, 1)
	}
	return configured
}
