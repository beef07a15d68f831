package rpcpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"solana-turbo-trader/internal/telemetry"
)

// QuorumOpts drives one fan-out send.
type QuorumOpts struct {
	Quorum    int
	MaxFanout int
	StaggerMs int
	TimeoutMs int
}

// Pool fans sends out over several endpoints and keeps a recent blockhash
// cached per endpoint so the hot path never waits on a fetch.
type Pool struct {
	endpoints []*endpoint
	start     atomic.Uint32
	metrics   *telemetry.Metrics

	blockhashTTL time.Duration
}

type endpoint struct {
	client    *Client
	blockhash atomic.Pointer[cachedBlockhash]
}

type cachedBlockhash struct {
	hash      string
	height    uint64
	fetchedAt time.Time
}

// NewPool builds a pool over the configured endpoint URLs.
func NewPool(urls []string, apiKey string, timeout, blockhashTTL time.Duration, metrics *telemetry.Metrics) (*Pool, error) {
	if len(urls) == 0 {
		return nil, errors.New("rpcpool: no endpoints configured")
	}

	p := &Pool{
		endpoints:    make([]*endpoint, len(urls)),
		metrics:      metrics,
		blockhashTTL: blockhashTTL,
	}
	for i, u := range urls {
		p.endpoints[i] = &endpoint{client: NewClient(u, apiKey, timeout)}
	}

	log.Info().Int("endpoints", len(urls)).Msg("RPC pool initialized")
	return p, nil
}

// Size returns the number of endpoints.
func (p *Pool) Size() int { return len(p.endpoints) }

// Primary returns the currently preferred endpoint's client, for single-peer
// reads (balances, token accounts, freeze authority).
func (p *Pool) Primary() *Client {
	return p.endpoints[int(p.start.Load())%len(p.endpoints)].client
}

// GetFreezeAuthority reads the mint's freeze authority through the preferred
// endpoint.
func (p *Pool) GetFreezeAuthority(ctx context.Context, mint string) (string, error) {
	return p.Primary().GetFreezeAuthority(ctx, mint)
}

// WaitForConfirmation polls the preferred endpoint until the signature is
// confirmed on-chain or the context expires. RPC errors are treated as
// transient and polled through.
func (p *Pool) WaitForConfirmation(ctx context.Context, signature string) error {
	ticker := time.NewTicker(400 * time.Millisecond)
	defer ticker.Stop()

	for {
		ok, err := p.Primary().SignatureConfirmed(ctx, signature)
		if err == nil && ok {
			p.metrics.Inc("signature_confirmed_total")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Rotate moves the preferred endpoint forward. The retry matrix calls this
// on late NET attempts.
func (p *Pool) Rotate() {
	p.start.Add(1)
	log.Debug().Str("endpoint", p.Primary().URL()).Msg("RPC endpoint rotated")
}

// RefreshIfExpired refreshes one endpoint's cached blockhash when stale.
func (p *Pool) RefreshIfExpired(ctx context.Context, idx int) error {
	e := p.endpoints[idx%len(p.endpoints)]

	if cached := e.blockhash.Load(); cached != nil && time.Since(cached.fetchedAt) < p.blockhashTTL {
		return nil
	}

	result, err := e.client.GetLatestBlockhash(ctx)
	if err != nil {
		return err
	}
	e.blockhash.Store(&cachedBlockhash{
		hash:      result.Value.Blockhash,
		height:    result.Value.LastValidBlockHeight,
		fetchedAt: time.Now(),
	})
	p.metrics.Inc("blockhash_refresh_total")
	return nil
}

// PrewarmAll refreshes every endpoint's blockhash concurrently. Called right
// before a send so every peer has a fresh hash.
func (p *Pool) PrewarmAll(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range p.endpoints {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if err := p.RefreshIfExpired(ctx, idx); err != nil {
				log.Warn().Err(err).Str("endpoint", p.endpoints[idx].client.URL()).Msg("blockhash prewarm failed")
			}
		}(i)
	}
	wg.Wait()
}

// Blockhash returns the freshest cached hash across endpoints, fetching from
// the preferred endpoint if everything is stale.
func (p *Pool) Blockhash(ctx context.Context) (string, error) {
	var best *cachedBlockhash
	for _, e := range p.endpoints {
		if c := e.blockhash.Load(); c != nil && time.Since(c.fetchedAt) < p.blockhashTTL {
			if best == nil || c.fetchedAt.After(best.fetchedAt) {
				best = c
			}
		}
	}
	if best != nil {
		return best.hash, nil
	}

	idx := int(p.start.Load()) % len(p.endpoints)
	if err := p.RefreshIfExpired(ctx, idx); err != nil {
		return "", err
	}
	return p.endpoints[idx].blockhash.Load().hash, nil
}

type sendResult struct {
	hash string
	err  error
}

// SendRawTransactionQuorum dispatches the raw transaction to up to
// opts.MaxFanout endpoints, staggered by opts.StaggerMs. It returns the
// first hash acknowledged by at least opts.Quorum distinct endpoints, or the
// first successful ack when quorum cannot be reached within the timeout.
func (p *Pool) SendRawTransactionQuorum(ctx context.Context, raw string, opts QuorumOpts) (string, error) {
	fanout := opts.MaxFanout
	if fanout <= 0 || fanout > len(p.endpoints) {
		fanout = len(p.endpoints)
	}
	quorum := opts.Quorum
	if quorum < 1 {
		quorum = 1
	}
	if quorum > fanout {
		quorum = fanout
	}

	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 4 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make(chan sendResult, fanout)
	start := int(p.start.Load())

	for i := 0; i < fanout; i++ {
		go func(order int) {
			if order > 0 {
				select {
				case <-time.After(time.Duration(order*opts.StaggerMs) * time.Millisecond):
				case <-ctx.Done():
					results <- sendResult{err: ctx.Err()}
					return
				}
			}
			e := p.endpoints[(start+order)%len(p.endpoints)]
			hash, err := e.client.SendRawTransaction(ctx, raw, true)
			results <- sendResult{hash: hash, err: err}
		}(i)
	}
	p.metrics.Inc("rpc_quorum_sent_total")

	acks := make(map[string]int)
	firstAck := ""
	var lastErr error

	for received := 0; received < fanout; received++ {
		select {
		case r := <-results:
			if r.err != nil {
				lastErr = r.err
				continue
			}
			if firstAck == "" {
				firstAck = r.hash
			}
			acks[r.hash]++
			if acks[r.hash] >= quorum {
				p.metrics.Inc("rpc_quorum_win_total")
				return r.hash, nil
			}
		case <-ctx.Done():
			// Timeout: fall back to the first ack if one arrived.
			if firstAck != "" {
				return firstAck, nil
			}
			if lastErr != nil {
				return "", lastErr
			}
			return "", ctx.Err()
		}
	}

	if firstAck != "" {
		return firstAck, nil
	}
	if lastErr != nil {
		return "", lastErr
	}
	return "", errors.New("rpcpool: no endpoint acknowledged the transaction")
}
