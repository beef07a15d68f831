package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
)

// SOLMint is the wrapped SOL mint address.
const SOLMint = "So11111111111111111111111111111111111111112"

// Client talks to the aggregator quote/swap API with HTTP/2 pooling and
// round-robin API key rotation.
type Client struct {
	baseURL     string
	clientPool  *HTTPClientPool
	apiKeys     []string
	keyIdx      atomic.Uint32
	maxLamports uint64
}

// HTTPClientPool provides HTTP/2 connection pooling.
type HTTPClientPool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

// NewHTTPClientPool creates an HTTP/2 optimized client pool.
func NewHTTPClientPool(size int, timeout time.Duration) *HTTPClientPool {
	pool := &HTTPClientPool{
		clients: make([]*http.Client, size),
	}

	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}

		http2.ConfigureTransport(transport)

		pool.clients[i] = &http.Client{
			Transport: transport,
			Timeout:   timeout,
		}
	}

	log.Info().Int("poolSize", size).Msg("HTTP/2 client pool initialized")
	return pool
}

func (p *HTTPClientPool) Get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	client := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return client
}

// NewClient creates an aggregator client. API keys come from the argument or
// the QUOTE_API_KEYS env var (comma-separated).
func NewClient(baseURL string, timeout time.Duration, apiKeys []string) *Client {
	if len(apiKeys) == 0 {
		if envKeys := os.Getenv("QUOTE_API_KEYS"); envKeys != "" {
			apiKeys = strings.Split(envKeys, ",")
		} else {
			apiKeys = []string{"public-key"}
		}
	}

	return &Client{
		baseURL:     baseURL,
		clientPool:  NewHTTPClientPool(4, timeout),
		apiKeys:     apiKeys,
		maxLamports: 1_250_000,
	}
}

// getAPIKey returns next API key (round-robin).
func (c *Client) getAPIKey() string {
	idx := c.keyIdx.Add(1) % uint32(len(c.apiKeys))
	return c.apiKeys[idx]
}

// Request identifies one quote. Mode distinguishes buy/sell legs so cached
// entries never cross directions.
type Request struct {
	InputMint   string
	OutputMint  string
	Amount      uint64
	SlippageBps int
	Mode        string
}

// Quote is the aggregator quote payload.
type Quote struct {
	InputMint            string          `json:"inputMint"`
	InAmount             string          `json:"inAmount"`
	OutputMint           string          `json:"outputMint"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SwapMode             string          `json:"swapMode"`
	SlippageBps          int             `json:"slippageBps"`
	PriceImpactPct       string          `json:"priceImpactPct"`
	RoutePlan            []RoutePlanStep `json:"routePlan"`
	ContextSlot          uint64          `json:"contextSlot"`

	// Latency is how long the fetch took, for the direct-AMM fallback
	// decision. Not part of the wire payload.
	Latency time.Duration `json:"-"`
}

type RoutePlanStep struct {
	SwapInfo SwapInfo `json:"swapInfo"`
	Percent  int      `json:"percent"`
}

type SwapInfo struct {
	AmmKey     string `json:"ammKey"`
	Label      string `json:"label"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
	FeeAmount  string `json:"feeAmount"`
	FeeMint    string `json:"feeMint"`
}

// OutAmountLamports parses the quote's output amount.
func (q *Quote) OutAmountLamports() uint64 {
	v, _ := strconv.ParseUint(q.OutAmount, 10, 64)
	return v
}

// Impact parses priceImpactPct (the API sends it as a decimal string).
func (q *Quote) Impact() float64 {
	v, _ := strconv.ParseFloat(q.PriceImpactPct, 64)
	return v
}

// SwapResponse is the aggregator's built transaction.
type SwapResponse struct {
	SwapTransaction           string `json:"swapTransaction"`
	LastValidBlockHeight      uint64 `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
}

// SwapOptions carries the fee dimensions the retry matrix bumps between
// attempts.
type SwapOptions struct {
	ComputeUnitPriceMicroLamports uint64
	PriorityFeeLamports           uint64
	TipLamports                   uint64
}

// PriorityLevelWithMaxLamports for dynamic fee estimation.
type PriorityLevelWithMaxLamports struct {
	PriorityLevel string `json:"priorityLevel"`
	MaxLamports   uint64 `json:"maxLamports"`
	Global        bool   `json:"global,omitempty"`
}

// prioritizationFee is the swap request's fee block: a dynamic priority
// level, an explicit relay tip, or both.
type prioritizationFee struct {
	PriorityLevelWithMaxLamports *PriorityLevelWithMaxLamports `json:"priorityLevelWithMaxLamports,omitempty"`
	JitoTipLamports              uint64                        `json:"jitoTipLamports,omitempty"`
}

// GetQuote fetches a swap quote.
func (c *Client) GetQuote(ctx context.Context, r Request) (*Quote, error) {
	start := time.Now()

	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d",
		c.baseURL, r.InputMint, r.OutputMint, r.Amount, r.SlippageBps)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.getAPIKey())

	client := c.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("quote failed (%d): %s", resp.StatusCode, string(body))
	}

	var quote Quote
	if err := json.NewDecoder(resp.Body).Decode(&quote); err != nil {
		return nil, fmt.Errorf("decode quote: %w", err)
	}
	quote.Latency = time.Since(start)

	log.Debug().
		Dur("latency", quote.Latency).
		Str("outAmount", quote.OutAmount).
		Msg("aggregator quote")

	return &quote, nil
}

// BuildSwapTransaction asks the aggregator to build a serialized transaction
// for an already-fetched quote. An explicit priority fee overrides the
// dynamic veryHigh estimate.
func (c *Client) BuildSwapTransaction(ctx context.Context, quote *Quote, userPubkey string, opts SwapOptions) (*SwapResponse, error) {
	start := time.Now()

	reqBody := struct {
		QuoteResponse                 *Quote             `json:"quoteResponse"`
		UserPublicKey                 string             `json:"userPublicKey"`
		WrapAndUnwrapSol              bool               `json:"wrapAndUnwrapSol"`
		DynamicComputeUnitLimit       bool               `json:"dynamicComputeUnitLimit"`
		SkipUserAccountsRpcCalls      bool               `json:"skipUserAccountsRpcCalls"`
		ComputeUnitPriceMicroLamports uint64             `json:"computeUnitPriceMicroLamports,omitempty"`
		PrioritizationFeeLamports     *prioritizationFee `json:"prioritizationFeeLamports,omitempty"`
	}{
		QuoteResponse:                 quote,
		UserPublicKey:                 userPubkey,
		WrapAndUnwrapSol:              true,
		DynamicComputeUnitLimit:       true,
		SkipUserAccountsRpcCalls:      true,
		ComputeUnitPriceMicroLamports: opts.ComputeUnitPriceMicroLamports,
	}

	fee := &prioritizationFee{}
	if opts.ComputeUnitPriceMicroLamports == 0 {
		maxLamports := c.maxLamports
		if opts.PriorityFeeLamports > 0 && opts.PriorityFeeLamports < maxLamports {
			maxLamports = opts.PriorityFeeLamports
		}
		fee.PriorityLevelWithMaxLamports = &PriorityLevelWithMaxLamports{
			PriorityLevel: "veryHigh",
			MaxLamports:   maxLamports,
		}
	}
	// The tip rides in the built transaction, so bundle submissions carry it
	// and the retry matrix's tip bumps take effect on the wire.
	fee.JitoTipLamports = opts.TipLamports
	if fee.PriorityLevelWithMaxLamports != nil || fee.JitoTipLamports > 0 {
		reqBody.PrioritizationFeeLamports = fee
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/swap", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-key", c.getAPIKey())

	client := c.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("swap failed (%d): %s", resp.StatusCode, string(respBody))
	}

	var swapResp SwapResponse
	if err := json.NewDecoder(resp.Body).Decode(&swapResp); err != nil {
		return nil, fmt.Errorf("decode swap response: %w", err)
	}

	log.Info().
		Dur("latency", time.Since(start)).
		Uint64("priorityFee", swapResp.PrioritizationFeeLamports).
		Msg("aggregator swap tx")

	return &swapResp, nil
}

// SetMaxPriorityFee sets the max priority fee cap in lamports.
func (c *Client) SetMaxPriorityFee(lamports uint64) {
	c.maxLamports = lamports
}
