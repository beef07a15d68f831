package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"solana-turbo-trader/internal/telemetry"
)

// Client submits bundles to a private relay. Submission is fire-and-forget:
// the ack arrives later on a websocket stream consumed by a background
// goroutine, never awaited on the send path.
type Client struct {
	submitURL  string
	ackURL     string
	httpClient *http.Client
	metrics    *telemetry.Metrics

	mu        sync.Mutex
	tracked   map[string]bool // signature -> confirmed on-chain first
	done      chan struct{}
	closeOnce sync.Once
}

type ackMessage struct {
	Signature string `json:"signature"`
	Landed    bool   `json:"landed"`
}

// NewClient builds a relay client. ackURL may be empty, in which case no ack
// stream is consumed.
func NewClient(submitURL, ackURL string, timeout time.Duration, metrics *telemetry.Metrics) *Client {
	c := &Client{
		submitURL:  submitURL,
		ackURL:     ackURL,
		httpClient: &http.Client{Timeout: timeout},
		metrics:    metrics,
		tracked:    make(map[string]bool),
		done:       make(chan struct{}),
	}
	if ackURL != "" {
		go c.ackLoop()
	}
	return c
}

// Send submits a signed transaction bundle. It returns once the relay
// accepts the payload; landing is reported asynchronously.
func (c *Client) Send(ctx context.Context, rawTx, signature string) error {
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "sendBundle",
		"params":  []any{[]string{rawTx}},
	})
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.submitURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("relay submit: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("relay status %d: %s", resp.StatusCode, string(respBody))
	}

	c.mu.Lock()
	c.tracked[signature] = false
	c.mu.Unlock()

	log.Debug().Str("signature", signature).Msg("bundle submitted to relay")
	return nil
}

// MarkConfirmed records that the signature was seen on-chain before any
// relay ack, so a later ack no longer counts as a relay win.
func (c *Client) MarkConfirmed(signature string) {
	c.mu.Lock()
	if _, ok := c.tracked[signature]; ok {
		c.tracked[signature] = true
	}
	c.mu.Unlock()
}

// Close stops the ack consumer.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) ackLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(c.ackURL, nil)
		if err != nil {
			log.Warn().Err(err).Msg("relay ack stream dial failed")
			select {
			case <-c.done:
				return
			case <-time.After(2 * time.Second):
			}
			continue
		}
		c.readAcks(conn)
		conn.Close()
	}
}

func (c *Client) readAcks(conn *websocket.Conn) {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		var msg ackMessage
		if err := conn.ReadJSON(&msg); err != nil {
			log.Warn().Err(err).Msg("relay ack stream read failed")
			return
		}
		if !msg.Landed {
			continue
		}

		c.mu.Lock()
		confirmed, ok := c.tracked[msg.Signature]
		if ok {
			delete(c.tracked, msg.Signature)
		}
		c.mu.Unlock()

		// A win is an ack that beats the on-chain confirmation.
		if ok && !confirmed {
			c.metrics.Inc("relay_win_total")
			log.Debug().Str("signature", msg.Signature).Msg("relay landed first")
		}
	}
}
