package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Alert is one post-trade notification.
type Alert struct {
	Kind     string  `json:"kind"` // trade-filled, smart-exit, sweep, error
	UserID   string  `json:"userId"`
	WalletID string  `json:"walletId"`
	Mint     string  `json:"mint,omitempty"`
	TxHash   string  `json:"txHash,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Amount   uint64  `json:"amount,omitempty"`
	PnLPct   float64 `json:"pnlPct,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// Notifier delivers one alert. Implementations must be safe for concurrent
// use.
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// WebhookNotifier POSTs alerts as JSON to a configured URL.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", n.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alerts: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Dispatcher queues alerts and delivers them off the trade hot path.
// Delivery is best-effort: failures are logged and dropped, never returned
// to the caller.
type Dispatcher struct {
	notifier Notifier
	queue    chan Alert
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewDispatcher starts the delivery worker. A nil notifier turns the
// dispatcher into a no-op sink.
func NewDispatcher(notifier Notifier) *Dispatcher {
	d := &Dispatcher{
		notifier: notifier,
		queue:    make(chan Alert, 128),
		done:     make(chan struct{}),
	}
	d.wg.Add(1)
	go d.deliver()
	return d
}

// Send enqueues an alert without blocking. A full queue drops the alert.
func (d *Dispatcher) Send(a Alert) {
	select {
	case d.queue <- a:
	default:
		log.Warn().Str("kind", a.Kind).Msg("alert queue full, dropping")
	}
}

// Close drains the queue and stops the worker.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

func (d *Dispatcher) deliver() {
	defer d.wg.Done()
	for {
		select {
		case a := <-d.queue:
			d.notify(a)
		case <-d.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case a := <-d.queue:
					d.notify(a)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) notify(a Alert) {
	if d.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := d.notifier.Notify(ctx, a); err != nil {
		log.Warn().Err(err).Str("kind", a.Kind).Msg("alert delivery failed")
	}
}
