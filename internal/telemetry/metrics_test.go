package telemetry

import (
	"sync"
	"testing"
)

func TestCounters(t *testing.T) {
	m := New()

	m.Inc("send_retry_total")
	m.Add("send_retry_total", 2)
	if got := m.Counter("send_retry_total"); got != 3 {
		t.Fatalf("counter = %d", got)
	}
	if got := m.Counter("never_touched"); got != 0 {
		t.Fatalf("untouched counter = %d", got)
	}
}

func TestLabelledCounters(t *testing.T) {
	m := New()

	m.IncLabel("exit_reason_total", "lp-pull")
	m.IncLabel("exit_reason_total", "lp-pull")
	m.IncLabel("exit_reason_total", "smart-time")

	if got := m.LabelCounter("exit_reason_total", "lp-pull"); got != 2 {
		t.Fatalf("lp-pull = %d", got)
	}
	if got := m.LabelCounter("exit_reason_total", "missing"); got != 0 {
		t.Fatalf("missing label = %d", got)
	}
}

func TestHistogramPercentiles(t *testing.T) {
	m := New()

	for i := 1; i <= 100; i++ {
		m.Observe("quote_latency_ms", float64(i))
	}

	if got := m.HistCount("quote_latency_ms"); got != 100 {
		t.Fatalf("count = %d", got)
	}
	if got := m.Avg("quote_latency_ms"); got != 50.5 {
		t.Fatalf("avg = %v", got)
	}
	p50 := m.Percentile("quote_latency_ms", 50)
	if p50 < 49 || p50 > 52 {
		t.Fatalf("p50 = %v", p50)
	}
	p99 := m.Percentile("quote_latency_ms", 99)
	if p99 < 98 || p99 > 100 {
		t.Fatalf("p99 = %v", p99)
	}
}

func TestHistogramRingEvictsOldSamples(t *testing.T) {
	m := New()

	// Old slow samples should fall out of the percentile window once the
	// ring wraps, while the total count keeps growing.
	for i := 0; i < 10; i++ {
		m.Observe("lat", 10_000)
	}
	for i := 0; i < histSamples; i++ {
		m.Observe("lat", 5)
	}

	if got := m.Percentile("lat", 99); got != 5 {
		t.Fatalf("p99 after wrap = %v", got)
	}
	if got := m.HistCount("lat"); got != int64(10+histSamples) {
		t.Fatalf("count = %d", got)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New()
	m.Inc("a")

	snap := m.Snapshot()
	snap["a"] = 99

	if got := m.Counter("a"); got != 1 {
		t.Fatalf("snapshot mutation leaked, counter = %d", got)
	}
}

func TestConcurrentAccess(t *testing.T) {
	m := New()
	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				m.Inc("races")
				m.Observe("lat", float64(j))
				m.IncLabel("l", "x")
			}
		}()
	}
	wg.Wait()

	if got := m.Counter("races"); got != 8000 {
		t.Fatalf("counter = %d", got)
	}
}
