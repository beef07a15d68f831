package telemetry

import (
	"sort"
	"sync"
)

// Metrics is the process-wide counter + histogram registry. Counters are
// named, optionally labelled; histograms keep a bounded sample ring and
// answer percentile queries.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]int64
	labelled map[string]map[string]int64
	hists    map[string]*histogram
}

const histSamples = 256

type histogram struct {
	samples []float64
	idx     int
	count   int64
	sum     float64
}

// New creates an empty metrics registry.
func New() *Metrics {
	return &Metrics{
		counters: make(map[string]int64),
		labelled: make(map[string]map[string]int64),
		hists:    make(map[string]*histogram),
	}
}

// Inc increments a counter by one.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Add increments a counter by n.
func (m *Metrics) Add(name string, n int64) {
	m.mu.Lock()
	m.counters[name] += n
	m.mu.Unlock()
}

// IncLabel increments a labelled counter, e.g. exit_reason_total{reason=...}.
func (m *Metrics) IncLabel(name, label string) {
	m.mu.Lock()
	inner, ok := m.labelled[name]
	if !ok {
		inner = make(map[string]int64)
		m.labelled[name] = inner
	}
	inner[label]++
	m.mu.Unlock()
}

// Observe records a histogram observation.
func (m *Metrics) Observe(name string, v float64) {
	m.mu.Lock()
	h, ok := m.hists[name]
	if !ok {
		h = &histogram{samples: make([]float64, histSamples)}
		m.hists[name] = h
	}
	h.samples[h.idx%len(h.samples)] = v
	h.idx++
	h.count++
	h.sum += v
	m.mu.Unlock()
}

// Counter returns the current value of a counter (0 if never touched).
func (m *Metrics) Counter(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.counters[name]
}

// LabelCounter returns the value of one label of a labelled counter.
func (m *Metrics) LabelCounter(name, label string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.labelled[name][label]
}

// HistCount returns the number of observations recorded for a histogram.
func (m *Metrics) HistCount(name string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hists[name]
	if !ok {
		return 0
	}
	return h.count
}

// Percentile returns the p-th percentile over the retained sample window.
func (m *Metrics) Percentile(name string, p int) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hists[name]
	if !ok {
		return 0
	}

	count := h.idx
	if count > len(h.samples) {
		count = len(h.samples)
	}
	if count == 0 {
		return 0
	}

	sorted := make([]float64, count)
	copy(sorted, h.samples[:count])
	sort.Float64s(sorted)

	idx := (p * count) / 100
	if idx >= count {
		idx = count - 1
	}
	return sorted[idx]
}

// Avg returns the mean over all observations of a histogram.
func (m *Metrics) Avg(name string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.hists[name]
	if !ok || h.count == 0 {
		return 0
	}
	return h.sum / float64(h.count)
}

// Snapshot returns a copy of all plain counters, for status endpoints.
func (m *Metrics) Snapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}
