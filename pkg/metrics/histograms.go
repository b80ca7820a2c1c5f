package metrics

import (
	"sort"
	"sync"
	"time"
)

// latencyBounds are the bucket upper bounds in seconds. Decisions are
// in-memory evaluations over a cached constraint set, so the low end is
// sub-millisecond; the tail covers cold-cache database round trips.
var latencyBounds = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0,
}

// Histogram accumulates latency observations into fixed buckets. Counts are
// kept per bucket; the cumulative (Prometheus "le") form is produced at
// snapshot time.
type Histogram struct {
	mu     sync.Mutex
	name   string
	counts []int64
	sum    float64
	total  int64
}

func NewHistogram(name string) *Histogram {
	return &Histogram{name: name, counts: make([]int64, len(latencyBounds)+1)}
}

// Observe records one latency sample. Samples above the last bound land in
// the overflow bucket and only affect sum and count.
func (h *Histogram) Observe(d time.Duration) {
	sec := d.Seconds()
	idx := sort.SearchFloat64s(latencyBounds, sec)
	h.mu.Lock()
	h.counts[idx]++
	h.sum += sec
	h.total++
	h.mu.Unlock()
}

// Percentile estimates the given quantile (0.0-1.0) as the upper bound of
// the bucket containing it. Returns 0 for an empty histogram.
func (h *Histogram) Percentile(p float64) float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return quantileBound(h.counts, h.total, p)
}

func quantileBound(counts []int64, total int64, p float64) float64 {
	if total == 0 {
		return 0
	}
	target := int64(p * float64(total))
	if target < 1 {
		target = 1
	}
	var seen int64
	for i, c := range counts {
		seen += c
		if seen >= target {
			if i < len(latencyBounds) {
				return latencyBounds[i]
			}
			// Overflow bucket: report the largest bound.
			return latencyBounds[len(latencyBounds)-1]
		}
	}
	return latencyBounds[len(latencyBounds)-1]
}

// HistogramBucket is one cumulative bucket of a snapshot.
type HistogramBucket struct {
	Le    float64
	Count int64
}

// HistogramSnapshot is an immutable copy of a histogram for exposition.
type HistogramSnapshot struct {
	Name    string
	Buckets []HistogramBucket
	Sum     float64
	Count   int64
	P50     float64
	P95     float64
	P99     float64
}

func (h *Histogram) Snapshot() HistogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	buckets := make([]HistogramBucket, len(latencyBounds))
	var cumulative int64
	for i, le := range latencyBounds {
		cumulative += h.counts[i]
		buckets[i] = HistogramBucket{Le: le, Count: cumulative}
	}
	return HistogramSnapshot{
		Name:    h.name,
		Buckets: buckets,
		Sum:     h.sum,
		Count:   h.total,
		P50:     quantileBound(h.counts, h.total, 0.50),
		P95:     quantileBound(h.counts, h.total, 0.95),
		P99:     quantileBound(h.counts, h.total, 0.99),
	}
}

// HistogramRegistry holds one histogram per endpoint label.
type HistogramRegistry struct {
	mu         sync.RWMutex
	histograms map[string]*Histogram
}

func NewHistogramRegistry() *HistogramRegistry {
	return &HistogramRegistry{histograms: map[string]*Histogram{}}
}

// Get returns the histogram for the name, creating it on first use.
func (r *HistogramRegistry) Get(name string) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	h = NewHistogram(name)
	r.histograms[name] = h
	return h
}

func (r *HistogramRegistry) ObserveDuration(name string, d time.Duration) {
	r.Get(name).Observe(d)
}

// Snapshots returns every histogram, sorted by name so exposition output is
// stable across scrapes.
func (r *HistogramRegistry) Snapshots() []HistogramSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistogramSnapshot, 0, len(r.histograms))
	for _, h := range r.histograms {
		out = append(out, h.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
