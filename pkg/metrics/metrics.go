package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Registry struct {
	mu            sync.RWMutex
	endpoint      map[string]*EndpointStat
	decision      map[string]int64
	tierDeny      map[int]int64
	objectType    map[string]int64
	gauges        map[string]float64
	cacheHits     int64
	cacheMisses   int64
	importOutcome map[string]int64
	Histograms    *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type Snapshot struct {
	GeneratedAt   string                  `json:"generated_at"`
	Endpoints     map[string]EndpointStat `json:"endpoints"`
	Decisions     map[string]int64        `json:"decisions"`
	TierDenials   map[string]int64        `json:"tier_denials"`
	ObjectTypes   map[string]int64        `json:"object_types"`
	Gauges        map[string]float64      `json:"gauges"`
	CacheHits     int64                   `json:"cache_hits_total"`
	CacheMisses   int64                   `json:"cache_misses_total"`
	ImportOutcome map[string]int64        `json:"template_import_outcomes"`
	Histograms    []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:      map[string]*EndpointStat{},
		decision:      map[string]int64{},
		tierDeny:      map[int]int64{},
		objectType:    map[string]int64{},
		gauges:        map[string]float64{},
		importOutcome: map[string]int64{},
		Histograms:    NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()
	r.mu.Lock()
	defer r.mu.Unlock()
	stat, ok := r.endpoint[path]
	if !ok {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

// IncDecision counts a final verdict, "allow" or "deny".
func (r *Registry) IncDecision(decision string) {
	if decision == "" {
		return
	}
	r.mu.Lock()
	r.decision[decision]++
	r.mu.Unlock()
}

// IncTierDeny counts which tier produced a denial, 1 or 2.
func (r *Registry) IncTierDeny(tier int) {
	if tier != 1 && tier != 2 {
		return
	}
	r.mu.Lock()
	r.tierDeny[tier]++
	r.mu.Unlock()
}

// IncObjectType counts evaluated object types so operators can see which
// routes drive tier-2 load.
func (r *Registry) IncObjectType(objectType string) {
	if objectType == "" {
		return
	}
	r.mu.Lock()
	r.objectType[objectType]++
	r.mu.Unlock()
}

func (r *Registry) IncCacheHit() {
	r.mu.Lock()
	r.cacheHits++
	r.mu.Unlock()
}

func (r *Registry) IncCacheMiss() {
	r.mu.Lock()
	r.cacheMisses++
	r.mu.Unlock()
}

// IncImportOutcome counts template imports by outcome label, for example
// "success", "validation_failed" or "partial".
func (r *Registry) IncImportOutcome(outcome string) {
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	r.mu.Lock()
	r.importOutcome[outcome]++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := Snapshot{
		GeneratedAt:   time.Now().UTC().Format(time.RFC3339),
		Endpoints:     make(map[string]EndpointStat, len(r.endpoint)),
		Decisions:     make(map[string]int64, len(r.decision)),
		TierDenials:   make(map[string]int64, len(r.tierDeny)),
		ObjectTypes:   make(map[string]int64, len(r.objectType)),
		Gauges:        make(map[string]float64, len(r.gauges)),
		CacheHits:     r.cacheHits,
		CacheMisses:   r.cacheMisses,
		ImportOutcome: make(map[string]int64, len(r.importOutcome)),
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	for k, v := range r.decision {
		out.Decisions[k] = v
	}
	for k, v := range r.tierDeny {
		out.TierDenials[strconv.Itoa(k)] = v
	}
	for k, v := range r.objectType {
		out.ObjectTypes[k] = v
	}
	for k, v := range r.gauges {
		out.Gauges[k] = v
	}
	for k, v := range r.importOutcome {
		out.ImportOutcome[k] = v
	}
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(snap)
	}
}

func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}
		b.WriteString("# HELP vams_endpoint_count total requests by endpoint\n")
		b.WriteString("# TYPE vams_endpoint_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "vams_endpoint_count{endpoint=%q} %d\n", ep, stat.Count)
		}
		b.WriteString("# HELP vams_endpoint_error_count total endpoint errors\n")
		b.WriteString("# TYPE vams_endpoint_error_count counter\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "vams_endpoint_error_count{endpoint=%q} %d\n", ep, stat.ErrorCount)
		}
		b.WriteString("# HELP vams_endpoint_avg_millis endpoint average latency in milliseconds\n")
		b.WriteString("# TYPE vams_endpoint_avg_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "vams_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, stat.AverageMillis)
		}
		b.WriteString("# HELP vams_endpoint_max_millis endpoint max latency in milliseconds\n")
		b.WriteString("# TYPE vams_endpoint_max_millis gauge\n")
		for _, ep := range SortedKeys(snap.Endpoints) {
			stat := snap.Endpoints[ep]
			fmt.Fprintf(b, "vams_endpoint_max_millis{endpoint=%q} %d\n", ep, stat.MaxMillis)
		}
		b.WriteString("# HELP vams_decision_total final verdicts by decision\n")
		b.WriteString("# TYPE vams_decision_total counter\n")
		for _, decision := range SortedKeys(snap.Decisions) {
			fmt.Fprintf(b, "vams_decision_total{decision=%q} %d\n", decision, snap.Decisions[decision])
		}
		b.WriteString("# HELP vams_tier_deny_total denials by enforcement tier\n")
		b.WriteString("# TYPE vams_tier_deny_total counter\n")
		for _, tier := range SortedKeys(snap.TierDenials) {
			fmt.Fprintf(b, "vams_tier_deny_total{tier=%q} %d\n", tier, snap.TierDenials[tier])
		}
		b.WriteString("# HELP vams_object_type_total evaluated objects by type\n")
		b.WriteString("# TYPE vams_object_type_total counter\n")
		for _, objectType := range SortedKeys(snap.ObjectTypes) {
			fmt.Fprintf(b, "vams_object_type_total{objectType=%q} %d\n", objectType, snap.ObjectTypes[objectType])
		}
		b.WriteString("# HELP vams_constraint_cache_total constraint cache lookups\n")
		b.WriteString("# TYPE vams_constraint_cache_total counter\n")
		fmt.Fprintf(b, "vams_constraint_cache_total{result=%q} %d\n", "hit", snap.CacheHits)
		fmt.Fprintf(b, "vams_constraint_cache_total{result=%q} %d\n", "miss", snap.CacheMisses)
		b.WriteString("# HELP vams_template_import_total template imports by outcome\n")
		b.WriteString("# TYPE vams_template_import_total counter\n")
		for _, outcome := range SortedKeys(snap.ImportOutcome) {
			fmt.Fprintf(b, "vams_template_import_total{outcome=%q} %d\n", outcome, snap.ImportOutcome[outcome])
		}
		b.WriteString("# HELP vams_gauge operational gauge metrics\n")
		b.WriteString("# TYPE vams_gauge gauge\n")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "vams_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}
		for _, h := range snap.Histograms {
			b.WriteString("# HELP vams_latency_seconds latency histogram\n")
			b.WriteString("# TYPE vams_latency_seconds histogram\n")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "vams_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "vams_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "vams_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "vams_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "vams_latency_p50_seconds{endpoint=%q} %.6f\n", h.Name, h.P50)
			fmt.Fprintf(b, "vams_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "vams_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}

		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
