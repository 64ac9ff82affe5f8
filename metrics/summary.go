package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/intrbiz/util-sub000/messaging"
)

// maxSamples bounds the latency samples kept per key for percentiles
const maxSamples = 100

// SummaryCollector is an in-memory messaging.MetricsCollector. It keeps
// counters and latency statistics that can be read back as a Summary.
type SummaryCollector struct {
	mu sync.RWMutex

	// counters by kind ("publish", "delivery", "rpc") then key then outcome
	counters map[string]map[string]map[string]int64

	// latency stats by kind then key
	timings map[string]map[string]*TimeStats

	lateReplies map[string]int64
	reconnects  map[string]int64
	states      map[string]messaging.State
}

// TimeStats tracks timing statistics
type TimeStats struct {
	Count   int64
	TotalMs int64
	MinMs   int64
	MaxMs   int64
	samples []int64
}

// NewSummaryCollector creates an empty collector
func NewSummaryCollector() *SummaryCollector {
	c := &SummaryCollector{}
	c.Reset()
	return c
}

func (c *SummaryCollector) count(kind, key, outcome string) {
	byKey := c.counters[kind]
	if byKey == nil {
		byKey = make(map[string]map[string]int64)
		c.counters[kind] = byKey
	}
	if byKey[key] == nil {
		byKey[key] = make(map[string]int64)
	}
	byKey[key][outcome]++
}

func (c *SummaryCollector) observe(kind, key string, duration time.Duration) {
	byKey := c.timings[kind]
	if byKey == nil {
		byKey = make(map[string]*TimeStats)
		c.timings[kind] = byKey
	}

	ms := duration.Milliseconds()
	stats, exists := byKey[key]
	if !exists {
		stats = &TimeStats{
			MinMs:   ms,
			MaxMs:   ms,
			samples: make([]int64, 0, maxSamples),
		}
		byKey[key] = stats
	}

	stats.Count++
	stats.TotalMs += ms
	if ms < stats.MinMs {
		stats.MinMs = ms
	}
	if ms > stats.MaxMs {
		stats.MaxMs = ms
	}

	if len(stats.samples) >= maxSamples {
		stats.samples = stats.samples[1:]
	}
	stats.samples = append(stats.samples, ms)
}

func (c *SummaryCollector) RecordPublish(exchange string, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.count("publish", exchange, outcome)
}

func (c *SummaryCollector) RecordDelivery(queue string, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("delivery", queue, outcome)
	c.observe("delivery", queue, duration)
}

func (c *SummaryCollector) RecordRPC(exchange string, outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count("rpc", exchange, outcome)
	c.observe("rpc", exchange, duration)
}

func (c *SummaryCollector) RecordLateReply(exchange string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lateReplies[exchange]++
}

func (c *SummaryCollector) RecordReconnect(role string, delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnects[role]++
}

func (c *SummaryCollector) RecordState(role string, state messaging.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[role] = state
}

// Summary represents a snapshot of all metrics
type Summary struct {
	Publishes   map[string]map[string]int64 `json:"publishes"`
	Deliveries  map[string]map[string]int64 `json:"deliveries"`
	RPCs        map[string]map[string]int64 `json:"rpcs"`
	Delivery    map[string]ProcessingStats  `json:"delivery_latency"`
	RPC         map[string]ProcessingStats  `json:"rpc_latency"`
	LateReplies map[string]int64            `json:"late_replies"`
	Reconnects  map[string]int64            `json:"reconnects"`
	States      map[string]string           `json:"states"`
}

// ProcessingStats represents latency statistics for one queue or exchange
type ProcessingStats struct {
	Count int64 `json:"count"`
	AvgMs int64 `json:"avg_ms"`
	MinMs int64 `json:"min_ms"`
	MaxMs int64 `json:"max_ms"`
	P50Ms int64 `json:"p50_ms"`
	P95Ms int64 `json:"p95_ms"`
	P99Ms int64 `json:"p99_ms"`
}

// Summary returns a copy of everything collected so far
func (c *SummaryCollector) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Summary{
		Publishes:   copyCounters(c.counters["publish"]),
		Deliveries:  copyCounters(c.counters["delivery"]),
		RPCs:        copyCounters(c.counters["rpc"]),
		Delivery:    processingStats(c.timings["delivery"]),
		RPC:         processingStats(c.timings["rpc"]),
		LateReplies: make(map[string]int64, len(c.lateReplies)),
		Reconnects:  make(map[string]int64, len(c.reconnects)),
		States:      make(map[string]string, len(c.states)),
	}
	for exchange, n := range c.lateReplies {
		s.LateReplies[exchange] = n
	}
	for role, n := range c.reconnects {
		s.Reconnects[role] = n
	}
	for role, state := range c.states {
		s.States[role] = state.String()
	}
	return s
}

// Reset clears all collected metrics
func (c *SummaryCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.counters = make(map[string]map[string]map[string]int64)
	c.timings = make(map[string]map[string]*TimeStats)
	c.lateReplies = make(map[string]int64)
	c.reconnects = make(map[string]int64)
	c.states = make(map[string]messaging.State)
}

func copyCounters(src map[string]map[string]int64) map[string]map[string]int64 {
	dst := make(map[string]map[string]int64, len(src))
	for key, outcomes := range src {
		dst[key] = make(map[string]int64, len(outcomes))
		for outcome, n := range outcomes {
			dst[key][outcome] = n
		}
	}
	return dst
}

func processingStats(src map[string]*TimeStats) map[string]ProcessingStats {
	dst := make(map[string]ProcessingStats, len(src))
	for key, stats := range src {
		ps := ProcessingStats{
			Count: stats.Count,
			MinMs: stats.MinMs,
			MaxMs: stats.MaxMs,
		}
		if stats.Count > 0 {
			ps.AvgMs = stats.TotalMs / stats.Count
		}
		if len(stats.samples) > 0 {
			sorted := make([]int64, len(stats.samples))
			copy(sorted, stats.samples)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
			ps.P50Ms = percentile(sorted, 0.50)
			ps.P95Ms = percentile(sorted, 0.95)
			ps.P99Ms = percentile(sorted, 0.99)
		}
		dst[key] = ps
	}
	return dst
}

// percentile reads a percentile from sorted samples
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

var _ messaging.MetricsCollector = (*SummaryCollector)(nil)
