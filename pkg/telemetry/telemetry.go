// Package telemetry owns the performance counters, the runtime span ring and
// the rebuild-trace ring. One Telemetry instance is handed to each component;
// tests reset it explicitly instead of sharing process globals.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	traceRingSize      = 64
	recentSpanRingSize = 32
	summaryInterval    = 30 * time.Second
)

// RebuildTrace is one plan rebuild's timing breakdown.
type RebuildTrace struct {
	ID          string    `json:"id"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
	QueueWaitMs int64     `json:"queueWaitMs"`
	BuildMs     int64     `json:"buildMs"`
	ChangeMs    int64     `json:"changeMs"`
	SnapshotMs  int64     `json:"snapshotMs"`
	StatusMs    int64     `json:"statusMs"`
	ApplyMs     int64     `json:"applyMs"`
	TotalMs     int64     `json:"totalMs"`
	Failed      bool      `json:"failed"`
}

// SpanRecord is one finished runtime span.
type SpanRecord struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	EndedAt  time.Time     `json:"endedAt"`
}

type activeSpan struct {
	id      string
	name    string
	started time.Time
}

// Telemetry is safe for concurrent use.
type Telemetry struct {
	registry *prometheus.Registry

	rebuilds       *prometheus.CounterVec
	rebuildSeconds prometheus.Histogram
	powerSamples   prometheus.Counter
	sheds          prometheus.Counter
	priceRefreshes *prometheus.CounterVec

	mu       sync.Mutex
	counters map[string]int64
	active   map[string]activeSpan
	recent   []SpanRecord
	traces   []RebuildTrace

	now func() time.Time
}

// New builds a Telemetry with its own prometheus registry.
func New() *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "effektvakt_rebuilds_total",
			Help: "Plan rebuilds by result.",
		}, []string{"result"}),
		rebuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "effektvakt_rebuild_seconds",
			Help:    "End-to-end rebuild duration.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		powerSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "effektvakt_power_samples_total",
			Help: "Power samples accepted by the tracker.",
		}),
		sheds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "effektvakt_sheds_total",
			Help: "Devices shed by the capacity guard.",
		}),
		priceRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "effektvakt_price_refreshes_total",
			Help: "Price refreshes by source and result.",
		}, []string{"source", "result"}),
		counters: map[string]int64{},
		active:   map[string]activeSpan{},
		now:      time.Now,
	}
	t.registry.MustRegister(t.rebuilds, t.rebuildSeconds, t.powerSamples, t.sheds, t.priceRefreshes)
	return t
}

// Registry exposes the metrics for the /metrics handler.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

// Count bumps a named summary counter.
func (t *Telemetry) Count(name string) {
	t.mu.Lock()
	t.counters[name]++
	t.mu.Unlock()
}

// RecordPowerSample counts one accepted tracker sample.
func (t *Telemetry) RecordPowerSample() {
	t.powerSamples.Inc()
	t.Count("power_samples")
}

// RecordShed counts one capacity-guard shed.
func (t *Telemetry) RecordShed() {
	t.sheds.Inc()
	t.Count("sheds")
}

// RecordPriceRefresh counts one price refresh attempt.
func (t *Telemetry) RecordPriceRefresh(source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	t.priceRefreshes.WithLabelValues(source, result).Inc()
	t.Count("price_refresh_" + source + "_" + result)
}

// StartSpan registers a runtime span; the returned func ends it. Spans still
// active show up in the CPU-spike diagnostic with their age.
func (t *Telemetry) StartSpan(name string) func() {
	id := uuid.NewString()
	t.mu.Lock()
	started := t.now()
	t.active[id] = activeSpan{id: id, name: name, started: started}
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.active, id)
		t.recent = append(t.recent, SpanRecord{Name: name, Duration: t.now().Sub(started), EndedAt: t.now()})
		if len(t.recent) > recentSpanRingSize {
			t.recent = t.recent[len(t.recent)-recentSpanRingSize:]
		}
	}
}

// NewTraceID returns an id used to correlate one rebuild's log lines.
func (t *Telemetry) NewTraceID() string {
	return uuid.NewString()
}

// RecordRebuild appends a trace to the bounded ring and updates the metrics.
func (t *Telemetry) RecordRebuild(trace RebuildTrace) {
	result := "ok"
	if trace.Failed {
		result = "failed"
	}
	t.rebuilds.WithLabelValues(result).Inc()
	t.rebuildSeconds.Observe(float64(trace.TotalMs) / 1000)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters["rebuild_"+result]++
	t.traces = append(t.traces, trace)
	if len(t.traces) > traceRingSize {
		t.traces = t.traces[len(t.traces)-traceRingSize:]
	}
}

// RecentRebuilds returns the trace ring, oldest first.
func (t *Telemetry) RecentRebuilds() []RebuildTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RebuildTrace, len(t.traces))
	copy(out, t.traces)
	return out
}

// RebuildSummary aggregates the trace ring for diagnostics.
func (t *Telemetry) RebuildSummary() (count, failed int, avgTotalMs, maxTotalMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var sum int64
	for _, tr := range t.traces {
		count++
		if tr.Failed {
			failed++
		}
		sum += tr.TotalMs
		if tr.TotalMs > maxTotalMs {
			maxTotalMs = tr.TotalMs
		}
	}
	if count > 0 {
		avgTotalMs = sum / int64(count)
	}
	return count, failed, avgTotalMs, maxTotalMs
}

// Reset clears all rings and summary counters, for tests.
func (t *Telemetry) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counters = map[string]int64{}
	t.active = map[string]activeSpan{}
	t.recent = nil
	t.traces = nil
}

// RunSummary logs the counter dump every 30 s until the context ends.
func (t *Telemetry) RunSummary(ctx context.Context) {
	ticker := time.NewTicker(summaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.logSummary(ctx)
		}
	}
}

func (t *Telemetry) logSummary(ctx context.Context) {
	t.mu.Lock()
	attrs := make([]any, 0, len(t.counters)*2)
	for name, v := range t.counters {
		attrs = append(attrs, slog.Int64(name, v))
	}
	t.mu.Unlock()

	count, failed, avgMs, maxMs := t.RebuildSummary()
	attrs = append(attrs,
		slog.Int("rebuildTraces", count),
		slog.Int("rebuildFailed", failed),
		slog.Int64("rebuildAvgMs", avgMs),
		slog.Int64("rebuildMaxMs", maxMs),
	)
	log.Ctx(ctx).InfoContext(ctx, "telemetry summary", attrs...)
}

// activeSpanSummary and recentSpanSummary feed the CPU-spike diagnostic.
func (t *Telemetry) activeSpanSummary() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]string, 0, len(t.active))
	for _, s := range t.active {
		out = append(out, fmt.Sprintf("%s(%.1fs)", s.name, now.Sub(s.started).Seconds()))
	}
	return out
}

func (t *Telemetry) recentSpanSummary() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.recent))
	for _, s := range t.recent {
		out = append(out, fmt.Sprintf("%s(%dms)", s.Name, s.Duration.Milliseconds()))
	}
	return out
}
