package telemetry

import (
	"context"
	"log/slog"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/effektvakt/effektvakt/pkg/log"
)

const (
	cpuSampleInterval  = time.Second
	cpuSpikeRatio      = 0.85
	cpuSpikeSamples    = 3
	wallSlackRatio     = 1.5
	diagnosticThrottle = 5 * time.Second
)

// RunCPUMonitor samples wall and CPU time every second and emits a throttled
// diagnostic when the process is pegged or the loop stalls.
func (t *Telemetry) RunCPUMonitor(ctx context.Context) {
	ticker := time.NewTicker(cpuSampleInterval)
	defer ticker.Stop()

	var (
		lastWall time.Time
		lastCPU  time.Duration
		spikes   int
		lastDiag time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		cpu := processCPUTime()
		if lastWall.IsZero() {
			lastWall, lastCPU = now, cpu
			continue
		}

		elapsed := now.Sub(lastWall)
		usage := float64(cpu-lastCPU) / float64(elapsed)
		stalled := elapsed > time.Duration(float64(cpuSampleInterval)*wallSlackRatio)
		lastWall, lastCPU = now, cpu

		if usage >= cpuSpikeRatio {
			spikes++
		} else {
			spikes = 0
		}

		if (spikes < cpuSpikeSamples && !stalled) || now.Sub(lastDiag) < diagnosticThrottle {
			continue
		}
		lastDiag = now
		t.emitDiagnostic(ctx, usage, elapsed)
	}
}

func (t *Telemetry) emitDiagnostic(ctx context.Context, usage float64, elapsed time.Duration) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	count, failed, avgMs, maxMs := t.RebuildSummary()
	log.Ctx(ctx).WarnContext(ctx, "cpu spike",
		slog.Float64("cpuPct", usage*100),
		slog.Duration("sampleElapsed", elapsed),
		slog.Uint64("heapBytes", mem.HeapAlloc),
		slog.Int64("rssBytes", processRSSBytes()),
		slog.String("activeSpans", strings.Join(t.activeSpanSummary(), ",")),
		slog.String("recentSpans", strings.Join(t.recentSpanSummary(), ",")),
		slog.Int("rebuildTraces", count),
		slog.Int("rebuildFailed", failed),
		slog.Int64("rebuildAvgMs", avgMs),
		slog.Int64("rebuildMaxMs", maxMs),
	)
}

func processCPUTime() time.Duration {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}

func processRSSBytes() int64 {
	var ru syscall.Rusage
	if err := syscall.Getrusage(syscall.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	// ru_maxrss is in KiB on Linux
	return ru.Maxrss * 1024
}
