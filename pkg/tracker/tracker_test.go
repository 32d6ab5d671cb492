package tracker

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/effektvakt/effektvakt/pkg/clock"
	"github.com/effektvakt/effektvakt/pkg/storage/storagemock"
	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	tr := New(storagemock.NewMemory())
	tr.ApplySettings(context.Background(), types.Settings{TimeZone: "UTC", MinSignificantPowerW: 25})
	return tr
}

func TestRecordPowerSample(t *testing.T) {
	ctx := context.Background()

	t.Run("steady samples accumulate", func(t *testing.T) {
		tr := newTestTracker(t)
		base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
		require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, base))
		require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, base.Add(30*time.Minute)))
		require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, base.Add(60*time.Minute)))

		// 1 kW for a full hour
		assert.InDelta(t, 1.0, tr.UsedInHourKWh(base), 1e-9)
		assert.InDelta(t, 1.0, tr.UsedTodayKWh(base), 1e-9)
		assert.Empty(t, tr.UnreliablePeriods())
	})

	t.Run("interval splits at hour boundary", func(t *testing.T) {
		tr := newTestTracker(t)
		first := time.Date(2025, 6, 16, 7, 59, 30, 0, time.UTC)
		require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, first.Add(-30*time.Second)))
		require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, first))
		require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, first.Add(60*time.Second)))

		seven := time.Date(2025, 6, 16, 7, 0, 0, 0, time.UTC)
		eight := time.Date(2025, 6, 16, 8, 0, 0, 0, time.UTC)
		// 1 minute at 1 kW total, split 30 s / 30 s
		assert.InDelta(t, 1.0/60, tr.UsedInHourKWh(seven), 1e-9)
		assert.InDelta(t, 0.5/60, tr.UsedInHourKWh(eight), 1e-9)
	})

	t.Run("gap across boundary becomes outage", func(t *testing.T) {
		tr := newTestTracker(t)
		start := time.Date(2025, 6, 16, 7, 59, 30, 0, time.UTC)
		end := time.Date(2025, 6, 16, 8, 1, 0, 0, time.UTC)
		require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, start))
		require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, end))

		periods := tr.UnreliablePeriods()
		require.Len(t, periods, 1)
		assert.Equal(t, start, periods[0].Start)
		assert.Equal(t, end, periods[0].End)
		// no energy attributed across the gap
		assert.Zero(t, tr.UsedTodayKWh(start))
	})

	t.Run("gap over an hour is an outage without boundary", func(t *testing.T) {
		tr := newTestTracker(t)
		start := time.Date(2025, 6, 16, 10, 0, 1, 0, time.UTC)
		require.NoError(t, tr.RecordPowerSample(ctx, 500, -1, start))
		require.NoError(t, tr.RecordPowerSample(ctx, 500, -1, start.Add(61*time.Minute)))

		require.Len(t, tr.UnreliablePeriods(), 1)
		assert.Zero(t, tr.UsedTodayKWh(start))
	})

	t.Run("non-monotonic sample rejected", func(t *testing.T) {
		tr := newTestTracker(t)
		base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
		require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, base))
		require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, base.Add(-time.Minute)))
		assert.Equal(t, base, tr.State().LastTimestamp)
	})

	t.Run("non-finite and negative clamp to zero", func(t *testing.T) {
		tr := newTestTracker(t)
		base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
		require.NoError(t, tr.RecordPowerSample(ctx, math.NaN(), -1, base))
		require.NoError(t, tr.RecordPowerSample(ctx, -500, -1, base.Add(time.Minute)))
		assert.Zero(t, tr.State().LastPowerW)
		assert.Zero(t, tr.UsedTodayKWh(base))
	})

	t.Run("controlled split", func(t *testing.T) {
		tr := newTestTracker(t)
		base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
		require.NoError(t, tr.RecordPowerSample(ctx, 2000, 500, base))
		require.NoError(t, tr.RecordPowerSample(ctx, 2000, 500, base.Add(30*time.Minute)))

		whole, controlled, uncontrolled := tr.DayUsage(base)
		idx := base.Hour()
		assert.InDelta(t, 1.0, whole[idx], 1e-9)
		assert.InDelta(t, 0.25, controlled[idx], 1e-9)
		assert.InDelta(t, 0.75, uncontrolled[idx], 1e-9)
	})
}

// Deposited intervals and unreliable periods together cover elapsed time
// without overlap.
func TestCoverage(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	base := time.Date(2025, 6, 16, 7, 0, 0, 0, time.UTC)

	steps := []struct {
		offset time.Duration
		watts  float64
	}{
		{0, 1000},
		{30 * time.Second, 1000},
		{90 * time.Second, 1200},
		{60 * time.Minute, 800}, // outage: crosses boundary, > 60 s
		{61 * time.Minute, 800},
		{3 * time.Hour, 800}, // outage: > 1 h
		{3*time.Hour + 30*time.Second, 900},
	}
	for _, s := range steps {
		require.NoError(t, tr.RecordPowerSample(ctx, s.watts, -1, base.Add(s.offset)))
	}

	var outage time.Duration
	for _, p := range tr.UnreliablePeriods() {
		outage += p.End.Sub(p.Start)
	}
	// gaps: 58.5 min and 119 min
	want := (60*time.Minute - 90*time.Second) + (3*time.Hour - 61*time.Minute)
	assert.Equal(t, want, outage)

	// deposits happened only outside the outages
	assert.Greater(t, tr.UsedTodayKWh(base), 0.0)
}

func TestRecordMeterSample(t *testing.T) {
	ctx := context.Background()

	t.Run("derives energy from meter delta", func(t *testing.T) {
		tr := newTestTracker(t)
		base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
		require.NoError(t, tr.RecordMeterSample(ctx, 100.0, base))
		require.NoError(t, tr.RecordMeterSample(ctx, 100.5, base.Add(30*time.Minute)))
		assert.InDelta(t, 0.5, tr.UsedTodayKWh(base), 1e-9)
		assert.InDelta(t, 1000, tr.State().LastPowerW, 1e-9)
	})

	t.Run("meter delta splits across hour boundaries", func(t *testing.T) {
		tr := newTestTracker(t)
		base := time.Date(2025, 6, 16, 10, 30, 0, 0, time.UTC)
		require.NoError(t, tr.RecordMeterSample(ctx, 100.0, base))
		require.NoError(t, tr.RecordMeterSample(ctx, 102.0, base.Add(time.Hour)))
		// 2 kWh over 10:30-11:30, half in each hour bucket
		assert.InDelta(t, 1.0, tr.UsedInHourKWh(base), 1e-9)
		assert.InDelta(t, 1.0, tr.UsedInHourKWh(base.Add(time.Hour)), 1e-9)
		assert.Empty(t, tr.UnreliablePeriods())
	})

	t.Run("decreasing meter is a reset", func(t *testing.T) {
		tr := newTestTracker(t)
		base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
		require.NoError(t, tr.RecordMeterSample(ctx, 100.0, base))
		require.NoError(t, tr.RecordMeterSample(ctx, 2.0, base.Add(10*time.Minute)))
		assert.Equal(t, 2.0, tr.State().LastMeterKWh)
		assert.Zero(t, tr.UsedTodayKWh(base))
	})

	t.Run("noise floor ignored", func(t *testing.T) {
		tr := newTestTracker(t)
		base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
		require.NoError(t, tr.RecordMeterSample(ctx, 100.0, base))
		// 0.001 kWh over 1 h = 1 W, below the 25 W floor
		require.NoError(t, tr.RecordMeterSample(ctx, 100.001, base.Add(time.Hour)))
		assert.True(t, tr.State().LastTimestamp.IsZero())
	})
}

func TestHourlyAveragesAndProfile(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC) // Monday

	require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, base))
	require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, base.Add(59*time.Minute)))
	// crossing into 11:00 finalizes the 10:00 bucket
	require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, base.Add(60*time.Minute)))

	state := tr.State()
	avg := state.HourlyAverages[clock.WeekdayHourKey(base, time.UTC)]
	assert.Equal(t, 1, avg.Count)
	assert.InDelta(t, 1.0, avg.Sum, 1e-6)

	weights := tr.ProfileWeights(base)
	require.Len(t, weights, 24)
	assert.InDelta(t, 1.0, weights[10], 1e-6)
	assert.Zero(t, weights[11])
}

func TestConfidence(t *testing.T) {
	tr := newTestTracker(t)
	assert.Zero(t, tr.Confidence())

	tr.mu.Lock()
	for d := 1; d <= 10; d++ {
		tr.state.DailyTotals[time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC).Format(clock.DateKeyLayout)] = 10
	}
	tr.mu.Unlock()
	assert.InDelta(t, 9.0/27.0, tr.Confidence(), 1e-9)

	tr.mu.Lock()
	for d := 1; d <= 30; d++ {
		tr.state.DailyTotals[time.Date(2025, 7, d, 0, 0, 0, 0, time.UTC).Format(clock.DateKeyLayout)] = 10
	}
	tr.mu.Unlock()
	assert.Equal(t, 1.0, tr.Confidence())
}

func TestResetTokenClearsHistory(t *testing.T) {
	ctx := context.Background()
	tr := newTestTracker(t)
	base := time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)
	require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, base))
	require.NoError(t, tr.RecordPowerSample(ctx, 1000, -1, base.Add(time.Hour/2)))
	require.Greater(t, tr.UsedTodayKWh(base), 0.0)

	tr.ApplySettings(ctx, types.Settings{TimeZone: "UTC", DailyBudgetResetMs: base.UnixMilli()})
	assert.Zero(t, tr.UsedTodayKWh(base))
	// the sample chain survives so the next sample does not see a gap
	assert.Equal(t, base.Add(time.Hour/2), tr.State().LastTimestamp)
}

func TestRestoreAllocatesMissingMaps(t *testing.T) {
	ctx := context.Background()
	db := storagemock.NewMemory()
	require.NoError(t, db.SaveTrackerState(ctx, types.TrackerState{}, 1))

	tr := New(db)
	require.NoError(t, tr.Restore(ctx))
	state := tr.State()
	assert.NotNil(t, state.Buckets)
	assert.NotNil(t, state.DailyTotals)
	assert.NotNil(t, state.HourlyAverages)
}

func TestLocalHourIndexFallBackDay(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Oslo")
	require.NoError(t, err)

	// 2025-10-26 repeats 02:00 local; the day has 25 buckets.
	buckets := clock.DayBuckets(time.Date(2025, 10, 26, 12, 0, 0, 0, loc), loc)
	require.Len(t, buckets, 25)

	t.Run("repeated local hour keeps two slots", func(t *testing.T) {
		first := time.Date(2025, 10, 26, 0, 30, 0, 0, time.UTC)  // 02:30 CEST
		second := time.Date(2025, 10, 26, 1, 30, 0, 0, time.UTC) // 02:30 CET
		assert.Equal(t, 2, localHourIndex(buckets, first, loc))
		assert.Equal(t, 3, localHourIndex(buckets, second, loc))
	})

	t.Run("other days fold by local clock hour", func(t *testing.T) {
		prior := time.Date(2025, 10, 20, 9, 30, 0, 0, time.UTC) // 11:30 CEST
		idx := localHourIndex(buckets, prior, loc)
		require.GreaterOrEqual(t, idx, 0)
		assert.Equal(t, 11, buckets[idx].In(loc).Hour())
	})
}
