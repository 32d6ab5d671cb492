package prices

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/storage/storagemock"
	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntries(totals ...float64) []types.Price {
	start := time.Date(2025, 6, 15, 0, 0, 0, 0, time.UTC)
	entries := make([]types.Price, len(totals))
	for i, total := range totals {
		entries[i] = types.Price{StartsAt: start.Add(time.Duration(i) * time.Hour), Total: total}
	}
	return entries
}

func TestClassify(t *testing.T) {
	t.Run("flags around average", func(t *testing.T) {
		entries := testEntries(0.5, 1.0, 1.5)
		avg, low, high := Classify(entries, 10, 0)
		assert.InDelta(t, 1.0, avg, 1e-9)
		assert.InDelta(t, 0.9, low, 1e-9)
		assert.InDelta(t, 1.1, high, 1e-9)
		assert.True(t, entries[0].IsCheap)
		assert.False(t, entries[0].IsExpensive)
		assert.False(t, entries[1].IsCheap)
		assert.False(t, entries[1].IsExpensive)
		assert.True(t, entries[2].IsExpensive)
	})

	t.Run("min diff suppresses flags", func(t *testing.T) {
		// spread is only 2 øre around a 1 kr average
		entries := testEntries(0.98, 1.00, 1.02)
		Classify(entries, 1, 0.05)
		for _, e := range entries {
			assert.False(t, e.IsCheap)
			assert.False(t, e.IsExpensive)
		}
	})

	t.Run("idempotent", func(t *testing.T) {
		entries := testEntries(0.5, 1.0, 1.5)
		avg1, low1, high1 := Classify(entries, 10, 0.05)
		first := make([]types.Price, len(entries))
		copy(first, entries)
		avg2, low2, high2 := Classify(entries, 10, 0.05)
		assert.Equal(t, avg1, avg2)
		assert.Equal(t, low1, low2)
		assert.Equal(t, high1, high2)
		assert.Equal(t, first, entries)
	})

	t.Run("never both cheap and expensive", func(t *testing.T) {
		entries := testEntries(0.1, 0.2, 5.0, 0.2, 0.1)
		Classify(entries, 0, 0)
		for _, e := range entries {
			require.NoError(t, e.Validate())
		}
	})

	t.Run("non-finite totals become zero", func(t *testing.T) {
		entries := testEntries(1.0, 2.0)
		entries = append(entries, types.Price{StartsAt: entries[1].StartsAt.Add(time.Hour), Total: math.NaN()})
		avg, _, _ := Classify(entries, 10, 0)
		assert.InDelta(t, 1.0, avg, 1e-9)
		assert.Equal(t, 0.0, entries[2].Total)
	})

	t.Run("empty", func(t *testing.T) {
		avg, low, high := Classify(nil, 10, 0.05)
		assert.Zero(t, avg)
		assert.Zero(t, low)
		assert.Zero(t, high)
	})
}

func TestBuildFlowEntries(t *testing.T) {
	t.Run("strict array", func(t *testing.T) {
		got, err := BuildFlowEntries(`[0.5, 1.0, 1.5]`)
		require.NoError(t, err)
		assert.Equal(t, map[int]float64{0: 0.5, 1: 1.0, 2: 1.5}, got)
	})

	t.Run("hour map", func(t *testing.T) {
		got, err := BuildFlowEntries(`{"0": 0.5, "23": 1.5}`)
		require.NoError(t, err)
		assert.Equal(t, map[int]float64{0: 0.5, 23: 1.5}, got)
	})

	t.Run("single quotes and trailing comma", func(t *testing.T) {
		got, err := BuildFlowEntries(`{'0': 0.5, '1': 0.7,}`)
		require.NoError(t, err)
		assert.Equal(t, map[int]float64{0: 0.5, 1: 0.7}, got)
	})

	t.Run("trailing comma in array", func(t *testing.T) {
		got, err := BuildFlowEntries(`[0.5, 0.7,]`)
		require.NoError(t, err)
		assert.Equal(t, map[int]float64{0: 0.5, 1: 0.7}, got)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := BuildFlowEntries(`not json at all`)
		assert.Error(t, err)
	})

	t.Run("rejects empty", func(t *testing.T) {
		_, err := BuildFlowEntries(`  `)
		assert.Error(t, err)
	})

	t.Run("rejects out of range hour keys", func(t *testing.T) {
		_, err := BuildFlowEntries(`{"25": 0.5}`)
		assert.Error(t, err)
	})

	t.Run("rejects too many array entries", func(t *testing.T) {
		_, err := BuildFlowEntries(`[1,2,3,4,5,6,7,8,9,10,11,12,13,14,15,16,17,18,19,20,21,22,23,24,25,26]`)
		assert.Error(t, err)
	})
}

func TestStoreFlowPriceData(t *testing.T) {
	db := storagemock.NewMemory()
	s := NewForTest(db)
	s.ApplySettings(context.Background(), types.Settings{PriceScheme: types.SchemeFlow, TimeZone: "UTC"})

	missing, err := s.StoreFlowPriceData(context.Background(), FlowToday, `[0.5, 1.0, 1.5]`)
	require.NoError(t, err)
	// only the first 3 hours were provided
	assert.Len(t, missing, 21)

	require.NoError(t, s.UpdateCombinedPrices(context.Background()))
	combined := s.Combined()
	require.Len(t, combined.Entries, 3)
	assert.InDelta(t, 1.0, combined.AvgPrice, 1e-9)
	assert.Equal(t, types.SchemeFlow, combined.PriceScheme)

	persisted, err := db.LoadCombinedPrices(context.Background())
	require.NoError(t, err)
	assert.Len(t, persisted.Entries, 3)
}

func TestEntriesFromSpot(t *testing.T) {
	start := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

	newService := func(area string) *Service {
		s := NewForTest(storagemock.NewMemory())
		s.settings = types.Settings{PriceScheme: types.SchemeNorway, PriceArea: area}
		s.spot = []types.SpotEntry{{StartsAt: start, SpotPriceExVat: 1.0, Currency: "NOK"}}
		s.tariff = []types.TariffEntry{{StartsAt: start, EnergyExVat: 0.5}}
		return s
	}

	t.Run("full combination with support", func(t *testing.T) {
		s := newService("NO1")
		entries := s.entriesFromSpotLocked()
		require.Len(t, entries, 1)
		e := entries[0]
		require.NotNil(t, e.Breakdown)
		// (1.0 + 0.5 + 0.05 + 0.1669 + 0.01) * 1.25 = 2.158625
		assert.InDelta(t, 1.7269, e.Breakdown.TotalExVat, 1e-9)
		// support: (1.0 - 0.75) * 0.9 * 1.25
		assert.InDelta(t, 0.28125, e.Breakdown.ElectricitySupport, 1e-9)
		assert.InDelta(t, 2.158625-0.28125, e.Total, 1e-9)
		require.NoError(t, e.Validate())
	})

	t.Run("NO4 has no VAT", func(t *testing.T) {
		s := newService("NO4")
		entries := s.entriesFromSpotLocked()
		require.Len(t, entries, 1)
		e := entries[0]
		assert.InDelta(t, 1.0, e.Breakdown.VatMultiplier, 1e-9)
		assert.Zero(t, e.Breakdown.VatAmount)
		// (1.0 - 0.75) * 0.9 * 1.0
		assert.InDelta(t, 0.225, e.Breakdown.ElectricitySupport, 1e-9)
		require.NoError(t, e.Validate())
	})

	t.Run("no support below threshold", func(t *testing.T) {
		s := newService("NO1")
		s.spot[0].SpotPriceExVat = 0.5
		entries := s.entriesFromSpotLocked()
		require.Len(t, entries, 1)
		assert.Zero(t, entries[0].Breakdown.ElectricitySupport)
	})

	t.Run("norgespris caps the spot component", func(t *testing.T) {
		s := newService("NO1")
		s.supportRate = 0
		s.norgesprisCapIncVat = 0.5
		entries := s.entriesFromSpotLocked()
		require.Len(t, entries, 1)
		e := entries[0]
		// spot inc VAT is 1.25, capped to 0.5
		assert.InDelta(t, -0.75, e.Breakdown.NorgesprisAdjustment, 1e-9)
		require.NoError(t, e.Validate())
	})

	t.Run("missing tariff hour uses zero grid", func(t *testing.T) {
		s := newService("NO1")
		s.tariff = nil
		entries := s.entriesFromSpotLocked()
		require.Len(t, entries, 1)
		assert.Zero(t, entries[0].Breakdown.GridTariffExVat)
		require.NoError(t, entries[0].Validate())
	})
}

func TestNormalizeTariff(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Oslo")
	require.NoError(t, err)
	day := time.Date(2025, 6, 15, 0, 0, 0, 0, loc)

	raw := make([]nettleieEntry, 24)
	for i := range raw {
		raw[i] = nettleieEntry{
			EnergileddEks: 0.3 + float64(i)*0.001,
			EnergileddInk: (0.3 + float64(i)*0.001) * 1.25,
			DatoID:        "2025-06-08",
		}
	}

	entries := normalizeTariff(raw, day, loc)
	require.Len(t, entries, 24)
	// re-dated to the target day regardless of the fetched day
	assert.Equal(t, day, entries[0].StartsAt)
	assert.InDelta(t, 0.3, entries[0].EnergyExVat, 1e-9)
	assert.InDelta(t, 0.323, entries[23].EnergyExVat, 1e-9)
	assert.Equal(t, day.Add(23*time.Hour), entries[23].StartsAt)
}

func TestAverageIntoHours(t *testing.T) {
	loc := time.UTC
	day := time.Date(2025, 6, 15, 0, 0, 0, 0, loc)

	t.Run("quarter hours average into hour", func(t *testing.T) {
		var intervals []PriceInterval
		for i := 0; i < 4; i++ {
			start := day.Add(time.Duration(i) * 15 * time.Minute)
			intervals = append(intervals, PriceInterval{Start: start, End: start.Add(15 * time.Minute), Price: float64(i)})
		}
		got := averageIntoHours(intervals, "2025-06-15", loc)
		require.Contains(t, got.PricesByHour, 0)
		assert.InDelta(t, 1.5, got.PricesByHour[0], 1e-9)
		assert.NotContains(t, got.PricesByHour, 1)
	})

	t.Run("skips non-finite intervals", func(t *testing.T) {
		intervals := []PriceInterval{
			{Start: day, End: day.Add(30 * time.Minute), Price: math.Inf(1)},
			{Start: day.Add(30 * time.Minute), End: day.Add(time.Hour), Price: 2.0},
		}
		got := averageIntoHours(intervals, "2025-06-15", loc)
		assert.InDelta(t, 2.0, got.PricesByHour[0], 1e-9)
	})

	t.Run("no overlap yields empty", func(t *testing.T) {
		intervals := []PriceInterval{
			{Start: day.AddDate(0, 0, 2), End: day.AddDate(0, 0, 2).Add(time.Hour), Price: 1.0},
		}
		got := averageIntoHours(intervals, "2025-06-15", loc)
		assert.Empty(t, got.PricesByHour)
	})
}

func TestFindCheapestHours(t *testing.T) {
	s := NewForTest(storagemock.NewMemory())
	s.combined = types.CombinedPrices{Entries: testEntries(1.5, 0.5, 1.0)}

	cheapest := s.FindCheapestHours(2)
	require.Len(t, cheapest, 2)
	assert.Equal(t, 0.5, cheapest[0].Total)
	assert.Equal(t, 1.0, cheapest[1].Total)

	assert.Len(t, s.FindCheapestHours(10), 3)
	assert.Empty(t, s.FindCheapestHours(0))
}

func TestApplySettingsInvalidatesSpotOnAreaChange(t *testing.T) {
	s := NewForTest(storagemock.NewMemory())
	s.settings = types.Settings{PriceArea: "NO1"}
	s.spot = []types.SpotEntry{{StartsAt: time.Now(), SpotPriceExVat: 1}}

	s.ApplySettings(context.Background(), types.Settings{PriceArea: "NO1", TimeZone: "UTC"})
	assert.NotEmpty(t, s.spot)

	s.ApplySettings(context.Background(), types.Settings{PriceArea: "NO2", TimeZone: "UTC"})
	assert.Empty(t, s.spot)
}

func TestSerializeFlowEntries(t *testing.T) {
	got := SerializeFlowEntries(map[int]float64{2: 0.7, 0: 0.5})
	assert.Equal(t, map[string]float64{"0": 0.5, "2": 0.7}, got)
}

type logRecorder struct {
	mu      sync.Mutex
	records []slog.Record
}

func (r *logRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *logRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }
func (r *logRecorder) WithGroup(string) slog.Handler      { return r }

func (r *logRecorder) has(level slog.Level, message string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.Level == level && rec.Message == message {
			return true
		}
	}
	return false
}

func TestRefreshSpotLogsWhenTomorrowNotAttempted(t *testing.T) {
	setup := func(t *testing.T, at time.Time) (*Service, *logRecorder, context.Context) {
		t.Helper()
		s := NewForTest(storagemock.NewMemory())
		s.now = func() time.Time { return at }

		ctx := context.Background()
		s.ApplySettings(ctx, types.Settings{TimeZone: "Europe/Oslo", PriceScheme: types.SchemeNorway, PriceArea: "NO1"})

		// cache already holds today so the refresh reaches the tomorrow step
		s.mu.Lock()
		s.spot = []types.SpotEntry{{StartsAt: at.Truncate(time.Hour), SpotPriceExVat: 0.5, Currency: "NOK"}}
		s.spotArea = "NO1"
		s.mu.Unlock()

		rec := &logRecorder{}
		return s, rec, log.With(ctx, slog.New(rec))
	}

	t.Run("errors past the local deadline even before publish time", func(t *testing.T) {
		// 11:30 UTC is 13:30 in Oslo in June, before the 12:15 UTC publish
		at := time.Date(2025, 6, 15, 11, 30, 0, 0, time.UTC)
		s, rec, ctx := setup(t, at)
		require.NoError(t, s.RefreshSpotPrices(ctx, false))
		assert.True(t, rec.has(slog.LevelError, "tomorrow's spot prices missing after publish deadline"))
	})

	t.Run("debug during the morning grace window", func(t *testing.T) {
		// 08:00 UTC is 10:00 in Oslo in June
		at := time.Date(2025, 6, 15, 8, 0, 0, 0, time.UTC)
		s, rec, ctx := setup(t, at)
		require.NoError(t, s.RefreshSpotPrices(ctx, false))
		assert.True(t, rec.has(slog.LevelDebug, "tomorrow's spot prices not yet available"))
		assert.False(t, rec.has(slog.LevelError, "tomorrow's spot prices missing after publish deadline"))
	})
}
