// Package prices fetches, normalizes and combines spot, grid-tariff,
// surcharge, tax, VAT and support components into a unified hourly price
// series, and classifies each hour cheap/normal/expensive.
package prices

import (
	"context"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/effektvakt/effektvakt/pkg/clock"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/storage"
	"github.com/effektvakt/effektvakt/pkg/types"
)

// Service maintains the cached price components and the combined series.
// All methods are safe for concurrent use.
type Service struct {
	client    *http.Client
	db        storage.Database
	homey     HomeyEnergy
	spotURL   string
	tariffURL string
	now       func() time.Time

	// combination constants, all in kr/kWh ex VAT unless stated
	surchargeExVat      float64
	consumptionTaxExVat float64
	enovaFeeExVat       float64
	supportThreshold    float64
	supportRate         float64
	norgesprisCapIncVat float64

	mu            sync.Mutex
	settings      types.Settings
	loc           *time.Location
	spot          []types.SpotEntry
	spotArea      string
	tariff        []types.TariffEntry
	flowToday     types.FlowPriceData
	flowTomorrow  types.FlowPriceData
	homeyToday    types.FlowPriceData
	homeyTomorrow types.FlowPriceData
	homeyCurrency string
	combined      types.CombinedPrices
}

// HomeyEnergy is the optional host capability for dynamic prices. Intervals
// may be of any sub-hour granularity; the service averages them into hour
// buckets.
type HomeyEnergy interface {
	FetchDynamicPrices(ctx context.Context, start, end time.Time) ([]PriceInterval, error)
	Currency(ctx context.Context) (string, error)
}

// PriceInterval is one raw interval from the host energy API.
type PriceInterval struct {
	Start time.Time
	End   time.Time
	Price float64
}

// SetHomeyEnergy installs the host price capability; nil disables the homey
// scheme gracefully.
func (s *Service) SetHomeyEnergy(h HomeyEnergy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.homey = h
}

// ApplySettings updates the scheme, area and classification thresholds. A
// changed price area invalidates the spot cache.
func (s *Service) ApplySettings(ctx context.Context, settings types.Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if settings.PriceArea != s.settings.PriceArea {
		s.spot = nil
	}
	s.settings = settings
	s.loc = clock.Location(ctx, settings.TimeZone)
}

func (s *Service) location() *time.Location {
	if s.loc == nil {
		return time.UTC
	}
	return s.loc
}

// Restore loads previously persisted caches so a restart does not need the
// network before the first refresh.
func (s *Service) Restore(ctx context.Context) {
	spot, err := s.db.LoadSpotPrices(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore spot cache", slog.Any("error", err))
	}
	tariff, err := s.db.LoadTariffCache(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore tariff cache", slog.Any("error", err))
	}
	combined, err := s.db.LoadCombinedPrices(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore combined prices", slog.Any("error", err))
	}
	flowToday, _ := s.db.LoadFlowPrices(ctx, storage.DocFlowPricesToday)
	flowTomorrow, _ := s.db.LoadFlowPrices(ctx, storage.DocFlowPricesTomorrow)
	homeyToday, _ := s.db.LoadFlowPrices(ctx, storage.DocHomeyPricesToday)
	homeyTomorrow, _ := s.db.LoadFlowPrices(ctx, storage.DocHomeyPricesTomorrow)

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(spot) > 0 {
		s.spot = spot
		s.spotArea = s.settings.PriceArea
	}
	s.tariff = tariff
	s.combined = combined
	s.flowToday = flowToday
	s.flowTomorrow = flowTomorrow
	s.homeyToday = homeyToday
	s.homeyTomorrow = homeyTomorrow
}

// UpdateCombinedPrices recomputes the combined series from the currently
// cached components, sorted by start time and annotated with the average,
// thresholds and cheap/expensive flags.
func (s *Service) UpdateCombinedPrices(ctx context.Context) error {
	s.mu.Lock()
	entries := s.buildEntriesLocked(ctx)
	thresholdPercent := s.settings.PriceThresholdPercent
	minDiff := s.settings.PriceMinDiffOre / 100 // øre → kr
	scheme := s.settings.PriceScheme
	unit := s.priceUnitLocked()
	s.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartsAt.Before(entries[j].StartsAt)
	})

	avg, low, high := Classify(entries, thresholdPercent, minDiff)

	combined := types.CombinedPrices{
		Entries:          entries,
		AvgPrice:         avg,
		LowThreshold:     low,
		HighThreshold:    high,
		ThresholdPercent: thresholdPercent,
		MinDiffOre:       s.settings.PriceMinDiffOre,
		PriceScheme:      scheme,
		PriceUnit:        unit,
		LastFetched:      time.Now(),
	}

	s.mu.Lock()
	s.combined = combined
	s.mu.Unlock()

	if err := s.db.SaveCombinedPrices(ctx, combined); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist combined prices", slog.Any("error", err))
	}
	log.Ctx(ctx).DebugContext(ctx, "combined prices updated",
		slog.Int("entries", len(entries)),
		slog.Float64("avg", avg),
		slog.String("scheme", string(scheme)),
	)
	return nil
}

func (s *Service) priceUnitLocked() string {
	switch s.settings.PriceScheme {
	case types.SchemeHomey:
		if s.homeyCurrency != "" {
			return s.homeyCurrency
		}
		return "kr"
	default:
		return "kr"
	}
}

// buildEntriesLocked assembles per-hour entries for the active scheme.
func (s *Service) buildEntriesLocked(ctx context.Context) []types.Price {
	switch s.settings.PriceScheme {
	case types.SchemeFlow:
		return s.entriesFromDays(ctx, s.flowToday, s.flowTomorrow)
	case types.SchemeHomey:
		return s.entriesFromDays(ctx, s.homeyToday, s.homeyTomorrow)
	default:
		return s.entriesFromSpotLocked()
	}
}

// entriesFromDays turns hour-keyed day data into price entries without a
// breakdown.
func (s *Service) entriesFromDays(ctx context.Context, days ...types.FlowPriceData) []types.Price {
	loc := s.location()
	var entries []types.Price
	for _, day := range days {
		if day.DateKey == "" {
			continue
		}
		start, err := clock.StartOfDay(day.DateKey, loc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "invalid stored price date key",
				slog.String("dateKey", log.Sanitize(day.DateKey)),
				slog.Any("error", err),
			)
			continue
		}
		buckets := clock.DayBuckets(start, loc)
		for i, b := range buckets {
			p, ok := day.PricesByHour[i]
			if !ok || math.IsNaN(p) || math.IsInf(p, 0) {
				continue
			}
			entries = append(entries, types.Price{StartsAt: b, Total: p})
		}
	}
	return entries
}

// Classify computes the average and thresholds and sets the cheap/expensive
// flags in place. Flags are mutually exclusive and suppressed when the
// distance to the average is below minDiff.
func Classify(entries []types.Price, thresholdPercent, minDiff float64) (avg, low, high float64) {
	if len(entries) == 0 {
		return 0, 0, 0
	}
	var sum float64
	for i := range entries {
		if math.IsNaN(entries[i].Total) || math.IsInf(entries[i].Total, 0) {
			entries[i].Total = 0
		}
		sum += entries[i].Total
	}
	avg = sum / float64(len(entries))
	low = avg * (1 - thresholdPercent/100)
	high = avg * (1 + thresholdPercent/100)

	for i := range entries {
		meets := math.Abs(entries[i].Total-avg) >= minDiff
		entries[i].IsCheap = entries[i].Total <= low && meets
		entries[i].IsExpensive = entries[i].Total >= high && meets
	}
	return avg, low, high
}

// Combined returns the current combined series.
func (s *Service) Combined() types.CombinedPrices {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.combined
}

// FindCheapestHours returns the n cheapest entries of the combined series,
// ordered cheapest first.
func (s *Service) FindCheapestHours(n int) []types.Price {
	s.mu.Lock()
	entries := make([]types.Price, len(s.combined.Entries))
	copy(entries, s.combined.Entries)
	s.mu.Unlock()

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Total < entries[j].Total
	})
	if n > len(entries) {
		n = len(entries)
	}
	if n < 0 {
		n = 0
	}
	return entries[:n]
}

// IsCurrentHourCheap reports whether the current hour classifies as cheap.
func (s *Service) IsCurrentHourCheap() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.combined.EntryAt(time.Now()); ok {
		return e.IsCheap
	}
	return false
}

// IsCurrentHourExpensive reports whether the current hour classifies as
// expensive.
func (s *Service) IsCurrentHourExpensive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.combined.EntryAt(time.Now()); ok {
		return e.IsExpensive
	}
	return false
}

// CurrentHourStartMs returns the epoch-ms of the current hour start.
func (s *Service) CurrentHourStartMs() int64 {
	return time.Now().UTC().Truncate(time.Hour).UnixMilli()
}
