package prices

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/effektvakt/effektvakt/pkg/clock"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/storage"
	"github.com/effektvakt/effektvakt/pkg/types"
)

// RefreshHomeyPrices pulls dynamic prices from the host energy API and
// averages its sub-hour intervals into hour buckets keyed by local date key.
// Absence of the capability is not an error; the scheme just stays empty.
func (s *Service) RefreshHomeyPrices(ctx context.Context) error {
	s.mu.Lock()
	homey := s.homey
	loc := s.location()
	scheme := s.settings.PriceScheme
	s.mu.Unlock()

	if scheme != types.SchemeHomey {
		return nil
	}
	if homey == nil {
		log.Ctx(ctx).DebugContext(ctx, "host has no dynamic price capability")
		return nil
	}

	now := time.Now()
	todayStart, err := clock.StartOfDay(clock.DateKey(now, loc), loc)
	if err != nil {
		return err
	}
	end := clock.NextDayStart(clock.NextDayStart(todayStart, loc), loc)

	intervals, err := homey.FetchDynamicPrices(ctx, todayStart, end)
	if err != nil {
		return fmt.Errorf("failed to fetch host prices: %w", err)
	}

	currency, err := homey.Currency(ctx)
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "failed to fetch host currency", slog.Any("error", err))
	}

	todayKey := clock.DateKey(todayStart, loc)
	tomorrowKey := clock.DateKey(clock.NextDayStart(todayStart, loc), loc)
	today := averageIntoHours(intervals, todayKey, loc)
	tomorrow := averageIntoHours(intervals, tomorrowKey, loc)

	s.mu.Lock()
	s.homeyToday = today
	s.homeyTomorrow = tomorrow
	if currency != "" {
		s.homeyCurrency = currency
	}
	s.mu.Unlock()

	if err := s.db.SaveFlowPrices(ctx, storage.DocHomeyPricesToday, today); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist host prices", slog.Any("error", err))
	}
	if tomorrow.PricesByHour != nil {
		if err := s.db.SaveFlowPrices(ctx, storage.DocHomeyPricesTomorrow, tomorrow); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist host prices", slog.Any("error", err))
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "host prices refreshed",
		slog.Int("todayHours", len(today.PricesByHour)),
		slog.Int("tomorrowHours", len(tomorrow.PricesByHour)),
		slog.String("currency", log.Sanitize(currency)),
	)
	return nil
}

// averageIntoHours averages intervals that overlap the given local day into
// per-hour means weighted by overlap duration.
func averageIntoHours(intervals []PriceInterval, dateKey string, loc *time.Location) types.FlowPriceData {
	start, err := clock.StartOfDay(dateKey, loc)
	if err != nil {
		return types.FlowPriceData{}
	}
	buckets := clock.DayBuckets(start, loc)

	byHour := make(map[int]float64)
	for i, b := range buckets {
		bucketEnd := b.Add(time.Hour)
		var weighted, covered float64
		for _, iv := range intervals {
			if math.IsNaN(iv.Price) || math.IsInf(iv.Price, 0) {
				continue
			}
			overlapStart := iv.Start
			if overlapStart.Before(b) {
				overlapStart = b
			}
			overlapEnd := iv.End
			if overlapEnd.After(bucketEnd) {
				overlapEnd = bucketEnd
			}
			if !overlapEnd.After(overlapStart) {
				continue
			}
			d := overlapEnd.Sub(overlapStart).Hours()
			weighted += iv.Price * d
			covered += d
		}
		if covered > 0 {
			byHour[i] = weighted / covered
		}
	}
	if len(byHour) == 0 {
		return types.FlowPriceData{}
	}
	return types.FlowPriceData{
		DateKey:      dateKey,
		PricesByHour: byHour,
		UpdatedAt:    time.Now(),
	}
}
