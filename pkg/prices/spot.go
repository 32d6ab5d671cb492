package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/effektvakt/effektvakt/pkg/clock"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/types"
)

// tomorrowPublishUTC is when the day-ahead market results are expected; we
// only try to fetch tomorrow after this.
var tomorrowPublishUTC = 12*time.Hour + 15*time.Minute

// spotEntry is the raw shape of one hour from the spot price API.
type spotEntry struct {
	NOKPerKWh float64   `json:"NOK_per_kWh"`
	EURPerKWh float64   `json:"EUR_per_kWh"`
	EXR       float64   `json:"EXR"`
	TimeStart time.Time `json:"time_start"`
	TimeEnd   time.Time `json:"time_end"`
}

// RefreshSpotPrices fetches today's spot prices for the configured area and,
// after the publish time, tomorrow's when missing. The cache is reused when
// the area is unchanged and today is already present. Failures keep the
// previous cache.
func (s *Service) RefreshSpotPrices(ctx context.Context, force bool) error {
	s.mu.Lock()
	area := s.settings.PriceArea
	scheme := s.settings.PriceScheme
	loc := s.location()
	cached := s.spot
	cachedArea := s.spotArea
	s.mu.Unlock()

	if scheme != types.SchemeNorway {
		return nil
	}
	if area == "" {
		return fmt.Errorf("no price area configured")
	}

	now := s.now()
	todayKey := clock.DateKey(now, loc)
	tomorrowKey := clock.DateKey(clock.NextDayStart(now, loc), loc)

	haveToday := !force && cachedArea == area && hasDay(cached, todayKey, loc)
	haveTomorrow := cachedArea == area && hasDay(cached, tomorrowKey, loc)

	entries := cached
	if cachedArea != area || force {
		entries = nil
	}

	if !haveToday {
		day, err := s.fetchSpotDay(ctx, area, todayKey)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to fetch today's spot prices",
				slog.String("area", area),
				slog.Any("error", err),
			)
			return err
		}
		entries = mergeSpotDay(entries, day, todayKey, loc)
	}

	wantTomorrow := sinceMidnightUTC(now) >= tomorrowPublishUTC
	if !haveTomorrow || force {
		if wantTomorrow {
			day, err := s.fetchSpotDay(ctx, area, tomorrowKey)
			if err != nil {
				s.logMissingTomorrow(ctx, now, loc, err)
			} else {
				entries = mergeSpotDay(entries, day, tomorrowKey, loc)
			}
		} else {
			// Tomorrow is missing but the fetch wasn't attempted; still log
			// so the gap is visible past the local deadline.
			s.logMissingTomorrow(ctx, now, loc, fmt.Errorf("day-ahead results not published until %s UTC", "12:15"))
		}
	}

	s.mu.Lock()
	s.spot = entries
	s.spotArea = area
	s.mu.Unlock()

	if err := s.db.SaveSpotPrices(ctx, entries); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist spot cache", slog.Any("error", err))
	}
	return nil
}

// logMissingTomorrow logs at debug during the grace window before the local
// publish deadline and at error after it.
func (s *Service) logMissingTomorrow(ctx context.Context, now time.Time, loc *time.Location, err error) {
	attrs := []any{slog.Any("error", err)}
	if now.In(loc).Hour() < 13 {
		log.Ctx(ctx).DebugContext(ctx, "tomorrow's spot prices not yet available", attrs...)
		return
	}
	log.Ctx(ctx).ErrorContext(ctx, "tomorrow's spot prices missing after publish deadline", attrs...)
}

func sinceMidnightUTC(t time.Time) time.Duration {
	u := t.UTC()
	return u.Sub(time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC))
}

func hasDay(entries []types.SpotEntry, dateKey string, loc *time.Location) bool {
	for _, e := range entries {
		if clock.DateKey(e.StartsAt, loc) == dateKey {
			return true
		}
	}
	return false
}

// mergeSpotDay replaces dateKey's entries with day's.
func mergeSpotDay(entries, day []types.SpotEntry, dateKey string, loc *time.Location) []types.SpotEntry {
	out := make([]types.SpotEntry, 0, len(entries)+len(day))
	for _, e := range entries {
		if clock.DateKey(e.StartsAt, loc) != dateKey {
			out = append(out, e)
		}
	}
	return append(out, day...)
}

// fetchSpotDay retrieves one local day of spot prices,
// e.g. GET {base}/2025/06-15_NO1.json.
func (s *Service) fetchSpotDay(ctx context.Context, area, dateKey string) ([]types.SpotEntry, error) {
	u := fmt.Sprintf("%s/%s/%s_%s.json", s.spotURL, dateKey[:4], dateKey[5:], area)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching spot prices", slog.String("url", u))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch spot prices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("spot api returned status: %d", resp.StatusCode)
	}

	var raw []spotEntry
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode spot response: %w", err)
	}

	entries := make([]types.SpotEntry, 0, len(raw))
	for _, e := range raw {
		if math.IsNaN(e.NOKPerKWh) || math.IsInf(e.NOKPerKWh, 0) {
			continue
		}
		entries = append(entries, types.SpotEntry{
			StartsAt:       e.TimeStart,
			SpotPriceExVat: e.NOKPerKWh,
			Currency:       "NOK",
		})
	}
	log.Ctx(ctx).DebugContext(ctx, "fetched spot prices",
		slog.String("area", area),
		slog.String("dateKey", dateKey),
		slog.Int("count", len(entries)),
	)
	return entries, nil
}

// entriesFromSpotLocked combines spot, tariff, surcharge, taxes, VAT,
// support and the optional Norgespris cap into full price entries.
func (s *Service) entriesFromSpotLocked() []types.Price {
	vat := vatMultiplier(s.settings.PriceArea)

	tariffByHour := make(map[int64]types.TariffEntry, len(s.tariff))
	for _, t := range s.tariff {
		tariffByHour[t.StartsAt.UTC().Truncate(time.Hour).Unix()] = t
	}

	entries := make([]types.Price, 0, len(s.spot))
	for _, spot := range s.spot {
		hour := spot.StartsAt.UTC().Truncate(time.Hour)

		var gridExVat float64
		if t, ok := tariffByHour[hour.Unix()]; ok {
			gridExVat = t.EnergyExVat
		}

		b := types.PriceBreakdown{
			SpotPriceExVat:         spot.SpotPriceExVat,
			GridTariffExVat:        gridExVat,
			ProviderSurchargeExVat: s.surchargeExVat,
			ConsumptionTaxExVat:    s.consumptionTaxExVat,
			EnovaFeeExVat:          s.enovaFeeExVat,
			VatMultiplier:          vat,
		}
		b.TotalExVat = b.SpotPriceExVat + b.GridTariffExVat + b.ProviderSurchargeExVat + b.ConsumptionTaxExVat + b.EnovaFeeExVat

		// strømstøtte: the state covers supportRate of the spot price above
		// the threshold, measured inc VAT
		if s.supportRate > 0 && spot.SpotPriceExVat > s.supportThreshold {
			b.ElectricitySupport = (spot.SpotPriceExVat - s.supportThreshold) * s.supportRate * vat
		}

		// norgespris caps the spot component at a fixed inc-VAT price;
		// negative adjustment brings the total down to the cap
		if s.norgesprisCapIncVat > 0 {
			spotIncVat := spot.SpotPriceExVat*vat - b.ElectricitySupport
			if spotIncVat > s.norgesprisCapIncVat {
				b.NorgesprisAdjustment = s.norgesprisCapIncVat - spotIncVat
			}
		}

		b.VatAmount = b.TotalExVat * (vat - 1)
		total := b.TotalExVat*vat - b.ElectricitySupport + b.NorgesprisAdjustment

		entries = append(entries, types.Price{
			StartsAt:  spot.StartsAt,
			Total:     total,
			Breakdown: &b,
		})
	}
	return entries
}

// vatMultiplier returns the VAT factor per price area. Northern Norway (NO4)
// is exempt from VAT on electricity.
func vatMultiplier(area string) float64 {
	if area == "NO4" {
		return 1.0
	}
	return 1.25
}
