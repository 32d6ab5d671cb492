package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/effektvakt/effektvakt/pkg/clock"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/types"
)

// nettleieEntry is the raw shape of one grid-tariff hour as returned by the
// grid company API, with Norwegian field names.
type nettleieEntry struct {
	EnergileddEks float64 `json:"energileddEks"`
	EnergileddInk float64 `json:"energileddInk"`
	FastleddEks   float64 `json:"fastleddEks"`
	FastleddInk   float64 `json:"fastleddInk"`
	DatoID        string  `json:"datoId"`
	Tariffgruppe  string  `json:"tariffgruppe,omitempty"`
}

// RefreshGridTariffData fetches today's hourly grid tariff. When the
// response is empty it retries with yesterday, 7 days ago and 1 month ago in
// order, since grid companies publish sparsely; the entries are re-dated to
// today before caching.
func (s *Service) RefreshGridTariffData(ctx context.Context, force bool) error {
	s.mu.Lock()
	county := s.settings.TariffCounty
	orgnr := s.settings.TariffOrgNr
	group := s.settings.TariffGroup
	loc := s.location()
	cached := s.tariff
	s.mu.Unlock()

	if orgnr == "" {
		log.Ctx(ctx).DebugContext(ctx, "no grid company configured, skipping tariff refresh")
		return nil
	}

	now := time.Now()
	today, err := clock.StartOfDay(clock.DateKey(now, loc), loc)
	if err != nil {
		return err
	}

	if !force && len(cached) > 0 && clock.DateKey(cached[0].StartsAt, loc) == clock.DateKey(now, loc) {
		return nil
	}

	candidates := []time.Time{
		today,
		today.AddDate(0, 0, -1),
		today.AddDate(0, 0, -7),
		today.AddDate(0, -1, 0),
	}

	var entries []nettleieEntry
	var fetchedFor time.Time
	for _, day := range candidates {
		entries, err = s.fetchTariffDay(ctx, county, orgnr, group, day)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to fetch grid tariff",
				slog.String("day", clock.DateKey(day, loc)),
				slog.Any("error", err),
			)
			return err
		}
		if len(entries) > 0 {
			fetchedFor = day
			break
		}
		log.Ctx(ctx).DebugContext(ctx, "empty grid tariff response, trying earlier day",
			slog.String("day", clock.DateKey(day, loc)),
		)
	}
	if len(entries) == 0 {
		log.Ctx(ctx).WarnContext(ctx, "no grid tariff data available for any fallback day")
		return nil
	}

	normalized := normalizeTariff(entries, today, loc)

	s.mu.Lock()
	s.tariff = normalized
	s.mu.Unlock()

	if err := s.db.SaveTariffCache(ctx, normalized); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist tariff cache", slog.Any("error", err))
	}
	log.Ctx(ctx).DebugContext(ctx, "grid tariff refreshed",
		slog.Int("hours", len(normalized)),
		slog.String("fetchedFor", clock.DateKey(fetchedFor, loc)),
	)
	return nil
}

// normalizeTariff converts raw entries into English snake-case typed entries
// anchored to the target day, hour by hour.
func normalizeTariff(raw []nettleieEntry, targetDay time.Time, loc *time.Location) []types.TariffEntry {
	buckets := clock.DayBuckets(targetDay, loc)
	out := make([]types.TariffEntry, 0, len(buckets))
	for i, b := range buckets {
		if i >= len(raw) {
			break
		}
		out = append(out, types.TariffEntry{
			StartsAt:      b,
			EnergyExVat:   raw[i].EnergileddEks,
			EnergyIncVat:  raw[i].EnergileddInk,
			FixedExVat:    raw[i].FastleddEks,
			FixedIncVat:   raw[i].FastleddInk,
			TariffGroupID: raw[i].Tariffgruppe,
		})
	}
	return out
}

func (s *Service) fetchTariffDay(ctx context.Context, county, orgnr, group string, day time.Time) ([]nettleieEntry, error) {
	u, err := url.Parse(s.tariffURL)
	if err != nil {
		return nil, fmt.Errorf("invalid tariff url: %w", err)
	}
	q := u.Query()
	q.Set("fylke", county)
	q.Set("organisasjonsnr", orgnr)
	q.Set("tariffgruppe", group)
	q.Set("dato", day.Format("2006-01-02"))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	log.Ctx(ctx).DebugContext(ctx, "fetching grid tariff", slog.String("url", u.String()))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tariff: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tariff api returned status: %d", resp.StatusCode)
	}

	var entries []nettleieEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode tariff response: %w", err)
	}
	return entries, nil
}
