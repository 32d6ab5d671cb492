package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/effektvakt/effektvakt/pkg/clock"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/storage"
	"github.com/effektvakt/effektvakt/pkg/types"
)

// FlowKind selects which day a pushed price payload applies to.
type FlowKind string

const (
	FlowToday    FlowKind = "today"
	FlowTomorrow FlowKind = "tomorrow"
)

// StoreFlowPriceData validates and stores a day of prices pushed from an
// external automation flow. The payload is either an array of 24 numbers or
// an hour-keyed mapping; single-quoted pseudo-JSON with trailing commas is
// accepted. It returns the hours that were missing from the payload.
func (s *Service) StoreFlowPriceData(ctx context.Context, kind FlowKind, raw string) ([]int, error) {
	s.mu.Lock()
	loc := s.location()
	s.mu.Unlock()

	now := time.Now()
	day := now
	doc := storage.DocFlowPricesToday
	if kind == FlowTomorrow {
		day = clock.NextDayStart(now, loc)
		doc = storage.DocFlowPricesTomorrow
	} else if kind != FlowToday {
		return nil, fmt.Errorf("unknown flow price kind: %s", kind)
	}
	dateKey := clock.DateKey(day, loc)

	byHour, err := BuildFlowEntries(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid flow price payload: %w", err)
	}

	hours := len(clock.DayBuckets(day, loc))
	var missing []int
	for h := 0; h < hours; h++ {
		if _, ok := byHour[h]; !ok {
			missing = append(missing, h)
		}
	}

	data := types.FlowPriceData{
		DateKey:      dateKey,
		PricesByHour: byHour,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	if kind == FlowTomorrow {
		s.flowTomorrow = data
	} else {
		s.flowToday = data
	}
	s.mu.Unlock()

	if err := s.db.SaveFlowPrices(ctx, doc, data); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist flow prices", slog.Any("error", err))
	}
	log.Ctx(ctx).DebugContext(ctx, "stored flow prices",
		slog.String("kind", string(kind)),
		slog.String("dateKey", dateKey),
		slog.Int("hours", len(byHour)),
		slog.Int("missing", len(missing)),
	)
	return missing, nil
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
)

// BuildFlowEntries parses a flow price payload into an hour-keyed map.
// Accepted shapes: a JSON array of numbers indexed from hour 0, or a mapping
// of hour string to number. Single quotes and trailing commas are tolerated
// because upstream flow editors produce them.
func BuildFlowEntries(raw string) (map[int]float64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("empty payload")
	}

	var arr []float64
	if err := json.Unmarshal([]byte(trimmed), &arr); err == nil {
		return flowEntriesFromArray(arr)
	}
	var m map[string]float64
	if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
		return flowEntriesFromMap(m)
	}

	// lenient re-parse: single quotes to double, strip trailing commas
	relaxed := trailingCommaRe.ReplaceAllString(strings.ReplaceAll(trimmed, "'", `"`), "$1")
	if err := json.Unmarshal([]byte(relaxed), &arr); err == nil {
		return flowEntriesFromArray(arr)
	}
	if err := json.Unmarshal([]byte(relaxed), &m); err != nil {
		return nil, fmt.Errorf("payload is neither an array nor an hour map")
	}
	return flowEntriesFromMap(m)
}

func flowEntriesFromArray(arr []float64) (map[int]float64, error) {
	if len(arr) == 0 || len(arr) > 25 {
		return nil, fmt.Errorf("expected 1-25 hourly prices, got %d", len(arr))
	}
	out := make(map[int]float64, len(arr))
	for h, v := range arr {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[h] = v
	}
	return out, nil
}

func flowEntriesFromMap(m map[string]float64) (map[int]float64, error) {
	out := make(map[int]float64, len(m))
	for k, v := range m {
		h, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || h < 0 || h > 24 {
			return nil, fmt.Errorf("invalid hour key: %q", k)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[h] = v
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable hours in payload")
	}
	return out, nil
}

// SerializeFlowEntries renders an hour-keyed map back into the canonical
// hour→price mapping with sorted keys.
func SerializeFlowEntries(byHour map[int]float64) map[string]float64 {
	keys := make([]int, 0, len(byHour))
	for h := range byHour {
		keys = append(keys, h)
	}
	sort.Ints(keys)
	out := make(map[string]float64, len(keys))
	for _, h := range keys {
		out[strconv.Itoa(h)] = byHour[h]
	}
	return out
}
