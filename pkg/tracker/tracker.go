// Package tracker accumulates whole-house energy into hourly buckets with
// outage detection and derives the usage profile the planner consumes.
package tracker

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/effektvakt/effektvakt/pkg/clock"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/storage"
	"github.com/effektvakt/effektvakt/pkg/types"
)

const (
	// outageBoundaryGap marks a gap crossing an hour boundary as an outage.
	outageBoundaryGap = time.Minute
	// outageMaxGap marks any longer gap as an outage regardless of boundary.
	outageMaxGap = time.Hour

	bucketRetention = 8 * 24 * time.Hour
	dailyRetention  = 35 * 24 * time.Hour
	outageRetention = 7 * 24 * time.Hour
	confidenceDays  = 28
)

// Tracker is safe for concurrent use.
type Tracker struct {
	db storage.Database

	mu          sync.Mutex
	state       types.TrackerState
	loc         *time.Location
	minSignifW  float64
	lastResetMs int64
	onChange    func()
}

// New returns a tracker with empty state. Call Restore to load persisted
// history.
func New(db storage.Database) *Tracker {
	return &Tracker{
		db:    db,
		state: types.NewTrackerState(),
		loc:   time.UTC,
	}
}

// SetOnChange installs a callback invoked after every accepted sample. The
// orchestrator uses it to trigger a debounced rebuild.
func (t *Tracker) SetOnChange(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// ApplySettings picks up the zone and noise floor. A bumped reset token
// discards all accumulated history.
func (t *Tracker) ApplySettings(ctx context.Context, settings types.Settings) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.loc = clock.Location(ctx, settings.TimeZone)
	t.minSignifW = settings.MinSignificantPowerW
	if settings.DailyBudgetResetMs > t.lastResetMs {
		t.lastResetMs = settings.DailyBudgetResetMs
		last := t.state.LastPowerW
		lastTS := t.state.LastTimestamp
		t.state = types.NewTrackerState()
		t.state.LastPowerW = last
		t.state.LastTimestamp = lastTS
		log.Ctx(ctx).InfoContext(ctx, "tracker history reset",
			slog.Int64("resetMs", settings.DailyBudgetResetMs),
		)
	}
}

// Restore loads the persisted state.
func (t *Tracker) Restore(ctx context.Context) error {
	state, version, err := t.db.LoadTrackerState(ctx)
	if err != nil {
		return err
	}
	if version > 0 && version < types.CurrentTrackerStateVersion {
		log.Ctx(ctx).InfoContext(ctx, "migrating tracker state",
			slog.Int("from", version),
			slog.Int("to", types.CurrentTrackerStateVersion),
		)
	}
	// older snapshots may miss maps added later
	if state.Buckets == nil {
		state.Buckets = map[string]float64{}
	}
	if state.ControlledBuckets == nil {
		state.ControlledBuckets = map[string]float64{}
	}
	if state.UncontrolledBuckets == nil {
		state.UncontrolledBuckets = map[string]float64{}
	}
	if state.HourlyBudgets == nil {
		state.HourlyBudgets = map[string]float64{}
	}
	if state.DailyTotals == nil {
		state.DailyTotals = map[string]float64{}
	}
	if state.HourlyAverages == nil {
		state.HourlyAverages = map[string]types.HourAverage{}
	}

	t.mu.Lock()
	t.state = state
	t.mu.Unlock()
	return nil
}

// RecordPowerSample deposits the energy since the last sample into the hour
// buckets. controlledW below zero means the controlled share is unknown.
// Gaps longer than a minute crossing an hour boundary, or longer than an
// hour outright, become an unreliable period and deposit nothing.
func (t *Tracker) RecordPowerSample(ctx context.Context, powerW, controlledW float64, now time.Time) error {
	powerW = sanitizeW(powerW)
	if controlledW >= 0 {
		controlledW = sanitizeW(controlledW)
		if controlledW > powerW {
			controlledW = powerW
		}
	}

	t.mu.Lock()
	accepted := t.recordLocked(ctx, powerW, controlledW, now)
	onChange := t.onChange
	t.mu.Unlock()

	if !accepted {
		return nil
	}
	t.persist(ctx)
	if onChange != nil {
		onChange()
	}
	return nil
}

// RecordMeterSample derives power from a cumulative kWh meter when no direct
// W reading exists. A decreasing reading is treated as a meter reset and the
// delta is dropped; deltas below the noise floor are ignored.
func (t *Tracker) RecordMeterSample(ctx context.Context, meterKWh float64, now time.Time) error {
	if math.IsNaN(meterKWh) || math.IsInf(meterKWh, 0) {
		return nil
	}

	t.mu.Lock()
	lastKWh := t.state.LastMeterKWh
	lastTS := t.state.LastMeterTimestamp

	if lastTS.IsZero() || !now.After(lastTS) {
		t.state.LastMeterKWh = meterKWh
		t.state.LastMeterTimestamp = now
		t.mu.Unlock()
		return nil
	}

	delta := meterKWh - lastKWh
	elapsed := now.Sub(lastTS)
	t.state.LastMeterKWh = meterKWh
	t.state.LastMeterTimestamp = now

	if delta < 0 {
		// meter reset
		log.Ctx(ctx).DebugContext(ctx, "meter reading decreased, treating as reset",
			slog.Float64("previousKWh", lastKWh),
			slog.Float64("currentKWh", meterKWh),
		)
		t.mu.Unlock()
		return nil
	}

	derivedW := delta / elapsed.Hours() * 1000
	if derivedW < t.minSignifW {
		t.mu.Unlock()
		return nil
	}

	// the meter integrates over the gap, so the delta is deposited across
	// the whole interval instead of going through gap detection
	t.depositSpreadLocked(lastTS, now, delta)
	for hour := lastTS.UTC().Truncate(time.Hour); hour.Before(now.UTC().Truncate(time.Hour)); hour = hour.Add(time.Hour) {
		t.finalizeHourLocked(hour)
	}
	t.state.LastPowerW = derivedW
	t.state.LastTimestamp = now
	t.pruneLocked(now)
	onChange := t.onChange
	t.mu.Unlock()

	t.persist(ctx)
	if onChange != nil {
		onChange()
	}
	return nil
}

// depositSpreadLocked spreads totalKWh evenly over (from, to], splitting at
// every hour boundary crossed.
func (t *Tracker) depositSpreadLocked(from, to time.Time, totalKWh float64) {
	total := to.Sub(from).Hours()
	if total <= 0 || totalKWh <= 0 {
		return
	}
	for cur := from; cur.Before(to); {
		next := cur.UTC().Truncate(time.Hour).Add(time.Hour)
		if next.After(to) {
			next = to
		}
		kwh := totalKWh * next.Sub(cur).Hours() / total
		key := clock.BucketKey(cur)
		t.state.Buckets[key] += kwh
		t.state.DailyTotals[clock.DateKey(cur, t.loc)] += kwh
		cur = next
	}
}

// recordLocked handles one sample and reports whether it was accepted.
func (t *Tracker) recordLocked(ctx context.Context, powerW, controlledW float64, now time.Time) bool {
	last := t.state.LastTimestamp
	lastW := t.state.LastPowerW

	if last.IsZero() {
		t.state.LastPowerW = powerW
		t.state.LastTimestamp = now
		return true
	}
	if !now.After(last) {
		return false
	}

	delta := now.Sub(last)
	lastHour := last.UTC().Truncate(time.Hour)
	nowHour := now.UTC().Truncate(time.Hour)
	crosses := !lastHour.Equal(nowHour)

	if (delta > outageBoundaryGap && crosses) || delta > outageMaxGap {
		t.appendOutageLocked(last, now)
		log.Ctx(ctx).WarnContext(ctx, "power sample gap recorded as outage",
			slog.Time("start", last),
			slog.Time("end", now),
			slog.Duration("gap", delta),
		)
	} else {
		avgW := (lastW + powerW) / 2
		t.depositLocked(last, now, avgW, controlledW)
	}

	if crosses {
		t.finalizeHourLocked(lastHour)
	}

	t.state.LastPowerW = powerW
	t.state.LastTimestamp = now
	t.pruneLocked(now)
	return true
}

// depositLocked spreads avgW over (from, to], splitting at the hour boundary
// when the interval crosses one.
func (t *Tracker) depositLocked(from, to time.Time, avgW, controlledW float64) {
	boundary := to.UTC().Truncate(time.Hour)
	portions := []struct {
		start, end time.Time
	}{{from, to}}
	if boundary.After(from) && boundary.Before(to) {
		portions = []struct {
			start, end time.Time
		}{{from, boundary}, {boundary, to}}
	}

	for _, p := range portions {
		hours := p.end.Sub(p.start).Hours()
		kwh := avgW / 1000 * hours
		if kwh <= 0 {
			continue
		}
		key := clock.BucketKey(p.start)
		t.state.Buckets[key] += kwh
		if controlledW >= 0 {
			controlledKWh := controlledW / 1000 * hours
			if controlledKWh > kwh {
				controlledKWh = kwh
			}
			t.state.ControlledBuckets[key] += controlledKWh
			t.state.UncontrolledBuckets[key] += kwh - controlledKWh
		}
		t.state.DailyTotals[clock.DateKey(p.start, t.loc)] += kwh
	}
}

// finalizeHourLocked folds a completed bucket into the weekday_hour running
// mean.
func (t *Tracker) finalizeHourLocked(hour time.Time) {
	kwh, ok := t.state.Buckets[clock.BucketKey(hour)]
	if !ok {
		return
	}
	key := clock.WeekdayHourKey(hour, t.loc)
	avg := t.state.HourlyAverages[key]
	avg.Sum += kwh
	avg.Count++
	t.state.HourlyAverages[key] = avg
}

// appendOutageLocked keeps unreliable periods sorted and non-overlapping.
func (t *Tracker) appendOutageLocked(start, end time.Time) {
	periods := t.state.UnreliablePeriods
	if n := len(periods); n > 0 && !start.After(periods[n-1].End) {
		if end.After(periods[n-1].End) {
			periods[n-1].End = end
		}
		return
	}
	t.state.UnreliablePeriods = append(periods, types.UnreliablePeriod{Start: start, End: end})
}

func (t *Tracker) pruneLocked(now time.Time) {
	bucketCutoff := now.Add(-bucketRetention)
	for key := range t.state.Buckets {
		if ts, err := time.Parse(time.RFC3339, key); err != nil || ts.Before(bucketCutoff) {
			delete(t.state.Buckets, key)
			delete(t.state.ControlledBuckets, key)
			delete(t.state.UncontrolledBuckets, key)
			delete(t.state.HourlyBudgets, key)
		}
	}

	dailyCutoff := clock.DateKey(now.Add(-dailyRetention), t.loc)
	for key := range t.state.DailyTotals {
		if key < dailyCutoff {
			delete(t.state.DailyTotals, key)
		}
	}

	outageCutoff := now.Add(-outageRetention)
	periods := t.state.UnreliablePeriods[:0]
	for _, p := range t.state.UnreliablePeriods {
		if p.End.After(outageCutoff) {
			periods = append(periods, p)
		}
	}
	t.state.UnreliablePeriods = periods
}

func (t *Tracker) persist(ctx context.Context) {
	t.mu.Lock()
	state := copyState(t.state)
	t.mu.Unlock()
	if err := t.db.SaveTrackerState(ctx, state, types.CurrentTrackerStateVersion); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist tracker state", slog.Any("error", err))
	}
}

// SetHourlyBudget records the planned cap for an hour so queries can report
// hourly exhaustion.
func (t *Tracker) SetHourlyBudget(hourStart time.Time, kwh float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.HourlyBudgets[clock.BucketKey(hourStart)] = kwh
}

// State returns a deep copy of the current state.
func (t *Tracker) State() types.TrackerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return copyState(t.state)
}

// UsedTodayKWh is the accumulated energy for now's local date.
func (t *Tracker) UsedTodayKWh(now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.DailyTotals[clock.DateKey(now, t.loc)]
}

// UsedInHourKWh is the energy deposited in the hour containing ts.
func (t *Tracker) UsedInHourKWh(ts time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.Buckets[clock.BucketKey(ts)]
}

// DayUsage returns per-bucket actuals for the local day containing now,
// whole plus controlled/uncontrolled splits, aligned with clock.DayBuckets.
func (t *Tracker) DayUsage(now time.Time) (whole, controlled, uncontrolled []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buckets := clock.DayBuckets(now, t.loc)
	whole = make([]float64, len(buckets))
	controlled = make([]float64, len(buckets))
	uncontrolled = make([]float64, len(buckets))
	for i, b := range buckets {
		key := clock.BucketKey(b)
		whole[i] = t.state.Buckets[key]
		controlled[i] = t.state.ControlledBuckets[key]
		uncontrolled[i] = t.state.UncontrolledBuckets[key]
	}
	return whole, controlled, uncontrolled
}

// ProfileWeights derives relative weights for the local day containing now
// from the weekday_hour running means. Hours with no history get zero; the
// planner falls back to even allocation for those.
func (t *Tracker) ProfileWeights(now time.Time) []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	buckets := clock.DayBuckets(now, t.loc)
	weights := make([]float64, len(buckets))
	for i, b := range buckets {
		weights[i] = t.state.HourlyAverages[clock.WeekdayHourKey(b, t.loc)].Mean()
	}
	return weights
}

// SplitProfile derives controlled/uncontrolled per-bucket means over the
// retained history. ok is false until every bucket of the day has at least
// one observation.
func (t *Tracker) SplitProfile(now time.Time) (controlled, uncontrolled []float64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buckets := clock.DayBuckets(now, t.loc)
	controlled = make([]float64, len(buckets))
	uncontrolled = make([]float64, len(buckets))
	counts := make([]int, len(buckets))

	for key, kwh := range t.state.ControlledBuckets {
		ts, err := time.Parse(time.RFC3339, key)
		if err != nil {
			continue
		}
		idx := localHourIndex(buckets, ts, t.loc)
		if idx < 0 {
			continue
		}
		controlled[idx] += kwh
		uncontrolled[idx] += t.state.UncontrolledBuckets[key]
		counts[idx]++
	}

	ok = true
	for i, c := range counts {
		if c == 0 {
			ok = false
			continue
		}
		controlled[i] /= float64(c)
		uncontrolled[i] /= float64(c)
	}
	return controlled, uncontrolled, ok
}

// ObservedBounds returns per bucket hour, over the retained history, the
// minimum uncontrolled and controlled kWh (used as floors) and the maximum
// controlled kWh (used as a cap hint).
func (t *Tracker) ObservedBounds(now time.Time) (uncontrolledMin, controlledMin, controlledMax []float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buckets := clock.DayBuckets(now, t.loc)
	uncontrolledMin = make([]float64, len(buckets))
	controlledMin = make([]float64, len(buckets))
	controlledMax = make([]float64, len(buckets))
	seen := make([]bool, len(buckets))

	for key, kwh := range t.state.UncontrolledBuckets {
		ts, err := time.Parse(time.RFC3339, key)
		if err != nil {
			continue
		}
		idx := localHourIndex(buckets, ts, t.loc)
		if idx < 0 {
			continue
		}
		c := t.state.ControlledBuckets[key]
		if !seen[idx] || kwh < uncontrolledMin[idx] {
			uncontrolledMin[idx] = kwh
		}
		if !seen[idx] || c < controlledMin[idx] {
			controlledMin[idx] = c
		}
		if c > controlledMax[idx] {
			controlledMax[idx] = c
		}
		seen[idx] = true
	}
	return uncontrolledMin, controlledMin, controlledMax
}

// Confidence is the usage-profile readiness score: 0 below one full day of
// history, rising linearly to 1 at 28 days.
func (t *Tracker) Confidence() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	days := len(t.state.DailyTotals)
	if days <= 1 {
		return 0
	}
	c := float64(days-1) / float64(confidenceDays-1)
	if c > 1 {
		return 1
	}
	return c
}

// UnreliablePeriods returns a copy of the recorded outage intervals.
func (t *Tracker) UnreliablePeriods() []types.UnreliablePeriod {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.UnreliablePeriod, len(t.state.UnreliablePeriods))
	copy(out, t.state.UnreliablePeriods)
	return out
}

// localHourIndex maps a historical bucket timestamp to a bucket position of
// the current day. Same-day timestamps match their containing interval, so
// the repeated hour of a 25-bucket fall-back day keeps two distinct slots;
// other days fold by local clock hour, first occurrence on ambiguity.
func localHourIndex(buckets []time.Time, ts time.Time, loc *time.Location) int {
	for i, b := range buckets {
		if !ts.Before(b) && ts.Before(b.Add(time.Hour)) {
			return i
		}
	}
	lt := ts.In(loc)
	for i, b := range buckets {
		if b.In(loc).Hour() == lt.Hour() {
			return i
		}
	}
	return -1
}

func sanitizeW(w float64) float64 {
	if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
		return 0
	}
	return w
}

func copyState(s types.TrackerState) types.TrackerState {
	out := s
	out.Buckets = copyMap(s.Buckets)
	out.ControlledBuckets = copyMap(s.ControlledBuckets)
	out.UncontrolledBuckets = copyMap(s.UncontrolledBuckets)
	out.HourlyBudgets = copyMap(s.HourlyBudgets)
	out.DailyTotals = copyMap(s.DailyTotals)
	out.HourlyAverages = make(map[string]types.HourAverage, len(s.HourlyAverages))
	for k, v := range s.HourlyAverages {
		out.HourlyAverages[k] = v
	}
	out.UnreliablePeriods = make([]types.UnreliablePeriod, len(s.UnreliablePeriods))
	copy(out.UnreliablePeriods, s.UnreliablePeriods)
	return out
}

func copyMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
