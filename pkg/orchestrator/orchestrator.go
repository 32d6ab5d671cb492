// Package orchestrator drives the control loop: the fast capacity tick, the
// hourly plan rebuild, the periodic price refresh, and change-driven rebuilds
// coalesced through a single-slot queue.
package orchestrator

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/effektvakt/effektvakt/pkg/clock"
	"github.com/effektvakt/effektvakt/pkg/common"
	"github.com/effektvakt/effektvakt/pkg/devices"
	"github.com/effektvakt/effektvakt/pkg/guard"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/modes"
	"github.com/effektvakt/effektvakt/pkg/prices"
	"github.com/effektvakt/effektvakt/pkg/storage"
	"github.com/effektvakt/effektvakt/pkg/telemetry"
	"github.com/effektvakt/effektvakt/pkg/tracker"
	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/levenlabs/go-lflag"
)

const recentShedWindow = 10 * time.Minute

// Status is the condensed service state served by the API.
type Status struct {
	Version           string            `json:"version"`
	GuardState        guard.State       `json:"guardState"`
	TotalKw           float64           `json:"totalKw"`
	UsedTodayKWh      float64           `json:"usedTodayKWh"`
	DailyBudgetKWh    float64           `json:"dailyBudgetKWh"`
	Confidence        float64           `json:"confidence"`
	Shedding          bool              `json:"shedding"`
	LimitReason       types.LimitReason `json:"limitReason"`
	LastRebuildAt     time.Time         `json:"lastRebuildAt"`
	LastRebuildReason string            `json:"lastRebuildReason"`
	LastRebuildFailed bool              `json:"lastRebuildFailed"`
	Paused            bool              `json:"paused"`
	DryRun            bool              `json:"dryRun"`
}

// Orchestrator owns the control loop. One instance per process.
type Orchestrator struct {
	db      storage.Database
	host    devices.Host
	prices  *prices.Service
	tracker *tracker.Tracker
	guard   *guard.Guard
	policy  *modes.Policy
	tel     *telemetry.Telemetry

	fastTick        time.Duration
	priceInterval   time.Duration
	rebuildDebounce time.Duration

	mu         sync.Mutex
	settings   types.Settings
	loc        *time.Location
	lastSample devices.PowerSample
	dailyPlan  types.DailyPlan
	devicePlan types.DevicePlan
	status     Status
	onPlan     func(types.DevicePlan)

	// single-slot rebuild queue: at most one in flight, at most one pending;
	// collapsed requests keep the earliest reason
	pendingMu sync.Mutex
	pending   *rebuildRequest
	wake      chan struct{}

	debounceMu     sync.Mutex
	debounceTimer  *time.Timer
	debounceReason string

	wg sync.WaitGroup
}

// New wires the orchestrator to its collaborators.
func New(db storage.Database, host devices.Host, svc *prices.Service, trk *tracker.Tracker, grd *guard.Guard, policy *modes.Policy, tel *telemetry.Telemetry) *Orchestrator {
	o := &Orchestrator{
		db:              db,
		host:            host,
		prices:          svc,
		tracker:         trk,
		guard:           grd,
		policy:          policy,
		tel:             tel,
		fastTick:        3 * time.Second,
		priceInterval:   3 * time.Hour,
		rebuildDebounce: 250 * time.Millisecond,
		loc:             time.UTC,
		wake:            make(chan struct{}, 1),
		status:          Status{Version: common.VERSION, GuardState: guard.StateOK, LimitReason: types.LimitNone},
	}

	grd.SetActuator(o.actuate)
	grd.SetSoftLimitProvider(o.softLimitKw)
	grd.SetCallbacks(o.onShortfall, o.onShortfallCleared)
	trk.SetOnChange(func() { o.scheduleRebuild("tracker change") })
	return o
}

// Configured builds the orchestrator with its intervals from flags.
func Configured(db storage.Database, host devices.Host, svc *prices.Service, trk *tracker.Tracker, grd *guard.Guard, policy *modes.Policy, tel *telemetry.Telemetry) *Orchestrator {
	o := New(db, host, svc, trk, grd, policy, tel)

	fastTick := lflag.Duration("fast-tick", 3*time.Second, "Capacity guard tick interval")
	priceInterval := lflag.Duration("price-refresh-interval", 3*time.Hour, "Price refresh interval")
	debounce := lflag.Duration("rebuild-debounce", 250*time.Millisecond, "Debounce for change-driven rebuilds")

	lflag.Do(func() {
		o.fastTick = *fastTick
		o.priceInterval = *priceInterval
		o.rebuildDebounce = *debounce
	})

	return o
}

// SetOnPlan installs a hook invoked with every applied device plan, used by
// the websocket hub.
func (o *Orchestrator) SetOnPlan(fn func(types.DevicePlan)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onPlan = fn
}

// Run starts all tasks and blocks until the context ends. All timers and
// listeners are released before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.startup(ctx); err != nil {
		return err
	}

	stopWatch, err := o.watchSettings(ctx)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "settings watch unavailable, changes require a restart", slog.Any("error", err))
	} else {
		defer stopWatch()
	}

	for _, task := range []func(context.Context){
		o.rebuildWorker,
		o.sampleLoop,
		o.fastTickLoop,
		o.hourlyLoop,
		o.priceLoop,
		o.tel.RunSummary,
		o.tel.RunCPUMonitor,
	} {
		task := task
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			task(ctx)
		}()
	}

	o.RequestRebuild("startup")

	<-ctx.Done()
	o.stopDebounce()
	o.wg.Wait()
	return nil
}

// startup loads settings, migrates them and restores persisted state.
func (o *Orchestrator) startup(ctx context.Context) error {
	settings, version, err := o.db.GetSettings(ctx)
	if err != nil {
		return err
	}
	migrated, changed, err := types.MigrateSettings(settings, version)
	if err != nil {
		return err
	}
	if changed {
		if err := o.db.SetSettings(ctx, migrated, types.CurrentSettingsVersion); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to persist migrated settings", slog.Any("error", err))
		}
		log.Ctx(ctx).InfoContext(ctx, "settings migrated",
			slog.Int("fromVersion", version),
			slog.Int("toVersion", types.CurrentSettingsVersion),
		)
	}
	o.applySettings(ctx, migrated)

	if err := o.tracker.Restore(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore tracker state", slog.Any("error", err))
	}
	o.prices.Restore(ctx)

	if err := o.host.Connect(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "device host connect failed, retrying in background", slog.Any("error", err))
	}
	return nil
}

// applySettings fans a validated settings document out to every component.
func (o *Orchestrator) applySettings(ctx context.Context, settings types.Settings) {
	o.prices.ApplySettings(ctx, settings)
	o.tracker.ApplySettings(ctx, settings)
	o.guard.ApplySettings(settings)

	o.mu.Lock()
	o.settings = settings
	o.loc = clock.Location(ctx, settings.TimeZone)
	o.mu.Unlock()
}

func (o *Orchestrator) watchSettings(ctx context.Context) (func(), error) {
	ch, stop, err := o.db.WatchSettings(ctx)
	if err != nil {
		return nil, err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case settings, ok := <-ch:
				if !ok {
					return
				}
				if err := settings.Validate(); err != nil {
					log.Ctx(ctx).ErrorContext(ctx, "ignoring invalid settings update", slog.Any("error", err))
					continue
				}
				log.Ctx(ctx).InfoContext(ctx, "settings changed")
				o.applySettings(ctx, settings)
				o.scheduleRebuild("settings change")
			}
		}
	}()
	return stop, nil
}

func (o *Orchestrator) sampleLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-o.host.PowerSamples():
			if !ok {
				return
			}
			o.handleSample(ctx, sample)
		}
	}
}

func (o *Orchestrator) handleSample(ctx context.Context, sample devices.PowerSample) {
	o.mu.Lock()
	o.lastSample = sample
	o.mu.Unlock()

	var err error
	if sample.TotalW > 0 {
		controlled := math.Max(0, sample.ControlledW)
		err = o.tracker.RecordPowerSample(ctx, sample.TotalW, controlled, sample.At)
		o.guard.ReportTotalPower(sample.TotalW / 1000)
	} else if sample.MeterKWh >= 0 {
		err = o.tracker.RecordMeterSample(ctx, sample.MeterKWh, sample.At)
	}
	if err != nil {
		log.Ctx(ctx).DebugContext(ctx, "sample rejected", slog.Any("error", err))
		return
	}
	o.tel.RecordPowerSample()
}

func (o *Orchestrator) fastTickLoop(ctx context.Context) {
	ticker := time.NewTicker(o.fastTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.guard.Tick(ctx)
		}
	}
}

func (o *Orchestrator) hourlyLoop(ctx context.Context) {
	for {
		wait := time.Until(time.Now().Truncate(time.Hour).Add(time.Hour))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			o.RequestRebuild("hourly")
		}
	}
}

func (o *Orchestrator) priceLoop(ctx context.Context) {
	o.refreshPrices(ctx, false)
	ticker := time.NewTicker(o.priceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.refreshPrices(ctx, false)
		}
	}
}

// RefreshPricesNow forces a refresh of the active scheme's sources, bypassing
// the caches. Used by the API refresh endpoint.
func (o *Orchestrator) RefreshPricesNow(ctx context.Context) {
	o.refreshPrices(ctx, true)
}

// refreshPrices pulls the active scheme's sources and recombines. Failures
// are logged and counted; the cached series stays in use.
func (o *Orchestrator) refreshPrices(ctx context.Context, force bool) {
	end := o.tel.StartSpan("price refresh")
	defer end()

	o.mu.Lock()
	scheme := o.settings.PriceScheme
	o.mu.Unlock()

	switch scheme {
	case types.SchemeHomey:
		err := o.prices.RefreshHomeyPrices(ctx)
		o.tel.RecordPriceRefresh("homey", err)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "homey price refresh failed", slog.Any("error", err))
		}
	case types.SchemeFlow:
		// flow prices arrive by push, nothing to pull
	default:
		err := o.prices.RefreshSpotPrices(ctx, force)
		o.tel.RecordPriceRefresh("spot", err)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "spot price refresh failed", slog.Any("error", err))
		}
		err = o.prices.RefreshGridTariffData(ctx, force)
		o.tel.RecordPriceRefresh("tariff", err)
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "grid tariff refresh failed", slog.Any("error", err))
		}
	}

	if err := o.prices.UpdateCombinedPrices(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to combine prices", slog.Any("error", err))
		return
	}
	o.RequestRebuild("price refresh")
}

// StoreFlowPrices accepts a pushed day of prices and folds it into the
// combined series.
func (o *Orchestrator) StoreFlowPrices(ctx context.Context, kind prices.FlowKind, raw string) ([]int, error) {
	missing, err := o.prices.StoreFlowPriceData(ctx, kind, raw)
	if err != nil {
		return nil, err
	}
	if err := o.prices.UpdateCombinedPrices(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to combine prices", slog.Any("error", err))
	}
	o.RequestRebuild("flow prices")
	return missing, nil
}

// actuate is the guard's shed callback. Pause suppresses the write but the
// guard's bookkeeping still applies.
func (o *Orchestrator) actuate(ctx context.Context, deviceID string) error {
	o.mu.Lock()
	paused := o.settings.Pause
	o.mu.Unlock()
	if paused {
		log.Ctx(ctx).InfoContext(ctx, "paused, skipping shed actuation", slog.String("deviceID", deviceID))
		return nil
	}
	o.tel.RecordShed()
	return o.host.SetOnOff(ctx, deviceID, false)
}

func (o *Orchestrator) onShortfall(deficitKw float64) {
	o.tel.Count("shortfalls")
}

func (o *Orchestrator) onShortfallCleared() {
	o.tel.Count("shortfalls_cleared")
	o.scheduleRebuild("shortfall cleared")
}

// softLimitKw is the guard's dynamic limit. Near the end of an hour whose
// energy budget is nearly spent, the limit squeezes down to what the
// remaining minutes may still draw.
func (o *Orchestrator) softLimitKw() float64 {
	o.mu.Lock()
	settings := o.settings
	plan := o.dailyPlan
	o.mu.Unlock()

	soft := settings.CapacityLimitKw - settings.CapacityMarginKw
	if soft <= 0 {
		return math.Inf(1)
	}

	now := time.Now()
	i := plan.CurrentBucketIndex
	if !settings.DailyBudgetEnabled || i < 0 || i >= len(plan.PlannedKWh) || plan.PlannedKWh[i] <= 0 {
		return soft
	}
	remainingH := time.Until(now.Truncate(time.Hour).Add(time.Hour)).Hours()
	if remainingH <= 0 || remainingH > 0.25 {
		return soft
	}
	remainingKWh := plan.PlannedKWh[i] - o.tracker.UsedInHourKWh(now)
	if remainingKWh < 0 {
		remainingKWh = 0
	}
	if squeezed := remainingKWh / remainingH; squeezed < soft {
		return squeezed
	}
	return soft
}

// Status returns the condensed service state.
func (o *Orchestrator) Status() Status {
	// Read guard state before taking o.mu. The guard's Tick holds its own
	// lock while calling back into the soft-limit provider, which takes
	// o.mu, so guard calls must never happen under o.mu.
	guardState := o.guard.State()
	totalKw := o.guard.LastTotalKw()

	o.mu.Lock()
	defer o.mu.Unlock()
	s := o.status
	s.GuardState = guardState
	s.TotalKw = totalKw
	s.Paused = o.settings.Pause
	s.DryRun = o.settings.DryRun
	return s
}

// DailyPlan returns the last computed daily plan.
func (o *Orchestrator) DailyPlan() types.DailyPlan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dailyPlan
}

// DevicePlan returns the last applied device plan.
func (o *Orchestrator) DevicePlan() types.DevicePlan {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.devicePlan
}

// Settings returns the active settings.
func (o *Orchestrator) Settings() types.Settings {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.settings
}

func (o *Orchestrator) stopDebounce() {
	o.debounceMu.Lock()
	defer o.debounceMu.Unlock()
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
		o.debounceTimer = nil
	}
}
