package orchestrator

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/effektvakt/effektvakt/pkg/clock"
	"github.com/effektvakt/effektvakt/pkg/deviceplan"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/planner"
	"github.com/effektvakt/effektvakt/pkg/telemetry"
	"github.com/effektvakt/effektvakt/pkg/types"
)

type rebuildRequest struct {
	reason   string
	queuedAt time.Time
}

// RequestRebuild asks for a rebuild now. Requests arriving while one is
// pending collapse into it, keeping the earliest reason.
func (o *Orchestrator) RequestRebuild(reason string) {
	o.pendingMu.Lock()
	if o.pending == nil {
		o.pending = &rebuildRequest{reason: reason, queuedAt: time.Now()}
		o.pendingMu.Unlock()
		select {
		case o.wake <- struct{}{}:
		default:
		}
		return
	}
	o.pendingMu.Unlock()
}

// scheduleRebuild debounces change notifications into one rebuild request.
func (o *Orchestrator) scheduleRebuild(reason string) {
	o.debounceMu.Lock()
	defer o.debounceMu.Unlock()
	if o.debounceReason == "" {
		o.debounceReason = reason
	}
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.debounceTimer = time.AfterFunc(o.rebuildDebounce, func() {
		o.debounceMu.Lock()
		reason := o.debounceReason
		o.debounceReason = ""
		o.debounceMu.Unlock()
		if reason != "" {
			o.RequestRebuild(reason)
		}
	})
}

// rebuildWorker serializes rebuilds: one in flight, one queued.
func (o *Orchestrator) rebuildWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.wake:
		}
		for {
			o.pendingMu.Lock()
			req := o.pending
			o.pending = nil
			o.pendingMu.Unlock()
			if req == nil {
				break
			}
			o.runRebuild(ctx, *req)
		}
	}
}

// runRebuild executes one full pipeline: snapshot devices and power, build
// the daily plan, build the device plan, apply targets, persist, update
// status. No failure escapes; it is recorded on the trace instead.
func (o *Orchestrator) runRebuild(ctx context.Context, req rebuildRequest) {
	endSpan := o.tel.StartSpan("rebuild")
	defer endSpan()

	started := time.Now()
	trace := telemetry.RebuildTrace{
		ID:          o.tel.NewTraceID(),
		Reason:      req.reason,
		At:          started,
		QueueWaitMs: started.Sub(req.queuedAt).Milliseconds(),
	}
	defer func() {
		if r := recover(); r != nil {
			trace.Failed = true
			log.Ctx(ctx).ErrorContext(ctx, "rebuild panicked",
				slog.String("traceID", trace.ID),
				slog.Any("panic", r),
			)
		}
		trace.TotalMs = time.Since(started).Milliseconds()
		o.tel.RecordRebuild(trace)
		o.mu.Lock()
		o.status.LastRebuildAt = started
		o.status.LastRebuildReason = req.reason
		o.status.LastRebuildFailed = trace.Failed
		o.mu.Unlock()
	}()

	o.mu.Lock()
	settings := o.settings
	loc := o.loc
	previous := o.dailyPlan
	lastSample := o.lastSample
	o.mu.Unlock()

	now := time.Now()

	// build phase: enumerate devices, then daily plan, then device plan
	phase := time.Now()
	devs, err := o.host.ListDevices(ctx)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "device enumeration failed, planning without devices",
			slog.String("traceID", trace.ID),
			slog.Any("error", err),
		)
		devs = nil
	}

	daily := planner.Build(ctx, o.plannerInputs(now, settings, loc, previous))
	if i := daily.CurrentBucketIndex; i >= 0 && i < len(daily.PlannedKWh) {
		o.tracker.SetHourlyBudget(daily.BucketStartUtc[i], daily.PlannedKWh[i])
	}

	controlledKw := -1.0
	if lastSample.ControlledW >= 0 && lastSample.TotalW > 0 {
		controlledKw = lastSample.ControlledW / 1000
	}
	plan := deviceplan.Build(ctx, deviceplan.Inputs{
		Now:           now,
		Devices:       devs,
		Settings:      settings,
		Policy:        o.policy,
		DailyPlan:     daily,
		Prices:        o.prices.Combined(),
		UsedTodayKWh:  o.tracker.UsedTodayKWh(now),
		UsedInHourKWh: o.tracker.UsedInHourKWh(now),
		TotalKw:       o.guard.LastTotalKw(),
		ControlledKw:  controlledKw,
		SoftLimitKw:   o.softLimitKw(),
		RecentSheds:   o.guard.RecentSheds(now.Add(-recentShedWindow)),
	})
	trace.BuildMs = time.Since(phase).Milliseconds()

	// change phase: write targets to the host
	phase = time.Now()
	o.applyPlan(ctx, trace.ID, settings, devs, plan)
	trace.ChangeMs = time.Since(phase).Milliseconds()

	// apply phase: hand the plan to the guard
	phase = time.Now()
	o.guard.SyncPlan(plan)
	trace.ApplyMs = time.Since(phase).Milliseconds()

	// snapshot phase: persist
	phase = time.Now()
	if err := o.db.SaveDailyPlan(ctx, daily); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist daily plan", slog.Any("error", err))
	}
	if err := o.db.SaveDevicePlan(ctx, plan); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist device plan", slog.Any("error", err))
	}
	trace.SnapshotMs = time.Since(phase).Milliseconds()

	// status phase
	phase = time.Now()
	o.mu.Lock()
	o.dailyPlan = daily
	o.devicePlan = plan
	o.status.UsedTodayKWh = plan.UsedKWh
	o.status.DailyBudgetKWh = daily.DailyBudgetKWh
	o.status.Confidence = daily.Confidence
	o.status.Shedding = plan.Shedding
	o.status.LimitReason = plan.LimitReason
	onPlan := o.onPlan
	o.mu.Unlock()
	if onPlan != nil {
		onPlan(plan)
	}
	trace.StatusMs = time.Since(phase).Milliseconds()

	log.Ctx(ctx).InfoContext(ctx, "rebuild complete",
		slog.String("traceID", trace.ID),
		slog.String("reason", req.reason),
		slog.Int("devices", len(plan.Devices)),
		slog.Bool("shedding", plan.Shedding),
		slog.Int64("buildMs", trace.BuildMs),
	)
}

// plannerInputs assembles the daily plan inputs from tracker observations.
func (o *Orchestrator) plannerInputs(now time.Time, settings types.Settings, loc *time.Location, previous types.DailyPlan) planner.Inputs {
	buckets := clock.DayBuckets(now, loc)
	whole, _, _ := o.tracker.DayUsage(now)
	controlledProf, uncontrolledProf, splitOK := o.tracker.SplitProfile(now)
	uncMin, ctlMin, ctlMax := o.tracker.ObservedBounds(now)

	cur := 0
	for i := range buckets {
		if !buckets[i].After(now) {
			cur = i
		}
	}

	budget := 0.0
	if settings.DailyBudgetEnabled {
		budget = settings.DailyBudgetKWh
	}
	capacityBudget := 0.0
	if settings.CapacityLimitKw > 0 {
		capacityBudget = settings.CapacityLimitKw - settings.CapacityMarginKw
	}

	var prevPlanned []float64
	if len(previous.BucketStartUtc) == len(buckets) && len(buckets) > 0 &&
		previous.BucketStartUtc[0].Equal(buckets[0]) {
		prevPlanned = previous.PlannedKWh
	}

	return planner.Inputs{
		BucketStartUtc:           buckets,
		BucketUsage:              whole,
		CurrentBucketIndex:       cur,
		UsedNowKWh:               o.tracker.UsedTodayKWh(now),
		DailyBudgetKWh:           budget,
		ProfileWeights:           o.tracker.ProfileWeights(now),
		ControlledProfile:        controlledProf,
		UncontrolledProfile:      uncontrolledProf,
		SplitProfileOK:           splitOK,
		Prices:                   o.prices.Combined(),
		PriceOptimizationEnabled: settings.PriceOptimizationEnabled,
		PriceShapingEnabled:      settings.DailyBudgetPriceShapingEnabled,
		PriceShapingFlexShare:    settings.DailyBudgetPriceFlexShare,
		UncontrolledFloor:        uncMin,
		ControlledFloor:          ctlMin,
		ControlledMax:            ctlMax,
		CapacityBudgetKWh:        capacityBudget,
		PreviousPlannedKWh:       prevPlanned,
		ControlledWeight:         settings.DailyBudgetControlledWeight,
		Confidence:               o.tracker.Confidence(),
		Frozen:                   !settings.DailyBudgetEnabled,
	}
}

// applyPlan writes shed actions and adjusted targets to the host. Per-device
// failures are logged and retried on the next rebuild.
func (o *Orchestrator) applyPlan(ctx context.Context, traceID string, settings types.Settings, devs []types.DeviceSnapshot, plan types.DevicePlan) {
	if settings.Pause || settings.DryRun {
		log.Ctx(ctx).DebugContext(ctx, "skipping plan actuation",
			slog.String("traceID", traceID),
			slog.Bool("pause", settings.Pause),
			slog.Bool("dryRun", settings.DryRun),
		)
		return
	}

	current := make(map[string]types.DeviceSnapshot, len(devs))
	for _, d := range devs {
		current[d.ID] = d
	}

	for _, e := range plan.Devices {
		if !e.Controllable {
			continue
		}
		d, known := current[e.ID]
		var err error
		switch {
		case e.PlannedState == types.PlanShed && e.ShedAction == types.ShedPowerOff:
			if known && d.OnOff != nil && !*d.OnOff {
				continue
			}
			err = o.host.SetOnOff(ctx, e.ID, false)
		case e.PlannedState == types.PlanShed && e.ShedAction == types.ShedSetTemperature:
			if e.PlannedTarget <= 0 || (known && sameTarget(d, e.PlannedTarget)) {
				continue
			}
			err = o.host.SetTargetTemperature(ctx, e.ID, e.PlannedTarget)
		case e.PlannedTarget > 0 && known && d.HasCapability(types.CapTargetTemperature):
			if sameTarget(d, e.PlannedTarget) {
				continue
			}
			err = o.host.SetTargetTemperature(ctx, e.ID, e.PlannedTarget)
		default:
			continue
		}
		if err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "device write failed",
				slog.String("traceID", traceID),
				slog.String("deviceID", e.ID),
				slog.Any("error", err),
			)
		}
	}
}

func sameTarget(d types.DeviceSnapshot, target float64) bool {
	return d.TargetTemperature != nil && math.Abs(*d.TargetTemperature-target) < 0.05
}
