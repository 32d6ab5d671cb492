// Package deviceplan turns the daily plan, prices, mode policy and device
// snapshots into a per-device action plan: keep, shed, or adjusted target.
package deviceplan

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/modes"
	"github.com/effektvakt/effektvakt/pkg/types"
)

// idleThresholdW separates a heating thermostat from an idle one.
const idleThresholdW = 15

// Inputs is the read-only snapshot one build works from.
type Inputs struct {
	Now      time.Time
	Devices  []types.DeviceSnapshot
	Settings types.Settings
	Policy   *modes.Policy

	DailyPlan types.DailyPlan
	Prices    types.CombinedPrices

	UsedTodayKWh  float64
	UsedInHourKWh float64

	// TotalKw is the latest whole-house sample; ControlledKw is negative when
	// the controllable share is unknown.
	TotalKw      float64
	ControlledKw float64
	SoftLimitKw  float64

	// RecentSheds come from the capacity guard so a rebuild never contradicts
	// a fresh shed.
	RecentSheds []types.ShedEvent
}

// Build computes the device plan. It never fails; device-level problems
// surface in the per-device reason string.
func Build(ctx context.Context, in Inputs) types.DevicePlan {
	mode := in.Settings.OperatingMode
	if mode == "" {
		mode = "normal"
	}

	hourCheap, hourExpensive := currentHourFlags(in.Prices, in.Now)

	allowedNow, plannedThisHour := budgetNow(in.DailyPlan)
	dailyExceeded := in.Settings.DailyBudgetEnabled && in.DailyPlan.DailyBudgetKWh > 0 &&
		in.UsedTodayKWh > allowedNow
	hourlyExhausted := plannedThisHour > 0 && in.UsedInHourKWh >= plannedThisHour

	// no configured capacity limit disables headroom math entirely
	softLimitKw := in.SoftLimitKw
	if softLimitKw <= 0 || math.IsInf(softLimitKw, 1) {
		softLimitKw = 0
	}
	headroomKw := 0.0
	if softLimitKw > 0 {
		headroomKw = softLimitKw - sanitize(in.TotalKw)
	}

	recentlyShed := map[string]bool{}
	for _, e := range in.RecentSheds {
		recentlyShed[e.DeviceID] = true
	}

	entries := make([]types.PlanDevice, 0, len(in.Devices))
	for _, d := range in.Devices {
		entries = append(entries, buildEntry(in, d, mode, hourCheap, hourExpensive, recentlyShed[d.ID]))
	}

	capacityDeficitKw := 0.0
	if headroomKw < 0 {
		capacityDeficitKw = -headroomKw
	}
	hourlyShed := capacityDeficitKw > 0 || hourlyExhausted
	if hourlyShed {
		shedForHour(ctx, entries, capacityDeficitKw, hourlyExhausted)
	}

	dailyShed := false
	if dailyExceeded && !hourCheap {
		for i := range entries {
			e := &entries[i]
			if !e.Controllable || e.PlannedState == types.PlanShed {
				continue
			}
			if !in.Settings.PriceOptimizationEnabled {
				continue
			}
			ps, ok := in.Settings.PriceOptimization[e.ID]
			if !ok || !ps.Optimize {
				continue
			}
			markShed(e, "daily budget exceeded in a non-cheap hour")
			dailyShed = true
		}
	}

	for i := range entries {
		e := &entries[i]
		if e.PlannedState == types.PlanShed && e.ShedAction == types.ShedSetTemperature {
			if ps, ok := in.Settings.PriceOptimization[e.ID]; ok && ps.OvershootTemperature > 0 {
				e.PlannedTarget = ps.OvershootTemperature
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Zone != b.Zone {
			return a.Zone < b.Zone
		}
		return a.Name < b.Name
	})

	plan := types.DevicePlan{
		GeneratedAt: in.Now,
		Devices:     entries,
		SoftLimitKw: softLimitKw,
		HeadroomKw:  headroomKw,
	}
	fillAggregates(&plan, in, allowedNow, dailyExceeded, hourlyExhausted, hourlyShed, dailyShed)

	log.Ctx(ctx).DebugContext(ctx, "device plan built",
		slog.Int("devices", len(entries)),
		slog.Bool("shedding", plan.Shedding),
		slog.String("limitReason", string(plan.LimitReason)),
		slog.Float64("headroomKw", plan.HeadroomKw),
	)
	return plan
}

func buildEntry(in Inputs, d types.DeviceSnapshot, mode string, hourCheap, hourExpensive, recentlyShed bool) types.PlanDevice {
	controllable := d.HasCapability(types.CapOnOff) || d.HasCapability(types.CapTargetTemperature)

	e := types.PlanDevice{
		ID:              d.ID,
		Name:            d.Name,
		Zone:            d.Zone,
		Priority:        in.Policy.PriorityFor(mode, d.ID, in.Settings),
		Controllable:    controllable,
		CurrentState:    resolveState(d),
		PlannedState:    types.PlanKeep,
		MeasuredPowerKw: measuredKw(d),
		ExpectedPowerKw: expectedKw(in.Policy, mode, d),
		Reason:          "ok",
	}

	if target, ok := in.Policy.TargetFor(mode, d.ID, in.Settings); ok && d.HasCapability(types.CapTargetTemperature) {
		e.PlannedTarget = target
		if in.Settings.PriceOptimizationEnabled {
			if ps, ok := in.Settings.PriceOptimization[d.ID]; ok && ps.Optimize {
				switch {
				case hourCheap:
					e.PlannedTarget = target + ps.CheapDelta
					e.Reason = "cheap hour overshoot"
				case hourExpensive:
					e.PlannedTarget = target + ps.ExpensiveDelta
					e.Reason = "expensive hour setback"
				}
			}
		}
	}

	if recentlyShed && controllable {
		markShed(&e, "recently shed by capacity guard")
	}

	e.ShedAction = shedActionFor(in.Settings, d)
	return e
}

// shedForHour turns off the least important controllable devices until the
// expected reduction covers the capacity deficit, or all of them when the
// hourly energy budget is spent. Ties shed the smaller expected load first so
// the plan gives up as little comfort as possible.
func shedForHour(ctx context.Context, entries []types.PlanDevice, deficitKw float64, hourlyExhausted bool) {
	idx := make([]int, 0, len(entries))
	for i := range entries {
		if entries[i].Controllable && entries[i].PlannedState == types.PlanKeep {
			idx = append(idx, i)
		}
	}
	sort.SliceStable(idx, func(a, b int) bool {
		x, y := entries[idx[a]], entries[idx[b]]
		if x.Priority != y.Priority {
			return x.Priority > y.Priority
		}
		return shedLoadKw(x) < shedLoadKw(y)
	})

	remaining := deficitKw
	for _, i := range idx {
		if !hourlyExhausted && remaining <= 0 {
			break
		}
		e := &entries[i]
		reason := "hourly energy budget exhausted"
		if remaining > 0 {
			reason = fmt.Sprintf("capacity headroom short by %.2f kW", remaining)
		}
		markShed(e, reason)
		remaining -= shedLoadKw(*e)
	}
	if remaining > 0 {
		log.Ctx(ctx).WarnContext(ctx, "shedding all controllable devices does not cover the deficit",
			slog.Float64("remainingKw", remaining),
		)
	}
}

func markShed(e *types.PlanDevice, reason string) {
	e.PlannedState = types.PlanShed
	e.Reason = reason
}

// shedLoadKw is the load a shed actually removes: measured draw when the
// device is drawing, otherwise the expected load.
func shedLoadKw(e types.PlanDevice) float64 {
	if e.MeasuredPowerKw > 0 {
		return e.MeasuredPowerKw
	}
	return e.ExpectedPowerKw
}

func shedActionFor(settings types.Settings, d types.DeviceSnapshot) types.ShedAction {
	if d.HasCapability(types.CapTargetTemperature) {
		if ps, ok := settings.PriceOptimization[d.ID]; ok && ps.OvershootAction == types.ShedSetTemperature {
			return types.ShedSetTemperature
		}
	}
	return types.ShedPowerOff
}

func resolveState(d types.DeviceSnapshot) types.DeviceState {
	on := d.OnOff != nil && *d.OnOff
	if d.OnOff == nil && d.MeasurePowerW != nil {
		on = *d.MeasurePowerW > idleThresholdW
	}
	if !on {
		return types.DeviceOff
	}
	if d.HasCapability(types.CapTargetTemperature) && d.MeasurePowerW != nil {
		if *d.MeasurePowerW > idleThresholdW {
			return types.DeviceHeating
		}
		return types.DeviceIdle
	}
	return types.DeviceOn
}

func measuredKw(d types.DeviceSnapshot) float64 {
	if d.MeasurePowerW == nil {
		return 0
	}
	return sanitize(*d.MeasurePowerW) / 1000
}

// expectedKw falls back through last on-state measurement, the host's
// expected-load setting, then the mode default.
func expectedKw(policy *modes.Policy, mode string, d types.DeviceSnapshot) float64 {
	if d.LastOnPowerW > 0 {
		return d.LastOnPowerW / 1000
	}
	if d.ExpectedLoadW > 0 {
		return d.ExpectedLoadW / 1000
	}
	return policy.ExpectedLoadW(mode, d.ID) / 1000
}

func currentHourFlags(prices types.CombinedPrices, now time.Time) (cheap, expensive bool) {
	if e, ok := prices.EntryAt(now); ok {
		return e.IsCheap, e.IsExpensive
	}
	return false, false
}

// budgetNow reads the cumulative allowance and the current bucket's planned
// kWh out of the daily plan.
func budgetNow(plan types.DailyPlan) (allowedNow, plannedThisHour float64) {
	i := plan.CurrentBucketIndex
	if i < 0 || i >= len(plan.AllowedCumKWh) {
		return math.Inf(1), 0
	}
	return plan.AllowedCumKWh[i], plan.PlannedKWh[i]
}

func fillAggregates(plan *types.DevicePlan, in Inputs, allowedNow float64, dailyExceeded, hourlyExhausted, hourlyShed, dailyShed bool) {
	var controlledKw float64
	shedding := false
	for _, e := range plan.Devices {
		if e.Controllable && (e.CurrentState == types.DeviceOn || e.CurrentState == types.DeviceHeating) {
			controlledKw += e.MeasuredPowerKw
		}
		if e.PlannedState == types.PlanShed {
			shedding = true
		}
	}
	if in.ControlledKw >= 0 {
		controlledKw = in.ControlledKw
	}

	total := sanitize(in.TotalKw)
	plan.ControlledKw = controlledKw
	plan.UncontrolledKw = math.Max(0, total-controlledKw)
	plan.UsedKWh = in.UsedTodayKWh
	plan.DailyBudgetUsedKWh = in.UsedTodayKWh
	if !math.IsInf(allowedNow, 1) {
		plan.DailyBudgetAllowedKWhNow = allowedNow
	}
	plan.DailyBudgetRemainingKWh = math.Max(0, in.DailyPlan.DailyBudgetKWh-in.UsedTodayKWh)
	if allowedNow > 0 && !math.IsInf(allowedNow, 1) {
		plan.DailyBudgetPressure = math.Min(in.UsedTodayKWh/allowedNow, 2)
	}
	plan.DailyBudgetExceeded = dailyExceeded
	plan.HourlyBudgetExhausted = hourlyExhausted
	plan.Shedding = shedding

	switch {
	case hourlyShed && dailyShed:
		plan.LimitReason = types.LimitBoth
	case hourlyShed:
		plan.LimitReason = types.LimitHourly
	case dailyShed:
		plan.LimitReason = types.LimitDaily
	default:
		plan.LimitReason = types.LimitNone
	}
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}
