package deviceplan

import (
	"context"
	"testing"
	"time"

	"github.com/effektvakt/effektvakt/pkg/modes"
	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 16, 10, 30, 0, 0, time.UTC)

func boolPtr(b bool) *bool        { return &b }
func floatPtr(f float64) *float64 { return &f }

func heater(id string, watts float64) types.DeviceSnapshot {
	return types.DeviceSnapshot{
		ID:            id,
		Name:          id,
		Capabilities:  []string{types.CapOnOff, types.CapTargetTemperature, types.CapMeasurePower},
		OnOff:         boolPtr(true),
		MeasurePowerW: floatPtr(watts),
	}
}

func baseInputs(devices ...types.DeviceSnapshot) Inputs {
	return Inputs{
		Now:          testNow,
		Devices:      devices,
		Settings:     types.Settings{OperatingMode: "normal"},
		Policy:       modes.DefaultPolicy(),
		ControlledKw: -1,
		SoftLimitKw:  4.8,
	}
}

func entryByID(t *testing.T, plan types.DevicePlan, id string) types.PlanDevice {
	t.Helper()
	for _, e := range plan.Devices {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("device %s not in plan", id)
	return types.PlanDevice{}
}

func TestCapacityShedLeastImportantFirst(t *testing.T) {
	in := baseInputs(heater("A", 3000), heater("B", 2000))
	in.Settings.CapacityPriorities = map[string]int{"A": 10, "B": 1}
	in.TotalKw = 7

	plan := Build(context.Background(), in)

	assert.Equal(t, types.PlanShed, entryByID(t, plan, "A").PlannedState)
	assert.Equal(t, types.PlanKeep, entryByID(t, plan, "B").PlannedState)
	assert.Equal(t, types.LimitHourly, plan.LimitReason)
	assert.True(t, plan.Shedding)
	assert.InDelta(t, -2.2, plan.HeadroomKw, 1e-9)
}

func TestCapacityShedTieBreaksBySmallerLoad(t *testing.T) {
	in := baseInputs(heater("small", 1000), heater("big", 3000))
	// same priority, small deficit: the smaller load covers it
	in.TotalKw = 5.3

	plan := Build(context.Background(), in)

	assert.Equal(t, types.PlanShed, entryByID(t, plan, "small").PlannedState)
	assert.Equal(t, types.PlanKeep, entryByID(t, plan, "big").PlannedState)
}

func TestHourlyBudgetExhaustedShedsAllControllable(t *testing.T) {
	in := baseInputs(heater("A", 500), heater("B", 500))
	in.DailyPlan = types.DailyPlan{
		PlannedKWh:         []float64{1},
		AllowedCumKWh:      []float64{1},
		CurrentBucketIndex: 0,
		DailyBudgetKWh:     10,
	}
	in.UsedInHourKWh = 1.2

	plan := Build(context.Background(), in)

	assert.True(t, plan.HourlyBudgetExhausted)
	assert.Equal(t, types.PlanShed, entryByID(t, plan, "A").PlannedState)
	assert.Equal(t, types.PlanShed, entryByID(t, plan, "B").PlannedState)
	assert.Equal(t, types.LimitHourly, plan.LimitReason)
}

func TestDailyBudgetShedsOnlyOptimizableInNonCheapHour(t *testing.T) {
	in := baseInputs(heater("opt", 1000), heater("plain", 1000))
	in.Settings.DailyBudgetEnabled = true
	in.Settings.PriceOptimizationEnabled = true
	in.Settings.PriceOptimization = map[string]types.DevicePriceSettings{
		"opt": {Optimize: true},
	}
	in.DailyPlan = types.DailyPlan{
		PlannedKWh:         []float64{2},
		AllowedCumKWh:      []float64{2},
		CurrentBucketIndex: 0,
		DailyBudgetKWh:     8,
	}
	in.UsedTodayKWh = 3

	plan := Build(context.Background(), in)

	assert.True(t, plan.DailyBudgetExceeded)
	assert.Equal(t, types.PlanShed, entryByID(t, plan, "opt").PlannedState)
	assert.Equal(t, types.PlanKeep, entryByID(t, plan, "plain").PlannedState)
	assert.Equal(t, types.LimitDaily, plan.LimitReason)

	t.Run("cheap hour suspends the daily shed", func(t *testing.T) {
		cheap := in
		cheap.Prices = types.CombinedPrices{Entries: []types.Price{
			{StartsAt: testNow.Truncate(time.Hour), Total: 0.5, IsCheap: true},
		}}
		plan := Build(context.Background(), cheap)
		assert.Equal(t, types.PlanKeep, entryByID(t, plan, "opt").PlannedState)
		assert.Equal(t, types.LimitNone, plan.LimitReason)
	})
}

func TestShedActionAndOvershootTarget(t *testing.T) {
	in := baseInputs(heater("A", 2000))
	in.Settings.CapacityPriorities = map[string]int{"A": 10}
	in.Settings.PriceOptimization = map[string]types.DevicePriceSettings{
		"A": {OvershootAction: types.ShedSetTemperature, OvershootTemperature: 12},
	}
	in.TotalKw = 7

	plan := Build(context.Background(), in)
	e := entryByID(t, plan, "A")
	assert.Equal(t, types.PlanShed, e.PlannedState)
	assert.Equal(t, types.ShedSetTemperature, e.ShedAction)
	assert.Equal(t, 12.0, e.PlannedTarget)
}

func TestCheapAndExpensiveDeltas(t *testing.T) {
	in := baseInputs(heater("A", 500))
	in.Settings.PriceOptimizationEnabled = true
	in.Settings.PriceOptimization = map[string]types.DevicePriceSettings{
		"A": {Optimize: true, CheapDelta: 2, ExpensiveDelta: -3},
	}
	in.Settings.ModeDeviceTargets = map[string]map[string]float64{"normal": {"A": 21}}

	t.Run("cheap", func(t *testing.T) {
		cheap := in
		cheap.Prices = types.CombinedPrices{Entries: []types.Price{
			{StartsAt: testNow.Truncate(time.Hour), IsCheap: true},
		}}
		plan := Build(context.Background(), cheap)
		assert.Equal(t, 23.0, entryByID(t, plan, "A").PlannedTarget)
	})

	t.Run("expensive", func(t *testing.T) {
		exp := in
		exp.Prices = types.CombinedPrices{Entries: []types.Price{
			{StartsAt: testNow.Truncate(time.Hour), IsExpensive: true},
		}}
		plan := Build(context.Background(), exp)
		assert.Equal(t, 18.0, entryByID(t, plan, "A").PlannedTarget)
	})

	t.Run("normal hour keeps the mode target", func(t *testing.T) {
		plan := Build(context.Background(), in)
		assert.Equal(t, 21.0, entryByID(t, plan, "A").PlannedTarget)
	})
}

func TestRecentShedIsNotContradicted(t *testing.T) {
	in := baseInputs(heater("A", 2000))
	in.RecentSheds = []types.ShedEvent{{DeviceID: "A", Timestamp: testNow.Add(-time.Minute)}}

	plan := Build(context.Background(), in)
	e := entryByID(t, plan, "A")
	assert.Equal(t, types.PlanShed, e.PlannedState)
	assert.Equal(t, "recently shed by capacity guard", e.Reason)
}

func TestSortOrder(t *testing.T) {
	a := heater("a", 100)
	a.Zone = "upstairs"
	b := heater("b", 100)
	b.Zone = "downstairs"
	c := heater("c", 100)
	c.Zone = "downstairs"

	in := baseInputs(a, b, c)
	in.Settings.CapacityPriorities = map[string]int{"a": 1, "b": 3, "c": 3}

	plan := Build(context.Background(), in)
	ids := make([]string, len(plan.Devices))
	for i, e := range plan.Devices {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestResolveState(t *testing.T) {
	thermostatCaps := []string{types.CapOnOff, types.CapTargetTemperature, types.CapMeasurePower}
	for _, tc := range []struct {
		name string
		d    types.DeviceSnapshot
		want types.DeviceState
	}{
		{"off", types.DeviceSnapshot{Capabilities: thermostatCaps, OnOff: boolPtr(false)}, types.DeviceOff},
		{"heating", types.DeviceSnapshot{Capabilities: thermostatCaps, OnOff: boolPtr(true), MeasurePowerW: floatPtr(800)}, types.DeviceHeating},
		{"idle", types.DeviceSnapshot{Capabilities: thermostatCaps, OnOff: boolPtr(true), MeasurePowerW: floatPtr(2)}, types.DeviceIdle},
		{"plain on", types.DeviceSnapshot{Capabilities: []string{types.CapOnOff}, OnOff: boolPtr(true)}, types.DeviceOn},
		{"inferred from power", types.DeviceSnapshot{Capabilities: []string{types.CapMeasurePower}, MeasurePowerW: floatPtr(300)}, types.DeviceOn},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, resolveState(tc.d))
		})
	}
}

func TestExpectedPowerFallbackChain(t *testing.T) {
	policy := modes.DefaultPolicy()

	measured := heater("m", 0)
	measured.LastOnPowerW = 1800
	assert.Equal(t, 1.8, expectedKw(policy, "normal", measured))

	declared := heater("d", 0)
	declared.ExpectedLoadW = 600
	assert.Equal(t, 0.6, expectedKw(policy, "normal", declared))

	// mode default: normal declares 1000 W
	assert.Equal(t, 1.0, expectedKw(policy, "normal", heater("f", 0)))
}

func TestAggregates(t *testing.T) {
	in := baseInputs(heater("A", 1500))
	in.Settings.DailyBudgetEnabled = true
	in.TotalKw = 2.5
	in.UsedTodayKWh = 4
	in.DailyPlan = types.DailyPlan{
		PlannedKWh:         []float64{1},
		AllowedCumKWh:      []float64{8},
		CurrentBucketIndex: 0,
		DailyBudgetKWh:     10,
	}

	plan := Build(context.Background(), in)
	require.False(t, plan.DailyBudgetExceeded)
	assert.InDelta(t, 1.5, plan.ControlledKw, 1e-9)
	assert.InDelta(t, 1.0, plan.UncontrolledKw, 1e-9)
	assert.Equal(t, 8.0, plan.DailyBudgetAllowedKWhNow)
	assert.Equal(t, 6.0, plan.DailyBudgetRemainingKWh)
	assert.InDelta(t, 0.5, plan.DailyBudgetPressure, 1e-9)
	assert.InDelta(t, 2.3, plan.HeadroomKw, 1e-9)
	assert.Equal(t, types.LimitNone, plan.LimitReason)
}
