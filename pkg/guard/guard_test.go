package guard

import (
	"context"
	"testing"
	"time"

	"github.com/effektvakt/effektvakt/pkg/storage/storagemock"
	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestGuard(limitKw, marginKw float64) (*Guard, *fakeClock, *[]string) {
	g := New(storagemock.NewMemory())
	g.ApplySettings(types.Settings{CapacityLimitKw: limitKw, CapacityMarginKw: marginKw})
	clk := &fakeClock{t: time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC)}
	g.now = clk.now

	var shed []string
	g.SetActuator(func(ctx context.Context, deviceID string) error {
		shed = append(shed, deviceID)
		return nil
	})
	return g, clk, &shed
}

func planWith(devices ...types.PlanDevice) types.DevicePlan {
	return types.DevicePlan{Devices: devices}
}

func device(id string, kw float64, priority int) types.PlanDevice {
	return types.PlanDevice{
		ID:              id,
		Name:            id,
		Priority:        priority,
		Controllable:    true,
		CurrentState:    types.DeviceOn,
		ExpectedPowerKw: kw,
	}
}

func TestShedLeastImportantFirst(t *testing.T) {
	ctx := context.Background()
	g, _, shed := newTestGuard(5, 0.2)
	g.SyncPlan(planWith(device("A", 3, 10), device("B", 2, 1)))

	g.ReportTotalPower(7)
	g.Tick(ctx)

	// soft limit 4.8, deficit 2.2: shedding A alone covers it
	assert.Equal(t, []string{"A"}, *shed)
	count, kw := g.OnAllocations()
	assert.Equal(t, 1, count)
	assert.Equal(t, 2.0, kw)
	assert.Equal(t, StateOvershoot, g.State())
}

func TestShedTieBreaksByLargerLoad(t *testing.T) {
	ctx := context.Background()
	g, _, shed := newTestGuard(5, 0.2)
	g.SyncPlan(planWith(device("small", 1, 5), device("big", 3, 5), device("keep", 1, 1)))

	g.ReportTotalPower(7)
	g.Tick(ctx)

	require.NotEmpty(t, *shed)
	assert.Equal(t, "big", (*shed)[0])
}

func TestShedMonotonicity(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(5, 0.2)
	g.SyncPlan(planWith(device("A", 2, 3), device("B", 2, 2), device("C", 2, 1)))

	_, before := g.OnAllocations()
	g.ReportTotalPower(7.5)
	g.Tick(ctx)
	_, after := g.OnAllocations()

	assert.LessOrEqual(t, after, before)

	// no lower-numbered device off while a higher-numbered one is on
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, off := range g.allocations {
		if off.On {
			continue
		}
		for _, on := range g.allocations {
			if on.On {
				assert.GreaterOrEqual(t, off.Priority, on.Priority)
			}
		}
	}
}

func TestShortfallClearTiming(t *testing.T) {
	ctx := context.Background()
	g, clk, _ := newTestGuard(5, 0.3)

	var shortfalls, cleared int
	g.SetCallbacks(func(float64) { shortfalls++ }, func() { cleared++ })

	// soft limit 4.7; 5.0 overshoots
	g.ReportTotalPower(5.0)
	g.Tick(ctx)
	assert.Equal(t, 1, shortfalls)
	assert.Equal(t, StateOvershoot, g.State())

	// headroom 0.2 meets the hysteresis margin
	g.ReportTotalPower(4.5)
	g.Tick(ctx)
	assert.Equal(t, StateShortfallClear, g.State())

	clk.advance(30 * time.Second)
	g.Tick(ctx)
	assert.Zero(t, cleared, "no cleared event before 60s")

	clk.advance(31 * time.Second)
	g.Tick(ctx)
	assert.Equal(t, 1, cleared)
	assert.Equal(t, StateOK, g.State())

	// no duplicate event
	clk.advance(time.Second)
	g.Tick(ctx)
	assert.Equal(t, 1, cleared)
}

func TestShortfallClearResetOnBreach(t *testing.T) {
	ctx := context.Background()
	g, clk, _ := newTestGuard(5, 0.3)

	var cleared int
	g.SetCallbacks(nil, func() { cleared++ })

	g.ReportTotalPower(5.0)
	g.Tick(ctx)
	g.ReportTotalPower(4.5)
	g.Tick(ctx)
	require.Equal(t, StateShortfallClear, g.State())

	clk.advance(50 * time.Second)
	// headroom 0.05 breaches the margin but stays under the threshold
	g.ReportTotalPower(4.65)
	g.Tick(ctx)
	assert.Equal(t, StateOvershoot, g.State())

	// the timer starts over
	g.ReportTotalPower(4.5)
	g.Tick(ctx)
	clk.advance(55 * time.Second)
	g.Tick(ctx)
	assert.Zero(t, cleared)
	clk.advance(10 * time.Second)
	g.Tick(ctx)
	assert.Equal(t, 1, cleared)
}

func TestRequestOn(t *testing.T) {
	g, _, _ := newTestGuard(5, 0.2)

	// admission threshold is soft limit minus margin: 4.8 - 0.2 = 4.6
	assert.True(t, g.RequestOn("A", "heater", 3, 5))
	assert.False(t, g.RequestOn("B", "boiler", 2, 5), "3+2 exceeds 4.6")
	assert.True(t, g.RequestOn("C", "floor", 1.5, 5))
}

func TestDryRunSkipsActuator(t *testing.T) {
	ctx := context.Background()
	g, _, shed := newTestGuard(5, 0.2)
	g.ApplySettings(types.Settings{CapacityLimitKw: 5, CapacityMarginKw: 0.2, DryRun: true})
	g.SyncPlan(planWith(device("A", 3, 10)))

	g.ReportTotalPower(7)
	g.Tick(ctx)

	assert.Empty(t, *shed, "actuator not invoked in dry run")
	count, _ := g.OnAllocations()
	assert.Zero(t, count, "state still updated")
	assert.Len(t, g.RecentSheds(time.Time{}), 1)
}

func TestSyncPlanKeepsShedState(t *testing.T) {
	ctx := context.Background()
	g, _, _ := newTestGuard(5, 0.2)
	g.SyncPlan(planWith(device("A", 3, 10), device("B", 2, 1)))

	g.ReportTotalPower(7)
	g.Tick(ctx)
	count, _ := g.OnAllocations()
	require.Equal(t, 1, count)

	// a rebuild that still believes A is on must not undo the shed
	g.SyncPlan(planWith(device("A", 3, 10), device("B", 2, 1)))
	count, _ = g.OnAllocations()
	assert.Equal(t, 1, count)
}

func TestSoftLimitProvider(t *testing.T) {
	ctx := context.Background()
	g, _, shed := newTestGuard(10, 0.2)
	g.SyncPlan(planWith(device("A", 3, 10)))
	g.SetSoftLimitProvider(func() float64 { return 2 })

	g.ReportTotalPower(3)
	g.Tick(ctx)
	assert.Equal(t, []string{"A"}, *shed)
}

func TestRecentShedsPruned(t *testing.T) {
	ctx := context.Background()
	g, clk, _ := newTestGuard(5, 0.2)
	g.SyncPlan(planWith(device("A", 3, 10), device("B", 2, 9)))

	g.ReportTotalPower(9)
	g.Tick(ctx)
	require.Len(t, g.RecentSheds(time.Time{}), 2)

	clk.advance(recentShedRetention + time.Minute)
	g.SyncPlan(planWith(device("C", 1, 5)))
	g.ReportTotalPower(9)
	g.Tick(ctx)
	sheds := g.RecentSheds(clk.t.Add(-time.Minute))
	assert.Len(t, sheds, 1)
	assert.Equal(t, "C", sheds[0].DeviceID)
}
