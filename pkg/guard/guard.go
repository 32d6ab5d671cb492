// Package guard enforces the instantaneous-kW soft limit by shedding the
// least important devices first, with hysteresis on recovery.
package guard

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/storage"
	"github.com/effektvakt/effektvakt/pkg/types"
)

// State is the shortfall state machine position.
type State string

const (
	StateOK             State = "ok"
	StateOvershoot      State = "overshoot"
	StateShortfallClear State = "shortfall_wait_clear"
)

const (
	// DefaultHysteresisMarginKw is the headroom required before a shortfall
	// may start clearing.
	DefaultHysteresisMarginKw = 0.2
	// DefaultSustainedClear is how long the headroom must hold continuously
	// before the shortfall is declared over.
	DefaultSustainedClear = 60 * time.Second

	recentShedRetention = 10 * time.Minute
)

// Allocation is one controllable device the guard may shed.
type Allocation struct {
	DeviceID   string
	Label      string
	ExpectedKw float64
	// Priority follows the plan convention: lower number = more important =
	// shed last.
	Priority int
	On       bool
}

// Actuator turns a device off. Injected so the guard stays independent of
// the device transport.
type Actuator func(ctx context.Context, deviceID string) error

// Guard is safe for concurrent use. Tick drives the state machine; the
// orchestrator calls it every few seconds.
type Guard struct {
	db storage.Database

	mu                 sync.Mutex
	limitKw            float64
	softMarginKw       float64
	hysteresisMarginKw float64
	sustainedClear     time.Duration
	dryRun             bool

	softLimitProvider          func() float64
	shortfallThresholdProvider func() float64

	allocations map[string]*Allocation
	lastTotalKw float64
	// shedReductionKw is the expected load already shed since the last power
	// report, so one stale sample does not shed the whole fleet.
	shedReductionKw float64

	state      State
	clearSince time.Time

	actuator           Actuator
	onShortfall        func(deficitKw float64)
	onShortfallCleared func()

	recentSheds []types.ShedEvent

	now func() time.Time
}

// New returns a guard in the ok state with default hysteresis.
func New(db storage.Database) *Guard {
	return &Guard{
		db:                 db,
		hysteresisMarginKw: DefaultHysteresisMarginKw,
		sustainedClear:     DefaultSustainedClear,
		allocations:        map[string]*Allocation{},
		state:              StateOK,
		now:                time.Now,
	}
}

// ApplySettings picks up the static limit, margin and dry-run flag.
func (g *Guard) ApplySettings(settings types.Settings) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limitKw = settings.CapacityLimitKw
	g.softMarginKw = settings.CapacityMarginKw
	g.dryRun = settings.DryRun
}

// SetActuator installs the device-off callback.
func (g *Guard) SetActuator(a Actuator) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.actuator = a
}

// SetSoftLimitProvider supplants the static limit, e.g. to squeeze the soft
// limit near the end of an hour whose budget is nearly spent.
func (g *Guard) SetSoftLimitProvider(fn func() float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.softLimitProvider = fn
}

// SetShortfallThresholdProvider sets the alarm threshold; it defaults to the
// soft limit when unset.
func (g *Guard) SetShortfallThresholdProvider(fn func() float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shortfallThresholdProvider = fn
}

// SetCallbacks installs the shortfall notifications.
func (g *Guard) SetCallbacks(onShortfall func(deficitKw float64), onCleared func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onShortfall = onShortfall
	g.onShortfallCleared = onCleared
}

// SyncPlan replaces the allocation table from a plan snapshot. Devices the
// guard shed since the snapshot was taken keep their off state.
func (g *Guard) SyncPlan(plan types.DevicePlan) {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := make(map[string]*Allocation, len(plan.Devices))
	for _, d := range plan.Devices {
		if !d.Controllable {
			continue
		}
		on := d.CurrentState == types.DeviceOn || d.CurrentState == types.DeviceHeating
		if prev, ok := g.allocations[d.ID]; ok && !prev.On {
			on = false
		}
		next[d.ID] = &Allocation{
			DeviceID:   d.ID,
			Label:      d.Name,
			ExpectedKw: d.ExpectedPowerKw,
			Priority:   d.Priority,
			On:         on,
		}
	}
	g.allocations = next
}

// RequestOn admits a device only when its expected load fits under the soft
// limit minus the margin. A rejected request surfaces in the plan as a limit
// reason.
func (g *Guard) RequestOn(id, label string, expectedKw float64, priority int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if math.IsNaN(expectedKw) || math.IsInf(expectedKw, 0) || expectedKw < 0 {
		expectedKw = 0
	}
	var sum float64
	for _, a := range g.allocations {
		if a.On {
			sum += a.ExpectedKw
		}
	}
	if sum+expectedKw > g.softLimitLocked()-g.softMarginKw {
		return false
	}
	g.allocations[id] = &Allocation{DeviceID: id, Label: label, ExpectedKw: expectedKw, Priority: priority, On: true}
	return true
}

// ReportTotalPower records the latest whole-house sample.
func (g *Guard) ReportTotalPower(kw float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if math.IsNaN(kw) || math.IsInf(kw, 0) || kw < 0 {
		kw = 0
	}
	g.lastTotalKw = kw
	g.shedReductionKw = 0
}

// Tick runs one step of the state machine.
func (g *Guard) Tick(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	soft := g.softLimitLocked()
	threshold := g.shortfallThresholdLocked(soft)
	effective := g.lastTotalKw - g.shedReductionKw
	headroomOK := effective <= soft-g.hysteresisMarginKw

	switch g.state {
	case StateOK:
		if effective > threshold {
			g.enterOvershootLocked(ctx, effective-threshold)
			g.shedLocked(ctx, effective-soft)
		}

	case StateOvershoot:
		if headroomOK {
			g.state = StateShortfallClear
			g.clearSince = now
			log.Ctx(ctx).InfoContext(ctx, "capacity headroom restored, waiting for sustained clear",
				slog.Float64("totalKw", effective),
				slog.Float64("softLimitKw", soft),
			)
			return
		}
		g.shedLocked(ctx, effective-soft)

	case StateShortfallClear:
		if !headroomOK {
			g.clearSince = time.Time{}
			if effective > threshold {
				g.enterOvershootLocked(ctx, effective-threshold)
				g.shedLocked(ctx, effective-soft)
			} else {
				g.state = StateOvershoot
			}
			return
		}
		if g.clearSince.IsZero() {
			g.clearSince = now
			return
		}
		if now.Sub(g.clearSince) > g.sustainedClear {
			g.state = StateOK
			g.clearSince = time.Time{}
			log.Ctx(ctx).InfoContext(ctx, "capacity shortfall cleared")
			if g.onShortfallCleared != nil {
				g.onShortfallCleared()
			}
		}
	}
}

func (g *Guard) enterOvershootLocked(ctx context.Context, deficitKw float64) {
	g.state = StateOvershoot
	log.Ctx(ctx).WarnContext(ctx, "capacity shortfall",
		slog.Float64("deficitKw", deficitKw),
		slog.Float64("totalKw", g.lastTotalKw),
	)
	if g.onShortfall != nil {
		g.onShortfall(deficitKw)
	}
}

// shedLocked turns off controllable allocations in descending priority
// number order (least important first), ties broken by larger expected load,
// until the expected reduction covers the deficit.
func (g *Guard) shedLocked(ctx context.Context, deficitKw float64) {
	if deficitKw <= 0 {
		return
	}

	candidates := make([]*Allocation, 0, len(g.allocations))
	for _, a := range g.allocations {
		if a.On {
			candidates = append(candidates, a)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].ExpectedKw > candidates[j].ExpectedKw
	})

	now := g.now()
	for _, a := range candidates {
		if deficitKw <= 0 {
			break
		}
		a.On = false
		g.shedReductionKw += a.ExpectedKw
		deficitKw -= a.ExpectedKw

		log.Ctx(ctx).WarnContext(ctx, "shedding device",
			slog.String("deviceID", a.DeviceID),
			slog.String("label", log.Sanitize(a.Label)),
			slog.Float64("expectedKw", a.ExpectedKw),
			slog.Int("priority", a.Priority),
			slog.Bool("dryRun", g.dryRun),
		)

		event := types.ShedEvent{DeviceID: a.DeviceID, Timestamp: now, DeficitKw: deficitKw + a.ExpectedKw}
		g.recentSheds = append(g.recentSheds, event)
		if g.db != nil {
			if err := g.db.InsertShedEvent(ctx, event); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to persist shed event", slog.Any("error", err))
			}
		}

		if !g.dryRun && g.actuator != nil {
			if err := g.actuator(ctx, a.DeviceID); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to shed device",
					slog.String("deviceID", a.DeviceID),
					slog.Any("error", err),
				)
			}
		}
	}

	cutoff := now.Add(-recentShedRetention)
	for len(g.recentSheds) > 0 && g.recentSheds[0].Timestamp.Before(cutoff) {
		g.recentSheds = g.recentSheds[1:]
	}
}

func (g *Guard) softLimitLocked() float64 {
	if g.softLimitProvider != nil {
		return g.softLimitProvider()
	}
	return g.limitKw - g.softMarginKw
}

func (g *Guard) shortfallThresholdLocked(soft float64) float64 {
	if g.shortfallThresholdProvider != nil {
		return g.shortfallThresholdProvider()
	}
	return soft
}

// State returns the current machine state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// LastTotalKw returns the latest reported sample.
func (g *Guard) LastTotalKw() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastTotalKw
}

// RecentSheds returns sheds since the given instant, newest last. The plan
// builder consults this so a rebuild never contradicts a fresh shed.
func (g *Guard) RecentSheds(since time.Time) []types.ShedEvent {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []types.ShedEvent
	for _, e := range g.recentSheds {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// OnAllocations reports the expected load currently admitted, for status.
func (g *Guard) OnAllocations() (count int, expectedKw float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, a := range g.allocations {
		if a.On {
			count++
			expectedKw += a.ExpectedKw
		}
	}
	return count, expectedKw
}
