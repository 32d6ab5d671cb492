// Package planner allocates the daily energy budget across the local day's
// hourly buckets, biased toward cheaper hours when price shaping is active.
package planner

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/types"
)

const (
	// observedPeakMarginRatio pads the observed controlled peak when deriving
	// per-bucket caps in split mode.
	observedPeakMarginRatio = 0.2

	budgetEpsilon = 1e-6

	// priceFactorMin keeps expensive buckets allocatable so floors stay
	// reachable even at extreme spreads.
	priceFactorMin = 0.1
	priceFactorMax = 2.0

	redistributionRounds = 32
)

// Inputs is everything one plan build needs, captured as a snapshot.
type Inputs struct {
	BucketStartUtc     []time.Time
	BucketUsage        []float64
	CurrentBucketIndex int
	UsedNowKWh         float64
	DailyBudgetKWh     float64

	// ProfileWeights is the whole-house profile. The split profile is only
	// used when SplitProfileOK reports full coverage.
	ProfileWeights      []float64
	ControlledProfile   []float64
	UncontrolledProfile []float64
	SplitProfileOK      bool

	Prices                   types.CombinedPrices
	PriceOptimizationEnabled bool
	PriceShapingEnabled      bool
	PriceShapingFlexShare    float64

	// UncontrolledFloor and ControlledFloor are observed per-bucket minima;
	// ControlledMax is the observed controlled peak.
	UncontrolledFloor []float64
	ControlledFloor   []float64
	ControlledMax     []float64

	// CapacityBudgetKWh caps any bucket at the instantaneous limit times one
	// hour. Zero means no capacity cap.
	CapacityBudgetKWh float64

	PreviousPlannedKWh []float64
	LockCurrentBucket  bool

	// ControlledWeight splits planned energy when no split profile exists.
	ControlledWeight float64
	Confidence       float64
	Frozen           bool
}

// Build computes the daily plan. It never fails outright: degenerate inputs
// produce a defined, clamped plan.
func Build(ctx context.Context, in Inputs) types.DailyPlan {
	n := len(in.BucketStartUtc)
	plan := types.DailyPlan{
		BucketStartUtc:         append([]time.Time(nil), in.BucketStartUtc...),
		PlannedKWh:             make([]float64, n),
		PlannedUncontrolledKWh: make([]float64, n),
		PlannedControlledKWh:   make([]float64, n),
		ActualKWh:              make([]float64, n),
		AllowedCumKWh:          make([]float64, n),
		CurrentBucketIndex:     in.CurrentBucketIndex,
		DailyBudgetKWh:         sanitize(in.DailyBudgetKWh),
		Confidence:             clamp01(in.Confidence),
		Frozen:                 in.Frozen,
	}
	if n == 0 {
		return plan
	}
	for i := 0; i < n && i < len(in.BucketUsage); i++ {
		plan.ActualKWh[i] = sanitize(in.BucketUsage[i])
	}
	cur := in.CurrentBucketIndex
	if cur < 0 {
		cur = 0
	}
	if cur >= n {
		cur = n - 1
	}

	// 1. price factors and the effective flex share
	factors, effectiveFlex := priceFactors(in, cur, n)
	plan.EffectivePriceShapingFlexShare = effectiveFlex
	plan.PriceShapingActive = effectiveFlex > 0

	// 2. composite weights
	weights := compositeWeights(in, factors, effectiveFlex, n)

	// pin past buckets (and optionally the current one) to what happened or
	// what the previous plan said
	pinnedThrough := cur - 1
	if in.LockCurrentBucket {
		pinnedThrough = cur
	}
	var pinnedSum float64
	pinned := make([]bool, n)
	for i := 0; i <= pinnedThrough && i < n; i++ {
		v := plan.ActualKWh[i]
		if i < len(in.PreviousPlannedKWh) && sanitize(in.PreviousPlannedKWh[i]) > 0 {
			v = sanitize(in.PreviousPlannedKWh[i])
		}
		plan.PlannedKWh[i] = v
		pinned[i] = true
		pinnedSum += v
	}

	remaining := plan.DailyBudgetKWh - pinnedSum
	if remaining < 0 {
		remaining = 0
	}

	// 3. per-bucket caps for unpinned buckets
	caps := bucketCaps(in, n)

	// 4. floors, scaled down when they exceed the remaining budget
	floors := bucketFloors(in, pinned, caps, remaining, n)
	var floorSum float64
	for i, f := range floors {
		if !pinned[i] {
			floorSum += f
		}
	}

	// 5. allocate the rest proportional to weights with cap redistribution
	alloc := allocate(ctx, remaining-floorSum, weights, floors, caps, pinned, n)
	for i := 0; i < n; i++ {
		if pinned[i] {
			continue
		}
		plan.PlannedKWh[i] = floors[i] + alloc[i]
	}

	// 6. split and cumulative outputs
	splitBreakdown(&plan, in, n)
	cum := 0.0
	for i := 0; i < n; i++ {
		if plan.PlannedKWh[i] < 0 {
			log.Ctx(ctx).ErrorContext(ctx, "negative planned kWh clamped",
				slog.Int("bucket", i),
				slog.Float64("value", plan.PlannedKWh[i]),
			)
			plan.PlannedKWh[i] = 0
		}
		cum += plan.PlannedKWh[i]
		plan.AllowedCumKWh[i] = cum
	}
	return plan
}

// priceFactors returns a per-bucket multiplier (>1 cheap, <1 expensive) and
// the effective flex share. Shaping is inactive unless prices are complete
// for the remaining buckets and the observed spread is meaningful.
func priceFactors(in Inputs, cur, n int) ([]float64, float64) {
	factors := make([]float64, n)
	for i := range factors {
		factors[i] = 1
	}
	if !in.PriceOptimizationEnabled || !in.PriceShapingEnabled || in.PriceShapingFlexShare <= 0 {
		return factors, 0
	}

	prices := make([]float64, n)
	var sum float64
	count := 0
	for i := cur; i < n; i++ {
		e, ok := in.Prices.EntryAt(in.BucketStartUtc[i])
		if !ok {
			return factors, 0
		}
		prices[i] = sanitize(e.Total)
		sum += prices[i]
		count++
	}
	if count == 0 {
		return factors, 0
	}
	avg := sum / float64(count)
	if avg <= 0 {
		return factors, 0
	}

	minP, maxP := math.Inf(1), math.Inf(-1)
	for i := cur; i < n; i++ {
		if prices[i] < minP {
			minP = prices[i]
		}
		if prices[i] > maxP {
			maxP = prices[i]
		}
		f := 1 + (avg-prices[i])/avg
		if f < priceFactorMin {
			f = priceFactorMin
		}
		if f > priceFactorMax {
			f = priceFactorMax
		}
		factors[i] = f
	}

	spread := (maxP - minP) / avg
	if spread > 1 {
		spread = 1
	}
	if spread < 0 {
		spread = 0
	}
	effective := clamp01(in.PriceShapingFlexShare) * spread
	if effective == 0 {
		for i := range factors {
			factors[i] = 1
		}
	}
	return factors, effective
}

// compositeWeights blends the base profile with price factors by the flex
// share. In split mode only the controlled share of the profile is shaped.
func compositeWeights(in Inputs, factors []float64, flex float64, n int) []float64 {
	base := make([]float64, n)
	for i := 0; i < n; i++ {
		var b float64
		if in.SplitProfileOK && i < len(in.ControlledProfile) && i < len(in.UncontrolledProfile) {
			// shape the controlled share only; uncontrolled load cannot move
			b = sanitize(in.UncontrolledProfile[i]) +
				sanitize(in.ControlledProfile[i])*(1-flex) +
				sanitize(in.ControlledProfile[i])*factors[i]*flex
		} else {
			w := 0.0
			if i < len(in.ProfileWeights) {
				w = sanitize(in.ProfileWeights[i])
			}
			b = w*(1-flex) + w*factors[i]*flex
		}
		base[i] = b
	}

	var sum float64
	for _, b := range base {
		sum += b
	}
	if sum > 0 {
		for i := range base {
			base[i] /= sum
		}
	}
	return base
}

func bucketCaps(in Inputs, n int) []float64 {
	caps := make([]float64, n)
	for i := 0; i < n; i++ {
		limit := math.Inf(1)
		if in.CapacityBudgetKWh > 0 {
			limit = in.CapacityBudgetKWh
		}
		if in.SplitProfileOK && i < len(in.ControlledMax) && in.ControlledMax[i] > 0 {
			observed := in.ControlledMax[i] * (1 + observedPeakMarginRatio)
			floor := 0.0
			if i < len(in.UncontrolledFloor) {
				floor = sanitize(in.UncontrolledFloor[i])
			}
			if observed+floor < limit {
				limit = observed + floor
			}
		}
		caps[i] = limit
	}
	return caps
}

// bucketFloors scales the observed floors down uniformly when their sum
// exceeds the remaining budget, and never lets a floor exceed its cap.
func bucketFloors(in Inputs, pinned []bool, caps []float64, remaining float64, n int) []float64 {
	floors := make([]float64, n)
	var sum float64
	for i := 0; i < n; i++ {
		if pinned[i] {
			continue
		}
		f := 0.0
		if i < len(in.UncontrolledFloor) {
			f += sanitize(in.UncontrolledFloor[i])
		}
		if i < len(in.ControlledFloor) {
			f += sanitize(in.ControlledFloor[i])
		}
		if f > caps[i] {
			f = caps[i]
		}
		floors[i] = f
		sum += f
	}
	if sum > remaining && sum > 0 {
		scale := remaining / sum
		for i := range floors {
			floors[i] *= scale
		}
	}
	return floors
}

// allocate distributes budget proportional to weights, with buckets that hit
// their cap donating overflow to uncapped peers. Zero-weight buckets fall
// back to an even share of whatever the weighted buckets could not take.
func allocate(ctx context.Context, budget float64, weights, floors, caps []float64, pinned []bool, n int) []float64 {
	alloc := make([]float64, n)
	if budget <= 0 {
		return alloc
	}

	headroom := make([]float64, n)
	active := make([]bool, n)
	for i := 0; i < n; i++ {
		if pinned[i] {
			continue
		}
		h := caps[i] - floors[i]
		if h < 0 {
			h = 0
		}
		headroom[i] = h
		active[i] = h > 0
	}

	remaining := budget
	for round := 0; round < redistributionRounds && remaining > budgetEpsilon; round++ {
		var weightSum float64
		activeCount := 0
		for i := 0; i < n; i++ {
			if active[i] {
				weightSum += weights[i]
				activeCount++
			}
		}
		if activeCount == 0 {
			break
		}

		overflowed := false
		distributed := 0.0
		for i := 0; i < n; i++ {
			if !active[i] {
				continue
			}
			var share float64
			if weightSum > 0 {
				share = remaining * weights[i] / weightSum
			} else {
				// zero-weight fallback: even split
				share = remaining / float64(activeCount)
			}
			room := headroom[i] - alloc[i]
			if share >= room {
				share = room
				active[i] = false
				overflowed = true
			}
			alloc[i] += share
			distributed += share
		}
		remaining -= distributed
		if !overflowed {
			break
		}
	}

	if remaining > budgetEpsilon {
		log.Ctx(ctx).DebugContext(ctx, "daily budget not fully allocatable under caps",
			slog.Float64("unallocatedKWh", remaining),
		)
	}
	return alloc
}

// splitBreakdown redistributes each bucket's planned energy into controlled
// and uncontrolled shares that always sum to plannedKWh.
func splitBreakdown(plan *types.DailyPlan, in Inputs, n int) {
	for i := 0; i < n; i++ {
		total := plan.PlannedKWh[i]
		var controlledShare float64
		if in.SplitProfileOK && i < len(in.ControlledProfile) && i < len(in.UncontrolledProfile) {
			c := sanitize(in.ControlledProfile[i])
			u := sanitize(in.UncontrolledProfile[i])
			if c+u > 0 {
				controlledShare = c / (c + u)
			} else {
				controlledShare = clamp01(in.ControlledWeight)
			}
		} else {
			controlledShare = clamp01(in.ControlledWeight)
		}
		plan.PlannedControlledKWh[i] = total * controlledShare
		plan.PlannedUncontrolledKWh[i] = total - plan.PlannedControlledKWh[i]
	}
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
