package types

import (
	"time"
)

// CurrentTrackerStateVersion is bumped when the persisted tracker shape
// changes incompatibly.
const CurrentTrackerStateVersion = 2

// HourAverage is a running mean for one weekday_hour slot.
type HourAverage struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

// Mean returns the running mean, zero when no samples were seen.
func (h HourAverage) Mean() float64 {
	if h.Count == 0 {
		return 0
	}
	return h.Sum / float64(h.Count)
}

// UnreliablePeriod is an interval with missing power samples. No energy is
// attributed inside it.
type UnreliablePeriod struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// TrackerState is the persisted state of the power tracker.
//
// Bucket maps are keyed by the RFC3339 UTC top-of-hour, daily totals by the
// local date key (YYYY-MM-DD), hourly averages by "weekday_hour" (Sunday=0).
type TrackerState struct {
	Buckets             map[string]float64     `json:"buckets"`
	ControlledBuckets   map[string]float64     `json:"controlledBuckets"`
	UncontrolledBuckets map[string]float64     `json:"uncontrolledBuckets"`
	HourlyBudgets       map[string]float64     `json:"hourlyBudgets,omitempty"`
	DailyTotals         map[string]float64     `json:"dailyTotals"`
	HourlyAverages      map[string]HourAverage `json:"hourlyAverages"`
	UnreliablePeriods   []UnreliablePeriod     `json:"unreliablePeriods"`
	LastPowerW          float64                `json:"lastPowerW"`
	LastTimestamp       time.Time              `json:"lastTimestamp"`
	LastMeterKWh        float64                `json:"lastMeterKWh"`
	LastMeterTimestamp  time.Time              `json:"lastMeterTimestamp"`
}

// NewTrackerState returns an empty state with all maps allocated.
func NewTrackerState() TrackerState {
	return TrackerState{
		Buckets:             map[string]float64{},
		ControlledBuckets:   map[string]float64{},
		UncontrolledBuckets: map[string]float64{},
		HourlyBudgets:       map[string]float64{},
		DailyTotals:         map[string]float64{},
		HourlyAverages:      map[string]HourAverage{},
	}
}
