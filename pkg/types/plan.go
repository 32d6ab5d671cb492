package types

import (
	"time"
)

// DailyPlan allocates the daily energy budget across the local day's hourly
// buckets. All per-bucket slices have the same length: the number of hours in
// the local day (23, 24 or 25 across DST).
type DailyPlan struct {
	BucketStartUtc         []time.Time `json:"bucketStartUtc"`
	PlannedKWh             []float64   `json:"plannedKWh"`
	PlannedUncontrolledKWh []float64   `json:"plannedUncontrolledKWh"`
	PlannedControlledKWh   []float64   `json:"plannedControlledKWh"`
	ActualKWh              []float64   `json:"actualKWh"`
	AllowedCumKWh          []float64   `json:"allowedCumKWh"`
	CurrentBucketIndex     int         `json:"currentBucketIndex"`

	DailyBudgetKWh                 float64 `json:"dailyBudgetKWh"`
	PriceShapingActive             bool    `json:"priceShapingActive"`
	EffectivePriceShapingFlexShare float64 `json:"effectivePriceShapingFlexShare"`
	Confidence                     float64 `json:"confidence"`
	Frozen                         bool    `json:"frozen"`
}

// DeviceState is the observed state of a device.
type DeviceState string

const (
	DeviceOn      DeviceState = "on"
	DeviceOff     DeviceState = "off"
	DeviceHeating DeviceState = "heating"
	DeviceIdle    DeviceState = "idle"
)

// PlannedState is what the plan wants the device to do.
type PlannedState string

const (
	PlanKeep PlannedState = "keep"
	PlanShed PlannedState = "shed"
)

// ShedAction is how a shed is executed on a device.
type ShedAction string

const (
	ShedPowerOff       ShedAction = "power_off"
	ShedSetTemperature ShedAction = "set_temperature"
)

// LimitReason names which budget(s) are currently constraining the plan.
type LimitReason string

const (
	LimitNone   LimitReason = "none"
	LimitHourly LimitReason = "hourly"
	LimitDaily  LimitReason = "daily"
	LimitBoth   LimitReason = "both"
)

// PlanDevice is one device's entry in the device plan. Lower priority number
// means more important: shed last.
type PlanDevice struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Zone            string       `json:"zone"`
	Priority        int          `json:"priority"`
	Controllable    bool         `json:"controllable"`
	CurrentState    DeviceState  `json:"currentState"`
	PlannedState    PlannedState `json:"plannedState"`
	ShedAction      ShedAction   `json:"shedAction,omitempty"`
	PlannedTarget   float64      `json:"plannedTarget,omitempty"`
	ExpectedPowerKw float64      `json:"expectedPowerKw"`
	MeasuredPowerKw float64      `json:"measuredPowerKw"`
	Reason          string       `json:"reason"`
}

// DevicePlan is the published per-device plan plus aggregates. The capacity
// guard consults a read-only snapshot of this for priorities and expected
// loads.
type DevicePlan struct {
	GeneratedAt time.Time    `json:"generatedAt"`
	Devices     []PlanDevice `json:"devices"`

	HeadroomKw               float64     `json:"headroomKw"`
	SoftLimitKw              float64     `json:"softLimitKw"`
	ControlledKw             float64     `json:"controlledKw"`
	UncontrolledKw           float64     `json:"uncontrolledKw"`
	UsedKWh                  float64     `json:"usedKWh"`
	DailyBudgetUsedKWh       float64     `json:"dailyBudgetUsedKWh"`
	DailyBudgetAllowedKWhNow float64     `json:"dailyBudgetAllowedKWhNow"`
	DailyBudgetRemainingKWh  float64     `json:"dailyBudgetRemainingKWh"`
	DailyBudgetPressure      float64     `json:"dailyBudgetPressure"`
	DailyBudgetExceeded      bool        `json:"dailyBudgetExceeded"`
	HourlyBudgetExhausted    bool        `json:"hourlyBudgetExhausted"`
	Shedding                 bool        `json:"shedding"`
	LimitReason              LimitReason `json:"limitReason"`
}

// ShedEvent records a recent capacity-guard shed so a rebuild never
// contradicts it.
type ShedEvent struct {
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
	DeficitKw float64   `json:"deficitKw"`
}
