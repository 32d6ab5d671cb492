package types

import (
	"fmt"
)

// CurrentSettingsVersion is the current version of the settings struct.
// Increment this value when adding new fields that require default values.
const CurrentSettingsVersion = 6

// DevicePriceSettings holds the per-device price-optimization policy.
type DevicePriceSettings struct {
	// Optimize opts the device into price-driven shedding and overshoot.
	Optimize bool `json:"optimize"`
	// CheapDelta is added to the mode target during cheap hours (°C).
	CheapDelta float64 `json:"cheapDelta"`
	// ExpensiveDelta is added (normally negative) during expensive hours.
	ExpensiveDelta float64 `json:"expensiveDelta"`
	// OvershootAction selects how the device is shed: power_off or
	// set_temperature.
	OvershootAction ShedAction `json:"overshootAction,omitempty"`
	// OvershootTemperature is the set-point used when shedding via
	// set_temperature.
	OvershootTemperature float64 `json:"overshootTemperature,omitempty"`
}

// Settings is the dynamic configuration stored in the database. Any change
// to it triggers a debounced plan rebuild.
type Settings struct {
	DryRun bool `json:"dryRun"`
	// Pause disables actuation; tracking and planning continue.
	Pause bool `json:"pause"`

	// TimeZone is the IANA zone for local-day math.
	TimeZone string `json:"timeZone"`

	// Price source
	PriceScheme PriceScheme `json:"priceScheme"`
	// PriceArea is the spot-price area (NO1..NO5).
	PriceArea string `json:"priceArea"`
	// PriceThresholdPercent is the band around the average beyond which an
	// hour classifies as cheap or expensive.
	PriceThresholdPercent float64 `json:"priceThresholdPercent"`
	// PriceMinDiffOre suppresses the flags when the absolute distance to the
	// average is smaller than this.
	PriceMinDiffOre          float64                        `json:"priceMinDiffOre"`
	PriceOptimizationEnabled bool                           `json:"priceOptimizationEnabled"`
	PriceOptimization        map[string]DevicePriceSettings `json:"priceOptimization,omitempty"`

	// Grid tariff (nettleie) lookup configuration.
	TariffCounty string `json:"tariffCounty,omitempty"`
	TariffOrgNr  string `json:"tariffOrgNr,omitempty"`
	TariffGroup  string `json:"tariffGroup,omitempty"`

	// Daily energy budget
	DailyBudgetKWh                 float64 `json:"dailyBudgetKWh"`
	DailyBudgetEnabled             bool    `json:"dailyBudgetEnabled"`
	DailyBudgetPriceShapingEnabled bool    `json:"dailyBudgetPriceShapingEnabled"`
	DailyBudgetBreakdownEnabled    bool    `json:"dailyBudgetBreakdownEnabled"`
	// DailyBudgetControlledWeight is the share of the profile attributed to
	// controlled consumption when no split profile exists yet.
	DailyBudgetControlledWeight float64 `json:"dailyBudgetControlledWeight"`
	// DailyBudgetPriceFlexShare is the fraction of each bucket that price
	// shaping may move, before scaling by the observed price spread.
	DailyBudgetPriceFlexShare float64 `json:"dailyBudgetPriceFlexShare"`
	// DailyBudgetResetMs is an epoch-ms token; bumping it discards history.
	DailyBudgetResetMs int64 `json:"dailyBudgetResetMs,omitempty"`

	// Capacity
	CapacityLimitKw  float64 `json:"capacityLimitKw"`
	CapacityMarginKw float64 `json:"capacityMarginKw"`
	// CapacityPriorities maps device ID to priority; lower number = more
	// important = shed last.
	CapacityPriorities map[string]int `json:"capacityPriorities,omitempty"`

	// Modes
	OperatingMode string `json:"operatingMode"`
	// ModeDeviceTargets maps mode → device ID → target temperature.
	ModeDeviceTargets map[string]map[string]float64 `json:"modeDeviceTargets,omitempty"`

	// MinSignificantPowerW is the floor below which meter deltas are noise.
	MinSignificantPowerW float64 `json:"minSignificantPowerW"`
}

// Validate rejects configuration that must never reach the control loop.
// Callers keep the previous settings when this fails.
func (s Settings) Validate() error {
	switch s.PriceScheme {
	case SchemeNorway, SchemeFlow, SchemeHomey, "":
	default:
		return fmt.Errorf("unknown price scheme: %s", s.PriceScheme)
	}
	if s.PriceScheme == SchemeNorway {
		switch s.PriceArea {
		case "NO1", "NO2", "NO3", "NO4", "NO5", "":
		default:
			return fmt.Errorf("invalid price area: %s", s.PriceArea)
		}
	}
	if s.PriceThresholdPercent < 0 || s.PriceThresholdPercent > 100 {
		return fmt.Errorf("price threshold percent out of range: %.1f", s.PriceThresholdPercent)
	}
	if s.DailyBudgetKWh < 0 {
		return fmt.Errorf("daily budget cannot be negative: %.2f", s.DailyBudgetKWh)
	}
	if s.CapacityLimitKw < 0 {
		return fmt.Errorf("capacity limit cannot be negative: %.2f", s.CapacityLimitKw)
	}
	if s.CapacityMarginKw < 0 || (s.CapacityLimitKw > 0 && s.CapacityMarginKw >= s.CapacityLimitKw) {
		return fmt.Errorf("capacity margin out of range: %.2f", s.CapacityMarginKw)
	}
	if s.DailyBudgetControlledWeight < 0 || s.DailyBudgetControlledWeight > 1 {
		return fmt.Errorf("controlled weight out of range: %.2f", s.DailyBudgetControlledWeight)
	}
	if s.DailyBudgetPriceFlexShare < 0 || s.DailyBudgetPriceFlexShare > 1 {
		return fmt.Errorf("price flex share out of range: %.2f", s.DailyBudgetPriceFlexShare)
	}
	return nil
}

// MigrateSettings migrates the settings to the current version.
// It returns the migrated settings, a boolean indicating if changes were made, and an error if migration failed.
func MigrateSettings(s Settings, currentVersion int) (Settings, bool, error) {
	if currentVersion >= CurrentSettingsVersion {
		return s, false, nil
	}

	migrated := false
	// Loop through versions to apply migrations sequentially
	for version := currentVersion + 1; version <= CurrentSettingsVersion; version++ {
		switch version {
		case 1:
			// version 1: initial
			if s.TimeZone == "" {
				s.TimeZone = "Europe/Oslo"
				migrated = true
			}
			if s.PriceScheme == "" {
				s.PriceScheme = SchemeNorway
				migrated = true
			}
			if s.PriceArea == "" {
				s.PriceArea = "NO1"
				migrated = true
			}
		case 2:
			// version 2: price classification thresholds
			if s.PriceThresholdPercent == 0 {
				s.PriceThresholdPercent = 10
				migrated = true
			}
			if s.PriceMinDiffOre == 0 {
				s.PriceMinDiffOre = 5
				migrated = true
			}
		case 3:
			// version 3: capacity guard defaults
			if s.CapacityMarginKw == 0 {
				s.CapacityMarginKw = 0.2
				migrated = true
			}
		case 4:
			// version 4: daily budget shaping defaults
			if s.DailyBudgetControlledWeight == 0 {
				s.DailyBudgetControlledWeight = 0.5
				migrated = true
			}
			if s.DailyBudgetPriceFlexShare == 0 {
				s.DailyBudgetPriceFlexShare = 0.3
				migrated = true
			}
		case 5:
			// version 5: meter-delta noise floor
			if s.MinSignificantPowerW == 0 {
				s.MinSignificantPowerW = 25
				migrated = true
			}
		case 6:
			// version 6: default operating mode
			if s.OperatingMode == "" {
				s.OperatingMode = "normal"
				migrated = true
			}
		default:
			return s, false, fmt.Errorf("unknown settings version: %d", version)
		}
	}

	return s, migrated, nil
}
