package types

import (
	"time"
)

// Capability names used by the device host. Absent capabilities are nil on
// DeviceSnapshot; features that need them degrade instead of failing.
const (
	CapOnOff              = "onoff"
	CapTargetTemperature  = "target_temperature"
	CapMeasureTemperature = "measure_temperature"
	CapMeasurePower       = "measure_power"
	CapMeterPower         = "meter_power"
)

// DeviceSnapshot is one device as read from the host: identity plus the
// capability readings present at enumeration time.
type DeviceSnapshot struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Zone         string   `json:"zone"`
	Capabilities []string `json:"capabilities"`

	OnOff              *bool     `json:"onoff,omitempty"`
	TargetTemperature  *float64  `json:"targetTemperature,omitempty"`
	MeasureTemperature *float64  `json:"measureTemperature,omitempty"`
	MeasurePowerW      *float64  `json:"measurePowerW,omitempty"`
	MeterPowerKWh      *float64  `json:"meterPowerKWh,omitempty"`
	MeterReadAt        time.Time `json:"meterReadAt,omitempty"`

	// ExpectedLoadW comes from the device's own settings on the host, used
	// when no on-state measurement exists yet.
	ExpectedLoadW float64 `json:"expectedLoadW,omitempty"`

	// LastOnPowerW is the last measured draw while the device was on.
	LastOnPowerW float64   `json:"lastOnPowerW,omitempty"`
	LastOnAt     time.Time `json:"lastOnAt,omitempty"`
}

// HasCapability reports whether the device advertises the named capability.
func (d DeviceSnapshot) HasCapability(name string) bool {
	for _, c := range d.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}
