// Package devices abstracts the home-automation host: device enumeration,
// capability reads and writes, and the power sample stream.
package devices

import (
	"context"
	"fmt"
	"time"

	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/levenlabs/go-lflag"
)

// PowerSample is one whole-house reading pushed by the host. ControlledW is
// negative when the controllable share is unknown; MeterKWh is negative when
// no cumulative meter exists.
type PowerSample struct {
	TotalW      float64   `json:"totalW"`
	ControlledW float64   `json:"controlledW"`
	MeterKWh    float64   `json:"meterKWh"`
	At          time.Time `json:"at"`
}

// Host is the device collaborator: enumeration, capability read (via the
// snapshot), capability write, and the sample stream.
type Host interface {
	// Connect establishes the transport. It retries in the background on
	// failure, so a down broker does not block startup.
	Connect(ctx context.Context) error
	// ListDevices enumerates devices with their current capability readings.
	ListDevices(ctx context.Context) ([]types.DeviceSnapshot, error)
	// SetOnOff writes the onoff capability.
	SetOnOff(ctx context.Context, deviceID string, on bool) error
	// SetTargetTemperature writes the target_temperature capability.
	SetTargetTemperature(ctx context.Context, deviceID string, target float64) error
	// PowerSamples returns the stream of whole-house samples. The channel
	// closes when the host shuts down.
	PowerSamples() <-chan PowerSample
	// Features reports which optional host capabilities are present.
	Features() Features
	Close() error
}

// Features is the runtime discovery of optional host capabilities. Absent
// features degrade gracefully and never raise.
type Features struct {
	// DynamicPrices is true when the host exposes its own energy price API.
	DynamicPrices bool
	// CumulativeMeter is true when samples carry a meter_power reading.
	CumulativeMeter bool
}

// Configured sets up the device host based on flags.
func Configured() Host {
	provider := lflag.String("device-host", "mqtt", "Device host transport (available: mqtt)")

	var h struct{ Host }

	m := configuredMQTT()

	lflag.Do(func() {
		switch *provider {
		case "mqtt":
			h.Host = m
		default:
			panic(fmt.Sprintf("unknown device host: %s", *provider))
		}
	})

	return &h
}
