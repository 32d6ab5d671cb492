// Package modes holds the named operating-mode policy: per-mode default
// targets and per-device overrides. The static policy loads from a YAML file;
// runtime settings override it per device.
package modes

import (
	"fmt"
	"os"

	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/levenlabs/go-lflag"
	"gopkg.in/yaml.v2"
)

// DefaultPriority applies to devices with no priority anywhere. Lower number
// means more important, shed last.
const DefaultPriority = 5

// DevicePolicy is the per-device entry of a mode.
type DevicePolicy struct {
	TargetC       *float64 `yaml:"targetC"`
	Priority      *int     `yaml:"priority"`
	ExpectedLoadW *float64 `yaml:"expectedLoadW"`
}

// Mode is one named operating mode.
type Mode struct {
	DefaultTargetC       float64                 `yaml:"defaultTargetC"`
	DefaultExpectedLoadW float64                 `yaml:"defaultExpectedLoadW"`
	Devices              map[string]DevicePolicy `yaml:"devices"`
}

// Policy is the full mode table.
type Policy struct {
	Modes map[string]Mode `yaml:"modes"`
}

// DefaultPolicy covers installs without a policy file.
func DefaultPolicy() *Policy {
	return &Policy{Modes: map[string]Mode{
		"normal":  {DefaultTargetC: 21, DefaultExpectedLoadW: 1000},
		"comfort": {DefaultTargetC: 23, DefaultExpectedLoadW: 1500},
		"away":    {DefaultTargetC: 15, DefaultExpectedLoadW: 500},
	}}
}

// Load reads and validates a policy file.
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read modes file: %w", err)
	}
	p := &Policy{}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("failed to parse modes file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate rejects policies the plan builder cannot act on.
func (p *Policy) Validate() error {
	if len(p.Modes) == 0 {
		return fmt.Errorf("modes file defines no modes")
	}
	for name, m := range p.Modes {
		if m.DefaultTargetC < 0 || m.DefaultTargetC > 40 {
			return fmt.Errorf("mode %s: default target out of range: %.1f", name, m.DefaultTargetC)
		}
		for id, d := range m.Devices {
			if d.TargetC != nil && (*d.TargetC < 0 || *d.TargetC > 40) {
				return fmt.Errorf("mode %s device %s: target out of range: %.1f", name, id, *d.TargetC)
			}
			if d.Priority != nil && *d.Priority < 0 {
				return fmt.Errorf("mode %s device %s: negative priority", name, id)
			}
		}
	}
	return nil
}

// Configured loads the policy based on flags.
func Configured() *Policy {
	path := lflag.String("modes-file", "", "Path to the YAML operating-mode policy, empty for built-in defaults")

	p := DefaultPolicy()

	lflag.Do(func() {
		if *path == "" {
			return
		}
		loaded, err := Load(*path)
		if err != nil {
			panic(fmt.Sprintf("failed to load modes file: %s", err))
		}
		*p = *loaded
	})

	return p
}

// mode resolves a named mode, falling back to "normal".
func (p *Policy) mode(name string) Mode {
	if m, ok := p.Modes[name]; ok {
		return m
	}
	return p.Modes["normal"]
}

// TargetFor resolves a device's target temperature in the given mode.
// Runtime settings win over the policy file; the mode default applies last.
func (p *Policy) TargetFor(modeName, deviceID string, settings types.Settings) (float64, bool) {
	if targets, ok := settings.ModeDeviceTargets[modeName]; ok {
		if t, ok := targets[deviceID]; ok {
			return t, true
		}
	}
	m := p.mode(modeName)
	if d, ok := m.Devices[deviceID]; ok && d.TargetC != nil {
		return *d.TargetC, true
	}
	if m.DefaultTargetC > 0 {
		return m.DefaultTargetC, true
	}
	return 0, false
}

// PriorityFor resolves a device's shed priority. Runtime capacity priorities
// win over the policy file.
func (p *Policy) PriorityFor(modeName, deviceID string, settings types.Settings) int {
	if pr, ok := settings.CapacityPriorities[deviceID]; ok {
		return pr
	}
	if d, ok := p.mode(modeName).Devices[deviceID]; ok && d.Priority != nil {
		return *d.Priority
	}
	return DefaultPriority
}

// ExpectedLoadW resolves the fallback expected load for a device with no
// measurement history.
func (p *Policy) ExpectedLoadW(modeName, deviceID string) float64 {
	m := p.mode(modeName)
	if d, ok := m.Devices[deviceID]; ok && d.ExpectedLoadW != nil {
		return *d.ExpectedLoadW
	}
	return m.DefaultExpectedLoadW
}
