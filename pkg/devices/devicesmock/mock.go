// Package devicesmock provides an in-memory device host for tests.
package devicesmock

import (
	"context"
	"sync"

	"github.com/effektvakt/effektvakt/pkg/devices"
	"github.com/effektvakt/effektvakt/pkg/types"
)

// Host implements devices.Host against preset snapshots. Capability writes
// are recorded and reflected back into the snapshots so a subsequent
// ListDevices observes the new state.
type Host struct {
	mu        sync.Mutex
	snapshots map[string]types.DeviceSnapshot
	order     []string
	features  devices.Features
	samples   chan devices.PowerSample

	OnOffCalls  []OnOffCall
	TargetCalls []TargetCall

	// Err, when set, is returned by every capability write.
	Err error
}

type OnOffCall struct {
	DeviceID string
	On       bool
}

type TargetCall struct {
	DeviceID string
	Target   float64
}

var _ devices.Host = (*Host)(nil)

func New() *Host {
	return &Host{
		snapshots: map[string]types.DeviceSnapshot{},
		samples:   make(chan devices.PowerSample, 16),
	}
}

// SetDevices replaces the snapshot set, preserving insertion order.
func (h *Host) SetDevices(snaps ...types.DeviceSnapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshots = make(map[string]types.DeviceSnapshot, len(snaps))
	h.order = h.order[:0]
	for _, s := range snaps {
		h.snapshots[s.ID] = s
		h.order = append(h.order, s.ID)
	}
}

func (h *Host) SetFeatures(f devices.Features) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.features = f
}

// Feed pushes a power sample to the consumer.
func (h *Host) Feed(sample devices.PowerSample) {
	h.samples <- sample
}

func (h *Host) Connect(ctx context.Context) error { return nil }

func (h *Host) ListDevices(ctx context.Context) ([]types.DeviceSnapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]types.DeviceSnapshot, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.snapshots[id])
	}
	return out, nil
}

func (h *Host) SetOnOff(ctx context.Context, deviceID string, on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.OnOffCalls = append(h.OnOffCalls, OnOffCall{DeviceID: deviceID, On: on})
	if h.Err != nil {
		return h.Err
	}
	if s, ok := h.snapshots[deviceID]; ok {
		v := on
		s.OnOff = &v
		h.snapshots[deviceID] = s
	}
	return nil
}

func (h *Host) SetTargetTemperature(ctx context.Context, deviceID string, target float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.TargetCalls = append(h.TargetCalls, TargetCall{DeviceID: deviceID, Target: target})
	if h.Err != nil {
		return h.Err
	}
	if s, ok := h.snapshots[deviceID]; ok {
		v := target
		s.TargetTemperature = &v
		h.snapshots[deviceID] = s
	}
	return nil
}

func (h *Host) PowerSamples() <-chan devices.PowerSample {
	return h.samples
}

func (h *Host) Features() devices.Features {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.features
}

func (h *Host) Close() error {
	close(h.samples)
	return nil
}
