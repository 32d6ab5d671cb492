// Package storagemock provides test doubles for the storage.Database
// interface: a testify mock for expectation-style tests and an in-memory
// fake for tests that just need persistence to round-trip.
package storagemock

import (
	"context"
	"sync"
	"time"

	"github.com/effektvakt/effektvakt/pkg/storage"
	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, nil
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) WatchSettings(ctx context.Context) (<-chan types.Settings, func(), error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(<-chan types.Settings), args.Get(1).(func()), args.Error(2)
	}
	ch := make(chan types.Settings)
	return ch, func() { close(ch) }, nil
}

func (m *MockDatabase) SaveTrackerState(ctx context.Context, state types.TrackerState, version int) error {
	args := m.Called(ctx, state, version)
	return args.Error(0)
}

func (m *MockDatabase) LoadTrackerState(ctx context.Context) (types.TrackerState, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.TrackerState), args.Int(1), args.Error(2)
	}
	return types.NewTrackerState(), 0, nil
}

func (m *MockDatabase) SaveDailyPlan(ctx context.Context, plan types.DailyPlan) error {
	args := m.Called(ctx, plan)
	return args.Error(0)
}

func (m *MockDatabase) LoadDailyPlan(ctx context.Context) (types.DailyPlan, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.DailyPlan), args.Error(1)
	}
	return types.DailyPlan{}, nil
}

func (m *MockDatabase) SaveDevicePlan(ctx context.Context, plan types.DevicePlan) error {
	args := m.Called(ctx, plan)
	return args.Error(0)
}

func (m *MockDatabase) LoadDevicePlan(ctx context.Context) (types.DevicePlan, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.DevicePlan), args.Error(1)
	}
	return types.DevicePlan{}, nil
}

func (m *MockDatabase) SaveCombinedPrices(ctx context.Context, combined types.CombinedPrices) error {
	args := m.Called(ctx, combined)
	return args.Error(0)
}

func (m *MockDatabase) LoadCombinedPrices(ctx context.Context) (types.CombinedPrices, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.CombinedPrices), args.Error(1)
	}
	return types.CombinedPrices{}, nil
}

func (m *MockDatabase) SaveSpotPrices(ctx context.Context, entries []types.SpotEntry) error {
	args := m.Called(ctx, entries)
	return args.Error(0)
}

func (m *MockDatabase) LoadSpotPrices(ctx context.Context) ([]types.SpotEntry, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.SpotEntry), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) SaveTariffCache(ctx context.Context, entries []types.TariffEntry) error {
	args := m.Called(ctx, entries)
	return args.Error(0)
}

func (m *MockDatabase) LoadTariffCache(ctx context.Context) ([]types.TariffEntry, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).([]types.TariffEntry), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) SaveFlowPrices(ctx context.Context, doc string, data types.FlowPriceData) error {
	args := m.Called(ctx, doc, data)
	return args.Error(0)
}

func (m *MockDatabase) LoadFlowPrices(ctx context.Context, doc string) (types.FlowPriceData, error) {
	args := m.Called(ctx, doc)
	if len(args) > 0 {
		return args.Get(0).(types.FlowPriceData), args.Error(1)
	}
	return types.FlowPriceData{}, nil
}

func (m *MockDatabase) InsertShedEvent(ctx context.Context, event types.ShedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockDatabase) GetShedEvents(ctx context.Context, start, end time.Time) ([]types.ShedEvent, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.ShedEvent), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}

// Memory is an in-memory Database for tests that just need persistence to
// round-trip without setting up expectations.
type Memory struct {
	mu              sync.Mutex
	settings        types.Settings
	settingsVersion int
	settingsSet     bool
	trackerState    types.TrackerState
	trackerVersion  int
	trackerSet      bool
	dailyPlan       types.DailyPlan
	devicePlan      types.DevicePlan
	combined        types.CombinedPrices
	spot            []types.SpotEntry
	tariff          []types.TariffEntry
	flow            map[string]types.FlowPriceData
	shedEvents      []types.ShedEvent
	watchers        []chan types.Settings
}

var _ storage.Database = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{flow: make(map[string]types.FlowPriceData)}
}

func (m *Memory) GetSettings(ctx context.Context) (types.Settings, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings, m.settingsVersion, nil
}

func (m *Memory) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	m.mu.Lock()
	m.settings = settings
	m.settingsVersion = version
	m.settingsSet = true
	watchers := make([]chan types.Settings, len(m.watchers))
	copy(watchers, m.watchers)
	m.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- settings:
		default:
		}
	}
	return nil
}

func (m *Memory) WatchSettings(ctx context.Context) (<-chan types.Settings, func(), error) {
	ch := make(chan types.Settings, 8)
	m.mu.Lock()
	m.watchers = append(m.watchers, ch)
	m.mu.Unlock()
	stop := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range m.watchers {
			if w == ch {
				m.watchers = append(m.watchers[:i], m.watchers[i+1:]...)
				break
			}
		}
	}
	return ch, stop, nil
}

func (m *Memory) SaveTrackerState(ctx context.Context, state types.TrackerState, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackerState = state
	m.trackerVersion = version
	m.trackerSet = true
	return nil
}

func (m *Memory) LoadTrackerState(ctx context.Context) (types.TrackerState, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.trackerSet {
		return types.NewTrackerState(), 0, nil
	}
	return m.trackerState, m.trackerVersion, nil
}

func (m *Memory) SaveDailyPlan(ctx context.Context, plan types.DailyPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dailyPlan = plan
	return nil
}

func (m *Memory) LoadDailyPlan(ctx context.Context) (types.DailyPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dailyPlan, nil
}

func (m *Memory) SaveDevicePlan(ctx context.Context, plan types.DevicePlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devicePlan = plan
	return nil
}

func (m *Memory) LoadDevicePlan(ctx context.Context) (types.DevicePlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.devicePlan, nil
}

func (m *Memory) SaveCombinedPrices(ctx context.Context, combined types.CombinedPrices) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.combined = combined
	return nil
}

func (m *Memory) LoadCombinedPrices(ctx context.Context) (types.CombinedPrices, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.combined, nil
}

func (m *Memory) SaveSpotPrices(ctx context.Context, entries []types.SpotEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spot = entries
	return nil
}

func (m *Memory) LoadSpotPrices(ctx context.Context) ([]types.SpotEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.spot, nil
}

func (m *Memory) SaveTariffCache(ctx context.Context, entries []types.TariffEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tariff = entries
	return nil
}

func (m *Memory) LoadTariffCache(ctx context.Context) ([]types.TariffEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tariff, nil
}

func (m *Memory) SaveFlowPrices(ctx context.Context, doc string, data types.FlowPriceData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flow[doc] = data
	return nil
}

func (m *Memory) LoadFlowPrices(ctx context.Context, doc string) (types.FlowPriceData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flow[doc], nil
}

func (m *Memory) InsertShedEvent(ctx context.Context, event types.ShedEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shedEvents = append(m.shedEvents, event)
	return nil
}

func (m *Memory) GetShedEvents(ctx context.Context, start, end time.Time) ([]types.ShedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ShedEvent
	for _, e := range m.shedEvents {
		if !e.Timestamp.Before(start) && e.Timestamp.Before(end) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
