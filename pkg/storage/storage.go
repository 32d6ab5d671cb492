// Package storage persists settings, caches and plan snapshots.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/levenlabs/go-lflag"
)

var (
	ErrNotFound = errors.New("document not found")
)

// Document names under the per-home state collection.
const (
	DocTrackerState        = "tracker_state"
	DocDailyPlan           = "daily_plan"
	DocDevicePlan          = "device_plan"
	DocCombinedPrices      = "combined_prices"
	DocSpotPrices          = "spot_prices"
	DocTariffCache         = "tariff_cache"
	DocFlowPricesToday     = "flow_prices_today"
	DocFlowPricesTomorrow  = "flow_prices_tomorrow"
	DocHomeyPricesToday    = "homey_prices_today"
	DocHomeyPricesTomorrow = "homey_prices_tomorrow"
)

// Database defines the interface for persisting data and retrieving settings.
type Database interface {
	// Settings
	GetSettings(ctx context.Context) (types.Settings, int, error)
	SetSettings(ctx context.Context, settings types.Settings, version int) error
	// WatchSettings streams settings documents as they change. The returned
	// stop function releases the listener.
	WatchSettings(ctx context.Context) (<-chan types.Settings, func(), error)

	// State snapshots
	SaveTrackerState(ctx context.Context, state types.TrackerState, version int) error
	LoadTrackerState(ctx context.Context) (types.TrackerState, int, error)
	SaveDailyPlan(ctx context.Context, plan types.DailyPlan) error
	LoadDailyPlan(ctx context.Context) (types.DailyPlan, error)
	SaveDevicePlan(ctx context.Context, plan types.DevicePlan) error
	LoadDevicePlan(ctx context.Context) (types.DevicePlan, error)

	// Price caches
	SaveCombinedPrices(ctx context.Context, combined types.CombinedPrices) error
	LoadCombinedPrices(ctx context.Context) (types.CombinedPrices, error)
	SaveSpotPrices(ctx context.Context, entries []types.SpotEntry) error
	LoadSpotPrices(ctx context.Context) ([]types.SpotEntry, error)
	SaveTariffCache(ctx context.Context, entries []types.TariffEntry) error
	LoadTariffCache(ctx context.Context) ([]types.TariffEntry, error)
	SaveFlowPrices(ctx context.Context, doc string, data types.FlowPriceData) error
	LoadFlowPrices(ctx context.Context, doc string) (types.FlowPriceData, error)

	// History
	InsertShedEvent(ctx context.Context, event types.ShedEvent) error
	GetShedEvents(ctx context.Context, start, end time.Time) ([]types.ShedEvent, error)

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore)")

	var p struct{ Database }

	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
