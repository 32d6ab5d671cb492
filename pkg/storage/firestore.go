package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. Documents hold a JSON string blob plus a version field so the
// schema can evolve without Firestore-side migrations.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
	homeID    string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")
	homeID := lflag.String("home-id", "default", "Home identifier used as the Firestore document root")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database
		f.homeID = *homeID

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	if f.homeID == "" {
		return fmt.Errorf("home-id cannot be empty")
	}
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) collection(name string) *firestore.CollectionRef {
	return f.client.Collection("homes").Doc(f.homeID).Collection(name)
}

// setDoc stores v as a JSON string blob under collection/doc.
func (f *FirestoreProvider) setDoc(ctx context.Context, coll, doc string, v any, version int) error {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", coll, doc, err)
	}
	_, err = f.collection(coll).Doc(doc).Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"version": version,
	})
	if err != nil {
		return fmt.Errorf("failed to save %s/%s: %w", coll, doc, err)
	}
	return nil
}

// getDoc reads a JSON string blob into out. A missing document leaves out
// untouched and returns version 0 without an error.
func (f *FirestoreProvider) getDoc(ctx context.Context, coll, doc string, out any) (int, error) {
	snap, err := f.collection(coll).Doc(doc).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to fetch %s/%s: %w", coll, doc, err)
	}
	return decodeSnapshot(ctx, snap, out)
}

func decodeSnapshot(ctx context.Context, snap *firestore.DocumentSnapshot, out any) (int, error) {
	var version int
	if v, err := snap.DataAt("version"); err == nil {
		if vInt, ok := v.(int64); ok {
			version = int(vInt)
		}
	}

	val, err := snap.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "doc missing json", slog.String("docID", snap.Ref.ID))
		return 0, fmt.Errorf("document %s missing 'json' field: %w", snap.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "doc json not string", slog.String("docID", snap.Ref.ID))
		return 0, fmt.Errorf("document %s 'json' field is not a string", snap.Ref.ID)
	}
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal doc json", slog.String("docID", snap.Ref.ID), slog.Any("err", err))
		return 0, fmt.Errorf("failed to unmarshal document %s: %w", snap.Ref.ID, err)
	}
	return version, nil
}

// GetSettings retrieves the dynamic configuration from the "config/settings"
// document.
func (f *FirestoreProvider) GetSettings(ctx context.Context) (types.Settings, int, error) {
	var s types.Settings
	version, err := f.getDoc(ctx, "config", "settings", &s)
	if err != nil {
		return types.Settings{}, 0, err
	}
	return s, version, nil
}

// SetSettings saves the dynamic configuration to the "config/settings"
// document. It stores the settings as a JSON string for portability.
func (f *FirestoreProvider) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	return f.setDoc(ctx, "config", "settings", settings, version)
}

// WatchSettings attaches a snapshot listener to the settings document and
// streams each change. Malformed documents are logged and skipped so a bad
// write in the console cannot stall the watcher.
func (f *FirestoreProvider) WatchSettings(ctx context.Context) (<-chan types.Settings, func(), error) {
	watchCtx, cancel := context.WithCancel(ctx)
	iter := f.collection("config").Doc("settings").Snapshots(watchCtx)

	ch := make(chan types.Settings, 1)
	go func() {
		defer close(ch)
		defer iter.Stop()
		for {
			snap, err := iter.Next()
			if err != nil {
				if status.Code(err) == codes.Canceled || watchCtx.Err() != nil {
					return
				}
				log.Ctx(watchCtx).ErrorContext(watchCtx, "settings watch failed", slog.Any("error", err))
				return
			}
			if !snap.Exists() {
				continue
			}
			var s types.Settings
			if _, err := decodeSnapshot(watchCtx, snap, &s); err != nil {
				continue
			}
			select {
			case ch <- s:
			case <-watchCtx.Done():
				return
			}
		}
	}()
	return ch, cancel, nil
}

// SaveTrackerState persists the power tracker snapshot.
func (f *FirestoreProvider) SaveTrackerState(ctx context.Context, state types.TrackerState, version int) error {
	return f.setDoc(ctx, "state", DocTrackerState, state, version)
}

// LoadTrackerState retrieves the power tracker snapshot; a missing document
// yields a fresh state with version 0.
func (f *FirestoreProvider) LoadTrackerState(ctx context.Context) (types.TrackerState, int, error) {
	state := types.NewTrackerState()
	version, err := f.getDoc(ctx, "state", DocTrackerState, &state)
	if err != nil {
		return types.NewTrackerState(), 0, err
	}
	return state, version, nil
}

func (f *FirestoreProvider) SaveDailyPlan(ctx context.Context, plan types.DailyPlan) error {
	return f.setDoc(ctx, "state", DocDailyPlan, plan, 0)
}

func (f *FirestoreProvider) LoadDailyPlan(ctx context.Context) (types.DailyPlan, error) {
	var plan types.DailyPlan
	_, err := f.getDoc(ctx, "state", DocDailyPlan, &plan)
	return plan, err
}

func (f *FirestoreProvider) SaveDevicePlan(ctx context.Context, plan types.DevicePlan) error {
	return f.setDoc(ctx, "state", DocDevicePlan, plan, 0)
}

func (f *FirestoreProvider) LoadDevicePlan(ctx context.Context) (types.DevicePlan, error) {
	var plan types.DevicePlan
	_, err := f.getDoc(ctx, "state", DocDevicePlan, &plan)
	return plan, err
}

func (f *FirestoreProvider) SaveCombinedPrices(ctx context.Context, combined types.CombinedPrices) error {
	return f.setDoc(ctx, "state", DocCombinedPrices, combined, 0)
}

func (f *FirestoreProvider) LoadCombinedPrices(ctx context.Context) (types.CombinedPrices, error) {
	var combined types.CombinedPrices
	_, err := f.getDoc(ctx, "state", DocCombinedPrices, &combined)
	return combined, err
}

func (f *FirestoreProvider) SaveSpotPrices(ctx context.Context, entries []types.SpotEntry) error {
	return f.setDoc(ctx, "state", DocSpotPrices, entries, 0)
}

func (f *FirestoreProvider) LoadSpotPrices(ctx context.Context) ([]types.SpotEntry, error) {
	var entries []types.SpotEntry
	_, err := f.getDoc(ctx, "state", DocSpotPrices, &entries)
	return entries, err
}

func (f *FirestoreProvider) SaveTariffCache(ctx context.Context, entries []types.TariffEntry) error {
	return f.setDoc(ctx, "state", DocTariffCache, entries, 0)
}

func (f *FirestoreProvider) LoadTariffCache(ctx context.Context) ([]types.TariffEntry, error) {
	var entries []types.TariffEntry
	_, err := f.getDoc(ctx, "state", DocTariffCache, &entries)
	return entries, err
}

func (f *FirestoreProvider) SaveFlowPrices(ctx context.Context, doc string, data types.FlowPriceData) error {
	return f.setDoc(ctx, "state", doc, data, 0)
}

func (f *FirestoreProvider) LoadFlowPrices(ctx context.Context, doc string) (types.FlowPriceData, error) {
	var data types.FlowPriceData
	_, err := f.getDoc(ctx, "state", doc, &data)
	return data, err
}

// InsertShedEvent adds a shed record to the "shed_history" collection as a
// JSON blob. The document ID is the RFC3339 timestamp for efficient range
// queries.
func (f *FirestoreProvider) InsertShedEvent(ctx context.Context, event types.ShedEvent) error {
	jsonBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal shed event: %w", err)
	}
	docID := event.Timestamp.UTC().Format(time.RFC3339)
	_, err = f.collection("shed_history").Doc(docID).Set(ctx, map[string]interface{}{
		"json":      string(jsonBytes),
		"timestamp": event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to insert shed event: %w", err)
	}
	return nil
}

// GetShedEvents retrieves shed records within the specified time range.
// Uses document ID range queries for efficient filtering without reading all
// documents.
func (f *FirestoreProvider) GetShedEvents(ctx context.Context, start, end time.Time) ([]types.ShedEvent, error) {
	coll := f.collection("shed_history")
	startDocID := start.UTC().Format(time.RFC3339)
	endDocID := end.UTC().Format(time.RFC3339)

	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(startDocID)).
		Where(firestore.DocumentID, "<", coll.Doc(endDocID)).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var events []types.ShedEvent
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating shed events: %w", err)
		}
		var e types.ShedEvent
		if _, err := decodeSnapshot(ctx, doc, &e); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}
