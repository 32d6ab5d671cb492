package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/orchestrator"
	"github.com/effektvakt/effektvakt/pkg/prices"
	"github.com/effektvakt/effektvakt/pkg/storage"
	"github.com/effektvakt/effektvakt/pkg/types"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	count, failed, avgMs, maxMs := s.tel.RebuildSummary()
	writeJSON(w, struct {
		Status         orchestrator.Status `json:"status"`
		RebuildCount   int                 `json:"rebuildCount"`
		RebuildFailed  int                 `json:"rebuildFailed"`
		RebuildAvgMs   int64               `json:"rebuildAvgMs"`
		RebuildMaxMs   int64               `json:"rebuildMaxMs"`
		ConnectedPeers int                 `json:"connectedPeers"`
	}{
		Status:         s.orch.Status(),
		RebuildCount:   count,
		RebuildFailed:  failed,
		RebuildAvgMs:   avgMs,
		RebuildMaxMs:   maxMs,
		ConnectedPeers: s.hub.ClientCount(),
	})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Daily   types.DailyPlan  `json:"daily"`
		Devices types.DevicePlan `json:"devices"`
	}{
		Daily:   s.orch.DailyPlan(),
		Devices: s.orch.DevicePlan(),
	})
}

func (s *Server) handlePrices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.prices.Combined())
}

func (s *Server) handleRebuilds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.tel.RecentRebuilds())
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), settingsTimeout)
	defer cancel()

	settings, version, err := s.db.GetSettings(ctx)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Ctx(ctx).ErrorContext(ctx, "failed to read settings", slog.Any("error", err))
		writeJSONError(w, "failed to read settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		Settings types.Settings `json:"settings"`
		Version  int            `json:"version"`
	}{Settings: settings, Version: version})
}

// handleUpdateSettings validates the posted document before persisting it.
// The watch stream delivers it to the running components; an invalid
// document is rejected and the previous settings stay in effect.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), settingsTimeout)
	defer cancel()

	var settings types.Settings
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&settings); err != nil {
		writeJSONError(w, "invalid settings payload", http.StatusBadRequest)
		return
	}
	migrated, _, err := types.MigrateSettings(settings, 0)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := migrated.Validate(); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.db.SetSettings(ctx, migrated, types.CurrentSettingsVersion); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to persist settings", slog.Any("error", err))
		writeJSONError(w, "failed to persist settings", http.StatusInternalServerError)
		return
	}
	writeJSON(w, struct {
		OK bool `json:"ok"`
	}{OK: true})
}

// handleFlowPrices accepts a pushed day of prices. The payload field is the
// raw flow text, which may be lenient pseudo-JSON.
func (s *Server) handleFlowPrices(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind   string `json:"kind"`
		Prices string `json:"prices"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSONError(w, "invalid payload", http.StatusBadRequest)
		return
	}

	missing, err := s.orch.StoreFlowPrices(r.Context(), prices.FlowKind(body.Kind), body.Prices)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, struct {
		MissingHours []int `json:"missingHours"`
	}{MissingHours: missing})
}

// handleRefreshPrices forces a pull of the active price sources, bypassing
// the caches, and queues a rebuild with the fresh series.
func (s *Server) handleRefreshPrices(w http.ResponseWriter, r *http.Request) {
	s.orch.RefreshPricesNow(r.Context())
	writeJSON(w, s.prices.Combined())
}

func (s *Server) handleRequestRebuild(w http.ResponseWriter, r *http.Request) {
	s.orch.RequestRebuild("api request")
	writeJSON(w, struct {
		OK bool `json:"ok"`
	}{OK: true})
}
