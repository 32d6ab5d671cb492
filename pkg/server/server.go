// Package server exposes the HTTP API: status, plans, prices, settings, the
// metrics endpoint and the websocket plan stream.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/orchestrator"
	"github.com/effektvakt/effektvakt/pkg/prices"
	"github.com/effektvakt/effektvakt/pkg/storage"
	"github.com/effektvakt/effektvakt/pkg/telemetry"
	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// settingsTimeout bounds settings reads and writes from the UI.
const settingsTimeout = 5 * time.Second

// tokenVerifier validates an OIDC ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API for the control service.
type Server struct {
	db     storage.Database
	orch   *orchestrator.Orchestrator
	prices *prices.Service
	tel    *telemetry.Telemetry
	hub    *hub

	listenAddr   string
	serverName   string
	adminEmails  []string
	oidcVerifier tokenVerifier
	bypassAuth   bool
	httpServer   *http.Server
}

// Configured initializes the Server with dependencies. It uses lflag to
// register command-line flags for configuration.
func Configured(db storage.Database, orch *orchestrator.Orchestrator, svc *prices.Service, tel *telemetry.Telemetry) *Server {
	srv := &Server{
		db:         db,
		orch:       orch,
		prices:     svc,
		tel:        tel,
		hub:        newHub(),
		serverName: "effektvakt",
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudience := lflag.String("oidc-audience", "", "Google OIDC audience/client ID to validate; empty disables auth")
	adminEmails := lflag.String("admin-emails", "", "comma-delimited list of email addresses allowed to use the API")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *adminEmails != "" {
			srv.adminEmails = strings.Split(*adminEmails, ",")
			for i, email := range srv.adminEmails {
				srv.adminEmails[i] = strings.TrimSpace(email)
			}
		}
		if *oidcAudience != "" {
			provider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcVerifier = provider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		}
		if srv.oidcVerifier == nil && len(srv.adminEmails) == 0 {
			srv.bypassAuth = true
		}
	})

	orch.SetOnPlan(srv.hub.BroadcastPlan)
	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/status", s.handleStatus)
	apiMux.HandleFunc("GET /api/plan", s.handlePlan)
	apiMux.HandleFunc("GET /api/prices", s.handlePrices)
	apiMux.HandleFunc("GET /api/rebuilds", s.handleRebuilds)
	apiMux.HandleFunc("GET /api/settings", s.handleGetSettings)
	apiMux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	apiMux.HandleFunc("POST /api/prices/flow", s.handleFlowPrices)
	apiMux.HandleFunc("POST /api/prices/refresh", s.handleRefreshPrices)
	apiMux.HandleFunc("POST /api/rebuild", s.handleRequestRebuild)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.Handle("/ws", s.authMiddleware(http.HandlerFunc(s.handleWS)))
	mux.Handle("/metrics", promhttp.HandlerFor(s.tel.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.serverNameMiddleware(gziphandler.GzipHandler(mux))
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.CloseAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) serverNameMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}
