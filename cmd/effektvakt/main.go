package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/effektvakt/effektvakt/pkg/devices"
	"github.com/effektvakt/effektvakt/pkg/guard"
	"github.com/effektvakt/effektvakt/pkg/log"
	"github.com/effektvakt/effektvakt/pkg/modes"
	"github.com/effektvakt/effektvakt/pkg/orchestrator"
	"github.com/effektvakt/effektvakt/pkg/prices"
	"github.com/effektvakt/effektvakt/pkg/server"
	"github.com/effektvakt/effektvakt/pkg/storage"
	"github.com/effektvakt/effektvakt/pkg/telemetry"
	"github.com/effektvakt/effektvakt/pkg/tracker"

	"github.com/joho/godotenv"
	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()

	// init packages
	db := storage.Configured()
	host := devices.Configured()
	svc := prices.Configured(db)
	policy := modes.Configured()
	tel := telemetry.New()
	trk := tracker.New(db)
	grd := guard.New(db)
	orch := orchestrator.Configured(db, host, svc, trk, grd, policy, tel)

	// init server
	srv := server.Configured(db, orch, svc, tel)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	// the host energy API is optional; without it the homey price scheme
	// simply stays empty
	if he, ok := host.(prices.HomeyEnergy); ok {
		svc.SetHomeyEnergy(he)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := host.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close device host", "error", err)
		}
		if err := db.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", "error", err)
		}
	}()

	errChan := make(chan error, 2)
	go func() {
		errChan <- orch.Run(ctx)
	}()
	go func() {
		errChan <- srv.Run(ctx)
	}()

	// the first component to fail takes the process down; on a clean signal
	// both return nil
	for i := 0; i < 2; i++ {
		if err := <-errChan; err != nil {
			cancel()
			log.Ctx(ctx).ErrorContext(ctx, "service failed", "error", err)
			os.Exit(1)
		}
	}
	log.Ctx(ctx).InfoContext(ctx, "service exited cleanly")
}
