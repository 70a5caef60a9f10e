package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/popgate/popgate/internal/analytics"
	"github.com/popgate/popgate/internal/api"
	"github.com/popgate/popgate/internal/campaign"
	"github.com/popgate/popgate/internal/config"
	"github.com/popgate/popgate/internal/discount"
	"github.com/popgate/popgate/internal/engine"
	"github.com/popgate/popgate/internal/experiment"
	"github.com/popgate/popgate/internal/freqcap"
	"github.com/popgate/popgate/internal/lead"
	"github.com/popgate/popgate/internal/store"
	"github.com/popgate/popgate/internal/trigger"
)

type runtimeConfig struct {
	Addr            string        `env:"POPGATE_ADDR" envDefault:":8080"`
	ConfigPath      string        `env:"POPGATE_CONFIG" envDefault:"configs/campaigns.yaml"`
	DBPath          string        `env:"POPGATE_DB" envDefault:"popgate.db"`
	LogLevel        string        `env:"POPGATE_LOG_LEVEL" envDefault:"info"`
	AnalyticsBuffer int           `env:"POPGATE_ANALYTICS_BUFFER" envDefault:"1024"`
	SweepInterval   time.Duration `env:"POPGATE_SWEEP_INTERVAL" envDefault:"5m"`
	PageViewTTL     time.Duration `env:"POPGATE_PAGEVIEW_TTL" envDefault:"30m"`
}

func main() {
	var rc runtimeConfig
	if err := env.Parse(&rc); err != nil {
		slog.Error("failed to parse environment", "err", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if rc.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Load campaign config ──────────────────────────────────────────────────
	loader, err := config.NewLoader(rc.ConfigPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		slog.Error("config validation failed", "err", err)
		os.Exit(1)
	}

	// ── Build initial catalog ─────────────────────────────────────────────────
	cat, err := campaign.Build(cfg)
	if err != nil {
		slog.Error("failed to build catalog", "err", err)
		os.Exit(1)
	}
	slog.Info("catalog built", "campaigns", cat.Len())

	// ── Persistence ───────────────────────────────────────────────────────────
	db, err := store.Open(rc.DBPath)
	if err != nil {
		slog.Error("failed to open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Engine dependencies ───────────────────────────────────────────────────
	sessionTTL := time.Duration(cfg.Engine.SessionIdleMinutes) * time.Minute
	caps := freqcap.NewMemStore(sessionTTL)
	caps.StartSweeper(ctx, rc.SweepInterval)
	capStore := &freqcap.FailOpen{Inner: caps, Log: logger}

	assigner := experiment.NewAssigner(db, logger)
	detector := trigger.NewDetector(logger)

	eng := engine.New(ctx, cat, capStore, assigner, detector, cfg.Engine)
	eng.StartSweeper(ctx, rc.SweepInterval, rc.PageViewTTL)

	// ── Analytics ─────────────────────────────────────────────────────────────
	sinks := analytics.NewRegistry()
	sinks.Register(&analytics.LogSink{Log: logger})
	emitter := analytics.NewEmitter(ctx, sinks, rc.AnalyticsBuffer, logger)

	// ── Hot-reload watcher ────────────────────────────────────────────────────
	loader.OnChange(func(newCfg *config.File) {
		if err := config.Validate(newCfg); err != nil {
			slog.Warn("hot-reload skipped: config invalid", "err", err)
			return
		}
		newCat, err := campaign.Build(newCfg)
		if err != nil {
			slog.Warn("hot-reload skipped: catalog build failed", "err", err)
			return
		}
		eng.SwapCatalog(newCat)
		slog.Info("catalog hot-reloaded", "campaigns", newCat.Len())
	})
	stopWatch, err := loader.Watch()
	if err != nil {
		slog.Warn("config watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	handler := api.New(eng, loader, db, emitter, &lead.LogSink{Log: logger}, &discount.DevIssuer{})
	srv := &http.Server{
		Addr:         rc.Addr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", rc.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutting down…")

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutCancel()
	_ = srv.Shutdown(shutCtx)
	cancel() // stop worker pools and sweepers
	eng.Shutdown()
	emitter.Drain()
	slog.Info("goodbye")
}
