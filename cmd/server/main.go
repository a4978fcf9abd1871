package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jclee-lab/blacklist-sub001/internal/api"
	"github.com/jclee-lab/blacklist-sub001/internal/cache"
	"github.com/jclee-lab/blacklist-sub001/internal/config"
	"github.com/jclee-lab/blacklist-sub001/internal/core"
	"github.com/jclee-lab/blacklist-sub001/internal/decision"
	"github.com/jclee-lab/blacklist-sub001/internal/events"
	"github.com/jclee-lab/blacklist-sub001/internal/logbuf"
	"github.com/jclee-lab/blacklist-sub001/internal/metrics"
	"github.com/jclee-lab/blacklist-sub001/internal/ratelimit"
	"github.com/jclee-lab/blacklist-sub001/internal/regtech"
	"github.com/jclee-lab/blacklist-sub001/internal/scheduler"
	"github.com/jclee-lab/blacklist-sub001/internal/storage"
	"github.com/jclee-lab/blacklist-sub001/internal/webhooks"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", "error", err)
		os.Exit(1)
	}

	logs := logbuf.NewBuffer(logbuf.DefaultCapacity)
	installLogger(logs, cfg.Server.Env)

	slog.Info("🚀 starting blacklist aggregation service", "logger", "main",
		"port", cfg.Server.Port, "env", cfg.Server.Env)

	m := metrics.New()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	store, err := storage.Open(cfg.Database.DSN(), storage.Options{
		MasterKey: cfg.Security.MasterKey,
		Salt:      cfg.Security.EncSalt,
		Metrics:   m,
	})
	if err != nil {
		cancel()
		slog.Error("database connection failed", "logger", "main", "error", err)
		os.Exit(1)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		cancel()
		slog.Error("schema bootstrap failed", "logger", "main", "error", err)
		os.Exit(1)
	}

	// The cache is optional: without Redis the decision path degrades to
	// DB-only reads and health reports degraded.
	var kv cache.Store
	if r, err := cache.NewRedis(cfg.Cache.Addr(), os.Getenv("REDIS_PASSWORD"), cfg.Cache.DB); err != nil {
		slog.Warn("cache unavailable, running without it", "logger", "main", "error", err)
	} else {
		kv = r
	}

	decisions := decision.New(store, kv, m)

	bus := events.NewBus()
	registry := webhooks.NewRegistry()
	registry.SeedURLs(cfg.Webhooks.URLs, cfg.Security.WebhookSecret)
	dispatcher := webhooks.NewDispatcher(registry, bus, 4)

	sched := scheduler.New(scheduler.Config{
		ManualOnly:      cfg.Collection.Disabled,
		InitialInterval: cfg.Collection.Interval(),
		BatchSize:       cfg.Collection.BatchSize,
		MaxPages:        cfg.Collection.MaxPages,
		ParallelSources: cfg.Collection.ParallelSources,
	}, store, bus, m)

	registerRegtech(ctx, cfg, store, sched)
	cancel()

	sched.Start()

	server := api.New(":"+cfg.Server.Port, api.Deps{
		Repo:          store,
		Decisions:     decisions,
		Scheduler:     sched,
		Logs:          logs,
		Metrics:       m,
		CollectionKey: cfg.Security.CollectionKey,
		Env:           cfg.Server.Env,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "logger", "main", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			slog.Error("http server failed", "logger", "main", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "logger", "main", "error", err)
	}
	sched.Stop()
	dispatcher.Shutdown()
	if kv != nil {
		kv.Close()
	}
	store.Close()
	slog.Info("👋 shutdown complete", "logger", "main")
}

// installLogger wires the ring buffer behind the default text handler so
// the control API can serve recent log lines.
func installLogger(logs *logbuf.Buffer, env string) {
	level := slog.LevelInfo
	if env == "development" {
		level = slog.LevelDebug
	}
	base := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level, AddSource: true})
	slog.SetDefault(slog.New(logbuf.NewHandler(base, logs)))
}

// registerRegtech builds the portal collector from stored credentials,
// bootstrapping the row from the environment on first start.
func registerRegtech(ctx context.Context, cfg *config.Config, store *storage.Store, sched *scheduler.Scheduler) {
	cred, err := store.GetCredentials(ctx, regtech.SourceName)
	if errors.Is(err, storage.ErrNotFound) && cfg.Regtech.Username != "" {
		cred = &core.Credential{
			ServiceName:        regtech.SourceName,
			Username:           cfg.Regtech.Username,
			Password:           cfg.Regtech.Password,
			Enabled:            true,
			CollectionInterval: cfg.Collection.IntervalSeconds,
		}
		if upsertErr := store.UpsertCredentials(ctx, *cred); upsertErr != nil {
			slog.Error("credential bootstrap failed", "logger", "main", "error", upsertErr)
			return
		}
		slog.Info("credentials bootstrapped from environment", "logger", "main",
			"service", regtech.SourceName, "username", cred.Username)
	} else if err != nil {
		slog.Warn("portal credentials unavailable, collector not registered", "logger", "main",
			"service", regtech.SourceName, "error", err)
		return
	}
	if !cred.Enabled {
		slog.Info("collector disabled by credential settings", "logger", "main",
			"service", regtech.SourceName)
		return
	}

	limiter := ratelimit.New(ratelimit.DefaultConfig())
	client := regtech.NewClient(cfg.Regtech.BaseURL, cred.Username, cred.Password, limiter)
	collector := regtech.NewCollector(client, limiter, cfg.Collection.PageSize, cfg.Collection.MaxPages)
	sched.Register(collector, cred.CollectionInterval)

	slog.Info("collector registered", "logger", "main",
		"service", regtech.SourceName, "interval_seconds", cred.CollectionInterval)
}
