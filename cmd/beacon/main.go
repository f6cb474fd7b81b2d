package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	beaconhttp "github.com/beaconrl/beacon/internal/adapter/http"
	"github.com/beaconrl/beacon/internal/adapter/memory"
	beaconnats "github.com/beaconrl/beacon/internal/adapter/nats"
	"github.com/beaconrl/beacon/internal/adapter/natskv"
	beaconotel "github.com/beaconrl/beacon/internal/adapter/otel"
	"github.com/beaconrl/beacon/internal/adapter/postgres"
	"github.com/beaconrl/beacon/internal/adapter/ristretto"
	"github.com/beaconrl/beacon/internal/adapter/tiered"
	tripletadapter "github.com/beaconrl/beacon/internal/adapter/triplet"
	"github.com/beaconrl/beacon/internal/adapter/ws"
	"github.com/beaconrl/beacon/internal/config"
	"github.com/beaconrl/beacon/internal/logger"
	"github.com/beaconrl/beacon/internal/middleware"
	"github.com/beaconrl/beacon/internal/port/cache"
	"github.com/beaconrl/beacon/internal/port/messagequeue"
	"github.com/beaconrl/beacon/internal/port/store"
	"github.com/beaconrl/beacon/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"store_backend", cfg.Store.Backend,
		"log_level", cfg.Logging.Level,
	)

	ctx := context.Background()

	// --- Telemetry ---
	otelShutdown, err := beaconotel.Init(ctx, cfg.Logging.Service, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()

	metrics, err := beaconotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Store ---
	var st store.Store
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		slog.Info("postgres connected")

		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		slog.Info("migrations applied")

		st = postgres.NewStore(pool)
	default:
		st = memory.NewStore()
	}

	// --- NATS (optional) ---
	var queue messagequeue.Queue
	var natsQueue *beaconnats.Queue
	if cfg.NATS.URL != "" {
		natsQueue, err = beaconnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = natsQueue.Drain() }()
		queue = natsQueue
	}

	// --- Cache ---
	l1, err := ristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return fmt.Errorf("ristretto: %w", err)
	}
	defer l1.Close()

	var spanCache cache.Cache = l1
	if natsQueue != nil {
		kv, err := natsQueue.KeyValue(ctx, cfg.Cache.L2Bucket)
		if err != nil {
			return fmt.Errorf("nats kv: %w", err)
		}
		spanCache = tiered.New(l1, natskv.New(kv), cfg.Cache.TTL)
	}

	// --- Services ---
	hub := ws.NewHub()

	rolloutSvc := service.NewRolloutService(st, queue, hub, metrics)
	spanSvc := service.NewSpanService(st, spanCache, queue, hub, metrics, cfg.Cache.TTL)

	adapter, err := tripletadapter.New(cfg.Adapter.CallPattern)
	if err != nil {
		return fmt.Errorf("adapter: %w", err)
	}
	adapterSvc := service.NewAdapterService(spanSvc, adapter, cfg.Adapter.MaxConcurrent, metrics)

	// --- HTTP ---
	handlers := beaconhttp.NewHandlers(rolloutSvc, spanSvc, adapterSvc, hub)

	r := chi.NewRouter()
	r.Use(beaconhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(beaconhttp.Logger)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(beaconotel.HTTPMiddleware(cfg.Logging.Service))

	r.Get("/readyz", readyHandler(cfg, natsQueue))
	beaconhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// readyHandler reports readiness including backend connectivity; /health in
// the API routes stays a bare liveness probe.
func readyHandler(cfg *config.Config, queue *beaconnats.Queue) http.HandlerFunc {
	type healthStatus struct {
		Status  string `json:"status"`
		Backend string `json:"backend"`
		NATS    string `json:"nats"`
	}

	return func(w http.ResponseWriter, _ *http.Request) {
		status := healthStatus{
			Status:  "ok",
			Backend: cfg.Store.Backend,
			NATS:    "disabled",
		}
		if queue != nil {
			status.NATS = "disconnected"
			if queue.IsConnected() {
				status.NATS = "connected"
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(status)
	}
}
