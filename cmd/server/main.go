package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/evetrade/ledger-engine/internal/api"
	"github.com/evetrade/ledger-engine/internal/app"
	"github.com/evetrade/ledger-engine/internal/config"
	"github.com/evetrade/ledger-engine/internal/metrics"
	"github.com/evetrade/ledger-engine/internal/notify"
	"github.com/evetrade/ledger-engine/internal/reconcile"
	"github.com/evetrade/ledger-engine/internal/scheduler"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- WebSocket hub ---
	wsHub := api.NewWSHub()
	go wsHub.Run(ctx)

	notifiers := reconcile.Notifiers{wsHub}

	// --- RabbitMQ publisher ---
	if cfg.Messages.AMQPURL != "" {
		pub, err := notify.Dial(cfg.Messages.AMQPURL, cfg.Messages.Exchange, logger)
		if err != nil {
			slog.Error("rabbitmq setup failed", "err", err)
			os.Exit(1)
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
		slog.Info("publishing sync outcomes", "exchange", cfg.Messages.Exchange)
	}

	a, err := app.Open(ctx, cfg, notifiers, logger)
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// --- Periodic sweeps ---
	var sched *scheduler.Scheduler
	if cfg.Sync.Schedule != "" {
		sched, err = scheduler.New(cfg.Sync.Schedule, func(ctx context.Context) {
			res, err := a.Syncer.SyncAll(ctx)
			if err != nil {
				slog.Warn("scheduled sweep failed", "err", err)
				return
			}
			slog.Info("scheduled sweep", "summary", res.Summary())
		}, logger)
		if err != nil {
			slog.Error("invalid SYNC_SCHEDULE", "err", err)
			os.Exit(1)
		}
		sched.Start()
	}

	svc := api.NewService(a.Store, a.Syncer, a.Linker, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		paused := a.Gateway.PausedUntil()
		if paused.IsZero() {
			w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
			return
		}
		fmt.Fprintf(w, `{"status":"ok","service":"ledger-engine","esi_paused_until":%q}`, paused.UTC().Format(time.RFC3339))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	// No request timeout: a sweep may wait out ESI cooldowns.
	r.Route("/api/v1", svc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:        cfg.Server.Address(),
		Handler:     r,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("ledger-engine listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down ledger-engine...")
	if sched != nil {
		if err := sched.Stop(shutdownCtx); err != nil {
			slog.Error("scheduler stop", "err", err)
		}
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("ledger-engine stopped")
}
