package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ignite/usda-monitor/internal/alert"
	"github.com/ignite/usda-monitor/internal/api"
	"github.com/ignite/usda-monitor/internal/config"
	"github.com/ignite/usda-monitor/internal/datamart"
	"github.com/ignite/usda-monitor/internal/mailer"
	"github.com/ignite/usda-monitor/internal/registry"
	"github.com/ignite/usda-monitor/internal/repository/postgres"
	"github.com/ignite/usda-monitor/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// workerStore adapts the postgres store to the worker's lock interface.
// The explicit nil check keeps a nil *postgres.AdvisoryLock from becoming
// a non-nil worker.Lock.
type workerStore struct {
	*postgres.Store
}

func (s workerStore) TryAcquireLock(ctx context.Context, reportID string) (worker.Lock, bool, error) {
	lock, held, err := s.Store.TryAcquireLock(ctx, reportID)
	if lock == nil {
		return nil, held, err
	}
	return lock, held, err
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	loc, err := cfg.App.Location()
	if err != nil {
		log.Fatalf("Failed to resolve timezone: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx := context.Background()
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		cancel()
		log.Fatalf("Failed to reach database: %v", err)
	}
	cancel()

	store := postgres.New(db)
	if err := store.EnsureSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	reg := registry.New()
	if err := registry.Reconcile(ctx, store, reg); err != nil {
		log.Fatalf("Failed to reconcile report configs: %v", err)
	}

	m, err := mailer.New(ctx, cfg.Email)
	if err != nil {
		log.Fatalf("Failed to initialize mailer: %v", err)
	}
	alerts := alert.New(store, m, cfg.Alerting.ConsecutiveFailuresThreshold, cfg.Email.MasterAlertEmail)

	client := datamart.NewClient()
	factory := func(reportCfg registry.ReportConfig) *worker.Runner {
		return worker.NewRunner(reportCfg, workerStore{store}, client, m, alerts, loc)
	}

	scheduler := worker.NewScheduler(reg, factory, cfg.App.PollTick(), cfg.App.MaxConcurrency, loc, nil)
	scheduler.Start()

	backfiller := worker.NewBackfiller(store, client)
	handlers := api.NewHandlers(store, reg, scheduler, backfiller, m, cfg.Email.MasterAlertEmail)
	server := api.NewServer(handlers, cfg.Server.CORSOriginList())

	addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Server] Listening on %s", addr)
		errCh <- server.ListenAndServe(addr)
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server failed: %v", err)
	case sig := <-done:
		log.Printf("[Server] Received %s, shutting down", sig)
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] Shutdown error: %v", err)
	}
	log.Printf("[Server] Stopped")
}
