package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kestrelmem/kestrel/internal/adapter"
	"github.com/kestrelmem/kestrel/internal/config"
	"github.com/kestrelmem/kestrel/internal/events"
	"github.com/kestrelmem/kestrel/internal/observability"
	"github.com/kestrelmem/kestrel/internal/orchestrator"
	"github.com/kestrelmem/kestrel/internal/redact"
	"github.com/kestrelmem/kestrel/internal/rollout"
	"github.com/kestrelmem/kestrel/internal/server"
	"github.com/kestrelmem/kestrel/internal/storage"
	"github.com/kestrelmem/kestrel/internal/storage/postgres"
	"github.com/kestrelmem/kestrel/internal/storage/sqlite"
	"github.com/kestrelmem/kestrel/internal/sweeper"
	"github.com/kestrelmem/kestrel/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := adapter.NewRegistry()
	if cfg.Enrichment.BaseURL != "" {
		enrichment := adapter.NewEnrichment(adapter.EnrichmentConfig{
			BaseURL: cfg.Enrichment.BaseURL,
			APIKey:  cfg.Enrichment.APIKey,
		}, store)
		if err := registry.Register(enrichment); err != nil {
			log.Fatalf("Failed to register enrichment adapter: %v", err)
		}
	}
	if cfg.Queue.BrokerURL != "" {
		queue, err := adapter.NewQueue(adapter.QueueConfig{
			BrokerURL: cfg.Queue.BrokerURL,
			Topic:     cfg.Queue.Topic,
		})
		if err != nil {
			log.Fatalf("Failed to create queue adapter: %v", err)
		}
		defer queue.Close()
		if err := registry.Register(queue); err != nil {
			log.Fatalf("Failed to register queue adapter: %v", err)
		}
	}

	metrics := observability.NewMetrics("kestrel")
	hub := events.NewHub()

	ctrl, err := buildRollout(cfg, registry)
	if err != nil {
		log.Fatalf("Failed to build rollout controller: %v", err)
	}
	if cfg.Rollout.Path != "" {
		watcher := rollout.NewWatcher(cfg.Rollout.Path, ctrl, metrics, hub)
		if err := watcher.Start(); err != nil {
			log.Fatalf("Failed to watch rollout config: %v", err)
		}
		defer watcher.Stop()
	}

	var exporter telemetry.Exporter = telemetry.NewNoopExporter()
	if cfg.Rollout.TraceExport {
		exporter = telemetry.NewLogExporter()
	}
	defer exporter.Close()

	orch, err := orchestrator.New(store, registry, ctrl, redact.New(), metrics, orchestrator.Options{
		Exporter: exporter,
		Hub:      hub,
	})
	if err != nil {
		log.Fatalf("Failed to create orchestrator: %v", err)
	}

	sw := sweeper.New(store, registry, ctrl, metrics, hub)
	if err := sw.Start(ctx); err != nil {
		log.Fatalf("Failed to start sweeper: %v", err)
	}
	defer sw.Stop()

	srv, err := server.Start(server.Config{
		Addr:        cfg.Server.Addr,
		CommitRate:  float64(cfg.Server.CommitRate),
		CommitBurst: cfg.Server.CommitBurst,
	}, orch, store, ctrl, hub)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
}

// openStore selects PostgreSQL when a URL is configured, SQLite otherwise.
func openStore(cfg *config.Config) (storage.CanonicalStore, error) {
	if cfg.Storage.PostgresURL != "" {
		log.Println("Using PostgreSQL canonical store")
		return postgres.NewStore(cfg.Storage.PostgresURL)
	}
	log.Printf("Using SQLite canonical store at %s", cfg.Storage.SQLitePath)
	return sqlite.NewStore(cfg.Storage.SQLitePath)
}

// buildRollout loads the configured policy file, or starts disabled when no
// file is configured so a bare daemon is canonical-only.
func buildRollout(cfg *config.Config, registry *adapter.Registry) (*rollout.Controller, error) {
	state := rollout.DefaultState()
	if cfg.Rollout.Path != "" {
		loaded, err := rollout.LoadFile(cfg.Rollout.Path)
		if err != nil {
			return nil, err
		}
		state = loaded
	}
	return rollout.NewController(state, registry)
}
