package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/precise-hbr-cdss/internal/api"
	"github.com/precise-hbr-cdss/internal/audit"
	"github.com/precise-hbr-cdss/internal/config"
	"github.com/precise-hbr-cdss/internal/fhir"
	"github.com/precise-hbr-cdss/internal/logging"
	"github.com/precise-hbr-cdss/internal/ruleset"
	"github.com/precise-hbr-cdss/internal/service"
)

func main() {
	// Load configuration
	configManager, err := config.NewManager()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Validate configuration
	if err := configManager.Validate(); err != nil {
		log.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger := logging.New(cfg.Logging)

	loader := ruleset.NewLoader(cfg.Ruleset.Path, logger)
	if _, err := loader.Get(); err != nil {
		// The server still starts so /health can report the failure, but
		// every assessment is refused until the file is fixed and the
		// process restarted.
		logger.WithError(err).Error("Clinical ruleset unavailable at startup")
	}
	assessor := service.NewAssessor(loader, logger)

	var cache *fhir.CacheClient
	if cfg.Cache.Enabled {
		cache, err = fhir.NewCacheClient(cfg.Cache)
		if err != nil {
			log.Fatalf("Failed to connect to Redis cache: %v", err)
		}
		defer cache.Close()
	}

	retriever, err := fhir.NewRetriever(fhir.NewClient(cfg.FHIR), cache, cfg.FHIR, logger)
	if err != nil {
		log.Fatalf("Failed to create FHIR retriever: %v", err)
	}

	auditStore, err := newAuditStore(configManager)
	if err != nil {
		log.Fatalf("Failed to open audit store: %v", err)
	}
	if auditStore != nil {
		defer auditStore.Close()
	}

	logger.Infof("Starting PRECISE-HBR CDSS server on %s:%d", cfg.Server.Host, cfg.Server.Port)

	server := api.NewServer(configManager, assessor, retriever, loader, auditStore, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

	logger.Info("Server stopped")
}

// newAuditStore opens the audit trail selected by configuration. Returns a
// nil store when the trail is disabled.
func newAuditStore(configManager *config.Manager) (audit.Store, error) {
	cfg := configManager.GetAuditConfig()
	switch cfg.Driver {
	case "sqlite":
		return audit.NewSQLiteStore(cfg.SQLite.Path)
	case "postgres":
		return audit.NewPostgresStoreFromURL(configManager.GetPostgresConnectionString())
	default:
		return nil, nil
	}
}
