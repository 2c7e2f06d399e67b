package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Guizzs26/go-cw-mirror/internal/broker"
	"github.com/Guizzs26/go-cw-mirror/internal/config"
	"github.com/Guizzs26/go-cw-mirror/internal/cwapi"
	"github.com/Guizzs26/go-cw-mirror/internal/db"
	"github.com/Guizzs26/go-cw-mirror/internal/mapper"
	"github.com/Guizzs26/go-cw-mirror/internal/models"
	"github.com/Guizzs26/go-cw-mirror/internal/service"
	"github.com/Guizzs26/go-cw-mirror/pkg/infra"
	"github.com/Guizzs26/go-cw-mirror/pkg/metrics"
)

func main() {
	partial := flag.Bool("partial", false, "sync only records changed since the last run (skips stale deletion)")
	flag.Parse()

	cfg := config.Load()
	logger := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("FATAL: Missing ConnectWise credentials", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.NewPostgresStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		logger.Error("FATAL: Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	client := cwapi.NewClient(cfg, logger)

	sync, err := service.NewSynchronizer(client, mapper.New(store), store, cfg.BatchSize, logger)
	if err != nil {
		logger.Error("FATAL: Invalid entity registry", "error", err)
		os.Exit(1)
	}

	// Change events go to RabbitMQ when a broker is configured; sync runs
	// fine without one
	if cfg.RabbitMQURL != "" {
		publisher, err := broker.NewChangePublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Error("FATAL: Failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		sync.OnUpsert(publisher.Hook())
		sync.OnDelete(publisher.Hook())
	}

	logger.Info("🚀 ConnectWise mirror sync starting",
		"order", fmt.Sprintf("%v", sync.Order()),
		"batch_size", cfg.BatchSize,
	)

	if flag.NArg() > 0 {
		runOne(ctx, sync, flag.Arg(0), *partial, logger)
		return
	}

	results, err := sync.SyncAll(ctx)
	for _, r := range results {
		printSummary(r)
	}
	if err != nil {
		metrics.HealthStatus.Set(0)
		logger.Error("Full sync did not complete", "error", err)
		os.Exit(1)
	}

	metrics.HealthStatus.Set(1)
	logger.Info("✅ Full sync complete")
}

func runOne(ctx context.Context, sync *service.Synchronizer, arg string, partial bool, logger *slog.Logger) {
	entityType, err := models.ParseEntityType(arg)
	if err != nil {
		logger.Error("FATAL: Invalid entity type", "requested", arg)
		os.Exit(1)
	}

	var result service.SyncResult
	if partial {
		result, err = sync.SyncPartial(ctx, entityType)
	} else {
		result, err = sync.Sync(ctx, entityType)
	}
	printSummary(result)

	if err != nil {
		logger.Error("Sync failed", "entity", entityType, "error", err)
		os.Exit(1)
	}
}

func printSummary(r service.SyncResult) {
	fmt.Printf("%s sync summary - created: %d, updated: %d, unchanged: %d, deleted: %d, errors: %d\n",
		r.EntityType, r.Created, r.Updated, r.Unchanged, r.Deleted, len(r.Errors))
}
