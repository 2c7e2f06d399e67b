package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Guizzs26/go-cw-mirror/internal/config"
	"github.com/Guizzs26/go-cw-mirror/internal/cwapi"
	"github.com/Guizzs26/go-cw-mirror/internal/db"
	"github.com/Guizzs26/go-cw-mirror/internal/models"
	"github.com/Guizzs26/go-cw-mirror/internal/service"
	"github.com/Guizzs26/go-cw-mirror/pkg/infra"
)

const usage = `usage: cw-callbacks <command> [entity]

commands:
  ensure               converge remote subscriptions on the needed set
  delete               remove every subscription for the configured host
  list                 print remote subscriptions for the configured host
  reconcile            report remote/local registration discrepancies
  register <entity>    register the callback for one entity type
  deregister <entity>  remove the callback for one entity type
`

func main() {
	cfg := config.Load()
	logger := infra.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]

	if err := cfg.Validate(); err != nil {
		logger.Error("FATAL: Missing ConnectWise credentials", "error", err)
		os.Exit(1)
	}
	if cfg.CallbackHost == "" {
		logger.Error("FATAL: CW_CALLBACK_HOST is required for callback management")
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
	manager, err := service.NewCallbackManager(client, store, cfg.CallbackHost, cfg.CallbackURL(), cfg.BatchSize, logger)
	if err != nil {
		logger.Error("FATAL: Invalid entity registry", "error", err)
		os.Exit(1)
	}

	switch command {
	case "ensure":
		err = manager.EnsureRegistered(ctx)
	case "delete":
		err = manager.EnsureDeleted(ctx)
	case "list":
		err = listCallbacks(ctx, client, cfg)
	case "reconcile":
		err = reconcile(ctx, manager)
	case "register":
		err = withEntityArg(func(et models.EntityType) error {
			_, rerr := manager.Register(ctx, et, cfg.CallbackURL())
			return rerr
		})
	case "deregister":
		err = withEntityArg(func(et models.EntityType) error {
			return manager.Deregister(ctx, et, cfg.CallbackURL())
		})
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("Callback command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func withEntityArg(f func(models.EntityType) error) error {
	if len(os.Args) < 3 {
		return fmt.Errorf("entity type argument required")
	}
	entityType, err := models.ParseEntityType(os.Args[2])
	if err != nil {
		return err
	}
	return f(entityType)
}

func listCallbacks(ctx context.Context, client *cwapi.Client, cfg *config.Config) error {
	callbacks, err := client.ListCallbacks(ctx, cfg.CallbackHost, cfg.BatchSize)
	if err != nil {
		return err
	}
	for _, cb := range callbacks {
		fmt.Printf("%d\t%s\t%s\tlevel=%s objectId=%d\n", cb.ID, cb.Type, cb.URL, cb.Level, cb.ObjectID)
	}
	return nil
}

func reconcile(ctx context.Context, manager *service.CallbackManager) error {
	report, err := manager.Reconcile(ctx)
	if err != nil {
		return err
	}

	if report.Clean() {
		fmt.Println("remote and local callback registrations agree")
		return nil
	}
	for _, cb := range report.RemoteOnly {
		fmt.Printf("remote only: %d %s %s\n", cb.ID, cb.Type, cb.URL)
	}
	for _, entry := range report.LocalOnly {
		fmt.Printf("local only: %d %s %s\n", entry.EntryID, entry.CallbackType, entry.URL)
	}
	return nil
}
