package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Guizzs26/go-cw-mirror/internal/broker"
	"github.com/Guizzs26/go-cw-mirror/internal/config"
	"github.com/Guizzs26/go-cw-mirror/internal/cwapi"
	"github.com/Guizzs26/go-cw-mirror/internal/db"
	"github.com/Guizzs26/go-cw-mirror/internal/mapper"
	"github.com/Guizzs26/go-cw-mirror/internal/models"
	"github.com/Guizzs26/go-cw-mirror/internal/processor"
	"github.com/Guizzs26/go-cw-mirror/internal/service"
	"github.com/Guizzs26/go-cw-mirror/pkg/infra"
	"github.com/Guizzs26/go-cw-mirror/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 10 * time.Second

func main() {
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

	handler := processor.NewCallbackHandler(sync, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST "+cfg.CallbackPath, callbackEndpoint(handler, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("🚀 Callback server listening", "addr", cfg.ListenAddr, "path", cfg.CallbackPath)
		metrics.HealthStatus.Set(1)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("FATAL: Callback server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining connections")
	metrics.HealthStatus.Set(0)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", "error", err)
	}

	logger.Info("✅ Callback server stopped")
}

func callbackEndpoint(handler *processor.CallbackHandler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var event models.InboundEvent
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			logger.Warn("Rejecting unparseable callback payload", "error", err)
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}

		result := handler.Handle(r.Context(), event)

		switch result.Outcome {
		case processor.OutcomeSynced, processor.OutcomeDeleted:
			w.WriteHeader(http.StatusOK)
		case processor.OutcomeBadRequest:
			http.Error(w, "invalid event", http.StatusBadRequest)
		default:
			http.Error(w, "processing failed", http.StatusInternalServerError)
		}
	}
}
