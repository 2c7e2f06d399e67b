package processor

import (
	"context"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-cw-mirror/internal/cwapi"
	"github.com/Guizzs26/go-cw-mirror/internal/models"
	"github.com/Guizzs26/go-cw-mirror/pkg/metrics"
)

// Outcome classifies how one inbound event ended up
type Outcome string

const (
	OutcomeSynced     Outcome = "synced"
	OutcomeDeleted    Outcome = "deleted"
	OutcomeBadRequest Outcome = "bad_request"
	OutcomeError      Outcome = "error"
)

// ProcessResult is what the web layer turns into an HTTP response
type ProcessResult struct {
	Outcome    Outcome
	EntityType models.EntityType
	RemoteID   int64
	Err        error
}

// Syncer is the slice of the synchronizer the processor needs
type Syncer interface {
	SyncOne(ctx context.Context, entityType models.EntityType, remoteID int64) (models.LocalRecord, error)
	DeleteOne(ctx context.Context, entityType models.EntityType, remoteID int64) error
}

// CallbackHandler turns inbound ConnectWise change notifications into
// targeted single-record refreshes. Stateless, so concurrent events are
// fine; replaying the same event lands on the same end state because the
// underlying upsert and delete are idempotent
type CallbackHandler struct {
	syncer Syncer
	logger *slog.Logger
}

func NewCallbackHandler(syncer Syncer, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{syncer: syncer, logger: logger}
}

// Handle validates an inbound event and refreshes (or removes) the one
// record it names
func (h *CallbackHandler) Handle(ctx context.Context, event models.InboundEvent) (result ProcessResult) {
	start := time.Now()

	defer func() {
		entity := string(result.EntityType)
		if entity == "" {
			entity = "unknown"
		}
		metrics.CallbackEvents.WithLabelValues(string(result.Outcome), entity).Inc()
		metrics.CallbackDuration.WithLabelValues(string(result.Outcome), entity).Observe(time.Since(start).Seconds())
	}()

	entityType, ok := models.ByCallbackType(event.EntityType)
	if !ok {
		// Callers may also send the local entity-type name directly
		parsed, err := models.ParseEntityType(event.EntityType)
		if err != nil {
			h.logger.Warn("Rejecting callback with unknown entity type", "type", event.EntityType)
			return ProcessResult{Outcome: OutcomeBadRequest, Err: err}
		}
		entityType = parsed
	}

	if event.RemoteID <= 0 {
		h.logger.Warn("Rejecting callback without a usable record ID", "type", event.EntityType)
		return ProcessResult{Outcome: OutcomeBadRequest, EntityType: entityType}
	}

	l := h.logger.With("entity", entityType, "remote_id", event.RemoteID, "action", event.Action)

	if event.Action == models.ActionDeleted {
		if err := h.syncer.DeleteOne(ctx, entityType, event.RemoteID); err != nil {
			l.Error("Failed to delete record for callback", "error", err)
			return ProcessResult{Outcome: OutcomeError, EntityType: entityType, RemoteID: event.RemoteID, Err: err}
		}
		l.Info("Deleted record on callback")
		return ProcessResult{Outcome: OutcomeDeleted, EntityType: entityType, RemoteID: event.RemoteID}
	}

	if _, err := h.syncer.SyncOne(ctx, entityType, event.RemoteID); err != nil {
		if cwapi.IsNotFound(err) {
			// Gone upstream between the notification and our fetch:
			// converge on deletion instead of failing
			if derr := h.syncer.DeleteOne(ctx, entityType, event.RemoteID); derr != nil {
				l.Error("Failed to delete vanished record", "error", derr)
				return ProcessResult{Outcome: OutcomeError, EntityType: entityType, RemoteID: event.RemoteID, Err: derr}
			}
			l.Info("Record vanished upstream, deleted locally")
			return ProcessResult{Outcome: OutcomeDeleted, EntityType: entityType, RemoteID: event.RemoteID}
		}

		l.Error("Single-record sync failed", "error", err)
		return ProcessResult{Outcome: OutcomeError, EntityType: entityType, RemoteID: event.RemoteID, Err: err}
	}

	l.Info("Refreshed record on callback")
	return ProcessResult{Outcome: OutcomeSynced, EntityType: entityType, RemoteID: event.RemoteID}
}
