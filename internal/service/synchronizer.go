package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-cw-mirror/internal/cwapi"
	"github.com/Guizzs26/go-cw-mirror/internal/db"
	"github.com/Guizzs26/go-cw-mirror/internal/mapper"
	"github.com/Guizzs26/go-cw-mirror/internal/models"
	"github.com/Guizzs26/go-cw-mirror/pkg/metrics"

	"github.com/google/uuid"
)

// APIClient is the slice of the ConnectWise client the synchronizer needs
type APIClient interface {
	FetchPage(ctx context.Context, entityType models.EntityType, page, pageSize int, conditions []string) ([]map[string]any, error)
	GetByID(ctx context.Context, entityType models.EntityType, id int64) (map[string]any, error)
}

// RecordMapper translates one remote record into local upsert shape
type RecordMapper interface {
	Map(ctx context.Context, entityType models.EntityType, record map[string]any) (mapper.Mapped, error)
}

// Hook is a typed post-write callback. Hooks run synchronously after each
// committed write, in registration order; they replace implicit signal
// dispatch with an explicit list the caller controls
type Hook func(ctx context.Context, event models.ChangeEvent)

// Sync modes
const (
	ModeFull    = "full"
	ModePartial = "partial"
)

// SyncResult summarizes one entity-type sync job. Jobs are not persisted;
// this is what gets logged and returned to the caller
type SyncResult struct {
	EntityType models.EntityType
	Mode       string
	Created    int
	Updated    int
	Unchanged  int
	Deleted    int
	Errors     []string
	Duration   time.Duration
}

// Synchronizer walks remote collections page by page and reconciles them
// against the local mirror
type Synchronizer struct {
	client     APIClient
	mapper     RecordMapper
	store      db.Store
	logger     *slog.Logger
	batchSize  int
	order      []models.EntityType
	postUpsert []Hook
	postDelete []Hook
}

// NewSynchronizer wires the sync engine. The full-sync ordering over entity
// dependencies is computed here; a cycle in the registry refuses to start
func NewSynchronizer(client APIClient, m RecordMapper, store db.Store, batchSize int, logger *slog.Logger) (*Synchronizer, error) {
	order, err := models.SyncOrder()
	if err != nil {
		return nil, fmt.Errorf("invalid entity registry: %w", err)
	}

	return &Synchronizer{
		client:    client,
		mapper:    m,
		store:     store,
		logger:    logger,
		batchSize: batchSize,
		order:     order,
	}, nil
}

// OnUpsert registers a hook fired after every committed create or update
func (s *Synchronizer) OnUpsert(h Hook) {
	s.postUpsert = append(s.postUpsert, h)
}

// OnDelete registers a hook fired after every committed local deletion
func (s *Synchronizer) OnDelete(h Hook) {
	s.postDelete = append(s.postDelete, h)
}

// Order exposes the topological full-sync order, dependencies first
func (s *Synchronizer) Order() []models.EntityType {
	return s.order
}

// Sync runs a full sync of one entity type: every page is fetched, mapped
// and upserted, then records unseen in this run are deleted as stale
func (s *Synchronizer) Sync(ctx context.Context, entityType models.EntityType) (SyncResult, error) {
	return s.syncType(ctx, entityType, ModeFull, nil)
}

// SyncPartial syncs only records changed since the last successful run for
// the type. Stale deletion is skipped: an absent record just wasn't updated
func (s *Synchronizer) SyncPartial(ctx context.Context, entityType models.EntityType) (SyncResult, error) {
	return s.syncType(ctx, entityType, ModePartial, nil)
}

// SyncAll runs a full sync over every registered entity type in dependency
// order. A failed type doesn't stop its siblings, except a security error,
// which means no type can succeed. Cancellation is honored between types.
// After all types complete, references deferred during the run are re-linked
func (s *Synchronizer) SyncAll(ctx context.Context) ([]SyncResult, error) {
	var results []SyncResult
	var deferred []models.DeferredLink

	for _, entityType := range s.order {
		select {
		case <-ctx.Done():
			s.logger.Warn("Full sync aborted between entity types", "completed", len(results))
			return results, ctx.Err()
		default:
		}

		result, err := s.syncType(ctx, entityType, ModeFull, &deferred)
		results = append(results, result)

		if err != nil {
			if cwapi.IsSecurity(err) {
				s.logger.Error("Auth failure, aborting full sync", "entity", entityType, "error", err)
				return results, fmt.Errorf("full sync aborted: %w", err)
			}
			s.logger.Error("Entity sync failed, continuing with remaining types",
				"entity", entityType, "error", err)
		}
	}

	if n := s.relink(ctx, deferred); n > 0 {
		s.logger.Info("Relink pass resolved deferred references", "count", n)
	}

	return results, nil
}

// SyncOne fetches a single remote record by ID and upserts it. Used by the
// callback processor; never participates in stale deletion. A 404 from the
// remote propagates as cwapi.NotFoundError so callers can delete locally
func (s *Synchronizer) SyncOne(ctx context.Context, entityType models.EntityType, remoteID int64) (models.LocalRecord, error) {
	record, err := s.client.GetByID(ctx, entityType, remoteID)
	if err != nil {
		return models.LocalRecord{}, err
	}

	mapped, err := s.mapper.Map(ctx, entityType, record)
	if err != nil {
		return models.LocalRecord{}, fmt.Errorf("failed to map %s %d: %w", entityType, remoteID, err)
	}

	outcome, err := s.store.Upsert(ctx, entityType, mapped.RemoteID, mapped.Fields, mapped.Refs)
	if err != nil {
		return models.LocalRecord{}, fmt.Errorf("failed to upsert %s %d: %w", entityType, remoteID, err)
	}
	s.fireUpsertHooks(ctx, entityType, mapped, outcome)

	return s.store.Get(ctx, entityType, mapped.RemoteID)
}

// DeleteOne removes the local mirror of a record deleted upstream and fires
// the delete hooks. Missing records are fine: the end state is the same
func (s *Synchronizer) DeleteOne(ctx context.Context, entityType models.EntityType, remoteID int64) error {
	deleted, err := s.store.Delete(ctx, entityType, remoteID)
	if err != nil {
		return err
	}
	if deleted {
		s.fireDeleteHooks(ctx, entityType, remoteID)
	}
	return nil
}

func (s *Synchronizer) syncType(ctx context.Context, entityType models.EntityType, mode string, deferred *[]models.DeferredLink) (result SyncResult, err error) {
	start := time.Now()
	result = SyncResult{EntityType: entityType, Mode: mode}

	l := s.logger.With("entity", entityType, "mode", mode)

	defer func() {
		result.Duration = time.Since(start)
		metrics.SyncDuration.WithLabelValues(string(entityType), mode).Observe(result.Duration.Seconds())
		l.Info("Sync job finished",
			"created", result.Created,
			"updated", result.Updated,
			"unchanged", result.Unchanged,
			"deleted", result.Deleted,
			"errors", len(result.Errors),
			"duration_ms", result.Duration.Milliseconds(),
		)
	}()

	var conditions []string
	if mode == ModePartial {
		watermark, werr := s.store.Watermark(ctx, entityType)
		if werr != nil {
			return result, fmt.Errorf("watermark lookup failed: %w", werr)
		}
		if !watermark.IsZero() {
			conditions = append(conditions, fmt.Sprintf(
				"lastUpdated>[%s]", watermark.UTC().Format("2006-01-02T15:04:05Z"),
			))
		}
	}

	seen := make(map[int64]struct{})

	for page := cwapi.FirstPage; ; page++ {
		l.Debug("Fetching page", "page", page)

		records, ferr := s.client.FetchPage(ctx, entityType, page, s.batchSize, conditions)
		if ferr != nil {
			// Retries are exhausted at this point: the rest of this type's
			// pages are unreachable, so the job aborts with what it has
			result.Errors = append(result.Errors, ferr.Error())
			return result, fmt.Errorf("page fetch aborted %s sync: %w", entityType, ferr)
		}
		metrics.PagesFetched.WithLabelValues(string(entityType)).Inc()

		s.persistPage(ctx, entityType, records, &result, seen, deferred)

		if len(records) < s.batchSize {
			// Short page: no records after this one
			break
		}
	}

	if mode == ModeFull {
		deleted, derr := s.deleteStale(ctx, entityType, seen)
		if derr != nil {
			result.Errors = append(result.Errors, derr.Error())
			return result, derr
		}
		result.Deleted = deleted
	}

	if werr := s.store.SetWatermark(ctx, entityType, start); werr != nil {
		l.Warn("Failed to advance sync watermark", "error", werr)
	}

	return result, nil
}

// persistPage upserts one page of records. A failure of one record is
// counted and skipped, never fatal to the job
func (s *Synchronizer) persistPage(ctx context.Context, entityType models.EntityType, records []map[string]any, result *SyncResult, seen map[int64]struct{}, deferred *[]models.DeferredLink) {
	for _, record := range records {
		mapped, err := s.mapper.Map(ctx, entityType, record)
		if err != nil {
			s.logger.Warn("Skipping unmappable record", "entity", entityType, "error", err)
			result.Errors = append(result.Errors, err.Error())
			metrics.RecordsSynced.WithLabelValues("error", string(entityType)).Inc()
			continue
		}

		outcome, err := s.store.Upsert(ctx, entityType, mapped.RemoteID, mapped.Fields, mapped.Refs)
		if err != nil {
			s.logger.Warn("Upsert failed", "entity", entityType, "remote_id", mapped.RemoteID, "error", err)
			result.Errors = append(result.Errors, err.Error())
			metrics.RecordsSynced.WithLabelValues("error", string(entityType)).Inc()
			continue
		}

		// The record was observed upstream regardless of the outcome, so it
		// must not be pruned by the stale pass
		seen[mapped.RemoteID] = struct{}{}

		switch outcome {
		case db.OutcomeCreated:
			result.Created++
		case db.OutcomeUpdated:
			result.Updated++
		default:
			result.Unchanged++
		}
		metrics.RecordsSynced.WithLabelValues(outcome.String(), string(entityType)).Inc()

		if outcome != db.OutcomeUnchanged {
			s.fireUpsertHooks(ctx, entityType, mapped, outcome)
		}

		if deferred != nil {
			*deferred = append(*deferred, mapped.Deferred...)
		}
	}
}

// deleteStale prunes records that were present before the run but not seen
// in it. Runs strictly after every page of the type has been upserted
func (s *Synchronizer) deleteStale(ctx context.Context, entityType models.EntityType, seen map[int64]struct{}) (int, error) {
	initial, err := s.store.ListIDs(ctx, entityType)
	if err != nil {
		return 0, fmt.Errorf("failed to list local %s ids: %w", entityType, err)
	}

	var stale []int64
	for id := range initial {
		if _, ok := seen[id]; !ok {
			stale = append(stale, id)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}

	s.logger.Info("Removing stale records", "entity", entityType, "count", len(stale))

	deleted, err := s.store.DeleteStale(ctx, entityType, seen)
	if err != nil {
		return 0, fmt.Errorf("stale deletion failed for %s: %w", entityType, err)
	}
	metrics.StaleDeleted.WithLabelValues(string(entityType)).Add(float64(deleted))

	for _, id := range stale {
		s.fireDeleteHooks(ctx, entityType, id)
	}

	return int(deleted), nil
}

// relink retries references deferred during a run. Targets synced later in
// the same run (or by an earlier one) are linkable now; the rest stay null
// until the next full sync observes them
func (s *Synchronizer) relink(ctx context.Context, deferred []models.DeferredLink) int {
	resolved := 0
	for _, link := range deferred {
		exists, err := s.store.Exists(ctx, link.Target.EntityType, link.Target.RemoteID)
		if err != nil || !exists {
			continue
		}

		rec, err := s.store.Get(ctx, link.EntityType, link.RemoteID)
		if err != nil {
			continue
		}

		target := link.Target
		if rec.Refs == nil {
			rec.Refs = make(map[string]*models.Reference, 1)
		}
		rec.Refs[link.Field] = &target

		outcome, err := s.store.Upsert(ctx, link.EntityType, link.RemoteID, rec.Fields, rec.Refs)
		if err != nil {
			s.logger.Warn("Relink upsert failed",
				"entity", link.EntityType, "remote_id", link.RemoteID, "field", link.Field, "error", err)
			continue
		}
		resolved++

		// A filled reference is a committed write like any other
		if outcome != db.OutcomeUnchanged {
			s.fireUpsertHooks(ctx, link.EntityType, mapper.Mapped{
				RemoteID: link.RemoteID,
				Fields:   rec.Fields,
				Refs:     rec.Refs,
			}, outcome)
		}
	}
	return resolved
}

func (s *Synchronizer) fireUpsertHooks(ctx context.Context, entityType models.EntityType, mapped mapper.Mapped, outcome db.UpsertOutcome) {
	if len(s.postUpsert) == 0 {
		return
	}

	op := models.OpUpdated
	if outcome == db.OutcomeCreated {
		op = models.OpCreated
	}
	event := models.ChangeEvent{
		EventID:    uuid.NewString(),
		EntityType: entityType,
		RemoteID:   mapped.RemoteID,
		Operation:  op,
		OccurredAt: time.Now(),
		Fields:     mapped.Fields,
	}
	for _, h := range s.postUpsert {
		h(ctx, event)
	}
}

func (s *Synchronizer) fireDeleteHooks(ctx context.Context, entityType models.EntityType, remoteID int64) {
	if len(s.postDelete) == 0 {
		return
	}

	event := models.ChangeEvent{
		EventID:    uuid.NewString(),
		EntityType: entityType,
		RemoteID:   remoteID,
		Operation:  models.OpDeleted,
		OccurredAt: time.Now(),
	}
	for _, h := range s.postDelete {
		h(ctx, event)
	}
}
