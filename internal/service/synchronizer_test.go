package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/Guizzs26/go-cw-mirror/internal/cwapi"
	"github.com/Guizzs26/go-cw-mirror/internal/db"
	"github.com/Guizzs26/go-cw-mirror/internal/mapper"
	"github.com/Guizzs26/go-cw-mirror/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves canned records per entity type, honoring the client's
// short-page pagination contract
type fakeAPI struct {
	records    map[models.EntityType][]map[string]any
	errs       map[models.EntityType]error
	fetches    map[models.EntityType]int
	conditions map[models.EntityType][][]string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		records:    make(map[models.EntityType][]map[string]any),
		errs:       make(map[models.EntityType]error),
		fetches:    make(map[models.EntityType]int),
		conditions: make(map[models.EntityType][][]string),
	}
}

func (f *fakeAPI) FetchPage(_ context.Context, entityType models.EntityType, page, pageSize int, conditions []string) ([]map[string]any, error) {
	f.fetches[entityType]++
	f.conditions[entityType] = append(f.conditions[entityType], conditions)
	if err := f.errs[entityType]; err != nil {
		return nil, err
	}

	all := f.records[entityType]
	start := (page - 1) * pageSize
	if start >= len(all) {
		return nil, nil
	}
	end := min(start+pageSize, len(all))
	return all[start:end], nil
}

func (f *fakeAPI) GetByID(_ context.Context, entityType models.EntityType, id int64) (map[string]any, error) {
	if err := f.errs[entityType]; err != nil {
		return nil, err
	}
	for _, rec := range f.records[entityType] {
		if int64(rec["id"].(float64)) == id {
			return rec, nil
		}
	}
	return nil, &cwapi.NotFoundError{URL: "test"}
}

func newTestSync(t *testing.T, api *fakeAPI, store db.Store) *Synchronizer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sync, err := NewSynchronizer(api, mapper.New(store), store, 50, logger)
	require.NoError(t, err)
	return sync
}

func company(id int64, name string) map[string]any {
	return map[string]any{"id": float64(id), "name": name}
}

func TestSyncCreatesAllRecords(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{
		company(1, "Acme"), company(2, "Globex"), company(3, "Initech"),
	}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	result, err := sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Created)
	assert.Zero(t, result.Updated)
	assert.Zero(t, result.Deleted)
	assert.Empty(t, result.Errors)

	ids, err := store.ListIDs(context.Background(), models.Company)
	require.NoError(t, err)
	assert.Len(t, ids, 3)
}

func TestSyncRerunWithoutChangesWritesNothing(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{company(1, "Acme"), company(2, "Globex")}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	_, err := sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)

	result, err := sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)

	assert.Zero(t, result.Created)
	assert.Zero(t, result.Updated)
	assert.Equal(t, 2, result.Unchanged)
	assert.Zero(t, result.Deleted)
}

func TestSyncDetectsChangedRecords(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{company(1, "Acme"), company(2, "Globex")}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	_, err := sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)

	api.records[models.Company] = []map[string]any{company(1, "Acme Corp"), company(2, "Globex")}
	result, err := sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Updated)
	assert.Equal(t, 1, result.Unchanged)
}

func TestFullSyncDeletesStaleRecords(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{company(1, "Acme"), company(2, "Globex")}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	_, err := sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)

	// Company 2 disappears upstream
	api.records[models.Company] = []map[string]any{company(1, "Acme")}
	result, err := sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Deleted)
	exists, _ := store.Exists(context.Background(), models.Company, 2)
	assert.False(t, exists)
}

func TestPartialSyncNeverDeletes(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{company(1, "Acme"), company(2, "Globex")}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	_, err := sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)

	// A partial page naturally omits unchanged records; they must survive
	api.records[models.Company] = []map[string]any{company(1, "Acme Corp")}
	result, err := sync.SyncPartial(context.Background(), models.Company)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Updated)
	assert.Zero(t, result.Deleted)
	exists, _ := store.Exists(context.Background(), models.Company, 2)
	assert.True(t, exists)
}

func TestPartialSyncFiltersByWatermark(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{company(1, "Acme")}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	// First-ever partial run: no watermark yet, so no filter
	_, err := sync.SyncPartial(context.Background(), models.Company)
	require.NoError(t, err)
	require.Len(t, api.conditions[models.Company], 1)
	assert.Empty(t, api.conditions[models.Company][0])

	wm, err := store.Watermark(context.Background(), models.Company)
	require.NoError(t, err)
	require.False(t, wm.IsZero(), "a completed run advances the watermark")

	_, err = sync.SyncPartial(context.Background(), models.Company)
	require.NoError(t, err)

	require.Len(t, api.conditions[models.Company], 2)
	got := api.conditions[models.Company][1]
	require.Len(t, got, 1)
	assert.Equal(t,
		fmt.Sprintf("lastUpdated>[%s]", wm.UTC().Format("2006-01-02T15:04:05Z")),
		got[0])
}

func TestFullSyncNeverFilters(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{company(1, "Acme")}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	_, err := sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)

	_, err = sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)

	for _, conditions := range api.conditions[models.Company] {
		assert.Empty(t, conditions, "full syncs always fetch the whole collection")
	}
}

func TestSyncSkipsUnmappableRecords(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{
		company(1, "Acme"),
		{"name": "no id on this one"},
		company(3, "Initech"),
	}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	result, err := sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Created)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "no id field")
}

func TestSyncAbortsOnFetchFailure(t *testing.T) {
	api := newFakeAPI()
	api.errs[models.Company] = &cwapi.ServerError{StatusCode: 502, Message: "bad gateway"}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	_, err := sync.Sync(context.Background(), models.Company)
	require.Error(t, err)
}

func TestSyncAllRunsDependenciesFirst(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{company(1, "Acme")}
	api.records[models.Ticket] = []map[string]any{{
		"id":      float64(100),
		"summary": "printer on fire",
		"company": map[string]any{"id": float64(1)},
	}}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	results, err := sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, len(models.Registry))

	// The company synced before the ticket, so the reference resolved inline
	ticket, err := store.Get(context.Background(), models.Ticket, 100)
	require.NoError(t, err)
	require.NotNil(t, ticket.Refs["company"])
	assert.Equal(t, int64(1), ticket.Refs["company"].RemoteID)
}

func TestSyncAllContinuesPastFailedType(t *testing.T) {
	api := newFakeAPI()
	api.errs[models.Member] = &cwapi.ServerError{StatusCode: 500, Message: "boom"}
	api.records[models.Company] = []map[string]any{company(1, "Acme")}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	results, err := sync.SyncAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, len(models.Registry))

	exists, _ := store.Exists(context.Background(), models.Company, 1)
	assert.True(t, exists, "types after the failed one still sync")
}

func TestSyncAllAbortsOnSecurityError(t *testing.T) {
	api := newFakeAPI()
	// The first type in dependency order fails authorization
	first := mustOrder(t)[0]
	api.errs[first] = &cwapi.SecurityError{Message: "no permissions"}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	results, err := sync.SyncAll(context.Background())
	require.Error(t, err)
	assert.Len(t, results, 1, "no further types are attempted")

	for et, n := range api.fetches {
		if et != first {
			assert.Zero(t, n, "%s must not be fetched after an auth failure", et)
		}
	}
}

func TestSyncAllHonorsCancellation(t *testing.T) {
	api := newFakeAPI()
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := sync.SyncAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, results)
}

func TestSyncAllRelinksDeferredReferences(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{company(1, "Acme")}
	api.records[models.Ticket] = []map[string]any{{
		"id":      float64(100),
		"company": map[string]any{"id": float64(1)},
	}}
	store := db.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// A resolver that never finds the target forces every reference through
	// the deferred path; the relink pass must then fill it from the store
	sync, err := NewSynchronizer(api, mapper.New(neverResolver{}), store, 50, logger)
	require.NoError(t, err)

	var ticketEvents []models.ChangeEvent
	sync.OnUpsert(func(_ context.Context, e models.ChangeEvent) {
		if e.EntityType == models.Ticket {
			ticketEvents = append(ticketEvents, e)
		}
	})

	_, err = sync.SyncAll(context.Background())
	require.NoError(t, err)

	ticket, err := store.Get(context.Background(), models.Ticket, 100)
	require.NoError(t, err)
	require.NotNil(t, ticket.Refs["company"])
	assert.Equal(t, models.Company, ticket.Refs["company"].EntityType)
	assert.Equal(t, int64(1), ticket.Refs["company"].RemoteID)

	// The relink write is a committed change, so it announces itself too
	require.Len(t, ticketEvents, 2)
	assert.Equal(t, models.OpCreated, ticketEvents[0].Operation)
	assert.Equal(t, models.OpUpdated, ticketEvents[1].Operation)
}

func TestSyncOneUpsertsSingleRecord(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{company(1, "Acme")}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	rec, err := sync.SyncOne(context.Background(), models.Company, 1)
	require.NoError(t, err)
	assert.Equal(t, "Acme", rec.Fields["name"])

	exists, _ := store.Exists(context.Background(), models.Company, 1)
	assert.True(t, exists)
}

func TestSyncOnePropagatesNotFound(t *testing.T) {
	api := newFakeAPI()
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	_, err := sync.SyncOne(context.Background(), models.Company, 999)
	require.Error(t, err)
	assert.True(t, cwapi.IsNotFound(err))
}

func TestDeleteOneFiresHooksOnlyWhenSomethingWasDeleted(t *testing.T) {
	store := db.NewMemoryStore()
	sync := newTestSync(t, newFakeAPI(), store)

	var events []models.ChangeEvent
	sync.OnDelete(func(_ context.Context, e models.ChangeEvent) {
		events = append(events, e)
	})

	require.NoError(t, sync.DeleteOne(context.Background(), models.Company, 1))
	assert.Empty(t, events, "deleting a missing record is a no-op")

	_, err := store.Upsert(context.Background(), models.Company, 1, map[string]any{"name": "Acme"}, nil)
	require.NoError(t, err)

	require.NoError(t, sync.DeleteOne(context.Background(), models.Company, 1))
	require.Len(t, events, 1)
	assert.Equal(t, models.OpDeleted, events[0].Operation)
	assert.Equal(t, int64(1), events[0].RemoteID)
	assert.NotEmpty(t, events[0].EventID)
}

func TestHooksFireOnlyForRealChanges(t *testing.T) {
	api := newFakeAPI()
	api.records[models.Company] = []map[string]any{company(1, "Acme")}
	store := db.NewMemoryStore()
	sync := newTestSync(t, api, store)

	var events []models.ChangeEvent
	sync.OnUpsert(func(_ context.Context, e models.ChangeEvent) {
		events = append(events, e)
	})

	_, err := sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.OpCreated, events[0].Operation)

	// Unchanged re-run: no new events
	_, err = sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	api.records[models.Company] = []map[string]any{company(1, "Acme Corp")}
	_, err = sync.Sync(context.Background(), models.Company)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, models.OpUpdated, events[1].Operation)
}

// neverResolver reports every reference target as not yet mirrored
type neverResolver struct{}

func (neverResolver) Exists(context.Context, models.EntityType, int64) (bool, error) {
	return false, nil
}

func mustOrder(t *testing.T) []models.EntityType {
	t.Helper()
	order, err := models.SyncOrder()
	require.NoError(t, err)
	return order
}
