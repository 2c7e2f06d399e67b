package service

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/Guizzs26/go-cw-mirror/internal/cwapi"
	"github.com/Guizzs26/go-cw-mirror/internal/db"
	"github.com/Guizzs26/go-cw-mirror/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testHost = "mirror.example.com"
	testURL  = "https://mirror.example.com/callback"
)

// fakeCallbackAPI is an in-memory stand-in for the remote subscription list
type fakeCallbackAPI struct {
	subscriptions []cwapi.CallbackRecord
	nextID        int64
	creates       int
	deletes       int
}

func (f *fakeCallbackAPI) ListCallbacks(_ context.Context, _ string, _ int) ([]cwapi.CallbackRecord, error) {
	out := make([]cwapi.CallbackRecord, len(f.subscriptions))
	copy(out, f.subscriptions)
	return out, nil
}

func (f *fakeCallbackAPI) CreateCallback(_ context.Context, cb cwapi.CallbackRecord) (cwapi.CallbackRecord, error) {
	f.creates++
	f.nextID++
	cb.ID = f.nextID
	f.subscriptions = append(f.subscriptions, cb)
	return cb, nil
}

func (f *fakeCallbackAPI) DeleteCallback(_ context.Context, entryID int64) error {
	f.deletes++
	for i, cb := range f.subscriptions {
		if cb.ID == entryID {
			f.subscriptions = append(f.subscriptions[:i], f.subscriptions[i+1:]...)
			return nil
		}
	}
	return &cwapi.NotFoundError{URL: "system/callbacks"}
}

func newTestManager(t *testing.T, api *fakeCallbackAPI, store db.Store) *CallbackManager {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := NewCallbackManager(api, store, testHost, testURL, 50, logger)
	require.NoError(t, err)
	return m
}

func TestNewCallbackManagerRejectsBrokenRegistry(t *testing.T) {
	models.Registry["loop_a"] = models.EntityMeta{DependsOn: []models.EntityType{"loop_b"}}
	models.Registry["loop_b"] = models.EntityMeta{DependsOn: []models.EntityType{"loop_a"}}
	defer func() {
		delete(models.Registry, "loop_a")
		delete(models.Registry, "loop_b")
	}()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := NewCallbackManager(&fakeCallbackAPI{}, db.NewMemoryStore(), testHost, testURL, 50, logger)
	require.Error(t, err)
}

func TestRegisterCreatesSubscription(t *testing.T) {
	api := &fakeCallbackAPI{}
	store := db.NewMemoryStore()
	m := newTestManager(t, api, store)

	entry, err := m.Register(context.Background(), models.Ticket, testURL)
	require.NoError(t, err)

	assert.Equal(t, 1, api.creates)
	assert.Equal(t, "ticket", entry.CallbackType)
	assert.Equal(t, testURL, entry.URL)
	assert.Equal(t, int64(1), entry.ObjectID)
	assert.Equal(t, "owner", entry.Level)

	local, err := store.ListCallbacks(context.Background())
	require.NoError(t, err)
	assert.Len(t, local, 1)
}

func TestRegisterIsIdempotent(t *testing.T) {
	api := &fakeCallbackAPI{}
	store := db.NewMemoryStore()
	m := newTestManager(t, api, store)

	first, err := m.Register(context.Background(), models.Ticket, testURL)
	require.NoError(t, err)

	second, err := m.Register(context.Background(), models.Ticket, testURL)
	require.NoError(t, err)

	assert.Equal(t, 1, api.creates, "an existing matching subscription is adopted")
	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Len(t, api.subscriptions, 1)
}

func TestRegisterRejectsTypesWithoutCallbacks(t *testing.T) {
	m := newTestManager(t, &fakeCallbackAPI{}, db.NewMemoryStore())

	_, err := m.Register(context.Background(), models.CompanyStatus, testURL)
	assert.Error(t, err)
}

func TestDeregisterRemovesRemoteAndLocal(t *testing.T) {
	api := &fakeCallbackAPI{}
	store := db.NewMemoryStore()
	m := newTestManager(t, api, store)

	_, err := m.Register(context.Background(), models.Ticket, testURL)
	require.NoError(t, err)

	require.NoError(t, m.Deregister(context.Background(), models.Ticket, testURL))

	assert.Empty(t, api.subscriptions)
	local, _ := store.ListCallbacks(context.Background())
	assert.Empty(t, local)
}

func TestDeregisterToleratesMissingRemote(t *testing.T) {
	api := &fakeCallbackAPI{}
	store := db.NewMemoryStore()
	m := newTestManager(t, api, store)

	// Local record exists but the remote subscription is already gone
	require.NoError(t, store.SaveCallback(context.Background(), models.CallbackEntry{
		EntryID: 99, CallbackType: "ticket", URL: testURL,
	}))

	require.NoError(t, m.Deregister(context.Background(), models.Ticket, testURL))

	local, _ := store.ListCallbacks(context.Background())
	assert.Empty(t, local)
}

func TestEnsureRegisteredConverges(t *testing.T) {
	api := &fakeCallbackAPI{
		subscriptions: []cwapi.CallbackRecord{
			// Stale subscription from an old deployment under our host
			{ID: 7, Type: "ticket", Description: "legacy hook", URL: testURL, ObjectID: 1, Level: "owner"},
		},
		nextID: 7,
	}
	store := db.NewMemoryStore()
	m := newTestManager(t, api, store)

	require.NoError(t, m.EnsureRegistered(context.Background()))

	wantTypes := 0
	for _, meta := range models.Registry {
		if meta.CallbackType != "" {
			wantTypes++
		}
	}
	assert.Len(t, api.subscriptions, wantTypes)
	assert.Equal(t, 1, api.deletes, "the legacy subscription is removed")

	local, err := store.ListCallbacks(context.Background())
	require.NoError(t, err)
	assert.Len(t, local, wantTypes)

	// A second pass changes nothing
	creates := api.creates
	require.NoError(t, m.EnsureRegistered(context.Background()))
	assert.Equal(t, creates, api.creates)
	assert.Equal(t, 1, api.deletes)
}

func TestEnsureDeletedRemovesEverything(t *testing.T) {
	api := &fakeCallbackAPI{}
	store := db.NewMemoryStore()
	m := newTestManager(t, api, store)

	require.NoError(t, m.EnsureRegistered(context.Background()))
	require.NoError(t, m.EnsureDeleted(context.Background()))

	assert.Empty(t, api.subscriptions)
	local, _ := store.ListCallbacks(context.Background())
	assert.Empty(t, local)
}

func TestReconcileReportsDrift(t *testing.T) {
	api := &fakeCallbackAPI{
		subscriptions: []cwapi.CallbackRecord{
			{ID: 1, Type: "ticket", URL: testURL},
		},
	}
	store := db.NewMemoryStore()
	m := newTestManager(t, api, store)

	require.NoError(t, store.SaveCallback(context.Background(), models.CallbackEntry{
		EntryID: 2, CallbackType: "company", URL: testURL,
	}))

	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Clean())
	require.Len(t, report.RemoteOnly, 1)
	assert.Equal(t, "ticket", report.RemoteOnly[0].Type)
	require.Len(t, report.LocalOnly, 1)
	assert.Equal(t, "company", report.LocalOnly[0].CallbackType)
}

func TestReconcileCleanWhenInSync(t *testing.T) {
	api := &fakeCallbackAPI{}
	store := db.NewMemoryStore()
	m := newTestManager(t, api, store)

	require.NoError(t, m.EnsureRegistered(context.Background()))

	report, err := m.Reconcile(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean())
}

func TestDiffCallbacks(t *testing.T) {
	needed := []cwapi.CallbackRecord{
		{Type: "ticket", Description: "d", URL: testURL, ObjectID: 1, Level: "owner"},
		{Type: "company", Description: "d", URL: testURL, ObjectID: 1, Level: "owner"},
	}
	current := []cwapi.CallbackRecord{
		{ID: 1, Type: "ticket", Description: "d", URL: testURL, ObjectID: 1, Level: "owner"},
		{ID: 2, Type: "contact", Description: "d", URL: testURL, ObjectID: 1, Level: "owner"},
	}

	toAdd, toRemove, matched := diffCallbacks(needed, current)

	require.Len(t, toAdd, 1)
	assert.Equal(t, "company", toAdd[0].Type)
	require.Len(t, toRemove, 1)
	assert.Equal(t, "contact", toRemove[0].Type)
	require.Len(t, matched, 1)
	assert.Equal(t, int64(1), matched[0].ID)
}
