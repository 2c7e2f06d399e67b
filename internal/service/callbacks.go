package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Guizzs26/go-cw-mirror/internal/cwapi"
	"github.com/Guizzs26/go-cw-mirror/internal/db"
	"github.com/Guizzs26/go-cw-mirror/internal/models"
	"github.com/Guizzs26/go-cw-mirror/pkg/metrics"
)

// Webhook subscriptions are registered at owner level for every object
// (objectId 1), same for all entity types
const (
	callbackLevel    = "owner"
	callbackObjectID = 1
)

// CallbackAPI is the slice of the ConnectWise client the manager needs
type CallbackAPI interface {
	ListCallbacks(ctx context.Context, host string, pageSize int) ([]cwapi.CallbackRecord, error)
	CreateCallback(ctx context.Context, cb cwapi.CallbackRecord) (cwapi.CallbackRecord, error)
	DeleteCallback(ctx context.Context, entryID int64) error
}

// ReconcileReport lists the disagreements between the remote subscription
// list and the local registration records. Reporting only: fixing is the
// operator's call
type ReconcileReport struct {
	RemoteOnly []cwapi.CallbackRecord
	LocalOnly  []models.CallbackEntry
}

func (r ReconcileReport) Clean() bool {
	return len(r.RemoteOnly) == 0 && len(r.LocalOnly) == 0
}

// CallbackManager keeps webhook subscriptions with the remote system in
// step with the local registration records
type CallbackManager struct {
	client    CallbackAPI
	store     db.Store
	host      string
	url       string
	batchSize int
	order     []models.EntityType
	logger    *slog.Logger
}

// NewCallbackManager wires the manager. The registry is validated up front:
// a broken entity registry must refuse to start rather than converge the
// remote subscription set on an empty needed list
func NewCallbackManager(client CallbackAPI, store db.Store, host, url string, batchSize int, logger *slog.Logger) (*CallbackManager, error) {
	order, err := models.SyncOrder()
	if err != nil {
		return nil, fmt.Errorf("invalid entity registry: %w", err)
	}

	return &CallbackManager{
		client:    client,
		store:     store,
		host:      host,
		url:       url,
		batchSize: batchSize,
		order:     order,
		logger:    logger,
	}, nil
}

func (m *CallbackManager) describe(cbType string) string {
	return fmt.Sprintf("cw-mirror %s callback", cbType)
}

// needed returns the exact subscription set this deployment requires: one
// per registered entity type that offers callbacks, all on the same URL
func (m *CallbackManager) needed() []cwapi.CallbackRecord {
	var result []cwapi.CallbackRecord
	for _, entityType := range m.order {
		meta := models.Registry[entityType]
		if meta.CallbackType == "" {
			continue
		}
		result = append(result, cwapi.CallbackRecord{
			Type:        meta.CallbackType,
			Description: m.describe(meta.CallbackType),
			URL:         m.url,
			ObjectID:    callbackObjectID,
			Level:       callbackLevel,
		})
	}
	return result
}

func callbackMatches(current cwapi.CallbackRecord, wanted cwapi.CallbackRecord) bool {
	return current.Type == wanted.Type &&
		current.Description == wanted.Description &&
		current.URL == wanted.URL &&
		current.ObjectID == wanted.ObjectID &&
		current.Level == wanted.Level
}

// Register ensures a subscription exists remotely for the entity type and
// records it locally. Idempotent: an existing matching subscription is
// adopted, never duplicated
func (m *CallbackManager) Register(ctx context.Context, entityType models.EntityType, url string) (models.CallbackEntry, error) {
	meta, ok := models.Registry[entityType]
	if !ok || meta.CallbackType == "" {
		return models.CallbackEntry{}, fmt.Errorf("entity type %q has no callback support", entityType)
	}

	wanted := cwapi.CallbackRecord{
		Type:        meta.CallbackType,
		Description: m.describe(meta.CallbackType),
		URL:         url,
		ObjectID:    callbackObjectID,
		Level:       callbackLevel,
	}

	current, err := m.client.ListCallbacks(ctx, m.host, m.batchSize)
	if err != nil {
		return models.CallbackEntry{}, fmt.Errorf("failed to list remote callbacks: %w", err)
	}

	var remote cwapi.CallbackRecord
	found := false
	for _, cb := range current {
		if callbackMatches(cb, wanted) {
			remote = cb
			found = true
			break
		}
	}

	if !found {
		m.logger.Info("Registering callback", "type", wanted.Type, "url", url)
		remote, err = m.client.CreateCallback(ctx, wanted)
		if err != nil {
			return models.CallbackEntry{}, fmt.Errorf("failed to register %s callback: %w", wanted.Type, err)
		}
		metrics.CallbackRegistrations.WithLabelValues("register", wanted.Type).Inc()
	} else {
		m.logger.Debug("Callback already registered", "type", wanted.Type, "entry_id", remote.ID)
	}

	entry := models.CallbackEntry{
		EntryID:      remote.ID,
		CallbackType: remote.Type,
		URL:          remote.URL,
		ObjectID:     remote.ObjectID,
		Level:        remote.Level,
		Description:  remote.Description,
		MemberID:     remote.MemberID,
	}
	if err := m.store.SaveCallback(ctx, entry); err != nil {
		return models.CallbackEntry{}, err
	}
	return entry, nil
}

// Deregister removes the remote subscription if it is still there, then the
// local record unconditionally. A subscription already gone remotely is
// not an error: the end state is what was asked for
func (m *CallbackManager) Deregister(ctx context.Context, entityType models.EntityType, url string) error {
	meta, ok := models.Registry[entityType]
	if !ok || meta.CallbackType == "" {
		return fmt.Errorf("entity type %q has no callback support", entityType)
	}

	current, err := m.client.ListCallbacks(ctx, m.host, m.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list remote callbacks: %w", err)
	}

	for _, cb := range current {
		if cb.Type == meta.CallbackType && cb.URL == url {
			m.logger.Info("Deleting callback", "type", cb.Type, "entry_id", cb.ID)
			if err := m.client.DeleteCallback(ctx, cb.ID); err != nil && !cwapi.IsNotFound(err) {
				return fmt.Errorf("failed to delete remote callback %d: %w", cb.ID, err)
			}
			metrics.CallbackRegistrations.WithLabelValues("deregister", cb.Type).Inc()
		}
	}

	return m.store.DeleteCallback(ctx, meta.CallbackType, url)
}

// EnsureRegistered converges the remote subscription set on exactly the
// needed one with the minimum number of changes: matching subscriptions are
// kept, missing ones created, extraneous ones under our host removed
func (m *CallbackManager) EnsureRegistered(ctx context.Context) error {
	needed := m.needed()
	current, err := m.client.ListCallbacks(ctx, m.host, m.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list remote callbacks: %w", err)
	}

	toAdd, toRemove, matched := diffCallbacks(needed, current)

	// Removals go first: a stale subscription may share its type and URL
	// with a replacement about to be created
	for _, cb := range toRemove {
		m.logger.Info("Deleting unneeded callback", "type", cb.Type, "entry_id", cb.ID)
		if err := m.client.DeleteCallback(ctx, cb.ID); err != nil && !cwapi.IsNotFound(err) {
			return fmt.Errorf("failed to delete remote callback %d: %w", cb.ID, err)
		}
		metrics.CallbackRegistrations.WithLabelValues("deregister", cb.Type).Inc()
		if err := m.store.DeleteCallback(ctx, cb.Type, cb.URL); err != nil {
			return err
		}
	}

	for _, cb := range matched {
		if err := m.saveEntry(ctx, cb); err != nil {
			return err
		}
	}

	for _, cb := range toAdd {
		m.logger.Info("Registering callback", "type", cb.Type)
		created, err := m.client.CreateCallback(ctx, cb)
		if err != nil {
			return fmt.Errorf("failed to register %s callback: %w", cb.Type, err)
		}
		metrics.CallbackRegistrations.WithLabelValues("register", cb.Type).Inc()
		if err := m.saveEntry(ctx, created); err != nil {
			return err
		}
	}

	return nil
}

// EnsureDeleted removes every subscription pointing at our host, remote
// and local both
func (m *CallbackManager) EnsureDeleted(ctx context.Context) error {
	current, err := m.client.ListCallbacks(ctx, m.host, m.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list remote callbacks: %w", err)
	}

	for _, cb := range current {
		m.logger.Info("Deleting callback", "type", cb.Type, "entry_id", cb.ID)
		if err := m.client.DeleteCallback(ctx, cb.ID); err != nil && !cwapi.IsNotFound(err) {
			return fmt.Errorf("failed to delete remote callback %d: %w", cb.ID, err)
		}
		metrics.CallbackRegistrations.WithLabelValues("deregister", cb.Type).Inc()
	}

	local, err := m.store.ListCallbacks(ctx)
	if err != nil {
		return err
	}
	for _, entry := range local {
		if err := m.store.DeleteCallback(ctx, entry.CallbackType, entry.URL); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile compares remote subscriptions for our host against local
// registration records and surfaces the discrepancies without fixing them
func (m *CallbackManager) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport

	current, err := m.client.ListCallbacks(ctx, m.host, m.batchSize)
	if err != nil {
		return report, fmt.Errorf("failed to list remote callbacks: %w", err)
	}
	local, err := m.store.ListCallbacks(ctx)
	if err != nil {
		return report, err
	}

	type key struct {
		cbType string
		url    string
	}
	localByKey := make(map[key]models.CallbackEntry, len(local))
	for _, entry := range local {
		localByKey[key{entry.CallbackType, entry.URL}] = entry
	}

	remoteKeys := make(map[key]struct{}, len(current))
	for _, cb := range current {
		k := key{cb.Type, cb.URL}
		remoteKeys[k] = struct{}{}
		if _, ok := localByKey[k]; !ok {
			report.RemoteOnly = append(report.RemoteOnly, cb)
		}
	}
	for k, entry := range localByKey {
		if _, ok := remoteKeys[k]; !ok {
			report.LocalOnly = append(report.LocalOnly, entry)
		}
	}

	return report, nil
}

func (m *CallbackManager) saveEntry(ctx context.Context, cb cwapi.CallbackRecord) error {
	return m.store.SaveCallback(ctx, models.CallbackEntry{
		EntryID:      cb.ID,
		CallbackType: cb.Type,
		URL:          cb.URL,
		ObjectID:     cb.ObjectID,
		Level:        cb.Level,
		Description:  cb.Description,
		MemberID:     cb.MemberID,
	})
}

// diffCallbacks pairs off current subscriptions against needed ones.
// Whatever pairs up is kept; leftover needed entries must be created and
// leftover current entries must be removed
func diffCallbacks(needed, current []cwapi.CallbackRecord) (toAdd, toRemove, matched []cwapi.CallbackRecord) {
	usedCurrent := make([]bool, len(current))

	for _, want := range needed {
		found := false
		for i, cur := range current {
			if usedCurrent[i] {
				continue
			}
			if callbackMatches(cur, want) {
				usedCurrent[i] = true
				matched = append(matched, cur)
				found = true
				break
			}
		}
		if !found {
			toAdd = append(toAdd, want)
		}
	}

	for i, cur := range current {
		if !usedCurrent[i] {
			toRemove = append(toRemove, cur)
		}
	}
	return toAdd, toRemove, matched
}
