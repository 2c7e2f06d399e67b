package db

import (
	"context"
	"sync"
	"time"

	"github.com/Guizzs26/go-cw-mirror/internal/models"
)

type memKey struct {
	entityType models.EntityType
	remoteID   int64
}

type memRecord struct {
	record models.LocalRecord
	hash   string
}

type cbKey struct {
	callbackType string
	url          string
}

// MemoryStore is a Store kept entirely in process memory. It exists for
// tests and as the reference for upsert semantics: one mutex serializes all
// writes, which gives the same per-record atomicity the Postgres upsert has
type MemoryStore struct {
	mu         sync.RWMutex
	records    map[memKey]memRecord
	watermarks map[models.EntityType]time.Time
	callbacks  map[cbKey]models.CallbackEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:    make(map[memKey]memRecord),
		watermarks: make(map[models.EntityType]time.Time),
		callbacks:  make(map[cbKey]models.CallbackEntry),
	}
}

func (s *MemoryStore) Upsert(_ context.Context, entityType models.EntityType, remoteID int64, fields map[string]any, refs map[string]*models.Reference) (UpsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey{entityType, remoteID}
	hash := snapshotHash(fields, refs)

	existing, ok := s.records[key]
	if ok && existing.hash == hash {
		return OutcomeUnchanged, nil
	}

	s.records[key] = memRecord{
		record: models.LocalRecord{
			EntityType: entityType,
			RemoteID:   remoteID,
			Fields:     fields,
			Refs:       refs,
			SyncedAt:   time.Now(),
		},
		hash: hash,
	}

	if ok {
		return OutcomeUpdated, nil
	}
	return OutcomeCreated, nil
}

func (s *MemoryStore) Get(_ context.Context, entityType models.EntityType, remoteID int64) (models.LocalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[memKey{entityType, remoteID}]
	if !ok {
		return models.LocalRecord{}, ErrNoRecord
	}
	return rec.record, nil
}

func (s *MemoryStore) Exists(_ context.Context, entityType models.EntityType, remoteID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.records[memKey{entityType, remoteID}]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, entityType models.EntityType, remoteID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := memKey{entityType, remoteID}
	if _, ok := s.records[key]; !ok {
		return false, nil
	}
	delete(s.records, key)
	return true, nil
}

func (s *MemoryStore) ListIDs(_ context.Context, entityType models.EntityType) (map[int64]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make(map[int64]struct{})
	for key := range s.records {
		if key.entityType == entityType {
			ids[key.remoteID] = struct{}{}
		}
	}
	return ids, nil
}

func (s *MemoryStore) DeleteStale(_ context.Context, entityType models.EntityType, seen map[int64]struct{}) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for key := range s.records {
		if key.entityType != entityType {
			continue
		}
		if _, ok := seen[key.remoteID]; !ok {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Watermark(_ context.Context, entityType models.EntityType) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[entityType], nil
}

func (s *MemoryStore) SetWatermark(_ context.Context, entityType models.EntityType, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[entityType] = t
	return nil
}

func (s *MemoryStore) SaveCallback(_ context.Context, entry models.CallbackEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks[cbKey{entry.CallbackType, entry.URL}] = entry
	return nil
}

func (s *MemoryStore) DeleteCallback(_ context.Context, callbackType, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.callbacks, cbKey{callbackType, url})
	return nil
}

func (s *MemoryStore) ListCallbacks(_ context.Context) ([]models.CallbackEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]models.CallbackEntry, 0, len(s.callbacks))
	for _, e := range s.callbacks {
		entries = append(entries, e)
	}
	return entries, nil
}
