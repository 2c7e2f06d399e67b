package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/Guizzs26/go-cw-mirror/internal/models"
)

// ErrNoRecord is returned by Get when the composite key has no row
var ErrNoRecord = errors.New("record not found in local store")

// UpsertOutcome reports what an upsert actually did. Unchanged means the
// incoming snapshot matched the stored one, so nothing was written
type UpsertOutcome int

const (
	OutcomeCreated UpsertOutcome = iota
	OutcomeUpdated
	OutcomeUnchanged
)

func (o UpsertOutcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeUpdated:
		return "updated"
	default:
		return "unchanged"
	}
}

// Store is the record-store contract the sync engine runs against:
// atomic upsert by (entity type, remote id), stale deletion, and the small
// amount of bookkeeping state (watermarks, callback registrations)
type Store interface {
	Upsert(ctx context.Context, entityType models.EntityType, remoteID int64, fields map[string]any, refs map[string]*models.Reference) (UpsertOutcome, error)
	Get(ctx context.Context, entityType models.EntityType, remoteID int64) (models.LocalRecord, error)
	Exists(ctx context.Context, entityType models.EntityType, remoteID int64) (bool, error)
	Delete(ctx context.Context, entityType models.EntityType, remoteID int64) (bool, error)
	ListIDs(ctx context.Context, entityType models.EntityType) (map[int64]struct{}, error)

	// DeleteStale removes every record of the type whose remote ID is not
	// in seen, returning how many went away
	DeleteStale(ctx context.Context, entityType models.EntityType, seen map[int64]struct{}) (int64, error)

	// Watermark returns the start time of the last successful sync for the
	// type, zero time if it never ran
	Watermark(ctx context.Context, entityType models.EntityType) (time.Time, error)
	SetWatermark(ctx context.Context, entityType models.EntityType, t time.Time) error

	SaveCallback(ctx context.Context, entry models.CallbackEntry) error
	DeleteCallback(ctx context.Context, callbackType, url string) error
	ListCallbacks(ctx context.Context) ([]models.CallbackEntry, error)
}

// snapshotHash fingerprints a record's content so unchanged upserts can be
// detected without field-by-field comparison. encoding/json writes map keys
// in sorted order, which makes the digest canonical
func snapshotHash(fields map[string]any, refs map[string]*models.Reference) string {
	payload := struct {
		Fields map[string]any               `json:"f"`
		Refs   map[string]*models.Reference `json:"r"`
	}{fields, refs}

	encoded, err := json.Marshal(payload)
	if err != nil {
		// Fields came out of json.Unmarshal, so this cannot happen for
		// real records; an empty hash just forces an update
		return ""
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}
