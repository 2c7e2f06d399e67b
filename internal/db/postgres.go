package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Guizzs26/go-cw-mirror/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists mirrored records in three tables (schema is managed
// outside this service):
//
//	mirror_records(entity_type text, remote_id bigint, fields jsonb,
//	               refs jsonb, fields_hash text, synced_at timestamptz,
//	               PRIMARY KEY (entity_type, remote_id))
//	sync_watermarks(entity_type text PRIMARY KEY, last_synced_at timestamptz)
//	callback_entries(callback_type text, url text, entry_id bigint,
//	                 object_id bigint, level text, description text,
//	                 member_id bigint, PRIMARY KEY (callback_type, url))
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPostgresStore(ctx context.Context, connString string, logger *slog.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("no response from postgres: %w", err)
	}

	logger.Info("Connected to Postgres mirror store")
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Upsert inserts or updates one record atomically. The conditional DO UPDATE
// leaves unchanged rows untouched, so concurrent syncs of the same record
// can't interleave partial writes and idle re-runs cost no write I/O
func (s *PostgresStore) Upsert(ctx context.Context, entityType models.EntityType, remoteID int64, fields map[string]any, refs map[string]*models.Reference) (UpsertOutcome, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("failed to encode fields: %w", err)
	}
	refsJSON, err := json.Marshal(refs)
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("failed to encode refs: %w", err)
	}

	query := `
		INSERT INTO mirror_records (entity_type, remote_id, fields, refs, fields_hash, synced_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (entity_type, remote_id) DO UPDATE
		SET fields = excluded.fields,
		    refs = excluded.refs,
		    fields_hash = excluded.fields_hash,
		    synced_at = now()
		WHERE mirror_records.fields_hash IS DISTINCT FROM excluded.fields_hash
		RETURNING (xmax = 0) AS inserted
	`

	var inserted bool
	err = s.pool.QueryRow(ctx, query,
		string(entityType), remoteID, fieldsJSON, refsJSON, snapshotHash(fields, refs),
	).Scan(&inserted)

	if errors.Is(err, pgx.ErrNoRows) {
		// Conflict hit but the WHERE guard rejected the update: same content
		return OutcomeUnchanged, nil
	}
	if err != nil {
		return OutcomeUnchanged, fmt.Errorf("upsert of %s %d failed: %w", entityType, remoteID, err)
	}
	if inserted {
		return OutcomeCreated, nil
	}
	return OutcomeUpdated, nil
}

func (s *PostgresStore) Get(ctx context.Context, entityType models.EntityType, remoteID int64) (models.LocalRecord, error) {
	query := `
		SELECT fields, refs, synced_at
		FROM mirror_records
		WHERE entity_type = $1 AND remote_id = $2
	`

	rec := models.LocalRecord{EntityType: entityType, RemoteID: remoteID}
	var fieldsJSON, refsJSON []byte

	err := s.pool.QueryRow(ctx, query, string(entityType), remoteID).
		Scan(&fieldsJSON, &refsJSON, &rec.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.LocalRecord{}, ErrNoRecord
	}
	if err != nil {
		return models.LocalRecord{}, fmt.Errorf("get of %s %d failed: %w", entityType, remoteID, err)
	}

	if err := json.Unmarshal(fieldsJSON, &rec.Fields); err != nil {
		return models.LocalRecord{}, fmt.Errorf("failed to decode fields of %s %d: %w", entityType, remoteID, err)
	}
	if err := json.Unmarshal(refsJSON, &rec.Refs); err != nil {
		return models.LocalRecord{}, fmt.Errorf("failed to decode refs of %s %d: %w", entityType, remoteID, err)
	}
	return rec, nil
}

func (s *PostgresStore) Exists(ctx context.Context, entityType models.EntityType, remoteID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM mirror_records WHERE entity_type = $1 AND remote_id = $2)`

	var exists bool
	if err := s.pool.QueryRow(ctx, query, string(entityType), remoteID).Scan(&exists); err != nil {
		return false, fmt.Errorf("existence check of %s %d failed: %w", entityType, remoteID, err)
	}
	return exists, nil
}

func (s *PostgresStore) Delete(ctx context.Context, entityType models.EntityType, remoteID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM mirror_records WHERE entity_type = $1 AND remote_id = $2`,
		string(entityType), remoteID,
	)
	if err != nil {
		return false, fmt.Errorf("delete of %s %d failed: %w", entityType, remoteID, err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListIDs(ctx context.Context, entityType models.EntityType) (map[int64]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT remote_id FROM mirror_records WHERE entity_type = $1 ORDER BY remote_id`,
		string(entityType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s ids: %w", entityType, err)
	}
	defer rows.Close()

	ids := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan of %s id failed: %w", entityType, err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}

func (s *PostgresStore) DeleteStale(ctx context.Context, entityType models.EntityType, seen map[int64]struct{}) (int64, error) {
	seenIDs := make([]int64, 0, len(seen))
	for id := range seen {
		seenIDs = append(seenIDs, id)
	}

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM mirror_records WHERE entity_type = $1 AND NOT (remote_id = ANY($2))`,
		string(entityType), seenIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("stale deletion for %s failed: %w", entityType, err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Watermark(ctx context.Context, entityType models.EntityType) (time.Time, error) {
	var t time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT last_synced_at FROM sync_watermarks WHERE entity_type = $1`,
		string(entityType),
	).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("watermark lookup for %s failed: %w", entityType, err)
	}
	return t, nil
}

func (s *PostgresStore) SetWatermark(ctx context.Context, entityType models.EntityType, t time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_watermarks (entity_type, last_synced_at)
		VALUES ($1, $2)
		ON CONFLICT (entity_type) DO UPDATE SET last_synced_at = excluded.last_synced_at
	`, string(entityType), t)
	if err != nil {
		return fmt.Errorf("failed to store watermark for %s: %w", entityType, err)
	}
	return nil
}

func (s *PostgresStore) SaveCallback(ctx context.Context, entry models.CallbackEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO callback_entries (callback_type, url, entry_id, object_id, level, description, member_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (callback_type, url) DO UPDATE
		SET entry_id = excluded.entry_id,
		    object_id = excluded.object_id,
		    level = excluded.level,
		    description = excluded.description,
		    member_id = excluded.member_id
	`, entry.CallbackType, entry.URL, entry.EntryID, entry.ObjectID, entry.Level, entry.Description, entry.MemberID)
	if err != nil {
		return fmt.Errorf("failed to save callback registration %s: %w", entry.CallbackType, err)
	}
	return nil
}

func (s *PostgresStore) DeleteCallback(ctx context.Context, callbackType, url string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM callback_entries WHERE callback_type = $1 AND url = $2`,
		callbackType, url,
	)
	if err != nil {
		return fmt.Errorf("failed to delete callback registration %s: %w", callbackType, err)
	}
	return nil
}

func (s *PostgresStore) ListCallbacks(ctx context.Context) ([]models.CallbackEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT callback_type, url, entry_id, object_id, level, description, member_id
		FROM callback_entries
		ORDER BY callback_type, url
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list callback registrations: %w", err)
	}
	defer rows.Close()

	var entries []models.CallbackEntry
	for rows.Next() {
		var e models.CallbackEntry
		if err := rows.Scan(&e.CallbackType, &e.URL, &e.EntryID, &e.ObjectID, &e.Level, &e.Description, &e.MemberID); err != nil {
			return nil, fmt.Errorf("scan of callback registration failed: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
