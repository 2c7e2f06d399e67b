package models

import "time"

// Reference points at another mirrored record, e.g. a ticket's company
type Reference struct {
	EntityType EntityType `json:"entity_type"`
	RemoteID   int64      `json:"remote_id"`
}

// LocalRecord is the persisted mirror of one remote entity, keyed by
// (EntityType, RemoteID). Refs holds resolved foreign links by field name;
// a field mapped to nil means the reference was absent or deferred
type LocalRecord struct {
	EntityType EntityType            `json:"entity_type"`
	RemoteID   int64                 `json:"remote_id"`
	Fields     map[string]any        `json:"fields"`
	Refs       map[string]*Reference `json:"refs"`
	SyncedAt   time.Time             `json:"synced_at"`
}

// DeferredLink records a reference that could not be resolved during a run
// because the target was not mirrored yet. The relink pass at the end of a
// full sync retries these
type DeferredLink struct {
	EntityType EntityType
	RemoteID   int64
	Field      string
	Target     Reference
}
