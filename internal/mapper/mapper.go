package mapper

import (
	"context"
	"fmt"
	"strings"

	"github.com/Guizzs26/go-cw-mirror/internal/models"
)

// MappingError marks a remote record whose shape can't be mirrored. The
// synchronizer counts and skips these; they never abort a job
type MappingError struct {
	EntityType models.EntityType
	Reason     string
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("cannot map %s record: %s", e.EntityType, e.Reason)
}

// RefResolver answers whether a referenced record is already mirrored.
// The store satisfies this; the mapper itself never touches the network
type RefResolver interface {
	Exists(ctx context.Context, entityType models.EntityType, remoteID int64) (bool, error)
}

// Mapped is the local-upsert shape of one remote record
type Mapped struct {
	RemoteID int64
	Fields   map[string]any
	Refs     map[string]*models.Reference
	Deferred []models.DeferredLink
}

// refSpec names the embedded sub-objects that are foreign references to
// other mirrored types. Everything else in a record is snapshot data
var refSpec = map[models.EntityType]map[string]models.EntityType{
	models.Company: {
		"status":    models.CompanyStatus,
		"territory": models.Territory,
	},
	models.Contact: {
		"company": models.Company,
	},
	models.Ticket: {
		"company": models.Company,
		"owner":   models.Member,
	},
	models.Project: {
		"company": models.Company,
		"manager": models.Member,
	},
	models.Opportunity: {
		"company":         models.Company,
		"primarySalesRep": models.Member,
	},
}

// Mapper translates raw ConnectWise JSON records into local fields and
// resolved references. Deterministic for a given record and local state
type Mapper struct {
	resolver RefResolver
}

func New(resolver RefResolver) *Mapper {
	return &Mapper{resolver: resolver}
}

// Map builds the upsert input for one remote record. References whose
// targets are not mirrored yet come back nil with a DeferredLink entry so
// the synchronizer can correct them once the target exists
func (m *Mapper) Map(ctx context.Context, entityType models.EntityType, record map[string]any) (Mapped, error) {
	remoteID, err := extractID(record)
	if err != nil {
		return Mapped{}, &MappingError{EntityType: entityType, Reason: err.Error()}
	}

	refs := refSpec[entityType]

	mapped := Mapped{
		RemoteID: remoteID,
		Fields:   make(map[string]any, len(record)),
		Refs:     make(map[string]*models.Reference, len(refs)),
	}

	for key, value := range record {
		if key == "_info" {
			// API hypermedia noise, not record data
			continue
		}

		targetType, isRef := refs[key]
		if !isRef {
			mapped.Fields[key] = sanitize(value)
			continue
		}

		ref, err := m.resolveRef(ctx, targetType, value)
		if err != nil {
			return Mapped{}, fmt.Errorf("resolving %s.%s: %w", entityType, key, err)
		}

		if ref.target != nil && !ref.exists {
			// Referenced record not mirrored yet: leave the link null and
			// report it so a later pass can fill it in
			mapped.Refs[key] = nil
			mapped.Deferred = append(mapped.Deferred, models.DeferredLink{
				EntityType: entityType,
				RemoteID:   remoteID,
				Field:      key,
				Target:     *ref.target,
			})
			continue
		}

		mapped.Refs[key] = ref.target
	}

	return mapped, nil
}

type resolvedRef struct {
	target *models.Reference
	exists bool
}

func (m *Mapper) resolveRef(ctx context.Context, targetType models.EntityType, value any) (resolvedRef, error) {
	if value == nil {
		return resolvedRef{}, nil
	}

	sub, ok := value.(map[string]any)
	if !ok {
		// ConnectWise sometimes sends bare reference IDs instead of objects
		if id, err := toInt64(value); err == nil {
			return m.checkRef(ctx, targetType, id)
		}
		return resolvedRef{}, nil
	}

	id, err := extractID(sub)
	if err != nil {
		return resolvedRef{}, nil
	}
	return m.checkRef(ctx, targetType, id)
}

func (m *Mapper) checkRef(ctx context.Context, targetType models.EntityType, id int64) (resolvedRef, error) {
	exists, err := m.resolver.Exists(ctx, targetType, id)
	if err != nil {
		return resolvedRef{}, err
	}
	target := &models.Reference{EntityType: targetType, RemoteID: id}
	if !exists {
		return resolvedRef{target: target, exists: false}, nil
	}
	return resolvedRef{target: target, exists: true}, nil
}

func extractID(record map[string]any) (int64, error) {
	raw, ok := record["id"]
	if !ok {
		return 0, fmt.Errorf("record has no id field")
	}
	id, err := toInt64(raw)
	if err != nil {
		return 0, fmt.Errorf("record id is not numeric: %v", raw)
	}
	return id, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

// sanitize strips NUL characters out of string values, recursively.
// ConnectWise has been seen sending them and Postgres rejects them in text
func sanitize(value any) any {
	switch v := value.(type) {
	case string:
		return strings.ReplaceAll(v, "\x00", "")
	case map[string]any:
		clean := make(map[string]any, len(v))
		for k, inner := range v {
			clean[k] = sanitize(inner)
		}
		return clean
	case []any:
		clean := make([]any, len(v))
		for i, inner := range v {
			clean[i] = sanitize(inner)
		}
		return clean
	default:
		return value
	}
}
