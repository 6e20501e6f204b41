package all

import (
	"context"

	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/migration"
)

const (
	// IncidentsTable is the relational home of the records.
	IncidentsTable = "incidents"
	// IncidentsConflictKey is the natural key column of IncidentsTable.
	IncidentsConflictKey = "external_id"
)

// RelocateToRelational upserts every incidents:<id> record into the incidents
// table. The key value entry is left in place.
type RelocateToRelational struct {
	migration.NoPrepare
	rel outages.RelationalStore
}

// NewRelocateToRelational returns the step writing to rel.
func NewRelocateToRelational(rel outages.RelationalStore) *RelocateToRelational {
	return &RelocateToRelational{rel: rel}
}

func (*RelocateToRelational) StartVersion() int64 { return 3 }

func (*RelocateToRelational) Description() string {
	return "copy records into the relational incidents table"
}

func (s *RelocateToRelational) ApplyToKey(ctx context.Context, key string, store outages.KeyStore) (migration.Outcome, error) {
	id, ok := outages.CurrentKeyScheme.ParseKey(key)
	if !ok {
		return migration.Skipped(key), nil
	}

	r, _, o, err := loadRecord(ctx, store, key)
	if o != nil || err != nil {
		return *o, err
	}

	if err := s.rel.Upsert(ctx, IncidentsTable, IncidentsConflictKey, IncidentRow(id, r)); err != nil {
		return keyLevel(key, err)
	}
	return migration.Migrated(key), nil
}

// IncidentRow maps a record onto the columns of IncidentsTable.
func IncidentRow(externalID string, r *outages.Record) map[string]interface{} {
	return map[string]interface{}{
		IncidentsConflictKey: externalID,
		"day":                r.Date.String(),
		"county":             r.County,
		"location":           r.Locality,
		"title":              r.Title,
		"description":        r.Description,
	}
}
