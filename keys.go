package outages

import (
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

const (
	// SchemaVersionKey holds the number of migration steps applied to the store.
	SchemaVersionKey = "db_version"

	// SortedIncidentsKey names the time-ordered index of primary keys.
	SortedIncidentsKey = "incidents:sorted"

	keySeparator = ":"
)

// KeyScheme maps a record id onto the primary key used by one schema version.
// An empty Namespace is the legacy layout where the bare id is the key.
type KeyScheme struct {
	Namespace string
}

var (
	// LegacyKeyScheme stores a record under its bare feed guid.
	LegacyKeyScheme = KeyScheme{}
	// SingularKeyScheme is the "incident:<id>" layout introduced with the sorted index.
	SingularKeyScheme = KeyScheme{Namespace: "incident"}
	// CurrentKeyScheme is the "incidents:<id>" layout.
	CurrentKeyScheme = KeyScheme{Namespace: "incidents"}
)

// KeySchemeFor returns the key layout records have once version steps have been applied.
func KeySchemeFor(version int64) KeyScheme {
	switch {
	case version <= 0:
		return LegacyKeyScheme
	case version == 1:
		return SingularKeyScheme
	default:
		return CurrentKeyScheme
	}
}

// PrimaryKey returns the key a record with id lives under.
func (s KeyScheme) PrimaryKey(id string) string {
	if s.Namespace == "" {
		return id
	}
	return s.Namespace + keySeparator + id
}

// ParseKey extracts the record id from key. ok is false when key does not
// belong to the namespace. The legacy scheme cannot tell a bare id from a
// foreign key and accepts any key that is not namespaced by a known scheme.
func (s KeyScheme) ParseKey(key string) (id string, ok bool) {
	if s.Namespace == "" {
		if key == "" || IsNamespaced(key) {
			return "", false
		}
		return key, true
	}

	prefix := s.Namespace + keySeparator
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return "", false
	}
	return key[len(prefix):], true
}

// Matches reports whether key belongs to the scheme.
func (s KeyScheme) Matches(key string) bool {
	_, ok := s.ParseKey(key)
	return ok
}

// IsNamespaced reports whether key already uses one of the namespaced layouts.
func IsNamespaced(key string) bool {
	return SingularKeyScheme.Matches(key) || CurrentKeyScheme.Matches(key)
}

// IndexScore maps a day onto the epoch seconds of its midnight in UTC.
// Records on the same day share a score.
func IndexScore(d civil.Date) int64 {
	return d.In(time.UTC).Unix()
}
