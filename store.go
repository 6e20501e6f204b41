package outages

import "context"

// ScanStart is the cursor that both begins and ends a full keyspace scan.
const ScanStart = "0"

// KeyStore is the capability surface the migration engine, its steps and the
// ingestion path consume. It is deliberately small: plain keys, a cursor scan
// and named sorted sets.
//
// Implementations report unreachable backends as EUnavailable and missing keys as ENotFound.
type KeyStore interface {
	// Get returns the value stored at key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value at key, overwriting any previous value.
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Rename atomically moves the value at from to to, overwriting to.
	Rename(ctx context.Context, from, to string) error
	// Incr atomically increments the integer stored at key, treating a missing key as 0.
	Incr(ctx context.Context, key string) (int64, error)
	// Scan returns up to roughly count keys matching the glob match, starting at cursor.
	// Scanning starts and finishes at ScanStart.
	Scan(ctx context.Context, cursor, match string, count int) (next string, keys []string, err error)

	// SortedAdd inserts member into set with score, or moves it to score.
	SortedAdd(ctx context.Context, set string, score int64, member string) error
	// SortedRange returns members ranked start through stop inclusive.
	// Negative ranks count from the end, -1 being the last member.
	SortedRange(ctx context.Context, set string, start, stop int64, descending bool) ([]string, error)
	// SortedRemove removes member from set and reports whether it was present.
	SortedRemove(ctx context.Context, set, member string) (bool, error)
	// SortedCard returns the number of members in set.
	SortedCard(ctx context.Context, set string) (int64, error)
	// SortedDrop removes set entirely.
	SortedDrop(ctx context.Context, set string) error
}

// RelationalStore is the destination of the backend switch.
type RelationalStore interface {
	// Upsert inserts fields as a row of table. When a row with the same value
	// in conflictKey exists, every other column is overwritten.
	Upsert(ctx context.Context, table, conflictKey string, fields map[string]interface{}) error
}
