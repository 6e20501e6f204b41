package kv

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is the error returned when the key requested is not found.
	ErrKeyNotFound = errors.New("key not found")
	// ErrTxNotWritable is the error returned when an mutable operation is called during
	// a non-writable transaction.
	ErrTxNotWritable = errors.New("transaction is not writable")
	// ErrBucketNotFound is the error returned when a bucket has not been created.
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrTxConflict is returned when a transaction kept conflicting with
	// concurrent writers and could not be committed.
	ErrTxConflict = errors.New("transaction conflict")
)

// Store is an interface for a generic ordered key value store. It is modeled after
// the boltdb database struct.
type Store interface {
	// View opens up a transaction that will not write to any data. Implementing interfaces
	// should take care to ensure that all view transactions do not mutate any data.
	View(ctx context.Context, fn func(Tx) error) error
	// Update opens up a transaction that will mutate data. Implementations may
	// run fn more than once when the commit conflicts with another writer.
	Update(ctx context.Context, fn func(Tx) error) error
}

// SchemaStore is a Store that also manages its buckets.
type SchemaStore interface {
	Store
	// CreateBucket creates a bucket on the underlying store if it does not exist.
	CreateBucket(ctx context.Context, bucket []byte) error
}

// Tx is a transaction in the store.
type Tx interface {
	// Bucket returns the bucket named b.
	Bucket(b []byte) (Bucket, error)
	// Context returns the context associated with the transaction.
	Context() context.Context
	// WithContext associates a context with the transaction.
	WithContext(ctx context.Context)
}

// Bucket is the abstraction used to perform get/put/delete/range operations
// in a key value store.
type Bucket interface {
	// Get returns the value at key, or ErrKeyNotFound.
	Get(key []byte) ([]byte, error)
	// ForwardCursor returns a cursor positioned at seek.
	ForwardCursor(seek []byte, opts ...CursorOption) (ForwardCursor, error)
	// Put should error if the transaction it was called in is not writable.
	Put(key, value []byte) error
	// Delete should error if the transaction it was called in is not writable.
	Delete(key []byte) error
}

// ForwardCursor is an abstraction for iterating/ranging through data
// in one direction.
type ForwardCursor interface {
	// Next moves the cursor to the next key in the bucket. A nil key
	// means the cursor is exhausted.
	Next() (k, v []byte)
	// Err returns non-nil if an error occurred during cursor iteration.
	Err() error
	// Close releases the resources held by the cursor.
	Close() error
}

// CursorDirection is an integer used to define the direction
// a request cursor operates in.
type CursorDirection int

const (
	// CursorAscending directs a cursor to range in ascending order
	CursorAscending CursorDirection = iota
	// CursorDescending directs a cursor to range in descending order
	CursorDescending
)

// CursorConfig is a type used to configure a new forward cursor.
// It includes a direction and a key prefix the cursor is bound to.
type CursorConfig struct {
	Direction CursorDirection
	Prefix    []byte
	SkipFirst bool
}

// NewCursorConfig constructs and configures a CursorConfig used to configure
// a forward cursor.
func NewCursorConfig(opts ...CursorOption) CursorConfig {
	conf := CursorConfig{}
	for _, opt := range opts {
		opt(&conf)
	}
	return conf
}

// CursorOption is a functional option for configuring a forward cursor
type CursorOption func(*CursorConfig)

// WithCursorDirection sets the cursor direction on a provided cursor config
func WithCursorDirection(direction CursorDirection) CursorOption {
	return func(c *CursorConfig) {
		c.Direction = direction
	}
}

// WithCursorPrefix configures the forward cursor to only return keys carrying prefix.
// A cursor with a prefix and no seek key starts at the first (or, descending, the last)
// key of the prefix range.
func WithCursorPrefix(prefix []byte) CursorOption {
	return func(c *CursorConfig) {
		c.Prefix = prefix
	}
}

// WithCursorSkipFirstItem skips returning the first item found within the seek.
func WithCursorSkipFirstItem() CursorOption {
	return func(c *CursorConfig) {
		c.SkipFirst = true
	}
}

// WalkCursor consumes the forward cursor, calling visit for each key/value pair
// until visit returns false or an error. The cursor is always closed.
func WalkCursor(ctx context.Context, cursor ForwardCursor, visit func(k, v []byte) (bool, error)) (err error) {
	defer func() {
		if cerr := cursor.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for k, v := cursor.Next(); k != nil; k, v = cursor.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		cont, err := visit(k, v)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}

	return cursor.Err()
}

// PrefixUpperBound returns the smallest key greater than every key carrying prefix,
// or nil when no such key exists (prefix is empty or all 0xff).
func PrefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}
