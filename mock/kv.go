package mock

import (
	"context"

	"github.com/wickedlab/outages/kv"
)

var _ (kv.Store) = (*Store)(nil)

// Store is a mock kv.Store
type Store struct {
	ViewFn   func(func(kv.Tx) error) error
	UpdateFn func(func(kv.Tx) error) error
}

// View opens up a transaction that will not write to any data. Implementing interfaces
// should take care to ensure that all view transactions do not mutate any data.
func (s *Store) View(ctx context.Context, fn func(kv.Tx) error) error {
	return s.ViewFn(fn)
}

// Update opens up a transaction that will mutate data.
func (s *Store) Update(ctx context.Context, fn func(kv.Tx) error) error {
	return s.UpdateFn(fn)
}

var _ (kv.Tx) = (*Tx)(nil)

// Tx is mock of a kv.Tx.
type Tx struct {
	BucketFn      func(b []byte) (kv.Bucket, error)
	ContextFn     func() context.Context
	WithContextFn func(ctx context.Context)
}

// Bucket possibly creates and returns bucket, b.
func (t *Tx) Bucket(b []byte) (kv.Bucket, error) {
	return t.BucketFn(b)
}

// Context returns the context associated with this Tx.
func (t *Tx) Context() context.Context {
	return t.ContextFn()
}

// WithContext associates a context with this Tx.
func (t *Tx) WithContext(ctx context.Context) {
	t.WithContextFn(ctx)
}

var _ (kv.Bucket) = (*Bucket)(nil)

// Bucket is the abstraction used to perform get/put/delete/range operations
// in a key value store
type Bucket struct {
	GetFn           func(key []byte) ([]byte, error)
	ForwardCursorFn func(seek []byte, opts ...kv.CursorOption) (kv.ForwardCursor, error)
	PutFn           func(key, value []byte) error
	DeleteFn        func(key []byte) error
}

// Get returns a key within this bucket. Errors if key does not exist.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	return b.GetFn(key)
}

// ForwardCursor returns a cursor positioned at seek.
func (b *Bucket) ForwardCursor(seek []byte, opts ...kv.CursorOption) (kv.ForwardCursor, error) {
	return b.ForwardCursorFn(seek, opts...)
}

// Put should error if the transaction it was called in is not writable.
func (b *Bucket) Put(key, value []byte) error {
	return b.PutFn(key, value)
}

// Delete should error if the transaction it was called in is not writable.
func (b *Bucket) Delete(key []byte) error {
	return b.DeleteFn(key)
}

var _ (kv.ForwardCursor) = (*ForwardCursor)(nil)

// ForwardCursor is a mock kv.ForwardCursor.
type ForwardCursor struct {
	NextFn  func() (k, v []byte)
	ErrFn   func() error
	CloseFn func() error
}

// Next moves the cursor to the next key in the bucket.
func (c *ForwardCursor) Next() (k, v []byte) {
	return c.NextFn()
}

// Err returns non-nil if an error occurred during cursor iteration.
func (c *ForwardCursor) Err() error {
	return c.ErrFn()
}

// Close releases the resources held by the cursor.
func (c *ForwardCursor) Close() error {
	return c.CloseFn()
}
