package inmem

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"
	"github.com/wickedlab/outages/kv"
)

var _ kv.SchemaStore = (*KVStore)(nil)

// KVStore is an in memory btree backed kv.Store.
type KVStore struct {
	mu      sync.RWMutex
	buckets map[string]*Bucket
}

// NewKVStore creates an instance of a KVStore.
func NewKVStore() *KVStore {
	return &KVStore{
		buckets: map[string]*Bucket{},
	}
}

// View opens up a transaction with a read lock.
func (s *KVStore) View(ctx context.Context, fn func(kv.Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&Tx{
		kv:       s,
		writable: false,
		ctx:      ctx,
	})
}

// Update opens up a transaction with a write lock.
func (s *KVStore) Update(ctx context.Context, fn func(kv.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{
		kv:       s,
		writable: true,
		ctx:      ctx,
	})
}

// CreateBucket creates a bucket if it does not exist.
func (s *KVStore) CreateBucket(ctx context.Context, b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[string(b)]; !ok {
		s.buckets[string(b)] = newBucket()
	}
	return nil
}

// Flush removes every key from every bucket.
func (s *KVStore) Flush(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.buckets {
		s.buckets[name] = newBucket()
	}
}

// Tx is an in memory transaction.
// TODO: make transactions actually transactional by writing to a clone of the
// touched btrees and swapping them in on commit.
type Tx struct {
	kv       *KVStore
	writable bool
	ctx      context.Context
}

// Context returns the context for the transaction.
func (t *Tx) Context() context.Context {
	return t.ctx
}

// WithContext sets the context for the transaction.
func (t *Tx) WithContext(ctx context.Context) {
	t.ctx = ctx
}

// Bucket retrieves the bucket at the provided key. Writable transactions
// create missing buckets; read transactions see them as empty.
func (t *Tx) Bucket(b []byte) (kv.Bucket, error) {
	bkt, ok := t.kv.buckets[string(b)]
	if !ok {
		bkt = newBucket()
		if t.writable {
			t.kv.buckets[string(b)] = bkt
		}
	}

	return &bucket{
		Bucket:   bkt,
		writable: t.writable,
	}, nil
}

// Bucket is a btree that implements kv.Bucket.
type Bucket struct {
	btree *btree.BTreeG[item]
}

func newBucket() *Bucket {
	return &Bucket{btree: btree.NewG(2, lessItem)}
}

type bucket struct {
	*Bucket
	writable bool
}

// Put wraps the put method of a kv bucket and ensures that the
// bucket is writable.
func (b *bucket) Put(key, value []byte) error {
	if b.writable {
		return b.Bucket.Put(key, value)
	}
	return kv.ErrTxNotWritable
}

// Delete wraps the delete method of a kv bucket and ensures that the
// bucket is writable.
func (b *bucket) Delete(key []byte) error {
	if b.writable {
		return b.Bucket.Delete(key)
	}
	return kv.ErrTxNotWritable
}

type item struct {
	key   []byte
	value []byte
}

func lessItem(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Get retrieves the value at the provided key.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	i, ok := b.btree.Get(item{key: key})
	if !ok {
		return nil, kv.ErrKeyNotFound
	}
	return i.value, nil
}

// Put sets the key value pair provided.
func (b *Bucket) Put(key []byte, value []byte) error {
	k := make([]byte, len(key))
	copy(k, key)
	v := make([]byte, len(value))
	copy(v, value)

	b.btree.ReplaceOrInsert(item{key: k, value: v})
	return nil
}

// Delete removes the key provided.
func (b *Bucket) Delete(key []byte) error {
	b.btree.Delete(item{key: key})
	return nil
}

// ForwardCursor returns a cursor which steps through the btree one item at a
// time, re-seeking from the last returned key. It therefore tolerates keys
// being put or deleted while it is open.
func (b *Bucket) ForwardCursor(seek []byte, opts ...kv.CursorOption) (kv.ForwardCursor, error) {
	config := kv.NewCursorConfig(opts...)

	c := &Cursor{
		btree:     b.btree,
		config:    config,
		seek:      seek,
		skipFirst: config.SkipFirst,
	}

	if len(seek) == 0 {
		c.seek = config.Prefix
		if config.Direction == kv.CursorDescending {
			c.seek = kv.PrefixUpperBound(config.Prefix)
			c.seekExclusive = true
		}
	}

	return c, nil
}

// Cursor is a kv.ForwardCursor over a btree bucket.
type Cursor struct {
	btree  *btree.BTreeG[item]
	config kv.CursorConfig

	seek          []byte
	seekExclusive bool
	skipFirst     bool

	last    []byte
	started bool
	done    bool
}

// Next returns the next key/value pair, or nil when the cursor is exhausted.
func (c *Cursor) Next() ([]byte, []byte) {
	if c.done {
		return nil, nil
	}

	var (
		found bool
		next  item
	)

	pivot, exclusive := c.seek, c.seekExclusive
	if c.started {
		pivot, exclusive = c.last, true
	}

	visit := func(i item) bool {
		if exclusive && bytes.Equal(i.key, pivot) {
			return true
		}
		if !c.started && c.skipFirst && bytes.Equal(i.key, c.seek) {
			return true
		}
		next, found = i, true
		return false
	}

	if c.config.Direction == kv.CursorDescending {
		if pivot == nil {
			c.btree.Descend(visit)
		} else {
			c.btree.DescendLessOrEqual(item{key: pivot}, visit)
		}
	} else {
		if pivot == nil {
			c.btree.Ascend(visit)
		} else {
			c.btree.AscendGreaterOrEqual(item{key: pivot}, visit)
		}
	}

	c.started = true
	if !found || !bytes.HasPrefix(next.key, c.config.Prefix) {
		c.done = true
		return nil, nil
	}

	c.last = next.key
	return next.key, next.value
}

// Err always returns nil.
func (c *Cursor) Err() error {
	return nil
}

// Close is a no-op.
func (c *Cursor) Close() error {
	return nil
}
