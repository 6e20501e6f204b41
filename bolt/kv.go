package bolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/wickedlab/outages/kv"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// DefaultFilename is the default name of the bolt file.
const DefaultFilename = "outages.bolt"

// DefaultOpenTimeout bounds how long Open waits for the file lock.
const DefaultOpenTimeout = time.Second

var _ kv.SchemaStore = (*KVStore)(nil)

// KVStore is a kv.Store backed by boltdb.
type KVStore struct {
	path    string
	timeout time.Duration
	db      *bolt.DB
	logger  *zap.Logger
}

// NewKVStore returns an instance of KVStore with the file at
// the provided path.
func NewKVStore(log *zap.Logger, path string) *KVStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &KVStore{
		path:    path,
		timeout: DefaultOpenTimeout,
		logger:  log,
	}
}

// WithOpenTimeout overrides how long Open waits for another process to
// release the file.
func (s *KVStore) WithOpenTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Open creates boltDB file it doesn't exists and opens it otherwise.
func (s *KVStore) Open(ctx context.Context) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "KVStore.Open")
	defer span.Finish()

	// Ensure the required directory structure exists.
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("unable to create directory %s: %v", s.path, err)
	}

	if _, err := os.Stat(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}

	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: s.timeout})
	if err != nil {
		return fmt.Errorf("unable to open boltdb file %v", err)
	}
	s.db = db

	s.logger.Info("Resources opened", zap.String("path", s.path))
	return nil
}

// Close the connection to the bolt database
func (s *KVStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateBucket creates a bucket in the underlying boltdb store if it
// does not already exist.
func (s *KVStore) CreateBucket(ctx context.Context, name []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
}

// View opens up a view transaction against the store.
func (s *KVStore) View(ctx context.Context, fn func(tx kv.Tx) error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "KVStore.View")
	defer span.Finish()

	return s.db.View(func(tx *bolt.Tx) error {
		return fn(&Tx{
			tx:  tx,
			ctx: ctx,
		})
	})
}

// Update opens up an update transaction against the store.
func (s *KVStore) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "KVStore.Update")
	defer span.Finish()

	return s.db.Update(func(tx *bolt.Tx) error {
		return fn(&Tx{
			tx:  tx,
			ctx: ctx,
		})
	})
}

// Tx is a light wrapper around a boltdb transaction. It implements kv.Tx.
type Tx struct {
	tx  *bolt.Tx
	ctx context.Context
}

// Context returns the context for the transaction.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// WithContext sets the context for the transaction.
func (tx *Tx) WithContext(ctx context.Context) {
	tx.ctx = ctx
}

// Bucket retrieves the bucket named b. Writable transactions create it
// when it is missing.
func (tx *Tx) Bucket(b []byte) (kv.Bucket, error) {
	bkt := tx.tx.Bucket(b)
	if bkt != nil {
		return &Bucket{bucket: bkt}, nil
	}

	if !tx.tx.Writable() {
		return nil, kv.ErrBucketNotFound
	}

	bkt, err := tx.tx.CreateBucketIfNotExists(b)
	if err != nil {
		return nil, err
	}
	return &Bucket{bucket: bkt}, nil
}

// Bucket implements kv.Bucket.
type Bucket struct {
	bucket *bolt.Bucket
}

// Get retrieves the value at the provided key.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	val := b.bucket.Get(key)
	if val == nil {
		return nil, kv.ErrKeyNotFound
	}

	return val, nil
}

// Put sets the value at the provided key.
func (b *Bucket) Put(key []byte, value []byte) error {
	err := b.bucket.Put(key, value)
	if errors.Is(err, bolt.ErrTxNotWritable) {
		return kv.ErrTxNotWritable
	}
	return err
}

// Delete removes the provided key.
func (b *Bucket) Delete(key []byte) error {
	err := b.bucket.Delete(key)
	if errors.Is(err, bolt.ErrTxNotWritable) {
		return kv.ErrTxNotWritable
	}
	return err
}

// ForwardCursor retrieves a cursor for iterating through the entries
// in the key value store in a given direction.
func (b *Bucket) ForwardCursor(seek []byte, opts ...kv.CursorOption) (kv.ForwardCursor, error) {
	config := kv.NewCursorConfig(opts...)

	c := &Cursor{
		cursor: b.bucket.Cursor(),
		config: config,
		seek:   seek,
	}

	return c, nil
}

// Cursor is a struct for iterating through the entries
// in the key value store.
type Cursor struct {
	cursor *bolt.Cursor
	config kv.CursorConfig

	seek    []byte
	started bool
	done    bool
}

// Next retrieves the next key in the bucket.
func (c *Cursor) Next() (k []byte, v []byte) {
	if c.done {
		return nil, nil
	}

	if !c.started {
		c.started = true
		k, v = c.first()
		if c.config.SkipFirst && k != nil && bytes.Equal(k, c.seek) {
			k, v = c.step()
		}
	} else {
		k, v = c.step()
	}

	if k == nil || !bytes.HasPrefix(k, c.config.Prefix) {
		c.done = true
		return nil, nil
	}
	return k, v
}

func (c *Cursor) first() ([]byte, []byte) {
	seek := c.seek
	if len(seek) == 0 {
		seek = c.config.Prefix
	}

	if c.config.Direction == kv.CursorAscending {
		if len(seek) == 0 {
			return c.cursor.First()
		}
		return c.cursor.Seek(seek)
	}

	// descending without an explicit seek starts at the end of the prefix range
	exclusive := false
	if len(c.seek) == 0 {
		seek = kv.PrefixUpperBound(c.config.Prefix)
		exclusive = true
	}
	if seek == nil {
		return c.cursor.Last()
	}

	k, v := c.cursor.Seek(seek)
	if k == nil {
		return c.cursor.Last()
	}
	if exclusive || !bytes.Equal(k, seek) {
		return c.cursor.Prev()
	}
	return k, v
}

func (c *Cursor) step() ([]byte, []byte) {
	if c.config.Direction == kv.CursorDescending {
		return c.cursor.Prev()
	}
	return c.cursor.Next()
}

// Err always returns nil as nothing can go wrong™ during iteration.
func (c *Cursor) Err() error {
	return nil
}

// Close is a no-op.
func (c *Cursor) Close() error {
	return nil
}
