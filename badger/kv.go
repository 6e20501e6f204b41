// Package badger implements kv.Store on top of BadgerDB. Badger has a single
// flat keyspace, so buckets are emulated by prefixing every key with the
// bucket name and a zero byte.
package badger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/opentracing/opentracing-go"
	"github.com/wickedlab/outages/kv"
	"go.uber.org/zap"
)

var _ kv.SchemaStore = (*KVStore)(nil)

// maxConflictRetries bounds how many times Update reruns a transaction whose
// commit lost to a concurrent writer.
const maxConflictRetries = 64

// Config holds configuration for a BadgerDB backed store.
type Config struct {
	// Dir is the directory for the database files. Ignored when InMemory is true.
	Dir string
	// InMemory keeps everything in memory; useful for tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// KVStore is a kv.Store backed by BadgerDB.
type KVStore struct {
	config Config
	db     *badgerdb.DB
	logger *zap.Logger
}

// NewKVStore returns a KVStore that is opened by Open.
func NewKVStore(log *zap.Logger, config Config) *KVStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &KVStore{
		config: config,
		logger: log,
	}
}

// Open opens the database, creating its directory when needed.
func (s *KVStore) Open(ctx context.Context) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "KVStore.Open")
	defer span.Finish()

	var opts badgerdb.Options
	if s.config.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	} else {
		if s.config.Dir == "" {
			return errors.New("badger directory is required for a persistent store")
		}
		if err := os.MkdirAll(s.config.Dir, 0700); err != nil {
			return fmt.Errorf("unable to create directory %s: %v", s.config.Dir, err)
		}
		opts = badgerdb.DefaultOptions(s.config.Dir)
	}
	opts = opts.WithSyncWrites(s.config.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log: s.logger.Sugar()})

	db, err := badgerdb.Open(opts)
	if err != nil {
		return fmt.Errorf("unable to open badger database: %w", err)
	}
	s.db = db

	s.logger.Info("Resources opened", zap.String("dir", s.config.Dir), zap.Bool("in_memory", s.config.InMemory))
	return nil
}

// Close closes the database.
func (s *KVStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateBucket is a no-op: buckets are key prefixes and exist implicitly.
func (s *KVStore) CreateBucket(ctx context.Context, name []byte) error {
	if bytes.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("bucket name %q must not contain a zero byte", name)
	}
	return nil
}

// View opens up a read only transaction against the store.
func (s *KVStore) View(ctx context.Context, fn func(tx kv.Tx) error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "KVStore.View")
	defer span.Finish()

	return s.db.View(func(txn *badgerdb.Txn) error {
		return fn(&Tx{txn: txn, ctx: ctx})
	})
}

// Update opens up a read write transaction against the store. Badger commits
// optimistically, so fn is rerun when the commit conflicts with a concurrent
// transaction; fn must not carry state across attempts.
func (s *KVStore) Update(ctx context.Context, fn func(tx kv.Tx) error) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "KVStore.Update")
	defer span.Finish()

	for attempt := 1; ; attempt++ {
		err := s.db.Update(func(txn *badgerdb.Txn) error {
			return fn(&Tx{txn: txn, ctx: ctx, writable: true})
		})
		if !errors.Is(err, badgerdb.ErrConflict) {
			return err
		}
		if attempt == maxConflictRetries {
			return fmt.Errorf("%w: gave up after %d attempts: %v", kv.ErrTxConflict, attempt, err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		span.LogKV("conflict_retry", attempt)
	}
}

// Tx wraps a badger transaction. It implements kv.Tx.
type Tx struct {
	txn      *badgerdb.Txn
	ctx      context.Context
	writable bool
}

// Context returns the context for the transaction.
func (tx *Tx) Context() context.Context {
	return tx.ctx
}

// WithContext sets the context for the transaction.
func (tx *Tx) WithContext(ctx context.Context) {
	tx.ctx = ctx
}

// Bucket returns the bucket named b.
func (tx *Tx) Bucket(b []byte) (kv.Bucket, error) {
	prefix := make([]byte, 0, len(b)+1)
	prefix = append(prefix, b...)
	prefix = append(prefix, 0)
	return &Bucket{txn: tx.txn, prefix: prefix, writable: tx.writable}, nil
}

// Bucket is a key prefix inside a badger transaction.
type Bucket struct {
	txn      *badgerdb.Txn
	prefix   []byte
	writable bool
}

func (b *Bucket) key(k []byte) []byte {
	full := make([]byte, 0, len(b.prefix)+len(k))
	full = append(full, b.prefix...)
	return append(full, k...)
}

// Get retrieves the value at the provided key.
func (b *Bucket) Get(key []byte) ([]byte, error) {
	item, err := b.txn.Get(b.key(key))
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, kv.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// Put sets the value at the provided key.
func (b *Bucket) Put(key, value []byte) error {
	if !b.writable {
		return kv.ErrTxNotWritable
	}
	v := make([]byte, len(value))
	copy(v, value)
	return b.txn.Set(b.key(key), v)
}

// Delete removes the provided key.
func (b *Bucket) Delete(key []byte) error {
	if !b.writable {
		return kv.ErrTxNotWritable
	}
	return b.txn.Delete(b.key(key))
}

// ForwardCursor returns an iterator over the bucket. Only one cursor may be
// open at a time inside a read write transaction.
func (b *Bucket) ForwardCursor(seek []byte, opts ...kv.CursorOption) (kv.ForwardCursor, error) {
	config := kv.NewCursorConfig(opts...)

	iopts := badgerdb.DefaultIteratorOptions
	iopts.Reverse = config.Direction == kv.CursorDescending

	return &Cursor{
		it:     b.txn.NewIterator(iopts),
		bucket: b.prefix,
		prefix: b.key(config.Prefix),
		seek:   seek,
		config: config,
	}, nil
}

// Cursor is a kv.ForwardCursor over a badger iterator.
type Cursor struct {
	it     *badgerdb.Iterator
	bucket []byte
	prefix []byte
	seek   []byte
	config kv.CursorConfig

	started bool
	done    bool
	err     error
}

// Next returns the next key/value pair with the bucket prefix stripped.
func (c *Cursor) Next() ([]byte, []byte) {
	if c.done {
		return nil, nil
	}

	if !c.started {
		c.started = true
		c.position()
	} else {
		c.it.Next()
	}

	if !c.it.ValidForPrefix(c.prefix) {
		c.done = true
		return nil, nil
	}

	item := c.it.Item()
	k := item.KeyCopy(nil)[len(c.bucket):]
	v, err := item.ValueCopy(nil)
	if err != nil {
		c.err = err
		c.done = true
		return nil, nil
	}
	return k, v
}

func (c *Cursor) position() {
	if len(c.seek) > 0 {
		target := append(append([]byte{}, c.bucket...), c.seek...)
		c.it.Seek(target)
		if c.config.SkipFirst && c.it.Valid() && bytes.Equal(c.it.Item().Key(), target) {
			c.it.Next()
		}
		return
	}

	if c.config.Direction != kv.CursorDescending {
		c.it.Seek(c.prefix)
		return
	}

	upper := kv.PrefixUpperBound(c.prefix)
	if upper == nil {
		c.it.Rewind()
		return
	}
	c.it.Seek(upper)
	if c.it.Valid() && bytes.Equal(c.it.Item().Key(), upper) {
		c.it.Next()
	}
}

// Err returns the first error met while copying values.
func (c *Cursor) Err() error {
	return c.err
}

// Close releases the iterator.
func (c *Cursor) Close() error {
	c.it.Close()
	return nil
}

// badgerLogger adapts zap to badger's logger interface. Badger chatter is
// demoted to debug.
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(format, args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warnf(format, args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
