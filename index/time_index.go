// Package index maintains the time ordered index of primary keys that
// listing pages read from. The index lives in a sorted set of the key store,
// apart from the primary keys, so keyspace scans never return it.
package index

import (
	"context"

	"github.com/wickedlab/outages"
)

// Order is the direction a range is returned in. The zero value is Descending,
// newest first, which is how every listing page reads the index.
type Order int

const (
	// Descending returns the highest score first.
	Descending Order = iota
	// Ascending returns the lowest score first.
	Ascending
)

// TimeIndex maps primary keys onto the day of the record they hold.
type TimeIndex struct {
	store outages.KeyStore
	name  string
}

// New returns the index named outages.SortedIncidentsKey.
func New(store outages.KeyStore) *TimeIndex {
	return NewNamed(store, outages.SortedIncidentsKey)
}

// NewNamed returns an index stored under name.
func NewNamed(store outages.KeyStore, name string) *TimeIndex {
	return &TimeIndex{store: store, name: name}
}

// Name returns the name of the sorted set backing the index.
func (i *TimeIndex) Name() string {
	return i.name
}

// Insert adds primaryKey with score. Inserting an existing entry again is a no-op.
func (i *TimeIndex) Insert(ctx context.Context, score int64, primaryKey string) error {
	return wrap("index.Insert", i.store.SortedAdd(ctx, i.name, score, primaryKey))
}

// Range returns the primary keys ranked from through to in order.
// A negative to returns everything from from onwards.
func (i *TimeIndex) Range(ctx context.Context, from, to int64, order Order) ([]string, error) {
	if from < 0 {
		from = 0
	}
	if to < 0 {
		to = -1
	}
	keys, err := i.store.SortedRange(ctx, i.name, from, to, order == Descending)
	if err != nil {
		return nil, wrap("index.Range", err)
	}
	return keys, nil
}

// Remove drops primaryKey from the index and reports whether it was there.
func (i *TimeIndex) Remove(ctx context.Context, primaryKey string) (bool, error) {
	removed, err := i.store.SortedRemove(ctx, i.name, primaryKey)
	return removed, wrap("index.Remove", err)
}

// Count returns the number of indexed keys.
func (i *TimeIndex) Count(ctx context.Context) (int64, error) {
	n, err := i.store.SortedCard(ctx, i.name)
	return n, wrap("index.Count", err)
}

// Drop removes every entry.
func (i *TimeIndex) Drop(ctx context.Context) error {
	return wrap("index.Drop", i.store.SortedDrop(ctx, i.name))
}

// wrap reports store failures as EIndexUnavailable. Invalid arguments and
// write conflicts keep their code.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}

	if code := outages.ErrorCode(err); code == outages.EInvalid || code == outages.EConflict {
		return &outages.Error{
			Code: code,
			Op:   op,
			Err:  err,
		}
	}

	return &outages.Error{
		Code: outages.EIndexUnavailable,
		Op:   op,
		Msg:  "time index unavailable",
		Err:  err,
	}
}
