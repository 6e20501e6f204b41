package mock

import (
	"context"

	"github.com/wickedlab/outages"
)

var _ outages.KeyStore = (*KeyStore)(nil)

// KeyStore is a mock outages.KeyStore. NewKeyStore fills every function with
// a call to a real store so a test only overrides what it breaks.
type KeyStore struct {
	GetFn          func(ctx context.Context, key string) ([]byte, error)
	SetFn          func(ctx context.Context, key string, value []byte) error
	DeleteFn       func(ctx context.Context, key string) (bool, error)
	RenameFn       func(ctx context.Context, from, to string) error
	IncrFn         func(ctx context.Context, key string) (int64, error)
	ScanFn         func(ctx context.Context, cursor, match string, count int) (string, []string, error)
	SortedAddFn    func(ctx context.Context, set string, score int64, member string) error
	SortedRangeFn  func(ctx context.Context, set string, start, stop int64, descending bool) ([]string, error)
	SortedRemoveFn func(ctx context.Context, set, member string) (bool, error)
	SortedCardFn   func(ctx context.Context, set string) (int64, error)
	SortedDropFn   func(ctx context.Context, set string) error
}

// NewKeyStore returns a mock delegating to base.
func NewKeyStore(base outages.KeyStore) *KeyStore {
	return &KeyStore{
		GetFn:          base.Get,
		SetFn:          base.Set,
		DeleteFn:       base.Delete,
		RenameFn:       base.Rename,
		IncrFn:         base.Incr,
		ScanFn:         base.Scan,
		SortedAddFn:    base.SortedAdd,
		SortedRangeFn:  base.SortedRange,
		SortedRemoveFn: base.SortedRemove,
		SortedCardFn:   base.SortedCard,
		SortedDropFn:   base.SortedDrop,
	}
}

func (s *KeyStore) Get(ctx context.Context, key string) ([]byte, error) {
	return s.GetFn(ctx, key)
}

func (s *KeyStore) Set(ctx context.Context, key string, value []byte) error {
	return s.SetFn(ctx, key, value)
}

func (s *KeyStore) Delete(ctx context.Context, key string) (bool, error) {
	return s.DeleteFn(ctx, key)
}

func (s *KeyStore) Rename(ctx context.Context, from, to string) error {
	return s.RenameFn(ctx, from, to)
}

func (s *KeyStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.IncrFn(ctx, key)
}

func (s *KeyStore) Scan(ctx context.Context, cursor, match string, count int) (string, []string, error) {
	return s.ScanFn(ctx, cursor, match, count)
}

func (s *KeyStore) SortedAdd(ctx context.Context, set string, score int64, member string) error {
	return s.SortedAddFn(ctx, set, score, member)
}

func (s *KeyStore) SortedRange(ctx context.Context, set string, start, stop int64, descending bool) ([]string, error) {
	return s.SortedRangeFn(ctx, set, start, stop, descending)
}

func (s *KeyStore) SortedRemove(ctx context.Context, set, member string) (bool, error) {
	return s.SortedRemoveFn(ctx, set, member)
}

func (s *KeyStore) SortedCard(ctx context.Context, set string) (int64, error) {
	return s.SortedCardFn(ctx, set)
}

func (s *KeyStore) SortedDrop(ctx context.Context, set string) error {
	return s.SortedDropFn(ctx, set)
}

var _ outages.RelationalStore = (*RelationalStore)(nil)

// RelationalStore is a mock outages.RelationalStore.
type RelationalStore struct {
	UpsertFn func(ctx context.Context, table, conflictKey string, fields map[string]interface{}) error
}

func (s *RelationalStore) Upsert(ctx context.Context, table, conflictKey string, fields map[string]interface{}) error {
	return s.UpsertFn(ctx, table, conflictKey, fields)
}
