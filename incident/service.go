// Package incident is the ingestion side of the key space. It writes records
// in the current layout and serves the newest-first listing pages from the
// time index.
package incident

import (
	"context"
	"strings"

	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/index"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100

	// rangeChunk bounds how many index entries a filtered listing reads at once.
	rangeChunk = 100
)

// ListOptions selects a page of records.
type ListOptions struct {
	Offset int
	Limit  int
	// County restricts the page to records of one county, compared case insensitively.
	County string
}

// Service reads and writes records.
type Service struct {
	log   *zap.Logger
	store outages.KeyStore
	index *index.TimeIndex
}

// NewService returns a Service over store. The store is expected to be at the
// latest schema version.
func NewService(log *zap.Logger, store outages.KeyStore) *Service {
	return &Service{
		log:   log,
		store: store,
		index: index.New(store),
	}
}

// Put stores r under its current primary key and indexes it by day.
// Putting the same record again overwrites it in place.
func (s *Service) Put(ctx context.Context, r *outages.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	b, err := outages.MarshalRecord(r)
	if err != nil {
		return err
	}

	key := outages.CurrentKeyScheme.PrimaryKey(r.ID)
	if err := s.store.Set(ctx, key, b); err != nil {
		return err
	}
	if err := s.index.Insert(ctx, outages.IndexScore(r.Date), key); err != nil {
		s.log.Warn("Record stored without index entry", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Get returns the record with id.
func (s *Service) Get(ctx context.Context, id string) (*outages.Record, error) {
	b, err := s.store.Get(ctx, outages.CurrentKeyScheme.PrimaryKey(id))
	if err != nil {
		return nil, err
	}
	return outages.UnmarshalRecord(b)
}

// List returns records newest first. Index entries whose record is gone are skipped.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]*outages.Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	skip := opts.Offset
	if skip < 0 {
		skip = 0
	}

	// without a filter every indexed key is a candidate, so start the range at the offset.
	var from int64
	if opts.County == "" {
		from = int64(skip)
		skip = 0
	}

	chunk := int64(rangeChunk)
	if opts.County == "" {
		chunk = int64(limit)
	}

	records := make([]*outages.Record, 0, limit)
	for len(records) < limit {
		keys, err := s.index.Range(ctx, from, from+chunk-1, index.Descending)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			break
		}
		from += int64(len(keys))

		for _, key := range keys {
			r, err := s.load(ctx, key)
			if err != nil {
				return nil, err
			}
			if r == nil {
				continue
			}
			if opts.County != "" && !strings.EqualFold(r.County, opts.County) {
				continue
			}
			if skip > 0 {
				skip--
				continue
			}
			records = append(records, r)
			if len(records) == limit {
				break
			}
		}
	}
	return records, nil
}

// Count returns the number of indexed records.
func (s *Service) Count(ctx context.Context) (int64, error) {
	return s.index.Count(ctx)
}

// load returns nil for keys that no longer hold a readable record.
func (s *Service) load(ctx context.Context, key string) (*outages.Record, error) {
	b, err := s.store.Get(ctx, key)
	if outages.IsNotFound(err) {
		s.log.Debug("Indexed key missing", zap.String("key", key))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r, err := outages.UnmarshalRecord(b)
	if err != nil {
		s.log.Warn("Skipping unreadable record", zap.String("key", key), zap.Error(err))
		return nil, nil
	}
	return r, nil
}
