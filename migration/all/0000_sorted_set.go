package all

import (
	"context"

	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/index"
	"github.com/wickedlab/outages/logger"
	"github.com/wickedlab/outages/migration"
	"go.uber.org/zap"
)

// Step0000_SortedSetIntroduction moves every record stored under its bare feed
// guid to incident:<id> and adds it to the time index.
var Step0000_SortedSetIntroduction migration.Step = sortedSetIntroduction{}

type sortedSetIntroduction struct {
	migration.NoPrepare
}

func (sortedSetIntroduction) StartVersion() int64 { return 0 }

func (sortedSetIntroduction) Description() string {
	return "move bare record keys to incident:<id> and index them by day"
}

func (sortedSetIntroduction) ApplyToKey(ctx context.Context, key string, store outages.KeyStore) (migration.Outcome, error) {
	if !outages.LegacyKeyScheme.Matches(key) {
		return migration.Skipped(key), nil
	}

	r, raw, o, err := loadRecord(ctx, store, key)
	if o != nil || err != nil {
		return *o, err
	}

	newKey := outages.SingularKeyScheme.PrimaryKey(r.ID)
	if err := store.Set(ctx, newKey, raw); err != nil {
		return keyLevel(key, err)
	}

	// from here on the record exists twice until the old key is gone
	if err := index.New(store).Insert(ctx, outages.IndexScore(r.Date), newKey); err != nil {
		return migration.Orphaned(key, err), nil
	}
	if _, err := store.Delete(ctx, key); err != nil {
		return migration.Orphaned(key, err), nil
	}

	logger.FromContext(ctx).Debug("Moved record", zap.String("key", key), zap.String("new_key", newKey))
	return migration.Migrated(key), nil
}
