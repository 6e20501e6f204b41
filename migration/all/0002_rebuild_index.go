package all

import (
	"context"

	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/index"
	"github.com/wickedlab/outages/logger"
	"github.com/wickedlab/outages/migration"
	"go.uber.org/zap"
)

// Step0002_RebuildIndex drops the time index and rebuilds it from the
// incidents:<id> keys. It also deletes two stray keys left at the top level:
// incidents:incident, written by an earlier rename that used the wrong key
// component, and incidents:sorted from stores where the index was a plain key.
var Step0002_RebuildIndex migration.Step = rebuildIndex{}

var strayKeys = []string{"incidents:incident", outages.SortedIncidentsKey}

type rebuildIndex struct{}

func (rebuildIndex) StartVersion() int64 { return 2 }

func (rebuildIndex) Description() string {
	return "remove stray keys and rebuild the time index"
}

func (rebuildIndex) Prepare(ctx context.Context, store outages.KeyStore) error {
	log := logger.FromContext(ctx)

	if err := index.New(store).Drop(ctx); err != nil {
		return err
	}

	for _, key := range strayKeys {
		existed, err := store.Delete(ctx, key)
		if err != nil {
			return err
		}
		if existed {
			log.Info("Found and deleted key", zap.String("key", key))
		}
	}
	return nil
}

func (rebuildIndex) ApplyToKey(ctx context.Context, key string, store outages.KeyStore) (migration.Outcome, error) {
	if !outages.CurrentKeyScheme.Matches(key) {
		return migration.Skipped(key), nil
	}

	r, _, o, err := loadRecord(ctx, store, key)
	if o != nil || err != nil {
		return *o, err
	}

	if err := index.New(store).Insert(ctx, outages.IndexScore(r.Date), key); err != nil {
		return keyLevel(key, err)
	}
	return migration.Migrated(key), nil
}
