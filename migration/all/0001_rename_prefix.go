package all

import (
	"context"

	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/migration"
)

// Step0001_RenamePrefix renames incident:<id> to incidents:<id>.
var Step0001_RenamePrefix migration.Step = renamePrefix{}

type renamePrefix struct {
	migration.NoPrepare
}

func (renamePrefix) StartVersion() int64 { return 1 }

func (renamePrefix) Description() string {
	return "rename incident:<id> keys to incidents:<id>"
}

func (renamePrefix) ApplyToKey(ctx context.Context, key string, store outages.KeyStore) (migration.Outcome, error) {
	id, ok := outages.SingularKeyScheme.ParseKey(key)
	if !ok {
		return migration.Skipped(key), nil
	}
	target := outages.CurrentKeyScheme.PrimaryKey(id)

	// ingestion already writing the new layout wins over the legacy copy
	_, err := store.Get(ctx, target)
	switch {
	case err == nil:
		existed, err := store.Delete(ctx, key)
		if err != nil {
			return keyLevel(key, err)
		}
		if !existed {
			return migration.Skipped(key), nil
		}
		return migration.Migrated(key), nil
	case !outages.IsNotFound(err):
		return keyLevel(key, err)
	}

	if err := store.Rename(ctx, key, target); err != nil {
		if outages.IsNotFound(err) {
			return migration.Skipped(key), nil
		}
		return keyLevel(key, err)
	}
	return migration.Migrated(key), nil
}
