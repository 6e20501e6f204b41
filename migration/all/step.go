package all

import (
	"context"

	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/migration"
)

// keyLevel turns err into the outcome of key. Connectivity failures are
// returned as errors so the engine aborts the step.
func keyLevel(key string, err error) (migration.Outcome, error) {
	if outages.IsConnectivity(err) {
		return migration.Outcome{}, err
	}
	return migration.Failed(key, err), nil
}

// loadRecord reads and decodes the record at key. A missing key yields a
// skipped outcome, an undecodable one a failed outcome.
func loadRecord(ctx context.Context, store outages.KeyStore, key string) (*outages.Record, []byte, *migration.Outcome, error) {
	v, err := store.Get(ctx, key)
	if err != nil {
		if outages.IsNotFound(err) {
			o := migration.Skipped(key)
			return nil, nil, &o, nil
		}
		o, err := keyLevel(key, err)
		return nil, nil, &o, err
	}

	r, err := outages.UnmarshalRecord(v)
	if err != nil {
		o := migration.Failed(key, err)
		return nil, nil, &o, nil
	}

	return r, v, nil, nil
}
