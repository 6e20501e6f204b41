package all_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/index"
	"github.com/wickedlab/outages/inmem"
	"github.com/wickedlab/outages/kv"
	"github.com/wickedlab/outages/migration"
	"github.com/wickedlab/outages/migration/all"
	"github.com/wickedlab/outages/mock"
	outagestesting "github.com/wickedlab/outages/testing"
	"go.uber.org/zap/zaptest"
)

func newStore(t *testing.T, keys map[string]string) *kv.Service {
	t.Helper()

	ctx := context.Background()
	s := kv.NewService(zaptest.NewLogger(t), inmem.NewKVStore())
	require.NoError(t, s.Initialize(ctx))
	for k, v := range keys {
		require.NoError(t, s.Set(ctx, k, []byte(v)))
	}
	return s
}

func record(t *testing.T, id string, day civil.Date) string {
	t.Helper()
	b, err := outages.MarshalRecord(&outages.Record{
		ID:          id,
		Date:        day,
		County:      "Cluj",
		Locality:    "Floresti",
		Title:       "Intrerupere " + id,
		Description: "Strada Avram Iancu",
	})
	require.NoError(t, err)
	return string(b)
}

func keys(t *testing.T, s outages.KeyStore) []string {
	t.Helper()
	return outagestesting.ScanAll(context.Background(), s, "*", 100, t)
}

func get(t *testing.T, s outages.KeyStore, key string) string {
	t.Helper()
	v, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	return string(v)
}

// atVersion runs a step at another start version.
type atVersion struct {
	migration.Step
	start int64
}

func (s atVersion) StartVersion() int64 { return s.start }

var (
	day1 = civil.Date{Year: 2019, Month: 3, Day: 1}
	day2 = civil.Date{Year: 2019, Month: 3, Day: 2}
	day3 = civil.Date{Year: 2019, Month: 3, Day: 3}
)

func TestSteps(t *testing.T) {
	steps := all.Steps(nil)
	require.Len(t, steps, 3)
	for i, step := range steps {
		require.Equal(t, int64(i), step.StartVersion())
		require.NotEmpty(t, step.Description())
	}

	steps = all.Steps(&mock.RelationalStore{})
	require.Len(t, steps, 4)
	require.Equal(t, int64(3), steps[3].StartVersion())
}

func TestRenamePrefix_Scenario(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{
		"incident:A": "a",
		"incident:B": "b",
		"other:X":    "x",
	})

	e := migration.NewEngine(zaptest.NewLogger(t), store)
	report, err := e.Run(ctx, atVersion{Step: all.Step0001_RenamePrefix, start: 0})
	require.NoError(t, err)

	require.Equal(t, []string{outages.SchemaVersionKey, "incidents:A", "incidents:B", "other:X"}, keys(t, store))
	require.Equal(t, "a", get(t, store, "incidents:A"))
	require.Equal(t, "b", get(t, store, "incidents:B"))
	require.Equal(t, "1", get(t, store, outages.SchemaVersionKey))

	s := report.Steps[0].Summary
	require.Equal(t, 2, s.Migrated)
	require.Equal(t, []string{"other:X"}, s.SkippedKeys)
	require.Zero(t, s.Failed)
}

func TestRenamePrefix_TargetAlreadyWritten(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{
		"incident:A":  "stale",
		"incidents:A": "fresh",
	})

	o, err := all.Step0001_RenamePrefix.ApplyToKey(ctx, "incident:A", store)
	require.NoError(t, err)
	require.Equal(t, migration.StatusMigrated, o.Status)
	require.Equal(t, []string{"incidents:A"}, keys(t, store))
	require.Equal(t, "fresh", get(t, store, "incidents:A"))
}

func TestRenamePrefix_VanishedKey(t *testing.T) {
	o, err := all.Step0001_RenamePrefix.ApplyToKey(context.Background(), "incident:gone", newStore(t, nil))
	require.NoError(t, err)
	require.Equal(t, migration.StatusSkipped, o.Status)
}

func TestSortedSetIntroduction_InvalidJSON(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{
		"good": record(t, "good", day1),
		"bad":  "{not json",
	})

	report, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(ctx, all.Step0000_SortedSetIntroduction)
	require.NoError(t, err)

	s := report.Steps[0].Summary
	require.Equal(t, 1, s.Migrated)
	require.Equal(t, []string{"bad"}, s.FailedKeys)
	require.Contains(t, s.Reasons["bad"], "malformed record payload")

	require.Equal(t, "{not json", get(t, store, "bad"))
	require.Equal(t, record(t, "good", day1), get(t, store, "incident:good"))
	require.Equal(t, []string{"bad", outages.SchemaVersionKey, "incident:good"}, keys(t, store))
	require.Equal(t, "1", get(t, store, outages.SchemaVersionKey))

	members, err := index.New(store).Range(ctx, 0, -1, index.Descending)
	require.NoError(t, err)
	require.Equal(t, []string{"incident:good"}, members)
}

func TestSortedSetIntroduction_SkipsNamespacedKeys(t *testing.T) {
	store := newStore(t, map[string]string{"incidents:a": record(t, "a", day1)})

	for _, key := range []string{"incidents:a", "incident:a"} {
		o, err := all.Step0000_SortedSetIntroduction.ApplyToKey(context.Background(), key, store)
		require.NoError(t, err)
		require.Equal(t, migration.StatusSkipped, o.Status)
	}
	require.Equal(t, []string{"incidents:a"}, keys(t, store))
}

func TestSortedSetIntroduction_Orphaned(t *testing.T) {
	ctx := context.Background()
	base := newStore(t, map[string]string{"guid-1": record(t, "guid-1", day1)})

	store := mock.NewKeyStore(base)
	store.DeleteFn = func(ctx context.Context, key string) (bool, error) {
		return false, &outages.Error{Code: outages.EInternal, Msg: "delete refused"}
	}

	o, err := all.Step0000_SortedSetIntroduction.ApplyToKey(ctx, "guid-1", store)
	require.NoError(t, err)
	require.Equal(t, migration.StatusOrphaned, o.Status)
	require.Contains(t, o.Reason, "delete refused")

	// both copies survive, nothing is lost
	require.Equal(t, []string{"guid-1", "incident:guid-1"}, keys(t, base))
}

func TestSortedSetIntroduction_ConnectivityAborts(t *testing.T) {
	ctx := context.Background()
	base := newStore(t, map[string]string{"guid-1": record(t, "guid-1", day1)})

	store := mock.NewKeyStore(base)
	store.SetFn = func(ctx context.Context, key string, value []byte) error {
		return &outages.Error{Code: outages.EUnavailable, Msg: "connection refused"}
	}

	_, err := all.Step0000_SortedSetIntroduction.ApplyToKey(ctx, "guid-1", store)
	require.True(t, outages.IsConnectivity(err))
	require.Equal(t, []string{"guid-1"}, keys(t, base))
}

func TestRebuildIndex(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{
		outages.SchemaVersionKey: "2",
		"incidents:a":            record(t, "a", day1),
		"incidents:b":            record(t, "b", day3),
		"incidents:c":            record(t, "c", day2),
		"incidents:incident":     record(t, "bogus", day1),
		"incidents:sorted":       "legacy plain index",
		"unrelated":              "x",
	})
	idx := index.New(store)
	require.NoError(t, idx.Insert(ctx, 1, "incident:a"))
	require.NoError(t, idx.Insert(ctx, 2, "incidents:gone"))

	report, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(ctx, all.Step0002_RebuildIndex)
	require.NoError(t, err)
	require.Equal(t, 3, report.Steps[0].Summary.Migrated)

	require.Equal(t, []string{outages.SchemaVersionKey, "incidents:a", "incidents:b", "incidents:c", "unrelated"}, keys(t, store))

	members, err := idx.Range(ctx, 0, -1, index.Descending)
	require.NoError(t, err)
	require.Equal(t, []string{"incidents:b", "incidents:c", "incidents:a"}, members)
}

func TestRelocateToRelational(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{
		outages.SchemaVersionKey: "3",
		"incidents:a":            record(t, "a", day1),
		"incidents:b":            record(t, "b", day2),
		"incidents:broken":       "[]",
	})

	var (
		mu   sync.Mutex
		rows = map[string]map[string]interface{}{}
	)
	rel := &mock.RelationalStore{
		UpsertFn: func(ctx context.Context, table, conflictKey string, fields map[string]interface{}) error {
			require.Equal(t, all.IncidentsTable, table)
			require.Equal(t, all.IncidentsConflictKey, conflictKey)
			mu.Lock()
			defer mu.Unlock()
			rows[fields[conflictKey].(string)] = fields
			return nil
		},
	}

	report, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(ctx, all.Steps(rel)...)
	require.NoError(t, err)
	require.Equal(t, int64(4), report.EndVersion)
	require.Equal(t, 2, report.Steps[0].Summary.Migrated)
	require.Equal(t, []string{"incidents:broken"}, report.Steps[0].Summary.FailedKeys)

	want := map[string]map[string]interface{}{
		"a": {
			"external_id": "a",
			"day":         "2019-03-01",
			"county":      "Cluj",
			"location":    "Floresti",
			"title":       "Intrerupere a",
			"description": "Strada Avram Iancu",
		},
		"b": {
			"external_id": "b",
			"day":         "2019-03-02",
			"county":      "Cluj",
			"location":    "Floresti",
			"title":       "Intrerupere b",
			"description": "Strada Avram Iancu",
		},
	}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Fatalf("unexpected rows -want/+got:\n%s", diff)
	}

	// the key value copy stays
	require.Equal(t, record(t, "a", day1), get(t, store, "incidents:a"))
}

func TestRelocateToRelational_Errors(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{"incidents:a": record(t, "a", day1)})

	tests := []struct {
		name      string
		upsertErr error
		abort     bool
	}{
		{
			name:      "connectivity aborts",
			upsertErr: &outages.Error{Code: outages.EUnavailable, Msg: "dial tcp: connection refused"},
			abort:     true,
		},
		{
			name:      "constraint violation fails the key",
			upsertErr: &outages.Error{Code: outages.EConflict, Msg: "value too long"},
		},
		{
			name:      "unclassified error fails the key",
			upsertErr: errors.New("boom"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step := all.NewRelocateToRelational(&mock.RelationalStore{
				UpsertFn: func(context.Context, string, string, map[string]interface{}) error {
					return tt.upsertErr
				},
			})

			o, err := step.ApplyToKey(ctx, "incidents:a", store)
			if tt.abort {
				require.True(t, outages.IsConnectivity(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, migration.StatusFailed, o.Status)
		})
	}
}

func TestAllSteps_FromLegacyLayout(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{
		"guid-1": record(t, "guid-1", day2),
		"guid-2": record(t, "guid-2", day1),
		"guid-3": record(t, "guid-3", day3),
		"bad":    "not a record",
	})

	var (
		mu       sync.Mutex
		upserted []string
	)
	rel := &mock.RelationalStore{
		UpsertFn: func(ctx context.Context, table, conflictKey string, fields map[string]interface{}) error {
			mu.Lock()
			defer mu.Unlock()
			upserted = append(upserted, fields[conflictKey].(string))
			return nil
		},
	}

	e := migration.NewEngine(zaptest.NewLogger(t), store, migration.WithPageSize(2), migration.WithConcurrency(3))
	report, err := e.Run(ctx, all.Steps(rel)...)
	require.NoError(t, err)
	require.Equal(t, int64(0), report.StartVersion)
	require.Equal(t, int64(4), report.EndVersion)

	require.Equal(t, []string{
		"bad",
		outages.SchemaVersionKey,
		"incidents:guid-1",
		"incidents:guid-2",
		"incidents:guid-3",
	}, keys(t, store))

	members, err := index.New(store).Range(ctx, 0, -1, index.Descending)
	require.NoError(t, err)
	require.Equal(t, []string{"incidents:guid-3", "incidents:guid-1", "incidents:guid-2"}, members)

	sort.Strings(upserted)
	require.Equal(t, []string{"guid-1", "guid-2", "guid-3"}, upserted)

	// a second run with no new writes touches nothing
	counting := mock.NewKeyStore(store)
	var mutations int
	counting.SetFn = func(ctx context.Context, key string, value []byte) error { mutations++; return store.Set(ctx, key, value) }
	counting.DeleteFn = func(ctx context.Context, key string) (bool, error) { mutations++; return store.Delete(ctx, key) }
	counting.RenameFn = func(ctx context.Context, from, to string) error { mutations++; return store.Rename(ctx, from, to) }
	counting.IncrFn = func(ctx context.Context, key string) (int64, error) { mutations++; return store.Incr(ctx, key) }
	counting.SortedAddFn = func(ctx context.Context, set string, score int64, member string) error {
		mutations++
		return store.SortedAdd(ctx, set, score, member)
	}
	counting.SortedDropFn = func(ctx context.Context, set string) error { mutations++; return store.SortedDrop(ctx, set) }

	report, err = migration.NewEngine(zaptest.NewLogger(t), counting).Run(ctx, all.Steps(rel)...)
	require.NoError(t, err)
	require.Empty(t, report.Steps)
	require.Zero(t, mutations)
	require.Len(t, upserted, 3)
}

// storeState captures every key, the time index and the relational rows.
type storeState struct {
	Values  map[string]string
	Indexed []string
	Rows    map[string]map[string]interface{}
}

func TestSteps_ApplyToKeyTwice(t *testing.T) {
	tests := []struct {
		name string
		step func(rel outages.RelationalStore) migration.Step
		keys map[string]string
		key  string
		// upserts is the number of relational writes across both applications.
		upserts int
	}{
		{
			name: "sorted set introduction",
			step: func(outages.RelationalStore) migration.Step { return all.Step0000_SortedSetIntroduction },
			keys: map[string]string{"guid-1": record(t, "guid-1", day1), "guid-2": record(t, "guid-2", day2)},
			key:  "guid-1",
		},
		{
			name: "rename prefix",
			step: func(outages.RelationalStore) migration.Step { return all.Step0001_RenamePrefix },
			keys: map[string]string{"incident:guid-1": record(t, "guid-1", day1), "incident:guid-2": record(t, "guid-2", day2)},
			key:  "incident:guid-1",
		},
		{
			name: "rebuild index",
			step: func(outages.RelationalStore) migration.Step { return all.Step0002_RebuildIndex },
			keys: map[string]string{"incidents:guid-1": record(t, "guid-1", day1), "incidents:guid-2": record(t, "guid-2", day2)},
			key:  "incidents:guid-1",
		},
		{
			name:    "relocate to relational",
			step:    func(rel outages.RelationalStore) migration.Step { return all.NewRelocateToRelational(rel) },
			keys:    map[string]string{"incidents:guid-1": record(t, "guid-1", day1), "incidents:guid-2": record(t, "guid-2", day2)},
			key:     "incidents:guid-1",
			upserts: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newStore(t, tt.keys)

			rows := make(map[string]map[string]interface{})
			var upserts []map[string]interface{}
			rel := &mock.RelationalStore{
				UpsertFn: func(ctx context.Context, table, conflictKey string, fields map[string]interface{}) error {
					require.Equal(t, all.IncidentsTable, table)
					upserts = append(upserts, fields)
					rows[fields[conflictKey].(string)] = fields
					return nil
				},
			}

			state := func() storeState {
				s := storeState{
					Values: make(map[string]string),
					Rows:   make(map[string]map[string]interface{}, len(rows)),
				}
				for _, k := range keys(t, store) {
					s.Values[k] = get(t, store, k)
				}
				var err error
				s.Indexed, err = index.New(store).Range(ctx, 0, -1, index.Descending)
				require.NoError(t, err)
				for id, row := range rows {
					s.Rows[id] = row
				}
				return s
			}

			step := tt.step(rel)

			o, err := step.ApplyToKey(ctx, tt.key, store)
			require.NoError(t, err)
			require.Equal(t, migration.StatusMigrated, o.Status)
			first := state()

			o, err = step.ApplyToKey(ctx, tt.key, store)
			require.NoError(t, err)
			require.Contains(t, []migration.Status{migration.StatusSkipped, migration.StatusMigrated}, o.Status)

			if diff := cmp.Diff(first, state()); diff != "" {
				t.Fatalf("second application changed the store -want/+got:\n%s", diff)
			}

			require.Len(t, upserts, tt.upserts)
			if tt.upserts == 2 {
				if diff := cmp.Diff(upserts[0], upserts[1]); diff != "" {
					t.Fatalf("second upsert wrote a different row -want/+got:\n%s", diff)
				}
			}
		})
	}
}
