package migration_test

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/inmem"
	"github.com/wickedlab/outages/kv"
	"github.com/wickedlab/outages/migration"
	"github.com/wickedlab/outages/mock"
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

// recordingStep marks every key it visits.
type recordingStep struct {
	migration.NoPrepare
	start int64
	apply func(ctx context.Context, key string, store outages.KeyStore) (migration.Outcome, error)

	mu   sync.Mutex
	seen []string
}

func (s *recordingStep) StartVersion() int64 { return s.start }

func (s *recordingStep) Description() string { return fmt.Sprintf("recording step %d", s.start) }

func (s *recordingStep) ApplyToKey(ctx context.Context, key string, store outages.KeyStore) (migration.Outcome, error) {
	s.mu.Lock()
	s.seen = append(s.seen, key)
	s.mu.Unlock()

	if s.apply != nil {
		return s.apply(ctx, key, store)
	}
	return migration.Skipped(key), nil
}

func (s *recordingStep) visited() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]string(nil), s.seen...)
	sort.Strings(out)
	return out
}

func version(t *testing.T, s outages.KeyStore) string {
	t.Helper()
	v, err := s.Get(context.Background(), outages.SchemaVersionKey)
	require.NoError(t, err)
	return string(v)
}

func TestEngine_Version(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		stored  *string
		want    int64
		wantErr bool
	}{
		{name: "absent is zero", want: 0},
		{name: "decimal", stored: strptr("3"), want: 3},
		{name: "not an integer", stored: strptr("three"), wantErr: true},
		{name: "negative", stored: strptr("-1"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keys := map[string]string{}
			if tt.stored != nil {
				keys[outages.SchemaVersionKey] = *tt.stored
			}
			e := migration.NewEngine(zaptest.NewLogger(t), newStore(t, keys))

			got, err := e.Version(ctx)
			if tt.wantErr {
				var verr *migration.VersionError
				require.ErrorAs(t, err, &verr)
				require.Equal(t, outages.SchemaVersionKey, verr.Key)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func strptr(s string) *string { return &s }

func TestEngine_Run_UnreadableVersionRunsNothing(t *testing.T) {
	ctx := context.Background()

	store := mock.NewKeyStore(newStore(t, map[string]string{"a": "1"}))
	store.GetFn = func(ctx context.Context, key string) ([]byte, error) {
		return nil, &outages.Error{Code: outages.EUnavailable, Msg: "connection refused"}
	}

	step := &recordingStep{start: 0}
	report, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(ctx, step)

	var verr *migration.VersionError
	require.ErrorAs(t, err, &verr)
	require.Nil(t, report)
	require.Empty(t, step.visited())
}

func TestEngine_Run_MonotonicVersion(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{"a": "1", "b": "2"})

	steps := []migration.Step{
		&recordingStep{start: 2},
		&recordingStep{start: 0},
		&recordingStep{start: 1},
	}

	report, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(ctx, steps...)
	require.NoError(t, err)
	require.Equal(t, int64(0), report.StartVersion)
	require.Equal(t, int64(3), report.EndVersion)
	require.Len(t, report.Steps, 3)
	for i, sr := range report.Steps {
		require.Equal(t, int64(i), sr.StartVersion)
		require.Equal(t, 2, sr.Summary.Skipped)
	}
	require.Equal(t, "3", version(t, store))
}

func TestEngine_Run_EligibilityFilter(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{
		outages.SchemaVersionKey: "2",
		"a":                      "1",
	})

	steps := []*recordingStep{{start: 0}, {start: 1}, {start: 2}, {start: 3}}
	report, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(ctx,
		steps[0], steps[1], steps[2], steps[3])
	require.NoError(t, err)

	require.Empty(t, steps[0].visited())
	require.Empty(t, steps[1].visited())
	require.Equal(t, []string{"a"}, steps[2].visited())
	require.Equal(t, []string{"a"}, steps[3].visited())
	require.Equal(t, int64(4), report.EndVersion)
	require.Equal(t, "4", version(t, store))
}

func TestEngine_Run_VersionKeyIsNeverTransformed(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{
		outages.SchemaVersionKey: "0",
		"a":                      "1",
	})

	step := &recordingStep{start: 0}
	_, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(ctx, step)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, step.visited())
}

func TestEngine_Run_VersionGap(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{"a": "1"})

	first := &recordingStep{start: 0}
	sparse := &recordingStep{start: 2}

	report, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(ctx, first, sparse)
	require.ErrorIs(t, err, migration.ErrVersionGap)

	var serr *migration.StepError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, int64(2), serr.Step)

	require.Equal(t, int64(1), report.EndVersion)
	require.Empty(t, sparse.visited())
	require.Equal(t, "1", version(t, store))
}

func TestEngine_Run_DuplicateStartVersions(t *testing.T) {
	store := newStore(t, nil)

	_, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(context.Background(),
		&recordingStep{start: 0}, &recordingStep{start: 0})
	require.ErrorIs(t, err, migration.ErrDuplicateStep)

	_, err = store.Get(context.Background(), outages.SchemaVersionKey)
	require.True(t, outages.IsNotFound(err))
}

func TestEngine_Run_ConnectivityAbortsStep(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{"k1": "", "k2": "", "k3": "", "k4": "", "k5": ""})

	down := &outages.Error{Code: outages.EUnavailable, Msg: "connection reset"}
	step := &recordingStep{
		start: 0,
		apply: func(ctx context.Context, key string, store outages.KeyStore) (migration.Outcome, error) {
			if key == "k3" {
				return migration.Outcome{}, down
			}
			return migration.Migrated(key), nil
		},
	}

	e := migration.NewEngine(zaptest.NewLogger(t), store, migration.WithPageSize(2))
	report, err := e.Run(ctx, step)
	require.Error(t, err)
	require.True(t, outages.IsConnectivity(err))
	require.ErrorIs(t, err, down)

	var serr *migration.StepError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, int64(0), serr.Step)
	require.Equal(t, hex.EncodeToString([]byte("k2")), serr.Cursor)
	require.Equal(t, 2, serr.Scanned)

	// nothing after the failing key was started
	require.Equal(t, []string{"k1", "k2", "k3"}, step.visited())

	require.Empty(t, report.Steps)
	_, err = store.Get(ctx, outages.SchemaVersionKey)
	require.True(t, outages.IsNotFound(err), "schema version must not advance")
}

func TestEngine_Run_ScanFailureAbortsStep(t *testing.T) {
	ctx := context.Background()
	store := mock.NewKeyStore(newStore(t, map[string]string{"a": "", "b": "", "c": ""}))

	base := store.ScanFn
	store.ScanFn = func(ctx context.Context, cursor, match string, count int) (string, []string, error) {
		if cursor != outages.ScanStart {
			return outages.ScanStart, nil, &outages.Error{Code: outages.EUnavailable, Msg: "timeout"}
		}
		return base(ctx, cursor, match, count)
	}

	e := migration.NewEngine(zaptest.NewLogger(t), store, migration.WithPageSize(2))
	_, err := e.Run(ctx, &recordingStep{start: 0})

	var serr *migration.StepError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, hex.EncodeToString([]byte("b")), serr.Cursor)
	require.Equal(t, 2, serr.Scanned)
	require.True(t, outages.IsConnectivity(err))
}

func TestEngine_Run_PrepareFailureAbortsStep(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{"a": ""})

	step := &preparingStep{err: &outages.Error{Code: outages.EIndexUnavailable}}
	_, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(ctx, step)

	var serr *migration.StepError
	require.ErrorAs(t, err, &serr)
	require.Equal(t, outages.ScanStart, serr.Cursor)
	require.True(t, outages.IsConnectivity(err))
	require.Zero(t, step.applied)
}

type preparingStep struct {
	err     error
	applied int
}

func (s *preparingStep) StartVersion() int64 { return 0 }
func (s *preparingStep) Description() string { return "prepare fails" }
func (s *preparingStep) Prepare(context.Context, outages.KeyStore) error {
	return s.err
}
func (s *preparingStep) ApplyToKey(ctx context.Context, key string, _ outages.KeyStore) (migration.Outcome, error) {
	s.applied++
	return migration.Skipped(key), nil
}

func TestEngine_Run_KeyLevelFailuresDoNotStopTheStep(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{"a": "", "b": "", "c": "", "d": ""})

	step := &recordingStep{
		start: 0,
		apply: func(ctx context.Context, key string, store outages.KeyStore) (migration.Outcome, error) {
			switch key {
			case "b":
				return migration.Failed(key, errors.New("malformed")), nil
			case "c":
				return migration.Orphaned(key, errors.New("delete failed")), nil
			default:
				return migration.Migrated(key), nil
			}
		},
	}

	report, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(ctx, step)
	require.NoError(t, err)
	require.Len(t, report.Steps, 1)

	s := report.Steps[0].Summary
	require.Equal(t, 2, s.Migrated)
	require.Equal(t, []string{"b"}, s.FailedKeys)
	require.Equal(t, []string{"c"}, s.OrphanedKeys)
	require.Equal(t, "malformed", s.Reasons["b"])
	require.Equal(t, "1", version(t, store))
}

func TestEngine_Run_Concurrency(t *testing.T) {
	ctx := context.Background()

	keys := map[string]string{}
	for i := 0; i < 250; i++ {
		keys[fmt.Sprintf("key-%03d", i)] = ""
	}
	store := newStore(t, keys)

	var (
		mu          sync.Mutex
		inFlight    int
		maxInFlight int
	)
	step := &recordingStep{
		start: 0,
		apply: func(ctx context.Context, key string, store outages.KeyStore) (migration.Outcome, error) {
			mu.Lock()
			inFlight++
			if inFlight > maxInFlight {
				maxInFlight = inFlight
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inFlight--
			mu.Unlock()
			return migration.Migrated(key), nil
		},
	}

	e := migration.NewEngine(zaptest.NewLogger(t), store,
		migration.WithPageSize(40),
		migration.WithConcurrency(4))
	report, err := e.Run(ctx, step)
	require.NoError(t, err)
	require.Equal(t, 250, report.Steps[0].Summary.Migrated)
	require.Len(t, step.visited(), 250)
	require.LessOrEqual(t, maxInFlight, 4)
}

func TestEngine_Run_ScanPattern(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{"incident:1": "", "incident:2": "", "other": ""})

	step := &recordingStep{start: 0}
	e := migration.NewEngine(zaptest.NewLogger(t), store, migration.WithScanPattern("incident:*"))
	_, err := e.Run(ctx, step)
	require.NoError(t, err)
	require.Equal(t, []string{"incident:1", "incident:2"}, step.visited())
}

func TestEngine_Run_Metrics(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{"a": "", "b": "", "c": ""})

	step := &recordingStep{
		start: 0,
		apply: func(ctx context.Context, key string, store outages.KeyStore) (migration.Outcome, error) {
			if key == "c" {
				return migration.Skipped(key), nil
			}
			return migration.Migrated(key), nil
		},
	}

	m := migration.NewMetrics()
	e := migration.NewEngine(zaptest.NewLogger(t), store, migration.WithMetrics(m))
	_, err := e.Run(ctx, step)
	require.NoError(t, err)

	require.Equal(t, float64(2), testutil.ToFloat64(m.Keys.WithLabelValues("0", "migrated")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.Keys.WithLabelValues("0", "skipped")))
	require.Equal(t, float64(1), testutil.ToFloat64(m.SchemaVersion))
	require.Equal(t, 1, testutil.CollectAndCount(m.StepDuration))
	require.Len(t, m.PrometheusCollectors(), 3)
}

func TestEngine_Run_UpToDate(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{outages.SchemaVersionKey: "2", "a": ""})

	step := &recordingStep{start: 1}
	report, err := migration.NewEngine(zaptest.NewLogger(t), store).Run(ctx, step)
	require.NoError(t, err)
	require.Equal(t, int64(2), report.StartVersion)
	require.Equal(t, int64(2), report.EndVersion)
	require.Empty(t, report.Steps)
	require.Empty(t, step.visited())
}

func TestEngine_Run_ReportTimes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{"a": ""})

	now := time.Date(2019, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(time.Second)
		return now
	}

	report, err := migration.NewEngine(zaptest.NewLogger(t), store, migration.WithNow(clock)).
		Run(ctx, &recordingStep{start: 0})
	require.NoError(t, err)
	require.Equal(t, time.Second, report.Steps[0].FinishedAt.Sub(report.Steps[0].StartedAt))
}

func TestEngine_List(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{outages.SchemaVersionKey: "1"})

	states, err := migration.NewEngine(zaptest.NewLogger(t), store).List(ctx, []migration.Step{
		&recordingStep{start: 1},
		&recordingStep{start: 0},
	})
	require.NoError(t, err)
	require.Equal(t, []migration.StepState{
		{StartVersion: 0, Description: "recording step 0", State: migration.UpState},
		{StartVersion: 1, Description: "recording step 1", State: migration.DownState},
	}, states)
	require.Equal(t, "up", states[0].State.String())
	require.Equal(t, "down", states[1].State.String())
}

func TestEngine_WithVersionKey(t *testing.T) {
	ctx := context.Background()
	store := newStore(t, map[string]string{"schema": "0", "a": ""})

	step := &recordingStep{start: 0}
	_, err := migration.NewEngine(zaptest.NewLogger(t), store, migration.WithVersionKey("schema")).Run(ctx, step)
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, step.visited())

	v, err := store.Get(ctx, "schema")
	require.NoError(t, err)
	require.Equal(t, "1", string(v))
}
