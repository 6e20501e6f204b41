package testing

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/wickedlab/outages"
	"golang.org/x/sync/errgroup"
)

// SortedMember is a member of a sorted set seeded into a store under test.
type SortedMember struct {
	Score  int64
	Member string
}

// KeyStoreFields seeds a store under test. Sorted members are added in order.
type KeyStoreFields struct {
	Keys   map[string]string
	Sorted map[string][]SortedMember
}

type keyStoreF func(
	init func(KeyStoreFields, *testing.T) (outages.KeyStore, func()),
	t *testing.T,
)

// KeyStore tests the outages.KeyStore contract against an implementation.
func KeyStore(
	init func(KeyStoreFields, *testing.T) (outages.KeyStore, func()),
	t *testing.T,
) {
	tests := []struct {
		name string
		fn   keyStoreF
	}{
		{name: "GetSetDelete", fn: GetSetDelete},
		{name: "Rename", fn: Rename},
		{name: "Incr", fn: Incr},
		{name: "Scan", fn: Scan},
		{name: "ScanMatch", fn: ScanMatch},
		{name: "SortedRange", fn: SortedRange},
		{name: "SortedUpdate", fn: SortedUpdate},
		{name: "SortedDrop", fn: SortedDrop},
		{name: "Concurrent", fn: Concurrent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(init, t)
		})
	}
}

// Seed writes fields into s.
func Seed(ctx context.Context, s outages.KeyStore, fields KeyStoreFields, t *testing.T) {
	t.Helper()
	for k, v := range fields.Keys {
		require.NoError(t, s.Set(ctx, k, []byte(v)), "failed to populate key %q", k)
	}
	for set, members := range fields.Sorted {
		for _, m := range members {
			require.NoError(t, s.SortedAdd(ctx, set, m.Score, m.Member), "failed to populate set %q", set)
		}
	}
}

func GetSetDelete(
	init func(KeyStoreFields, *testing.T) (outages.KeyStore, func()),
	t *testing.T,
) {
	s, done := init(KeyStoreFields{
		Keys: map[string]string{"a": "1"},
	}, t)
	defer done()
	ctx := context.Background()

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	_, err = s.Get(ctx, "missing")
	require.Equal(t, outages.ENotFound, outages.ErrorCode(err))

	require.NoError(t, s.Set(ctx, "a", []byte("2")))
	v, err = s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "2", string(v))

	existed, err := s.Delete(ctx, "a")
	require.NoError(t, err)
	require.True(t, existed)

	existed, err = s.Delete(ctx, "a")
	require.NoError(t, err)
	require.False(t, existed)

	err = s.Set(ctx, "", []byte("x"))
	require.Equal(t, outages.EInvalid, outages.ErrorCode(err))
}

func Rename(
	init func(KeyStoreFields, *testing.T) (outages.KeyStore, func()),
	t *testing.T,
) {
	s, done := init(KeyStoreFields{
		Keys: map[string]string{
			"from":     "payload",
			"occupied": "old",
		},
	}, t)
	defer done()
	ctx := context.Background()

	require.NoError(t, s.Rename(ctx, "from", "to"))

	_, err := s.Get(ctx, "from")
	require.True(t, outages.IsNotFound(err))
	v, err := s.Get(ctx, "to")
	require.NoError(t, err)
	require.Equal(t, "payload", string(v))

	require.NoError(t, s.Rename(ctx, "to", "occupied"))
	v, err = s.Get(ctx, "occupied")
	require.NoError(t, err)
	require.Equal(t, "payload", string(v))

	err = s.Rename(ctx, "from", "elsewhere")
	require.Equal(t, outages.ENotFound, outages.ErrorCode(err))
}

func Incr(
	init func(KeyStoreFields, *testing.T) (outages.KeyStore, func()),
	t *testing.T,
) {
	s, done := init(KeyStoreFields{
		Keys: map[string]string{
			"counter": "41",
			"text":    "forty",
		},
	}, t)
	defer done()
	ctx := context.Background()

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, int64(42), n)

	n, err = s.Incr(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	v, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	require.Equal(t, "1", string(v))

	_, err = s.Incr(ctx, "text")
	require.Equal(t, outages.EInvalid, outages.ErrorCode(err))
}

// ScanAll drains a scan of s and returns the keys seen, sorted.
func ScanAll(ctx context.Context, s outages.KeyStore, match string, count int, t *testing.T) []string {
	t.Helper()

	var (
		all    []string
		cursor = outages.ScanStart
	)
	for i := 0; ; i++ {
		require.Less(t, i, 10000, "scan did not terminate")

		next, keys, err := s.Scan(ctx, cursor, match, count)
		require.NoError(t, err)
		all = append(all, keys...)
		if next == outages.ScanStart {
			break
		}
		cursor = next
	}
	sort.Strings(all)
	return all
}

func Scan(
	init func(KeyStoreFields, *testing.T) (outages.KeyStore, func()),
	t *testing.T,
) {
	keys := map[string]string{}
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		keys[k] = k
	}
	s, done := init(KeyStoreFields{Keys: keys}, t)
	defer done()
	ctx := context.Background()

	for _, count := range []int{1, 2, 3, 7, 100} {
		got := ScanAll(ctx, s, "*", count, t)
		if diff := cmp.Diff([]string{"a", "b", "c", "d", "e", "f", "g"}, got); diff != "" {
			t.Fatalf("scan with count %d returned unexpected keys -want/+got:\n%s", count, diff)
		}
	}

	_, _, err := s.Scan(ctx, "not-a-cursor", "*", 10)
	require.Equal(t, outages.EInvalid, outages.ErrorCode(err))

	// keys removed behind the cursor do not disturb the traversal
	next, first, err := s.Scan(ctx, outages.ScanStart, "*", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, first)
	for _, k := range first {
		_, err := s.Delete(ctx, k)
		require.NoError(t, err)
	}
	var rest []string
	for cursor := next; cursor != outages.ScanStart; {
		var keys []string
		cursor, keys, err = s.Scan(ctx, cursor, "*", 3)
		require.NoError(t, err)
		rest = append(rest, keys...)
	}
	require.Equal(t, []string{"d", "e", "f", "g"}, rest)
}

func ScanMatch(
	init func(KeyStoreFields, *testing.T) (outages.KeyStore, func()),
	t *testing.T,
) {
	s, done := init(KeyStoreFields{
		Keys: map[string]string{
			"incident:1":  "x",
			"incident:2":  "x",
			"incidents:3": "x",
			"other:4":     "x",
			"db_version":  "2",
		},
	}, t)
	defer done()
	ctx := context.Background()

	got := ScanAll(ctx, s, "incident:*", 1, t)
	require.Equal(t, []string{"incident:1", "incident:2"}, got)

	got = ScanAll(ctx, s, "*:*", 2, t)
	require.Equal(t, []string{"incident:1", "incident:2", "incidents:3", "other:4"}, got)

	got = ScanAll(ctx, s, "db_version", 10, t)
	require.Equal(t, []string{"db_version"}, got)
}

func SortedRange(
	init func(KeyStoreFields, *testing.T) (outages.KeyStore, func()),
	t *testing.T,
) {
	s, done := init(KeyStoreFields{
		Sorted: map[string][]SortedMember{
			"idx": {
				{Score: 20, Member: "b1"},
				{Score: -5, Member: "neg"},
				{Score: 10, Member: "a"},
				{Score: 20, Member: "b2"},
				{Score: 30, Member: "c"},
				{Score: 20, Member: "b3"},
			},
			"other": {
				{Score: 1, Member: "x"},
			},
		},
	}, t)
	defer done()
	ctx := context.Background()

	tests := []struct {
		name        string
		start, stop int64
		descending  bool
		want        []string
	}{
		{name: "ascending", start: 0, stop: -1, want: []string{"neg", "a", "b1", "b2", "b3", "c"}},
		{name: "descending keeps ties in insertion order", start: 0, stop: -1, descending: true, want: []string{"c", "b1", "b2", "b3", "a", "neg"}},
		{name: "window", start: 1, stop: 3, want: []string{"a", "b1", "b2"}},
		{name: "descending window splitting ties", start: 2, stop: 4, descending: true, want: []string{"b2", "b3", "a"}},
		{name: "negative ranks", start: -2, stop: -1, want: []string{"b3", "c"}},
		{name: "past the end", start: 10, stop: 20, want: []string{}},
		{name: "inverted", start: 3, stop: 1, want: []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.SortedRange(ctx, "idx", tt.start, tt.stop, tt.descending)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected range -want/+got:\n%s", diff)
			}
		})
	}

	n, err := s.SortedCard(ctx, "idx")
	require.NoError(t, err)
	require.Equal(t, int64(6), n)

	n, err = s.SortedCard(ctx, "missing")
	require.NoError(t, err)
	require.Zero(t, n)

	got, err := s.SortedRange(ctx, "missing", 0, -1, true)
	require.NoError(t, err)
	require.Empty(t, got)
}

func SortedUpdate(
	init func(KeyStoreFields, *testing.T) (outages.KeyStore, func()),
	t *testing.T,
) {
	s, done := init(KeyStoreFields{
		Sorted: map[string][]SortedMember{
			"idx": {
				{Score: 1, Member: "a"},
				{Score: 2, Member: "b"},
			},
		},
	}, t)
	defer done()
	ctx := context.Background()

	// re-adding with the same score is a no-op
	require.NoError(t, s.SortedAdd(ctx, "idx", 1, "a"))
	got, err := s.SortedRange(ctx, "idx", 0, -1, false)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, got)

	// a new score moves the member
	require.NoError(t, s.SortedAdd(ctx, "idx", 3, "a"))
	got, err = s.SortedRange(ctx, "idx", 0, -1, false)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, got)

	removed, err := s.SortedRemove(ctx, "idx", "b")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = s.SortedRemove(ctx, "idx", "b")
	require.NoError(t, err)
	require.False(t, removed)

	n, err := s.SortedCard(ctx, "idx")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	err = s.SortedAdd(ctx, "", 1, "a")
	require.Equal(t, outages.EInvalid, outages.ErrorCode(err))
	err = s.SortedAdd(ctx, "idx", 1, "")
	require.Equal(t, outages.EInvalid, outages.ErrorCode(err))
}

func SortedDrop(
	init func(KeyStoreFields, *testing.T) (outages.KeyStore, func()),
	t *testing.T,
) {
	s, done := init(KeyStoreFields{
		Keys: map[string]string{"idx": "plain key sharing the name"},
		Sorted: map[string][]SortedMember{
			"idx":  {{Score: 1, Member: "a"}, {Score: 2, Member: "b"}},
			"idx2": {{Score: 1, Member: "a"}},
		},
	}, t)
	defer done()
	ctx := context.Background()

	require.NoError(t, s.SortedDrop(ctx, "idx"))

	n, err := s.SortedCard(ctx, "idx")
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.SortedCard(ctx, "idx2")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	v, err := s.Get(ctx, "idx")
	require.NoError(t, err)
	require.Equal(t, "plain key sharing the name", string(v))

	// a dropped set can be rebuilt
	require.NoError(t, s.SortedAdd(ctx, "idx", 5, "c"))
	got, err := s.SortedRange(ctx, "idx", 0, -1, true)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, got)
}

// Concurrent runs ConcurrentWrites against an empty store.
func Concurrent(
	init func(KeyStoreFields, *testing.T) (outages.KeyStore, func()),
	t *testing.T,
) {
	s, done := init(KeyStoreFields{}, t)
	defer done()

	ConcurrentWrites(context.Background(), s, 64, t)
}

// ConcurrentWrites adds n members to one sorted set and writes n plain keys
// from n goroutines, then checks that every write landed.
func ConcurrentWrites(ctx context.Context, s outages.KeyStore, n int, t *testing.T) {
	t.Helper()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		member := fmt.Sprintf("m-%03d", i)
		score := int64(i % 4)
		g.Go(func() error {
			if err := s.Set(gctx, member, []byte(member)); err != nil {
				return err
			}
			return s.SortedAdd(gctx, "concurrent", score, member)
		})
	}
	require.NoError(t, g.Wait())

	card, err := s.SortedCard(ctx, "concurrent")
	require.NoError(t, err)
	require.Equal(t, int64(n), card)

	members, err := s.SortedRange(ctx, "concurrent", 0, -1, false)
	require.NoError(t, err)
	require.Len(t, members, n)

	require.Len(t, ScanAll(ctx, s, "m-*", 50, t), n)
}
