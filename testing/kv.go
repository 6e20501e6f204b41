package testing

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"github.com/wickedlab/outages/kv"
)

// KVStore tests the cursor behaviour a kv.Store must provide to back a kv.Service.
func KVStore(
	init func(*testing.T) (kv.Store, func()),
	t *testing.T,
) {
	s, done := init(t)
	defer done()
	ctx := context.Background()
	bucket := []byte("cursortest")

	if schema, ok := s.(kv.SchemaStore); ok {
		require.NoError(t, schema.CreateBucket(ctx, bucket))
	}

	err := s.Update(ctx, func(tx kv.Tx) error {
		b, err := tx.Bucket(bucket)
		if err != nil {
			return err
		}
		for _, k := range []string{"a", "ab", "abc", "b", "ba", "c"} {
			if err := b.Put([]byte(k), []byte("v-"+k)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	tests := []struct {
		name string
		seek string
		opts []kv.CursorOption
		want []string
	}{
		{
			name: "ascending from start",
			want: []string{"a", "ab", "abc", "b", "ba", "c"},
		},
		{
			name: "ascending from seek",
			seek: "b",
			want: []string{"b", "ba", "c"},
		},
		{
			name: "ascending from missing seek",
			seek: "bb",
			want: []string{"c"},
		},
		{
			name: "skip first",
			seek: "b",
			opts: []kv.CursorOption{kv.WithCursorSkipFirstItem()},
			want: []string{"ba", "c"},
		},
		{
			name: "skip first on missing seek",
			seek: "aa",
			opts: []kv.CursorOption{kv.WithCursorSkipFirstItem()},
			want: []string{"ab", "abc", "b", "ba", "c"},
		},
		{
			name: "prefix",
			opts: []kv.CursorOption{kv.WithCursorPrefix([]byte("a"))},
			want: []string{"a", "ab", "abc"},
		},
		{
			name: "descending",
			opts: []kv.CursorOption{kv.WithCursorDirection(kv.CursorDescending)},
			want: []string{"c", "ba", "b", "abc", "ab", "a"},
		},
		{
			name: "descending prefix",
			opts: []kv.CursorOption{
				kv.WithCursorDirection(kv.CursorDescending),
				kv.WithCursorPrefix([]byte("a")),
			},
			want: []string{"abc", "ab", "a"},
		},
		{
			name: "descending from seek",
			seek: "b",
			opts: []kv.CursorOption{kv.WithCursorDirection(kv.CursorDescending)},
			want: []string{"b", "abc", "ab", "a"},
		},
		{
			name: "descending from missing seek",
			seek: "bb",
			opts: []kv.CursorOption{kv.WithCursorDirection(kv.CursorDescending)},
			want: []string{"ba", "b", "abc", "ab", "a"},
		},
		{
			name: "descending skip first",
			seek: "b",
			opts: []kv.CursorOption{
				kv.WithCursorDirection(kv.CursorDescending),
				kv.WithCursorSkipFirstItem(),
			},
			want: []string{"abc", "ab", "a"},
		},
		{
			name: "prefix without matches",
			opts: []kv.CursorOption{kv.WithCursorPrefix([]byte("z"))},
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			err := s.View(ctx, func(tx kv.Tx) error {
				b, err := tx.Bucket(bucket)
				if err != nil {
					return err
				}

				var seek []byte
				if tt.seek != "" {
					seek = []byte(tt.seek)
				}
				cur, err := b.ForwardCursor(seek, tt.opts...)
				if err != nil {
					return err
				}
				return kv.WalkCursor(ctx, cur, func(k, v []byte) (bool, error) {
					require.Equal(t, "v-"+string(k), string(v))
					got = append(got, string(k))
					return true, nil
				})
			})
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("unexpected keys -want/+got:\n%s", diff)
			}
		})
	}

	t.Run("read only transactions reject writes", func(t *testing.T) {
		err := s.View(ctx, func(tx kv.Tx) error {
			b, err := tx.Bucket(bucket)
			if err != nil {
				return err
			}
			return b.Put([]byte("x"), []byte("y"))
		})
		require.ErrorIs(t, err, kv.ErrTxNotWritable)
	})

	t.Run("missing key", func(t *testing.T) {
		err := s.View(ctx, func(tx kv.Tx) error {
			b, err := tx.Bucket(bucket)
			if err != nil {
				return err
			}
			_, err = b.Get([]byte("nope"))
			return err
		})
		require.ErrorIs(t, err, kv.ErrKeyNotFound)
	})
}
