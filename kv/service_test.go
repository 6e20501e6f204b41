package kv_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wickedlab/outages"
	"github.com/wickedlab/outages/inmem"
	"github.com/wickedlab/outages/kv"
	"github.com/wickedlab/outages/mock"
	"go.uber.org/zap/zaptest"
)

func newService(t *testing.T) *kv.Service {
	t.Helper()

	s := kv.NewService(zaptest.NewLogger(t), inmem.NewKVStore())
	require.NoError(t, s.Initialize(context.Background()))
	return s
}

// failingStore returns a store whose transactions fail with err.
func failingStore(err error) *mock.Store {
	return &mock.Store{
		ViewFn:   func(func(kv.Tx) error) error { return err },
		UpdateFn: func(func(kv.Tx) error) error { return err },
	}
}

// bucketStore returns a store whose transactions all see b.
func bucketStore(b kv.Bucket) *mock.Store {
	tx := &mock.Tx{
		BucketFn: func([]byte) (kv.Bucket, error) { return b, nil },
	}
	return &mock.Store{
		ViewFn:   func(fn func(kv.Tx) error) error { return fn(tx) },
		UpdateFn: func(fn func(kv.Tx) error) error { return fn(tx) },
	}
}

func TestService_Unavailable(t *testing.T) {
	ctx := context.Background()
	s := kv.NewService(zaptest.NewLogger(t), failingStore(errors.New("connection reset by peer")))

	_, err := s.Get(ctx, "k")
	require.Equal(t, outages.EUnavailable, outages.ErrorCode(err))
	require.Equal(t, "kv.Get", outages.ErrorOp(err))
	require.True(t, outages.IsConnectivity(err))

	err = s.Set(ctx, "k", []byte("v"))
	require.Equal(t, outages.EUnavailable, outages.ErrorCode(err))

	_, _, err = s.Scan(ctx, outages.ScanStart, "*", 10)
	require.Equal(t, outages.EUnavailable, outages.ErrorCode(err))

	err = s.SortedAdd(ctx, "set", 1, "m")
	require.Equal(t, outages.EUnavailable, outages.ErrorCode(err))
}

func TestService_TxConflict(t *testing.T) {
	ctx := context.Background()
	s := kv.NewService(zaptest.NewLogger(t), failingStore(fmt.Errorf("%w: gave up after 64 attempts", kv.ErrTxConflict)))

	err := s.SortedAdd(ctx, "set", 1, "m")
	require.Equal(t, outages.EConflict, outages.ErrorCode(err))
	require.Equal(t, "kv.SortedAdd", outages.ErrorOp(err))
	require.ErrorIs(t, err, kv.ErrTxConflict)
	require.False(t, outages.IsConnectivity(err))
}

func TestService_CancelledContext(t *testing.T) {
	called := false
	store := &mock.Store{
		ViewFn: func(func(kv.Tx) error) error {
			called = true
			return nil
		},
	}
	s := kv.NewService(zaptest.NewLogger(t), store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Get(ctx, "k")
	require.Equal(t, outages.EUnavailable, outages.ErrorCode(err))
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}

func TestService_NotFound(t *testing.T) {
	ctx := context.Background()
	s := kv.NewService(zaptest.NewLogger(t), bucketStore(&mock.Bucket{
		GetFn: func([]byte) ([]byte, error) { return nil, kv.ErrKeyNotFound },
	}))

	_, err := s.Get(ctx, "k")
	require.True(t, outages.IsNotFound(err))

	err = s.Rename(ctx, "a", "b")
	require.True(t, outages.IsNotFound(err))
}

func TestService_BucketWriteFailure(t *testing.T) {
	ctx := context.Background()
	s := kv.NewService(zaptest.NewLogger(t), bucketStore(&mock.Bucket{
		GetFn: func([]byte) ([]byte, error) { return []byte("v"), nil },
		PutFn: func(_, _ []byte) error { return errors.New("disk full") },
	}))

	err := s.Rename(ctx, "a", "b")
	require.Equal(t, outages.EUnavailable, outages.ErrorCode(err))
	require.Equal(t, "kv.Rename", outages.ErrorOp(err))
}

func TestService_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	_, err := s.Get(ctx, "")
	require.Equal(t, outages.EInvalid, outages.ErrorCode(err))

	err = s.Rename(ctx, "", "b")
	require.Equal(t, outages.EInvalid, outages.ErrorCode(err))

	_, _, err = s.Scan(ctx, "not-hex", "*", 10)
	require.Equal(t, outages.EInvalid, outages.ErrorCode(err))

	err = s.SortedAdd(ctx, "", 1, "m")
	require.Equal(t, outages.EInvalid, outages.ErrorCode(err))

	err = s.SortedAdd(ctx, "set", 1, "")
	require.Equal(t, outages.EInvalid, outages.ErrorCode(err))

	require.NoError(t, s.Set(ctx, "n", []byte("twelve")))
	_, err = s.Incr(ctx, "n")
	require.Equal(t, outages.EInvalid, outages.ErrorCode(err))
}

func TestService_RenameOntoItself(t *testing.T) {
	ctx := context.Background()
	s := newService(t)

	require.NoError(t, s.Set(ctx, "a", []byte("v")))
	require.NoError(t, s.Rename(ctx, "a", "a"))

	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, "v", string(v))
}

func TestService_InitializeWithoutSchema(t *testing.T) {
	// stores that do not manage buckets need no initialization
	s := kv.NewService(zaptest.NewLogger(t), failingStore(errors.New("unused")))
	require.NoError(t, s.Initialize(context.Background()))
}
