package kv

import (
	"context"
	"errors"

	"github.com/wickedlab/outages"
	"go.uber.org/zap"
)

var (
	keysBucket          = []byte("keysv1")
	sortedBucket        = []byte("sortedsetsv1")
	sortedMembersBucket = []byte("sortedmembersv1")
)

var _ outages.KeyStore = (*Service)(nil)

// Service implements outages.KeyStore on top of any ordered kv.Store.
// Plain keys live in one bucket; sorted sets are encoded in two more,
// one ordered by (score, insertion sequence) and one mapping members to
// their position.
type Service struct {
	log *zap.Logger
	kv  Store
}

// NewService returns an instance of a Service.
func NewService(log *zap.Logger, kv Store) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		log: log,
		kv:  kv,
	}
}

// Initialize creates the buckets the service needs when the store supports it.
func (s *Service) Initialize(ctx context.Context) error {
	schema, ok := s.kv.(SchemaStore)
	if !ok {
		return nil
	}

	for _, b := range [][]byte{keysBucket, sortedBucket, sortedMembersBucket} {
		if err := schema.CreateBucket(ctx, b); err != nil {
			return wrapStoreError("kv.Initialize", err)
		}
	}

	s.log.Debug("Key store buckets initialized")
	return nil
}

func (s *Service) view(ctx context.Context, op string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return wrapStoreError(op, err)
	}
	return wrapStoreError(op, s.kv.View(ctx, fn))
}

func (s *Service) update(ctx context.Context, op string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return wrapStoreError(op, err)
	}
	return wrapStoreError(op, s.kv.Update(ctx, fn))
}

// wrapStoreError classifies errors surfacing from the backend. Errors already
// classified by the service pass through untouched; anything else, including
// context deadlines, means the store could not serve the request.
func wrapStoreError(op string, err error) error {
	if err == nil {
		return nil
	}

	var oerr *outages.Error
	if errors.As(err, &oerr) {
		return err
	}

	if errors.Is(err, ErrKeyNotFound) {
		return &outages.Error{
			Code: outages.ENotFound,
			Op:   op,
			Err:  err,
		}
	}

	if errors.Is(err, ErrBucketNotFound) {
		return &outages.Error{
			Code: outages.EInternal,
			Op:   op,
			Msg:  "key store not initialized",
			Err:  err,
		}
	}

	if errors.Is(err, ErrTxConflict) {
		return &outages.Error{
			Code: outages.EConflict,
			Op:   op,
			Msg:  "concurrent write conflict",
			Err:  err,
		}
	}

	return &outages.Error{
		Code: outages.EUnavailable,
		Op:   op,
		Msg:  "key store unavailable",
		Err:  err,
	}
}

func invalidArgument(op, msg string) error {
	return &outages.Error{
		Code: outages.EInvalid,
		Op:   op,
		Msg:  msg,
	}
}
