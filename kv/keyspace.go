package kv

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/wickedlab/outages"
)

// Get returns the value stored at key.
func (s *Service) Get(ctx context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, invalidArgument("kv.Get", "key must not be empty")
	}

	var value []byte
	err := s.view(ctx, "kv.Get", func(tx Tx) error {
		b, err := tx.Bucket(keysBucket)
		if err != nil {
			return err
		}

		v, err := b.Get([]byte(key))
		if err != nil {
			return err
		}

		// values are only valid for the life of the transaction
		value = make([]byte, len(v))
		copy(value, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

// Set stores value at key.
func (s *Service) Set(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return invalidArgument("kv.Set", "key must not be empty")
	}

	return s.update(ctx, "kv.Set", func(tx Tx) error {
		b, err := tx.Bucket(keysBucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
}

// Delete removes key and reports whether it existed.
func (s *Service) Delete(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, invalidArgument("kv.Delete", "key must not be empty")
	}

	var existed bool
	err := s.update(ctx, "kv.Delete", func(tx Tx) error {
		existed = false
		b, err := tx.Bucket(keysBucket)
		if err != nil {
			return err
		}

		if _, err := b.Get([]byte(key)); err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				return nil
			}
			return err
		}

		existed = true
		return b.Delete([]byte(key))
	})
	return existed, err
}

// Rename moves the value at from to to within a single transaction.
// It returns ENotFound when from does not exist.
func (s *Service) Rename(ctx context.Context, from, to string) error {
	if from == "" || to == "" {
		return invalidArgument("kv.Rename", "keys must not be empty")
	}
	if from == to {
		_, err := s.Get(ctx, from)
		return err
	}

	return s.update(ctx, "kv.Rename", func(tx Tx) error {
		b, err := tx.Bucket(keysBucket)
		if err != nil {
			return err
		}

		v, err := b.Get([]byte(from))
		if err != nil {
			return err
		}

		value := make([]byte, len(v))
		copy(value, v)

		if err := b.Put([]byte(to), value); err != nil {
			return err
		}
		return b.Delete([]byte(from))
	})
}

// Incr increments the decimal integer stored at key and returns the new value.
func (s *Service) Incr(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, invalidArgument("kv.Incr", "key must not be empty")
	}

	var n int64
	err := s.update(ctx, "kv.Incr", func(tx Tx) error {
		b, err := tx.Bucket(keysBucket)
		if err != nil {
			return err
		}

		v, err := b.Get([]byte(key))
		switch {
		case errors.Is(err, ErrKeyNotFound):
			n = 0
		case err != nil:
			return err
		default:
			n, err = strconv.ParseInt(string(v), 10, 64)
			if err != nil {
				return &outages.Error{
					Code: outages.EInvalid,
					Op:   "kv.Incr",
					Msg:  fmt.Sprintf("value at %q is not an integer", key),
					Err:  err,
				}
			}
		}

		n++
		return b.Put([]byte(key), []byte(strconv.FormatInt(n, 10)))
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
