package kv

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/ryanuber/go-glob"
	"github.com/wickedlab/outages"
)

const defaultScanCount = 10

// Scan walks the keyspace in key order. It examines up to count keys starting
// after cursor and returns those matching the glob match together with the
// cursor to resume from. The cursor is the hex encoding of the last key
// examined; it can never collide with outages.ScanStart, which begins and ends
// a full traversal.
//
// Keys written behind the cursor during a traversal are not returned; keys
// written ahead of it are.
func (s *Service) Scan(ctx context.Context, cursor, match string, count int) (string, []string, error) {
	if count <= 0 {
		count = defaultScanCount
	}
	if match == "" {
		match = "*"
	}

	prefix := []byte(literalPrefix(match))
	opts := []CursorOption{WithCursorPrefix(prefix)}

	seek := prefix
	if cursor != outages.ScanStart {
		last, err := hex.DecodeString(cursor)
		if err != nil || len(last) == 0 {
			return outages.ScanStart, nil, invalidArgument("kv.Scan", "invalid scan cursor "+cursor)
		}
		seek = last
		opts = append(opts, WithCursorSkipFirstItem())
	}

	next := outages.ScanStart
	keys := []string{}
	err := s.view(ctx, "kv.Scan", func(tx Tx) error {
		b, err := tx.Bucket(keysBucket)
		if err != nil {
			return err
		}

		cur, err := b.ForwardCursor(seek, opts...)
		if err != nil {
			return err
		}

		examined := 0
		return WalkCursor(ctx, cur, func(k, _ []byte) (bool, error) {
			examined++

			key := string(k)
			if glob.Glob(match, key) {
				keys = append(keys, key)
			}

			if examined >= count {
				next = hex.EncodeToString(k)
				return false, nil
			}
			return true, nil
		})
	})
	if err != nil {
		return outages.ScanStart, nil, err
	}

	return next, keys, nil
}

// literalPrefix returns the part of a glob before its first wildcard.
func literalPrefix(match string) string {
	if i := strings.IndexByte(match, '*'); i >= 0 {
		return match[:i]
	}
	return match
}
