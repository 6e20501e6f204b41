package migration

import (
	"context"

	"github.com/wickedlab/outages"
)

// KeyScan pages through the key space with the store cursor. It is a lazy,
// restartable sequence: call Next until it returns false, then check Err.
//
//	scan := NewKeyScan(store, "*", 1000)
//	for scan.Next(ctx) {
//	    for _, key := range scan.Keys() { ... }
//	}
//	if err := scan.Err(); err != nil { ... }
type KeyScan struct {
	store outages.KeyStore
	match string
	count int

	cursor string
	next   string
	keys   []string
	done   bool
	err    error
}

// NewKeyScan returns a scan of the keys matching match, count keys at a time.
func NewKeyScan(store outages.KeyStore, match string, count int) *KeyScan {
	s := &KeyScan{
		store: store,
		match: match,
		count: count,
	}
	s.Reset()
	return s
}

// Next fetches the next page. It returns false once the cursor has come back
// to outages.ScanStart or the store failed.
func (s *KeyScan) Next(ctx context.Context) bool {
	if s.done || s.err != nil {
		return false
	}

	next, keys, err := s.store.Scan(ctx, s.next, s.match, s.count)
	if err != nil {
		s.err = err
		s.keys = nil
		return false
	}

	s.cursor, s.next, s.keys = s.next, next, keys
	if next == outages.ScanStart {
		s.done = true
	}
	return true
}

// Keys returns the keys of the current page.
func (s *KeyScan) Keys() []string {
	return s.keys
}

// Cursor returns the cursor the current page was read from. After a failed
// Next it is the cursor of the page that could not be read.
func (s *KeyScan) Cursor() string {
	if s.err != nil {
		return s.next
	}
	return s.cursor
}

// Err returns the error that stopped the scan.
func (s *KeyScan) Err() error {
	return s.err
}

// Reset rewinds the scan to the start of the key space.
func (s *KeyScan) Reset() {
	s.cursor = outages.ScanStart
	s.next = outages.ScanStart
	s.keys = nil
	s.done = false
	s.err = nil
}
