package kv

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"

	"github.com/wickedlab/outages"
)

const (
	scoreLength    = 8
	sequenceLength = 8
	positionLength = scoreLength + sequenceLength
)

// sequenceKey cannot collide with a member key: set names are never empty
// and never contain the zero byte.
var sequenceKey = []byte("\x00seq")

// Sorted sets are stored as two mappings:
//
//	sortedsetsv1:    <set> 0x00 <score> <seq>  -> member
//	sortedmembersv1: <set> 0x00 <member>       -> <score> <seq>
//
// Scores are big endian with the sign bit flipped so that byte order is numeric order.
// The insertion sequence breaks ties, so members sharing a score keep insertion order.

// SortedAdd inserts member into set with score. Re-adding a member with the same
// score is a no-op; a different score moves the member.
func (s *Service) SortedAdd(ctx context.Context, set string, score int64, member string) error {
	if err := validSortedArgs("kv.SortedAdd", set, member); err != nil {
		return err
	}

	return s.update(ctx, "kv.SortedAdd", func(tx Tx) error {
		order, members, err := sortedBuckets(tx)
		if err != nil {
			return err
		}

		mk := memberKey(set, member)
		prev, err := members.Get(mk)
		switch {
		case err == nil:
			if len(prev) == positionLength && bytes.Equal(prev[:scoreLength], encodeScore(score)) {
				return nil
			}
			if err := order.Delete(orderKey(set, prev)); err != nil {
				return err
			}
		case errors.Is(err, ErrKeyNotFound):
		default:
			return err
		}

		seq, err := nextSequence(members)
		if err != nil {
			return err
		}

		pos := make([]byte, 0, positionLength)
		pos = append(pos, encodeScore(score)...)
		pos = binary.BigEndian.AppendUint64(pos, seq)

		if err := order.Put(orderKey(set, pos), []byte(member)); err != nil {
			return err
		}
		return members.Put(mk, pos)
	})
}

// SortedRange returns the members of set ranked start through stop, inclusive.
// Descending ranges order by score from highest to lowest; members sharing a
// score are returned in insertion order in both directions.
func (s *Service) SortedRange(ctx context.Context, set string, start, stop int64, descending bool) ([]string, error) {
	if err := validSetName("kv.SortedRange", set); err != nil {
		return nil, err
	}

	result := []string{}
	err := s.view(ctx, "kv.SortedRange", func(tx Tx) error {
		order, members, err := sortedBuckets(tx)
		if err != nil {
			return err
		}

		if start < 0 || stop < 0 {
			card, err := countPrefix(ctx, members, setPrefix(set))
			if err != nil {
				return err
			}
			start, stop = normalizeRanks(start, stop, card)
		}
		if start < 0 || start > stop {
			return nil
		}

		direction := CursorAscending
		if descending {
			direction = CursorDescending
		}

		cur, err := order.ForwardCursor(nil,
			WithCursorPrefix(setPrefix(set)),
			WithCursorDirection(direction))
		if err != nil {
			return err
		}

		var rank int64
		emit := func(member []byte) bool {
			if rank >= start {
				result = append(result, string(member))
			}
			rank++
			return rank <= stop
		}

		if !descending {
			return WalkCursor(ctx, cur, func(_, v []byte) (bool, error) {
				return emit(v), nil
			})
		}

		// walking backwards yields ties newest first; buffer each score
		// and flush it oldest first.
		var (
			groupScore []byte
			group      [][]byte
		)
		flush := func() bool {
			for i := len(group) - 1; i >= 0; i-- {
				if !emit(group[i]) {
					return false
				}
			}
			group = group[:0]
			return true
		}

		prefixLen := len(setPrefix(set))
		cont := true
		err = WalkCursor(ctx, cur, func(k, v []byte) (bool, error) {
			score := k[prefixLen : prefixLen+scoreLength]
			if groupScore != nil && !bytes.Equal(score, groupScore) {
				if cont = flush(); !cont {
					return false, nil
				}
			}
			groupScore = append(groupScore[:0], score...)

			member := make([]byte, len(v))
			copy(member, v)
			group = append(group, member)
			return true, nil
		})
		if err != nil {
			return err
		}
		if cont {
			flush()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SortedRemove removes member from set.
func (s *Service) SortedRemove(ctx context.Context, set, member string) (bool, error) {
	if err := validSortedArgs("kv.SortedRemove", set, member); err != nil {
		return false, err
	}

	var removed bool
	err := s.update(ctx, "kv.SortedRemove", func(tx Tx) error {
		removed = false
		order, members, err := sortedBuckets(tx)
		if err != nil {
			return err
		}

		mk := memberKey(set, member)
		pos, err := members.Get(mk)
		if err != nil {
			if errors.Is(err, ErrKeyNotFound) {
				return nil
			}
			return err
		}

		if err := order.Delete(orderKey(set, pos)); err != nil {
			return err
		}
		removed = true
		return members.Delete(mk)
	})
	return removed, err
}

// SortedCard returns the number of members in set.
func (s *Service) SortedCard(ctx context.Context, set string) (int64, error) {
	if err := validSetName("kv.SortedCard", set); err != nil {
		return 0, err
	}

	var n int64
	err := s.view(ctx, "kv.SortedCard", func(tx Tx) error {
		_, members, err := sortedBuckets(tx)
		if err != nil {
			return err
		}
		n, err = countPrefix(ctx, members, setPrefix(set))
		return err
	})
	return n, err
}

// SortedDrop removes every member of set.
func (s *Service) SortedDrop(ctx context.Context, set string) error {
	if err := validSetName("kv.SortedDrop", set); err != nil {
		return err
	}

	return s.update(ctx, "kv.SortedDrop", func(tx Tx) error {
		order, members, err := sortedBuckets(tx)
		if err != nil {
			return err
		}

		for _, b := range []Bucket{order, members} {
			keys, err := collectPrefix(ctx, b, setPrefix(set))
			if err != nil {
				return err
			}
			for _, k := range keys {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func sortedBuckets(tx Tx) (order, members Bucket, err error) {
	order, err = tx.Bucket(sortedBucket)
	if err != nil {
		return nil, nil, err
	}
	members, err = tx.Bucket(sortedMembersBucket)
	if err != nil {
		return nil, nil, err
	}
	return order, members, nil
}

func validSetName(op, set string) error {
	if set == "" || strings.IndexByte(set, 0) >= 0 {
		return invalidArgument(op, "sorted set name must be non-empty and must not contain a zero byte")
	}
	return nil
}

func validSortedArgs(op, set, member string) error {
	if err := validSetName(op, set); err != nil {
		return err
	}
	if member == "" {
		return invalidArgument(op, "sorted set member must not be empty")
	}
	return nil
}

func setPrefix(set string) []byte {
	p := make([]byte, 0, len(set)+1)
	p = append(p, set...)
	return append(p, 0)
}

func memberKey(set, member string) []byte {
	return append(setPrefix(set), member...)
}

func orderKey(set string, pos []byte) []byte {
	return append(setPrefix(set), pos...)
}

func encodeScore(score int64) []byte {
	b := make([]byte, scoreLength)
	binary.BigEndian.PutUint64(b, uint64(score)^(1<<63))
	return b
}

func nextSequence(b Bucket) (uint64, error) {
	var seq uint64
	v, err := b.Get(sequenceKey)
	switch {
	case err == nil && len(v) == sequenceLength:
		seq = binary.BigEndian.Uint64(v)
	case err == nil:
		return 0, &outages.Error{Code: outages.EInternal, Op: "kv.nextSequence", Msg: "corrupt sorted set sequence"}
	case !errors.Is(err, ErrKeyNotFound):
		return 0, err
	}

	seq++
	return seq, b.Put(sequenceKey, binary.BigEndian.AppendUint64(nil, seq))
}

func countPrefix(ctx context.Context, b Bucket, prefix []byte) (int64, error) {
	cur, err := b.ForwardCursor(prefix, WithCursorPrefix(prefix))
	if err != nil {
		return 0, err
	}

	var n int64
	err = WalkCursor(ctx, cur, func(_, _ []byte) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

func collectPrefix(ctx context.Context, b Bucket, prefix []byte) ([][]byte, error) {
	cur, err := b.ForwardCursor(prefix, WithCursorPrefix(prefix))
	if err != nil {
		return nil, err
	}

	var keys [][]byte
	err = WalkCursor(ctx, cur, func(k, _ []byte) (bool, error) {
		key := make([]byte, len(k))
		copy(key, k)
		keys = append(keys, key)
		return true, nil
	})
	return keys, err
}

// normalizeRanks resolves negative ranks against the cardinality of the set.
func normalizeRanks(start, stop, card int64) (int64, int64) {
	if start < 0 {
		start += card
	}
	if stop < 0 {
		stop += card
	}
	if start < 0 {
		start = 0
	}
	if stop >= card {
		stop = card - 1
	}
	if card == 0 {
		return 0, -1
	}
	return start, stop
}
