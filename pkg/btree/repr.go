// ABOUTME: On-page representations for leaf keys, separator keys, and values
// ABOUTME: Each is either stored inline or replaced by a digest/pointer when it would blow the inline budget

package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/markmckeown/digby/pkg/dberr"
)

const (
	reprInline uint8 = 0
	reprLong   uint8 = 1
)

// Options names the two size thresholds a Tree works with. Capacity is the
// codec's BodyCapacity for the configured page size; InlineThreshold is the
// largest value stored inline in a leaf entry before it is replaced by an
// overflow pointer. New does not take an Options: it is given the capacity
// and derives the inline threshold with DefaultInlineThreshold.
type Options struct {
	Capacity        int
	InlineThreshold int
}

// DefaultInlineThreshold implements spec §4.1's max(256, P/4) rule.
func DefaultInlineThreshold(capacity int) int {
	t := capacity / 4
	if t < 256 {
		t = 256
	}
	return t
}

// encodeLeafKey builds the on-page representation of a leaf key. Keys over
// DigestThreshold are replaced by their digest; the full key is pushed to
// an overflow chain so it can be recovered (and verified against) later.
func encodeLeafKey(key []byte, overflowCapacity int, newOverflow func(body []byte) (uint64, error)) ([]byte, error) {
	if !IsLong(key) {
		out := make([]byte, 1+len(key))
		out[0] = reprInline
		copy(out[1:], key)
		return out, nil
	}
	head, err := writeOverflow(newOverflow, key, overflowCapacity)
	if err != nil {
		return nil, err
	}
	d := Digest(key)
	out := make([]byte, 1+DigestSize+8+8)
	out[0] = reprLong
	copy(out[1:], d[:])
	binary.LittleEndian.PutUint64(out[1+DigestSize:], head)
	binary.LittleEndian.PutUint64(out[1+DigestSize+8:], uint64(len(key)))
	return out, nil
}

// comparisonBytes extracts the bytes a leaf key repr should be ordered and
// searched by: the inline bytes, or the digest with the overflow pointer
// and length stripped off.
func comparisonBytes(encoded []byte) []byte {
	if len(encoded) == 0 {
		return nil
	}
	if encoded[0] == reprInline {
		return encoded[1:]
	}
	return encoded[1 : 1+DigestSize]
}

// fullLeafKey recovers the original key bytes for a leaf entry, verifying
// the digest-derived key against its overflow chain.
func fullLeafKey(encoded []byte, getFn func(ptr uint64) ([]byte, error)) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("digby: empty key representation: %w", dberr.ErrFormat)
	}
	if encoded[0] == reprInline {
		return encoded[1:], nil
	}
	head := binary.LittleEndian.Uint64(encoded[1+DigestSize:])
	fullLen := binary.LittleEndian.Uint64(encoded[1+DigestSize+8:])
	return readOverflow(getFn, head, int(fullLen))
}

// freeLeafKey releases any overflow chain a leaf key repr owns.
func freeLeafKey(encoded []byte, getFn func(ptr uint64) ([]byte, error), delFn func(ptr uint64) error) error {
	if len(encoded) == 0 || encoded[0] == reprInline {
		return nil
	}
	head := binary.LittleEndian.Uint64(encoded[1+DigestSize:])
	return freeOverflow(getFn, delFn, head)
}

// separatorFromLeafKey derives an internal node's separator bytes from a
// leaf key representation: it only ever needs the comparison form, never
// the full key, since separators are compare-only (spec §3).
func separatorFromLeafKey(encoded []byte) []byte {
	cmp := comparisonBytes(encoded)
	out := make([]byte, 1+len(cmp))
	if encoded[0] == reprInline {
		out[0] = reprInline
	} else {
		out[0] = reprLong
	}
	copy(out[1:], cmp)
	return out
}

// encodeValue builds the on-page representation of a leaf value: inline if
// it fits the configured threshold, else an overflow chain.
func encodeValue(value []byte, threshold, overflowCapacity int, newOverflow func(body []byte) (uint64, error)) ([]byte, error) {
	if len(value) <= threshold {
		out := make([]byte, 1+len(value))
		out[0] = reprInline
		copy(out[1:], value)
		return out, nil
	}
	head, err := writeOverflow(newOverflow, value, overflowCapacity)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 1+8+8)
	out[0] = reprLong
	binary.LittleEndian.PutUint64(out[1:], head)
	binary.LittleEndian.PutUint64(out[9:], uint64(len(value)))
	return out, nil
}

func decodeValue(encoded []byte, getFn func(ptr uint64) ([]byte, error)) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, fmt.Errorf("digby: empty value representation: %w", dberr.ErrFormat)
	}
	if encoded[0] == reprInline {
		return encoded[1:], nil
	}
	head := binary.LittleEndian.Uint64(encoded[1:])
	fullLen := binary.LittleEndian.Uint64(encoded[9:])
	return readOverflow(getFn, head, int(fullLen))
}

func freeValue(encoded []byte, getFn func(ptr uint64) ([]byte, error), delFn func(ptr uint64) error) error {
	if len(encoded) == 0 || encoded[0] == reprInline {
		return nil
	}
	head := binary.LittleEndian.Uint64(encoded[1:])
	return freeOverflow(getFn, delFn, head)
}
