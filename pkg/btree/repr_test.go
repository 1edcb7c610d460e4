// ABOUTME: Unit tests for key/value on-page representations and overflow chains
// ABOUTME: Covers inline vs digest/overflow selection independent of the full tree

package btree

import (
	"bytes"
	"testing"

	"github.com/markmckeown/digby/pkg/page"
)

func TestEncodeLeafKeyInline(t *testing.T) {
	store := newMemStore()
	cb := store.callbacks()
	encoded, err := encodeLeafKey([]byte("short"), testCapacity, func(b []byte) (uint64, error) { return cb.New(page.KindOverflow, b) })
	if err != nil {
		t.Fatal(err)
	}
	if encoded[0] != reprInline {
		t.Fatal("expected inline representation for a short key")
	}
	full, err := fullLeafKey(encoded, cb.Get)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(full, []byte("short")) {
		t.Fatal("inline key round trip mismatch")
	}
}

func TestEncodeLeafKeyDigest(t *testing.T) {
	store := newMemStore()
	cb := store.callbacks()
	long := bytes.Repeat([]byte("z"), 300)
	encoded, err := encodeLeafKey(long, testCapacity, func(b []byte) (uint64, error) { return cb.New(page.KindOverflow, b) })
	if err != nil {
		t.Fatal(err)
	}
	if encoded[0] != reprLong {
		t.Fatal("expected long representation for a 300-byte key")
	}
	full, err := fullLeafKey(encoded, cb.Get)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(full, long) {
		t.Fatal("digested key round trip mismatch")
	}
	if err := freeLeafKey(encoded, cb.Get, cb.Del); err != nil {
		t.Fatal(err)
	}
	if len(store.pages) != 0 {
		t.Errorf("expected overflow chain freed, %d pages remain", len(store.pages))
	}
}

func TestEncodeValueInlineVsOverflow(t *testing.T) {
	store := newMemStore()
	cb := store.callbacks()
	newFn := func(b []byte) (uint64, error) { return cb.New(page.KindOverflow, b) }

	small, err := encodeValue([]byte("v"), 256, testCapacity, newFn)
	if err != nil {
		t.Fatal(err)
	}
	if small[0] != reprInline {
		t.Fatal("expected inline representation for a tiny value")
	}

	big := bytes.Repeat([]byte("v"), 5000)
	encoded, err := encodeValue(big, 256, testCapacity, newFn)
	if err != nil {
		t.Fatal(err)
	}
	if encoded[0] != reprLong {
		t.Fatal("expected overflow representation for a 5000-byte value")
	}
	got, err := decodeValue(encoded, cb.Get)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, big) {
		t.Fatal("overflow value round trip mismatch")
	}
}

func TestDigestStability(t *testing.T) {
	a := Digest(bytes.Repeat([]byte("a"), 300))
	b := Digest(bytes.Repeat([]byte("a"), 300))
	if a != b {
		t.Fatal("digest of identical keys must match")
	}
	c := Digest(append(bytes.Repeat([]byte("a"), 299), 'b'))
	if a == c {
		t.Fatal("digest of differing keys must not match")
	}
}
