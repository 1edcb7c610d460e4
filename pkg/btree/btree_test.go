// ABOUTME: Integration tests for Tree operations
// ABOUTME: Exercises Insert, Get, and rebalance-free Delete against an in-memory page map

package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/markmckeown/digby/pkg/page"
)

// memStore is an in-memory stand-in for a transaction's page bookkeeping:
// every New call hands out a fresh page number, Get resolves it, and Del
// removes it. It panics on protocol violations the way the teacher's
// in-memory harness did, since those indicate a Tree bug, not a test
// precondition.
type memStore struct {
	pages map[uint64][]byte
	next  uint64
}

func newMemStore() *memStore {
	return &memStore{pages: map[uint64][]byte{}, next: 1}
}

func (m *memStore) callbacks() Callbacks {
	return Callbacks{
		Get: func(ptr uint64) ([]byte, error) {
			body, ok := m.pages[ptr]
			if !ok {
				panic(fmt.Sprintf("page %d not found", ptr))
			}
			return body, nil
		},
		New: func(kind page.Kind, body []byte) (uint64, error) {
			ptr := m.next
			m.next++
			cp := make([]byte, len(body))
			copy(cp, body)
			m.pages[ptr] = cp
			return ptr, nil
		},
		Del: func(ptr uint64) error {
			if _, ok := m.pages[ptr]; !ok {
				panic(fmt.Sprintf("page %d not allocated", ptr))
			}
			delete(m.pages, ptr)
			return nil
		},
	}
}

const testCapacity = 4096 - page.HeaderSize // mirrors a 4096-byte page

type harness struct {
	t     *testing.T
	store *memStore
	tree  *Tree
	ref   map[string]string
}

func newHarness(t *testing.T) *harness {
	store := newMemStore()
	return &harness{t: t, store: store, tree: New(0, testCapacity, store.callbacks()), ref: map[string]string{}}
}

func (h *harness) add(key, val string) {
	h.t.Helper()
	if err := h.tree.Insert([]byte(key), []byte(val)); err != nil {
		h.t.Fatalf("Insert(%q): %v", key, err)
	}
	h.ref[key] = val
}

func (h *harness) get(key string) (string, bool) {
	h.t.Helper()
	val, ok, err := h.tree.Get([]byte(key))
	if err != nil {
		h.t.Fatalf("Get(%q): %v", key, err)
	}
	return string(val), ok
}

func (h *harness) del(key string) bool {
	h.t.Helper()
	delete(h.ref, key)
	ok, err := h.tree.Delete([]byte(key))
	if err != nil {
		h.t.Fatalf("Delete(%q): %v", key, err)
	}
	return ok
}

func TestTreeBasicInsertGet(t *testing.T) {
	h := newHarness(t)
	h.add("key1", "val1")
	h.add("key2", "val2")
	h.add("key3", "val3")

	if val, ok := h.get("key2"); !ok || val != "val2" {
		t.Fatalf("key2: got %q, %v", val, ok)
	}
	if _, ok := h.get("key4"); ok {
		t.Error("expected key4 to not exist")
	}
}

func TestTreeUpdate(t *testing.T) {
	h := newHarness(t)
	h.add("key1", "val1")
	h.add("key1", "val1_updated")

	if val, ok := h.get("key1"); !ok || val != "val1_updated" {
		t.Fatalf("expected val1_updated, got %q", val)
	}
}

func TestTreeDelete(t *testing.T) {
	h := newHarness(t)
	h.add("key1", "val1")
	h.add("key2", "val2")
	h.add("key3", "val3")

	if !h.del("key2") {
		t.Error("expected successful delete")
	}
	if _, ok := h.get("key2"); ok {
		t.Error("key2 should be deleted")
	}
	if val, ok := h.get("key1"); !ok || val != "val1" {
		t.Error("key1 should still exist")
	}
}

func TestTreeMultipleInsertions(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 100; i++ {
		h.add(fmt.Sprintf("key%03d", i), fmt.Sprintf("val%03d", i))
	}
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key%03d", i)
		want := fmt.Sprintf("val%03d", i)
		if val, ok := h.get(key); !ok || val != want {
			t.Errorf("key %s: got %q, %v, want %q", key, val, ok, want)
		}
	}
}

func TestTree1500InsertionsForceSplits(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 1500; i++ {
		h.add(fmt.Sprintf("key%05d", i), fmt.Sprintf("value%05d", i))
	}
	for i := 0; i < 1500; i++ {
		key := fmt.Sprintf("key%05d", i)
		want := fmt.Sprintf("value%05d", i)
		if val, ok := h.get(key); !ok || val != want {
			t.Errorf("key %s: got %q, %v, want %q", key, val, ok, want)
		}
	}
}

func TestTreeInsertDeleteMixed(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 50; i++ {
		h.add(fmt.Sprintf("key%03d", i), fmt.Sprintf("val%03d", i))
	}
	for i := 0; i < 50; i += 2 {
		h.del(fmt.Sprintf("key%03d", i))
	}
	for i := 0; i < 50; i += 2 {
		key := fmt.Sprintf("key%03d", i)
		if _, ok := h.get(key); ok {
			t.Errorf("key %s should be deleted", key)
		}
	}
	for i := 1; i < 50; i += 2 {
		key := fmt.Sprintf("key%03d", i)
		want := fmt.Sprintf("val%03d", i)
		if val, ok := h.get(key); !ok || val != want {
			t.Errorf("key %s: got %q, %v, want %q", key, val, ok, want)
		}
	}
}

func TestTreeDeleteDrainsToEmpty(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 300; i++ {
		h.add(fmt.Sprintf("key%04d", i), fmt.Sprintf("val%04d", i))
	}
	for i := 0; i < 300; i++ {
		if !h.del(fmt.Sprintf("key%04d", i)) {
			t.Fatalf("delete key%04d failed", i)
		}
	}
	if h.tree.Root() != 0 {
		t.Error("expected empty tree to have a nil root")
	}
	if len(h.store.pages) != 0 {
		t.Errorf("expected every page freed, %d remain", len(h.store.pages))
	}
}

func TestTreeNonExistentDelete(t *testing.T) {
	h := newHarness(t)
	h.add("key1", "val1")
	if h.del("key2") {
		t.Error("expected delete to fail for non-existent key")
	}
}

func TestTreeEmptyTree(t *testing.T) {
	h := newHarness(t)
	if _, ok := h.get("key1"); ok {
		t.Error("expected Get to fail on empty tree")
	}
	if h.del("key1") {
		t.Error("expected Delete to fail on empty tree")
	}
}

func TestTreeLargeValueUsesOverflow(t *testing.T) {
	h := newHarness(t)
	largeVal := string(bytes.Repeat([]byte("x"), 6000))
	h.add("bigkey", largeVal)

	if val, ok := h.get("bigkey"); !ok || val != largeVal {
		t.Error("large value round trip mismatch")
	}
	if len(h.store.pages) < 2 {
		t.Error("expected the large value to be spread across an overflow chain")
	}
}

func TestTreeLongKeyUsesDigest(t *testing.T) {
	h := newHarness(t)
	longKey := string(bytes.Repeat([]byte("k"), 500))
	h.add(longKey, "value-for-long-key")

	if val, ok := h.get(longKey); !ok || val != "value-for-long-key" {
		t.Error("long key round trip mismatch")
	}

	similar := string(bytes.Repeat([]byte("k"), 500))
	similar = similar[:499] + "j"
	if _, ok := h.get(similar); ok {
		t.Error("a near-identical long key must not collide")
	}
}

func TestTreeLongKeyDeleteFreesOverflow(t *testing.T) {
	h := newHarness(t)
	longKey := string(bytes.Repeat([]byte("q"), 400))
	h.add(longKey, "v")
	before := len(h.store.pages)
	if before < 2 {
		t.Fatal("expected the long key to land in an overflow chain")
	}

	if !h.del(longKey) {
		t.Fatal("delete of long key failed")
	}
	if len(h.store.pages) != 0 {
		t.Errorf("expected all pages freed after deleting the only entry, %d remain", len(h.store.pages))
	}
}
