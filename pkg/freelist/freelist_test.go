// ABOUTME: Tests for the free-page manager
// ABOUTME: Covers reuse ordering by free_at_version and threshold gating

package freelist

import (
	"testing"

	"github.com/markmckeown/digby/pkg/btree"
	"github.com/markmckeown/digby/pkg/page"
)

func newTestFreelist(t *testing.T) *Freelist {
	t.Helper()
	pages := map[uint64][]byte{}
	var next uint64 = 1
	cb := btree.Callbacks{
		Get: func(ptr uint64) ([]byte, error) {
			body, ok := pages[ptr]
			if !ok {
				t.Fatalf("page %d not found", ptr)
			}
			return body, nil
		},
		New: func(kind page.Kind, body []byte) (uint64, error) {
			ptr := next
			next++
			cp := make([]byte, len(body))
			copy(cp, body)
			pages[ptr] = cp
			return ptr, nil
		},
		Del: func(ptr uint64) error {
			delete(pages, ptr)
			return nil
		},
	}
	tree := btree.New(0, 4096-page.HeaderSize, cb)
	return Open(tree)
}

func TestFreelistAllocateOldestFirst(t *testing.T) {
	f := newTestFreelist(t)

	if err := f.Free(100, 5); err != nil {
		t.Fatal(err)
	}
	if err := f.Free(200, 3); err != nil {
		t.Fatal(err)
	}
	if err := f.Free(300, 7); err != nil {
		t.Fatal(err)
	}

	ptr, ok, err := f.Allocate(10)
	if err != nil || !ok {
		t.Fatalf("Allocate: ok=%v err=%v", ok, err)
	}
	if ptr != 200 {
		t.Fatalf("expected the page freed at version 3 first, got %d", ptr)
	}
}

func TestFreelistAllocateRespectsThreshold(t *testing.T) {
	f := newTestFreelist(t)

	if err := f.Free(100, 50); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := f.Allocate(10); err != nil || ok {
		t.Fatalf("expected no page eligible below its free_at_version, ok=%v err=%v", ok, err)
	}

	ptr, ok, err := f.Allocate(50)
	if err != nil || !ok || ptr != 100 {
		t.Fatalf("expected page 100 eligible at threshold 50, got ptr=%d ok=%v err=%v", ptr, ok, err)
	}
}

func TestFreelistCountAndDrain(t *testing.T) {
	f := newTestFreelist(t)
	for i := uint64(0); i < 10; i++ {
		if err := f.Free(1000+i, i); err != nil {
			t.Fatal(err)
		}
	}

	n, err := f.Count()
	if err != nil || n != 10 {
		t.Fatalf("Count: %d, %v", n, err)
	}

	for i := 0; i < 10; i++ {
		if _, ok, err := f.Allocate(1000); !ok || err != nil {
			t.Fatalf("Allocate %d: ok=%v err=%v", i, ok, err)
		}
	}

	if _, ok, err := f.Allocate(1000); ok || err != nil {
		t.Fatalf("expected drained freelist, ok=%v err=%v", ok, err)
	}
}
