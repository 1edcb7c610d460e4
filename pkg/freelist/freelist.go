// ABOUTME: Free-page manager backed by a B+tree keyed by (free_at_version, page_no)
// ABOUTME: Ascending order over that composite key yields the oldest reclaim-eligible page first

package freelist

import (
	"encoding/binary"
	"fmt"

	"github.com/markmckeown/digby/pkg/btree"
)

const keySize = 16

// Freelist tracks pages a committed transaction has stopped referencing,
// ordered by the tree_version at which they became free so Allocate can
// reuse the oldest page that no live reader can still be looking at.
//
// It is itself just another Tree — the same copy-on-write node format,
// split, and page-allocation machinery the data trees use — storing empty
// values under a composite big-endian key. There is no dedicated node
// format for it: it is an ordinary B+tree whose keys happen to be built
// for range queries of the form "everything freed at or before version V".
type Freelist struct {
	tree *btree.Tree
}

// Open wraps an existing (possibly empty) Tree as a Freelist view.
func Open(tree *btree.Tree) *Freelist {
	return &Freelist{tree: tree}
}

// Root exposes the underlying tree's root so the owning transaction can
// persist it in the next meta page.
func (f *Freelist) Root() uint64 { return f.tree.Root() }

func compositeKey(freeAtVersion, pageNo uint64) []byte {
	key := make([]byte, keySize)
	binary.BigEndian.PutUint64(key[0:8], freeAtVersion)
	binary.BigEndian.PutUint64(key[8:16], pageNo)
	return key
}

func splitCompositeKey(key []byte) (freeAtVersion, pageNo uint64) {
	return binary.BigEndian.Uint64(key[0:8]), binary.BigEndian.Uint64(key[8:16])
}

// Free records pageNo as eligible for reuse once no transaction can still
// observe the tree_version it was freed from.
func (f *Freelist) Free(pageNo, freeAtVersion uint64) error {
	return f.tree.Insert(compositeKey(freeAtVersion, pageNo), nil)
}

// Allocate returns the oldest page freed at or before eligibleThreshold
// and removes it from the list. ok is false if no page qualifies — the
// caller must then grow the device instead.
func (f *Freelist) Allocate(eligibleThreshold uint64) (pageNo uint64, ok bool, err error) {
	var candidate []byte
	scanErr := f.tree.Scan(compositeKey(0, 0), func(key, _ []byte) bool {
		freeAtVersion, _ := splitCompositeKey(key)
		if freeAtVersion > eligibleThreshold {
			return false
		}
		candidate = append([]byte(nil), key...)
		return false
	})
	if scanErr != nil {
		return 0, false, fmt.Errorf("digby: freelist scan: %w", scanErr)
	}
	if candidate == nil {
		return 0, false, nil
	}

	_, pageNo = splitCompositeKey(candidate)
	if _, err := f.tree.Delete(candidate); err != nil {
		return 0, false, fmt.Errorf("digby: freelist delete: %w", err)
	}
	return pageNo, true, nil
}

// Count returns the number of pages currently awaiting reuse. It is used
// by Stats and tests; production code should prefer Allocate's bounded
// scan over walking the whole list.
func (f *Freelist) Count() (int, error) {
	n := 0
	err := f.tree.Scan(compositeKey(0, 0), func(_, _ []byte) bool {
		n++
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("digby: freelist count: %w", err)
	}
	return n, nil
}
