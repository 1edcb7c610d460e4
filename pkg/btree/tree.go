// ABOUTME: B+Tree core structure and high-level operations
// ABOUTME: Search, insert, and rebalance-free delete, generalized from the teacher's copy-on-write BTree

package btree

import (
	"bytes"
	"fmt"

	"github.com/markmckeown/digby/pkg/dberr"
	"github.com/markmckeown/digby/pkg/page"
)

// Callbacks are the page-level operations a Tree needs from its owner. New
// and Del participate in the owning transaction's dirty-page and
// pending-free bookkeeping; Get resolves a page number to its decoded
// body, regardless of kind.
type Callbacks struct {
	Get func(ptr uint64) ([]byte, error)
	New func(kind page.Kind, body []byte) (uint64, error)
	Del func(ptr uint64) error
}

// Tree is a single copy-on-write B+tree over pages supplied by Callbacks.
// A Tree has no durability or commit semantics of its own — it only
// describes how to shape nodes; its owner decides when dirty pages are
// actually written and when a new root becomes visible.
type Tree struct {
	root            uint64
	cb              Callbacks
	capacity        int
	inlineThreshold int
	version         uint64
}

// New builds a Tree over an existing root (0 for an empty tree) using the
// given page body capacity (the codec's BodyCapacity for the store's
// configured page size).
func New(root uint64, capacity int, cb Callbacks) *Tree {
	return &Tree{root: root, cb: cb, capacity: capacity, inlineThreshold: DefaultInlineThreshold(capacity)}
}

func (t *Tree) Root() uint64     { return t.root }
func (t *Tree) SetRoot(r uint64) { t.root = r }

// SetVersion sets the tree_version stamped onto every leaf entry this
// Tree writes from now on (Insert, and the leaf-update path of a
// replacing Insert). MVCC proper is deferred; this only lets a reader
// observe write ordering, per the store's versioning note.
func (t *Tree) SetVersion(v uint64) { t.version = v }

func (t *Tree) overflowNew(kind page.Kind) func([]byte) (uint64, error) {
	return func(body []byte) (uint64, error) { return t.cb.New(kind, body) }
}

// Get looks up key, verifying the full key against its overflow chain
// whenever the search descended by digest rather than by raw bytes.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	if t.root == 0 {
		return nil, false, nil
	}
	body, err := t.cb.Get(t.root)
	if err != nil {
		return nil, false, err
	}
	return t.treeGet(BNode(body), key)
}

func (t *Tree) treeGet(node BNode, key []byte) ([]byte, bool, error) {
	cmpKey := ComparisonKey(key)
	idx, found, err := t.findExact(node, key, cmpKey)
	if err != nil {
		return nil, false, err
	}

	switch node.btype() {
	case BNODE_LEAF:
		if !found {
			return nil, false, nil
		}
		value, err := decodeValue(node.getVal(idx), t.cb.Get)
		if err != nil {
			return nil, false, err
		}
		return value, true, nil
	case BNODE_NODE:
		childIdx := nodeLookupLE(node, cmpKey)
		childBody, err := t.cb.Get(node.getPtr(childIdx))
		if err != nil {
			return nil, false, err
		}
		return t.treeGet(BNode(childBody), key)
	default:
		return nil, false, fmt.Errorf("digby: corrupt node type %d: %w", node.btype(), dberr.ErrFormat)
	}
}

// findExact scans forward from nodeLookupLE's candidate over any run of
// entries sharing the same comparison-form key, verifying the full key
// from its overflow chain for leaf entries whose comparison form is a
// digest. This guards against a digest collision silently matching the
// wrong key.
func (t *Tree) findExact(node BNode, key, cmpKey []byte) (uint16, bool, error) {
	nkeys := node.nkeys()
	idx := nodeLookupLE(node, cmpKey)
	for i := idx; i < nkeys; i++ {
		entryCmp := comparisonBytes(node.getKey(i))
		if !bytes.Equal(entryCmp, cmpKey) {
			break
		}
		if node.btype() != BNODE_LEAF || !IsLong(key) {
			return i, true, nil
		}
		full, err := fullLeafKey(node.getKey(i), t.cb.Get)
		if err != nil {
			return 0, false, err
		}
		if bytes.Equal(full, key) {
			return i, true, nil
		}
	}
	return idx, false, nil
}

// Insert inserts or updates a key/value pair.
func (t *Tree) Insert(key, val []byte) error {
	encodedKey, err := encodeLeafKey(key, t.capacity, t.overflowNew(page.KindOverflow))
	if err != nil {
		return err
	}
	encodedVal, err := encodeValue(val, t.inlineThreshold, t.capacity, t.overflowNew(page.KindOverflow))
	if err != nil {
		return err
	}

	if t.root == 0 {
		root := newNode(BNODE_LEAF, 1, t.capacity)
		nodeAppendLeafKV(root, 0, encodedKey, encodedVal, t.version)
		ptr, err := t.cb.New(page.KindLeaf, root[:root.nbytes()])
		if err != nil {
			return err
		}
		t.root = ptr
		return nil
	}

	rootBody, err := t.cb.Get(t.root)
	if err != nil {
		return err
	}
	updated, err := t.treeInsert(BNode(rootBody), key, encodedKey, encodedVal)
	if err != nil {
		return err
	}
	nsplit, split := t.nodeSplit3(updated)
	if err := t.cb.Del(t.root); err != nil {
		return err
	}

	if nsplit > 1 {
		root := newNode(BNODE_NODE, nsplit, t.capacity)
		for i := uint16(0); i < nsplit; i++ {
			kid := split[i]
			ptr, err := t.cb.New(kindOf(kid), kid[:kid.nbytes()])
			if err != nil {
				return err
			}
			nodeAppendKV(root, i, ptr, separatorKeyFor(kid), nil)
		}
		ptr, err := t.cb.New(page.KindInternal, root[:root.nbytes()])
		if err != nil {
			return err
		}
		t.root = ptr
		return nil
	}

	ptr, err := t.cb.New(kindOf(split[0]), split[0][:split[0].nbytes()])
	if err != nil {
		return err
	}
	t.root = ptr
	return nil
}

func kindOf(n BNode) page.Kind {
	if n.btype() == BNODE_LEAF {
		return page.KindLeaf
	}
	return page.KindInternal
}

// separatorKeyFor derives the separator bytes an internal parent should
// store for child n: the child's comparison-only first key.
func separatorKeyFor(n BNode) []byte {
	if n.btype() == BNODE_LEAF {
		return separatorFromLeafKey(n.getKey(0))
	}
	return n.getKey(0)
}

func (t *Tree) treeInsert(node BNode, rawKey, encodedKey, encodedVal []byte) (BNode, error) {
	newBuf := newNode(0, 0, 2*t.capacity)
	cmpKey := ComparisonKey(rawKey)
	idx, found, err := t.findExact(node, rawKey, cmpKey)
	if err != nil {
		return nil, err
	}

	switch node.btype() {
	case BNODE_LEAF:
		if found {
			if err := t.freeValue(node.getVal(idx)); err != nil {
				return nil, err
			}
			leafUpdate(newBuf, node, idx, encodedKey, encodedVal, t.version)
		} else {
			pos := idx + 1
			if idx == 0 && node.nkeys() > 0 && bytes.Compare(comparisonBytes(node.getKey(0)), cmpKey) > 0 {
				pos = 0
			}
			leafInsert(newBuf, node, pos, encodedKey, encodedVal, t.version)
		}
		return newBuf, nil
	case BNODE_NODE:
		return t.nodeInsert(newBuf, node, idx, rawKey, encodedKey, encodedVal)
	default:
		return nil, fmt.Errorf("digby: corrupt node type %d: %w", node.btype(), dberr.ErrFormat)
	}
}

func leafInsert(new, old BNode, idx uint16, key, val []byte, version uint64) {
	new.setHeader(BNODE_LEAF, old.nkeys()+1)
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendLeafKV(new, idx, key, val, version)
	nodeAppendRange(new, old, idx+1, idx, old.nkeys()-idx)
}

func leafUpdate(new, old BNode, idx uint16, key, val []byte, version uint64) {
	new.setHeader(BNODE_LEAF, old.nkeys())
	nodeAppendRange(new, old, 0, 0, idx)
	nodeAppendLeafKV(new, idx, key, val, version)
	nodeAppendRange(new, old, idx+1, idx+1, old.nkeys()-(idx+1))
}

func (t *Tree) nodeInsert(new, node BNode, idx uint16, rawKey, encodedKey, encodedVal []byte) (BNode, error) {
	kptr := node.getPtr(idx)
	kidBody, err := t.cb.Get(kptr)
	if err != nil {
		return nil, err
	}
	kid, err := t.treeInsert(BNode(kidBody), rawKey, encodedKey, encodedVal)
	if err != nil {
		return nil, err
	}
	nsplit, split := t.nodeSplit3(kid)
	if err := t.cb.Del(kptr); err != nil {
		return nil, err
	}
	return t.nodeReplaceKidN(new, node, idx, split[:nsplit]...)
}

func (t *Tree) nodeReplaceKidN(new, old BNode, idx uint16, kids ...BNode) (BNode, error) {
	inc := uint16(len(kids))
	new.setHeader(BNODE_NODE, old.nkeys()+inc-1)
	nodeAppendRange(new, old, 0, 0, idx)

	for i, kid := range kids {
		ptr, err := t.cb.New(kindOf(kid), kid[:kid.nbytes()])
		if err != nil {
			return nil, err
		}
		nodeAppendKV(new, idx+uint16(i), ptr, separatorKeyFor(kid), nil)
	}

	nodeAppendRange(new, old, idx+inc, idx+1, old.nkeys()-(idx+1))
	return new, nil
}

func (t *Tree) nodeSplit3(old BNode) (uint16, [3]BNode) {
	if int(old.nbytes()) <= t.capacity {
		return 1, [3]BNode{old[:t.capacity]}
	}

	left := newNode(0, 0, 2*t.capacity)
	right := newNode(0, 0, t.capacity)
	nodeSplit2(left, right, old, t.capacity)

	if int(left.nbytes()) <= t.capacity {
		return 2, [3]BNode{left[:t.capacity], right}
	}

	leftleft := newNode(0, 0, t.capacity)
	middle := newNode(0, 0, t.capacity)
	nodeSplit2(leftleft, middle, left, t.capacity)

	return 3, [3]BNode{leftleft, middle, right}
}

func nodeSplit2(left, right, old BNode, capacity int) {
	nkeys := old.nkeys()
	var nleft uint16
	for i := uint16(0); i < nkeys; i++ {
		nleft = i + 1
		if int(old.kvPos(nleft)) >= capacity*3/4 {
			break
		}
	}

	left.setHeader(old.btype(), nleft)
	nodeAppendRange(left, old, 0, 0, nleft)

	right.setHeader(old.btype(), nkeys-nleft)
	nodeAppendRange(right, old, 0, nleft, nkeys-nleft)
}

func (t *Tree) freeValue(stored []byte) error {
	return freeValue(stored, t.cb.Get, t.cb.Del)
}

func (t *Tree) freeLeafKey(stored []byte) error {
	return freeLeafKey(stored, t.cb.Get, t.cb.Del)
}

// Delete removes key if present. Per the rebalance-free design, deletion
// never merges or redistributes with siblings: an emptied leaf is simply
// dropped from its parent, and an internal node that loses its last child
// is dropped from its own parent in turn. Only the root ever collapses a
// level, when it becomes a single-child internal node.
func (t *Tree) Delete(key []byte) (bool, error) {
	if t.root == 0 {
		return false, nil
	}
	rootBody, err := t.cb.Get(t.root)
	if err != nil {
		return false, err
	}
	updated, found, err := t.treeDelete(BNode(rootBody), key)
	if err != nil || !found {
		return found, err
	}

	if err := t.cb.Del(t.root); err != nil {
		return false, err
	}

	if updated.btype() == BNODE_NODE && updated.nkeys() == 1 {
		t.root = updated.getPtr(0)
		return true, nil
	}
	if updated.nkeys() == 0 {
		t.root = 0
		return true, nil
	}
	ptr, err := t.cb.New(kindOf(updated), updated[:updated.nbytes()])
	if err != nil {
		return false, err
	}
	t.root = ptr
	return true, nil
}

func (t *Tree) treeDelete(node BNode, key []byte) (BNode, bool, error) {
	cmpKey := ComparisonKey(key)
	idx, found, err := t.findExact(node, key, cmpKey)
	if err != nil {
		return nil, false, err
	}

	switch node.btype() {
	case BNODE_LEAF:
		if !found {
			return nil, false, nil
		}
		if err := t.freeLeafKey(node.getKey(idx)); err != nil {
			return nil, false, err
		}
		if err := t.freeValue(node.getVal(idx)); err != nil {
			return nil, false, err
		}
		new := newNode(BNODE_LEAF, node.nkeys()-1, t.capacity)
		nodeAppendRange(new, node, 0, 0, idx)
		nodeAppendRange(new, node, idx, idx+1, node.nkeys()-(idx+1))
		return new, true, nil
	case BNODE_NODE:
		return t.nodeDelete(node, idx, key)
	default:
		return nil, false, fmt.Errorf("digby: corrupt node type %d: %w", node.btype(), dberr.ErrFormat)
	}
}

// DropAll frees every page reachable from this tree's root, including
// overflow chains for long keys and values, and resets the root to empty.
// It assumes no other tree shares any of these pages — the caller is
// responsible for that (true of a dropped table's own private tree, never
// true of a snapshot's shared ancestry).
func (t *Tree) DropAll() error {
	if t.root == 0 {
		return nil
	}
	if err := t.dropSubtree(t.root); err != nil {
		return err
	}
	t.root = 0
	return nil
}

func (t *Tree) dropSubtree(ptr uint64) error {
	body, err := t.cb.Get(ptr)
	if err != nil {
		return err
	}
	node := BNode(body)
	switch node.btype() {
	case BNODE_LEAF:
		for i := uint16(0); i < node.nkeys(); i++ {
			if err := t.freeLeafKey(node.getKey(i)); err != nil {
				return err
			}
			if err := t.freeValue(node.getVal(i)); err != nil {
				return err
			}
		}
	case BNODE_NODE:
		for i := uint16(0); i < node.nkeys(); i++ {
			if err := t.dropSubtree(node.getPtr(i)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("digby: corrupt node type %d: %w", node.btype(), dberr.ErrFormat)
	}
	return t.cb.Del(ptr)
}

func (t *Tree) nodeDelete(node BNode, idx uint16, key []byte) (BNode, bool, error) {
	kptr := node.getPtr(idx)
	kidBody, err := t.cb.Get(kptr)
	if err != nil {
		return nil, false, err
	}
	updated, found, err := t.treeDelete(BNode(kidBody), key)
	if err != nil || !found {
		return nil, found, err
	}
	if err := t.cb.Del(kptr); err != nil {
		return nil, false, err
	}

	if updated.nkeys() == 0 {
		new := newNode(BNODE_NODE, node.nkeys()-1, t.capacity)
		nodeAppendRange(new, node, 0, 0, idx)
		nodeAppendRange(new, node, idx, idx+1, node.nkeys()-(idx+1))
		return new, true, nil
	}

	new := newNode(BNODE_NODE, node.nkeys(), t.capacity)
	nodeAppendRange(new, node, 0, 0, idx)
	ptr, err := t.cb.New(kindOf(updated), updated[:updated.nbytes()])
	if err != nil {
		return nil, false, err
	}
	nodeAppendKV(new, idx, ptr, separatorKeyFor(updated), nil)
	nodeAppendRange(new, node, idx+1, idx+1, node.nkeys()-(idx+1))
	return new, true, nil
}
