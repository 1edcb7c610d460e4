// ABOUTME: B+Tree iterator for in-order range scans
// ABOUTME: Implements SeekLE and Next for forward iteration, decoding full keys and values as it goes

package btree

import "bytes"

// Iter is a forward iterator over a Tree's entries, positioned by a stack
// of (node, index) pairs from root to current leaf.
type Iter struct {
	tree *Tree
	path []BNode
	pos  []uint16
	err  error
}

// NewIterator creates an iterator over tree. Callers must check Err after
// the scan if they stop before Valid returns false.
func (t *Tree) NewIterator() *Iter {
	return &Iter{tree: t, path: make([]BNode, 0, 8), pos: make([]uint16, 0, 8)}
}

func (it *Iter) Err() error { return it.err }

// SeekLE positions the iterator at the largest key <= the given raw key,
// or at the tree's first key when every key is greater than it.
// Returns false if the tree is empty or an error occurred (check Err).
func (it *Iter) SeekLE(key []byte) bool {
	it.path = it.path[:0]
	it.pos = it.pos[:0]

	if it.tree.root == 0 {
		return false
	}

	cmpKey := ComparisonKey(key)
	ptr := it.tree.root
	for {
		body, err := it.tree.cb.Get(ptr)
		if err != nil {
			it.err = err
			return false
		}
		node := BNode(body)
		it.path = append(it.path, node)
		idx := nodeLookupLE(node, cmpKey)
		it.pos = append(it.pos, idx)

		if node.btype() == BNODE_LEAF {
			break
		}
		ptr = node.getPtr(idx)
	}
	return true
}

// Valid reports whether the iterator is positioned at an existing entry.
func (it *Iter) Valid() bool {
	if it.err != nil || len(it.path) == 0 {
		return false
	}
	leaf := it.path[len(it.path)-1]
	pos := it.pos[len(it.pos)-1]
	return pos < leaf.nkeys()
}

// Key returns the full (decoded) key at the current position.
func (it *Iter) Key() ([]byte, error) {
	leaf := it.path[len(it.path)-1]
	pos := it.pos[len(it.pos)-1]
	return fullLeafKey(leaf.getKey(pos), it.tree.cb.Get)
}

// Val returns the decoded value at the current position.
func (it *Iter) Val() ([]byte, error) {
	leaf := it.path[len(it.path)-1]
	pos := it.pos[len(it.pos)-1]
	return decodeValue(leaf.getVal(pos), it.tree.cb.Get)
}

// Next advances to the next entry in key order.
func (it *Iter) Next() bool {
	if it.err != nil || len(it.path) == 0 {
		return false
	}

	leafIdx := len(it.pos) - 1
	it.pos[leafIdx]++

	leaf := it.path[leafIdx]
	if it.pos[leafIdx] < leaf.nkeys() {
		return true
	}

	it.path = it.path[:leafIdx]
	it.pos = it.pos[:leafIdx]

	for len(it.pos) > 0 {
		parentIdx := len(it.pos) - 1
		it.pos[parentIdx]++

		parent := it.path[parentIdx]
		if it.pos[parentIdx] < parent.nkeys() {
			return it.descendToLeftmost()
		}

		it.path = it.path[:parentIdx]
		it.pos = it.pos[:parentIdx]
	}

	return false
}

func (it *Iter) descendToLeftmost() bool {
	for {
		parentIdx := len(it.path) - 1
		parent := it.path[parentIdx]
		pos := it.pos[parentIdx]

		body, err := it.tree.cb.Get(parent.getPtr(pos))
		if err != nil {
			it.err = err
			return false
		}
		child := BNode(body)
		it.path = append(it.path, child)
		it.pos = append(it.pos, 0)

		if child.btype() == BNODE_LEAF {
			return true
		}
	}
}

// Scan walks entries from start (inclusive) in ascending order, calling
// callback for each until it returns false or the tree is exhausted.
func (t *Tree) Scan(start []byte, callback func(key, val []byte) bool) error {
	iter := t.NewIterator()
	if !iter.SeekLE(start) {
		return iter.Err()
	}

	firstKey, err := iter.Key()
	if err != nil {
		return err
	}
	if bytes.Compare(firstKey, start) < 0 {
		if !iter.Next() {
			return iter.Err()
		}
	}

	for iter.Valid() {
		key, err := iter.Key()
		if err != nil {
			return err
		}
		val, err := iter.Val()
		if err != nil {
			return err
		}
		if !callback(key, val) {
			return nil
		}
		if !iter.Next() {
			return iter.Err()
		}
	}
	return iter.Err()
}
