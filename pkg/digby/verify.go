// ABOUTME: Read-only integrity walk over every page reachable from the current meta
// ABOUTME: Exercises the same codec checksum/AEAD verification Get uses, but against the whole tree

package digby

import (
	"context"
	"fmt"

	"github.com/markmckeown/digby/pkg/btree"
	"github.com/markmckeown/digby/pkg/dberr"
	"github.com/markmckeown/digby/pkg/txn"
)

// Verify walks every page reachable from the current meta — the global
// tree, the tables directory tree, every table's own tree, and the
// freelist tree — decoding each one and returning the first Integrity or
// Format violation it finds. It touches no dirty-page bookkeeping: it
// reads through a throwaway transaction and never commits.
//
// An operator can run it after a crash recovery to confirm nothing a
// commit believed durable actually failed its own integrity transform.
// It checks page integrity only: it does not compare the freelist's
// entries against the set of pages reachable from the meta.
func (db *Database) Verify(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return dberr.ErrClosed
	}

	transaction := txn.Begin(db.dev, db.codec, db.meta)
	cb := transaction.Callbacks()

	if err := walkTree(ctx, btree.New(db.meta.GlobalRoot, db.codec.BodyCapacity(), cb)); err != nil {
		db.metrics.RecordIntegrityFailure()
		return fmt.Errorf("digby: verify: global tree: %w", err)
	}

	tablesTree := btree.New(db.meta.TablesRoot, db.codec.BodyCapacity(), cb)
	if err := walkTree(ctx, tablesTree); err != nil {
		db.metrics.RecordIntegrityFailure()
		return fmt.Errorf("digby: verify: tables tree: %w", err)
	}

	var tableErr error
	scanErr := tablesTree.Scan(nil, func(name, raw []byte) bool {
		rec, err := decodeTableRecord(raw)
		if err != nil {
			tableErr = fmt.Errorf("digby: verify: table %q: %w", name, err)
			return false
		}
		if err := walkTree(ctx, btree.New(rec.root, db.codec.BodyCapacity(), cb)); err != nil {
			tableErr = fmt.Errorf("digby: verify: table %q: %w", name, err)
			return false
		}
		return ctx.Err() == nil
	})
	if scanErr != nil {
		db.metrics.RecordIntegrityFailure()
		return fmt.Errorf("digby: verify: scanning tables directory: %w", scanErr)
	}
	if tableErr != nil {
		db.metrics.RecordIntegrityFailure()
		return tableErr
	}

	if err := walkTree(ctx, btree.New(db.meta.FreeRoot, db.codec.BodyCapacity(), cb)); err != nil {
		db.metrics.RecordIntegrityFailure()
		return fmt.Errorf("digby: verify: freelist tree: %w", err)
	}

	return ctx.Err()
}

// walkTree touches every entry in tree, forcing the codec to decode
// every reachable page (including overflow chains, via Get/Val).
func walkTree(ctx context.Context, tree *btree.Tree) error {
	return tree.Scan(nil, func(key, val []byte) bool {
		return ctx.Err() == nil
	})
}
