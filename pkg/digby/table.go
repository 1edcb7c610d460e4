// ABOUTME: Named tables: each is its own private B+tree, addressed through the tables directory tree
// ABOUTME: CreateTable/DropTable mutate that directory; DropTable additionally reclaims the table's own pages

package digby

import (
	"encoding/binary"
	"fmt"

	"github.com/markmckeown/digby/pkg/btree"
	"github.com/markmckeown/digby/pkg/dberr"
	"github.com/markmckeown/digby/pkg/txn"
)

// tableRecord is the value the tables directory tree stores for each
// table name: the table's own tree root, and the tree_version at which
// that root was last written.
type tableRecord struct {
	root        uint64
	treeVersion uint64
}

const tableRecordSize = 16

func encodeTableRecord(r tableRecord) []byte {
	out := make([]byte, tableRecordSize)
	binary.LittleEndian.PutUint64(out[0:8], r.root)
	binary.LittleEndian.PutUint64(out[8:16], r.treeVersion)
	return out
}

func decodeTableRecord(b []byte) (tableRecord, error) {
	if len(b) != tableRecordSize {
		return tableRecord{}, fmt.Errorf("digby: table record of %d bytes, want %d: %w", len(b), tableRecordSize, dberr.ErrFormat)
	}
	return tableRecord{
		root:        binary.LittleEndian.Uint64(b[0:8]),
		treeVersion: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

// CreateTable registers a new, empty table under name. It returns
// dberr.ErrTableExists if the name is already in use.
func (db *Database) CreateTable(name string) error {
	return db.mutate("create_table", func(transaction *txn.Transaction, globalTree, tablesTree *btree.Tree) error {
		if _, ok, err := tablesTree.Get([]byte(name)); err != nil {
			return err
		} else if ok {
			return fmt.Errorf("digby: table %q: %w", name, dberr.ErrTableExists)
		}
		return tablesTree.Insert([]byte(name), encodeTableRecord(tableRecord{}))
	})
}

// DropTable removes a table and reclaims every page reachable from its
// private tree — safe because a table's tree is never shared with any
// snapshot outside its own commit history.
func (db *Database) DropTable(name string) error {
	return db.mutate("drop_table", func(transaction *txn.Transaction, globalTree, tablesTree *btree.Tree) error {
		raw, ok, err := tablesTree.Get([]byte(name))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("digby: table %q: %w", name, dberr.ErrTableMissing)
		}
		rec, err := decodeTableRecord(raw)
		if err != nil {
			return err
		}
		private := btree.New(rec.root, db.codec.BodyCapacity(), transaction.Callbacks())
		if err := private.DropAll(); err != nil {
			return err
		}
		_, err = tablesTree.Delete([]byte(name))
		return err
	})
}

// Table returns a handle routing Put/Get/Delete to name's private tree.
// It reads the tables directory once to check that name exists; the
// handle caches nothing, so the name is resolved freshly on every
// operation and a later DropTable is reflected immediately.
func (db *Database) Table(name string) (*Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, dberr.ErrClosed
	}
	transaction := txn.Begin(db.dev, db.codec, db.meta)
	tablesTree := btree.New(db.meta.TablesRoot, db.codec.BodyCapacity(), transaction.Callbacks())
	if _, ok, err := tablesTree.Get([]byte(name)); err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("digby: table %q: %w", name, dberr.ErrTableMissing)
	}
	return &Table{db: db, name: name}, nil
}

// Table is a handle onto one named table's private tree.
type Table struct {
	db   *Database
	name string
}

// Name returns the table's name.
func (t *Table) Name() string { return t.name }

func (t *Table) lookupRecord(tablesTree *btree.Tree) (tableRecord, error) {
	raw, ok, err := tablesTree.Get([]byte(t.name))
	if err != nil {
		return tableRecord{}, err
	}
	if !ok {
		return tableRecord{}, fmt.Errorf("digby: table %q: %w", t.name, dberr.ErrTableMissing)
	}
	return decodeTableRecord(raw)
}

// Get returns the value stored for key within this table.
func (t *Table) Get(key []byte) ([]byte, bool, error) {
	db := t.db
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, false, dberr.ErrClosed
	}
	transaction := txn.Begin(db.dev, db.codec, db.meta)
	tablesTree := btree.New(db.meta.TablesRoot, db.codec.BodyCapacity(), transaction.Callbacks())
	rec, err := t.lookupRecord(tablesTree)
	if err != nil {
		return nil, false, err
	}
	private := btree.New(rec.root, db.codec.BodyCapacity(), transaction.Callbacks())
	val, ok, err := private.Get(key)
	if err != nil && dberr.IsIntegrity(err) {
		db.metrics.RecordIntegrityFailure()
	}
	return val, ok, err
}

// Put inserts or updates key/value within this table.
func (t *Table) Put(key, value []byte) error {
	db := t.db
	if err := db.checkItemSizes(key, value); err != nil {
		return err
	}
	return db.mutate("table_put", func(transaction *txn.Transaction, globalTree, tablesTree *btree.Tree) error {
		rec, err := t.lookupRecord(tablesTree)
		if err != nil {
			return err
		}
		private := btree.New(rec.root, db.codec.BodyCapacity(), transaction.Callbacks())
		private.SetVersion(transaction.Version())
		if err := private.Insert(key, value); err != nil {
			return err
		}
		return tablesTree.Insert([]byte(t.name), encodeTableRecord(tableRecord{root: private.Root(), treeVersion: transaction.Version()}))
	})
}

// Delete removes key from this table, returning true if it was present.
func (t *Table) Delete(key []byte) (bool, error) {
	db := t.db
	var found bool
	err := db.mutate("table_delete", func(transaction *txn.Transaction, globalTree, tablesTree *btree.Tree) error {
		rec, err := t.lookupRecord(tablesTree)
		if err != nil {
			return err
		}
		private := btree.New(rec.root, db.codec.BodyCapacity(), transaction.Callbacks())
		private.SetVersion(transaction.Version())
		found, err = private.Delete(key)
		if err != nil {
			return err
		}
		return tablesTree.Insert([]byte(t.name), encodeTableRecord(tableRecord{root: private.Root(), treeVersion: transaction.Version()}))
	})
	return found, err
}
