// ABOUTME: Database facade: owns the device, codec, and the global tree + tables directory
// ABOUTME: Every Put/Get/Delete runs as its own single-entry transaction per spec's operation table

package digby

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/markmckeown/digby/internal/logger"
	"github.com/markmckeown/digby/internal/metrics"
	"github.com/markmckeown/digby/pkg/btree"
	"github.com/markmckeown/digby/pkg/dberr"
	"github.com/markmckeown/digby/pkg/device"
	"github.com/markmckeown/digby/pkg/page"
	"github.com/markmckeown/digby/pkg/txn"
)

// maxItemSize is the 4 GiB bound spec §6 places on keys and values: the
// page format's payload_len field is a u32.
const maxItemSize = math.MaxUint32

// Database is the embedded store: one regular file, one global tree, and a
// tables directory tree mapping table names to their own private trees.
type Database struct {
	mu sync.Mutex

	dev   *device.Device
	codec *page.Codec
	meta  txn.Meta

	log     *logger.Logger
	metrics *metrics.Metrics

	closed bool
}

// Open opens path, formatting it as a fresh Digby store if it does not
// already contain one. The codec is built from PageSize/Compressor/
// EncryptionKey on every open; the meta record stores no codec settings.
// On reopen, a PageSize other than the one each page header records is
// reported as dberr.ErrFormat, and so is an encrypted page read without a
// key. A wrong key surfaces as dberr.ErrIntegrity. A different Compressor,
// or a key given for a store written without one, is not rejected.
func Open(path string, opts Options) (*Database, error) {
	opts = opts.withDefaults()

	dev, err := device.Open(path, opts.PageSize)
	if err != nil {
		return nil, err
	}

	codec, err := page.NewCodec(opts.PageSize, opts.Compressor, opts.EncryptionKey)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	meta, err := txn.Open(dev, codec)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}

	m := opts.Metrics
	if m == nil {
		m = metrics.NewMetrics()
	}

	db := &Database{dev: dev, codec: codec, meta: meta, log: opts.Logger, metrics: m}
	db.log.DbLogger("open").Info("opened").Str("path", path).Uint64("commit_seq", meta.CommitSeq).Send()
	return db, nil
}

func (db *Database) checkItemSizes(key, val []byte) error {
	if len(key) > maxItemSize {
		return fmt.Errorf("digby: key of %d bytes exceeds 4 GiB: %w", len(key), dberr.ErrKeyTooLarge)
	}
	if val != nil && len(val) > maxItemSize {
		return fmt.Errorf("digby: value of %d bytes exceeds 4 GiB: %w", len(val), dberr.ErrValueTooLarge)
	}
	return nil
}

// Put inserts or updates key/value in the global tree.
func (db *Database) Put(key, value []byte) error {
	if err := db.checkItemSizes(key, value); err != nil {
		return err
	}
	return db.mutate("put", func(transaction *txn.Transaction, globalTree, tablesTree *btree.Tree) error {
		return globalTree.Insert(key, value)
	})
}

// Get returns the value stored for key, or ok=false if absent.
func (db *Database) Get(key []byte) ([]byte, bool, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, false, dberr.ErrClosed
	}
	transaction := txn.Begin(db.dev, db.codec, db.meta)
	tree := btree.New(db.meta.GlobalRoot, db.codec.BodyCapacity(), transaction.Callbacks())
	val, ok, err := tree.Get(key)
	if err != nil && dberr.IsIntegrity(err) {
		db.metrics.RecordIntegrityFailure()
	}
	return val, ok, err
}

// Delete removes key from the global tree, returning true if it was present.
func (db *Database) Delete(key []byte) (bool, error) {
	var found bool
	err := db.mutate("delete", func(transaction *txn.Transaction, globalTree, tablesTree *btree.Tree) error {
		var err error
		found, err = globalTree.Delete(key)
		return err
	})
	return found, err
}

// mutate runs fn against fresh global and tables trees sharing one
// transaction, and commits the result as a single new tree_version. It is
// the one commit path every mutating operation funnels through, matching
// spec §4.8's "cross-tree transactions are one commit" rule.
func (db *Database) mutate(op string, fn func(transaction *txn.Transaction, globalTree, tablesTree *btree.Tree) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return dberr.ErrClosed
	}

	start := time.Now()
	hooks := &txn.Hooks{
		OnAllocate:   db.metrics.RecordPageAllocated,
		OnFree:       db.metrics.RecordPageFreed,
		OnDirtyPages: func(n int) { db.metrics.DirtyPagesTotal.Add(float64(n)) },
	}
	transaction := txn.BeginWithHooks(db.dev, db.codec, db.meta, hooks)
	globalTree := btree.New(db.meta.GlobalRoot, db.codec.BodyCapacity(), transaction.Callbacks())
	globalTree.SetVersion(transaction.Version())
	tablesTree := btree.New(db.meta.TablesRoot, db.codec.BodyCapacity(), transaction.Callbacks())
	tablesTree.SetVersion(transaction.Version())

	if err := fn(transaction, globalTree, tablesTree); err != nil {
		transaction.Abort()
		db.metrics.RecordCommit("error", time.Since(start))
		if dberr.IsIntegrity(err) {
			db.metrics.RecordIntegrityFailure()
		}
		db.log.DbLogger(op).Error("transaction aborted").Err(err).Send()
		return err
	}

	newMeta, err := transaction.Commit(globalTree.Root(), tablesTree.Root())
	if err != nil {
		db.metrics.RecordCommit("error", time.Since(start))
		db.log.DbLogger(op).Error("commit failed").Err(err).Send()
		return err
	}
	db.meta = newMeta
	db.metrics.RecordCommit("success", time.Since(start))
	db.log.DbLogger(op).Debug("committed").Uint64("commit_seq", newMeta.CommitSeq).Send()
	return nil
}

// Close flushes nothing further (every operation already commits before
// returning) and releases the underlying file handle.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil
	}
	db.closed = true
	db.log.DbLogger("close").Info("closing").Send()
	return db.dev.Close()
}
