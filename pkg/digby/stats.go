// ABOUTME: Database.Stats: a point-in-time snapshot of the store's bookkeeping state
// ABOUTME: Modeled on the teacher's Server.Stats RPC, scoped to what a COW page store actually tracks

package digby

import (
	"fmt"

	"github.com/markmckeown/digby/pkg/btree"
	"github.com/markmckeown/digby/pkg/dberr"
	"github.com/markmckeown/digby/pkg/txn"
)

// Stats is a snapshot of the store's current bookkeeping state.
type Stats struct {
	TreeVersion      uint64
	CommitSeq        uint64
	NextPageNo       uint64
	ReclaimablePages int
	TableCount       int
	FileSizeBytes    int64
}

// Stats reports the current meta's counters plus derived figures: the
// number of pages awaiting reuse in the freelist, the number of tables in
// the tables directory, and the file's current size. It is read-only and
// does not start a transaction that could itself allocate.
func (db *Database) Stats() (Stats, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return Stats{}, dberr.ErrClosed
	}

	transaction := txn.Begin(db.dev, db.codec, db.meta)
	cb := transaction.Callbacks()

	reclaimable, err := transaction.FreelistCount()
	if err != nil {
		return Stats{}, fmt.Errorf("digby: stats: counting freelist: %w", err)
	}

	tableCount := 0
	tablesTree := btree.New(db.meta.TablesRoot, db.codec.BodyCapacity(), cb)
	if err := tablesTree.Scan(nil, func(_, _ []byte) bool {
		tableCount++
		return true
	}); err != nil {
		return Stats{}, fmt.Errorf("digby: stats: scanning tables: %w", err)
	}

	pages, err := db.dev.Pages()
	if err != nil {
		return Stats{}, fmt.Errorf("digby: stats: reading file size: %w", err)
	}
	sizeBytes := int64(pages) * int64(db.codec.PageSize())

	stats := Stats{
		TreeVersion:      db.meta.TreeVersion,
		CommitSeq:        db.meta.CommitSeq,
		NextPageNo:       db.meta.NextPageNo,
		ReclaimablePages: reclaimable,
		TableCount:       tableCount,
		FileSizeBytes:    sizeBytes,
	}
	db.metrics.UpdateDbStats(sizeBytes, int64(tableCount))
	return stats, nil
}
