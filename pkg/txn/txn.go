// ABOUTME: Single-writer copy-on-write transaction: dirty-page bookkeeping and the two-barrier commit protocol
// ABOUTME: Every Tree (global, tables, freelist) an owner opens against a Transaction shares one page space through it

package txn

import (
	"fmt"

	"github.com/markmckeown/digby/pkg/btree"
	"github.com/markmckeown/digby/pkg/dberr"
	"github.com/markmckeown/digby/pkg/device"
	"github.com/markmckeown/digby/pkg/freelist"
	"github.com/markmckeown/digby/pkg/page"
)

type dirtyPage struct {
	kind page.Kind
	body []byte
}

// Hooks lets an owner observe allocation/free/commit traffic for metrics
// and logging without the txn package importing either. Any nil field is
// simply not called.
type Hooks struct {
	OnAllocate   func(reclaimed bool)
	OnFree       func()
	OnDirtyPages func(n int)
}

func (h *Hooks) onAllocate(reclaimed bool) {
	if h != nil && h.OnAllocate != nil {
		h.OnAllocate(reclaimed)
	}
}

func (h *Hooks) onFree() {
	if h != nil && h.OnFree != nil {
		h.OnFree()
	}
}

func (h *Hooks) onDirtyPages(n int) {
	if h != nil && h.OnDirtyPages != nil {
		h.OnDirtyPages(n)
	}
}

// Transaction accumulates the effect of one commit: every page a Tree
// allocates or frees during the transaction is bookkept here in memory
// until Commit encodes and writes them in one batch between two fsync
// barriers. Nothing touches the device until Commit is called.
type Transaction struct {
	dev   *device.Device
	codec *page.Codec
	base  Meta

	newVersion       uint64
	nextPageNo       uint64
	reclaimThreshold uint64
	inMaintenance    bool

	dirty       map[uint64]dirtyPage
	bornThisTxn map[uint64]bool
	pendingFree []uint64

	free  *freelist.Freelist
	hooks *Hooks
}

// Begin opens a transaction against base, the most recently committed
// meta record.
func Begin(dev *device.Device, codec *page.Codec, base Meta) *Transaction {
	return BeginWithHooks(dev, codec, base, nil)
}

// BeginWithHooks is Begin with optional allocation/free/commit observers.
func BeginWithHooks(dev *device.Device, codec *page.Codec, base Meta, hooks *Hooks) *Transaction {
	txn := &Transaction{
		dev:         dev,
		codec:       codec,
		base:        base,
		newVersion:  base.TreeVersion + 1,
		nextPageNo:  base.NextPageNo,
		dirty:       map[uint64]dirtyPage{},
		bornThisTxn: map[uint64]bool{},
		hooks:       hooks,
	}
	if base.TreeVersion > 0 {
		txn.reclaimThreshold = base.TreeVersion - 1
	}
	freeTree := btree.New(base.FreeRoot, codec.BodyCapacity(), txn.Callbacks())
	freeTree.SetVersion(txn.newVersion)
	txn.free = freelist.Open(freeTree)
	return txn
}

// Version returns the tree_version this transaction will commit as, for
// owners that stamp their own trees' leaf entries with it.
func (txn *Transaction) Version() uint64 { return txn.newVersion }

// Callbacks returns the page operations a Tree opened against this
// transaction should use. Every Tree sharing a Transaction shares one
// page space and one dirty set.
func (txn *Transaction) Callbacks() btree.Callbacks {
	return btree.Callbacks{Get: txn.get, New: txn.new, Del: txn.del}
}

// FreeRoot exposes the freelist tree's root as it stands right now, for
// callers that want to report it (e.g. Stats) mid-transaction.
func (txn *Transaction) FreeRoot() uint64 { return txn.free.Root() }

// FreelistCount reports how many pages currently await reuse, for
// read-only reporting (Stats) rather than the commit path.
func (txn *Transaction) FreelistCount() (int, error) { return txn.free.Count() }

func (txn *Transaction) get(ptr uint64) ([]byte, error) {
	if d, ok := txn.dirty[ptr]; ok {
		return d.body, nil
	}
	block, err := txn.dev.ReadPage(ptr)
	if err != nil {
		return nil, err
	}
	_, _, body, err := txn.codec.Decode(ptr, block)
	return body, err
}

func (txn *Transaction) new(kind page.Kind, body []byte) (uint64, error) {
	ptr, err := txn.allocatePageNo()
	if err != nil {
		return 0, err
	}
	cp := make([]byte, len(body))
	copy(cp, body)
	txn.dirty[ptr] = dirtyPage{kind: kind, body: cp}
	txn.bornThisTxn[ptr] = true
	return ptr, nil
}

// allocatePageNo prefers reusing a page freed by an earlier, already-
// committed transaction once no reader could still be depending on it.
// inMaintenance prevents this from recursing into itself: reclaiming a
// freelist entry can itself need to allocate a replacement freelist node,
// and that allocation must not try to reclaim again mid-reclaim. Commit
// sets it too while it folds pendingFree into the freelist tree, so the
// freelist's own node allocations never scan that tree mid-insert.
func (txn *Transaction) allocatePageNo() (uint64, error) {
	if !txn.inMaintenance {
		txn.inMaintenance = true
		ptr, ok, err := txn.free.Allocate(txn.reclaimThreshold)
		txn.inMaintenance = false
		if err != nil {
			return 0, err
		}
		if ok {
			txn.hooks.onAllocate(true)
			return ptr, nil
		}
	}
	ptr := txn.nextPageNo
	txn.nextPageNo++
	txn.hooks.onAllocate(false)
	return ptr, nil
}

func (txn *Transaction) del(ptr uint64) error {
	if txn.bornThisTxn[ptr] {
		delete(txn.bornThisTxn, ptr)
		delete(txn.dirty, ptr)
		return nil
	}
	txn.pendingFree = append(txn.pendingFree, ptr)
	txn.hooks.onFree()
	return nil
}

// Commit drains pendingFree into the freelist tree, writes every dirty
// page, fsyncs, writes the new meta record to the older slot, and fsyncs
// again. newGlobalRoot and newTablesRoot are the caller's two data trees'
// roots after all of this transaction's mutations.
func (txn *Transaction) Commit(newGlobalRoot, newTablesRoot uint64) (Meta, error) {
	txn.inMaintenance = true
	for len(txn.pendingFree) > 0 {
		ptr := txn.pendingFree[0]
		txn.pendingFree = txn.pendingFree[1:]
		if err := txn.free.Free(ptr, txn.newVersion); err != nil {
			txn.inMaintenance = false
			return Meta{}, fmt.Errorf("digby: commit: recording freed page %d: %w", ptr, err)
		}
	}
	txn.inMaintenance = false

	if txn.nextPageNo > 0 {
		existing, err := txn.dev.Pages()
		if err != nil {
			return Meta{}, err
		}
		if txn.nextPageNo > existing {
			if _, err := txn.dev.AppendReserve(int(txn.nextPageNo - existing)); err != nil {
				return Meta{}, fmt.Errorf("digby: commit: growing device: %w", err)
			}
		}
	}

	txn.hooks.onDirtyPages(len(txn.dirty))
	for ptr, d := range txn.dirty {
		block, err := txn.codec.Encode(ptr, d.kind, txn.newVersion, d.body)
		if err != nil {
			return Meta{}, fmt.Errorf("digby: commit: encoding page %d: %w", ptr, err)
		}
		if err := txn.dev.WritePage(ptr, block); err != nil {
			return Meta{}, fmt.Errorf("digby: commit: writing page %d: %w", ptr, err)
		}
	}

	if err := txn.dev.Sync(); err != nil {
		return Meta{}, fmt.Errorf("digby: commit: barrier 1: %w", err)
	}

	newMeta := Meta{
		CommitSeq:   txn.base.CommitSeq + 1,
		TreeVersion: txn.newVersion,
		GlobalRoot:  newGlobalRoot,
		TablesRoot:  newTablesRoot,
		FreeRoot:    txn.free.Root(),
		NextPageNo:  txn.nextPageNo,
	}

	slot := newMeta.CommitSeq % MetaSlotCount
	block, err := encodeMetaSlot(txn.codec, slot, newMeta)
	if err != nil {
		return Meta{}, fmt.Errorf("digby: commit: encoding meta: %w", err)
	}
	if err := txn.dev.WritePage(slot, block); err != nil {
		return Meta{}, fmt.Errorf("digby: commit: writing meta slot %d: %w", slot, err)
	}
	if err := txn.dev.Sync(); err != nil {
		return Meta{}, fmt.Errorf("digby: commit: barrier 2: %w", err)
	}

	return newMeta, nil
}

// Abort discards every bookkept mutation. Nothing was ever written to the
// device, so there is nothing to undo there.
func (txn *Transaction) Abort() {
	txn.dirty = map[uint64]dirtyPage{}
	txn.bornThisTxn = map[uint64]bool{}
	txn.pendingFree = nil
}

// Open reads both meta slots and adopts the one with the higher
// commit_seq that also passes integrity verification. It is an error (not
// a fallback) if neither slot is valid — Digby never guesses which half
// of a two-phase commit actually landed.
func Open(dev *device.Device, codec *page.Codec) (Meta, error) {
	pages, err := dev.Pages()
	if err != nil {
		return Meta{}, err
	}
	if pages < MetaSlotCount {
		if _, err := dev.AppendReserve(MetaSlotCount - int(pages)); err != nil {
			return Meta{}, err
		}
		meta := bootstrapMeta()
		for slot := uint64(0); slot < MetaSlotCount; slot++ {
			block, err := encodeMetaSlot(codec, slot, meta)
			if err != nil {
				return Meta{}, err
			}
			if err := dev.WritePage(slot, block); err != nil {
				return Meta{}, err
			}
		}
		if err := dev.Sync(); err != nil {
			return Meta{}, err
		}
		return meta, nil
	}

	var best *Meta
	var bestErr error
	for slot := uint64(0); slot < MetaSlotCount; slot++ {
		block, err := dev.ReadPage(slot)
		if err != nil {
			bestErr = err
			continue
		}
		m, err := readMetaSlot(codec, block, slot)
		if err != nil {
			bestErr = err
			continue
		}
		if best == nil || m.CommitSeq > best.CommitSeq {
			best = &m
		}
	}
	if best == nil {
		return Meta{}, fmt.Errorf("digby: no valid meta slot: %w", combineOrDefault(bestErr, dberr.ErrIntegrity))
	}
	return *best, nil
}

func combineOrDefault(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
