// ABOUTME: The two-slot meta page format and its encode/decode
// ABOUTME: Pages 0 and 1 are reserved for meta; the newer-by-commit_seq slot that passes integrity wins on open

package txn

import (
	"encoding/binary"
	"fmt"

	"github.com/markmckeown/digby/pkg/dberr"
	"github.com/markmckeown/digby/pkg/page"
)

// MetaSlotCount reserves the first two pages of every Digby file for the
// meta slots; tree data starts at FirstDataPage.
const (
	MetaSlotCount = 2
	FirstDataPage = 2
)

// Meta is the root of everything the store can reach: two independent
// trees (the keyspace rooted at GlobalRoot, and the table directory
// rooted at TablesRoot) plus the freelist tree, and the counters needed to
// keep allocating pages and reclaiming old ones safely.
type Meta struct {
	CommitSeq   uint64
	TreeVersion uint64
	GlobalRoot  uint64
	TablesRoot  uint64
	FreeRoot    uint64
	NextPageNo  uint64
}

// metaBodySize is the fixed encoded size of a Meta record.
const metaBodySize = 8 * 6

func (m Meta) encode() []byte {
	buf := make([]byte, metaBodySize)
	binary.LittleEndian.PutUint64(buf[0:8], m.CommitSeq)
	binary.LittleEndian.PutUint64(buf[8:16], m.TreeVersion)
	binary.LittleEndian.PutUint64(buf[16:24], m.GlobalRoot)
	binary.LittleEndian.PutUint64(buf[24:32], m.TablesRoot)
	binary.LittleEndian.PutUint64(buf[32:40], m.FreeRoot)
	binary.LittleEndian.PutUint64(buf[40:48], m.NextPageNo)
	return buf
}

func decodeMeta(buf []byte) (Meta, error) {
	if len(buf) < metaBodySize {
		return Meta{}, fmt.Errorf("digby: truncated meta body (%d bytes): %w", len(buf), dberr.ErrFormat)
	}
	return Meta{
		CommitSeq:   binary.LittleEndian.Uint64(buf[0:8]),
		TreeVersion: binary.LittleEndian.Uint64(buf[8:16]),
		GlobalRoot:  binary.LittleEndian.Uint64(buf[16:24]),
		TablesRoot:  binary.LittleEndian.Uint64(buf[24:32]),
		FreeRoot:    binary.LittleEndian.Uint64(buf[32:40]),
		NextPageNo:  binary.LittleEndian.Uint64(buf[40:48]),
	}, nil
}

// bootstrapMeta is the meta record a brand-new file starts from: empty
// trees, data pages starting right after the two meta slots.
func bootstrapMeta() Meta {
	return Meta{CommitSeq: 0, TreeVersion: 0, GlobalRoot: 0, TablesRoot: 0, FreeRoot: 0, NextPageNo: FirstDataPage}
}

// readMetaSlot decodes the meta record at the given slot, returning an
// error (never a zero-value Meta mistaken for valid) if the slot fails
// integrity or isn't a meta page.
func readMetaSlot(codec *page.Codec, block []byte, slot uint64) (Meta, error) {
	kind, _, body, err := codec.Decode(slot, block)
	if err != nil {
		return Meta{}, err
	}
	if kind != page.KindMeta {
		return Meta{}, fmt.Errorf("digby: slot %d is not a meta page (kind %v): %w", slot, kind, dberr.ErrFormat)
	}
	return decodeMeta(body)
}

func encodeMetaSlot(codec *page.Codec, slot uint64, m Meta) ([]byte, error) {
	return codec.Encode(slot, page.KindMeta, m.TreeVersion, m.encode())
}
