// ABOUTME: Overflow chains for long keys and large values
// ABOUTME: Each chain is a singly-linked list of pages holding raw bytes, oldest chunk first

package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/markmckeown/digby/pkg/dberr"
)

// overflowHeaderSize is the per-page chain header: 8-byte next pointer
// (0 terminates the chain) followed by a 4-byte chunk length.
const overflowHeaderSize = 12

// writeOverflow splits data into capacity-sized chunks and writes them as
// a chain, building it tail-first so every page's next pointer is known
// at allocation time. It returns the head page number.
func writeOverflow(newFn func(body []byte) (uint64, error), data []byte, capacity int) (uint64, error) {
	chunkCap := capacity - overflowHeaderSize
	if chunkCap <= 0 {
		return 0, fmt.Errorf("digby: overflow page capacity %d too small for chain header", capacity)
	}

	var chunks [][]byte
	for off := 0; off < len(data); off += chunkCap {
		end := off + chunkCap
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}

	var next uint64
	for i := len(chunks) - 1; i >= 0; i-- {
		body := make([]byte, overflowHeaderSize+len(chunks[i]))
		binary.LittleEndian.PutUint64(body[0:8], next)
		binary.LittleEndian.PutUint32(body[8:12], uint32(len(chunks[i])))
		copy(body[overflowHeaderSize:], chunks[i])
		ptr, err := newFn(body)
		if err != nil {
			return 0, err
		}
		next = ptr
	}
	return next, nil
}

// readOverflow walks a chain from head, reassembling exactly fullLen
// bytes. A short chain or a length mismatch is a format error: overflow
// chains are never partially valid.
func readOverflow(getFn func(ptr uint64) ([]byte, error), head uint64, fullLen int) ([]byte, error) {
	out := make([]byte, 0, fullLen)
	ptr := head
	for ptr != 0 {
		body, err := getFn(ptr)
		if err != nil {
			return nil, err
		}
		if len(body) < overflowHeaderSize {
			return nil, fmt.Errorf("digby: truncated overflow page %d: %w", ptr, dberr.ErrFormat)
		}
		next := binary.LittleEndian.Uint64(body[0:8])
		chunkLen := binary.LittleEndian.Uint32(body[8:12])
		if overflowHeaderSize+int(chunkLen) > len(body) {
			return nil, fmt.Errorf("digby: overflow page %d chunk_len %d exceeds body: %w", ptr, chunkLen, dberr.ErrFormat)
		}
		out = append(out, body[overflowHeaderSize:overflowHeaderSize+int(chunkLen)]...)
		ptr = next
	}
	if len(out) != fullLen {
		return nil, fmt.Errorf("digby: overflow chain from %d produced %d bytes, expected %d: %w", head, len(out), fullLen, dberr.ErrFormat)
	}
	return out, nil
}

// freeOverflow walks a chain from head, freeing every page in it.
func freeOverflow(getFn func(ptr uint64) ([]byte, error), delFn func(ptr uint64) error, head uint64) error {
	ptr := head
	for ptr != 0 {
		body, err := getFn(ptr)
		if err != nil {
			return err
		}
		if len(body) < overflowHeaderSize {
			return fmt.Errorf("digby: truncated overflow page %d: %w", ptr, dberr.ErrFormat)
		}
		next := binary.LittleEndian.Uint64(body[0:8])
		if err := delFn(ptr); err != nil {
			return err
		}
		ptr = next
	}
	return nil
}
