// ABOUTME: Positioned block device against the backing file
// ABOUTME: All I/O is in page-aligned units; a read past EOF is an error, never zeros

package device

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/markmckeown/digby/pkg/dberr"
)

// Device is a page-addressed view over a single regular file. It performs
// no buffering or interpretation of page contents — that is the codec's
// job — and no locking beyond what the single-writer/single-reader
// cooperative model in spec §5 assumes.
type Device struct {
	path     string
	pageSize int
	f        *os.File
}

// Open creates the file if it does not exist (fsyncing its parent
// directory so the create itself is durable, the way the teacher's
// createFileSync does) and returns a Device sized to pageSize.
func Open(path string, pageSize int) (*Device, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("digby: open %s: %w", path, wrapIo(err))
	}

	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("digby: open dir %s: %w", filepath.Dir(path), wrapIo(err))
	}
	syncErr := dir.Sync()
	_ = dir.Close()
	if syncErr != nil {
		_ = f.Close()
		return nil, fmt.Errorf("digby: fsync dir %s: %w", filepath.Dir(path), wrapIo(syncErr))
	}

	return &Device{path: path, pageSize: pageSize, f: f}, nil
}

// Pages returns the number of whole pages currently in the file.
func (d *Device) Pages() (uint64, error) {
	info, err := d.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("digby: stat %s: %w", d.path, wrapIo(err))
	}
	return uint64(info.Size()) / uint64(d.pageSize), nil
}

// ReadPage reads exactly one page. Reading beyond the current file length
// is always an error — Digby never fabricates a zero page for a hole.
func (d *Device) ReadPage(pageNo uint64) ([]byte, error) {
	pages, err := d.Pages()
	if err != nil {
		return nil, err
	}
	if pageNo >= pages {
		return nil, fmt.Errorf("digby: page %d beyond file length (%d pages): %w", pageNo, pages, dberr.ErrIo)
	}
	buf := make([]byte, d.pageSize)
	off := int64(pageNo) * int64(d.pageSize)
	if _, err := d.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("digby: read page %d: %w", pageNo, wrapIo(err))
	}
	return buf, nil
}

// WritePage writes exactly one page at pageNo, which may already exist
// (an in-place rewrite of a dirty page within the current transaction's
// buffer) or be one past the current end of file.
func (d *Device) WritePage(pageNo uint64, block []byte) error {
	if len(block) != d.pageSize {
		return fmt.Errorf("digby: write page %d: block size %d != page size %d", pageNo, len(block), d.pageSize)
	}
	off := int64(pageNo) * int64(d.pageSize)
	if _, err := d.f.WriteAt(block, off); err != nil {
		return fmt.Errorf("digby: write page %d: %w", pageNo, wrapIo(err))
	}
	return nil
}

// AppendReserve grows the file by n page-sized units, returning the page
// number of the first newly reserved page.
func (d *Device) AppendReserve(n int) (uint64, error) {
	pages, err := d.Pages()
	if err != nil {
		return 0, err
	}
	info, err := d.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("digby: stat %s: %w", d.path, wrapIo(err))
	}
	newSize := info.Size() + int64(n)*int64(d.pageSize)
	if err := d.f.Truncate(newSize); err != nil {
		return 0, fmt.Errorf("digby: grow %s: %w", d.path, wrapIo(err))
	}
	return pages, nil
}

// Sync requests durability of every prior write — the fsync barrier the
// COW commit protocol depends on twice per commit.
func (d *Device) Sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("digby: fsync %s: %w", d.path, wrapIo(err))
	}
	return nil
}

// Close releases the underlying file handle.
func (d *Device) Close() error {
	if err := d.f.Close(); err != nil {
		return fmt.Errorf("digby: close %s: %w", d.path, wrapIo(err))
	}
	return nil
}

func wrapIo(err error) error {
	return fmt.Errorf("%w: %v", dberr.ErrIo, err)
}
