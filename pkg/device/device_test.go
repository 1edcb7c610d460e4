// ABOUTME: Tests for the positioned block device
// ABOUTME: Covers append/read/write round trips and beyond-EOF behavior

package device

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/markmckeown/digby/pkg/dberr"
)

func TestDeviceAppendReadWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	first, err := d.AppendReserve(2)
	if err != nil {
		t.Fatalf("AppendReserve: %v", err)
	}
	if first != 0 {
		t.Fatalf("expected first page 0, got %d", first)
	}

	block := bytes.Repeat([]byte{0xAB}, 4096)
	if err := d.WritePage(first, block); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := d.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	got, err := d.ReadPage(first)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, block) {
		t.Fatal("read page did not match written page")
	}
}

func TestDeviceReadBeyondEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	d, err := Open(path, 4096)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := d.ReadPage(5); !errors.Is(err, dberr.ErrIo) {
		t.Fatalf("expected ErrIo for read beyond EOF, got %v", err)
	}
}
