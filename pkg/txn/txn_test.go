// ABOUTME: Tests for the transaction commit protocol and meta slot recovery
// ABOUTME: Exercises dirty-page writes, page reuse via the freelist, and crash-consistent reopen

package txn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/markmckeown/digby/pkg/btree"
	"github.com/markmckeown/digby/pkg/device"
	"github.com/markmckeown/digby/pkg/page"
)

func newTestDevice(t *testing.T) (*device.Device, *page.Codec) {
	t.Helper()
	dir := t.TempDir()
	dev, err := device.Open(filepath.Join(dir, "digby.db"), 4096)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dev.Close() })
	codec, err := page.NewCodec(4096, page.CompressorLz4, nil)
	if err != nil {
		t.Fatal(err)
	}
	return dev, codec
}

func TestOpenBootstrapsFreshFile(t *testing.T) {
	dev, codec := newTestDevice(t)

	meta, err := Open(dev, codec)
	if err != nil {
		t.Fatal(err)
	}
	if meta.CommitSeq != 0 || meta.TreeVersion != 0 || meta.NextPageNo != FirstDataPage {
		t.Fatalf("unexpected bootstrap meta: %+v", meta)
	}

	pages, err := dev.Pages()
	if err != nil {
		t.Fatal(err)
	}
	if pages != MetaSlotCount {
		t.Fatalf("expected file truncated to exactly the meta slots, got %d pages", pages)
	}
}

func TestCommitThenReopenSeesNewMeta(t *testing.T) {
	dev, codec := newTestDevice(t)

	base, err := Open(dev, codec)
	if err != nil {
		t.Fatal(err)
	}

	txn := Begin(dev, codec, base)
	tree := btree.New(base.GlobalRoot, codec.BodyCapacity(), txn.Callbacks())
	if err := tree.Insert([]byte("hello"), []byte("world")); err != nil {
		t.Fatal(err)
	}

	newMeta, err := txn.Commit(tree.Root(), base.TablesRoot)
	if err != nil {
		t.Fatal(err)
	}
	if newMeta.CommitSeq != base.CommitSeq+1 {
		t.Fatalf("expected commit_seq to advance, got %d", newMeta.CommitSeq)
	}

	reopened, err := Open(dev, codec)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.CommitSeq != newMeta.CommitSeq || reopened.GlobalRoot != newMeta.GlobalRoot {
		t.Fatalf("reopen did not see committed meta: got %+v want %+v", reopened, newMeta)
	}

	reader := Begin(dev, codec, reopened)
	readTree := btree.New(reopened.GlobalRoot, codec.BodyCapacity(), reader.Callbacks())
	val, ok, err := readTree.Get([]byte("hello"))
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if string(val) != "world" {
		t.Fatalf("got %q, want world", val)
	}
}

func TestCommitAlternatesMetaSlots(t *testing.T) {
	dev, codec := newTestDevice(t)
	base, err := Open(dev, codec)
	if err != nil {
		t.Fatal(err)
	}

	var root uint64
	var seq uint64
	for i := 0; i < 4; i++ {
		txn := Begin(dev, codec, base)
		tree := btree.New(root, codec.BodyCapacity(), txn.Callbacks())
		if err := tree.Insert([]byte{byte(i)}, []byte("v")); err != nil {
			t.Fatal(err)
		}
		newMeta, err := txn.Commit(tree.Root(), 0)
		if err != nil {
			t.Fatal(err)
		}
		root = newMeta.GlobalRoot
		base = newMeta
		seq = newMeta.CommitSeq
	}
	if seq != 4 {
		t.Fatalf("expected 4 commits, commit_seq=%d", seq)
	}

	reopened, err := Open(dev, codec)
	if err != nil {
		t.Fatal(err)
	}
	if reopened.CommitSeq != 4 {
		t.Fatalf("expected recovery to pick the latest slot, got commit_seq=%d", reopened.CommitSeq)
	}
}

func TestDeletedPageReusedAfterReclaimThreshold(t *testing.T) {
	dev, codec := newTestDevice(t)
	base, err := Open(dev, codec)
	if err != nil {
		t.Fatal(err)
	}

	txn1 := Begin(dev, codec, base)
	tree1 := btree.New(base.GlobalRoot, codec.BodyCapacity(), txn1.Callbacks())
	big := make([]byte, 3000)
	if err := tree1.Insert([]byte("k"), big); err != nil {
		t.Fatal(err)
	}
	meta1, err := txn1.Commit(tree1.Root(), 0)
	if err != nil {
		t.Fatal(err)
	}
	pagesAfterFirst, err := dev.Pages()
	if err != nil {
		t.Fatal(err)
	}

	txn2 := Begin(dev, codec, meta1)
	tree2 := btree.New(meta1.GlobalRoot, codec.BodyCapacity(), txn2.Callbacks())
	if _, err := tree2.Delete([]byte("k")); err != nil {
		t.Fatal(err)
	}
	meta2, err := txn2.Commit(tree2.Root(), 0)
	if err != nil {
		t.Fatal(err)
	}

	// The page freed while committing meta2 only becomes reclaim-eligible
	// once a transaction begins whose base tree_version is at least one
	// past the version that freed it, so one quiet commit must land first.
	txn3 := Begin(dev, codec, meta2)
	tree3 := btree.New(meta2.GlobalRoot, codec.BodyCapacity(), txn3.Callbacks())
	if err := tree3.Insert([]byte("quiet"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	meta3, err := txn3.Commit(tree3.Root(), 0)
	if err != nil {
		t.Fatal(err)
	}

	txn4 := Begin(dev, codec, meta3)
	tree4 := btree.New(meta3.GlobalRoot, codec.BodyCapacity(), txn4.Callbacks())
	if err := tree4.Insert([]byte("k2"), big); err != nil {
		t.Fatal(err)
	}
	if _, err := txn4.Commit(tree4.Root(), 0); err != nil {
		t.Fatal(err)
	}

	pagesAfterThird, err := dev.Pages()
	if err != nil {
		t.Fatal(err)
	}
	if pagesAfterThird > pagesAfterFirst {
		t.Fatalf("expected the deleted overflow pages to be reused, file grew from %d to %d pages", pagesAfterFirst, pagesAfterThird)
	}
}

func TestOpenRejectsCorruptMeta(t *testing.T) {
	dev, codec := newTestDevice(t)
	if _, err := Open(dev, codec); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "corrupt.db")
	dev2, err := device.Open(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer dev2.Close()
	if _, err := Open(dev2, codec); err != nil {
		t.Fatal(err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	garbage := make([]byte, 4096*2)
	if _, err := f.WriteAt(garbage, 0); err != nil {
		t.Fatal(err)
	}
	_ = f.Close()

	devBad, err := device.Open(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer devBad.Close()
	if _, err := Open(devBad, codec); err == nil {
		t.Fatal("expected Open to reject a file with no valid meta slot")
	}
}
