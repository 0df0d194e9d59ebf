package filebacking

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestOpenPreallocatesNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	f, existed, err := Open(path, 1024)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	if existed {
		t.Fatalf("expected existed=false for a new file")
	}

	size, err := f.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 1024 {
		t.Errorf("expected preallocated size 1024, got %d", size)
	}
}

func TestOpenExistingDoesNotRetruncate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	f, _, err := Open(path, 100)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := f.WriteAt([]byte("hello"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	f.Close()

	f2, existed, err := Open(path, 999999)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close()
	if !existed {
		t.Fatalf("expected existed=true on reopen")
	}
	size, err := f2.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 100 {
		t.Errorf("expected size to remain 100 on reopen, got %d", size)
	}
}

func TestWriteAtDisjointOffsets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	f, _, err := Open(path, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteAt([]byte("ABCDE"), 0); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if _, err := f.WriteAt([]byte("FGHIJ"), 5); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	got := make([]byte, 10)
	rf, _, err := Open(path, -1)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer rf.Close()
	n, _ := rf.f.ReadAt(got, 0)
	if n != 10 || !bytes.Equal(got, []byte("ABCDEFGHIJ")) {
		t.Errorf("expected ABCDEFGHIJ, got %q (n=%d)", got, n)
	}
}

func TestExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nope.bin")
	if Exists(path) {
		t.Errorf("expected nonexistent path to report false")
	}
	f, _, err := Open(path, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f.Close()
	if !Exists(path) {
		t.Errorf("expected created path to report true")
	}
}
