package flashfs

import (
	"bytes"
	"testing"
)

func TestRAMFileSparseCommit(t *testing.T) {
	var rf RAMFile
	rf.Write(0, []byte("AAAA"))
	rf.Write(4096, []byte("BBBB"))
	if rf.Size() != 4100 {
		t.Fatalf("size %d, want 4100", rf.Size())
	}
	dev := DefaultMemFlash(16)
	fsys := initTestFS(t, dev, Config{})
	err := rf.Commit(fsys, "x", 8192)
	if err != nil {
		t.Fatal(err)
	}
	got := mustRead(t, fsys, "x")
	want := make([]byte, 4100)
	copy(want, "AAAA")
	copy(want[4096:], "BBBB")
	if !bytes.Equal(got, want) {
		t.Fatalf("committed content mismatch: %q...%q", got[:8], got[len(got)-8:])
	}
	var loaded RAMFile
	err = loaded.Load(fsys, "x")
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5000)
	n, _ := loaded.Read(0, buf)
	if n != 4100 || !bytes.Equal(buf[:n], want) {
		t.Errorf("loaded content mismatch, n=%d", n)
	}
}

func TestRAMFileReadWrite(t *testing.T) {
	var rf RAMFile
	// Writes straddling page boundaries.
	data := testData(3 * RAMPageSize)
	n, err := rf.Write(RAMPageSize-10, data)
	if err != nil || n != len(data) {
		t.Fatal(n, err)
	}
	buf := make([]byte, 20)
	n, _ = rf.Read(RAMPageSize-20, buf)
	if n != 20 {
		t.Fatalf("read %d", n)
	}
	if !bytes.Equal(buf[:10], make([]byte, 10)) || !bytes.Equal(buf[10:], data[:10]) {
		t.Errorf("got %v", buf)
	}
	// Reads past the end are truncated.
	end := rf.Size()
	n, err = rf.Read(end-4, buf)
	if err != nil || n != 4 || !bytes.Equal(buf[:4], data[len(data)-4:]) {
		t.Errorf("tail read n=%d err=%v", n, err)
	}
	if n, _ = rf.Read(end+1, buf); n != 0 {
		t.Errorf("read past end returned %d", n)
	}
	// Overwrite does not change size.
	rf.Write(0, []byte("head"))
	if rf.Size() != end {
		t.Error("overwrite changed size")
	}
	rf.Clear()
	if rf.Size() != 0 {
		t.Error("clear kept size")
	}
	if _, err = rf.Write(-1, buf); err != ErrInvalidParameter {
		t.Errorf("negative offset: %v", err)
	}
}

func TestRAMFileLimit(t *testing.T) {
	rf := RAMFile{Limit: 100}
	if _, err := rf.Write(90, make([]byte, 11)); err != ErrFileTooLarge {
		t.Errorf("want ErrFileTooLarge, got %v", err)
	}
	if rf.Size() != 0 {
		t.Error("rejected write changed size")
	}
	if _, err := rf.Write(90, make([]byte, 10)); err != nil {
		t.Error(err)
	}
}

func TestRAMFileCommitTooLarge(t *testing.T) {
	dev := DefaultMemFlash(4)
	fsys := initTestFS(t, dev, Config{})
	fsys.WriteFile("keep", []byte("previous"), 0)
	var rf RAMFile
	rf.Write(0, testData(4*4096))
	err := rf.Commit(fsys, "keep", 0)
	if err != ErrFileTooLarge {
		t.Fatalf("want ErrFileTooLarge, got %v", err)
	}
	if got := mustRead(t, fsys, "keep"); string(got) != "previous" {
		t.Errorf("previous content lost: %q", got)
	}
	// Handle was released.
	if err = fsys.WriteFile("other", []byte("ok"), 0); err != nil {
		t.Error(err)
	}
}
