package main

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/soypat/flashfs"
)

func testImage(t *testing.T) *flashfs.MemFlash {
	t.Helper()
	dev := flashfs.DefaultMemFlash(32)
	var fsys flashfs.FS
	if err := fsys.Format(dev, flashfs.Config{}); err != nil {
		t.Fatal(err)
	}
	for i, name := range []string{"boot.cfg", "calib.bin", "notes"} {
		data := bytes.Repeat([]byte(name), 100*(i+1))
		if err := fsys.WriteFile(name, data, 0); err != nil {
			t.Fatal(err)
		}
	}
	return dev
}

func TestBackupRoundTrip(t *testing.T) {
	src := testImage(t)
	for _, codec := range []Codec{CodecNone, CodecLZ4, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			b, err := encodeBackup(src.Bytes(), codec)
			if err != nil {
				t.Fatal(err)
			}
			if Codec(b[4]) != codec {
				t.Errorf("stored codec %s", Codec(b[4]))
			}
			if codec != CodecNone && len(b) >= len(src.Bytes()) {
				t.Errorf("%s did not compress: %d bytes", codec, len(b))
			}
			image, err := decodeBackup(b, src.Size())
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(image, src.Bytes()) {
				t.Fatal("image mismatch")
			}

			// Restore onto a device holding other data.
			dst := flashfs.DefaultMemFlash(32)
			var other flashfs.FS
			other.Format(dst, flashfs.Config{})
			other.WriteFile("stale", []byte("stale"), 0)
			_, _, err = restoreImage(dst, image)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(dst.Bytes(), src.Bytes()) {
				t.Fatal("restored device differs")
			}
			var fsys flashfs.FS
			err = fsys.Mount(dst, flashfs.Config{NoAutoFormat: true})
			if err != nil {
				t.Fatal(err)
			}
			if fsys.FileExists("stale") || !fsys.FileExists("calib.bin") {
				t.Error("restored filesystem content wrong")
			}
		})
	}
}

func TestBackupCorruption(t *testing.T) {
	src := testImage(t)
	b, err := encodeBackup(src.Bytes(), CodecNone)
	if err != nil {
		t.Fatal(err)
	}
	b[len(b)-1] ^= 1
	if _, err = decodeBackup(b, src.Size()); err == nil {
		t.Error("digest mismatch not detected")
	}
	if _, err = decodeBackup([]byte("FFSX"), src.Size()); err == nil {
		t.Error("bad magic accepted")
	}
	b, _ = encodeBackup(src.Bytes(), CodecZstd)
	b[4] = 9
	if _, err = decodeBackup(b, src.Size()); err == nil {
		t.Error("unknown codec accepted")
	}
	// A forged size is rejected before anything is decompressed.
	b, _ = encodeBackup(src.Bytes(), CodecLZ4)
	binary.LittleEndian.PutUint64(b[5:], 1<<40)
	if _, err = decodeBackup(b, src.Size()); err == nil {
		t.Error("oversized image accepted")
	}
	b, _ = encodeBackup(src.Bytes(), CodecLZ4)
	if _, err = decodeBackup(b, 2*src.Size()); err == nil {
		t.Error("image for another device size accepted")
	}
}

func TestRestoreSizeMismatch(t *testing.T) {
	dev := flashfs.DefaultMemFlash(4)
	_, _, err := restoreImage(dev, make([]byte, 4096))
	if err == nil {
		t.Error("size mismatch accepted")
	}
}

func TestParseCodec(t *testing.T) {
	for _, name := range []string{"none", "lz4", "zstd"} {
		c, err := ParseCodec(name)
		if err != nil || c.String() != name {
			t.Errorf("%s: %v %v", name, c, err)
		}
	}
	if _, err := ParseCodec("gzip"); err == nil {
		t.Error("gzip accepted")
	}
}
