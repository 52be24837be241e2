package flashfs

import (
	"bytes"
	"testing"
)

// This function is a self contained fuzzing function whose working
// principle is similiar to that of a virtual machine. It takes in
// a series of 64-bit operations and performs them on a FS object,
// checking the results against an in-memory model of the files.
func FuzzFS(f *testing.F) {
	// 64-bit operation definition, starting with least significant bits:
	//
	//  - OP:       First 4 bits are the operation to perform.
	//  - WHO:      Next 4 bits is target of operation.
	//  - MAXSIZE:  Next 16 bits is the reservation requested on write.
	//  - RESERVED: Middle bits are reserved.
	//  - DATASIZE: Last 16 bits is the size of the data to write, if applicable.
	const (
		opWrite uint64 = iota
		opRead
		opRemove
		opRebuild
		opRemount
		opAbortedWrite
		opCheck

		whoOff      = 4
		maxSizeOff  = 8
		datasizeOff = 48
	)
	writeData := make([]byte, 1<<16)
	for i := range writeData {
		writeData[i] = byte(i)
	}
	f.Add(opWrite|(1000<<datasizeOff), opRead, opWrite|(1<<whoOff)|(9000<<datasizeOff),
		opRemount, opRead|(1<<whoOff), opRemove, opRebuild, opRead,
		opWrite|(5000<<datasizeOff), opAbortedWrite|(300<<datasizeOff), opCheck, opRemount,
	)
	const numSectors = 32
	f.Fuzz(func(t *testing.T, fsop0, fsop1, fsop2, fsop3, fsop4, fsop5, fsop6, fsop7, fsop8, fsop9, fsop10, fsop11 uint64) {
		dev := DefaultMemFlash(numSectors)
		fsys := initTestFS(t, dev, Config{})
		model := make(map[string][]byte)
		fsops := [...]uint64{fsop0, fsop1, fsop2, fsop3, fsop4, fsop5, fsop6, fsop7, fsop8, fsop9, fsop10, fsop11}
		for _, fsop := range fsops {
			op := fsop & 0xf
			name := string('a' + byte(fsop>>whoOff)&0xf)
			maxSize := int64(uint16(fsop >> maxSizeOff))
			datasize := int(uint16(fsop >> datasizeOff))
			data := writeData[:datasize]
			switch op {
			case opWrite:
				err := fsys.WriteFile(name, data, maxSize)
				if err == nil {
					model[name] = bytes.Clone(data)
				} else if err != ErrFileTooLarge && err != ErrAllocationFailed {
					t.Fatalf("write %s: %s", name, err)
				}

			case opRead:
				info, err := fsys.OpenRead(name)
				want, ok := model[name]
				if !ok {
					if err != ErrNotFound {
						t.Fatalf("read of absent %s: %v", name, err)
					}
					break
				}
				if err != nil {
					t.Fatalf("read %s: %s", name, err)
				} else if !bytes.Equal(info.Bytes(), want) {
					t.Fatalf("read %s: content mismatch", name)
				}

			case opRemove:
				err := fsys.Remove(name, false)
				_, ok := model[name]
				if ok != (err == nil) {
					t.Fatalf("remove %s: exists=%v err=%v", name, ok, err)
				}
				delete(model, name)

			case opRebuild:
				_, err := fsys.Rebuild()
				if err != nil {
					t.Fatal("rebuild:", err)
				}

			case opRemount:
				fsys = remount(t, dev, Config{})

			case opAbortedWrite:
				// An abort may have erased the previous content.
				fp, err := fsys.OpenWrite(name, int64(datasize), maxSize)
				if err != nil {
					break
				}
				fp.Write(data)
				fp.Abort()
				if fsys.FileExists(name) {
					continue
				}
				delete(model, name)

			case opCheck:
				report, err := fsys.Check()
				if err != nil {
					t.Fatal(err)
				}
				if len(report.Problems) != 0 || report.Corrupt != 0 || report.Files != len(model) {
					t.Fatalf("check: %+v, model has %d files", report, len(model))
				}
			}
		}
		fsys = remount(t, dev, Config{})
		for name, want := range model {
			got := mustRead(t, fsys, name)
			if !bytes.Equal(got, want) {
				t.Fatalf("%s: content mismatch after final remount", name)
			}
		}
	})
}
