package flashfs

import (
	"fmt"
	"hash/crc32"
	"log/slog"
)

func checksum(b []byte) uint32 { return crc32.ChecksumIEEE(b) }

func updateChecksum(crc uint32, b []byte) uint32 {
	return crc32.Update(crc, crc32.IEEETable, b)
}

// isErased reports whether every byte of b is in the erased state.
func isErased(b []byte) bool {
	// Compare 8 bytes at a time; flash regions checked here are sector or page sized.
	for len(b) >= 8 {
		if b[0]&b[1]&b[2]&b[3]&b[4]&b[5]&b[6]&b[7] != 0xff {
			return false
		}
		b = b[8:]
	}
	for _, c := range b {
		if c != 0xff {
			return false
		}
	}
	return true
}

// rangeErased reports whether flash in [off, off+n) is erased.
func (fsys *FS) rangeErased(off, n int64) bool {
	if off < 0 || n < 0 || off+n > int64(len(fsys.flash)) {
		return false
	}
	return isErased(fsys.flash[off : off+n])
}

// sectorErased reports whether the sector starting at off is erased.
func (fsys *FS) sectorErased(off int64) bool {
	return fsys.rangeErased(fsys.sector.start(off), fsys.sector.size())
}

// eraseSector erases the sector at off. Device errors are wrapped in ErrIoFailed.
func (fsys *FS) eraseSector(off int64) error {
	err := fsys.dev.EraseSector(off)
	if err != nil {
		fsys.logerror("erase:failed", slog.Int64("off", off), slog.String("err", err.Error()))
		return fmt.Errorf("erase sector %#x: %w: %w", off, ErrIoFailed, err)
	}
	return nil
}

// eraseRange erases every non-erased sector in [off, off+n).
// off and n must be sector aligned.
func (fsys *FS) eraseRange(off, n int64) error {
	ss := fsys.sector.size()
	var nsect int
	for s := off; s < off+n; s += ss {
		if !fsys.sectorErased(s) {
			nsect++
		}
	}
	if nsect == 0 {
		return nil
	}
	restore := fsys.extendWatchdog(nsect)
	defer restore()
	for s := off; s < off+n; s += ss {
		if fsys.sectorErased(s) {
			continue
		}
		if err := fsys.eraseSector(s); err != nil {
			return err
		}
	}
	return nil
}

// program writes data at off splitting it on page boundaries.
func (fsys *FS) program(off int64, data []byte) error {
	for len(data) > 0 {
		n := fsys.page.size() - fsys.page.off(off)
		if n > int64(len(data)) {
			n = int64(len(data))
		}
		err := fsys.dev.ProgramPage(off, data[:n])
		if err != nil {
			fsys.logerror("program:failed", slog.Int64("off", off), slog.Int64("len", n), slog.String("err", err.Error()))
			return fmt.Errorf("program %#x: %w: %w", off, ErrIoFailed, err)
		}
		data = data[n:]
		off += n
	}
	return nil
}
