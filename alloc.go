package flashfs

import (
	"log/slog"
	"math/bits"
)

// Sector usage bitmap. One bit per device sector; set bits are in use.

func (fsys *FS) resetBitmap() {
	nsect := int(fsys.sector.idx(fsys.dev.Size()))
	words := (nsect + 63) / 64
	if cap(fsys.used) >= words {
		fsys.used = fsys.used[:words]
		clear(fsys.used)
	} else {
		fsys.used = make([]uint64, words)
	}
	fsys.lowWater = -1
	fsys.firstFree = int(fsys.sector.idx(fsys.database))
	// Directory sectors and anything below them are never allocatable.
	for s := 0; s < fsys.firstFree; s++ {
		fsys.used[s/64] |= 1 << (s % 64)
	}
}

func (fsys *FS) numSectors() int { return int(fsys.sector.idx(fsys.dev.Size())) }

func (fsys *FS) sectorUsed(s int) bool {
	return fsys.used[s/64]&(1<<(s%64)) != 0
}

// markUsed marks the sectors backing [off, off+n) as allocated.
func (fsys *FS) markUsed(off, n int64) {
	first, last := fsys.sectorSpan(off, n)
	for s := first; s < last; s++ {
		fsys.used[s/64] |= 1 << (s % 64)
	}
	if first < last && (fsys.lowWater < 0 || off < fsys.lowWater) {
		fsys.lowWater = fsys.sector.start(off)
	}
}

// markFree releases the sectors backing [off, off+n).
func (fsys *FS) markFree(off, n int64) {
	first, last := fsys.sectorSpan(off, n)
	for s := first; s < last; s++ {
		fsys.used[s/64] &^= 1 << (s % 64)
	}
	if first < fsys.firstFree {
		fsys.firstFree = first
	}
	if fsys.lowWater >= 0 && fsys.sector.start(off) <= fsys.lowWater {
		fsys.lowWater = fsys.lowestUsed()
	}
}

// sectorSpan returns the data area sector index range covering [off, off+n).
func (fsys *FS) sectorSpan(off, n int64) (first, last int) {
	if off < fsys.database {
		n -= fsys.database - off
		off = fsys.database
	}
	if n <= 0 {
		return 0, 0
	}
	first = int(fsys.sector.idx(off))
	last = int(fsys.sector.idx(fsys.alignSector(off + n)))
	if total := fsys.numSectors(); last > total {
		last = total
	}
	return first, last
}

// lowestUsed scans the bitmap for the lowest allocated data offset.
func (fsys *FS) lowestUsed() int64 {
	dataStart := int(fsys.sector.idx(fsys.database))
	for s := dataStart; s < fsys.numSectors(); s++ {
		if fsys.sectorUsed(s) {
			return int64(s) << fsys.sector.blockshift
		}
	}
	return -1
}

// findFreeRegion finds the lowest run of nsect free sectors and marks it used.
func (fsys *FS) findFreeRegion(nsect int) (off int64, ok bool) {
	total := fsys.numSectors()
	if nsect <= 0 {
		return 0, false
	}
	run := 0
	for s := fsys.firstFree; s < total; s++ {
		if fsys.sectorUsed(s) {
			run = 0
			if s == fsys.firstFree {
				fsys.firstFree++
			}
			continue
		}
		run++
		if run == nsect {
			start := s - nsect + 1
			off = int64(start) << fsys.sector.blockshift
			fsys.markUsed(off, int64(nsect)<<fsys.sector.blockshift)
			fsys.debug("alloc", slog.Int64("off", off), slog.Int("sectors", nsect))
			return off, true
		}
	}
	return 0, false
}

// freeSectors counts unallocated data sectors.
func (fsys *FS) freeSectors() int {
	total := fsys.numSectors()
	used := 0
	for _, w := range fsys.used {
		used += bits.OnesCount64(w)
	}
	return total - used
}
