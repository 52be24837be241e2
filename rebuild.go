package flashfs

import (
	"log/slog"
)

// RebuildStats summarizes a directory rebuild.
type RebuildStats struct {
	Replaced      int   // Superseded entries reclaimed.
	Deleted       int   // Removed entries reclaimed.
	Corrupt       int   // Unreadable entries reclaimed.
	SectorsErased int   // Directory sectors rewritten.
	FreedBytes    int64 // Data space returned to the allocator.
}

// Reclaimed returns the number of directory slots freed.
func (rs RebuildStats) Reclaimed() int { return rs.Replaced + rs.Deleted + rs.Corrupt }

// Rebuild compacts the directory: slots of replaced, deleted and corrupt
// entries are erased and their data sectors released. Directory sectors
// holding such slots are erased and the surviving entries reprogrammed bit
// for bit at their original positions, the header page first. A power loss
// during the rewrite of a directory sector loses the entries of that sector;
// if it also loses the header, Mount restores it while later sectors hold entries.
func (fsys *FS) Rebuild() (RebuildStats, error) {
	if !fsys.mounted {
		return RebuildStats{}, ErrNotMounted
	}
	return fsys.rebuild()
}

func (fsys *FS) rebuild() (stats RebuildStats, err error) {
	if fsys.wh.open {
		return stats, ErrHandleBusy
	}
	reclaim := make([]bool, fsys.nslots)
	pending := false
	for i := 1; i < fsys.nslots; i++ {
		de := fsys.entry(i)
		if de.isFree() {
			continue
		}
		replaced := de.isReplaced()
		switch {
		case !de.isAssigned() || (!replaced && !de.crcValid()) || !fsys.rangeValid(de):
			stats.Corrupt++
		case replaced:
			stats.Replaced++
			fsys.markFree(int64(de.FlashOffset()), int64(de.MaxSize()))
			stats.FreedBytes += int64(de.MaxSize())
		case fsys.isDeleted(de):
			stats.Deleted++
			fsys.markFree(int64(de.FlashOffset()), int64(de.MaxSize()))
			stats.FreedBytes += int64(de.MaxSize())
		default:
			continue
		}
		reclaim[i] = true
		pending = true
	}
	if !pending {
		fsys.debug("rebuild:nothing")
		return stats, nil
	}
	fsys.cache.reset()

	ss := fsys.sector.size()
	perSector := int(ss / entrySize)
	var dirty []int
	for s := 0; s < fsys.nslots; s += perSector {
		for i := s; i < s+perSector && i < fsys.nslots; i++ {
			if reclaim[i] {
				dirty = append(dirty, s)
				break
			}
		}
	}
	restore := fsys.extendWatchdog(len(dirty))
	defer restore()
	scratch := make([]byte, ss)
	for _, first := range dirty {
		off := fsys.entryOffset(first)
		copy(scratch, fsys.flash[off:off+ss])
		for i := first; i < first+perSector && i < fsys.nslots; i++ {
			if reclaim[i] {
				fill(scratch[(i-first)*entrySize:(i-first+1)*entrySize], 0xff)
			}
		}
		err = fsys.eraseSector(off)
		if err != nil {
			fsys.logerror("rebuild:entries-lost", slog.Int64("sector", off))
			return stats, err
		}
		stats.SectorsErased++
		// Reprogram only pages holding surviving entries.
		ps := fsys.page.size()
		for p := int64(0); p < ss; p += ps {
			page := scratch[p : p+ps]
			if isErased(page) {
				continue
			}
			err = fsys.program(off+p, page)
			if err != nil {
				fsys.logerror("rebuild:entries-lost", slog.Int64("sector", off))
				return stats, err
			}
		}
	}
	fsys.info("rebuild", slog.Int("replaced", stats.Replaced), slog.Int("deleted", stats.Deleted),
		slog.Int("corrupt", stats.Corrupt), slog.Int("sectors", stats.SectorsErased),
		slog.Int64("freed", stats.FreedBytes))
	return stats, nil
}

// isDeleted reports whether a live entry's first content header is erased.
func (fsys *FS) isDeleted(de dirEntry) bool {
	off := int64(de.FlashOffset())
	return contentHeader{data: fsys.flash[off : off+headerSize]}.isErased()
}
