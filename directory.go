package flashfs

import (
	"log/slog"
)

// entryOffset returns the flash offset of directory slot i.
func (fsys *FS) entryOffset(slot int) int64 {
	return fsys.dirbase + int64(slot)*entrySize
}

// entry returns a view of directory slot i directly in flash.
func (fsys *FS) entry(slot int) dirEntry {
	off := fsys.entryOffset(slot)
	return dirEntry{data: fsys.flash[off : off+entrySize : off+entrySize]}
}

func (fsys *FS) header() dirHeader {
	return dirHeader{data: fsys.flash[fsys.dirbase : fsys.dirbase+entrySize]}
}

// rangeValid checks an entry reservation lies in the data area and is sector aligned.
func (fsys *FS) rangeValid(de dirEntry) bool {
	off := int64(de.FlashOffset())
	max := int64(de.MaxSize())
	return off >= fsys.database && fsys.sector.off(off) == 0 &&
		max >= fsys.sector.size() && fsys.sector.off(max) == 0 &&
		off+max <= fsys.dev.Size()
}

// entryLive reports whether an entry is assigned, not replaced and intact.
// Deleted entries (erased content header) are still live in the directory.
func (fsys *FS) entryLive(de dirEntry) bool {
	return de.isAssigned() && !de.isReplaced() && de.crcValid() && fsys.rangeValid(de)
}

// findFileEntry looks up the live entry for name. With forWriting set and
// no match it returns the first free slot instead, with found false.
// slot is -1 if nothing suitable exists.
func (fsys *FS) findFileEntry(name *[nameSize]byte, forWriting bool) (slot int, found bool) {
	slot = -1
	var best uint32
	free := -1
	for i := 1; i < fsys.nslots; i++ {
		de := fsys.entry(i)
		if de.isFree() {
			if free < 0 {
				free = i
			}
			continue
		}
		if !de.hasName(name) || !fsys.entryLive(de) {
			continue
		}
		if seq := de.Sequence(); slot < 0 || seq > best {
			slot, best = i, seq
		}
	}
	if slot >= 0 {
		return slot, true
	}
	if forWriting {
		return free, false
	}
	return -1, false
}

// freeSlot returns the first free directory slot or -1.
func (fsys *FS) freeSlot() int {
	for i := 1; i < fsys.nslots; i++ {
		if fsys.entry(i).isFree() {
			return i
		}
	}
	return -1
}

// initFileEntry allocates maxSize bytes (a sector multiple) and programs
// the free slot with a new entry. No erase is needed: the slot is erased.
func (fsys *FS) initFileEntry(slot int, name *[nameSize]byte, maxSize int64) error {
	if slot <= 0 || slot >= fsys.nslots || !fsys.entry(slot).isFree() {
		return ErrAllocationFailed
	} else if fsys.nextseq == erased32 {
		// An erased sequence would read back as a torn entry.
		fsys.logerror("entry:sequence-exhausted", slog.Int("slot", slot))
		return ErrAllocationFailed
	}
	off, ok := fsys.findFreeRegion(int(fsys.sector.idx(maxSize)))
	if !ok {
		return ErrAllocationFailed
	}
	var buf [entrySize]byte
	putEntry(buf[:], fsys.nextseq, name, uint32(maxSize), uint32(off))
	err := fsys.program(fsys.entryOffset(slot), buf[:])
	if err != nil {
		fsys.markFree(off, maxSize)
		return err
	}
	fsys.nextseq++
	fsys.debug("entry:init", slog.Int("slot", slot), slog.String("name", clipname(name[:])),
		slog.Int64("off", off), slog.Int64("max", maxSize))
	return nil
}

// replaceFileEntry supersedes slot by zeroing its filename. Only clears bits.
func (fsys *FS) replaceFileEntry(slot int) error {
	var zero [nameSize]byte
	fsys.debug("entry:replace", slog.Int("slot", slot), slog.String("name", fsys.entry(slot).Name()))
	return fsys.program(fsys.entryOffset(slot)+entNameOff, zero[:])
}

// scanDirectory rebuilds the allocation bitmap and sequence counter from
// the directory and repairs duplicate names left by an interrupted replacement.
func (fsys *FS) scanDirectory() error {
	fsys.resetBitmap()
	fsys.nextseq = 0
	var corrupt int
	newest := make(map[string]int)
	for i := 1; i < fsys.nslots; i++ {
		de := fsys.entry(i)
		if de.isFree() {
			continue
		}
		if !de.isAssigned() {
			corrupt++
			fsys.warn("mount:torn-entry", slog.Int("slot", i))
			continue
		}
		if seq := de.Sequence(); seq >= fsys.nextseq {
			fsys.nextseq = seq + 1
		}
		replaced := de.isReplaced()
		if !replaced && !de.crcValid() {
			corrupt++
			fsys.warn("mount:bad-entry-crc", slog.Int("slot", i))
			continue
		}
		if !fsys.rangeValid(de) {
			corrupt++
			fsys.warn("mount:bad-entry-range", slog.Int("slot", i), slog.String("entry", string(de.Appendf(nil, ' '))))
			continue
		}
		// Replaced reservations stay allocated until rebuild reclaims them.
		fsys.markUsed(int64(de.FlashOffset()), int64(de.MaxSize()))
		if replaced {
			continue
		}
		name := string(de.rawName())
		prev, dup := newest[name]
		if !dup {
			newest[name] = i
			continue
		}
		older := i
		if fsys.entry(prev).Sequence() < de.Sequence() {
			older = prev
			newest[name] = i
		}
		fsys.warn("mount:duplicate-name", slog.String("name", de.Name()), slog.Int("replaced-slot", older))
		if err := fsys.replaceFileEntry(older); err != nil {
			return err
		}
	}
	if fsys.nextseq == erased32 {
		// Files stay readable but no entry can be created until a format.
		fsys.logerror("mount:sequence-exhausted")
	}
	fsys.info("mount:scanned", slog.Int("slots", fsys.nslots-1), slog.Int("corrupt", corrupt),
		slog.Int("free-sectors", fsys.freeSectors()))
	return nil
}
