package flashfs

import (
	"log/slog"
)

// Remove deletes name by erasing the sector holding its first content header.
// The reservation stays allocated until Rebuild reclaims it. With silent set,
// removing a missing file succeeds.
func (fsys *FS) Remove(name string, silent bool) error {
	if !fsys.mounted {
		return ErrNotMounted
	}
	enc, err := encodeName(name)
	if err != nil {
		return err
	}
	slot, found := fsys.findFileEntry(&enc, false)
	if !found || fsys.isDeleted(fsys.entry(slot)) {
		if silent {
			return nil
		}
		return ErrNotFound
	}
	if fsys.wh.open && fsys.wh.slot == slot {
		return ErrHandleBusy
	}
	fsys.cache.invalidate(&enc)
	de := fsys.entry(slot)
	restore := fsys.extendWatchdog(1)
	defer restore()
	err = fsys.eraseSector(int64(de.FlashOffset()))
	if err != nil {
		return err
	}
	fsys.info("remove", slog.String("name", name), slog.Int("slot", slot))
	return nil
}

// EntryInfo describes a file's directory entry.
type EntryInfo struct {
	Name        string
	Slot        int
	Sequence    uint32
	FlashOffset int64
	MaxSize     int64 // Reserved bytes including the content header.
	Size        int64 // Size of the live content as recorded in its header.
}

// ForEachFile calls fn for every file with live content, in directory order.
// Iteration stops at the first error returned by fn.
func (fsys *FS) ForEachFile(fn func(EntryInfo) error) error {
	if !fsys.mounted {
		return ErrNotMounted
	}
	for i := 1; i < fsys.nslots; i++ {
		de := fsys.entry(i)
		if de.isFree() || !fsys.entryLive(de) {
			continue
		}
		live, _, err := fsys.walkChain(de)
		if err != nil || live < 0 {
			continue
		}
		err = fn(EntryInfo{
			Name:        de.Name(),
			Slot:        i,
			Sequence:    de.Sequence(),
			FlashOffset: int64(de.FlashOffset()),
			MaxSize:     int64(de.MaxSize()),
			Size:        int64(contentHeader{data: fsys.flash[live:]}.FileSize()),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// CheckReport is the result of a filesystem check.
type CheckReport struct {
	Files    int              // Files with live content examined.
	Problems map[string]error // Files failing validation.
	Corrupt  int              // Directory slots that could not be trusted.
}

// Check validates every live file's content checksum and every directory slot.
// It does not modify flash; run Rebuild to reclaim corrupt slots.
func (fsys *FS) Check() (CheckReport, error) {
	var report CheckReport
	if !fsys.mounted {
		return report, ErrNotMounted
	}
	report.Problems = make(map[string]error)
	for i := 1; i < fsys.nslots; i++ {
		de := fsys.entry(i)
		if de.isFree() {
			continue
		}
		if !de.isAssigned() || (!de.isReplaced() && !de.crcValid()) || !fsys.rangeValid(de) {
			report.Corrupt++
			continue
		}
		if de.isReplaced() || fsys.isDeleted(de) {
			continue
		}
		report.Files++
		err := fsys.verify(de)
		if err != nil {
			report.Problems[de.Name()] = err
		}
	}
	if len(report.Problems) > 0 || report.Corrupt > 0 {
		fsys.warn("check:problems", slog.Int("files", len(report.Problems)), slog.Int("corrupt", report.Corrupt))
	}
	return report, nil
}

// verify checks the live generation of an entry without consulting the cache.
func (fsys *FS) verify(de dirEntry) error {
	live, _, err := fsys.walkChain(de)
	if err != nil {
		return err
	} else if live < 0 {
		return ErrNotFound
	}
	ch := contentHeader{data: fsys.flash[live : live+headerSize]}
	start := live + headerSize
	if checksum(fsys.flash[start:start+int64(ch.FileSize())]) != ch.CRC() {
		return ErrBadChecksum
	}
	return nil
}
