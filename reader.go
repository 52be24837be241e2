package flashfs

import (
	"log/slog"

	"github.com/cespare/xxhash/v2"
)

// FileInfo describes the live content of a file. The content is a view
// directly into the memory mapped flash: it is not copied and is only valid
// until the next write, remove or rebuild on the same FS.
type FileInfo struct {
	name string
	data []byte
	crc  uint32
	seq  uint32
	off  int64 // Content header offset.
}

// Name returns the filename.
func (fi FileInfo) Name() string { return fi.name }

// Size returns the size of the content in bytes.
func (fi FileInfo) Size() int64 { return int64(len(fi.data)) }

// Bytes returns the content. The slice aliases flash and must not be modified.
func (fi FileInfo) Bytes() []byte { return fi.data }

// Checksum returns the CRC-32 (IEEE) of the content.
func (fi FileInfo) Checksum() uint32 { return fi.crc }

// Sequence returns the directory entry sequence number of the file.
func (fi FileInfo) Sequence() uint32 { return fi.seq }

// HeaderOffset returns the flash offset of the content header of the live generation.
func (fi FileInfo) HeaderOffset() int64 { return fi.off }

// readCache remembers the last successful OpenRead.
type readCache struct {
	valid bool
	hash  uint64
	name  [nameSize]byte
	info  FileInfo
}

func (rc *readCache) reset() { *rc = readCache{} }

func (rc *readCache) lookup(name *[nameSize]byte) (FileInfo, bool) {
	if !rc.valid || rc.hash != xxhash.Sum64(name[:]) || rc.name != *name {
		return FileInfo{}, false
	}
	return rc.info, true
}

func (rc *readCache) store(name *[nameSize]byte, info FileInfo) {
	rc.valid = true
	rc.hash = xxhash.Sum64(name[:])
	rc.name = *name
	rc.info = info
}

// invalidate drops the cached entry if it refers to name.
func (rc *readCache) invalidate(name *[nameSize]byte) {
	if rc.valid && rc.name == *name {
		rc.reset()
	}
}

// walkChain walks the generations stored in an entry's reservation.
// live is the offset of the last generation with a programmed header, or -1.
// next is where a new generation would start.
func (fsys *FS) walkChain(de dirEntry) (live, next int64, err error) {
	off := int64(de.FlashOffset())
	end := de.end()
	live = -1
	for off+headerSize <= end {
		ch := contentHeader{data: fsys.flash[off : off+headerSize]}
		if ch.isErased() {
			break
		}
		size := int64(ch.FileSize())
		if size > end-off-headerSize {
			return live, off, ErrBadDirEntry
		}
		live = off
		off = fsys.alignPage(off + headerSize + size)
	}
	return live, off, nil
}

// OpenRead looks up name and validates its content checksum. Failures are
// ErrNotFound for missing or deleted files, ErrBadDirEntry for a size
// inconsistent with the reservation and ErrBadChecksum for corrupt content.
func (fsys *FS) OpenRead(name string) (FileInfo, error) {
	if !fsys.mounted {
		return FileInfo{}, ErrNotMounted
	}
	enc, err := encodeName(name)
	if err != nil {
		return FileInfo{}, err
	}
	if info, ok := fsys.cache.lookup(&enc); ok {
		return info, nil
	}
	slot, found := fsys.findFileEntry(&enc, false)
	if !found {
		return FileInfo{}, ErrNotFound
	}
	de := fsys.entry(slot)
	live, _, err := fsys.walkChain(de)
	if err != nil {
		fsys.logerror("read:bad-size", slog.String("name", name), slog.Int("slot", slot))
		return FileInfo{}, err
	} else if live < 0 {
		return FileInfo{}, ErrNotFound // Deleted, or never closed.
	}
	ch := contentHeader{data: fsys.flash[live : live+headerSize]}
	start := live + headerSize
	data := fsys.flash[start : start+int64(ch.FileSize()) : start+int64(ch.FileSize())]
	if crc := checksum(data); crc != ch.CRC() {
		fsys.logerror("read:bad-checksum", slog.String("name", name),
			slog.Uint64("want", uint64(ch.CRC())), slog.Uint64("got", uint64(crc)))
		return FileInfo{}, ErrBadChecksum
	}
	info := FileInfo{
		name: de.Name(),
		data: data,
		crc:  ch.CRC(),
		seq:  de.Sequence(),
		off:  live,
	}
	fsys.cache.store(&enc, info)
	return info, nil
}

// FileExists reports whether name can be opened for reading with valid content.
func (fsys *FS) FileExists(name string) bool {
	_, err := fsys.OpenRead(name)
	return err == nil
}
