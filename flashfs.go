package flashfs

import (
	"context"
	"errors"
	"log/slog"
	"math/bits"
	"strconv"
	"time"
)

// Flash is a NOR flash device. Programming may only clear bits; only
// EraseSector restores bits to 1, a whole sector at a time.
type Flash interface {
	// Size returns the total device size in bytes. Must be a multiple of SectorSize.
	Size() int64
	// SectorSize returns the erase unit in bytes. Must be a power of 2.
	SectorSize() int
	// PageSize returns the program unit in bytes. Must be a power of 2 dividing SectorSize.
	PageSize() int
	// Bytes returns a read-only view of the whole device (memory mapped flash).
	Bytes() []byte
	// EraseSector sets the sector starting at off to all ones.
	EraseSector(off int64) error
	// ProgramPage clears bits at off so that the device reads back data.
	// data must not straddle a page boundary.
	ProgramPage(off int64, data []byte) error
}

// Watchdog extends a liveness watchdog for the duration of a long flash operation.
type Watchdog interface {
	// Extend extends the watchdog timeout and returns a function restoring it.
	Extend(timeout time.Duration) (restore func())
}

// Clock provides the current time. Used for write handle diagnostics.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Config configures Mount and Format.
type Config struct {
	// DirectoryBase is the byte offset of the central directory. Must be sector aligned.
	DirectoryBase int64
	// DirectorySize is the size of the central directory in bytes.
	// Rounded up to a whole sector. Zero selects one sector.
	DirectorySize int
	// NoAutoFormat prevents Mount from formatting a device without a valid directory.
	NoAutoFormat bool
	// Logger receives engine logs. Nil disables logging.
	Logger *slog.Logger
	// Watchdog is extended around long erase operations. May be nil.
	Watchdog Watchdog
	// Clock is used to timestamp write handles. Nil uses wall time.
	Clock Clock
}

const (
	entrySize  = 32
	headerSize = 8 // fileSize + crc32 at the start of every generation.
	nameSize   = 16
	erased32   = 0xffff_ffff

	dirMagic   = "FLFS"
	dirVersion = 1

	// Watchdog extension requested per sector erased.
	eraseTimeout = 500 * time.Millisecond
)

// Status is the result code of a filesystem operation.
// All non-zero values implement error.
type Status uint8

const (
	statusOK            Status = iota // succeeded
	ErrNotFound                       // no directory entry or file content deleted
	ErrBadDirEntry                    // stored size inconsistent with reservation
	ErrBadChecksum                    // file content checksum mismatch
	ErrNotMounted                     // filesystem used before Mount
	ErrAllocationFailed               // no free directory slot or flash space
	ErrIoFailed                       // flash erase or program failed
	ErrInvalidName                    // filename empty, too long or not valid UTF-8
	ErrHandleBusy                     // a write handle is already open
	ErrInvalidHandle                  // write handle closed or not owned by this FS
	ErrFileTooLarge                   // write exceeds the file's reservation
	ErrInvalidParameter               // bad geometry or argument
	ErrNoFilesystem                   // no valid directory on the device
)

var statusNames = [...]string{
	statusOK:            "ok",
	ErrNotFound:         "not found",
	ErrBadDirEntry:      "bad directory entry",
	ErrBadChecksum:      "bad checksum",
	ErrNotMounted:       "not mounted",
	ErrAllocationFailed: "allocation failed",
	ErrIoFailed:         "flash i/o failed",
	ErrInvalidName:      "invalid name",
	ErrHandleBusy:       "write handle busy",
	ErrInvalidHandle:    "invalid write handle",
	ErrFileTooLarge:     "file too large",
	ErrInvalidParameter: "invalid parameter",
	ErrNoFilesystem:     "no filesystem",
}

func (st Status) Error() string {
	if int(st) < len(statusNames) {
		return "flashfs: " + statusNames[st]
	}
	return "flashfs.st:" + strconv.Itoa(int(st))
}

// FS is a flash filesystem. The zero value is ready for Mount or Format.
// FS is not safe for concurrent use; flash operations stall the whole
// system on the target hardware so callers serialize all access.
type FS struct {
	dev     Flash
	flash   []byte // Memory mapped device.
	mounted bool

	page   blkIdxer
	sector blkIdxer

	dirbase  int64 // Directory base offset.
	dirsize  int64 // Directory size in bytes, sector multiple.
	database int64 // First allocatable byte, right after the directory.
	nslots   int   // Number of directory slots, including the header slot.
	nextseq  uint32

	used      []uint64 // Sector usage bitmap over the whole device.
	lowWater  int64    // Lowest allocated data offset, -1 when nothing allocated.
	firstFree int      // No sector below this index is free.

	cache   readCache
	wh      File // The single write handle.
	pagebuf []byte
	id      uint16

	log      *slog.Logger
	watchdog Watchdog
	clock    Clock
}

func (fsys *FS) configure(dev Flash, cfg Config) error {
	if dev == nil {
		return ErrInvalidParameter
	}
	page, err := makeBlockIndexer(dev.PageSize())
	if err != nil {
		return ErrInvalidParameter
	}
	sector, err := makeBlockIndexer(dev.SectorSize())
	if err != nil {
		return ErrInvalidParameter
	}
	size := dev.Size()
	switch {
	case page.size() < entrySize || page.size() > sector.size():
		return ErrInvalidParameter
	case size <= 0 || sector.off(size) != 0 || size > erased32:
		return ErrInvalidParameter
	case int64(len(dev.Bytes())) != size:
		return ErrInvalidParameter
	case cfg.DirectoryBase < 0 || sector.off(cfg.DirectoryBase) != 0 || cfg.DirectorySize < 0:
		return ErrInvalidParameter
	}
	fsys.invalidate()
	fsys.dev = dev
	fsys.flash = dev.Bytes()
	fsys.page = page
	fsys.sector = sector
	fsys.log = cfg.Logger
	fsys.watchdog = cfg.Watchdog
	fsys.clock = cfg.Clock
	if fsys.clock == nil {
		fsys.clock = wallClock{}
	}
	return fsys.setDirectory(cfg.DirectoryBase, int64(cfg.DirectorySize))
}

// setDirectory sets the directory region and derived layout.
func (fsys *FS) setDirectory(base, size int64) error {
	if size == 0 {
		size = fsys.sector.size()
	}
	size = fsys.alignSector(size)
	if base+size >= fsys.dev.Size() {
		return ErrInvalidParameter // No room for file data.
	}
	fsys.dirbase = base
	fsys.dirsize = size
	fsys.database = base + size
	fsys.nslots = int(size / entrySize)
	return nil
}

// invalidate drops all mount state. Open write handles become invalid.
func (fsys *FS) invalidate() {
	fsys.mounted = false
	fsys.cache.reset()
	fsys.wh = File{}
	fsys.id++
}

// extendWatchdog extends the caller's watchdog for an operation erasing nsect sectors.
func (fsys *FS) extendWatchdog(nsect int) func() {
	if fsys.watchdog == nil || nsect <= 0 {
		return func() {}
	}
	return fsys.watchdog.Extend(time.Duration(nsect) * eraseTimeout)
}

func (fsys *FS) alignSector(n int64) int64 {
	return (n + fsys.sector.size() - 1) &^ fsys.sector.blockmask
}

func (fsys *FS) alignPage(n int64) int64 {
	return (n + fsys.page.size() - 1) &^ fsys.page.blockmask
}

func (fsys *FS) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if fsys.log != nil {
		fsys.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (fsys *FS) debug(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelDebug, msg, attrs...)
}
func (fsys *FS) info(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelInfo, msg, attrs...)
}
func (fsys *FS) warn(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelWarn, msg, attrs...)
}
func (fsys *FS) logerror(msg string, attrs ...slog.Attr) {
	fsys.logattrs(slog.LevelError, msg, attrs...)
}

// blkIdxer is a helper for calculating block indexes and offsets.
type blkIdxer struct {
	blockshift int64
	blockmask  int64
}

func makeBlockIndexer(blockSize int) (blkIdxer, error) {
	if blockSize <= 0 {
		return blkIdxer{}, errors.New("blockSize must be positive and non-zero")
	}
	tz := bits.TrailingZeros(uint(blockSize))
	if blockSize>>tz != 1 {
		return blkIdxer{}, errors.New("blockSize must be a power of 2")
	}
	blk := blkIdxer{
		blockshift: int64(tz),
		blockmask:  (1 << tz) - 1,
	}
	return blk, nil
}

// size returns the size of a block in bytes.
func (blk *blkIdxer) size() int64 {
	return 1 << blk.blockshift
}

// off gets the offset of the byte at byteIdx from the start of its block.
//
//go:inline
func (blk *blkIdxer) off(byteIdx int64) int64 {
	return byteIdx & blk.blockmask
}

// idx gets the block index that contains the byte at byteIdx.
//
//go:inline
func (blk *blkIdxer) idx(byteIdx int64) int64 {
	return byteIdx >> blk.blockshift
}

// start returns the offset of the first byte of the block containing byteIdx.
func (blk *blkIdxer) start(byteIdx int64) int64 {
	return byteIdx &^ blk.blockmask
}
