package flashfs

import (
	"log/slog"
)

// Format erases the directory region of dev and writes an empty directory.
// File data sectors are not erased; they are erased lazily when reallocated.
// On success the filesystem is mounted.
func (fsys *FS) Format(dev Flash, cfg Config) error {
	err := fsys.configure(dev, cfg)
	if err != nil {
		return err
	}
	return fsys.format()
}

func (fsys *FS) format() error {
	fsys.info("format", slog.Int64("dirbase", fsys.dirbase), slog.Int64("dirsize", fsys.dirsize),
		slog.Int64("size", fsys.dev.Size()))
	err := fsys.eraseRange(fsys.dirbase, fsys.dirsize)
	if err != nil {
		return err
	}
	err = fsys.writeHeader()
	if err != nil {
		return err
	}
	fsys.resetBitmap()
	fsys.nextseq = 0
	fsys.mounted = true
	return nil
}

func (fsys *FS) writeHeader() error {
	var hdr [entrySize]byte
	putDirHeader(hdr[:], uint32(fsys.dirsize), uint32(fsys.sector.size()), uint32(fsys.page.size()))
	return fsys.program(fsys.dirbase, hdr[:])
}

// Mount mounts the filesystem on dev. If no valid directory is found at
// cfg.DirectoryBase the device is formatted, unless cfg.NoAutoFormat is set.
// An erased header in front of intact entries is rewritten from cfg instead,
// since an interrupted Rebuild leaves the directory in that state.
// It immediately invalidates a previously open write handle.
func (fsys *FS) Mount(dev Flash, cfg Config) error {
	err := fsys.configure(dev, cfg)
	if err != nil {
		return err
	}
	hdr := fsys.header()
	switch {
	case fsys.headerMatches(hdr):
	case isErased(hdr.data) && fsys.hasLiveEntries():
		fsys.warn("mount:header-restored", slog.Int64("dirbase", fsys.dirbase), slog.Int64("dirsize", fsys.dirsize))
		if err = fsys.writeHeader(); err != nil {
			return err
		}
	case cfg.NoAutoFormat:
		return ErrNoFilesystem
	default:
		fsys.warn("mount:no-directory", slog.Int64("dirbase", fsys.dirbase))
		return fsys.format()
	}
	if ondisk := int64(hdr.DirectorySize()); ondisk != fsys.dirsize {
		// The formatted size is authoritative, entries beyond it would be lost otherwise.
		fsys.warn("mount:dirsize-mismatch", slog.Int64("want", fsys.dirsize), slog.Int64("formatted", ondisk))
		if err := fsys.setDirectory(fsys.dirbase, ondisk); err != nil {
			return ErrNoFilesystem
		}
	}
	err = fsys.scanDirectory()
	if err != nil {
		return err
	}
	fsys.mounted = true
	return nil
}

// headerMatches validates the directory header against the device geometry.
func (fsys *FS) headerMatches(hdr dirHeader) bool {
	if !hdr.valid() {
		return false
	}
	dirsize := int64(hdr.DirectorySize())
	return int64(hdr.SectorSize()) == fsys.sector.size() && int64(hdr.PageSize()) == fsys.page.size() &&
		dirsize > 0 && fsys.sector.off(dirsize) == 0 && fsys.dirbase+dirsize < fsys.dev.Size()
}

// hasLiveEntries reports whether any slot of the configured directory holds an intact entry.
func (fsys *FS) hasLiveEntries() bool {
	for i := 1; i < fsys.nslots; i++ {
		if fsys.entryLive(fsys.entry(i)) {
			return true
		}
	}
	return false
}

// IsMounted reports whether the filesystem has been successfully mounted.
func (fsys *FS) IsMounted() bool { return fsys.mounted }

// Unmount invalidates the filesystem. An open write handle is dropped
// without committing. Flash is left as is, so a later Mount recovers
// every closed file.
func (fsys *FS) Unmount() {
	if fsys.wh.open {
		fsys.warn("unmount:handle-open", slog.String("name", fsys.wh.Name()))
	}
	fsys.invalidate()
}
