package flashfs

import (
	"log/slog"
	"time"
)

// File is the write handle returned by OpenWrite. Only one may be open per FS.
// Content is buffered a page at a time; the content header is programmed by
// Close, so an unfinished write never replaces the previous generation when
// it was appended within the reservation.
type File struct {
	fs     *FS
	id     uint16 // Corresponds to FS.id.
	open   bool
	slot   int
	name   [nameSize]byte
	start  int64 // Content header offset of the generation being written.
	limit  int64 // End of the reservation.
	pos    int64 // Flash offset of buf[0].
	n      int   // Bytes in buf.
	size   int64 // Content bytes written.
	crc    uint32
	erased bool // Previous content was erased to make room.
	opened time.Time
	buf    []byte
}

// OpenWrite opens name for writing a new generation of its content.
// maxSize is the space to reserve for the content; an existing reservation
// smaller than that is superseded by a new directory entry. curSize is the
// expected content size, or 0 if unknown: when it fits the untouched tail of
// the existing reservation the new content is appended there without erasing,
// keeping the previous content readable until Close.
func (fsys *FS) OpenWrite(name string, curSize, maxSize int64) (*File, error) {
	if !fsys.mounted {
		return nil, ErrNotMounted
	}
	if fsys.wh.open {
		fsys.warn("openwrite:busy", slog.String("name", name), slog.String("open", fsys.wh.Name()),
			slog.Duration("held", fsys.clock.Now().Sub(fsys.wh.opened)))
		return nil, ErrHandleBusy
	}
	enc, err := encodeName(name)
	if err != nil {
		return nil, err
	}
	if curSize < 0 || maxSize < 0 {
		return nil, ErrInvalidParameter
	}
	if maxSize < curSize {
		maxSize = curSize
	}
	need := fsys.alignSector(maxSize + headerSize)
	if need > erased32 || need > fsys.dev.Size()-fsys.database {
		return nil, ErrFileTooLarge
	}

	slot, found := fsys.findFileEntry(&enc, true)
	fresh := !found
	switch {
	case found && int64(fsys.entry(slot).MaxSize()) < need:
		old := slot
		oldseq := fsys.entry(old).Sequence()
		slot, err = fsys.allocEntry(&enc, need)
		if err != nil {
			return nil, err
		}
		// New entry first: a power cut here leaves a duplicate that mount resolves
		// in favour of the higher sequence. The rebuild in allocEntry may have
		// reclaimed a deleted old entry and handed its slot to the new one.
		if prev := fsys.entry(old); slot != old && prev.Sequence() == oldseq && prev.hasName(&enc) {
			err = fsys.replaceFileEntry(old)
			if err != nil {
				return nil, err
			}
		}
		fsys.info("openwrite:grow", slog.String("name", name), slog.Int64("max", need))
		fresh = true
	case !found:
		slot, err = fsys.allocEntry(&enc, need)
		if err != nil {
			return nil, err
		}
	}
	fsys.cache.invalidate(&enc)

	de := fsys.entry(slot)
	start := int64(de.FlashOffset())
	end := de.end()
	// Previous content exists only in a reservation not deleted by Remove.
	live := !fresh && !fsys.isDeleted(de)
	appending := false
	if live && curSize > 0 {
		_, next, err := fsys.walkChain(de)
		appending = err == nil && next+headerSize+curSize <= end && fsys.rangeErased(next, end-next)
		if appending {
			start = next
		}
	}
	if !appending {
		err = fsys.eraseRange(start, end-start)
		if err != nil {
			if live {
				fsys.logerror("openwrite:contents-lost", slog.String("name", name), slog.String("err", err.Error()))
			}
			return nil, err
		}
	}
	if int64(cap(fsys.pagebuf)) < fsys.page.size() {
		fsys.pagebuf = make([]byte, fsys.page.size())
	}
	fsys.wh = File{
		fs:     fsys,
		id:     fsys.id,
		open:   true,
		slot:   slot,
		name:   enc,
		start:  start,
		limit:  end,
		pos:    start,
		n:      headerSize, // Header placeholder stays erased until Close.
		erased: live && !appending,
		opened: fsys.clock.Now(),
		buf:    fsys.pagebuf[:fsys.page.size()],
	}
	fill(fsys.wh.buf, 0xff)
	fsys.debug("openwrite", slog.String("name", name), slog.Int64("start", start),
		slog.Bool("append", appending))
	return &fsys.wh, nil
}

// allocEntry creates a directory entry reserving need bytes. When the
// directory or the flash is exhausted it rebuilds the directory once and retries.
func (fsys *FS) allocEntry(name *[nameSize]byte, need int64) (slot int, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		slot = fsys.freeSlot()
		if slot > 0 {
			err = fsys.initFileEntry(slot, name, need)
		} else {
			err = ErrAllocationFailed
		}
		if err != ErrAllocationFailed || attempt > 0 {
			break
		}
		fsys.info("alloc:rebuild", slog.String("name", clipname(name[:])), slog.Bool("slot-free", slot > 0))
		if _, rerr := fsys.rebuild(); rerr != nil {
			return -1, rerr
		}
	}
	if err != nil {
		fsys.logerror("alloc:failed", slog.String("name", clipname(name[:])), slog.Int64("size", need),
			slog.Int("free-sectors", fsys.freeSectors()))
		return -1, err
	}
	return slot, nil
}

func (fp *File) valid() bool {
	return fp != nil && fp.fs != nil && fp.open && fp.id == fp.fs.id && fp == &fp.fs.wh
}

// Name returns the name the handle was opened with.
func (fp *File) Name() string {
	if fp == nil {
		return ""
	}
	return clipname(fp.name[:])
}

// Size returns the number of content bytes written so far.
func (fp *File) Size() int64 { return fp.size }

// Write appends buf to the file content. It implements the [io.Writer] interface.
// A write exceeding the reservation fails with ErrFileTooLarge and writes nothing;
// the handle stays open. A flash failure aborts the handle.
func (fp *File) Write(buf []byte) (int, error) {
	if !fp.valid() {
		return 0, ErrInvalidHandle
	}
	if fp.size+int64(len(buf)) > fp.limit-fp.start-headerSize {
		return 0, ErrFileTooLarge
	}
	fp.crc = updateChecksum(fp.crc, buf)
	written := 0
	for len(buf) > 0 {
		n := copy(fp.buf[fp.n:], buf)
		fp.n += n
		fp.size += int64(n)
		written += n
		buf = buf[n:]
		if fp.n == len(fp.buf) {
			err := fp.flush()
			if err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// flush programs the page buffer and advances to the next page.
func (fp *File) flush() error {
	fsys := fp.fs
	err := fsys.program(fp.pos, fp.buf[:fp.n])
	if err != nil {
		fp.fail(err)
		return err
	}
	fp.pos += int64(len(fp.buf))
	fp.n = 0
	fill(fp.buf, 0xff)
	return nil
}

// Close programs any buffered content and the content header, making the
// written content the live generation of the file.
func (fp *File) Close() error {
	if !fp.valid() {
		return ErrInvalidHandle
	}
	fsys := fp.fs
	if fp.n > 0 && !isErased(fp.buf[:fp.n]) {
		// Last page padded with erased bytes, not counted in the size.
		err := fsys.program(fp.pos, fp.buf[:fp.n])
		if err != nil {
			fp.fail(err)
			return err
		}
	}
	var hdr [headerSize]byte
	putContentHeader(hdr[:], uint32(fp.size), fp.crc)
	err := fsys.program(fp.start, hdr[:])
	if err != nil {
		fp.fail(err)
		return err
	}
	fsys.debug("close", slog.String("name", fp.Name()), slog.Int64("size", fp.size),
		slog.Duration("held", fsys.clock.Now().Sub(fp.opened)))
	fp.release()
	return nil
}

// Abort releases the handle without committing. Previous content remains
// readable unless it was erased by OpenWrite.
func (fp *File) Abort() error {
	if !fp.valid() {
		return ErrInvalidHandle
	}
	fp.fs.info("abort", slog.String("name", fp.Name()), slog.Bool("previous-lost", fp.erased))
	fp.release()
	return nil
}

func (fp *File) fail(err error) {
	fp.fs.logerror("write:failed", slog.String("name", fp.Name()), slog.Int64("off", fp.pos),
		slog.Bool("previous-lost", fp.erased), slog.String("err", err.Error()))
	fp.release()
}

func (fp *File) release() {
	fsys := fp.fs
	fsys.cache.invalidate(&fp.name)
	fp.open = false
}

// WriteFile writes data as the new content of name, reserving at least maxSize bytes.
func (fsys *FS) WriteFile(name string, data []byte, maxSize int64) error {
	fp, err := fsys.OpenWrite(name, int64(len(data)), maxSize)
	if err != nil {
		return err
	}
	_, err = fp.Write(data)
	if err != nil {
		fp.Abort()
		return err
	}
	return fp.Close()
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}
