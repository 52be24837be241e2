package flashfs

import (
	"log/slog"
)

// RAMPageSize is the allocation unit of a RAMFile.
const RAMPageSize = 1024

type ramPage [RAMPageSize]byte

// RAMFile is a sparse in-memory byte stream used to assemble a file from
// unreliable chunked transport before committing it to flash in one write.
// Pages are allocated on the first write touching them; unwritten regions
// below Size read as zeros. The zero value is an empty file.
type RAMFile struct {
	pages []*ramPage
	size  int64
	// Limit caps the size of the file in bytes. Zero means no limit.
	Limit int64
}

// Size returns the high water mark of written bytes.
func (rf *RAMFile) Size() int64 { return rf.size }

// Clear discards all content.
func (rf *RAMFile) Clear() {
	clear(rf.pages)
	rf.pages = rf.pages[:0]
	rf.size = 0
}

// Write writes data at offset off, growing the file as needed. Any gap
// between the previous size and off reads back as zeros.
func (rf *RAMFile) Write(off int64, data []byte) (int, error) {
	if off < 0 {
		return 0, ErrInvalidParameter
	}
	end := off + int64(len(data))
	if rf.Limit > 0 && end > rf.Limit {
		return 0, ErrFileTooLarge
	}
	if npages := int((end + RAMPageSize - 1) / RAMPageSize); npages > len(rf.pages) {
		if npages > cap(rf.pages) {
			grown := make([]*ramPage, npages, max(npages, 2*cap(rf.pages)))
			copy(grown, rf.pages)
			rf.pages = grown
		} else {
			rf.pages = rf.pages[:npages]
		}
	}
	n := 0
	for len(data) > 0 {
		idx := off / RAMPageSize
		pg := rf.pages[idx]
		if pg == nil {
			pg = new(ramPage)
			rf.pages[idx] = pg
		}
		c := copy(pg[off%RAMPageSize:], data)
		data = data[c:]
		off += int64(c)
		n += c
	}
	if end > rf.size {
		rf.size = end
	}
	return n, nil
}

// Read reads into buf from offset off. Reads beyond Size are truncated,
// not an error; n is the number of bytes read.
func (rf *RAMFile) Read(off int64, buf []byte) (n int, err error) {
	if off < 0 {
		return 0, ErrInvalidParameter
	}
	if off >= rf.size {
		return 0, nil
	}
	if rem := rf.size - off; int64(len(buf)) > rem {
		buf = buf[:rem]
	}
	for len(buf) > 0 {
		idx := off / RAMPageSize
		pgoff := off % RAMPageSize
		var c int
		if pg := rf.pages[idx]; pg != nil {
			c = copy(buf, pg[pgoff:])
		} else {
			c = min(len(buf), int(RAMPageSize-pgoff))
			clear(buf[:c])
		}
		buf = buf[c:]
		off += int64(c)
		n += c
	}
	return n, nil
}

// Commit writes the whole content as the new content of name on fsys,
// reserving at least allocSize bytes. Flash changes only if every page is
// written; on failure the write handle is aborted.
func (rf *RAMFile) Commit(fsys *FS, name string, allocSize int64) error {
	fp, err := fsys.OpenWrite(name, rf.size, allocSize)
	if err != nil {
		return err
	}
	var zero ramPage
	remaining := rf.size
	for i := 0; remaining > 0; i++ {
		chunk := zero[:]
		if pg := rf.pages[i]; pg != nil {
			chunk = pg[:]
		}
		if remaining < RAMPageSize {
			chunk = chunk[:remaining]
		}
		_, err = fp.Write(chunk)
		if err != nil {
			fp.Abort()
			fsys.logerror("ramfile:commit-failed", slog.String("name", name), slog.String("err", err.Error()))
			return err
		}
		remaining -= int64(len(chunk))
	}
	return fp.Close()
}

// Load replaces the content with that of name on fsys.
func (rf *RAMFile) Load(fsys *FS, name string) error {
	info, err := fsys.OpenRead(name)
	if err != nil {
		return err
	}
	rf.Clear()
	if info.Size() == 0 {
		return nil
	}
	_, err = rf.Write(0, info.Bytes())
	return err
}
