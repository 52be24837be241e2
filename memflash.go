package flashfs

import (
	"errors"
	"fmt"
)

// ErrWriteRequiresErase is returned by MemFlash when a program would need
// to set a bit that is currently cleared.
var ErrWriteRequiresErase = errors.New("flash write requires erase")

// errInjected is returned by MemFlash operations after a configured fault.
var errInjected = errors.New("injected flash fault")

// MemFlash is a NOR flash simulated in RAM. It enforces program
// semantics (bits only go from 1 to 0, pages never straddled) and counts
// operations, which makes it suitable for tests and host tools.
type MemFlash struct {
	page   blkIdxer
	sector blkIdxer
	buf    []byte

	// Erases and Programs count successful operations.
	Erases   int
	Programs int
	// FailEraseAfter and FailProgramAfter make the n'th following erase or
	// program fail when positive. They count down on every call.
	FailEraseAfter   int
	FailProgramAfter int
}

// NewMemFlash returns an erased flash of size bytes. sectorSize and pageSize
// must be powers of two with pageSize dividing sectorSize.
func NewMemFlash(size int64, sectorSize, pageSize int) (*MemFlash, error) {
	sector, err := makeBlockIndexer(sectorSize)
	if err != nil {
		return nil, err
	}
	page, err := makeBlockIndexer(pageSize)
	if err != nil {
		return nil, err
	}
	if page.size() > sector.size() || size <= 0 || sector.off(size) != 0 {
		return nil, errors.New("invalid flash geometry")
	}
	mf := &MemFlash{
		page:   page,
		sector: sector,
		buf:    make([]byte, size),
	}
	fill(mf.buf, 0xff)
	return mf, nil
}

// DefaultMemFlash returns an erased flash with 4kB sectors and 256 byte pages.
func DefaultMemFlash(numSectors int) *MemFlash {
	mf, err := NewMemFlash(int64(numSectors)*4096, 4096, 256)
	if err != nil {
		panic(err)
	}
	return mf
}

func (mf *MemFlash) Size() int64 { return int64(len(mf.buf)) }

func (mf *MemFlash) SectorSize() int { return int(mf.sector.size()) }

func (mf *MemFlash) PageSize() int { return int(mf.page.size()) }

// Bytes returns the flash contents. Tests may modify them to simulate corruption.
func (mf *MemFlash) Bytes() []byte { return mf.buf }

func (mf *MemFlash) EraseSector(off int64) error {
	if mf.sector.off(off) != 0 || off < 0 || off >= int64(len(mf.buf)) {
		return fmt.Errorf("erase at %#x: unaligned or out of range", off)
	}
	if mf.FailEraseAfter > 0 {
		mf.FailEraseAfter--
		if mf.FailEraseAfter == 0 {
			return errInjected
		}
	}
	fill(mf.buf[off:off+mf.sector.size()], 0xff)
	mf.Erases++
	return nil
}

func (mf *MemFlash) ProgramPage(off int64, data []byte) error {
	end := off + int64(len(data))
	if off < 0 || end > int64(len(mf.buf)) {
		return fmt.Errorf("program at %#x: out of range", off)
	} else if len(data) > 0 && mf.page.idx(off) != mf.page.idx(end-1) {
		return fmt.Errorf("program at %#x len %d: straddles page", off, len(data))
	}
	if mf.FailProgramAfter > 0 {
		mf.FailProgramAfter--
		if mf.FailProgramAfter == 0 {
			return errInjected
		}
	}
	dst := mf.buf[off:end]
	for i, b := range data {
		if dst[i]&b != b {
			return fmt.Errorf("program at %#x: %w", off+int64(i), ErrWriteRequiresErase)
		}
	}
	copy(dst, data)
	mf.Programs++
	return nil
}
