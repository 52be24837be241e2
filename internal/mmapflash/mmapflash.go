//go:build darwin || linux

// Package mmapflash implements a NOR flash device backed by an image file.
// The image is memory mapped read-only, as flash is on the target, and
// modified through pwrite with program and erase semantics enforced.
package mmapflash

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/soypat/flashfs"
	"golang.org/x/sys/unix"
)

// Device is a file backed flash image. It implements flashfs.Flash.
// Device is not safe for concurrent use.
type Device struct {
	fd         int
	data       []byte // mmap'd MAP_SHARED, PROT_READ
	sectorSize int
	pageSize   int
	erase      []byte // One sector of 0xff.
}

// Open opens or creates a flash image at path. A new image is created
// fully erased. An existing image must be exactly size bytes.
func Open(path string, size int64, sectorSize, pageSize int) (*Device, error) {
	if err := checkGeometry(size, sectorSize, pageSize); err != nil {
		return nil, err
	}
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening flash image %s: %w", path, err)
	}
	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("stating flash image: %w", err)
	}
	d := &Device{
		fd:         fd,
		sectorSize: sectorSize,
		pageSize:   pageSize,
		erase:      make([]byte, sectorSize),
	}
	for i := range d.erase {
		d.erase[i] = 0xff
	}
	switch {
	case stat.Size == 0:
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("truncating new flash image to %d bytes: %w", size, err)
		}
		// A truncated file reads as zeros, which is programmed flash.
		for off := int64(0); off < size; off += int64(sectorSize) {
			if err := d.pwrite(d.erase, off); err != nil {
				unix.Close(fd)
				return nil, err
			}
		}
	case stat.Size != size:
		unix.Close(fd)
		return nil, fmt.Errorf("flash image %s is %d bytes but %d was requested", path, stat.Size, size)
	}
	d.data, err = unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("memory-mapping flash image: %w", err)
	}
	return d, nil
}

func checkGeometry(size int64, sectorSize, pageSize int) error {
	switch {
	case sectorSize <= 0 || bits.OnesCount(uint(sectorSize)) != 1:
		return fmt.Errorf("sector size %d not a power of two", sectorSize)
	case pageSize <= 0 || bits.OnesCount(uint(pageSize)) != 1 || pageSize > sectorSize:
		return fmt.Errorf("page size %d not a power of two up to sector size", pageSize)
	case size <= 0 || size%int64(sectorSize) != 0:
		return fmt.Errorf("image size %d not a multiple of sector size", size)
	}
	return nil
}

func (d *Device) Size() int64 { return int64(len(d.data)) }

func (d *Device) SectorSize() int { return d.sectorSize }

func (d *Device) PageSize() int { return d.pageSize }

// Bytes returns the read-only mapping. Writing to it faults.
func (d *Device) Bytes() []byte { return d.data }

func (d *Device) EraseSector(off int64) error {
	if off < 0 || off%int64(d.sectorSize) != 0 || off >= d.Size() {
		return fmt.Errorf("erase at %#x: unaligned or out of range", off)
	}
	return d.pwrite(d.erase, off)
}

func (d *Device) ProgramPage(off int64, data []byte) error {
	end := off + int64(len(data))
	ps := int64(d.pageSize)
	if off < 0 || end > d.Size() {
		return fmt.Errorf("program at %#x: out of range", off)
	} else if len(data) > 0 && off/ps != (end-1)/ps {
		return fmt.Errorf("program at %#x len %d: straddles page", off, len(data))
	}
	current := d.data[off:end]
	for i, b := range data {
		if current[i]&b != b {
			return fmt.Errorf("program at %#x: %w", off+int64(i), flashfs.ErrWriteRequiresErase)
		}
	}
	return d.pwrite(data, off)
}

func (d *Device) pwrite(p []byte, off int64) error {
	for len(p) > 0 {
		n, err := unix.Pwrite(d.fd, p, off)
		if err != nil {
			return fmt.Errorf("pwrite at offset %d: %w", off, err)
		}
		p = p[n:]
		off += int64(n)
	}
	return nil
}

// Sync flushes the image to stable storage.
func (d *Device) Sync() error {
	return unix.Fsync(d.fd)
}

// Close unmaps the image and closes the file.
func (d *Device) Close() error {
	if d.fd < 0 {
		return errors.New("flash image already closed")
	}
	var firstErr error
	if err := unix.Munmap(d.data); err != nil {
		firstErr = fmt.Errorf("unmapping flash image: %w", err)
	}
	if err := unix.Close(d.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing flash image: %w", err)
	}
	d.data = nil
	d.fd = -1
	return firstErr
}
