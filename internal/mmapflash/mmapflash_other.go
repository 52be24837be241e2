//go:build !(darwin || linux)

package mmapflash

import (
	"errors"
	"runtime"

	"github.com/soypat/flashfs"
)

// Device is unavailable on this platform.
type Device struct {
	flashfs.MemFlash
}

// Open always fails on this platform.
func Open(path string, size int64, sectorSize, pageSize int) (*Device, error) {
	return nil, errors.New("mmapflash: memory mapped images unsupported on " + runtime.GOOS)
}

func (d *Device) Sync() error  { return nil }
func (d *Device) Close() error { return nil }
