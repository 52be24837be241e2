package flashfs

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Diagnostics is a summary of filesystem state for external status queries.
type Diagnostics struct {
	// Capacity is the allocatable space after the directory in bytes.
	Capacity int64 `cbor:"capacity"`
	// Used counts allocated bytes, including space awaiting rebuild.
	Used          int64 `cbor:"used"`
	Free          int64 `cbor:"free"`
	SectorSize    int64 `cbor:"sector_size"`
	PageSize      int64 `cbor:"page_size"`
	DirectorySize int64 `cbor:"directory_size"`
	// DataOffset is the first allocatable byte, right after the directory.
	DataOffset int64 `cbor:"data_offset"`
	// LowWater is the lowest allocated offset, -1 if nothing is allocated.
	LowWater  int64 `cbor:"low_water"`
	Slots     int   `cbor:"slots"`
	FreeSlots int   `cbor:"free_slots"`
	// Files counts entries with live content.
	Files int `cbor:"files"`
	// Deleted and Replaced entries hold space until Rebuild.
	Deleted   int           `cbor:"deleted"`
	Replaced  int           `cbor:"replaced"`
	Corrupt   int           `cbor:"corrupt"`
	WriteOpen string        `cbor:"write_open,omitempty"`
	WriteHeld time.Duration `cbor:"write_held,omitempty"`
}

// encMode uses Core Deterministic Encoding so identical state yields identical records.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("flashfs: CBOR encoder initialization failed: " + err.Error())
	}
}

// Stat returns a summary of the filesystem.
func (fsys *FS) Stat() (Diagnostics, error) {
	if !fsys.mounted {
		return Diagnostics{}, ErrNotMounted
	}
	ss := fsys.sector.size()
	free := int64(fsys.freeSectors()) * ss
	capacity := fsys.dev.Size() - fsys.database
	d := Diagnostics{
		Capacity:      capacity,
		Used:          capacity - free,
		Free:          free,
		SectorSize:    ss,
		PageSize:      fsys.page.size(),
		DirectorySize: fsys.dirsize,
		DataOffset:    fsys.database,
		LowWater:      fsys.lowWater,
		Slots:         fsys.nslots - 1,
	}
	for i := 1; i < fsys.nslots; i++ {
		de := fsys.entry(i)
		switch {
		case de.isFree():
			d.FreeSlots++
		case !de.isAssigned() || (!de.isReplaced() && !de.crcValid()) || !fsys.rangeValid(de):
			d.Corrupt++
		case de.isReplaced():
			d.Replaced++
		case fsys.isDeleted(de):
			d.Deleted++
		default:
			d.Files++
		}
	}
	if fsys.wh.open {
		d.WriteOpen = fsys.wh.Name()
		d.WriteHeld = fsys.clock.Now().Sub(fsys.wh.opened)
	}
	return d, nil
}

// Populate appends the CBOR encoded Diagnostics record to dst.
func (fsys *FS) Populate(dst []byte) ([]byte, error) {
	d, err := fsys.Stat()
	if err != nil {
		return dst, err
	}
	b, err := encMode.Marshal(d)
	if err != nil {
		return dst, err
	}
	return append(dst, b...), nil
}

// DecodeDiagnostics decodes a record produced by Populate.
func DecodeDiagnostics(b []byte) (Diagnostics, error) {
	var d Diagnostics
	err := cbor.Unmarshal(b, &d)
	return d, err
}

func (d Diagnostics) String() string {
	return string(d.Appendf(nil, '\n'))
}

// Appendf appends a labelled text form of d, fields separated by separator.
func (d Diagnostics) Appendf(dst []byte, separator byte) []byte {
	appendInt := func(name string, v int64) {
		if v < 0 {
			dst = append(dst, name...)
			dst = append(dst, ":none"...)
			dst = append(dst, separator)
			return
		}
		dst = labelAppendUint(name, dst, uint64(v), separator)
	}
	appendInt("Capacity", d.Capacity)
	appendInt("Used", d.Used)
	appendInt("Free", d.Free)
	appendInt("SectorSize", d.SectorSize)
	appendInt("PageSize", d.PageSize)
	appendInt("DirectorySize", d.DirectorySize)
	appendInt("DataOffset", d.DataOffset)
	appendInt("LowWater", d.LowWater)
	appendInt("Slots", int64(d.Slots))
	appendInt("FreeSlots", int64(d.FreeSlots))
	appendInt("Files", int64(d.Files))
	appendInt("Deleted", int64(d.Deleted))
	appendInt("Replaced", int64(d.Replaced))
	appendInt("Corrupt", int64(d.Corrupt))
	if d.WriteOpen != "" {
		dst = labelAppend(dst, "WriteOpen", []byte(d.WriteOpen+" "+d.WriteHeld.String()), separator)
	}
	return dst
}
