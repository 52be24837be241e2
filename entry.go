package flashfs

import (
	"encoding/binary"
	"strconv"
)

// Directory entry field offsets.
const (
	entSeqOff    = 0
	entNameOff   = 4
	entMaxOff    = entNameOff + nameSize
	entFlashOff  = entMaxOff + 4
	entCRCOff    = entFlashOff + 4
	entCoveredSz = entCRCOff // Bytes covered by the entry CRC.
)

// Directory header field offsets. The header occupies directory slot 0.
const (
	hdrMagicOff   = 0
	hdrVersionOff = 4
	hdrEntSizeOff = 6
	hdrDirSizeOff = 8
	hdrSectOff    = 12
	hdrPageOff    = 16
	hdrCRCOff     = 28
)

// dirEntry is a view over a 32 byte directory slot. It references flash
// (or a scratch copy of it) and never owns the data.
type dirEntry struct {
	data []byte
}

// Sequence is the creation order of the entry. 0xffffffff in an unassigned slot.
func (de dirEntry) Sequence() uint32 {
	return binary.LittleEndian.Uint32(de.data[entSeqOff:])
}

// rawName returns the zero padded filename bytes.
func (de dirEntry) rawName() []byte {
	return de.data[entNameOff : entNameOff+nameSize]
}

// Name returns the filename without padding.
func (de dirEntry) Name() string {
	return clipname(de.rawName())
}

// MaxSize is the reserved size in bytes including the content header.
func (de dirEntry) MaxSize() uint32 {
	return binary.LittleEndian.Uint32(de.data[entMaxOff:])
}

// FlashOffset is the absolute offset of the reservation.
func (de dirEntry) FlashOffset() uint32 {
	return binary.LittleEndian.Uint32(de.data[entFlashOff:])
}

// CRC is the stored checksum of the other fields.
func (de dirEntry) CRC() uint32 {
	return binary.LittleEndian.Uint32(de.data[entCRCOff:])
}

func (de dirEntry) isFree() bool { return isErased(de.data[:entrySize]) }

func (de dirEntry) isAssigned() bool { return de.Sequence() != erased32 }

// isReplaced reports whether a later generation superseded this entry.
func (de dirEntry) isReplaced() bool {
	for _, c := range de.rawName() {
		if c != 0 {
			return false
		}
	}
	return true
}

func (de dirEntry) crcValid() bool {
	return checksum(de.data[:entCoveredSz]) == de.CRC()
}

// hasName compares the entry filename with an encoded name.
func (de dirEntry) hasName(name *[nameSize]byte) bool {
	return string(de.rawName()) == string(name[:])
}

// end returns the offset one past the reservation.
func (de dirEntry) end() int64 {
	return int64(de.FlashOffset()) + int64(de.MaxSize())
}

// putEntry encodes a complete directory entry into dst, including its CRC.
func putEntry(dst []byte, seq uint32, name *[nameSize]byte, maxSize, flashOffset uint32) {
	_ = dst[entrySize-1]
	binary.LittleEndian.PutUint32(dst[entSeqOff:], seq)
	copy(dst[entNameOff:entNameOff+nameSize], name[:])
	binary.LittleEndian.PutUint32(dst[entMaxOff:], maxSize)
	binary.LittleEndian.PutUint32(dst[entFlashOff:], flashOffset)
	binary.LittleEndian.PutUint32(dst[entCRCOff:], checksum(dst[:entCoveredSz]))
}

func (de dirEntry) Appendf(dst []byte, separator byte) []byte {
	dst = labelAppend(dst, "name", []byte(de.Name()), separator)
	dst = labelAppendUint32("seq", dst, de.Sequence(), separator)
	dst = labelAppendUint32("off", dst, de.FlashOffset(), separator)
	dst = labelAppendUint32("max", dst, de.MaxSize(), separator)
	return dst
}

// dirHeader is a view over directory slot 0.
type dirHeader struct {
	data []byte
}

func (dh dirHeader) Magic() string { return string(dh.data[hdrMagicOff : hdrMagicOff+4]) }

func (dh dirHeader) Version() uint16 { return binary.LittleEndian.Uint16(dh.data[hdrVersionOff:]) }

func (dh dirHeader) EntrySize() uint16 { return binary.LittleEndian.Uint16(dh.data[hdrEntSizeOff:]) }

// DirectorySize is the directory size in bytes as formatted.
func (dh dirHeader) DirectorySize() uint32 { return binary.LittleEndian.Uint32(dh.data[hdrDirSizeOff:]) }

func (dh dirHeader) SectorSize() uint32 { return binary.LittleEndian.Uint32(dh.data[hdrSectOff:]) }

func (dh dirHeader) PageSize() uint32 { return binary.LittleEndian.Uint32(dh.data[hdrPageOff:]) }

func (dh dirHeader) valid() bool {
	return dh.Magic() == dirMagic && dh.Version() == dirVersion && dh.EntrySize() == entrySize &&
		checksum(dh.data[:hdrCRCOff]) == binary.LittleEndian.Uint32(dh.data[hdrCRCOff:])
}

func putDirHeader(dst []byte, dirSize, sectorSize, pageSize uint32) {
	_ = dst[entrySize-1]
	for i := range dst[:entrySize] {
		dst[i] = 0xff
	}
	copy(dst[hdrMagicOff:], dirMagic)
	binary.LittleEndian.PutUint16(dst[hdrVersionOff:], dirVersion)
	binary.LittleEndian.PutUint16(dst[hdrEntSizeOff:], entrySize)
	binary.LittleEndian.PutUint32(dst[hdrDirSizeOff:], dirSize)
	binary.LittleEndian.PutUint32(dst[hdrSectOff:], sectorSize)
	binary.LittleEndian.PutUint32(dst[hdrPageOff:], pageSize)
	binary.LittleEndian.PutUint32(dst[hdrCRCOff:], checksum(dst[:hdrCRCOff]))
}

// contentHeader is a view over the 8 byte header preceding each file generation.
type contentHeader struct {
	data []byte
}

func (ch contentHeader) FileSize() uint32 { return binary.LittleEndian.Uint32(ch.data[0:]) }

func (ch contentHeader) CRC() uint32 { return binary.LittleEndian.Uint32(ch.data[4:]) }

func (ch contentHeader) isErased() bool { return isErased(ch.data[:headerSize]) }

func putContentHeader(dst []byte, size, crc uint32) {
	binary.LittleEndian.PutUint32(dst[0:], size)
	binary.LittleEndian.PutUint32(dst[4:], crc)
}

// clipname returns name up to the first zero byte.
func clipname(name []byte) string {
	for i, c := range name {
		if c == 0 {
			return string(name[:i])
		}
	}
	return string(name)
}

func labelAppend(dst []byte, label string, data []byte, sep byte) []byte {
	if len(data) == 0 {
		return dst
	}
	dst = append(dst, label...)
	dst = append(dst, ':')
	dst = append(dst, data...)
	dst = append(dst, sep)
	return dst
}

func labelAppendUint(label string, dst []byte, data uint64, sep byte) []byte {
	dst = append(dst, label...)
	dst = append(dst, ':')
	dst = strconv.AppendUint(dst, data, 10)
	dst = append(dst, sep)
	return dst
}

func labelAppendUint32(label string, dst []byte, data uint32, sep byte) []byte {
	return labelAppendUint(label, dst, uint64(data), sep)
}
