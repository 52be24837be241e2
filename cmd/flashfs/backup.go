package main

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"

	"github.com/soypat/flashfs"
)

// Backup container layout:
//
//	magic  [4]byte "FFSB"
//	codec  u8
//	size   u64 uncompressed image size
//	digest [32]byte BLAKE3-256 of the uncompressed image
//	payload
const (
	backupMagic  = "FFSB"
	backupHeader = 4 + 1 + 8 + 32
)

// Codec identifies the compression of a backup payload.
// Values are stored in backups; do not renumber.
type Codec uint8

const (
	CodecNone Codec = 0
	CodecLZ4  Codec = 1
	CodecZstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(c))
	}
}

// ParseCodec parses a codec name as accepted by --codec.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "lz4":
		return CodecLZ4, nil
	case "zstd":
		return CodecZstd, nil
	default:
		return 0, fmt.Errorf("unknown codec %q", name)
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		panic("flashfs: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("flashfs: zstd decoder initialization failed: " + err.Error())
	}
}

// encodeBackup builds a backup container of image. Incompressible images
// are stored uncompressed regardless of codec.
func encodeBackup(image []byte, codec Codec) ([]byte, error) {
	var payload []byte
	switch codec {
	case CodecNone:
		payload = image
	case CodecZstd:
		payload = zstdEncoder.EncodeAll(image, nil)
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(image)))
		n, err := lz4.CompressBlock(image, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		payload = dst[:n]
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
	if len(payload) == 0 || len(payload) >= len(image) {
		codec, payload = CodecNone, image
	}
	digest := blake3.Sum256(image)
	out := make([]byte, backupHeader, backupHeader+len(payload))
	copy(out, backupMagic)
	out[4] = byte(codec)
	binary.LittleEndian.PutUint64(out[5:], uint64(len(image)))
	copy(out[13:], digest[:])
	return append(out, payload...), nil
}

// decodeBackup verifies a backup container holding an image of imageSize
// bytes and returns the image.
func decodeBackup(b []byte, imageSize int64) ([]byte, error) {
	if len(b) < backupHeader || string(b[:4]) != backupMagic {
		return nil, errors.New("not a flashfs backup")
	}
	codec := Codec(b[4])
	size := binary.LittleEndian.Uint64(b[5:])
	if size != uint64(imageSize) {
		return nil, fmt.Errorf("backup is %d bytes, device is %d", size, imageSize)
	}
	payload := b[backupHeader:]
	var image []byte
	var err error
	switch codec {
	case CodecNone:
		image = payload
	case CodecZstd:
		image, err = zstdDecoder.DecodeAll(payload, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
	case CodecLZ4:
		image = make([]byte, size)
		var n int
		n, err = lz4.UncompressBlock(payload, image)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		image = image[:n]
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
	if uint64(len(image)) != size {
		return nil, fmt.Errorf("backup image is %d bytes, header says %d", len(image), size)
	}
	if digest := blake3.Sum256(image); string(digest[:]) != string(b[13:backupHeader]) {
		return nil, errors.New("backup digest mismatch")
	}
	return image, nil
}

// restoreImage writes image to dev sector by sector, skipping sectors that
// already match and programming only pages that are not erased.
func restoreImage(dev flashfs.Flash, image []byte) (erased, programmed int, err error) {
	if int64(len(image)) != dev.Size() {
		return 0, 0, fmt.Errorf("backup is %d bytes, device is %d", len(image), dev.Size())
	}
	current := dev.Bytes()
	ss, ps := dev.SectorSize(), dev.PageSize()
	for off := 0; off < len(image); off += ss {
		want := image[off : off+ss]
		if string(current[off:off+ss]) == string(want) {
			continue
		}
		err = dev.EraseSector(int64(off))
		if err != nil {
			return erased, programmed, err
		}
		erased++
		for p := 0; p < ss; p += ps {
			page := want[p : p+ps]
			if allErased(page) {
				continue
			}
			err = dev.ProgramPage(int64(off+p), page)
			if err != nil {
				return erased, programmed, err
			}
			programmed++
		}
	}
	return erased, programmed, nil
}

func allErased(b []byte) bool {
	for _, c := range b {
		if c != 0xff {
			return false
		}
	}
	return true
}
