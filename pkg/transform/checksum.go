package transform

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"

	"github.com/cespare/xxhash/v2"
)

// ChecksumTrailerSize is the size of the checksum appended to each
// block.
const ChecksumTrailerSize = 8

// crc64Table is the reflected CRC-64 table for the ISO 3309 polynomial
// 0xD800000000000000, with all-ones initial value and final XOR.
var crc64Table = crc64.MakeTable(crc64.ISO)

// Checksum appends a 64-bit little-endian checksum to each block and
// verifies it on the way back. A mismatch fails with ErrCorrupted.
type Checksum struct {
	name string
	sum  func([]byte) uint64
}

// NewCRC64Checksum returns a checksum transformer using CRC-64/ISO.
func NewCRC64Checksum() *Checksum {
	return &Checksum{
		name: "crc64",
		sum:  func(b []byte) uint64 { return crc64.Checksum(b, crc64Table) },
	}
}

// NewXXH64Checksum returns a checksum transformer using XXH64. The
// trailer layout matches the CRC-64 variant; only the sum function
// differs.
func NewXXH64Checksum() *Checksum {
	return &Checksum{
		name: "xxh64",
		sum:  xxhash.Sum64,
	}
}

// Name returns the name of the checksum algorithm.
func (c *Checksum) Name() string { return c.name }

// Transform appends the checksum of src as an 8-byte little-endian
// trailer.
func (c *Checksum) Transform(src []byte) ([]byte, error) {
	out := make([]byte, len(src)+ChecksumTrailerSize)
	copy(out, src)
	binary.LittleEndian.PutUint64(out[len(src):], c.sum(src))
	return out, nil
}

// Untransform verifies the trailer and copies the payload into dst.
// The payload copy is a memmove, so an aliased dst is handled without
// a scratch buffer.
func (c *Checksum) Untransform(src, dst []byte) (int, error) {
	if len(src) < ChecksumTrailerSize {
		return 0, fmt.Errorf("%s block is %d bytes, shorter than its checksum trailer: %w",
			c.name, len(src), ErrCorrupted)
	}
	payload := src[:len(src)-ChecksumTrailerSize]
	want := binary.LittleEndian.Uint64(src[len(payload):])
	if got := c.sum(payload); got != want {
		return 0, fmt.Errorf("%s mismatch: block has %016x, computed %016x: %w",
			c.name, want, got, ErrCorrupted)
	}
	if len(dst) < len(payload) {
		return 0, fmt.Errorf("output buffer holds %d bytes, need %d: %w",
			len(dst), len(payload), ErrCorrupted)
	}
	copy(dst, payload)
	return len(payload), nil
}

// MayChangeSize returns true: the trailer grows every block by 8 bytes.
func (c *Checksum) MayChangeSize() bool { return true }
