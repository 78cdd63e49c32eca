package extent

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// recordSize is the serialized size of one footer record:
	// offset (8 bytes) + length (2 bytes), little-endian.
	recordSize = 10
	// TrailerSize is the fixed trailer at the very end of the
	// substrate: footer body length (8 bytes) + logical stream length
	// (8 bytes), little-endian.
	TrailerSize = 16
)

// ErrInvalidFooter indicates the footer could not be decoded: a
// negative body length, a body that is not a whole number of records,
// or a trailer shorter than TrailerSize.
var ErrInvalidFooter = errors.New("extent: invalid footer")

// EncodeFooter serializes the map in ascending block-index order
// followed by the trailer. Tombstone records are written as-is; readers
// skip them.
func EncodeFooter(m *Map, logicalLength int64) []byte {
	bodyLen := int(m.Count()) * recordSize
	buf := make([]byte, bodyLen+TrailerSize)

	pos := 0
	m.Each(func(_ int64, e Extent) bool {
		binary.LittleEndian.PutUint64(buf[pos:], uint64(e.Offset))
		binary.LittleEndian.PutUint16(buf[pos+8:], uint16(e.Length))
		pos += recordSize
		return true
	})

	binary.LittleEndian.PutUint64(buf[bodyLen:], uint64(bodyLen))
	binary.LittleEndian.PutUint64(buf[bodyLen+8:], uint64(logicalLength))
	return buf
}

// DecodeTrailer parses the final 16 bytes of the substrate into the
// footer body length and the logical stream length.
func DecodeTrailer(data []byte) (bodyLength, logicalLength int64, err error) {
	if len(data) < TrailerSize {
		return 0, 0, fmt.Errorf("trailer is %d bytes, expected %d: %w",
			len(data), TrailerSize, ErrInvalidFooter)
	}
	bodyLength = int64(binary.LittleEndian.Uint64(data[len(data)-TrailerSize:]))
	logicalLength = int64(binary.LittleEndian.Uint64(data[len(data)-8:]))
	if bodyLength < 0 {
		return 0, 0, fmt.Errorf("negative footer body length %d: %w", bodyLength, ErrInvalidFooter)
	}
	if logicalLength < 0 {
		return 0, 0, fmt.Errorf("negative logical length %d: %w", logicalLength, ErrInvalidFooter)
	}
	return bodyLength, logicalLength, nil
}

// DecodeFooter parses a footer body into an extent map. Records with a
// negative offset or length are tombstones from half-committed appends:
// they are skipped without being assigned a block index. The surviving
// records form the dense sequence 0..N-1 by construction.
func DecodeFooter(body []byte) (*Map, error) {
	if len(body)%recordSize != 0 {
		return nil, fmt.Errorf("footer body is %d bytes, not a whole number of %d-byte records: %w",
			len(body), recordSize, ErrInvalidFooter)
	}

	m := NewMap()
	for pos := 0; pos < len(body); pos += recordSize {
		e := Extent{
			Offset: int64(binary.LittleEndian.Uint64(body[pos:])),
			Length: int16(binary.LittleEndian.Uint16(body[pos+8:])),
		}
		if e.IsTombstone() {
			continue
		}
		m.Put(m.Count(), e)
	}
	return m, nil
}
