package container

import (
	"fmt"
	"io"
)

// Substrate is the seekable byte stream a container stores its extents
// in. *os.File satisfies it, as does Buffer. Extent-indexed writable
// modes additionally require Truncater.
type Substrate interface {
	io.Reader
	io.Writer
	io.Seeker
}

// Truncater is implemented by substrates that can change their length.
// The footer write path truncates the substrate after the trailer.
type Truncater interface {
	Truncate(size int64) error
}

// Syncer is implemented by substrates that offer durable flushes.
// Flush(durable=true) is a no-op on substrates without it.
type Syncer interface {
	Sync() error
}

// Buffer is an in-memory Substrate. Writing past the end grows the
// buffer, zero-filling any gap. It is not safe for concurrent use.
type Buffer struct {
	data []byte
	pos  int64
}

// NewBuffer returns an empty in-memory substrate.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// NewBufferBytes returns an in-memory substrate seeded with data. The
// slice is used directly, not copied, and the position starts at zero.
func NewBufferBytes(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Read copies bytes from the current position.
func (b *Buffer) Read(p []byte) (int, error) {
	if b.pos >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[b.pos:])
	b.pos += int64(n)
	return n, nil
}

// Write copies bytes at the current position, growing the buffer as
// needed.
func (b *Buffer) Write(p []byte) (int, error) {
	if end := b.pos + int64(len(p)); end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}
	n := copy(b.data[b.pos:], p)
	b.pos += int64(n)
	return n, nil
}

// Seek sets the position.
func (b *Buffer) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = b.pos + offset
	case io.SeekEnd:
		target = int64(len(b.data)) + offset
	default:
		return 0, fmt.Errorf("invalid seek whence %d", whence)
	}
	if target < 0 {
		return 0, fmt.Errorf("seek to negative position %d", target)
	}
	b.pos = target
	return target, nil
}

// Truncate resizes the buffer. Growing zero-fills.
func (b *Buffer) Truncate(size int64) error {
	if size < 0 {
		return fmt.Errorf("truncate to negative size %d", size)
	}
	switch {
	case size <= int64(len(b.data)):
		b.data = b.data[:size]
	default:
		grown := make([]byte, size)
		copy(grown, b.data)
		b.data = grown
	}
	return nil
}

// Bytes returns the underlying buffer. The slice is shared with the
// substrate; mutating it mutates the container.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Size returns the buffer length.
func (b *Buffer) Size() int64 {
	return int64(len(b.data))
}
