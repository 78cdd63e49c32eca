package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/CaskDB/cask/pkg/cache"
	"github.com/CaskDB/cask/pkg/extent"
	"github.com/CaskDB/cask/pkg/stats"
	"github.com/CaskDB/cask/pkg/transform"
)

// leUint32s returns n little-endian 32-bit integers 0..n-1.
func leUint32s(n int) []byte {
	out := make([]byte, 4*n)
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(out[4*i:], uint32(i))
	}
	return out
}

func mustWrite(t *testing.T, w io.Writer, p []byte) {
	t.Helper()
	n, err := w.Write(p)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if n != len(p) {
		t.Fatalf("Write wrote %d of %d bytes", n, len(p))
	}
}

func mustSeek(t *testing.T, s io.Seeker, offset int64, whence int) {
	t.Helper()
	if _, err := s.Seek(offset, whence); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
}

func readAll(t *testing.T, r io.Reader, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	return out
}

func TestEmptyContainer(t *testing.T) {
	buf := NewBuffer()

	s, err := Open(buf, WithBlockSize(512))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.SetLength(0); err != nil {
		t.Fatalf("SetLength(0) on empty container failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if buf.Size() != extent.TrailerSize {
		t.Fatalf("Empty container substrate is %d bytes, expected %d", buf.Size(), extent.TrailerSize)
	}

	s, err = Open(NewBufferBytes(buf.Bytes()), WithBlockSize(512))
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()
	if s.Len() != 0 {
		t.Fatalf("Reopened length = %d, expected 0", s.Len())
	}
	if s.BlockCount() != 0 {
		t.Fatalf("Reopened block count = %d, expected 0", s.BlockCount())
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	ints := leUint32s(10000)
	zeros := make([]byte, 64*1024)

	buf := NewBuffer()
	s, err := Open(buf, WithBlockSize(512))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	mustWrite(t, s, ints)
	mustWrite(t, s, zeros)

	wantLen := int64(len(ints) + len(zeros))
	if s.Len() != wantLen {
		t.Fatalf("Len() = %d, expected %d", s.Len(), wantLen)
	}

	mustSeek(t, s, 0, io.SeekStart)
	got := readAll(t, s, len(ints)+len(zeros))
	if !bytes.Equal(got[:len(ints)], ints) {
		t.Fatalf("Integer range mismatch")
	}
	if !bytes.Equal(got[len(ints):], zeros) {
		t.Fatalf("Zero range mismatch")
	}

	// A read straddling the end is short: 4 of 5 bytes, position left
	// at the end.
	mustSeek(t, s, wantLen-4, io.SeekStart)
	tail := make([]byte, 5)
	n, err := s.Read(tail)
	if err != nil {
		t.Fatalf("Tail read failed: %v", err)
	}
	if n != 4 {
		t.Fatalf("Tail read returned %d bytes, expected 4", n)
	}
	if s.Position() != wantLen {
		t.Fatalf("Position after tail read = %d, expected %d", s.Position(), wantLen)
	}
	if _, err := s.Read(tail); err != io.EOF {
		t.Fatalf("Read at end = %v, expected io.EOF", err)
	}
}

// TestSizeChangingOverwriteRejected covers the strict rule: under a
// size-changing transformer, any write starting below the current
// length fails and changes nothing.
func TestSizeChangingOverwriteRejected(t *testing.T) {
	ints := leUint32s(10000)

	buf := NewBuffer()
	s, err := Open(buf, WithBlockSize(512), WithTransformer(transform.NewCRC64Checksum()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	mustWrite(t, s, ints)
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	diskBefore := append([]byte(nil), buf.Bytes()...)

	mustSeek(t, s, 4, io.SeekStart)
	if _, err := s.Write(make([]byte, 4*1000)); !errors.Is(err, ErrIllegalWrite) {
		t.Fatalf("Overwrite error = %v, expected ErrIllegalWrite", err)
	}

	if s.Position() != 4 {
		t.Fatalf("Position after rejected write = %d, expected 4", s.Position())
	}
	if s.Len() != int64(len(ints)) {
		t.Fatalf("Len after rejected write = %d, expected %d", s.Len(), len(ints))
	}
	if !bytes.Equal(buf.Bytes(), diskBefore) {
		t.Fatalf("Rejected write changed the substrate")
	}

	mustSeek(t, s, 0, io.SeekStart)
	if got := readAll(t, s, len(ints)); !bytes.Equal(got, ints) {
		t.Fatalf("Content changed after rejected write")
	}

	// Appending at the end stays legal.
	mustSeek(t, s, 0, io.SeekEnd)
	mustWrite(t, s, []byte{0xAB})
	if s.Len() != int64(len(ints))+1 {
		t.Fatalf("Append after rejection did not extend the stream")
	}
}

// TestIdentityOverwrite covers in-place rewrite under a fixed-size
// transformer: overwriting shifted by 4 grows the stream by 4.
func TestIdentityOverwrite(t *testing.T) {
	ints := leUint32s(10000)

	buf := NewBuffer()
	s, err := Open(buf, WithBlockSize(512))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	mustWrite(t, s, ints)
	mustSeek(t, s, 4, io.SeekStart)
	mustWrite(t, s, ints)

	if s.Len() != int64(len(ints))+4 {
		t.Fatalf("Len() = %d, expected %d", s.Len(), len(ints)+4)
	}

	mustSeek(t, s, 0, io.SeekStart)
	got := readAll(t, s, len(ints)+4)
	if binary.LittleEndian.Uint32(got) != 0 {
		t.Fatalf("First integer = %d, expected 0", binary.LittleEndian.Uint32(got))
	}
	for i := 0; i < 10000; i++ {
		if v := binary.LittleEndian.Uint32(got[4+4*i:]); v != uint32(i) {
			t.Fatalf("Integer %d after shift = %d", i, v)
		}
	}
}

// TestDenseExtents covers the invariant that extents are contiguous in
// block-index order.
func TestDenseExtents(t *testing.T) {
	buf := NewBuffer()
	s, err := Open(buf, WithBlockSize(512), WithTransformer(transform.NewLZ4()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	mustWrite(t, s, leUint32s(2000))
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	offset := int64(0)
	for i, e := range s.Extents() {
		if e.Offset != offset {
			t.Fatalf("Extent %d at offset %d, expected %d", i, e.Offset, offset)
		}
		if e.Length < 0 {
			t.Fatalf("Extent %d has negative length", i)
		}
		offset += int64(e.Length)
	}
}

// TestTrailerInvariant covers the footer trailer: the last 16 substrate
// bytes always decode to the body length and the logical length.
func TestTrailerInvariant(t *testing.T) {
	buf := NewBuffer()
	s, err := Open(buf, WithBlockSize(512))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	check := func(context string) {
		t.Helper()
		raw := buf.Bytes()
		bodyLen, logicalLen, err := extent.DecodeTrailer(raw[len(raw)-extent.TrailerSize:])
		if err != nil {
			t.Fatalf("%s: trailer decode failed: %v", context, err)
		}
		if bodyLen != 10*s.BlockCount() {
			t.Fatalf("%s: body length %d, expected %d", context, bodyLen, 10*s.BlockCount())
		}
		if logicalLen != s.Len() {
			t.Fatalf("%s: trailer length %d, logical length %d", context, logicalLen, s.Len())
		}
	}

	check("after open")

	mustWrite(t, s, make([]byte, 1500))
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	check("after write")

	if err := s.SetLength(700); err != nil {
		t.Fatalf("SetLength failed: %v", err)
	}
	check("after shrink")

	if err := s.SetLength(5000); err != nil {
		t.Fatalf("SetLength failed: %v", err)
	}
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	check("after grow")
}

// TestTombstoneRecovery injects a tombstone record into the footer and
// verifies reopening skips it and later writes stay consistent.
func TestTombstoneRecovery(t *testing.T) {
	buf := NewBuffer()
	s, err := Open(buf, WithBlockSize(512))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	mustWrite(t, s, make([]byte, 1024))
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Rebuild the substrate with an extra tombstone record at the
	// tail of the footer body.
	raw := buf.Bytes()
	bodyLen, logicalLen, err := extent.DecodeTrailer(raw[len(raw)-extent.TrailerSize:])
	if err != nil {
		t.Fatalf("Trailer decode failed: %v", err)
	}
	bodyStart := int64(len(raw)) - extent.TrailerSize - bodyLen

	var injected []byte
	injected = append(injected, raw[:bodyStart+bodyLen]...)
	var record [10]byte
	binary.LittleEndian.PutUint64(record[:], ^uint64(0))   // offset -1
	binary.LittleEndian.PutUint16(record[8:], ^uint16(0))  // length -1
	injected = append(injected, record[:]...)
	var trailer [extent.TrailerSize]byte
	binary.LittleEndian.PutUint64(trailer[:], uint64(bodyLen)+10)
	binary.LittleEndian.PutUint64(trailer[8:], uint64(logicalLen))
	injected = append(injected, trailer[:]...)

	s, err = Open(NewBufferBytes(injected), WithBlockSize(512))
	if err != nil {
		t.Fatalf("Reopen with tombstone failed: %v", err)
	}
	defer s.Close()

	if s.BlockCount() != 2 {
		t.Fatalf("Block count after recovery = %d, expected 2", s.BlockCount())
	}
	if s.Len() != 1024 {
		t.Fatalf("Length after recovery = %d, expected 1024", s.Len())
	}

	// A subsequent append lands right after the surviving extents.
	mustSeek(t, s, 0, io.SeekEnd)
	mustWrite(t, s, make([]byte, 512))
	extents := s.Extents()
	if len(extents) != 3 {
		t.Fatalf("Extent count after append = %d, expected 3", len(extents))
	}
	if extents[2].Offset != 1024 {
		t.Fatalf("New extent at offset %d, expected 1024", extents[2].Offset)
	}
}

func TestSetLength(t *testing.T) {
	buf := NewBuffer()
	s, err := Open(buf, WithBlockSize(512))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if err := s.SetLength(-1); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("SetLength(-1) = %v, expected ErrOutOfRange", err)
	}

	// Grow from empty: zero-filled.
	if err := s.SetLength(1000); err != nil {
		t.Fatalf("SetLength(1000) failed: %v", err)
	}
	if s.Len() != 1000 || s.BlockCount() != 2 {
		t.Fatalf("After grow: len %d blocks %d", s.Len(), s.BlockCount())
	}
	mustSeek(t, s, 0, io.SeekStart)
	if got := readAll(t, s, 1000); !bytes.Equal(got, make([]byte, 1000)) {
		t.Fatalf("Grown region is not zero-filled")
	}

	// Shrink mid-block keeps the block, drops the rest.
	mustSeek(t, s, 900, io.SeekStart)
	if err := s.SetLength(100); err != nil {
		t.Fatalf("SetLength(100) failed: %v", err)
	}
	if s.Len() != 100 || s.BlockCount() != 1 {
		t.Fatalf("After shrink: len %d blocks %d", s.Len(), s.BlockCount())
	}
	if s.Position() != 100 {
		t.Fatalf("Position clamped to %d, expected 100", s.Position())
	}

	// Down to zero: only the trailer remains.
	if err := s.SetLength(0); err != nil {
		t.Fatalf("SetLength(0) failed: %v", err)
	}
	if err := s.Flush(false); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if buf.Size() != extent.TrailerSize {
		t.Fatalf("Substrate is %d bytes after SetLength(0), expected %d",
			buf.Size(), extent.TrailerSize)
	}
}

func TestSeekValidation(t *testing.T) {
	s, err := Open(NewBuffer(), WithBlockSize(512))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := s.Seek(-1, io.SeekStart); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Negative seek = %v, expected ErrOutOfRange", err)
	}
	if _, err := s.Seek(-1, io.SeekEnd); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Seek before start = %v, expected ErrOutOfRange", err)
	}

	// Past the end is legal; reads there return no bytes.
	if _, err := s.Seek(4096, io.SeekStart); err != nil {
		t.Fatalf("Seek past end failed: %v", err)
	}
	if _, err := s.Read(make([]byte, 8)); err != io.EOF {
		t.Fatalf("Read past end = %v, expected io.EOF", err)
	}
}

func TestOpenValidation(t *testing.T) {
	if _, err := Open(NewBuffer(), WithBlockSize(100)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Block size 100 = %v, expected ErrOutOfRange", err)
	}
	if _, err := Open(NewBuffer(), WithBlockSize(40000)); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Block size 40000 = %v, expected ErrOutOfRange", err)
	}
	if _, err := Open(nil); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Nil substrate = %v, expected ErrOutOfRange", err)
	}
}

func TestCorruptFooter(t *testing.T) {
	// Too short for a trailer.
	if _, err := Open(NewBufferBytes(make([]byte, 8)), WithBlockSize(512)); !errors.Is(err, ErrCorruption) {
		t.Fatalf("Short substrate = %v, expected ErrCorruption", err)
	}

	// Negative body length.
	var negative [extent.TrailerSize]byte
	binary.LittleEndian.PutUint64(negative[:], ^uint64(0))
	if _, err := Open(NewBufferBytes(negative[:]), WithBlockSize(512)); !errors.Is(err, ErrCorruption) {
		t.Fatalf("Negative body length = %v, expected ErrCorruption", err)
	}

	// Body length reaching before the container start.
	var oversized [extent.TrailerSize]byte
	binary.LittleEndian.PutUint64(oversized[:], 100)
	if _, err := Open(NewBufferBytes(oversized[:]), WithBlockSize(512)); !errors.Is(err, ErrCorruption) {
		t.Fatalf("Oversized body length = %v, expected ErrCorruption", err)
	}
}

// TestNestedContainer verifies the start offset is captured from the
// substrate position, allowing a container inside a larger stream.
func TestNestedContainer(t *testing.T) {
	prefix := bytes.Repeat([]byte{0xEE}, 100)

	buf := NewBuffer()
	buf.Write(prefix)

	s, err := Open(buf, WithBlockSize(512))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	payload := leUint32s(500)
	mustWrite(t, s, payload)
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !bytes.Equal(buf.Bytes()[:100], prefix) {
		t.Fatalf("Container clobbered the bytes before its start offset")
	}

	reopened := NewBufferBytes(buf.Bytes())
	if _, err := reopened.Seek(100, io.SeekStart); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	s, err = Open(reopened, WithBlockSize(512))
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer s.Close()
	mustSeek(t, s, 0, io.SeekStart)
	if got := readAll(t, s, len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("Nested container content mismatch")
	}
}

// TestCacheTransparency covers the property that reads observe the same
// bytes with and without the optional cache.
func TestCacheTransparency(t *testing.T) {
	payload := leUint32s(4000)

	run := func(withCache bool) []byte {
		buf := NewBuffer()
		opts := []Option{WithBlockSize(512)}
		if withCache {
			opts = append(opts, WithCache(cache.NewLRU(4)))
		}
		s, err := Open(buf, opts...)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		defer s.Close()

		mustWrite(t, s, payload)

		// Overwrite a region so invalidation matters, then read with
		// a pattern that hits and misses.
		mustSeek(t, s, 1024, io.SeekStart)
		mustWrite(t, s, bytes.Repeat([]byte{0x7F}, 600))

		out := make([]byte, len(payload))
		for _, at := range []int64{0, 1024, 512, 1024, int64(len(payload)) - 512} {
			mustSeek(t, s, at, io.SeekStart)
			readAll(t, s, 512)
		}
		mustSeek(t, s, 0, io.SeekStart)
		copy(out, readAll(t, s, len(payload)))
		return out
	}

	plain := run(false)
	cached := run(true)
	if !bytes.Equal(plain, cached) {
		t.Fatalf("Reads differ with and without the cache")
	}
}

func TestPersistenceOnFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "container.cask")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	s, err := Open(f, WithBlockSize(512), WithTransformer(transform.NewXXH64Checksum()))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	payload := leUint32s(3000)
	mustWrite(t, s, payload)
	if err := s.Flush(true); err != nil {
		t.Fatalf("Durable flush failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	f, err = os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("Reopen file failed: %v", err)
	}
	s, err = Open(f, WithBlockSize(512), WithTransformer(transform.NewXXH64Checksum()))
	if err != nil {
		t.Fatalf("Reopen container failed: %v", err)
	}
	defer s.Close()

	if s.Len() != int64(len(payload)) {
		t.Fatalf("Reopened length = %d, expected %d", s.Len(), len(payload))
	}
	if got := readAll(t, s, len(payload)); !bytes.Equal(got, payload) {
		t.Fatalf("Reopened content mismatch")
	}
}

func TestStreamStats(t *testing.T) {
	collector := stats.NewAtomicCollector()
	s, err := Open(NewBuffer(), WithBlockSize(512), WithStats(collector))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	mustWrite(t, s, make([]byte, 1024))
	mustSeek(t, s, 0, io.SeekStart)
	readAll(t, s, 1024)

	got := collector.GetStats()
	if got["write_ops"].(uint64) == 0 {
		t.Fatalf("No write ops recorded")
	}
	if got["read_ops"].(uint64) == 0 {
		t.Fatalf("No read ops recorded")
	}
	if got["footer_write_ops"].(uint64) == 0 {
		t.Fatalf("No footer writes recorded")
	}
}

func TestClosedStream(t *testing.T) {
	s, err := Open(NewBuffer(), WithBlockSize(512))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}

	if _, err := s.Write([]byte{1}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Write after close = %v, expected ErrClosed", err)
	}
	if _, err := s.Read(make([]byte, 1)); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read after close = %v, expected ErrClosed", err)
	}
	if err := s.SetLength(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("SetLength after close = %v, expected ErrClosed", err)
	}
}
