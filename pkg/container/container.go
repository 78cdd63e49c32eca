// Package container implements a block-oriented container over a
// seekable byte stream. A logical byte stream is chunked into
// fixed-size blocks, each block is run through a transformer pipeline,
// and the transformed bytes are stored as extents followed by a footer
// that maps block indices to extents. Four access modes share the
// format: random-access read/write (Stream), read-only with independent
// cursors (ReadOnlyStream), append-only (WriteOnceStream), and a framed
// sequential variant without the extent index (FrameWriter/FrameReader).
package container

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/CaskDB/cask/pkg/extent"
	"github.com/CaskDB/cask/pkg/stats"
)

// base carries the state shared by every extent-indexed container mode:
// the substrate, the extent map, the logical length, and footer
// persistence.
type base struct {
	cfg       config
	substrate Substrate
	start     int64 // substrate offset where extent 0 begins
	extents   *extent.Map
	length    int64 // logical stream length L
	footerLen int64 // logical length currently recorded in the on-disk trailer
	closed    bool
}

// newBase validates the configuration and captures the container's
// start offset from the substrate's current position, which permits
// nesting a container inside a larger stream.
func newBase(sub Substrate, opts []Option) (*base, error) {
	if sub == nil {
		return nil, fmt.Errorf("substrate cannot be nil: %w", ErrOutOfRange)
	}
	cfg := newConfig(opts)
	if cfg.blockSize < MinBlockSize || cfg.blockSize > MaxBlockSize {
		return nil, fmt.Errorf("block size %d outside [%d, %d]: %w",
			cfg.blockSize, MinBlockSize, MaxBlockSize, ErrOutOfRange)
	}

	start, err := sub.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("failed to capture start offset: %w", err)
	}

	return &base{
		cfg:       cfg,
		substrate: sub,
		start:     start,
		extents:   extent.NewMap(),
	}, nil
}

// seekTo positions the substrate at an absolute offset.
func (b *base) seekTo(offset int64) error {
	if _, err := b.substrate.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("substrate seek to %d failed: %w", offset, err)
	}
	return nil
}

// readFull reads exactly len(p) bytes from the substrate's current
// position. A short read surfaces as ErrTruncatedRead.
func (b *base) readFull(p []byte) error {
	n, err := io.ReadFull(b.substrate, p)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("substrate ended after %d of %d bytes: %w", n, len(p), ErrTruncatedRead)
	}
	if err != nil {
		return fmt.Errorf("substrate read failed: %w", err)
	}
	return nil
}

// writeAll writes p at the substrate's current position.
func (b *base) writeAll(p []byte) error {
	n, err := b.substrate.Write(p)
	if err != nil {
		return fmt.Errorf("substrate write failed: %w", err)
	}
	if n != len(p) {
		return fmt.Errorf("substrate wrote %d of %d bytes", n, len(p))
	}
	b.cfg.stats.TrackBytes(true, uint64(n))
	return nil
}

// loadFooter reads the footer from the substrate tail into the extent
// map. An empty substrate yields an empty container; when writable, a
// fresh empty footer is written immediately so the tail invariant holds
// from the first byte.
func (b *base) loadFooter(writable bool) error {
	end, err := b.substrate.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to find substrate end: %w", err)
	}

	if end == b.start {
		b.extents.Clear()
		b.length = 0
		b.footerLen = 0
		if writable {
			return b.writeFooter()
		}
		return nil
	}

	if end < b.start+extent.TrailerSize {
		return fmt.Errorf("substrate holds %d bytes past start, too short for a trailer: %w",
			end-b.start, ErrCorruption)
	}

	var trailer [extent.TrailerSize]byte
	if err := b.seekTo(end - extent.TrailerSize); err != nil {
		return err
	}
	if err := b.readFull(trailer[:]); err != nil {
		return err
	}
	bodyLen, logicalLen, err := extent.DecodeTrailer(trailer[:])
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrCorruption)
	}

	bodyStart := end - extent.TrailerSize - bodyLen
	if bodyStart < b.start {
		return fmt.Errorf("footer body length %d reaches before the container start: %w",
			bodyLen, ErrCorruption)
	}

	body := make([]byte, bodyLen)
	if err := b.seekTo(bodyStart); err != nil {
		return err
	}
	if err := b.readFull(body); err != nil {
		return err
	}

	m, err := extent.DecodeFooter(body)
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrCorruption)
	}

	b.extents = m
	b.length = logicalLen
	b.footerLen = logicalLen
	return nil
}

// trailerLength returns the logical length to record in the trailer.
// While a trailing tombstone is in the map the length is clamped to the
// committed blocks, so that a crash between the two footer writes of an
// append leaves a consistent container behind.
func (b *base) trailerLength() int64 {
	n := b.extents.Count()
	if n == 0 {
		if b.length > 0 {
			return 0
		}
		return b.length
	}
	if e, _ := b.extents.Get(n - 1); e.IsTombstone() {
		if max := (n - 1) * int64(b.cfg.blockSize); b.length > max {
			return max
		}
	}
	return b.length
}

// writeFooter serializes the extent map after the last data extent,
// truncates the substrate there, and records the new trailer state.
func (b *base) writeFooter() error {
	recorded := b.trailerLength()
	buf := extent.EncodeFooter(b.extents, recorded)
	pos := b.start + b.extents.DataLength()

	if err := b.seekTo(pos); err != nil {
		return err
	}
	if err := b.writeAll(buf); err != nil {
		return err
	}

	t, ok := b.substrate.(Truncater)
	if !ok {
		return fmt.Errorf("substrate cannot truncate: %w", ErrUnsupported)
	}
	if err := t.Truncate(pos + int64(len(buf))); err != nil {
		return fmt.Errorf("substrate truncate failed: %w", err)
	}

	b.footerLen = recorded
	b.cfg.stats.TrackOperation(stats.OpFooterWrite)
	return nil
}

// writeTrailerLength rewrites only the final 8 bytes of the substrate
// with the current logical length. Legal only while the footer body is
// unchanged on disk.
func (b *base) writeTrailerLength() error {
	if _, err := b.substrate.Seek(-8, io.SeekEnd); err != nil {
		return fmt.Errorf("substrate seek to trailer failed: %w", err)
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(b.length))
	if err := b.writeAll(buf[:]); err != nil {
		return err
	}
	b.footerLen = b.length
	return nil
}

// flushSubstrate requests a durable flush when asked and the substrate
// supports one.
func (b *base) flushSubstrate(durable bool) error {
	if !durable {
		return nil
	}
	s, ok := b.substrate.(Syncer)
	if !ok {
		return nil
	}
	if err := s.Sync(); err != nil {
		return fmt.Errorf("substrate sync failed: %w", err)
	}
	return nil
}

// closeBase releases the container's resources: the cache is closed,
// the extent map cleared, and the substrate closed unless leaveOpen was
// set. Idempotent.
func (b *base) closeBase() error {
	if b.closed {
		return nil
	}
	b.closed = true

	if b.cfg.cache != nil {
		if err := b.cfg.cache.Close(); err != nil {
			b.cfg.logger.Warn("cache close failed: %v", err)
		}
	}
	b.extents.Clear()

	if b.cfg.leaveOpen {
		return nil
	}
	if c, ok := b.substrate.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("substrate close failed: %w", err)
		}
	}
	return nil
}

// Len returns the logical stream length.
func (b *base) Len() int64 {
	return b.length
}

// BlockSize returns the configured logical block size.
func (b *base) BlockSize() int {
	return b.cfg.blockSize
}

// BlockCount returns the number of logical blocks in the container.
func (b *base) BlockCount() int64 {
	return b.extents.Count()
}

// Extents returns a snapshot of the extent map as (offset, length)
// pairs in block-index order.
func (b *base) Extents() []extent.Extent {
	out := make([]extent.Extent, 0, b.extents.Count())
	b.extents.Each(func(_ int64, e extent.Extent) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Stats returns the container's statistics snapshot.
func (b *base) Stats() map[string]interface{} {
	return b.cfg.stats.GetStats()
}
