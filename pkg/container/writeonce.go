package container

import (
	"fmt"

	"github.com/CaskDB/cask/pkg/extent"
	"github.com/CaskDB/cask/pkg/stats"
	"github.com/CaskDB/cask/pkg/transform"
)

// WriteOnceStream is the append-only mode. It produces the same
// extent-indexed layout as Stream more cheaply: bytes are buffered into
// a full logical block, each completed block is transformed and
// appended once, and the footer is written a single time on Close. It
// is neither readable nor seekable.
type WriteOnceStream struct {
	*base
	buf     []byte
	bufFill int
}

// Create opens a write-once container over the substrate. The
// substrate is truncated to its current position so the writer does not
// emit into a pre-populated tail.
func Create(sub Substrate, opts ...Option) (*WriteOnceStream, error) {
	b, err := newBase(sub, opts)
	if err != nil {
		return nil, err
	}
	t, ok := sub.(Truncater)
	if !ok {
		return nil, fmt.Errorf("write-once mode needs a truncatable substrate: %w", ErrUnsupported)
	}
	if err := t.Truncate(b.start); err != nil {
		return nil, fmt.Errorf("substrate truncate failed: %w", err)
	}
	return &WriteOnceStream{
		base: b,
		buf:  make([]byte, b.cfg.blockSize),
	}, nil
}

// Write appends bytes to the logical stream.
func (w *WriteOnceStream) Write(p []byte) (int, error) {
	if w.closed {
		return 0, ErrClosed
	}
	w.cfg.stats.TrackOperation(stats.OpWrite)

	total := 0
	for len(p) > 0 {
		n := copy(w.buf[w.bufFill:], p)
		w.bufFill += n
		w.length += int64(n)
		p = p[n:]
		total += n

		if w.bufFill == len(w.buf) {
			if err := w.flushBlock(); err != nil {
				return total, err
			}
		}
	}
	return total, nil
}

// NextBlock pads the current block with zeros to the block boundary and
// appends it, so the next write starts a fresh block. The padding
// counts toward the logical length. A no-op at a block boundary.
func (w *WriteOnceStream) NextBlock() error {
	if w.closed {
		return ErrClosed
	}
	if w.bufFill == 0 {
		return nil
	}
	w.length += int64(len(w.buf) - w.bufFill)
	return w.flushBlock()
}

// flushBlock transforms the buffered block, zero-padded past the last
// valid byte, and appends it as a new extent.
func (w *WriteOnceStream) flushBlock() error {
	zeroBytes(w.buf[w.bufFill:])

	t, err := w.cfg.transformer.Transform(w.buf)
	if err != nil {
		return fmt.Errorf("failed to transform block %d: %w", w.extents.Count(), err)
	}
	if len(t) > transform.MaxTransformedSize {
		return fmt.Errorf("block %d transformed to %d bytes, limit %d: %w",
			w.extents.Count(), len(t), transform.MaxTransformedSize, ErrOutOfRange)
	}

	offset := w.start + w.extents.DataLength()
	if err := w.seekTo(offset); err != nil {
		return err
	}
	if err := w.writeAll(t); err != nil {
		return err
	}

	w.extents.Put(w.extents.Count(), extent.Extent{Offset: offset, Length: int16(len(t))})
	w.cfg.stats.TrackOperation(stats.OpAppend)
	w.bufFill = 0
	return nil
}

// Close flushes any trailing partial block, writes the footer, and
// releases the container.
func (w *WriteOnceStream) Close() error {
	if w.closed {
		return nil
	}
	if w.bufFill > 0 {
		if err := w.flushBlock(); err != nil {
			return err
		}
	}
	if err := w.writeFooter(); err != nil {
		return err
	}
	if err := w.flushSubstrate(w.cfg.durableClose); err != nil {
		return err
	}
	return w.closeBase()
}
