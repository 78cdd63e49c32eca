package container

import (
	"fmt"
	"io"

	"github.com/CaskDB/cask/pkg/extent"
	"github.com/CaskDB/cask/pkg/stats"
	"github.com/CaskDB/cask/pkg/transform"
)

// Current-block index sentinels.
const (
	idxUnused = -2 // no block materialized
	idxFresh  = -1 // a new block being appended, not yet in the map
)

// Stream is the random-access read/write mode. It owns a single
// reusable block buffer: at most one dirty logical block exists at any
// time, and it is flushed before another block is materialized.
//
// A Stream must be used by one goroutine at a time.
type Stream struct {
	*base
	buf   []byte // logical block buffer, sliced to the block size
	tbuf  []byte // transformed-bytes scratch for fills
	idx   int64
	dirty bool
	pos   int64
}

// Open opens a random-access read/write container over the substrate.
// An empty substrate becomes a fresh container; otherwise the footer at
// the substrate tail is loaded. The substrate must support truncation.
func Open(sub Substrate, opts ...Option) (*Stream, error) {
	b, err := newBase(sub, opts)
	if err != nil {
		return nil, err
	}
	if _, ok := sub.(Truncater); !ok {
		return nil, fmt.Errorf("random-access mode needs a truncatable substrate: %w", ErrUnsupported)
	}
	if err := b.loadFooter(true); err != nil {
		return nil, err
	}
	return &Stream{
		base: b,
		buf:  make([]byte, transform.MaxTransformedSize),
		tbuf: make([]byte, transform.MaxTransformedSize),
		idx:  idxUnused,
	}, nil
}

// Position returns the logical stream position.
func (s *Stream) Position() int64 {
	return s.pos
}

// Seek sets the logical position. Positions beyond the current length
// are legal: reads there return no bytes and writes extend the stream.
func (s *Stream) Seek(offset int64, whence int) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		target = s.length + offset
	default:
		return 0, fmt.Errorf("invalid seek whence %d: %w", whence, ErrOutOfRange)
	}
	if target < 0 {
		return 0, fmt.Errorf("seek to negative position %d: %w", target, ErrOutOfRange)
	}
	s.cfg.stats.TrackOperation(stats.OpSeek)
	s.pos = target
	return target, nil
}

// Read copies bytes from the logical stream at the current position.
// It returns io.EOF only when no bytes remain.
func (s *Stream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	s.cfg.stats.TrackOperation(stats.OpRead)
	if len(p) == 0 {
		return 0, nil
	}

	blockSize := int64(s.cfg.blockSize)
	total := 0
	for len(p) > 0 && s.pos < s.length {
		block := s.pos / blockSize
		off := s.pos % blockSize

		ok, err := s.fill(block)
		if err != nil {
			return total, err
		}
		if !ok {
			break
		}

		n := int64(len(p))
		if rest := blockSize - off; rest < n {
			n = rest
		}
		if rest := s.length - s.pos; rest < n {
			n = rest
		}
		copy(p[:n], s.buf[off:off+n])
		p = p[n:]
		s.pos += n
		total += int(n)
	}

	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// fill materializes the given block in the block buffer, flushing any
// dirty block first. It returns false when the block is not in the
// extent map.
func (s *Stream) fill(block int64) (bool, error) {
	if s.idx == block {
		return true, nil
	}
	if err := s.flushDirty(); err != nil {
		return false, err
	}

	e, ok := s.extents.Get(block)
	if !ok {
		return false, nil
	}
	s.cfg.stats.TrackOperation(stats.OpFill)

	blockSize := s.cfg.blockSize
	if e.Length == 0 {
		// A placeholder: the block was never materialized on disk.
		// Only size-changing transformers produce zero-length
		// extents.
		if !s.cfg.transformer.MayChangeSize() {
			return false, fmt.Errorf("zero-length extent for block %d under a fixed-size transformer: %w",
				block, ErrCorruption)
		}
		zeroBytes(s.buf[:blockSize])
		s.idx = block
		return true, nil
	}

	if s.cfg.cache != nil {
		hit := s.cfg.cache.TryRead(block, s.buf[:blockSize])
		s.cfg.stats.TrackCache(hit)
		if hit {
			s.idx = block
			return true, nil
		}
	}

	if err := s.seekTo(e.Offset); err != nil {
		return false, err
	}
	t := s.tbuf[:e.Length]
	if err := s.readFull(t); err != nil {
		return false, err
	}
	s.cfg.stats.TrackBytes(false, uint64(e.Length))

	// The full scratch slice: intermediate stages of a transformer
	// chain may hold more than a block before the last stage shrinks
	// it back.
	n, err := s.cfg.transformer.Untransform(t, s.buf)
	if err != nil {
		return false, fmt.Errorf("failed to untransform block %d: %w", block, err)
	}
	if n != blockSize {
		return false, fmt.Errorf("block %d decoded to %d bytes, expected %d: %w",
			block, n, blockSize, ErrCorruption)
	}

	if s.cfg.cache != nil {
		s.cfg.cache.Store(block, s.buf[:blockSize])
	}
	s.idx = block
	return true, nil
}

// Write copies bytes into the logical stream at the current position.
// Under a size-changing transformer, any write starting below the
// current length fails with ErrIllegalWrite and changes nothing.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	s.cfg.stats.TrackOperation(stats.OpWrite)

	if s.cfg.transformer.MayChangeSize() && s.pos < s.length {
		return 0, fmt.Errorf("overwrite at position %d below length %d under a size-changing transformer: %w",
			s.pos, s.length, ErrIllegalWrite)
	}

	blockSize := int64(s.cfg.blockSize)
	total := 0
	for len(p) > 0 {
		block := s.pos / blockSize
		off := s.pos % blockSize

		if block < s.extents.Count() {
			if _, err := s.fill(block); err != nil {
				return total, err
			}
			n := copy(s.buf[off:blockSize], p)
			s.dirty = true
			if s.cfg.cache != nil {
				s.cfg.cache.Invalidate(block)
			}
			p = p[n:]
			s.pos += int64(n)
			total += n
			if s.pos > s.length {
				s.length = s.pos
			}
			continue
		}

		if s.pos > s.length {
			// Writing past the end: zero-fill the gap first, which
			// appends any blocks the gap spans.
			if err := s.grow(s.pos); err != nil {
				return total, err
			}
			continue
		}

		// Appending a fresh block at the tail. The dense-index
		// invariant puts the tail at a block boundary here.
		if err := s.flushDirty(); err != nil {
			return total, err
		}
		s.idx = idxFresh
		zeroBytes(s.buf[:blockSize])
		n := copy(s.buf[off:blockSize], p)
		s.dirty = true
		p = p[n:]
		s.pos += int64(n)
		total += n
		s.length = s.pos
		s.cfg.stats.TrackOperation(stats.OpAppend)
		if err := s.flushDirty(); err != nil {
			return total, err
		}
	}
	return total, nil
}

// grow extends the logical stream to target by writing zero bytes,
// then restores the position.
func (s *Stream) grow(target int64) error {
	saved := s.pos
	s.pos = s.length

	var zeros [4096]byte
	for s.length < target {
		chunk := target - s.length
		if chunk > int64(len(zeros)) {
			chunk = int64(len(zeros))
		}
		if _, err := s.Write(zeros[:chunk]); err != nil {
			s.pos = saved
			return err
		}
	}
	s.pos = saved
	return nil
}

// flushDirty persists the dirty block, if any. Existing blocks are
// rewritten in place; a size change is only legal for the last block
// and forces a full footer rewrite. Fresh blocks append via the
// two-phase tombstone procedure, so a crash between the two footer
// writes leaves a recoverable container.
func (s *Stream) flushDirty() error {
	if !s.dirty {
		return nil
	}
	blockSize := s.cfg.blockSize
	s.cfg.stats.TrackOperation(stats.OpFlush)

	switch {
	case s.idx >= 0:
		e, ok := s.extents.Get(s.idx)
		if !ok {
			return fmt.Errorf("dirty block %d is missing from the extent map", s.idx)
		}

		t, err := s.cfg.transformer.Transform(s.buf[:blockSize])
		if err != nil {
			return fmt.Errorf("failed to transform block %d: %w", s.idx, err)
		}
		if len(t) > transform.MaxTransformedSize {
			return fmt.Errorf("block %d transformed to %d bytes, limit %d: %w",
				s.idx, len(t), transform.MaxTransformedSize, ErrOutOfRange)
		}

		isLast := s.idx == s.extents.Count()-1
		if len(t) != int(e.Length) && !isLast {
			return fmt.Errorf("block %d transformed to %d bytes, its slot holds %d: %w",
				s.idx, len(t), e.Length, ErrIllegalWrite)
		}

		if err := s.seekTo(e.Offset); err != nil {
			return err
		}
		if err := s.writeAll(t); err != nil {
			return err
		}

		if len(t) != int(e.Length) {
			// The footer body moved with the tail extent.
			s.extents.Put(s.idx, extent.Extent{Offset: e.Offset, Length: int16(len(t))})
			if err := s.writeFooter(); err != nil {
				return err
			}
		} else if s.footerLen != s.length {
			if err := s.writeTrailerLength(); err != nil {
				return err
			}
		}

	case s.idx == idxFresh:
		newIndex := s.extents.Count()
		offset := s.start
		if newIndex > 0 {
			last, _ := s.extents.Get(newIndex - 1)
			offset = last.Offset + int64(last.Length)
		}

		t, err := s.cfg.transformer.Transform(s.buf[:blockSize])
		if err != nil {
			return fmt.Errorf("failed to transform block %d: %w", newIndex, err)
		}
		if len(t) > transform.MaxTransformedSize {
			return fmt.Errorf("block %d transformed to %d bytes, limit %d: %w",
				newIndex, len(t), transform.MaxTransformedSize, ErrOutOfRange)
		}

		// Phase one: a tombstone record reserves the slot. If the
		// process dies before the second footer write, recovery sees
		// the tombstone and discards the half-committed append.
		s.extents.Put(newIndex, extent.Extent{Offset: -1, Length: int16(len(t))})
		if err := s.writeFooter(); err != nil {
			return err
		}

		if err := s.seekTo(offset); err != nil {
			return err
		}
		if err := s.writeAll(t); err != nil {
			return err
		}

		// Phase two: commit the real extent.
		s.extents.Put(newIndex, extent.Extent{Offset: offset, Length: int16(len(t))})
		if err := s.writeFooter(); err != nil {
			return err
		}

	default:
		return fmt.Errorf("dirty flag set with no current block")
	}

	zeroBytes(s.buf[:blockSize])
	s.idx = idxUnused
	s.dirty = false
	return nil
}

// Flush persists the dirty block and, when durable is set, requests a
// durable substrate flush if the substrate offers one.
func (s *Stream) Flush(durable bool) error {
	if s.closed {
		return ErrClosed
	}
	if err := s.flushDirty(); err != nil {
		return err
	}
	return s.flushSubstrate(durable)
}

// SetLength changes the logical stream length. Growing appends zero
// bytes; shrinking drops the extents past the new end and rewrites the
// footer.
func (s *Stream) SetLength(v int64) error {
	if s.closed {
		return ErrClosed
	}
	s.cfg.stats.TrackOperation(stats.OpSetLength)

	blockSize := int64(s.cfg.blockSize)
	switch {
	case v < 0:
		return fmt.Errorf("negative length %d: %w", v, ErrOutOfRange)

	case v == s.length:
		return nil

	case v == 0:
		s.discardBlock()
		if s.cfg.cache != nil {
			for i := int64(0); i < s.extents.Count(); i++ {
				s.cfg.cache.Invalidate(i)
			}
		}
		s.extents.Clear()
		s.length = 0
		s.pos = 0
		return s.writeFooter()

	case v > s.length:
		return s.grow(v)

	default:
		maxBlocks := (v + blockSize - 1) / blockSize

		// The buffered block is dropped with its extent when it falls
		// past the new end; otherwise it is flushed before the map
		// shrinks.
		current := s.idx
		if current == idxFresh {
			current = s.extents.Count()
		}
		if current >= maxBlocks {
			s.discardBlock()
		} else if err := s.flushDirty(); err != nil {
			return err
		}

		if s.cfg.cache != nil {
			for i := maxBlocks; i < s.extents.Count(); i++ {
				s.cfg.cache.Invalidate(i)
			}
		}
		s.extents.Truncate(maxBlocks)
		s.length = v
		if s.pos > v {
			s.pos = s.length
		}
		return s.writeFooter()
	}
}

// discardBlock drops the buffered block without flushing it.
func (s *Stream) discardBlock() {
	s.idx = idxUnused
	s.dirty = false
}

// Close flushes the dirty block and releases the container.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	if err := s.flushDirty(); err != nil {
		return err
	}
	if err := s.flushSubstrate(s.cfg.durableClose); err != nil {
		return err
	}
	return s.closeBase()
}

// zeroBytes clears a slice.
func zeroBytes(p []byte) {
	for i := range p {
		p[i] = 0
	}
}
