package container

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/CaskDB/cask/pkg/stats"
	"github.com/CaskDB/cask/pkg/transform"
)

// ReadOnlyStream is the read-only mode. It loads the footer once and
// shares the immutable extent map between any number of cursors. When
// the substrate is a regular file the stream establishes a read-only
// memory mapping and cursors read it without locking; otherwise
// substrate access is serialized under a mutex.
type ReadOnlyStream struct {
	*base
	mapped []byte     // non-nil when the substrate is memory-mapped
	mu     sync.Mutex // serializes seek+read on the unmapped path
	def    *Cursor
}

// OpenReadOnly opens a container for reading. Writes, truncation, and
// length changes are rejected.
func OpenReadOnly(sub Substrate, opts ...Option) (*ReadOnlyStream, error) {
	b, err := newBase(sub, opts)
	if err != nil {
		return nil, err
	}
	if err := b.loadFooter(false); err != nil {
		return nil, err
	}

	r := &ReadOnlyStream{base: b}
	if f, ok := sub.(*os.File); ok {
		mapped, err := mapReadOnly(f)
		if err != nil {
			b.cfg.logger.Debug("memory mapping unavailable, falling back to seek+read: %v", err)
		} else {
			r.mapped = mapped
		}
	}
	r.def = r.NewCursor()
	return r, nil
}

// Mapped reports whether reads go through a memory mapping.
func (r *ReadOnlyStream) Mapped() bool {
	return r.mapped != nil
}

// NewCursor returns an independent positioned reader over the
// container. Cursors share the extent map and the optional block
// cache; each holds its own position and block buffer. With the
// memory-mapped path, cursors may be used concurrently from different
// goroutines.
func (r *ReadOnlyStream) NewCursor() *Cursor {
	return &Cursor{
		stream: r,
		buf:    make([]byte, transform.MaxTransformedSize),
		tbuf:   make([]byte, transform.MaxTransformedSize),
		idx:    idxUnused,
	}
}

// readExtent copies the transformed bytes at the given substrate range
// into p.
func (r *ReadOnlyStream) readExtent(offset int64, p []byte) error {
	if r.mapped != nil {
		end := offset + int64(len(p))
		if offset < 0 || end > int64(len(r.mapped)) {
			return fmt.Errorf("extent [%d, %d) reaches past the mapped substrate: %w",
				offset, end, ErrTruncatedRead)
		}
		copy(p, r.mapped[offset:end])
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.seekTo(offset); err != nil {
		return err
	}
	return r.readFull(p)
}

// Read reads from the stream's default cursor.
func (r *ReadOnlyStream) Read(p []byte) (int, error) {
	return r.def.Read(p)
}

// Seek positions the stream's default cursor.
func (r *ReadOnlyStream) Seek(offset int64, whence int) (int64, error) {
	return r.def.Seek(offset, whence)
}

// Position returns the default cursor's position.
func (r *ReadOnlyStream) Position() int64 {
	return r.def.Position()
}

// Write is rejected: the stream is read-only.
func (r *ReadOnlyStream) Write([]byte) (int, error) {
	return 0, fmt.Errorf("write on a read-only container: %w", ErrUnsupported)
}

// SetLength is rejected: the stream is read-only.
func (r *ReadOnlyStream) SetLength(int64) error {
	return fmt.Errorf("length change on a read-only container: %w", ErrUnsupported)
}

// Close releases the mapping and the container.
func (r *ReadOnlyStream) Close() error {
	if r.closed {
		return nil
	}
	if r.mapped != nil {
		if err := unmap(r.mapped); err != nil {
			r.cfg.logger.Warn("failed to unmap substrate: %v", err)
		}
		r.mapped = nil
	}
	return r.closeBase()
}

// Cursor is a lightweight positioned reader sharing its parent's
// extent map.
type Cursor struct {
	stream *ReadOnlyStream
	buf    []byte
	tbuf   []byte
	idx    int64
	pos    int64
}

// Position returns the cursor's logical position.
func (c *Cursor) Position() int64 {
	return c.pos
}

// Seek sets the cursor's logical position.
func (c *Cursor) Seek(offset int64, whence int) (int64, error) {
	if c.stream.closed {
		return 0, ErrClosed
	}
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = c.pos + offset
	case io.SeekEnd:
		target = c.stream.length + offset
	default:
		return 0, fmt.Errorf("invalid seek whence %d: %w", whence, ErrOutOfRange)
	}
	if target < 0 {
		return 0, fmt.Errorf("seek to negative position %d: %w", target, ErrOutOfRange)
	}
	c.pos = target
	return target, nil
}

// Read copies bytes from the logical stream at the cursor's position.
func (c *Cursor) Read(p []byte) (int, error) {
	r := c.stream
	if r.closed {
		return 0, ErrClosed
	}
	r.cfg.stats.TrackOperation(stats.OpRead)
	if len(p) == 0 {
		return 0, nil
	}

	blockSize := int64(r.cfg.blockSize)
	total := 0
	for len(p) > 0 && c.pos < r.length {
		block := c.pos / blockSize
		off := c.pos % blockSize

		ok, err := c.fill(block)
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
		if rest := r.length - c.pos; rest < n {
			n = rest
		}
		copy(p[:n], c.buf[off:off+n])
		p = p[n:]
		c.pos += n
		total += int(n)
	}

	if total == 0 {
		return 0, io.EOF
	}
	return total, nil
}

// fill materializes the given block in the cursor's buffer.
func (c *Cursor) fill(block int64) (bool, error) {
	if c.idx == block {
		return true, nil
	}
	r := c.stream

	e, ok := r.extents.Get(block)
	if !ok {
		return false, nil
	}
	r.cfg.stats.TrackOperation(stats.OpFill)

	blockSize := r.cfg.blockSize
	if e.Length == 0 {
		if !r.cfg.transformer.MayChangeSize() {
			return false, fmt.Errorf("zero-length extent for block %d under a fixed-size transformer: %w",
				block, ErrCorruption)
		}
		zeroBytes(c.buf[:blockSize])
		c.idx = block
		return true, nil
	}

	if r.cfg.cache != nil {
		hit := r.cfg.cache.TryRead(block, c.buf[:blockSize])
		r.cfg.stats.TrackCache(hit)
		if hit {
			c.idx = block
			return true, nil
		}
	}

	t := c.tbuf[:e.Length]
	if err := r.readExtent(e.Offset, t); err != nil {
		return false, err
	}
	r.cfg.stats.TrackBytes(false, uint64(e.Length))

	n, err := r.cfg.transformer.Untransform(t, c.buf)
	if err != nil {
		return false, fmt.Errorf("failed to untransform block %d: %w", block, err)
	}
	if n != blockSize {
		return false, fmt.Errorf("block %d decoded to %d bytes, expected %d: %w",
			block, n, blockSize, ErrCorruption)
	}

	if r.cfg.cache != nil {
		r.cfg.cache.Store(block, c.buf[:blockSize])
	}
	c.idx = block
	return true, nil
}
