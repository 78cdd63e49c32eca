package container

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/CaskDB/cask/pkg/stats"
	"github.com/CaskDB/cask/pkg/transform"
)

// frameHeaderSize is the little-endian length prefix in front of every
// transformed block in the sequential layout.
const frameHeaderSize = 2

// FrameWriter is the sequential write mode: each transformed block is
// emitted as a [length(i16 LE)][payload] frame with no extent index.
// The substrate only needs to be writable.
type FrameWriter struct {
	cfg     config
	w       io.Writer
	buf     []byte
	bufFill int
	closed  bool
}

// NewFrameWriter creates a sequential writer over w.
func NewFrameWriter(w io.Writer, opts ...Option) (*FrameWriter, error) {
	if w == nil {
		return nil, fmt.Errorf("writer cannot be nil: %w", ErrOutOfRange)
	}
	cfg := newConfig(opts)
	if cfg.blockSize < MinBlockSize || cfg.blockSize > MaxBlockSize {
		return nil, fmt.Errorf("block size %d outside [%d, %d]: %w",
			cfg.blockSize, MinBlockSize, MaxBlockSize, ErrOutOfRange)
	}
	return &FrameWriter{
		cfg: cfg,
		w:   w,
		buf: make([]byte, cfg.blockSize),
	}, nil
}

// Write buffers bytes and emits a frame whenever a full block is
// accumulated.
func (fw *FrameWriter) Write(p []byte) (int, error) {
	if fw.closed {
		return 0, ErrClosed
	}
	fw.cfg.stats.TrackOperation(stats.OpWrite)

	total := 0
	for len(p) > 0 {
		n := copy(fw.buf[fw.bufFill:], p)
		fw.bufFill += n
		p = p[n:]
		total += n

		if fw.bufFill == len(fw.buf) {
			if err := fw.emit(fw.buf); err != nil {
				return total, err
			}
			fw.bufFill = 0
		}
	}
	return total, nil
}

// Flush emits any buffered bytes as a short frame.
func (fw *FrameWriter) Flush() error {
	if fw.closed {
		return ErrClosed
	}
	if fw.bufFill == 0 {
		return nil
	}
	if err := fw.emit(fw.buf[:fw.bufFill]); err != nil {
		return err
	}
	fw.bufFill = 0
	return nil
}

// emit transforms data and writes one length-prefixed frame.
func (fw *FrameWriter) emit(data []byte) error {
	t, err := fw.cfg.transformer.Transform(data)
	if err != nil {
		return fmt.Errorf("failed to transform frame: %w", err)
	}
	if len(t) == 0 || len(t) > transform.MaxTransformedSize {
		return fmt.Errorf("frame transformed to %d bytes, legal range is 1..%d: %w",
			len(t), transform.MaxTransformedSize, ErrOutOfRange)
	}

	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint16(header[:], uint16(len(t)))
	if _, err := fw.w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := fw.w.Write(t); err != nil {
		return fmt.Errorf("failed to write frame payload: %w", err)
	}
	fw.cfg.stats.TrackBytes(true, uint64(frameHeaderSize+len(t)))
	return nil
}

// Close flushes any remaining bytes and, unless leaveOpen was set,
// closes the underlying writer when it is an io.Closer.
func (fw *FrameWriter) Close() error {
	if fw.closed {
		return nil
	}
	if err := fw.Flush(); err != nil {
		return err
	}
	fw.closed = true
	if fw.cfg.leaveOpen {
		return nil
	}
	if c, ok := fw.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// FrameReader is the sequential read mode: it decodes the frame stream
// produced by FrameWriter. A clean EOF between frames ends the stream;
// truncation anywhere else is corruption.
type FrameReader struct {
	cfg     config
	r       io.Reader
	buf     []byte // decoded block bytes
	tbuf    []byte // transformed frame payload
	pending []byte // undelivered tail of buf
	closed  bool
}

// NewFrameReader creates a sequential reader over r. The block size and
// transformer must match what the stream was written with.
func NewFrameReader(r io.Reader, opts ...Option) (*FrameReader, error) {
	if r == nil {
		return nil, fmt.Errorf("reader cannot be nil: %w", ErrOutOfRange)
	}
	cfg := newConfig(opts)
	if cfg.blockSize < MinBlockSize || cfg.blockSize > MaxBlockSize {
		return nil, fmt.Errorf("block size %d outside [%d, %d]: %w",
			cfg.blockSize, MinBlockSize, MaxBlockSize, ErrOutOfRange)
	}
	return &FrameReader{
		cfg:  cfg,
		r:    r,
		buf:  make([]byte, transform.MaxTransformedSize),
		tbuf: make([]byte, transform.MaxTransformedSize),
	}, nil
}

// Read returns decoded bytes, pulling and untransforming the next frame
// as needed.
func (fr *FrameReader) Read(p []byte) (int, error) {
	if fr.closed {
		return 0, ErrClosed
	}
	fr.cfg.stats.TrackOperation(stats.OpRead)
	if len(p) == 0 {
		return 0, nil
	}

	total := 0
	for len(p) > 0 {
		if len(fr.pending) == 0 {
			if err := fr.nextFrame(); err != nil {
				if err == io.EOF && total > 0 {
					return total, nil
				}
				return total, err
			}
		}
		n := copy(p, fr.pending)
		fr.pending = fr.pending[n:]
		p = p[n:]
		total += n
	}
	return total, nil
}

// nextFrame reads and decodes one frame into the block buffer.
func (fr *FrameReader) nextFrame() error {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(fr.r, header[:]); err != nil {
		if err == io.EOF {
			return io.EOF
		}
		if err == io.ErrUnexpectedEOF {
			return fmt.Errorf("frame header cut short: %w", ErrCorruption)
		}
		return fmt.Errorf("failed to read frame header: %w", err)
	}

	// The length is a signed 16-bit value on disk; anything past
	// MaxTransformedSize would be negative.
	length := int(binary.LittleEndian.Uint16(header[:]))
	if length == 0 || length > transform.MaxTransformedSize {
		return fmt.Errorf("frame length %d outside 1..%d: %w",
			length, transform.MaxTransformedSize, ErrCorruption)
	}

	t := fr.tbuf[:length]
	if _, err := io.ReadFull(fr.r, t); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fmt.Errorf("frame payload cut short: %w", ErrCorruption)
		}
		return fmt.Errorf("failed to read frame payload: %w", err)
	}
	fr.cfg.stats.TrackBytes(false, uint64(frameHeaderSize+length))

	n, err := fr.cfg.transformer.Untransform(t, fr.buf)
	if err != nil {
		return fmt.Errorf("failed to untransform frame: %w", err)
	}
	if n <= 0 || n > fr.cfg.blockSize {
		return fmt.Errorf("frame decoded to %d bytes, legal range is 1..%d: %w",
			n, fr.cfg.blockSize, ErrCorruption)
	}
	fr.pending = fr.buf[:n]
	return nil
}

// Close releases the reader and, unless leaveOpen was set, closes the
// underlying reader when it is an io.Closer.
func (fr *FrameReader) Close() error {
	if fr.closed {
		return nil
	}
	fr.closed = true
	if fr.cfg.leaveOpen {
		return nil
	}
	if c, ok := fr.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
