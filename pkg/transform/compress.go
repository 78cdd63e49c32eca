package transform

import (
	"fmt"

	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// LZ4 block payloads carry a one-byte tag so that incompressible blocks
// can be stored raw. The tag values are on-disk format constants.
const (
	lz4TagRaw   = 0
	lz4TagBlock = 1
)

// LZ4 compresses each block with the LZ4 block codec. Blocks that do
// not shrink are stored uncompressed behind a raw tag.
type LZ4 struct{}

// NewLZ4 returns an LZ4 block-compression transformer.
func NewLZ4() LZ4 { return LZ4{} }

// Transform compresses src. The output is [tag(1)][body].
func (LZ4) Transform(src []byte) ([]byte, error) {
	out := make([]byte, 1+lz4.CompressBlockBound(len(src)))
	out[0] = lz4TagBlock
	n, err := lz4.CompressBlock(src, out[1:], nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 when the data is incompressible. Fall
	// back to a raw copy rather than storing an expanded block.
	if n == 0 || n >= len(src) {
		raw := make([]byte, 1+len(src))
		raw[0] = lz4TagRaw
		copy(raw[1:], src)
		return raw, nil
	}
	return out[:1+n], nil
}

// Untransform decompresses src into dst. The LZ4 codec cannot decode in
// place, so an aliased input is copied aside first.
func (LZ4) Untransform(src, dst []byte) (int, error) {
	if len(src) < 1 {
		return 0, fmt.Errorf("lz4 block is empty: %w", ErrCorrupted)
	}
	switch src[0] {
	case lz4TagRaw:
		body := src[1:]
		if len(dst) < len(body) {
			return 0, fmt.Errorf("output buffer holds %d bytes, need %d: %w",
				len(dst), len(body), ErrCorrupted)
		}
		copy(dst, body)
		return len(body), nil
	case lz4TagBlock:
		body := cloneIfAliased(src, dst)[1:]
		n, err := lz4.UncompressBlock(body, dst)
		if err != nil {
			return 0, fmt.Errorf("lz4 decompress: %v: %w", err, ErrCorrupted)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unknown lz4 block tag %d: %w", src[0], ErrCorrupted)
	}
}

// MayChangeSize returns true.
func (LZ4) MayChangeSize() bool { return true }

// Snappy compresses each block with the snappy block codec. Snappy
// frames are self-describing, so no tag byte is needed; incompressible
// blocks grow by a small bounded overhead.
type Snappy struct{}

// NewSnappy returns a snappy block-compression transformer.
func NewSnappy() Snappy { return Snappy{} }

// Transform compresses src.
func (Snappy) Transform(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

// Untransform decompresses src into dst, copying src aside when the two
// slices alias.
func (Snappy) Untransform(src, dst []byte) (int, error) {
	src = cloneIfAliased(src, dst)
	n, err := snappy.DecodedLen(src)
	if err != nil {
		return 0, fmt.Errorf("snappy decompress: %v: %w", err, ErrCorrupted)
	}
	if n > len(dst) {
		return 0, fmt.Errorf("snappy block decodes to %d bytes, buffer holds %d: %w",
			n, len(dst), ErrCorrupted)
	}
	out, err := snappy.Decode(dst, src)
	if err != nil {
		return 0, fmt.Errorf("snappy decompress: %v: %w", err, ErrCorrupted)
	}
	if !aliased(out, dst) {
		copy(dst, out)
	}
	return len(out), nil
}

// MayChangeSize returns true.
func (Snappy) MayChangeSize() bool { return true }

// Zstd compresses each block with zstd at the default level. The
// encoder and decoder are created once and reused; both are safe for
// concurrent use.
type Zstd struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd returns a zstd block-compression transformer.
func NewZstd() (*Zstd, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Zstd{enc: enc, dec: dec}, nil
}

// Transform compresses src.
func (z *Zstd) Transform(src []byte) ([]byte, error) {
	return z.enc.EncodeAll(src, nil), nil
}

// Untransform decompresses src into dst, copying src aside when the two
// slices alias.
func (z *Zstd) Untransform(src, dst []byte) (int, error) {
	src = cloneIfAliased(src, dst)
	out, err := z.dec.DecodeAll(src, dst[:0:len(dst)])
	if err != nil {
		return 0, fmt.Errorf("zstd decompress: %v: %w", err, ErrCorrupted)
	}
	if len(out) > len(dst) {
		return 0, fmt.Errorf("zstd block decodes to %d bytes, buffer holds %d: %w",
			len(out), len(dst), ErrCorrupted)
	}
	if !aliased(out, dst) {
		copy(dst, out)
	}
	return len(out), nil
}

// MayChangeSize returns true.
func (*Zstd) MayChangeSize() bool { return true }
