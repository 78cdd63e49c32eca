// Package transform provides bidirectional per-block codecs for cask
// containers. A Transformer encodes a logical block into its on-disk
// representation and decodes it back; transformers can be stacked with
// Chain.
package transform

import (
	"errors"
	"fmt"
)

const (
	// MaxTransformedSize is the largest on-disk representation a
	// transformer may produce for a single block.
	MaxTransformedSize = 32767
)

var (
	// ErrCorrupted indicates a block failed verification during
	// Untransform: checksum mismatch, authentication failure, or a
	// codec that could not decode its input.
	ErrCorrupted = errors.New("transform: block corrupted")
)

// Transformer is a bidirectional codec applied to each logical block of
// a container.
type Transformer interface {
	// Transform encodes a logical block into its on-disk
	// representation. The result must not exceed MaxTransformedSize
	// bytes.
	Transform(src []byte) ([]byte, error)

	// Untransform decodes src into dst and returns the number of
	// valid bytes written. dst and src may begin at the same address;
	// implementations that cannot decode in place must detect the
	// overlap and copy src aside first.
	Untransform(src, dst []byte) (int, error)

	// MayChangeSize reports whether Transform may produce output
	// whose length differs from its input. Size-changing transformers
	// forbid random overwrite of already-written data.
	MayChangeSize() bool
}

// Identity passes blocks through unchanged.
type Identity struct{}

// NewIdentity returns the identity transformer.
func NewIdentity() Identity { return Identity{} }

// Transform returns a copy of src.
func (Identity) Transform(src []byte) ([]byte, error) {
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

// Untransform copies src into dst. The copy is elided when the two
// slices already share a starting address.
func (Identity) Untransform(src, dst []byte) (int, error) {
	if len(dst) < len(src) {
		return 0, fmt.Errorf("output buffer holds %d bytes, need %d: %w", len(dst), len(src), ErrCorrupted)
	}
	if !aliased(src, dst) {
		copy(dst, src)
	}
	return len(src), nil
}

// MayChangeSize returns false: identity output always matches its input
// length, so in-place random overwrite is permitted.
func (Identity) MayChangeSize() bool { return false }

// Chain applies transformers in order on Transform and in reverse order
// on Untransform, threading the valid length through each stage.
type Chain struct {
	stages []Transformer
}

// NewChain builds a pipeline from the given stages. Transform runs them
// first to last; Untransform runs them last to first.
func NewChain(stages ...Transformer) *Chain {
	return &Chain{stages: stages}
}

// Transform runs the block through every stage in order.
func (c *Chain) Transform(src []byte) ([]byte, error) {
	cur := src
	for i, stage := range c.stages {
		out, err := stage.Transform(cur)
		if err != nil {
			return nil, fmt.Errorf("chain stage %d: %w", i, err)
		}
		cur = out
	}
	if len(cur) > MaxTransformedSize {
		return nil, fmt.Errorf("chain output is %d bytes, limit %d", len(cur), MaxTransformedSize)
	}
	return cur, nil
}

// Untransform runs the block through every stage in reverse order. Each
// stage decodes into dst; intermediate stages therefore see input and
// output slices that begin at the same address, which the Transformer
// contract requires them to tolerate.
func (c *Chain) Untransform(src, dst []byte) (int, error) {
	cur := src
	for i := len(c.stages) - 1; i >= 0; i-- {
		n, err := c.stages[i].Untransform(cur, dst)
		if err != nil {
			return 0, fmt.Errorf("chain stage %d: %w", i, err)
		}
		cur = dst[:n]
	}
	return len(cur), nil
}

// MayChangeSize returns true when any stage may change size.
func (c *Chain) MayChangeSize() bool {
	for _, stage := range c.stages {
		if stage.MayChangeSize() {
			return true
		}
	}
	return false
}

// aliased reports whether two slices begin at the same address.
func aliased(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}

// cloneIfAliased returns src, or a copy of src when it begins at the
// same address as dst. Codecs that cannot decode in place use this to
// keep their input stable while writing the output.
func cloneIfAliased(src, dst []byte) []byte {
	if !aliased(src, dst) {
		return src
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out
}
