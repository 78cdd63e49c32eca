package container

import "errors"

var (
	// ErrOutOfRange indicates an invalid argument: a block size
	// outside [MinBlockSize, MaxBlockSize], a negative seek target, or
	// a negative SetLength.
	ErrOutOfRange = errors.New("argument out of range")

	// ErrUnsupported indicates an operation the stream mode does not
	// offer, such as writing to a read-only stream.
	ErrUnsupported = errors.New("operation not supported")

	// ErrIllegalWrite indicates a random overwrite of already-written
	// data under a size-changing transformer, or an overwrite that
	// would overflow a non-last extent slot.
	ErrIllegalWrite = errors.New("illegal write")

	// ErrCorruption indicates the container's on-disk structure is
	// damaged: an undecodable footer, a block that did not decode to
	// the block size, or a truncated payload. Transformer-level
	// verification failures carry transform.ErrCorrupted instead.
	ErrCorruption = errors.New("container corruption detected")

	// ErrTruncatedRead indicates the substrate ran out of bytes before
	// the requested count.
	ErrTruncatedRead = errors.New("truncated read")

	// ErrClosed indicates the container has been closed.
	ErrClosed = errors.New("container is closed")
)
