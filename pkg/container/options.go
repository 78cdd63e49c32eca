package container

import (
	"github.com/CaskDB/cask/pkg/cache"
	"github.com/CaskDB/cask/pkg/common/log"
	"github.com/CaskDB/cask/pkg/stats"
	"github.com/CaskDB/cask/pkg/transform"
)

const (
	// MinBlockSize is the smallest permitted logical block size.
	MinBlockSize = 512
	// MaxBlockSize is the largest permitted logical block size. It
	// leaves the difference to transform.MaxTransformedSize as
	// headroom for expanding transformers.
	MaxBlockSize = 28671
	// DefaultBlockSize is used when no block size option is given.
	// The block size is not recorded on disk; readers must be
	// configured with the size the container was written with.
	DefaultBlockSize = 16384
)

// config carries the settings shared by every container mode.
type config struct {
	blockSize    int
	transformer  transform.Transformer
	cache        cache.BlockCache
	leaveOpen    bool
	durableClose bool
	logger       log.Logger
	stats        stats.Collector
}

// Option configures a container constructor.
type Option func(*config)

// WithBlockSize sets the logical block size. Valid values are
// [MinBlockSize, MaxBlockSize]; the constructor rejects anything else.
func WithBlockSize(size int) Option {
	return func(c *config) { c.blockSize = size }
}

// WithTransformer sets the block transformer pipeline. The default is
// the identity transformer.
func WithTransformer(t transform.Transformer) Option {
	return func(c *config) { c.transformer = t }
}

// WithCache attaches a read-through block cache. The container owns the
// cache and closes it on Close.
func WithCache(bc cache.BlockCache) Option {
	return func(c *config) { c.cache = bc }
}

// WithLeaveOpen keeps the substrate open when the container is closed.
// Without it, a substrate that implements io.Closer is closed along
// with the container.
func WithLeaveOpen() Option {
	return func(c *config) { c.leaveOpen = true }
}

// WithDurableClose requests a durable substrate flush when the
// container is closed, on substrates that support it.
func WithDurableClose() Option {
	return func(c *config) { c.durableClose = true }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l log.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithStats sets the statistics collector. The default discards
// everything.
func WithStats(s stats.Collector) Option {
	return func(c *config) { c.stats = s }
}

// newConfig applies options over the defaults.
func newConfig(opts []Option) config {
	c := config{
		blockSize:   DefaultBlockSize,
		transformer: transform.NewIdentity(),
		logger:      log.Nop{},
		stats:       stats.Discard{},
	}
	for _, opt := range opts {
		opt(&c)
	}
	return c
}
