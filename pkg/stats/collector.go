package stats

import (
	"sync"
	"sync/atomic"
)

// AtomicCollector provides centralized statistics collection using
// atomic counters. Write locks are taken only when a counter is first
// created; the hot path is a read lock on the counter map plus an
// atomic add, and byte and cache counters are a single atomic add.
type AtomicCollector struct {
	counts   map[OperationType]*atomic.Uint64
	countsMu sync.RWMutex

	totalBytesRead    atomic.Uint64
	totalBytesWritten atomic.Uint64

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64

	errors   map[string]*atomic.Uint64
	errorsMu sync.RWMutex
}

// NewAtomicCollector creates a new atomic statistics collector.
func NewAtomicCollector() *AtomicCollector {
	return &AtomicCollector{
		counts: make(map[OperationType]*atomic.Uint64),
		errors: make(map[string]*atomic.Uint64),
	}
}

// TrackOperation increments the counter for the specified operation
// type.
func (c *AtomicCollector) TrackOperation(op OperationType) {
	c.getOrCreateCounter(op).Add(1)
}

// TrackBytes adds the specified number of bytes to the read or write
// counter.
func (c *AtomicCollector) TrackBytes(isWrite bool, bytes uint64) {
	if isWrite {
		c.totalBytesWritten.Add(bytes)
	} else {
		c.totalBytesRead.Add(bytes)
	}
}

// TrackCache records a block-cache lookup outcome.
func (c *AtomicCollector) TrackCache(hit bool) {
	if hit {
		c.cacheHits.Add(1)
	} else {
		c.cacheMisses.Add(1)
	}
}

// TrackError increments the counter for the specified error type.
func (c *AtomicCollector) TrackError(errorType string) {
	c.errorsMu.RLock()
	counter, exists := c.errors[errorType]
	c.errorsMu.RUnlock()

	if !exists {
		c.errorsMu.Lock()
		if counter, exists = c.errors[errorType]; !exists {
			counter = &atomic.Uint64{}
			c.errors[errorType] = counter
		}
		c.errorsMu.Unlock()
	}

	counter.Add(1)
}

// GetStats returns all statistics as a map.
func (c *AtomicCollector) GetStats() map[string]interface{} {
	stats := make(map[string]interface{})

	c.countsMu.RLock()
	for op, counter := range c.counts {
		stats[string(op)+"_ops"] = counter.Load()
	}
	c.countsMu.RUnlock()

	stats["total_bytes_read"] = c.totalBytesRead.Load()
	stats["total_bytes_written"] = c.totalBytesWritten.Load()
	stats["cache_hits"] = c.cacheHits.Load()
	stats["cache_misses"] = c.cacheMisses.Load()

	c.errorsMu.RLock()
	errorStats := make(map[string]uint64)
	for errType, counter := range c.errors {
		errorStats[errType] = counter.Load()
	}
	c.errorsMu.RUnlock()
	stats["errors"] = errorStats

	return stats
}

// getOrCreateCounter gets or creates an atomic counter for the
// operation.
func (c *AtomicCollector) getOrCreateCounter(op OperationType) *atomic.Uint64 {
	c.countsMu.RLock()
	counter, exists := c.counts[op]
	c.countsMu.RUnlock()

	if !exists {
		c.countsMu.Lock()
		if counter, exists = c.counts[op]; !exists {
			counter = &atomic.Uint64{}
			c.counts[op] = counter
		}
		c.countsMu.Unlock()
	}

	return counter
}
