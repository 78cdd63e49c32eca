// Package stats collects operation statistics for cask containers with
// minimal contention.
package stats

// OperationType defines the type of container operation being tracked.
type OperationType string

// Common operation types.
const (
	OpRead        OperationType = "read"
	OpWrite       OperationType = "write"
	OpSeek        OperationType = "seek"
	OpFill        OperationType = "fill"
	OpFlush       OperationType = "flush"
	OpAppend      OperationType = "append"
	OpSetLength   OperationType = "set_length"
	OpFooterWrite OperationType = "footer_write"
)

// Provider defines the interface for components that expose statistics.
type Provider interface {
	// GetStats returns all statistics.
	GetStats() map[string]interface{}
}

// Collector defines the methods containers use to record statistics.
type Collector interface {
	Provider

	// TrackOperation records a single operation.
	TrackOperation(op OperationType)

	// TrackBytes adds bytes to the read or write counter.
	TrackBytes(isWrite bool, bytes uint64)

	// TrackCache records a block-cache lookup outcome.
	TrackCache(hit bool)

	// TrackError increments the counter for the specified error type.
	TrackError(errorType string)
}

// Ensure the implementations satisfy the interface.
var (
	_ Collector = (*AtomicCollector)(nil)
	_ Collector = Discard{}
)

// Discard is a Collector that records nothing. It is the default when a
// container is built without stats.
type Discard struct{}

// GetStats returns an empty map.
func (Discard) GetStats() map[string]interface{} { return map[string]interface{}{} }

// TrackOperation discards the sample.
func (Discard) TrackOperation(OperationType) {}

// TrackBytes discards the sample.
func (Discard) TrackBytes(bool, uint64) {}

// TrackCache discards the sample.
func (Discard) TrackCache(bool) {}

// TrackError discards the sample.
func (Discard) TrackError(string) {}
