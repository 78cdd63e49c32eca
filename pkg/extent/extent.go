// Package extent maintains the mapping from logical block indices to
// on-disk extents and serializes it as the container footer.
package extent

// Extent locates one transformed block within the substrate: the byte
// offset where it begins and its transformed length.
type Extent struct {
	Offset int64
	Length int16
}

// IsTombstone reports whether the extent is a tombstone: a footer
// record with a negative field marking a half-committed append that
// must be discarded on recovery.
func (e Extent) IsTombstone() bool {
	return e.Offset < 0 || e.Length < 0
}

// Map is the in-memory extent index. Block indices are dense 0..N-1, so
// a slice suffices; ordering by index equals insertion order equals
// on-disk layout order.
type Map struct {
	extents []Extent
}

// NewMap returns an empty extent map.
func NewMap() *Map {
	return &Map{}
}

// Get returns the extent for the given block index.
func (m *Map) Get(index int64) (Extent, bool) {
	if index < 0 || index >= int64(len(m.extents)) {
		return Extent{}, false
	}
	return m.extents[index], true
}

// Put stores an extent at the given block index. The index must be at
// most Count: block indices stay dense.
func (m *Map) Put(index int64, e Extent) {
	switch {
	case index == int64(len(m.extents)):
		m.extents = append(m.extents, e)
	case index >= 0 && index < int64(len(m.extents)):
		m.extents[index] = e
	default:
		panic("extent: put would leave a gap in block indices")
	}
}

// Truncate drops every extent with index >= n.
func (m *Map) Truncate(n int64) {
	if n < 0 {
		n = 0
	}
	if n < int64(len(m.extents)) {
		m.extents = m.extents[:n]
	}
}

// Clear removes all extents.
func (m *Map) Clear() {
	m.extents = m.extents[:0]
}

// Count returns the number of blocks in the map.
func (m *Map) Count() int64 {
	return int64(len(m.extents))
}

// DataLength returns the total number of transformed bytes covered by
// the map: the distance from the container start to where the footer
// body begins. Tombstone lengths count, since their slot is reserved in
// the data region.
func (m *Map) DataLength() int64 {
	var total int64
	for _, e := range m.extents {
		if e.Length > 0 {
			total += int64(e.Length)
		}
	}
	return total
}

// Each calls fn for every extent in ascending block-index order,
// stopping early when fn returns false.
func (m *Map) Each(fn func(index int64, e Extent) bool) {
	for i, e := range m.extents {
		if !fn(int64(i), e) {
			return
		}
	}
}
