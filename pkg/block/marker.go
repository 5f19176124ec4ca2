package block

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// Marker tracks, per fixed-size block index, whether that block currently
// holds valid data. It backs the allocation bitmap of the read-through
// cache in pkg/nbdcache.
type Marker struct {
	mu   sync.RWMutex
	bits *bitset.BitSet
}

// NewMarker creates a Marker able to track size blocks without
// reallocating; it still grows safely if Mark is called past that bound.
func NewMarker(size uint) *Marker {
	return &Marker{bits: bitset.New(size)}
}

// Mark records block as holding valid data.
func (m *Marker) Mark(block int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bits.Set(uint(block))
}

// Clear records block as no longer holding valid data.
func (m *Marker) Clear(block int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.bits.Clear(uint(block))
}

// IsMarked reports whether block currently holds valid data.
func (m *Marker) IsMarked(block int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.bits.Test(uint(block))
}
