package parallel

import (
	"math/bits"
	"sync/atomic"
)

// DirtySet tracks which tile slots have a stale host copy, as an atomic
// bitmap with one bit per slot packed into uint64 words.
//
// All methods are safe for concurrent use without external synchronization.
type DirtySet struct {
	words []atomic.Uint64
	n     int
}

// NewDirtySet creates a set over n slots, all clean.
// A set over zero slots is valid and always empty.
func NewDirtySet(n int) *DirtySet {
	n = max(n, 0)
	return &DirtySet{
		words: make([]atomic.Uint64, (n+63)/64),
		n:     n,
	}
}

// Mark marks slot i dirty. Out-of-range slots are ignored.
func (d *DirtySet) Mark(i int) {
	if i < 0 || i >= d.n {
		return
	}
	d.words[i/64].Or(1 << (i & 63))
}

// GetAndClear atomically takes every dirty slot, clears it, and returns the
// slots in ascending order.
func (d *DirtySet) GetAndClear() []int {
	var dirty []int
	for w := range d.words {
		word := d.words[w].Swap(0)
		for word != 0 {
			b := bits.TrailingZeros64(word)
			dirty = append(dirty, w*64+b)
			word &^= 1 << b
		}
	}
	return dirty
}
