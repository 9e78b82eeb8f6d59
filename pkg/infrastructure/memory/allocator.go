// Package memory tracks Arrow buffer usage of plan cache exports and imports.
package memory

import (
	"sync/atomic"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

var shared = NewTrackedAllocator(memory.NewGoAllocator())

// TrackedAllocator counts the bytes held by live Arrow buffers and the
// high-water mark since creation.
type TrackedAllocator struct {
	underlying memory.Allocator
	inUse      atomic.Int64
	peak       atomic.Int64
}

// NewTrackedAllocator wraps underlying.
func NewTrackedAllocator(underlying memory.Allocator) *TrackedAllocator {
	return &TrackedAllocator{underlying: underlying}
}

func (a *TrackedAllocator) Allocate(size int) []byte {
	a.grow(int64(size))
	return a.underlying.Allocate(size)
}

func (a *TrackedAllocator) Reallocate(size int, b []byte) []byte {
	a.grow(int64(size - len(b)))
	return a.underlying.Reallocate(size, b)
}

func (a *TrackedAllocator) Free(b []byte) {
	a.inUse.Add(-int64(len(b)))
	a.underlying.Free(b)
}

// BytesInUse returns the bytes currently allocated.
func (a *TrackedAllocator) BytesInUse() int64 {
	return a.inUse.Load()
}

// PeakBytes returns the largest BytesInUse observed.
func (a *TrackedAllocator) PeakBytes() int64 {
	return a.peak.Load()
}

func (a *TrackedAllocator) grow(delta int64) {
	n := a.inUse.Add(delta)
	for {
		p := a.peak.Load()
		if n <= p || a.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// Shared returns the process-wide allocator used for plan cache streams.
func Shared() *TrackedAllocator {
	return shared
}
