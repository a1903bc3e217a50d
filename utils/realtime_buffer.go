package utils

import "sync"

// RealtimeBuffer is a single-slot exchange cell between a producer and a
// consumer running at different rates. Writes replace the stored value and
// never block; reads return the most recently written value. Intermediate
// writes are lost, which bounds how stale a consumer can get without any
// queueing.
type RealtimeBuffer[T any] struct {
	mu      sync.Mutex
	value   T
	present bool
	fresh   bool
}

// NewRealtimeBuffer returns an empty buffer.
func NewRealtimeBuffer[T any]() *RealtimeBuffer[T] {
	return &RealtimeBuffer[T]{}
}

// Write stores v, replacing any previous value, and marks the buffer fresh.
func (b *RealtimeBuffer[T]) Write(v T) {
	b.mu.Lock()
	b.value = v
	b.present = true
	b.fresh = true
	b.mu.Unlock()
}

// Read returns the latest value and whether one is present, clearing the
// fresh flag. The value stays readable until it is superseded or Reset.
func (b *RealtimeBuffer[T]) Read() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fresh = false
	return b.value, b.present
}

// HasNewData reports whether a Write happened since the last Read.
func (b *RealtimeBuffer[T]) HasNewData() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fresh
}

// Reset drops the stored value; the next Read reports no value.
func (b *RealtimeBuffer[T]) Reset() {
	b.mu.Lock()
	var zero T
	b.value = zero
	b.present = false
	b.fresh = false
	b.mu.Unlock()
}
