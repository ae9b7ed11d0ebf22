// Package xsync implements some extra synchronization tools.
package xsync

import (
	"sync"
	"time"
)

// Latch implements a "latch" synchronization mechanism.
//
// A Latch is a signal that can be waited for until it is triggered.
// Once triggered it never changes state, it's forever triggered.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger latch.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()

	if l.Test() {
		// Already triggered.
		return
	}
	close(l.wait)
}

// Wait waits for the latch to be triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// WaitWithTimeout waits for the latch to be triggered for at most the given
// duration. It returns true if the latch triggered, false on timeout.
// A timeout <= 0 means wait without limit.
func (l *Latch) WaitWithTimeout(timeout time.Duration) bool {
	if timeout <= 0 {
		l.Wait()
		return true
	}
	if l.Test() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-l.wait:
		return true
	case <-timer.C:
		return false
	}
}

// Test checks whether the latch has been triggered.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan returns the channel that one can use on a `select` to check when
// the latch triggers.
// The returned channel is closed when the latch is triggered.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}

// Semaphore limits the number of simultaneous acquisitions.
//
// A capacity <= 0 means no limit.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore returns a Semaphore that allows at most capacity simultaneous
// acquisitions. If capacity <= 0, Acquire never blocks.
func NewSemaphore(capacity int) *Semaphore {
	s := &Semaphore{}
	if capacity > 0 {
		s.slots = make(chan struct{}, capacity)
	}
	return s
}

// Acquire a resource slot. It must be matched by exactly one call to
// Semaphore.Release after the slot is no longer needed.
func (s *Semaphore) Acquire() {
	if s.slots == nil {
		return
	}
	s.slots <- struct{}{}
}

// Release a slot previously taken with Semaphore.Acquire.
func (s *Semaphore) Release() {
	if s.slots == nil {
		return
	}
	<-s.slots
}

// SyncMap is a trivial wrapper to sync.Map that casts the key and value types accordingly.
//
// As sync.Map, it can be created ready to go, but should not be copied once it is used.
type SyncMap[K comparable, V any] struct {
	Map sync.Map
}

// Load returns the value stored in the map for a key, or the zero value if no
// value is present. The ok result indicates whether value was found in the map.
func (m *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	v, ok := m.Map.Load(key)
	if !ok {
		return value, false
	}
	return v.(V), true
}

// Store sets the value for a key.
func (m *SyncMap[K, V]) Store(key K, value V) {
	m.Map.Store(key, value)
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise, it stores and returns the given value.
// The loaded result is true if the value was loaded, false if stored.
func (m *SyncMap[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	v, loaded := m.Map.LoadOrStore(key, value)
	return v.(V), loaded
}

// Delete deletes the value for a key.
func (m *SyncMap[K, V]) Delete(key K) {
	m.Map.Delete(key)
}

// Range calls f sequentially for each key and value present in the map.
// If f returns false, range stops the iteration.
func (m *SyncMap[K, V]) Range(f func(key K, value V) bool) {
	m.Map.Range(func(key, value any) bool {
		return f(key.(K), value.(V))
	})
}
