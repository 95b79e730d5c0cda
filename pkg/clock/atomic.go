package clock

import (
	"sync/atomic"
	"time"

	"lsmkv/pkg/types"
)

// AtomicClock hands out strictly increasing microsecond readings. When the
// wall clock stalls or steps back, readings continue from the last value.
type AtomicClock struct {
	atomic.Uint64

	now func() time.Time
}

func NewAtomic(init uint64) *AtomicClock {
	ac := &AtomicClock{now: time.Now}
	ac.Set(init)
	return ac
}

// NewAtomicWithSource is NewAtomic with an injectable time source.
func NewAtomicWithSource(init uint64, now func() time.Time) *AtomicClock {
	ac := &AtomicClock{now: now}
	ac.Set(init)
	return ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

// Next returns max(now, last+1) in microseconds.
func (ac *AtomicClock) Next() uint64 {
	for {
		last := ac.Load()
		next := uint64(ac.now().UnixMicro())
		if next <= last {
			next = last + 1
		}
		if ac.CompareAndSwap(last, next) {
			return next
		}
	}
}

// NextTimestamp is Next as an entry timestamp.
func (ac *AtomicClock) NextTimestamp() types.Timestamp {
	return types.TimestampFromMicros(ac.Next())
}

// Observe moves the clock forward to at least t.
func (ac *AtomicClock) Observe(t uint64) {
	for {
		last := ac.Load()
		if t <= last || ac.CompareAndSwap(last, t) {
			return
		}
	}
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

var wall = NewAtomic(0)

// Now returns the next reading of the process-wide clock.
func Now() uint64 {
	return wall.Next()
}

// Observe moves the process-wide clock forward to at least t.
func Observe(t uint64) {
	wall.Observe(t)
}
