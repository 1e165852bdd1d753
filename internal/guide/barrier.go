// Package guide drives a full guide refresh: one program fetch per
// channel, bounded in flight, with a single completion signal once every
// channel has finished or failed.
package guide

import (
	"context"
	"sync"
	"sync/atomic"
)

// Barrier counts down from a fixed number of units and releases once
// when the count reaches zero. Done may be called from any goroutine;
// calls beyond the initial count are ignored.
type Barrier struct {
	remaining atomic.Int64
	released  chan struct{}
	once      sync.Once
}

// NewBarrier returns a barrier waiting for n units. A barrier for zero
// units is released immediately.
func NewBarrier(n int) *Barrier {
	b := &Barrier{released: make(chan struct{})}
	b.remaining.Store(int64(n))

	if n <= 0 {
		b.release()
	}

	return b
}

// Done records one finished unit.
func (b *Barrier) Done() {
	b.DoneN(1)
}

// DoneN records n finished units at once.
func (b *Barrier) DoneN(n int) {
	if n <= 0 {
		return
	}

	for {
		cur := b.remaining.Load()
		if cur <= 0 {
			return
		}

		next := max(cur-int64(n), 0)
		if b.remaining.CompareAndSwap(cur, next) {
			if next == 0 {
				b.release()
			}

			return
		}
	}
}

func (b *Barrier) release() {
	b.once.Do(func() { close(b.released) })
}

// Remaining returns how many units have not finished.
func (b *Barrier) Remaining() int {
	return int(b.remaining.Load())
}

// Released is closed when every unit has finished.
func (b *Barrier) Released() <-chan struct{} {
	return b.released
}

// Wait blocks until the barrier is released or ctx ends.
func (b *Barrier) Wait(ctx context.Context) error {
	select {
	case <-b.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
