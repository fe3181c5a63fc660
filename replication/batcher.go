package replication

import (
	"sync"
	"time"
)

// Batcher coalesces items pushed one at a time into ordered batches, and
// hands each batch to a processor once either capacity items have
// accumulated or the batcher's delay has elapsed since the first item of
// the batch arrived. Both the inbox batcher (C2) and the download batcher
// (C3) are instances of this type; only their processor and delay differ.
//
// Push and FlushAll must be called only from the replicator's single
// worker goroutine, matching this package's single-logical-worker
// concurrency model; the internal mutex exists only to let the delay
// timer's flush, which runs on its own goroutine, race safely with that
// worker's Push, not to support general concurrent use.
type Batcher[T any] struct {
	capacity  int
	processor func([]T)

	mu      sync.Mutex
	pending []T
	timer   *time.Timer
	delay   time.Duration
}

// NewBatcher returns a Batcher that flushes at capacity items or after
// delay has elapsed since the first item of the current batch was
// pushed, whichever comes first. A delay of zero flushes on the next
// scheduler turn rather than synchronously, matching the download
// batcher's "flush as soon as serviced" semantics.
func NewBatcher[T any](capacity int, delay time.Duration, processor func([]T)) *Batcher[T] {
	return &Batcher[T]{
		capacity:  capacity,
		processor: processor,
		delay:     delay,
	}
}

// Push appends item to the current batch, flushing immediately if this
// reaches capacity, and otherwise arming the delay timer if it is not
// already armed.
func (b *Batcher[T]) Push(item T) {
	b.mu.Lock()
	b.pending = append(b.pending, item)
	var atCapacity = len(b.pending) >= b.capacity
	if !atCapacity && b.timer == nil {
		b.armLocked()
	}
	b.mu.Unlock()

	if atCapacity {
		b.flushTimerFired()
	}
}

func (b *Batcher[T]) armLocked() {
	if b.delay <= 0 {
		b.timer = time.AfterFunc(0, b.flushTimerFired)
		return
	}
	b.timer = time.AfterFunc(b.delay, b.flushTimerFired)
}

func (b *Batcher[T]) flushTimerFired() {
	var batch = b.takeLocked()
	if len(batch) > 0 {
		b.processor(batch)
	}
}

func (b *Batcher[T]) takeLocked() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	var batch = b.pending
	b.pending = nil
	return batch
}

// FlushAll drains and processes any pending items synchronously,
// regardless of capacity or delay. Used to drain the batchers on stop.
func (b *Batcher[T]) FlushAll() {
	var batch = b.takeLocked()
	if len(batch) > 0 {
		b.processor(batch)
	}
}

// Pending reports the number of items currently buffered, unprocessed.
func (b *Batcher[T]) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
