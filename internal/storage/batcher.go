package storage

import (
	"sync"
	"time"
)

// Batcher accumulates rows and hands them to a single drain goroutine.
// Batches are written one at a time in the order they were cut, and
// Add blocks once the drain queue is full.
type Batcher[T any] struct {
	mu      sync.Mutex
	buf     []T
	limit   int
	maxWait time.Duration
	timer   *time.Timer
	closed  bool

	queue chan []T
	done  chan struct{}
}

// NewBatcher starts a batcher that cuts a batch after limit rows, or
// maxWait after the first buffered row, whichever comes first. Each
// batch is passed to write on the drain goroutine.
func NewBatcher[T any](limit int, maxWait time.Duration, write func([]T)) *Batcher[T] {
	b := &Batcher[T]{
		limit:   limit,
		maxWait: maxWait,
		queue:   make(chan []T, 8),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(b.done)
		for batch := range b.queue {
			write(batch)
		}
	}()
	return b
}

// Add buffers one row. Rows added after Stop are dropped.
func (b *Batcher[T]) Add(row T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.buf = append(b.buf, row)

	if len(b.buf) >= b.limit {
		b.cutLocked()
		return
	}
	if len(b.buf) == 1 {
		b.timer = time.AfterFunc(b.maxWait, b.onTimer)
	}
}

// Flush cuts whatever is buffered without waiting for a threshold.
func (b *Batcher[T]) Flush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed && len(b.buf) > 0 {
		b.cutLocked()
	}
}

// Stop cuts the remaining rows and returns once the drain goroutine
// has written every queued batch. Safe to call more than once.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	if len(b.buf) > 0 {
		b.cutLocked()
	}
	b.mu.Unlock()

	close(b.queue)
	<-b.done
}

func (b *Batcher[T]) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed && len(b.buf) > 0 {
		b.cutLocked()
	}
}

// cutLocked hands the buffer to the drain goroutine. Called with mu
// held; the send blocks until the drain catches up.
func (b *Batcher[T]) cutLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.queue <- b.buf
	b.buf = nil
}
