// Package batch accumulates management operations per device and flushes
// them as one bulk frame when a size or age threshold is reached.
//
// The flush discipline mirrors the telemetry history writer: operations
// are appended under a mutex and a flush swaps the slice out atomically,
// so no operation can appear in two batches or be lost between them.
package batch

import (
	"sync"
	"time"

	"github.com/gridlink-systems/gridlink-core/internal/codec"
)

// Default thresholds, used when the corresponding option is zero.
const (
	defaultSize     = 10
	defaultInterval = 30 * time.Second
)

// Batch is one flushed set of operations, in insertion order.
type Batch struct {
	// Seq is the monotonic batch sequence number for this batcher.
	Seq uint64

	// Operations are the batched entries in the order they were enqueued.
	Operations []codec.Operation
}

// Batcher accumulates operations for a single device session.
//
// Thread Safety: all methods are safe for concurrent use, though a
// session normally drives its batcher from one goroutine.
type Batcher struct {
	mu      sync.Mutex
	pending []codec.Operation
	oldest  time.Time // enqueue time of pending[0]; zero when empty
	seq     uint64

	size     int
	interval time.Duration
}

// New creates a Batcher with the given thresholds.
// A size below 1 or a non-positive interval falls back to the defaults.
func New(size int, interval time.Duration) *Batcher {
	if size < 1 {
		size = defaultSize
	}
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Batcher{
		pending:  make([]codec.Operation, 0, size),
		size:     size,
		interval: interval,
	}
}

// Enqueue appends an operation. It never blocks.
//
// If the queue is already at capacity the full batch is flushed first and
// returned, preserving order: everything enqueued before op ships in the
// returned batch, and op starts the next one. The caller must emit a
// non-nil forced batch immediately.
func (b *Batcher) Enqueue(op codec.Operation) *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	var forced *Batch
	if len(b.pending) >= b.size {
		forced = b.flushLocked()
	}

	if len(b.pending) == 0 {
		b.oldest = time.Now()
	}
	b.pending = append(b.pending, op)

	return forced
}

// PollFlush returns a batch when the size or age threshold is met, nil
// otherwise. The size threshold takes precedence; returning nil has no
// side effects.
func (b *Batcher) PollFlush(now time.Time) *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	if len(b.pending) >= b.size {
		return b.flushLocked()
	}
	if now.Sub(b.oldest) >= b.interval {
		return b.flushLocked()
	}
	return nil
}

// Flush empties the queue unconditionally, returning nil when empty.
// Used on session drain so no pending operation is lost at shutdown.
func (b *Batcher) Flush() *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	return b.flushLocked()
}

// Pending returns the number of queued operations.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// flushLocked swaps the pending slice out and assigns the batch sequence.
// Caller must hold b.mu.
func (b *Batcher) flushLocked() *Batch {
	ops := b.pending
	b.pending = make([]codec.Operation, 0, b.size)
	b.oldest = time.Time{}
	b.seq++

	return &Batch{Seq: b.seq, Operations: ops}
}
