// Package tracker buffers step records in memory and persists them to
// the task store in batches, so the agent loop never blocks on storage.
// Steps that cannot be written are spilled to disk and replayed once
// the store recovers.
package tracker

import (
	"sync"

	v1 "github.com/droidpilot/droidpilot/pkg/api/v1"
)

// Step is one buffered unit of work: the record to persist plus the raw
// screenshot bytes that still need uploading.
type Step struct {
	Record     v1.StepRecord
	Screenshot []byte
}

// stepBuffer is a bounded FIFO of pending steps. When full, the oldest
// unflushed step is dropped so the newest append always lands.
type stepBuffer struct {
	mu       sync.RWMutex
	items    []Step
	capacity int
}

// newStepBuffer creates a buffer holding at most capacity steps
func newStepBuffer(capacity int) *stepBuffer {
	return &stepBuffer{
		items:    make([]Step, 0, capacity),
		capacity: capacity,
	}
}

// Append adds a step to the buffer and returns how many steps were
// dropped to make room
func (b *stepBuffer) Append(step Step) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	dropped := 0
	for len(b.items) >= b.capacity {
		b.items = b.items[1:]
		dropped++
	}
	b.items = append(b.items, step)
	return dropped
}

// Drain removes and returns all buffered steps in append order
func (b *stepBuffer) Drain() []Step {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return nil
	}
	drained := b.items
	b.items = make([]Step, 0, b.capacity)
	return drained
}

// Len returns the number of buffered steps
func (b *stepBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.items)
}
