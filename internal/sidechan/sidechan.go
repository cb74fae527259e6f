// Package sidechan buffers the side-channel commands extracted from model
// output (canvas, music, session control) until a client polls for them.
// Clients that separate their voice channel from UI effects read the queue
// through a drain endpoint; each drain atomically returns and clears it.
package sidechan

import (
	"sync"
	"time"
)

// DefaultCapacity bounds the queue; the oldest commands are shed when a
// burst of extractions outruns the polling client.
const DefaultCapacity = 100

// Command is one extracted side-channel instruction.
type Command struct {
	// Kind is the tag name, e.g. "CANVAS" or "MUSIC".
	Kind string `json:"kind"`
	// Body is the raw tag content after the kind marker.
	Body string `json:"body"`
	// Session attributes the command to the voice session that produced it.
	Session string `json:"session"`
	// At is the extraction time.
	At time.Time `json:"at"`
}

// Queue is a bounded FIFO of extracted commands. Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	capacity int
	items    []Command
}

// NewQueue creates a Queue. capacity <= 0 selects DefaultCapacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// Push appends cmd, shedding the oldest entry when the queue is full.
func (q *Queue) Push(cmd Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		q.items = q.items[1:]
	}
	q.items = append(q.items, cmd)
}

// Drain atomically returns all queued commands and clears the queue.
// Returns an empty slice, never nil, so it serializes as [].
func (q *Queue) Drain() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	if out == nil {
		out = []Command{}
	}
	return out
}

// Len returns the number of queued commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
