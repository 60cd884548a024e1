package recording

import (
	"sort"
	"sync"
)

// DefaultQueueCapacity holds roughly five seconds of audio at 20 ms framing.
const DefaultQueueCapacity = 250

// BufferQueue is a bounded FIFO holding outbound frames that cannot currently
// be sent. On overflow the oldest entries are discarded: bounded staleness is
// preferred over unbounded memory growth.
type BufferQueue struct {
	frames   []*FrameEnvelope
	capacity int
	dropped  uint64
	mu       sync.Mutex
}

// NewBufferQueue creates a queue with the given capacity. Non-positive
// capacities fall back to the default.
func NewBufferQueue(capacity int) *BufferQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &BufferQueue{
		frames:   make([]*FrameEnvelope, 0, capacity),
		capacity: capacity,
	}
}

// Push appends a frame, evicting the oldest entry when full. It returns the
// number of frames evicted (0 or 1).
func (q *BufferQueue) Push(f *FrameEnvelope) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := 0
	if len(q.frames) >= q.capacity {
		copy(q.frames, q.frames[1:])
		q.frames = q.frames[:len(q.frames)-1]
		q.dropped++
		evicted = 1
	}
	q.frames = append(q.frames, f)
	return evicted
}

// Drain removes and returns all buffered frames in strictly non-decreasing
// sequence order.
func (q *BufferQueue) Drain() []*FrameEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := q.frames
	q.frames = make([]*FrameEnvelope, 0, q.capacity)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Len returns the number of buffered frames.
func (q *BufferQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

// Dropped returns the total number of frames evicted on overflow.
func (q *BufferQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Clear discards all buffered frames.
func (q *BufferQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = q.frames[:0]
}
