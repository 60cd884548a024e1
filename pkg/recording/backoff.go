package recording

import (
	"math/rand"
	"sync"
	"time"
)

// Reconnect delay bounds.
const (
	BackoffFloor         = 1 * time.Second
	BackoffCapRecording  = 5 * time.Second
	BackoffCapBackground = 15 * time.Second
)

// Backoff implements decorrelated-jitter reconnect delays: each delay is
// drawn from a window bounded by the previous delay and a hard cap, which
// spreads retry storms from clients that disconnected together.
type Backoff struct {
	prev time.Duration
	rng  *rand.Rand
	mu   sync.Mutex
}

// NewBackoff creates a backoff generator seeded from the current time.
func NewBackoff() *Backoff {
	return &Backoff{
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the next delay, always within [BackoffFloor, cap]. The cap is
// passed per call because it tightens to BackoffCapRecording while audio is
// actively being captured.
func (b *Backoff) Next(cap time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cap < BackoffFloor {
		cap = BackoffFloor
	}

	prev := b.prev
	if prev < BackoffFloor {
		prev = BackoffFloor
	}

	lo := minDuration(cap, prev)
	hi := minDuration(cap, prev*3)
	d := lo + time.Duration(b.rng.Float64()*float64(hi-lo))

	if d < BackoffFloor {
		d = BackoffFloor
	}
	if d > cap {
		d = cap
	}
	b.prev = d
	return d
}

// Reset clears the delay history, so the next attempt starts from the floor.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prev = 0
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
