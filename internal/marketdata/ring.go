package marketdata

import (
	"sync"

	"github.com/tradepilot/tradepilot/internal/domain"
)

// tickRing is a bounded per-symbol ring of recent ticks. On overflow the
// oldest tick is overwritten (newest wins) and the loss is counted; the ring
// never blocks its producer.
type tickRing struct {
	mu      sync.Mutex
	buf     []domain.Tick
	head    int // next write position
	size    int
	dropped uint64
}

func newTickRing(capacity int) *tickRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &tickRing{buf: make([]domain.Tick, capacity)}
}

// Push appends a tick, overwriting the oldest when full.
func (r *tickRing) Push(t domain.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.size == len(r.buf) {
		r.dropped++
	} else {
		r.size++
	}
	r.buf[r.head] = t
	r.head = (r.head + 1) % len(r.buf)
}

// Latest returns up to n most recent ticks, newest first.
func (r *tickRing) Latest(n int) []domain.Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]domain.Tick, 0, n)
	for i := 1; i <= n; i++ {
		idx := (r.head - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

// Dropped returns the count of ticks lost to overflow.
func (r *tickRing) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
