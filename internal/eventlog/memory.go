package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLog is an in-process bounded event log. When capacity is exceeded the
// oldest entries are evicted; eviction is counted, never silent.
type MemoryLog struct {
	mu       sync.RWMutex
	entries  []Entry
	seq      uint64
	capacity int
	evicted  uint64
	now      func() time.Time
}

// NewMemoryLog creates a memory log holding at most capacity entries.
func NewMemoryLog(capacity int) *MemoryLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryLog{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		now:      time.Now,
	}
}

// Append records one entry and returns its sequence number.
func (l *MemoryLog) Append(ctx context.Context, kind Kind, key string, payload any) (uint64, error) {
	raw, err := marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	entry := Entry{Seq: l.seq, TS: l.now().UTC(), Kind: kind, Key: key, Payload: raw}
	if len(l.entries) >= l.capacity {
		drop := len(l.entries) - l.capacity + 1
		l.entries = append(l.entries[:0], l.entries[drop:]...)
		l.evicted += uint64(drop)
	}
	l.entries = append(l.entries, entry)
	return entry.Seq, nil
}

// List returns entries of the given kinds with seq > afterSeq, oldest first.
func (l *MemoryLog) List(ctx context.Context, afterSeq uint64, limit int, kinds ...Kind) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	var out []Entry
	for _, e := range l.entries {
		if e.Seq <= afterSeq {
			continue
		}
		if len(want) > 0 && !want[e.Kind] {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ListByKey returns entries for one key, oldest first.
func (l *MemoryLog) ListByKey(ctx context.Context, key string, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if e.Key != key {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Evicted returns the number of entries dropped to the capacity bound.
func (l *MemoryLog) Evicted() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.evicted
}

// Close is a no-op for the memory backend.
func (l *MemoryLog) Close() error { return nil }
