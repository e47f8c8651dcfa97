package resilience

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a single entry in the executor's diagnostic ring buffer.
type Event struct {
	Level   slog.Level     `json:"level"`
	Time    time.Time      `json:"time"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// RingLog is a fixed-capacity append-only event buffer. When full, the
// oldest entry is evicted. It is the executor's only audit trail; entries
// are also mirrored to slog by the executor.
type RingLog struct {
	mu    sync.Mutex
	buf   []Event
	next  int
	count int
}

// NewRingLog creates a buffer holding at most capacity events.
// A capacity <= 0 defaults to 512.
func NewRingLog(capacity int) *RingLog {
	if capacity <= 0 {
		capacity = 512
	}
	return &RingLog{buf: make([]Event, capacity)}
}

// Append records an event, evicting the oldest if the buffer is full.
func (l *RingLog) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = e
	l.next = (l.next + 1) % len(l.buf)
	if l.count < len(l.buf) {
		l.count++
	}
}

// Recent returns up to limit events at or above minLevel, newest first.
// A limit <= 0 returns all buffered events that match.
func (l *RingLog) Recent(minLevel slog.Level, limit int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > l.count {
		limit = l.count
	}
	out := make([]Event, 0, limit)
	for i := 1; i <= l.count && len(out) < limit; i++ {
		idx := (l.next - i + len(l.buf)) % len(l.buf)
		if l.buf[idx].Level >= minLevel {
			out = append(out, l.buf[idx])
		}
	}
	return out
}

// Len returns the number of buffered events.
func (l *RingLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
