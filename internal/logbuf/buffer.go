// Package logbuf keeps the most recent log records in memory so the control
// API can serve them without touching disk.
package logbuf

import (
	"strings"
	"sync"
	"time"
)

const DefaultCapacity = 100

// Entry is one captured log record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Logger    string    `json:"logger"`
	Message   string    `json:"message"`
	Module    string    `json:"module"`
	Line      int       `json:"line"`
}

// Buffer is a bounded FIFO of log entries. Appends past capacity evict the
// oldest entry. Safe for concurrent use.
type Buffer struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int

	subMu sync.RWMutex
	subs  map[chan Entry]struct{}
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		entries:  make([]Entry, 0, capacity),
		capacity: capacity,
		subs:     make(map[chan Entry]struct{}),
	}
}

// Append stores an entry, evicting the oldest once full, and fans it out to
// live subscribers without blocking.
func (b *Buffer) Append(e Entry) {
	b.mu.Lock()
	if len(b.entries) >= b.capacity {
		copy(b.entries, b.entries[1:])
		b.entries[len(b.entries)-1] = e
	} else {
		b.entries = append(b.entries, e)
	}
	b.mu.Unlock()

	b.subMu.RLock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default: // slow subscriber, drop
		}
	}
	b.subMu.RUnlock()
}

// Query returns entries newer than the given age at or above the minimum
// level. minutes <= 0 means no age filter; empty level means all levels.
func (b *Buffer) Query(minutes int, level string) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var cutoff time.Time
	if minutes > 0 {
		cutoff = time.Now().Add(-time.Duration(minutes) * time.Minute)
	}
	min := levelRank(level)

	out := make([]Entry, 0, len(b.entries))
	for _, e := range b.entries {
		if !cutoff.IsZero() && e.Timestamp.Before(cutoff) {
			continue
		}
		if levelRank(e.Level) < min {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Subscribe registers a live feed of new entries. The returned cancel func
// must be called to release the channel.
func (b *Buffer) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, 32)
	b.subMu.Lock()
	b.subs[ch] = struct{}{}
	b.subMu.Unlock()

	cancel := func() {
		b.subMu.Lock()
		delete(b.subs, ch)
		b.subMu.Unlock()
	}
	return ch, cancel
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func levelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 0
	case "", "info":
		return 1
	case "warn", "warning":
		return 2
	case "error":
		return 3
	default:
		return 1
	}
}
