// Package catalog persists the last committed position of every apply
// task, so a restarted slave resumes each channel where it left off.
package catalog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bft-labs/thlship/internal/domain"
)

// Entry is the stored position of one task.
type Entry struct {
	Task         int           `msgpack:"task" json:"task"`
	Header       domain.Header `msgpack:"header" json:"header"`
	ApplyLatency time.Duration `msgpack:"apply_latency" json:"apply_latency"`
	UpdatedAt    time.Time     `msgpack:"updated_at" json:"updated_at"`
}

// Memory is an in-memory commit catalog.
type Memory struct {
	mu      sync.Mutex
	entries map[int]Entry
	closed  bool
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{entries: make(map[int]Entry)}
}

// UpdateLastCommitSeqno records header for task.
func (m *Memory) UpdateLastCommitSeqno(_ context.Context, task int, header domain.Header, applyLatency time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.ErrClosed
	}
	m.entries[task] = Entry{Task: task, Header: header, ApplyLatency: applyLatency, UpdatedAt: time.Now()}
	return nil
}

// LastCommitSeqno returns the position of task.
func (m *Memory) LastCommitSeqno(_ context.Context, task int) (domain.Header, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.NoHeader, false, domain.ErrClosed
	}
	e, ok := m.entries[task]
	if !ok {
		return domain.NoHeader, false, nil
	}
	return e.Header, true, nil
}

// MinCommitSeqno returns the lowest position across tasks.
func (m *Memory) MinCommitSeqno(_ context.Context) (domain.Header, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return domain.NoHeader, false, domain.ErrClosed
	}
	entries := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, e)
	}
	h, ok := minEntry(entries)
	return h, ok, nil
}

// Entries returns a copy of every stored entry ordered by task.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

// Close marks the catalog closed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func minEntry(entries []Entry) (domain.Header, bool) {
	if len(entries) == 0 {
		return domain.NoHeader, false
	}
	min := entries[0].Header
	for _, e := range entries[1:] {
		if e.Header.LastSeqno() < min.LastSeqno() {
			min = e.Header
		}
	}
	return min, true
}
