// Package memlog is an in-memory transaction history log. It backs tests
// across the module and the --store=memory mode of the CLI.
package memlog

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/ports"
)

// Store implements ports.LogStore in memory.
type Store struct {
	mu      sync.RWMutex
	records []*domain.Event
	offset  int
	notify  chan struct{}
	closed  bool
}

// New creates an empty store.
func New() *Store {
	return &Store{notify: make(chan struct{})}
}

// Connect opens a new cursor at the beginning of the log.
func (s *Store) Connect(readonly bool) (ports.LogConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.ErrClosed
	}
	return &Connection{store: s, readonly: readonly}, nil
}

// MinSeqno returns the lowest committed seqno or -1.
func (s *Store) MinSeqno() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return -1
	}
	return s.records[0].Seqno
}

// MaxSeqno returns the highest committed seqno or -1.
func (s *Store) MaxSeqno() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return -1
	}
	return s.records[len(s.records)-1].EndSeqno()
}

// Len returns the number of committed records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Close wakes blocked readers; further operations fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.notify)
	return nil
}

// Append stores and commits events. It is a test convenience.
func (s *Store) Append(events ...*domain.Event) error {
	return s.commit(events)
}

func (s *Store) commit(events []*domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	var prev *domain.Event
	if n := len(s.records); n > 0 {
		prev = s.records[n-1]
	}
	for _, ev := range events {
		if prev != nil {
			if err := checkOrder(prev, ev); err != nil {
				return err
			}
		}
		prev = ev
	}
	s.records = append(s.records, events...)
	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

// checkOrder rejects a record that does not follow last.
func checkOrder(last, ev *domain.Event) error {
	switch {
	case ev.Seqno > last.EndSeqno():
		if !last.LastFrag {
			return fmt.Errorf("memlog: seqno %d stored before seqno %d was committed", ev.Seqno, last.Seqno)
		}
		return nil
	case ev.Seqno == last.Seqno && !last.LastFrag && ev.Fragno > last.Fragno:
		return nil
	default:
		return fmt.Errorf("memlog: out of order record seqno=%d fragno=%d after seqno=%d fragno=%d",
			ev.Seqno, ev.Fragno, last.Seqno, last.Fragno)
	}
}

// Purge drops every transaction with a seqno at or below upTo. The last
// transaction is always kept. Cursors positioned on dropped records resume
// at the new head of the log.
func (s *Store) Purge(upTo int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, domain.ErrClosed
	}
	if n := len(s.records); n > 0 && upTo >= s.records[n-1].Seqno {
		upTo = s.records[n-1].Seqno - 1
	}
	i := s.search(upTo+1, 0)
	if i == 0 {
		return 0, nil
	}
	s.records = append([]*domain.Event(nil), s.records[i:]...)
	s.offset += i
	return i, nil
}

// search returns the index of the first record at or after (seqno, fragno).
func (s *Store) search(seqno int64, fragno uint16) int {
	return sort.Search(len(s.records), func(i int) bool {
		r := s.records[i]
		return r.Seqno > seqno || (r.Seqno == seqno && r.Fragno >= fragno)
	})
}

// Connection is a cursor over a Store. Not safe for concurrent use.
type Connection struct {
	store    *Store
	readonly bool
	pos      int
	pending  []*domain.Event
	released bool
}

// Seek positions the cursor at the first fragment of seqno.
func (c *Connection) Seek(seqno int64) (bool, error) {
	return c.SeekFragment(seqno, 0)
}

// SeekFragment positions the cursor at (seqno, fragno).
func (c *Connection) SeekFragment(seqno int64, fragno uint16) (bool, error) {
	if c.released {
		return false, domain.ErrClosed
	}
	s := c.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.search(seqno, fragno)
	c.pos = s.offset + i
	found := i < len(s.records) && s.records[i].Seqno == seqno && s.records[i].Fragno == fragno
	return found, nil
}

// Next returns the record under the cursor.
func (c *Connection) Next(ctx context.Context, blocking bool) (*domain.Event, error) {
	if c.released {
		return nil, domain.ErrClosed
	}
	s := c.store
	for {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			return nil, domain.ErrClosed
		}
		if c.pos < s.offset {
			c.pos = s.offset
		}
		if i := c.pos - s.offset; i < len(s.records) {
			ev := s.records[i]
			c.pos++
			s.mu.RUnlock()
			return ev, nil
		}
		notify := s.notify
		s.mu.RUnlock()

		if !blocking {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

// Store buffers ev, committing immediately when forceCommit is set.
func (c *Connection) Store(ev *domain.Event, forceCommit bool) error {
	if c.released {
		return domain.ErrClosed
	}
	if c.readonly {
		return domain.ErrReadOnly
	}
	c.pending = append(c.pending, ev)
	if forceCommit {
		return c.Commit()
	}
	return nil
}

// Commit makes buffered records visible.
func (c *Connection) Commit() error {
	if c.released {
		return domain.ErrClosed
	}
	pending := c.pending
	c.pending = nil
	return c.store.commit(pending)
}

// Release closes the connection. Uncommitted records are dropped.
func (c *Connection) Release() error {
	c.released = true
	c.pending = nil
	return nil
}
