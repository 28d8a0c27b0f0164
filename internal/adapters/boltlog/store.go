// Package boltlog is a file-backed transaction history log on bbolt.
//
// Records live in one bucket keyed by seqno (8 bytes, big endian) followed by
// fragno (2 bytes, big endian), so bbolt's byte ordering is log order.
// Values are msgpack-encoded domain.Event.
package boltlog

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/pkg/log"
)

var eventsBucket = []byte("thl")

const keyLen = 10

// Store implements ports.LogStore on a bbolt file.
type Store struct {
	path   string
	db     *bolt.DB
	logger log.Logger

	mu     sync.RWMutex
	min    int64
	max    int64
	last   *domain.Event
	notify chan struct{}
	closed bool
}

// Open opens (or creates) the log file at path.
func Open(path string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("boltlog: create directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("boltlog: open %s: %w", path, err)
	}

	s := &Store{
		path:   path,
		db:     db,
		logger: logger,
		min:    -1,
		max:    -1,
		notify: make(chan struct{}),
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(eventsBucket)
		if err != nil {
			return err
		}
		c := b.Cursor()
		if k, _ := c.First(); k != nil {
			s.min, _ = decodeKey(k)
		}
		if k, v := c.Last(); k != nil {
			ev, err := decodeEvent(v)
			if err != nil {
				return err
			}
			s.last = ev
			s.max = ev.EndSeqno()
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("boltlog: load bounds: %w", err)
	}

	logger.Info("log opened",
		log.String("path", path),
		log.Int64("min_seqno", s.min),
		log.Int64("max_seqno", s.max),
	)
	return s, nil
}

// Connect opens a cursor at the beginning of the log.
func (s *Store) Connect(readonly bool) (ports.LogConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, domain.ErrClosed
	}
	return &Connection{store: s, readonly: readonly, next: encodeKey(0, 0)}, nil
}

// MinSeqno returns the lowest stored seqno or -1.
func (s *Store) MinSeqno() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.min
}

// MaxSeqno returns the highest stored seqno or -1.
func (s *Store) MaxSeqno() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.max
}

// Path returns the log file path.
func (s *Store) Path() string {
	return s.path
}

// Close wakes blocked readers and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.notify)
	s.mu.Unlock()
	return s.db.Close()
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

	prev := s.last
	for _, ev := range events {
		if prev != nil && !follows(prev, ev) {
			return fmt.Errorf("boltlog: out of order record seqno=%d fragno=%d after seqno=%d fragno=%d",
				ev.Seqno, ev.Fragno, prev.Seqno, prev.Fragno)
		}
		prev = ev
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		for _, ev := range events {
			v, err := msgpack.Marshal(ev)
			if err != nil {
				return err
			}
			if err := b.Put(encodeKey(ev.Seqno, ev.Fragno), v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("boltlog: commit: %w", err)
	}

	if s.min < 0 {
		s.min = events[0].Seqno
	}
	s.last = prev
	s.max = prev.EndSeqno()
	close(s.notify)
	s.notify = make(chan struct{})
	return nil
}

// Purge deletes every transaction with a seqno at or below upTo. The last
// transaction is always kept.
func (s *Store) Purge(upTo int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, domain.ErrClosed
	}
	if s.last == nil {
		return 0, nil
	}
	if upTo >= s.last.Seqno {
		upTo = s.last.Seqno - 1
	}
	if upTo < s.min {
		return 0, nil
	}

	limit := encodeKey(upTo+1, 0)
	var keys [][]byte
	newMin := s.min
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(eventsBucket)
		c := b.Cursor()
		k, _ := c.First()
		for ; k != nil && bytes.Compare(k, limit) < 0; k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if k != nil {
			newMin, _ = decodeKey(k)
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("boltlog: purge: %w", err)
	}
	s.min = newMin
	removed := len(keys)
	s.logger.Debug("log purged", log.Int64("up_to", upTo), log.Int("records", removed))
	return removed, nil
}

func follows(last, ev *domain.Event) bool {
	if ev.Seqno > last.EndSeqno() {
		return last.LastFrag
	}
	return ev.Seqno == last.Seqno && !last.LastFrag && ev.Fragno > last.Fragno
}

// Connection is a cursor over a Store. Not safe for concurrent use.
type Connection struct {
	store    *Store
	readonly bool
	next     []byte
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
	key := encodeKey(seqno, fragno)
	c.next = key
	found := false
	err := c.store.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket(eventsBucket).Cursor().Seek(key)
		found = k != nil && bytes.Equal(k, key)
		return nil
	})
	return found, err
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
		notify := s.notify
		var ev *domain.Event
		err := s.db.View(func(tx *bolt.Tx) error {
			k, v := tx.Bucket(eventsBucket).Cursor().Seek(c.next)
			if k == nil {
				return nil
			}
			var err error
			ev, err = decodeEvent(v)
			return err
		})
		s.mu.RUnlock()
		if err != nil {
			return nil, fmt.Errorf("boltlog: read: %w", err)
		}
		if ev != nil {
			c.next = successor(ev.Seqno, ev.Fragno)
			return ev, nil
		}
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

// Commit writes buffered records in one transaction.
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

func encodeKey(seqno int64, fragno uint16) []byte {
	k := make([]byte, keyLen)
	binary.BigEndian.PutUint64(k, uint64(seqno))
	binary.BigEndian.PutUint16(k[8:], fragno)
	return k
}

func decodeKey(k []byte) (int64, uint16) {
	return int64(binary.BigEndian.Uint64(k)), binary.BigEndian.Uint16(k[8:])
}

func successor(seqno int64, fragno uint16) []byte {
	if fragno == ^uint16(0) {
		return encodeKey(seqno+1, 0)
	}
	return encodeKey(seqno, fragno+1)
}

func decodeEvent(v []byte) (*domain.Event, error) {
	var ev domain.Event
	if err := msgpack.Unmarshal(v, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
