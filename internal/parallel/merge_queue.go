package parallel

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/metrics"
)

// Item is one entry of a channel queue: a log record or a control event.
type Item struct {
	Event   *domain.Event
	Control *domain.ControlEvent
}

// Seqno returns the seqno of the record or control event.
func (it Item) Seqno() int64 {
	if it.Control != nil {
		return it.Control.Seqno
	}
	if it.Event != nil {
		return it.Event.Seqno
	}
	return -1
}

// WatchPredicate is evaluated against the last read header at every
// transaction boundary. A match emits a SYNC.
type WatchPredicate func(domain.Header) bool

// SeqnoAtLeast matches once the channel has read seqno.
func SeqnoAtLeast(seqno int64) WatchPredicate {
	return func(h domain.Header) bool { return h.LastSeqno() >= seqno }
}

type oobEntry struct {
	event domain.ControlEvent
	order uint64
}

func oobLess(a, b oobEntry) bool {
	if a.event.Seqno != b.event.Seqno {
		return a.event.Seqno < b.event.Seqno
	}
	return a.order < b.order
}

// MergeQueue merges the records assigned to one channel with out-of-band
// control events into one ordered queue.
//
// Post, PostOutOfBand, MarkRead and AddWatchSyncPredicate are serialized by
// one mutex. Control events wait in a btree ordered by (seqno, insertion)
// and are released only at transaction boundaries, never with a seqno below
// the channel's read position.
type MergeQueue struct {
	channel      int
	syncInterval int64
	poll         time.Duration
	label        string

	mu         sync.Mutex
	q          *boundedQueue[Item]
	oob        *btree.BTreeG[oobEntry]
	order      uint64
	watches    []WatchPredicate
	readPos    int64
	lastHeader *domain.Header
	inTx       bool
	sinceSync  int64
}

// NewMergeQueue creates the queue of one channel. syncInterval of zero
// disables periodic SYNC events.
func NewMergeQueue(channel, capacity int, syncInterval int64, poll time.Duration) *MergeQueue {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &MergeQueue{
		channel:      channel,
		syncInterval: syncInterval,
		poll:         poll,
		label:        metrics.ChannelLabel(channel),
		q:            newBoundedQueue[Item](capacity),
		oob:          btree.NewG[oobEntry](8, oobLess),
		readPos:      -1,
	}
}

// Channel returns the channel index.
func (m *MergeQueue) Channel() int { return m.channel }

// SetReadPosition sets the position control events are clamped to. Used
// on restart before any record is read.
func (m *MergeQueue) SetReadPosition(seqno int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readPos = seqno
}

// Post enqueues a fragment assigned to this channel.
func (m *MergeQueue) Post(ctx context.Context, ev *domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.put(ctx, Item{Event: ev}); err != nil {
		return err
	}
	if !ev.LastFrag {
		m.inTx = true
		return nil
	}
	m.sinceSync++
	return m.boundary(ctx, ev)
}

// MarkRead advances the read position past a transaction assigned to
// another channel.
func (m *MergeQueue) MarkRead(ctx context.Context, ev *domain.Event) error {
	if !ev.LastFrag {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.boundary(ctx, ev)
}

// PostOutOfBand buffers a control event. It is released at the next
// transaction boundary at or after its seqno, or immediately when the
// channel is between transactions and already past it.
func (m *MergeQueue) PostOutOfBand(ctx context.Context, ce domain.ControlEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insert(ce)
	if m.inTx {
		return nil
	}
	return m.flush(ctx)
}

// AddWatchSyncPredicate registers p. It is removed after its first match.
// Between transactions p is checked at once against the last read header.
func (m *MergeQueue) AddWatchSyncPredicate(ctx context.Context, p WatchPredicate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inTx && m.lastHeader != nil && p(*m.lastHeader) {
		m.insert(domain.ControlEvent{Type: domain.ControlSync, Seqno: m.readPos})
		return m.flush(ctx)
	}
	m.watches = append(m.watches, p)
	return nil
}

// Take removes the next item, waiting for one. It returns the reader's
// error if the channel reader failed.
func (m *MergeQueue) Take(ctx context.Context) (Item, error) {
	it, err := m.q.take(ctx, m.poll)
	if err == nil {
		metrics.QueueDepth.WithLabelValues(m.label).Set(float64(m.q.size()))
	}
	return it, err
}

// Peek returns the next item without removing it.
func (m *MergeQueue) Peek() (Item, bool) {
	return m.q.peek()
}

// Len returns the number of queued items.
func (m *MergeQueue) Len() int {
	return m.q.size()
}

// Pending returns the number of buffered control events.
func (m *MergeQueue) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.oob.Len()
}

// Fail makes Take return err once the queue is drained.
func (m *MergeQueue) Fail(err error) {
	m.q.fail(err)
}

// Close wakes producers and consumers.
func (m *MergeQueue) Close() {
	m.q.close()
}

func (m *MergeQueue) put(ctx context.Context, it Item) error {
	if err := m.q.put(ctx, it); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(m.label).Set(float64(m.q.size()))
	return nil
}

func (m *MergeQueue) insert(ce domain.ControlEvent) {
	m.order++
	m.oob.ReplaceOrInsert(oobEntry{event: ce, order: m.order})
}

// boundary runs at every transaction end: update the read position,
// evaluate watches and periodic syncs, then release due control events.
func (m *MergeQueue) boundary(ctx context.Context, ev *domain.Event) error {
	h := ev.Header()
	m.lastHeader = &h
	if end := ev.EndSeqno(); end > m.readPos {
		m.readPos = end
	}
	m.inTx = false

	kept := m.watches[:0]
	for _, w := range m.watches {
		if w(h) {
			m.insert(domain.ControlEvent{Type: domain.ControlSync, Seqno: m.readPos})
			continue
		}
		kept = append(kept, w)
	}
	for i := len(kept); i < len(m.watches); i++ {
		m.watches[i] = nil
	}
	m.watches = kept

	if m.syncInterval > 0 && m.sinceSync >= m.syncInterval {
		m.sinceSync = 0
		m.insert(domain.ControlEvent{Type: domain.ControlSync, Seqno: m.readPos})
	}
	return m.flush(ctx)
}

// flush releases control events whose seqno the channel has reached.
func (m *MergeQueue) flush(ctx context.Context) error {
	for {
		e, ok := m.oob.Min()
		if !ok || e.event.Seqno > m.readPos {
			return nil
		}
		m.oob.DeleteMin()

		ce := e.event
		if ce.Seqno < m.readPos {
			ce.Seqno = m.readPos
		}
		if ce.Header == nil && m.lastHeader != nil {
			h := *m.lastHeader
			ce.Header = &h
		}
		if err := m.put(ctx, Item{Control: &ce}); err != nil {
			return err
		}
	}
}
