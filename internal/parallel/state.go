package parallel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/thlship/internal/domain"
)

// notifier is a broadcast signal: waiters grab the current channel and
// every change closes it and installs a new one. Callers hold their own lock.
type notifier struct {
	ch chan struct{}
}

func newNotifier() notifier { return notifier{ch: make(chan struct{})} }

func (n *notifier) wait() <-chan struct{} { return n.ch }

func (n *notifier) broadcast() {
	close(n.ch)
	n.ch = make(chan struct{})
}

// HeadCounter is the highest seqno stored into the local log. Channel
// readers never read past it.
type HeadCounter struct {
	mu     sync.Mutex
	value  int64
	signal notifier
}

// NewHeadCounter starts the counter at seqno.
func NewHeadCounter(seqno int64) *HeadCounter {
	return &HeadCounter{value: seqno, signal: newNotifier()}
}

// Advance raises the counter to seqno. Lower values are ignored.
func (c *HeadCounter) Advance(seqno int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seqno > c.value {
		c.value = seqno
		c.signal.broadcast()
	}
}

// Value returns the current head.
func (c *HeadCounter) Value() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// WaitFor blocks until the head is at least seqno.
func (c *HeadCounter) WaitFor(ctx context.Context, seqno int64) error {
	for {
		c.mu.Lock()
		if c.value >= seqno {
			c.mu.Unlock()
			return nil
		}
		wait := c.signal.wait()
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// CommitTracker records the last seqno committed by each channel and
// resolves waits once every channel has committed a seqno.
type CommitTracker struct {
	mu        sync.Mutex
	committed []int64
	signal    notifier
}

// NewCommitTracker creates a tracker for n channels, all at -1.
func NewCommitTracker(n int) *CommitTracker {
	t := &CommitTracker{committed: make([]int64, n), signal: newNotifier()}
	for i := range t.committed {
		t.committed[i] = -1
	}
	return t
}

// Commit records that channel committed through seqno. Never regresses.
func (t *CommitTracker) Commit(channel int, seqno int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if seqno > t.committed[channel] {
		t.committed[channel] = seqno
		t.signal.broadcast()
	}
}

// Committed returns the last seqno committed by channel.
func (t *CommitTracker) Committed(channel int) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed[channel]
}

// Min returns the lowest committed seqno across channels.
func (t *CommitTracker) Min() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.minLocked()
}

func (t *CommitTracker) minLocked() int64 {
	min := t.committed[0]
	for _, v := range t.committed[1:] {
		if v < min {
			min = v
		}
	}
	return min
}

// WaitFor blocks until every channel has committed seqno.
func (t *CommitTracker) WaitFor(ctx context.Context, seqno int64) error {
	for {
		t.mu.Lock()
		if t.minLocked() >= seqno {
			t.mu.Unlock()
			return nil
		}
		wait := t.signal.wait()
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

type channelProgress struct {
	seqno    int64
	tstamp   time.Time
	reported bool
}

// IntervalGuard tracks the extraction timestamp each channel last read and
// holds back channels that run too far ahead of the slowest one.
type IntervalGuard struct {
	mu       sync.Mutex
	channels []channelProgress
	signal   notifier
}

// NewIntervalGuard creates a guard for n channels.
func NewIntervalGuard(n int) *IntervalGuard {
	return &IntervalGuard{channels: make([]channelProgress, n), signal: newNotifier()}
}

// Report records that channel read through seqno extracted at ts.
func (g *IntervalGuard) Report(channel int, seqno int64, ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := &g.channels[channel]
	if p.reported && seqno < p.seqno {
		return
	}
	p.seqno = seqno
	p.tstamp = ts
	p.reported = true
	g.signal.broadcast()
}

// Interval returns the spread between the most and least advanced channel
// timestamps.
func (g *IntervalGuard) Interval() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	min, ok := g.minLocked(-1)
	if !ok {
		return 0
	}
	max := min
	for _, p := range g.channels {
		if p.reported && p.tstamp.After(max) {
			max = p.tstamp
		}
	}
	return max.Sub(min)
}

// MinTime returns the timestamp of the least advanced channel. Channels
// that never reported are ignored.
func (g *IntervalGuard) MinTime() (time.Time, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.minLocked(-1)
}

func (g *IntervalGuard) minLocked(exclude int) (time.Time, bool) {
	var min time.Time
	found := false
	for i, p := range g.channels {
		if !p.reported || i == exclude {
			continue
		}
		if !found || p.tstamp.Before(min) {
			min = p.tstamp
			found = true
		}
	}
	return min, found
}

// WaitMinTime blocks until ts is within maxOffline of the least advanced
// channel other than channel. It gives up after maxDelay and returns
// false; it returns true when the bound was met. maxOffline <= 0 disables
// the guard and maxDelay <= 0 never waits.
func (g *IntervalGuard) WaitMinTime(ctx context.Context, channel int, ts time.Time, maxOffline, maxDelay time.Duration) (bool, error) {
	if maxOffline <= 0 {
		return true, nil
	}
	var deadline <-chan time.Time
	if maxDelay > 0 {
		t := time.NewTimer(maxDelay)
		defer t.Stop()
		deadline = t.C
	}
	for {
		g.mu.Lock()
		min, ok := g.minLocked(channel)
		if !ok || ts.Sub(min) <= maxOffline {
			g.mu.Unlock()
			return true, nil
		}
		if maxDelay <= 0 {
			g.mu.Unlock()
			return false, nil
		}
		wait := g.signal.wait()
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline:
			return false, nil
		case <-wait:
		}
	}
}

// RestartCoordinator collects the last committed header of every channel
// and publishes their minimum as the common restart point.
type RestartCoordinator struct {
	mu      sync.Mutex
	headers []*domain.Header
	missing int
	done    chan struct{}
	restart domain.Header
}

// NewRestartCoordinator creates a coordinator for n channels.
func NewRestartCoordinator(n int) *RestartCoordinator {
	return &RestartCoordinator{
		headers: make([]*domain.Header, n),
		missing: n,
		done:    make(chan struct{}),
	}
}

// Report records the last committed header of channel. Reporting twice
// keeps the first header.
func (r *RestartCoordinator) Report(channel int, h domain.Header) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headers[channel] != nil {
		return
	}
	r.headers[channel] = &h
	r.missing--
	if r.missing > 0 {
		return
	}
	r.restart = *r.headers[0]
	for _, hdr := range r.headers[1:] {
		if hdr.LastSeqno() < r.restart.LastSeqno() {
			r.restart = *hdr
		}
	}
	close(r.done)
}

// Wait returns the restart point once every channel has reported.
func (r *RestartCoordinator) Wait(ctx context.Context) (domain.Header, error) {
	select {
	case <-ctx.Done():
		return domain.Header{}, ctx.Err()
	case <-r.done:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.restart, nil
	}
}

// criticalFlag tells whether a critical section is in progress.
type criticalFlag struct {
	active    atomic.Bool
	partition atomic.Int64
}

func (f *criticalFlag) enter(partition int) {
	f.partition.Store(int64(partition))
	f.active.Store(true)
}

func (f *criticalFlag) leave() {
	f.active.Store(false)
	f.partition.Store(-1)
}

func (f *criticalFlag) get() (int, bool) {
	return int(f.partition.Load()), f.active.Load()
}
