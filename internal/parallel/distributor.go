package parallel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/metrics"
	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/pkg/log"
)

// Defaults for Config.
const (
	DefaultQueueSize    = 100
	DefaultPollInterval = time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// Config configures a Distributor.
type Config struct {
	// Channels is the number of parallel channels.
	Channels int

	// Partitioner assigns transactions to channels.
	Partitioner Partitioner

	// QueueSize is the capacity of each channel queue.
	QueueSize int

	// SyncInterval inserts a SYNC every N transactions posted to a channel.
	SyncInterval int64

	// MaxOfflineInterval bounds how far a channel may run ahead of the
	// slowest one, in extraction time. Zero disables the bound.
	MaxOfflineInterval time.Duration

	// MaxDelayInterval is how long a channel waits on the bound before
	// releasing the transaction anyway.
	MaxDelayInterval time.Duration

	// PollInterval bounds how long Take waits before rechecking for a
	// reader failure.
	PollInterval time.Duration

	// StopTimeout bounds the wait for channel readers on Stop.
	StopTimeout time.Duration
}

// Distributor fans one ordered log out into per-channel merge queues.
//
// Put stores records into the local log through a single writer
// connection. Every channel reader has its own log connection, reads the
// whole log and keeps the transactions its channel is assigned.
type Distributor struct {
	cfg     Config
	store   ports.LogStore
	catalog ports.CommitCatalog
	logger  log.Logger

	head     *HeadCounter
	guard    *IntervalGuard
	tracker  *CommitTracker
	restart  *RestartCoordinator
	critical criticalFlag
	queues   []*MergeQueue

	maxOffline atomic.Int64
	maxDelay   atomic.Int64

	writerMu sync.Mutex
	writer   ports.LogConnection

	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	started atomic.Bool
	stopped atomic.Bool
}

// New creates a distributor over store. catalog provides and receives the
// per-channel commit positions.
func New(cfg Config, store ports.LogStore, catalog ports.CommitCatalog, logger log.Logger) (*Distributor, error) {
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("%w: channels must be positive, got %d", domain.ErrInvalidConfig, cfg.Channels)
	}
	if cfg.Partitioner == nil {
		p, err := NewPartitioner(PartitionerHash, cfg.Channels)
		if err != nil {
			return nil, err
		}
		cfg.Partitioner = p
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	d := &Distributor{
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		logger:  logger,
		head:    NewHeadCounter(store.MaxSeqno()),
		guard:   NewIntervalGuard(cfg.Channels),
		tracker: NewCommitTracker(cfg.Channels),
		restart: NewRestartCoordinator(cfg.Channels),
		queues:  make([]*MergeQueue, cfg.Channels),
		done:    make(chan struct{}),
	}
	d.critical.leave()
	d.SetLagBounds(cfg.MaxOfflineInterval, cfg.MaxDelayInterval)
	for i := range d.queues {
		d.queues[i] = NewMergeQueue(i, cfg.QueueSize, cfg.SyncInterval, cfg.PollInterval)
	}
	return d, nil
}

// Start loads the restart position of every channel and starts the
// channel readers.
func (d *Distributor) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return domain.ErrAlreadyRunning
	}

	own := make([]domain.Header, d.cfg.Channels)
	for ch := range own {
		h, ok, err := d.catalog.LastCommitSeqno(ctx, ch)
		if err != nil {
			return fmt.Errorf("load restart position of channel %d: %w", ch, err)
		}
		if !ok {
			h = domain.NoHeader
		}
		own[ch] = h
		d.tracker.Commit(ch, h.LastSeqno())
		d.restart.Report(ch, h)
	}

	writer, err := d.store.Connect(false)
	if err != nil {
		return fmt.Errorf("connect log writer: %w", err)
	}
	d.writer = writer

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	for ch := range d.queues {
		r := &channelReader{
			d:       d,
			channel: ch,
			queue:   d.queues[ch],
			own:     own[ch],
			logger:  d.logger.With(log.Channel(ch)),
		}
		g.Go(func() error { return r.run(gctx) })
	}

	go func() {
		defer close(d.done)
		err := g.Wait()
		if err != nil && !errors.Is(err, context.Canceled) {
			d.err = err
			d.logger.Error("channel reader failed", log.Err(err))
			for _, q := range d.queues {
				q.Fail(err)
			}
		}
	}()

	d.logger.Info("distributor started",
		log.Int("channels", d.cfg.Channels),
		log.Int64("head", d.head.Value()),
	)
	return nil
}

// Put stores a record received from upstream. A committing fragment makes
// the transaction visible to channel readers.
func (d *Distributor) Put(ev *domain.Event) error {
	d.writerMu.Lock()
	defer d.writerMu.Unlock()
	if d.writer == nil {
		return domain.ErrNotRunning
	}
	if err := d.writer.Store(ev, ev.LastFrag); err != nil {
		return err
	}
	if ev.LastFrag {
		d.head.Advance(ev.EndSeqno())
	}
	return nil
}

// Queue returns the queue of channel ch.
func (d *Distributor) Queue(ch int) *MergeQueue {
	return d.queues[ch]
}

// Channels returns the channel count.
func (d *Distributor) Channels() int {
	return d.cfg.Channels
}

// Commit records that channel ch applied everything through header. It
// resolves block-to-zero waits and persists the position.
func (d *Distributor) Commit(ctx context.Context, ch int, header domain.Header, applyLatency time.Duration) error {
	if err := d.catalog.UpdateLastCommitSeqno(ctx, ch, header, applyLatency); err != nil {
		return err
	}
	d.tracker.Commit(ch, header.LastSeqno())
	metrics.AppliedSeqno.WithLabelValues(metrics.ChannelLabel(ch)).Set(float64(header.LastSeqno()))
	return nil
}

// RequestStop asks every channel to stop once it reaches seqno.
func (d *Distributor) RequestStop(ctx context.Context, seqno int64) error {
	for _, q := range d.queues {
		if err := q.PostOutOfBand(ctx, domain.ControlEvent{Type: domain.ControlStop, Seqno: seqno}); err != nil {
			return err
		}
	}
	d.logger.Info("stop requested", log.Seqno(seqno))
	return nil
}

// SyncAt asks every channel to emit a SYNC once it has read seqno.
func (d *Distributor) SyncAt(ctx context.Context, seqno int64) error {
	for _, q := range d.queues {
		if err := q.AddWatchSyncPredicate(ctx, SeqnoAtLeast(seqno)); err != nil {
			return err
		}
	}
	return nil
}

// SetLagBounds changes the interval guard settings while running.
func (d *Distributor) SetLagBounds(maxOffline, maxDelay time.Duration) {
	d.maxOffline.Store(int64(maxOffline))
	d.maxDelay.Store(int64(maxDelay))
}

func (d *Distributor) lagBounds() (time.Duration, time.Duration) {
	return time.Duration(d.maxOffline.Load()), time.Duration(d.maxDelay.Load())
}

// Head returns the highest seqno stored into the local log.
func (d *Distributor) Head() int64 {
	return d.head.Value()
}

// MinCommitted returns the lowest seqno committed across channels.
func (d *Distributor) MinCommitted() int64 {
	return d.tracker.Min()
}

// Interval returns the current extraction-time spread between channels.
func (d *Distributor) Interval() time.Duration {
	return d.guard.Interval()
}

// CriticalPartition returns the partition of the critical section in
// progress, if any.
func (d *Distributor) CriticalPartition() (int, bool) {
	return d.critical.get()
}

// Err returns the reader failure, if any, after the readers stopped.
func (d *Distributor) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Done is closed when every channel reader has returned.
func (d *Distributor) Done() <-chan struct{} {
	return d.done
}

// Stop cancels the readers, waits for them up to the stop timeout, then
// releases the writer and closes the queues.
func (d *Distributor) Stop() error {
	if !d.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if d.cancel != nil {
		d.cancel()
		select {
		case <-d.done:
		case <-time.After(d.cfg.StopTimeout):
			d.logger.Warn("channel readers did not stop in time", log.Duration("timeout", d.cfg.StopTimeout))
		}
	}

	d.writerMu.Lock()
	var err error
	if d.writer != nil {
		err = d.writer.Release()
		d.writer = nil
	}
	d.writerMu.Unlock()

	for _, q := range d.queues {
		q.Close()
	}
	return err
}
