package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bft-labs/thlship/internal/connector"
	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/parallel"
	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/internal/protocol"
	"github.com/bft-labs/thlship/internal/retention"
	"github.com/bft-labs/thlship/internal/server"
	"github.com/bft-labs/thlship/pkg/lifecycle"
	"github.com/bft-labs/thlship/pkg/log"
)

// Defaults for SlaveConfig.
const (
	DefaultPrefetch           = 100
	DefaultPositionSavePeriod = time.Second
)

// SlaveConfig configures a Slave.
type SlaveConfig struct {
	Connector   connector.Config
	Distributor parallel.Config

	// Prefetch is the number of transactions requested at a time.
	Prefetch int

	// StopAt stops every channel once it has applied this seqno. Negative
	// disables it.
	StopAt int64

	// FromEventID asks the master to start at a native event id when the
	// slave has no position yet.
	FromEventID string

	// Listener, when set, serves the local log to downstream slaves.
	Listener *server.Config

	// Retention purges transactions every channel has committed.
	Retention retention.Config

	PositionSavePeriod time.Duration
	ShutdownTimeout    time.Duration
}

// Slave replicates from a master into its local log and applies the log
// on parallel channels.
type Slave struct {
	mu        sync.Mutex
	cfg       SlaveConfig
	store     ports.LogStore
	catalog   ports.CommitCatalog
	applier   ports.Applier
	positions ports.PositionRepository
	dialer    connector.Dialer
	logger    log.Logger
	lifecycle *lifecycle.Manager

	conn     *connector.Manager
	dist     *parallel.Distributor
	listener *server.Listener
	done     chan struct{}

	posMu     sync.Mutex
	last      domain.Header
	lastSaved time.Time
}

// SlaveDeps are the collaborators of a Slave.
type SlaveDeps struct {
	Store     ports.LogStore
	Catalog   ports.CommitCatalog
	Applier   ports.Applier
	Positions ports.PositionRepository
	Dialer    connector.Dialer
}

// NewSlave creates a slave.
func NewSlave(cfg SlaveConfig, deps SlaveDeps, logger log.Logger, emitter lifecycle.EventEmitter) *Slave {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	if cfg.PositionSavePeriod <= 0 {
		cfg.PositionSavePeriod = DefaultPositionSavePeriod
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = lifecycle.ShutdownTimeout
	}
	if deps.Dialer == nil {
		deps.Dialer = &connector.NetDialer{}
	}
	return &Slave{
		cfg:       cfg,
		store:     deps.Store,
		catalog:   deps.Catalog,
		applier:   deps.Applier,
		positions: deps.Positions,
		dialer:    deps.Dialer,
		logger:    logger,
		lifecycle: lifecycle.NewManager(logger, emitter),
		last:      domain.NoHeader,
		done:      make(chan struct{}),
	}
}

// Start restores the replication position, starts the distributor, the
// apply workers and the replication loop.
func (s *Slave) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lifecycle.CanStart() {
		return domain.ErrAlreadyRunning
	}
	if err := s.lifecycle.TransitionTo(lifecycle.StateStarting, "Start() called"); err != nil {
		return err
	}
	crash := func(err error) error {
		_ = s.lifecycle.TransitionTo(lifecycle.StateCrashed, err.Error())
		return err
	}

	last, err := s.restorePosition(ctx)
	if err != nil {
		return crash(err)
	}
	s.last = last

	dist, err := parallel.New(s.cfg.Distributor, s.store, s.catalog, s.logger.With(log.String("component", "distributor")))
	if err != nil {
		return crash(err)
	}
	if err := dist.Start(ctx); err != nil {
		return crash(err)
	}
	s.dist = dist
	if s.cfg.StopAt >= 0 {
		if err := dist.RequestStop(ctx, s.cfg.StopAt); err != nil {
			_ = dist.Stop()
			return crash(err)
		}
	}

	conn, err := connector.NewManager(s.cfg.Connector, s.dialer, s, s.logger.With(log.String("component", "connector")))
	if err != nil {
		_ = dist.Stop()
		return crash(err)
	}
	s.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	s.lifecycle.SetCancel(cancel)

	if s.cfg.Listener != nil {
		l := server.NewListener(*s.cfg.Listener, s.store, s.logger.With(log.String("component", "listener")))
		if err := l.Listen(); err != nil {
			cancel()
			_ = dist.Stop()
			return crash(err)
		}
		s.listener = l
		s.lifecycle.Go("listener", func() {
			if err := l.Serve(runCtx); err != nil && runCtx.Err() == nil {
				s.logger.Error("downstream listener failed", log.Err(err))
			}
		})
	}

	if err := s.lifecycle.TransitionTo(lifecycle.StateRunning, "replicating"); err != nil {
		cancel()
		_ = dist.Stop()
		return err
	}
	s.logger.Info("slave started",
		log.Seqno(last.LastSeqno()),
		log.Int64("epoch", last.EpochNumber),
		log.Int("channels", dist.Channels()),
	)

	s.lifecycle.Go("replication", func() {
		err := conn.Run(runCtx, s.position, s.replicate)
		if err != nil && runCtx.Err() == nil {
			s.logger.Error("replication stopped", log.Err(err))
			_ = s.lifecycle.TransitionTo(lifecycle.StateCrashed, err.Error())
			cancel()
		}
	})
	s.lifecycle.Go("apply", func() {
		defer close(s.done)
		err := s.runWorkers(runCtx)
		switch {
		case err == nil:
			s.logger.Info("every channel reached the stop position", log.Seqno(s.cfg.StopAt))
			cancel()
		case runCtx.Err() == nil:
			s.logger.Error("apply failed", log.Err(err))
			_ = s.lifecycle.TransitionTo(lifecycle.StateCrashed, err.Error())
			cancel()
		}
	})
	startRetention(runCtx, s.cfg.Retention, s.store, retention.CommittedBy(s.catalog), s.lifecycle, s.logger)
	return nil
}

// restorePosition returns the header of the last transaction in the
// local log, falling back to the position file when the log is empty.
func (s *Slave) restorePosition(ctx context.Context) (domain.Header, error) {
	if h, ok, err := lastStoredHeader(ctx, s.store); err != nil {
		return domain.NoHeader, err
	} else if ok {
		return h, nil
	}
	if s.positions == nil {
		return domain.NoHeader, nil
	}
	h, err := s.positions.Load(ctx)
	if err != nil {
		return domain.NoHeader, fmt.Errorf("load position: %w", err)
	}
	return h, nil
}

func lastStoredHeader(ctx context.Context, store ports.LogStore) (domain.Header, bool, error) {
	high := store.MaxSeqno()
	if high < 0 {
		return domain.NoHeader, false, nil
	}
	conn, err := store.Connect(true)
	if err != nil {
		return domain.NoHeader, false, err
	}
	defer conn.Release()

	found, err := conn.Seek(high)
	if err != nil || !found {
		return domain.NoHeader, false, err
	}
	var last *domain.Event
	for {
		ev, err := conn.Next(ctx, false)
		if err != nil {
			return domain.NoHeader, false, err
		}
		if ev == nil {
			break
		}
		last = ev
	}
	if last == nil {
		return domain.NoHeader, false, nil
	}
	return last.Header(), true, nil
}

func (s *Slave) position() protocol.HandshakeResponse {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	if s.last.IsZero() {
		return connector.Position(s.last, s.cfg.FromEventID)
	}
	return connector.Position(s.last, "")
}

// replicate requests transactions after the current position and stores
// them. Fragments are buffered until the transaction commits so a broken
// session never leaves a partial transaction in the log.
func (s *Slave) replicate(ctx context.Context, conn *connector.Connection) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Session.Close() })
	defer stop()

	next := s.lastSeqno() + 1
	if err := conn.Session.RequestEvents(next, s.cfg.Prefetch); err != nil {
		return err
	}
	var (
		pending  []*domain.Event
		received int64
	)
	for {
		events, err := conn.Session.ReadEvents()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		for _, ev := range events {
			if ev.Seqno < next {
				continue
			}
			pending = append(pending, ev)
			if !ev.LastFrag {
				continue
			}
			for _, p := range pending {
				if err := s.dist.Put(p); err != nil {
					return fmt.Errorf("store seqno %d: %w", p.Seqno, err)
				}
			}
			pending = pending[:0]
			s.advance(ctx, ev.Header())
			next = ev.EndSeqno() + 1
			received += ev.TransactionCount()
		}
		if received >= int64(s.cfg.Prefetch) {
			received = 0
			if err := conn.Session.RequestEvents(next, s.cfg.Prefetch); err != nil {
				return err
			}
		}
	}
}

func (s *Slave) lastSeqno() int64 {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	return s.last.LastSeqno()
}

func (s *Slave) advance(ctx context.Context, h domain.Header) {
	s.posMu.Lock()
	s.last = h
	due := time.Since(s.lastSaved) >= s.cfg.PositionSavePeriod
	if due {
		s.lastSaved = time.Now()
	}
	s.posMu.Unlock()
	if due {
		s.savePosition(ctx, h)
	}
}

func (s *Slave) savePosition(ctx context.Context, h domain.Header) {
	if s.positions == nil || h.IsZero() {
		return
	}
	if err := s.positions.Save(ctx, h); err != nil {
		s.logger.Warn("failed to save position", log.Seqno(h.LastSeqno()), log.Err(err))
	}
}

// runWorkers applies every channel until ctx ends or every channel
// reached the stop position.
func (s *Slave) runWorkers(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for ch := 0; ch < s.dist.Channels(); ch++ {
		ch := ch
		g.Go(func() error { return s.applyChannel(gctx, ch) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return ctx.Err()
	}
	return err
}

func (s *Slave) applyChannel(ctx context.Context, ch int) error {
	q := s.dist.Queue(ch)
	logger := s.logger.With(log.Channel(ch))
	var started time.Time
	for {
		it, err := q.Take(ctx)
		if err != nil {
			return err
		}
		if ce := it.Control; ce != nil {
			if ce.Header != nil {
				if err := s.commit(ctx, ch, *ce.Header, 0); err != nil {
					return err
				}
			}
			if ce.Type == domain.ControlStop {
				logger.Info("channel reached stop position", log.Seqno(ce.Seqno))
				return nil
			}
			continue
		}

		ev := it.Event
		if started.IsZero() {
			started = time.Now()
		}
		if err := s.applier.Apply(ctx, ch, ev); err != nil {
			return fmt.Errorf("channel %d: apply seqno %d: %w", ch, ev.Seqno, err)
		}
		if ev.LastFrag {
			if err := s.commit(ctx, ch, ev.Header(), time.Since(started)); err != nil {
				return err
			}
			started = time.Time{}
		}
	}
}

func (s *Slave) commit(ctx context.Context, ch int, h domain.Header, latency time.Duration) error {
	if err := s.applier.Commit(ctx, ch, h); err != nil {
		return fmt.Errorf("channel %d: commit seqno %d: %w", ch, h.LastSeqno(), err)
	}
	return s.dist.Commit(ctx, ch, h, latency)
}

// InSequence implements ports.Notifier.
func (s *Slave) InSequence(uri string) {
	s.logger.Info("connected to master", log.String("uri", uri))
}

// OutOfSequence implements ports.Notifier.
func (s *Slave) OutOfSequence(uri string, err error) {
	s.logger.Warn("lost connection to master", log.String("uri", uri), log.Err(err))
}

// Error implements ports.Notifier.
func (s *Slave) Error(err error) {
	s.logger.Error("replication refused", log.Err(err))
}

// SetLagBounds changes the distributor's interval guard while running.
func (s *Slave) SetLagBounds(maxOffline, maxDelay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dist != nil {
		s.dist.SetLagBounds(maxOffline, maxDelay)
	}
}

// SetRetryInterval changes the reconnect backoff cap while running.
func (s *Slave) SetRetryInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.SetRetryInterval(d)
	}
}

// Position returns the header of the last stored transaction.
func (s *Slave) Position() domain.Header {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	return s.last
}

// Distributor returns the running distributor, or nil before Start.
func (s *Slave) Distributor() *parallel.Distributor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dist
}

// ListenAddr returns the downstream listener address, or "".
func (s *Slave) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr()
}

// Done is closed when the apply workers have exited, either on Stop or
// after reaching the stop position.
func (s *Slave) Done() <-chan struct{} {
	return s.done
}

// Stop shuts replication down and persists the position. A crashed slave
// is cleaned up without a state change.
func (s *Slave) Stop() error {
	s.mu.Lock()
	if s.lifecycle.State() == lifecycle.StateCrashed {
		s.mu.Unlock()
		return s.shutdown()
	}
	if !s.lifecycle.CanStop() {
		s.mu.Unlock()
		return domain.ErrNotRunning
	}
	if err := s.lifecycle.TransitionTo(lifecycle.StateStopping, "Stop() called"); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	err := s.shutdown()
	_ = s.lifecycle.TransitionTo(lifecycle.StateStopped, "shutdown complete")
	return err
}

func (s *Slave) shutdown() error {
	s.mu.Lock()
	s.lifecycle.Cancel()
	conn, l, dist := s.conn, s.listener, s.dist
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if l != nil {
		_ = l.Close()
	}
	err := s.lifecycle.WaitWithTimeout(s.cfg.ShutdownTimeout)
	if dist != nil {
		if stopErr := dist.Stop(); stopErr != nil {
			s.logger.Warn("distributor stop failed", log.Err(stopErr))
		}
	}
	s.savePosition(context.Background(), s.Position())
	return err
}

// Status returns the lifecycle state.
func (s *Slave) Status() lifecycle.State {
	return s.lifecycle.State()
}
