package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/thlship/internal/metrics"
	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/pkg/log"
)

// DefaultJoinTimeout bounds how long Close waits for handlers.
const DefaultJoinTimeout = 10 * time.Second

// Config configures a Listener.
type Config struct {
	// Addr is the TCP listen address, e.g. ":2112".
	Addr string

	// TLSConfig enables thls:// when set.
	TLSConfig *tls.Config

	// JoinTimeout bounds the wait for handlers on Close.
	JoinTimeout time.Duration

	Handler HandlerConfig
}

// Listener accepts client connections and runs one Handler per connection.
//
// Finished handlers do not remove themselves from the registry. They push
// their id onto a pending-removal queue that the accept loop drains.
type Listener struct {
	cfg    Config
	store  ports.LogStore
	logger log.Logger

	ln     net.Listener
	addr   atomic.Value
	closed atomic.Bool
	nextID atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	handlers map[uint64]*Handler

	removeMu sync.Mutex
	removals []uint64

	closeOnce sync.Once
}

// NewListener creates a listener serving store.
func NewListener(cfg Config, store ports.LogStore, logger log.Logger) *Listener {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[uint64]*Handler),
	}
}

// Listen binds the listening socket.
func (l *Listener) Listen() error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return err
	}
	if l.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, l.cfg.TLSConfig)
	}
	l.ln = ln
	l.addr.Store(ln.Addr().String())
	l.logger.Info("listening for replication clients",
		log.String("addr", ln.Addr().String()),
		log.Bool("tls", l.cfg.TLSConfig != nil),
	)
	return nil
}

// Addr returns the bound address, or "" before Listen.
func (l *Listener) Addr() string {
	if v := l.addr.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// Serve runs the accept loop until Close is called or ctx is done.
func (l *Listener) Serve(ctx context.Context) error {
	if l.ln == nil {
		if err := l.Listen(); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()

	for {
		nc, err := l.ln.Accept()
		if err != nil {
			if l.closed.Load() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		l.drainRemovals()
		l.spawn(nc)
	}
}

func (l *Listener) spawn(nc net.Conn) {
	id := l.nextID.Add(1)
	h := NewHandler(id, nc, l.store, l.cfg.Handler, l.logger)

	l.mu.Lock()
	if l.closed.Load() {
		l.mu.Unlock()
		_ = nc.Close()
		return
	}
	l.handlers[id] = h
	l.wg.Add(1)
	l.mu.Unlock()
	metrics.SessionsTotal.Inc()

	go func() {
		defer l.wg.Done()
		defer l.markForRemoval(id)
		_ = h.Run(l.ctx)
	}()
}

func (l *Listener) markForRemoval(id uint64) {
	l.removeMu.Lock()
	l.removals = append(l.removals, id)
	l.removeMu.Unlock()
}

func (l *Listener) drainRemovals() {
	l.removeMu.Lock()
	removals := l.removals
	l.removals = nil
	l.removeMu.Unlock()
	if len(removals) == 0 {
		return
	}

	l.mu.Lock()
	for _, id := range removals {
		delete(l.handlers, id)
	}
	l.mu.Unlock()
}

// SessionCount returns the number of registered handlers after dropping
// finished ones.
func (l *Listener) SessionCount() int {
	l.drainRemovals()
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.handlers)
}

// Close stops accepting, cancels every handler, waits for them up to the
// join timeout and closes the listening socket.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed.Store(true)
		l.mu.Unlock()
		if l.ln != nil {
			err = l.ln.Close()
		}

		l.cancel()

		done := make(chan struct{})
		go func() {
			l.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(l.cfg.JoinTimeout):
			l.logger.Warn("session handlers did not stop in time",
				log.Duration("timeout", l.cfg.JoinTimeout),
				log.Int("sessions", l.SessionCount()),
			)
		}
		l.drainRemovals()
		l.logger.Info("listener closed")
	})
	return err
}
