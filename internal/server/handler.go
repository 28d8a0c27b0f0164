package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/metrics"
	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/internal/protocol"
	"github.com/bft-labs/thlship/pkg/log"
)

// State is the state of a session handler.
type State int32

const (
	StateInit State = iota
	StateHandshaking
	StateValidating
	StateServing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateValidating:
		return "VALIDATING"
	case StateServing:
		return "SERVING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// HandlerConfig configures every session handler of a listener.
type HandlerConfig struct {
	// SourceID identifies this server in handshakes.
	SourceID string

	// Role is advertised to clients, usually "master".
	Role string

	HeartbeatInterval time.Duration
	BufferSize        int
	FlushPeriod       time.Duration
	WriteTimeout      time.Duration
}

// Handler serves one client connection.
type Handler struct {
	id     uint64
	cfg    HandlerConfig
	store  ports.LogStore
	sess   *protocol.Session
	logger log.Logger
	state  atomic.Int32

	conn        ports.LogConnection
	positioned  bool
	nextSeqno   int64
	firstSent   bool
	filtered    *domain.Event
	deferred    *protocol.HandshakeResponse
	clientEpoch int64
}

// NewHandler creates a handler for an accepted connection.
func NewHandler(id uint64, nc net.Conn, store ports.LogStore, cfg HandlerConfig, logger log.Logger) *Handler {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	logger = logger.With(log.Uint64("session", id), log.String("client", nc.RemoteAddr().String()))
	return &Handler{
		id:    id,
		cfg:   cfg,
		store: store,
		sess: protocol.NewSession(nc, protocol.SessionConfig{
			BufferSize:   cfg.BufferSize,
			FlushPeriod:  cfg.FlushPeriod,
			WriteTimeout: cfg.WriteTimeout,
			Logger:       logger,
		}),
		logger: logger,
	}
}

// ID returns the handler id.
func (h *Handler) ID() uint64 { return h.id }

// State returns the current state.
func (h *Handler) State() State { return State(h.state.Load()) }

func (h *Handler) setState(s State) {
	h.state.Store(int32(s))
}

// Run drives the session until the client disconnects, an error occurs or
// ctx is canceled. The log connection is always released and the socket
// closed on return.
func (h *Handler) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = h.sess.Close() })
	defer stop()
	go func() {
		select {
		case <-h.sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()
	defer h.setState(StateClosed)
	defer h.sess.Close()

	conn, err := h.store.Connect(true)
	if err != nil {
		h.sess.Abort(err)
		return fmt.Errorf("connect to log: %w", err)
	}
	h.conn = conn
	defer func() {
		if err := h.conn.Release(); err != nil {
			h.logger.Warn("release log connection", log.Err(err))
		}
	}()

	if err := h.handshake(ctx); err != nil {
		return h.fail(ctx, err)
	}

	h.setState(StateServing)
	h.sess.StartHeartbeat(h.cfg.HeartbeatInterval)
	if err := h.serve(ctx); err != nil {
		return h.fail(ctx, err)
	}
	return nil
}

func (h *Handler) handshake(ctx context.Context) error {
	h.setState(StateHandshaking)
	r := domain.SeqNoRange{MinSeqno: h.store.MinSeqno(), MaxSeqno: h.store.MaxSeqno()}
	hs := protocol.NewHandshake(h.cfg.SourceID, h.cfg.Role, r)

	resp, err := h.sess.ServerHandshake(hs, func(resp *protocol.HandshakeResponse) (domain.SeqNoRange, error) {
		h.setState(StateValidating)
		v, err := CheckConsistency(ctx, h.store, h.conn, resp)
		if err != nil {
			return domain.SeqNoRange{}, err
		}
		if v.Deferred {
			h.deferred = resp
			h.logger.Info("server log is empty, deferring consistency check",
				log.Seqno(resp.LastSeqno), log.Int64("epoch", resp.LastEpochNumber))
		}
		h.filtered = v.Filtered
		return domain.SeqNoRange{MinSeqno: h.store.MinSeqno(), MaxSeqno: h.store.MaxSeqno()}, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrConsistency) {
			metrics.HandshakeFailures.WithLabelValues("consistency").Inc()
			return err
		}
		metrics.HandshakeFailures.WithLabelValues("protocol").Inc()
		return err
	}
	h.clientEpoch = resp.LastEpochNumber
	h.logger.Info("client attached",
		log.String("source_id", resp.SourceID),
		log.Seqno(resp.LastSeqno),
		log.Int64("epoch", resp.LastEpochNumber),
		log.Int64("heartbeat_ms", resp.HeartbeatMillis),
	)
	return nil
}

func (h *Handler) serve(ctx context.Context) error {
	for {
		req, err := h.sess.ReadRequest()
		if err != nil {
			return err
		}
		prefetch := req.PrefetchRange
		if prefetch <= 0 {
			prefetch = 1
		}
		if !h.positioned || req.Seqno != h.nextSeqno {
			if err := h.position(req.Seqno); err != nil {
				return err
			}
		}

		for sent := int64(0); sent < int64(prefetch); {
			ev, err := h.next(ctx, req.Seqno)
			if err != nil {
				return err
			}
			if err := h.sess.SendEvent(ev, false); err != nil {
				return err
			}
			if ev.LastFrag {
				sent += ev.TransactionCount()
				h.nextSeqno = ev.EndSeqno() + 1
			}
		}
		if err := h.sess.Flush(); err != nil {
			return err
		}
	}
}

// position moves the cursor to seqno. A pending filtered range is aligned
// to the first requested seqno so the client sees no gap.
func (h *Handler) position(seqno int64) error {
	if h.filtered != nil {
		if seqno <= h.filtered.Payload.EndSeqno {
			h.filtered.Seqno = seqno
			h.nextSeqno = seqno
			h.positioned = true
			return h.seek(h.filtered.Payload.EndSeqno + 1)
		}
		h.filtered = nil
	}
	if min := h.store.MinSeqno(); min >= 0 && seqno < min {
		return domain.NewConsistencyError("requested seqno %d is no longer in the log (min %d)", seqno, min)
	}
	h.nextSeqno = seqno
	h.positioned = true
	return h.seek(seqno)
}

func (h *Handler) seek(seqno int64) error {
	if _, err := h.conn.Seek(seqno); err != nil {
		return fmt.Errorf("seek %d: %w", seqno, err)
	}
	return nil
}

// next returns the next record for the client. Nothing ready means the
// batch is flushed before blocking.
func (h *Handler) next(ctx context.Context, requested int64) (*domain.Event, error) {
	if h.filtered != nil {
		ev := h.filtered
		h.filtered = nil
		h.firstSent = true
		return ev, nil
	}

	for h.deferred != nil {
		if max := h.store.MaxSeqno(); max >= 0 && max >= h.deferred.LastSeqno {
			if err := h.runDeferredCheck(ctx); err != nil {
				return nil, err
			}
			return h.next(ctx, requested)
		}
		if _, err := h.conn.Next(ctx, true); err != nil {
			return nil, err
		}
	}

	ev, err := h.conn.Next(ctx, false)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		if err := h.sess.Flush(); err != nil {
			return nil, err
		}
		ev, err = h.conn.Next(ctx, true)
		if err != nil {
			return nil, err
		}
	}

	if !h.firstSent {
		h.firstSent = true
		if ev.Seqno != requested || ev.Fragno != 0 {
			return nil, domain.NewConsistencyError(
				"first record served is seqno %d fragno %d, client requested %d; log bounds changed during handshake",
				ev.Seqno, ev.Fragno, requested)
		}
	}
	return ev, nil
}

// runDeferredCheck repeats the handshake consistency check once the log
// has grown past the client's position, then restores the cursor.
func (h *Handler) runDeferredCheck(ctx context.Context) error {
	resp := h.deferred
	h.deferred = nil
	v, err := CheckConsistency(ctx, h.store, h.conn, resp)
	if err != nil {
		return err
	}
	h.logger.Info("deferred consistency check passed", log.Seqno(resp.LastSeqno))
	h.filtered = v.Filtered
	return h.position(h.nextSeqno)
}

// fail reports err to the client when that still makes sense.
func (h *Handler) fail(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), ctx.Err() != nil:
		h.logger.Info("session ended", log.String("state", h.State().String()))
		return nil
	case h.State() != StateServing:
		// The handshake already answered with NOK.
		h.logger.Error("client refused", log.String("state", h.State().String()), log.Err(err))
		return err
	default:
		h.logger.Error("session failed", log.String("state", h.State().String()), log.Err(err))
		h.sess.Abort(err)
		return err
	}
}
