package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/metrics"
	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/internal/protocol"
	"github.com/bft-labs/thlship/pkg/lifecycle"
	"github.com/bft-labs/thlship/pkg/log"
)

// Defaults for Config.
const (
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultRetryInterval  = 30 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultRetryLogEvery  = 10
)

// Config configures master selection.
type Config struct {
	// URIs lists candidate masters, tried round-robin.
	URIs []string

	// PreferredRole, when set, is the role a candidate should advertise.
	PreferredRole string

	// PreferredRoleTimeout is how long to keep looking for PreferredRole
	// before accepting any candidate.
	PreferredRoleTimeout time.Duration

	// InitialBackoff is the first sleep after an unsuccessful lap.
	InitialBackoff time.Duration

	// RetryInterval caps the backoff.
	RetryInterval time.Duration

	// ConnectTimeout bounds dial plus handshake of one candidate.
	ConnectTimeout time.Duration

	// ReadTimeout bounds silence on an established session.
	ReadTimeout time.Duration

	// SourceID, HeartbeatInterval and Compression fill the handshake response.
	SourceID          string
	HeartbeatInterval time.Duration
	Compression       bool

	// RetryLogEvery logs one in every N failed attempts.
	RetryLogEvery int64
}

// Connection is an accepted, validated session to a master.
type Connection struct {
	URI       string
	Session   *protocol.Session
	Handshake *protocol.Handshake
	Range     domain.SeqNoRange
}

// Role returns the role advertised by the master.
func (c *Connection) Role() string {
	return c.Handshake.Role()
}

// Manager selects and maintains one connection to an acceptable master.
type Manager struct {
	cfg      Config
	dialer   Dialer
	notifier ports.Notifier
	logger   log.Logger

	mu       sync.Mutex
	current  *Connection
	uri      string
	index    int
	closed   bool
	retries  int64
	timeouts int64
	backoff  *lifecycle.Backoff
}

// NewManager validates cfg and creates a manager. notifier may be nil.
func NewManager(cfg Config, dialer Dialer, notifier ports.Notifier, logger log.Logger) (*Manager, error) {
	if len(cfg.URIs) == 0 {
		return nil, fmt.Errorf("%w: no master uri", domain.ErrInvalidConfig)
	}
	for _, u := range cfg.URIs {
		if _, err := ParseURI(u); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
		}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RetryLogEvery <= 0 {
		cfg.RetryLogEvery = DefaultRetryLogEvery
	}
	if dialer == nil {
		dialer = &NetDialer{}
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Manager{
		cfg:      cfg,
		dialer:   dialer,
		notifier: notifier,
		logger:   logger,
		backoff:  lifecycle.NewBackoff(cfg.InitialBackoff, cfg.RetryInterval),
	}, nil
}

// Connect runs master selection until a candidate is accepted, ctx is done,
// the manager is closed, or a candidate refuses the client's position.
// Consistency refusals are returned and never retried.
//
// resp is the client's position; SourceID, heartbeat and compression are
// filled in from Config.
func (m *Manager) Connect(ctx context.Context, resp protocol.HandshakeResponse) (*Connection, error) {
	start := time.Now()
	n := len(m.cfg.URIs)

	m.mu.Lock()
	m.backoff.Reset()
	m.mu.Unlock()

	for tries := 1; ; tries++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, domain.ErrClosed
		}
		uri := m.cfg.URIs[m.index]
		m.index = (m.index + 1) % n
		m.mu.Unlock()

		conn, err := m.attempt(ctx, uri, resp)
		switch {
		case err == nil:
			laps := tries / n
			if m.acceptable(conn.Role(), time.Since(start), laps) {
				return m.publish(conn)
			}
			m.logger.Debug("candidate role not preferred",
				log.String("uri", uri),
				log.String("role", conn.Role()),
				log.String("preferred_role", m.cfg.PreferredRole),
			)
			_ = conn.Session.Close()
		case errors.Is(err, domain.ErrConsistency):
			m.logger.Error("master refused our position", log.String("uri", uri), log.Err(err))
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			m.recordFailure(uri, err)
		}

		if tries%n == 0 {
			m.mu.Lock()
			b := m.backoff
			m.mu.Unlock()
			if err := b.Sleep(ctx); err != nil {
				return nil, err
			}
		}
	}
}

// acceptable applies the preferred-role rule.
func (m *Manager) acceptable(role string, elapsed time.Duration, laps int) bool {
	if m.cfg.PreferredRole == "" || role == m.cfg.PreferredRole {
		return true
	}
	return elapsed >= m.cfg.PreferredRoleTimeout && laps >= 1
}

func (m *Manager) attempt(ctx context.Context, uri string, resp protocol.HandshakeResponse) (*Connection, error) {
	ep, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	nc, err := m.dialer.Dial(dctx, ep)
	if err != nil {
		return nil, err
	}
	deadline, _ := dctx.Deadline()
	_ = nc.SetDeadline(deadline)

	sess := protocol.NewSession(nc, protocol.SessionConfig{
		ReadTimeout: m.cfg.ReadTimeout,
		Logger:      m.logger,
	})
	stop := context.AfterFunc(dctx, func() { _ = sess.Close() })

	resp.SourceID = m.cfg.SourceID
	resp.HeartbeatMillis = m.cfg.HeartbeatInterval.Milliseconds()
	resp.Options = copyOptions(resp.Options)
	if m.cfg.Compression {
		resp.Options[protocol.OptCompression] = protocol.CompressionSnappy
	}

	hs, r, err := sess.ClientHandshake(&resp)
	if !stop() && err == nil {
		err = context.DeadlineExceeded
	}
	if err != nil {
		_ = sess.Close()
		if dctx.Err() != nil && ctx.Err() == nil && !errors.Is(err, domain.ErrConsistency) {
			return nil, fmt.Errorf("handshake with %s: %w", uri, context.DeadlineExceeded)
		}
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	return &Connection{URI: uri, Session: sess, Handshake: hs, Range: r}, nil
}

func (m *Manager) recordFailure(uri string, err error) {
	m.mu.Lock()
	m.retries++
	if isTimeout(err) {
		m.timeouts++
		metrics.ConnectTimeouts.Inc()
	}
	retries, timeouts := m.retries, m.timeouts
	m.mu.Unlock()
	metrics.ConnectRetries.Inc()

	if log.Every(retries, m.cfg.RetryLogEvery) {
		m.logger.Warn("unable to connect to master",
			log.String("uri", uri),
			log.Int64("retries", retries),
			log.Int64("timeouts", timeouts),
			log.Err(err),
		)
	}
}

func (m *Manager) publish(conn *Connection) (*Connection, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.Session.Close()
		return nil, domain.ErrClosed
	}
	m.current = conn
	m.uri = conn.URI
	m.retries = 0
	m.timeouts = 0
	m.mu.Unlock()

	metrics.Connected.Set(1)
	m.logger.Info("connected to master",
		log.String("uri", conn.URI),
		log.String("role", conn.Role()),
		log.String("source_id", conn.Handshake.SourceID()),
		log.Int64("min_seqno", conn.Range.MinSeqno),
		log.Int64("max_seqno", conn.Range.MaxSeqno),
	)
	if m.notifier != nil {
		m.notifier.InSequence(conn.URI)
	}
	return conn, nil
}

// Disconnect drops conn after a failure, emitting an out-of-sequence
// notification. Only the first call for the current connection has effect.
func (m *Manager) Disconnect(conn *Connection, cause error) {
	if !m.drop(conn) {
		return
	}
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}
	m.logger.Warn("lost connection to master", log.String("uri", conn.URI), log.Err(cause))
	if m.notifier != nil {
		m.notifier.OutOfSequence(conn.URI, cause)
	}
}

// drop closes conn if it is still the current connection.
func (m *Manager) drop(conn *Connection) bool {
	m.mu.Lock()
	if conn == nil || m.current != conn {
		m.mu.Unlock()
		return false
	}
	m.current = nil
	m.mu.Unlock()

	_ = conn.Session.Close()
	metrics.Connected.Set(0)
	return true
}

// Run keeps a connection alive: it selects a master, hands the connection
// to serve and reselects when serve fails with a transport error. It
// returns when ctx is done, on a consistency refusal, or when serve
// returns nil.
func (m *Manager) Run(ctx context.Context, position func() protocol.HandshakeResponse, serve func(context.Context, *Connection) error) error {
	for {
		conn, err := m.Connect(ctx, position())
		if err != nil {
			return err
		}
		err = serve(ctx, conn)
		if err == nil {
			m.drop(conn)
			return nil
		}
		m.Disconnect(conn, err)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, domain.ErrConsistency), errors.Is(err, domain.ErrClosed):
			if m.notifier != nil {
				m.notifier.Error(err)
			}
			return err
		}
	}
}

// URI returns the uri of the last accepted master.
func (m *Manager) URI() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.uri
}

// Stats returns failed attempts and timeouts since the last accepted
// connection.
func (m *Manager) Stats() (retries, timeouts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries, m.timeouts
}

// SetRetryInterval changes the backoff cap.
func (m *Manager) SetRetryInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.RetryInterval = d
	m.backoff.SetMax(d)
}

// Close drops the current connection and makes Connect fail. Safe to call
// concurrently with Disconnect.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cur := m.current
	m.current = nil
	m.mu.Unlock()

	if cur != nil {
		_ = cur.Session.Close()
		metrics.Connected.Set(0)
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func copyOptions(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Position builds the handshake response for a client at header, optionally
// asking to start after eventID.
func Position(header domain.Header, eventID string) protocol.HandshakeResponse {
	resp := protocol.HandshakeResponse{
		LastSeqno:       header.LastSeqno(),
		LastEpochNumber: header.EpochNumber,
		Options:         map[string]string{},
	}
	if header.IsZero() {
		resp.LastSeqno = -1
		resp.LastEpochNumber = -1
	}
	if eventID != "" {
		resp.Options[protocol.OptEventID] = eventID
	}
	return resp
}
