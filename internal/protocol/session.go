package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/metrics"
	"github.com/bft-labs/thlship/pkg/log"
)

// SessionConfig configures buffering and liveness of a Session.
type SessionConfig struct {
	// BufferSize is the number of records batched into one Event message.
	// Zero sends every record as soon as it is ready.
	BufferSize int

	// FlushPeriod bounds how long a record waits in a partial batch.
	FlushPeriod time.Duration

	// ReadTimeout closes the read side when the peer is silent longer than
	// this, heartbeats included. Zero disables it.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single frame write. Zero disables it.
	WriteTimeout time.Duration

	Logger log.Logger
}

// Session frames messages over one connection. One goroutine reads; writes
// from the serving goroutine and the heartbeat goroutine are serialized.
type Session struct {
	conn   net.Conn
	cfg    SessionConfig
	logger log.Logger

	r *bufio.Reader

	wmu       sync.Mutex
	w         *bufio.Writer
	compress  bool
	lastWrite atomic.Int64

	batch     []*domain.Event
	lastFlush time.Time

	hbMu     sync.Mutex
	hbStop   chan struct{}
	hbDone   chan struct{}
	hbClosed bool

	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// NewSession wraps conn.
func NewSession(conn net.Conn, cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = log.NewNoopLogger()
	}
	s := &Session{
		conn:      conn,
		cfg:       cfg,
		logger:    cfg.Logger,
		r:         bufio.NewReader(conn),
		w:         bufio.NewWriter(conn),
		lastFlush: time.Now(),
		hbStop:    make(chan struct{}),
		closed:    make(chan struct{}),
	}
	s.lastWrite.Store(time.Now().UnixNano())
	return s
}

// RemoteAddr returns the peer address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// SetCompression turns snappy compression of outgoing Event frames on or off.
func (s *Session) SetCompression(on bool) {
	s.wmu.Lock()
	s.compress = on
	s.wmu.Unlock()
}

// Write sends one message and flushes it to the connection.
func (s *Session) Write(m Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeLocked(m)
}

func (s *Session) writeLocked(m Message) error {
	payload, err := Marshal(m, s.compress && m.Kind() == KindEvent)
	if err != nil {
		return err
	}
	if s.cfg.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	if err := WriteFrame(s.w, payload); err != nil {
		return fmt.Errorf("write %s: %w", m.Kind(), err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", m.Kind(), err)
	}
	s.lastWrite.Store(time.Now().UnixNano())
	metrics.BytesSent.Add(float64(len(payload) + 4))
	return nil
}

// Read returns the next message other than a heartbeat.
func (s *Session) Read() (Message, error) {
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		payload, err := ReadFrame(s.r)
		if err != nil {
			return nil, err
		}
		m, err := Unmarshal(payload)
		if err != nil {
			return nil, err
		}
		if m.Kind() == KindHeartbeat {
			continue
		}
		return m, nil
	}
}

// ServerHandshake runs the server half of the handshake. validate inspects
// the client's response; on error the client receives NOK with the reason
// and the error is returned.
func (s *Session) ServerHandshake(hs *Handshake, validate func(*HandshakeResponse) (domain.SeqNoRange, error)) (*HandshakeResponse, error) {
	if err := s.Write(hs); err != nil {
		return nil, err
	}
	m, err := s.Read()
	if err != nil {
		var perr *domain.ProtocolError
		if errors.As(err, &perr) {
			s.refuse(perr)
		}
		return nil, err
	}
	resp, ok := m.(*HandshakeResponse)
	if !ok {
		perr := domain.NewProtocolError("expected HandshakeResponse, got %s", m.Kind())
		s.refuse(perr)
		return nil, perr
	}

	r, err := validate(resp)
	if err != nil {
		s.refuse(err)
		return resp, err
	}
	if resp.Option(OptCompression) == CompressionSnappy {
		s.SetCompression(true)
	}
	if err := s.Write(&OK{Range: r}); err != nil {
		return resp, err
	}
	return resp, nil
}

// refuse answers the handshake with NOK.
func (s *Session) refuse(err error) {
	if werr := s.Write(&NOK{Reason: err.Error()}); werr != nil {
		s.logger.Debug("could not send NOK", log.Err(werr))
	}
}

// ClientHandshake runs the client half: read Handshake, answer with resp,
// then wait for OK or NOK. A NOK is returned as a *domain.ConsistencyError.
func (s *Session) ClientHandshake(resp *HandshakeResponse) (*Handshake, domain.SeqNoRange, error) {
	m, err := s.Read()
	if err != nil {
		return nil, domain.SeqNoRange{}, err
	}
	hs, ok := m.(*Handshake)
	if !ok {
		return nil, domain.SeqNoRange{}, domain.NewProtocolError("expected Handshake, got %s", m.Kind())
	}
	if resp.Options == nil {
		resp.Options = map[string]string{}
	}
	if err := s.Write(resp); err != nil {
		return hs, domain.SeqNoRange{}, err
	}

	m, err = s.Read()
	if err != nil {
		return hs, domain.SeqNoRange{}, err
	}
	switch v := m.(type) {
	case *OK:
		return hs, v.Range, nil
	case *NOK:
		return hs, domain.SeqNoRange{}, domain.NewConsistencyError("%s", v.Reason)
	default:
		return hs, domain.SeqNoRange{}, domain.NewProtocolError("expected OK or NOK, got %s", m.Kind())
	}
}

// RequestEvents asks the server to stream from seqno.
func (s *Session) RequestEvents(seqno int64, prefetch int) error {
	return s.Write(&EventRequest{Seqno: seqno, PrefetchRange: prefetch})
}

// ReadRequest waits for the client's next EventRequest.
func (s *Session) ReadRequest() (*EventRequest, error) {
	m, err := s.Read()
	if err != nil {
		return nil, err
	}
	req, ok := m.(*EventRequest)
	if !ok {
		return nil, domain.NewProtocolError("expected EventRequest, got %s", m.Kind())
	}
	return req, nil
}

// ReadEvents waits for the next batch of records. A NOK from the server
// ends the stream with a protocol error carrying its reason.
func (s *Session) ReadEvents() ([]*domain.Event, error) {
	m, err := s.Read()
	if err != nil {
		return nil, err
	}
	switch v := m.(type) {
	case *Event:
		metrics.EventsReceived.Add(float64(len(v.Records)))
		return v.Records, nil
	case *NOK:
		return nil, domain.NewProtocolError("server error: %s", v.Reason)
	default:
		return nil, domain.NewProtocolError("expected Event, got %s", m.Kind())
	}
}

// SendEvent queues ev for the client. With buffering disabled it is written
// at once; otherwise the batch is flushed when full, when forceFlush is set,
// or when the flush period has elapsed.
func (s *Session) SendEvent(ev *domain.Event, forceFlush bool) error {
	if s.cfg.BufferSize <= 0 {
		metrics.EventsSent.Inc()
		return s.Write(&Event{Records: []*domain.Event{ev}})
	}
	s.batch = append(s.batch, ev)
	if forceFlush || len(s.batch) >= s.cfg.BufferSize ||
		(s.cfg.FlushPeriod > 0 && time.Since(s.lastFlush) >= s.cfg.FlushPeriod) {
		return s.Flush()
	}
	return nil
}

// Flush writes any batched records.
func (s *Session) Flush() error {
	s.lastFlush = time.Now()
	if len(s.batch) == 0 {
		return nil
	}
	batch := s.batch
	s.batch = nil
	metrics.EventsSent.Add(float64(len(batch)))
	return s.Write(&Event{Records: batch})
}

// Buffered returns the number of records waiting in the batch.
func (s *Session) Buffered() int {
	return len(s.batch)
}

// StartHeartbeat writes a Heartbeat whenever nothing was written for
// interval. It stops on Close.
func (s *Session) StartHeartbeat(interval time.Duration) {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()
	if interval <= 0 || s.hbClosed || s.hbDone != nil {
		return
	}
	s.hbDone = make(chan struct{})
	go s.heartbeatLoop(interval, s.hbDone)
}

func (s *Session) heartbeatLoop(interval time.Duration, done chan struct{}) {
	defer close(done)
	tick := interval / 2
	if tick <= 0 {
		tick = interval
	}
	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-s.hbStop:
			return
		case <-t.C:
			idle := time.Since(time.Unix(0, s.lastWrite.Load()))
			if idle < interval {
				continue
			}
			if err := s.Write(&Heartbeat{}); err != nil {
				s.logger.Debug("heartbeat failed, closing session", log.Err(err))
				go s.Close()
				return
			}
			metrics.HeartbeatsSent.Inc()
		}
	}
}

// Abort sends a best-effort NOK carrying err and closes the session.
func (s *Session) Abort(err error) {
	s.wmu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
	werr := s.writeLocked(&NOK{Reason: err.Error()})
	s.wmu.Unlock()
	if werr != nil && !errors.Is(werr, net.ErrClosed) {
		s.logger.Debug("could not report error to peer", log.Err(werr))
	}
	_ = s.Close()
}

// Done is closed once the session is closed, including after a failed
// heartbeat.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

// Close stops the heartbeat and closes the connection. Safe to call more
// than once and from any goroutine.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
		close(s.closed)
		s.hbMu.Lock()
		s.hbClosed = true
		done := s.hbDone
		s.hbMu.Unlock()
		close(s.hbStop)
		if done != nil {
			<-done
		}
	})
	return s.closeErr
}
