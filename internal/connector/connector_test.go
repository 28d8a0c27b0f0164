package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bft-labs/thlship/internal/adapters/memlog"
	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/protocol"
	"github.com/bft-labs/thlship/internal/server"
)

func TestParseURI(t *testing.T) {
	tests := []struct {
		in      string
		want    Endpoint
		wantErr bool
	}{
		{in: "thl://db1:2113/", want: Endpoint{Host: "db1", Port: 2113}},
		{in: "thl://db1/", want: Endpoint{Host: "db1", Port: DefaultPort}},
		{in: "thls://db2", want: Endpoint{Host: "db2", Port: DefaultPort, TLS: true}},
		{in: "thl://[::1]:9000/", want: Endpoint{Host: "::1", Port: 9000}},
		{in: "http://db1/", wantErr: true},
		{in: "thl:///", wantErr: true},
		{in: "thl://db1:0/", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseURI(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		tt.want.URI = tt.in
		require.Equal(t, tt.want, got)
	}
	ep, _ := ParseURI("thl://[::1]:9000/")
	require.Equal(t, "[::1]:9000", ep.Address())
}

type recordingNotifier struct {
	mu     sync.Mutex
	in     []string
	out    []string
	errors []error
}

func (n *recordingNotifier) InSequence(uri string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.in = append(n.in, uri)
}

func (n *recordingNotifier) OutOfSequence(uri string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.out = append(n.out, uri)
}

func (n *recordingNotifier) Error(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, err)
}

func (n *recordingNotifier) counts() (int, int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.in), len(n.out), len(n.errors)
}

// startMaster runs a listener advertising role over a log holding
// seqnos 0..9 at epoch 3.
func startMaster(t *testing.T, role string) string {
	t.Helper()
	s := memlog.New()
	for i := int64(0); i < 10; i++ {
		require.NoError(t, s.Append(&domain.Event{Seqno: i, LastFrag: true, EpochNumber: 3}))
	}
	l := server.NewListener(server.Config{
		Addr:    "127.0.0.1:0",
		Handler: server.HandlerConfig{SourceID: role, Role: role},
	}, s, nil)
	require.NoError(t, l.Listen())
	go func() { _ = l.Serve(context.Background()) }()
	t.Cleanup(func() { _ = l.Close() })
	return fmt.Sprintf("thl://%s/", l.Addr())
}

func deadURI(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return fmt.Sprintf("thl://%s/", addr)
}

func newManager(t *testing.T, cfg Config, n *recordingNotifier) *Manager {
	t.Helper()
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 20 * time.Millisecond
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = 100 * time.Millisecond
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = time.Second
	}
	m, err := NewManager(cfg, nil, n, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func fresh() protocol.HandshakeResponse {
	return Position(domain.NoHeader, "")
}

func TestManager_NoPreferredRoleAcceptsFirst(t *testing.T) {
	first := startMaster(t, domain.RoleMaster)
	second := startMaster(t, domain.RoleSlave)
	n := &recordingNotifier{}
	m := newManager(t, Config{URIs: []string{first, second}}, n)

	conn, err := m.Connect(context.Background(), fresh())
	require.NoError(t, err)
	require.Equal(t, first, conn.URI)
	require.Equal(t, first, m.URI())
	require.Equal(t, domain.SeqNoRange{MinSeqno: 0, MaxSeqno: 9}, conn.Range)

	in, _, _ := n.counts()
	require.Equal(t, 1, in)
}

func TestManager_PreferredRoleFoundWithoutTimeout(t *testing.T) {
	uris := []string{
		startMaster(t, domain.RoleMaster),
		startMaster(t, domain.RoleMaster),
		startMaster(t, domain.RoleSlave),
	}
	m := newManager(t, Config{
		URIs:                 uris,
		PreferredRole:        domain.RoleSlave,
		PreferredRoleTimeout: 5 * time.Second,
	}, &recordingNotifier{})

	start := time.Now()
	conn, err := m.Connect(context.Background(), fresh())
	require.NoError(t, err)
	require.Equal(t, uris[2], conn.URI)
	require.Equal(t, domain.RoleSlave, conn.Role())
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestManager_RoleSearchTimeoutAcceptsAnyRole(t *testing.T) {
	uris := []string{
		startMaster(t, domain.RoleMaster),
		startMaster(t, domain.RoleMaster),
		startMaster(t, domain.RoleMaster),
	}
	m := newManager(t, Config{
		URIs:                 uris,
		PreferredRole:        domain.RoleSlave,
		PreferredRoleTimeout: 200 * time.Millisecond,
	}, &recordingNotifier{})

	start := time.Now()
	conn, err := m.Connect(context.Background(), fresh())
	require.NoError(t, err)
	require.Equal(t, domain.RoleMaster, conn.Role())
	require.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestManager_SkipsUnreachableCandidates(t *testing.T) {
	dead := deadURI(t)
	live := startMaster(t, domain.RoleMaster)
	m := newManager(t, Config{URIs: []string{dead, live}, RetryLogEvery: 1}, &recordingNotifier{})

	conn, err := m.Connect(context.Background(), fresh())
	require.NoError(t, err)
	require.Equal(t, live, conn.URI)
	retries, _ := m.Stats()
	require.Zero(t, retries, "stats reset on acceptance")
}

func TestManager_ConsistencyRefusalIsNotRetried(t *testing.T) {
	uri := startMaster(t, domain.RoleMaster)
	m := newManager(t, Config{URIs: []string{uri}}, &recordingNotifier{})

	pos := Position(domain.Header{Seqno: 5, EpochNumber: 2, LastFrag: true}, "")
	_, err := m.Connect(context.Background(), pos)
	require.ErrorIs(t, err, domain.ErrConsistency)
	retries, _ := m.Stats()
	require.Zero(t, retries)
}

func TestManager_ContextEndsSelection(t *testing.T) {
	m := newManager(t, Config{URIs: []string{deadURI(t)}}, &recordingNotifier{})
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := m.Connect(ctx, fresh())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	retries, _ := m.Stats()
	require.Positive(t, retries)
}

func TestManager_DisconnectIsIdempotent(t *testing.T) {
	uri := startMaster(t, domain.RoleMaster)
	n := &recordingNotifier{}
	m := newManager(t, Config{URIs: []string{uri}}, n)

	conn, err := m.Connect(context.Background(), fresh())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Disconnect(conn, errors.New("read: connection reset"))
		}()
	}
	wg.Wait()
	_ = m.Close()

	_, out, _ := n.counts()
	require.Equal(t, 1, out)

	_, err = m.Connect(context.Background(), fresh())
	require.ErrorIs(t, err, domain.ErrClosed)
}

func TestManager_RunReconnectsAfterTransportError(t *testing.T) {
	uri := startMaster(t, domain.RoleMaster)
	n := &recordingNotifier{}
	m := newManager(t, Config{URIs: []string{uri}}, n)

	calls := 0
	err := m.Run(context.Background(), fresh, func(ctx context.Context, conn *Connection) error {
		calls++
		if calls == 1 {
			return errors.New("read: connection reset by peer")
		}
		require.NoError(t, conn.Session.RequestEvents(0, 1))
		events, err := conn.Session.ReadEvents()
		require.NoError(t, err)
		require.Equal(t, int64(0), events[0].Seqno)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	in, out, _ := n.counts()
	require.Equal(t, 2, in)
	require.Equal(t, 1, out)
}

func TestPosition(t *testing.T) {
	resp := Position(domain.NoHeader, "")
	require.Equal(t, int64(-1), resp.LastSeqno)
	require.False(t, resp.HasPosition())

	resp = Position(domain.Header{Seqno: 10, EndSeqno: 14, EpochNumber: 2}, "bin.1:5")
	require.Equal(t, int64(14), resp.LastSeqno)
	require.Equal(t, int64(2), resp.LastEpochNumber)
	require.Equal(t, "bin.1:5", resp.Option(protocol.OptEventID))
}
