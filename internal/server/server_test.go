package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bft-labs/thlship/internal/adapters/memlog"
	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/protocol"
)

func record(seqno, epoch int64) *domain.Event {
	return &domain.Event{
		Seqno:       seqno,
		LastFrag:    true,
		EpochNumber: epoch,
		SourceID:    "m1",
		EventID:     fmt.Sprintf("bin.000001:%d", seqno*10),
	}
}

func fill(t *testing.T, s *memlog.Store, from, to, epoch int64) {
	t.Helper()
	for i := from; i <= to; i++ {
		require.NoError(t, s.Append(record(i, epoch)))
	}
}

func check(t *testing.T, s *memlog.Store, resp *protocol.HandshakeResponse) (Validation, error) {
	t.Helper()
	conn, err := s.Connect(true)
	require.NoError(t, err)
	defer conn.Release()
	return CheckConsistency(context.Background(), s, conn, resp)
}

func TestCheckConsistency_EpochRoundTrip(t *testing.T) {
	s := memlog.New()
	fill(t, s, 0, 100, 3)

	_, err := check(t, s, &protocol.HandshakeResponse{LastEpochNumber: 3, LastSeqno: 100})
	require.NoError(t, err)

	_, err = check(t, s, &protocol.HandshakeResponse{LastEpochNumber: 2, LastSeqno: 100})
	require.ErrorIs(t, err, domain.ErrConsistency)

	_, err = check(t, s, &protocol.HandshakeResponse{LastEpochNumber: -1, LastSeqno: -1})
	require.NoError(t, err)
}

func TestCheckConsistency_Positions(t *testing.T) {
	s := memlog.New()
	fill(t, s, 101, 150, 3)

	_, err := check(t, s, &protocol.HandshakeResponse{LastEpochNumber: 3, LastSeqno: 100})
	require.NoError(t, err, "seqno+1 present after head trim")

	_, err = check(t, s, &protocol.HandshakeResponse{LastEpochNumber: 3, LastSeqno: 90})
	require.ErrorIs(t, err, domain.ErrConsistency)

	_, err = check(t, s, &protocol.HandshakeResponse{LastEpochNumber: 3, LastSeqno: 200})
	require.ErrorIs(t, err, domain.ErrConsistency)
}

func TestCheckConsistency_EmptyLogDefers(t *testing.T) {
	v, err := check(t, memlog.New(), &protocol.HandshakeResponse{LastEpochNumber: 3, LastSeqno: 100})
	require.NoError(t, err)
	require.True(t, v.Deferred)
}

func TestCheckConsistency_EventID(t *testing.T) {
	s := memlog.New()
	fill(t, s, 0, 30, 3)

	withEventID := func(seqno int64, id string) *protocol.HandshakeResponse {
		return &protocol.HandshakeResponse{
			LastEpochNumber: 3,
			LastSeqno:       seqno,
			Options:         map[string]string{protocol.OptEventID: id},
		}
	}

	v, err := check(t, s, withEventID(10, "bin.000001:150"))
	require.NoError(t, err)
	require.NotNil(t, v.Filtered)
	require.Equal(t, int64(11), v.Filtered.Seqno)
	require.Equal(t, int64(15), v.Filtered.Payload.EndSeqno)

	v, err = check(t, s, withEventID(10, "bin.000001:100"))
	require.NoError(t, err)
	require.Nil(t, v.Filtered, "event id at the client position skips nothing")

	_, err = check(t, s, withEventID(10, "bin.000001:50"))
	require.ErrorIs(t, err, domain.ErrConsistency, "event id behind the position is refused")

	_, err = check(t, s, withEventID(10, "bin.000001:155"))
	require.ErrorIs(t, err, domain.ErrConsistency)

	_, err = check(t, s, withEventID(10, "bin.000009:1"))
	require.ErrorIs(t, err, domain.ErrConsistency)
}

func startListener(t *testing.T, s *memlog.Store) *Listener {
	t.Helper()
	l := NewListener(Config{
		Addr:        "127.0.0.1:0",
		JoinTimeout: 2 * time.Second,
		Handler: HandlerConfig{
			SourceID:          "m1",
			Role:              domain.RoleMaster,
			HeartbeatInterval: 50 * time.Millisecond,
			BufferSize:        2,
			FlushPeriod:       10 * time.Millisecond,
		},
	}, s, nil)
	require.NoError(t, l.Listen())
	go func() { _ = l.Serve(context.Background()) }()
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func dial(t *testing.T, l *Listener) *protocol.Session {
	t.Helper()
	nc, err := net.Dial("tcp", l.Addr())
	require.NoError(t, err)
	sess := protocol.NewSession(nc, protocol.SessionConfig{ReadTimeout: 5 * time.Second})
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func readTransactions(t *testing.T, sess *protocol.Session, n int) []*domain.Event {
	t.Helper()
	var out []*domain.Event
	var committed int64
	for committed < int64(n) {
		events, err := sess.ReadEvents()
		require.NoError(t, err)
		for _, ev := range events {
			out = append(out, ev)
			if ev.LastFrag {
				committed += ev.TransactionCount()
			}
		}
	}
	return out
}

func TestListener_FreshSlaveJoin(t *testing.T) {
	s := memlog.New()
	fill(t, s, 0, 9, 1)
	l := startListener(t, s)
	sess := dial(t, l)

	hs, r, err := sess.ClientHandshake(&protocol.HandshakeResponse{LastSeqno: -1, LastEpochNumber: -1})
	require.NoError(t, err)
	require.Equal(t, domain.RoleMaster, hs.Role())
	require.Equal(t, domain.SeqNoRange{MinSeqno: 0, MaxSeqno: 9}, r)

	require.NoError(t, sess.RequestEvents(0, 5))
	events := readTransactions(t, sess, 5)
	for i, ev := range events {
		require.Equal(t, int64(i), ev.Seqno)
	}

	require.NoError(t, sess.RequestEvents(5, 5))
	events = readTransactions(t, sess, 5)
	require.Equal(t, int64(5), events[0].Seqno)
	require.Equal(t, int64(9), events[len(events)-1].Seqno)
}

func TestListener_StreamsNewRecords(t *testing.T) {
	s := memlog.New()
	fill(t, s, 0, 2, 1)
	l := startListener(t, s)
	sess := dial(t, l)

	_, _, err := sess.ClientHandshake(&protocol.HandshakeResponse{LastSeqno: 2, LastEpochNumber: 1})
	require.NoError(t, err)
	require.NoError(t, sess.RequestEvents(3, 2))

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = s.Append(record(3, 1))
		_ = s.Append(record(4, 1))
	}()
	events := readTransactions(t, sess, 2)
	require.Equal(t, int64(3), events[0].Seqno)
	require.Equal(t, int64(4), events[1].Seqno)
}

func TestListener_RefusesDivergedClient(t *testing.T) {
	s := memlog.New()
	fill(t, s, 0, 100, 3)
	l := startListener(t, s)
	sess := dial(t, l)

	_, _, err := sess.ClientHandshake(&protocol.HandshakeResponse{LastSeqno: 100, LastEpochNumber: 2})
	require.ErrorIs(t, err, domain.ErrConsistency)
	require.Contains(t, err.Error(), "epoch")
}

func TestListener_DeferredCheck(t *testing.T) {
	s := memlog.New()
	l := startListener(t, s)

	ok := dial(t, l)
	_, _, err := ok.ClientHandshake(&protocol.HandshakeResponse{LastSeqno: 4, LastEpochNumber: 1})
	require.NoError(t, err)
	require.NoError(t, ok.RequestEvents(5, 1))

	bad := dial(t, l)
	_, _, err = bad.ClientHandshake(&protocol.HandshakeResponse{LastSeqno: 4, LastEpochNumber: 7})
	require.NoError(t, err, "empty log defers the check")
	require.NoError(t, bad.RequestEvents(5, 1))

	fill(t, s, 0, 6, 1)

	events := readTransactions(t, ok, 1)
	require.Equal(t, int64(5), events[0].Seqno)

	_, err = bad.ReadEvents()
	require.ErrorIs(t, err, domain.ErrProtocol)
	require.Contains(t, err.Error(), "epoch")
}

func TestListener_DeferredCheckRunsOnClientSeqno(t *testing.T) {
	s := memlog.New()
	l := startListener(t, s)

	sess := dial(t, l)
	_, _, err := sess.ClientHandshake(&protocol.HandshakeResponse{LastSeqno: 4, LastEpochNumber: 7})
	require.NoError(t, err)
	require.NoError(t, sess.RequestEvents(5, 1))

	// The log ends at the client's own seqno: that record is enough to refuse it.
	fill(t, s, 0, 4, 1)

	errc := make(chan error, 1)
	go func() {
		_, err := sess.ReadEvents()
		errc <- err
	}()
	select {
	case err := <-errc:
		require.ErrorIs(t, err, domain.ErrProtocol)
		require.Contains(t, err.Error(), "epoch")
	case <-time.After(3 * time.Second):
		t.Fatal("consistency check waited for a record past the client position")
	}
}

func TestListener_EventIDSendsFilteredRange(t *testing.T) {
	s := memlog.New()
	fill(t, s, 0, 30, 3)
	l := startListener(t, s)
	sess := dial(t, l)

	_, _, err := sess.ClientHandshake(&protocol.HandshakeResponse{
		LastSeqno:       10,
		LastEpochNumber: 3,
		Options:         map[string]string{protocol.OptEventID: "bin.000001:150"},
	})
	require.NoError(t, err)
	require.NoError(t, sess.RequestEvents(11, 2))

	events := readTransactions(t, sess, 5)
	require.Len(t, events, 1)
	require.True(t, events[0].IsFilteredRange())
	require.Equal(t, int64(11), events[0].Seqno)
	require.Equal(t, int64(15), events[0].EndSeqno())

	require.NoError(t, sess.RequestEvents(16, 1))
	events = readTransactions(t, sess, 1)
	require.Equal(t, int64(16), events[0].Seqno)
}

func TestListener_CloseStopsSessions(t *testing.T) {
	s := memlog.New()
	fill(t, s, 0, 1, 1)
	l := startListener(t, s)

	for i := 0; i < 3; i++ {
		sess := dial(t, l)
		_, _, err := sess.ClientHandshake(&protocol.HandshakeResponse{LastSeqno: -1, LastEpochNumber: -1})
		require.NoError(t, err)
		require.NoError(t, sess.RequestEvents(2, 1))
	}
	require.Eventually(t, func() bool { return l.SessionCount() == 3 }, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = l.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Close did not return")
	}
	require.Equal(t, 0, l.SessionCount())
}
