package parallel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bft-labs/thlship/internal/domain"
)

func TestHeadCounter(t *testing.T) {
	c := NewHeadCounter(-1)
	c.Advance(5)
	c.Advance(3)
	require.Equal(t, int64(5), c.Value())

	done := make(chan error, 1)
	go func() { done <- c.WaitFor(context.Background(), 8) }()
	select {
	case <-done:
		t.Fatal("WaitFor returned before the head reached 8")
	case <-time.After(20 * time.Millisecond):
	}
	c.Advance(8)
	require.NoError(t, <-done)
}

func TestCommitTracker_WaitsForEveryChannel(t *testing.T) {
	tr := NewCommitTracker(2)
	require.Equal(t, int64(-1), tr.Min())

	done := make(chan error, 1)
	go func() { done <- tr.WaitFor(context.Background(), 5) }()

	tr.Commit(0, 5)
	select {
	case <-done:
		t.Fatal("WaitFor returned with channel 1 behind")
	case <-time.After(20 * time.Millisecond):
	}
	tr.Commit(1, 7)
	require.NoError(t, <-done)

	tr.Commit(1, 2)
	require.Equal(t, int64(7), tr.Committed(1), "commit never regresses")
	require.Equal(t, int64(5), tr.Min())
}

func TestCommitTracker_WaitHonorsContext(t *testing.T) {
	tr := NewCommitTracker(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tr.WaitFor(ctx, 1), context.DeadlineExceeded)
}

func TestIntervalGuard_MaxOffline(t *testing.T) {
	g := NewIntervalGuard(2)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Nothing reported yet: no bound to enforce.
	ok, err := g.WaitMinTime(context.Background(), 0, base, 10*time.Second, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	g.Report(1, 10, base)
	g.Report(0, 12, base.Add(5*time.Second))
	require.Equal(t, 5*time.Second, g.Interval())

	ok, err = g.WaitMinTime(context.Background(), 0, base.Add(20*time.Second), 10*time.Second, 30*time.Millisecond)
	require.NoError(t, err)
	require.False(t, ok, "channel 0 is 20s ahead of channel 1")

	done := make(chan bool, 1)
	go func() {
		ok, _ := g.WaitMinTime(context.Background(), 0, base.Add(20*time.Second), 10*time.Second, 5*time.Second)
		done <- ok
	}()
	time.Sleep(20 * time.Millisecond)
	g.Report(1, 15, base.Add(15*time.Second))
	require.True(t, <-done)

	ok, err = g.WaitMinTime(context.Background(), 0, base.Add(time.Hour), 0, 0)
	require.NoError(t, err)
	require.True(t, ok, "zero max offline disables the guard")
}

func TestIntervalGuard_ZeroMaxDelayReleases(t *testing.T) {
	g := NewIntervalGuard(2)
	base := time.Now()
	g.Report(1, 1, base)

	done := make(chan bool, 1)
	go func() {
		ok, _ := g.WaitMinTime(context.Background(), 0, base.Add(time.Minute), time.Second, 0)
		done <- ok
	}()
	select {
	case ok := <-done:
		require.False(t, ok, "bound is not met, the transaction is released anyway")
	case <-time.After(2 * time.Second):
		t.Fatal("WaitMinTime blocked with a zero max delay")
	}
}

func TestIntervalGuard_IgnoresOwnChannel(t *testing.T) {
	g := NewIntervalGuard(2)
	base := time.Now()
	g.Report(0, 1, base)
	g.Report(1, 1, base.Add(time.Minute))

	ok, err := g.WaitMinTime(context.Background(), 0, base.Add(time.Minute), 10*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	min, found := g.MinTime()
	require.True(t, found)
	require.True(t, min.Equal(base))
}

func TestRestartCoordinator_Minimum(t *testing.T) {
	r := NewRestartCoordinator(3)
	r.Report(0, domain.Header{Seqno: 10})
	r.Report(1, domain.Header{Seqno: 7})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	_, err := r.Wait(ctx)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	r.Report(1, domain.Header{Seqno: 1})
	r.Report(2, domain.Header{Seqno: 12})

	h, err := r.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), h.Seqno, "first report per channel wins")
}

func TestRestartCoordinator_NoPosition(t *testing.T) {
	r := NewRestartCoordinator(2)
	r.Report(0, domain.Header{Seqno: 4})
	r.Report(1, domain.NoHeader)
	h, err := r.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(-1), h.LastSeqno())
}
