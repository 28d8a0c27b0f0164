package memlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bft-labs/thlship/internal/domain"
)

func tx(seqno int64) *domain.Event {
	return &domain.Event{Seqno: seqno, LastFrag: true, EpochNumber: 1}
}

func TestStore_MinMaxEmpty(t *testing.T) {
	s := New()
	if s.MinSeqno() != -1 || s.MaxSeqno() != -1 {
		t.Fatalf("empty store min/max = %d/%d, want -1/-1", s.MinSeqno(), s.MaxSeqno())
	}
	if err := s.Append(tx(3), tx(4), tx(5)); err != nil {
		t.Fatal(err)
	}
	if s.MinSeqno() != 3 || s.MaxSeqno() != 5 {
		t.Errorf("min/max = %d/%d, want 3/5", s.MinSeqno(), s.MaxSeqno())
	}
}

func TestStore_RejectsOutOfOrder(t *testing.T) {
	s := New()
	if err := s.Append(tx(5)); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(tx(5)); err == nil {
		t.Error("duplicate seqno accepted")
	}
	if err := s.Append(tx(9), tx(8)); err == nil {
		t.Error("descending batch accepted")
	}
	if s.Len() != 1 {
		t.Errorf("rejected batch left %d records, want 1", s.Len())
	}
}

func TestConnection_SeekAndNext(t *testing.T) {
	s := New()
	_ = s.Append(
		&domain.Event{Seqno: 1, Fragno: 0},
		&domain.Event{Seqno: 1, Fragno: 1, LastFrag: true},
		tx(2),
		tx(4),
	)
	c, _ := s.Connect(true)
	defer c.Release()

	found, err := c.Seek(3)
	if err != nil || found {
		t.Fatalf("Seek(3) = %v, %v; want false", found, err)
	}
	ev, _ := c.Next(context.Background(), false)
	if ev == nil || ev.Seqno != 4 {
		t.Fatalf("after Seek(3) Next = %+v, want seqno 4", ev)
	}

	found, _ = c.SeekFragment(1, 1)
	if !found {
		t.Fatal("SeekFragment(1, 1) not found")
	}
	ev, _ = c.Next(context.Background(), false)
	if ev.Fragno != 1 || !ev.LastFrag {
		t.Errorf("Next = %+v, want last fragment of 1", ev)
	}
}

func TestConnection_NextBlocksUntilCommit(t *testing.T) {
	s := New()
	reader, _ := s.Connect(true)
	writer, _ := s.Connect(false)

	if ev, err := reader.Next(context.Background(), false); ev != nil || err != nil {
		t.Fatalf("non-blocking Next on empty log = %v, %v", ev, err)
	}

	got := make(chan *domain.Event, 1)
	go func() {
		ev, _ := reader.Next(context.Background(), true)
		got <- ev
	}()

	_ = writer.Store(tx(0), false)
	select {
	case <-got:
		t.Fatal("uncommitted record visible")
	case <-time.After(20 * time.Millisecond):
	}
	_ = writer.Commit()

	select {
	case ev := <-got:
		if ev.Seqno != 0 {
			t.Errorf("seqno = %d, want 0", ev.Seqno)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked reader not woken by commit")
	}
}

func TestConnection_ReadOnlyAndRelease(t *testing.T) {
	s := New()
	c, _ := s.Connect(true)
	if err := c.Store(tx(0), true); !errors.Is(err, domain.ErrReadOnly) {
		t.Errorf("Store on readonly = %v, want ErrReadOnly", err)
	}
	_ = c.Release()
	if _, err := c.Next(context.Background(), false); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("Next after Release = %v, want ErrClosed", err)
	}
}

func TestConnection_NextHonorsContext(t *testing.T) {
	s := New()
	c, _ := s.Connect(true)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := c.Next(ctx, true); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Next = %v, want deadline exceeded", err)
	}
}

func TestStore_CloseWakesReaders(t *testing.T) {
	s := New()
	c, _ := s.Connect(true)
	done := make(chan error, 1)
	go func() {
		_, err := c.Next(context.Background(), true)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	_ = s.Close()
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrClosed) {
			t.Errorf("err = %v, want ErrClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatal("reader not woken by Close")
	}
}

func TestStore_Purge(t *testing.T) {
	s := New()
	for i := int64(0); i < 10; i++ {
		if err := s.Append(tx(i)); err != nil {
			t.Fatal(err)
		}
	}
	c, _ := s.Connect(true)
	if _, err := c.Seek(2); err != nil {
		t.Fatal(err)
	}

	n, err := s.Purge(4)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 || s.MinSeqno() != 5 {
		t.Fatalf("Purge(4) removed %d, min %d; want 5, 5", n, s.MinSeqno())
	}

	// A cursor left on purged records resumes at the head.
	ev, err := c.Next(context.Background(), false)
	if err != nil || ev == nil || ev.Seqno != 5 {
		t.Fatalf("Next() after purge = %v, %v; want seqno 5", ev, err)
	}
	if _, err := c.Seek(7); err != nil {
		t.Fatal(err)
	}
	if ev, _ := c.Next(context.Background(), false); ev == nil || ev.Seqno != 7 {
		t.Errorf("Next() after Seek(7) = %v, want seqno 7", ev)
	}

	// The last transaction survives.
	if n, _ := s.Purge(100); n != 4 || s.MinSeqno() != 9 || s.MaxSeqno() != 9 {
		t.Errorf("Purge(100) removed %d, bounds %d/%d; want 4, 9/9", n, s.MinSeqno(), s.MaxSeqno())
	}
}
