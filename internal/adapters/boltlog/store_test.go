package boltlog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bft-labs/thlship/internal/domain"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "thl.db"), nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func tx(seqno int64) *domain.Event {
	return &domain.Event{
		Seqno:        seqno,
		LastFrag:     true,
		EpochNumber:  2,
		SourceTstamp: time.Unix(1700000000, 0).UTC(),
		EventID:      "bin.000001:100",
		Payload:      domain.Payload{Kind: domain.PayloadData, Data: []byte("row")},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	s := openTemp(t)
	w, _ := s.Connect(false)
	for i := int64(0); i < 3; i++ {
		if err := w.Store(tx(i), false); err != nil {
			t.Fatal(err)
		}
	}
	if s.MaxSeqno() != -1 {
		t.Errorf("MaxSeqno before commit = %d, want -1", s.MaxSeqno())
	}
	if err := w.Commit(); err != nil {
		t.Fatal(err)
	}
	if s.MinSeqno() != 0 || s.MaxSeqno() != 2 {
		t.Errorf("min/max = %d/%d, want 0/2", s.MinSeqno(), s.MaxSeqno())
	}

	r, _ := s.Connect(true)
	found, err := r.Seek(1)
	if err != nil || !found {
		t.Fatalf("Seek(1) = %v, %v", found, err)
	}
	ev, err := r.Next(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Seqno != 1 || ev.EpochNumber != 2 || string(ev.Payload.Data) != "row" || ev.EventID != "bin.000001:100" {
		t.Errorf("decoded event = %+v", ev)
	}
	ev, _ = r.Next(context.Background(), false)
	if ev.Seqno != 2 {
		t.Errorf("second Next seqno = %d, want 2", ev.Seqno)
	}
	if ev, _ = r.Next(context.Background(), false); ev != nil {
		t.Errorf("Next past end = %+v, want nil", ev)
	}
}

func TestStore_ReopenKeepsBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thl.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	w, _ := s.Connect(false)
	_ = w.Store(tx(7), false)
	_ = w.Store(tx(8), true)
	_ = s.Close()

	s, err = Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if s.MinSeqno() != 7 || s.MaxSeqno() != 8 {
		t.Errorf("reopened min/max = %d/%d, want 7/8", s.MinSeqno(), s.MaxSeqno())
	}
	w, _ = s.Connect(false)
	if err := w.Store(tx(8), true); err == nil {
		t.Error("duplicate seqno accepted after reopen")
	}
}

func TestStore_FragmentsAndBlockingNext(t *testing.T) {
	s := openTemp(t)
	r, _ := s.Connect(true)
	got := make(chan *domain.Event, 2)
	go func() {
		for i := 0; i < 2; i++ {
			ev, err := r.Next(context.Background(), true)
			if err != nil {
				return
			}
			got <- ev
		}
	}()

	w, _ := s.Connect(false)
	_ = w.Store(&domain.Event{Seqno: 0, Fragno: 0}, false)
	_ = w.Store(&domain.Event{Seqno: 0, Fragno: 1, LastFrag: true}, true)

	for want := uint16(0); want < 2; want++ {
		select {
		case ev := <-got:
			if ev.Fragno != want {
				t.Errorf("fragno = %d, want %d", ev.Fragno, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("blocked reader not woken")
		}
	}
}

func TestConnection_ReadOnly(t *testing.T) {
	s := openTemp(t)
	r, _ := s.Connect(true)
	if err := r.Store(tx(0), true); !errors.Is(err, domain.ErrReadOnly) {
		t.Errorf("Store = %v, want ErrReadOnly", err)
	}
}

func TestStore_Purge(t *testing.T) {
	s := openTemp(t)
	w, _ := s.Connect(false)
	for i := int64(0); i < 6; i++ {
		if err := w.Store(tx(i), true); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.Purge(2)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || s.MinSeqno() != 3 || s.MaxSeqno() != 5 {
		t.Fatalf("Purge(2) removed %d, bounds %d/%d; want 3, 3/5", n, s.MinSeqno(), s.MaxSeqno())
	}
	if n, _ := s.Purge(1); n != 0 {
		t.Errorf("Purge below min removed %d records", n)
	}

	r, _ := s.Connect(true)
	found, err := r.Seek(1)
	if err != nil || found {
		t.Fatalf("Seek(1) after purge = %v, %v; want not found", found, err)
	}
	ev, err := r.Next(context.Background(), false)
	if err != nil || ev == nil || ev.Seqno != 3 {
		t.Fatalf("Next() = %v, %v; want seqno 3", ev, err)
	}

	if n, _ := s.Purge(100); n != 2 || s.MinSeqno() != 5 {
		t.Errorf("Purge(100) removed %d, min %d; want 2, 5", n, s.MinSeqno())
	}
}
