package retention

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bft-labs/thlship/internal/adapters/memlog"
	"github.com/bft-labs/thlship/internal/catalog"
	"github.com/bft-labs/thlship/internal/domain"
)

func filledLog(t *testing.T, n int64) *memlog.Store {
	t.Helper()
	s := memlog.New()
	for i := int64(0); i < n; i++ {
		if err := s.Append(&domain.Event{Seqno: i, LastFrag: true}); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func TestNew_Defaults(t *testing.T) {
	p := New(Config{HighWatermark: 100}, memlog.New(), nil, nil)
	if p.cfg.LowWatermark != 75 {
		t.Errorf("LowWatermark = %d, want 75", p.cfg.LowWatermark)
	}
	if p.cfg.CheckInterval != DefaultCheckInterval {
		t.Errorf("CheckInterval = %v, want %v", p.cfg.CheckInterval, DefaultCheckInterval)
	}
	if p := New(Config{HighWatermark: 1}, memlog.New(), nil, nil); p.cfg.LowWatermark != 1 {
		t.Errorf("LowWatermark = %d, want 1", p.cfg.LowWatermark)
	}
}

func TestPurgeOnce(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		cfg     Config
		wantMin int64
	}{
		{"below high watermark", 10, Config{HighWatermark: 10, LowWatermark: 5}, 0},
		{"down to low watermark", 20, Config{HighWatermark: 10, LowWatermark: 5}, 15},
		{"disabled", 20, Config{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := filledLog(t, tt.size)
			p := New(tt.cfg, s, nil, nil)
			if !tt.cfg.Enabled() {
				if err := p.Run(context.Background()); err != nil {
					t.Fatal(err)
				}
			} else if _, err := p.PurgeOnce(context.Background()); err != nil {
				t.Fatal(err)
			}
			if got := s.MinSeqno(); got != tt.wantMin {
				t.Errorf("MinSeqno() = %d, want %d", got, tt.wantMin)
			}
		})
	}
}

func TestPurgeOnce_Protected(t *testing.T) {
	ctx := context.Background()
	s := filledLog(t, 20)
	cat := catalog.NewMemory()
	p := New(Config{HighWatermark: 10, LowWatermark: 5}, s, CommittedBy(cat), nil)

	if n, err := p.PurgeOnce(ctx); err != nil || n != 0 {
		t.Fatalf("PurgeOnce() with nothing committed = %d, %v; want 0, nil", n, err)
	}

	_ = cat.UpdateLastCommitSeqno(ctx, 0, domain.Header{Seqno: 7}, 0)
	_ = cat.UpdateLastCommitSeqno(ctx, 1, domain.Header{Seqno: 12}, 0)
	if _, err := p.PurgeOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if got := s.MinSeqno(); got != 8 {
		t.Errorf("MinSeqno() = %d, want 8 (slowest channel committed 7)", got)
	}
}

func TestPurgeOnce_ProtectorError(t *testing.T) {
	s := filledLog(t, 20)
	boom := errors.New("boom")
	p := New(Config{HighWatermark: 10}, s, func(context.Context) (int64, bool, error) {
		return 0, false, boom
	}, nil)
	if _, err := p.PurgeOnce(context.Background()); !errors.Is(err, boom) {
		t.Errorf("PurgeOnce() error = %v, want %v", err, boom)
	}
	if s.MinSeqno() != 0 {
		t.Error("purged despite protector error")
	}
}

func TestRun_ImmediateAndStop(t *testing.T) {
	s := filledLog(t, 20)
	p := New(Config{HighWatermark: 10, LowWatermark: 5, CheckInterval: time.Hour, RunImmediately: true}, s, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for s.MinSeqno() != 15 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.MinSeqno() != 15 {
		t.Errorf("MinSeqno() = %d, want 15", s.MinSeqno())
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
