// Package retention keeps the transaction history log bounded. A Purger
// periodically checks how many transactions the log holds and drops the
// oldest ones once a high watermark is passed.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/bft-labs/thlship/internal/metrics"
	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/pkg/log"
)

// Defaults.
const (
	DefaultCheckInterval = 10 * time.Minute
)

// Config holds the purge thresholds, counted in transactions.
type Config struct {
	// CheckInterval is how often the log size is checked.
	CheckInterval time.Duration

	// HighWatermark is the number of transactions above which a purge
	// starts. Zero disables retention.
	HighWatermark int64

	// LowWatermark is the number of transactions left after a purge.
	// Defaults to three quarters of HighWatermark.
	LowWatermark int64

	// RunImmediately runs a check on start.
	RunImmediately bool
}

// Enabled reports whether c purges anything.
func (c Config) Enabled() bool {
	return c.HighWatermark > 0
}

// Log is a store that can be purged.
type Log interface {
	ports.Purger
	MinSeqno() int64
	MaxSeqno() int64
}

// Protector returns the highest seqno that may be purged. ok is false when
// nothing may be purged yet.
type Protector func(ctx context.Context) (seqno int64, ok bool, err error)

// CommittedBy protects every transaction not yet committed by all apply
// channels of catalog.
func CommittedBy(catalog ports.CommitCatalog) Protector {
	return func(ctx context.Context) (int64, bool, error) {
		h, ok, err := catalog.MinCommitSeqno(ctx)
		if err != nil || !ok {
			return 0, false, err
		}
		return h.LastSeqno(), true, nil
	}
}

// Purger drops old transactions from a log.
type Purger struct {
	cfg     Config
	log     Log
	protect Protector
	logger  log.Logger
}

// New creates a purger. protect may be nil.
func New(cfg Config, l Log, protect Protector, logger log.Logger) *Purger {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.LowWatermark <= 0 || cfg.LowWatermark > cfg.HighWatermark {
		cfg.LowWatermark = cfg.HighWatermark / 4 * 3
	}
	if cfg.LowWatermark < 1 {
		cfg.LowWatermark = 1
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Purger{cfg: cfg, log: l, protect: protect, logger: logger}
}

// Run checks the log every CheckInterval until ctx is done.
func (p *Purger) Run(ctx context.Context) error {
	if !p.cfg.Enabled() {
		return nil
	}
	p.logger.Info("log retention enabled",
		log.Int64("high_watermark", p.cfg.HighWatermark),
		log.Int64("low_watermark", p.cfg.LowWatermark),
		log.Duration("interval", p.cfg.CheckInterval),
	)
	if p.cfg.RunImmediately {
		p.check(ctx)
	}

	ticker := time.NewTicker(p.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *Purger) check(ctx context.Context) {
	if _, err := p.PurgeOnce(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("log purge failed", log.Err(err))
	}
}

// PurgeOnce performs a single check and returns the number of records
// removed.
func (p *Purger) PurgeOnce(ctx context.Context) (int, error) {
	low, high := p.log.MinSeqno(), p.log.MaxSeqno()
	if low < 0 || high-low+1 <= p.cfg.HighWatermark {
		return 0, nil
	}

	upTo := high - p.cfg.LowWatermark
	if p.protect != nil {
		limit, ok, err := p.protect(ctx)
		if err != nil {
			return 0, fmt.Errorf("purge limit: %w", err)
		}
		if !ok {
			return 0, nil
		}
		if limit < upTo {
			upTo = limit
		}
	}
	if upTo < low {
		return 0, nil
	}

	removed, err := p.log.Purge(upTo)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		metrics.Purges.Inc()
		metrics.PurgedRecords.Add(float64(removed))
		p.logger.Info("log purged",
			log.Int64("up_to", upTo),
			log.Int("records", removed),
			log.Int64("min_seqno", p.log.MinSeqno()),
		)
	}
	return removed, nil
}
