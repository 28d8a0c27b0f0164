package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/internal/metrics"
	"github.com/bft-labs/thlship/internal/ports"
	"github.com/bft-labs/thlship/pkg/log"
)

// DefaultErrorLogInterval is how often tolerated failures are logged.
const DefaultErrorLogInterval = time.Minute

// UpdaterConfig controls how an Updater treats write failures.
type UpdaterConfig struct {
	// TolerateErrors makes write failures non-fatal. They are counted and
	// logged at most once per LogInterval.
	TolerateErrors bool
	LogInterval    time.Duration
}

// Updater wraps a CommitCatalog. Write failures are fatal unless
// TolerateErrors is set.
type Updater struct {
	ports.CommitCatalog

	cfg    UpdaterConfig
	logger log.Logger
	now    func() time.Time

	mu      sync.Mutex
	errors  int64
	lastLog time.Time
}

// NewUpdater wraps inner.
func NewUpdater(inner ports.CommitCatalog, cfg UpdaterConfig, logger log.Logger) *Updater {
	if cfg.LogInterval <= 0 {
		cfg.LogInterval = DefaultErrorLogInterval
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Updater{CommitCatalog: inner, cfg: cfg, logger: logger, now: time.Now}
}

// UpdateLastCommitSeqno writes through to the wrapped catalog.
func (u *Updater) UpdateLastCommitSeqno(ctx context.Context, task int, header domain.Header, applyLatency time.Duration) error {
	err := u.CommitCatalog.UpdateLastCommitSeqno(ctx, task, header, applyLatency)
	if err == nil {
		return nil
	}
	metrics.CatalogErrors.Inc()

	u.mu.Lock()
	defer u.mu.Unlock()
	u.errors++
	if !u.cfg.TolerateErrors {
		return fmt.Errorf("update commit position of task %d at seqno %d: %w", task, header.LastSeqno(), err)
	}
	if now := u.now(); u.lastLog.IsZero() || now.Sub(u.lastLog) >= u.cfg.LogInterval {
		u.lastLog = now
		u.logger.Warn("commit catalog update failed, continuing",
			log.Int("task", task),
			log.Seqno(header.LastSeqno()),
			log.Int64("errors", u.errors),
			log.Err(err),
		)
	}
	return nil
}

// Errors returns the number of failed updates.
func (u *Updater) Errors() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.errors
}
