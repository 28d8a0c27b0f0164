package app

import (
	"context"
	"sync"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/pkg/log"
)

// LogApplier is the default applier of the CLI. It logs every committed
// transaction and keeps per-channel counters.
type LogApplier struct {
	logger log.Logger

	mu      sync.Mutex
	applied map[int]int64
	last    map[int]domain.Header
}

// NewLogApplier creates a LogApplier.
func NewLogApplier(logger log.Logger) *LogApplier {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &LogApplier{
		logger:  logger,
		applied: make(map[int]int64),
		last:    make(map[int]domain.Header),
	}
}

// Apply records one fragment.
func (a *LogApplier) Apply(_ context.Context, task int, ev *domain.Event) error {
	if !ev.LastFrag {
		return nil
	}
	a.mu.Lock()
	a.applied[task] += ev.TransactionCount()
	a.mu.Unlock()
	a.logger.Debug("applied",
		log.Channel(task),
		log.Seqno(ev.Seqno),
		log.String("shard", ev.ShardID),
		log.String("event_id", ev.EventID),
	)
	return nil
}

// Commit records the channel position.
func (a *LogApplier) Commit(_ context.Context, task int, header domain.Header) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.last[task] = header
	return nil
}

// Applied returns the number of transactions applied by task.
func (a *LogApplier) Applied(task int) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.applied[task]
}

// Last returns the last header committed by task.
func (a *LogApplier) Last(task int) (domain.Header, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.last[task]
	return h, ok
}
