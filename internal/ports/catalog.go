package ports

import (
	"context"
	"time"

	"github.com/bft-labs/thlship/internal/domain"
)

// CommitCatalog persists the last committed position of each apply task.
type CommitCatalog interface {
	// UpdateLastCommitSeqno records header as committed by task.
	UpdateLastCommitSeqno(ctx context.Context, task int, header domain.Header, applyLatency time.Duration) error

	// LastCommitSeqno returns the position of one task, or false if the task
	// never committed.
	LastCommitSeqno(ctx context.Context, task int) (domain.Header, bool, error)

	// MinCommitSeqno returns the lowest committed position across tasks, or
	// false if nothing was committed.
	MinCommitSeqno(ctx context.Context) (domain.Header, bool, error)

	// Close releases the catalog.
	Close() error
}

// Applier consumes the transactions of one channel.
type Applier interface {
	// Apply processes one event. Fragments of a transaction arrive in order.
	Apply(ctx context.Context, task int, ev *domain.Event) error

	// Commit is called for every committing fragment and every SYNC.
	Commit(ctx context.Context, task int, header domain.Header) error
}

// PositionRepository persists the slave's last received header so a
// restart resumes from it.
type PositionRepository interface {
	// Load returns the saved header, or domain.NoHeader if none exists.
	Load(ctx context.Context) (domain.Header, error)

	// Save persists the header atomically.
	Save(ctx context.Context, header domain.Header) error
}
