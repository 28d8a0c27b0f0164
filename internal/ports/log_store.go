package ports

import (
	"context"

	"github.com/bft-labs/thlship/internal/domain"
)

// LogStore is the durable, ordered transaction history log.
type LogStore interface {
	// Connect opens a connection. Each goroutine owns its own connection;
	// connections are never shared.
	Connect(readonly bool) (LogConnection, error)

	// MinSeqno returns the lowest stored seqno, or -1 when empty.
	MinSeqno() int64

	// MaxSeqno returns the highest stored seqno, or -1 when empty.
	MaxSeqno() int64
}

// Purger is implemented by stores that can drop old transactions.
type Purger interface {
	// Purge removes transactions with a seqno at or below upTo and returns
	// the number of records removed. The last transaction is never removed.
	Purge(upTo int64) (int, error)
}

// LogConnection is a cursor over a LogStore.
type LogConnection interface {
	// Seek positions the cursor at the first fragment of seqno.
	// Returns false when seqno is not stored; the cursor is then positioned
	// at the next higher stored seqno, if any.
	Seek(seqno int64) (bool, error)

	// SeekFragment positions the cursor at (seqno, fragno).
	SeekFragment(seqno int64, fragno uint16) (bool, error)

	// Next returns the record under the cursor and advances it. When
	// blocking is false and nothing is ready it returns (nil, nil).
	// When blocking is true it waits for a record or for ctx.
	Next(ctx context.Context, blocking bool) (*domain.Event, error)

	// Store appends a record. Records become visible to readers when
	// forceCommit is set or on the next Commit.
	Store(ev *domain.Event, forceCommit bool) error

	// Commit makes every stored record visible.
	Commit() error

	// Release closes the connection.
	Release() error
}

// Notifier receives replication pipeline notifications.
type Notifier interface {
	// InSequence is emitted when a connection to uri was accepted.
	InSequence(uri string)

	// OutOfSequence is emitted when an established connection failed.
	OutOfSequence(uri string, err error)

	// Error is emitted on unrecoverable reader failures.
	Error(err error)
}
