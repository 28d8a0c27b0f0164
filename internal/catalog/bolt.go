package catalog

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/bft-labs/thlship/internal/domain"
	"github.com/bft-labs/thlship/pkg/log"
)

var commitBucket = []byte("commit_seqno")

// Bolt is a commit catalog stored in a bbolt file, one key per task.
type Bolt struct {
	db     *bolt.DB
	logger log.Logger
}

// Open opens (or creates) the catalog file at path.
func Open(path string, logger log.Logger) (*Bolt, error) {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("catalog: create directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(commitBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("catalog: init bucket: %w", err)
	}
	logger.Debug("commit catalog opened", log.String("path", path))
	return &Bolt{db: db, logger: logger}, nil
}

func taskKey(task int) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, uint32(task))
	return k
}

// UpdateLastCommitSeqno records header for task.
func (b *Bolt) UpdateLastCommitSeqno(_ context.Context, task int, header domain.Header, applyLatency time.Duration) error {
	v, err := msgpack.Marshal(Entry{Task: task, Header: header, ApplyLatency: applyLatency, UpdatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("catalog: encode task %d: %w", task, err)
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(commitBucket).Put(taskKey(task), v)
	})
	if err != nil {
		return fmt.Errorf("catalog: update task %d: %w", task, err)
	}
	return nil
}

// LastCommitSeqno returns the position of task.
func (b *Bolt) LastCommitSeqno(_ context.Context, task int) (domain.Header, bool, error) {
	var (
		e     Entry
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(commitBucket).Get(taskKey(task))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &e)
	})
	if err != nil {
		return domain.NoHeader, false, fmt.Errorf("catalog: read task %d: %w", task, err)
	}
	if !found {
		return domain.NoHeader, false, nil
	}
	return e.Header, true, nil
}

// MinCommitSeqno returns the lowest position across tasks.
func (b *Bolt) MinCommitSeqno(_ context.Context) (domain.Header, bool, error) {
	entries, err := b.Entries()
	if err != nil {
		return domain.NoHeader, false, err
	}
	h, ok := minEntry(entries)
	return h, ok, nil
}

// Entries returns every stored entry ordered by task.
func (b *Bolt) Entries() ([]Entry, error) {
	var entries []Entry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(commitBucket).ForEach(func(_, v []byte) error {
			var e Entry
			if err := msgpack.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: scan: %w", err)
	}
	return entries, nil
}

// Close closes the bbolt file.
func (b *Bolt) Close() error {
	return b.db.Close()
}
