// Package fs stores the slave's replication position in a JSON file.
package fs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bft-labs/thlship/internal/domain"
)

const positionFileName = "position.json"

// PositionFile implements ports.PositionRepository using a JSON file.
type PositionFile struct {
	dir string
}

// NewPositionFile creates a PositionFile for the given directory.
func NewPositionFile(dir string) *PositionFile {
	return &PositionFile{dir: dir}
}

// Load retrieves the last saved header.
// Returns domain.NoHeader and nil error if no position file exists.
func (r *PositionFile) Load(ctx context.Context) (domain.Header, error) {
	data, err := os.ReadFile(r.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return domain.NoHeader, nil
		}
		return domain.NoHeader, err
	}

	var h domain.Header
	if err := json.Unmarshal(data, &h); err != nil {
		return domain.NoHeader, fmt.Errorf("parse %s: %w", r.Path(), err)
	}
	return h, nil
}

// Save persists the header atomically (temp file, then rename).
func (r *PositionFile) Save(ctx context.Context, h domain.Header) error {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return err
	}

	path := r.Path()
	tmp := path + ".tmp"

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Path returns the full path to the position file.
func (r *PositionFile) Path() string {
	return filepath.Join(r.dir, positionFileName)
}
