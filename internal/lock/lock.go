// Package lock keeps two conversion runs from sharing a tree.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// DefaultPath is the lock file the legacy converter used.
const DefaultPath = "/tmp/convert.lock"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("unable to obtain lock")

// Guard is an advisory, non-blocking file lock.
type Guard struct {
	path string
	fl   *flock.Flock
}

// New creates a guard for path without acquiring it.
func New(path string) *Guard {
	if path == "" {
		path = DefaultPath
	}
	return &Guard{path: path, fl: flock.New(path)}
}

// Path returns the lock file path.
func (g *Guard) Path() string {
	return g.path
}

// Acquire takes the lock or returns ErrLocked immediately.
func (g *Guard) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(g.path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	ok, err := g.fl.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", g.path, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrLocked, g.path)
	}
	return nil
}

// Release drops the lock. Releasing an unheld guard is a no-op.
func (g *Guard) Release() error {
	if !g.fl.Locked() {
		return nil
	}
	return g.fl.Unlock()
}
