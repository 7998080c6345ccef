// Package store persists the last committed snapshot per subscription.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"subwatch/internal/snapshot"
	"subwatch/pkg/logx"
)

var ErrClosed = errors.New("store closed")

// Config configures persistence.
//
// Driver values:
//   - "memory": process-lifetime state only (default)
//   - "file":   JSON snapshot + append-only journal
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store maps subscription name to its last committed snapshot. Commit is
// atomic per key; Get returns nil for a subscription that has never
// committed. Implementations are safe for concurrent use across keys.
type Store interface {
	Get(ctx context.Context, name string) (*snapshot.Snapshot, error)
	Commit(ctx context.Context, name string, snap snapshot.Snapshot) error
	Close() error
}

// Compactor is implemented by drivers with background maintenance work.
type Compactor interface {
	Compact(ctx context.Context) error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return newMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
