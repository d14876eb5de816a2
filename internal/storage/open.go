package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// Store is the persistence API used by the scheduler, notifier and
// maintenance jobs.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// RecentRuns returns up to limit records for one site (all sites when
	// site is empty), newest first.
	RecentRuns(ctx context.Context, site string, limit int) ([]RunRecord, error)
	// LastSuccess reports when the site last closed a check-in task
	// successfully.
	LastSuccess(ctx context.Context, site string) (time.Time, bool, error)
	// Prune drops run records older than the cutoff and expired dedup
	// keys, returning how many run records went away.
	Prune(ctx context.Context, olderThan time.Time) (int, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
