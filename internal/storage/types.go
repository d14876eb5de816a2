package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (jsonl + snapshot)
//
// If Driver is "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// RetentionDays bounds how far back Prune keeps run records.
	// 0 means keep everything until asked otherwise.
	RetentionDays int
}

// Run kinds.
const (
	RunCheckin   = "checkin"
	RunKeepalive = "keepalive"
	RunRestore   = "restore"
)

// RunRecord is one attempt against one site.
// Keep it compact and schema-stable.
type RunRecord struct {
	At      time.Time
	Site    string
	Kind    string // checkin | keepalive | restore
	Attempt int    // 0 for the scheduled attempt, 1.. for retries
	Final   bool   // true when this attempt closed the task
	Class   string // outcome class (success, transient, terminal, ...)
	Detail  string
	Error   string
	TookMS  int64
}
