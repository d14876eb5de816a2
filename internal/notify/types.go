package notify

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notification is one push to deliver on every configured channel.
type Notification struct {
	Site     string
	Title    string
	Body     string
	Priority int
}

// Channel delivers a notification over one provider.
type Channel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

type HistoryItem struct {
	At      time.Time
	Channel string
	Title   string
	Body    string
}
