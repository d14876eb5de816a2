package schedule

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RetryEntry tracks one failed check-in awaiting its next attempt.
//
// Attempts counts failed retries only, never the original attempt: with
// MaxRetries=3 a site is tried 4 times in total. When a failed retry brings
// Attempts to MaxRetries the entry closes terminally and must never fire
// again.
type RetryEntry struct {
	ID           string
	Site         string
	Kind         TaskKind
	Attempts     int
	MaxRetries   int
	Delay        time.Duration
	NextEligible time.Time
	Closed       bool
	LastReason   string
}

// RetryQueue holds open retry entries keyed by site. Safe for concurrent
// use.
type RetryQueue struct {
	mu      sync.Mutex
	entries map[string]*RetryEntry
}

func NewRetryQueue() *RetryQueue {
	return &RetryQueue{entries: map[string]*RetryEntry{}}
}

// Enqueue registers the first failure of a site's task. The entry starts
// with zero attempts and becomes eligible after the configured delay.
// If the site already has an open entry it is returned unchanged.
func (q *RetryQueue) Enqueue(site string, kind TaskKind, reason string, now time.Time, maxRetries int, delay time.Duration) *RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.entries[site]; ok && !e.Closed {
		return e
	}
	e := &RetryEntry{
		ID:           uuid.NewString(),
		Site:         site,
		Kind:         kind,
		MaxRetries:   maxRetries,
		Delay:        delay,
		NextEligible: now.Add(delay),
		LastReason:   reason,
	}
	q.entries[site] = e
	return e
}

// Due returns open entries whose next-eligible time has arrived, earliest
// first. Returned entries are copies; mutate through RecordAttempt.
func (q *RetryQueue) Due(now time.Time) []RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []RetryEntry
	for _, e := range q.entries {
		if !e.Closed && !e.NextEligible.After(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextEligible.Equal(due[j].NextEligible) {
			return due[i].Site < due[j].Site
		}
		return due[i].NextEligible.Before(due[j].NextEligible)
	})
	return due
}

// RecordAttempt folds one executed retry into the site's entry.
//
//   - ok: the retry succeeded; the entry is removed entirely so nothing
//     residual can fire later.
//   - !ok, !retryable: the adapter turned terminal mid-retry; the entry
//     closes without the give-up signal (the caller already notifies the
//     terminal failure itself).
//   - !ok, retryable: the failure counter advances; when it reaches
//     MaxRetries the entry closes and exhausted=true is returned exactly
//     once, telling the caller to emit the single give-up notification.
//     Otherwise the entry is rescheduled one delay from now.
func (q *RetryQueue) RecordAttempt(site string, ok, retryable bool, reason string, now time.Time) (exhausted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.entries[site]
	if e == nil || e.Closed {
		return false
	}
	if ok {
		delete(q.entries, site)
		return false
	}
	e.LastReason = reason
	if !retryable {
		e.Closed = true
		return false
	}
	e.Attempts++
	if e.Attempts >= e.MaxRetries {
		e.Closed = true
		return true
	}
	e.NextEligible = now.Add(e.Delay)
	return false
}

// Entry returns a copy of the site's entry (open or closed) for status
// reporting.
func (q *RetryQueue) Entry(site string) (RetryEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[site]
	if !ok {
		return RetryEntry{}, false
	}
	return *e, true
}

// Snapshot returns copies of every tracked entry ordered by site.
func (q *RetryQueue) Snapshot() []RetryEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]RetryEntry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}

// Clear drops every entry. Called at day rollover: yesterday's retries are
// superseded by the new day's tasks, open or not.
func (q *RetryQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = map[string]*RetryEntry{}
	return n
}

// Drop removes the site's entry, open or closed. Used when a site is
// disabled or removed from the configuration mid-day.
func (q *RetryQueue) Drop(site string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[site]
	delete(q.entries, site)
	return ok
}
