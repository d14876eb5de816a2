// Package storage persists check-in run history and notifier dedup state.
//
// It currently supports:
//   - Run record appends (every attempt, final or not)
//   - Recent-run and last-success queries for the status report
//   - Notifier dedup state (to survive restarts)
//   - Retention pruning driven by the maintenance jobs
package storage
