// Package notify delivers check-in results to operators.
//
// Notifications are small, high-signal messages: a check-in summary, a task
// that gave up after its retry budget, a cookie that could not be refreshed.
// The scheduler hands them to Service.Notify and moves on; delivery happens
// asynchronously behind a queue with its own workers, rate limit, retries
// and a dedup window.
//
// # Channels
//
// A notification fans out to every configured channel (Bark, Telegram).
// Channels are independent: one provider being down does not block the
// others, and each delivery attempt is bounded so a hung provider cannot
// stall the queue.
//
// # History
//
// For debugging and operator visibility, the service keeps a small in-memory
// history of recently delivered notifications.
package notify
