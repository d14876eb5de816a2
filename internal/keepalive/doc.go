// Package keepalive keeps short-validity sessions alive between daily
// check-ins. Some origins hand out cookies that lapse within about two
// hours unless an authenticated request slides the window; the coordinator
// touches those sessions on a timer so the scheduled check-in never finds a
// dead cookie.
//
// # Timers
//
// Each enabled site carries one timer. It is seeded from the cookie itself
// when possible (forum auth tickets embed their window end as a unix
// stamp, the refresh lands two minutes after it) and falls back to the
// configured interval. The coordinator runs no goroutines of its own: the
// scheduler tick collects due sites and executes refreshes through its
// worker pool, which also serializes a refresh against a check-in on the
// same site.
//
// # Refresh chain
//
// A refresh asks the site's Refresher for a cookie. The default probe
// refresher revalidates the current cookie with an authenticated request;
// a configured refresh command runs an external browser flow that prints a
// replacement, which is verified against the origin before it is
// installed. Success persists the cookie with a fresh validity window and
// resets the failure counter.
//
// # Failure
//
// A failed refresh keeps the existing cookie and retries an hour later;
// the daily check-in does not depend on refreshes succeeding. After enough
// consecutive misses the cold storage vault is consulted, unless the
// current credential is still protected, and when even that fails the
// operator is asked to log in manually, at most once per day.
package keepalive
