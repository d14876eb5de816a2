// Package schedule drives the daily check-in cycle.
//
// A coarse tick walks three sources of due work: session refreshes first,
// then today's check-in tasks, then retries whose delay has elapsed. Due
// items go to a small worker pool; everything touching one site runs
// strictly one at a time, so a refresh and a check-in can never interleave
// on the same account.
//
// # Day table
//
// At process start and at every local-midnight rollover the scheduler
// builds a fresh table with one task per enabled site, scheduled at the
// site's run_time plus a single random offset drawn for the day. The start
// build skips tasks whose time already passed; the midnight rebuild skips
// nothing. Rollover also rotates the log sinks and abandons the previous
// day's retries.
//
// # Failure handling
//
// Outcomes route by class. Transient failures (including an expired
// credential) go to a fixed-delay retry queue with a bounded budget; the
// first failure is silent and only the final exhaustion notifies, exactly
// once. Terminal failures and adapter contract violations notify
// immediately and never retry. An attempt that outlives its per-attempt
// budget is treated as transient: the site slot stays held until the
// attempt unwinds on its own, but scheduling moves on.
package schedule
