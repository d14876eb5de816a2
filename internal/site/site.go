// Package site defines the contract between the scheduler and per-site
// check-in adapters, and the HTTP session adapters run against.
//
// Adapters are pure protocol drivers: they receive a Session carrying the
// cookie fetched moments before the attempt, talk to the site, and report a
// closed Outcome. They never touch the credential store, the retry queue or
// the notifier; routing is derived from the Outcome by the caller.
package site

import (
	"context"
	"fmt"
	"sort"
)

// Adapter drives the check-in protocol for one site family.
type Adapter interface {
	// Key is the module name sites reference in configuration.
	Key() string

	// DefaultDomain is the cookie domain used when restoring credentials
	// from cold storage and no explicit mapping is configured.
	DefaultDomain() string

	// CheckIn performs one full check-in attempt. Implementations must
	// honor ctx cancellation on every network call.
	CheckIn(ctx context.Context, sess *Session) Outcome

	// Probe cheaply verifies that the session cookie is still accepted.
	// A nil error means logged in.
	Probe(ctx context.Context, sess *Session) error
}

// Registry resolves configured module names to adapters. It is assembled
// once at startup from an explicit list; there is no self-registration and
// no reflection, so a typo in configuration fails wiring, not dispatch.
type Registry struct {
	byKey map[string]Adapter
}

func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		key := a.Key()
		if key == "" {
			return nil, fmt.Errorf("site: adapter %T has empty key", a)
		}
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("site: duplicate adapter key %q", key)
		}
		r.byKey[key] = a
	}
	return r, nil
}

// Lookup returns the adapter for a module name.
func (r *Registry) Lookup(key string) (Adapter, bool) {
	a, ok := r.byKey[key]
	return a, ok
}

// Keys returns the registered module names, sorted.
func (r *Registry) Keys() []string {
	keys := make([]string, 0, len(r.byKey))
	for k := range r.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
