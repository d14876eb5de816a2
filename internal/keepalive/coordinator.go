package keepalive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/FrancisNGG/app-sign/internal/config"
	"github.com/FrancisNGG/app-sign/internal/credential"
	"github.com/FrancisNGG/app-sign/internal/eventbus"
	"github.com/FrancisNGG/app-sign/internal/notify"
	"github.com/FrancisNGG/app-sign/internal/site"
	"github.com/FrancisNGG/app-sign/internal/storage"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// Notifier accepts operator notices. Delivery failures are logged and
// swallowed; keepalive never depends on the pipeline.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Restorer pulls a credential out of the remote vault. Consulted only after
// repeated local refresh failures.
type Restorer interface {
	Restore(ctx context.Context, site string) error
}

const (
	defaultInterval         = 100 * time.Minute
	defaultValidity         = 2 * time.Hour
	defaultMaxLocalFailures = 3

	// refreshSlack places the follow-up touch just after the estimated
	// window end, once the origin has finished rolling it.
	refreshSlack = 2 * time.Minute

	// probeSoonDelay resolves unknown or just-restored cookie health
	// quickly instead of sleeping a whole interval on a dead session.
	probeSoonDelay = 2 * time.Minute

	// bootstrapDelay is the first attempt for a site with no cookie at
	// all, late enough that startup has settled.
	bootstrapDelay = 30 * time.Second

	failureRetryDelay = time.Hour

	// noticeWindow caps manual-action notices at one per site per day.
	noticeWindow = 24 * time.Hour

	storeTimeout = 3 * time.Second

	// restoreTimeout bounds a vault restore run from the escalation path.
	restoreTimeout = time.Minute
)

// Options wires a Coordinator. Manager, Credentials and Registry are
// required; Store, Restorer, Notifier and Bus may be nil and degrade to
// no-ops. Refresher overrides the per-site chain when set.
type Options struct {
	Manager     *config.ConfigManager
	Credentials *credential.Store
	Registry    *site.Registry
	Store       storage.Store
	Restorer    Restorer
	Notifier    Notifier
	Bus         eventbus.Bus
	Refresher   Refresher
	Log         logx.Logger
}

type siteState struct {
	next        time.Time
	lastAttempt time.Time
	failures    int
	lastNotice  time.Time
}

// Coordinator owns the session refresh timers for short-validity sites. It
// is passive: the scheduler tick asks Due and runs Refresh through its own
// worker pool and per-site slots, so a refresh and a check-in can never
// interleave on one site.
type Coordinator struct {
	log      logx.Logger
	mgr      *config.ConfigManager
	creds    *credential.Store
	reg      *site.Registry
	store    storage.Store
	restorer Restorer
	notifier Notifier
	bus      eventbus.Bus
	override Refresher

	mu    sync.Mutex
	state map[string]*siteState

	nowFn func() time.Time
}

func New(opts Options) (*Coordinator, error) {
	if opts.Manager == nil || opts.Credentials == nil || opts.Registry == nil {
		return nil, errors.New("keepalive: manager, credentials and registry are required")
	}
	return &Coordinator{
		log:      opts.Log.With(logx.String("comp", "keepalive")),
		mgr:      opts.Manager,
		creds:    opts.Credentials,
		reg:      opts.Registry,
		store:    opts.Store,
		restorer: opts.Restorer,
		notifier: opts.Notifier,
		bus:      opts.Bus,
		override: opts.Refresher,
		state:    make(map[string]*siteState),
		nowFn:    time.Now,
	}, nil
}

func (c *Coordinator) now() time.Time { return c.nowFn() }

// Due returns the sites whose refresh window has arrived, sorted by name.
// Sites seen for the first time are armed from their current cookie; sites
// that went away or turned keepalive off drop their timers. A site already
// mid-refresh may be listed again, the dispatcher's slot holds it back.
func (c *Coordinator) Due(now time.Time) []string {
	cfg := c.mgr.Get()
	if cfg == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	live := make(map[string]bool, len(cfg.Sites))
	var due []string
	for i := range cfg.Sites {
		sc := &cfg.Sites[i]
		if !sc.Enabled || !sc.Keepalive.Enabled {
			continue
		}
		live[sc.Name] = true
		st, ok := c.state[sc.Name]
		if !ok {
			st = &siteState{next: nextInitial(now, sc.Cookie, c.intervalFor(sc))}
			c.state[sc.Name] = st
			c.log.Debug("keepalive armed",
				logx.String("site", sc.Name),
				logx.Time("next_refresh", st.next),
			)
		}
		if !now.Before(st.next) {
			due = append(due, sc.Name)
		}
	}
	for name := range c.state {
		if !live[name] {
			delete(c.state, name)
		}
	}

	sort.Strings(due)
	return due
}

// Refresh runs one keepalive cycle for a site: obtain a cookie through the
// refresher chain, verify a replacement against the origin, persist it and
// reschedule. Failures are counted; once enough pile up in a row the cold
// storage restorer is consulted as a last resort.
func (c *Coordinator) Refresh(ctx context.Context, name string) error {
	started := c.now()
	cfg := c.mgr.Get()
	if cfg == nil {
		return errors.New("keepalive: no config loaded")
	}
	sc := cfg.SiteByName(name)
	if sc == nil || !sc.Enabled || !sc.Keepalive.Enabled {
		c.dropState(name)
		return nil
	}

	rec, err := c.creds.Get(name)
	if err != nil {
		if errors.Is(err, credential.ErrUnknownSite) {
			c.dropState(name)
			return nil
		}
		return err
	}

	adapter, ok := c.reg.Lookup(sc.Module)
	if !ok {
		c.setState(name, func(st *siteState) {
			st.lastAttempt = started
			st.next = started.Add(c.intervalFor(sc))
		})
		return fmt.Errorf("keepalive: unknown module %q for %s", sc.Module, name)
	}

	ref, source := c.refresherFor(sc, adapter)
	cookie, err := ref.Refresh(ctx, Request{Site: name, BaseURL: sc.BaseURL, Cookie: rec.Cookie})
	if err == nil && cookie != rec.Cookie {
		// A replacement cookie is only trusted once the origin accepts it;
		// an unchanged one was just accepted during the refresh itself.
		if verr := c.verify(ctx, adapter, sc, name, cookie); verr != nil {
			err = verr
		}
	}
	if err != nil {
		return c.refreshFailed(sc, name, rec, started, source, err)
	}
	return c.refreshSucceeded(sc, name, started, source, cookie)
}

func (c *Coordinator) refresherFor(sc *config.SiteConfig, adapter site.Adapter) (Refresher, string) {
	if c.override != nil {
		return c.override, "custom"
	}
	if cmd := strings.TrimSpace(sc.Keepalive.RefreshCommand); cmd != "" {
		return &CommandRefresher{Command: cmd, Log: c.log}, "command"
	}
	return &ProbeRefresher{Adapter: adapter, Log: c.log}, "probe"
}

func (c *Coordinator) verify(ctx context.Context, adapter site.Adapter, sc *config.SiteConfig, name, cookie string) error {
	sess := site.NewSession(site.SessionOptions{
		Site:    name,
		BaseURL: sc.BaseURL,
		Cookie:  cookie,
		Log:     c.log.With(logx.String("site", name)),
	})
	if err := adapter.Probe(ctx, sess); err != nil {
		return fmt.Errorf("verify refreshed cookie: %w", err)
	}
	return nil
}

func (c *Coordinator) refreshSucceeded(sc *config.SiteConfig, name string, started time.Time, source, cookie string) error {
	now := c.now()
	validUntil := now.Add(c.validityFor(sc))
	if est, ok := credential.EstimateValidity(cookie, now); ok {
		validUntil = est
	}

	sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	err := c.creds.Replace(sctx, name, cookie, credential.SourceLocalRefresh, validUntil)
	cancel()
	if err != nil {
		// The origin side went fine; only persisting the result failed.
		// Not a credential failure, so no escalation, just try later.
		c.setState(name, func(st *siteState) {
			st.lastAttempt = now
			st.next = now.Add(failureRetryDelay)
		})
		c.log.Error("refreshed cookie could not be saved",
			logx.String("site", name),
			logx.Err(err),
		)
		return err
	}

	interval := c.intervalFor(sc)
	var next time.Time
	c.setState(name, func(st *siteState) {
		st.lastAttempt = now
		st.failures = 0
		st.next = nextAfterSuccess(now, cookie, interval)
		next = st.next
	})

	elapsed := now.Sub(started)
	c.recordRun(storage.RunRecord{
		At:     now,
		Site:   name,
		Kind:   storage.RunKeepalive,
		Final:  true,
		Class:  site.ClassSuccess.String(),
		Detail: "session refreshed (" + source + ")",
		TookMS: elapsed.Milliseconds(),
	})
	c.log.Info("session refreshed",
		logx.String("site", name),
		logx.String("source", source),
		logx.Time("valid_until", validUntil),
		logx.Time("next_refresh", next),
	)
	eventbus.Emit(c.bus, eventbus.TypeKeepaliveRefreshed, eventbus.KeepaliveEvent{
		Site:    name,
		Source:  source,
		Elapsed: elapsed,
	})
	eventbus.Emit(c.bus, eventbus.TypeCredentialUpdated, eventbus.CredentialEvent{
		Site:       name,
		Source:     credential.SourceLocalRefresh,
		ValidUntil: validUntil,
	})
	return nil
}

func (c *Coordinator) refreshFailed(sc *config.SiteConfig, name string, rec credential.Record, started time.Time, source string, cause error) error {
	now := c.now()

	sctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	failures, err := c.creds.RecordRefreshFailure(sctx, name)
	cancel()
	if err != nil {
		c.mu.Lock()
		if st := c.state[name]; st != nil {
			failures = st.failures + 1
		} else {
			failures = 1
		}
		c.mu.Unlock()
	}

	c.setState(name, func(st *siteState) {
		st.lastAttempt = now
		st.failures = failures
		st.next = now.Add(failureRetryDelay)
	})

	elapsed := now.Sub(started)
	c.recordRun(storage.RunRecord{
		At:     now,
		Site:   name,
		Kind:   storage.RunKeepalive,
		Final:  true,
		Class:  site.ClassTransient.String(),
		Error:  cause.Error(),
		TookMS: elapsed.Milliseconds(),
	})
	c.log.Warn("session refresh failed",
		logx.String("site", name),
		logx.String("source", source),
		logx.Int("consecutive_failures", failures),
		logx.Err(cause),
	)
	eventbus.Emit(c.bus, eventbus.TypeKeepaliveFailed, eventbus.KeepaliveEvent{
		Site:     name,
		Source:   source,
		Failures: failures,
		Elapsed:  elapsed,
		Error:    cause.Error(),
	})

	if failures >= c.maxFailuresFor(sc) {
		c.escalate(name, rec, failures, cause)
	}
	return cause
}

// escalate is the last-resort path after MaxLocalFailures consecutive
// misses: restore from the vault unless a believed-good cookie is still
// protected, and ask the operator for help when even that fails.
func (c *Coordinator) escalate(name string, rec credential.Record, failures int, cause error) {
	if c.restorer == nil {
		c.maybeNotifyStale(name, failures, cause)
		return
	}
	if c.creds.ShouldProtect(rec) {
		c.log.Debug("cold storage skipped, current credential still protected",
			logx.String("site", name),
		)
		return
	}

	// The attempt context may already be dead when the triggering failure
	// was a timeout; the vault is a different server, so the restore gets
	// its own budget.
	rctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	err := c.restorer.Restore(rctx, name)
	cancel()
	now := c.now()
	if err != nil {
		c.recordRun(storage.RunRecord{
			At:    now,
			Site:  name,
			Kind:  storage.RunRestore,
			Final: true,
			Class: site.ClassTransient.String(),
			Error: err.Error(),
		})
		c.log.Error("cold storage restore failed",
			logx.String("site", name),
			logx.Err(err),
		)
		c.maybeNotifyStale(name, failures, cause)
		return
	}

	// Replace reset the persisted failure counter; validate the restored
	// cookie on a short timer instead of waiting out a full interval.
	c.setState(name, func(st *siteState) {
		st.failures = 0
		st.next = now.Add(probeSoonDelay)
	})
	c.recordRun(storage.RunRecord{
		At:     now,
		Site:   name,
		Kind:   storage.RunRestore,
		Final:  true,
		Class:  site.ClassSuccess.String(),
		Detail: "credential restored from cold storage",
	})
	c.log.Info("credential restored from cold storage",
		logx.String("site", name),
		logx.Int("failures_before", failures),
	)
	if rec, err := c.creds.Get(name); err == nil {
		eventbus.Emit(c.bus, eventbus.TypeCredentialRestored, eventbus.CredentialEvent{
			Site:       name,
			Source:     rec.Source,
			ValidUntil: rec.ValidUntil,
		})
	}
}

// maybeNotifyStale tells the operator the session needs a manual login, at
// most once per site per day. Refreshes keep running in the background.
func (c *Coordinator) maybeNotifyStale(name string, failures int, cause error) {
	if c.notifier == nil {
		return
	}
	now := c.now()
	c.mu.Lock()
	st := c.state[name]
	if st == nil {
		st = &siteState{}
		c.state[name] = st
	}
	if !st.lastNotice.IsZero() && now.Sub(st.lastNotice) < noticeWindow {
		c.mu.Unlock()
		return
	}
	st.lastNotice = now
	c.mu.Unlock()

	n := notify.Notification{
		Site:     name,
		Title:    fmt.Sprintf("[%s] session refresh failing", name),
		Body:     fmt.Sprintf("%d refreshes in a row failed; last error: %v\nlog in once in a browser and paste the new cookie", failures, cause),
		Priority: 8,
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.notifier.Notify(ctx, n); err != nil {
		c.log.Debug("notification rejected", logx.Err(err))
	}
}

// SiteStatus is one armed keepalive timer, for the status surface.
type SiteStatus struct {
	Site        string    `json:"site"`
	NextRefresh time.Time `json:"next_refresh"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	Failures    int       `json:"consecutive_failures,omitempty"`
}

// Snapshot lists the armed timers, sorted by site.
func (c *Coordinator) Snapshot() []SiteStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]SiteStatus, 0, len(c.state))
	for name, st := range c.state {
		out = append(out, SiteStatus{
			Site:        name,
			NextRefresh: st.next,
			LastAttempt: st.lastAttempt,
			Failures:    st.failures,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}

func (c *Coordinator) setState(name string, fn func(*siteState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.state[name]
	if !ok {
		st = &siteState{}
		c.state[name] = st
	}
	fn(st)
}

func (c *Coordinator) dropState(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.state, name)
}

func (c *Coordinator) recordRun(r storage.RunRecord) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := c.store.AppendRun(ctx, r); err != nil && !errors.Is(err, storage.ErrDisabled) {
		c.log.Warn("run history write failed", logx.Err(err))
	}
}

func (c *Coordinator) intervalFor(sc *config.SiteConfig) time.Duration {
	d, err := config.ParseDurationOrDefault("sites."+sc.Name+".keepalive.interval", sc.Keepalive.Interval, defaultInterval)
	if err != nil {
		return defaultInterval
	}
	return d
}

func (c *Coordinator) validityFor(sc *config.SiteConfig) time.Duration {
	d, err := config.ParseDurationOrDefault("sites."+sc.Name+".keepalive.validity", sc.Keepalive.Validity, defaultValidity)
	if err != nil {
		return defaultValidity
	}
	return d
}

func (c *Coordinator) maxFailuresFor(sc *config.SiteConfig) int {
	if sc.Keepalive.MaxLocalFailures > 0 {
		return sc.Keepalive.MaxLocalFailures
	}
	return defaultMaxLocalFailures
}

// nextInitial seeds the timer for a site first seen at startup or after a
// config change. Unknown cookie health is resolved quickly rather than
// trusted for a whole interval: no cookie gets the bootstrap delay, an
// expired or opaque one a short probe delay, a live one its estimated
// window end.
func nextInitial(now time.Time, cookie string, interval time.Duration) time.Time {
	if strings.TrimSpace(cookie) == "" {
		return now.Add(bootstrapDelay)
	}
	if est, ok := credential.EstimateValidity(cookie, now); ok {
		if next := est.Add(refreshSlack); next.Before(now.Add(interval)) {
			return next
		}
		return now.Add(interval)
	}
	return now.Add(probeSoonDelay)
}

// nextAfterSuccess schedules the follow-up refresh. With a usable embedded
// expiry the session is touched just after the window closes; otherwise the
// configured cadence applies. The cadence also caps the estimate so a bogus
// far-future stamp cannot stall the loop.
func nextAfterSuccess(now time.Time, cookie string, interval time.Duration) time.Time {
	limit := now.Add(interval)
	if est, ok := credential.EstimateValidity(cookie, now); ok {
		if next := est.Add(refreshSlack); next.Before(limit) {
			return next
		}
	}
	return limit
}
