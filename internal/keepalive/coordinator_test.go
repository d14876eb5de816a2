package keepalive

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/FrancisNGG/app-sign/internal/config"
	"github.com/FrancisNGG/app-sign/internal/credential"
	"github.com/FrancisNGG/app-sign/internal/eventbus"
	"github.com/FrancisNGG/app-sign/internal/notify"
	"github.com/FrancisNGG/app-sign/internal/site"
	"github.com/FrancisNGG/app-sign/internal/storage"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

// probeAdapter scripts Probe errors in order; the last entry repeats and an
// empty script always succeeds. CheckIn is never exercised here.
type probeAdapter struct {
	key string

	mu      sync.Mutex
	calls   int
	errs    []error
	cookies []string
}

func (a *probeAdapter) Key() string           { return a.key }
func (a *probeAdapter) DefaultDomain() string { return a.key + ".example.com" }

func (a *probeAdapter) CheckIn(ctx context.Context, sess *site.Session) site.Outcome {
	return site.Success("ok")
}

func (a *probeAdapter) Probe(ctx context.Context, sess *site.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cookies = append(a.cookies, sess.Cookie)
	i := a.calls
	a.calls++
	if len(a.errs) == 0 {
		return nil
	}
	if i >= len(a.errs) {
		i = len(a.errs) - 1
	}
	return a.errs[i]
}

func (a *probeAdapter) probed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.cookies...)
}

type scriptRefresher struct {
	mu     sync.Mutex
	cookie string
	err    error
	reqs   []Request
}

func (r *scriptRefresher) Refresh(ctx context.Context, req Request) (string, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	return r.cookie, nil
}

func (r *scriptRefresher) requests() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Request(nil), r.reqs...)
}

type fakeRestorer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (r *fakeRestorer) Restore(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *fakeRestorer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeNotifier struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *fakeNotifier) Notify(ctx context.Context, msg notify.Notification) error {
	n.mu.Lock()
	n.got = append(n.got, msg)
	n.mu.Unlock()
	return nil
}

func (n *fakeNotifier) all() []notify.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Notification(nil), n.got...)
}

type memStore struct {
	mu   sync.Mutex
	runs []storage.RunRecord
}

func (m *memStore) AppendRun(ctx context.Context, r storage.RunRecord) error {
	m.mu.Lock()
	m.runs = append(m.runs, r)
	m.mu.Unlock()
	return nil
}

func (m *memStore) RecentRuns(ctx context.Context, name string, limit int) ([]storage.RunRecord, error) {
	return nil, nil
}

func (m *memStore) LastSuccess(ctx context.Context, name string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (m *memStore) Prune(ctx context.Context, olderThan time.Time) (int, error) { return 0, nil }

func (m *memStore) PutDedup(ctx context.Context, key string, until time.Time) error { return nil }

func (m *memStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) byKind(kind string) []storage.RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.RunRecord
	for _, r := range m.runs {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

type kaFixture struct {
	co     *Coordinator
	mgr    *config.ConfigManager
	creds  *credential.Store
	reg    *site.Registry
	clock  *fakeClock
	notif  *fakeNotifier
	store  *memStore
	rest   *fakeRestorer
	bus    eventbus.Bus
	events <-chan eventbus.Event
}

func newKaFixture(t *testing.T, cfg *config.Config, adapter site.Adapter) *kaFixture {
	t.Helper()
	fx := &kaFixture{
		clock: &fakeClock{},
		notif: &fakeNotifier{},
		store: &memStore{},
		rest:  &fakeRestorer{},
		bus:   eventbus.New(),
	}
	fx.mgr = config.NewConfigManager(filepath.Join(t.TempDir(), "config.json"))
	fx.mgr.Commit(cfg)
	fx.creds = credential.NewStore(fx.mgr, logx.Nop())

	reg, err := site.NewRegistry(adapter)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	fx.reg = reg

	co, err := New(Options{
		Manager:     fx.mgr,
		Credentials: fx.creds,
		Registry:    reg,
		Store:       fx.store,
		Restorer:    fx.rest,
		Notifier:    fx.notif,
		Bus:         fx.bus,
		Log:         logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	co.nowFn = fx.clock.now
	fx.co = co

	ch, unsub := fx.bus.Subscribe(32)
	t.Cleanup(unsub)
	fx.events = ch
	return fx
}

func (fx *kaFixture) record(t *testing.T) credential.Record {
	t.Helper()
	rec, err := fx.creds.Get("enshan")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return rec
}

func (fx *kaFixture) eventTypes() []string {
	var types []string
	for {
		select {
		case e := <-fx.events:
			types = append(types, e.Type)
		default:
			return types
		}
	}
}

func keepaliveConfig(cookie string) *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{Timezone: "UTC"},
		Sites: []config.SiteConfig{{
			Name:    "enshan",
			Module:  "forum",
			Enabled: true,
			RunTime: "07:30",
			Cookie:  cookie,
			Keepalive: config.KeepaliveConfig{
				Enabled:  true,
				Interval: "100m",
				Validity: "120m",
			},
		}},
	}
}

func stampCookie(expiry time.Time) string {
	return fmt.Sprintf("htVD_auth=tok; htVD_expire=%d", expiry.Unix())
}

func containsType(types []string, want string) bool {
	for _, typ := range types {
		if typ == want {
			return true
		}
	}
	return false
}

func TestDueArmsFromCookieEstimate(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	est := now.Add(90 * time.Minute)
	fx := newKaFixture(t, keepaliveConfig(stampCookie(est)), &probeAdapter{key: "forum"})

	if due := fx.co.Due(now); len(due) != 0 {
		t.Fatalf("due right after arming = %v", due)
	}
	if due := fx.co.Due(est.Add(refreshSlack - time.Second)); len(due) != 0 {
		t.Fatalf("due before the window end = %v", due)
	}
	if due := fx.co.Due(est.Add(refreshSlack)); len(due) != 1 || due[0] != "enshan" {
		t.Fatalf("due at window end + slack = %v", due)
	}

	snap := fx.co.Snapshot()
	if len(snap) != 1 || !snap[0].NextRefresh.Equal(est.Add(refreshSlack)) {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestDueCapsEstimateAtInterval(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	fx := newKaFixture(t, keepaliveConfig(stampCookie(now.Add(5*time.Hour))), &probeAdapter{key: "forum"})

	if due := fx.co.Due(now); len(due) != 0 {
		t.Fatalf("due right after arming = %v", due)
	}
	if due := fx.co.Due(now.Add(99 * time.Minute)); len(due) != 0 {
		t.Fatalf("due before the interval = %v", due)
	}
	if due := fx.co.Due(now.Add(100 * time.Minute)); len(due) != 1 {
		t.Fatalf("due at the interval = %v", due)
	}
}

func TestDueEmptyCookieGetsBootstrapDelay(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	fx := newKaFixture(t, keepaliveConfig(""), &probeAdapter{key: "forum"})

	if due := fx.co.Due(now); len(due) != 0 {
		t.Fatalf("due immediately = %v", due)
	}
	if due := fx.co.Due(now.Add(bootstrapDelay - time.Second)); len(due) != 0 {
		t.Fatalf("due before bootstrap delay = %v", due)
	}
	if due := fx.co.Due(now.Add(bootstrapDelay)); len(due) != 1 {
		t.Fatalf("due after bootstrap delay = %v", due)
	}
}

func TestDueOpaqueCookieProbesSoon(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	fx := newKaFixture(t, keepaliveConfig("sess=abcdef"), &probeAdapter{key: "forum"})

	if due := fx.co.Due(now); len(due) != 0 {
		t.Fatalf("due immediately = %v", due)
	}
	if due := fx.co.Due(now.Add(probeSoonDelay - time.Second)); len(due) != 0 {
		t.Fatalf("due before probe delay = %v", due)
	}
	if due := fx.co.Due(now.Add(probeSoonDelay)); len(due) != 1 {
		t.Fatalf("due after probe delay = %v", due)
	}
}

func TestDueSkipsLongClassAndDisabledSites(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	cfg := keepaliveConfig("sess=abc")
	cfg.Sites = append(cfg.Sites, config.SiteConfig{
		Name:    "smzdm",
		Module:  "forum",
		Enabled: true,
		RunTime: "09:00",
		Cookie:  "sess=def",
	})
	fx := newKaFixture(t, cfg, &probeAdapter{key: "forum"})

	fx.co.Due(now)
	snap := fx.co.Snapshot()
	if len(snap) != 1 || snap[0].Site != "enshan" {
		t.Fatalf("armed sites = %+v, want only the keepalive one", snap)
	}

	// Turning keepalive off drops the timer on the next pass.
	next := keepaliveConfig("sess=abc")
	next.Sites[0].Keepalive.Enabled = false
	fx.mgr.Commit(next)
	fx.co.Due(now.Add(time.Second))
	if snap := fx.co.Snapshot(); len(snap) != 0 {
		t.Fatalf("timers after disable = %+v", snap)
	}
}

func TestRefreshProbeSuccess(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	est := now.Add(90 * time.Minute)
	cookie := stampCookie(est)
	adapter := &probeAdapter{key: "forum"}
	fx := newKaFixture(t, keepaliveConfig(cookie), adapter)
	fx.clock.set(now)

	if err := fx.co.Refresh(context.Background(), "enshan"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if probed := adapter.probed(); len(probed) != 1 || probed[0] != cookie {
		t.Fatalf("probed = %v", probed)
	}

	rec := fx.record(t)
	if rec.Cookie != cookie {
		t.Fatalf("cookie changed: %q", rec.Cookie)
	}
	if rec.Source != credential.SourceLocalRefresh {
		t.Fatalf("source = %q, want %q", rec.Source, credential.SourceLocalRefresh)
	}
	if !rec.ValidUntil.Equal(est) {
		t.Fatalf("valid_until = %v, want the embedded stamp %v", rec.ValidUntil, est)
	}
	if rec.RefreshAttempts != 0 {
		t.Fatalf("refresh attempts = %d, want 0", rec.RefreshAttempts)
	}

	runs := fx.store.byKind(storage.RunKeepalive)
	if len(runs) != 1 || runs[0].Class != "success" || !runs[0].Final {
		t.Fatalf("runs = %+v", runs)
	}
	if !strings.Contains(runs[0].Detail, "probe") {
		t.Fatalf("run detail = %q", runs[0].Detail)
	}

	snap := fx.co.Snapshot()
	if len(snap) != 1 || snap[0].Failures != 0 || !snap[0].NextRefresh.Equal(est.Add(refreshSlack)) {
		t.Fatalf("snapshot = %+v", snap)
	}

	types := fx.eventTypes()
	if !containsType(types, eventbus.TypeKeepaliveRefreshed) || !containsType(types, eventbus.TypeCredentialUpdated) {
		t.Fatalf("events = %v", types)
	}
}

func TestRefreshFailureKeepsCookieAndRetriesLater(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	adapter := &probeAdapter{key: "forum", errs: []error{errors.New("http 403")}}
	fx := newKaFixture(t, keepaliveConfig("sess=abc"), adapter)
	fx.clock.set(now)

	err := fx.co.Refresh(context.Background(), "enshan")
	if err == nil || !strings.Contains(err.Error(), "http 403") {
		t.Fatalf("err = %v", err)
	}

	rec := fx.record(t)
	if rec.Cookie != "sess=abc" || rec.Source != "" {
		t.Fatalf("credential touched on failure: %+v", rec)
	}
	if rec.RefreshAttempts != 1 {
		t.Fatalf("refresh attempts = %d, want 1", rec.RefreshAttempts)
	}

	runs := fx.store.byKind(storage.RunKeepalive)
	if len(runs) != 1 || runs[0].Class != "transient" || !strings.Contains(runs[0].Error, "http 403") {
		t.Fatalf("runs = %+v", runs)
	}

	if due := fx.co.Due(now.Add(59 * time.Minute)); len(due) != 0 {
		t.Fatalf("due before the retry delay = %v", due)
	}
	if due := fx.co.Due(now.Add(61 * time.Minute)); len(due) != 1 {
		t.Fatalf("due after the retry delay = %v", due)
	}

	if got := fx.rest.count(); got != 0 {
		t.Fatalf("restore calls = %d, want 0 before escalation", got)
	}
	if !containsType(fx.eventTypes(), eventbus.TypeKeepaliveFailed) {
		t.Fatal("keepalive failure event missing")
	}
}

func TestRefreshReplacementVerifiedBeforeInstall(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	adapter := &probeAdapter{key: "forum"}
	fx := newKaFixture(t, keepaliveConfig("sess=old"), adapter)
	fx.clock.set(now)
	ref := &scriptRefresher{cookie: "sess=new999"}
	fx.co.override = ref

	if err := fx.co.Refresh(context.Background(), "enshan"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if reqs := ref.requests(); len(reqs) != 1 || reqs[0].Cookie != "sess=old" {
		t.Fatalf("refresher requests = %+v, want the cookie on file", reqs)
	}
	if probed := adapter.probed(); len(probed) != 1 || probed[0] != "sess=new999" {
		t.Fatalf("verification probed = %v, want the replacement", probed)
	}
	rec := fx.record(t)
	if rec.Cookie != "sess=new999" {
		t.Fatalf("cookie = %q, want the replacement installed", rec.Cookie)
	}
	// No embedded stamp: validity comes from configuration.
	if want := now.Add(120 * time.Minute); !rec.ValidUntil.Equal(want) {
		t.Fatalf("valid_until = %v, want %v", rec.ValidUntil, want)
	}
}

func TestRefreshReplacementVerifyFailureKeepsOld(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	adapter := &probeAdapter{key: "forum", errs: []error{errors.New("still logged out")}}
	fx := newKaFixture(t, keepaliveConfig("sess=old"), adapter)
	fx.clock.set(now)
	fx.co.override = &scriptRefresher{cookie: "sess=bad"}

	err := fx.co.Refresh(context.Background(), "enshan")
	if err == nil || !strings.Contains(err.Error(), "verify refreshed cookie") {
		t.Fatalf("err = %v", err)
	}
	if rec := fx.record(t); rec.Cookie != "sess=old" {
		t.Fatalf("cookie = %q, want the old one kept", rec.Cookie)
	}
	if snap := fx.co.Snapshot(); len(snap) != 1 || snap[0].Failures != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRefreshEscalatesAfterMaxFailures(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	adapter := &probeAdapter{key: "forum", errs: []error{errors.New("http 403")}}
	fx := newKaFixture(t, keepaliveConfig("sess=abc"), adapter)

	for i := 0; i < 3; i++ {
		fx.clock.set(base.Add(time.Duration(i) * time.Hour))
		if err := fx.co.Refresh(context.Background(), "enshan"); err == nil {
			t.Fatal("want refresh error")
		}
		want := 0
		if i == 2 {
			want = 1
		}
		if got := fx.rest.count(); got != want {
			t.Fatalf("restore calls after failure %d = %d, want %d", i+1, got, want)
		}
	}

	snap := fx.co.Snapshot()
	if len(snap) != 1 || snap[0].Failures != 0 {
		t.Fatalf("failures not reset after restore: %+v", snap)
	}
	if want := base.Add(2 * time.Hour).Add(probeSoonDelay); !snap[0].NextRefresh.Equal(want) {
		t.Fatalf("next refresh = %v, want %v", snap[0].NextRefresh, want)
	}

	restores := fx.store.byKind(storage.RunRestore)
	if len(restores) != 1 || restores[0].Class != "success" {
		t.Fatalf("restore runs = %+v", restores)
	}
	if !containsType(fx.eventTypes(), eventbus.TypeCredentialRestored) {
		t.Fatal("credential restored event missing")
	}
}

func TestFailureCountSurvivesRestart(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	adapter := &probeAdapter{key: "forum", errs: []error{errors.New("http 403")}}
	fx := newKaFixture(t, keepaliveConfig("sess=abc"), adapter)

	fx.clock.set(base)
	fx.co.Refresh(context.Background(), "enshan")
	fx.clock.set(base.Add(time.Hour))
	fx.co.Refresh(context.Background(), "enshan")

	// A fresh coordinator over the same config picks the counter back up.
	co2, err := New(Options{
		Manager:     fx.mgr,
		Credentials: fx.creds,
		Registry:    fx.reg,
		Store:       fx.store,
		Restorer:    fx.rest,
		Notifier:    fx.notif,
		Log:         logx.Nop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	co2.nowFn = fx.clock.now

	fx.clock.set(base.Add(2 * time.Hour))
	co2.Refresh(context.Background(), "enshan")
	if got := fx.rest.count(); got != 1 {
		t.Fatalf("restore calls = %d, want escalation on the third overall failure", got)
	}
}

func TestRestoreFailureNotifiesOncePerDay(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	adapter := &probeAdapter{key: "forum", errs: []error{errors.New("http 403")}}
	fx := newKaFixture(t, keepaliveConfig("sess=abc"), adapter)
	fx.rest.err = errors.New("vault down")

	hours := []int{0, 1, 2, 3, 27}
	for _, h := range hours {
		fx.clock.set(base.Add(time.Duration(h) * time.Hour))
		fx.co.Refresh(context.Background(), "enshan")
	}

	got := fx.notif.all()
	if len(got) != 2 {
		t.Fatalf("notifications = %d, want 2 (one per day): %+v", len(got), got)
	}
	first := got[0]
	if first.Title != "[enshan] session refresh failing" || first.Priority != 8 {
		t.Fatalf("notification = %+v", first)
	}
	if !strings.Contains(first.Body, "log in once in a browser") {
		t.Fatalf("body = %q", first.Body)
	}
	if fx.rest.count() != 3 {
		t.Fatalf("restore attempts = %d, want 3 (every failure past the limit)", fx.rest.count())
	}
}

func TestNoRestorerStillNotifies(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	adapter := &probeAdapter{key: "forum", errs: []error{errors.New("http 403")}}
	fx := newKaFixture(t, keepaliveConfig("sess=abc"), adapter)
	fx.co.restorer = nil

	for i := 0; i < 3; i++ {
		fx.clock.set(base.Add(time.Duration(i) * time.Hour))
		fx.co.Refresh(context.Background(), "enshan")
	}
	if got := fx.notif.all(); len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
}

func TestEscalationSkipsWhileProtected(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	cfg := keepaliveConfig("sess=abc")
	// Credential metadata is judged against the wall clock.
	cfg.Sites[0].Credential = config.CredentialMeta{
		Source:     credential.SourceLocalRefresh,
		ValidUntil: time.Now().Add(2 * time.Hour).Format(time.RFC3339),
	}
	adapter := &probeAdapter{key: "forum", errs: []error{errors.New("http 403")}}
	fx := newKaFixture(t, cfg, adapter)

	for i := 0; i < 3; i++ {
		fx.clock.set(base.Add(time.Duration(i) * time.Hour))
		fx.co.Refresh(context.Background(), "enshan")
	}
	if got := fx.rest.count(); got != 0 {
		t.Fatalf("restore calls = %d, want 0 while protected", got)
	}
	if got := fx.notif.all(); len(got) != 0 {
		t.Fatalf("notifications = %d, want none while protected", len(got))
	}
}

func TestRefreshDisabledSiteDropsTimer(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	adapter := &probeAdapter{key: "forum"}
	fx := newKaFixture(t, keepaliveConfig("sess=abc"), adapter)
	fx.clock.set(now)
	fx.co.Due(now)

	next := keepaliveConfig("sess=abc")
	next.Sites[0].Enabled = false
	fx.mgr.Commit(next)

	if err := fx.co.Refresh(context.Background(), "enshan"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if probed := adapter.probed(); len(probed) != 0 {
		t.Fatalf("probe ran for a disabled site: %v", probed)
	}
	if snap := fx.co.Snapshot(); len(snap) != 0 {
		t.Fatalf("snapshot = %+v, want empty", snap)
	}
}

func TestRefreshUnknownModuleReschedules(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	cfg := keepaliveConfig("sess=abc")
	cfg.Sites[0].Module = "nope"
	fx := newKaFixture(t, cfg, &probeAdapter{key: "forum"})
	fx.clock.set(now)

	err := fx.co.Refresh(context.Background(), "enshan")
	if err == nil || !strings.Contains(err.Error(), `unknown module "nope"`) {
		t.Fatalf("err = %v", err)
	}

	snap := fx.co.Snapshot()
	if len(snap) != 1 || snap[0].Failures != 0 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if want := now.Add(100 * time.Minute); !snap[0].NextRefresh.Equal(want) {
		t.Fatalf("next refresh = %v, want %v", snap[0].NextRefresh, want)
	}
}
