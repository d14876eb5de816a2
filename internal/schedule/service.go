package schedule

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/FrancisNGG/app-sign/internal/config"
	"github.com/FrancisNGG/app-sign/internal/credential"
	"github.com/FrancisNGG/app-sign/internal/eventbus"
	"github.com/FrancisNGG/app-sign/internal/notify"
	"github.com/FrancisNGG/app-sign/internal/site"
	"github.com/FrancisNGG/app-sign/internal/storage"
	rtsup "github.com/FrancisNGG/app-sign/internal/runtime/supervisor"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// Notifier accepts composed notifications. The scheduler treats delivery as
// fire-and-forget: enqueue errors are logged, never propagated into task
// routing.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// RefreshSource tells the scheduler which sites want a session refresh now
// and performs one. Refreshes ride the same worker pool and per-site slots
// as check-ins so the two can never interleave on one site.
type RefreshSource interface {
	Due(now time.Time) []string
	Refresh(ctx context.Context, site string) error
}

// Rotator is the log maintenance hook fired at day rollover.
type Rotator interface {
	Rotate(now time.Time) error
	Purge(now time.Time) (int, error)
}

// siteSlot serializes everything the scheduler runs against one site. The
// slot is taken when an item is queued and released only when its attempt
// goroutine truly finishes, so an abandoned (timed-out) attempt keeps the
// site busy until it unwinds.
type siteSlot struct {
	mu       sync.Mutex
	inflight bool
}

func (s *siteSlot) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight {
		return false
	}
	s.inflight = true
	return true
}

func (s *siteSlot) release() {
	s.mu.Lock()
	s.inflight = false
	s.mu.Unlock()
}

type dispatchItem struct {
	kind    TaskKind
	site    string
	id      string
	attempt int // 0 for the scheduled attempt, 1.. for retries
	isRetry bool
	slot    *siteSlot
}

// Options wires the scheduler's collaborators. Manager, Credentials and
// Registry are required; everything else may be nil and degrades to a
// no-op.
type Options struct {
	Manager     *config.ConfigManager
	Credentials *credential.Store
	Registry    *site.Registry
	Store       storage.Store
	Notifier    Notifier
	Keepalive   RefreshSource
	Rotator     Rotator
	Bus         eventbus.Bus
	Log         logx.Logger
}

// Service owns the daily task table, the retry queue and the worker pool.
// A ~1s tick drives everything: day rollover, due collection and dispatch.
type Service struct {
	log      logx.Logger
	mgr      *config.ConfigManager
	creds    *credential.Store
	reg      *site.Registry
	store    storage.Store
	notifier Notifier
	keep     RefreshSource
	rot      Rotator
	bus      eventbus.Bus

	tz             *time.Location
	tick           time.Duration
	attemptTimeout time.Duration
	workers        int

	mu      sync.Mutex
	day     *DayTable
	slots   map[string]*siteSlot
	queue   chan dispatchItem
	sup     *rtsup.Supervisor
	running bool

	retries *RetryQueue
	rng     *rand.Rand

	nowFn func() time.Time
}

// New builds the scheduler from the current configuration. Scheduler knobs
// (tick interval, attempt timeout, worker count, timezone) are fixed at
// construction; site-level settings are re-read live on every tick.
func New(opts Options) (*Service, error) {
	if opts.Manager == nil {
		return nil, fmt.Errorf("schedule: config manager is required")
	}
	if opts.Credentials == nil {
		return nil, fmt.Errorf("schedule: credential store is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("schedule: site registry is required")
	}
	cfg := opts.Manager.Get()
	if cfg == nil {
		return nil, fmt.Errorf("schedule: no configuration loaded")
	}

	sc := cfg.Scheduler
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", sc.TickInterval, time.Second)
	if err != nil {
		return nil, err
	}
	// An explicit "0s" disables the per-attempt deadline; only an omitted
	// field gets the default.
	timeout := 5 * time.Minute
	if strings.TrimSpace(sc.AttemptTimeout) != "" {
		timeout, err = config.ParseDurationField("scheduler.attempt_timeout", sc.AttemptTimeout)
		if err != nil {
			return nil, err
		}
	}
	workers := sc.Workers
	if workers <= 0 {
		workers = 4
	}
	tz := time.Local
	if sc.Timezone != "" {
		loc, err := time.LoadLocation(sc.Timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule: timezone %q: %w", sc.Timezone, err)
		}
		tz = loc
	}

	return &Service{
		log:            opts.Log.With(logx.String("comp", "scheduler")),
		mgr:            opts.Manager,
		creds:          opts.Credentials,
		reg:            opts.Registry,
		store:          opts.Store,
		notifier:       opts.Notifier,
		keep:           opts.Keepalive,
		rot:            opts.Rotator,
		bus:            opts.Bus,
		tz:             tz,
		tick:           tick,
		attemptTimeout: timeout,
		workers:        workers,
		slots:          map[string]*siteSlot{},
		retries:        NewRetryQueue(),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:          time.Now,
	}, nil
}

// Start launches the tick loop and the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.queue = make(chan dispatchItem, s.workers*4)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	sup, q := s.sup, s.queue
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return context.Canceled
		})
	}
	sup.GoRestart("tick", func(c context.Context) error {
		s.tickLoop(c)
		return context.Canceled
	})

	s.log.Info("scheduler started",
		logx.Duration("tick", s.tick),
		logx.Duration("attempt_timeout", s.attemptTimeout),
		logx.Int("workers", s.workers),
		logx.String("timezone", s.tz.String()),
	)
}

// Stop cancels the loops and waits for in-flight attempts to unwind or ctx
// to expire. Queued-but-unstarted items are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.queue = nil
	s.running = false
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	sup.Cancel()
	return sup.Wait(ctx)
}

func (s *Service) tickLoop(ctx context.Context) {
	s.Tick(s.nowFn())
	timer := time.NewTimer(s.tick)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.Tick(s.nowFn())
			// Re-arm only after the tick finished: a slow tick defers
			// the next instead of stacking up.
			timer.Reset(s.tick)
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan dispatchItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-q:
			if !ok {
				return
			}
			s.execute(ctx, it)
		}
	}
}

// Tick runs one scheduling pass at now: day rollover first, then due
// collection (session refreshes before check-ins, retries last) and
// dispatch. Exported for the tests; the tick loop is its only production
// caller.
func (s *Service) Tick(now time.Time) {
	local := now.In(s.tz)
	s.maybeRollover(local)

	var items []dispatchItem
	if s.keep != nil {
		for _, name := range s.keep.Due(local) {
			items = append(items, dispatchItem{kind: KindKeepalive, site: name})
		}
	}
	s.mu.Lock()
	due := s.day.Due(local)
	s.mu.Unlock()
	for _, t := range due {
		items = append(items, dispatchItem{kind: KindCheckin, site: t.Site, id: t.ID})
	}
	for _, e := range s.retries.Due(local) {
		items = append(items, dispatchItem{kind: e.Kind, site: e.Site, id: e.ID, attempt: e.Attempts + 1, isRetry: true})
	}

	for _, it := range items {
		s.dispatch(it)
	}
}

func (s *Service) dispatch(it dispatchItem) {
	slot := s.slot(it.site)
	if !slot.tryAcquire() {
		// The site is queued or mid-attempt; the item stays due and is
		// collected again on a later tick.
		s.log.Debug("site busy, holding back", logx.String("site", it.site), logx.String("kind", string(it.kind)))
		return
	}
	it.slot = slot

	if it.kind == KindCheckin && !it.isRetry {
		s.setTaskStatusByID(it.site, it.id, StatusRunning)
	}

	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		// Not started: run inline. One-shot invocations tick without the
		// worker pool and expect everything settled on return.
		eventbus.Emit(s.bus, eventbus.TypeTaskDispatched, eventbus.TaskEvent{
			TaskID:  it.id,
			Site:    it.site,
			Kind:    string(it.kind),
			Attempt: it.attempt,
		})
		s.execute(context.Background(), it)
		return
	}

	select {
	case q <- it:
		eventbus.Emit(s.bus, eventbus.TypeTaskDispatched, eventbus.TaskEvent{
			TaskID:  it.id,
			Site:    it.site,
			Kind:    string(it.kind),
			Attempt: it.attempt,
		})
	default:
		slot.release()
		if it.kind == KindCheckin && !it.isRetry {
			s.setTaskStatusByID(it.site, it.id, StatusPending)
		}
		s.log.Warn("dispatch queue full, deferring", logx.String("site", it.site), logx.String("kind", string(it.kind)))
	}
}

// maybeRollover rebuilds the day table when the local date changes. The
// first build (process start) skips tasks already in the past; midnight
// rebuilds skip nothing. Rollover also rotates log sinks and clears the
// retry queue: yesterday's retries are superseded by the new day's tasks.
func (s *Service) maybeRollover(local time.Time) {
	date := local.Format("2006-01-02")

	s.mu.Lock()
	if s.day != nil && s.day.Date == date {
		s.mu.Unlock()
		return
	}
	first := s.day == nil
	skipBefore := time.Time{}
	if first {
		skipBefore = local
	}
	s.day = BuildDayTable(s.mgr.Get(), local, skipBefore, s.rng, s.log)
	n := len(s.day.tasks)
	s.mu.Unlock()

	if first {
		s.log.Info("day table built", logx.String("date", date), logx.Int("tasks", n))
		return
	}

	dropped := s.retries.Clear()
	s.log.Info("day rollover", logx.String("date", date), logx.Int("tasks", n), logx.Int("dropped_retries", dropped))
	if s.rot != nil {
		if err := s.rot.Rotate(local); err != nil {
			s.log.Warn("log rotation failed", logx.Err(err))
		}
		if purged, err := s.rot.Purge(local); err != nil {
			s.log.Warn("log purge failed", logx.Err(err))
		} else if purged > 0 {
			s.log.Info("purged expired log files", logx.Int("files", purged))
		}
	}
}

// SyncSites reconciles the live day table with the current configuration
// after a reload. Removed or disabled sites lose their pending work; new
// sites are scheduled as if the process had just started (past run times
// stay skipped for today). Sites already in the table keep their task,
// status and random offset.
func (s *Service) SyncSites(now time.Time) {
	cfg := s.mgr.Get()
	if cfg == nil {
		return
	}
	local := now.In(s.tz)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.day == nil || s.day.Date != local.Format("2006-01-02") {
		// The next tick's rollover rebuilds from the fresh config anyway.
		return
	}

	for name, task := range s.day.tasks {
		sc := cfg.SiteByName(name)
		if sc != nil && sc.Enabled {
			continue
		}
		if task.Status == StatusPending || task.Status == StatusRetryScheduled {
			delete(s.day.tasks, name)
			s.retries.Drop(name)
			s.log.Info("site removed from today's schedule", logx.String("site", name))
		}
	}

	for i := range cfg.Sites {
		sc := &cfg.Sites[i]
		if !sc.Enabled || s.day.tasks[sc.Name] != nil {
			continue
		}
		if task := buildSiteTask(sc, s.day.midnight, local, s.rng, s.log); task != nil {
			s.day.tasks[sc.Name] = task
			s.log.Info("site added to today's schedule",
				logx.String("site", sc.Name),
				logx.Time("scheduled_for", task.ScheduledFor),
			)
		}
	}
}

func (s *Service) slot(site string) *siteSlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl := s.slots[site]
	if sl == nil {
		sl = &siteSlot{}
		s.slots[site] = sl
	}
	return sl
}

// setTaskStatusByID flips the site's task when it still carries the given
// ID. A midnight rebuild replaces tasks wholesale; a stale ID means the
// update belongs to yesterday and is dropped.
func (s *Service) setTaskStatusByID(site, id string, status TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.day.Task(site)
	if task == nil || task.ID != id {
		return
	}
	task.Status = status
}

// resolveRetryStatus flips the site's task only while it is waiting on the
// retry queue. Guards the window where a pre-midnight retry finishes after
// the rollover already installed a fresh pending task.
func (s *Service) resolveRetryStatus(site string, status TaskStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.day.Task(site)
	if task == nil || task.Status != StatusRetryScheduled {
		return
	}
	task.Status = status
}

// SiteStatus is one row of the status report.
type SiteStatus struct {
	Site         string      `json:"site"`
	Status       string      `json:"status"`
	ScheduledFor time.Time   `json:"scheduled_for"`
	Retry        *RetryEntry `json:"retry,omitempty"`
}

// Snapshot is a point-in-time view of the day table and retry queue.
type Snapshot struct {
	Date  string       `json:"date"`
	Sites []SiteStatus `json:"sites"`
}

// Snapshot reports today's tasks and any retry state, ordered by site.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	day := s.day
	s.mu.Unlock()

	snap := Snapshot{}
	if day == nil {
		return snap
	}
	snap.Date = day.Date

	s.mu.Lock()
	tasks := day.Tasks()
	rows := make([]SiteStatus, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, SiteStatus{
			Site:         t.Site,
			Status:       t.Status.String(),
			ScheduledFor: t.ScheduledFor,
		})
	}
	s.mu.Unlock()

	for i := range rows {
		if e, ok := s.retries.Entry(rows[i].Site); ok {
			entry := e
			rows[i].Retry = &entry
		}
	}
	snap.Sites = rows
	return snap
}
