// Package app assembles the daemon: configuration, logging, storage, the
// notification pipeline, cold storage, the keepalive coordinator, the tick
// scheduler and the maintenance cron, glued together by the event bus. It
// also carries the one-shot CLI verbs (status, restore, validate).
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/FrancisNGG/app-sign/internal/coldstore"
	"github.com/FrancisNGG/app-sign/internal/config"
	"github.com/FrancisNGG/app-sign/internal/credential"
	"github.com/FrancisNGG/app-sign/internal/eventbus"
	"github.com/FrancisNGG/app-sign/internal/keepalive"
	"github.com/FrancisNGG/app-sign/internal/maintenance"
	"github.com/FrancisNGG/app-sign/internal/notify"
	"github.com/FrancisNGG/app-sign/internal/observability/pprof"
	rtsup "github.com/FrancisNGG/app-sign/internal/runtime/supervisor"
	"github.com/FrancisNGG/app-sign/internal/schedule"
	"github.com/FrancisNGG/app-sign/internal/site"
	"github.com/FrancisNGG/app-sign/internal/site/adapters"
	"github.com/FrancisNGG/app-sign/internal/storage"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

type App struct {
	mgr *config.ConfigManager
	sup *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store  storage.Store
	reg    *site.Registry
	creds  *credential.Store
	notif  *notify.Service
	syncer *coldstore.Syncer
	keep   *keepalive.Coordinator
	sched  *schedule.Service
	maint  *maintenance.Service
	prof   *pprof.Service

	secrets envSecrets

	auditJob maintenance.Job
	pruneJob maintenance.Job
	probeJob maintenance.Job
}

// New loads and validates the config, then builds every component. Nothing
// runs until Start; a config problem surfaces here, before the process
// reports ready.
func New(cfgPath string) (*App, error) {
	mgr := config.NewConfigManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, err
	}

	secrets := loadEnvSecrets()
	eff := effectiveConfig(cfg, secrets)
	if err := config.Validate(context.Background(), eff); err != nil {
		return nil, fmt.Errorf("config invalid: %w", err)
	}

	logs, root := logx.New(mapLogging(cfg))
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorage(cfg); err != nil {
		return nil, err
	} else if enabled {
		store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if store != nil {
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	reg, err := site.NewRegistry(adapters.All()...)
	if err != nil {
		return nil, err
	}
	if err := checkModules(eff, reg); err != nil {
		return nil, err
	}
	creds := credential.NewStore(mgr, root)

	channels, err := buildChannels(eff, root)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotify(cfg)
	if err != nil {
		return nil, err
	}
	notif := notify.New(ncfg, channels, root, bus, store)

	syncer, err := coldstore.NewSyncer(coldstore.SyncerOptions{
		Manager:          mgr,
		Credentials:      creds,
		Registry:         reg,
		Notifier:         notif,
		PasswordOverride: secrets.ColdPassword,
		Log:              root,
	})
	if err != nil {
		return nil, err
	}

	keep, err := keepalive.New(keepalive.Options{
		Manager:     mgr,
		Credentials: creds,
		Registry:    reg,
		Store:       store,
		Restorer:    syncer,
		Notifier:    notif,
		Bus:         bus,
		Log:         root,
	})
	if err != nil {
		return nil, err
	}

	sched, err := schedule.New(schedule.Options{
		Manager:     mgr,
		Credentials: creds,
		Registry:    reg,
		Store:       store,
		Notifier:    notif,
		Keepalive:   keep,
		Rotator:     logs,
		Bus:         bus,
		Log:         root,
	})
	if err != nil {
		return nil, err
	}

	loc := time.Local
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("scheduler.timezone %q: %w", tz, err)
		}
	}
	maint := maintenance.New(maintenance.Options{Location: loc, Bus: bus, Log: root})

	profCfg, err := mapPprof(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{
		mgr:     mgr,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		reg:     reg,
		creds:   creds,
		notif:   notif,
		syncer:  syncer,
		keep:    keep,
		sched:   sched,
		maint:   maint,
		prof:    pprof.New(profCfg, root),
		secrets: secrets,
	}

	mlog := root.With(logx.String("comp", "maintenance"))
	a.auditJob = maintenance.CredentialAudit(mgr, creds, notif, mlog)
	a.pruneJob = maintenance.StoragePrune(mgr, store, logs, mlog)
	a.probeJob = maintenance.VaultProbe(syncer, mlog)
	for _, p := range a.maintenancePlan(cfg) {
		if err := a.maint.AddCron(p.name, p.spec, 0, p.fn); err != nil {
			return nil, fmt.Errorf("maintenance job %s: %w", p.name, err)
		}
	}

	return a, nil
}

// Done is closed when the run context ends: a fatal error or Stop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error observed by the supervisor, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
	)
	run := a.sup.Context()

	a.mgr.SetLogger(a.logs.Logger().With(logx.String("comp", "config")))
	// Reloads are transactional: a file edit that fails validation keeps
	// the previous config live and is never published.
	a.mgr.SetValidator(func(c context.Context, cfg *config.Config) error {
		return config.Validate(c, effectiveConfig(cfg, a.secrets))
	})

	if a.notif.Enabled() {
		a.notif.Start(run)
	}
	a.sched.Start(run)
	a.maint.Start(run)
	if a.prof.Enabled() {
		a.prof.Start(run)
	}

	// Debug tap on the bus; components subscribe themselves for real work.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.mgr.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.mgr.Unsubscribe(sub)
		last := a.mgr.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				cfg = drainLatest(sub, cfg)
				a.applyReload(c, last, cfg)
				last = cfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.mgr.Watch(c)
	})

	cfg := a.mgr.Get()
	a.log.Info("app started",
		logx.String("config", a.mgr.Path()),
		logx.Int("sites", len(cfg.Sites)),
		logx.Bool("notify", a.notif.Enabled()),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

// drainLatest collapses a burst of queued reloads into the newest one.
func drainLatest(sub <-chan *config.Config, latest *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				latest = newer
			}
		default:
			return latest
		}
	}
}

// applyReload fans a committed config out to the running components.
// Sections a component cannot re-read live get a restart-required warning
// instead of a partial apply.
func (a *App) applyReload(ctx context.Context, old, cfg *config.Config) {
	sections, attrs, siteChanged := config.SummarizeConfigChange(old, cfg)
	if len(sections) == 0 {
		a.log.Debug("config reload carried no effective changes")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(siteChanged) > 0 {
		a.log.Debug("site blocks changed", logx.Any("sites", siteChanged))
	}

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogging(cfg))
		case "scheduler":
			a.log.Warn("scheduler knobs changed; restart required to apply tick/workers/timezone")
		case "storage":
			a.log.Warn("storage config changed; restart required")
		case "notify":
			a.applyNotify(ctx, old, cfg)
		case "maintenance":
			a.applyMaintenance(cfg)
		case "pprof":
			ppc, err := mapPprof(cfg)
			if err != nil {
				a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
				break
			}
			a.prof.Reconfigure(ctx, ppc)
		case "sites":
			a.sched.SyncSites(time.Now())
		}
	}

	eventbus.Emit(a.bus, eventbus.TypeConfigReloaded, eventbus.ConfigEvent{
		Path:  a.mgr.Path(),
		Sites: len(cfg.Sites),
	})
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotify(ctx context.Context, old, cfg *config.Config) {
	ncfg, err := mapNotify(cfg)
	if err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
		return
	}
	if channelsChanged(old, cfg) {
		a.log.Warn("notify channel settings changed; restart required to rebuild channels")
	}

	wasEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notify disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notify enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) applyMaintenance(cfg *config.Config) {
	current := map[string]string{}
	for _, j := range a.maint.Jobs() {
		current[j.Name] = j.Spec
	}
	for _, p := range a.maintenancePlan(cfg) {
		if current[p.name] == p.spec {
			continue
		}
		if err := a.maint.AddCron(p.name, p.spec, 0, p.fn); err != nil {
			a.log.Warn("maintenance reschedule failed",
				logx.String("job", p.name), logx.String("spec", p.spec), logx.Err(err))
		}
	}
}

type plannedJob struct {
	name string
	spec string
	fn   maintenance.Job
}

func (a *App) maintenancePlan(cfg *config.Config) []plannedJob {
	m := cfg.Maintenance
	return []plannedJob{
		{maintenance.JobCredentialAudit, specOr(m.AuditCron, maintenance.DefaultAuditSpec), a.auditJob},
		{maintenance.JobStoragePrune, specOr(m.PruneCron, maintenance.DefaultPruneSpec), a.pruneJob},
		{maintenance.JobVaultProbe, specOr(m.ProbeCron, maintenance.DefaultProbeSpec), a.probeJob},
	}
}

func specOr(raw, def string) string {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	return raw
}

// Stop shuts components down in dependency order. Each step gets its own
// upper bound so one stuck component cannot eat the whole budget; the
// caller's deadline is never extended.
func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))
	a.sup.Cancel()

	a.step(ctx, "scheduler", 8*time.Second, func(c context.Context) error { return a.sched.Stop(c) })
	a.step(ctx, "maintenance", 4*time.Second, func(c context.Context) error { return a.maint.Stop(c) })
	a.step(ctx, "notify", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "pprof", time.Second, func(c context.Context) error { a.prof.Stop(c); return nil })
	a.step(ctx, "storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}

func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()

	stepCtx := ctx
	var cancel context.CancelFunc
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
		}
		a.log.Debug("stop step done", logx.String("step", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached; continuing",
			logx.String("step", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		// The step must honor its context. Watch for a late finish so a
		// leaked goroutine shows up in the logs.
		go func() {
			err := <-done
			a.log.Warn("stop step finished after deadline",
				logx.String("step", name), logx.Err(err), logx.Duration("took", time.Since(start)))
		}()
	}
}

// Validate loads the config file and runs full validation, honoring
// environment-supplied secrets. Backs the -validate flag.
func Validate(cfgPath string) error {
	mgr := config.NewConfigManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}
	return config.Validate(context.Background(), effectiveConfig(cfg, loadEnvSecrets()))
}
