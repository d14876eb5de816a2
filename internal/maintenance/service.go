// Package maintenance runs the housekeeping cron: credential audits, run
// history pruning and cold storage probes. Daily check-in timing is not
// handled here; the per-site task table lives in the tick scheduler.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/FrancisNGG/app-sign/internal/eventbus"
	rtsup "github.com/FrancisNGG/app-sign/internal/runtime/supervisor"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// Job names used by the daemon, exported so the status surface and the
// config wiring agree on them.
const (
	JobCredentialAudit = "credential.audit"
	JobStoragePrune    = "storage.prune"
	JobVaultProbe      = "coldstore.probe"
)

// Default schedules, applied when the maintenance config block omits a
// spec.
const (
	DefaultAuditSpec = "15 0 * * *"
	DefaultPruneSpec = "45 3 * * *"
	DefaultProbeSpec = "30 */6 * * *"
)

const defaultJobTimeout = 5 * time.Minute

// Job is one housekeeping task. A returned error is logged and published
// on the bus; the job fires again at its next scheduled time regardless.
type Job func(ctx context.Context) error

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	run     Job

	entryID cron.EntryID
	running bool
}

// Options configures New.
type Options struct {
	// Location is the cron timezone. Defaults to the system local zone.
	Location *time.Location
	Bus      eventbus.Bus
	Log      logx.Logger
}

// Service schedules named housekeeping jobs. Adding a name that already
// exists replaces its schedule; a job still running when its next firing
// arrives is skipped, not stacked. Jobs execute on supervised goroutines
// so a panic is captured and logged instead of taking the daemon down.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	loc    *time.Location
	parser cron.Parser

	mu      sync.Mutex
	c       *cron.Cron
	sup     *rtsup.Supervisor
	defs    []*jobDef
	running bool
}

func New(opts Options) *Service {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log: opts.Log.With(logx.String("comp", "maintenance")),
		bus: opts.Bus,
		loc: loc,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// AddCron registers fn under name with a cron spec (5 or 6 fields, or a
// descriptor like "@daily"), replacing any previous job with the same
// name. timeout <= 0 selects the default per-run budget.
func (s *Service) AddCron(name, spec string, timeout time.Duration, fn Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("maintenance: job name required")
	}
	if fn == nil {
		return fmt.Errorf("maintenance: job %s has no func", name)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("maintenance: spec %q for %s: %w", spec, name, err)
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &jobDef{name: name, spec: spec, timeout: timeout, run: fn}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.registerLocked(d)
	}
	return nil
}

// AddInterval registers fn on a fixed period.
func (s *Service) AddInterval(name string, every, timeout time.Duration, fn Job) error {
	if every <= 0 {
		return fmt.Errorf("maintenance: interval for %s must be positive", name)
	}
	return s.AddCron(name, "@every "+every.String(), timeout, fn)
}

// Remove drops the named job and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(name)
}

func (s *Service) removeLocked(name string) bool {
	removed := false
	kept := s.defs[:0]
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		kept = append(kept, d)
	}
	s.defs = kept
	return removed
}

func (s *Service) registerLocked(d *jobDef) error {
	id, err := s.c.AddFunc(d.spec, func() { s.fire(d) })
	if err != nil {
		return fmt.Errorf("maintenance: register %s: %w", d.name, err)
	}
	d.entryID = id
	return nil
}

// Start builds the cron runner and registers every known job. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("job registration failed",
				logx.String("job", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("maintenance started",
		logx.Int("jobs", len(s.defs)),
		logx.String("timezone", s.loc.String()),
	)
}

// Stop halts firing and waits for in-flight jobs to unwind or ctx to
// expire.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, sup := s.c, s.sup
	s.c, s.sup = nil, nil
	for _, d := range s.defs {
		d.entryID = 0
	}
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	<-c.Stop().Done()
	sup.Cancel()
	return sup.Wait(ctx)
}

func (s *Service) fire(d *jobDef) {
	s.mu.Lock()
	sup := s.sup
	if sup == nil {
		s.mu.Unlock()
		return
	}
	if d.running {
		s.mu.Unlock()
		s.log.Debug("previous run still in flight, firing skipped",
			logx.String("job", d.name))
		return
	}
	d.running = true
	s.mu.Unlock()

	sup.Go("job."+d.name, func(ctx context.Context) error {
		defer func() {
			s.mu.Lock()
			d.running = false
			s.mu.Unlock()
		}()
		s.runJob(ctx, d)
		return nil
	})
}

func (s *Service) runJob(ctx context.Context, d *jobDef) {
	jctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	started := time.Now()
	err := d.run(jctx)
	elapsed := time.Since(started)
	if err != nil {
		s.log.Warn("job failed",
			logx.String("job", d.name),
			logx.Duration("took", elapsed),
			logx.Err(err),
		)
		eventbus.Emit(s.bus, eventbus.TypeMaintenanceFailed, eventbus.MaintenanceEvent{
			Job: d.name, Elapsed: elapsed, Error: err.Error(),
		})
		return
	}
	s.log.Info("job finished",
		logx.String("job", d.name),
		logx.Duration("took", elapsed),
	)
	eventbus.Emit(s.bus, eventbus.TypeMaintenanceFinished, eventbus.MaintenanceEvent{
		Job: d.name, Elapsed: elapsed,
	})
}

// JobInfo describes one registered job for the status surface.
type JobInfo struct {
	Name string    `json:"name"`
	Spec string    `json:"spec"`
	Next time.Time `json:"next,omitempty"`
	Prev time.Time `json:"prev,omitempty"`
}

// Jobs lists registered jobs sorted by name, with fire times filled in
// while the service runs.
func (s *Service) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.defs))
	for _, d := range s.defs {
		info := JobInfo{Name: d.name, Spec: d.spec}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
