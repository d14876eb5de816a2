package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FrancisNGG/app-sign/internal/config"
	"github.com/FrancisNGG/app-sign/internal/credential"
	"github.com/FrancisNGG/app-sign/internal/eventbus"
	"github.com/FrancisNGG/app-sign/internal/notify"
	"github.com/FrancisNGG/app-sign/internal/site"
	"github.com/FrancisNGG/app-sign/internal/storage"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

func (s *Service) execute(ctx context.Context, it dispatchItem) {
	if it.kind == KindKeepalive {
		s.executeKeepalive(ctx, it)
		return
	}
	s.executeCheckin(ctx, it)
}

func (s *Service) attemptContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.attemptTimeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, s.attemptTimeout)
}

// executeKeepalive runs one session refresh under the site slot. The
// coordinator records history and counts failures itself; the scheduler
// only contributes the timeout and the serialization.
func (s *Service) executeKeepalive(parent context.Context, it dispatchItem) {
	ctx, cancel := s.attemptContext(parent)
	resCh := make(chan error, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer it.slot.release()
		defer cancel()
		resCh <- s.keep.Refresh(ctx, it.site)
	}()
	select {
	case err := <-resCh:
		<-done
		if err != nil {
			s.log.Debug("session refresh reported failure", logx.String("site", it.site), logx.Err(err))
		}
	case <-ctx.Done():
		if parent.Err() != nil {
			return
		}
		s.log.Warn("session refresh timed out",
			logx.String("site", it.site),
			logx.Duration("timeout", s.attemptTimeout),
		)
	}
}

// executeCheckin runs one check-in attempt with the per-attempt budget. A
// timed-out attempt is not killed: its goroutine keeps the site slot until
// it unwinds on its own, while scheduling moves on and treats the attempt
// as a transient failure. A result arriving after the deadline is
// discarded.
func (s *Service) executeCheckin(parent context.Context, it dispatchItem) {
	start := s.nowFn()
	ctx, cancel := s.attemptContext(parent)

	type result struct {
		out  site.Outcome
		skip bool
	}
	resCh := make(chan result, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer it.slot.release()
		defer cancel()
		out, skip := s.attemptCheckin(ctx, it)
		resCh <- result{out: out, skip: skip}
	}()

	select {
	case res := <-resCh:
		// Wait for the slot to free before routing so a follow-up tick
		// can redispatch the site immediately.
		<-done
		if res.skip {
			return
		}
		s.route(it, res.out, start)
	case <-ctx.Done():
		if parent.Err() != nil {
			return
		}
		s.route(it, site.Failure(fmt.Sprintf("attempt timed out after %s", s.attemptTimeout), true), start)
	}
}

// attemptCheckin resolves the site's current config and credential, then
// hands the adapter a fresh session. The credential is read here, inside
// the worker, never at scheduling time: a keepalive refresh may have
// replaced the cookie while the task sat in the queue.
//
// skip=true means the site vanished from the configuration mid-flight and
// nothing should be routed.
func (s *Service) attemptCheckin(ctx context.Context, it dispatchItem) (out site.Outcome, skip bool) {
	cfg := s.mgr.Get()
	if cfg == nil {
		return site.Failure("no configuration loaded", true), false
	}
	sc := cfg.SiteByName(it.site)
	if sc == nil || !sc.Enabled {
		s.log.Info("site disabled mid-flight, dropping task", logx.String("site", it.site))
		s.abandonSite(it)
		return site.Outcome{}, true
	}

	rec, err := s.creds.Get(it.site)
	if err != nil {
		if errors.Is(err, credential.ErrUnknownSite) {
			s.log.Info("site removed mid-flight, dropping task", logx.String("site", it.site))
			s.abandonSite(it)
			return site.Outcome{}, true
		}
		return site.Failure(err.Error(), true), false
	}
	if rec.Empty() {
		return site.ExpiredCredential("no cookie configured"), false
	}

	adapter, ok := s.reg.Lookup(sc.Module)
	if !ok {
		return site.Failure(fmt.Sprintf("unknown module %q", sc.Module), false), false
	}

	sess := site.NewSession(site.SessionOptions{
		Site:    it.site,
		BaseURL: sc.BaseURL,
		Cookie:  rec.Cookie,
		Log:     s.log.With(logx.String("site", it.site)),
	})
	return site.SafeAttempt(ctx, adapter, sess), false
}

func (s *Service) abandonSite(it dispatchItem) {
	s.retries.Drop(it.site)
	s.mu.Lock()
	task := s.day.Task(it.site)
	if task != nil && (task.ID == it.id || task.Status == StatusRunning || task.Status == StatusRetryScheduled) {
		task.Status = StatusSkipped
	}
	s.mu.Unlock()
}

// route folds one finished attempt into the day table, the retry queue,
// run history, notifications and the event bus.
func (s *Service) route(it dispatchItem, out site.Outcome, start time.Time) {
	now := s.nowFn()
	took := now.Sub(start).Milliseconds()
	class := site.Classify(out)

	var sc *config.SiteConfig
	if cfg := s.mgr.Get(); cfg != nil {
		sc = cfg.SiteByName(it.site)
	}

	switch class {
	case site.ClassSuccess:
		s.recordRun(storage.RunRecord{
			At: now, Site: it.site, Kind: storage.RunCheckin,
			Attempt: it.attempt, Final: true, Class: class.String(),
			Detail: out.Detail(), TookMS: took,
		})
		s.extendCredential(it.site)
		if it.isRetry {
			s.retries.RecordAttempt(it.site, true, false, "", now)
			s.resolveRetryStatus(it.site, StatusDone)
		} else {
			s.setTaskStatusByID(it.site, it.id, StatusDone)
		}
		s.log.Info("check-in succeeded",
			logx.String("site", it.site),
			logx.Int("attempt", it.attempt),
			logx.String("detail", out.Detail()),
		)
		s.send(notify.Notification{
			Site:     it.site,
			Title:    fmt.Sprintf("[%s] check-in ok", it.site),
			Body:     successBody(out),
			Priority: 5,
		})
		s.emitTask(eventbus.TypeTaskSucceeded, it, out.Detail(), "")

	case site.ClassTerminal, site.ClassContractViolation:
		s.recordRun(storage.RunRecord{
			At: now, Site: it.site, Kind: storage.RunCheckin,
			Attempt: it.attempt, Final: true, Class: class.String(),
			Error: out.Reason(), TookMS: took,
		})
		if it.isRetry {
			// A terminal result mid-retry closes the entry without the
			// give-up signal; this branch already notifies.
			s.retries.RecordAttempt(it.site, false, false, out.Reason(), now)
			s.resolveRetryStatus(it.site, StatusFailed)
		} else {
			s.setTaskStatusByID(it.site, it.id, StatusFailed)
		}
		s.log.Warn("check-in failed terminally",
			logx.String("site", it.site),
			logx.Int("attempt", it.attempt),
			logx.String("class", class.String()),
			logx.String("reason", out.Reason()),
		)
		body := out.Reason()
		if class == site.ClassContractViolation {
			body = "adapter misbehaved: " + body
		}
		s.send(notify.Notification{
			Site:     it.site,
			Title:    fmt.Sprintf("[%s] check-in failed", it.site),
			Body:     body,
			Priority: 8,
		})
		s.emitTask(eventbus.TypeTaskHardFailed, it, "", out.Reason())

	default:
		s.routeRetryable(it, out, class, sc, now, took)
	}
}

// routeRetryable handles transient and credential-expired failures. The
// first failure schedules a retry silently when the site has budget; only
// the final exhaustion (or a disabled retry policy) produces the single
// give-up notification.
func (s *Service) routeRetryable(it dispatchItem, out site.Outcome, class site.Class, sc *config.SiteConfig, now time.Time, took int64) {
	reason := out.Reason()

	if !it.isRetry {
		enabled, maxRetries, delay := s.retryPolicy(sc)
		if enabled {
			s.retries.Enqueue(it.site, it.kind, reason, now, maxRetries, delay)
			s.setTaskStatusByID(it.site, it.id, StatusRetryScheduled)
			s.recordRun(storage.RunRecord{
				At: now, Site: it.site, Kind: storage.RunCheckin,
				Attempt: it.attempt, Final: false, Class: class.String(),
				Error: reason, TookMS: took,
			})
			s.log.Warn("check-in failed, retry scheduled",
				logx.String("site", it.site),
				logx.String("class", class.String()),
				logx.String("reason", reason),
				logx.Duration("delay", delay),
			)
			s.emitTask(eventbus.TypeTaskRetryScheduled, it, "", reason)
			return
		}

		s.recordRun(storage.RunRecord{
			At: now, Site: it.site, Kind: storage.RunCheckin,
			Attempt: it.attempt, Final: true, Class: class.String(),
			Error: reason, TookMS: took,
		})
		s.setTaskStatusByID(it.site, it.id, StatusFailed)
		s.log.Warn("check-in failed, retries disabled",
			logx.String("site", it.site),
			logx.String("reason", reason),
		)
		s.send(notify.Notification{
			Site:     it.site,
			Title:    fmt.Sprintf("[%s] check-in failed", it.site),
			Body:     "failed with retries disabled: " + reason + credentialHint(class, sc),
			Priority: 8,
		})
		s.emitTask(eventbus.TypeTaskExhausted, it, "", reason)
		return
	}

	exhausted := s.retries.RecordAttempt(it.site, false, true, reason, now)
	if !exhausted {
		s.recordRun(storage.RunRecord{
			At: now, Site: it.site, Kind: storage.RunCheckin,
			Attempt: it.attempt, Final: false, Class: class.String(),
			Error: reason, TookMS: took,
		})
		s.log.Warn("retry failed, rescheduled",
			logx.String("site", it.site),
			logx.Int("attempt", it.attempt),
			logx.String("reason", reason),
		)
		s.emitTask(eventbus.TypeTaskRetryScheduled, it, "", reason)
		return
	}

	s.recordRun(storage.RunRecord{
		At: now, Site: it.site, Kind: storage.RunCheckin,
		Attempt: it.attempt, Final: true, Class: class.String(),
		Error: reason, TookMS: took,
	})
	s.resolveRetryStatus(it.site, StatusFailed)
	s.log.Error("check-in gave up, retry budget exhausted",
		logx.String("site", it.site),
		logx.Int("attempts", it.attempt+1),
		logx.String("reason", reason),
	)
	s.send(notify.Notification{
		Site:     it.site,
		Title:    fmt.Sprintf("[%s] check-in gave up", it.site),
		Body:     fmt.Sprintf("%d attempts failed; last error: %s%s", it.attempt+1, reason, credentialHint(class, sc)),
		Priority: 8,
	})
	s.emitTask(eventbus.TypeTaskExhausted, it, "", reason)
}

// retryPolicy resolves the effective policy for a site: the site override
// when present, the global block otherwise. A zero max_retries means the
// default of 3; turning retries off goes through enabled=false.
func (s *Service) retryPolicy(sc *config.SiteConfig) (enabled bool, maxRetries int, delay time.Duration) {
	maxRetries = 3
	delay = time.Hour
	enabled = true

	cfg := s.mgr.Get()
	if cfg == nil {
		return enabled, maxRetries, delay
	}
	r := cfg.RetryFor(sc)
	if r.MaxRetries > 0 {
		maxRetries = r.MaxRetries
	}
	if d, err := config.ParseDurationOrDefault("retry.delay", r.Delay, time.Hour); err == nil {
		delay = d
	}
	return r.IsEnabled(), maxRetries, delay
}

func successBody(out site.Outcome) string {
	if d := out.Detail(); d != "" {
		return d
	}
	return "done"
}

// credentialHint is appended to final failure notifications when the
// cookie looks expired and no keepalive will fix it on its own.
func credentialHint(class site.Class, sc *config.SiteConfig) string {
	if class != site.ClassCredentialExpired {
		return ""
	}
	if sc != nil && sc.Keepalive.Enabled {
		return ""
	}
	return "\nthe cookie looks expired; renew it manually"
}

func (s *Service) send(n notify.Notification) {
	if s.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.notifier.Notify(ctx, n); err != nil {
		s.log.Debug("notification enqueue failed", logx.String("site", n.Site), logx.Err(err))
	}
}

func (s *Service) recordRun(r storage.RunRecord) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.store.AppendRun(ctx, r); err != nil {
		s.log.Warn("run history append failed", logx.String("site", r.Site), logx.Err(err))
	}
}

func (s *Service) extendCredential(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.creds.ExtendOnCheckin(ctx, name); err != nil {
		s.log.Warn("credential extension failed", logx.String("site", name), logx.Err(err))
	}
}

func (s *Service) emitTask(typ string, it dispatchItem, detail, errStr string) {
	eventbus.Emit(s.bus, typ, eventbus.TaskEvent{
		TaskID:  it.id,
		Site:    it.site,
		Kind:    string(it.kind),
		Attempt: it.attempt,
		Detail:  detail,
		Error:   errStr,
	})
}
