package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// Validate checks the config shape: parseable durations and clocks, required
// channel secrets, unique site names. It is installed as the ConfigManager
// validator, so a reload that fails here keeps the previous config live.
//
// Adapter module names are not checked here (the registry does that at wiring
// time); Validate stays free of site package imports.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	checkDur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	checkCron := func(path, raw string) {
		if strings.TrimSpace(raw) == "" {
			return
		}
		if _, err := cron.ParseStandard(raw); err != nil {
			fail("%s: invalid cron spec %q: %v", path, raw, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, err := zerolog.ParseLevel(strings.ToLower(lvl)); err != nil {
			fail("logging.level: unknown level %q", lvl)
		}
	}
	if cfg.Logging.File.RetentionDays < 0 {
		fail("logging.file.retention_days: must be >= 0")
	}

	checkDur("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	checkDur("scheduler.attempt_timeout", cfg.Scheduler.AttemptTimeout)
	if cfg.Scheduler.Workers < 0 {
		fail("scheduler.workers: must be >= 0")
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			fail("scheduler.timezone: unknown timezone %q", tz)
		}
	}

	validateRetry("retry", cfg.Retry, &errs)

	if n := cfg.Notify; n != nil {
		checkDur("notify.retry_base", n.RetryBase)
		checkDur("notify.retry_max_delay", n.RetryMaxDelay)
		checkDur("notify.dedup_window", n.DedupWindow)
		if b := n.Bark; b != nil && b.Enabled && strings.TrimSpace(b.Key) == "" {
			fail("notify.bark.key: required when bark is enabled")
		}
		if t := n.Telegram; t != nil && t.Enabled {
			if strings.TrimSpace(t.Token) == "" {
				fail("notify.telegram.token: required when telegram is enabled")
			}
			if t.ChatID == 0 {
				fail("notify.telegram.chat_id: required when telegram is enabled")
			}
		}
	}

	if s := cfg.Storage; s != nil {
		switch d := strings.TrimSpace(s.Driver); d {
		case "", "sqlite", "file":
			if strings.TrimSpace(s.Path) == "" {
				fail("storage.path: required when storage is enabled")
			}
		case "none":
		default:
			fail("storage.driver: unknown driver %q (want sqlite, file or none)", s.Driver)
		}
		checkDur("storage.busy_timeout", s.BusyTimeout)
		if s.RetentionDays < 0 {
			fail("storage.retention_days: must be >= 0")
		}
	}

	if c := cfg.ColdStorage; c != nil && c.Enabled {
		if strings.TrimSpace(c.Server) == "" {
			fail("cold_storage.server: required when cold storage is enabled")
		}
		if strings.TrimSpace(c.UUID) == "" {
			fail("cold_storage.uuid: required when cold storage is enabled")
		}
		if strings.TrimSpace(c.Password) == "" {
			fail("cold_storage.password: required when cold storage is enabled")
		}
		checkDur("cold_storage.timeout", c.Timeout)
	}

	checkCron("maintenance.audit_cron", cfg.Maintenance.AuditCron)
	checkCron("maintenance.prune_cron", cfg.Maintenance.PruneCron)
	checkCron("maintenance.probe_cron", cfg.Maintenance.ProbeCron)

	checkDur("pprof.read_timeout", cfg.Pprof.ReadTimeout)
	checkDur("pprof.write_timeout", cfg.Pprof.WriteTimeout)
	checkDur("pprof.idle_timeout", cfg.Pprof.IdleTimeout)

	names := make([]string, 0, len(cfg.Sites))
	for i := range cfg.Sites {
		s := &cfg.Sites[i]
		p := fmt.Sprintf("sites[%d]", i)
		if strings.TrimSpace(s.Name) == "" {
			fail("%s.name: required", p)
		} else {
			names = append(names, s.Name)
			p = fmt.Sprintf("sites[%s]", s.Name)
		}
		if strings.TrimSpace(s.Module) == "" {
			fail("%s.module: required", p)
		}
		if _, err := ParseClock(p+".run_time", s.RunTime); err != nil {
			errs = append(errs, err)
		}
		if s.RandomRange < 0 {
			fail("%s.random_range: must be >= 0", p)
		}
		if s.ExtendDays < 0 {
			fail("%s.extend_days: must be >= 0", p)
		}
		if s.Retry != nil {
			validateRetry(p+".retry", *s.Retry, &errs)
		}
		validateKeepalive(p+".keepalive", s.Keepalive, &errs)
	}
	for _, dup := range lo.FindDuplicates(names) {
		fail("sites: duplicate name %q", dup)
	}

	return errors.Join(errs...)
}

func validateRetry(path string, r RetryConfig, errs *[]error) {
	if r.MaxRetries < 0 {
		*errs = append(*errs, fmt.Errorf("%s.max_retries: must be >= 0", path))
	}
	if _, err := ParseDurationField(path+".delay", r.Delay); err != nil {
		*errs = append(*errs, err)
	}
}

func validateKeepalive(path string, k KeepaliveConfig, errs *[]error) {
	interval, err := ParseDurationField(path+".interval", k.Interval)
	if err != nil {
		*errs = append(*errs, err)
	}
	validity, err := ParseDurationField(path+".validity", k.Validity)
	if err != nil {
		*errs = append(*errs, err)
	}
	if k.Enabled && interval > 0 && validity > 0 && interval >= validity {
		*errs = append(*errs, fmt.Errorf("%s: interval %s must be shorter than validity %s", path, k.Interval, k.Validity))
	}
	if k.MaxLocalFailures < 0 {
		*errs = append(*errs, fmt.Errorf("%s.max_local_failures: must be >= 0", path))
	}
}
