package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections,
// (2) safe structured attrs for logging (never includes secrets: cookies,
// device keys, bot tokens, vault passwords), and (3) the names of sites whose
// blocks changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Int("logx.retention_days", newCfg.Logging.File.RetentionDays),
		)
	}

	// Scheduler
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.String("scheduler.attempt_timeout", strings.TrimSpace(newCfg.Scheduler.AttemptTimeout)),
			logx.Int("scheduler.workers", newCfg.Scheduler.Workers),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	// Retry (global policy)
	if !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry) {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Bool("retry.enabled", newCfg.Retry.IsEnabled()),
			logx.Int("retry.max_retries", newCfg.Retry.MaxRetries),
			logx.String("retry.delay", strings.TrimSpace(newCfg.Retry.Delay)),
		)
	}

	// Notify (pipeline + channels; never log bark key or telegram token)
	oldN := notifyOrDefault(oldCfg.Notify)
	newN := notifyOrDefault(newCfg.Notify)
	if !reflect.DeepEqual(oldN, newN) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", newN.Enabled),
			logx.Int("notify.workers", newN.Workers),
			logx.Int("notify.rate_per_sec", newN.RatePerSec),
			logx.Bool("notify.bark_enabled", newN.Bark != nil && newN.Bark.Enabled),
			logx.Bool("notify.bark_key_set", newN.Bark != nil && strings.TrimSpace(newN.Bark.Key) != ""),
			logx.Bool("notify.telegram_enabled", newN.Telegram != nil && newN.Telegram.Enabled),
			logx.Bool("notify.telegram_token_set", newN.Telegram != nil && strings.TrimSpace(newN.Telegram.Token) != ""),
		)
	}

	// Storage (nil means defaults)
	oldS := storageOrDefault(oldCfg.Storage)
	newS := storageOrDefault(newCfg.Storage)
	if !reflect.DeepEqual(oldS, newS) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newS.Path) != ""),
			logx.Int("storage.retention_days", newS.RetentionDays),
		)
	}

	// Cold storage (never log uuid or password)
	oldC := oldCfg.ColdStorage
	newC := newCfg.ColdStorage
	oPresent := oldC != nil
	nPresent := newC != nil
	if oPresent != nPresent || (oPresent && !reflect.DeepEqual(*oldC, *newC)) {
		changed = append(changed, "cold_storage")
		var enabled, serverSet bool
		var domains int
		if newC != nil {
			enabled = newC.Enabled
			serverSet = strings.TrimSpace(newC.Server) != ""
			domains = len(newC.Domains)
		}
		attrs = append(attrs,
			logx.Bool("cold_storage.enabled", enabled),
			logx.Bool("cold_storage.server_set", serverSet),
			logx.Int("cold_storage.domains", domains),
		)
	}

	// Maintenance
	if !reflect.DeepEqual(oldCfg.Maintenance, newCfg.Maintenance) {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.audit_cron", strings.TrimSpace(newCfg.Maintenance.AuditCron)),
			logx.String("maintenance.prune_cron", strings.TrimSpace(newCfg.Maintenance.PruneCron)),
			logx.String("maintenance.probe_cron", strings.TrimSpace(newCfg.Maintenance.ProbeCron)),
		)
	}

	// Pprof (never log token)
	if oldCfg.Pprof.Enabled != newCfg.Pprof.Enabled ||
		strings.TrimSpace(oldCfg.Pprof.Addr) != strings.TrimSpace(newCfg.Pprof.Addr) ||
		strings.TrimSpace(oldCfg.Pprof.Prefix) != strings.TrimSpace(newCfg.Pprof.Prefix) ||
		oldCfg.Pprof.AllowInsecure != newCfg.Pprof.AllowInsecure ||
		strings.TrimSpace(oldCfg.Pprof.ReadTimeout) != strings.TrimSpace(newCfg.Pprof.ReadTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.WriteTimeout) != strings.TrimSpace(newCfg.Pprof.WriteTimeout) ||
		strings.TrimSpace(oldCfg.Pprof.IdleTimeout) != strings.TrimSpace(newCfg.Pprof.IdleTimeout) ||
		(strings.TrimSpace(oldCfg.Pprof.Token) != "") != (strings.TrimSpace(newCfg.Pprof.Token) != "") {
		changed = append(changed, "pprof")
		attrs = append(attrs,
			logx.Bool("pprof.enabled", newCfg.Pprof.Enabled),
			logx.String("pprof.addr", strings.TrimSpace(newCfg.Pprof.Addr)),
			logx.Bool("pprof.token_set", strings.TrimSpace(newCfg.Pprof.Token) != ""),
			logx.Bool("pprof.allow_insecure", newCfg.Pprof.AllowInsecure),
		)
	}

	// Sites (summarize only; the changed list carries names, never contents)
	siteChanged := diffSites(oldCfg.Sites, newCfg.Sites)
	if len(siteChanged) > 0 {
		changed = append(changed, "sites")
		attrs = append(attrs,
			logx.Int("sites.changed_count", len(siteChanged)),
			logx.Int("sites.enabled_count", countEnabledSites(newCfg.Sites)),
		)
	}

	sort.Strings(changed)
	return changed, attrs, siteChanged
}

func notifyOrDefault(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{Enabled: true}
	}
	return *n
}

func storageOrDefault(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func countEnabledSites(sites []SiteConfig) int {
	n := 0
	for i := range sites {
		if sites[i].Enabled {
			n++
		}
	}
	return n
}

// diffSites returns the names of site blocks that were added, removed, or
// edited. Cookie and credential edits count as changes (an operator pasting a
// fresh cookie should reach subscribers) but the values themselves never
// leave this function.
func diffSites(oldS, newS []SiteConfig) []string {
	oldM := make(map[string]*SiteConfig, len(oldS))
	for i := range oldS {
		oldM[oldS[i].Name] = &oldS[i]
	}
	newM := make(map[string]*SiteConfig, len(newS))
	for i := range newS {
		newM[newS[i].Name] = &newS[i]
	}

	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		o, oOK := oldM[name]
		n, nOK := newM[name]
		if oOK != nOK {
			out = append(out, name)
			continue
		}
		if !reflect.DeepEqual(*o, *n) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
