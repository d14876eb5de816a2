package config

// Config is the root document.
//
// It doubles as the credential store: each site block carries its cookie and
// refresh metadata, and successful refreshes are written back to disk through
// ConfigManager.Mutate. Treat the whole file as secret material.
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Scheduler controls the polling loop that fires check-in and keepalive
	// tasks. See SchedulerConfig for defaults.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Retry is the global retry policy for failed check-ins. Individual sites
	// may override it via their own retry block.
	Retry RetryConfig `json:"retry"`

	Notify  *NotifyConfig  `json:"notify,omitempty"`
	Storage *StorageConfig `json:"storage,omitempty"`

	// ColdStorage configures the remote cookie vault used as a last resort
	// when local refresh keeps failing. Optional.
	ColdStorage *ColdStorageConfig `json:"cold_storage,omitempty"`

	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
	Pprof       PprofConfig       `json:"pprof,omitempty"`

	Sites []SiteConfig `json:"sites"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

// LoggingFile controls the date-stamped file sink.
//
// Defaults (when fields are omitted/zero):
//   - dir: "logs"
//   - retention_days: 30
type LoggingFile struct {
	Enabled       bool   `json:"enabled"`
	Dir           string `json:"dir,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
}

// SchedulerConfig controls the dispatch loop.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - tick_interval: "1s"
//   - attempt_timeout: "5m"
//   - workers: 4
//   - timezone: system local time
type SchedulerConfig struct {
	TickInterval string `json:"tick_interval,omitempty"`

	// AttemptTimeout bounds a single site attempt (check-in or refresh).
	// Use "0s" to disable the per-attempt deadline.
	AttemptTimeout string `json:"attempt_timeout,omitempty"`

	Workers  int    `json:"workers,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// RetryConfig controls re-attempts after a failed check-in.
//
// MaxRetries counts retries, not attempts: with max_retries=3 a task is tried
// at most 4 times (the scheduled attempt plus 3 retries).
//
// Enabled is a pointer so we can distinguish "omitted" (default true) from an
// explicit false.
//
// Defaults (when fields are omitted/zero):
//   - enabled: true
//   - max_retries: 3
//   - delay: "1h"
type RetryConfig struct {
	Enabled    *bool  `json:"enabled,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
	Delay      string `json:"delay,omitempty"`
}

// NotifyConfig controls the async notification pipeline and its channels.
//
// All durations are Go duration strings. If the whole section is omitted the
// pipeline runs with defaults and no channels (log-only).
type NotifyConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`
	PersistDedup    bool   `json:"persist_dedup,omitempty"`

	Bark     *BarkConfig           `json:"bark,omitempty"`
	Telegram *TelegramNotifyConfig `json:"telegram,omitempty"`
}

// BarkConfig pushes to a Bark server (iOS).
//
// Defaults (when fields are omitted/zero):
//   - server: "https://api.day.app"
//   - group: "app-sign"
type BarkConfig struct {
	Enabled bool   `json:"enabled"`
	Server  string `json:"server,omitempty"`
	Key     string `json:"key"` // device key (do not log)
	Group   string `json:"group,omitempty"`
	Sound   string `json:"sound,omitempty"`
}

type TelegramNotifyConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"` // bot token (do not log)
	ChatID  int64  `json:"chat_id"`
}

// StorageConfig controls the run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./app_sign.db" }
//
// Defaults (when fields are omitted/zero):
//   - driver: "sqlite"
//   - retention_days: 90
type StorageConfig struct {
	Driver        string `json:"driver"`
	Path          string `json:"path"`
	BusyTimeout   string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	RetentionDays int    `json:"retention_days,omitempty"`
}

// ColdStorageConfig points at a CookieCloud-compatible server.
//
// Domains maps a site name to the cookie domain to extract when restoring
// (e.g. "smzdm": "zhuanzhuan.smzdm.com"). Sites missing from the map fall
// back to an adapter-provided default.
//
// Defaults (when fields are omitted/zero):
//   - timeout: "30s"
type ColdStorageConfig struct {
	Enabled  bool              `json:"enabled"`
	Server   string            `json:"server"`
	UUID     string            `json:"uuid"`
	Password string            `json:"password"` // end-to-end key (do not log)
	Timeout  string            `json:"timeout,omitempty"`
	Domains  map[string]string `json:"domains,omitempty"`
}

// MaintenanceConfig holds cron specs for housekeeping jobs.
//
// Defaults (when fields are omitted/zero):
//   - audit_cron: "15 0 * * *" (credential validity audit)
//   - prune_cron: "45 3 * * *" (history + log retention)
//   - probe_cron: "30 */6 * * *" (cold storage reachability)
type MaintenanceConfig struct {
	AuditCron string `json:"audit_cron,omitempty"`
	PruneCron string `json:"prune_cron,omitempty"`
	ProbeCron string `json:"probe_cron,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// SiteConfig describes one site account.
//
// Defaults (when fields are omitted/zero):
//   - random_range: 0 (fire exactly at run_time)
//   - extend_days: 7 (validity credit per successful check-in)
type SiteConfig struct {
	// Name identifies the account in logs, notifications and storage.
	// Must be unique across the sites list.
	Name string `json:"name"`

	// Module selects the adapter ("right", "bilibili", "smzdm", "tieba", "acfun").
	Module string `json:"module"`

	Enabled bool `json:"enabled"`

	// BaseURL overrides the adapter's default endpoint. Optional.
	BaseURL string `json:"base_url,omitempty"`

	// RunTime is the local wall clock for the daily check-in, "HH:MM" or
	// "HH:MM:SS".
	RunTime string `json:"run_time"`

	// RandomRange widens the fire time to run_time + [0, random_range] minutes.
	// A single offset is drawn per day.
	RandomRange int `json:"random_range,omitempty"`

	// Cookie is the live credential. Written back by keepalive refreshes and
	// cold storage restores.
	Cookie string `json:"cookie"` // secret (do not log)

	Credential CredentialMeta  `json:"credential,omitempty"`
	Keepalive  KeepaliveConfig `json:"keepalive,omitempty"`

	// Retry overrides the global retry policy for this site. Optional.
	Retry *RetryConfig `json:"retry,omitempty"`

	ExtendDays int `json:"extend_days,omitempty"`
}

// CredentialMeta is refresh bookkeeping persisted next to the cookie.
// Timestamps are RFC 3339 strings; empty means unknown.
type CredentialMeta struct {
	// Source records where the current cookie came from: "manual",
	// "local_refresh" or "cold_storage".
	Source          string `json:"source,omitempty"`
	LastRefreshed   string `json:"last_refreshed,omitempty"`
	ValidUntil      string `json:"valid_until,omitempty"`
	RefreshAttempts int    `json:"refresh_attempts,omitempty"`
}

// KeepaliveConfig controls active session refresh for short-validity sites.
// Long-validity sites leave this disabled; their sessions are extended as a
// side effect of successful check-ins.
//
// All durations are Go duration strings.
//
// Defaults (when fields are omitted/zero):
//   - interval: "100m"
//   - validity: "120m"
//   - max_local_failures: 3
type KeepaliveConfig struct {
	Enabled bool `json:"enabled"`

	// Interval is how often the session is refreshed. Keep it below validity
	// so the session never lapses between refreshes.
	Interval string `json:"interval,omitempty"`
	Validity string `json:"validity,omitempty"`

	// RefreshCommand is an external program (run via the shell) that prints a
	// fresh cookie on stdout. When empty, refresh falls back to re-validating
	// the current cookie against the site.
	RefreshCommand string `json:"refresh_command,omitempty"`

	// MaxLocalFailures is how many consecutive local refresh failures are
	// tolerated before cold storage is consulted.
	MaxLocalFailures int `json:"max_local_failures,omitempty"`
}

// RetryFor resolves the effective retry policy for a site, preferring the
// site's own block over the global one.
func (c *Config) RetryFor(site *SiteConfig) RetryConfig {
	if site != nil && site.Retry != nil {
		return *site.Retry
	}
	return c.Retry
}

// SiteByName returns the site block with the given name, or nil.
func (c *Config) SiteByName(name string) *SiteConfig {
	for i := range c.Sites {
		if c.Sites[i].Name == name {
			return &c.Sites[i]
		}
	}
	return nil
}

// IsEnabled reports the effective enabled state (nil means enabled).
func (r RetryConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}
