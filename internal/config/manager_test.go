package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseClockVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{name: "hhmm", raw: "09:00", want: 9 * time.Hour},
		{name: "hhmmss", raw: "23:15:30", want: 23*time.Hour + 15*time.Minute + 30*time.Second},
		{name: "midnight", raw: "00:00", want: 0},
		{name: "spaces", raw: " 12:30 ", want: 12*time.Hour + 30*time.Minute},
		{name: "hour out of range", raw: "24:00", wantErr: true},
		{name: "trailing garbage", raw: "09:05x", wantErr: true},
		{name: "empty", raw: "", wantErr: true},
		{name: "not a clock", raw: "soon", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseClock("run_time", tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseClock(%q) = %v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseClock(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("ParseClock(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"loging": {"level": "debug"}, "sites": []}`)

	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"sites": []}{"sites": []}`)

	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
logging:
  level: debug
  console: true
scheduler:
  tick_interval: 2s
  timezone: Asia/Shanghai
retry:
  max_retries: 3
  delay: 1h
sites:
  - name: smzdm-main
    module: smzdm
    enabled: true
    run_time: "09:00"
    random_range: 30
    cookie: "sess=abc"
    keepalive:
      enabled: true
      interval: 100m
      validity: 120m
`)

	cfg, err := NewConfigManager(path).Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("unexpected logging section: %+v", cfg.Logging)
	}
	if cfg.Scheduler.TickInterval != "2s" {
		t.Fatalf("TickInterval = %q, want 2s", cfg.Scheduler.TickInterval)
	}
	if len(cfg.Sites) != 1 {
		t.Fatalf("len(Sites) = %d, want 1", len(cfg.Sites))
	}
	s := cfg.Sites[0]
	if s.Name != "smzdm-main" || s.Module != "smzdm" || s.RunTime != "09:00" || s.RandomRange != 30 {
		t.Fatalf("unexpected site: %+v", s)
	}
	if !s.Keepalive.Enabled || s.Keepalive.Interval != "100m" {
		t.Fatalf("unexpected keepalive: %+v", s.Keepalive)
	}
	if s.Cookie != "sess=abc" {
		t.Fatalf("Cookie = %q", s.Cookie)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()
	for _, ext := range []string{"json", "yaml"} {
		ext := ext
		t.Run(ext, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config."+ext)
			m := NewConfigManager(path)

			cfg := &Config{
				Logging: LoggingConfig{Level: "info", Console: true},
				Scheduler: SchedulerConfig{
					TickInterval: "1s",
					Workers:      2,
				},
				Retry: RetryConfig{MaxRetries: 3, Delay: "1h"},
				Sites: []SiteConfig{{
					Name:       "bili-main",
					Module:     "bilibili",
					Enabled:    true,
					RunTime:    "08:30",
					Cookie:     "SESSDATA=xyz",
					Credential: CredentialMeta{Source: "manual", LastRefreshed: "2026-08-22T07:00:00Z"},
				}},
			}
			if err := m.Save(cfg); err != nil {
				t.Fatalf("Save error: %v", err)
			}

			got, err := m.Parse()
			if err != nil {
				t.Fatalf("Parse after Save error: %v", err)
			}
			if !reflect.DeepEqual(got, cfg) {
				t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, cfg)
			}

			// Save committed; a watcher reload of the same bytes must be a no-op.
			m.mu.RLock()
			last := m.lastHash
			m.mu.RUnlock()
			if h := hashConfig(got); h != last {
				t.Fatalf("lastHash = %x, want %x (self-write must be invisible to the watcher)", last, h)
			}
		})
	}
}

func TestMutatePersistsCredential(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"sites": [{"name": "tieba-main", "module": "tieba", "enabled": true, "run_time": "10:00", "cookie": "old"}]}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	err := m.Mutate(context.Background(), func(cfg *Config) error {
		s := cfg.SiteByName("tieba-main")
		if s == nil {
			t.Fatal("site missing inside Mutate")
		}
		s.Cookie = "new"
		s.Credential.Source = "local_refresh"
		s.Credential.LastRefreshed = "2026-08-22T08:00:00Z"
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate error: %v", err)
	}

	got, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse after Mutate error: %v", err)
	}
	s := got.SiteByName("tieba-main")
	if s == nil {
		t.Fatal("site missing after Mutate")
	}
	if s.Cookie != "new" || s.Credential.Source != "local_refresh" {
		t.Fatalf("mutation not persisted: %+v", s)
	}

	// In-memory snapshot follows the write.
	if cur := m.Get(); cur == nil || cur.SiteByName("tieba-main").Cookie != "new" {
		t.Fatal("Get() does not reflect the mutation")
	}
}

func TestMutatePrefersFileOverSnapshot(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"sites": [{"name": "acfun-main", "module": "acfun", "enabled": true, "run_time": "11:00", "cookie": "v1"}]}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	// Operator edit the watcher hasn't committed yet.
	writeFile(t, path, `{"sites": [{"name": "acfun-main", "module": "acfun", "enabled": true, "run_time": "11:00", "cookie": "v2-operator"}]}`)

	err := m.Mutate(context.Background(), func(cfg *Config) error {
		cfg.SiteByName("acfun-main").Credential.Source = "manual"
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate error: %v", err)
	}

	got, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	s := got.SiteByName("acfun-main")
	if s.Cookie != "v2-operator" {
		t.Fatalf("Cookie = %q, operator edit was clobbered", s.Cookie)
	}
	if s.Credential.Source != "manual" {
		t.Fatalf("Credential.Source = %q, mutation lost", s.Credential.Source)
	}
}

func TestMutateRejectedByValidator(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	original := `{"sites": [{"name": "a", "module": "smzdm", "enabled": true, "run_time": "09:00", "cookie": "c"}]}`
	writeFile(t, path, original)

	m := NewConfigManager(path)
	m.SetValidator(Validate)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}

	err := m.Mutate(context.Background(), func(cfg *Config) error {
		cfg.Sites[0].RunTime = "25:00"
		return nil
	})
	if err == nil {
		t.Fatal("expected validator rejection")
	}

	b, readErr := os.ReadFile(path)
	if readErr != nil {
		t.Fatalf("read config: %v", readErr)
	}
	if string(b) != original {
		t.Fatal("rejected mutation must not touch the file")
	}
}

func TestRetryForPrefersSiteOverride(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &Config{
		Retry: RetryConfig{MaxRetries: 3, Delay: "1h"},
		Sites: []SiteConfig{
			{Name: "global"},
			{Name: "custom", Retry: &RetryConfig{Enabled: &off, MaxRetries: 1, Delay: "5m"}},
		},
	}

	if got := cfg.RetryFor(cfg.SiteByName("global")); got.MaxRetries != 3 || !got.IsEnabled() {
		t.Fatalf("global site: %+v", got)
	}
	got := cfg.RetryFor(cfg.SiteByName("custom"))
	if got.MaxRetries != 1 || got.IsEnabled() {
		t.Fatalf("custom site: %+v", got)
	}
}

func TestSubscribeDropsOldestWhenFull(t *testing.T) {
	t.Parallel()
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)

	first := &Config{Logging: LoggingConfig{Level: "debug"}}
	second := &Config{Logging: LoggingConfig{Level: "info"}}
	m.publish(first)
	m.publish(second)

	select {
	case got := <-ch:
		if got != second {
			t.Fatalf("got level %q, want the newest config", got.Logging.Level)
		}
	default:
		t.Fatal("expected a pending config update")
	}

	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}
