package credential

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/FrancisNGG/app-sign/internal/config"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

func newTestStore(t *testing.T, configJSON string) (*Store, *config.ConfigManager) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(configJSON), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	mgr := config.NewConfigManager(path)
	if _, err := mgr.Load(); err != nil {
		t.Fatalf("load config: %v", err)
	}
	return NewStore(mgr, logx.Nop()), mgr
}

const oneSite = `{"sites": [{"name": "smzdm-main", "module": "smzdm", "enabled": true, "run_time": "09:00", "cookie": "c1", "credential": {"refresh_attempts": 2}}]}`

func TestGetReflectsLiveConfig(t *testing.T) {
	t.Parallel()
	store, mgr := newTestStore(t, oneSite)

	rec, err := store.Get("smzdm-main")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Cookie != "c1" || rec.RefreshAttempts != 2 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	err = mgr.Mutate(context.Background(), func(cfg *config.Config) error {
		cfg.SiteByName("smzdm-main").Cookie = "c2"
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate error: %v", err)
	}

	rec, err = store.Get("smzdm-main")
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if rec.Cookie != "c2" {
		t.Fatalf("Cookie = %q, want the live value c2", rec.Cookie)
	}
}

func TestGetUnknownSite(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, oneSite)
	if _, err := store.Get("nope"); err == nil {
		t.Fatal("expected error for unknown site")
	}
}

func TestReplaceResetsFailures(t *testing.T) {
	t.Parallel()
	store, mgr := newTestStore(t, oneSite)
	until := time.Now().Add(2 * time.Hour).Truncate(time.Second)

	if err := store.Replace(context.Background(), "smzdm-main", "fresh", SourceLocalRefresh, until); err != nil {
		t.Fatalf("Replace error: %v", err)
	}

	got, err := mgr.Parse()
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	sc := got.SiteByName("smzdm-main")
	if sc.Cookie != "fresh" {
		t.Fatalf("Cookie = %q", sc.Cookie)
	}
	if sc.Credential.Source != SourceLocalRefresh {
		t.Fatalf("Source = %q", sc.Credential.Source)
	}
	if sc.Credential.RefreshAttempts != 0 {
		t.Fatalf("RefreshAttempts = %d, want 0", sc.Credential.RefreshAttempts)
	}
	if sc.Credential.LastRefreshed == "" {
		t.Fatal("LastRefreshed not recorded")
	}
	rec, _ := store.Get("smzdm-main")
	if !rec.ValidUntil.Equal(until) {
		t.Fatalf("ValidUntil = %v, want %v", rec.ValidUntil, until)
	}
}

func TestReplaceRejectsEmptyCookie(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, oneSite)
	if err := store.Replace(context.Background(), "smzdm-main", "", SourceColdStorage, time.Time{}); err == nil {
		t.Fatal("expected error for empty cookie")
	}
}

func TestExtendOnCheckin(t *testing.T) {
	t.Parallel()
	cfgJSON := `{"sites": [
		{"name": "long", "module": "tieba", "enabled": true, "run_time": "09:00", "cookie": "c"},
		{"name": "capped", "module": "tieba", "enabled": true, "run_time": "09:00", "cookie": "c",
		 "credential": {"valid_until": "2099-01-01T00:00:00Z"}},
		{"name": "short", "module": "right", "enabled": true, "run_time": "09:00", "cookie": "c",
		 "keepalive": {"enabled": true, "interval": "100m", "validity": "120m"}}
	]}`
	store, _ := newTestStore(t, cfgJSON)
	now := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return now }

	for _, site := range []string{"long", "capped", "short"} {
		if err := store.ExtendOnCheckin(context.Background(), site); err != nil {
			t.Fatalf("ExtendOnCheckin(%s) error: %v", site, err)
		}
	}

	rec, _ := store.Get("long")
	want := now.AddDate(0, 0, 7)
	if !rec.ValidUntil.Equal(want) {
		t.Fatalf("long ValidUntil = %v, want %v", rec.ValidUntil, want)
	}

	rec, _ = store.Get("capped")
	if rec.ValidUntil.Year() != 2099 {
		t.Fatalf("capped ValidUntil = %v, later estimate must not shrink", rec.ValidUntil)
	}

	rec, _ = store.Get("short")
	if !rec.ValidUntil.IsZero() {
		t.Fatalf("short ValidUntil = %v, keepalive sites get no check-in credit", rec.ValidUntil)
	}
}

func TestRecordRefreshFailureCounts(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, oneSite)

	for want := 3; want <= 5; want++ {
		got, err := store.RecordRefreshFailure(context.Background(), "smzdm-main")
		if err != nil {
			t.Fatalf("RecordRefreshFailure error: %v", err)
		}
		if got != want {
			t.Fatalf("consecutive failures = %d, want %d", got, want)
		}
	}

	rec, _ := store.Get("smzdm-main")
	if rec.RefreshAttempts != 5 {
		t.Fatalf("persisted RefreshAttempts = %d, want 5", rec.RefreshAttempts)
	}
}

func TestShouldProtect(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t, oneSite)
	now := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)
	store.nowFn = func() time.Time { return now }

	tests := []struct {
		name string
		rec  Record
		want bool
	}{
		{name: "just refreshed", rec: Record{LastRefreshed: now.Add(-10 * time.Minute)}, want: true},
		{name: "outside grace window", rec: Record{LastRefreshed: now.Add(-40 * time.Minute)}, want: false},
		{name: "never refreshed", rec: Record{}, want: false},
		{
			name: "local refresh still valid",
			rec: Record{
				Source:        SourceLocalRefresh,
				LastRefreshed: now.Add(-90 * time.Minute),
				ValidUntil:    now.Add(5 * time.Minute),
			},
			want: true,
		},
		{
			name: "local refresh expired",
			rec: Record{
				Source:        SourceLocalRefresh,
				LastRefreshed: now.Add(-3 * time.Hour),
				ValidUntil:    now.Add(-time.Hour),
			},
			want: false,
		},
		{
			name: "plenty of validity left",
			rec:  Record{Source: SourceColdStorage, ValidUntil: now.Add(2 * time.Hour)},
			want: true,
		},
		{
			name: "validity nearly gone",
			rec:  Record{Source: SourceColdStorage, LastRefreshed: now.Add(-23 * time.Hour), ValidUntil: now.Add(10 * time.Minute)},
			want: false,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := store.ShouldProtect(tt.rec); got != tt.want {
				t.Fatalf("ShouldProtect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEstimateValidity(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		cookie string
		want   int64
		ok     bool
	}{
		{name: "single future timestamp", cookie: "sess=abc; expires_at=1893456000", want: 1893456000, ok: true},
		{name: "picks the latest", cookie: "a=1893456000; b=1925000000", want: 1925000000, ok: true},
		{name: "ignores past timestamps", cookie: "old=1400000000", ok: false},
		{name: "no timestamps", cookie: "sess=abcdef; uid=42", ok: false},
		{name: "digits embedded in longer run", cookie: "token=91893456000123", ok: false},
		{name: "delimited inside a value", cookie: "auth=token 1893456000 extra", want: 1893456000, ok: true},
		{name: "run glued to letters", cookie: "sess=a1893456000zz", ok: false},
		{name: "fragment without equals skipped", cookie: "1893456000; s=ok", ok: false},
		{name: "empty cookie", cookie: "", ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, ok := EstimateValidity(tt.cookie, now)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if tt.ok && got.Unix() != tt.want {
				t.Fatalf("until = %v (unix %d), want %d", got, got.Unix(), tt.want)
			}
		})
	}
}
