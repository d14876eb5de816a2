package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	st, err := Open(Config{Driver: driver, Path: filepath.Join(t.TempDir(), "history.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	if st == nil {
		t.Fatalf("Open(%s) returned nil store", driver)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func drivers() []string { return []string{"sqlite", "file"} }

func TestOpenDisabled(t *testing.T) {
	t.Parallel()

	st, err := Open(Config{Driver: "none"}, logx.Nop())
	if err != nil || st != nil {
		t.Fatalf("Open(none) = %v, %v, want nil, nil", st, err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestRunHistoryRoundTrip(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers() {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTestStore(t, driver)
			ctx := context.Background()
			base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

			records := []RunRecord{
				{At: base, Site: "smzdm-main", Kind: RunCheckin, Attempt: 0, Class: "transient", Error: "http 502"},
				{At: base.Add(time.Hour), Site: "smzdm-main", Kind: RunCheckin, Attempt: 1, Final: true, Class: "success", Detail: "checked in", TookMS: 840},
				{At: base.Add(2 * time.Hour), Site: "bili-main", Kind: RunKeepalive, Final: true, Class: "success"},
			}
			for _, r := range records {
				if err := st.AppendRun(ctx, r); err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}

			got, err := st.RecentRuns(ctx, "smzdm-main", 10)
			if err != nil {
				t.Fatalf("RecentRuns: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("RecentRuns returned %d records, want 2", len(got))
			}
			if got[0].Attempt != 1 || !got[0].Final || got[0].Class != "success" {
				t.Fatalf("newest record = %+v, want the retry success", got[0])
			}
			if got[1].Error != "http 502" {
				t.Fatalf("older record = %+v, want the transient failure", got[1])
			}

			all, err := st.RecentRuns(ctx, "", 10)
			if err != nil {
				t.Fatalf("RecentRuns(all): %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("RecentRuns(all) returned %d records, want 3", len(all))
			}

			last, ok, err := st.LastSuccess(ctx, "smzdm-main")
			if err != nil || !ok {
				t.Fatalf("LastSuccess = %v, %v, %v", last, ok, err)
			}
			if !last.Equal(base.Add(time.Hour)) {
				t.Fatalf("LastSuccess = %v, want %v", last, base.Add(time.Hour))
			}
			// The keepalive success must not count as a check-in.
			if _, ok, _ := st.LastSuccess(ctx, "bili-main"); ok {
				t.Fatal("keepalive run counted as check-in success")
			}
		})
	}
}

func TestRunHistoryPrune(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers() {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTestStore(t, driver)
			ctx := context.Background()
			base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

			for i := 0; i < 5; i++ {
				r := RunRecord{At: base.AddDate(0, 0, i), Site: "s", Kind: RunCheckin, Final: true, Class: "success"}
				if err := st.AppendRun(ctx, r); err != nil {
					t.Fatalf("AppendRun: %v", err)
				}
			}

			n, err := st.Prune(ctx, base.AddDate(0, 0, 3))
			if err != nil {
				t.Fatalf("Prune: %v", err)
			}
			if n != 3 {
				t.Fatalf("Prune dropped %d records, want 3", n)
			}
			got, err := st.RecentRuns(ctx, "s", 10)
			if err != nil {
				t.Fatalf("RecentRuns: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("after prune %d records remain, want 2", len(got))
			}
		})
	}
}

func TestDedupRoundTrip(t *testing.T) {
	t.Parallel()

	for _, driver := range drivers() {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			st := openTestStore(t, driver)
			ctx := context.Background()
			until := time.Now().Add(time.Hour)

			if err := st.PutDedup(ctx, "notify:abc", until); err != nil {
				t.Fatalf("PutDedup: %v", err)
			}
			got, ok, err := st.GetDedup(ctx, "notify:abc")
			if err != nil || !ok {
				t.Fatalf("GetDedup = %v, %v, %v", got, ok, err)
			}
			if got.UnixMilli() != until.UnixMilli() {
				t.Fatalf("GetDedup = %v, want %v", got, until)
			}
			if _, ok, _ := st.GetDedup(ctx, "notify:other"); ok {
				t.Fatal("GetDedup hit an unknown key")
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "history.db")}
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.AppendRun(ctx, RunRecord{At: at, Site: "s", Kind: RunCheckin, Final: true, Class: "success"}); err != nil {
		t.Fatalf("AppendRun: %v", err)
	}
	if err := st.PutDedup(ctx, "k", at.Add(100*365*24*time.Hour)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	last, ok, err := st.LastSuccess(ctx, "s")
	if err != nil || !ok || !last.Equal(at) {
		t.Fatalf("LastSuccess after reopen = %v, %v, %v", last, ok, err)
	}
	if _, ok, _ := st.GetDedup(ctx, "k"); !ok {
		t.Fatal("dedup key lost across reopen")
	}
}
