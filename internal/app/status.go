package app

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"

	"github.com/FrancisNGG/app-sign/internal/config"
	"github.com/FrancisNGG/app-sign/internal/credential"
	"github.com/FrancisNGG/app-sign/internal/storage"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// Credential health classes, worst first.
const (
	credMissing  = "missing"
	credExpired  = "expired"
	credExpiring = "expiring"
	credUnknown  = "unknown"
	credValid    = "valid"
)

// expiringWindow is how close to expiry a credential counts as expiring.
const expiringWindow = 24 * time.Hour

type siteStatus struct {
	Site      string
	Class     string
	Source    string
	Refreshed time.Time
	Until     time.Time
	Remaining time.Duration
	Attempts  int
	LastRun   string
}

// Status prints one line per enabled site and reports ok=false when any of
// them has a missing or expired credential, so scripts can alert on the exit
// code. Backs the -status flag.
func Status(ctx context.Context, cfgPath string, w io.Writer) (bool, error) {
	mgr := config.NewConfigManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return false, err
	}
	log := logx.NewConsole("WARN")
	creds := credential.NewStore(mgr, log)

	// Run history is optional; without it the last-run column shows "-".
	var store storage.Store
	if sc, enabled, err := mapStorage(cfg); err == nil && enabled {
		if st, err := storage.Open(sc, log); err == nil {
			store = st
			defer st.Close()
		}
	}

	enabled := lo.Filter(cfg.Sites, func(sc config.SiteConfig, _ int) bool { return sc.Enabled })
	now := time.Now()
	rows := lo.Map(enabled, func(sc config.SiteConfig, _ int) siteStatus {
		return statusFor(ctx, creds, store, sc, now)
	})

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tCLASS\tSOURCE\tREFRESHED\tVALID UNTIL\tREMAINING\tATTEMPTS\tLAST RUN")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.Site, r.Class, orDash(r.Source),
			formatWhen(r.Refreshed), formatWhen(r.Until), formatRemaining(r.Remaining),
			r.Attempts, r.LastRun)
	}
	if err := tw.Flush(); err != nil {
		return false, err
	}
	if len(enabled) == 0 {
		fmt.Fprintln(w, "no enabled sites")
	}

	ok := !lo.SomeBy(rows, func(r siteStatus) bool {
		return r.Class == credMissing || r.Class == credExpired
	})
	return ok, nil
}

func statusFor(ctx context.Context, creds *credential.Store, store storage.Store, sc config.SiteConfig, now time.Time) siteStatus {
	row := siteStatus{Site: sc.Name, Class: credUnknown, LastRun: "-"}
	rec, err := creds.Get(sc.Name)
	if err == nil {
		row.Source = rec.Source
		row.Refreshed = rec.LastRefreshed
		row.Until = rec.ValidUntil
		row.Attempts = rec.RefreshAttempts
		row.Class, row.Remaining = classifyCredential(rec, now)
	}
	if store != nil {
		if runs, err := store.RecentRuns(ctx, sc.Name, 1); err == nil && len(runs) > 0 {
			row.LastRun = formatRun(runs[0])
		}
	}
	return row
}

func classifyCredential(rec credential.Record, now time.Time) (string, time.Duration) {
	switch {
	case rec.Empty():
		return credMissing, 0
	case rec.ValidUntil.IsZero():
		return credUnknown, 0
	case !now.Before(rec.ValidUntil):
		return credExpired, 0
	case rec.ValidUntil.Sub(now) < expiringWindow:
		return credExpiring, rec.ValidUntil.Sub(now)
	default:
		return credValid, rec.ValidUntil.Sub(now)
	}
}

func formatRun(r storage.RunRecord) string {
	return fmt.Sprintf("%s/%s %s", r.Kind, r.Class, r.At.Local().Format("01-02 15:04"))
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Round(time.Minute)
	days := int(d / (24 * time.Hour))
	rest := d % (24 * time.Hour)
	hours := int(rest / time.Hour)
	mins := int(rest % time.Hour / time.Minute)
	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh%dm", hours, mins)
	default:
		return fmt.Sprintf("%dm", mins)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
