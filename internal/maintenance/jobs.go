package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FrancisNGG/app-sign/internal/coldstore"
	"github.com/FrancisNGG/app-sign/internal/config"
	"github.com/FrancisNGG/app-sign/internal/credential"
	"github.com/FrancisNGG/app-sign/internal/notify"
	"github.com/FrancisNGG/app-sign/internal/storage"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// Notifier delivers audit warnings.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// VaultProber checks cold storage reachability.
type VaultProber interface {
	Probe(ctx context.Context) (int, error)
}

// LogPurger drops expired log files. Satisfied by the logx service.
type LogPurger interface {
	Purge(now time.Time) (int, error)
}

// expiryWarning is how far ahead of expiry the audit starts flagging a
// credential.
const expiryWarning = 24 * time.Hour

const defaultRetentionDays = 90

// CredentialAudit returns a job that walks the enabled sites and logs
// each credential's source, validity and failure count. Expired
// credentials on sites without keepalive get an operator notice; nothing
// refreshes those on its own.
func CredentialAudit(mgr *config.ConfigManager, creds *credential.Store, notifier Notifier, log logx.Logger) Job {
	return func(ctx context.Context) error {
		cfg := mgr.Get()
		if cfg == nil {
			return errors.New("no configuration loaded")
		}
		now := time.Now()
		audited, expired, expiring := 0, 0, 0
		for i := range cfg.Sites {
			sc := &cfg.Sites[i]
			if !sc.Enabled {
				continue
			}
			rec, err := creds.Get(sc.Name)
			if err != nil {
				continue
			}
			audited++
			fields := []logx.Field{
				logx.String("site", sc.Name),
				logx.String("source", sourceLabel(rec.Source)),
				logx.Int("refresh_attempts", rec.RefreshAttempts),
			}
			switch {
			case rec.Empty():
				log.Warn("no cookie configured", fields...)
			case rec.ValidUntil.IsZero():
				log.Info("credential validity unknown", fields...)
			case !rec.ValidUntil.After(now):
				expired++
				log.Warn("credential expired", append(fields,
					logx.Time("valid_until", rec.ValidUntil))...)
				if !sc.Keepalive.Enabled && notifier != nil {
					_ = notifier.Notify(ctx, notify.Notification{
						Site:  sc.Name,
						Title: fmt.Sprintf("[%s] cookie expired", sc.Name),
						Body: fmt.Sprintf("valid until %s; log in and paste a fresh cookie",
							rec.ValidUntil.Format("2006-01-02 15:04")),
						Priority: 7,
					})
				}
			default:
				remaining := rec.ValidUntil.Sub(now)
				if remaining < expiryWarning {
					expiring++
					log.Warn("credential expiring soon", append(fields,
						logx.Time("valid_until", rec.ValidUntil),
						logx.Duration("remaining", remaining))...)
				} else {
					log.Info("credential ok", append(fields,
						logx.Time("valid_until", rec.ValidUntil),
						logx.Duration("remaining", remaining))...)
				}
			}
		}
		log.Info("credential audit done",
			logx.Int("audited", audited),
			logx.Int("expired", expired),
			logx.Int("expiring", expiring),
		)
		return nil
	}
}

func sourceLabel(s string) string {
	if s == "" {
		return credential.SourceManual
	}
	return s
}

// StoragePrune returns a job that drops run history and expired dedup
// entries past the retention window, plus old log files when a purger is
// wired.
func StoragePrune(mgr *config.ConfigManager, store storage.Store, logs LogPurger, log logx.Logger) Job {
	return func(ctx context.Context) error {
		days := defaultRetentionDays
		if cfg := mgr.Get(); cfg != nil && cfg.Storage != nil && cfg.Storage.RetentionDays > 0 {
			days = cfg.Storage.RetentionDays
		}
		now := time.Now()
		if store != nil {
			removed, err := store.Prune(ctx, now.AddDate(0, 0, -days))
			switch {
			case errors.Is(err, storage.ErrDisabled):
			case err != nil:
				return fmt.Errorf("prune history: %w", err)
			default:
				log.Info("run history pruned",
					logx.Int("removed", removed),
					logx.Int("retention_days", days),
				)
			}
		}
		if logs != nil {
			purged, err := logs.Purge(now)
			if err != nil {
				return fmt.Errorf("purge logs: %w", err)
			}
			if purged > 0 {
				log.Info("log files purged", logx.Int("purged", purged))
			}
		}
		return nil
	}
}

// VaultProbe returns a job that exercises the cold storage fetch path
// without writing anything, so a dead vault shows up before a restore
// depends on it.
func VaultProbe(prober VaultProber, log logx.Logger) Job {
	return func(ctx context.Context) error {
		if prober == nil {
			return nil
		}
		domains, err := prober.Probe(ctx)
		if errors.Is(err, coldstore.ErrDisabled) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("vault probe: %w", err)
		}
		log.Info("vault reachable", logx.Int("domains", domains))
		return nil
	}
}
