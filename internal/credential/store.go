// Package credential is the typed view over the site credentials that live
// inside the config file. All writes go through ConfigManager.Mutate so
// operator edits and refresh write-backs never clobber each other.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/FrancisNGG/app-sign/internal/config"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// Credential sources, recorded so logs and status output can tell a manually
// pasted cookie from a refreshed or restored one.
const (
	SourceManual       = "manual"
	SourceLocalRefresh = "local_refresh"
	SourceColdStorage  = "cold_storage"
)

// ErrUnknownSite is returned when the config no longer carries the site.
var ErrUnknownSite = errors.New("credential: unknown site")

// Record is a point-in-time snapshot of one site's credential. Callers must
// fetch it immediately before use and never cache it across waits; the
// underlying cookie may be replaced by a keepalive refresh at any moment.
type Record struct {
	Site            string
	Cookie          string
	Source          string
	LastRefreshed   time.Time
	ValidUntil      time.Time
	RefreshAttempts int
}

// Empty reports whether there is no usable cookie at all.
func (r Record) Empty() bool { return r.Cookie == "" }

type Store struct {
	mgr *config.ConfigManager
	log logx.Logger

	// protectWindow guards a freshly refreshed credential from another
	// refresh or cold storage overwrite.
	protectWindow time.Duration

	nowFn func() time.Time // test seam
}

const defaultProtectWindow = 30 * time.Minute

func NewStore(mgr *config.ConfigManager, log logx.Logger) *Store {
	return &Store{
		mgr:           mgr,
		log:           log.With(logx.String("comp", "credential")),
		protectWindow: defaultProtectWindow,
		nowFn:         time.Now,
	}
}

func (s *Store) now() time.Time { return s.nowFn() }

// Get returns the live credential for site. It reads the current committed
// config snapshot, so a cookie replaced between scheduling and execution is
// picked up here.
func (s *Store) Get(site string) (Record, error) {
	cfg := s.mgr.Get()
	if cfg == nil {
		return Record{}, fmt.Errorf("credential: no config loaded")
	}
	sc := cfg.SiteByName(site)
	if sc == nil {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownSite, site)
	}
	return recordFrom(sc), nil
}

func recordFrom(sc *config.SiteConfig) Record {
	return Record{
		Site:            sc.Name,
		Cookie:          sc.Cookie,
		Source:          sc.Credential.Source,
		LastRefreshed:   parseMetaTime(sc.Credential.LastRefreshed),
		ValidUntil:      parseMetaTime(sc.Credential.ValidUntil),
		RefreshAttempts: sc.Credential.RefreshAttempts,
	}
}

// Replace installs a new cookie for site and resets the failure counter.
// validUntil may be zero when the caller has no expiry estimate.
func (s *Store) Replace(ctx context.Context, site, cookie, source string, validUntil time.Time) error {
	if cookie == "" {
		return fmt.Errorf("credential: refusing to store empty cookie for %s", site)
	}
	now := s.now()
	err := s.mgr.Mutate(ctx, func(cfg *config.Config) error {
		sc := cfg.SiteByName(site)
		if sc == nil {
			return fmt.Errorf("%w: %s", ErrUnknownSite, site)
		}
		sc.Cookie = cookie
		sc.Credential.Source = source
		sc.Credential.LastRefreshed = formatMetaTime(now)
		sc.Credential.ValidUntil = formatMetaTime(validUntil)
		sc.Credential.RefreshAttempts = 0
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("credential replaced",
		logx.String("site", site),
		logx.String("source", source),
		logx.Time("valid_until", validUntil),
	)
	return nil
}

// ExtendOnCheckin slides the validity window after a successful check-in.
// Only sites without active keepalive get this credit (their sessions live
// for days to months and each authenticated request renews them); an
// existing later estimate is never shortened.
func (s *Store) ExtendOnCheckin(ctx context.Context, site string) error {
	now := s.now()
	var extended time.Time
	err := s.mgr.Mutate(ctx, func(cfg *config.Config) error {
		sc := cfg.SiteByName(site)
		if sc == nil {
			return fmt.Errorf("%w: %s", ErrUnknownSite, site)
		}
		if sc.Keepalive.Enabled {
			return nil
		}
		days := sc.ExtendDays
		if days <= 0 {
			days = 7
		}
		until := now.AddDate(0, 0, days)
		if cur := parseMetaTime(sc.Credential.ValidUntil); cur.After(until) {
			return nil
		}
		sc.Credential.ValidUntil = formatMetaTime(until)
		extended = until
		return nil
	})
	if err != nil {
		return err
	}
	if !extended.IsZero() {
		s.log.Debug("credential validity extended",
			logx.String("site", site),
			logx.Time("valid_until", extended),
		)
	}
	return nil
}

// RecordRefreshFailure bumps the consecutive-failure counter and returns the
// new count so the caller can decide when to fall back to cold storage.
func (s *Store) RecordRefreshFailure(ctx context.Context, site string) (int, error) {
	attempts := 0
	err := s.mgr.Mutate(ctx, func(cfg *config.Config) error {
		sc := cfg.SiteByName(site)
		if sc == nil {
			return fmt.Errorf("%w: %s", ErrUnknownSite, site)
		}
		sc.Credential.RefreshAttempts++
		attempts = sc.Credential.RefreshAttempts
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.log.Warn("credential refresh failed",
		logx.String("site", site),
		logx.Int("consecutive_failures", attempts),
	)
	return attempts, nil
}

// ShouldProtect reports whether rec must not be overwritten by a cold storage
// restore. A locally refreshed cookie wins for as long as it is valid, any
// cookie with more than 30 minutes of validity left is kept, and a refresh
// that just happened gets a grace period even without a validity estimate.
func (s *Store) ShouldProtect(rec Record) bool {
	now := s.now()
	if rec.Source == SourceLocalRefresh && rec.ValidUntil.After(now) {
		return true
	}
	if !rec.ValidUntil.IsZero() && rec.ValidUntil.Sub(now) > s.protectWindow {
		return true
	}
	return !rec.LastRefreshed.IsZero() && now.Sub(rec.LastRefreshed) < s.protectWindow
}
