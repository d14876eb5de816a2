package coldstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/FrancisNGG/app-sign/internal/config"
	"github.com/FrancisNGG/app-sign/internal/credential"
	"github.com/FrancisNGG/app-sign/internal/notify"
	"github.com/FrancisNGG/app-sign/internal/site"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

var (
	// ErrDisabled is returned when no vault is configured or it is turned off.
	ErrDisabled = errors.New("coldstore: not configured")
	// ErrProtected is returned by Restore when the current credential is too
	// fresh to overwrite. ForceRestore ignores protection.
	ErrProtected = errors.New("coldstore: current credential still protected")
)

// Restored cookies carry a flat validity window. The capture is at most as
// fresh as the operator's last browser visit, so no expiry scan; keepalive
// probes it on a short timer right after the restore anyway.
const restoredValidity = 24 * time.Hour

// noticeWindow caps vault-trouble notices at one per day.
const noticeWindow = 24 * time.Hour

const notifyTimeout = 3 * time.Second

// Notifier is the delivery hook for vault-trouble notices.
type Notifier interface {
	Notify(ctx context.Context, n notify.Notification) error
}

// Syncer restores site credentials from the vault. Restore satisfies the
// keepalive escalation hook; ForceRestore backs the operator CLI; Probe
// backs the maintenance connectivity check.
//
// The vault client is rebuilt from the live configuration on every call so
// server or key changes apply without a restart.
type Syncer struct {
	log      logx.Logger
	mgr      *config.ConfigManager
	creds    *credential.Store
	reg      *site.Registry
	notifier Notifier
	password string // end-to-end key override (do not log)

	mu         sync.Mutex
	lastNotice time.Time
	nowFn      func() time.Time
}

// SyncerOptions configures NewSyncer. Manager, Credentials and Registry are
// required; Notifier is optional. PasswordOverride, when non-empty, takes
// precedence over cold_storage.password so the key can stay out of the
// config file.
type SyncerOptions struct {
	Manager          *config.ConfigManager
	Credentials      *credential.Store
	Registry         *site.Registry
	Notifier         Notifier
	PasswordOverride string // end-to-end key (do not log)
	Log              logx.Logger
}

func NewSyncer(opts SyncerOptions) (*Syncer, error) {
	if opts.Manager == nil {
		return nil, errors.New("coldstore: config manager is required")
	}
	if opts.Credentials == nil {
		return nil, errors.New("coldstore: credential store is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("coldstore: site registry is required")
	}
	return &Syncer{
		log:      opts.Log.With(logx.String("comp", "coldstore")),
		mgr:      opts.Manager,
		creds:    opts.Credentials,
		reg:      opts.Registry,
		notifier: opts.Notifier,
		password: strings.TrimSpace(opts.PasswordOverride),
		nowFn:    time.Now,
	}, nil
}

func (s *Syncer) now() time.Time { return s.nowFn() }

// Restore replaces the named site's credential with the vault copy unless
// the current one is still protected.
func (s *Syncer) Restore(ctx context.Context, name string) error {
	return s.restore(ctx, name, false)
}

// ForceRestore installs the vault copy regardless of protection.
func (s *Syncer) ForceRestore(ctx context.Context, name string) error {
	return s.restore(ctx, name, true)
}

func (s *Syncer) restore(ctx context.Context, name string, force bool) error {
	started := s.now()
	cfg := s.mgr.Get()
	if cfg == nil {
		return ErrDisabled
	}
	cc := cfg.ColdStorage
	if cc == nil || !cc.Enabled {
		return ErrDisabled
	}

	rec, err := s.creds.Get(name)
	if err != nil {
		return err
	}
	if !force && s.creds.ShouldProtect(rec) {
		s.log.Debug("restore skipped, current credential still protected",
			logx.String("site", name),
		)
		return ErrProtected
	}

	domain, err := s.domainFor(cfg, name)
	if err != nil {
		return s.fail(name, err)
	}
	snap, err := s.clientFor(cc).Fetch(ctx)
	if err != nil {
		return s.fail(name, err)
	}
	cookie := snap.CookieFor(domain)
	if cookie == "" {
		return s.fail(name, fmt.Errorf("vault has no cookies for %s", domain))
	}

	if err := s.creds.Replace(ctx, name, cookie, credential.SourceColdStorage, s.now().Add(restoredValidity)); err != nil {
		return s.fail(name, fmt.Errorf("install restored cookie: %w", err))
	}
	s.log.Info("credential restored from vault",
		logx.String("site", name),
		logx.String("domain", domain),
		logx.Int("cookie_len", len(cookie)),
		logx.Bool("forced", force),
		logx.Duration("took", s.now().Sub(started)),
	)
	return nil
}

// Probe fetches and decrypts a snapshot without writing anything, so vault
// breakage surfaces before a restore is actually needed. Returns the number
// of captured domains.
func (s *Syncer) Probe(ctx context.Context) (int, error) {
	cfg := s.mgr.Get()
	if cfg == nil {
		return 0, ErrDisabled
	}
	cc := cfg.ColdStorage
	if cc == nil || !cc.Enabled {
		return 0, ErrDisabled
	}
	snap, err := s.clientFor(cc).Fetch(ctx)
	if err != nil {
		s.log.Warn("vault probe failed", logx.Err(err))
		s.maybeNotify("", fmt.Sprintf("the cookie vault is unreachable: %v", err))
		return 0, err
	}
	return len(snap), nil
}

func (s *Syncer) clientFor(cc *config.ColdStorageConfig) *Client {
	timeout, err := config.ParseDurationOrDefault("cold_storage.timeout", cc.Timeout, defaultFetchTimeout)
	if err != nil {
		timeout = defaultFetchTimeout
	}
	password := cc.Password
	if s.password != "" {
		password = s.password
	}
	return NewClient(ClientOptions{
		Server:   cc.Server,
		UUID:     cc.UUID,
		Password: password,
		Timeout:  timeout,
		Log:      s.log,
	})
}

// domainFor resolves which captured domain to restore from: the explicit
// cold_storage.domains entry when present, the adapter default otherwise.
func (s *Syncer) domainFor(cfg *config.Config, name string) (string, error) {
	if d := cfg.ColdStorage.Domains[name]; d != "" {
		return d, nil
	}
	sc := cfg.SiteByName(name)
	if sc == nil {
		return "", fmt.Errorf("unknown site %q", name)
	}
	if adapter, ok := s.reg.Lookup(sc.Module); ok && adapter.DefaultDomain() != "" {
		return adapter.DefaultDomain(), nil
	}
	return "", fmt.Errorf("no cookie domain known for %s", name)
}

func (s *Syncer) fail(name string, err error) error {
	s.log.Warn("cold storage restore failed",
		logx.String("site", name),
		logx.Err(err),
	)
	s.maybeNotify(name, fmt.Sprintf("restoring %s from the vault failed: %v", name, err))
	return err
}

// maybeNotify sends one vault-trouble notice per noticeWindow across all
// sites. The vault being broken is one condition, not one per site.
func (s *Syncer) maybeNotify(name, body string) {
	if s.notifier == nil {
		return
	}
	now := s.now()
	s.mu.Lock()
	if !s.lastNotice.IsZero() && now.Sub(s.lastNotice) < noticeWindow {
		s.mu.Unlock()
		return
	}
	s.lastNotice = now
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	err := s.notifier.Notify(ctx, notify.Notification{
		Site:     name,
		Title:    "[cold storage] vault sync failing",
		Body:     body + "\ncheck the vault server, uuid and password",
		Priority: 6,
	})
	if err != nil {
		s.log.Debug("vault notice not delivered", logx.Err(err))
	}
}
