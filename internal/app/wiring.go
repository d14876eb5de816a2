package app

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/FrancisNGG/app-sign/internal/config"
	"github.com/FrancisNGG/app-sign/internal/notify"
	"github.com/FrancisNGG/app-sign/internal/observability/pprof"
	"github.com/FrancisNGG/app-sign/internal/site"
	"github.com/FrancisNGG/app-sign/internal/storage"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// Environment variables that override secrets from the config file. Set them
// directly or through a .env file next to the binary.
const (
	EnvBarkKey       = "APPSIGN_BARK_KEY"
	EnvTelegramToken = "APPSIGN_TELEGRAM_TOKEN"
	EnvColdPassword  = "APPSIGN_COLD_STORAGE_PASSWORD"
)

type envSecrets struct {
	BarkKey       string // device key (do not log)
	TelegramToken string // bot token (do not log)
	ColdPassword  string // end-to-end key (do not log)
}

func loadEnvSecrets() envSecrets {
	return envSecrets{
		BarkKey:       strings.TrimSpace(os.Getenv(EnvBarkKey)),
		TelegramToken: strings.TrimSpace(os.Getenv(EnvTelegramToken)),
		ColdPassword:  strings.TrimSpace(os.Getenv(EnvColdPassword)),
	}
}

// effectiveConfig returns a copy of cfg with environment-supplied secrets
// filled in, leaving cfg itself untouched so a later Save cannot write them
// to disk.
func effectiveConfig(cfg *config.Config, sec envSecrets) *config.Config {
	eff := *cfg
	if sec.ColdPassword != "" && eff.ColdStorage != nil {
		cs := *eff.ColdStorage
		cs.Password = sec.ColdPassword
		eff.ColdStorage = &cs
	}
	if eff.Notify != nil && (sec.BarkKey != "" || sec.TelegramToken != "") {
		n := *eff.Notify
		if sec.BarkKey != "" && n.Bark != nil {
			b := *n.Bark
			b.Key = sec.BarkKey
			n.Bark = &b
		}
		if sec.TelegramToken != "" && n.Telegram != nil {
			t := *n.Telegram
			t.Token = sec.TelegramToken
			n.Telegram = &t
		}
		eff.Notify = &n
	}
	return &eff
}

// checkModules verifies every site block names a registered adapter. Validate
// leaves this to the wiring layer because only the registry knows what is
// compiled in.
func checkModules(cfg *config.Config, reg *site.Registry) error {
	var errs []error
	for _, sc := range cfg.Sites {
		if _, ok := reg.Lookup(sc.Module); !ok {
			errs = append(errs, fmt.Errorf("site %s: unknown module %q (have: %s)",
				sc.Name, sc.Module, strings.Join(reg.Keys(), ", ")))
		}
	}
	return errors.Join(errs...)
}

func mapLogging(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File: logx.FileConfig{
			Enabled:       lc.File.Enabled,
			Dir:           lc.File.Dir,
			RetentionDays: lc.File.RetentionDays,
		},
	}
}

// mapStorage reports enabled=false for a missing section or driver "none";
// the daemon then runs without run history.
func mapStorage(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.TrimSpace(sc.Driver)
	if driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:        driver,
		Path:          sc.Path,
		BusyTimeout:   busy,
		RetentionDays: sc.RetentionDays,
	}, true, nil
}

// mapNotify passes zero for unset knobs; the notify service applies its own
// defaults.
func mapNotify(cfg *config.Config) (notify.Config, error) {
	nc := cfg.Notify
	if nc == nil {
		return notify.Config{}, nil
	}
	retryBase, err := config.ParseDurationOrDefault("notify.retry_base", nc.RetryBase, 0)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notify.retry_max_delay", nc.RetryMaxDelay, 0)
	if err != nil {
		return notify.Config{}, err
	}
	dedup, err := config.ParseDurationOrDefault("notify.dedup_window", nc.DedupWindow, 0)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Enabled:         nc.Enabled,
		Workers:         nc.Workers,
		QueueSize:       nc.QueueSize,
		RatePerSec:      nc.RatePerSec,
		RetryMax:        nc.RetryMax,
		RetryBase:       retryBase,
		RetryMaxDelay:   retryMaxDelay,
		DedupWindow:     dedup,
		DedupMaxEntries: nc.DedupMaxEntries,
		PersistDedup:    nc.PersistDedup,
	}, nil
}

// buildChannels wants the effective config: channel secrets may come from the
// environment rather than the file.
func buildChannels(cfg *config.Config, log logx.Logger) ([]notify.Channel, error) {
	nc := cfg.Notify
	if nc == nil {
		return nil, nil
	}
	var channels []notify.Channel
	if b := nc.Bark; b != nil && b.Enabled {
		channels = append(channels, notify.NewBark(notify.BarkOptions{
			Server: b.Server,
			Key:    b.Key,
			Group:  b.Group,
			Sound:  b.Sound,
		}))
		log.Debug("bark channel configured", logx.Bool("key_set", b.Key != ""))
	}
	if t := nc.Telegram; t != nil && t.Enabled {
		tg, err := notify.NewTelegram(notify.TelegramOptions{Token: t.Token, ChatID: t.ChatID})
		if err != nil {
			return nil, fmt.Errorf("notify.telegram: %w", err)
		}
		channels = append(channels, tg)
		log.Debug("telegram channel configured", logx.Int64("chat_id", t.ChatID))
	}
	return channels, nil
}

// channelsChanged reports whether bark or telegram settings differ between
// two configs. Channels are constructed once at startup, so such edits need
// a restart.
func channelsChanged(old, cur *config.Config) bool {
	var ob *config.BarkConfig
	var ot *config.TelegramNotifyConfig
	if old != nil && old.Notify != nil {
		ob, ot = old.Notify.Bark, old.Notify.Telegram
	}
	var cb *config.BarkConfig
	var ct *config.TelegramNotifyConfig
	if cur != nil && cur.Notify != nil {
		cb, ct = cur.Notify.Bark, cur.Notify.Telegram
	}
	if (ob == nil) != (cb == nil) || (ob != nil && *ob != *cb) {
		return true
	}
	if (ot == nil) != (ct == nil) || (ot != nil && *ot != *ct) {
		return true
	}
	return false
}

func mapPprof(cfg *config.Config) (pprof.Config, error) {
	pc := cfg.Pprof
	read, err := config.ParseDurationOrDefault("pprof.read_timeout", pc.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	write, err := config.ParseDurationOrDefault("pprof.write_timeout", pc.WriteTimeout, 0)
	if err != nil {
		return pprof.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("pprof.idle_timeout", pc.IdleTimeout, time.Minute)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       pc.Enabled,
		Addr:          pc.Addr,
		Prefix:        pc.Prefix,
		Token:         pc.Token,
		AllowInsecure: pc.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}
