package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/FrancisNGG/app-sign/internal/coldstore"
	"github.com/FrancisNGG/app-sign/internal/config"
	"github.com/FrancisNGG/app-sign/internal/credential"
	"github.com/FrancisNGG/app-sign/internal/site"
	"github.com/FrancisNGG/app-sign/internal/site/adapters"
	logx "github.com/FrancisNGG/app-sign/pkg/logx"
)

// Restore pulls cookies from the cold storage vault into the config file.
// target is a site name or "all" (every enabled site); force bypasses the
// fresh-credential protection window. Backs the -restore flag.
func Restore(ctx context.Context, cfgPath, target string, force bool, w io.Writer) error {
	mgr := config.NewConfigManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return err
	}
	log := logx.NewConsole("INFO")
	reg, err := site.NewRegistry(adapters.All()...)
	if err != nil {
		return err
	}
	syncer, err := coldstore.NewSyncer(coldstore.SyncerOptions{
		Manager:          mgr,
		Credentials:      credential.NewStore(mgr, log),
		Registry:         reg,
		PasswordOverride: loadEnvSecrets().ColdPassword,
		Log:              log,
	})
	if err != nil {
		return err
	}

	var targets []string
	if target == "all" {
		for _, sc := range cfg.Sites {
			if sc.Enabled {
				targets = append(targets, sc.Name)
			}
		}
		if len(targets) == 0 {
			fmt.Fprintln(w, "no enabled sites")
			return nil
		}
	} else {
		if cfg.SiteByName(target) == nil {
			return fmt.Errorf("unknown site %q", target)
		}
		targets = []string{target}
	}

	restore := syncer.Restore
	if force {
		restore = syncer.ForceRestore
	}

	var errs []error
	for _, name := range targets {
		switch err := restore(ctx, name); {
		case err == nil:
			fmt.Fprintf(w, "%s: restored from cold storage\n", name)
		case errors.Is(err, coldstore.ErrProtected):
			fmt.Fprintf(w, "%s: skipped (credential still fresh; use -force)\n", name)
		case errors.Is(err, coldstore.ErrDisabled):
			return errors.New("cold storage is not configured")
		default:
			fmt.Fprintf(w, "%s: restore failed: %v\n", name, err)
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
