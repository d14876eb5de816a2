package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"github.com/FrancisNGG/app-sign/internal/app"
)

func main() {
	var (
		cfgPath  = flag.String("config", "./config.yaml", "path to the config file (.yaml, .yml or .json)")
		status   = flag.Bool("status", false, "print credential status for enabled sites and exit")
		restore  = flag.String("restore", "", "restore a cookie from cold storage (site name or \"all\") and exit")
		force    = flag.Bool("force", false, "with -restore: overwrite even a recently refreshed credential")
		validate = flag.Bool("validate", false, "validate the config file and exit")
	)
	flag.Parse()

	// Secrets may live in a .env file next to the binary; a missing file is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *validate:
		if err := app.Validate(*cfgPath); err != nil {
			fmt.Fprintln(os.Stderr, "config invalid:", err)
			os.Exit(1)
		}
		fmt.Println("config ok")
		return
	case *status:
		ok, err := app.Status(ctx, *cfgPath, os.Stdout)
		if err != nil {
			fmt.Fprintln(os.Stderr, "status:", err)
			os.Exit(1)
		}
		if !ok {
			os.Exit(1)
		}
		return
	case *restore != "":
		if err := app.Restore(ctx, *cfgPath, *restore, *force, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "restore:", err)
			os.Exit(1)
		}
		return
	}

	a, err := app.New(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "startup:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	go watchdogLoop(ctx)

	reason := "signal"
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = "fatal"
	}
	stop()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "exit:", err)
		os.Exit(1)
	}
}

// watchdogLoop pings systemd at half the WatchdogSec interval so a wedged
// process gets restarted by the init system. No-op outside systemd.
func watchdogLoop(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
		}
	}
}
