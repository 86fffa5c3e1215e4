package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"golang.org/x/sync/errgroup"

	"wabot/internal/app"
	"wabot/internal/transport/devlink"
	"wabot/pkg/logx"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// The devlink dialer is the built-in loopback transport; real bridges
	// are linked in behind the same seam.
	dialer := devlink.New(logx.NewConsole("INFO").With(logx.String("comp", "devlink")))

	eng, err := app.New(cfgPath, dialer)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := eng.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-eng.Done():
			return eng.Err()
		}
	})
	// systemd watchdog pings when running under Type=notify with WatchdogSec.
	if interval, werr := daemon.SdWatchdogEnabled(false); werr == nil && interval > 0 {
		g.Go(func() error {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-eng.Done():
					return nil
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	runErr := g.Wait()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, "fatal:", runErr)
		os.Exit(1)
	}
}
