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

	"deptnotify/internal/app"
	"deptnotify/internal/config"
	"deptnotify/internal/credential"
)

func main() {
	_ = godotenv.Load(".env")

	var cfgPath, token string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config json/yaml")
	flag.StringVar(&token, "token", os.Getenv("DEPTNOTIFY_ACCESS_TOKEN"), "access token to sign in with at startup")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "secret" {
		if err := secret(cfgPath, flag.Args()[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "secret:", err)
			os.Exit(2)
		}
		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		_ = a.Stop(context.Background(), app.StopFatalError)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	if token != "" {
		if _, err := a.SignIn(ctx, token); err != nil {
			fmt.Println("sign-in failed:", err)
		}
	}

	reason := wait(ctx, a, sigs)

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)
	if err := a.Err(); err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
}

// wait blocks until a stop signal or a fatal app error. SIGHUP reloads.
func wait(ctx context.Context, a *app.App, sigs <-chan os.Signal) app.StopReason {
	for {
		select {
		case s := <-sigs:
			switch s {
			case syscall.SIGHUP:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
				a.ReloadConfig(ctx)
				_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
			case os.Interrupt:
				return app.StopSIGINT
			default:
				return app.StopSIGTERM
			}
		case <-a.Done():
			if a.Err() != nil {
				return app.StopFatalError
			}
			return app.StopAppStop
		}
	}
}

// secret manages keyring entries: secret set KEY VALUE | secret delete KEY.
func secret(cfgPath string, args []string) error {
	if len(args) < 2 {
		return errors.New("usage: secret set KEY VALUE | secret delete KEY")
	}
	cfg, err := config.NewConfigManager(cfgPath).Parse()
	if err != nil {
		return err
	}
	st, err := credential.Open(cfg.Secrets.Keyring)
	if err != nil {
		return err
	}
	switch args[0] {
	case "set":
		if len(args) != 3 {
			return errors.New("usage: secret set KEY VALUE")
		}
		return st.Set(args[1], args[2])
	case "delete":
		return st.Delete(args[1])
	default:
		return fmt.Errorf("unknown action %q", args[0])
	}
}
