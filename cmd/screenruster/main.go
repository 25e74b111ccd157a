// Package main — cmd/screenruster/main.go
//
// screenruster entrypoint.
//
// With no subcommand the process runs as the screen-locker daemon:
//  1. Load and validate config (default ~/.config/screenruster/config.yaml).
//  2. Initialise structured logger (zap).
//  3. Lock process memory so secrets never reach swap (best effort).
//  4. Acquire the session bus names — collision aborts startup.
//  5. Start the system bus sleep watcher (best effort).
//  6. Open the X11 display, verify randr >= 1.1 and DPMS capability.
//  7. Resolve the authentication backend and the current user.
//  8. Start the metrics server when configured.
//  9. Run the four workers and the coordinator.
// 10. Block on SIGINT/SIGTERM; cancellation drains every worker.
//
// With a subcommand the process is a short-lived bus client driving a
// running daemon: lock, activate, deactivate, inhibit, uninhibit COOKIE,
// throttle, unthrottle COOKIE.
//
// Exit code 0 on success; nonzero on any bus or daemon error.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/godbus/dbus/v5"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/meh/screenruster/internal/auth"
	"github.com/meh/screenruster/internal/config"
	"github.com/meh/screenruster/internal/daemon"
	"github.com/meh/screenruster/internal/locker"
	"github.com/meh/screenruster/internal/observability"
	"github.com/meh/screenruster/internal/server"
	"github.com/meh/screenruster/internal/timer"
)

func main() {
	configPath := flag.String("config", "", "Path to config.yaml")
	flag.StringVar(configPath, "c", "", "Path to config.yaml (shorthand)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("screenruster %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config load failed: %v", err)
	}

	args := flag.Args()
	if len(args) == 0 {
		runDaemon(*configPath, cfg)
		return
	}

	if err := runClient(args); err != nil {
		fatal("%v", err)
	}
}

// loadConfig resolves the config path. An explicitly passed path must
// exist; a missing file at the default location falls back to defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	path, err := config.DefaultPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.Defaults()
		return &cfg, nil
	}
	return config.Load(path)
}

// runClient forwards a subcommand to the running daemon over the bus.
func runClient(args []string) error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect session bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(server.CompatName, server.CompatPath)

	switch args[0] {
	case "lock":
		return obj.Call(server.CompatName+".Lock", 0).Err

	case "activate":
		return obj.Call(server.CompatName+".SetActive", 0, true).Err

	case "deactivate":
		return obj.Call(server.CompatName+".SimulateUserActivity", 0).Err

	case "inhibit":
		var cookie uint32
		if err := obj.Call(server.CompatName+".Inhibit", 0,
			"screenruster", "requested by user").Store(&cookie); err != nil {
			return err
		}
		fmt.Println(cookie)
		return nil

	case "uninhibit":
		cookie, err := cookieArg(args)
		if err != nil {
			return err
		}
		return obj.Call(server.CompatName+".UnInhibit", 0, cookie).Err

	case "throttle":
		var cookie uint32
		if err := obj.Call(server.CompatName+".Throttle", 0,
			"screenruster", "requested by user").Store(&cookie); err != nil {
			return err
		}
		fmt.Println(cookie)
		return nil

	case "unthrottle":
		cookie, err := cookieArg(args)
		if err != nil {
			return err
		}
		return obj.Call(server.CompatName+".UnThrottle", 0, cookie).Err

	default:
		return fmt.Errorf("unknown subcommand %q", args[0])
	}
}

func cookieArg(args []string) (uint32, error) {
	if len(args) < 2 {
		return 0, fmt.Errorf("%s requires a COOKIE argument", args[0])
	}
	cookie, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid cookie %q: %w", args[1], err)
	}
	return uint32(cookie), nil
}

// runDaemon wires the workers and blocks until a shutdown signal.
func runDaemon(configPath string, cfg *config.Config) {
	log, err := buildLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fatal("logger init failed: %v", err)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("screenruster starting",
		zap.String("version", config.Version),
		zap.String("commit", config.GitCommit),
		zap.String("config", configPath),
	)

	// Secrets pass through this process; keep them out of swap.
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		log.Warn("mlockall failed, secrets may reach swap", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := server.New(cfg.Server, log)
	if err != nil {
		log.Fatal("session bus registration failed", zap.Error(err))
	}

	var sleep daemon.SleepLock
	watcher, err := server.NewSleepWatcher(srv.Feed(), log)
	if err != nil {
		log.Warn("sleep watcher unavailable", zap.Error(err))
	} else {
		sleep = watcher
		go watcher.Run(ctx)
	}

	lock, err := locker.New(cfg.Locker, log)
	if err != nil {
		log.Fatal("locker startup failed", zap.Error(err))
	}
	log.Info("display opened", zap.Bool("dpms", lock.Display().HasDPMS()))

	verifier, err := auth.New(&cfg.Auth, log)
	if err != nil {
		log.Fatal("auth startup failed", zap.Error(err))
	}

	ticks := timer.New(cfg.Timer, clockwork.NewRealClock())

	metrics := observability.New()
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		go func() {
			if err := metrics.ServeMetrics(ctx, addr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", addr))
	}

	coordinator := daemon.New(daemon.Options{
		Timers:  ticks,
		Auth:    verifier,
		Bus:     srv,
		Locker:  lock,
		Sleep:   sleep,
		Metrics: metrics,
		Log:     log,
		DPMS:    lock.Display().HasDPMS(),
	})

	go ticks.Run(ctx)
	go verifier.Run(ctx)
	go srv.Run(ctx)
	go lock.Run(ctx)
	go coordinator.Run(ctx)

	log.Info("screenruster ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()
	log.Info("screenruster shutdown complete")
}

// buildLogger constructs a zap.Logger with the given level and format.
func buildLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return cfg.Build()
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FATAL: "+format+"\n", args...)
	os.Exit(1)
}
