// Command aily runs the session relay: it bridges tmux sessions on SSH
// hosts to Discord/Slack threads and serves the dashboard API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/aily-sh/aily/internal/logging"
	"github.com/aily-sh/aily/internal/relay/config"
	"github.com/aily-sh/aily/internal/relay/fault"
	"github.com/aily-sh/aily/internal/relay/platform"
	"github.com/aily-sh/aily/relay"
)

var version = "dev"

// Exit codes, stable for supervisors and hook scripts.
const (
	exitOK       = 0
	exitGeneric  = 1
	exitConfig   = 2
	exitStorage  = 3
	exitAuth     = 4
	exitSignaled = 130
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) > 0 && args[0] == "version" {
		fmt.Println(version)
		return exitOK
	}
	if len(args) > 0 && args[0] == "serve" {
		args = args[1:]
	}

	fs := flag.NewFlagSet("aily", flag.ExitOnError)
	cfgPath := fs.String("config", "", "path to YAML config file")
	addr := fs.String("addr", "", "listen address (overrides config)")
	debug := fs.Bool("debug", false, "enable debug logging")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return exitOK
	}

	logging.Setup()
	if *debug {
		logging.Level.Set(slog.LevelDebug)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		slog.Error("configuration load failed", "error", err)
		return exitConfig
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("configuration invalid", "error", err)
		return exitConfig
	}

	logging.PrintBanner(version, cfg.Addr)

	server, err := relay.NewServer(cfg, slog.Default())
	if err != nil {
		slog.Error("startup failed", "error", err)
		if errors.Is(err, fault.ErrStorage) {
			return exitStorage
		}
		return exitGeneric
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Serve(ctx); err != nil {
		slog.Error("fatal", "error", err)
		if errors.Is(err, platform.ErrAuth) {
			return exitAuth
		}
		return exitGeneric
	}
	if ctx.Err() != nil {
		return exitSignaled
	}
	return exitOK
}
