// agent pulls the authorized identity set from the backend and rewrites
// the local Xray client list when it differs. Run it from a systemd timer
// or cron; each invocation is a single sync cycle.
//
// Exit codes: 0 ok, 1 unexpected, 2 missing configuration, 3 unreadable or
// corrupt Xray config, 4 backend unavailable, 5 rejected secret, 6 write
// failure.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/vpnpower/server/internal/agent"
	"github.com/vpnpower/server/internal/config"
	"github.com/vpnpower/server/internal/logger"
)

func main() {
	if err := run(); err != nil {
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var envFile string
	var dryRun, noReload bool

	flagSet := pflag.NewFlagSet("vpnpower-agent", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", "", "load environment variables from this file first")
	flagSet.BoolVar(&dryRun, "dry-run", false, "compute the diff without writing the config")
	flagSet.BoolVar(&noReload, "no-reload", false, "write the config but do not reload xray")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &agent.ExitError{Code: agent.ExitStartup, Err: err}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return &agent.ExitError{Code: agent.ExitStartup, Err: fmt.Errorf("load %s: %w", envFile, err)}
		}
	}

	cfg, err := config.LoadAgent()
	if err != nil {
		return &agent.ExitError{Code: agent.ExitStartup, Err: err}
	}

	log := logger.FromEnv("vpnpower-agent", cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher := agent.NewHTTPFetcher(agent.HTTPFetcherConfig{
		BaseURL:    cfg.SubBaseURL,
		Secret:     cfg.NodeSyncSecret,
		InboundTag: cfg.InboundTag,
		Flow:       cfg.Flow,
		Timeout:    cfg.Timeout,
		Attempts:   cfg.FetchAttempts,
	})
	a := agent.New(fetcher, agent.NewCommandReloader(cfg.ReloadCommand, cfg.ReloadTimeout), agent.Options{
		ConfigPath: cfg.XrayConfig,
		InboundTag: cfg.InboundTag,
		Flow:       cfg.Flow,
		DryRun:     dryRun,
		NoReload:   noReload,
	}, log)

	result, err := a.Run(ctx)
	if err != nil {
		log.Error("sync failed", slog.String("state", string(result.State)), logger.Error(err))
		return &agent.ExitError{Code: agent.ExitCodeFor(err), Err: err}
	}
	log.Info("sync finished",
		slog.String("state", string(result.State)),
		slog.Int("identities", result.Identities),
	)
	return nil
}
