// Package agent keeps a proxy node's local client list in line with the
// identities the backend authorizes. Each Run is one pull-and-reconcile
// cycle driven by an external timer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/vpnpower/server/internal/logger"
	"github.com/vpnpower/server/internal/model"
)

// State is the terminal state of a sync cycle
type State string

const (
	StateFetchFailed  State = "fetch_failed"
	StateNoChange     State = "no_change"
	StateChanged      State = "changed"
	StateWriteFailed  State = "write_failed"
	StateWritten      State = "written"
	StateReloaded     State = "reloaded"
	StateReloadFailed State = "reload_failed"
)

// Options configures a sync cycle
type Options struct {
	ConfigPath string
	InboundTag string
	Flow       string
	// DryRun computes the diff without touching the file.
	DryRun bool
	// NoReload skips the reload after a successful write.
	NoReload bool
}

// Result describes what a cycle did
type Result struct {
	State      State
	Identities int
	Changes    Changes
}

// Agent runs sync cycles
type Agent struct {
	fetcher  Fetcher
	reloader Reloader
	opts     Options
	log      *slog.Logger
	write    func(path string, data []byte) error
}

// New creates an agent. reloader may be nil when no reload is wanted.
func New(fetcher Fetcher, reloader Reloader, opts Options, log *slog.Logger) *Agent {
	if log == nil {
		log = slog.Default()
	}
	return &Agent{
		fetcher:  fetcher,
		reloader: reloader,
		opts:     opts,
		log:      log,
		write:    WriteFileAtomic,
	}
}

// Run performs one cycle. The configuration file is replaced only when the
// reconciled client list differs from what is on disk. A failed reload is
// logged and does not fail the cycle.
func (a *Agent) Run(ctx context.Context) (Result, error) {
	snap, err := a.fetcher.Fetch(ctx)
	if err != nil {
		return Result{State: StateFetchFailed}, err
	}
	result := Result{Identities: len(snap.UUIDs)}

	// An empty set never wipes the node.
	if len(snap.UUIDs) == 0 {
		a.log.Warn("backend returned no identities, leaving config untouched")
		result.State = StateNoChange
		return result, nil
	}

	flow := snap.Flow
	if flow == "" {
		flow = a.opts.Flow
	}

	data, err := os.ReadFile(a.opts.ConfigPath)
	if err != nil {
		return result, fmt.Errorf("%w: read %s: %v", model.ErrConfigCorrupt, a.opts.ConfigPath, err)
	}
	doc, err := ParseDocument(data)
	if err != nil {
		return result, err
	}
	changes, err := doc.Reconcile(a.opts.InboundTag, snap.UUIDs, flow)
	if err != nil {
		return result, err
	}
	result.Changes = changes

	if !changes.Changed() {
		a.log.Info("config up to date", slog.Int("identities", result.Identities))
		result.State = StateNoChange
		return result, nil
	}

	attrs := []any{
		slog.Int("added", changes.Added),
		slog.Int("updated", changes.Updated),
		slog.Int("removed", changes.Removed),
	}
	if a.opts.DryRun {
		a.log.Info("dry run, config not written", attrs...)
		result.State = StateChanged
		return result, nil
	}

	out, err := doc.Marshal()
	if err != nil {
		return result, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	if err := a.write(a.opts.ConfigPath, out); err != nil {
		result.State = StateWriteFailed
		return result, err
	}
	result.State = StateWritten
	a.log.Info("config updated", attrs...)

	if a.opts.NoReload || a.reloader == nil {
		return result, nil
	}
	if err := a.reloader.Reload(ctx); err != nil {
		a.log.Error("reload failed", logger.Error(err))
		result.State = StateReloadFailed
		return result, nil
	}
	result.State = StateReloaded
	return result, nil
}

// Exit codes reported by the agent binary
const (
	ExitOK           = 0
	ExitFailure      = 1
	ExitStartup      = 2
	ExitConfig       = 3
	ExitUpstream     = 4
	ExitUnauthorized = 5
	ExitWrite        = 6
)

// ExitError carries a process exit code
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string { return e.Err.Error() }
func (e *ExitError) Unwrap() error { return e.Err }
func (e *ExitError) ExitCode() int { return e.Code }

// ExitCodeFor classifies a cycle error
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, model.ErrConfigCorrupt):
		return ExitConfig
	case errors.Is(err, model.ErrUnauthorized):
		return ExitUnauthorized
	case errors.Is(err, model.ErrUpstreamUnavailable):
		return ExitUpstream
	case errors.Is(err, ErrWriteFailed):
		return ExitWrite
	}
	return ExitFailure
}
