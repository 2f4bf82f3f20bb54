package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// DefaultReloadTimeout bounds a reload command when no timeout is configured
const DefaultReloadTimeout = 30 * time.Second

// Reloader asks the proxy server to pick up a rewritten configuration
type Reloader interface {
	Reload(ctx context.Context) error
}

// CommandReloader runs a shell-free command line, e.g.
// "systemctl try-reload-or-restart xray"
type CommandReloader struct {
	argv    []string
	timeout time.Duration
}

// NewCommandReloader splits command on whitespace. An empty command makes
// Reload a no-op. The command is killed once timeout elapses.
func NewCommandReloader(command string, timeout time.Duration) *CommandReloader {
	if timeout <= 0 {
		timeout = DefaultReloadTimeout
	}
	return &CommandReloader{argv: strings.Fields(command), timeout: timeout}
}

func (r *CommandReloader) Reload(ctx context.Context) error {
	if len(r.argv) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.argv[0], r.argv[1:]...)
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("%s: timed out after %s", r.argv[0], r.timeout)
	}
	if err != nil {
		return fmt.Errorf("%s: %w: %s", r.argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
