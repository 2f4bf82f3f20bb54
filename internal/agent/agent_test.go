package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vpnpower/server/internal/model"
	"github.com/vpnpower/server/internal/nodesync"
)

type stubFetcher struct {
	snap nodesync.Snapshot
	err  error
}

func (f stubFetcher) Fetch(ctx context.Context) (nodesync.Snapshot, error) {
	return f.snap, f.err
}

type countingReloader struct {
	calls int
	err   error
}

func (r *countingReloader) Reload(ctx context.Context) error {
	r.calls++
	return r.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func snapshot(ids ...string) nodesync.Snapshot {
	return nodesync.Snapshot{InboundTag: "vless-reality-in", Flow: "xtls-rprx-vision", UUIDs: ids}
}

func newTestAgent(path string, f Fetcher, r Reloader) *Agent {
	return New(f, r, Options{ConfigPath: path, InboundTag: "vless-reality-in", Flow: "xtls-rprx-vision"}, quietLogger())
}

func TestRun_RewritesAndReloads(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	reloader := &countingReloader{}
	a := newTestAgent(path, stubFetcher{snap: snapshot("u1", "u2")}, reloader)

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReloaded, res.State)
	assert.Equal(t, Changes{Added: 1, Removed: 1}, res.Changes)
	assert.Equal(t, 1, reloader.calls)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	doc, err := ParseDocument(data)
	require.NoError(t, err)
	var ids []any
	for _, c := range clientsOf(t, doc, "vless-reality-in") {
		ids = append(ids, c["id"])
	}
	assert.Equal(t, []any{"u1", "u2"}, ids)

	res, err = a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNoChange, res.State)
	assert.Equal(t, 1, reloader.calls, "an unchanged config must not trigger a reload")
}

func TestRun_EmptySnapshotIsNoop(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	reloader := &countingReloader{}
	a := newTestAgent(path, stubFetcher{snap: snapshot()}, reloader)

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateNoChange, res.State)
	assert.Zero(t, reloader.calls)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, sampleConfig, string(data))
}

func TestRun_FetchFailureLeavesFile(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	a := newTestAgent(path, stubFetcher{err: model.ErrUnauthorized}, nil)

	res, err := a.Run(context.Background())
	assert.Equal(t, StateFetchFailed, res.State)
	assert.Equal(t, ExitUnauthorized, ExitCodeFor(err))

	data, _ := os.ReadFile(path)
	assert.Equal(t, sampleConfig, string(data))
}

func TestRun_CorruptConfig(t *testing.T) {
	path := writeConfig(t, "{broken")
	a := newTestAgent(path, stubFetcher{snap: snapshot("u1")}, nil)

	_, err := a.Run(context.Background())
	assert.True(t, errors.Is(err, model.ErrConfigCorrupt))
	assert.Equal(t, ExitConfig, ExitCodeFor(err))

	missing := newTestAgent(filepath.Join(t.TempDir(), "absent.json"), stubFetcher{snap: snapshot("u1")}, nil)
	_, err = missing.Run(context.Background())
	assert.Equal(t, ExitConfig, ExitCodeFor(err))
}

func TestRun_DryRunDoesNotWrite(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	reloader := &countingReloader{}
	a := New(stubFetcher{snap: snapshot("u9")}, reloader,
		Options{ConfigPath: path, InboundTag: "vless-reality-in", DryRun: true}, quietLogger())

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateChanged, res.State)
	assert.Zero(t, reloader.calls)

	data, _ := os.ReadFile(path)
	assert.Equal(t, sampleConfig, string(data))
}

func TestRun_NoReload(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	reloader := &countingReloader{}
	a := New(stubFetcher{snap: snapshot("u9")}, reloader,
		Options{ConfigPath: path, InboundTag: "vless-reality-in", NoReload: true}, quietLogger())

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateWritten, res.State)
	assert.Zero(t, reloader.calls)
}

func TestRun_ReloadFailureIsNotFatal(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	a := newTestAgent(path, stubFetcher{snap: snapshot("u9")}, &countingReloader{err: errors.New("exit status 1")})

	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReloadFailed, res.State)
}

func TestRun_WriteFailure(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	a := newTestAgent(path, stubFetcher{snap: snapshot("u9")}, nil)
	a.write = func(p string, data []byte) error {
		return writeAtomic(p, data, func(string) error { return errors.New("disk full") })
	}

	res, err := a.Run(context.Background())
	assert.Equal(t, StateWriteFailed, res.State)
	assert.Equal(t, ExitWrite, ExitCodeFor(err))

	data, _ := os.ReadFile(path)
	assert.Equal(t, sampleConfig, string(data))
}

func TestCommandReloader(t *testing.T) {
	assert.NoError(t, NewCommandReloader("", time.Second).Reload(context.Background()))
	assert.NoError(t, NewCommandReloader("true", time.Second).Reload(context.Background()))
	assert.Error(t, NewCommandReloader("false", time.Second).Reload(context.Background()))
}

func TestRun_HungReloadIsBounded(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	a := newTestAgent(path, stubFetcher{snap: snapshot("u9")}, NewCommandReloader("sleep 5", 200*time.Millisecond))

	start := time.Now()
	res, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateReloadFailed, res.State)
	assert.Less(t, time.Since(start), 3*time.Second)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"u9"`)
}

func TestExitError(t *testing.T) {
	err := &ExitError{Code: ExitStartup, Err: errors.New("missing SUB_BASE_URL")}
	var coder interface{ ExitCode() int }
	require.True(t, errors.As(error(err), &coder))
	assert.Equal(t, 2, coder.ExitCode())
	assert.Equal(t, ExitFailure, ExitCodeFor(errors.New("boom")))
	assert.Equal(t, ExitOK, ExitCodeFor(nil))
}
