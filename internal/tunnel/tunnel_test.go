package tunnel

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devstack-io/devstack/internal/probe"
	"github.com/devstack-io/devstack/internal/runner"
)

// fakeRunner maps a command prefix (first two args joined) to a result
// and records every invocation.
type fakeRunner struct {
	results map[string]runner.Result
	calls   []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (runner.Result, error) {
	call := name + " " + strings.Join(args, " ")
	f.calls = append(f.calls, call)
	key := name
	if len(args) > 0 {
		key += " " + args[0]
	}
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return runner.Result{}, nil
}

func (f *fakeRunner) called(prefix string) bool {
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

type fakePoller struct {
	ready    bool
	attempts int
	polled   []string
}

func (f *fakePoller) Poll(_ context.Context, url string, _ int, _ time.Duration) probe.Result {
	f.polled = append(f.polled, url)
	return probe.Result{Ready: f.ready, Attempts: f.attempts}
}

func newManager(r runner.Runner, p probe.Poller) *Manager {
	return &Manager{
		Runner:        r,
		Prober:        p,
		Log:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		Name:          "devstack-frps",
		Image:         "fatedier/frps:v0.61.0",
		BindPort:      7000,
		DashboardPort: 7500,
		ConfigPath:    "/tmp/frps.toml",
		DashboardURL:  "http://127.0.0.1:7500/healthz",
		MaxAttempts:   3,
		Interval:      time.Millisecond,
	}
}

func TestEnsureRunningRestartsExistingContainer(t *testing.T) {
	r := &fakeRunner{results: map[string]runner.Result{
		"docker ps": {Stdout: "devstack-frps\n"},
	}}
	p := &fakePoller{ready: true, attempts: 1}

	require.NoError(t, newManager(r, p).EnsureRunning(context.Background()))

	assert.True(t, r.called("docker restart devstack-frps"))
	assert.False(t, r.called("docker rm"), "restart path must not remove the container")
	assert.False(t, r.called("docker run"), "restart path must keep the same container")
	assert.Equal(t, []string{"http://127.0.0.1:7500/healthz"}, p.polled)
}

func TestEnsureRunningRecreatesWhenRestartFails(t *testing.T) {
	r := &fakeRunner{results: map[string]runner.Result{
		"docker ps":      {Stdout: "devstack-frps\n"},
		"docker restart": {ExitCode: 1, Stderr: "driver error"},
	}}
	p := &fakePoller{ready: true, attempts: 1}

	require.NoError(t, newManager(r, p).EnsureRunning(context.Background()))

	assert.True(t, r.called("docker rm -f devstack-frps"))
	assert.True(t, r.called("docker run -d --name devstack-frps"))
}

func TestEnsureRunningCreatesWhenAbsent(t *testing.T) {
	r := &fakeRunner{results: map[string]runner.Result{
		"docker ps": {Stdout: ""},
	}}
	p := &fakePoller{ready: true, attempts: 2}

	require.NoError(t, newManager(r, p).EnsureRunning(context.Background()))

	assert.False(t, r.called("docker restart"))
	assert.False(t, r.called("docker rm"))
	assert.True(t, r.called("docker run -d --name devstack-frps"))
}

func TestEnsureRunningCreateFailureAfterRemovalIsFatal(t *testing.T) {
	r := &fakeRunner{results: map[string]runner.Result{
		"docker ps":      {Stdout: "devstack-frps\n"},
		"docker restart": {ExitCode: 1},
		"docker run":     {ExitCode: 125, Stderr: "port already allocated"},
	}}
	p := &fakePoller{ready: true, attempts: 1}

	err := newManager(r, p).EnsureRunning(context.Background())
	require.ErrorIs(t, err, ErrContainerOperation)
	assert.Contains(t, err.Error(), "port already allocated")
	assert.Empty(t, p.polled, "no readiness probe after a fatal create failure")
}

func TestEnsureRunningReadinessTimeoutIsFatal(t *testing.T) {
	r := &fakeRunner{results: map[string]runner.Result{}}
	p := &fakePoller{ready: false, attempts: 3}

	err := newManager(r, p).EnsureRunning(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
	assert.Contains(t, err.Error(), "3 attempts")
}

func TestStopToleratesMissingContainer(t *testing.T) {
	r := &fakeRunner{results: map[string]runner.Result{
		"docker stop": {ExitCode: 1, Stderr: "No such container"},
	}}
	assert.NoError(t, newManager(r, &fakePoller{}).Stop(context.Background()))
}
