package orchestrator

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devstack-io/devstack/internal/compose"
	"github.com/devstack-io/devstack/internal/daemon"
	"github.com/devstack-io/devstack/internal/patch"
	"github.com/devstack-io/devstack/internal/probe"
	"github.com/devstack-io/devstack/internal/runner"
	"github.com/devstack-io/devstack/internal/spawn"
	"github.com/devstack-io/devstack/internal/track"
	"github.com/devstack-io/devstack/internal/tunnel"
)

// scriptedPoller simulates per-endpoint readiness sequences the way the
// real prober would observe them, status code by status code.
type scriptedPoller struct {
	codes   map[string][]int
	results map[string]probe.Result
}

func (s *scriptedPoller) Poll(_ context.Context, url string, maxAttempts int, _ time.Duration) probe.Result {
	seq := s.codes[url]
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		code := 503
		if attempt-1 < len(seq) {
			code = seq[attempt-1]
		} else if len(seq) > 0 {
			code = seq[len(seq)-1]
		}
		if code >= 200 && code < 400 {
			res := probe.Result{Ready: true, Attempts: attempt}
			s.results[url] = res
			return res
		}
	}
	res := probe.Result{Attempts: maxAttempts}
	s.results[url] = res
	return res
}

// scenarioRunner answers docker/pkill invocations for a fresh
// environment: no containers yet, no daemon running.
type scenarioRunner struct{ calls []string }

func (r *scenarioRunner) Run(_ context.Context, name string, args ...string) (runner.Result, error) {
	call := name + " " + strings.Join(args, " ")
	r.calls = append(r.calls, call)
	switch {
	case strings.HasPrefix(call, "docker ps"):
		return runner.Result{Stdout: ""}, nil // no container yet
	case name == "pkill":
		return runner.Result{ExitCode: 1}, nil // nothing to stop
	default:
		return runner.Result{}, nil
	}
}

type scenarioSpawner struct {
	nextPID int
	names   []string
}

func (s *scenarioSpawner) Spawn(spec spawn.Spec) (spawn.Handle, error) {
	s.nextPID++
	s.names = append(s.names, spec.Name)
	return spawn.Handle{Name: spec.Name, PID: 40000 + s.nextPID}, nil
}

func TestSetupThenStartAllFreshEnvironment(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.StackFile, []byte(
		"services:\n  postgres:\n    image: postgres:16-alpine\n  redis:\n    image: redis:7-alpine\n  rabbitmq:\n    image: rabbitmq:3-management-alpine\n"), 0o600))
	require.NoError(t, Setup(cfg, discardLogger()))

	poller := &scriptedPoller{
		codes: map[string][]int{
			cfg.TunnelDashboardURL(): {503, 503, 200},
			cfg.DaemonHealthURL():    {503, 503, 200},
			cfg.APIHealthURL():       {503, 503, 200},
			cfg.UIURL():              {503, 503, 200},
		},
		results: map[string]probe.Result{},
	}
	run := &scenarioRunner{}
	spawner := &scenarioSpawner{}
	log := discardLogger()

	orch := &Orchestrator{
		cfg:    cfg,
		log:    log,
		prober: poller,
		tunnel: &tunnel.Manager{
			Runner: run, Prober: poller, Log: log,
			Name: cfg.TunnelName, Image: cfg.TunnelImage,
			BindPort: cfg.TunnelBindPort, DashboardPort: cfg.TunnelDashboardPort,
			ConfigPath: cfg.TunnelConfig, DashboardURL: cfg.TunnelDashboardURL(),
			MaxAttempts: cfg.ProbeAttempts, Interval: cfg.ProbeInterval,
		},
		daemon: &daemon.Controller{
			Runner: run, Spawner: spawner, Prober: poller, Log: log,
			Binary: cfg.DaemonBinary, Home: cfg.DaemonHome,
			HealthURL:   cfg.DaemonHealthURL(),
			MaxAttempts: cfg.ProbeAttempts, Interval: cfg.ProbeInterval,
		},
		stack:      &compose.Manager{Runner: run, Log: log},
		tracker:    track.New(cfg.RecordFile, run, nil, cfg.StopGrace, log),
		spawner:    spawner,
		applyPatch: patch.Apply,
		lookPath:   func(string) (string, error) { return "/usr/bin/fake", nil },
		state:      StateIdle,
	}
	defer func() { _ = orch.Close() }()

	require.NoError(t, orch.Start(context.Background()))
	assert.Equal(t, StateReady, orch.State())

	// Every service resolved in exactly 3 attempts.
	for url, res := range poller.results {
		require.True(t, res.Ready, "endpoint %s", url)
		assert.Equal(t, 3, res.Attempts, "endpoint %s", url)
	}
	assert.Len(t, poller.results, 4)

	// Daemon first, then API, then UI.
	assert.Equal(t, []string{"sandboxd", "api", "ui"}, spawner.names)

	// Handles were persisted for the later stop-all.
	data, err := os.ReadFile(cfg.RecordFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "API_PID=")
	assert.Contains(t, string(data), "UI_PID=")

	// The daemon config was wired to the tunnel.
	conf, err := os.ReadFile(cfg.DaemonConfig)
	require.NoError(t, err)
	assert.Contains(t, string(conf), `"frps"`)
	assert.Contains(t, string(conf), `"loginFailExit"`)
}

func TestStopAllWithoutRecordFile(t *testing.T) {
	cfg := testConfig(t)
	run := &scenarioRunner{}
	log := discardLogger()

	orch := &Orchestrator{
		cfg:    cfg,
		log:    log,
		prober: &scriptedPoller{results: map[string]probe.Result{}},
		tunnel: &tunnel.Manager{
			Runner: run, Prober: &scriptedPoller{results: map[string]probe.Result{}}, Log: log,
			Name: cfg.TunnelName,
		},
		daemon: &daemon.Controller{
			Runner: run, Spawner: &scenarioSpawner{}, Prober: &scriptedPoller{results: map[string]probe.Result{}},
			Log: log, Binary: cfg.DaemonBinary,
		},
		stack: &compose.Manager{Runner: run, Log: log},
		tracker: track.New(cfg.RecordFile, run,
			map[string]string{"api": cfg.APICommand, "ui": cfg.UICommand}, cfg.StopGrace, log),
		spawner:  &scenarioSpawner{},
		lookPath: func(string) (string, error) { return "/usr/bin/fake", nil },
		state:    StateIdle,
	}
	defer func() { _ = orch.Close() }()

	require.NoError(t, orch.Stop(context.Background()))
	assert.Equal(t, StateStopped, orch.State())

	joined := strings.Join(run.calls, "\n")
	assert.Contains(t, joined, "pkill -f "+cfg.APICommand, "signature fallback used")
	assert.Contains(t, joined, "docker compose -f "+cfg.StackFile+" down")
	assert.Contains(t, joined, "pkill -f sandboxd serve")
	assert.Contains(t, joined, "docker stop "+cfg.TunnelName)
}
