package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"

	"github.com/devstack-io/devstack/internal/compose"
	"github.com/devstack-io/devstack/internal/config"
	"github.com/devstack-io/devstack/internal/daemon"
	"github.com/devstack-io/devstack/internal/history"
	"github.com/devstack-io/devstack/internal/logger"
	"github.com/devstack-io/devstack/internal/patch"
	"github.com/devstack-io/devstack/internal/probe"
	"github.com/devstack-io/devstack/internal/runner"
	"github.com/devstack-io/devstack/internal/spawn"
	"github.com/devstack-io/devstack/internal/track"
	"github.com/devstack-io/devstack/internal/tunnel"
)

// State of the orchestration state machine.
type State string

const (
	StateIdle            State = "idle"
	StateCheckingPrereqs State = "checking-prereqs"
	StateStartingInfra   State = "starting-infra"
	StateStartingApp     State = "starting-app"
	StateReady           State = "ready"
	StateStopping        State = "stopping"
	StateStopped         State = "stopped"
	StateFailed          State = "failed"
)

// Stage names used in failure reports and history events.
const (
	StagePrereqs = "prereqs"
	StageTunnel  = "tunnel"
	StageConfig  = "daemon-config"
	StageDaemon  = "daemon"
	StageStack   = "stack"
	StageApp     = "app"
)

// ErrPrereqMissing reports a missing external binary or directory,
// detected before any side effect.
var ErrPrereqMissing = errors.New("missing prerequisite")

// StageError tags a fatal failure with the stage it happened in.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }
func (e *StageError) Unwrap() error { return e.Err }

// ServiceDescriptor names one readiness endpoint. Descriptors are built
// once at entry and never mutated.
type ServiceDescriptor struct {
	Name        string
	URL         string
	MaxAttempts int
	Interval    time.Duration
}

// Descriptors lists the readiness endpoints of every stack member.
func Descriptors(cfg *config.Config) []ServiceDescriptor {
	return []ServiceDescriptor{
		{Name: "tunnel", URL: cfg.TunnelDashboardURL(), MaxAttempts: cfg.ProbeAttempts, Interval: cfg.ProbeInterval},
		{Name: "daemon", URL: cfg.DaemonHealthURL(), MaxAttempts: cfg.ProbeAttempts, Interval: cfg.ProbeInterval},
		{Name: "api", URL: cfg.APIHealthURL(), MaxAttempts: cfg.ProbeAttempts, Interval: cfg.ProbeInterval},
		{Name: "ui", URL: cfg.UIURL(), MaxAttempts: cfg.ProbeAttempts, Interval: cfg.ProbeInterval},
	}
}

type tunnelManager interface {
	EnsureRunning(ctx context.Context) error
	Stop(ctx context.Context) error
}

type daemonController interface {
	Restart(ctx context.Context) (daemon.Health, spawn.Handle, error)
	Stop(ctx context.Context)
}

type stackManager interface {
	Up(ctx context.Context, stackFile string) ([]string, error)
	Down(ctx context.Context, stackFile string) error
}

type processTracker interface {
	Record(name string, pid int) error
	StopAll(ctx context.Context) error
}

// Orchestrator sequences tunnel, daemon, stack and application startup,
// and the reverse for shutdown. It runs strictly sequentially: the
// stages have real ordering dependencies, and the whole thing is a
// one-shot invocation.
type Orchestrator struct {
	cfg *config.Config
	log *slog.Logger

	prober     probe.Poller
	tunnel     tunnelManager
	daemon     daemonController
	stack      stackManager
	tracker    processTracker
	spawner    spawn.Spawner
	applyPatch func(path string, fields map[string]any) error
	lookPath   func(name string) (string, error)
	hist       *history.Store

	state State
	runID string
}

// New wires an Orchestrator from real components.
func New(cfg *config.Config, log *slog.Logger) *Orchestrator {
	run := runner.ExecRunner{}
	prober := probe.New()
	logCfg := logger.Config{Dir: cfg.LogDir}

	dc := &daemon.Controller{
		Runner:      run,
		Spawner:     spawn.ExecSpawner{},
		Prober:      prober,
		Log:         log,
		Binary:      cfg.DaemonBinary,
		Home:        cfg.DaemonHome,
		HealthURL:   cfg.DaemonHealthURL(),
		LogConfig:   logCfg,
		MaxAttempts: cfg.ProbeAttempts,
		Interval:    cfg.ProbeInterval,
	}

	return &Orchestrator{
		cfg:    cfg,
		log:    log,
		prober: prober,
		tunnel: &tunnel.Manager{
			Runner:        run,
			Prober:        prober,
			Log:           log,
			Name:          cfg.TunnelName,
			Image:         cfg.TunnelImage,
			BindPort:      cfg.TunnelBindPort,
			DashboardPort: cfg.TunnelDashboardPort,
			ConfigPath:    cfg.TunnelConfig,
			DashboardURL:  cfg.TunnelDashboardURL(),
			MaxAttempts:   cfg.ProbeAttempts,
			Interval:      cfg.ProbeInterval,
		},
		daemon:     dc,
		stack:      &compose.Manager{Runner: run, Log: log},
		tracker:    track.New(cfg.RecordFile, run, appSignatures(cfg), cfg.StopGrace, log),
		spawner:    spawn.ExecSpawner{},
		applyPatch: patch.Apply,
		lookPath:   exec.LookPath,
		state:      StateIdle,
	}
}

// appSignatures maps application process names to the command-line
// patterns used by the tracker's record-less fallback.
func appSignatures(cfg *config.Config) map[string]string {
	sigs := make(map[string]string)
	if cfg.APICommand != "" {
		sigs["api"] = cfg.APICommand
	}
	if cfg.UICommand != "" {
		sigs["ui"] = cfg.UICommand
	}
	return sigs
}

// State returns the current state-machine state.
func (o *Orchestrator) State() State { return o.state }

// Close releases the history store, if one was opened.
func (o *Orchestrator) Close() error {
	if o.hist != nil {
		return o.hist.Close()
	}
	return nil
}

// Start drives the full start sequence. On any fatal failure it moves
// to Failed and returns a StageError naming the failing stage; already
// started components are deliberately left running so the operator can
// inspect them.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runID = uuid.NewString()
	o.openHistory()

	o.transition(StateCheckingPrereqs)
	if err := o.checkPrereqs(); err != nil {
		return o.fail(StagePrereqs, err)
	}
	o.pass(StagePrereqs, "binaries and directories present")

	o.transition(StateStartingInfra)
	if err := o.tunnel.EnsureRunning(ctx); err != nil {
		return o.fail(StageTunnel, err)
	}
	o.pass(StageTunnel, o.cfg.TunnelDashboardURL())

	if err := o.applyPatch(o.cfg.DaemonConfig, o.daemonPatch()); err != nil {
		return o.fail(StageConfig, err)
	}
	o.pass(StageConfig, o.cfg.DaemonConfig)

	health, handle, err := o.daemon.Restart(ctx)
	if err != nil {
		return o.fail(StageDaemon, err)
	}
	if health == daemon.HealthDegraded {
		o.record(StageDaemon, "degraded", fmt.Sprintf("pid %d, health pending", handle.PID))
	} else {
		o.pass(StageDaemon, fmt.Sprintf("pid %d", handle.PID))
	}

	services, err := o.stack.Up(ctx, o.cfg.StackFile)
	if err != nil {
		return o.fail(StageStack, err)
	}
	o.pass(StageStack, fmt.Sprintf("services: %v", services))

	o.transition(StateStartingApp)
	if err := o.startApps(ctx); err != nil {
		return o.fail(StageApp, err)
	}
	o.pass(StageApp, "api and ui running")

	o.transition(StateReady)
	o.summary()
	return nil
}

// Stop drives the reverse sequence. It is reachable from any state and
// tolerates components that are not running; individual failures are
// reported as warnings, not errors.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.runID == "" {
		o.runID = uuid.NewString()
	}
	o.openHistory()
	o.transition(StateStopping)

	if err := o.tracker.StopAll(ctx); err != nil {
		o.log.Warn("stopping tracked processes", "error", err)
	}
	if err := o.stack.Down(ctx, o.cfg.StackFile); err != nil {
		o.log.Warn("stack down", "error", err)
	}
	o.daemon.Stop(ctx)
	if err := o.tunnel.Stop(ctx); err != nil {
		o.log.Warn("tunnel stop", "error", err)
	}

	o.transition(StateStopped)
	o.record("stop", "pass", "")
	o.log.Info("stack stopped")
	return nil
}

func (o *Orchestrator) checkPrereqs() error {
	for _, bin := range []string{"docker", o.cfg.DaemonBinary} {
		if _, err := o.lookPath(bin); err != nil {
			return fmt.Errorf("%w: binary %q not found on PATH", ErrPrereqMissing, bin)
		}
	}
	for _, dir := range []string{o.cfg.HomeDir, o.cfg.DaemonHome} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("%w: directory %s (run setup first)", ErrPrereqMissing, dir)
		}
	}
	return nil
}

// daemonPatch wires the tunnel into the daemon's persisted JSON config.
// Only these two top-level keys are ever touched.
func (o *Orchestrator) daemonPatch() map[string]any {
	return map[string]any{
		"frps": map[string]any{
			"domain":   o.cfg.TunnelDomain,
			"port":     o.cfg.TunnelBindPort,
			"protocol": o.cfg.TunnelProtocol,
		},
		"loginFailExit": false,
	}
}

func (o *Orchestrator) startApps(ctx context.Context) error {
	apps := []struct {
		name    string
		command string
		workDir string
		url     string
	}{
		{"api", o.cfg.APICommand, o.cfg.APIWorkDir, o.cfg.APIHealthURL()},
		{"ui", o.cfg.UICommand, o.cfg.UIWorkDir, o.cfg.UIURL()},
	}
	for _, app := range apps {
		handle, err := o.spawner.Spawn(spawn.Spec{
			Name:    app.name,
			Command: app.command,
			WorkDir: app.workDir,
			Log:     logger.Config{Dir: o.cfg.LogDir},
		})
		if err != nil {
			return err
		}
		if err := o.tracker.Record(handle.Name, handle.PID); err != nil {
			return fmt.Errorf("record %s pid %d: %w", handle.Name, handle.PID, err)
		}
		res := o.prober.Poll(ctx, app.url, o.cfg.ProbeAttempts, o.cfg.ProbeInterval)
		if !res.Ready {
			return fmt.Errorf("%s not ready after %d attempts: %s", app.name, res.Attempts, app.url)
		}
		o.log.Info("application process ready",
			"name", app.name, "pid", handle.PID, "attempts", res.Attempts, "log", handle.LogPath)
	}
	return nil
}

func (o *Orchestrator) summary() {
	o.log.Info("stack ready")
	for _, d := range Descriptors(o.cfg) {
		o.log.Info("endpoint", "service", d.Name, "url", d.URL)
	}
}

func (o *Orchestrator) transition(s State) {
	o.state = s
	o.log.Debug("state transition", "state", string(s))
}

func (o *Orchestrator) pass(stage, detail string) {
	o.log.Info("stage passed", "stage", stage, "detail", detail)
	o.record(stage, "pass", detail)
}

func (o *Orchestrator) fail(stage string, err error) error {
	o.state = StateFailed
	o.record(stage, "fail", err.Error())
	o.log.Error("stage failed, leaving partial infrastructure running for inspection",
		"stage", stage, "error", err)
	return &StageError{Stage: stage, Err: err}
}

// openHistory opens the audit store lazily. History is best-effort:
// failure to open it never blocks orchestration.
func (o *Orchestrator) openHistory() {
	if o.hist != nil {
		return
	}
	st, err := history.Open(o.cfg.HistoryDB)
	if err != nil {
		o.log.Warn("history store unavailable", "path", o.cfg.HistoryDB, "error", err)
		return
	}
	o.hist = st
}

func (o *Orchestrator) record(stage, state, detail string) {
	if o.hist == nil {
		return
	}
	e := history.Event{RunID: o.runID, Stage: stage, State: state, Detail: detail}
	if err := o.hist.Append(context.Background(), e); err != nil {
		o.log.Warn("history append failed", "error", err)
	}
}
