package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devstack-io/devstack/internal/probe"
	"github.com/devstack-io/devstack/internal/runner"
)

// ErrContainerOperation reports a container runtime operation that
// failed after all recovery options were exhausted.
var ErrContainerOperation = errors.New("container operation failed")

// ErrNotReady reports a tunnel whose dashboard never became reachable.
var ErrNotReady = errors.New("tunnel dashboard not ready")

// Manager reconciles the frps reverse tunnel container into a running
// state using the least disruptive operation that works: restart an
// existing container, recreate it when the restart fails, create one
// directly when none exists.
type Manager struct {
	Runner runner.Runner
	Prober probe.Poller
	Log    *slog.Logger

	Name          string
	Image         string
	BindPort      int
	DashboardPort int
	ConfigPath    string // host path of the frps config, mounted read-only

	DashboardURL string
	MaxAttempts  int
	Interval     time.Duration
}

// EnsureRunning drives the reconciliation and then confirms readiness
// against the dashboard endpoint. A creation failure after the old
// container was removed is fatal, as is a readiness timeout.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	exists, err := m.containerExists(ctx)
	if err != nil {
		return fmt.Errorf("%w: inspect %s: %v", ErrContainerOperation, m.Name, err)
	}

	if exists {
		res, err := m.Runner.Run(ctx, "docker", "restart", m.Name)
		if err == nil && res.Ok() {
			m.Log.Info("tunnel container restarted", "name", m.Name)
			return m.awaitReady(ctx)
		}
		m.Log.Warn("tunnel restart failed, recreating container",
			"name", m.Name, "stderr", strings.TrimSpace(res.Stderr))
		res, err = m.Runner.Run(ctx, "docker", "rm", "-f", m.Name)
		if err != nil || !res.Ok() {
			return fmt.Errorf("%w: remove %s: %s", ErrContainerOperation, m.Name, detail(res, err))
		}
	}

	res, err := m.Runner.Run(ctx, "docker", m.createArgs()...)
	if err != nil || !res.Ok() {
		return fmt.Errorf("%w: create %s: %s", ErrContainerOperation, m.Name, detail(res, err))
	}
	m.Log.Info("tunnel container created", "name", m.Name, "image", m.Image)
	return m.awaitReady(ctx)
}

// Stop stops the tunnel container. A missing container is not an error.
func (m *Manager) Stop(ctx context.Context) error {
	res, err := m.Runner.Run(ctx, "docker", "stop", m.Name)
	if err != nil {
		return fmt.Errorf("stop tunnel %s: %w", m.Name, err)
	}
	if !res.Ok() {
		m.Log.Debug("tunnel container not running", "name", m.Name,
			"stderr", strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (m *Manager) containerExists(ctx context.Context) (bool, error) {
	res, err := m.Runner.Run(ctx, "docker", "ps", "-a",
		"--filter", "name=^/"+m.Name+"$", "--format", "{{.Names}}")
	if err != nil {
		return false, err
	}
	if !res.Ok() {
		return false, errors.New(strings.TrimSpace(res.Stderr))
	}
	for _, line := range strings.Split(res.Stdout, "\n") {
		if strings.TrimSpace(line) == m.Name {
			return true, nil
		}
	}
	return false, nil
}

func (m *Manager) createArgs() []string {
	return []string{
		"run", "-d",
		"--name", m.Name,
		"--restart", "unless-stopped",
		"-p", fmt.Sprintf("%d:%d", m.BindPort, m.BindPort),
		"-p", fmt.Sprintf("%d:%d", m.DashboardPort, m.DashboardPort),
		"-v", m.ConfigPath + ":/etc/frp/frps.toml:ro",
		m.Image,
	}
}

func (m *Manager) awaitReady(ctx context.Context) error {
	res := m.Prober.Poll(ctx, m.DashboardURL, m.MaxAttempts, m.Interval)
	if !res.Ready {
		return fmt.Errorf("%w after %d attempts: %s", ErrNotReady, res.Attempts, m.DashboardURL)
	}
	m.Log.Info("tunnel ready", "dashboard", m.DashboardURL, "attempts", res.Attempts)
	return nil
}

func detail(res runner.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	if s := strings.TrimSpace(res.Stderr); s != "" {
		return s
	}
	return fmt.Sprintf("exit code %d", res.ExitCode)
}
