package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devstack-io/devstack/internal/logger"
	"github.com/devstack-io/devstack/internal/probe"
	"github.com/devstack-io/devstack/internal/runner"
	"github.com/devstack-io/devstack/internal/spawn"
)

// Health reports the daemon's state after a restart.
type Health int

const (
	HealthReady Health = iota
	HealthDegraded
)

func (h Health) String() string {
	if h == HealthReady {
		return "ready"
	}
	return "degraded"
}

// Controller restarts the sandbox daemon. A stop is always issued first
// so at most one instance holds the listening port.
type Controller struct {
	Runner  runner.Runner
	Spawner spawn.Spawner
	Prober  probe.Poller
	Log     *slog.Logger

	Binary      string
	Home        string
	HealthURL   string
	LogConfig   logger.Config
	MaxAttempts int
	Interval    time.Duration
}

// Signature is the command-line pattern identifying running daemon
// instances. It is also used by the tracker's record-less fallback.
func (c *Controller) Signature() string {
	return c.Binary + " serve"
}

// Restart stops any running daemon, spawns a fresh one and polls its
// health endpoint. Unlike the other stages a readiness timeout here is
// not fatal: later stages may still succeed once the daemon becomes
// ready on its own, so the result is reported as degraded instead.
func (c *Controller) Restart(ctx context.Context) (Health, spawn.Handle, error) {
	c.Stop(ctx)

	handle, err := c.Spawner.Spawn(spawn.Spec{
		Name:    c.Binary,
		Command: fmt.Sprintf("%s serve --home %s", c.Binary, c.Home),
		Log:     c.LogConfig,
	})
	if err != nil {
		return HealthDegraded, spawn.Handle{}, err
	}
	c.Log.Info("daemon spawned", "binary", c.Binary, "pid", handle.PID, "log", handle.LogPath)

	res := c.Prober.Poll(ctx, c.HealthURL, c.MaxAttempts, c.Interval)
	if !res.Ready {
		c.Log.Warn("daemon not ready yet, continuing anyway",
			"endpoint", c.HealthURL, "attempts", res.Attempts)
		return HealthDegraded, handle, nil
	}
	c.Log.Info("daemon ready", "endpoint", c.HealthURL, "attempts", res.Attempts)
	return HealthReady, handle, nil
}

// Stop terminates daemon instances by command signature. It is a no-op
// when nothing matches: pkill exits 1 in that case.
func (c *Controller) Stop(ctx context.Context) {
	res, err := c.Runner.Run(ctx, "pkill", "-f", c.Signature())
	if err != nil {
		c.Log.Warn("daemon stop lookup failed", "error", err)
		return
	}
	if res.Ok() {
		c.Log.Info("stopped running daemon", "signature", c.Signature())
	} else if s := strings.TrimSpace(res.Stderr); s != "" {
		c.Log.Debug("daemon stop", "stderr", s)
	}
}
