package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/devstack-io/devstack"
)

// command bundles the subcommand handlers. Each handler loads the
// configuration itself so flag parsing stays in main.go.
type command struct{}

func (c command) load(f GlobalFlags) (*devstack.Config, *slog.Logger, error) {
	cfg, err := devstack.LoadConfig(f.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	level := slog.LevelInfo
	if f.Verbose {
		level = slog.LevelDebug
	}
	return cfg, devstack.NewLogger(os.Stderr, level), nil
}

// signalContext cancels on SIGINT/SIGTERM. An interrupted run leaves
// whatever already started in place; there is no automatic rollback.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Setup creates the working directories and default config files.
func (c command) Setup(f GlobalFlags) error {
	cfg, log, err := c.load(f)
	if err != nil {
		return err
	}
	return devstack.Setup(cfg, log)
}

// StartAll drives the full start sequence.
func (c command) StartAll(f GlobalFlags) error {
	cfg, log, err := c.load(f)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	orch := devstack.New(cfg, log)
	defer func() { _ = orch.Close() }()
	return orch.Start(ctx)
}

// StopAll tears the stack down in reverse order.
func (c command) StopAll(f GlobalFlags) error {
	cfg, log, err := c.load(f)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	orch := devstack.New(cfg, log)
	defer func() { _ = orch.Close() }()
	return orch.Stop(ctx)
}

// Status probes every readiness endpoint exactly once and prints one
// line per service. It returns an error when any service is down so
// the process exits non-zero.
func (c command) Status(out io.Writer, f GlobalFlags) error {
	cfg, _, err := c.load(f)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	prober := devstack.NewProber()
	var down []string
	for _, d := range devstack.Descriptors(cfg) {
		res := prober.Poll(ctx, d.URL, 1, 0)
		state := "ready"
		if !res.Ready {
			state = "down"
			down = append(down, d.Name)
		}
		_, _ = fmt.Fprintf(out, "%-8s %-6s %s\n", d.Name, state, d.URL)
	}
	if len(down) > 0 {
		return fmt.Errorf("not ready: %s", strings.Join(down, ", "))
	}
	return nil
}
