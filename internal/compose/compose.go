package compose

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/devstack-io/devstack/internal/runner"
)

// Manager drives an externally defined docker compose stack. The stack
// is a hard dependency of the application processes, so a missing or
// unparsable definition aborts the whole start sequence.
type Manager struct {
	Runner runner.Runner
	Log    *slog.Logger
}

// Services resolves the member service names from the stack definition.
func Services(stackFile string) ([]string, error) {
	data, err := os.ReadFile(stackFile)
	if err != nil {
		return nil, fmt.Errorf("read stack definition: %w", err)
	}
	var doc struct {
		Services map[string]yaml.Node `yaml:"services"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse stack definition %s: %w", stackFile, err)
	}
	if len(doc.Services) == 0 {
		return nil, fmt.Errorf("stack definition %s declares no services", stackFile)
	}
	names := make([]string, 0, len(doc.Services))
	for name := range doc.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Up starts the stack and returns its member service names. Invoking it
// against an already running stack leaves the containers unchanged, so
// the call is idempotent.
func (m *Manager) Up(ctx context.Context, stackFile string) ([]string, error) {
	services, err := Services(stackFile)
	if err != nil {
		return nil, err
	}
	res, err := m.Runner.Run(ctx, "docker", "compose", "-f", stackFile, "up", "-d")
	if err != nil {
		return nil, fmt.Errorf("compose up: %w", err)
	}
	if !res.Ok() {
		return nil, fmt.Errorf("compose up: %s", strings.TrimSpace(res.Stderr))
	}
	m.Log.Info("stack up", "file", stackFile, "services", strings.Join(services, ","))
	return services, nil
}

// Down stops and removes the stack containers.
func (m *Manager) Down(ctx context.Context, stackFile string) error {
	res, err := m.Runner.Run(ctx, "docker", "compose", "-f", stackFile, "down")
	if err != nil {
		return fmt.Errorf("compose down: %w", err)
	}
	if !res.Ok() {
		return fmt.Errorf("compose down: %s", strings.TrimSpace(res.Stderr))
	}
	m.Log.Info("stack down", "file", stackFile)
	return nil
}
