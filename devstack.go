package devstack

import (
	"io"
	"log/slog"

	"github.com/devstack-io/devstack/internal/config"
	"github.com/devstack-io/devstack/internal/logger"
	"github.com/devstack-io/devstack/internal/orchestrator"
	"github.com/devstack-io/devstack/internal/probe"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Orchestrator = orchestrator.Orchestrator

type State = orchestrator.State

type StageError = orchestrator.StageError

type ServiceDescriptor = orchestrator.ServiceDescriptor

type ProbeResult = probe.Result

// LoadConfig builds the configuration from defaults, an optional config
// file and DEVSTACK_* environment variables.
func LoadConfig(configFile string) (*Config, error) {
	return config.Load(configFile)
}

// New wires an orchestrator from real components.
func New(cfg *Config, log *slog.Logger) *Orchestrator {
	return orchestrator.New(cfg, log)
}

// Setup creates the working directories and default config files.
func Setup(cfg *Config, log *slog.Logger) error {
	return orchestrator.Setup(cfg, log)
}

// Descriptors lists the readiness endpoints of every stack member.
func Descriptors(cfg *Config) []ServiceDescriptor {
	return orchestrator.Descriptors(cfg)
}

// NewLogger builds the colored text logger used by the CLI.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return logger.New(w, level)
}

// NewProber returns the HTTP readiness prober with default timeouts.
func NewProber() *probe.Prober {
	return probe.New()
}
