package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/devstack-io/devstack/internal/config"
	"github.com/devstack-io/devstack/internal/patch"
)

// Setup performs the one-time bootstrap: it creates the working
// directories and writes the tunnel and daemon config files when they
// do not exist yet. Existing files are left untouched so local edits
// survive a re-run.
func Setup(cfg *config.Config, log *slog.Logger) error {
	for _, dir := range []string{cfg.HomeDir, cfg.LogDir, cfg.DaemonHome} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	wrote, err := writeIfMissing(cfg.TunnelConfig, tunnelConfig(cfg))
	if err != nil {
		return fmt.Errorf("write tunnel config: %w", err)
	}
	if wrote {
		log.Info("tunnel config written", "path", cfg.TunnelConfig)
	}

	initial, err := initialDaemonConfig(cfg)
	if err != nil {
		return err
	}
	wrote, err = writeIfMissing(cfg.DaemonConfig, initial)
	if err != nil {
		return fmt.Errorf("write daemon config: %w", err)
	}
	if wrote {
		log.Info("daemon config written", "path", cfg.DaemonConfig)
	}

	log.Info("setup complete", "home", cfg.HomeDir)
	return nil
}

// tunnelConfig renders the key/value frps server configuration.
func tunnelConfig(cfg *config.Config) []byte {
	return []byte(fmt.Sprintf(
		"bind_port = %d\ndashboard_port = %d\ndashboard_user = %s\ndashboard_pwd = %s\n",
		cfg.TunnelBindPort, cfg.TunnelDashboardPort,
		cfg.TunnelDashboardUser, cfg.TunnelDashboardPwd))
}

// initialDaemonConfig renders the minimal daemon JSON config. start-all
// keeps it wired to the tunnel through the config patcher afterwards.
func initialDaemonConfig(cfg *config.Config) ([]byte, error) {
	doc := map[string]any{
		"frps": map[string]any{
			"domain":   cfg.TunnelDomain,
			"port":     cfg.TunnelBindPort,
			"protocol": cfg.TunnelProtocol,
		},
		"loginFailExit": false,
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

func writeIfMissing(path string, data []byte) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}
	if err := patch.WriteAtomic(path, data); err != nil {
		return false, err
	}
	return true, nil
}
