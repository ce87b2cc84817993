package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every knob the orchestrator and its components need.
// It is built exactly once at CLI entry; components never read the
// environment themselves.
type Config struct {
	HomeDir    string `mapstructure:"home_dir"`
	LogDir     string `mapstructure:"log_dir"`
	RecordFile string `mapstructure:"record_file"`
	HistoryDB  string `mapstructure:"history_db"`

	DaemonHome   string `mapstructure:"daemon_home"`
	DaemonConfig string `mapstructure:"daemon_config"`
	DaemonBinary string `mapstructure:"daemon_binary"`
	DaemonHost   string `mapstructure:"daemon_host"`
	DaemonPort   int    `mapstructure:"daemon_port"`

	StackFile string `mapstructure:"stack_file"`

	TunnelName          string `mapstructure:"tunnel_name"`
	TunnelImage         string `mapstructure:"tunnel_image"`
	TunnelConfig        string `mapstructure:"tunnel_config"`
	TunnelBindPort      int    `mapstructure:"tunnel_bind_port"`
	TunnelDashboardPort int    `mapstructure:"tunnel_dashboard_port"`
	TunnelDashboardUser string `mapstructure:"tunnel_dashboard_user"`
	TunnelDashboardPwd  string `mapstructure:"tunnel_dashboard_pwd"`
	TunnelDomain        string `mapstructure:"tunnel_domain"`
	TunnelProtocol      string `mapstructure:"tunnel_protocol"`

	APIHost    string `mapstructure:"api_host"`
	APIPort    int    `mapstructure:"api_port"`
	APICommand string `mapstructure:"api_command"`
	APIWorkDir string `mapstructure:"api_workdir"`
	UIHost     string `mapstructure:"ui_host"`
	UIPort     int    `mapstructure:"ui_port"`
	UICommand  string `mapstructure:"ui_command"`
	UIWorkDir  string `mapstructure:"ui_workdir"`

	ProbeAttempts int           `mapstructure:"probe_attempts"`
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	StopGrace     time.Duration `mapstructure:"stop_grace"`
}

// Load builds the configuration from defaults, an optional config file
// and DEVSTACK_* environment variables, in ascending precedence of
// default < file < environment.
func Load(configFile string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve user home: %w", err)
	}
	base := filepath.Join(home, ".devstack")

	v := viper.New()
	v.SetEnvPrefix("DEVSTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("home_dir", base)
	v.SetDefault("log_dir", filepath.Join(base, "logs"))
	v.SetDefault("record_file", filepath.Join(base, "devstack.pids"))
	v.SetDefault("history_db", filepath.Join(base, "history.db"))

	v.SetDefault("daemon_home", filepath.Join(home, ".sandboxd"))
	v.SetDefault("daemon_binary", "sandboxd")
	v.SetDefault("daemon_host", "127.0.0.1")
	v.SetDefault("daemon_port", 8090)

	v.SetDefault("stack_file", "docker-compose.yml")

	v.SetDefault("tunnel_name", "devstack-frps")
	v.SetDefault("tunnel_image", "fatedier/frps:v0.61.0")
	v.SetDefault("tunnel_config", filepath.Join(base, "frps.toml"))
	v.SetDefault("tunnel_bind_port", 7000)
	v.SetDefault("tunnel_dashboard_port", 7500)
	v.SetDefault("tunnel_dashboard_user", "admin")
	v.SetDefault("tunnel_dashboard_pwd", "admin")
	v.SetDefault("tunnel_domain", "localhost")
	v.SetDefault("tunnel_protocol", "tcp")

	v.SetDefault("api_host", "127.0.0.1")
	v.SetDefault("api_port", 8000)
	v.SetDefault("api_command", "uvicorn app.main:app --host 0.0.0.0 --port 8000")
	v.SetDefault("api_workdir", "backend")
	v.SetDefault("ui_host", "127.0.0.1")
	v.SetDefault("ui_port", 3000)
	v.SetDefault("ui_command", "npm run dev")
	v.SetDefault("ui_workdir", "frontend")

	v.SetDefault("probe_attempts", 30)
	v.SetDefault("probe_interval", 2*time.Second)
	v.SetDefault("stop_grace", 3*time.Second)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DaemonConfig == "" {
		cfg.DaemonConfig = filepath.Join(cfg.DaemonHome, "config.json")
	}
	return &cfg, nil
}

// TunnelDashboardURL is the readiness endpoint of the frps dashboard.
func (c *Config) TunnelDashboardURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/healthz", c.TunnelDashboardPort)
}

// DaemonHealthURL is the local health endpoint of the sandbox daemon.
func (c *Config) DaemonHealthURL() string {
	return fmt.Sprintf("http://%s:%d/health", c.DaemonHost, c.DaemonPort)
}

// APIHealthURL is the health endpoint of the API service.
func (c *Config) APIHealthURL() string {
	return fmt.Sprintf("http://%s:%d/api/health", c.APIHost, c.APIPort)
}

// UIURL is the root endpoint of the UI service.
func (c *Config) UIURL() string {
	return fmt.Sprintf("http://%s:%d/", c.UIHost, c.UIPort)
}
