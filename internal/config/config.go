// Package config loads brsync configuration from a YAML file, environment
// variables, and flags, in increasing order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the resolved brsync configuration.
type Config struct {
	// BaseURL is the BuildRunner backend base URL.
	BaseURL string `yaml:"base_url"`

	// Token is the bearer token for backend requests.
	Token string `yaml:"token"`

	// DBPath is the SQLite database location.
	DBPath string `yaml:"db_path"`

	// UploadDir is the drop directory watched for file uploads. Empty
	// disables the watcher.
	UploadDir string `yaml:"upload_dir"`

	// ProjectID is the default project for enqueued mutations.
	ProjectID string `yaml:"project_id"`

	// DashboardAddr is the dashboard listen address. Empty disables the
	// dashboard.
	DashboardAddr string `yaml:"dashboard_addr"`

	// LogFile is the daemon log location. Empty logs to stderr.
	LogFile string `yaml:"log_file"`

	// PollInterval is the queue polling cadence.
	PollInterval time.Duration `yaml:"poll_interval"`

	// RequestTimeout is the per-request HTTP timeout.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Init wires viper's environment and file sources. Call once from the CLI
// before Load.
func Init(cfgFile string) {
	viper.SetEnvPrefix("BRSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(DefaultConfigDir())
	}

	// A missing config file is fine; env and defaults still apply.
	_ = viper.ReadInConfig()
}

func setDefaults() {
	viper.SetDefault("base_url", "https://api.buildrunner.dev")
	viper.SetDefault("db_path", filepath.Join(DefaultConfigDir(), "brsync.db"))
	viper.SetDefault("dashboard_addr", "127.0.0.1:8475")
	viper.SetDefault("poll_interval", time.Second)
	viper.SetDefault("request_timeout", 30*time.Second)
}

// Load resolves the effective configuration.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:        viper.GetString("base_url"),
		Token:          viper.GetString("token"),
		DBPath:         viper.GetString("db_path"),
		UploadDir:      viper.GetString("upload_dir"),
		ProjectID:      viper.GetString("project_id"),
		DashboardAddr:  viper.GetString("dashboard_addr"),
		LogFile:        viper.GetString("log_file"),
		PollInterval:   viper.GetDuration("poll_interval"),
		RequestTimeout: viper.GetDuration("request_timeout"),
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base_url is required")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("db_path is required")
	}
	return cfg, nil
}

// DefaultConfigDir returns the per-user brsync directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".brsync"
	}
	return filepath.Join(home, ".brsync")
}

// WriteDefault renders a commented starter config file at path. It refuses
// to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	cfg := Config{
		BaseURL:        "https://api.buildrunner.dev",
		DBPath:         filepath.Join(DefaultConfigDir(), "brsync.db"),
		UploadDir:      "",
		DashboardAddr:  "127.0.0.1:8475",
		PollInterval:   time.Second,
		RequestTimeout: 30 * time.Second,
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	header := "# brsync configuration.\n" +
		"# Every key can also be set via BRSYNC_<KEY> environment variables,\n" +
		"# e.g. BRSYNC_TOKEN or BRSYNC_BASE_URL.\n\n"

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
