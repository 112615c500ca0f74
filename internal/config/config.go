package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

/**
 * Server configuration parameters
 * @property {string} address - Control API listening address (e.g. ":4333")
 * @property {string} mode - Gin mode (debug/release/test)
 */
type ServerConfig struct {
	Address string `mapstructure:"address"`
	Mode    string `mapstructure:"mode"`
}

/**
 * Logging configuration
 * @property {string} level - Log level (debug/info/warn/error)
 * @property {string} path - Log file path, "console" for stdout only
 */
type LogConfig struct {
	Level string `mapstructure:"level"`
	Path  string `mapstructure:"path"`
}

/**
 * Application configuration
 * @property {int} idle_timeout - Seconds without traffic before an app is put to sleep
 * @property {int} poll_interval - Seconds between supervisor ticks
 * @property {int} startup_timeout - Seconds an app may stay in starting before being abandoned
 * @property {int} max_retries - Extra attempts for external commands
 * @property {string} state_dir - Directory holding state.yml and request timestamp files
 * @property {string} own_hostname - Hostname of the napper itself, never managed
 * @property {string} proxy_container - Name of the kamal-proxy container whose log is scanned
 * @property {string} access_log_dir - Optional directory of plain access logs (fallback source)
 */
type AppConfig struct {
	IdleTimeout        int    `mapstructure:"idle_timeout"`
	PollInterval       int    `mapstructure:"poll_interval"`
	StartupTimeout     int    `mapstructure:"startup_timeout"`
	MaxRetries         int    `mapstructure:"max_retries"`
	HealthCheckPort    int    `mapstructure:"health_check_port"`
	HealthCheckPath    string `mapstructure:"health_check_path"`
	HealthCheckTimeout int    `mapstructure:"health_check_timeout"`
	StateDir           string `mapstructure:"state_dir"`
	OwnHostname        string `mapstructure:"own_hostname"`
	ProxyContainer     string `mapstructure:"proxy_container"`
	AccessLogDir       string `mapstructure:"access_log_dir"`

	// Maintenance toggles are command templates executed through the
	// runner; {{.Proxy}}, {{.Service}} and {{.Host}} are substituted.
	MaintenanceOnCommand  string `mapstructure:"maintenance_on_command"`
	MaintenanceOffCommand string `mapstructure:"maintenance_off_command"`

	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// ConfigError reports an invalid or missing configuration value. It is
// fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s %s", e.Field, e.Reason)
}

func (c *AppConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(c.IdleTimeout) * time.Second
}

func (c *AppConfig) PollIntervalDuration() time.Duration {
	return time.Duration(c.PollInterval) * time.Second
}

func (c *AppConfig) StartupTimeoutDuration() time.Duration {
	return time.Duration(c.StartupTimeout) * time.Second
}

func (c *AppConfig) HealthCheckTimeoutDuration() time.Duration {
	return time.Duration(c.HealthCheckTimeout) * time.Second
}

/**
 * Validate configuration values
 * @returns {error} ConfigError describing the first invalid field, nil when valid
 * @description
 * - Every timer field must be strictly positive
 * - max_retries may be zero but not negative
 * - state_dir must be set (a default is filled in by Load)
 */
func (c *AppConfig) Validate() error {
	if c.IdleTimeout <= 0 {
		return &ConfigError{Field: "idle_timeout", Reason: "must be positive"}
	}
	if c.PollInterval <= 0 {
		return &ConfigError{Field: "poll_interval", Reason: "must be positive"}
	}
	if c.StartupTimeout <= 0 {
		return &ConfigError{Field: "startup_timeout", Reason: "must be positive"}
	}
	if c.HealthCheckTimeout <= 0 {
		return &ConfigError{Field: "health_check_timeout", Reason: "must be positive"}
	}
	if c.HealthCheckPort <= 0 {
		return &ConfigError{Field: "health_check_port", Reason: "must be positive"}
	}
	if c.MaxRetries < 0 {
		return &ConfigError{Field: "max_retries", Reason: "must not be negative"}
	}
	if c.StateDir == "" {
		return &ConfigError{Field: "state_dir", Reason: "must be set"}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("idle_timeout", 900)
	v.SetDefault("poll_interval", 10)
	v.SetDefault("startup_timeout", 60)
	v.SetDefault("max_retries", 3)
	v.SetDefault("health_check_port", 80)
	v.SetDefault("health_check_path", "/health")
	v.SetDefault("health_check_timeout", 10)
	v.SetDefault("state_dir", "")
	v.SetDefault("own_hostname", "")
	v.SetDefault("proxy_container", "kamal-proxy")
	v.SetDefault("access_log_dir", "")
	v.SetDefault("maintenance_on_command", "docker exec {{.Proxy}} kamal-proxy pause {{.Service}}")
	v.SetDefault("maintenance_off_command", "docker exec {{.Proxy}} kamal-proxy resume {{.Service}}")
	v.SetDefault("server.address", ":4333")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.path", "console")
}

/**
 * Load application configuration
 * @param {string} path - Explicit config file path, empty for the search path
 * @returns {*AppConfig} Parsed configuration with defaults and env overrides applied
 * @returns {error} Parse error; a missing config file is not an error
 * @description
 * - Defaults are registered first, then the YAML file is overlaid
 * - Every key can be overridden by KAMAL_NAPPER_<UPPER_KEY> in the
 *   environment; nested keys replace "." with "_"
 */
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("KAMAL_NAPPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".kamal-napper"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing file just means defaults + env; anything else is fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, err
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	collectConfig(&cfg)
	return &cfg, nil
}

func collectConfig(cfg *AppConfig) *AppConfig {
	if cfg.StateDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = os.TempDir()
		}
		cfg.StateDir = filepath.Join(home, ".kamal-napper")
	}
	return cfg
}

var Config AppConfig

var configPath string

// App returns the process-wide configuration.
func App() *AppConfig {
	return &Config
}

// SetConfigPath pins the config file used by ReloadConfig and loads it.
// Called from the root command before anything else runs.
func SetConfigPath(path string) error {
	configPath = path
	return ReloadConfig()
}

// ReloadConfig re-reads the config file and replaces the process-wide
// configuration.
func ReloadConfig() error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	Config = *cfg
	return nil
}

func init() {
	cfg, err := LoadConfig("")
	if err == nil {
		Config = *cfg
	} else {
		collectConfig(&Config)
	}
}
