// Package config loads the freeip YAML configuration file.
package config

import (
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/freeip/internal/db"
	"github.com/anstrom/freeip/internal/errors"
	"github.com/anstrom/freeip/internal/logging"
	"github.com/anstrom/freeip/internal/store"
)

const (
	configDirPerm  = 0750
	configFilePerm = 0600
)

// Config represents the complete freeip configuration
type Config struct {
	Probe   ProbeConfig   `yaml:"probe" json:"probe"`
	Store   StoreConfig   `yaml:"store" json:"store"`
	API     APIConfig     `yaml:"api" json:"api"`
	Daemon  DaemonConfig  `yaml:"daemon" json:"daemon"`
	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ProbeConfig holds probe settings
type ProbeConfig struct {
	// Executable launched for every scan, without arguments
	Path string `yaml:"path" json:"path" validate:"required"`

	// Export the stored range settings as FREEIP_* variables
	PassSettings bool `yaml:"pass_settings" json:"pass_settings"`
}

// StoreConfig selects where the cache and settings are kept
type StoreConfig struct {
	// Backend is one of memory, file, postgres
	Backend string `yaml:"backend" json:"backend" validate:"oneof=memory file postgres"`

	// YAML document used by the file backend
	FilePath string `yaml:"file_path" json:"file_path" validate:"required_if=Backend file"`

	// Upper bound for a single store operation
	Timeout time.Duration `yaml:"timeout" json:"timeout" validate:"gt=0"`

	// Connection settings for the postgres backend
	Postgres db.Config `yaml:"postgres" json:"postgres" validate:"-"`
}

// APIConfig holds API server settings
type APIConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	ListenAddr string `yaml:"listen_addr" json:"listen_addr" validate:"required_if=Enabled true"`

	Port int `yaml:"port" json:"port" validate:"min=1,max=65535"`

	CORS CORSConfig `yaml:"cors" json:"cors"`

	Auth AuthConfig `yaml:"auth" json:"auth"`

	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout" validate:"gte=0"`

	// Maximum request body size in bytes
	MaxRequestSize int64 `yaml:"max_request_size" json:"max_request_size" validate:"min=1"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// AuthConfig holds API key settings
type AuthConfig struct {
	// Require an API key on every route except liveness, health, version
	// and metrics
	Enabled bool `yaml:"enabled" json:"enabled"`

	// bcrypt hashes printed by 'freeip apikey generate'
	KeyHashes []string `yaml:"key_hashes,omitempty" json:"-" validate:"required_if=Enabled true,dive,required"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	// PID file location, empty to disable
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`

	// Start a scan as soon as the daemon is up
	ScanOnStart bool `yaml:"scan_on_start" json:"scan_on_start"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format    string `yaml:"format" json:"format" validate:"oneof=text json"`
	Output    string `yaml:"output" json:"output" validate:"required"`
	AddSource bool   `yaml:"add_source" json:"add_source"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// HTTP path the exposition is served on
	Path string `yaml:"path" json:"path" validate:"required_if=Enabled true"`

	// How often system gauges are refreshed
	UpdateInterval time.Duration `yaml:"update_interval" json:"update_interval" validate:"gte=0"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Probe: ProbeConfig{
			Path:         "/usr/libexec/freeip/probe",
			PassSettings: true,
		},
		Store: StoreConfig{
			Backend:  store.BackendFile,
			FilePath: "/var/lib/freeip/state.yaml",
			Timeout:  5 * time.Second,
			Postgres: db.DefaultConfig(),
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1",
			Port:       8080,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization", "X-API-Key"},
			},
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxRequestSize: 64 * 1024,
		},
		Daemon: DaemonConfig{
			PIDFile:         "/var/run/freeip.pid",
			ShutdownTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Path:           "/metrics",
			UpdateInterval: 15 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // path is operator supplied
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, "Failed to read config file", err)
	}

	// JSON is a subset of YAML, so one decoder serves both.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapConfigError(errors.CodeConfiguration, fmt.Sprintf("Failed to parse config file %s", path), err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), configDirPerm); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, configFilePerm); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks every section. The postgres section is only checked
// when it is the selected backend.
func (c *Config) Validate() error {
	v := validator.New()

	if err := v.Struct(c); err != nil {
		return validationError(err)
	}
	if c.Store.Backend == store.BackendPostgres {
		if err := v.Struct(&c.Store.Postgres); err != nil {
			return validationError(err)
		}
	}
	return nil
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if stderrors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &errors.ConfigError{
			Code:    errors.CodeValidation,
			Message: fmt.Sprintf("Invalid configuration: %s failed %q", fe.Namespace(), fe.Tag()),
			Field:   fe.Namespace(),
			Value:   fe.Value(),
			Cause:   err,
		}
	}
	return errors.WrapConfigError(errors.CodeValidation, "Invalid configuration", err)
}

// StoreOptions converts the store section for store.Open.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Backend:  c.Store.Backend,
		FilePath: c.Store.FilePath,
		Postgres: c.Store.Postgres,
	}
}

// LoggingOptions converts the logging section for logging.New.
func (c *Config) LoggingOptions() logging.Config {
	return logging.Config{
		Level:     logging.LogLevel(c.Logging.Level),
		Format:    logging.LogFormat(c.Logging.Format),
		Output:    c.Logging.Output,
		AddSource: c.Logging.AddSource,
	}
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return net.JoinHostPort(c.API.ListenAddr, strconv.Itoa(c.API.Port))
}
