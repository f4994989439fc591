// Package cli provides command-line interface commands for freeip.
// This package implements the Cobra-based CLI structure with commands for
// foreground scans, cached results, range settings and the daemon.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apihandlers "github.com/anstrom/freeip/internal/api/handlers"
	"github.com/anstrom/freeip/internal/config"
	"github.com/anstrom/freeip/internal/logging"
)

// envPrefix namespaces configuration overrides in the environment,
// e.g. FREEIP_PROBE_PATH or FREEIP_STORE_BACKEND.
const envPrefix = "FREEIP"

var (
	cfgFile string
	verbose bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// overridable lists the configuration keys viper may override from the
// environment or the config file it found.
var overridable = []string{
	"probe.path",
	"store.backend",
	"store.file_path",
	"api.listen_addr",
	"api.port",
	"logging.level",
	"logging.format",
	"logging.output",
	"daemon.pid_file",
	"daemon.scan_on_start",
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "freeip",
	Short: "Find and cache free IPv4 addresses",
	Long: `freeip runs an external probe that prints the free IPv4 addresses
of a network, keeps them sorted by last octet and caches them for 24 hours.
Scans can be run in the foreground or served by a daemon with an HTTP and
WebSocket API.`,
	Version:      getVersion(),
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Bind flags to viper
	if err := viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind verbose flag: %v\n", err)
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in the current directory, then the system one.
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/freeip")
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	// Read in environment variables that match
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		if verbose {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	// Initialize structured logging after config is loaded
	initLogging()
}

// loadConfig loads the config file viper found, applies environment
// overrides and validates the result.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if path := viper.ConfigFileUsed(); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	applyOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	for _, key := range overridable {
		if !viper.IsSet(key) {
			continue
		}
		switch key {
		case "probe.path":
			cfg.Probe.Path = viper.GetString(key)
		case "store.backend":
			cfg.Store.Backend = viper.GetString(key)
		case "store.file_path":
			cfg.Store.FilePath = viper.GetString(key)
		case "api.listen_addr":
			cfg.API.ListenAddr = viper.GetString(key)
		case "api.port":
			cfg.API.Port = viper.GetInt(key)
		case "logging.level":
			cfg.Logging.Level = viper.GetString(key)
		case "logging.format":
			cfg.Logging.Format = viper.GetString(key)
		case "logging.output":
			cfg.Logging.Output = viper.GetString(key)
		case "daemon.pid_file":
			cfg.Daemon.PIDFile = viper.GetString(key)
		case "daemon.scan_on_start":
			cfg.Daemon.ScanOnStart = viper.GetBool(key)
		}
	}
	if verbose {
		cfg.Logging.Level = string(logging.LevelDebug)
	}
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
	apihandlers.SetBuildInfo(v, c, bt)
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := loadConfig()
	if err != nil {
		// If config loading fails, use default logging
		logging.SetDefault(logging.NewDefault())
		return
	}

	logger, err := logging.New(cfg.LoggingOptions())
	if err != nil {
		// Fall back to default if creation fails
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}

	logging.SetDefault(logger)

	if verbose {
		logging.Info("Structured logging initialized", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	}
}

// commandLogger returns the logger for foreground commands. Their stdout
// carries results, so unless --verbose is given only warnings reach
// stderr.
func commandLogger(errOut io.Writer) *logging.Logger {
	if verbose {
		return logging.Default()
	}
	return logging.NewWithWriter(logging.Config{
		Level:  logging.LevelWarn,
		Format: logging.FormatText,
	}, errOut)
}
