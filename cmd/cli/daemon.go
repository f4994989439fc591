package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/freeip/internal/daemon"
	"github.com/anstrom/freeip/internal/logging"
)

const (
	// Daemon operation constants.
	daemonStopPollInterval = 200 * time.Millisecond
	statusLineLength       = 30 // characters for status separator line
)

var (
	daemonPidFile     string
	serveScanOnStart  bool
	daemonStopTimeout time.Duration
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the freeip daemon in the foreground",
	Long: `Run the freeip daemon: the engine, the HTTP and WebSocket API and the
Prometheus endpoint. SIGTERM or Ctrl-C stop it gracefully, SIGUSR1 logs its
status and SIGUSR2 requests a scan.`,
	Example: `  freeip serve
  freeip serve --config /etc/freeip/config.yaml --scan-on-start`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

// daemonCmd groups commands that control a running daemon.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Control a running freeip daemon",
	Long: `Inspect and control a daemon started with 'freeip serve' through its
PID file and signals.`,
	Example: `  freeip daemon status
  freeip daemon scan
  freeip daemon stop`,
}

// daemonStatusCmd represents the daemon status command.
var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check whether the daemon is running",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

// daemonStopCmd represents the daemon stop command.
var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

// daemonScanCmd represents the daemon scan command.
var daemonScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Ask the running daemon to start a scan",
	Args:  cobra.NoArgs,
	RunE:  runDaemonScan,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonScanCmd)

	serveCmd.Flags().BoolVar(&serveScanOnStart, "scan-on-start", false, "Start a scan once the daemon is up")
	serveCmd.Flags().StringVar(&daemonPidFile, "pid-file", "", "Path to PID file (overrides daemon.pid_file)")

	daemonCmd.PersistentFlags().StringVar(&daemonPidFile, "pid-file", "", "Path to PID file (overrides daemon.pid_file)")
	daemonStopCmd.Flags().DurationVar(&daemonStopTimeout, "timeout", 30*time.Second, "How long to wait for the daemon to exit")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if daemonPidFile != "" {
		cfg.Daemon.PIDFile = daemonPidFile
	}
	if serveScanOnStart {
		cfg.Daemon.ScanOnStart = true
	}

	if verbose {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Starting daemon with configuration:\n")
		fmt.Fprintf(out, "  Probe: %s\n", cfg.Probe.Path)
		fmt.Fprintf(out, "  Store: %s\n", cfg.Store.Backend)
		fmt.Fprintf(out, "  PID file: %s\n", cfg.Daemon.PIDFile)
		if cfg.API.Enabled {
			fmt.Fprintf(out, "  API: http://%s\n", cfg.GetAPIAddress())
		}
	}

	d := daemon.New(cfg, logging.Default())
	if err := d.Start(); err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return nil
}

// pidFilePath resolves the PID file from the flag or the configuration.
func pidFilePath() (string, error) {
	if daemonPidFile != "" {
		return daemonPidFile, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", fmt.Errorf("error loading config: %w", err)
	}
	if cfg.Daemon.PIDFile == "" {
		return "", fmt.Errorf("daemon.pid_file is not configured; pass --pid-file")
	}
	return cfg.Daemon.PIDFile, nil
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	displayDaemonStatus(cmd.OutOrStdout(), path, time.Now())
	return nil
}

func displayDaemonStatus(out io.Writer, path string, now time.Time) {
	fmt.Fprintf(out, "freeip daemon status\n")
	fmt.Fprintln(out, strings.Repeat("=", statusLineLength))

	pid, err := readPIDFile(path)
	if os.IsNotExist(err) {
		fmt.Fprintf(out, "Status: Not running\n")
		fmt.Fprintf(out, "PID file: %s (not found)\n", path)
		return
	}
	if err != nil {
		fmt.Fprintf(out, "Status: Unknown (error reading PID file: %v)\n", err)
		return
	}
	if !processAlive(pid) {
		fmt.Fprintf(out, "Status: Not running (process not responding)\n")
		fmt.Fprintf(out, "PID file: %s (stale)\n", path)
		return
	}

	fmt.Fprintf(out, "Status: Running\n")
	fmt.Fprintf(out, "PID: %d\n", pid)
	fmt.Fprintf(out, "PID file: %s\n", path)
	if info, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "Started: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
		fmt.Fprintf(out, "Uptime: %s\n", now.Sub(info.ModTime()).Round(time.Second))
	}
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	pid, err := runningDaemonPID(path)
	if err != nil {
		return err
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("error sending stop signal to daemon: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stopping daemon (PID %d)...\n", pid)

	deadline := time.Now().Add(daemonStopTimeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			fmt.Fprintln(cmd.OutOrStdout(), "Daemon stopped successfully")
			return nil
		}
		time.Sleep(daemonStopPollInterval)
	}
	return fmt.Errorf("daemon (PID %d) did not stop within %s", pid, daemonStopTimeout)
}

func runDaemonScan(cmd *cobra.Command, _ []string) error {
	path, err := pidFilePath()
	if err != nil {
		return err
	}
	pid, err := runningDaemonPID(path)
	if err != nil {
		return err
	}

	if err := syscall.Kill(pid, syscall.SIGUSR2); err != nil {
		return fmt.Errorf("error sending scan signal to daemon: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Scan requested from daemon (PID %d)\n", pid)
	return nil
}

func runningDaemonPID(path string) (int, error) {
	pid, err := readPIDFile(path)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("daemon is not running (no PID file found at %s)", path)
	}
	if err != nil {
		return 0, err
	}
	if !processAlive(pid) {
		return 0, fmt.Errorf("daemon is not running (stale PID file %s)", path)
	}
	return pid, nil
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// processAlive sends signal 0 to pid.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, syscall.Signal(0)) == nil
}
