//go:build unix

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/freeip/internal/address"
	"github.com/anstrom/freeip/internal/auth"
	"github.com/anstrom/freeip/internal/cache"
	"github.com/anstrom/freeip/internal/config"
	"github.com/anstrom/freeip/internal/session"
	"github.com/anstrom/freeip/internal/settings"
	"github.com/anstrom/freeip/internal/store"
)

type testEnv struct {
	configPath string
	storePath  string
	pidFile    string
}

// newTestEnv writes a config file using a file store and the given probe
// script in a temporary directory.
func newTestEnv(t *testing.T, probeBody string) testEnv {
	t.Helper()
	dir := t.TempDir()

	probe := filepath.Join(dir, "probe.sh")
	require.NoError(t, os.WriteFile(probe, []byte("#!/bin/sh\n"+probeBody+"\n"), 0o755))

	env := testEnv{
		configPath: filepath.Join(dir, "config.yaml"),
		storePath:  filepath.Join(dir, "state.yaml"),
		pidFile:    filepath.Join(dir, "freeip.pid"),
	}

	cfg := config.Default()
	cfg.Probe.Path = probe
	cfg.Probe.PassSettings = false
	cfg.Store.Backend = store.BackendFile
	cfg.Store.FilePath = env.storePath
	cfg.Daemon.PIDFile = env.pidFile
	cfg.Logging.Output = "stderr"
	require.NoError(t, cfg.Save(env.configPath))
	return env
}

// executeCommand runs the root command with args and returns its stdout.
func executeCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetCommandState()
	t.Cleanup(resetCommandState)

	var out, errOut bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(args)

	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetCommandState() {
	viper.Reset()
	cfgFile = ""
	verbose = false
	scanProbe = ""
	scanQuiet = false
	resultsJSON = false
	interfacesJSON = false
	daemonPidFile = ""
	serveScanOnStart = false
	daemonStopTimeout = 30 * time.Second
	apiKeyOutput = "text"
}

func TestScanCommand(t *testing.T) {
	env := newTestEnv(t, "echo 10.0.0.9\necho scanning...\necho 10.0.0.5")

	out, err := executeCommand(t, "scan", "--config", env.configPath)
	require.NoError(t, err)

	assert.Contains(t, out, "Scanning with ")
	assert.Contains(t, out, "10.0.0.9\n")
	assert.Contains(t, out, "10.0.0.5\n")
	assert.NotContains(t, out, "scanning...")
	assert.Contains(t, out, "Scan completed: 2 free address(es)")

	st, err := store.OpenFile(env.storePath)
	require.NoError(t, err)
	defer st.Close()
	raw, err := st.Get(context.Background(), cache.KeyAddresses)
	require.NoError(t, err)
	assert.JSONEq(t, `["10.0.0.5","10.0.0.9"]`, raw)
}

func TestScanCommandQuiet(t *testing.T) {
	env := newTestEnv(t, "echo 10.0.0.20\necho 10.0.0.3")

	out, err := executeCommand(t, "scan", "--quiet", "--config", env.configPath)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.20\n10.0.0.3\n", out, "addresses in discovery order, nothing else")
}

func TestScanCommandProbeOverride(t *testing.T) {
	env := newTestEnv(t, "echo 10.0.0.1")

	other := filepath.Join(t.TempDir(), "other.sh")
	require.NoError(t, os.WriteFile(other, []byte("#!/bin/sh\necho 172.16.0.7\n"), 0o755))

	out, err := executeCommand(t, "scan", "-q", "--probe", other, "--config", env.configPath)
	require.NoError(t, err)
	assert.Equal(t, "172.16.0.7\n", out)
}

func TestScanCommandEmptyAndFailed(t *testing.T) {
	t.Run("no addresses", func(t *testing.T) {
		env := newTestEnv(t, "echo nothing free")
		out, err := executeCommand(t, "scan", "--config", env.configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Scan completed: no free addresses")
	})

	t.Run("probe fails", func(t *testing.T) {
		env := newTestEnv(t, "exit 3")
		out, err := executeCommand(t, "scan", "--config", env.configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Scan failed")
		assert.Contains(t, out, "before reporting results")
	})

	t.Run("probe fails after reporting", func(t *testing.T) {
		env := newTestEnv(t, "echo 10.0.0.8; exit 3")
		out, err := executeCommand(t, "scan", "--config", env.configPath)
		require.NoError(t, err)
		assert.Contains(t, out, "Scan failed: the probe exited with an error, 1 partial result(s) kept")
		assert.NotContains(t, out, "Scan completed")
	})

	t.Run("probe missing", func(t *testing.T) {
		env := newTestEnv(t, "exit 0")
		_, err := executeCommand(t, "scan", "--probe", "/nonexistent/probe", "--config", env.configPath)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "scan could not be started")
	})
}

func TestProbePathFromEnvironment(t *testing.T) {
	env := newTestEnv(t, "echo 10.0.0.1")

	other := filepath.Join(t.TempDir(), "env.sh")
	require.NoError(t, os.WriteFile(other, []byte("#!/bin/sh\necho 10.1.1.1\n"), 0o755))
	t.Setenv("FREEIP_PROBE_PATH", other)

	out, err := executeCommand(t, "scan", "-q", "--config", env.configPath)
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1\n", out)
}

func TestResultsCommand(t *testing.T) {
	env := newTestEnv(t, "echo 192.168.1.40\necho 192.168.1.7")

	out, err := executeCommand(t, "results", "--config", env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No scan has completed yet")

	_, err = executeCommand(t, "scan", "-q", "--config", env.configPath)
	require.NoError(t, err)

	out, err = executeCommand(t, "results", "--config", env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "192.168.1.7")
	assert.Contains(t, out, "192.168.1.40")
	assert.Less(t, strings.Index(out, "192.168.1.7"), strings.Index(out, "192.168.1.40"))
	assert.Contains(t, out, "Status: fresh")

	out, err = executeCommand(t, "results", "--json", "--config", env.configPath)
	require.NoError(t, err)

	var entry cache.Entry
	require.NoError(t, json.Unmarshal([]byte(out), &entry))
	assert.Equal(t, []address.Address{"192.168.1.7", "192.168.1.40"}, entry.Addresses)
	assert.Equal(t, cache.HasResults, entry.Status)
	assert.False(t, entry.Expired)
	assert.NotZero(t, entry.LastUpdated)
}

func TestDisplayResults(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recorded := now.Add(-25 * time.Hour)

	t.Run("expired", func(t *testing.T) {
		var out bytes.Buffer
		displayResults(&out, cache.Entry{
			Addresses:   []address.Address{"10.0.0.2"},
			LastUpdated: uint64(recorded.UnixMilli()),
			Status:      cache.HasResults,
			Expired:     true,
		}, now)
		assert.Contains(t, out.String(), "10.0.0.2")
		assert.Contains(t, out.String(), "25h0m0s ago")
		assert.Contains(t, out.String(), "Status: expired")
	})

	t.Run("empty", func(t *testing.T) {
		var out bytes.Buffer
		displayResults(&out, cache.Entry{
			Addresses:   []address.Address{},
			LastUpdated: uint64(now.UnixMilli()),
			Status:      cache.Empty,
		}, now)
		assert.Contains(t, out.String(), "no free addresses")
		assert.Contains(t, out.String(), "Status: fresh")
	})
}

func TestFormatFreshness(t *testing.T) {
	now := time.Now()
	assert.Equal(t, "never", formatFreshness(0, now))
	assert.Contains(t, formatFreshness(uint64(now.Add(-90*time.Second).UnixMilli()), now), "(1m30s ago)")
	assert.Contains(t, formatFreshness(uint64(now.Add(time.Minute).UnixMilli()), now), "(0s ago)")
}

func TestSettingsCommands(t *testing.T) {
	env := newTestEnv(t, "exit 0")

	out, err := executeCommand(t, "settings", "get", settings.KeyPrefix, "--config", env.configPath)
	require.NoError(t, err)
	assert.Equal(t, settings.Default().Prefix+"\n", out)

	out, err = executeCommand(t, "settings", "set", settings.KeyPrefix, "10.20.30", "--config", env.configPath)
	require.NoError(t, err)
	assert.Equal(t, "prefix = 10.20.30\n", out)

	out, err = executeCommand(t, "settings", "get", settings.KeyPrefix, "--config", env.configPath)
	require.NoError(t, err)
	assert.Equal(t, "10.20.30\n", out)

	out, err = executeCommand(t, "settings", "list", "--config", env.configPath)
	require.NoError(t, err)
	for _, key := range settings.Keys() {
		assert.Contains(t, out, key)
		assert.Contains(t, out, settings.EnvName(key))
	}
	assert.Contains(t, out, "10.20.30")
}

func TestSettingsSetRejectsInvalid(t *testing.T) {
	env := newTestEnv(t, "exit 0")

	_, err := executeCommand(t, "settings", "set", settings.KeyGateway, "not-an-ip", "--config", env.configPath)
	require.Error(t, err)

	_, err = executeCommand(t, "settings", "get", "colour", "--config", env.configPath)
	require.Error(t, err)

	_, err = executeCommand(t, "settings", "set", settings.KeyPrefix, "--config", env.configPath)
	require.Error(t, err, "set needs KEY and VALUE")
}

func TestInterfacesCommand(t *testing.T) {
	env := newTestEnv(t, "exit 0")

	out, err := executeCommand(t, "interfaces", "--json", "--config", env.configPath)
	require.NoError(t, err)

	var ifaces []settings.Interface
	require.NoError(t, json.Unmarshal([]byte(out), &ifaces))
	for _, iface := range ifaces {
		assert.NotEqual(t, "lo", iface.Name)
	}
}

func TestDisplayInterfaces(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, displayInterfaces(&out, []settings.Interface{
		{Name: "eth0", HardwareAddr: "02:42:ac:11:00:02", Up: true, Addrs: []string{"172.17.0.2/16"}},
		{Name: "wlan0"},
	}))
	assert.Contains(t, out.String(), "eth0")
	assert.Contains(t, out.String(), "172.17.0.2/16")
	assert.Contains(t, out.String(), "wlan0")
	assert.Contains(t, out.String(), "down")
}

func TestVersionCommand(t *testing.T) {
	out, err := executeCommand(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "freeip "+version)
	assert.Contains(t, out, "commit:")
}

func TestDaemonStatus(t *testing.T) {
	env := newTestEnv(t, "exit 0")

	out, err := executeCommand(t, "daemon", "status", "--config", env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: Not running")
	assert.Contains(t, out, env.pidFile)

	require.NoError(t, os.WriteFile(env.pidFile, []byte(strconv.Itoa(os.Getpid())), 0o600))
	out, err = executeCommand(t, "daemon", "status", "--config", env.configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: Running")
	assert.Contains(t, out, "PID: "+strconv.Itoa(os.Getpid()))

	require.NoError(t, os.WriteFile(env.pidFile, []byte("garbage"), 0o600))
	out, err = executeCommand(t, "daemon", "status", "--pid-file", env.pidFile)
	require.NoError(t, err)
	assert.Contains(t, out, "Status: Unknown")
}

func TestDaemonStopNotRunning(t *testing.T) {
	env := newTestEnv(t, "exit 0")

	_, err := executeCommand(t, "daemon", "stop", "--config", env.configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")

	_, err = executeCommand(t, "daemon", "scan", "--config", env.configPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not running")
}

func TestLoadConfigOverrides(t *testing.T) {
	env := newTestEnv(t, "exit 0")
	resetCommandState()
	t.Cleanup(resetCommandState)

	t.Setenv("FREEIP_STORE_BACKEND", store.BackendMemory)
	t.Setenv("FREEIP_API_PORT", "9191")
	cfgFile = env.configPath
	initConfig()

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, store.BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 9191, cfg.API.Port)
	assert.Equal(t, env.pidFile, cfg.Daemon.PIDFile, "file values survive")

	t.Setenv("FREEIP_LOGGING_LEVEL", "chatty")
	_, err = loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}

func TestAddressPrinter(t *testing.T) {
	var out bytes.Buffer
	p := newAddressPrinter(&out)

	p.OnUpdate(session.Update{Loading: true, Results: []address.Address{}})
	p.OnUpdate(session.Update{Loading: true, Results: []address.Address{"10.0.0.9"}})
	p.OnUpdate(session.Update{Loading: true, Results: []address.Address{"10.0.0.2", "10.0.0.9"}})
	p.OnUpdate(session.Update{Loading: false, Results: []address.Address{"10.0.0.2", "10.0.0.9"}})

	assert.Equal(t, "10.0.0.9\n10.0.0.2\n", out.String())
}

func TestAPIKeysGenerate(t *testing.T) {
	out, err := executeCommand(t, "apikeys", "generate", "--output", "json")
	require.NoError(t, err)

	var generated auth.GeneratedAPIKey
	require.NoError(t, json.Unmarshal([]byte(out), &generated))
	assert.True(t, auth.IsValidAPIKeyFormat(generated.Key))
	assert.True(t, auth.ValidateAPIKey(generated.Key, generated.Hash))

	out, err = executeCommand(t, "apikeys", "hash", generated.Key)
	require.NoError(t, err)
	assert.True(t, auth.ValidateAPIKey(generated.Key, strings.TrimSpace(out)))

	_, err = executeCommand(t, "apikeys", "hash", "hunter2")
	require.Error(t, err)

	_, err = executeCommand(t, "apikeys", "generate", "--output", "xml")
	require.Error(t, err)
}

func TestDisplayGeneratedKey(t *testing.T) {
	var out bytes.Buffer
	displayGeneratedKey(&out, &auth.GeneratedAPIKey{Key: "fip_key", Hash: "$2a$12$hash"})
	assert.Contains(t, out.String(), "API key: fip_key")
	assert.Contains(t, out.String(), "key_hashes:")
	assert.Contains(t, out.String(), `- "$2a$12$hash"`)
}
