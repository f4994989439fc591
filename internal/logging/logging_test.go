package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level %s, got %s", LevelInfo, cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("Expected default format %s, got %s", FormatText, cfg.Format)
	}
	if cfg.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got '%s'", cfg.Output)
	}
	if cfg.AddSource {
		t.Error("Expected AddSource to be false by default")
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("stdout text logger", func(t *testing.T) {
		logger, err := New(Config{Level: LevelInfo, Format: FormatText, Output: "stdout"})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		if logger.config.Level != LevelInfo {
			t.Errorf("Expected level %s, got %s", LevelInfo, logger.config.Level)
		}
	})

	t.Run("stderr json logger", func(t *testing.T) {
		logger, err := New(Config{Level: LevelError, Format: FormatJSON, Output: "stderr"})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		if logger == nil {
			t.Fatal("Logger should not be nil")
		}
	})

	t.Run("file logger creates directories", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "nested", "dir", "freeip.log")

		logger, err := New(Config{Level: LevelDebug, Format: FormatText, Output: logFile})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		logger.Info("written to file")

		content, err := os.ReadFile(logFile)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}
		if !strings.Contains(string(content), "written to file") {
			t.Error("Log file should contain the message")
		}
	})
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelWarn, Format: FormatText}, &buf)

	logger.Debug("debug hidden")
	logger.Info("info hidden")
	logger.Warn("warn shown")
	logger.Error("error shown")

	output := buf.String()
	if strings.Contains(output, "debug hidden") || strings.Contains(output, "info hidden") {
		t.Error("Messages below warn should be filtered")
	}
	if !strings.Contains(output, "warn shown") || !strings.Contains(output, "error shown") {
		t.Error("Messages at or above warn should be logged")
	}
}

func TestInvalidLogLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "verbose", Format: FormatText}, &buf)

	logger.Debug("debug hidden")
	logger.Info("info shown")

	if strings.Contains(buf.String(), "debug hidden") {
		t.Error("Unknown level should behave like info")
	}
	if !strings.Contains(buf.String(), "info shown") {
		t.Error("Info should be logged")
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelInfo, Format: FormatJSON}, &buf)

	logger.WithComponent("session").WithSessionID("abc").Info("scan started")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Output should be valid JSON: %v", err)
	}
	if entry["msg"] != "scan started" {
		t.Errorf("Expected msg 'scan started', got %v", entry["msg"])
	}
	if entry["component"] != "session" {
		t.Errorf("Expected component 'session', got %v", entry["component"])
	}
	if entry["session_id"] != "abc" {
		t.Errorf("Expected session_id 'abc', got %v", entry["session_id"])
	}
}

func TestLoggerWithMethods(t *testing.T) {
	logger := NewDiscard()

	derived := []*Logger{
		logger.WithFields("key", "value"),
		logger.WithComponent("probe"),
		logger.WithSessionID("session-1"),
		logger.WithProbe("/usr/libexec/freeip/probe.sh"),
		logger.WithError(fmt.Errorf("boom")),
	}

	for i, l := range derived {
		if l == nil {
			t.Errorf("Derived logger %d should not be nil", i)
		}
		if l == logger {
			t.Errorf("Derived logger %d should be a new instance", i)
		}
	}
}

func TestSpecializedLoggingMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelDebug, Format: FormatText}, &buf)
	testErr := fmt.Errorf("test error")

	logger.InfoProbe("probe started", "/opt/probe.sh", "pid", 42)
	logger.ErrorProbe("probe failed", "/opt/probe.sh", testErr)
	logger.InfoStore("cache loaded", "addresses", 3)
	logger.ErrorStore("cache write failed", testErr, "key", "cached-ips")
	logger.InfoDaemon("daemon started")
	logger.ErrorDaemon("daemon failed", testErr)

	output := buf.String()
	for _, want := range []string{
		"probe started", "/opt/probe.sh", "pid=42",
		"probe failed", "test error",
		"cache loaded", "component=store",
		"cache write failed", "key=cached-ips",
		"daemon started", "component=daemon",
		"daemon failed",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("Output should contain '%s'", want)
		}
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	originalLogger := Default()
	defer SetDefault(originalLogger)

	var buf bytes.Buffer
	SetDefault(NewWithWriter(Config{Level: LevelDebug, Format: FormatText}, &buf))

	Debug("global debug")
	Info("global info")
	Warn("global warn")
	Error("global error", "error", fmt.Errorf("test error"))

	output := buf.String()
	for _, msg := range []string{
		"global debug", "global info", "global warn", "global error",
	} {
		if !strings.Contains(output, msg) {
			t.Errorf("Output should contain '%s'", msg)
		}
	}
}

func TestSetAndGetDefault(t *testing.T) {
	originalLogger := Default()
	defer SetDefault(originalLogger)

	newLogger := NewWithWriter(Config{Level: LevelError, Format: FormatJSON}, &bytes.Buffer{})
	SetDefault(newLogger)

	if Default() != newLogger {
		t.Error("Retrieved logger should be the same as set logger")
	}
}
