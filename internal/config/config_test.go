package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConfig_LoadsFromEnv(t *testing.T) {
	os.Setenv("SWITCHBOARD_PORT", "8080")
	os.Setenv("SWITCHBOARD_DATA_DIR", "/tmp/switchboard-test")
	os.Setenv("SWITCHBOARD_AGENT_COMMAND", "claude-next")
	os.Setenv("SWITCHBOARD_ADMIN_USER", "myuser")
	os.Setenv("SWITCHBOARD_ADMIN_PASS", "mypass")
	os.Setenv("SWITCHBOARD_SWEEP_INTERVAL", "120")
	os.Setenv("SWITCHBOARD_LOG_LEVEL", "debug")
	defer os.Clearenv()

	cfg, err := loadWithArgs(nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want %d", cfg.Port, 8080)
	}
	if cfg.DataDir != "/tmp/switchboard-test" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "/tmp/switchboard-test")
	}
	if cfg.AgentCommand != "claude-next" {
		t.Errorf("AgentCommand = %q, want %q", cfg.AgentCommand, "claude-next")
	}
	if cfg.AdminUser != "myuser" {
		t.Errorf("AdminUser = %q, want %q", cfg.AdminUser, "myuser")
	}
	if cfg.AdminPass != "mypass" {
		t.Errorf("AdminPass = %q, want %q", cfg.AdminPass, "mypass")
	}
	if cfg.SweepInterval != 120*time.Second {
		t.Errorf("SweepInterval = %v, want %v", cfg.SweepInterval, 120*time.Second)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestConfig_DefaultValues(t *testing.T) {
	os.Clearenv()

	cfg, err := loadWithArgs(nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != 9311 {
		t.Errorf("Port = %d, want default 9311", cfg.Port)
	}
	if cfg.AgentCommand != "claude" {
		t.Errorf("AgentCommand = %q, want default claude", cfg.AgentCommand)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want default 30s", cfg.SweepInterval)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default info", cfg.LogLevel)
	}
	if cfg.DataDir == "" {
		t.Error("DataDir should have a default")
	}
	if !strings.HasSuffix(cfg.ProfilesPath(), "profiles.json") {
		t.Errorf("ProfilesPath = %q", cfg.ProfilesPath())
	}
	if !strings.HasSuffix(cfg.SessionsDBPath(), "sessions.db") {
		t.Errorf("SessionsDBPath = %q", cfg.SessionsDBPath())
	}
}

func TestConfig_FlagsOverrideEnv(t *testing.T) {
	os.Setenv("SWITCHBOARD_PORT", "8080")
	os.Setenv("SWITCHBOARD_DATA_DIR", "/tmp/from-env")
	defer os.Clearenv()

	cfg, err := loadWithArgs([]string{"--port", "9000", "--data-dir=/tmp/from-flag", "--agent", "claude-beta"})
	if err != nil {
		t.Fatalf("loadWithArgs() failed: %v", err)
	}

	if cfg.Port != 9000 {
		t.Errorf("Port = %d, flags should override env", cfg.Port)
	}
	if cfg.DataDir != "/tmp/from-flag" {
		t.Errorf("DataDir = %q, flags should override env", cfg.DataDir)
	}
	if cfg.AgentCommand != "claude-beta" {
		t.Errorf("AgentCommand = %q", cfg.AgentCommand)
	}
}

func TestConfig_DebugFlag(t *testing.T) {
	os.Clearenv()

	cfg, err := loadWithArgs([]string{"--debug"})
	if err != nil {
		t.Fatalf("loadWithArgs() failed: %v", err)
	}
	if !cfg.DebugMode {
		t.Error("DebugMode should be set by --debug")
	}
}

func TestConfig_ValidatesPortRange(t *testing.T) {
	os.Clearenv()

	if _, err := loadWithArgs([]string{"--port", "80"}); err == nil {
		t.Error("Port below 1024 should be rejected")
	}
	if _, err := loadWithArgs([]string{"--port", "70000"}); err == nil {
		t.Error("Port above 65535 should be rejected")
	}
}

func TestConfig_ValidatesSweepInterval(t *testing.T) {
	os.Setenv("SWITCHBOARD_SWEEP_INTERVAL", "0")
	defer os.Clearenv()

	// Zero falls back to the default rather than failing.
	cfg, err := loadWithArgs(nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want default", cfg.SweepInterval)
	}

	os.Setenv("SWITCHBOARD_SWEEP_INTERVAL", "7200")
	if _, err := loadWithArgs(nil); err == nil {
		t.Error("Sweep interval above 1h should be rejected")
	}
}

func TestConfig_ValidatesAuthPair(t *testing.T) {
	os.Setenv("SWITCHBOARD_ADMIN_USER", "admin")
	defer os.Clearenv()

	if _, err := loadWithArgs(nil); err == nil {
		t.Error("Admin user without password should be rejected")
	}
}

func TestConfig_StringRedactsPassword(t *testing.T) {
	os.Setenv("SWITCHBOARD_ADMIN_USER", "admin")
	os.Setenv("SWITCHBOARD_ADMIN_PASS", "hunter2")
	defer os.Clearenv()

	cfg, err := loadWithArgs(nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	s := cfg.String()
	if strings.Contains(s, "hunter2") {
		t.Error("String() must not contain the admin password")
	}
	if !strings.Contains(s, "****") {
		t.Error("String() should show the password as redacted")
	}
}

func TestConfig_LogWriterDebugMode(t *testing.T) {
	os.Clearenv()

	cfg, err := loadWithArgs([]string{"--debug"})
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	w, err := cfg.LogWriter()
	if err != nil {
		t.Fatalf("LogWriter() failed: %v", err)
	}
	if w != os.Stdout {
		t.Error("Debug mode should log to stdout")
	}
}

func TestConfig_LogWriterBackgroundMode(t *testing.T) {
	dir := t.TempDir()
	os.Setenv("SWITCHBOARD_DATA_DIR", dir)
	defer os.Clearenv()

	cfg, err := loadWithArgs(nil)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.isDockerEnvironment() {
		t.Skip("running inside a container")
	}
	w, err := cfg.LogWriter()
	if err != nil {
		t.Fatalf("LogWriter() failed: %v", err)
	}
	if f, ok := w.(*os.File); !ok || f == os.Stdout {
		t.Error("Background mode should log to a file")
	} else {
		f.Close()
	}
	if _, err := os.Stat(filepath.Join(dir, "switchboard.log")); err != nil {
		t.Errorf("Log file should exist in the data dir: %v", err)
	}
}
