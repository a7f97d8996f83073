package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/onllm-dev/switchboard/internal/config"
)

func TestConfigLoad_AdminUserWithoutPass_ReturnsValidationError(t *testing.T) {
	t.Setenv("SWITCHBOARD_DATA_DIR", t.TempDir())
	t.Setenv("SWITCHBOARD_ADMIN_USER", "admin")
	t.Setenv("SWITCHBOARD_ADMIN_PASS", "")

	_, err := config.Load()
	if err == nil {
		t.Fatal("config.Load() should fail when only the admin user is set")
	}
	if !strings.Contains(err.Error(), "admin") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPIDFile_WriteAndRemove(t *testing.T) {
	origDir, origFile := pidDir, pidFile
	pidDir = t.TempDir()
	pidFile = filepath.Join(pidDir, "switchboard.pid")
	defer func() { pidDir, pidFile = origDir, origFile }()

	if err := writePIDFile(9311); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read PID file: %v", err)
	}
	content := strings.TrimSpace(string(data))
	if !strings.HasSuffix(content, ":9311") {
		t.Errorf("PID file should end with :9311, got %q", content)
	}

	removePIDFile()
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Error("PID file should be removed")
	}
}
