//go:build !windows

package secret

import (
	"log/slog"
	"os/exec"
	"os/user"
	"runtime"
	"strings"
)

const keyringService = "switchboard-master"

// lookupKeyringSecret tries platform credential stores for the master secret.
func lookupKeyringSecret(logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}

	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	if username == "" {
		return ""
	}

	// macOS: Keychain
	if runtime.GOOS == "darwin" {
		out, err := exec.Command("security", "find-generic-password",
			"-s", keyringService,
			"-a", username,
			"-w").Output()
		if err == nil {
			s := strings.TrimSpace(string(out))
			if s != "" {
				logger.Debug("Master secret loaded from macOS Keychain")
				return s
			}
		}
	}

	// Linux: secret-tool (GNOME Keyring)
	if runtime.GOOS == "linux" {
		out, err := exec.Command("secret-tool", "lookup",
			"service", keyringService,
			"account", username).Output()
		if err == nil {
			s := strings.TrimSpace(string(out))
			if s != "" {
				logger.Debug("Master secret loaded from Linux keyring")
				return s
			}
		}
	}

	return ""
}

// storeKeyringSecret writes the master secret to the platform credential
// store. Returns false when no store is available.
func storeKeyringSecret(master string, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}

	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	if username == "" {
		return false
	}

	if runtime.GOOS == "darwin" {
		err := exec.Command("security", "add-generic-password",
			"-s", keyringService,
			"-a", username,
			"-w", master,
			"-U").Run()
		return err == nil
	}

	if runtime.GOOS == "linux" {
		cmd := exec.Command("secret-tool", "store",
			"--label", keyringService,
			"service", keyringService,
			"account", username)
		cmd.Stdin = strings.NewReader(master)
		return cmd.Run() == nil
	}

	return false
}
