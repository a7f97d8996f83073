package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// keyDerivationInfo binds derived keys to their purpose; changing it
// invalidates every stored credential.
const keyDerivationInfo = "switchboard-credential-key-v1"

// keyFileName is the on-disk fallback when no OS keyring is available.
const keyFileName = "master.key"

// LoadKey returns the hex-encoded 32-byte encryption key for the daemon,
// creating and persisting a master secret on first run. The secret lives in
// the OS keyring when one is available, otherwise in a 0600 file under
// dataDir. The encryption key itself is derived from the master secret via
// HKDF so the raw secret never doubles as key material.
func LoadKey(dataDir string, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	master := lookupKeyringSecret(logger)
	if master == "" {
		var err error
		master, err = loadOrCreateFileSecret(dataDir, logger)
		if err != nil {
			return "", err
		}
		// Opportunistically promote the secret into the OS keyring; the key
		// file stays behind as the source of truth for this host.
		if storeKeyringSecret(master, logger) {
			logger.Debug("Master secret mirrored to OS keyring")
		}
	}

	return deriveKey(master)
}

// loadOrCreateFileSecret reads the master secret from the key file,
// generating and persisting a fresh one if absent.
func loadOrCreateFileSecret(dataDir string, logger *slog.Logger) (string, error) {
	path := filepath.Join(dataDir, keyFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		s := strings.TrimSpace(string(data))
		if s != "" {
			return s, nil
		}
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("secret.LoadKey: generating master secret: %w", err)
	}
	master := hex.EncodeToString(raw)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("secret.LoadKey: %w", err)
	}
	if err := os.WriteFile(path, []byte(master+"\n"), 0600); err != nil {
		return "", fmt.Errorf("secret.LoadKey: writing key file: %w", err)
	}
	logger.Info("Master secret created", "path", path)
	return master, nil
}

// deriveKey expands the master secret into a hex-encoded AES-256 key.
func deriveKey(master string) (string, error) {
	r := hkdf.New(sha256.New, []byte(master), nil, []byte(keyDerivationInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return "", fmt.Errorf("secret.LoadKey: deriving key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
