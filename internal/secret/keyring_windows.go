//go:build windows

package secret

import "log/slog"

// lookupKeyringSecret has no keyring integration on Windows; the key file
// fallback is used instead.
func lookupKeyringSecret(logger *slog.Logger) string {
	return ""
}

// storeKeyringSecret reports that no keyring is available on Windows.
func storeKeyringSecret(master string, logger *slog.Logger) bool {
	return false
}
