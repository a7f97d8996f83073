// Package secret provides encryption for credential material at rest.
// Values are sealed with AES-256-GCM and tagged with a prefix so encrypted
// and legacy plaintext values can be told apart.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// encryptedPrefix marks values that have been encrypted.
const encryptedPrefix = "enc:"

// Cipher seals and opens credential values with a fixed 32-byte key.
type Cipher struct {
	key []byte
}

// NewCipher creates a Cipher from a hex-encoded 32-byte key (64 chars).
func NewCipher(keyHex string) (*Cipher, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("secret.NewCipher: invalid key hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secret.NewCipher: key must be 32 bytes, got %d", len(key))
	}
	return &Cipher{key: key}, nil
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns base64(nonce + ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("secret.Encrypt: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secret.Encrypt: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secret.Encrypt: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a base64(nonce + ciphertext) string.
func (c *Cipher) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secret.Decrypt: invalid base64: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("secret.Decrypt: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secret.Decrypt: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("secret.Decrypt: ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secret.Decrypt: %w", err)
	}

	return string(plaintext), nil
}

// EncryptForStorage encrypts plaintext and returns it with the encrypted prefix.
// Format: "enc:" + base64(nonce + ciphertext)
func (c *Cipher) EncryptForStorage(plaintext string) (string, error) {
	ciphertext, err := c.Encrypt(plaintext)
	if err != nil {
		return "", err
	}
	return encryptedPrefix + ciphertext, nil
}

// DecryptFromStorage checks for the encrypted prefix and decrypts if present.
// Untagged values are returned as-is (legacy plaintext).
func (c *Cipher) DecryptFromStorage(stored string) (string, error) {
	if !strings.HasPrefix(stored, encryptedPrefix) {
		return stored, nil
	}
	return c.Decrypt(strings.TrimPrefix(stored, encryptedPrefix))
}

// IsEncryptedValue checks if a string has the encrypted prefix.
func IsEncryptedValue(value string) bool {
	return strings.HasPrefix(value, encryptedPrefix)
}
