// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides encryption for API credentials at rest.
//
// Stored keys are encrypted with AES-256-GCM under a master key that is
// generated once and kept locally, or derived from a passphrase with
// PBKDF2-SHA-256. Encrypted values carry an ENC: prefix so plaintext
// and ciphertext can coexist in the same settings file.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

// EncryptedPrefix marks a value as encrypted (format: ENC:base64(nonce|ciphertext|tag))
const EncryptedPrefix = "ENC:"

// NonceSize is the size of the nonce/IV for AES-GCM (12 bytes / 96 bits)
const NonceSize = 12

// KeySize is the size of the AES-256 key (32 bytes / 256 bits)
const KeySize = 32

// SaltSize is the size of the salt for key derivation (32 bytes)
const SaltSize = 32

// PBKDF2Iterations is the number of iterations for PBKDF2 key derivation.
// OWASP 2023 recommends 600,000+ for PBKDF2-SHA-256.
const PBKDF2Iterations = 600000

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidKeySize indicates the master key has the wrong length
	ErrInvalidKeySize = errors.New("invalid key size: want 32 bytes")
	// ErrInvalidCiphertext indicates the ciphertext format is invalid
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	// ErrDecryptionFailed indicates decryption failed (wrong key or tampered data)
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// =============================================================================
// SECURITY HELPER FUNCTIONS
// =============================================================================

// ZeroBytes securely zeros sensitive byte slices to prevent memory disclosure.
// SECURITY: Zero key material to prevent memory disclosure via crash dumps.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// IsEncrypted checks if a string value is encrypted (has ENC: prefix).
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EncryptedPrefix)
}

// =============================================================================
// KEY GENERATION AND DERIVATION
// =============================================================================

// GenerateMasterKey generates a cryptographically secure random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// GenerateSalt generates a cryptographically secure random salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives an encryption key from a passphrase and salt using
// PBKDF2-SHA-256 per NIST SP 800-132.
func DeriveKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, KeySize, sha256.New)
}

// =============================================================================
// KEY FILE HANDLING
// =============================================================================

// LoadOrCreateKey loads the master key from path, generating and storing
// a fresh key on first use. The key file is written 0600 in a 0700
// directory; existing files with looser permissions are rejected.
func LoadOrCreateKey(path string) ([]byte, error) {
	if info, err := os.Stat(path); err == nil {
		// SECURITY: Refuse keys readable by group or world.
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("key file %s has insecure permissions (%o), fix with: chmod 600 %s", path, mode, path)
		}
		key, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key file: %w", err)
		}
		if len(key) != KeySize {
			return nil, ErrInvalidKeySize
		}
		return key, nil
	}

	key, err := GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	if err := storeKeyFile(path, key); err != nil {
		ZeroBytes(key)
		return nil, err
	}
	return key, nil
}

// LoadOrCreateSalt loads the key-derivation salt from path, generating
// and storing a fresh salt on first use.
func LoadOrCreateSalt(path string) ([]byte, error) {
	if salt, err := os.ReadFile(path); err == nil {
		if len(salt) != SaltSize {
			return nil, fmt.Errorf("salt file %s is corrupt: %d bytes, want %d", path, len(salt), SaltSize)
		}
		return salt, nil
	}

	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	if err := storeKeyFile(path, salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// storeKeyFile writes key material with restricted permissions and
// verifies the result. An insecurely created file is deleted rather
// than left behind.
func storeKeyFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat key file: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		_ = os.Remove(path)
		return fmt.Errorf("key file was created with insecure permissions (%o) and has been deleted, retry on a filesystem honoring 0600", mode)
	}
	return nil
}

// DeleteKeyFile removes a key file, overwriting its contents first so
// the key does not survive in free blocks.
func DeleteKeyFile(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat key file for deletion: %w", err)
	}

	if size := info.Size(); size > 0 {
		zeros := make([]byte, size)
		if f, err := os.OpenFile(path, os.O_WRONLY, 0600); err == nil {
			_, _ = f.Write(zeros)
			_ = f.Sync()
			_ = f.Close()
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete key file: %w", err)
	}
	return nil
}

// =============================================================================
// CIPHER
// =============================================================================

// Cipher performs AES-256-GCM encryption and decryption. It is
// stateless after construction and safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a raw 32-byte key. The caller may
// zero the key after the call; the cipher keeps its own schedule.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// NewCipherFromKeyFile loads or creates the master key at keyPath and
// returns a cipher for it.
func NewCipherFromKeyFile(keyPath string) (*Cipher, error) {
	key, err := LoadOrCreateKey(keyPath)
	if err != nil {
		return nil, err
	}
	defer ZeroBytes(key)
	return NewCipher(key)
}

// NewCipherFromPassphrase derives the key from a passphrase, loading or
// creating the salt file next to the given key path.
func NewCipherFromPassphrase(passphrase, keyPath string) (*Cipher, error) {
	salt, err := LoadOrCreateSalt(keyPath + ".salt")
	if err != nil {
		return nil, err
	}
	key := DeriveKey(passphrase, salt)
	defer ZeroBytes(key)
	return NewCipher(key)
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns: nonce || ciphertext || tag
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext encrypted with AES-256-GCM.
// Input format: nonce || ciphertext || tag
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < NonceSize {
		return nil, ErrInvalidCiphertext
	}
	nonce := ciphertext[:NonceSize]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptString encrypts a string and returns base64-encoded ciphertext
// with the ENC: prefix.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	ciphertext, err := c.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return EncryptedPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString decrypts a base64-encoded string with the ENC: prefix.
// Values without the prefix are returned unchanged, so legacy plaintext
// entries keep working.
func (c *Cipher) DecryptString(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EncryptedPrefix))
	if err != nil {
		return "", fmt.Errorf("invalid base64 encoding: %w", err)
	}
	plaintext, err := c.Decrypt(data)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
