// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package security provides encryption for API credentials at rest.
//
// This file contains tests for the credential cipher:
// - Key derivation (PBKDF2-SHA-256)
// - AES-256-GCM encryption/decryption
// - Key file handling and permissions
// - Round-trip encryption
package security

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	key, err := GenerateMasterKey()
	require.NoError(t, err, "Failed to generate test key")
	c, err := NewCipher(key)
	require.NoError(t, err, "Failed to create test cipher")
	return c
}

// =============================================================================
// KEY DERIVATION TESTS
// =============================================================================

// TestEncryption_KeyDerivation tests that PBKDF2 key derivation is deterministic.
func TestEncryption_KeyDerivation(t *testing.T) {
	passphrase := "testpassphrase123"
	salt := []byte("test_salt_value!")

	// Same passphrase and salt should derive same key
	key1 := DeriveKey(passphrase, salt)
	key2 := DeriveKey(passphrase, salt)
	require.True(t, bytes.Equal(key1, key2), "Same passphrase/salt should derive same key")

	// Different salt should derive different key
	salt2 := []byte("different_salt!!")
	key3 := DeriveKey(passphrase, salt2)
	require.False(t, bytes.Equal(key1, key3), "Different salt should derive different key")

	// Different passphrase should derive different key
	key4 := DeriveKey("differentpassphrase", salt)
	require.False(t, bytes.Equal(key1, key4), "Different passphrase should derive different key")
}

// TestEncryption_KeyDerivationLength tests that derived keys are the correct length.
func TestEncryption_KeyDerivationLength(t *testing.T) {
	key := DeriveKey("passphrase", []byte("salt"))
	require.Equal(t, KeySize, len(key), "Derived key should be %d bytes (256 bits)", KeySize)
}

// =============================================================================
// KEY AND SALT GENERATION TESTS
// =============================================================================

// TestEncryption_GenerateMasterKey tests master key generation.
func TestEncryption_GenerateMasterKey(t *testing.T) {
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	require.Equal(t, KeySize, len(key), "Master key should be %d bytes", KeySize)

	// Generate multiple keys and ensure they're unique
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		k, err := GenerateMasterKey()
		require.NoError(t, err)
		require.False(t, seen[string(k)], "Generated keys must be unique")
		seen[string(k)] = true
	}
}

// TestEncryption_GenerateSalt tests salt generation.
func TestEncryption_GenerateSalt(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)
	require.Equal(t, SaltSize, len(salt), "Salt should be %d bytes", SaltSize)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		s, err := GenerateSalt()
		require.NoError(t, err)
		require.False(t, seen[string(s)], "Generated salts must be unique")
		seen[string(s)] = true
	}
}

// =============================================================================
// KEY FILE TESTS
// =============================================================================

// TestEncryption_LoadOrCreateKey tests key file creation and reload.
func TestEncryption_LoadOrCreateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "master.key")

	created, err := LoadOrCreateKey(path)
	require.NoError(t, err, "First call should create the key")
	require.Equal(t, KeySize, len(created))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0600), info.Mode().Perm(), "Key file must be 0600")

	dirInfo, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm(), "Key directory must be 0700")

	loaded, err := LoadOrCreateKey(path)
	require.NoError(t, err, "Second call should load the same key")
	require.True(t, bytes.Equal(created, loaded), "Reloaded key must match created key")
}

// TestEncryption_LoadOrCreateKeyRejectsInsecure tests that group/world
// readable key files are refused.
func TestEncryption_LoadOrCreateKeyRejectsInsecure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	key, err := GenerateMasterKey()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, key, 0644))

	_, err = LoadOrCreateKey(path)
	require.Error(t, err, "Insecure key file must be rejected")
	require.Contains(t, err.Error(), "insecure permissions")
}

// TestEncryption_LoadOrCreateKeyRejectsWrongSize tests truncated key files.
func TestEncryption_LoadOrCreateKeyRejectsWrongSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte("short"), 0600))

	_, err := LoadOrCreateKey(path)
	require.ErrorIs(t, err, ErrInvalidKeySize)
}

// TestEncryption_DeleteKeyFile tests secure key deletion.
func TestEncryption_DeleteKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	_, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	require.NoError(t, DeleteKeyFile(path))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "Key file should be gone")

	// Deleting an absent file is not an error.
	require.NoError(t, DeleteKeyFile(path))
}

// =============================================================================
// CIPHER TESTS
// =============================================================================

// TestEncryption_RoundTrip tests encrypt/decrypt round trips.
func TestEncryption_RoundTrip(t *testing.T) {
	c := testCipher(t)

	plaintexts := [][]byte{
		[]byte("sk-or-v1-abc123"),
		[]byte(""),
		[]byte("multi\nline\nvalue"),
		bytes.Repeat([]byte("x"), 10000),
		[]byte("unicode: árvíztűrő tükörfúrógép"),
	}

	for _, plaintext := range plaintexts {
		ciphertext, err := c.Encrypt(plaintext)
		require.NoError(t, err, "Encrypt failed")
		require.GreaterOrEqual(t, len(ciphertext), NonceSize, "Ciphertext must carry a nonce")

		decrypted, err := c.Decrypt(ciphertext)
		require.NoError(t, err, "Decrypt failed")
		require.True(t, bytes.Equal(plaintext, decrypted), "Round trip must preserve plaintext")
	}
}

// TestEncryption_NonceUniqueness tests that repeated encryptions of the
// same plaintext produce different ciphertexts.
func TestEncryption_NonceUniqueness(t *testing.T) {
	c := testCipher(t)
	plaintext := []byte("same plaintext every time")

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		ciphertext, err := c.Encrypt(plaintext)
		require.NoError(t, err)
		require.False(t, seen[string(ciphertext)], "Ciphertexts must never repeat (nonce reuse)")
		seen[string(ciphertext)] = true
	}
}

// TestEncryption_TamperDetection tests that modified ciphertext fails
// authentication.
func TestEncryption_TamperDetection(t *testing.T) {
	c := testCipher(t)

	ciphertext, err := c.Encrypt([]byte("authentic data"))
	require.NoError(t, err)

	// Flip one bit in the ciphertext body.
	tampered := make([]byte, len(ciphertext))
	copy(tampered, ciphertext)
	tampered[len(tampered)-1] ^= 0x01

	_, err = c.Decrypt(tampered)
	require.ErrorIs(t, err, ErrDecryptionFailed, "Tampered ciphertext must fail authentication")
}

// TestEncryption_WrongKey tests decryption with a different key.
func TestEncryption_WrongKey(t *testing.T) {
	c1 := testCipher(t)
	c2 := testCipher(t)

	ciphertext, err := c1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = c2.Decrypt(ciphertext)
	require.ErrorIs(t, err, ErrDecryptionFailed, "Wrong key must fail authentication")
}

// TestEncryption_TruncatedCiphertext tests that short inputs are rejected.
func TestEncryption_TruncatedCiphertext(t *testing.T) {
	c := testCipher(t)

	_, err := c.Decrypt([]byte{0x01, 0x02})
	require.ErrorIs(t, err, ErrInvalidCiphertext)
}

// TestEncryption_InvalidKeySize tests cipher construction with bad keys.
func TestEncryption_InvalidKeySize(t *testing.T) {
	for _, size := range []int{0, 16, 31, 33, 64} {
		_, err := NewCipher(make([]byte, size))
		require.ErrorIs(t, err, ErrInvalidKeySize, "Key size %d must be rejected", size)
	}
}

// =============================================================================
// STRING ENCRYPTION TESTS
// =============================================================================

// TestEncryption_StringRoundTrip tests the ENC:-prefixed string format.
func TestEncryption_StringRoundTrip(t *testing.T) {
	c := testCipher(t)

	encrypted, err := c.EncryptString("sk-or-v1-secret")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encrypted, EncryptedPrefix), "Encrypted strings must carry the ENC: prefix")
	require.True(t, IsEncrypted(encrypted))

	decrypted, err := c.DecryptString(encrypted)
	require.NoError(t, err)
	require.Equal(t, "sk-or-v1-secret", decrypted)
}

// TestEncryption_DecryptStringPassthrough tests that unprefixed values
// pass through untouched.
func TestEncryption_DecryptStringPassthrough(t *testing.T) {
	c := testCipher(t)

	plain, err := c.DecryptString("legacy-plaintext-key")
	require.NoError(t, err)
	require.Equal(t, "legacy-plaintext-key", plain)
	require.False(t, IsEncrypted("legacy-plaintext-key"))
}

// TestEncryption_DecryptStringBadBase64 tests malformed encrypted values.
func TestEncryption_DecryptStringBadBase64(t *testing.T) {
	c := testCipher(t)

	_, err := c.DecryptString(EncryptedPrefix + "!!!not-base64!!!")
	require.Error(t, err, "Malformed base64 after ENC: must error")
}

// =============================================================================
// PASSPHRASE MODE TESTS
// =============================================================================

// TestEncryption_PassphraseCipher tests passphrase-derived ciphers share
// a salt file and interoperate.
func TestEncryption_PassphraseCipher(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "master.key")

	c1, err := NewCipherFromPassphrase("hunter2", keyPath)
	require.NoError(t, err)

	encrypted, err := c1.EncryptString("api-key-value")
	require.NoError(t, err)

	// Same passphrase, same salt file: decryption works.
	c2, err := NewCipherFromPassphrase("hunter2", keyPath)
	require.NoError(t, err)
	decrypted, err := c2.DecryptString(encrypted)
	require.NoError(t, err)
	require.Equal(t, "api-key-value", decrypted)

	// Wrong passphrase: authentication fails.
	c3, err := NewCipherFromPassphrase("wrong", keyPath)
	require.NoError(t, err)
	_, err = c3.DecryptString(encrypted)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

// TestEncryption_ConcurrentUse tests that one cipher is safe for
// concurrent encrypt/decrypt.
// Run with: go test -race ./internal/security/
func TestEncryption_ConcurrentUse(t *testing.T) {
	c := testCipher(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			plaintext := []byte(strings.Repeat("p", n+1))
			ciphertext, err := c.Encrypt(plaintext)
			if err != nil {
				t.Errorf("concurrent Encrypt failed: %v", err)
				return
			}
			decrypted, err := c.Decrypt(ciphertext)
			if err != nil {
				t.Errorf("concurrent Decrypt failed: %v", err)
				return
			}
			if !bytes.Equal(plaintext, decrypted) {
				t.Error("concurrent round trip mismatch")
			}
		}(i)
	}
	wg.Wait()
}
