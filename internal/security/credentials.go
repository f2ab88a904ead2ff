// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/cityba/openai-hub/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrCredentialNotFound indicates no credential exists under a label.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialError reports a stored credential that failed to decrypt.
// The entry is skipped, never fatal: one corrupt or foreign-key entry
// must not lock the user out of the rest.
type CredentialError struct {
	Label string
	Err   error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("credential %q: %v", e.Label, e.Err)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// =============================================================================
// CREDENTIAL STORE
// =============================================================================

// Credential is a decrypted API credential.
type Credential struct {
	Label string
	Key   string
}

// CredentialStore persists labeled API keys as a JSON object of
// label to ENC:-prefixed ciphertext, written atomically with 0600
// permissions. Safe for concurrent use.
type CredentialStore struct {
	path   string
	cipher *Cipher
	logger *log.Logger

	mu      sync.Mutex
	entries map[string]string
}

// NewCredentialStore opens the credential store at path, loading any
// existing entries. A missing file yields an empty store. A nil logger
// discards log output.
func NewCredentialStore(path string, cipher *Cipher, logger *log.Logger) (*CredentialStore, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	s := &CredentialStore{
		path:    path,
		cipher:  cipher,
		logger:  logger,
		entries: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential store: %w", err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("failed to parse credential store: %w", err)
	}
	return s, nil
}

// Add encrypts and stores a key under the given label, replacing any
// existing entry, and persists the store.
func (s *CredentialStore) Add(label, key string) error {
	if label == "" {
		return errors.New("credential label must not be empty")
	}
	if key == "" {
		return errors.New("credential key must not be empty")
	}

	ciphertext, err := s.cipher.EncryptString(key)
	if err != nil {
		return fmt.Errorf("failed to encrypt credential %q: %w", label, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[label] = ciphertext
	return s.save()
}

// Get decrypts and returns the key stored under label. A decrypt
// failure returns a *CredentialError wrapping the cause.
func (s *CredentialStore) Get(label string) (string, error) {
	s.mu.Lock()
	ciphertext, ok := s.entries[label]
	s.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %q", ErrCredentialNotFound, label)
	}

	key, err := s.cipher.DecryptString(ciphertext)
	if err != nil {
		return "", &CredentialError{Label: label, Err: err}
	}
	return key, nil
}

// Remove deletes the entry under label and persists the store.
// Removing an absent label is not an error.
func (s *CredentialStore) Remove(label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[label]; !ok {
		return nil
	}
	delete(s.entries, label)
	return s.save()
}

// Labels returns the stored labels in sorted order, including entries
// that would fail to decrypt.
func (s *CredentialStore) Labels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	labels := make([]string, 0, len(s.entries))
	for label := range s.entries {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// List decrypts every stored credential. Entries that fail to decrypt
// are logged and skipped, so a wrong master key or a tampered entry
// degrades the list instead of erroring it.
func (s *CredentialStore) List() []Credential {
	s.mu.Lock()
	snapshot := make(map[string]string, len(s.entries))
	for label, ciphertext := range s.entries {
		snapshot[label] = ciphertext
	}
	s.mu.Unlock()

	creds := make([]Credential, 0, len(snapshot))
	for label, ciphertext := range snapshot {
		key, err := s.cipher.DecryptString(ciphertext)
		if err != nil {
			cerr := &CredentialError{Label: label, Err: err}
			s.logger.Printf("skipping credential: %v", cerr)
			continue
		}
		creds = append(creds, Credential{Label: label, Key: key})
	}
	sort.Slice(creds, func(i, j int) bool { return creds[i].Label < creds[j].Label })
	return creds
}

// Len returns the number of stored entries, decryptable or not.
func (s *CredentialStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// save persists the entries. Caller must hold s.mu.
// SECURITY: Credentials are written with 0600 permissions.
// RELIABILITY: Atomic write with fsync prevents data loss on crash.
func (s *CredentialStore) save() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credential store: %w", err)
	}
	if err := util.AtomicWriteFileWithDir(s.path, data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write credential store: %w", err)
	}
	return nil
}
