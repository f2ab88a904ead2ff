// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cityba/openai-hub/internal/model"
	"github.com/cityba/openai-hub/internal/util"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotFound is returned when a named conversation file does not exist.
var ErrNotFound = errors.New("conversation not found")

// PersistenceError wraps a failed history operation with the file it
// touched, so callers can log it and keep the in-memory conversation.
type PersistenceError struct {
	Op   string // "save", "load", "list", "delete"
	Path string
	Err  error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("history %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// =============================================================================
// HISTORY STORE
// =============================================================================

// DefaultMaxList caps how many saved conversations the list surfaces.
const DefaultMaxList = 15

// autosaveTimeFormat names autosave files by wall clock, sortable as text.
const autosaveTimeFormat = "20060102-150405"

// HistoryStore persists conversations as one JSON file each in a flat
// directory. The file body is a bare array of {role, content} objects.
type HistoryStore struct {
	// BaseDir is the directory holding the history files.
	// Default: ~/.openai-hub/history/
	BaseDir string

	// MaxList limits how many entries List returns (0 = unlimited).
	MaxList int
}

// NewHistoryStore creates a store rooted in the user's home directory.
func NewHistoryStore() (*HistoryStore, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return NewHistoryStoreWithDir(filepath.Join(homeDir, ".openai-hub", "history"))
}

// NewHistoryStoreWithDir creates a store with a custom directory.
func NewHistoryStoreWithDir(baseDir string) (*HistoryStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}
	return &HistoryStore{
		BaseDir: baseDir,
		MaxList: DefaultMaxList,
	}, nil
}

// Path returns the absolute path a conversation name maps to.
func (s *HistoryStore) Path(name string) string {
	return filepath.Join(s.BaseDir, cleanName(name))
}

// cleanName confines a user-supplied name to the history directory and
// guarantees the .json suffix.
//
// SECURITY: filepath.Base strips any directory traversal a caller might
// smuggle in through a conversation name.
func cleanName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "conversation"
	}
	if !strings.HasSuffix(name, ".json") {
		name += ".json"
	}
	return name
}

// =============================================================================
// SAVE OPERATIONS
// =============================================================================

// Save writes the conversation under the given name, appending .json when
// missing, and returns the full path written.
func (s *HistoryStore) Save(name string, messages []model.Message) (string, error) {
	path := s.Path(name)

	data, err := encodeHistory(messages)
	if err != nil {
		return "", &PersistenceError{Op: "save", Path: path, Err: err}
	}

	// RELIABILITY: Atomic write with fsync prevents a half-written history
	// file if the process dies mid-save.
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return "", &PersistenceError{Op: "save", Path: path, Err: err}
	}
	return path, nil
}

// Autosave writes the conversation under a timestamped name like
// autosave_20240317-154210.json. Empty conversations are skipped and
// return an empty path with no error.
func (s *HistoryStore) Autosave(messages []model.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}
	name := "autosave_" + time.Now().Format(autosaveTimeFormat)
	return s.Save(name, messages)
}

// encodeHistory renders the bare message array with two-space indentation.
//
// UNICODE: HTML escaping is disabled so accented text and the angle
// brackets in code-heavy answers stay readable in the file.
func encodeHistory(messages []model.Message) ([]byte, error) {
	if messages == nil {
		messages = []model.Message{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(messages); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// =============================================================================
// LOAD OPERATIONS
// =============================================================================

// Load reads a conversation back as the ordered message array it was
// saved as. Unknown roles and extra fields in hand-edited files are
// tolerated.
func (s *HistoryStore) Load(name string) ([]model.Message, error) {
	path := s.Path(name)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}

	var messages []model.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, &PersistenceError{Op: "load", Path: path, Err: err}
	}
	return messages, nil
}

// =============================================================================
// LIST OPERATIONS
// =============================================================================

// Entry describes one saved conversation file.
type Entry struct {
	Name     string    // file name, including .json
	Path     string    // absolute path
	Modified time.Time // file modification time
	Messages int       // number of messages in the file
	Preview  string    // first user message, truncated
}

// List returns saved conversations newest first, capped at MaxList.
// Files that fail to parse are skipped rather than breaking the listing.
func (s *HistoryStore) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &PersistenceError{Op: "list", Path: s.BaseDir, Err: err}
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}

		messages, err := s.Load(de.Name())
		if err != nil {
			// Corrupt or hand-mangled file. It stays on disk but is
			// invisible until fixed.
			continue
		}

		entries = append(entries, Entry{
			Name:     de.Name(),
			Path:     filepath.Join(s.BaseDir, de.Name()),
			Modified: info.ModTime(),
			Messages: len(messages),
			Preview:  previewOf(messages),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Modified.After(entries[j].Modified)
	})

	if s.MaxList > 0 && len(entries) > s.MaxList {
		entries = entries[:s.MaxList]
	}
	return entries, nil
}

// previewOf extracts the first user message as a one-line summary.
func previewOf(messages []model.Message) string {
	for _, msg := range messages {
		if msg.Role == model.RoleUser && msg.Content != "" {
			line := strings.ReplaceAll(msg.Content, "\n", " ")
			line = strings.ReplaceAll(line, "\r", "")
			return util.TruncateRunes(line, 80)
		}
	}
	return ""
}

// =============================================================================
// DELETE OPERATIONS
// =============================================================================

// Delete removes a saved conversation by name.
func (s *HistoryStore) Delete(name string) error {
	path := s.Path(name)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return &PersistenceError{Op: "delete", Path: path, Err: err}
	}
	return nil
}

// Clear removes every history file. Non-JSON files in the directory are
// left alone.
func (s *HistoryStore) Clear() error {
	dirEntries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &PersistenceError{Op: "delete", Path: s.BaseDir, Err: err}
	}

	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), ".json") {
			continue
		}
		os.Remove(filepath.Join(s.BaseDir, de.Name()))
	}
	return nil
}
