// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage persists conversations as plain JSON history files.
//
// Each conversation is one file holding an ordered array of
// {role, content} objects, exactly the shape the chat API consumes, so a
// history file can be inspected, edited, or replayed with nothing but a
// text editor. Files live in a flat directory; the newest ones surface
// in the saved-conversations list.
//
// # Key Types
//
//   - HistoryStore: Save, Autosave, Load, List, Delete, Clear
//   - Entry: Lightweight listing record (name, mtime, preview)
//   - Watcher: fsnotify-based refresh signal for external file changes
//
// # Usage
//
// Save and reload a conversation:
//
//	store, err := storage.NewHistoryStore()
//	path, err := store.Save("refactor-notes", messages)
//	messages, err = store.Load("refactor-notes")
//
// Autosave after a completed response:
//
//	if _, err := store.Autosave(messages); err != nil {
//	    log.Printf("autosave failed: %v", err)
//	}
//
// # Storage Location
//
// History files are stored in ~/.openai-hub/history/ as JSON files.
package storage
