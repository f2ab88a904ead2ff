// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/cityba/openai-hub/internal/openrouter"
)

// =============================================================================
// SCHEMA
// =============================================================================

// schema holds the cached listing plus a fetched-at timestamp.
const schema = `
CREATE TABLE IF NOT EXISTS models (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    context_length INTEGER NOT NULL,
    prompt_price TEXT NOT NULL,
    completion_price TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metadata (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
) WITHOUT ROWID;
`

const fetchedAtKey = "fetched_at"

// ErrCacheEmpty is returned by Age when no listing was ever stored.
var ErrCacheEmpty = errors.New("model catalog cache is empty")

// =============================================================================
// CACHE
// =============================================================================

// Cache is the SQLite-backed offline copy of the model listing.
type Cache struct {
	db *sql.DB
}

// OpenCache opens or creates the cache database at path.
func OpenCache(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize cache schema: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// ReplaceAll swaps the cached listing for a new one in a single
// transaction and stamps the fetch time.
func (c *Cache) ReplaceAll(models []openrouter.ModelInfo) error {
	tx, err := c.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM models"); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO models (id, name, context_length, prompt_price, completion_price)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, m := range models {
		if _, err := stmt.Exec(m.ID, m.Name, m.ContextSize, m.Pricing.Prompt, m.Pricing.Completion); err != nil {
			return err
		}
	}

	now := strconv.FormatInt(time.Now().Unix(), 10)
	if _, err := tx.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, fetchedAtKey, now); err != nil {
		return err
	}

	return tx.Commit()
}

// LoadAll returns the cached listing ordered by model ID.
func (c *Cache) LoadAll() ([]openrouter.ModelInfo, error) {
	rows, err := c.db.Query(`
		SELECT id, name, context_length, prompt_price, completion_price
		FROM models ORDER BY id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var models []openrouter.ModelInfo
	for rows.Next() {
		var m openrouter.ModelInfo
		if err := rows.Scan(&m.ID, &m.Name, &m.ContextSize, &m.Pricing.Prompt, &m.Pricing.Completion); err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

// Age returns how long ago the listing was stored. ErrCacheEmpty means
// nothing was ever cached.
func (c *Cache) Age() (time.Duration, error) {
	var value string
	err := c.db.QueryRow("SELECT value FROM metadata WHERE key = ?", fetchedAtKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, ErrCacheEmpty
	}
	if err != nil {
		return 0, err
	}

	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt fetched_at value %q: %w", value, err)
	}
	return time.Since(time.Unix(unix, 0)), nil
}
