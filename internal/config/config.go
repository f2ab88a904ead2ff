// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cityba/openai-hub/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete openai-hub configuration.
type Config struct {
	Version string `toml:"version"`

	// API contains request payload settings
	API APIConfig `toml:"api"`

	// Stream contains streaming and retry settings
	Stream StreamConfig `toml:"stream"`

	// History contains saved-conversation settings
	History HistoryConfig `toml:"history"`

	// Catalog contains model-catalog filter settings
	Catalog CatalogConfig `toml:"catalog"`

	// UI contains terminal UI settings
	UI UIConfig `toml:"ui"`
}

// APIConfig contains chat-completion payload settings.
type APIConfig struct {
	// BaseURL is the OpenRouter API base URL
	BaseURL string `toml:"base_url"`
	// Model is the default model identifier
	Model string `toml:"model"`
	// Temperature is the sampling temperature (0.0-2.0)
	Temperature float64 `toml:"temperature"`
	// MaxTokens is the completion token budget; see MaxTokensOptions
	MaxTokens int `toml:"max_tokens"`
	// SystemPrompt is sent as the leading system message on every request
	SystemPrompt string `toml:"system_prompt"`
	// HistoryWindow is how many trailing history messages are sent with
	// each request. Older messages stay in history but are not sent.
	HistoryWindow int `toml:"history_window"`
}

// StreamConfig contains streaming behavior settings.
type StreamConfig struct {
	// FlushIntervalMs is the display coalescing interval in milliseconds.
	// Deltas arriving faster than this are batched into one UI update.
	FlushIntervalMs int `toml:"flush_interval_ms"`
	// TimeoutSecs is the connect/read timeout in seconds
	TimeoutSecs int `toml:"timeout_secs"`

	// Retry configures the optional pre-stream retry policy
	Retry RetryConfig `toml:"retry"`
}

// RetryConfig contains the opt-in retry policy for rate limits and
// timeouts. Retries only ever happen before the first streamed byte;
// a stream that dies midway is never silently restarted.
type RetryConfig struct {
	// Enabled turns the retry policy on (off by default)
	Enabled bool `toml:"enabled"`
	// MaxAttempts caps total attempts including the first (1-10)
	MaxAttempts int `toml:"max_attempts"`
	// RateLimitWaitSecs is the wait after a 429 when the server sends
	// no Retry-After header
	RateLimitWaitSecs int `toml:"rate_limit_wait_secs"`
	// TimeoutWaitSecs is the wait after a connect/read timeout
	TimeoutWaitSecs int `toml:"timeout_wait_secs"`
}

// HistoryConfig contains saved-conversation storage settings.
type HistoryConfig struct {
	// Dir overrides the history directory (default ~/.openai-hub/history)
	Dir string `toml:"dir"`
	// MaxEntries caps how many saved conversations the list shows
	MaxEntries int `toml:"max_entries"`
}

// CatalogConfig contains model-catalog filter settings.
type CatalogConfig struct {
	// Providers is the model provider allow-list
	Providers []string `toml:"providers"`
	// MinContext is the minimum acceptable context length in tokens
	MinContext int `toml:"min_context"`
	// FreeOnly hides paid models from the picker
	FreeOnly bool `toml:"free_only"`
	// StaleHours is how old the cached catalog may grow before a
	// background refresh (hours)
	StaleHours int `toml:"stale_hours"`
}

// UIConfig contains terminal UI settings.
type UIConfig struct {
	// Theme is the UI theme: "dark", "light", "auto"
	Theme string `toml:"theme"`
	// WordWrap is the markdown render width in columns
	WordWrap int `toml:"word_wrap"`
	// Markdown renders completed responses through the markdown
	// renderer instead of printing raw text
	Markdown bool `toml:"markdown"`
}

// =============================================================================
// OPTION TABLES
// =============================================================================

// MaxTokensOptions is the completion-budget ladder offered by the UI.
// Free values may be set in the config file; the UI only offers these.
var MaxTokensOptions = []int{4096, 8192, 16384, 32768, 65536, 131072}

// MaxTokensLimit is the largest accepted completion budget.
const MaxTokensLimit = 131072

// DefaultProviders is the default model provider allow-list.
var DefaultProviders = []string{
	"deepseek", "openrouter", "google", "mistral", "meta", "moonshotai", "anthropic",
}

// =============================================================================
// DEFAULT CONFIGURATION
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		API: APIConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       "deepseek/deepseek-chat-v3-0324:free",
			Temperature: 0.4,
			MaxTokens:   32768,
			SystemPrompt: "You are a professional coding assistant specialized in Python, " +
				"Kotlin, Java, PHP, JavaScript and Excel. Provide clean, efficient code " +
				"following best practices. Include required dependencies and clear " +
				"explanations when asked. For Excel, include formulas and VBA solutions " +
				"where appropriate.",
			HistoryWindow: 6,
		},

		Stream: StreamConfig{
			FlushIntervalMs: 90,
			TimeoutSecs:     30,
			Retry: RetryConfig{
				Enabled:           false,
				MaxAttempts:       3,
				RateLimitWaitSecs: 60,
				TimeoutWaitSecs:   5,
			},
		},

		History: HistoryConfig{
			Dir:        "", // resolved against ConfigDir when empty
			MaxEntries: 15,
		},

		Catalog: CatalogConfig{
			Providers:  append([]string(nil), DefaultProviders...),
			MinContext: 64000,
			FreeOnly:   true,
			StaleHours: 24,
		},

		UI: UIConfig{
			Theme:    "auto",
			WordWrap: 80,
			Markdown: true,
		},
	}
}

// =============================================================================
// DERIVED ACCESSORS
// =============================================================================

// FlushInterval returns the coalescing interval as a duration.
func (s StreamConfig) FlushInterval() time.Duration {
	return time.Duration(s.FlushIntervalMs) * time.Millisecond
}

// Timeout returns the connect/read timeout as a duration.
func (s StreamConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSecs) * time.Second
}

// RateLimitWait returns the post-429 wait as a duration.
func (r RetryConfig) RateLimitWait() time.Duration {
	return time.Duration(r.RateLimitWaitSecs) * time.Second
}

// TimeoutWait returns the post-timeout wait as a duration.
func (r RetryConfig) TimeoutWait() time.Duration {
	return time.Duration(r.TimeoutWaitSecs) * time.Second
}

// Stale returns the catalog staleness threshold as a duration.
func (c CatalogConfig) Stale() time.Duration {
	return time.Duration(c.StaleHours) * time.Hour
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the openai-hub configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".openai-hub"), nil
}

// ConfigPath returns the path to the TOML config file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// HistoryDir returns the resolved history directory: the configured
// override when set, otherwise <config dir>/history.
func (c *Config) HistoryDir() (string, error) {
	if c.History.Dir != "" {
		return c.History.Dir, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "history"), nil
}

// MasterKeyPath returns the path to the credential master key file.
func MasterKeyPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "master.key"), nil
}

// CredentialsPath returns the path to the encrypted credentials file.
func CredentialsPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.json"), nil
}

// CatalogCachePath returns the path to the model-catalog cache database.
func CatalogCachePath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "catalog.db"), nil
}

// EnsureConfigDir ensures the config directory exists.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0755)
}

// ensureSecurePermissions checks and fixes permissions on config files.
// SECURITY: Config files should be 0600 (owner read/write only).
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if mode := info.Mode().Perm(); mode != 0600 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the default config file. A missing file
// is not an error; defaults are used. Environment overrides are applied
// last, then defaults are filled and the result validated.
func Load() (*Config, error) {
	path, err := ConfigPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file path with
// full validation. A missing file yields the defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, statErr := os.Stat(path); statErr == nil {
		if err := loadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
// SECURITY: Checks and fixes file permissions on load.
func loadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		// Permissions might not be fixable on all filesystems.
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// fillDefaults fills in any missing values with defaults. A partial
// config file only overrides what it mentions.
func (c *Config) fillDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}

	if c.API.BaseURL == "" {
		c.API.BaseURL = defaults.API.BaseURL
	}
	if c.API.Model == "" {
		c.API.Model = defaults.API.Model
	}
	if c.API.Temperature == 0 {
		c.API.Temperature = defaults.API.Temperature
	}
	if c.API.MaxTokens == 0 {
		c.API.MaxTokens = defaults.API.MaxTokens
	}
	if c.API.SystemPrompt == "" {
		c.API.SystemPrompt = defaults.API.SystemPrompt
	}
	if c.API.HistoryWindow == 0 {
		c.API.HistoryWindow = defaults.API.HistoryWindow
	}

	if c.Stream.FlushIntervalMs == 0 {
		c.Stream.FlushIntervalMs = defaults.Stream.FlushIntervalMs
	}
	if c.Stream.TimeoutSecs == 0 {
		c.Stream.TimeoutSecs = defaults.Stream.TimeoutSecs
	}
	if c.Stream.Retry.MaxAttempts == 0 {
		c.Stream.Retry.MaxAttempts = defaults.Stream.Retry.MaxAttempts
	}
	if c.Stream.Retry.RateLimitWaitSecs == 0 {
		c.Stream.Retry.RateLimitWaitSecs = defaults.Stream.Retry.RateLimitWaitSecs
	}
	if c.Stream.Retry.TimeoutWaitSecs == 0 {
		c.Stream.Retry.TimeoutWaitSecs = defaults.Stream.Retry.TimeoutWaitSecs
	}

	if c.History.MaxEntries == 0 {
		c.History.MaxEntries = defaults.History.MaxEntries
	}

	if len(c.Catalog.Providers) == 0 {
		c.Catalog.Providers = append([]string(nil), DefaultProviders...)
	}
	if c.Catalog.MinContext == 0 {
		c.Catalog.MinContext = defaults.Catalog.MinContext
	}
	if c.Catalog.StaleHours == 0 {
		c.Catalog.StaleHours = defaults.Catalog.StaleHours
	}

	if c.UI.Theme == "" {
		c.UI.Theme = defaults.UI.Theme
	}
	if c.UI.WordWrap == 0 {
		c.UI.WordWrap = defaults.UI.WordWrap
	}
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// Save saves the configuration to the default TOML file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Config files are written with 0600 permissions.
// RELIABILITY: Atomic write with fsync prevents data loss on crash.
func SaveTOML(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	fmt.Fprintln(&buf, "# openai-hub configuration file")
	fmt.Fprintln(&buf, "# Generated by openai-hub - edit with care")
	fmt.Fprintln(&buf, "")

	encoder := toml.NewEncoder(&buf)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if u, err := url.Parse(c.API.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, ValidationError{
			Field:   "api.base_url",
			Message: fmt.Sprintf("invalid URL %q", c.API.BaseURL),
		})
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, ValidationError{
			Field:   "api.base_url",
			Message: fmt.Sprintf("unsupported scheme %q, must be http or https", u.Scheme),
		})
	}

	if c.API.Model == "" {
		errs = append(errs, ValidationError{
			Field:   "api.model",
			Message: "model must not be empty",
		})
	}

	if c.API.Temperature < 0 || c.API.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "api.temperature",
			Message: fmt.Sprintf("temperature %.2f out of range [0.0, 2.0]", c.API.Temperature),
		})
	}

	if c.API.MaxTokens <= 0 || c.API.MaxTokens > MaxTokensLimit {
		errs = append(errs, ValidationError{
			Field:   "api.max_tokens",
			Message: fmt.Sprintf("max_tokens %d out of range (1, %d]", c.API.MaxTokens, MaxTokensLimit),
		})
	}

	if c.API.HistoryWindow < 0 {
		errs = append(errs, ValidationError{
			Field:   "api.history_window",
			Message: "history_window cannot be negative",
		})
	}

	if c.Stream.FlushIntervalMs < 10 || c.Stream.FlushIntervalMs > 1000 {
		errs = append(errs, ValidationError{
			Field:   "stream.flush_interval_ms",
			Message: fmt.Sprintf("flush interval %dms out of range [10, 1000]", c.Stream.FlushIntervalMs),
		})
	}

	if c.Stream.TimeoutSecs < 1 {
		errs = append(errs, ValidationError{
			Field:   "stream.timeout_secs",
			Message: "timeout must be at least 1 second",
		})
	}

	if c.Stream.Retry.Enabled {
		if c.Stream.Retry.MaxAttempts < 1 || c.Stream.Retry.MaxAttempts > 10 {
			errs = append(errs, ValidationError{
				Field:   "stream.retry.max_attempts",
				Message: fmt.Sprintf("max_attempts %d out of range [1, 10]", c.Stream.Retry.MaxAttempts),
			})
		}
	}

	if c.History.MaxEntries < 1 {
		errs = append(errs, ValidationError{
			Field:   "history.max_entries",
			Message: "max_entries must be at least 1",
		})
	}

	if c.Catalog.MinContext < 0 {
		errs = append(errs, ValidationError{
			Field:   "catalog.min_context",
			Message: "min_context cannot be negative",
		})
	}

	validThemes := map[string]bool{"dark": true, "light": true, "auto": true}
	if !validThemes[strings.ToLower(c.UI.Theme)] {
		errs = append(errs, ValidationError{
			Field:   "ui.theme",
			Message: fmt.Sprintf("invalid theme %q, must be one of: dark, light, auto", c.UI.Theme),
		})
	}

	if c.UI.WordWrap < 20 || c.UI.WordWrap > 500 {
		errs = append(errs, ValidationError{
			Field:   "ui.word_wrap",
			Message: fmt.Sprintf("word_wrap %d out of range [20, 500]", c.UI.WordWrap),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - OPENAI_HUB_BASE_URL: overrides api.base_url
//   - OPENAI_HUB_MODEL: overrides api.model
//   - OPENAI_HUB_TEMPERATURE: overrides api.temperature
//   - OPENAI_HUB_MAX_TOKENS: overrides api.max_tokens
//   - OPENAI_HUB_HISTORY_DIR: overrides history.dir
//   - OPENAI_HUB_THEME: overrides ui.theme
//
// OPENROUTER_API_KEY is read by the application entry point, not here.
func (c *Config) ApplyEnvOverrides() {
	if base := os.Getenv("OPENAI_HUB_BASE_URL"); base != "" {
		c.API.BaseURL = base
	}

	if model := os.Getenv("OPENAI_HUB_MODEL"); model != "" {
		c.API.Model = model
	}

	if temp := os.Getenv("OPENAI_HUB_TEMPERATURE"); temp != "" {
		if v, err := strconv.ParseFloat(temp, 64); err == nil {
			c.API.Temperature = v
		}
	}

	if tokens := os.Getenv("OPENAI_HUB_MAX_TOKENS"); tokens != "" {
		if v, err := strconv.Atoi(tokens); err == nil {
			c.API.MaxTokens = v
		}
	}

	if dir := os.Getenv("OPENAI_HUB_HISTORY_DIR"); dir != "" {
		c.History.Dir = dir
	}

	if theme := os.Getenv("OPENAI_HUB_THEME"); theme != "" {
		c.UI.Theme = theme
	}
}
