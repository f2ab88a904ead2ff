// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for openai-hub.
//
// Configuration lives in a single TOML file with sensible defaults,
// environment variable overrides, and field-level validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - APIConfig: Model, sampling and payload settings
//   - StreamConfig: Streaming timeouts, flush interval and retry policy
//   - HistoryConfig: Saved-conversation storage settings
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (OPENAI_HUB_*)
//   - ~/.openai-hub/config.toml
//   - Built-in defaults
//
// API keys are never stored here; they live in the encrypted credential
// store (see internal/security) or the OPENROUTER_API_KEY environment
// variable.
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Access settings:
//
//	model := cfg.API.Model
//	timeout := cfg.Stream.Timeout()
package config
