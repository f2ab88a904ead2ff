// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Shared services the CLI commands run against.

package cli

import (
	"log"

	"github.com/cityba/openai-hub/internal/catalog"
	"github.com/cityba/openai-hub/internal/config"
	"github.com/cityba/openai-hub/internal/openrouter"
	"github.com/cityba/openai-hub/internal/security"
	"github.com/cityba/openai-hub/internal/storage"
)

// App bundles the services built in main and handed to the command
// handlers. Fields a command does not touch may be nil; each handler
// checks what it needs.
type App struct {
	Config      *config.Config
	Client      *openrouter.Client
	Store       *storage.HistoryStore
	Catalog     *catalog.Catalog
	Credentials *security.CredentialStore
	Logger      *log.Logger
}
