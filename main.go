// openai-hub - streaming chat for OpenRouter models.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/cityba/openai-hub/internal/catalog"
	"github.com/cityba/openai-hub/internal/cli"
	"github.com/cityba/openai-hub/internal/config"
	"github.com/cityba/openai-hub/internal/openrouter"
	"github.com/cityba/openai-hub/internal/security"
	"github.com/cityba/openai-hub/internal/storage"
	"github.com/cityba/openai-hub/internal/ui"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()

	// Version and help need no services.
	switch cmd {
	case cli.CmdVersion:
		cli.PrintVersion()
		return
	case cli.CmdHelp:
		if args.Subcommand != "" {
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args.Subcommand)
			cli.PrintUsage()
			os.Exit(1)
		}
		cli.PrintUsage()
		return
	}

	app, cleanup := buildApp(args)
	defer cleanup()

	var err error
	switch cmd {
	case cli.CmdKeys:
		err = cli.RunKeys(app, args)
	case cli.CmdModels:
		err = cli.RunModels(app, args)
	case cli.CmdChat, cli.CmdTUI:
		if args.Plain {
			err = cli.RunREPL(app, args)
		} else {
			err = ui.Run(app, args)
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// SERVICE ASSEMBLY
// =============================================================================

// buildApp assembles the shared services for the command handlers.
// Services that fail to come up are left nil with a logged reason; each
// handler checks for what it needs, so "keys list" still works when the
// catalog database is broken and vice versa.
func buildApp(args cli.Args) (*cli.App, func()) {
	logger := log.New(io.Discard, "", 0)
	if args.Verbose {
		logger = log.New(os.Stderr, "openai-hub ", log.LstdFlags)
	}

	cfg, err := config.Load()
	if err != nil {
		// RELIABILITY: A broken config file must not brick the binary.
		fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
		cfg = config.Default()
		cfg.ApplyEnvOverrides()
	}

	app := &cli.App{Config: cfg, Logger: logger}
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	app.Credentials = openCredentials(logger)

	// SECURITY: The environment variable wins over the stored key, so a
	// shell session can temporarily use a different account.
	apiKey := os.Getenv("OPENROUTER_API_KEY")
	if apiKey == "" && app.Credentials != nil {
		if stored, err := app.Credentials.Get(cli.DefaultKeyLabel); err == nil {
			apiKey = stored
		}
	}

	modelID := cfg.API.Model
	if args.Model != "" {
		modelID = args.Model
	}
	client := openrouter.NewClient(apiKey, modelID).
		WithBaseURL(cfg.API.BaseURL).
		WithTimeout(cfg.Stream.Timeout()).
		WithLogger(logger)
	if cfg.Stream.Retry.Enabled {
		client.WithRetry(openrouter.RetryPolicy{
			Enabled:       true,
			MaxAttempts:   cfg.Stream.Retry.MaxAttempts,
			RateLimitWait: cfg.Stream.Retry.RateLimitWait(),
			TimeoutWait:   cfg.Stream.Retry.TimeoutWait(),
		})
	}
	app.Client = client

	if dir, err := cfg.HistoryDir(); err == nil {
		store, err := storage.NewHistoryStoreWithDir(dir)
		if err != nil {
			logger.Printf("history store unavailable: %v", err)
		} else {
			if cfg.History.MaxEntries > 0 {
				store.MaxList = cfg.History.MaxEntries
			}
			app.Store = store
		}
	} else {
		logger.Printf("history store unavailable: %v", err)
	}

	app.Catalog = openCatalog(cfg, client, logger, &cleanups)

	return app, cleanup
}

// openCredentials opens the encrypted key store, generating the master
// key on first use.
func openCredentials(logger *log.Logger) *security.CredentialStore {
	keyPath, err := config.MasterKeyPath()
	if err != nil {
		logger.Printf("credential store unavailable: %v", err)
		return nil
	}
	credPath, err := config.CredentialsPath()
	if err != nil {
		logger.Printf("credential store unavailable: %v", err)
		return nil
	}
	cipher, err := security.NewCipherFromKeyFile(keyPath)
	if err != nil {
		logger.Printf("credential store unavailable: %v", err)
		return nil
	}
	store, err := security.NewCredentialStore(credPath, cipher, logger)
	if err != nil {
		logger.Printf("credential store unavailable: %v", err)
		return nil
	}
	return store
}

// openCatalog opens the cached model catalog with the configured filter.
func openCatalog(cfg *config.Config, client *openrouter.Client, logger *log.Logger, cleanups *[]func()) *catalog.Catalog {
	cachePath, err := config.CatalogCachePath()
	if err != nil {
		logger.Printf("model catalog unavailable: %v", err)
		return nil
	}
	cache, err := catalog.OpenCache(cachePath)
	if err != nil {
		logger.Printf("model catalog unavailable: %v", err)
		return nil
	}
	*cleanups = append(*cleanups, func() {
		if err := cache.Close(); err != nil {
			logger.Printf("catalog cache close: %v", err)
		}
	})

	filter := catalog.DefaultFilter()
	if len(cfg.Catalog.Providers) > 0 {
		filter.Providers = cfg.Catalog.Providers
	}
	if cfg.Catalog.MinContext > 0 {
		filter.MinContext = cfg.Catalog.MinContext
	}
	filter.FreeOnly = cfg.Catalog.FreeOnly

	return catalog.New(client, cache).
		WithFilter(filter).
		WithMaxAge(cfg.Catalog.Stale()).
		WithLogger(logger)
}
