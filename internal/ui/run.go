// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// run.go - program assembly for the full-screen chat interface.
package ui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cityba/openai-hub/internal/chat"
	"github.com/cityba/openai-hub/internal/cli"
	"github.com/cityba/openai-hub/internal/storage"
)

// Run starts the full-screen chat interface over the shared services
// and blocks until the user quits. It owns the controller and the
// history watcher for the lifetime of the program.
func Run(app *cli.App, args cli.Args) error {
	cfg := app.Config

	events := &relay{}

	ctrlCfg := chat.Config{
		SystemPrompt:  cfg.API.SystemPrompt,
		Window:        cfg.API.HistoryWindow,
		Temperature:   cfg.API.Temperature,
		MaxTokens:     cfg.API.MaxTokens,
		FlushInterval: cfg.Stream.FlushInterval(),
	}
	controller := chat.New(app.Client, app.Store, events, ctrlCfg).
		WithLogger(app.Logger)

	// RELIABILITY: The history watcher keeps the saves picker current
	// when another process writes the directory. The interface works
	// without it, so setup failures only log.
	var watcher *storage.Watcher
	if dir, err := cfg.HistoryDir(); err == nil {
		w, werr := storage.NewWatcher(dir, storage.DefaultDebounce, func() {
			events.post(historyChangedMsg{})
		})
		if werr == nil {
			watcher = w
		} else if app.Logger != nil {
			app.Logger.Printf("history watcher unavailable: %v", werr)
		}
	}

	m := newModel(app, controller, watcher)

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	events.SetProgram(p)

	if watcher != nil {
		if err := watcher.Watch(); err != nil {
			if app.Logger != nil {
				app.Logger.Printf("history watcher failed: %v", err)
			}
		} else {
			defer watcher.Close()
		}
	}

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("interface error: %w", err)
	}
	return nil
}
