// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// commands.go - Slash commands typed into the input line.
//
// The TUI understands the same command set as the plain REPL, with the
// listing commands replaced by overlays: /model and /load without
// arguments open pickers instead of printing tables.

package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// runCommand dispatches one slash command.
func (m Model) runCommand(text string) (tea.Model, tea.Cmd) {
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return m, nil
	}
	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?":
		m.showHelp = true
		return m, nil

	case "/quit", "/q", "/exit":
		return m, tea.Quit

	case "/clear", "/c":
		return m.clearConversation()

	case "/cancel":
		if !m.controller.Busy() {
			return m, m.setStatus(statusInfo, "nothing streaming")
		}
		m.controller.Cancel()
		return m, nil

	case "/continue":
		return m.continueExchange()

	case "/model", "/m":
		if len(args) == 0 {
			return m.openModelPicker(false)
		}
		return m.switchModel(args[0])

	case "/models":
		// Bypass the cache, the way "models --refresh" does.
		return m.openModelPicker(true)

	case "/attach", "/a":
		return m.attachFile(args)

	case "/save":
		return m.saveConversation(args)

	case "/load":
		if len(args) == 0 {
			return m.openSavesPicker()
		}
		return m, loadSaveCmd(m.app, args[0])

	case "/code":
		return m.toggleCodePane()

	case "/keys":
		return m.showKeys()

	case "/status", "/s":
		return m.showStatus()

	default:
		return m, m.setStatus(statusErr,
			fmt.Sprintf("unknown command: %s (/help lists commands)", command))
	}
}

// attachFile stages a local text file into the conversation.
func (m Model) attachFile(args []string) (tea.Model, tea.Cmd) {
	if len(args) == 0 {
		return m, m.setStatus(statusErr, "usage: /attach <path>")
	}

	// Paths may contain spaces; everything after the command is the path.
	path := strings.Join(args, " ")
	att, err := m.controller.AttachFile(path)
	if err != nil {
		return m, m.setStatus(statusErr, err.Error())
	}

	m.refreshTranscript()
	return m, m.setStatus(statusOK,
		fmt.Sprintf("attached %s (%d bytes)", att.Name, len(att.Content)))
}

// saveConversation persists the history under the given or a
// timestamped name.
func (m Model) saveConversation(args []string) (tea.Model, tea.Cmd) {
	if m.app.Store == nil {
		return m, m.setStatus(statusErr, "history storage is not available")
	}
	if m.controller.Len() == 0 {
		return m, m.setStatus(statusWarn, "nothing to save yet")
	}

	name := "chat-" + time.Now().Format("20060102-150405")
	if len(args) > 0 {
		name = args[0]
	}
	return m, saveCmd(m.app, name, m.controller.Messages())
}

// showKeys summarizes stored credential labels in the status line,
// without values.
func (m Model) showKeys() (tea.Model, tea.Cmd) {
	var parts []string
	if os.Getenv("OPENROUTER_API_KEY") != "" {
		parts = append(parts, "env key active")
	}

	if m.app.Credentials == nil {
		parts = append(parts, "no credential store")
	} else if labels := m.app.Credentials.Labels(); len(labels) > 0 {
		parts = append(parts, "stored: "+strings.Join(labels, ", "))
	} else {
		parts = append(parts, "no stored keys")
	}

	return m, m.setStatus(statusInfo, strings.Join(parts, " | "))
}

// showStatus summarizes the session in the status line.
func (m Model) showStatus() (tea.Model, tea.Cmd) {
	elapsed := time.Since(m.started).Round(time.Second)
	text := fmt.Sprintf("%s | %s | %d messages | %d exchanges | up %s",
		m.controller.Model(),
		m.controller.State().String(),
		m.controller.Len(),
		m.exchanges,
		elapsed)
	if m.controller.CanContinue() {
		text += " | truncated answer, /continue resumes it"
	}
	return m, m.setStatus(statusInfo, text)
}
