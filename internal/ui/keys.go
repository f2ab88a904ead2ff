// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// keys.go - Keyboard bindings for the chat interface.
//
// The input line owns the keyboard, so every chat-level shortcut is a
// control chord or a key the text input ignores. Plain letters always
// type.

package ui

import (
	"github.com/charmbracelet/bubbles/key"
)

// =============================================================================
// KEY MAP DEFINITION
// =============================================================================

// keyMap defines the keyboard bindings for the chat interface. Each
// binding carries help text for the help overlay.
type keyMap struct {
	Submit    key.Binding
	Cancel    key.Binding
	Interrupt key.Binding
	Quit      key.Binding
	PageUp    key.Binding
	PageDown  key.Binding
	Models    key.Binding
	Saves     key.Binding
	CodePane  key.Binding
	Budget    key.Binding
	Clear     key.Binding
	Help      key.Binding
}

// defaultKeyMap returns the default key bindings.
func defaultKeyMap() keyMap {
	return keyMap{
		Submit: key.NewBinding(
			key.WithKeys("enter"),
			key.WithHelp("Enter", "send"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("Esc", "cancel response / close overlay"),
		),
		Interrupt: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("C-c", "cancel response, quit when idle"),
		),
		Quit: key.NewBinding(
			key.WithKeys("ctrl+q"),
			key.WithHelp("C-q", "quit"),
		),
		PageUp: key.NewBinding(
			key.WithKeys("pgup"),
			key.WithHelp("PgUp", "scroll transcript up"),
		),
		PageDown: key.NewBinding(
			key.WithKeys("pgdown"),
			key.WithHelp("PgDn", "scroll transcript down"),
		),
		Models: key.NewBinding(
			key.WithKeys("ctrl+p"),
			key.WithHelp("C-p", "model picker"),
		),
		Saves: key.NewBinding(
			key.WithKeys("ctrl+r"),
			key.WithHelp("C-r", "saved conversations"),
		),
		CodePane: key.NewBinding(
			key.WithKeys("ctrl+o"),
			key.WithHelp("C-o", "toggle code pane"),
		),
		Budget: key.NewBinding(
			key.WithKeys("ctrl+t"),
			key.WithHelp("C-t", "cycle token budget"),
		),
		Clear: key.NewBinding(
			key.WithKeys("ctrl+l"),
			key.WithHelp("C-l", "clear conversation"),
		),
		Help: key.NewBinding(
			key.WithKeys("ctrl+g"),
			key.WithHelp("C-g", "toggle help"),
		),
	}
}

// ShortHelp returns the bindings shown in the status bar.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Submit, k.Models, k.CodePane, k.Help}
}

// FullHelp returns the binding groups shown in the help overlay.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Submit, k.Cancel, k.Interrupt, k.Quit},
		{k.Models, k.Saves, k.Budget, k.Clear},
		{k.CodePane, k.PageUp, k.PageDown, k.Help},
	}
}
