// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ui implements the full-screen terminal interface for
// openai-hub, built on Bubble Tea.
//
// The screen is a single chat view: a header, a scrolling transcript,
// an input line, and a status bar, with an optional code pane on the
// right collecting fenced blocks from responses. Overlays (the model
// picker, the saved-conversation picker, help) float above the chat
// and capture keys while open.
//
// Streaming responses arrive through a relay that forwards controller
// events into the program as messages. The controller already coalesces
// deltas into display frames, so every flush message repaints at most
// once per frame interval; the UI never throttles on its own.
//
// All blocking work (opening the stream, fetching the model catalog,
// reading saved conversations) runs in commands, never in Update, so
// the interface stays responsive while a slow free-tier model thinks.
package ui
