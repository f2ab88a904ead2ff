// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// messages.go - Bubble Tea messages passed between commands and Update.

package ui

import (
	"github.com/cityba/openai-hub/internal/catalog"
	"github.com/cityba/openai-hub/internal/chat"
	"github.com/cityba/openai-hub/internal/model"
	"github.com/cityba/openai-hub/internal/storage"
)

// =============================================================================
// STREAM MESSAGES
// =============================================================================

// flushMsg carries one display frame of coalesced response text from
// the stream relay. Frames are deltas; the view appends them to the
// partial response.
type flushMsg struct {
	text string
}

// outcomeMsg announces the terminal result of an exchange: the final
// state, the full text, and any code blocks not seen earlier in the
// conversation.
type outcomeMsg struct {
	outcome chat.Outcome
}

// sendDoneMsg reports the result of a Send or Continue call. A nil err
// means the stream opened and flush messages are on their way.
type sendDoneMsg struct {
	err error
}

// =============================================================================
// CATALOG MESSAGES
// =============================================================================

// catalogMsg delivers the model catalog for the picker overlay.
type catalogMsg struct {
	options []catalog.Option
	err     error
}

// =============================================================================
// HISTORY MESSAGES
// =============================================================================

// savesMsg delivers the saved-conversation list for the picker overlay.
type savesMsg struct {
	entries []storage.Entry
	err     error
}

// loadedMsg delivers a conversation read from disk, ready to restore
// into the controller.
type loadedMsg struct {
	name     string
	messages []model.Message
	err      error
}

// savedMsg reports a completed save.
type savedMsg struct {
	name string
	path string
	err  error
}

// historyChangedMsg fires when the filesystem watcher sees the history
// directory change, typically another process or an editor writing a
// conversation file.
type historyChangedMsg struct{}

// =============================================================================
// TIMING MESSAGES
// =============================================================================

// statusExpireMsg clears the transient status message whose sequence
// number it carries. A stale sequence number means a newer message has
// since replaced the one this expiry was armed for, and it is ignored.
type statusExpireMsg struct {
	seq int
}
