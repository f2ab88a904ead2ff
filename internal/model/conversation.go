// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/cityba/openai-hub/internal/util"
)

// DefaultWindow is the number of trailing history messages included in a
// request payload. Older messages stay in the conversation and on disk;
// they are simply not sent.
const DefaultWindow = 6

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation holds an ordered, append-only message history plus in-memory
// metadata. Only the Messages slice is persisted (as a bare JSON array of
// role/content objects); ID, Title and the timestamps are rebuilt on load.
type Conversation struct {
	ID        string
	Title     string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time

	Messages []Message
}

// NewConversation creates an empty conversation with a generated ID.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        uuid.New().String(),
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]Message, 0),
	}
}

// FromMessages rebuilds a conversation from a persisted message array.
// The title is derived from the first user message, as in NewConversation
// followed by appends.
func FromMessages(messages []Message) *Conversation {
	c := NewConversation()
	for _, msg := range messages {
		c.Append(msg)
	}
	return c
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// Append adds a message to the end of the history. History is append-only:
// no operation rewrites or removes an existing entry (Clear drops the whole
// history, which is the one sanctioned exception).
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
	c.UpdatedAt = time.Now()
	c.updateTitle()
}

// AppendUser appends a user message.
func (c *Conversation) AppendUser(content string) {
	c.Append(NewUserMessage(content))
}

// AppendAssistant appends an assistant message.
func (c *Conversation) AppendAssistant(content string) {
	c.Append(NewAssistantMessage(content))
}

// AppendSystem appends a system message.
func (c *Conversation) AppendSystem(content string) {
	c.Append(NewSystemMessage(content))
}

// Window returns the trailing n messages of the history. It returns the
// whole history when it holds fewer than n messages, and an empty slice
// when n <= 0. The returned slice is a copy; callers may not mutate
// history through it.
func (c *Conversation) Window(n int) []Message {
	if n <= 0 {
		return []Message{}
	}
	start := len(c.Messages) - n
	if start < 0 {
		start = 0
	}
	out := make([]Message, len(c.Messages)-start)
	copy(out, c.Messages[start:])
	return out
}

// Last returns the most recent message and true, or a zero Message and
// false when the history is empty.
func (c *Conversation) Last() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// LastRole returns the role of the most recent message, or "" for an
// empty history. Continuation is gated on this being RoleAssistant.
func (c *Conversation) LastRole() Role {
	if len(c.Messages) == 0 {
		return ""
	}
	return c.Messages[len(c.Messages)-1].Role
}

// Len returns the number of messages in the history.
func (c *Conversation) Len() int {
	return len(c.Messages)
}

// IsEmpty reports whether the history has no messages.
func (c *Conversation) IsEmpty() bool {
	return len(c.Messages) == 0
}

// Clear drops the whole history and resets the derived title. The
// conversation keeps its ID; a cleared conversation autosaves as an
// empty array.
func (c *Conversation) Clear() {
	c.Messages = make([]Message, 0)
	c.Title = ""
	c.UpdatedAt = time.Now()
}

// =============================================================================
// TITLE MANAGEMENT
// =============================================================================

// TitleRuneLimit caps derived titles.
const TitleRuneLimit = 50

// updateTitle derives the title from the first user message if unset.
func (c *Conversation) updateTitle() {
	if c.Title != "" {
		return
	}
	for _, msg := range c.Messages {
		if msg.Role == RoleUser {
			c.Title = util.TruncateRunes(util.FirstLine(msg.Content), TitleRuneLimit)
			return
		}
	}
}

// DisplayTitle returns the derived title or a placeholder for an
// untitled conversation.
func (c *Conversation) DisplayTitle() string {
	if c.Title != "" {
		return c.Title
	}
	return "New conversation"
}
