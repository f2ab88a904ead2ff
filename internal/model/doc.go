// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// This package defines the core domain types used throughout the application
// for representing chat conversations and their messages. The types mirror
// the history-file wire shape: a conversation persists as an ordered JSON
// array of {role, content} objects, so Message carries exactly those two
// fields and nothing else.
//
// # Key Types
//
//   - Conversation: Container for a chat session; append-only message list
//   - Message: Single message with role and content
//   - Role: Message role enumeration (system, user, assistant)
//
// # Usage
//
// Create a new conversation:
//
//	conv := model.NewConversation()
//	conv.AppendUser("Hello!")
//
// Build the trailing request window:
//
//	msgs := conv.Window(6)
package model
