// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat coordinates a conversation against the chat completions
// API: it owns the message history, composes request payloads, drives
// the streaming session, and turns finished responses into history
// entries, extracted code blocks, and autosaves.
//
// The controller is the only writer of the conversation. History is
// append-only: a send appends the user turn, a finished stream appends
// the assistant turn, and nothing ever rewrites an existing entry. The
// one exception is Clear, which drops the whole history.
//
// # Key Types
//
//   - Controller: the conversation controller; one per conversation surface
//   - Events: display callbacks (streamed text, finished exchanges)
//   - Outcome: terminal result of one exchange plus newly surfaced code blocks
//   - Attachment: a local text file staged into the conversation
//
// # Usage
//
//	ctrl := chat.New(client, store, events, chat.DefaultConfig())
//	if err := ctrl.Send(ctx, "write a quicksort in python"); err != nil {
//		// rejected before streaming: busy, throttled, or the request failed
//	}
//	// events.Flush receives coalesced deltas; events.Done receives the Outcome.
package chat
