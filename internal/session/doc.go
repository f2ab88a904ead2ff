// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package session runs one streaming model response at a time and
// coalesces its deltas for display.
//
// A Session separates the network read loop from the display path. A
// worker goroutine pulls frames off the open stream and hands them to a
// consumer goroutine over a channel; only the consumer touches the
// response buffer and the sink, so sinks never need their own locking.
// Content is flushed on a recurring interval rather than per delta,
// keeping terminal repaints bounded no matter how fast the model streams.
//
// # Key Types
//
//   - Session: Lifecycle and buffers for one streaming exchange
//   - Sink: Receiver for coalesced flushes and the final Result
//   - State: Idle, Streaming, or one of four terminal states
//   - FlushMsg, DoneMsg: Bubble Tea messages posted by ProgramSink
//
// # Usage
//
// Start a stream and wait for the outcome:
//
//	sess := session.New(client, sink, session.DefaultConfig())
//	if err := sess.Start(ctx, req); err != nil {
//	    // Rejected before any content: busy, bad status, or transport.
//	}
//	sess.Wait()
//
// Stop an active response, keeping what already arrived:
//
//	sess.Cancel()
//	partial := sess.Buffer()
package session
