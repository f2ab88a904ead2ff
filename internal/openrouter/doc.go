// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package openrouter implements the HTTP client for the OpenRouter chat
// completions API.
//
// OpenRouter fronts many model providers behind one OpenAI-compatible API.
// The package covers the three calls the application makes:
//
//   - streaming chat completions over server-sent events (ChatStream)
//   - blocking chat completions (Chat)
//   - the model catalog listing (ListModels)
//
// Streaming responses arrive as "data:" prefixed SSE lines. FrameParser
// classifies each line into a Frame carrying a content delta and/or a finish
// reason; heartbeats, the [DONE] marker, and undecodable payloads are
// discarded without terminating the stream. Only transport failures end a
// stream early, and those surface as a StreamError preserving the content
// received so far.
//
// RELIABILITY: Retries are opt-in and only ever happen before the first
// body byte. Rate limit responses wait RetryPolicy.RateLimitWait (or the
// server's Retry-After when present); connection timeouts wait
// RetryPolicy.TimeoutWait. A stream that has started is never retried.
package openrouter
