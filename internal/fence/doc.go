// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fence extracts fenced code blocks from completed assistant
// responses and renders them with syntax highlighting.
//
// Scan is a pure function over the full response text: the same input
// always yields the same blocks, and an unterminated fence yields nothing
// until its closing backticks arrive. Language tags go through a small
// alias table (py, js, ts, kt, c++, sh, vba, ...) so the display layer and
// the highlighter agree on canonical names; unrecognized tags pass through
// untouched and render as plain text.
package fence
