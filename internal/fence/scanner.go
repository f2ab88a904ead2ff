// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fence

import (
	"regexp"
	"strings"
)

// =============================================================================
// BLOCK EXTRACTION
// =============================================================================

// Block is one fenced code block extracted from a response.
type Block struct {
	Language string // canonical language, "text" when the fence is untagged
	Code     string // body with surrounding whitespace trimmed
	Start    int    // byte offset of the opening fence in the scanned text
	End      int    // byte offset just past the closing fence
}

// Key identifies a block by exact content. The display layer uses it to
// avoid surfacing the same (language, code) pair twice across re-scans.
func (b Block) Key() string {
	return b.Language + "\x00" + b.Code
}

// fenceRe matches "triple backtick, optional language tag, body, triple
// backtick". The body is non-greedy with dot-matches-newline, so the first
// closing fence wins and backticks inside a line of code do not close the
// block. The tag class includes + for c++.
var fenceRe = regexp.MustCompile("(?s)```([\\w+]*)\\n?(.*?)\\n```")

// Scan extracts all fenced code blocks from text, in order of appearance.
// It is a pure function: no state is kept between calls, and scanning the
// same text twice yields the same blocks. An unterminated fence yields no
// block, so a response that is still streaming never produces a partial
// block. Fences with an empty body are skipped.
func Scan(text string) []Block {
	matches := fenceRe.FindAllStringSubmatchIndex(text, -1)
	blocks := make([]Block, 0, len(matches))
	for _, m := range matches {
		code := strings.TrimSpace(text[m[4]:m[5]])
		if code == "" {
			continue
		}
		blocks = append(blocks, Block{
			Language: Canonical(text[m[2]:m[3]]),
			Code:     code,
			Start:    m[0],
			End:      m[1],
		})
	}
	return blocks
}

// =============================================================================
// LANGUAGE ALIASES
// =============================================================================

// aliases maps fence tag abbreviations to canonical display languages.
// Keys are lowercase.
var aliases = map[string]string{
	"py":         "python",
	"python":     "python",
	"js":         "javascript",
	"javascript": "javascript",
	"ts":         "javascript",
	"java":       "java",
	"kt":         "kotlin",
	"kotlin":     "kotlin",
	"cpp":        "cpp",
	"c++":        "cpp",
	"php":        "php",
	"sh":         "bash",
	"bash":       "bash",
	"vba":        "vb",
	"excel":      "vb",
	"vb":         "vb",
}

// Canonical resolves a fence language tag to its display language. The tag
// is trimmed; an empty tag becomes "text"; known abbreviations map to their
// canonical name; anything else passes through verbatim and renders as
// plain text downstream.
func Canonical(tag string) string {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return "text"
	}
	if canonical, ok := aliases[strings.ToLower(tag)]; ok {
		return canonical
	}
	return tag
}
