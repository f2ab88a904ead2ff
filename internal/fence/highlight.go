// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package fence

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/muesli/termenv"
)

// =============================================================================
// SYNTAX HIGHLIGHTING
// =============================================================================

// USABILITY: Syntax highlighting for better code readability.

// Highlighter renders code as ANSI-colored text for the terminal. It is
// stateless after construction and safe for concurrent use.
type Highlighter struct {
	style     string
	formatter string
}

// NewHighlighter creates a highlighter for the configured theme ("dark",
// "light", or "auto"). The output format follows the terminal's color
// capability, degrading to plain text on dumb terminals and pipes.
func NewHighlighter(theme string) *Highlighter {
	styleName := "monokai"
	switch theme {
	case "light":
		styleName = "monokailight"
	case "dark":
		styleName = "monokai"
	default:
		if !termenv.HasDarkBackground() {
			styleName = "monokailight"
		}
	}
	return &Highlighter{
		style:     styleName,
		formatter: formatterForProfile(termenv.ColorProfile()),
	}
}

// formatterForProfile maps a termenv color profile to a chroma formatter.
func formatterForProfile(p termenv.Profile) string {
	switch p {
	case termenv.TrueColor:
		return "terminal16m"
	case termenv.ANSI256:
		return "terminal256"
	case termenv.ANSI:
		return "terminal8"
	default:
		return "noop"
	}
}

// Highlight renders code with syntax coloring for the given language.
// Unknown languages fall back to content analysis and finally to plain
// text; highlighting failures return the code unchanged rather than
// erroring, since a readable uncolored block beats no block.
func (h *Highlighter) Highlight(code, language string) string {
	lexer := lexers.Get(language)
	if lexer == nil {
		lexer = lexers.Analyse(code)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get(h.style)
	if style == nil {
		style = chromaStyles.Fallback
	}

	formatter := formatters.Get(h.formatter)
	if formatter == nil {
		formatter = formatters.Fallback
	}

	iterator, err := lexer.Tokenise(nil, code)
	if err != nil {
		return code
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return code
	}
	return buf.String()
}

// HighlightBlock renders an extracted block with its canonical language.
func (h *Highlighter) HighlightBlock(b Block) string {
	return h.Highlight(b.Code, b.Language)
}
