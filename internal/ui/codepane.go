// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// codepane.go - Side pane collecting fenced code blocks.
//
// Responses that contain code surface their blocks here, syntax
// highlighted and stripped of markdown framing, the way the original
// client kept a separate code window next to the conversation. The
// pane accumulates across the conversation; a cleared or freshly
// loaded conversation resets it.

package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"

	"github.com/cityba/openai-hub/internal/fence"
	"github.com/cityba/openai-hub/internal/ui/styles"
)

// codePane is the collapsible code column.
type codePane struct {
	theme     *styles.Theme
	viewport  viewport.Model
	highlight *fence.Highlighter

	blocks  []fence.Block
	visible bool
	width   int
	height  int
}

// newCodePane builds a hidden, empty pane.
func newCodePane(theme *styles.Theme, highlight *fence.Highlighter) codePane {
	vp := viewport.New(40, 20)
	return codePane{
		theme:     theme,
		viewport:  vp,
		highlight: highlight,
	}
}

// Add appends fresh blocks and scrolls to the newest.
func (c *codePane) Add(blocks []fence.Block) {
	if len(blocks) == 0 {
		return
	}
	c.blocks = append(c.blocks, blocks...)
	c.refresh()
	c.viewport.GotoBottom()
}

// SetBlocks replaces the collection, for conversation loads.
func (c *codePane) SetBlocks(blocks []fence.Block) {
	c.blocks = blocks
	c.refresh()
	c.viewport.GotoTop()
}

// Clear drops every block and hides the pane.
func (c *codePane) Clear() {
	c.blocks = nil
	c.visible = false
	c.refresh()
}

// Toggle flips visibility.
func (c *codePane) Toggle() {
	c.visible = !c.visible
}

// Show opens the pane.
func (c *codePane) Show() {
	c.visible = true
}

// IsVisible reports whether the pane is drawn.
func (c *codePane) IsVisible() bool {
	return c.visible
}

// Count returns how many blocks the pane holds.
func (c *codePane) Count() int {
	return len(c.blocks)
}

// SetSize resizes the pane column. Width is the full column including
// the border and padding.
func (c *codePane) SetSize(width, height int) {
	c.width = width
	c.height = height
	c.viewport.Width = width - 2  // border and padding
	c.viewport.Height = height - 1 // title row
	c.refresh()
}

// refresh rebuilds the viewport content from the block list.
func (c *codePane) refresh() {
	if len(c.blocks) == 0 {
		c.viewport.SetContent(c.theme.PickerEmpty.Render("No code blocks yet"))
		return
	}

	innerWidth := c.viewport.Width
	if innerWidth < 10 {
		innerWidth = 10
	}
	rule := c.theme.PaneRule.Render(strings.Repeat("-", innerWidth))

	sections := make([]string, 0, len(c.blocks)*2)
	for i, b := range c.blocks {
		badge := c.theme.PaneBadge.Render(fmt.Sprintf("%d. %s", i+1, b.Language))
		sections = append(sections, badge+"\n"+c.highlight.HighlightBlock(b))
	}
	c.viewport.SetContent(strings.Join(sections, "\n"+rule+"\n"))
}

// View renders the pane column: a title row, then the scrolling blocks.
func (c *codePane) View() string {
	title := c.theme.PaneTitle.Render(fmt.Sprintf("Code [%d]", len(c.blocks)))
	return c.theme.PaneBorder.
		Width(c.width - 2).
		Height(c.height).
		Render(title + "\n" + c.viewport.View())
}
