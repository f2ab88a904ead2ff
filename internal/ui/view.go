// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// view.go - Rendering for the chat view.
//
// The transcript is rendered in two tiers: committed history is cached
// in m.transcript and only rebuilt when history, size, or display
// state changes; the streaming tail is recomposed on every flush
// frame. Glamour runs only over completed assistant turns, so a
// half-arrived code fence never garbles the layout.

package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/cityba/openai-hub/internal/chat"
	"github.com/cityba/openai-hub/internal/model"
	"github.com/cityba/openai-hub/internal/ui/styles"
	"github.com/cityba/openai-hub/internal/util"
)

// =============================================================================
// TOP-LEVEL VIEW
// =============================================================================

// View renders the whole screen.
func (m Model) View() string {
	if !m.ready {
		return "\n  Initializing..."
	}
	if m.picker.IsVisible() {
		return m.picker.View()
	}
	if m.showHelp {
		return m.renderHelp()
	}

	body := m.viewport.View()
	if m.paneOpen() {
		body = lipgloss.JoinHorizontal(lipgloss.Top, body, m.pane.View())
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		m.renderHeader(),
		body,
		m.renderInput(),
		m.renderStatusBar(),
	)
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// refreshTranscript rebuilds the committed-history cache and pushes it
// into the viewport.
func (m *Model) refreshTranscript() {
	if !m.ready {
		return
	}

	msgs := m.controller.Messages()
	parts := make([]string, 0, len(msgs)+2)
	for _, msg := range msgs {
		switch msg.Role {
		case model.RoleUser:
			parts = append(parts, m.renderUserTurn(msg.Content))
		case model.RoleAssistant:
			parts = append(parts, m.renderAssistantTurn(msg.Content))
		case model.RoleSystem:
			parts = append(parts, m.renderSystemNote(msg.Content))
		}
	}

	if m.pending != "" {
		parts = append(parts, m.renderUserTurn(m.pending))
	}
	if m.orphanNote != "" {
		parts = append(parts, m.renderOrphan())
	}
	if len(parts) == 0 {
		parts = append(parts, m.renderWelcome())
	}

	m.transcript = strings.Join(parts, "\n\n")
	m.syncViewport()
}

// refreshTail recomposes only the streaming tail over the cached
// transcript. Called on every flush frame.
func (m *Model) refreshTail() {
	m.syncViewport()
}

// syncViewport pushes transcript plus tail into the viewport, keeping
// the view pinned to the bottom unless the user scrolled away.
func (m *Model) syncViewport() {
	content := m.transcript
	if m.waiting || m.streaming {
		content += "\n\n" + m.renderStreamingTail()
	}
	m.viewport.SetContent(content)
	if m.follow {
		m.viewport.GotoBottom()
	}
}

// renderUserTurn draws the prompt as a right-aligned bubble.
func (m *Model) renderUserTurn(text string) string {
	w := m.viewport.Width
	maxBubble := w * 3 / 4
	if maxBubble < 20 {
		maxBubble = 20
	}

	style := m.theme.UserBubble
	if lipgloss.Width(text) > maxBubble {
		style = style.Width(maxBubble)
	}
	return lipgloss.PlaceHorizontal(w, lipgloss.Right, style.Render(text))
}

// renderAssistantTurn draws a completed response, through glamour when
// markdown rendering is on.
func (m *Model) renderAssistantTurn(text string) string {
	label := m.theme.AssistantLabel.Render("assistant")

	if m.markdown != nil {
		if rendered, err := m.markdown.Render(text); err == nil {
			return label + "\n" + strings.TrimRight(rendered, "\n")
		}
	}
	return label + "\n" + m.wrapBody(text)
}

// renderSystemNote compresses a system turn (attachments, restored
// context) to its first line; the full content still travels with the
// conversation.
func (m *Model) renderSystemNote(content string) string {
	first := util.FirstLine(content)
	if extra := strings.Count(content, "\n"); extra > 0 {
		first += fmt.Sprintf(" (+%d lines)", extra)
	}
	return m.theme.SystemNote.Render(util.TruncateWidth(first, m.viewport.Width-4))
}

// renderStreamingTail draws the in-flight response: a thinking spinner
// until the first delta, then raw text with a cursor.
func (m *Model) renderStreamingTail() string {
	label := m.theme.AssistantLabel.Render("assistant")
	if m.partial == "" {
		return label + "\n" + m.spin.View() + " " + m.theme.ThinkingText.Render("thinking...")
	}
	return label + "\n" + m.wrapBody(m.partial) + m.theme.StreamCursor.Render("|")
}

// renderOrphan draws the leftover partial of a cancelled or failed
// run, tagged so it cannot be mistaken for a committed answer.
func (m *Model) renderOrphan() string {
	tag := m.theme.CancelTag.Render(m.orphanNote)
	if m.orphan == "" {
		return tag
	}
	label := m.theme.AssistantLabel.Render("assistant")
	return label + "\n" + m.wrapBody(m.orphan) + "\n" + tag
}

// renderWelcome fills the empty transcript with a short orientation.
func (m *Model) renderWelcome() string {
	modelID := m.controller.Model()
	tier := m.theme.TierPaidBadge.Render("paid")
	if chat.IsFreeModel(modelID) {
		tier = m.theme.TierFreeBadge.Render(
			fmt.Sprintf("free, %d requests/minute", chat.FreeRequestsPerMinute))
	}

	lines := []string{
		m.theme.HeaderTitle.Render("openai-hub"),
		"",
		m.theme.StatusModel.Render(modelID) + "  " + tier,
		"",
		m.theme.ShortcutDesc.Render("Type a message and press Enter. /help lists commands."),
	}
	return lipgloss.PlaceHorizontal(m.viewport.Width, lipgloss.Center,
		strings.Join(lines, "\n"))
}

// wrapBody wraps raw response text to the transcript width.
func (m *Model) wrapBody(text string) string {
	w := m.viewport.Width - 2
	if w < 10 {
		w = 10
	}
	return m.theme.AssistantBody.Width(w).Render(text)
}

// =============================================================================
// CHROME
// =============================================================================

// renderHeader draws the single title row.
func (m Model) renderHeader() string {
	title := m.controller.Title()
	if title == "" {
		title = "new conversation"
	}
	meta := fmt.Sprintf("%s | %d messages", title, m.controller.Len())

	left := m.theme.HeaderTitle.Render("openai-hub")
	right := m.theme.HeaderMeta.Render(util.TruncateWidth(meta, m.width-18))
	return m.theme.Header.Width(m.width - 2).Render(left + "  " + right)
}

// renderInput draws the input line inside its bordered container.
func (m Model) renderInput() string {
	return m.theme.InputContainer.Width(m.width - 2).Render(m.input.View())
}

// renderStatusBar draws the bottom row: state, model and tier, budget,
// then the transient message or the shortcut hints, dropped in that
// order when the terminal runs out of columns.
func (m Model) renderStatusBar() string {
	state := m.controller.State().String()
	if m.waiting && !m.streaming {
		state = "connecting"
	}

	segments := []string{
		m.stateStyle(state).Render(styles.IndicatorFor(state) + " " + state),
		m.renderModelSegment(),
		m.theme.ShortcutDesc.Render(fmt.Sprintf("%d tok", m.controller.MaxTokens())),
	}
	if !m.follow {
		segments = append(segments,
			m.theme.ShortcutDesc.Render(fmt.Sprintf("%d%%", int(m.viewport.ScrollPercent()*100))))
	}
	sep := m.theme.ShortcutDesc.Render(" | ")
	left := strings.Join(segments, sep)

	right := m.renderStatusRight()
	gap := m.width - 2 - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 2 {
		right = ""
		gap = m.width - 2 - lipgloss.Width(left)
	}
	if gap < 0 {
		gap = 0
	}

	return m.theme.StatusBar.
		Width(m.width - 2).
		MaxHeight(1).
		Render(left + strings.Repeat(" ", gap) + right)
}

// renderStatusRight picks the right-hand status content: a transient
// message wins, then the continuation reminder, then key hints.
func (m Model) renderStatusRight() string {
	if m.status != "" {
		style := m.theme.StatusInfo
		switch m.statusKind {
		case statusOK:
			style = m.theme.StatusOK
		case statusWarn:
			style = m.theme.StatusWarn
		case statusErr:
			style = m.theme.StatusErr
		}
		return style.Render(util.TruncateWidth(m.status, m.width*2/3))
	}

	if m.controller.CanContinue() {
		return m.theme.StatusWarn.Render("/continue resumes the truncated answer")
	}

	hints := make([]string, 0, 4)
	for _, b := range m.keys.ShortHelp() {
		h := b.Help()
		hints = append(hints,
			m.theme.ShortcutKey.Render(h.Key)+" "+m.theme.ShortcutDesc.Render(h.Desc))
	}
	return strings.Join(hints, "  ")
}

// renderModelSegment shows the active model with its pricing tier.
func (m Model) renderModelSegment() string {
	id := m.controller.Model()
	badge := m.theme.TierPaidBadge.Render("paid")
	if chat.IsFreeModel(id) {
		badge = m.theme.TierFreeBadge.Render("free")
	}
	return m.theme.StatusModel.Render(util.TruncateWidth(id, 42)) + " " + badge
}

// stateStyle maps a display state to its status bar styling.
func (m Model) stateStyle(state string) lipgloss.Style {
	switch state {
	case "completed":
		return m.theme.StatusOK
	case "failed":
		return m.theme.StatusErr
	case "truncated", "cancelled":
		return m.theme.StatusWarn
	case "streaming", "connecting":
		return m.theme.StatusInfo
	default:
		return m.theme.ShortcutDesc
	}
}

// =============================================================================
// HELP OVERLAY
// =============================================================================

// renderHelp draws the centered help overlay: key bindings on the
// left, slash commands on the right.
func (m Model) renderHelp() string {
	var b strings.Builder

	b.WriteString(m.theme.HelpTitle.Render("Keys"))
	b.WriteString("\n")
	for _, group := range m.keys.FullHelp() {
		for _, bind := range group {
			h := bind.Help()
			b.WriteString(m.theme.HelpKey.Render(h.Key))
			b.WriteString(m.theme.HelpDesc.Render(h.Desc))
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(m.theme.HelpTitle.Render("Commands"))
	b.WriteString("\n")
	commands := []struct {
		cmd  string
		desc string
	}{
		{"/model [id]", "Show the picker or switch directly"},
		{"/models", "Picker with a fresh catalog fetch"},
		{"/attach <path>", "Attach a text file"},
		{"/continue", "Continue a truncated answer"},
		{"/cancel", "Stop the current response"},
		{"/code", "Toggle the code pane"},
		{"/save [name]", "Save the conversation"},
		{"/load [name]", "Load a saved conversation"},
		{"/status", "Session summary"},
		{"/keys", "Stored key labels"},
		{"/clear", "Clear the conversation"},
		{"/quit", "Exit"},
	}
	for _, c := range commands {
		b.WriteString(m.theme.HelpKey.Render(c.cmd))
		b.WriteString(m.theme.HelpDesc.Render(c.desc))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.theme.PickerHint.Render("Esc or C-g closes help"))

	box := m.theme.HelpBox.Render(b.String())
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}
