// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// model.go - Bubble Tea model for the chat view.

package ui

import (
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/cityba/openai-hub/internal/chat"
	"github.com/cityba/openai-hub/internal/cli"
	"github.com/cityba/openai-hub/internal/fence"
	"github.com/cityba/openai-hub/internal/storage"
	"github.com/cityba/openai-hub/internal/ui/styles"
)

// =============================================================================
// LAYOUT CONSTANTS
// =============================================================================

// Reserved rows around the transcript viewport. Must match what
// View draws: one header row, the input line with its top border,
// and the status bar.
const (
	headerRows = 1
	inputRows  = 2
	statusRows = 1
	chromeRows = headerRows + inputRows + statusRows
)

// statusTTL is how long a transient status message stays up.
const statusTTL = 4 * time.Second

// inputCharLimit caps typed prompt length. Attachments bypass the
// input line, so the cap only guards against runaway paste.
const inputCharLimit = 4096

// =============================================================================
// STATUS KINDS
// =============================================================================

// statusKind selects the styling of the transient status message.
type statusKind int

const (
	statusInfo statusKind = iota
	statusOK
	statusWarn
	statusErr
)

// =============================================================================
// MODEL
// =============================================================================

// Model is the Bubble Tea model for the full-screen chat. All mutable
// UI state lives here; conversation state lives in the controller.
type Model struct {
	app   *cli.App
	keys  keyMap
	theme *styles.Theme

	controller *chat.Controller
	watcher    *storage.Watcher // nil when the history dir is unavailable

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model
	picker   picker
	pane     codePane

	// markdown renders completed assistant turns. nil means raw text,
	// either because rendering is off or the renderer failed to build.
	markdown *glamour.TermRenderer

	width  int
	height int
	ready  bool

	// Exchange state. waiting covers the connect phase between submit
	// and the stream opening; pending holds a submitted prompt until
	// its user turn lands in history; partial accumulates streamed
	// text; orphan keeps the partial of a cancelled or failed run
	// readable until the next exchange replaces it.
	waiting    bool
	streaming  bool
	pending    string
	partial    string
	orphan     string
	orphanNote string

	// transcript caches the rendered committed history so flush frames
	// only re-render the streaming tail.
	transcript string
	follow     bool

	status     string
	statusKind statusKind
	statusSeq  int

	exchanges int
	started   time.Time
	showHelp  bool
}

// newModel assembles the chat view around an already-built controller.
func newModel(app *cli.App, controller *chat.Controller, watcher *storage.Watcher) Model {
	theme := styles.NewTheme(app.Config.UI.Theme)

	ti := textinput.New()
	ti.Placeholder = "Message... (/ for commands)"
	ti.Prompt = "> "
	ti.CharLimit = inputCharLimit
	ti.Width = 70
	ti.PromptStyle = theme.InputPrompt
	ti.TextStyle = theme.InputText
	ti.PlaceholderStyle = theme.InputPlaceholder
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Spinner{
		Frames: styles.LineSpinner.Frames,
		FPS:    styles.LineSpinner.Duration(),
	}
	sp.Style = theme.Spinner

	return Model{
		app:        app,
		keys:       defaultKeyMap(),
		theme:      theme,
		controller: controller,
		watcher:    watcher,
		viewport:   viewport.New(80, 20),
		input:      ti,
		spin:       sp,
		picker:     newPicker(theme),
		pane:       newCodePane(theme, fence.NewHighlighter(app.Config.UI.Theme)),
		follow:     true,
		started:    time.Now(),
	}
}

// Init starts the cursor blink.
func (m Model) Init() tea.Cmd {
	return textinput.Blink
}

// =============================================================================
// LAYOUT
// =============================================================================

// resize recomputes every component's dimensions and re-renders the
// transcript for the new wrap width.
func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height
	m.theme.SetSize(width, height)
	m.picker.SetSize(width, height)

	bodyHeight := height - chromeRows
	if bodyHeight < 3 {
		bodyHeight = 3
	}

	transcriptWidth := width
	if m.paneOpen() {
		paneWidth := m.paneWidth()
		transcriptWidth = width - paneWidth
		m.pane.SetSize(paneWidth, bodyHeight)
	}

	m.viewport.Width = transcriptWidth
	m.viewport.Height = bodyHeight
	m.input.Width = width - 6 // prompt, padding, border corners

	m.rebuildMarkdown(transcriptWidth)
	m.ready = true
	m.refreshTranscript()
}

// paneOpen reports whether the code pane is drawn: toggled on and the
// terminal wide enough to split.
func (m *Model) paneOpen() bool {
	return m.pane.IsVisible() && m.theme.GetLayoutMode() == styles.LayoutWide
}

// paneWidth returns the code pane column width for the current
// terminal. Two fifths of the screen, kept inside sane bounds.
func (m *Model) paneWidth() int {
	w := m.width * 2 / 5
	if w < 32 {
		w = 32
	}
	if w > 72 {
		w = 72
	}
	return w
}

// rebuildMarkdown recreates the glamour renderer for a new wrap width.
// USABILITY: Respects the configured word_wrap as an upper bound, the
// way the plain REPL does, so both front ends wrap alike on wide
// terminals.
func (m *Model) rebuildMarkdown(width int) {
	m.markdown = nil
	if !m.app.Config.UI.Markdown {
		return
	}
	wrap := m.app.Config.UI.WordWrap
	if avail := width - 2; wrap <= 0 || wrap > avail {
		wrap = avail
	}
	if wrap < 20 {
		wrap = 20
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err == nil {
		m.markdown = renderer
	}
}
