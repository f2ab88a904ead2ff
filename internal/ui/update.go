// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// update.go - Message dispatch for the chat view.

package ui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/cityba/openai-hub/internal/chat"
	"github.com/cityba/openai-hub/internal/cli"
	"github.com/cityba/openai-hub/internal/config"
	"github.com/cityba/openai-hub/internal/model"
	"github.com/cityba/openai-hub/internal/openrouter"
	"github.com/cityba/openai-hub/internal/session"
	"github.com/cityba/openai-hub/internal/ui/styles"
)

// catalogTimeout bounds the picker's catalog fetch. Matches the plain
// REPL's /models budget.
const catalogTimeout = 30 * time.Second

// =============================================================================
// UPDATE
// =============================================================================

// Update is the single message dispatcher.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.follow = m.viewport.AtBottom()
		return m, cmd

	case spinner.TickMsg:
		// Both spinners run off the same message type; each ignores
		// ticks tagged for the other.
		var cmds []tea.Cmd
		if m.waiting || m.streaming {
			var cmd tea.Cmd
			m.spin, cmd = m.spin.Update(msg)
			cmds = append(cmds, cmd)
		}
		if m.picker.IsVisible() {
			var cmd tea.Cmd
			m.picker, cmd = m.picker.Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)

	case flushMsg:
		return m.handleFlush(msg)

	case sendDoneMsg:
		return m.handleSendDone(msg)

	case outcomeMsg:
		return m.handleOutcome(msg)

	case catalogMsg:
		return m.handleCatalog(msg)

	case savesMsg:
		return m.handleSaves(msg)

	case pickedMsg:
		return m.handlePicked(msg)

	case loadedMsg:
		return m.handleLoaded(msg)

	case savedMsg:
		if msg.err != nil {
			return m, m.setStatus(statusErr, "save failed: "+msg.err.Error())
		}
		return m, m.setStatus(statusOK, "saved "+msg.path)

	case historyChangedMsg:
		// Autosaves land here too, so no toast; just keep an open
		// saved-conversation picker current.
		if m.picker.IsVisible() && m.picker.Mode() == pickSave {
			return m, listSavesCmd(m.app)
		}
		return m, nil

	case statusExpireMsg:
		if msg.seq == m.statusSeq {
			m.status = ""
		}
		return m, nil
	}

	// Everything else (cursor blinks and friends) goes to whichever
	// input has focus.
	var cmd tea.Cmd
	if m.picker.IsVisible() {
		m.picker, cmd = m.picker.Update(msg)
	} else {
		m.input, cmd = m.input.Update(msg)
	}
	return m, cmd
}

// =============================================================================
// KEY HANDLING
// =============================================================================

// handleKey routes keyboard input by priority: emergency quit, open
// overlays, chat shortcuts, then the text input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}

	if m.picker.IsVisible() {
		var cmd tea.Cmd
		m.picker, cmd = m.picker.Update(msg)
		return m, cmd
	}

	if m.showHelp {
		if key.Matches(msg, m.keys.Help) || key.Matches(msg, m.keys.Cancel) {
			m.showHelp = false
		}
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Interrupt):
		if m.controller.Busy() {
			m.controller.Cancel()
			return m, nil
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Cancel):
		if m.controller.Busy() {
			m.controller.Cancel()
		}
		return m, nil

	case key.Matches(msg, m.keys.Submit):
		return m.submit()

	case key.Matches(msg, m.keys.PageUp):
		m.viewport.ViewUp()
		m.follow = m.viewport.AtBottom()
		return m, nil

	case key.Matches(msg, m.keys.PageDown):
		m.viewport.ViewDown()
		m.follow = m.viewport.AtBottom()
		return m, nil

	case key.Matches(msg, m.keys.Models):
		return m.openModelPicker(false)

	case key.Matches(msg, m.keys.Saves):
		return m.openSavesPicker()

	case key.Matches(msg, m.keys.CodePane):
		return m.toggleCodePane()

	case key.Matches(msg, m.keys.Budget):
		return m.cycleBudget()

	case key.Matches(msg, m.keys.Clear):
		return m.clearConversation()

	case key.Matches(msg, m.keys.Help):
		m.showHelp = true
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// submit handles Enter: slash commands run immediately, anything else
// becomes a prompt.
func (m Model) submit() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return m, nil
	}

	if strings.HasPrefix(text, "/") {
		m.input.Reset()
		return m.runCommand(text)
	}

	if m.controller.Busy() {
		return m, m.setStatus(statusWarn, "a response is still streaming, Esc cancels it")
	}

	m.input.Reset()
	return m.startExchange(text)
}

// =============================================================================
// EXCHANGES
// =============================================================================

// startExchange echoes the prompt optimistically and opens the stream
// in a command, so a slow connect never freezes the interface. The
// spinner tick starts here and stays alive until the exchange reaches
// a terminal state.
func (m Model) startExchange(prompt string) (tea.Model, tea.Cmd) {
	m.waiting = true
	m.pending = prompt
	m.partial = ""
	m.orphan = ""
	m.orphanNote = ""
	m.follow = true
	m.refreshTranscript()

	ctrl := m.controller
	send := func() tea.Msg {
		return sendDoneMsg{err: ctrl.Send(context.Background(), prompt)}
	}
	return m, tea.Batch(send, m.spin.Tick)
}

// continueExchange resumes a truncated answer. The continuation turn
// appears in the transcript once the controller commits it.
func (m Model) continueExchange() (tea.Model, tea.Cmd) {
	if !m.controller.CanContinue() {
		return m, m.setStatus(statusWarn, "nothing to continue")
	}
	m.waiting = true
	m.partial = ""
	m.orphan = ""
	m.orphanNote = ""
	m.follow = true
	m.refreshTranscript()

	ctrl := m.controller
	send := func() tea.Msg {
		return sendDoneMsg{err: ctrl.Continue(context.Background())}
	}
	return m, tea.Batch(send, m.spin.Tick)
}

// handleFlush appends one display frame to the streaming tail.
func (m Model) handleFlush(msg flushMsg) (tea.Model, tea.Cmd) {
	// A frame can beat the sendDoneMsg across the program queue.
	m.waiting = false
	m.streaming = true
	if m.pending != "" {
		// The user turn is committed before any delta can arrive.
		m.pending = ""
		m.refreshTranscript()
	}
	m.partial += msg.text
	m.refreshTail()
	return m, nil
}

// handleSendDone reacts to the Send/Continue call returning. By this
// point the user turn is committed, even when the request failed.
func (m Model) handleSendDone(msg sendDoneMsg) (tea.Model, tea.Cmd) {
	m.pending = ""
	m.waiting = false

	if msg.err != nil {
		m.streaming = false
		m.refreshTranscript()
		return m, m.setStatus(statusErr, sendErrorText(msg.err))
	}

	// The command goroutine races the relay: a fast response can land
	// its outcome first, and then the stream must not be revived.
	m.streaming = m.controller.Busy()
	m.refreshTranscript()
	return m, nil
}

// handleOutcome folds the terminal result into the transcript.
func (m Model) handleOutcome(msg outcomeMsg) (tea.Model, tea.Cmd) {
	m.waiting = false
	m.streaming = false
	m.exchanges++
	res := msg.outcome.Result

	var cmds []tea.Cmd
	switch res.State {
	case session.StateCompleted, session.StateTruncated:
		m.partial = ""
		m.refreshTranscript()
		if len(msg.outcome.Blocks) > 0 {
			m.pane.Add(msg.outcome.Blocks)
			if !m.pane.IsVisible() {
				m.pane.Show()
				m.resize(m.width, m.height)
			}
			noun := "block"
			if len(msg.outcome.Blocks) > 1 {
				noun = "blocks"
			}
			cmds = append(cmds, m.setStatus(statusInfo,
				fmt.Sprintf("%d new code %s in the pane", len(msg.outcome.Blocks), noun)))
		}
		if res.State == session.StateTruncated {
			cmds = append(cmds, m.setStatus(statusWarn,
				"token limit reached, /continue resumes the answer"))
		}

	case session.StateCancelled:
		// Keep what streamed readable until the next exchange.
		m.orphan = m.partial
		m.orphanNote = "[Cancelled]"
		m.partial = ""
		m.refreshTranscript()
		cmds = append(cmds, m.setStatus(statusWarn, "response cancelled"))

	case session.StateFailed:
		m.orphan = m.partial
		m.orphanNote = "[Failed]"
		m.partial = ""
		m.refreshTranscript()
		cmds = append(cmds, m.setStatus(statusErr, failureText(res)))
	}

	return m, tea.Batch(cmds...)
}

// =============================================================================
// PICKER FLOWS
// =============================================================================

// openModelPicker shows the model list, fetching the catalog in the
// background. force bypasses the cache the way "models --refresh" does.
func (m Model) openModelPicker(force bool) (tea.Model, tea.Cmd) {
	if m.app.Catalog == nil {
		return m, m.setStatus(statusErr, "the model catalog is not available")
	}
	show := m.picker.Show(pickModel, "Models", "Up/Down navigate | Enter select | Esc close")
	return m, tea.Batch(show, loadCatalogCmd(m.app, force))
}

// openSavesPicker shows the saved-conversation list.
func (m Model) openSavesPicker() (tea.Model, tea.Cmd) {
	if m.app.Store == nil {
		return m, m.setStatus(statusErr, "history storage is not available")
	}
	show := m.picker.Show(pickSave, "Saved conversations", "Up/Down navigate | Enter load | Esc close")
	return m, tea.Batch(show, listSavesCmd(m.app))
}

// handleCatalog fills the model picker.
func (m Model) handleCatalog(msg catalogMsg) (tea.Model, tea.Cmd) {
	if !m.picker.IsVisible() || m.picker.Mode() != pickModel {
		return m, nil
	}
	if msg.err != nil {
		m.picker.SetProblem(msg.err.Error())
		return m, nil
	}

	active := m.controller.Model()
	items := make([]pickerItem, 0, len(msg.options))
	for _, opt := range msg.options {
		label := opt.Label()
		if opt.ID == active {
			label = "* " + label
		}
		items = append(items, pickerItem{id: opt.ID, label: label})
	}
	m.picker.SetItems(items)
	return m, nil
}

// handleSaves fills the saved-conversation picker.
func (m Model) handleSaves(msg savesMsg) (tea.Model, tea.Cmd) {
	if !m.picker.IsVisible() || m.picker.Mode() != pickSave {
		return m, nil
	}
	if msg.err != nil {
		m.picker.SetProblem(msg.err.Error())
		return m, nil
	}

	items := make([]pickerItem, 0, len(msg.entries))
	for _, e := range msg.entries {
		items = append(items, pickerItem{
			id:    e.Name,
			label: strings.TrimSuffix(e.Name, ".json"),
			detail: fmt.Sprintf("%s  %d msgs  %s",
				e.Modified.Format("2006-01-02 15:04"), e.Messages, e.Preview),
		})
	}
	m.picker.SetItems(items)
	return m, nil
}

// handlePicked acts on a confirmed selection.
func (m Model) handlePicked(msg pickedMsg) (tea.Model, tea.Cmd) {
	switch msg.mode {
	case pickModel:
		return m.switchModel(msg.id)
	case pickSave:
		return m, loadSaveCmd(m.app, msg.id)
	}
	return m, nil
}

// switchModel changes the active model for subsequent requests.
func (m Model) switchModel(id string) (tea.Model, tea.Cmd) {
	m.controller.SetModel(id)
	tier := "paid"
	if chat.IsFreeModel(id) {
		tier = "free"
	}
	return m, m.setStatus(statusOK, fmt.Sprintf("switched to %s (%s)", id, tier))
}

// handleLoaded restores a conversation read from disk.
func (m Model) handleLoaded(msg loadedMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		return m, m.setStatus(statusErr, "load failed: "+msg.err.Error())
	}

	blocks, err := m.controller.Restore(msg.messages)
	if err != nil {
		if errors.Is(err, session.ErrBusy) {
			return m, m.setStatus(statusErr, "a response is still streaming, Esc cancels it")
		}
		return m, m.setStatus(statusErr, "load failed: "+err.Error())
	}

	m.pending = ""
	m.partial = ""
	m.orphan = ""
	m.orphanNote = ""
	m.pane.SetBlocks(blocks)
	m.follow = true
	m.refreshTranscript()

	name := strings.TrimSuffix(msg.name, ".json")
	return m, m.setStatus(statusOK,
		fmt.Sprintf("loaded %s (%d messages)", name, len(msg.messages)))
}

// =============================================================================
// CHAT ACTIONS
// =============================================================================

// toggleCodePane flips the pane, warning when the terminal cannot fit
// the split.
func (m Model) toggleCodePane() (tea.Model, tea.Cmd) {
	m.pane.Toggle()
	if m.pane.IsVisible() && m.theme.GetLayoutMode() != styles.LayoutWide {
		m.pane.Toggle()
		return m, m.setStatus(statusWarn, "terminal too narrow for the code pane")
	}
	m.resize(m.width, m.height)
	return m, nil
}

// cycleBudget steps the completion budget through the configured
// ladder, wrapping at the top.
func (m Model) cycleBudget() (tea.Model, tea.Cmd) {
	options := config.MaxTokensOptions
	current := m.controller.MaxTokens()

	next := options[0]
	for i, v := range options {
		if v == current {
			next = options[(i+1)%len(options)]
			break
		}
	}
	m.controller.SetMaxTokens(next)
	return m, m.setStatus(statusInfo, fmt.Sprintf("completion budget %d tokens", next))
}

// clearConversation resets history, the code pane, and the display.
func (m Model) clearConversation() (tea.Model, tea.Cmd) {
	if err := m.controller.Clear(); err != nil {
		return m, m.setStatus(statusErr, err.Error())
	}
	m.pending = ""
	m.partial = ""
	m.orphan = ""
	m.orphanNote = ""
	m.pane.Clear()
	m.resize(m.width, m.height)
	return m, m.setStatus(statusOK, "conversation cleared")
}

// =============================================================================
// STATUS LINE
// =============================================================================

// setStatus shows a transient status message and arms its expiry.
func (m *Model) setStatus(kind statusKind, text string) tea.Cmd {
	m.status = text
	m.statusKind = kind
	m.statusSeq++
	seq := m.statusSeq
	return tea.Tick(statusTTL, func(time.Time) tea.Msg {
		return statusExpireMsg{seq: seq}
	})
}

// sendErrorText explains a rejected request, mirroring the REPL's
// phrasing so both front ends speak the same language.
func sendErrorText(err error) string {
	var throttled *chat.ThrottleError
	switch {
	case errors.As(err, &throttled):
		return err.Error()
	case errors.Is(err, openrouter.ErrRateLimited):
		return "the provider is rate limiting this key, wait a minute and retry"
	case errors.Is(err, session.ErrBusy):
		return "a response is still streaming, Esc cancels it"
	default:
		return err.Error()
	}
}

// failureText formats a failed exchange for the status line.
func failureText(res session.Result) string {
	if res.Status != 0 {
		return fmt.Sprintf("request failed (%d): %v", res.Status, res.Err)
	}
	return fmt.Sprintf("request failed: %v", res.Err)
}

// =============================================================================
// BACKGROUND COMMANDS
// =============================================================================

// loadCatalogCmd fetches the model catalog off the UI loop.
func loadCatalogCmd(app *cli.App, force bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
		defer cancel()
		options, err := app.Catalog.Models(ctx, force)
		return catalogMsg{options: options, err: err}
	}
}

// listSavesCmd reads the saved-conversation list off the UI loop.
func listSavesCmd(app *cli.App) tea.Cmd {
	return func() tea.Msg {
		entries, err := app.Store.List()
		return savesMsg{entries: entries, err: err}
	}
}

// loadSaveCmd reads one saved conversation off the UI loop.
func loadSaveCmd(app *cli.App, name string) tea.Cmd {
	return func() tea.Msg {
		messages, err := app.Store.Load(name)
		return loadedMsg{name: name, messages: messages, err: err}
	}
}

// saveCmd persists a history snapshot off the UI loop.
func saveCmd(app *cli.App, name string, messages []model.Message) tea.Cmd {
	return func() tea.Msg {
		path, err := app.Store.Save(name, messages)
		return savedMsg{name: name, path: path, err: err}
	}
}
