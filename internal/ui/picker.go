// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// picker.go - Filterable list overlay.
//
// One overlay serves both selection tasks in the chat view: switching
// the active model (items come from the catalog) and loading a saved
// conversation (items come from the history store). The caller decides
// what the selection means from the mode carried by pickedMsg.

package ui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cityba/openai-hub/internal/ui/styles"
	"github.com/cityba/openai-hub/internal/util"
)

// =============================================================================
// PICKER STATE
// =============================================================================

// pickMode says what a selection in the overlay means.
type pickMode int

const (
	pickNone pickMode = iota
	pickModel
	pickSave
)

// pickerItem is one selectable row.
type pickerItem struct {
	id     string // value delivered on selection
	label  string // primary row text, also the filter target
	detail string // dim secondary text
}

// scoredItem pairs an item with its filter score.
type scoredItem struct {
	item  pickerItem
	score int
}

// pickedMsg reports a confirmed selection.
type pickedMsg struct {
	mode pickMode
	id   string
}

// maxPickerRows caps how many rows the overlay lists; the filter line
// exists to reach the rest.
const maxPickerRows = 10

// picker is the filterable list overlay.
type picker struct {
	theme *styles.Theme

	input textinput.Model
	spin  spinner.Model

	mode     pickMode
	title    string
	hint     string
	items    []pickerItem
	filtered []scoredItem
	selected int

	visible bool
	loading bool
	problem string

	width  int
	height int
}

// newPicker builds a hidden picker.
func newPicker(theme *styles.Theme) picker {
	ti := textinput.New()
	ti.Placeholder = "Type to filter..."
	ti.Prompt = "> "
	ti.CharLimit = 100
	ti.Width = 50
	ti.PromptStyle = theme.InputPrompt
	ti.TextStyle = theme.InputText
	ti.PlaceholderStyle = theme.InputPlaceholder

	sp := spinner.New()
	sp.Spinner = spinner.Spinner{
		Frames: styles.DotsSpinner.Frames,
		FPS:    styles.DotsSpinner.Duration(),
	}
	sp.Style = theme.Spinner

	return picker{
		theme: theme,
		input: ti,
		spin:  sp,
	}
}

// =============================================================================
// VISIBILITY
// =============================================================================

// Show opens the overlay empty and loading; SetItems fills it when the
// backing command returns.
func (p *picker) Show(mode pickMode, title, hint string) tea.Cmd {
	p.mode = mode
	p.title = title
	p.hint = hint
	p.items = nil
	p.filtered = nil
	p.selected = 0
	p.problem = ""
	p.loading = true
	p.visible = true
	p.input.Reset()
	return tea.Batch(p.input.Focus(), p.spin.Tick)
}

// Hide closes the overlay.
func (p *picker) Hide() {
	p.visible = false
	p.loading = false
	p.mode = pickNone
	p.input.Blur()
}

// IsVisible reports whether the overlay is open.
func (p *picker) IsVisible() bool {
	return p.visible
}

// Mode returns what the picker is choosing.
func (p *picker) Mode() pickMode {
	return p.mode
}

// SetItems replaces the list and clears the loading state.
func (p *picker) SetItems(items []pickerItem) {
	p.items = items
	p.loading = false
	p.problem = ""
	p.selected = 0
	p.updateFiltered()
}

// SetProblem shows an error row instead of results.
func (p *picker) SetProblem(text string) {
	p.loading = false
	p.problem = text
	p.items = nil
	p.filtered = nil
}

// SetSize updates the screen dimensions used for centering.
func (p *picker) SetSize(width, height int) {
	p.width = width
	p.height = height
}

// =============================================================================
// FILTERING
// =============================================================================

// updateFiltered rebuilds the visible rows from the current query.
// Ties keep list order, so an empty query shows the backing list as
// delivered: catalog order for models, most recent first for saves.
func (p *picker) updateFiltered() {
	query := strings.TrimSpace(p.input.Value())

	p.filtered = p.filtered[:0]
	for _, item := range p.items {
		score, matched := fuzzyMatch(query, item.label)
		if matched {
			p.filtered = append(p.filtered, scoredItem{item: item, score: score})
		}
	}

	sort.SliceStable(p.filtered, func(i, j int) bool {
		return p.filtered[i].score > p.filtered[j].score
	})

	if p.selected >= len(p.filtered) {
		p.selected = 0
	}
}

// =============================================================================
// UPDATE
// =============================================================================

// Update handles keys and spinner ticks while the overlay is open.
func (p picker) Update(msg tea.Msg) (picker, tea.Cmd) {
	if !p.visible {
		return p, nil
	}

	switch msg := msg.(type) {
	case spinner.TickMsg:
		if !p.loading {
			return p, nil
		}
		var cmd tea.Cmd
		p.spin, cmd = p.spin.Update(msg)
		return p, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			p.Hide()
			return p, nil

		case "enter":
			if p.selected >= 0 && p.selected < len(p.filtered) {
				mode := p.mode
				id := p.filtered[p.selected].item.id
				p.Hide()
				return p, func() tea.Msg {
					return pickedMsg{mode: mode, id: id}
				}
			}
			return p, nil

		case "up", "ctrl+k":
			if len(p.filtered) == 0 {
				return p, nil
			}
			p.selected--
			if p.selected < 0 {
				p.selected = len(p.filtered) - 1
			}
			return p, nil

		case "down", "ctrl+j", "tab":
			if len(p.filtered) == 0 {
				return p, nil
			}
			p.selected++
			if p.selected >= len(p.filtered) {
				p.selected = 0
			}
			return p, nil
		}
	}

	previous := p.input.Value()
	var cmd tea.Cmd
	p.input, cmd = p.input.Update(msg)
	if p.input.Value() != previous {
		p.updateFiltered()
		p.selected = 0
	}
	return p, cmd
}

// =============================================================================
// VIEW
// =============================================================================

// View renders the centered overlay box over a blank canvas.
func (p *picker) View() string {
	if !p.visible {
		return ""
	}

	boxWidth := 72
	if p.width > 0 && p.width < boxWidth+8 {
		boxWidth = p.width - 8
	}
	if boxWidth < 40 {
		boxWidth = 40
	}
	rowWidth := boxWidth - 6

	header := p.theme.PickerTitle.Render(p.title)
	separator := p.theme.PaneRule.Render(strings.Repeat("-", boxWidth-4))

	p.input.Width = rowWidth
	inputView := p.input.View()

	var body string
	switch {
	case p.loading:
		body = p.theme.PickerEmpty.Render(p.spin.View() + " loading")
	case p.problem != "":
		body = p.theme.StatusErr.Render(styles.StatusIndicators.Error + " " + p.problem)
	case len(p.filtered) == 0:
		body = p.theme.PickerEmpty.Render("No matches")
	default:
		rows := make([]string, 0, maxPickerRows+1)
		for i, sc := range p.filtered {
			if i >= maxPickerRows {
				remaining := len(p.filtered) - maxPickerRows
				rows = append(rows, p.theme.PickerCount.Render(
					fmt.Sprintf("  ... %d more", remaining)))
				break
			}
			rows = append(rows, p.renderRow(sc.item, i == p.selected, rowWidth))
		}
		body = strings.Join(rows, "\n")
	}

	count := p.theme.PickerCount.Render(
		fmt.Sprintf("%d/%d", len(p.filtered), len(p.items)))
	hint := p.theme.PickerHint.Render(p.hint)

	content := lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		separator,
		inputView,
		separator,
		body,
		count,
		hint,
	)

	box := p.theme.PickerBox.Width(boxWidth).Render(content)

	if p.width > 0 && p.height > 0 {
		return lipgloss.Place(
			p.width, p.height,
			lipgloss.Center, lipgloss.Center,
			box,
		)
	}
	return box
}

// renderRow renders one list row with the selection indicator.
func (p *picker) renderRow(item pickerItem, selected bool, width int) string {
	label := item.label
	if item.detail != "" {
		label += "  " + item.detail
	}
	label = util.TruncateWidth(label, width-2)

	if selected {
		return p.theme.PickerItemSelected.Render("> " + label)
	}
	return p.theme.PickerItem.Render("  " + label)
}
