// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling system for the openai-hub TUI.
package styles

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme holds all the styled components for the application.
// It detects the terminal's color capability and adjusts accordingly.
type Theme struct {
	// Terminal capabilities
	IsDark       bool
	HasTrueColor bool
	ColorProfile termenv.Profile

	// Layout dimensions
	Width  int
	Height int

	// ==========================================================================
	// HEADER STYLES
	// ==========================================================================

	Header      lipgloss.Style
	HeaderTitle lipgloss.Style
	HeaderMeta  lipgloss.Style

	// ==========================================================================
	// TRANSCRIPT STYLES
	// ==========================================================================

	UserBubble     lipgloss.Style
	AssistantLabel lipgloss.Style
	AssistantBody  lipgloss.Style
	SystemNote     lipgloss.Style
	StreamCursor   lipgloss.Style
	CancelTag      lipgloss.Style

	// ==========================================================================
	// INPUT AREA STYLES
	// ==========================================================================

	InputContainer   lipgloss.Style
	InputPrompt      lipgloss.Style
	InputText        lipgloss.Style
	InputPlaceholder lipgloss.Style

	// ==========================================================================
	// STATUS BAR STYLES
	// ==========================================================================

	StatusBar     lipgloss.Style
	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusErr     lipgloss.Style
	StatusInfo    lipgloss.Style
	StatusModel   lipgloss.Style
	TierFreeBadge lipgloss.Style
	TierPaidBadge lipgloss.Style
	ShortcutKey   lipgloss.Style
	ShortcutDesc  lipgloss.Style

	// ==========================================================================
	// PICKER OVERLAY STYLES
	// ==========================================================================

	PickerBox          lipgloss.Style
	PickerTitle        lipgloss.Style
	PickerItem         lipgloss.Style
	PickerItemSelected lipgloss.Style
	PickerDetail       lipgloss.Style
	PickerCount        lipgloss.Style
	PickerEmpty        lipgloss.Style
	PickerHint         lipgloss.Style

	// ==========================================================================
	// CODE PANE STYLES
	// ==========================================================================

	PaneBorder lipgloss.Style
	PaneTitle  lipgloss.Style
	PaneBadge  lipgloss.Style
	PaneRule   lipgloss.Style

	// ==========================================================================
	// HELP OVERLAY STYLES
	// ==========================================================================

	HelpBox   lipgloss.Style
	HelpTitle lipgloss.Style
	HelpKey   lipgloss.Style
	HelpDesc  lipgloss.Style

	// ==========================================================================
	// SPINNER STYLES
	// ==========================================================================

	Spinner      lipgloss.Style
	ThinkingText lipgloss.Style
}

// NewTheme creates a theme with all styles configured. mode is the
// configured preference: "dark" and "light" force the palette variant,
// anything else falls back to terminal background detection.
// USABILITY: Forcing the variant matters over SSH and in multiplexers,
// where background detection often guesses wrong.
func NewTheme(mode string) *Theme {
	colorProfile := termenv.ColorProfile()
	hasTrueColor := colorProfile == termenv.TrueColor

	var isDark bool
	switch mode {
	case "dark":
		isDark = true
	case "light":
		isDark = false
	default:
		isDark = termenv.HasDarkBackground()
	}
	lipgloss.SetHasDarkBackground(isDark)

	t := &Theme{
		IsDark:       isDark,
		HasTrueColor: hasTrueColor,
		ColorProfile: colorProfile,
	}

	t.initStyles()
	return t
}

// initStyles initializes all the lip gloss styles.
func (t *Theme) initStyles() {
	// Header
	t.Header = lipgloss.NewStyle().
		Background(SurfaceDim).
		Foreground(TextSecondary).
		Padding(0, 1)

	t.HeaderTitle = lipgloss.NewStyle().
		Bold(true).
		Foreground(Cyan)

	t.HeaderMeta = lipgloss.NewStyle().
		Foreground(TextMuted)

	// Transcript
	t.UserBubble = lipgloss.NewStyle().
		Foreground(UserBubbleFg).
		Background(UserBubbleBg).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(UserBubbleBorder).
		Padding(0, 1)

	t.AssistantLabel = lipgloss.NewStyle().
		Bold(true).
		Foreground(Purple)

	t.AssistantBody = lipgloss.NewStyle().
		Foreground(AssistantBubbleFg)

	t.SystemNote = lipgloss.NewStyle().
		Foreground(SystemNoteFg).
		BorderStyle(lipgloss.NormalBorder()).
		BorderLeft(true).
		BorderForeground(SystemNoteBorder).
		PaddingLeft(1)

	t.StreamCursor = lipgloss.NewStyle().
		Foreground(Purple).
		Bold(true)

	t.CancelTag = lipgloss.NewStyle().
		Foreground(Rose).
		Bold(true)

	// Input area
	t.InputContainer = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderTop(true).
		BorderForeground(Overlay).
		Padding(0, 1)

	t.InputPrompt = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.InputText = lipgloss.NewStyle().
		Foreground(TextPrimary)

	t.InputPlaceholder = lipgloss.NewStyle().
		Foreground(TextMuted).
		Italic(true)

	// Status bar
	t.StatusBar = lipgloss.NewStyle().
		Background(SurfaceDim).
		Foreground(TextSecondary).
		Padding(0, 1)

	t.StatusOK = lipgloss.NewStyle().
		Foreground(Emerald).
		Bold(true)

	t.StatusWarn = lipgloss.NewStyle().
		Foreground(Amber).
		Bold(true)

	t.StatusErr = lipgloss.NewStyle().
		Foreground(Rose).
		Bold(true)

	t.StatusInfo = lipgloss.NewStyle().
		Foreground(Cyan)

	t.StatusModel = lipgloss.NewStyle().
		Foreground(TextPrimary).
		Bold(true)

	t.TierFreeBadge = lipgloss.NewStyle().
		Foreground(TierFree).
		Bold(true)

	t.TierPaidBadge = lipgloss.NewStyle().
		Foreground(TierPaid).
		Bold(true)

	t.ShortcutKey = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.ShortcutDesc = lipgloss.NewStyle().
		Foreground(TextMuted)

	// Picker overlay
	t.PickerBox = lipgloss.NewStyle().
		Background(Surface).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(Purple).
		Padding(1, 2)

	t.PickerTitle = lipgloss.NewStyle().
		Foreground(Purple).
		Bold(true)

	t.PickerItem = lipgloss.NewStyle().
		Foreground(TextPrimary).
		Padding(0, 1)

	t.PickerItemSelected = lipgloss.NewStyle().
		Background(Purple).
		Foreground(TextInverse).
		Bold(true).
		Padding(0, 1)

	t.PickerDetail = lipgloss.NewStyle().
		Foreground(TextMuted)

	t.PickerCount = lipgloss.NewStyle().
		Foreground(TextMuted)

	t.PickerEmpty = lipgloss.NewStyle().
		Foreground(TextMuted).
		Italic(true)

	t.PickerHint = lipgloss.NewStyle().
		Foreground(TextMuted)

	// Code pane
	t.PaneBorder = lipgloss.NewStyle().
		BorderStyle(lipgloss.NormalBorder()).
		BorderLeft(true).
		BorderForeground(Overlay).
		PaddingLeft(1)

	t.PaneTitle = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.PaneBadge = lipgloss.NewStyle().
		Background(SurfaceBright).
		Foreground(TextSecondary).
		Padding(0, 1)

	t.PaneRule = lipgloss.NewStyle().
		Foreground(OverlayDim)

	// Help overlay
	t.HelpBox = lipgloss.NewStyle().
		Background(Surface).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(Cyan).
		Padding(1, 2)

	t.HelpTitle = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.HelpKey = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true).
		Width(14)

	t.HelpDesc = lipgloss.NewStyle().
		Foreground(TextSecondary)

	// Spinner
	t.Spinner = lipgloss.NewStyle().
		Foreground(Purple)

	t.ThinkingText = lipgloss.NewStyle().
		Foreground(TextMuted).
		Italic(true)
}

// SetSize updates the theme dimensions for responsive layouts.
func (t *Theme) SetSize(width, height int) {
	t.Width = width
	t.Height = height
}

// GetLayoutMode returns the current layout mode based on width.
func (t *Theme) GetLayoutMode() LayoutMode {
	if t.Width < 60 {
		return LayoutNarrow
	}
	if t.Width < 100 {
		return LayoutMedium
	}
	return LayoutWide
}

// LayoutMode represents the current responsive layout mode.
type LayoutMode int

const (
	LayoutNarrow LayoutMode = iota // < 60 columns
	LayoutMedium                   // 60-100 columns
	LayoutWide                     // > 100 columns
)
