// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling system for the openai-hub
// terminal UI.
//
// The package exposes an adaptive color palette, a Theme of configured
// Lip Gloss styles, and ASCII spinner frame sets. Colors are defined as
// lipgloss.AdaptiveColor pairs so every element renders legibly on both
// light and dark terminal backgrounds; the Theme constructor lets the
// configured theme preference override background detection when the
// terminal lies about it.
//
// Design rules:
//
//   - ASCII only for indicators and spinner frames. Shape markers such
//     as [OK] and [X] accompany color so states stay distinguishable
//     for colorblind users and on monochrome terminals.
//   - Free-tier models render in emerald, metered models in amber, so
//     the cost of the active model is always one glance away.
//   - Styles are built once in NewTheme and shared; views never call
//     lipgloss.NewStyle in render paths.
package styles
