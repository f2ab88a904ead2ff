// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// fuzzy.go - Fuzzy matching for the picker overlay's filter line.

package ui

import (
	"strings"
	"unicode"
)

// =============================================================================
// FUZZY MATCHING
// =============================================================================

// fuzzyMatch scores query against target. Higher is better; matched is
// false when not every query character appears in order in target.
//
// Matching rules:
//   - Each query character must appear in order in target
//   - Consecutive matches score higher
//   - Matches at word boundaries score higher
//   - A match at the start of the target scores highest
//   - Case-insensitive, with a small bonus for exact case
//
// Model identifiers like "deepseek/deepseek-chat-v3-0324:free" are the
// main target, so "/", "-", ":" and "." all count as word boundaries;
// "dsfree" finds the free variant ahead of the paid one.
func fuzzyMatch(query, target string) (score int, matched bool) {
	if query == "" {
		return 0, true
	}

	queryRunes := []rune(strings.ToLower(query))
	targetRunes := []rune(strings.ToLower(target))

	if len(queryRunes) > len(targetRunes) {
		return 0, false
	}

	targetOrigRunes := []rune(target)
	queryOrigRunes := []rune(query)

	queryPos := 0
	lastMatchPos := -1

	for targetPos := 0; targetPos < len(targetRunes) && queryPos < len(queryRunes); targetPos++ {
		if targetRunes[targetPos] != queryRunes[queryPos] {
			continue
		}

		matchScore := 1
		if lastMatchPos == targetPos-1 {
			matchScore += 5
		}
		if targetPos == 0 {
			matchScore += 10
		}
		if isWordBoundary(targetRunes, targetPos) {
			matchScore += 7
		}
		if targetOrigRunes[targetPos] == queryOrigRunes[queryPos] {
			matchScore += 2
		}

		score += matchScore
		lastMatchPos = targetPos
		queryPos++
	}

	matched = queryPos == len(queryRunes)

	// Shorter targets are better matches.
	if matched {
		score -= len(targetRunes) / 4
	}

	return score, matched
}

// isWordBoundary returns true when the position starts a word: the
// start of the string, after a separator, or at a camelCase step.
func isWordBoundary(runes []rune, pos int) bool {
	if pos == 0 {
		return true
	}
	if pos >= len(runes) {
		return false
	}

	switch runes[pos-1] {
	case ' ', '/', '-', '_', ':', '.':
		return true
	}

	return unicode.IsLower(runes[pos-1]) && unicode.IsUpper(runes[pos])
}
