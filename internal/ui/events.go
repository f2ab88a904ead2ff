// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// events.go - Relay from controller callbacks into the Bubble Tea loop.

package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cityba/openai-hub/internal/chat"
)

// relay implements chat.Events by converting controller callbacks into
// program messages. Callbacks arrive on the session's consumer
// goroutine; tea.Program.Send is the one safe way across that boundary.
//
// RELIABILITY: The program pointer is set after tea.NewProgram and read
// under a mutex, because the controller is constructed first and could
// in principle fire before the program exists. Events posted before
// SetProgram are dropped; nothing streams that early in practice.
type relay struct {
	mu      sync.Mutex
	program *tea.Program
}

// SetProgram wires the running program into the relay.
func (r *relay) SetProgram(p *tea.Program) {
	r.mu.Lock()
	r.program = p
	r.mu.Unlock()
}

// post sends msg into the program loop, dropping it when no program is
// attached yet.
func (r *relay) post(msg tea.Msg) {
	r.mu.Lock()
	p := r.program
	r.mu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// Flush delivers one coalesced display frame.
func (r *relay) Flush(text string) {
	r.post(flushMsg{text: text})
}

// Done delivers the terminal outcome of an exchange.
func (r *relay) Done(outcome chat.Outcome) {
	r.post(outcomeMsg{outcome: outcome})
}
