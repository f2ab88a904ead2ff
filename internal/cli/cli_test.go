// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"os"
	"strings"
	"testing"
)

// =============================================================================
// ARG PARSER TESTS (args.go)
// =============================================================================

func TestArgParser_BasicParsing(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		wantSub  string
		validate func(*testing.T, *ArgParser)
	}{
		{
			name:    "simple subcommand",
			args:    []string{"list"},
			wantSub: "list",
		},
		{
			name:    "subcommand with value flag",
			args:    []string{"list", "--provider", "deepseek"},
			wantSub: "list",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("provider") != "deepseek" {
					t.Errorf("Flag(provider) = %q, want %q", p.Flag("provider"), "deepseek")
				}
			},
		},
		{
			name:    "flag with equals",
			args:    []string{"list", "--provider=google"},
			wantSub: "list",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Flag("provider") != "google" {
					t.Errorf("Flag(provider) = %q, want %q", p.Flag("provider"), "google")
				}
			},
		},
		{
			name:    "boolean flag",
			args:    []string{"list", "--refresh"},
			wantSub: "list",
			validate: func(t *testing.T, p *ArgParser) {
				if !p.BoolFlag("refresh") {
					t.Error("BoolFlag(refresh) should be true")
				}
			},
		},
		{
			name:    "explicit boolean value",
			args:    []string{"list", "--all=false"},
			wantSub: "list",
			validate: func(t *testing.T, p *ArgParser) {
				if p.BoolFlag("all") {
					t.Error("BoolFlag(all) should be false")
				}
			},
		},
		{
			name:    "positional after subcommand",
			args:    []string{"add", "work", "--no-verify"},
			wantSub: "add",
			validate: func(t *testing.T, p *ArgParser) {
				if p.Positional(1) != "work" {
					t.Errorf("Positional(1) = %q, want %q", p.Positional(1), "work")
				}
				if !p.BoolFlag("no-verify") {
					t.Error("BoolFlag(no-verify) should be true")
				}
			},
		},
		{
			name:    "multiple positional args",
			args:    []string{"remove", "old", "keys"},
			wantSub: "remove",
			validate: func(t *testing.T, p *ArgParser) {
				if p.PositionalCount() != 3 {
					t.Errorf("PositionalCount() = %d, want 3", p.PositionalCount())
				}
				joined := strings.Join(p.PositionalFrom(1), " ")
				if joined != "old keys" {
					t.Errorf("PositionalFrom(1) joined = %q, want %q", joined, "old keys")
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parser := NewArgParser(tt.args)
			if parser.Subcommand() != tt.wantSub {
				t.Errorf("Subcommand() = %q, want %q", parser.Subcommand(), tt.wantSub)
			}
			if tt.validate != nil {
				tt.validate(t, parser)
			}
		})
	}
}

func TestArgParser_HasFlag(t *testing.T) {
	parser := NewArgParser([]string{"list", "--refresh", "--provider", "meta"})

	if !parser.HasFlag("refresh") {
		t.Error("HasFlag(refresh) should be true")
	}
	if !parser.HasFlag("provider") {
		t.Error("HasFlag(provider) should be true")
	}
	if parser.HasFlag("missing") {
		t.Error("HasFlag(missing) should be false")
	}
}

func TestArgParser_FlagOrDefault(t *testing.T) {
	parser := NewArgParser([]string{"list", "--provider", "mistral"})

	if got := parser.FlagOrDefault("provider", "any"); got != "mistral" {
		t.Errorf("FlagOrDefault(provider) = %q, want mistral", got)
	}
	if got := parser.FlagOrDefault("theme", "auto"); got != "auto" {
		t.Errorf("FlagOrDefault(theme) = %q, want the default", got)
	}
}

func TestArgParser_Empty(t *testing.T) {
	parser := NewArgParser(nil)

	if parser.Subcommand() != "" {
		t.Errorf("Subcommand() = %q, want empty", parser.Subcommand())
	}
	if parser.PositionalCount() != 0 {
		t.Errorf("PositionalCount() = %d, want 0", parser.PositionalCount())
	}
	if parser.Positional(0) != "" {
		t.Error("Positional(0) on empty args should be empty")
	}
}

// =============================================================================
// PARSE TESTS (cli.go)
// =============================================================================

func TestParse_Dispatch(t *testing.T) {
	originalArgs := os.Args
	defer func() { os.Args = originalArgs }()

	tests := []struct {
		name        string
		args        []string
		wantCommand Command
		validate    func(*testing.T, Args)
	}{
		{
			name:        "no args opens the TUI",
			args:        []string{"openai-hub"},
			wantCommand: CmdTUI,
		},
		{
			name:        "chat command",
			args:        []string{"openai-hub", "chat"},
			wantCommand: CmdChat,
		},
		{
			name:        "chat with plain flag",
			args:        []string{"openai-hub", "chat", "--plain"},
			wantCommand: CmdChat,
			validate: func(t *testing.T, a Args) {
				if !a.Plain {
					t.Error("Plain should be true")
				}
			},
		},
		{
			name:        "plain flag before the command",
			args:        []string{"openai-hub", "--plain", "chat"},
			wantCommand: CmdChat,
			validate: func(t *testing.T, a Args) {
				if !a.Plain {
					t.Error("Plain should be true")
				}
			},
		},
		{
			name:        "global model flag",
			args:        []string{"openai-hub", "--model", "deepseek/deepseek-chat-v3-0324:free"},
			wantCommand: CmdTUI,
			validate: func(t *testing.T, a Args) {
				if a.Model != "deepseek/deepseek-chat-v3-0324:free" {
					t.Errorf("Model = %q", a.Model)
				}
			},
		},
		{
			name:        "model flag with equals",
			args:        []string{"openai-hub", "--model=google/gemini-2.0-flash-exp:free", "chat"},
			wantCommand: CmdChat,
			validate: func(t *testing.T, a Args) {
				if a.Model != "google/gemini-2.0-flash-exp:free" {
					t.Errorf("Model = %q", a.Model)
				}
			},
		},
		{
			name:        "keys with subcommand",
			args:        []string{"openai-hub", "keys", "add", "work"},
			wantCommand: CmdKeys,
			validate: func(t *testing.T, a Args) {
				if a.Subcommand != "add" {
					t.Errorf("Subcommand = %q, want add", a.Subcommand)
				}
				if len(a.Raw) != 2 || a.Raw[1] != "work" {
					t.Errorf("Raw = %v, want [add work]", a.Raw)
				}
			},
		},
		{
			name:        "models command",
			args:        []string{"openai-hub", "models", "--refresh"},
			wantCommand: CmdModels,
			validate: func(t *testing.T, a Args) {
				if len(a.Raw) != 1 || a.Raw[0] != "--refresh" {
					t.Errorf("Raw = %v, want [--refresh]", a.Raw)
				}
			},
		},
		{
			name:        "quiet and verbose",
			args:        []string{"openai-hub", "-q", "-v", "chat"},
			wantCommand: CmdChat,
			validate: func(t *testing.T, a Args) {
				if !a.Quiet || !a.Verbose {
					t.Errorf("Quiet = %v Verbose = %v, want both true", a.Quiet, a.Verbose)
				}
			},
		},
		{
			name:        "version command",
			args:        []string{"openai-hub", "version"},
			wantCommand: CmdVersion,
		},
		{
			name:        "help command",
			args:        []string{"openai-hub", "help"},
			wantCommand: CmdHelp,
		},
		{
			name:        "help flag",
			args:        []string{"openai-hub", "--help"},
			wantCommand: CmdHelp,
		},
		{
			name:        "unknown command surfaces through help",
			args:        []string{"openai-hub", "frobnicate"},
			wantCommand: CmdHelp,
			validate: func(t *testing.T, a Args) {
				if a.Subcommand != "frobnicate" {
					t.Errorf("Subcommand = %q, want the unknown command", a.Subcommand)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args
			cmd, args := Parse()
			if cmd != tt.wantCommand {
				t.Errorf("Parse() command = %v, want %v", cmd, tt.wantCommand)
			}
			if tt.validate != nil {
				tt.validate(t, args)
			}
		})
	}
}
