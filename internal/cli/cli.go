// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command dispatch for openai-hub.
package cli

import (
	"fmt"
	"os"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdTUI Command = iota
	CmdChat
	CmdKeys
	CmdModels
	CmdVersion
	CmdHelp
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	Model   string // Override the configured model
	Plain   bool   // Line REPL instead of the TUI
	Quiet   bool   // Minimal output
	Verbose bool   // Debug output to stderr

	// Command-specific
	Subcommand string

	// Raw args (remaining after flag parsing)
	Raw []string
}

const usageText = `openai-hub - streaming chat for OpenRouter models

Talk to OpenRouter-hosted models from the terminal. Responses stream in
as they are generated, code blocks are extracted and highlighted, and
every conversation is saved under ~/.openai-hub/history.

Usage:
  openai-hub                      Start the chat TUI (default)
  openai-hub chat                 Start the chat TUI
  openai-hub chat --plain         Line-based REPL (dumb terminals, scripts)
  openai-hub keys [subcommand]    Manage stored API keys
  openai-hub models               List models from the catalog
  openai-hub version              Show version information
  openai-hub help                 Show this help

Keys Commands:
  openai-hub keys add [label]     Store an API key (prompted, no echo)
    --no-verify                   Store without the key format check
  openai-hub keys list            List stored key labels
  openai-hub keys remove <label>  Delete a stored key

  Keys are encrypted with AES-256-GCM before they touch disk. The
  OPENROUTER_API_KEY environment variable takes precedence when set.

Models Commands:
  openai-hub models               List models passing the configured filter
    --refresh                     Force a catalog refetch
    --all                         Include paid models
    --provider NAME               Restrict to one provider

Interactive Commands (during chat):
  /help                Show available commands
  /model [id]          Show or switch the active model
  /models              List models from the catalog
  /attach <path>       Attach a text file to the conversation
  /continue            Continue a truncated answer
  /cancel              Stop the current response
  /save [name]         Save the conversation
  /load [name]         Load a saved conversation (no name lists saves)
  /clear               Clear the conversation
  /keys                Show stored key labels
  /quit                Exit

Global Flags:
  --model ID           Override the configured model for this run
  --plain              Use the line REPL instead of the TUI
  -q, --quiet          Minimal output
  -v, --verbose        Debug output to stderr

Environment:
  OPENROUTER_API_KEY   API key, takes precedence over stored keys
  NO_COLOR             Disable colored output

Examples:
  openai-hub                                       Start the TUI
  openai-hub --model deepseek/deepseek-chat-v3-0324:free
  openai-hub chat --plain                          REPL over SSH
  openai-hub keys add default                      Store your API key
  openai-hub models --refresh --all                Refetch the full catalog

Version: %s
`

// PrintUsage prints the usage/help text.
func PrintUsage() {
	fmt.Printf(usageText, Version)
}

// PrintVersion prints version information.
func PrintVersion() {
	fmt.Printf("openai-hub version %s\n", Version)
	fmt.Printf("  Git commit: %s\n", GitCommit)
	fmt.Printf("  Build date: %s\n", BuildDate)
}

// Parse parses command-line arguments and returns the command and args.
func Parse() (Command, Args) {
	args := os.Args[1:]

	// Parse global flags first
	remaining, parsedArgs := parseGlobalFlags(args)

	// If no remaining args, default to the TUI
	if len(remaining) == 0 {
		return CmdTUI, parsedArgs
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	parsedArgs.Raw = remaining

	switch cmd {
	case "tui":
		return CmdTUI, parsedArgs

	case "chat":
		return CmdChat, parsedArgs

	case "keys", "key":
		if len(remaining) > 0 {
			parsedArgs.Subcommand = remaining[0]
		}
		return CmdKeys, parsedArgs

	case "models", "model":
		if len(remaining) > 0 {
			parsedArgs.Subcommand = remaining[0]
		}
		return CmdModels, parsedArgs

	case "version", "--version":
		return CmdVersion, parsedArgs

	case "help", "-h", "--help":
		return CmdHelp, parsedArgs

	default:
		// Unknown command. Surface it so main can print a pointer to help
		// instead of silently opening the TUI.
		parsedArgs.Subcommand = cmd
		return CmdHelp, parsedArgs
	}
}

// parseGlobalFlags extracts global flags from args and returns remaining args.
func parseGlobalFlags(args []string) ([]string, Args) {
	var remaining []string
	var parsedArgs Args

	i := 0
	for i < len(args) {
		arg := args[i]

		switch arg {
		case "--plain":
			parsedArgs.Plain = true
		case "-q", "--quiet":
			parsedArgs.Quiet = true
		case "-v", "--verbose":
			parsedArgs.Verbose = true
		case "--model", "-m":
			if i+1 < len(args) {
				i++
				parsedArgs.Model = args[i]
			}
		default:
			if strings.HasPrefix(arg, "--model=") {
				parsedArgs.Model = strings.TrimPrefix(arg, "--model=")
			} else {
				remaining = append(remaining, arg)
			}
		}
		i++
	}

	return remaining, parsedArgs
}
