// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and the non-TUI surfaces of
// openai-hub: the line-based chat REPL, key management, and catalog
// listing.
//
// # Key Types
//
//   - Command: enumeration of the top-level commands
//   - Args: parsed command-line arguments
//   - App: the shared services (config, client, storage, catalog,
//     credentials) main builds once and hands to every handler
//   - REPL: the interactive line shell around a chat controller
//
// # Usage
//
// Parse and dispatch:
//
//	cmd, args := cli.Parse()
//	switch cmd {
//	case cli.CmdChat:
//	    return cli.RunREPL(app, args)
//	case cli.CmdKeys:
//	    return cli.RunKeys(app, args)
//	// ... other commands
//	}
//
// The default command opens the TUI; the REPL serves dumb terminals and
// SSH sessions through "chat --plain".
package cli
