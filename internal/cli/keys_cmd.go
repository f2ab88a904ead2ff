// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// keys_cmd.go - API key management commands for openai-hub.
//
// SECURITY: Keys are read without echo and encrypted before they reach
// disk. Neither plaintext keys nor ciphertext ever print; listings show
// labels only.
//
// Commands:
//   keys add [label]       Store an API key (prompted, hidden input)
//     --no-verify          Store without the key format check
//   keys list              List stored key labels
//   keys remove <label>    Delete a stored key

package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/cityba/openai-hub/internal/openrouter"
)

// DefaultKeyLabel names the key used when no label is given, both when
// storing and when resolving the key at startup.
const DefaultKeyLabel = "default"

// RunKeys dispatches the keys subcommands.
func RunKeys(app *App, args Args) error {
	if app.Credentials == nil {
		return errors.New("the credential store is not available")
	}

	parser := NewArgParser(args.Raw)
	switch parser.Subcommand() {
	case "", "list", "ls":
		return runKeysList(app)
	case "add", "set":
		return runKeysAdd(app, parser)
	case "remove", "rm", "delete":
		return runKeysRemove(app, parser)
	default:
		return fmt.Errorf("unknown keys subcommand: %s (expected add, list, or remove)", parser.Subcommand())
	}
}

// runKeysList prints stored key labels, never values.
func runKeysList(app *App) error {
	if env := os.Getenv("OPENROUTER_API_KEY"); env != "" {
		fmt.Printf("%s OPENROUTER_API_KEY is set (%s) and takes precedence over stored keys\n",
			LabelStyle.Render("[Env]"),
			openrouter.Fingerprint(env))
	}

	labels := app.Credentials.Labels()
	if len(labels) == 0 {
		fmt.Println(DimStyle.Render("No stored keys. Add one with: openai-hub keys add"))
		return nil
	}

	fmt.Println(TitleStyle.Render("Stored keys"))
	for _, label := range labels {
		marker := "  "
		if label == DefaultKeyLabel {
			marker = HighlightStyle.Render("* ")
		}
		fmt.Printf("%s%s\n", marker, ValueStyle.Render(label))
	}
	return nil
}

// runKeysAdd prompts for a key with echo off and stores it encrypted.
func runKeysAdd(app *App, parser *ArgParser) error {
	if err := RequiresTTY("read an API key"); err != nil {
		return err
	}

	label := parser.Positional(1)
	if label == "" {
		label = DefaultKeyLabel
	}

	key, err := promptSecret(fmt.Sprintf("Enter OpenRouter API key for %q: ", label))
	if err != nil {
		return err
	}
	if key == "" {
		return errors.New("no key entered")
	}

	if !parser.BoolFlag("no-verify") {
		if err := openrouter.ValidateKey(key); err != nil {
			return fmt.Errorf("key rejected: %w (use --no-verify to store it anyway)", err)
		}
	}

	if err := app.Credentials.Add(label, key); err != nil {
		return err
	}

	fmt.Printf("%s stored key %q (%s)\n",
		SuccessStyle.Render("[OK]"),
		label,
		openrouter.Fingerprint(key))
	return nil
}

// runKeysRemove deletes a stored key.
func runKeysRemove(app *App, parser *ArgParser) error {
	label := parser.Positional(1)
	if label == "" {
		return errors.New("usage: openai-hub keys remove <label>")
	}

	if err := app.Credentials.Remove(label); err != nil {
		return err
	}

	fmt.Printf("%s removed key %q\n", SuccessStyle.Render("[OK]"), label)
	return nil
}

// promptSecret reads a line from the terminal without echoing it.
// Uses golang.org/x/term for cross-platform hidden input.
func promptSecret(prompt string) (string, error) {
	fmt.Print(prompt)

	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	fmt.Println() // newline after hidden input

	return strings.TrimSpace(string(secret)), nil
}
