// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Line-based chat REPL for openai-hub.
//
// USABILITY: Markdown rendering and input history for the plain shell
//
// Handles "openai-hub chat --plain", the line-oriented fallback for dumb
// terminals and SSH sessions where the TUI is unwanted. Responses stream
// to stdout as they arrive; with markdown rendering on, the completed
// response is collected and rendered with glamour instead.
//
// Interactive Commands (during chat):
//   /help, /h           Show available commands
//   /model [id]         Show or switch the active model
//   /models             List models from the catalog
//   /attach <path>      Attach a text file to the conversation
//   /continue           Continue a truncated answer
//   /cancel             Stop the current response
//   /code               Show code blocks from the last response
//   /save [name]        Save the conversation
//   /load [name]        Load a saved conversation (no name lists saves)
//   /history            Show conversation history
//   /status, /s         Show session status
//   /keys               Show stored key labels
//   /clear, /c          Clear the conversation
//   /quit, /q           Exit
//   Ctrl+C              Cancel current response (at prompt: exit)
//   Ctrl+D              Exit

package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"

	"github.com/cityba/openai-hub/internal/chat"
	"github.com/cityba/openai-hub/internal/config"
	"github.com/cityba/openai-hub/internal/fence"
	"github.com/cityba/openai-hub/internal/model"
	"github.com/cityba/openai-hub/internal/openrouter"
	"github.com/cityba/openai-hub/internal/session"
	"github.com/cityba/openai-hub/internal/util"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	// Prompt style
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	// Welcome banner style
	welcomeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("135")).
			Bold(true)
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// LineReader provides input history and line editing for the REPL.
// USABILITY: Supports arrow keys for history navigation and line editing.
type LineReader struct {
	line        *liner.State
	historyFile string
}

// NewLineReader creates a LineReader with input history support.
func NewLineReader() *LineReader {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		// Fallback to temp directory if config dir unavailable
		configDir = os.TempDir()
	}
	historyFile := filepath.Join(configDir, "input_history")

	r := &LineReader{
		line:        line,
		historyFile: historyFile,
	}
	r.LoadHistory()
	return r
}

// LoadHistory loads input history from file.
func (r *LineReader) LoadHistory() {
	if f, err := os.Open(r.historyFile); err == nil {
		r.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line of input with the given prompt.
// Supports history navigation with arrow keys.
func (r *LineReader) ReadInput(prompt string) (string, error) {
	input, err := r.line.Prompt(prompt)
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(input) != "" {
		r.line.AppendHistory(input)
	}

	return input, nil
}

// SaveHistory persists input history with secure permissions.
func (r *LineReader) SaveHistory() {
	if err := config.EnsureConfigDir(); err != nil {
		return
	}

	f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()

	r.line.WriteHistory(f)
}

// Close saves history and closes the liner.
func (r *LineReader) Close() {
	r.SaveHistory()
	r.line.Close()
}

// =============================================================================
// REPL STATE
// =============================================================================

// replEvents carries controller callbacks onto the REPL goroutine. When
// streaming to stdout is on, flushes print as they arrive; the outcome
// always crosses over the done channel.
type replEvents struct {
	stream bool
	done   chan chat.Outcome
}

func (e *replEvents) Flush(text string) {
	if e.stream {
		fmt.Print(text)
	}
}

func (e *replEvents) Done(outcome chat.Outcome) {
	e.done <- outcome
}

// REPL is the interactive line shell around a chat controller.
type REPL struct {
	app        *App
	controller *chat.Controller
	events     *replEvents
	input      *LineReader
	highlight  *fence.Highlighter
	markdown   *glamour.TermRenderer // nil when unavailable or disabled

	lastBlocks []fence.Block
	exchanges  int
	startTime  time.Time
	quiet      bool
}

// NewREPL builds the REPL shell from the shared services.
func NewREPL(app *App, args Args) *REPL {
	cfg := app.Config

	events := &replEvents{done: make(chan chat.Outcome, 1)}

	ctrlCfg := chat.Config{
		SystemPrompt:  cfg.API.SystemPrompt,
		Window:        cfg.API.HistoryWindow,
		Temperature:   cfg.API.Temperature,
		MaxTokens:     cfg.API.MaxTokens,
		FlushInterval: cfg.Stream.FlushInterval(),
	}
	controller := chat.New(app.Client, app.Store, events, ctrlCfg).
		WithLogger(app.Logger)

	// USABILITY: With markdown on, the completed response is rendered as a
	// whole; raw deltas would garble glamour's layout. Without it, deltas
	// stream straight to stdout.
	var renderer *glamour.TermRenderer
	if cfg.UI.Markdown && IsStdoutTTY() {
		wrap := cfg.UI.WordWrap
		if width := GetTerminalWidth(); wrap <= 0 || wrap > width {
			wrap = width
		}
		renderer, _ = glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(wrap),
		)
	}
	events.stream = renderer == nil

	return &REPL{
		app:        app,
		controller: controller,
		events:     events,
		input:      NewLineReader(),
		highlight:  fence.NewHighlighter(cfg.UI.Theme),
		markdown:   renderer,
		startTime:  time.Now(),
		quiet:      args.Quiet,
	}
}

// Close releases the input reader.
func (r *REPL) Close() {
	r.input.Close()
}

// =============================================================================
// REPL LOOP
// =============================================================================

// RunREPL handles "chat --plain": the interactive line shell.
func RunREPL(app *App, args Args) error {
	repl := NewREPL(app, args)
	defer repl.Close()

	if !repl.quiet {
		repl.printWelcome()
	}

	// Ctrl+C during a response cancels it. At the prompt the liner owns
	// the terminal in raw mode, so no signal fires there.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		for range sigChan {
			repl.controller.Cancel()
		}
	}()

	for {
		input, err := repl.input.ReadInput(promptStyle.Render("you> "))
		if err != nil {
			// Ctrl+C (ErrPromptAborted), Ctrl+D (EOF) or a closed
			// terminal all end the session.
			fmt.Println()
			repl.printExitSummary()
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			keepGoing, err := repl.handleSlashCommand(input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if !keepGoing {
				repl.printExitSummary()
				return nil
			}
			continue
		}

		if strings.EqualFold(input, "exit") || strings.EqualFold(input, "quit") {
			repl.printExitSummary()
			return nil
		}

		repl.runExchange(func(ctx context.Context) error {
			return repl.controller.Send(ctx, input)
		})
	}
}

// runExchange starts one request and blocks until its outcome arrives.
func (r *REPL) runExchange(start func(context.Context) error) {
	if err := start(context.Background()); err != nil {
		r.printSendError(err)
		return
	}

	fmt.Println()
	outcome := <-r.events.done
	r.renderOutcome(outcome)
	r.exchanges++
}

// printSendError explains a rejected request without ending the REPL.
func (r *REPL) printSendError(err error) {
	var throttled *chat.ThrottleError
	switch {
	case errors.As(err, &throttled):
		fmt.Fprintf(os.Stderr, "%s %v\n", WarningStyle.Render("[Throttled]"), err)
	case errors.Is(err, openrouter.ErrRateLimited):
		fmt.Fprintf(os.Stderr, "%s the provider is rate limiting this key, wait a minute and retry\n",
			WarningStyle.Render("[Rate limit]"))
	case errors.Is(err, session.ErrBusy):
		fmt.Fprintf(os.Stderr, "%s a response is still streaming, /cancel to stop it\n",
			WarningStyle.Render("[Busy]"))
	default:
		fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), err)
	}
}

// renderOutcome displays the finished exchange.
func (r *REPL) renderOutcome(outcome chat.Outcome) {
	res := outcome.Result

	switch res.State {
	case session.StateCompleted, session.StateTruncated:
		if r.markdown != nil {
			if rendered, err := r.markdown.Render(res.Text); err == nil {
				fmt.Print(rendered)
			} else {
				fmt.Println(res.Text)
			}
		}
		fmt.Println()
		if res.State == session.StateTruncated {
			fmt.Println(WarningStyle.Render("[Truncated]") + DimStyle.Render(" token limit reached, /continue resumes the answer"))
		}

	case session.StateCancelled:
		// Streamed deltas already showed the partial text; with markdown
		// on nothing was printed yet, so show what arrived.
		if r.markdown != nil && res.Text != "" {
			fmt.Println(res.Text)
		}
		fmt.Println()
		fmt.Println(WarningStyle.Render("[Cancelled]"))

	case session.StateFailed:
		fmt.Println()
		if res.Status != 0 {
			fmt.Fprintf(os.Stderr, "%s %d: %v\n", ErrorStyle.Render("[Error]"), res.Status, res.Err)
		} else {
			fmt.Fprintf(os.Stderr, "%s %v\n", ErrorStyle.Render("[Error]"), res.Err)
		}
	}

	if len(outcome.Blocks) > 0 {
		r.lastBlocks = outcome.Blocks
		noun := "block"
		if len(outcome.Blocks) > 1 {
			noun = "blocks"
		}
		fmt.Println(DimStyle.Render(fmt.Sprintf("[Code] %d new %s extracted, /code shows them", len(outcome.Blocks), noun)))
	}
	fmt.Println()
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand processes slash commands.
// Returns (keepGoing, error) where keepGoing=false means exit.
func (r *REPL) handleSlashCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return true, nil
	}

	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?", "/":
		r.printHelp()
		return true, nil

	case "/clear", "/c":
		if err := r.controller.Clear(); err != nil {
			return true, err
		}
		r.lastBlocks = nil
		fmt.Println(HighlightStyle.Render("[Conversation cleared]"))
		return true, nil

	case "/model", "/m":
		return r.handleModelCommand(args)

	case "/models":
		return true, r.printCatalog()

	case "/attach", "/a":
		return r.handleAttachCommand(args)

	case "/continue":
		r.runExchange(r.controller.Continue)
		return true, nil

	case "/cancel":
		if !r.controller.Busy() {
			fmt.Println(DimStyle.Render("[Nothing streaming]"))
			return true, nil
		}
		r.controller.Cancel()
		return true, nil

	case "/code":
		r.printCodeBlocks()
		return true, nil

	case "/save":
		return r.handleSaveCommand(args)

	case "/load":
		return r.handleLoadCommand(args)

	case "/history":
		r.printHistory()
		return true, nil

	case "/status", "/s":
		r.printStatus()
		return true, nil

	case "/keys":
		r.printKeys()
		return true, nil

	case "/quit", "/q", "/exit":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
}

// handleModelCommand shows or switches the active model.
func (r *REPL) handleModelCommand(args []string) (bool, error) {
	if len(args) == 0 {
		fmt.Printf("%s %s\n",
			LabelStyle.Render("[Model]"),
			HighlightStyle.Render(r.controller.Model()))
		return true, nil
	}

	newModel := args[0]
	r.controller.SetModel(newModel)

	tier := "paid"
	if chat.IsFreeModel(newModel) {
		tier = "free"
	}
	fmt.Printf("%s switched to %s (%s)\n",
		SuccessStyle.Render("[OK]"),
		newModel,
		tier)
	return true, nil
}

// handleAttachCommand loads a file into the conversation.
func (r *REPL) handleAttachCommand(args []string) (bool, error) {
	if len(args) == 0 {
		return true, errors.New("usage: /attach <path>")
	}

	// Paths may contain spaces; everything after the command is the path.
	path := strings.Join(args, " ")
	att, err := r.controller.AttachFile(path)
	if err != nil {
		return true, err
	}

	fmt.Printf("%s %s (%d bytes)\n",
		SuccessStyle.Render("[Attached]"),
		att.Name,
		len(att.Content))
	return true, nil
}

// handleSaveCommand saves the conversation under the given or a
// timestamped name.
func (r *REPL) handleSaveCommand(args []string) (bool, error) {
	if r.app.Store == nil {
		return true, errors.New("history storage is not available")
	}
	if r.controller.Len() == 0 {
		return true, errors.New("nothing to save yet")
	}

	name := "chat-" + time.Now().Format("20060102-150405")
	if len(args) > 0 {
		name = args[0]
	}

	path, err := r.app.Store.Save(name, r.controller.Messages())
	if err != nil {
		return true, err
	}
	fmt.Printf("%s %s\n", SuccessStyle.Render("[Saved]"), path)
	return true, nil
}

// handleLoadCommand restores a saved conversation, or lists the saves
// when called without a name.
func (r *REPL) handleLoadCommand(args []string) (bool, error) {
	if r.app.Store == nil {
		return true, errors.New("history storage is not available")
	}

	if len(args) == 0 {
		entries, err := r.app.Store.List()
		if err != nil {
			return true, err
		}
		if len(entries) == 0 {
			fmt.Println(DimStyle.Render("[No saved conversations]"))
			return true, nil
		}
		fmt.Println()
		fmt.Println(TitleStyle.Render("Saved conversations"))
		for _, e := range entries {
			fmt.Printf("  %s  %s  %s\n",
				ValueStyle.Render(fmt.Sprintf("%-34s", strings.TrimSuffix(e.Name, ".json"))),
				DimStyle.Render(e.Modified.Format("2006-01-02 15:04")),
				DimStyle.Render(e.Preview))
		}
		fmt.Println()
		fmt.Println(DimStyle.Render("Load one with /load <name>"))
		return true, nil
	}

	messages, err := r.app.Store.Load(args[0])
	if err != nil {
		return true, err
	}

	blocks, err := r.controller.Restore(messages)
	if err != nil {
		return true, err
	}
	r.lastBlocks = blocks

	fmt.Printf("%s %s (%d messages)\n",
		SuccessStyle.Render("[Loaded]"),
		strings.TrimSuffix(args[0], ".json"),
		len(messages))
	if len(blocks) > 0 {
		fmt.Println(DimStyle.Render(fmt.Sprintf("[Code] %d blocks restored, /code shows them", len(blocks))))
	}
	return true, nil
}

// =============================================================================
// DISPLAY
// =============================================================================

// printWelcome prints the welcome banner.
func (r *REPL) printWelcome() {
	cfg := r.app.Config

	fmt.Println()
	fmt.Println(welcomeStyle.Render("openai-hub chat"))
	fmt.Println(RenderSeparator(30))
	fmt.Printf("%s %s\n",
		LabelStyle.Render("Model:"),
		HighlightStyle.Render(r.controller.Model()))
	if chat.IsFreeModel(r.controller.Model()) {
		fmt.Printf("%s %s\n",
			LabelStyle.Render("Tier:"),
			FreeStyle.Render(fmt.Sprintf("free (%d requests/minute)", chat.FreeRequestsPerMinute)))
	}
	fmt.Printf("%s %d tokens\n",
		LabelStyle.Render("Limit:"),
		cfg.API.MaxTokens)

	fmt.Println()
	fmt.Println(DimStyle.Render("Type your message and press Enter. Commands: /help, /quit"))
	fmt.Println()
}

// printHelp prints available commands.
func (r *REPL) printHelp() {
	fmt.Println()
	fmt.Println(TitleStyle.Render("Available Commands"))
	fmt.Println(RenderSeparator(20))
	fmt.Println()

	commands := []struct {
		cmd  string
		desc string
	}{
		{"/help, /h", "Show this help"},
		{"/model [id]", "Show or switch the active model"},
		{"/models", "List models from the catalog"},
		{"/attach <path>", "Attach a text file"},
		{"/continue", "Continue a truncated answer"},
		{"/cancel", "Stop the current response"},
		{"/code", "Show code blocks from the last response"},
		{"/save [name]", "Save the conversation"},
		{"/load [name]", "Load a saved conversation"},
		{"/history", "Show conversation history"},
		{"/status, /s", "Show session status"},
		{"/keys", "Show stored key labels"},
		{"/clear, /c", "Clear the conversation"},
		{"/quit, /q", "Exit"},
	}

	for _, c := range commands {
		fmt.Printf("  %s  %s\n",
			HighlightStyle.Render(fmt.Sprintf("%-15s", c.cmd)),
			DimStyle.Render(c.desc))
	}

	fmt.Println()
	fmt.Println(DimStyle.Render("Tip: Ctrl+C cancels the current response, Ctrl+D exits"))
	fmt.Println()
}

// printCatalog lists models passing the configured filter.
func (r *REPL) printCatalog() error {
	if r.app.Catalog == nil {
		return errors.New("the model catalog is not available")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	options, err := r.app.Catalog.Models(ctx, false)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println(TitleStyle.Render("Models"))
	for _, opt := range options {
		marker := "  "
		if opt.ID == r.controller.Model() {
			marker = HighlightStyle.Render("> ")
		}
		fmt.Printf("%s%s\n", marker, ValueStyle.Render(opt.Label()))
	}
	fmt.Println()
	fmt.Println(DimStyle.Render("Switch with /model <id>"))
	fmt.Println()
	return nil
}

// printCodeBlocks shows the blocks surfaced by the last exchange,
// syntax-highlighted.
func (r *REPL) printCodeBlocks() {
	if len(r.lastBlocks) == 0 {
		fmt.Println(DimStyle.Render("[No code blocks in the last response]"))
		return
	}

	for i, block := range r.lastBlocks {
		language := block.Language
		if language == "" {
			language = "text"
		}
		fmt.Println()
		fmt.Println(LabelStyle.Render(fmt.Sprintf("── %d/%d %s ──", i+1, len(r.lastBlocks), language)))
		fmt.Println(r.highlight.HighlightBlock(block))
	}
	fmt.Println()
}

// printHistory prints the conversation so far, one line per turn.
func (r *REPL) printHistory() {
	messages := r.controller.Messages()
	if len(messages) == 0 {
		fmt.Println(DimStyle.Render("[No messages yet]"))
		return
	}

	fmt.Println()
	fmt.Println(TitleStyle.Render("Conversation"))
	fmt.Println(RenderSeparator(25))
	fmt.Println()

	for i, msg := range messages {
		role := msg.Role.DisplayName()
		switch msg.Role {
		case model.RoleUser:
			role = promptStyle.Render(role)
		case model.RoleAssistant:
			role = welcomeStyle.Render(role)
		case model.RoleSystem:
			role = WarningStyle.Render(role)
		}

		content := strings.ReplaceAll(msg.Content, "\n", " ")
		content = util.TruncateRunes(content, 100)

		fmt.Printf("  %d. %s: %s\n", i+1, role, content)
	}

	fmt.Println()
}

// printStatus prints session status.
func (r *REPL) printStatus() {
	elapsed := time.Since(r.startTime).Round(time.Second)

	fmt.Println()
	fmt.Println(TitleStyle.Render("Session Status"))
	fmt.Println(RenderSeparator(20))
	fmt.Println()

	fmt.Printf("  %s %s\n",
		LabelStyle.Render("Model:"),
		HighlightStyle.Render(r.controller.Model()))
	fmt.Printf("  %s %s\n",
		LabelStyle.Render("State:"),
		r.controller.State().String())
	fmt.Printf("  %s %s\n",
		LabelStyle.Render("Title:"),
		r.controller.Title())
	fmt.Printf("  %s %d messages, %d exchanges\n",
		LabelStyle.Render("History:"),
		r.controller.Len(),
		r.exchanges)
	fmt.Printf("  %s %s\n",
		LabelStyle.Render("Duration:"),
		elapsed.String())
	if r.controller.CanContinue() {
		fmt.Printf("  %s truncated answer, /continue resumes it\n",
			WarningStyle.Render("Note:"))
	}

	fmt.Println()
}

// printKeys lists stored credential labels without their values.
func (r *REPL) printKeys() {
	if os.Getenv("OPENROUTER_API_KEY") != "" {
		fmt.Println(LabelStyle.Render("[Env]") + " OPENROUTER_API_KEY is set and takes precedence")
	}
	if r.app.Credentials == nil {
		fmt.Println(DimStyle.Render("[No credential store]"))
		return
	}

	labels := r.app.Credentials.Labels()
	if len(labels) == 0 {
		fmt.Println(DimStyle.Render("[No stored keys] add one with: openai-hub keys add"))
		return
	}
	for _, label := range labels {
		fmt.Printf("  %s\n", ValueStyle.Render(label))
	}
}

// printExitSummary prints the session summary on exit.
func (r *REPL) printExitSummary() {
	if r.exchanges == 0 {
		fmt.Println(DimStyle.Render("Goodbye!"))
		return
	}

	elapsed := time.Since(r.startTime).Round(time.Second)

	fmt.Println()
	fmt.Println(TitleStyle.Render("Session Summary"))
	fmt.Println(RenderSeparator(15))
	fmt.Printf("  %s %d\n", LabelStyle.Render("Exchanges:"), r.exchanges)
	fmt.Printf("  %s %d\n", LabelStyle.Render("Messages:"), r.controller.Len())
	fmt.Printf("  %s %s\n", LabelStyle.Render("Duration:"), elapsed.String())
	fmt.Println()
	fmt.Println(DimStyle.Render("Goodbye!"))
}
