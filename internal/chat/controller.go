// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cityba/openai-hub/internal/fence"
	"github.com/cityba/openai-hub/internal/model"
	"github.com/cityba/openai-hub/internal/openrouter"
	"github.com/cityba/openai-hub/internal/session"
	"github.com/cityba/openai-hub/internal/storage"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrEmptyPrompt indicates a send with nothing to say
	ErrEmptyPrompt = errors.New("nothing to send")
	// ErrNothingToContinue indicates a continue request when the last
	// history entry is not an assistant response
	ErrNothingToContinue = errors.New("nothing to continue: the last turn is not an assistant response")
)

// ThrottleError reports a send rejected by the free-tier request
// limiter. Wait is how long until the next request would be admitted.
type ThrottleError struct {
	Wait time.Duration
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("free-tier limit reached (%d requests/minute), retry in %s",
		FreeRequestsPerMinute, e.Wait.Round(time.Second))
}

// =============================================================================
// EVENTS
// =============================================================================

// Outcome describes one finished exchange.
type Outcome struct {
	// Result is the terminal session result (state, final text, error)
	Result session.Result
	// Blocks holds code blocks from the response that were not already
	// surfaced earlier in this conversation
	Blocks []fence.Block
}

// Events receives display updates from the controller. Flush delivers
// coalesced response text while streaming; Done delivers the outcome of
// every exchange that actually started. Both are called from the
// session's consumer goroutine, never concurrently with each other.
type Events interface {
	Flush(text string)
	Done(outcome Outcome)
}

// FuncEvents adapts plain functions to the Events interface. Nil
// functions are skipped.
type FuncEvents struct {
	OnFlush func(text string)
	OnDone  func(outcome Outcome)
}

// Flush implements Events.
func (f FuncEvents) Flush(text string) {
	if f.OnFlush != nil {
		f.OnFlush(text)
	}
}

// Done implements Events.
func (f FuncEvents) Done(outcome Outcome) {
	if f.OnDone != nil {
		f.OnDone(outcome)
	}
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// ContinueInstruction is the synthetic user turn appended by Continue.
const ContinueInstruction = "Continue the previous answer exactly where it stopped."

// FreeRequestsPerMinute is the free-tier request budget the API enforces
// server-side. The controller applies it client-side so a burst of sends
// fails fast with a wait hint instead of a round-trip 429.
const FreeRequestsPerMinute = 5

// freeModelSuffix marks free-tier model identifiers.
const freeModelSuffix = ":free"

// IsFreeModel reports whether a model identifier names a free-tier
// variant.
func IsFreeModel(modelID string) bool {
	return strings.HasSuffix(modelID, freeModelSuffix)
}

// Config holds controller tuning.
type Config struct {
	// SystemPrompt is sent as the leading message of every request.
	// Empty means no system message.
	SystemPrompt string
	// Window is how many trailing history messages each request carries
	Window int
	// Temperature is the sampling temperature sent with every request
	Temperature float64
	// MaxTokens is the completion token budget sent with every request
	MaxTokens int
	// FlushInterval is the display coalescing interval
	FlushInterval time.Duration
	// FreePerMinute overrides the free-tier request budget. Zero means
	// FreeRequestsPerMinute; negative disables client-side limiting.
	FreePerMinute int
}

// DefaultConfig returns the default controller configuration.
func DefaultConfig() Config {
	return Config{
		Window:        model.DefaultWindow,
		Temperature:   0.4,
		MaxTokens:     32768,
		FlushInterval: session.DefaultFlushInterval,
		FreePerMinute: FreeRequestsPerMinute,
	}
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller owns one conversation and the single streaming session
// that serves it. Safe for concurrent use, though the expected caller
// is a single-threaded interactive surface.
type Controller struct {
	client  *openrouter.Client
	session *session.Session
	store   *storage.HistoryStore
	events  Events
	logger  *log.Logger
	limiter *rate.Limiter

	systemPrompt string
	window       int
	temperature  float64

	mu        sync.Mutex
	conv      *model.Conversation
	seen      map[string]bool
	lastState session.State
	sending   bool
	maxTokens int
}

// New creates a controller. The store may be nil to disable autosaves
// (tests); events must not be nil.
func New(client *openrouter.Client, store *storage.HistoryStore, events Events, cfg Config) *Controller {
	if cfg.Window <= 0 {
		cfg.Window = model.DefaultWindow
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.FreePerMinute == 0 {
		cfg.FreePerMinute = FreeRequestsPerMinute
	}

	c := &Controller{
		client:       client,
		store:        store,
		events:       events,
		logger:       log.New(io.Discard, "", 0),
		systemPrompt: cfg.SystemPrompt,
		window:       cfg.Window,
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		conv:         model.NewConversation(),
		seen:         make(map[string]bool),
	}
	if cfg.FreePerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.FreePerMinute)), cfg.FreePerMinute)
	}
	c.session = session.New(client, sink{c}, session.Config{FlushInterval: cfg.FlushInterval})
	return c
}

// WithLogger sets the logger for autosave failures and returns the
// controller for chaining. A nil logger discards output.
func (c *Controller) WithLogger(logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c.logger = logger
	return c
}

// sink adapts the session callbacks onto the controller.
type sink struct {
	c *Controller
}

func (s sink) Flush(text string) {
	s.c.events.Flush(text)
}

func (s sink) Done(res session.Result) {
	s.c.finishExchange(res)
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Busy reports whether a response is currently streaming.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending || c.session.Busy()
}

// State returns the lifecycle state of the current or most recent run.
func (c *Controller) State() session.State {
	return c.session.State()
}

// Buffer returns the response text streamed so far, including the
// preserved partial content of a cancelled or failed run.
func (c *Controller) Buffer() string {
	return c.session.Buffer()
}

// Messages returns a copy of the conversation history.
func (c *Controller) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.conv.Messages...)
}

// Len returns the number of history entries.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.Len()
}

// Title returns the display title derived from the first user turn.
func (c *Controller) Title() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.DisplayTitle()
}

// Model returns the active model identifier.
func (c *Controller) Model() string {
	return c.client.Model()
}

// SetModel switches the model used by subsequent sends. The active
// stream, if any, keeps the model it started with.
func (c *Controller) SetModel(modelID string) {
	c.client.SetModel(modelID)
}

// MaxTokens returns the completion budget applied to subsequent sends.
func (c *Controller) MaxTokens() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxTokens
}

// SetMaxTokens changes the completion budget for subsequent sends.
// Non-positive values are ignored; the active stream, if any, keeps the
// budget it started with.
func (c *Controller) SetMaxTokens(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.maxTokens = n
	c.mu.Unlock()
}

// CanContinue reports whether the continue affordance should be
// offered: the last turn is an assistant response and the run that
// produced it stopped at the token budget.
func (c *Controller) CanContinue() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conv.LastRole() == model.RoleAssistant && c.lastState == session.StateTruncated
}

// =============================================================================
// SENDING
// =============================================================================

// Send appends prompt as a user turn and streams the response. It
// returns before the response arrives; Events receives the stream.
// Errors returned here mean no stream was opened: session.ErrBusy while
// a response is streaming, a ThrottleError on the free tier, or the
// request failure itself. A send that fails after the user turn was
// committed keeps the turn in history, as the original client did.
func (c *Controller) Send(ctx context.Context, prompt string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}
	return c.run(ctx, prompt)
}

// Continue asks the model to pick up where the previous answer stopped.
// The instruction is appended as its own user turn and the response is
// stored as its own assistant turn; nothing is merged into earlier
// entries. Requires the last history entry to be an assistant response.
func (c *Controller) Continue(ctx context.Context) error {
	c.mu.Lock()
	last := c.conv.LastRole()
	c.mu.Unlock()
	if last != model.RoleAssistant {
		return ErrNothingToContinue
	}
	return c.run(ctx, ContinueInstruction)
}

// Cancel stops the active stream at the next frame boundary. Text
// already flushed stays on screen and in Buffer; no assistant turn is
// appended. A no-op when nothing is streaming.
func (c *Controller) Cancel() {
	c.session.Cancel()
}

// run commits the user turn and starts the stream.
func (c *Controller) run(ctx context.Context, userText string) error {
	modelID := c.client.Model()

	c.mu.Lock()
	if c.sending || c.session.Busy() {
		c.mu.Unlock()
		return session.ErrBusy
	}
	if err := c.throttle(modelID); err != nil {
		c.mu.Unlock()
		return err
	}
	c.sending = true
	messages := c.composeRequest(userText)
	c.conv.AppendUser(userText)
	maxTokens := c.maxTokens
	c.mu.Unlock()

	req := openrouter.NewChatRequest(modelID, messages)
	req.Temperature = c.temperature
	req.MaxTokens = maxTokens

	err := c.session.Start(ctx, req)

	c.mu.Lock()
	c.sending = false
	c.mu.Unlock()
	return err
}

// composeRequest builds the outbound payload: system prompt, the
// trailing history window, then the new user turn. The window covers
// history only, so the system prompt never falls out of a long
// conversation. Caller must hold c.mu.
func (c *Controller) composeRequest(userText string) []model.Message {
	msgs := make([]model.Message, 0, c.window+2)
	if c.systemPrompt != "" {
		msgs = append(msgs, model.NewSystemMessage(c.systemPrompt))
	}
	msgs = append(msgs, c.conv.Window(c.window)...)
	msgs = append(msgs, model.NewUserMessage(userText))
	return msgs
}

// throttle admits or rejects a send under the free-tier budget. Paid
// models are unmetered. Caller must hold c.mu.
func (c *Controller) throttle(modelID string) error {
	if c.limiter == nil || !IsFreeModel(modelID) {
		return nil
	}
	r := c.limiter.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return &ThrottleError{Wait: delay}
	}
	return nil
}

// =============================================================================
// COMPLETION
// =============================================================================

// finishExchange runs on the session's consumer goroutine after every
// started exchange reaches a terminal state. Completed and truncated
// responses become history; cancelled and failed runs leave history at
// the user turn, with the partial text still readable via Buffer.
func (c *Controller) finishExchange(res session.Result) {
	var blocks []fence.Block

	c.mu.Lock()
	c.lastState = res.State
	if res.State == session.StateCompleted || res.State == session.StateTruncated {
		c.conv.AppendAssistant(res.Text)
		blocks = c.surface(res.Text)
	}
	snapshot := append([]model.Message(nil), c.conv.Messages...)
	c.mu.Unlock()

	// RELIABILITY: Persistence is fire-and-forget. A full disk or a
	// read-only home directory must never block the display path.
	go c.autosave(snapshot)

	c.events.Done(Outcome{Result: res, Blocks: blocks})
}

// surface scans text for fenced code blocks and returns the ones not
// already surfaced in this conversation, marking them as seen. Caller
// must hold c.mu.
func (c *Controller) surface(text string) []fence.Block {
	scanned := fence.Scan(text)
	fresh := make([]fence.Block, 0, len(scanned))
	for _, b := range scanned {
		if c.seen[b.Key()] {
			continue
		}
		c.seen[b.Key()] = true
		fresh = append(fresh, b)
	}
	return fresh
}

// autosave persists a history snapshot. Failures are logged, never
// surfaced.
func (c *Controller) autosave(messages []model.Message) {
	if c.store == nil {
		return
	}
	if _, err := c.store.Autosave(messages); err != nil {
		c.logger.Printf("autosave failed: %v", err)
	}
}

// =============================================================================
// HISTORY MANAGEMENT
// =============================================================================

// Restore replaces the conversation with a previously saved message
// array. Code blocks found in the restored assistant turns are returned
// so the display can rebuild its code pane, and they count as surfaced
// for later de-duplication. Fails with session.ErrBusy while streaming.
func (c *Controller) Restore(messages []model.Message) ([]fence.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sending || c.session.Busy() {
		return nil, session.ErrBusy
	}

	c.conv = model.FromMessages(messages)
	c.seen = make(map[string]bool)
	c.lastState = session.StateIdle

	var blocks []fence.Block
	for _, msg := range c.conv.Messages {
		if msg.Role != model.RoleAssistant {
			continue
		}
		blocks = append(blocks, c.surface(msg.Content)...)
	}
	return blocks, nil
}

// Clear drops the conversation and the surfaced-block memory, so a
// fresh conversation can legitimately re-surface a block an earlier one
// already showed. Fails with session.ErrBusy while streaming.
func (c *Controller) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sending || c.session.Busy() {
		return session.ErrBusy
	}
	c.conv.Clear()
	c.seen = make(map[string]bool)
	c.lastState = session.StateIdle
	return nil
}
