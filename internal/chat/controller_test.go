// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cityba/openai-hub/internal/model"
	"github.com/cityba/openai-hub/internal/openrouter"
	"github.com/cityba/openai-hub/internal/session"
	"github.com/cityba/openai-hub/internal/storage"
)

const (
	testKey          = "sk-or-test-abcdefghijklmnopqrstuvwxyz0123456789"
	testSystemPrompt = "You are a test assistant."
	paidModel        = "test/model"
	freeModel        = "test/model:free"
)

const (
	finishStopLine   = "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"stop\"}]}\n\n"
	finishLengthLine = "data: {\"choices\":[{\"delta\":{},\"finish_reason\":\"length\"}]}\n\n"
	doneLine         = "data: [DONE]\n\n"
)

func contentLine(t *testing.T, text string) string {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"choices": []map[string]any{{"delta": map[string]any{"content": text}}},
	})
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	return "data: " + string(raw) + "\n\n"
}

// streamServer serves the same fixed SSE body to every request.
func streamServer(lines ...string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			w.Write([]byte(line))
		}
	}))
}

// payloadServer records every decoded request body and serves a fixed
// stream.
type payloadServer struct {
	*httptest.Server
	mu       sync.Mutex
	payloads []map[string]any
}

func newPayloadServer(lines ...string) *payloadServer {
	ps := &payloadServer{}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		if err := json.Unmarshal(body, &payload); err == nil {
			ps.mu.Lock()
			ps.payloads = append(ps.payloads, payload)
			ps.mu.Unlock()
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			w.Write([]byte(line))
		}
	}))
	return ps
}

func (ps *payloadServer) payload(t *testing.T, i int) map[string]any {
	t.Helper()
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if i >= len(ps.payloads) {
		t.Fatalf("request %d not captured, have %d", i, len(ps.payloads))
	}
	return ps.payloads[i]
}

// messageAt pulls role and content out of a captured payload.
func messageAt(t *testing.T, payload map[string]any, i int) (string, string) {
	t.Helper()
	msgs, ok := payload["messages"].([]any)
	if !ok {
		t.Fatal("payload has no messages array")
	}
	if i >= len(msgs) {
		t.Fatalf("message %d out of range, payload has %d", i, len(msgs))
	}
	msg, ok := msgs[i].(map[string]any)
	if !ok {
		t.Fatalf("message %d is not an object", i)
	}
	role, _ := msg["role"].(string)
	content, _ := msg["content"].(string)
	return role, content
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SystemPrompt = testSystemPrompt
	cfg.FlushInterval = 5 * time.Millisecond
	return cfg
}

func newTestController(serverURL, modelID string, ev Events) *Controller {
	return newControllerWith(serverURL, modelID, ev, nil, testConfig())
}

func newControllerWith(serverURL, modelID string, ev Events, store *storage.HistoryStore, cfg Config) *Controller {
	client := openrouter.NewClient(testKey, modelID).WithBaseURL(serverURL)
	return New(client, store, ev, cfg)
}

// recordEvents collects flushes and delivers outcomes over a channel so
// tests can wait for terminal states without polling.
type recordEvents struct {
	mu      sync.Mutex
	flushes []string
	done    chan Outcome
}

func newRecordEvents() *recordEvents {
	return &recordEvents{done: make(chan Outcome, 8)}
}

func (r *recordEvents) Flush(text string) {
	r.mu.Lock()
	r.flushes = append(r.flushes, text)
	r.mu.Unlock()
}

func (r *recordEvents) Done(outcome Outcome) {
	r.done <- outcome
}

func (r *recordEvents) wait(t *testing.T) Outcome {
	t.Helper()
	select {
	case o := <-r.done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not finish in time")
		return Outcome{}
	}
}

func (r *recordEvents) flushed() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.flushes, "")
}

func waitForBuffer(t *testing.T, c *Controller, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Buffer() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("buffer never reached %q, have %q", want, c.Buffer())
}

// =============================================================================
// SEND TESTS
// =============================================================================

func TestController_SendAppendsTurns(t *testing.T) {
	server := streamServer(
		contentLine(t, "Hello"),
		contentLine(t, " world"),
		finishStopLine,
		doneLine,
	)
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	if err := ctrl.Send(context.Background(), "hi there"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	outcome := ev.wait(t)
	if outcome.Result.State != session.StateCompleted {
		t.Errorf("state = %v, want completed", outcome.Result.State)
	}
	if outcome.Result.Text != "Hello world" {
		t.Errorf("final text = %q, want %q", outcome.Result.Text, "Hello world")
	}
	if got := ev.flushed(); got != "Hello world" {
		t.Errorf("flushed text = %q, want %q", got, "Hello world")
	}

	// History holds exactly the user and assistant turns. The system
	// prompt travels in the request, never in history.
	msgs := ctrl.Messages()
	if len(msgs) != 2 {
		t.Fatalf("history length = %d, want 2", len(msgs))
	}
	if msgs[0].Role != model.RoleUser || msgs[0].Content != "hi there" {
		t.Errorf("first turn = %+v, want the user prompt", msgs[0])
	}
	if msgs[1].Role != model.RoleAssistant || msgs[1].Content != "Hello world" {
		t.Errorf("second turn = %+v, want the assistant response", msgs[1])
	}
}

func TestController_RequestPayload(t *testing.T) {
	server := newPayloadServer(contentLine(t, "ok"), finishStopLine, doneLine)
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	if err := ctrl.Send(context.Background(), "question"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ev.wait(t)

	payload := server.payload(t, 0)
	if got := payload["model"]; got != paidModel {
		t.Errorf("model = %v, want %q", got, paidModel)
	}
	if got := payload["temperature"]; got != 0.4 {
		t.Errorf("temperature = %v, want 0.4", got)
	}
	if got := payload["max_tokens"]; got != float64(32768) {
		t.Errorf("max_tokens = %v, want 32768", got)
	}
	if got := payload["stream"]; got != true {
		t.Errorf("stream = %v, want true", got)
	}
	if reasoning, ok := payload["reasoning"].(map[string]any); !ok || reasoning["exclude"] != true {
		t.Errorf("reasoning = %v, want exclude:true", payload["reasoning"])
	}
	if transforms, ok := payload["transforms"].([]any); !ok || len(transforms) != 1 || transforms[0] != "middle-out" {
		t.Errorf("transforms = %v, want [middle-out]", payload["transforms"])
	}
	if usage, ok := payload["usage"].(map[string]any); !ok || usage["include"] != true {
		t.Errorf("usage = %v, want include:true", payload["usage"])
	}

	if role, content := messageAt(t, payload, 0); role != "system" || content != testSystemPrompt {
		t.Errorf("first message = %s %q, want the system prompt", role, content)
	}
	if role, content := messageAt(t, payload, 1); role != "user" || content != "question" {
		t.Errorf("second message = %s %q, want the user prompt", role, content)
	}
}

func TestController_SetMaxTokens(t *testing.T) {
	server := newPayloadServer(contentLine(t, "ok"), finishStopLine, doneLine)
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	if err := ctrl.Send(context.Background(), "first"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ev.wait(t)

	ctrl.SetMaxTokens(8192)
	if got := ctrl.MaxTokens(); got != 8192 {
		t.Errorf("MaxTokens() = %d, want 8192", got)
	}
	ctrl.SetMaxTokens(0) // ignored
	if got := ctrl.MaxTokens(); got != 8192 {
		t.Errorf("MaxTokens() after zero set = %d, want 8192", got)
	}

	if err := ctrl.Send(context.Background(), "second"); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	ev.wait(t)

	if got := server.payload(t, 0)["max_tokens"]; got != float64(32768) {
		t.Errorf("first max_tokens = %v, want 32768", got)
	}
	if got := server.payload(t, 1)["max_tokens"]; got != float64(8192) {
		t.Errorf("second max_tokens = %v, want 8192", got)
	}
}

func TestController_WindowTrimsHistory(t *testing.T) {
	server := newPayloadServer(contentLine(t, "ok"), finishStopLine, doneLine)
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	for i := 1; i <= 5; i++ {
		if err := ctrl.Send(context.Background(), fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		ev.wait(t)
	}

	// Before the fifth send history held q1..q4 with four responses,
	// eight entries. The request carries the system prompt, the last
	// six history entries, and the new turn.
	payload := server.payload(t, 4)
	msgs := payload["messages"].([]any)
	if len(msgs) != 8 {
		t.Fatalf("request message count = %d, want 8", len(msgs))
	}
	if role, content := messageAt(t, payload, 0); role != "system" || content != testSystemPrompt {
		t.Errorf("first message = %s %q, want the system prompt", role, content)
	}
	if _, content := messageAt(t, payload, 1); content != "q2" {
		t.Errorf("window start = %q, want q2 (q1 trimmed)", content)
	}
	if role, content := messageAt(t, payload, 7); role != "user" || content != "q5" {
		t.Errorf("last message = %s %q, want the new user turn", role, content)
	}
}

func TestController_EmptyPromptRejected(t *testing.T) {
	server := streamServer(finishStopLine, doneLine)
	defer server.Close()

	ctrl := newTestController(server.URL, paidModel, newRecordEvents())

	for _, prompt := range []string{"", "   ", "\n\t"} {
		if err := ctrl.Send(context.Background(), prompt); !errors.Is(err, ErrEmptyPrompt) {
			t.Errorf("Send(%q) err = %v, want ErrEmptyPrompt", prompt, err)
		}
	}
	if ctrl.Len() != 0 {
		t.Errorf("history length = %d, want 0 after rejected sends", ctrl.Len())
	}
}

func TestController_BusyRejectsSecondSend(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(contentLine(t, "first")))
		w.(http.Flusher).Flush()
		<-release
		w.Write([]byte(finishStopLine))
	}))
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	if err := ctrl.Send(context.Background(), "q1"); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	waitForBuffer(t, ctrl, "first")

	if err := ctrl.Send(context.Background(), "intruder"); !errors.Is(err, session.ErrBusy) {
		t.Fatalf("second Send err = %v, want ErrBusy", err)
	}
	if !ctrl.Busy() {
		t.Error("controller should still be busy after the rejected send")
	}

	// The rejected send must not have touched history.
	if got := ctrl.Len(); got != 1 {
		t.Errorf("history length = %d, want 1 (just q1)", got)
	}

	close(release)
	outcome := ev.wait(t)
	if outcome.Result.State != session.StateCompleted || outcome.Result.Text != "first" {
		t.Errorf("active run disturbed: %+v", outcome.Result)
	}
	msgs := ctrl.Messages()
	if len(msgs) != 2 || msgs[1].Content != "first" {
		t.Errorf("history after completion = %+v", msgs)
	}
}

func TestController_FailedSendKeepsUserTurn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	err := ctrl.Send(context.Background(), "doomed")
	if !errors.Is(err, openrouter.ErrRateLimited) {
		t.Fatalf("Send err = %v, want ErrRateLimited", err)
	}

	// The user turn stays committed, matching the original client, and
	// no outcome is delivered for an exchange that never streamed.
	msgs := ctrl.Messages()
	if len(msgs) != 1 || msgs[0].Role != model.RoleUser || msgs[0].Content != "doomed" {
		t.Errorf("history = %+v, want just the user turn", msgs)
	}
	if ctrl.State() != session.StateFailed {
		t.Errorf("state = %v, want failed", ctrl.State())
	}
	if ctrl.Busy() {
		t.Error("controller should not be busy after a rejected request")
	}
	select {
	case o := <-ev.done:
		t.Errorf("unexpected outcome delivered: %+v", o)
	default:
	}
}

// =============================================================================
// CONTINUATION TESTS
// =============================================================================

func TestController_TruncationEnablesContinue(t *testing.T) {
	server := newPayloadServer(contentLine(t, "partial answer"), finishLengthLine, doneLine)
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	if err := ctrl.Send(context.Background(), "long question"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	outcome := ev.wait(t)
	if outcome.Result.State != session.StateTruncated {
		t.Fatalf("state = %v, want truncated", outcome.Result.State)
	}
	if !ctrl.CanContinue() {
		t.Fatal("CanContinue should be true after a truncated response")
	}

	if err := ctrl.Continue(context.Background()); err != nil {
		t.Fatalf("Continue failed: %v", err)
	}
	ev.wait(t)

	// The continuation is its own user turn followed by its own
	// assistant turn; nothing is merged into the truncated entry.
	msgs := ctrl.Messages()
	if len(msgs) != 4 {
		t.Fatalf("history length = %d, want 4", len(msgs))
	}
	if msgs[1].Content != "partial answer" {
		t.Errorf("truncated turn rewritten: %q", msgs[1].Content)
	}
	if msgs[2].Role != model.RoleUser || msgs[2].Content != ContinueInstruction {
		t.Errorf("continuation turn = %+v, want the synthetic instruction", msgs[2])
	}
	if msgs[3].Role != model.RoleAssistant {
		t.Errorf("final turn role = %v, want assistant", msgs[3].Role)
	}

	// The wire request carries the instruction as the trailing message.
	payload := server.payload(t, 1)
	wire := payload["messages"].([]any)
	if role, content := messageAt(t, payload, len(wire)-1); role != "user" || content != ContinueInstruction {
		t.Errorf("trailing wire message = %s %q, want the instruction", role, content)
	}

	// The second response finished cleanly, so the affordance goes away.
	if ctrl.CanContinue() {
		t.Error("CanContinue should be false after a completed response")
	}
}

func TestController_ContinueRequiresAssistantTurn(t *testing.T) {
	server := streamServer(finishStopLine, doneLine)
	defer server.Close()

	ctrl := newTestController(server.URL, paidModel, newRecordEvents())

	if err := ctrl.Continue(context.Background()); !errors.Is(err, ErrNothingToContinue) {
		t.Errorf("Continue on empty history err = %v, want ErrNothingToContinue", err)
	}
	if ctrl.CanContinue() {
		t.Error("CanContinue should be false on an empty history")
	}
}

func TestController_CancelKeepsHistoryAtUserTurn(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(contentLine(t, "partial ")))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	if err := ctrl.Send(context.Background(), "q"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitForBuffer(t, ctrl, "partial ")
	ctrl.Cancel()

	outcome := ev.wait(t)
	if outcome.Result.State != session.StateCancelled {
		t.Errorf("state = %v, want cancelled", outcome.Result.State)
	}

	// No assistant turn for a cancelled run; the partial stays readable.
	if got := ctrl.Len(); got != 1 {
		t.Errorf("history length = %d, want 1", got)
	}
	if got := ctrl.Buffer(); got != "partial " {
		t.Errorf("preserved partial = %q", got)
	}
	if ctrl.CanContinue() {
		t.Error("CanContinue should be false after a cancel")
	}
}

// =============================================================================
// CODE BLOCK TESTS
// =============================================================================

func TestController_SurfacesNewBlocksOnly(t *testing.T) {
	first := "Twice:\n```python\nprint(1)\n```\nand again\n```python\nprint(1)\n```\n"
	second := "Same:\n```python\nprint(1)\n```\nplus new\n```go\nfmt.Println(1)\n```\n"

	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		text := first
		if atomic.AddInt32(&calls, 1) > 1 {
			text = second
		}
		raw, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]any{"content": text}}},
		})
		w.Write([]byte("data: " + string(raw) + "\n\n"))
		w.Write([]byte(finishStopLine))
	}))
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	if err := ctrl.Send(context.Background(), "q1"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	outcome := ev.wait(t)
	if len(outcome.Blocks) != 1 {
		t.Fatalf("first outcome blocks = %d, want 1 (duplicate collapsed)", len(outcome.Blocks))
	}
	if outcome.Blocks[0].Language != "python" || outcome.Blocks[0].Code != "print(1)" {
		t.Errorf("block = %+v", outcome.Blocks[0])
	}

	if err := ctrl.Send(context.Background(), "q2"); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	outcome = ev.wait(t)
	if len(outcome.Blocks) != 1 {
		t.Fatalf("second outcome blocks = %d, want 1 (only the go block is new)", len(outcome.Blocks))
	}
	if outcome.Blocks[0].Language != "go" {
		t.Errorf("new block language = %q, want go", outcome.Blocks[0].Language)
	}
}

func TestController_ClearResetsSurfacedBlocks(t *testing.T) {
	response := "```python\nprint(1)\n```"
	server := streamServer(contentLine(t, response), finishStopLine, doneLine)
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	if err := ctrl.Send(context.Background(), "q1"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := ev.wait(t); len(got.Blocks) != 1 {
		t.Fatalf("first exchange blocks = %d, want 1", len(got.Blocks))
	}

	if err := ctrl.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if ctrl.Len() != 0 {
		t.Errorf("history length after Clear = %d, want 0", ctrl.Len())
	}
	if ctrl.Title() != "New conversation" {
		t.Errorf("title after Clear = %q", ctrl.Title())
	}

	// A fresh conversation re-surfaces the block.
	if err := ctrl.Send(context.Background(), "q2"); err != nil {
		t.Fatalf("second Send failed: %v", err)
	}
	if got := ev.wait(t); len(got.Blocks) != 1 {
		t.Errorf("blocks after Clear = %d, want 1", len(got.Blocks))
	}
}

func TestController_RestoreSeedsSurfacedBlocks(t *testing.T) {
	server := streamServer(contentLine(t, "```python\nprint(1)\n```"), finishStopLine, doneLine)
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	saved := []model.Message{
		model.NewUserMessage("old question"),
		model.NewAssistantMessage("```python\nprint(1)\n```"),
	}
	blocks, err := ctrl.Restore(saved)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Language != "python" {
		t.Fatalf("restored blocks = %+v, want the python block", blocks)
	}
	if ctrl.Len() != 2 {
		t.Errorf("history length = %d, want 2", ctrl.Len())
	}
	if ctrl.Title() != "old question" {
		t.Errorf("title = %q, want derived from the restored history", ctrl.Title())
	}
	if ctrl.CanContinue() {
		t.Error("CanContinue should be false right after a restore")
	}

	// A new response repeating the restored block surfaces nothing.
	if err := ctrl.Send(context.Background(), "again"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got := ev.wait(t); len(got.Blocks) != 0 {
		t.Errorf("blocks after restore = %d, want 0", len(got.Blocks))
	}
}

// =============================================================================
// PERSISTENCE TESTS
// =============================================================================

func TestController_AutosaveOnCompletion(t *testing.T) {
	server := streamServer(contentLine(t, "saved answer"), finishStopLine, doneLine)
	defer server.Close()

	dir := t.TempDir()
	store, err := storage.NewHistoryStoreWithDir(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	ev := newRecordEvents()
	ctrl := newControllerWith(server.URL, paidModel, ev, store, testConfig())

	if err := ctrl.Send(context.Background(), "save me"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ev.wait(t)

	path := waitForAutosave(t, dir)
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	msgs, err := store.Load(name)
	if err != nil {
		t.Fatalf("Load(%q) failed: %v", name, err)
	}
	if len(msgs) != 2 || msgs[1].Content != "saved answer" {
		t.Errorf("autosaved history = %+v", msgs)
	}
}

func TestController_AutosaveFailureLoggedNotFatal(t *testing.T) {
	server := streamServer(contentLine(t, "ok"), finishStopLine, doneLine)
	defer server.Close()

	// BaseDir pointing at a regular file makes every write fail.
	blocker := filepath.Join(t.TempDir(), "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	store := &storage.HistoryStore{BaseDir: filepath.Join(blocker, "history"), MaxList: storage.DefaultMaxList}

	logBuf := &syncBuffer{}
	ev := newRecordEvents()
	ctrl := newControllerWith(server.URL, paidModel, ev, store, testConfig()).
		WithLogger(log.New(logBuf, "", 0))

	if err := ctrl.Send(context.Background(), "q"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	outcome := ev.wait(t)
	if outcome.Result.State != session.StateCompleted {
		t.Errorf("state = %v, persistence failure must not break the exchange", outcome.Result.State)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(logBuf.String(), "autosave failed") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("autosave failure never logged, log = %q", logBuf.String())
}

func waitForAutosave(t *testing.T, dir string) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(dir)
		if err == nil {
			for _, e := range entries {
				if strings.HasPrefix(e.Name(), "autosave_") {
					return filepath.Join(dir, e.Name())
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for the autosave file")
	return ""
}

// syncBuffer is a goroutine-safe log target.
type syncBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// =============================================================================
// FREE TIER THROTTLE TESTS
// =============================================================================

func TestController_ThrottlesFreeTier(t *testing.T) {
	server := streamServer(contentLine(t, "ok"), finishStopLine, doneLine)
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, freeModel, ev)

	for i := 1; i <= FreeRequestsPerMinute; i++ {
		if err := ctrl.Send(context.Background(), fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		ev.wait(t)
	}

	err := ctrl.Send(context.Background(), "one too many")
	var throttled *ThrottleError
	if !errors.As(err, &throttled) {
		t.Fatalf("sixth Send err = %v, want ThrottleError", err)
	}
	if throttled.Wait <= 0 {
		t.Errorf("throttle wait = %v, want a positive retry hint", throttled.Wait)
	}
	if !strings.Contains(throttled.Error(), "5 requests/minute") {
		t.Errorf("throttle message = %q", throttled.Error())
	}

	// The throttled send never touched history.
	if got := ctrl.Len(); got != FreeRequestsPerMinute*2 {
		t.Errorf("history length = %d, want %d", got, FreeRequestsPerMinute*2)
	}
}

func TestController_PaidModelUnmetered(t *testing.T) {
	server := streamServer(contentLine(t, "ok"), finishStopLine, doneLine)
	defer server.Close()

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	for i := 1; i <= FreeRequestsPerMinute+2; i++ {
		if err := ctrl.Send(context.Background(), fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		ev.wait(t)
	}
}

func TestController_ThrottleDisabled(t *testing.T) {
	server := streamServer(contentLine(t, "ok"), finishStopLine, doneLine)
	defer server.Close()

	cfg := testConfig()
	cfg.FreePerMinute = -1
	ev := newRecordEvents()
	ctrl := newControllerWith(server.URL, freeModel, ev, nil, cfg)

	for i := 1; i <= FreeRequestsPerMinute+2; i++ {
		if err := ctrl.Send(context.Background(), fmt.Sprintf("q%d", i)); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		ev.wait(t)
	}
}

func TestIsFreeModel(t *testing.T) {
	cases := []struct {
		id   string
		want bool
	}{
		{"deepseek/deepseek-chat-v3-0324:free", true},
		{"google/gemini-2.0-flash-exp:free", true},
		{"deepseek/deepseek-chat-v3", false},
		{"anthropic/claude-sonnet-4", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsFreeModel(tc.id); got != tc.want {
			t.Errorf("IsFreeModel(%q) = %v, want %v", tc.id, got, tc.want)
		}
	}
}
