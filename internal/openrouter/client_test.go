// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cityba/openai-hub/internal/model"
)

const testKey = "sk-or-test-abcdefghijklmnopqrstuvwxyz0123456789"

// chatOK is a minimal valid blocking chat completion response.
const chatOK = `{
	"id": "gen-1",
	"model": "test/model",
	"choices": [{
		"message": {"role": "assistant", "content": "hello back"},
		"finish_reason": "stop"
	}],
	"usage": {"prompt_tokens": 10, "completion_tokens": 20, "total_tokens": 30}
}`

func testMessages() []model.Message {
	return []model.Message{
		model.NewSystemMessage("You are helpful."),
		model.NewUserMessage("hello"),
	}
}

// =============================================================================
// REQUEST SHAPE TESTS
// =============================================================================

func TestNewChatRequest_WireShape(t *testing.T) {
	req := NewChatRequest("test/model", testMessages())
	req.Temperature = 0.4
	req.MaxTokens = 32768

	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded["model"] != "test/model" {
		t.Errorf("model = %v, want test/model", decoded["model"])
	}
	if decoded["temperature"] != 0.4 {
		t.Errorf("temperature = %v, want 0.4", decoded["temperature"])
	}
	if decoded["max_tokens"] != float64(32768) {
		t.Errorf("max_tokens = %v, want 32768", decoded["max_tokens"])
	}

	reasoning, ok := decoded["reasoning"].(map[string]any)
	if !ok || reasoning["exclude"] != true {
		t.Errorf("reasoning = %v, want {exclude: true}", decoded["reasoning"])
	}
	usage, ok := decoded["usage"].(map[string]any)
	if !ok || usage["include"] != true {
		t.Errorf("usage = %v, want {include: true}", decoded["usage"])
	}
	transforms, ok := decoded["transforms"].([]any)
	if !ok || len(transforms) != 1 || transforms[0] != "middle-out" {
		t.Errorf("transforms = %v, want [middle-out]", decoded["transforms"])
	}

	messages, ok := decoded["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("messages = %v, want 2 entries", decoded["messages"])
	}
	first, _ := messages[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "You are helpful." {
		t.Errorf("first message = %v", first)
	}
}

func TestChatRequest_ZeroValuesStillSent(t *testing.T) {
	req := &ChatRequest{Model: "m", Messages: testMessages()}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	for _, field := range []string{`"temperature":0`, `"max_tokens":0`, `"stream":false`} {
		if !strings.Contains(string(raw), field) {
			t.Errorf("payload missing %s: %s", field, raw)
		}
	}
}

// =============================================================================
// BLOCKING CHAT TESTS
// =============================================================================

func TestChat(t *testing.T) {
	var gotPath, gotAuth, gotAgent, gotContentType string
	var gotBody ChatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotAgent = r.Header.Get("User-Agent")
		gotContentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatOK))
	}))
	defer server.Close()

	client := NewClient(testKey, "default/model").WithBaseURL(server.URL)

	req := NewChatRequest("", testMessages())
	resp, err := client.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	if resp.Content() != "hello back" {
		t.Errorf("Content() = %q, want %q", resp.Content(), "hello back")
	}
	if resp.FinishReason() != "stop" {
		t.Errorf("FinishReason() = %q, want stop", resp.FinishReason())
	}
	if resp.Usage.TotalTokens != 30 {
		t.Errorf("TotalTokens = %d, want 30", resp.Usage.TotalTokens)
	}

	if gotPath != "/chat/completions" {
		t.Errorf("path = %q, want /chat/completions", gotPath)
	}
	if gotAuth != "Bearer "+testKey {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAgent != userAgent {
		t.Errorf("User-Agent = %q, want %q", gotAgent, userAgent)
	}
	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}
	if gotBody.Model != "default/model" {
		t.Errorf("request model = %q, want client default filled in", gotBody.Model)
	}
	if gotBody.Stream {
		t.Error("blocking Chat sent stream: true")
	}
}

func TestChat_NotConfigured(t *testing.T) {
	client := NewClient("", "m")
	_, err := client.Chat(context.Background(), NewChatRequest("m", testMessages()))
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

// =============================================================================
// ERROR CLASSIFICATION TESTS
// =============================================================================

func TestChat_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		sentinel error
		wantMsg  string
	}{
		{
			name:     "auth failure",
			status:   http.StatusUnauthorized,
			body:     `{"error":{"message":"invalid api key"}}`,
			sentinel: ErrAuthFailed,
			wantMsg:  "invalid api key",
		},
		{
			name:     "insufficient credits",
			status:   http.StatusPaymentRequired,
			body:     `{"error":{"message":"add credits to continue"}}`,
			sentinel: ErrInsufficientCredits,
			wantMsg:  "add credits to continue",
		},
		{
			name:     "model not found",
			status:   http.StatusNotFound,
			body:     `{"error":{"message":"no such model"}}`,
			sentinel: ErrModelNotFound,
			wantMsg:  "no such model",
		},
		{
			name:     "rate limited",
			status:   http.StatusTooManyRequests,
			body:     `{"error":{"message":"slow down"}}`,
			sentinel: ErrRateLimited,
			wantMsg:  "slow down",
		},
		{
			name:    "server error with raw body",
			status:  http.StatusBadGateway,
			body:    "upstream exploded",
			wantMsg: "upstream exploded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(testKey, "m").WithBaseURL(server.URL)
			_, err := client.Chat(context.Background(), NewChatRequest("m", testMessages()))
			if err == nil {
				t.Fatal("expected error, got nil")
			}

			if tt.sentinel != nil && !errors.Is(err, tt.sentinel) {
				t.Errorf("errors.Is(%v, %v) = false", err, tt.sentinel)
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("error %v is not an *APIError", err)
			}
			if apiErr.Status != tt.status {
				t.Errorf("Status = %d, want %d", apiErr.Status, tt.status)
			}
			if apiErr.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", apiErr.Message, tt.wantMsg)
			}
		})
	}
}

func TestExtractErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"envelope", `{"error":{"message":"nope"}}`, "nope"},
		{"envelope empty message", `{"error":{"message":""}}`, `{"error":{"message":""}}`},
		{"raw text", "plain failure", "plain failure"},
		{"empty body", "", "no response body"},
		{"whitespace body", "  \n ", "no response body"},
		{"long raw body capped", strings.Repeat("x", 500), strings.Repeat("x", 200)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractErrorMessage([]byte(tt.body))
			if got != tt.want {
				t.Errorf("extractErrorMessage(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "30", 30 * time.Second},
		{"zero", "0", 0},
		{"negative rejected", "-5", 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseRetryAfter(tt.value); got != tt.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}

	// HTTP date form rounds down to the remaining wait.
	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	if got <= 0 || got > 90*time.Second {
		t.Errorf("parseRetryAfter(%q) = %v, want a positive duration up to 90s", future, got)
	}
}

func TestAPIError_RetryAfterFromHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	client := NewClient(testKey, "m").WithBaseURL(server.URL)
	_, err := client.Chat(context.Background(), NewChatRequest("m", testMessages()))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error %v is not an *APIError", err)
	}
	if apiErr.RetryAfter != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", apiErr.RetryAfter)
	}
	if !strings.Contains(apiErr.Error(), "retry after") {
		t.Errorf("Error() = %q, want retry hint", apiErr.Error())
	}
}

// =============================================================================
// RETRY TESTS
// =============================================================================

func fastRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:       true,
		MaxAttempts:   3,
		RateLimitWait: 5 * time.Millisecond,
		TimeoutWait:   5 * time.Millisecond,
	}
}

func TestChat_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"slow down"}}`))
			return
		}
		w.Write([]byte(chatOK))
	}))
	defer server.Close()

	client := NewClient(testKey, "m").WithBaseURL(server.URL).WithRetry(fastRetryPolicy())
	resp, err := client.Chat(context.Background(), NewChatRequest("m", testMessages()))
	if err != nil {
		t.Fatalf("Chat failed after retries: %v", err)
	}
	if resp.Content() != "hello back" {
		t.Errorf("Content() = %q", resp.Content())
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}
}

func TestChat_RetryDisabledFailsFast(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	client := NewClient(testKey, "m").WithBaseURL(server.URL)
	_, err := client.Chat(context.Background(), NewChatRequest("m", testMessages()))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1", got)
	}
}

func TestChat_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"still busy"}}`))
	}))
	defer server.Close()

	client := NewClient(testKey, "m").WithBaseURL(server.URL).WithRetry(fastRetryPolicy())
	_, err := client.Chat(context.Background(), NewChatRequest("m", testMessages()))
	if !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v, want ErrRateLimited", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("server saw %d requests, want 3", got)
	}
}

func TestChat_NoRetryOnAuthFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key"}}`))
	}))
	defer server.Close()

	client := NewClient(testKey, "m").WithBaseURL(server.URL).WithRetry(fastRetryPolicy())
	_, err := client.Chat(context.Background(), NewChatRequest("m", testMessages()))
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("err = %v, want ErrAuthFailed", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1 (auth failures must not retry)", got)
	}
}

func TestChat_RetriesTimeout(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(300 * time.Millisecond)
		}
		w.Write([]byte(chatOK))
	}))
	defer server.Close()

	client := NewClient(testKey, "m").
		WithBaseURL(server.URL).
		WithTimeout(50 * time.Millisecond).
		WithRetry(fastRetryPolicy())

	resp, err := client.Chat(context.Background(), NewChatRequest("m", testMessages()))
	if err != nil {
		t.Fatalf("Chat failed after timeout retry: %v", err)
	}
	if resp.Content() != "hello back" {
		t.Errorf("Content() = %q", resp.Content())
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("server saw %d requests, want 2", got)
	}
}

func TestChat_NoRetryWhenCallerContextDead(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(chatOK))
	}))
	defer server.Close()

	client := NewClient(testKey, "m").WithBaseURL(server.URL).WithRetry(fastRetryPolicy())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Chat(ctx, NewChatRequest("m", testMessages()))
	if err == nil {
		t.Fatal("expected error from expired context")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server saw %d requests, want 1 (dead context must not retry)", got)
	}
}

func TestIsTimeout(t *testing.T) {
	if isTimeout(errors.New("plain")) {
		t.Error("plain error classified as timeout")
	}
	if !isTimeout(fmt.Errorf("request failed: %w", &fakeTimeoutError{})) {
		t.Error("wrapped net timeout not classified as timeout")
	}
	if isTimeout(errors.New("connection refused")) {
		t.Error("string matching should not classify timeouts")
	}
}

type fakeTimeoutError struct{}

func (e *fakeTimeoutError) Error() string   { return "i/o timeout" }
func (e *fakeTimeoutError) Timeout() bool   { return true }
func (e *fakeTimeoutError) Temporary() bool { return true }

// =============================================================================
// MODEL LISTING TESTS
// =============================================================================

func TestListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q, want /models", r.URL.Path)
		}
		w.Write([]byte(`{"data":[
			{"id":"deepseek/deepseek-chat-v3-0324:free","name":"DeepSeek V3","context_length":163840,"pricing":{"prompt":"0","completion":"0"}},
			{"id":"anthropic/claude-sonnet-4","name":"Claude Sonnet 4","context_length":200000,"pricing":{"prompt":"0.000003","completion":"0.000015"}}
		]}`))
	}))
	defer server.Close()

	client := NewClient(testKey, "m").WithBaseURL(server.URL)
	models, err := client.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels failed: %v", err)
	}

	if len(models) != 2 {
		t.Fatalf("got %d models, want 2", len(models))
	}
	if models[0].ContextSize != 163840 {
		t.Errorf("ContextSize = %d, want 163840", models[0].ContextSize)
	}
	if !models[0].IsFree() {
		t.Errorf("%s should be free", models[0].ID)
	}
	if models[1].IsFree() {
		t.Errorf("%s should be paid", models[1].ID)
	}
}

func TestModelInfo_IsFree(t *testing.T) {
	tests := []struct {
		prompt, completion string
		want               bool
	}{
		{"0", "0", true},
		{"0", "0.000001", false},
		{"0.000001", "0", false},
		{"0.0", "0", false},
		{"", "", false},
	}

	for _, tt := range tests {
		m := ModelInfo{Pricing: Pricing{Prompt: tt.prompt, Completion: tt.completion}}
		if got := m.IsFree(); got != tt.want {
			t.Errorf("IsFree(prompt=%q, completion=%q) = %v, want %v", tt.prompt, tt.completion, got, tt.want)
		}
	}
}

// =============================================================================
// KEY VALIDATION TESTS
// =============================================================================

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", testKey, false},
		{"valid with surrounding space", "  " + testKey + "  ", false},
		{"empty", "", true},
		{"wrong prefix", "sk-ant-REDACTED", true},
		{"too short", "sk-or-abc123", true},
		{"low variety", "sk-or-aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint(testKey)
	if len(fp) != 8 {
		t.Errorf("Fingerprint length = %d, want 8 hex chars", len(fp))
	}
	if fp != Fingerprint(testKey) {
		t.Error("Fingerprint is not deterministic")
	}
	if strings.Contains(testKey, fp) {
		t.Error("Fingerprint leaks key material")
	}
	if Fingerprint("") != "(none)" {
		t.Errorf("Fingerprint(\"\") = %q, want (none)", Fingerprint(""))
	}
}

// =============================================================================
// BUILDER TESTS
// =============================================================================

func TestWithBaseURL_TrimsTrailingSlash(t *testing.T) {
	client := NewClient(testKey, "m").WithBaseURL("https://example.com/api/")
	if client.baseURL != "https://example.com/api" {
		t.Errorf("baseURL = %q", client.baseURL)
	}
}

func TestSiteHeaders(t *testing.T) {
	var gotReferer, gotTitle string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("HTTP-Referer")
		gotTitle = r.Header.Get("X-Title")
		w.Write([]byte(chatOK))
	}))
	defer server.Close()

	client := NewClient(testKey, "m").
		WithBaseURL(server.URL).
		WithSiteURL("https://example.com").
		WithSiteName("openai-hub")

	if _, err := client.Chat(context.Background(), NewChatRequest("m", testMessages())); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if gotReferer != "https://example.com" {
		t.Errorf("HTTP-Referer = %q", gotReferer)
	}
	if gotTitle != "openai-hub" {
		t.Errorf("X-Title = %q", gotTitle)
	}
}
