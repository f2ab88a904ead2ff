// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cityba/openai-hub/internal/model"
	"github.com/cityba/openai-hub/internal/security"
	"github.com/cityba/openai-hub/internal/util"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultBaseURL is the base URL for the OpenRouter API.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultTimeout bounds blocking (non-streaming) API requests.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	// SECURITY: Response size limit prevents memory exhaustion from a
	// misbehaving endpoint.
	MaxResponseSize = 10 * 1024 * 1024

	// maxErrorBodyRunes caps how much of a non-JSON error body is carried
	// into an APIError message.
	maxErrorBodyRunes = 200

	// userAgent identifies this client to the API.
	userAgent = "openai-hub/1.0"
)

// =============================================================================
// SHARED TRANSPORT
// =============================================================================

var (
	// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
	// SECURITY: TLS policy comes from the security package; verification
	// is always on.
	sharedTransport = &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: DefaultTimeout,
		TLSClientConfig:       security.NewTLSConfig(),
	}

	// sharedHTTPClient serves blocking requests and is bounded by
	// DefaultTimeout end to end.
	sharedHTTPClient = &http.Client{
		Transport: sharedTransport,
		Timeout:   DefaultTimeout,
	}

	// sharedStreamingClient serves SSE requests. It carries no overall
	// timeout: response headers are still bounded by the transport, but
	// the body is open-ended and controlled via context.
	sharedStreamingClient = &http.Client{
		Transport: sharedTransport,
	}
)

// =============================================================================
// ERRORS
// =============================================================================

// Error variables for common OpenRouter failures.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("OpenRouter API key not configured")

	// ErrAuthFailed indicates authentication failed (invalid or expired API key).
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrModelNotFound indicates the requested model does not exist.
	ErrModelNotFound = errors.New("model not found")

	// ErrInsufficientCredits indicates the account has insufficient credits.
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// APIError represents a non-200 response from the OpenRouter API. Message is
// taken from the body's {"error":{"message":...}} envelope when present,
// otherwise from the raw body capped at 200 characters.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration // from the Retry-After header, 429 only
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("OpenRouter error (HTTP %d): %s (retry after %s)", e.Status, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("OpenRouter error (HTTP %d): %s", e.Status, e.Message)
}

// Is maps well-known statuses onto the package sentinel errors so callers
// can test with errors.Is without inspecting status codes.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Status == http.StatusUnauthorized
	case ErrInsufficientCredits:
		return e.Status == http.StatusPaymentRequired
	case ErrModelNotFound:
		return e.Status == http.StatusNotFound
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	}
	return false
}

// apiErrorResponse is the error envelope OpenRouter returns on failures.
type apiErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// =============================================================================
// REQUEST AND RESPONSE TYPES
// =============================================================================

// ReasoningOptions controls whether provider reasoning traces appear in the
// response stream.
type ReasoningOptions struct {
	Exclude bool `json:"exclude"`
}

// UsageOptions asks the API to append token accounting to the final chunk.
type UsageOptions struct {
	Include bool `json:"include"`
}

// ChatRequest represents a request to the chat completions endpoint.
// Temperature and MaxTokens are always sent, matching what the API expects
// from this client even at their zero values.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []model.Message   `json:"messages"`
	Temperature float64           `json:"temperature"`
	MaxTokens   int               `json:"max_tokens"`
	Reasoning   *ReasoningOptions `json:"reasoning,omitempty"`
	Transforms  []string          `json:"transforms,omitempty"`
	Usage       *UsageOptions     `json:"usage,omitempty"`
	Stream      bool              `json:"stream"`
}

// NewChatRequest builds a chat request with the wire options the hub always
// sends: reasoning traces excluded from the stream, the middle-out transform
// for prompts that exceed the model's context, and usage accounting in the
// final chunk.
func NewChatRequest(modelID string, messages []model.Message) *ChatRequest {
	return &ChatRequest{
		Model:      modelID,
		Messages:   messages,
		Reasoning:  &ReasoningOptions{Exclude: true},
		Transforms: []string{"middle-out"},
		Usage:      &UsageOptions{Include: true},
	}
}

// Usage holds token accounting for a completed request.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse represents a blocking response from the chat completions
// endpoint.
type ChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      model.Message `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Content returns the content of the first choice, or empty string if none.
func (r *ChatResponse) Content() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].Message.Content
	}
	return ""
}

// FinishReason returns the finish reason of the first choice.
func (r *ChatResponse) FinishReason() string {
	if len(r.Choices) > 0 {
		return r.Choices[0].FinishReason
	}
	return ""
}

// Pricing represents the per-token pricing of a model, as decimal strings.
type Pricing struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// ModelInfo represents one entry from the model catalog listing.
type ModelInfo struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	ContextSize int     `json:"context_length"`
	Pricing     Pricing `json:"pricing"`
}

// IsFree reports whether the model costs nothing for both prompt and
// completion tokens.
func (m ModelInfo) IsFree() bool {
	return m.Pricing.Prompt == "0" && m.Pricing.Completion == "0"
}

// modelsResponse is the envelope for the model listing endpoint.
type modelsResponse struct {
	Data []ModelInfo `json:"data"`
}

// =============================================================================
// RETRY POLICY
// =============================================================================

// RetryPolicy controls the opt-in retry behavior for rate limit and timeout
// failures. Retries only ever happen before the first body byte; a stream
// that has started is never replayed.
type RetryPolicy struct {
	Enabled       bool
	MaxAttempts   int           // total attempts including the first
	RateLimitWait time.Duration // wait after a 429 without Retry-After
	TimeoutWait   time.Duration // wait after a connection timeout
}

// DefaultRetryPolicy returns the retry settings used when retries are
// switched on without further configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:       true,
		MaxAttempts:   3,
		RateLimitWait: 60 * time.Second,
		TimeoutWait:   5 * time.Second,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is an OpenRouter API client. A zero key produces ErrNotConfigured
// from every call; all other fields have working defaults.
type Client struct {
	apiKey       string
	baseURL      string
	model        string
	siteURL      string
	siteName     string
	retry        RetryPolicy
	logger       *log.Logger
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient creates a new OpenRouter client with the given API key and
// default model.
func NewClient(apiKey, modelID string) *Client {
	return &Client{
		apiKey:       apiKey,
		baseURL:      DefaultBaseURL,
		model:        modelID,
		logger:       log.New(io.Discard, "", 0),
		httpClient:   sharedHTTPClient,
		streamClient: sharedStreamingClient,
	}
}

// WithBaseURL sets a custom base URL (for testing or proxies).
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithTimeout sets a custom timeout for blocking requests. Streaming
// requests stay context-controlled.
func (c *Client) WithTimeout(timeout time.Duration) *Client {
	c.httpClient = &http.Client{
		Transport: sharedTransport,
		Timeout:   timeout,
	}
	return c
}

// WithRetry sets the retry policy.
func (c *Client) WithRetry(policy RetryPolicy) *Client {
	c.retry = policy
	return c
}

// WithSiteURL sets the HTTP-Referer header for OpenRouter rankings.
func (c *Client) WithSiteURL(url string) *Client {
	c.siteURL = url
	return c
}

// WithSiteName sets the X-Title header for OpenRouter rankings.
func (c *Client) WithSiteName(name string) *Client {
	c.siteName = name
	return c
}

// WithLogger sets the logger for retry and stream diagnostics. A nil logger
// silences them.
func (c *Client) WithLogger(logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c.logger = logger
	return c
}

// IsConfigured returns true if an API key is set.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// Model returns the client's default model identifier.
func (c *Client) Model() string {
	return c.model
}

// SetModel changes the client's default model identifier.
func (c *Client) SetModel(modelID string) {
	c.model = modelID
}

// setHeaders applies the standard headers to an outgoing request.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if c.siteURL != "" {
		req.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.siteName != "" {
		req.Header.Set("X-Title", c.siteName)
	}
}

// =============================================================================
// BLOCKING CHAT
// =============================================================================

// Chat performs a blocking chat completion request. The full response is
// returned once the model has finished.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	payload := *req
	payload.Stream = false
	if payload.Model == "" {
		payload.Model = c.model
	}

	bodyBytes, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	var data []byte
	err = c.doWithRetry(ctx, func() error {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
		if reqErr != nil {
			return fmt.Errorf("failed to create request: %w", reqErr)
		}
		c.setHeaders(httpReq)

		resp, doErr := c.httpClient.Do(httpReq)
		if doErr != nil {
			return fmt.Errorf("request failed: %w", doErr)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
			return c.errorFromResponse(resp.StatusCode, resp.Header, raw)
		}

		data, reqErr = readResponse(resp.Body)
		return reqErr
	})
	if err != nil {
		return nil, err
	}

	var out ChatResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &out, nil
}

// =============================================================================
// MODEL LISTING
// =============================================================================

// ListModels fetches the available models from the OpenRouter catalog.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		return nil, c.errorFromResponse(resp.StatusCode, resp.Header, raw)
	}

	data, err := readResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed modelsResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse models response: %w", err)
	}
	return parsed.Data, nil
}

// =============================================================================
// ERROR HANDLING
// =============================================================================

// errorFromResponse builds the APIError for a non-200 response.
func (c *Client) errorFromResponse(status int, header http.Header, body []byte) error {
	apiErr := &APIError{
		Status:  status,
		Message: extractErrorMessage(body),
	}
	if status == http.StatusTooManyRequests {
		apiErr.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	if status == http.StatusUnauthorized {
		// SECURITY: Log the key fingerprint, never the key itself.
		c.logger.Printf("authentication failed for API key %s", Fingerprint(c.apiKey))
	}
	return apiErr
}

// extractErrorMessage pulls the message out of an OpenRouter error envelope,
// falling back to the raw body capped at 200 characters.
func extractErrorMessage(body []byte) string {
	var parsed apiErrorResponse
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	raw := strings.TrimSpace(string(body))
	if raw == "" {
		return "no response body"
	}
	return util.TruncateRunesNoEllipsis(raw, maxErrorBodyRunes)
}

// parseRetryAfter interprets a Retry-After header value as either a second
// count or an HTTP date. Returns zero when absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// readResponse reads a response body with a size limit.
func readResponse(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(data) > MaxResponseSize {
		return nil, fmt.Errorf("response exceeds %d byte limit", MaxResponseSize)
	}
	return data, nil
}

// =============================================================================
// RETRY LOOP
// =============================================================================

// doWithRetry runs fn up to the policy's attempt count, waiting the
// class-specific delay between attempts. With retries disabled fn runs
// exactly once.
func (c *Client) doWithRetry(ctx context.Context, fn func() error) error {
	attempts := 1
	if c.retry.Enabled && c.retry.MaxAttempts > 1 {
		attempts = c.retry.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay, _ := c.retryDelay(lastErr)
			c.logger.Printf("retrying in %s after: %v", delay, lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == attempts-1 || ctx.Err() != nil {
			break
		}
		if _, retryable := c.retryDelay(err); !retryable {
			break
		}
	}
	return lastErr
}

// retryDelay classifies an error and returns how long to wait before the
// next attempt. Only rate limits and connection timeouts are retryable.
func (c *Client) retryDelay(err error) (time.Duration, bool) {
	if errors.Is(err, ErrRateLimited) {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
			return apiErr.RetryAfter, true
		}
		return c.retry.RateLimitWait, true
	}
	if isTimeout(err) {
		return c.retry.TimeoutWait, true
	}
	return 0, false
}

// isTimeout reports whether err is a connection or header timeout. Expiry
// of the caller's own context also matches here; the retry loops check
// ctx.Err() before consulting this, so a dead caller context is never
// waited out again.
func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// =============================================================================
// KEY VALIDATION
// =============================================================================

// ValidateKey checks that an API key looks like a real OpenRouter key
// before it is stored or sent. It catches pasted fragments and obvious
// placeholders, not revoked keys.
func ValidateKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("API key is empty")
	}
	if !strings.HasPrefix(key, "sk-or-") {
		return errors.New("API key must start with sk-or-")
	}
	if len(key) < 38 {
		return errors.New("API key is too short")
	}
	unique := make(map[rune]bool)
	for _, r := range key {
		unique[r] = true
	}
	if len(unique) < 10 {
		return errors.New("API key has too little variety to be real")
	}
	return nil
}

// Fingerprint returns a short non-reversible identifier for an API key,
// safe to write to logs.
func Fingerprint(key string) string {
	if key == "" {
		return "(none)"
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:4])
}
