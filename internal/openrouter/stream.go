// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cityba/openai-hub/internal/util"
)

// STREAMING: Robust SSE parsing. Malformed frames are logged and skipped,
// never fatal; only transport failures terminate a stream.

// =============================================================================
// FRAME TYPES
// =============================================================================

// Frame is one meaningful event parsed from the completion stream: a content
// delta, a finish reason, or both when the provider folds them into a single
// chunk.
type Frame struct {
	Content string // text delta, may be empty on the final frame
	Finish  string // finish reason, empty until the model stops
	Model   string // model that produced the chunk, when reported
}

// HasContent returns true if the frame carries a text delta.
func (f Frame) HasContent() bool {
	return f.Content != ""
}

// Done returns true if the frame carries a finish reason.
func (f Frame) Done() bool {
	return f.Finish != ""
}

// Truncated returns true if the model stopped because it hit the token
// limit rather than finishing its answer.
func (f Frame) Truncated() bool {
	return f.Finish == "length"
}

// streamChunk mirrors one SSE chunk of a chat completion stream on the wire.
type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// =============================================================================
// FRAME PARSER
// =============================================================================

// FrameParser classifies raw SSE lines into Frames. It is stateless apart
// from its logger; the same parser may be reused across streams.
type FrameParser struct {
	logger *log.Logger
}

// NewFrameParser creates a parser. A nil logger silences diagnostics.
func NewFrameParser(logger *log.Logger) *FrameParser {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &FrameParser{logger: logger}
}

// ParseLine classifies one line of an SSE body. ok is false for lines that
// carry nothing for the consumer: blank keepalives, comments, non-data
// fields, the [DONE] marker, payloads that are not JSON objects, and chunks
// with neither content nor a finish reason. A payload that fails to decode
// is logged and reported as ok=false rather than ending the stream.
func (p *FrameParser) ParseLine(line string) (Frame, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "data:") {
		return Frame{}, false
	}

	data := strings.TrimSpace(line[len("data:"):])
	if len(data) == 0 || data[0] != '{' {
		// Covers [DONE] and any other non-object payload.
		return Frame{}, false
	}

	var chunk streamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		p.logger.Printf("discarding malformed stream frame: %v", err)
		return Frame{}, false
	}

	frame := Frame{Model: chunk.Model}
	if len(chunk.Choices) > 0 {
		frame.Content = chunk.Choices[0].Delta.Content
		frame.Finish = chunk.Choices[0].FinishReason
	}
	if frame.Content == "" && frame.Finish == "" {
		return Frame{}, false
	}
	return frame, true
}

// =============================================================================
// STREAM ERROR
// =============================================================================

// StreamError represents a transport failure during streaming, preserving
// the content received before the failure.
type StreamError struct {
	Partial string // content received before the error
	Err     error
}

// Error implements the error interface.
func (e *StreamError) Error() string {
	if e.Partial != "" {
		return fmt.Sprintf("stream error (partial content received: %d chars): %v", util.RuneLen(e.Partial), e.Err)
	}
	return fmt.Sprintf("stream error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *StreamError) Unwrap() error {
	return e.Err
}

// =============================================================================
// OPEN STREAM
// =============================================================================

// Stream is an open completion stream whose status line has already been
// checked. Frames are pulled with Next; the stream closes itself at the
// first finish reason, EOF, or failure.
type Stream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	parser  *FrameParser
	partial strings.Builder
	done    bool
}

// Next returns the next frame. io.EOF signals a clean end of stream, either
// after a finish reason or when the server closes the connection. Transport
// failures surface as a StreamError carrying the content received so far;
// cancellation surfaces as the context's error. Lines split across TCP
// reads are reassembled by the buffered reader, so the parser always sees
// complete lines regardless of how the server chunks its writes.
func (st *Stream) Next(ctx context.Context) (Frame, error) {
	if st.done {
		return Frame{}, io.EOF
	}

	for {
		select {
		case <-ctx.Done():
			st.Close()
			return Frame{}, ctx.Err()
		default:
		}

		line, err := st.reader.ReadString('\n')
		if len(line) > 0 {
			if frame, ok := st.parser.ParseLine(line); ok {
				st.partial.WriteString(frame.Content)
				if frame.Done() {
					st.done = true
					st.Close()
				}
				return frame, nil
			}
		}
		if err != nil {
			st.done = true
			st.Close()
			if err == io.EOF {
				return Frame{}, io.EOF
			}
			if ctx.Err() != nil {
				return Frame{}, ctx.Err()
			}
			return Frame{}, &StreamError{Partial: st.partial.String(), Err: err}
		}
	}
}

// Close releases the underlying connection. Safe to call more than once.
func (st *Stream) Close() error {
	return st.body.Close()
}

// OpenStream sends a streaming chat completion request and returns the open
// stream once the status line has been checked. A non-200 response is
// drained and classified before any frame can be delivered, so rate limits
// and auth failures surface here, never mid-stream.
//
// RELIABILITY: With a retry policy set, rate limit and timeout failures
// while still connecting are retried with the policy's fixed waits. Once a
// stream is returned it is consumed exactly once, never replayed.
func (c *Client) OpenStream(ctx context.Context, req *ChatRequest) (*Stream, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}

	payload := *req
	payload.Stream = true
	if payload.Model == "" {
		payload.Model = c.model
	}

	bodyBytes, err := json.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	attempts := 1
	if c.retry.Enabled && c.retry.MaxAttempts > 1 {
		attempts = c.retry.MaxAttempts
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay, _ := c.retryDelay(lastErr)
			c.logger.Printf("retrying stream in %s after: %v", delay, lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		body, err := c.openStreamOnce(ctx, bodyBytes)
		if err != nil {
			lastErr = err
			if attempt == attempts-1 || ctx.Err() != nil {
				return nil, err
			}
			if _, retryable := c.retryDelay(err); !retryable {
				return nil, err
			}
			continue
		}

		return &Stream{
			body:   body,
			reader: bufio.NewReader(body),
			parser: NewFrameParser(c.logger),
		}, nil
	}
	return nil, lastErr
}

// openStreamOnce performs a single connection attempt.
func (c *Client) openStreamOnce(ctx context.Context, bodyBytes []byte) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
		resp.Body.Close()
		return nil, c.errorFromResponse(resp.StatusCode, resp.Header, raw)
	}
	return resp.Body, nil
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// ChatStream performs a streaming chat completion request, calling fn for
// each parsed frame. It returns once the model reports a finish reason, the
// server closes the stream, or ctx is cancelled.
func (c *Client) ChatStream(ctx context.Context, req *ChatRequest, fn func(Frame)) error {
	stream, err := c.OpenStream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		frame, err := stream.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		fn(frame)
	}
}
