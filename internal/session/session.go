// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/cityba/openai-hub/internal/openrouter"
)

// =============================================================================
// STATE MACHINE
// =============================================================================

// State is the lifecycle position of a session's current run.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateTruncated
	StateCancelled
	StateFailed
)

// String returns a human-readable state name for status lines and logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateTruncated:
		return "truncated"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal returns true once a run has finished, for any reason.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTruncated, StateCancelled, StateFailed:
		return true
	}
	return false
}

// ErrBusy is returned by Start while a previous response is still
// streaming. The active run is left untouched.
var ErrBusy = errors.New("a response is already streaming")

// =============================================================================
// RESULT AND SINK
// =============================================================================

// Result is the final outcome of one run.
type Result struct {
	State  State  // Completed, Truncated, Cancelled, or Failed
	Text   string // full accumulated response, partial on cancel or failure
	Err    error  // set only when State is Failed
	Status int    // HTTP status for server rejections, 500 for transport faults, else 0
}

// Truncated returns true if the model hit its token limit, inviting a
// continuation request.
func (r Result) Truncated() bool {
	return r.State == StateTruncated
}

// StatusOf maps a terminal error to the numeric code shown to the user:
// the literal HTTP status for errors the server reported, a synthetic 500
// for transport and local failures so the display path never needs a
// special case.
func StatusOf(err error) int {
	if err == nil {
		return 0
	}
	var apiErr *openrouter.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return http.StatusInternalServerError
}

// Sink receives output from a session. Calls arrive from the session's
// consumer goroutine one at a time: zero or more Flush calls followed by
// exactly one Done per run that got past Start.
type Sink interface {
	// Flush delivers text accumulated since the previous flush.
	Flush(text string)

	// Done delivers the final outcome. No Flush follows it.
	Done(result Result)
}

// FuncSink adapts plain functions to the Sink interface. Nil fields are
// skipped.
type FuncSink struct {
	OnFlush func(text string)
	OnDone  func(result Result)
}

// Flush implements Sink.
func (f FuncSink) Flush(text string) {
	if f.OnFlush != nil {
		f.OnFlush(text)
	}
}

// Done implements Sink.
func (f FuncSink) Done(result Result) {
	if f.OnDone != nil {
		f.OnDone(result)
	}
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// DefaultFlushInterval batches roughly eleven repaints per second, fast
// enough to read as live typing without redrawing on every delta.
const DefaultFlushInterval = 90 * time.Millisecond

// Config holds tuning for a session.
type Config struct {
	// FlushInterval is how often buffered deltas are flushed to the sink.
	FlushInterval time.Duration
}

// DefaultConfig returns the default session configuration.
func DefaultConfig() Config {
	return Config{
		FlushInterval: DefaultFlushInterval,
	}
}

// =============================================================================
// SESSION
// =============================================================================

// Session drives one streaming exchange at a time against the API.
//
// PERFORMANCE: The network worker and the display path are decoupled by a
// buffered channel, so a slow terminal never backs up the TCP read loop,
// and a fast model never floods the terminal with per-token repaints.
type Session struct {
	client *openrouter.Client
	sink   Sink
	flush  time.Duration

	mu        sync.Mutex
	state     State
	busy      bool
	buf       strings.Builder
	finish    string
	cancelRun context.CancelFunc
	cancelCh  chan struct{}
	done      chan struct{}

	cancelled atomic.Bool
}

// New creates a session streaming through client and reporting to sink.
func New(client *openrouter.Client, sink Sink, cfg Config) *Session {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	return &Session{
		client: client,
		sink:   sink,
		flush:  cfg.FlushInterval,
		state:  StateIdle,
	}
}

// State returns the lifecycle position of the current or most recent run.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Busy returns true between a successful Start and the run's terminal
// state.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Buffer returns the response text accumulated so far. After a cancelled
// or failed run it holds the preserved partial content.
func (s *Session) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

// Wait blocks until the current run reaches a terminal state. Returns
// immediately if no run was ever started.
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// =============================================================================
// RUN LIFECYCLE
// =============================================================================

// Start opens the stream and begins consuming it. The connection attempt
// runs synchronously: a rejected request reports its error here, the
// session goes straight to Failed, and the sink hears nothing. Once Start
// returns nil the session is Streaming and the sink will receive flushes
// followed by exactly one Done.
//
// Starting while a run is active returns ErrBusy and leaves the active
// run untouched.
func (s *Session) Start(ctx context.Context, req *openrouter.ChatRequest) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.state = StateIdle
	s.buf.Reset()
	s.finish = ""
	s.cancelled.Store(false)
	s.cancelRun = cancel
	s.cancelCh = make(chan struct{})
	done := make(chan struct{})
	s.done = done
	cancelCh := s.cancelCh
	s.mu.Unlock()

	stream, err := s.client.OpenStream(runCtx, req)
	if err != nil {
		cancel()
		s.mu.Lock()
		if s.cancelled.Load() || errors.Is(err, context.Canceled) {
			s.state = StateCancelled
		} else {
			s.state = StateFailed
		}
		s.busy = false
		s.mu.Unlock()
		close(done)
		return err
	}

	s.mu.Lock()
	s.state = StateStreaming
	s.mu.Unlock()

	events := make(chan openrouter.Frame, 64)
	result := make(chan error, 1)
	go s.worker(runCtx, stream, events, result)
	go s.consume(events, result, cancelCh, done)
	return nil
}

// Cancel requests cooperative cancellation of the active run. The network
// read loop exits at its next line boundary, no further deltas reach the
// buffer, and text already received stays available through Buffer and
// the final Result. Cancelling an idle session is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.busy {
		s.mu.Unlock()
		return
	}
	already := s.cancelled.Swap(true)
	cancel := s.cancelRun
	ch := s.cancelCh
	s.mu.Unlock()

	if already {
		return
	}
	if cancel != nil {
		cancel()
	}
	if ch != nil {
		close(ch)
	}
}

// =============================================================================
// WORKER AND CONSUMER
// =============================================================================

// worker owns the transport read loop. It never touches the response
// buffer; parsed frames cross to the consumer over the events channel.
// Exactly one error (nil for a clean end) is sent on result before events
// closes.
func (s *Session) worker(ctx context.Context, stream *openrouter.Stream, events chan<- openrouter.Frame, result chan<- error) {
	defer close(events)
	defer stream.Close()

	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				result <- nil
			} else {
				result <- err
			}
			return
		}
		select {
		case events <- frame:
		case <-ctx.Done():
			result <- ctx.Err()
			return
		}
	}
}

// consume owns the response buffer, the pending coalescing buffer, and
// the flush ticker. It is the only goroutine that calls the sink. The
// ticker starts lazily on the first delta so an error-only stream never
// arms it.
func (s *Session) consume(events <-chan openrouter.Frame, result <-chan error, cancelCh <-chan struct{}, done chan struct{}) {
	defer close(done)

	var pending strings.Builder
	var ticker *time.Ticker
	var tickC <-chan time.Time
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	flush := func() {
		if pending.Len() > 0 {
			s.sink.Flush(pending.String())
			pending.Reset()
		}
	}

	for events != nil {
		select {
		case <-cancelCh:
			// One last flush of text buffered before the cancellation
			// point, then stop. Frames still in flight are dropped.
			flush()
			s.finishRun(StateCancelled, nil)
			return

		case frame, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if s.cancelled.Load() {
				continue
			}
			if frame.HasContent() {
				s.mu.Lock()
				s.buf.WriteString(frame.Content)
				s.mu.Unlock()
				pending.WriteString(frame.Content)
				if tickC == nil {
					ticker = time.NewTicker(s.flush)
					tickC = ticker.C
				}
			}
			if frame.Done() {
				s.mu.Lock()
				s.finish = frame.Finish
				s.mu.Unlock()
			}

		case <-tickC:
			flush()
		}
	}

	err := <-result
	flush()

	s.mu.Lock()
	finish := s.finish
	s.mu.Unlock()

	switch {
	case s.cancelled.Load() || errors.Is(err, context.Canceled):
		s.finishRun(StateCancelled, nil)
	case err != nil:
		s.finishRun(StateFailed, err)
	case finish == "length":
		s.finishRun(StateTruncated, nil)
	default:
		s.finishRun(StateCompleted, nil)
	}
}

// finishRun records the terminal state and delivers the final Result.
func (s *Session) finishRun(state State, err error) {
	s.mu.Lock()
	s.state = state
	s.busy = false
	text := s.buf.String()
	s.mu.Unlock()

	s.sink.Done(Result{
		State:  state,
		Text:   text,
		Err:    err,
		Status: StatusOf(err),
	})
}

// =============================================================================
// BUBBLE TEA INTEGRATION
// =============================================================================

// FlushMsg carries one coalesced batch of streamed text to the update
// loop.
type FlushMsg struct {
	Text string
}

// DoneMsg carries the final outcome of a run to the update loop.
type DoneMsg struct {
	Result Result
}

// Sender is the subset of *tea.Program a session needs to post messages.
type Sender interface {
	Send(msg tea.Msg)
}

// ProgramSink forwards session output into a Bubble Tea program, whose
// update loop is the single thread that owns the display.
type ProgramSink struct {
	Program Sender
}

// Flush implements Sink.
func (p ProgramSink) Flush(text string) {
	p.Program.Send(FlushMsg{Text: text})
}

// Done implements Sink.
func (p ProgramSink) Done(result Result) {
	p.Program.Send(DoneMsg{Result: result})
}
