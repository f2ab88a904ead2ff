// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/cityba/openai-hub/internal/model"
	"github.com/cityba/openai-hub/internal/session"
)

// =============================================================================
// LOADING TESTS
// =============================================================================

func TestLoadAttachment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	content := "line one\nline two\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	att, err := LoadAttachment(path)
	if err != nil {
		t.Fatalf("LoadAttachment failed: %v", err)
	}
	if att.Name != "notes.txt" {
		t.Errorf("name = %q, want notes.txt", att.Name)
	}
	if att.Path != path {
		t.Errorf("path = %q, want %q", att.Path, path)
	}
	if att.Content != content {
		t.Errorf("content = %q", att.Content)
	}
	if att.Preview != content {
		t.Errorf("short file preview = %q, want the full content", att.Preview)
	}
}

func TestLoadAttachment_RejectsOversize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.txt")
	if err := os.WriteFile(path, bytes.Repeat([]byte("a"), MaxAttachmentBytes+1), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadAttachment(path)
	if err == nil || !strings.Contains(err.Error(), "file too large") {
		t.Errorf("err = %v, want a size rejection", err)
	}
}

func TestLoadAttachment_RejectsBinary(t *testing.T) {
	dir := t.TempDir()

	withNul := filepath.Join(dir, "blob.bin")
	if err := os.WriteFile(withNul, []byte("PK\x03\x04\x00payload"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAttachment(withNul); !errors.Is(err, ErrBinaryAttachment) {
		t.Errorf("NUL byte err = %v, want ErrBinaryAttachment", err)
	}

	// Invalid UTF-8 without a NUL byte is rejected the same way.
	badUTF8 := filepath.Join(dir, "latin1.txt")
	if err := os.WriteFile(badUTF8, []byte{'c', 'a', 'f', 0xe9}, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadAttachment(badUTF8); !errors.Is(err, ErrBinaryAttachment) {
		t.Errorf("invalid UTF-8 err = %v, want ErrBinaryAttachment", err)
	}
}

func TestLoadAttachment_RejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadAttachment(dir)
	if err == nil || !strings.Contains(err.Error(), "directory") {
		t.Errorf("err = %v, want a directory rejection", err)
	}
}

func TestLoadAttachment_MissingFile(t *testing.T) {
	_, err := LoadAttachment(filepath.Join(t.TempDir(), "no-such-file.txt"))
	if err == nil || !strings.Contains(err.Error(), "failed to read attachment") {
		t.Errorf("err = %v, want a read failure", err)
	}
}

func TestAttachment_PreviewCapped(t *testing.T) {
	// Multibyte runes make sure the cap counts runes, not bytes.
	content := strings.Repeat("é", PreviewRuneLimit+500)
	path := filepath.Join(t.TempDir(), "long.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	att, err := LoadAttachment(path)
	if err != nil {
		t.Fatalf("LoadAttachment failed: %v", err)
	}
	if got := utf8.RuneCountInString(att.Preview); got != PreviewRuneLimit {
		t.Errorf("preview length = %d runes, want %d", got, PreviewRuneLimit)
	}

	block := att.PromptBlock()
	if !strings.Contains(block, "[File] long.txt") {
		t.Errorf("prompt block missing the file label: %q", block)
	}
	if !strings.Contains(block, "...") {
		t.Error("prompt block for a capped preview should carry a truncation marker")
	}

	// A short file gets no marker.
	short := &Attachment{Name: "short.txt", Content: "hi", Preview: "hi"}
	if strings.Contains(short.PromptBlock(), "...") {
		t.Error("prompt block for a short file should not carry a truncation marker")
	}
}

// =============================================================================
// CONTROLLER ATTACHMENT TESTS
// =============================================================================

func TestController_AttachFile(t *testing.T) {
	server := newPayloadServer(contentLine(t, "analyzed"), finishStopLine, doneLine)
	defer server.Close()

	path := filepath.Join(t.TempDir(), "data.csv")
	content := "a,b\n1,2\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	att, err := ctrl.AttachFile(path)
	if err != nil {
		t.Fatalf("AttachFile failed: %v", err)
	}
	if att.Name != "data.csv" {
		t.Errorf("attachment name = %q", att.Name)
	}

	// The attachment lands in history as a system note so later turns
	// keep seeing it.
	msgs := ctrl.Messages()
	if len(msgs) != 1 || msgs[0].Role != model.RoleSystem {
		t.Fatalf("history = %+v, want one system note", msgs)
	}
	wantNote := "Attached file: " + path + "\n" + content
	if msgs[0].Content != wantNote {
		t.Errorf("system note = %q, want %q", msgs[0].Content, wantNote)
	}

	if err := ctrl.Send(context.Background(), "summarize it"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	ev.wait(t)

	// The wire request carries the prompt, the note, and the new turn.
	payload := server.payload(t, 0)
	if role, content := messageAt(t, payload, 0); role != "system" || content != testSystemPrompt {
		t.Errorf("first wire message = %s %q", role, content)
	}
	if role, got := messageAt(t, payload, 1); role != "system" || got != wantNote {
		t.Errorf("second wire message = %s %q, want the file note", role, got)
	}
	if role, content := messageAt(t, payload, 2); role != "user" || content != "summarize it" {
		t.Errorf("third wire message = %s %q", role, content)
	}
}

func TestController_AttachWhileBusy(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(contentLine(t, "working")))
		w.(http.Flusher).Flush()
		<-release
		w.Write([]byte(finishStopLine))
	}))
	defer server.Close()

	path := filepath.Join(t.TempDir(), "late.txt")
	if err := os.WriteFile(path, []byte("too late"), 0644); err != nil {
		t.Fatal(err)
	}

	ev := newRecordEvents()
	ctrl := newTestController(server.URL, paidModel, ev)

	if err := ctrl.Send(context.Background(), "q"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitForBuffer(t, ctrl, "working")

	if _, err := ctrl.AttachFile(path); !errors.Is(err, session.ErrBusy) {
		t.Errorf("AttachFile while streaming err = %v, want ErrBusy", err)
	}

	close(release)
	ev.wait(t)

	// Only the exchange turns made it into history.
	for _, msg := range ctrl.Messages() {
		if msg.Role == model.RoleSystem {
			t.Errorf("rejected attachment leaked into history: %+v", msg)
		}
	}
}
