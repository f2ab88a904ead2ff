// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/cityba/openai-hub/internal/session"
	"github.com/cityba/openai-hub/internal/util"
)

// =============================================================================
// FILE ATTACHMENT
// =============================================================================

// MaxAttachmentBytes caps attachment size. Attachments travel inside
// the prompt, so a large file would burn the context window.
const MaxAttachmentBytes = 30000

// PreviewRuneLimit caps how much of an attachment is echoed into the
// prompt preview. The full content still reaches the model via the
// history system note.
const PreviewRuneLimit = 2000

// ErrBinaryAttachment indicates the file is not text.
var ErrBinaryAttachment = errors.New("binary files cannot be attached")

// Attachment is a local text file staged into the conversation.
type Attachment struct {
	// Name is the base file name
	Name string
	// Path is the path the file was read from
	Path string
	// Content is the full file content
	Content string
	// Preview is the leading PreviewRuneLimit runes of the content
	Preview string
}

// LoadAttachment reads and validates a file for attachment. Files over
// MaxAttachmentBytes and files that are not valid text are rejected.
func LoadAttachment(path string) (*Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory, not a file", path)
	}
	if info.Size() > MaxAttachmentBytes {
		return nil, fmt.Errorf("file too large: %d bytes (limit %d)", info.Size(), MaxAttachmentBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	if isBinary(data) {
		return nil, ErrBinaryAttachment
	}

	content := string(data)
	return &Attachment{
		Name:    filepath.Base(path),
		Path:    path,
		Content: content,
		Preview: util.TruncateRunesNoEllipsis(content, PreviewRuneLimit),
	}, nil
}

// isBinary applies the NUL-byte heuristic plus a UTF-8 validity check.
func isBinary(data []byte) bool {
	if bytes.IndexByte(data, 0) >= 0 {
		return true
	}
	return !utf8.Valid(data)
}

// PromptBlock renders the attachment as a fenced preview for the
// outgoing prompt, the way the original client seeded its input box
// after an upload.
func (a *Attachment) PromptBlock() string {
	preview := a.Preview
	if util.RuneLen(a.Content) > PreviewRuneLimit {
		preview += "\n..."
	}
	return fmt.Sprintf("\n[File] %s:\n```\n%s\n```\n", a.Name, preview)
}

// Attach records an attachment in history as a system note carrying
// the full content, so following requests can reference the file.
// Fails with session.ErrBusy while streaming.
func (c *Controller) Attach(att *Attachment) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sending || c.session.Busy() {
		return session.ErrBusy
	}
	c.conv.AppendSystem("Attached file: " + att.Path + "\n" + att.Content)
	return nil
}

// AttachFile loads the file at path and stages it into the
// conversation in one step, returning the attachment so the caller can
// echo its PromptBlock into the input surface.
func (c *Controller) AttachFile(path string) (*Attachment, error) {
	att, err := LoadAttachment(path)
	if err != nil {
		return nil, err
	}
	if err := c.Attach(att); err != nil {
		return nil, err
	}
	return att, nil
}
