// Package jsonl implements the append-only JSON Lines event log.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"solana-event-listener/internal/domain"
	"solana-event-listener/internal/storage"
)

// Writer appends one JSON object per line to a file. The file is opened
// lazily in append mode and reopened after a failed write; it is never
// truncated.
type Writer struct {
	path string

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewWriter creates a Writer for path. The file is created on first append.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Compile-time interface check.
var _ storage.EventSink = (*Writer)(nil)

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// Append serializes e and writes it followed by a newline in a single write.
func (w *Writer) Append(_ context.Context, e domain.Event) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", storage.ErrInvalidInput)
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: serialize event: %v", storage.ErrWriteFailed, err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return storage.ErrClosed
	}
	if w.file == nil {
		f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
		if err != nil {
			return fmt.Errorf("%w: open %s: %v", storage.ErrWriteFailed, w.path, err)
		}
		torn, err := endsMidLine(f)
		if err != nil {
			f.Close()
			return fmt.Errorf("%w: inspect %s: %v", storage.ErrWriteFailed, w.path, err)
		}
		w.file = f
		// A previous partial write left a line without its newline; end it
		// so this event starts on a line of its own.
		if torn {
			line = append([]byte{'\n'}, line...)
		}
	}

	if _, err := w.file.Write(line); err != nil {
		// Drop the handle so the next append reopens the file.
		w.file.Close()
		w.file = nil
		return fmt.Errorf("%w: write %s: %v", storage.ErrWriteFailed, w.path, err)
	}
	return nil
}

// endsMidLine reports whether f is non-empty and its last byte is not a
// newline.
func endsMidLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

// Close closes the underlying file. Further appends return ErrClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
