package recordstore

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

// ErrClosed is returned when appending to a closed writer.
var ErrClosed = errors.New("recordstore: writer closed")

// Writer appends records to one capture file. A Writer is owned by a single
// rotation policy and is not safe for concurrent use.
type Writer struct {
	path  string
	file  *os.File
	buf   *bufio.Writer
	count int
}

// Create opens a new capture file at path, creating parent directories as
// needed. It never truncates: an existing file yields an error matching
// os.ErrExist.
func Create(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("recordstore: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("recordstore: create: %w", err)
	}
	return &Writer{
		path: path,
		file: f,
		buf:  bufio.NewWriter(f),
	}, nil
}

// Append writes rec as one line and flushes it to the file.
func (w *Writer) Append(rec model.Record) error {
	if w.file == nil {
		return ErrClosed
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("recordstore: write record: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("recordstore: flush record: %w", err)
	}
	w.count++
	return nil
}

// Path returns the file path.
func (w *Writer) Path() string { return w.path }

// Count returns the number of records appended.
func (w *Writer) Count() int { return w.count }

// Close flushes, syncs and closes the file. Closing twice is a no-op.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil

	if err := w.buf.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("recordstore: flush on close: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("recordstore: sync on close: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("recordstore: close: %w", err)
	}
	return nil
}
