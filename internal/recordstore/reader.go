package recordstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
)

// Reader iterates the records of one capture file in file order.
type Reader struct {
	path   string
	file   *os.File
	r      *bufio.Reader
	lineNo int
	logger logrus.FieldLogger
}

// OpenReader opens the capture file at path for reading.
func OpenReader(path string, logger logrus.FieldLogger) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("recordstore: open for read: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reader{
		path:   path,
		file:   f,
		r:      bufio.NewReader(f),
		logger: logger,
	}, nil
}

// Next returns the next well-formed record, or io.EOF when the file is
// exhausted. Malformed lines are skipped with a warning. A trailing line
// without a newline is kept when it decodes and otherwise treated as a torn
// write.
func (r *Reader) Next() (model.Record, error) {
	for {
		data, err := r.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return model.Record{}, fmt.Errorf("recordstore: read %s: %w", r.path, err)
		}
		if len(data) == 0 {
			if errors.Is(err, io.EOF) {
				return model.Record{}, io.EOF
			}
			continue
		}
		if data[len(data)-1] != '\n' {
			r.lineNo++
			rec, derr := DecodeRecord(data)
			if derr != nil {
				r.logger.WithFields(logrus.Fields{"file": r.path, "line": r.lineNo}).
					Warn("ignoring partial trailing line")
				return model.Record{}, io.EOF
			}
			return rec, nil
		}
		r.lineNo++
		if len(data) == 1 {
			continue
		}

		rec, derr := DecodeRecord(data)
		if derr != nil {
			r.logger.WithError(derr).WithFields(logrus.Fields{"file": r.path, "line": r.lineNo}).
				Warn("skipping malformed record")
			continue
		}
		return rec, nil
	}
}

// Path returns the file path.
func (r *Reader) Path() string { return r.path }

// Close closes the underlying file.
func (r *Reader) Close() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
