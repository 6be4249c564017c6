// Package rotation implements the per-stream file rotation state machine:
//
//	NoFile -> FileOpen -> (rotating) -> NoFile | Closed
//
// A file is rotated when it reaches the record cap, or when its trigger
// (inactivity timeout or interval boundary) expires. A cap rotation keeps the
// timestamp prefix and bumps the sequence index for the next file; a trigger
// rotation makes the next file start a fresh prefix at index 0.
package rotation

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
	"github.com/tinytelemetry/mqtt-recorder/internal/recordstore"
)

// maxNameCollisions bounds the sequence-index search when a file name is taken.
const maxNameCollisions = 1000

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("rotation: policy closed")

// Reason says why a file was closed.
type Reason string

const (
	ReasonMaxRecords Reason = "max-records"
	ReasonInactivity Reason = "inactivity"
	ReasonInterval   Reason = "interval"
	ReasonShutdown   Reason = "shutdown"
	ReasonWriteError Reason = "write-error"
)

// FileState describes the active file of a stream.
type FileState struct {
	Path           string
	RecordsWritten int
	OpenedAt       time.Time
	LastRecordAt   time.Time
	Prefix         time.Time
	Seq            int
}

// Rotation reports one closed file.
type Rotation struct {
	File   FileState
	Reason Reason
}

// Config configures one stream's policy.
type Config struct {
	Key    model.StreamKey
	Layout recordstore.Layout
	// MaxRecords caps records per file; 0 disables the cap.
	MaxRecords int
	Trigger    Trigger
}

// Policy owns the active file of one stream. It is not safe for concurrent
// use; callers serialize access per stream.
type Policy struct {
	cfg    Config
	writer *recordstore.Writer
	state  FileState
	closed bool

	// continuation of the last cap rotation; last is the file it closed
	carry bool
	last  FileState
}

// NewPolicy creates a policy in the NoFile state.
func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg}
}

// Key returns the stream key.
func (p *Policy) Key() model.StreamKey { return p.cfg.Key }

// Append writes rec to the active file, opening or rotating files as
// needed. It returns the files closed while doing so.
func (p *Policy) Append(rec model.Record) ([]Rotation, error) {
	if p.closed {
		return nil, ErrClosed
	}

	var rotations []Rotation
	if p.Expired(rec.Time) {
		r, _, err := p.Rotate(p.cfg.Trigger.Reason())
		rotations = append(rotations, r)
		if err != nil {
			return rotations, err
		}
	}

	if p.writer == nil {
		if err := p.open(rec.Time); err != nil {
			return rotations, err
		}
	}

	if err := p.writer.Append(rec); err != nil {
		st := p.state
		_ = p.writer.Close()
		p.writer = nil
		p.carry, p.last = true, st
		rotations = append(rotations, Rotation{File: st, Reason: ReasonWriteError})
		return rotations, fmt.Errorf("rotation: append to %s: %w", st.Path, err)
	}
	p.state.RecordsWritten++
	p.state.LastRecordAt = rec.Time

	if p.cfg.MaxRecords > 0 && p.state.RecordsWritten >= p.cfg.MaxRecords {
		r, _, err := p.Rotate(ReasonMaxRecords)
		rotations = append(rotations, r)
		if err != nil {
			return rotations, err
		}
	}
	return rotations, nil
}

// Expired reports whether the active file's trigger has expired at now.
func (p *Policy) Expired(now time.Time) bool {
	return p.writer != nil && p.cfg.Trigger != nil && p.cfg.Trigger.Expired(p.state, now)
}

// Rotate closes the active file for the given reason. After a cap rotation
// the next file keeps the prefix with the following sequence index, as long
// as it lands in the same date directory and the closed file's trigger has
// not expired in between; any other reason makes the next file start over.
func (p *Policy) Rotate(reason Reason) (Rotation, bool, error) {
	if p.writer == nil {
		return Rotation{}, false, nil
	}
	st := p.state
	err := p.closeWriter()
	p.carry, p.last = reason == ReasonMaxRecords, st
	return Rotation{File: st, Reason: reason}, true, err
}

// Close flushes and closes the active file, if any. The policy rejects
// further appends.
func (p *Policy) Close() (Rotation, bool, error) {
	if p.closed {
		return Rotation{}, false, nil
	}
	p.closed = true
	return p.Rotate(ReasonShutdown)
}

// Snapshot returns the state of the open file, if any.
func (p *Policy) Snapshot() (FileState, bool) {
	if p.writer == nil {
		return FileState{}, false
	}
	return p.state, true
}

func (p *Policy) open(now time.Time) error {
	prefix, seq := now.Truncate(time.Second), 0
	if p.continues(now) {
		prefix, seq = p.last.Prefix, p.last.Seq+1
	}

	for i := 0; i < maxNameCollisions; i++ {
		path := p.cfg.Layout.FilePath(p.cfg.Key, prefix, seq)
		w, err := recordstore.Create(path)
		if errors.Is(err, os.ErrExist) {
			seq++
			continue
		}
		if err != nil {
			return fmt.Errorf("rotation: open %s: %w", p.cfg.Key, err)
		}
		p.writer = w
		p.carry = false
		p.state = FileState{
			Path:         path,
			OpenedAt:     now,
			LastRecordAt: now,
			Prefix:       prefix,
			Seq:          seq,
		}
		return nil
	}
	return fmt.Errorf("rotation: open %s: no free sequence index after %d attempts", p.cfg.Key, maxNameCollisions)
}

// continues reports whether a file opened at now continues the last capped
// file. A stream that stayed idle past its trigger starts over.
func (p *Policy) continues(now time.Time) bool {
	if !p.carry || !p.cfg.Layout.SameBucket(p.last.Prefix, now) {
		return false
	}
	return p.cfg.Trigger == nil || !p.cfg.Trigger.Expired(p.last, now)
}

func (p *Policy) closeWriter() error {
	w := p.writer
	p.writer = nil
	if err := w.Close(); err != nil {
		return fmt.Errorf("rotation: close %s: %w", w.Path(), err)
	}
	return nil
}
