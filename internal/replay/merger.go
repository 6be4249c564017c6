// Package replay reconstructs the chronological record stream of a capture
// directory and publishes it back to the bus with the original pacing.
package replay

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
	"github.com/tinytelemetry/mqtt-recorder/internal/recordstore"
)

// SourceKind selects which capture files feed a replay. Per-topic files and
// aggregate files hold the same messages, so a replay reads one kind only.
type SourceKind string

const (
	SourceAuto      SourceKind = "auto"
	SourceTopics    SourceKind = "topics"
	SourceAggregate SourceKind = "all-topics"
)

// ParseSourceKind validates a source name. The empty string means auto.
func ParseSourceKind(s string) (SourceKind, error) {
	switch k := SourceKind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return SourceAuto, nil
	case SourceAuto, SourceTopics, SourceAggregate:
		return k, nil
	default:
		return "", fmt.Errorf("replay: unknown source %q (want auto, topics or all-topics)", s)
	}
}

// Options configures a Merger.
type Options struct {
	Root     string
	Window   Window
	Source   SourceKind
	Location *time.Location
	Logger   logrus.FieldLogger
}

// Merger opens merged, time-ordered views over a capture directory.
type Merger struct {
	opts Options
}

// NewMerger validates opts and returns a merger.
func NewMerger(opts Options) (*Merger, error) {
	if opts.Root == "" {
		return nil, errors.New("replay: empty capture directory")
	}
	if !opts.Window.Valid() {
		return nil, fmt.Errorf("replay: start %s is after end %s", opts.Window.Start, opts.Window.End)
	}
	if opts.Source == "" {
		opts.Source = SourceAuto
	}
	if _, err := ParseSourceKind(string(opts.Source)); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Merger{opts: opts}, nil
}

// Open discovers the capture files and returns a sequence positioned before
// the first record. Files are opened only once the merge reaches their
// name timestamp. Each call starts a new independent pass.
func (m *Merger) Open(ctx context.Context) (*Sequence, error) {
	if _, err := os.Stat(m.opts.Root); err != nil {
		return nil, fmt.Errorf("replay: capture directory: %w", err)
	}

	var topics, aggregate []recordstore.Candidate
	for c, err := range recordstore.Discover(m.opts.Root, m.opts.Location) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			m.opts.Logger.WithError(err).Warn("replay: skipping unreadable path")
			continue
		}
		// A file named after the window end cannot hold records inside it.
		if m.opts.Window.After(c.Name.Start) {
			continue
		}
		if c.Aggregate {
			aggregate = append(aggregate, c)
		} else {
			topics = append(topics, c)
		}
	}

	files := topics
	switch m.opts.Source {
	case SourceAggregate:
		files = aggregate
	case SourceAuto:
		if len(topics) == 0 {
			files = aggregate
		}
	}
	slices.SortFunc(files, func(a, b recordstore.Candidate) int {
		if c := a.Name.Start.Compare(b.Name.Start); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})

	m.opts.Logger.WithFields(logrus.Fields{
		"root":  m.opts.Root,
		"files": len(files),
	}).Debug("replay: opened capture directory")

	return &Sequence{
		pending: files,
		window:  m.opts.Window,
		logger:  m.opts.Logger,
	}, nil
}

// Opener adapts m to the Pacer.
func (m *Merger) Opener() OpenFunc {
	return func(ctx context.Context) (Source, error) {
		seq, err := m.Open(ctx)
		if err != nil {
			return nil, err
		}
		return seq, nil
	}
}

// Sequence is one single-pass, time-ordered walk over the capture files.
// Records with equal timestamps come out in file order (by name timestamp,
// then path) and, within a file, in line order.
type Sequence struct {
	pending []recordstore.Candidate
	next    int // index of the next pending file
	open    cursorHeap
	window  Window
	logger  logrus.FieldLogger
	done    bool
}

// Next returns the next record inside the window, or io.EOF.
func (s *Sequence) Next() (model.Record, error) {
	for !s.done {
		s.openDue()
		if s.open.Len() == 0 {
			s.finish()
			break
		}

		c := s.open[0]
		rec := c.rec
		if s.advance(c) {
			heap.Fix(&s.open, 0)
		} else {
			heap.Pop(&s.open)
		}

		// Every open cursor and pending file is at or past rec now.
		if s.window.After(rec.Time) {
			s.finish()
			break
		}
		if s.window.Match(rec) {
			return rec, nil
		}
	}
	return model.Record{}, io.EOF
}

// Close releases every open file. It is safe to call at any point.
func (s *Sequence) Close() error {
	var errs []error
	for _, c := range s.open {
		errs = append(errs, c.reader.Close())
	}
	s.open = nil
	s.done = true
	return errors.Join(errs...)
}

// openDue opens pending files whose name timestamp is before the current
// minimum, since they may hold earlier records.
func (s *Sequence) openDue() {
	for s.next < len(s.pending) {
		cand := s.pending[s.next]
		if s.open.Len() > 0 && !cand.Name.Start.Before(s.open[0].rec.Time) {
			return
		}
		s.next++

		r, err := recordstore.OpenReader(cand.Path, s.logger)
		if err != nil {
			s.logger.WithError(err).WithField("path", cand.Path).Warn("replay: skipping capture file")
			continue
		}
		c := &cursor{reader: r, order: s.next}
		if s.advance(c) {
			heap.Push(&s.open, c)
		}
	}
}

// advance loads the next record of c, closing it at the end of the file.
func (s *Sequence) advance(c *cursor) bool {
	rec, err := c.reader.Next()
	if err == nil {
		c.rec = rec
		return true
	}
	if !errors.Is(err, io.EOF) {
		s.logger.WithError(err).WithField("path", c.reader.Path()).Warn("replay: read failed, dropping rest of file")
	}
	_ = c.reader.Close()
	return false
}

func (s *Sequence) finish() {
	_ = s.Close()
}

type cursor struct {
	reader *recordstore.Reader
	rec    model.Record
	order  int
}

// cursorHeap is a min-heap on (record time, file order).
type cursorHeap []*cursor

func (h cursorHeap) Len() int { return len(h) }

func (h cursorHeap) Less(i, j int) bool {
	if c := h[i].rec.Time.Compare(h[j].rec.Time); c != 0 {
		return c < 0
	}
	return h[i].order < h[j].order
}

func (h cursorHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *cursorHeap) Push(x any) { *h = append(*h, x.(*cursor)) }

func (h *cursorHeap) Pop() any {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}
