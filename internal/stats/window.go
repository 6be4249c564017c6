// Package stats accumulates per-path statistics over JSON payloads and
// appends one report line per window to a stream's stats file.
//
// A report line looks like
//
//	2024-07-25 10:00:00 - 2024-07-25 10:01:00, t:0.667, s:2.000
//
// with numeric paths reporting population variance and string or boolean
// paths reporting the number of distinct values.
package stats

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const timeLayout = "2006-01-02 15:04:05"

// Config configures a Window.
type Config struct {
	// Path of the stats file the reports are appended to.
	Path     string
	Interval time.Duration
	Location *time.Location
}

// Window holds the accumulators of one stream between two flushes.
type Window struct {
	cfg   Config
	start time.Time
	order []string
	accs  map[string]Accumulator
}

// NewWindow returns an empty window starting at start.
func NewWindow(cfg Config, start time.Time) *Window {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Window{cfg: cfg, start: start, accs: make(map[string]Accumulator)}
}

// Observe parses payload and folds its leaves into the window. It reports
// false, leaving the window untouched, when payload is not valid JSON.
func (w *Window) Observe(payload []byte) bool {
	if !gjson.ValidBytes(payload) {
		return false
	}
	walk(gjson.ParseBytes(payload), func(path string, v gjson.Result) {
		acc, ok := w.accs[path]
		if !ok {
			if acc = newAccumulator(v); acc == nil {
				return
			}
			w.accs[path] = acc
			w.order = append(w.order, path)
		}
		acc.Observe(v)
	})
	return true
}

// Start returns the start of the current window.
func (w *Window) Start() time.Time { return w.start }

// Empty reports whether no path has been observed in this window.
func (w *Window) Empty() bool { return len(w.order) == 0 }

// Due reports whether the window interval has elapsed at now.
func (w *Window) Due(now time.Time) bool {
	return w.cfg.Interval > 0 && now.Sub(w.start) >= w.cfg.Interval
}

// Report renders the report line for the window ending at end, without the
// trailing newline. Paths appear in first-observed order.
func (w *Window) Report(end time.Time) string {
	var b strings.Builder
	b.WriteString(w.start.In(w.cfg.Location).Format(timeLayout))
	b.WriteString(" - ")
	b.WriteString(end.In(w.cfg.Location).Format(timeLayout))
	for _, path := range w.order {
		b.WriteString(", ")
		b.WriteString(path)
		b.WriteByte(':')
		b.WriteString(strconv.FormatFloat(w.accs[path].Value(), 'f', 3, 64))
	}
	return b.String()
}

// Flush appends the report for the window ending at now, if anything was
// observed, then resets the window to start at now. The window is reset
// even when the write fails.
func (w *Window) Flush(now time.Time) (wrote bool, err error) {
	defer w.reset(now)
	if w.Empty() {
		return false, nil
	}
	if err := appendLine(w.cfg.Path, w.Report(now)); err != nil {
		return false, err
	}
	return true, nil
}

func (w *Window) reset(now time.Time) {
	w.start = now
	w.order = w.order[:0]
	clear(w.accs)
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("stats: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("stats: open %s: %w", path, err)
	}
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("stats: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("stats: close %s: %w", path, err)
	}
	return nil
}
