package stats

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2024, 7, 25, 10, 0, 0, 0, time.UTC)

func newTestWindow(t *testing.T) *Window {
	t.Helper()
	return NewWindow(Config{
		Path:     filepath.Join(t.TempDir(), "sensor", "temperature-stats.txt"),
		Interval: time.Minute,
		Location: time.UTC,
	}, start)
}

func TestWindow_NumericVariance(t *testing.T) {
	t.Parallel()

	w := newTestWindow(t)
	for _, p := range []string{`{"t": 1}`, `{"t": 2}`, `{"t": 3}`} {
		require.True(t, w.Observe([]byte(p)))
	}

	acc := w.accs["t"].(*Numeric)
	assert.Equal(t, 3, acc.Count())
	assert.InDelta(t, 2.0, acc.Mean(), 1e-12)
	assert.InDelta(t, 2.0/3.0, acc.Value(), 1e-12)
}

func TestWindow_DistinctCount(t *testing.T) {
	t.Parallel()

	w := newTestWindow(t)
	for _, p := range []string{`{"s":"ok"}`, `{"s":"ok"}`, `{"s":"err"}`} {
		w.Observe([]byte(p))
	}
	assert.Equal(t, 2.0, w.accs["s"].Value())
	assert.Equal(t, 3, w.accs["s"].Count())
}

func TestWindow_PathsAndKinds(t *testing.T) {
	t.Parallel()

	w := newTestWindow(t)
	w.Observe([]byte(`{"z":1,"a":{"b":true,"c":null},"arr":[10,"x",{"k":2}]}`))
	w.Observe([]byte(`{"z":"wrong kind","a":{"b":false}}`))
	w.Observe([]byte(`[5, 7]`))

	assert.Equal(t, []string{"z", "a.b", "arr[0]", "arr[1]", "arr[2].k", "[0]", "[1]"}, w.order)
	assert.Equal(t, 1, w.accs["z"].Count(), "mismatched kind ignored")
	assert.Equal(t, 2.0, w.accs["a.b"].Value())
	_, hasNull := w.accs["a.c"]
	assert.False(t, hasNull)
}

func TestWindow_IgnoresInvalidAndScalarPayloads(t *testing.T) {
	t.Parallel()

	w := newTestWindow(t)
	assert.False(t, w.Observe([]byte(`{"t":`)))
	assert.False(t, w.Observe([]byte("plain text")))
	assert.True(t, w.Observe([]byte(`42`)))
	assert.True(t, w.Empty())
}

func TestWindow_Report(t *testing.T) {
	t.Parallel()

	w := newTestWindow(t)
	for _, p := range []string{`{"t":1,"s":"ok"}`, `{"t":2,"s":"ok"}`, `{"t":3,"s":"err"}`} {
		w.Observe([]byte(p))
	}
	assert.Equal(t,
		"2024-07-25 10:00:00 - 2024-07-25 10:01:00, t:0.667, s:2.000",
		w.Report(start.Add(time.Minute)))
}

func TestWindow_FlushAppendsAndResets(t *testing.T) {
	t.Parallel()

	w := newTestWindow(t)
	assert.False(t, w.Due(start.Add(59*time.Second)))
	assert.True(t, w.Due(start.Add(time.Minute)))

	wrote, err := w.Flush(start.Add(30 * time.Second))
	require.NoError(t, err)
	assert.False(t, wrote, "empty window writes nothing")
	_, err = os.Stat(w.cfg.Path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, start.Add(30*time.Second), w.Start())

	w.Observe([]byte(`{"t":1}`))
	wrote, err = w.Flush(start.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.True(t, w.Empty())

	w.Observe([]byte(`{"t":4}`))
	w.Observe([]byte(`{"t":6}`))
	_, err = w.Flush(start.Add(2 * time.Minute))
	require.NoError(t, err)

	data, err := os.ReadFile(w.cfg.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	assert.Equal(t, []string{
		"2024-07-25 10:00:30 - 2024-07-25 10:01:00, t:0.000",
		"2024-07-25 10:01:00 - 2024-07-25 10:02:00, t:1.000",
	}, lines)
}
