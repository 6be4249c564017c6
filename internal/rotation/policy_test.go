package rotation

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/mqtt-recorder/internal/model"
	"github.com/tinytelemetry/mqtt-recorder/internal/recordstore"
)

var base = time.Date(2024, 7, 25, 10, 0, 30, 0, time.UTC)

func newTestPolicy(t *testing.T, key model.StreamKey, maxRecords int, trig Trigger) (*Policy, recordstore.Layout) {
	t.Helper()
	layout := recordstore.Layout{Root: t.TempDir(), Location: time.UTC}
	p := NewPolicy(Config{Key: key, Layout: layout, MaxRecords: maxRecords, Trigger: trig})
	t.Cleanup(func() { _, _, _ = p.Close() })
	return p, layout
}

func rec(topic string, at time.Time) model.Record {
	return model.Record{Time: at, Topic: topic, Payload: []byte(`{"v":1}`)}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	r, err := recordstore.OpenReader(path, nil)
	require.NoError(t, err)
	defer r.Close()
	n := 0
	for {
		if _, err := r.Next(); err != nil {
			return n
		}
		n++
	}
}

func TestPolicy_CapRotationKeepsPrefix(t *testing.T) {
	t.Parallel()

	key := model.TopicKey("sensor/temperature")
	p, layout := newTestPolicy(t, key, 2, InactivityTrigger{Timeout: time.Minute})

	var rotations []Rotation
	for i := 0; i < 5; i++ {
		rs, err := p.Append(rec("sensor/temperature", base.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		rotations = append(rotations, rs...)
	}
	require.Len(t, rotations, 2)
	for _, r := range rotations {
		assert.Equal(t, ReasonMaxRecords, r.Reason)
		assert.Equal(t, 2, r.File.RecordsWritten)
	}

	for seq, want := range []int{2, 2} {
		path := layout.FilePath(key, base, seq)
		assert.Equal(t, want, countLines(t, path), "seq %d", seq)
	}

	st, ok := p.Snapshot()
	require.True(t, ok)
	assert.Equal(t, layout.FilePath(key, base, 2), st.Path)
	assert.Equal(t, 1, st.RecordsWritten)
	assert.Equal(t, "mqtt-recorder-sensor-temperature-20240725-100030-2.json", filepath.Base(st.Path))
}

func TestPolicy_InactivityStartsFreshPrefix(t *testing.T) {
	t.Parallel()

	key := model.TopicKey("a")
	p, layout := newTestPolicy(t, key, 0, InactivityTrigger{Timeout: time.Minute})

	_, err := p.Append(rec("a", base))
	require.NoError(t, err)

	assert.False(t, p.Expired(base.Add(59*time.Second)))
	assert.True(t, p.Expired(base.Add(time.Minute)), "timeout boundary rotates")

	r, ok, err := p.Rotate(ReasonInactivity)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ReasonInactivity, r.Reason)
	_, open := p.Snapshot()
	assert.False(t, open, "no empty file after timeout")

	later := base.Add(90 * time.Second)
	_, err = p.Append(rec("a", later))
	require.NoError(t, err)
	st, ok := p.Snapshot()
	require.True(t, ok)
	assert.Equal(t, layout.FilePath(key, later, 0), st.Path)
}

func TestPolicy_AppendAfterTimeoutRotatesFirst(t *testing.T) {
	t.Parallel()

	key := model.TopicKey("a")
	p, layout := newTestPolicy(t, key, 0, InactivityTrigger{Timeout: time.Minute})

	_, err := p.Append(rec("a", base))
	require.NoError(t, err)

	at := base.Add(time.Minute)
	rs, err := p.Append(rec("a", at))
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, ReasonInactivity, rs[0].Reason)
	assert.Equal(t, 1, countLines(t, layout.FilePath(key, base, 0)))

	st, _ := p.Snapshot()
	assert.Equal(t, layout.FilePath(key, at, 0), st.Path)
}

func TestPolicy_IntervalTrigger(t *testing.T) {
	t.Parallel()

	p, layout := newTestPolicy(t, model.AggregateKey, 0, IntervalTrigger{Every: time.Minute})

	_, err := p.Append(rec("x", base))
	require.NoError(t, err)
	assert.False(t, p.Expired(base.Add(29*time.Second)))
	assert.True(t, p.Expired(base.Add(30*time.Second)), "crossing 10:01:00")

	rs, err := p.Append(rec("y", base.Add(45*time.Second)))
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, ReasonInterval, rs[0].Reason)

	st, _ := p.Snapshot()
	assert.Equal(t, layout.FilePath(model.AggregateKey, base.Add(45*time.Second), 0), st.Path)
	assert.Equal(t, filepath.Join(layout.Root, "2024-07-25"), filepath.Dir(st.Path))
}

func TestPolicy_CapRolloverAcrossDateResetsSequence(t *testing.T) {
	t.Parallel()

	key := model.TopicKey("a")
	p, layout := newTestPolicy(t, key, 1, nil)

	night := time.Date(2024, 7, 25, 23, 59, 59, 0, time.UTC)
	_, err := p.Append(rec("a", night))
	require.NoError(t, err)

	morning := night.Add(2 * time.Second)
	_, err = p.Append(rec("a", morning))
	require.NoError(t, err)

	_, err = os.Stat(layout.FilePath(key, morning, 0))
	assert.NoError(t, err)
}

func TestPolicy_SkipsTakenNames(t *testing.T) {
	t.Parallel()

	key := model.TopicKey("a")
	p, layout := newTestPolicy(t, key, 0, nil)

	taken := layout.FilePath(key, base, 0)
	require.NoError(t, os.MkdirAll(filepath.Dir(taken), 0o755))
	require.NoError(t, os.WriteFile(taken, []byte("existing\n"), 0o644))

	_, err := p.Append(rec("a", base))
	require.NoError(t, err)

	st, _ := p.Snapshot()
	assert.Equal(t, layout.FilePath(key, base, 1), st.Path)
	data, err := os.ReadFile(taken)
	require.NoError(t, err)
	assert.Equal(t, "existing\n", string(data))
}

func TestPolicy_Close(t *testing.T) {
	t.Parallel()

	p, _ := newTestPolicy(t, model.TopicKey("a"), 0, nil)

	_, ok, err := p.Close()
	require.NoError(t, err)
	assert.False(t, ok, "nothing open")

	_, err = p.Append(rec("a", base))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPolicy_FilesystemErrorLeavesNoFile(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "blocked")
	require.NoError(t, os.WriteFile(root, nil, 0o644))

	p := NewPolicy(Config{Key: model.TopicKey("a"), Layout: recordstore.Layout{Root: root, Location: time.UTC}})
	_, err := p.Append(rec("a", base))
	require.Error(t, err)
	_, open := p.Snapshot()
	assert.False(t, open)
}

func TestPolicy_CapThenTimeoutStartsFreshPrefix(t *testing.T) {
	t.Parallel()

	key := model.TopicKey("a")
	p, layout := newTestPolicy(t, key, 1, InactivityTrigger{Timeout: time.Minute})

	rs, err := p.Append(rec("a", base))
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, ReasonMaxRecords, rs[0].Reason)

	// Within the timeout the capped file continues.
	_, err = p.Append(rec("a", base.Add(30*time.Second)))
	require.NoError(t, err)
	assert.FileExists(t, layout.FilePath(key, base, 1))

	// Idle for two hours after the second cap.
	later := base.Add(2 * time.Hour)
	_, err = p.Append(rec("a", later))
	require.NoError(t, err)

	assert.FileExists(t, layout.FilePath(key, later, 0))
	assert.NoFileExists(t, layout.FilePath(key, base, 2))
}
