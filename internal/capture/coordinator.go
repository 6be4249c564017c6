// Package capture routes bus messages into per-stream rotation policies and
// statistics windows and drives their timeouts.
package capture

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/mqtt-recorder/internal/clock"
	"github.com/tinytelemetry/mqtt-recorder/internal/metrics"
	"github.com/tinytelemetry/mqtt-recorder/internal/model"
	"github.com/tinytelemetry/mqtt-recorder/internal/recordstore"
	"github.com/tinytelemetry/mqtt-recorder/internal/rotation"
	"github.com/tinytelemetry/mqtt-recorder/internal/stats"
)

// ErrClosed is returned by OnMessage after Close.
var ErrClosed = errors.New("capture: coordinator closed")

// StreamConfig configures the rotation of one class of streams.
type StreamConfig struct {
	Enabled    bool
	MaxRecords int
	Trigger    rotation.Trigger
}

// Config configures a Coordinator.
type Config struct {
	Layout recordstore.Layout
	// Topics applies to every per-topic stream, Aggregate to the single
	// all-topics stream.
	Topics    StreamConfig
	Aggregate StreamConfig

	// Stats enables a statistics window per topic stream.
	Stats         bool
	StatsInterval time.Duration
}

// IntelligentConfig is the irecord setup: per-topic files rotated on
// inactivity or record count, optionally mirrored into the aggregate stream.
func IntelligentConfig(layout recordstore.Layout, timeout time.Duration, maxRecords int, aggregate bool) Config {
	sc := StreamConfig{Enabled: true, MaxRecords: maxRecords, Trigger: rotation.InactivityTrigger{Timeout: timeout}}
	agg := sc
	agg.Enabled = aggregate
	return Config{Layout: layout, Topics: sc, Aggregate: agg}
}

// FixedIntervalConfig is the legacy record setup: every message goes to the
// aggregate stream and files roll over on each wall-clock minute.
func FixedIntervalConfig(layout recordstore.Layout) Config {
	return Config{
		Layout:    layout,
		Aggregate: StreamConfig{Enabled: true, Trigger: rotation.IntervalTrigger{Every: time.Minute}},
	}
}

// StreamStatus is a point-in-time view of one stream.
type StreamStatus struct {
	Key       model.StreamKey
	Open      bool
	File      rotation.FileState
	LastError string
}

type stream struct {
	mu      sync.Mutex
	key     model.StreamKey
	policy  *rotation.Policy
	window  *stats.Window
	lastErr error
}

// Coordinator owns one stream per key. Work on a stream is serialized by
// the stream's lock; different streams proceed independently.
type Coordinator struct {
	cfg     Config
	clock   clock.Clock
	logger  logrus.FieldLogger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	streams map[model.StreamKey]*stream
	closed  bool
}

// NewCoordinator creates a coordinator. clk, logger and m may be nil.
func NewCoordinator(cfg Config, clk clock.Clock, logger logrus.FieldLogger, m *metrics.Metrics) *Coordinator {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = model.DefaultStatsInterval
	}
	return &Coordinator{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		metrics: m,
		streams: make(map[model.StreamKey]*stream),
	}
}

// Keys returns the stream keys msg is routed to.
func (c *Coordinator) Keys(msg model.Message) []model.StreamKey {
	keys := make([]model.StreamKey, 0, 2)
	if c.cfg.Topics.Enabled {
		keys = append(keys, model.TopicKey(msg.Topic))
	}
	if c.cfg.Aggregate.Enabled {
		keys = append(keys, model.AggregateKey)
	}
	return keys
}

// OnMessage routes msg to every stream it belongs to. Errors of one stream
// are logged and do not keep the message from the others.
func (c *Coordinator) OnMessage(msg model.Message) error {
	c.metrics.MessagesReceived.Inc()
	msg = c.stamp(msg)
	var errs []error
	for _, key := range c.Keys(msg) {
		if err := c.Deliver(key, msg); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Deliver writes msg to the stream of key only. Callers that fan messages
// out to workers use it to keep each stream on a single goroutine.
func (c *Coordinator) Deliver(key model.StreamKey, msg model.Message) error {
	s, err := c.stream(key)
	if err != nil {
		return err
	}
	rec := model.RecordFromMessage(msg)

	s.mu.Lock()
	defer s.mu.Unlock()

	// Rotate an expired file first so its statistics window ends before
	// this record is observed.
	c.rotateExpired(s, rec.Time)

	_, wasOpen := s.policy.Snapshot()
	rotations, err := s.policy.Append(rec)
	if errors.Is(err, rotation.ErrClosed) {
		return ErrClosed
	}
	// A cap rotation closes the file the record was written to; the record
	// belongs to the window that ends with it.
	if err == nil || cappedAfterWrite(rotations) {
		c.metrics.RecordsWritten.WithLabelValues(metrics.StreamLabel(key.Aggregate)).Inc()
		if s.window != nil && !s.window.Observe(rec.Payload) {
			c.logger.WithField("topic", rec.Topic).Trace("capture: payload excluded from statistics")
		}
	}
	c.afterRotations(s, rotations, rec.Time)
	c.trackOpen(s, wasOpen)
	if err != nil {
		s.lastErr = err
		c.metrics.StreamErrors.WithLabelValues("append").Inc()
		c.logger.WithError(err).WithField("stream", key.String()).Warn("capture: write failed")
		return err
	}
	s.lastErr = nil

	if s.window != nil && s.window.Due(rec.Time) {
		c.flushStats(s, rec.Time)
	}
	return nil
}

// Sweep rotates every stream whose trigger has expired at the current time
// and flushes statistics windows that are due.
func (c *Coordinator) Sweep() {
	now := c.clock.Now()
	for _, s := range c.snapshot() {
		s.mu.Lock()
		c.rotateExpired(s, now)
		if s.window != nil && s.window.Due(now) {
			c.flushStats(s, now)
		}
		s.mu.Unlock()
	}
}

// Close closes every open file and writes the final statistics reports.
// It is safe to call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	now := c.clock.Now()
	var errs []error
	for _, s := range c.snapshot() {
		s.mu.Lock()
		r, ok, err := s.policy.Close()
		if ok {
			c.afterRotations(s, []rotation.Rotation{r}, now)
			c.metrics.OpenFiles.Dec()
		} else if s.window != nil {
			c.flushStats(s, now)
		}
		if err != nil {
			errs = append(errs, err)
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Streams returns the status of every stream, topics sorted by name with
// the aggregate stream last.
func (c *Coordinator) Streams() []StreamStatus {
	out := make([]StreamStatus, 0)
	for _, s := range c.snapshot() {
		s.mu.Lock()
		st := StreamStatus{Key: s.key}
		st.File, st.Open = s.policy.Snapshot()
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		s.mu.Unlock()
		out = append(out, st)
	}
	slices.SortFunc(out, func(a, b StreamStatus) int {
		switch {
		case a.Key.Aggregate != b.Key.Aggregate:
			if a.Key.Aggregate {
				return 1
			}
			return -1
		case a.Key.Topic < b.Key.Topic:
			return -1
		case a.Key.Topic > b.Key.Topic:
			return 1
		}
		return 0
	})
	return out
}

// stamp sets the arrival time of messages that came without one.
func (c *Coordinator) stamp(msg model.Message) model.Message {
	if msg.Arrived.IsZero() {
		msg.Arrived = c.clock.Now()
	}
	return msg
}

func (c *Coordinator) stream(key model.StreamKey) (*stream, error) {
	c.mu.RLock()
	s, ok := c.streams[key]
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return s, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if s, ok := c.streams[key]; ok {
		return s, nil
	}

	sc := c.cfg.Topics
	if key.Aggregate {
		sc = c.cfg.Aggregate
	}
	s = &stream{
		key: key,
		policy: rotation.NewPolicy(rotation.Config{
			Key:        key,
			Layout:     c.cfg.Layout,
			MaxRecords: sc.MaxRecords,
			Trigger:    sc.Trigger,
		}),
	}
	if c.cfg.Stats && !key.Aggregate {
		s.window = stats.NewWindow(stats.Config{
			Path:     c.cfg.Layout.StatsPath(key),
			Interval: c.cfg.StatsInterval,
			Location: c.cfg.Layout.Location,
		}, c.clock.Now())
	}
	c.streams[key] = s
	c.logger.WithField("stream", key.String()).Debug("capture: new stream")
	return s, nil
}

func (c *Coordinator) snapshot() []*stream {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		out = append(out, s)
	}
	return out
}

func (c *Coordinator) triggerReason(key model.StreamKey) rotation.Reason {
	sc := c.cfg.Topics
	if key.Aggregate {
		sc = c.cfg.Aggregate
	}
	return sc.Trigger.Reason()
}

// rotateExpired closes the file of s when its trigger has expired at now.
// Called with s.mu held.
func (c *Coordinator) rotateExpired(s *stream, now time.Time) {
	if !s.policy.Expired(now) {
		return
	}
	r, ok, err := s.policy.Rotate(c.triggerReason(s.key))
	if ok {
		c.afterRotations(s, []rotation.Rotation{r}, now)
		c.metrics.OpenFiles.Dec()
	}
	if err != nil {
		s.lastErr = err
		c.metrics.StreamErrors.WithLabelValues("rotate").Inc()
		c.logger.WithError(err).WithField("stream", s.key.String()).Warn("capture: rotation failed")
	}
}

// cappedAfterWrite reports whether an append ended with the record written
// and its file closed at the cap, even if closing failed.
func cappedAfterWrite(rotations []rotation.Rotation) bool {
	return len(rotations) > 0 && rotations[len(rotations)-1].Reason == rotation.ReasonMaxRecords
}

// afterRotations logs closed files and ends the statistics window with them.
// Called with s.mu held.
func (c *Coordinator) afterRotations(s *stream, rotations []rotation.Rotation, now time.Time) {
	for _, r := range rotations {
		c.metrics.Rotations.WithLabelValues(string(r.Reason)).Inc()
		c.logger.WithFields(logrus.Fields{
			"stream":  s.key.String(),
			"path":    r.File.Path,
			"records": r.File.RecordsWritten,
			"reason":  r.Reason,
		}).Info("capture: file closed")
		if s.window != nil {
			c.flushStats(s, now)
		}
	}
}

func (c *Coordinator) flushStats(s *stream, now time.Time) {
	wrote, err := s.window.Flush(now)
	if err != nil {
		c.metrics.StreamErrors.WithLabelValues("stats").Inc()
		c.logger.WithError(err).WithField("stream", s.key.String()).Warn("capture: statistics flush failed")
		return
	}
	if wrote {
		c.metrics.StatsReports.Inc()
	}
}

// trackOpen moves the open-files gauge after an append on s.
func (c *Coordinator) trackOpen(s *stream, wasOpen bool) {
	_, open := s.policy.Snapshot()
	switch {
	case open && !wasOpen:
		c.metrics.OpenFiles.Inc()
	case wasOpen && !open:
		c.metrics.OpenFiles.Dec()
	}
}
