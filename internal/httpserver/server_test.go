package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tinytelemetry/mqtt-recorder/internal/capture"
	"github.com/tinytelemetry/mqtt-recorder/internal/metrics"
	"github.com/tinytelemetry/mqtt-recorder/internal/model"
	"github.com/tinytelemetry/mqtt-recorder/internal/rotation"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStreams []capture.StreamStatus

func (f fakeStreams) Streams() []capture.StreamStatus { return f }

func newTestServer(t *testing.T, streams fakeStreams) (*Server, *gin.Engine) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.MessagesReceived.Add(3)

	srv := NewServer("", streams, reg)
	srv.startTime = time.Now()
	return srv, srv.routes()
}

func get(t *testing.T, r http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

var sampleStreams = fakeStreams{
	{
		Key:  model.TopicKey("sensor/a"),
		Open: true,
		File: rotation.FileState{
			Path:           "/data/sensor/a/2024-07-25/mqtt-recorder-sensor-a-20240725-100000-1.json",
			RecordsWritten: 42,
			Seq:            1,
			OpenedAt:       time.Date(2024, 7, 25, 10, 0, 0, 0, time.UTC),
			LastRecordAt:   time.Date(2024, 7, 25, 10, 0, 5, 0, time.UTC),
		},
	},
	{Key: model.TopicKey("broken"), LastError: "mkdir: not a directory"},
	{Key: model.AggregateKey},
}

func TestHealthEndpoint(t *testing.T) {
	_, r := newTestServer(t, sampleStreams)

	w := get(t, r, "/api/health")
	if w.Code != http.StatusOK {
		t.Errorf("health status = %d, want %d", w.Code, http.StatusOK)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
	if body["streams"] != float64(3) || body["open_files"] != float64(1) {
		t.Errorf("health counts = %v/%v, want 3/1", body["streams"], body["open_files"])
	}
}

func TestHealthEndpoint_WrongMethod(t *testing.T) {
	_, r := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	// Gin returns 405 for method not allowed when a route exists but not for this method
	if w.Code != http.StatusMethodNotAllowed && w.Code != http.StatusNotFound {
		t.Errorf("health POST status = %d, want 405 or 404", w.Code)
	}
}

func TestStreamsEndpoint(t *testing.T) {
	_, r := newTestServer(t, sampleStreams)

	w := get(t, r, "/api/streams")
	if w.Code != http.StatusOK {
		t.Fatalf("streams status = %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Count   int          `json:"count"`
		Streams []streamView `json:"streams"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal streams: %v", err)
	}
	if body.Count != 3 || len(body.Streams) != 3 {
		t.Fatalf("streams count = %d (%d entries), want 3", body.Count, len(body.Streams))
	}

	open := body.Streams[0]
	if open.Stream != "sensor/a" || !open.Open || open.Records != 42 || open.Sequence != 1 {
		t.Errorf("open stream = %+v", open)
	}
	if open.LastRecordAt == nil || !open.LastRecordAt.Equal(time.Date(2024, 7, 25, 10, 0, 5, 0, time.UTC)) {
		t.Errorf("last_record_at = %v", open.LastRecordAt)
	}
	if body.Streams[1].LastError == "" || body.Streams[1].Path != "" {
		t.Errorf("broken stream = %+v", body.Streams[1])
	}
	if agg := body.Streams[2]; agg.Stream != "all-topics" || !agg.Aggregate {
		t.Errorf("aggregate stream = %+v", agg)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, r := newTestServer(t, nil)

	w := get(t, r, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "mqtt_recorder_capture_messages_received_total 3") {
		t.Errorf("metrics body missing received counter:\n%s", w.Body.String())
	}
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer("127.0.0.1:0", fakeStreams{}, prometheus.NewRegistry())
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("GET health: %v", err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	if err := srv.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}
