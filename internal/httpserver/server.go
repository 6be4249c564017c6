package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/mqtt-recorder/internal/capture"
)

// StreamLister is the narrow capture contract required by the HTTP API.
type StreamLister interface {
	Streams() []capture.StreamStatus
}

// Server provides an HTTP API for watching a running capture.
type Server struct {
	addr      string
	streams   StreamLister
	gatherer  prometheus.Gatherer
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. A nil gatherer serves the
// default Prometheus registry.
func NewServer(addr string, streams StreamLister, gatherer prometheus.Gatherer) *Server {
	if addr == "" {
		addr = "127.0.0.1:3000"
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		streams:  streams,
		gatherer: gatherer,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Addr returns the listen address, resolved once Start succeeded.
func (s *Server) Addr() string { return s.addr }

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.addr = listener.Addr().String()
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/streams", s.handleStreams)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	return r
}

func (s *Server) handleHealth(c *gin.Context) {
	streams := s.streams.Streams()
	open := 0
	for _, st := range streams {
		if st.Open {
			open++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).String(),
		"streams":    len(streams),
		"open_files": open,
	})
}

type streamView struct {
	Stream       string     `json:"stream"`
	Aggregate    bool       `json:"aggregate"`
	Open         bool       `json:"open"`
	Path         string     `json:"path,omitempty"`
	Records      int        `json:"records,omitempty"`
	Sequence     int        `json:"sequence,omitempty"`
	OpenedAt     *time.Time `json:"opened_at,omitempty"`
	LastRecordAt *time.Time `json:"last_record_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

func (s *Server) handleStreams(c *gin.Context) {
	streams := s.streams.Streams()
	out := make([]streamView, 0, len(streams))
	for _, st := range streams {
		v := streamView{
			Stream:    st.Key.String(),
			Aggregate: st.Key.Aggregate,
			Open:      st.Open,
			LastError: st.LastError,
		}
		if st.Open {
			opened, last := st.File.OpenedAt, st.File.LastRecordAt
			v.Path = st.File.Path
			v.Records = st.File.RecordsWritten
			v.Sequence = st.File.Seq
			v.OpenedAt = &opened
			v.LastRecordAt = &last
		}
		out = append(out, v)
	}

	c.JSON(http.StatusOK, gin.H{
		"streams": out,
		"count":   len(out),
	})
}
