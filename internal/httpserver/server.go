// Package httpserver exposes read-only daemon health and counters over HTTP.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tinytelemetry/dogd/internal/broadcast"
	"github.com/tinytelemetry/dogd/internal/ingest"
)

// DefaultAddr is the loopback endpoint of the API.
const DefaultAddr = "127.0.0.1:4003"

// HubStats reports broadcaster counters.
type HubStats interface {
	Stats() broadcast.Stats
}

// IngestStats reports ingest counters.
type IngestStats interface {
	Stats() ingest.Stats
}

// ConnCounter reports attached subscriber connections.
type ConnCounter interface {
	Connections() int
}

// Sources are the components the API reads from. Nil sources report zeros.
type Sources struct {
	Hub         HubStats
	Ingest      IngestStats
	Subscribers ConnCounter
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	broadcast.Stats
	Ingest                ingest.Stats `json:"ingest"`
	SubscriberConnections int          `json:"subscriber_connections"`
}

// Server provides the HTTP API.
type Server struct {
	addr      string
	sources   Sources
	logger    zerolog.Logger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server. An empty addr uses DefaultAddr.
func NewServer(addr string, sources Sources, logger zerolog.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      addr,
		sources:   sources,
		logger:    logger.With().Str("component", "httpserver").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/stats", s.handleStats)
	return r
}

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
		return fmt.Errorf("httpserver: listen: %w", err)
	}
	s.listener = listener
	s.startTime = time.Now()

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("serve failed")
		}
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("listening")
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

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	var resp StatsResponse
	if s.sources.Hub != nil {
		resp.Stats = s.sources.Hub.Stats()
	}
	if s.sources.Ingest != nil {
		resp.Ingest = s.sources.Ingest.Stats()
	}
	if s.sources.Subscribers != nil {
		resp.SubscriberConnections = s.sources.Subscribers.Connections()
	}
	c.JSON(http.StatusOK, resp)
}
