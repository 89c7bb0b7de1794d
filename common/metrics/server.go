package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/gin-gonic/contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scusemua/kernel-manager/common/utils"
)

var (
	ErrServerAlreadyRunning = errors.New("metrics server is already running")
	ErrServerNotRunning     = errors.New("metrics server is not running")
)

// Server serves the metrics of a prometheus.Gatherer over HTTP, at /metrics.
type Server struct {
	log logger.Logger

	port     int
	gatherer prometheus.Gatherer

	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener

	mu      sync.Mutex
	serving bool
}

// NewServer creates a Server for the given port. A nil gatherer means prometheus.DefaultGatherer.
func NewServer(port int, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		port:     port,
		gatherer: gatherer,
	}
	config.InitLogger(&s.log, s)

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.Default())

	handler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	s.engine.GET("/metrics", func(c *gin.Context) {
		handler.ServeHTTP(c.Writer, c.Request)
	})
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the address the server listens on, or the empty string if it is not running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.serving
}

// Start begins serving in the background. A port of 0 picks a free port.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.serving {
		return ErrServerAlreadyRunning
	}

	address := fmt.Sprintf("0.0.0.0:%d", s.port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: s.engine}
	s.serving = true

	go func() {
		s.log.Debug("Serving Prometheus metrics at %s", listener.Addr())
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(utils.RedStyle.Render("Metrics server failed on '%s'. Error: %v"), listener.Addr(), err)
		}
	}()

	return nil
}

// Stop shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.serving {
		return ErrServerNotRunning
	}

	s.serving = false
	s.listener = nil
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("Failed to cleanly shutdown the HTTP server: %v", err)
		return err
	}

	return nil
}
