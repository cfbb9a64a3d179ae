package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"accesswatch/internal/api/handlers"

	"github.com/gin-gonic/gin"
	"github.com/pterm/pterm"
)

// Server exposes the monitor over HTTP
type Server struct {
	addr     string
	system   *handlers.SystemHandler
	analysis *handlers.AnalysisHandler
	stream   *handlers.StreamHandler
	logger   *pterm.Logger
	server   *http.Server
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewServer creates a new HTTP API server
func NewServer(addr string, system *handlers.SystemHandler, analysis *handlers.AnalysisHandler, stream *handlers.StreamHandler, logger *pterm.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:8089"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     addr,
		system:   system,
		analysis: analysis,
		stream:   stream,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Router builds the gin engine with every API route
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	api := r.Group("/api")
	api.GET("/health", s.system.Health)
	api.GET("/status", s.system.GetStatus)
	api.GET("/analysis/:kind", s.analysis.GetAnalysis)
	api.GET("/reports", s.analysis.GetReports)
	api.GET("/offenders", s.analysis.GetOffenders)
	api.POST("/cycle", s.analysis.TriggerCycle)
	if s.stream != nil {
		api.GET("/stream", s.stream.StreamCycles)
	}
	return r
}

// Start begins serving HTTP requests
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Router(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithCaller().Error("API server stopped", s.logger.Args("error", err))
		}
	}()

	s.logger.Info("API server listening", s.logger.Args("addr", listener.Addr().String()))
	return nil
}

// Stop gracefully shuts down the HTTP server
func (s *Server) Stop() error {
	s.cancel()
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
