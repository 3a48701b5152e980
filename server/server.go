// Package server is the HTTP API of the plotter: submit jobs, watch and
// control them, and send commands to the device between jobs.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/paulhankin/grblplot/config"
	"github.com/paulhankin/grblplot/job"
	"github.com/paulhankin/grblplot/logger"
)

// Options configure a Server.
type Options struct {
	Config      config.ServerConfig
	DefaultPage string
	Version     string
	// RequestLog receives one line per request. Nil disables request
	// logging.
	RequestLog io.Writer
	// WatchInterval is how often a websocket watcher checks its job.
	WatchInterval time.Duration
	Log           *logger.Logger
}

// Server serves the API for one job manager.
type Server struct {
	e        *echo.Echo
	jobs     *job.Manager
	opt      Options
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// New builds the server and registers its routes.
func New(jobs *job.Manager, opt Options) *Server {
	if opt.WatchInterval <= 0 {
		opt.WatchInterval = 200 * time.Millisecond
	}
	s := &Server{
		e:    echo.New(),
		jobs: jobs,
		opt:  opt,
		log:  opt.Log,
		upgrader: websocket.Upgrader{
			// the API is served on the plotter's own host.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	e := s.e
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = ErrorHandler

	if opt.RequestLog != nil {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Output: opt.RequestLog,
			Skipper: func(c echo.Context) bool {
				path := c.Request().URL.Path
				return path == "/api/health" || strings.HasSuffix(path, "/ws")
			},
		}))
	}
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10,
	}))
	if opt.Config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(opt.Config.BodyLimit))
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.e.Group("/api")
	api.GET("/health", s.handleHealth)
	api.POST("/gcode", s.handleCompile)

	jobs := api.Group("/jobs")
	jobs.POST("", s.handleSubmit)
	jobs.GET("", s.handleList)
	jobs.GET("/:id", s.handleGet)
	jobs.DELETE("/:id", s.handleClear)
	jobs.POST("/:id/cancel", s.handleCancel)
	jobs.POST("/:id/pause", s.handlePause)
	jobs.POST("/:id/resume", s.handleResume)
	jobs.GET("/:id/ws", s.handleWatch)

	api.POST("/device/command", s.handleCommand)
}

// ServeHTTP makes the server usable with httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.e.ServeHTTP(w, r)
}

// ListenAndServe serves on the configured address until ctx is done,
// then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:        s.opt.Config.Addr,
		Handler:     s.e,
		ReadTimeout: s.opt.Config.ReadTimeout,
		// no WriteTimeout: websocket watchers stay open for a whole job.
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("listening on %s", s.opt.Config.Addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
