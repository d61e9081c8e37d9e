// Package api exposes the queue over HTTP: submit, cancel, status, stats,
// and a server-sent-events stream of queue updates.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/push"
	"dispatchd/internal/storage"
	logx "dispatchd/pkg/logx"

	"github.com/gin-gonic/gin"
)

const defaultAddr = "127.0.0.1:8716"

// Options is the server's effective configuration.
type Options struct {
	Addr        string
	ReadTimeout time.Duration
	// WriteTimeout stays 0 unless configured; the SSE stream must not be
	// cut off by the server.
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func OptionsFromConfig(ac config.APIConfig) (Options, error) {
	o := Options{Addr: strings.TrimSpace(ac.Addr)}
	if o.Addr == "" {
		o.Addr = defaultAddr
	}
	var err error
	if o.ReadTimeout, err = config.ParseDurationOrDefault("api.read_timeout", ac.ReadTimeout, 15*time.Second); err != nil {
		return o, err
	}
	if o.WriteTimeout, err = config.ParseDurationField("api.write_timeout", ac.WriteTimeout); err != nil {
		return o, err
	}
	if o.IdleTimeout, err = config.ParseDurationOrDefault("api.idle_timeout", ac.IdleTimeout, time.Minute); err != nil {
		return o, err
	}
	return o, nil
}

type Server struct {
	log      logx.Logger
	ctrl     *dispatch.Controller
	store    storage.Store
	notifier *push.Notifier

	opts Options
	srv  *http.Server
}

func New(opts Options, ctrl *dispatch.Controller, store storage.Store, notifier *push.Notifier, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{log: log, ctrl: ctrl, store: store, notifier: notifier, opts: opts}
}

// Router builds the gin engine. Exposed separately so tests can drive the
// handlers through httptest without binding a socket.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(s.requestLog(), gin.Recovery())

	r.GET("/healthz", s.handleHealth)

	api := r.Group("/api")
	{
		api.POST("/queue", s.handleSubmit)
		api.GET("/queue/stats", s.handleStats)
		api.GET("/sessions/:id/queue", s.handleStatus)
		api.POST("/sessions/:id/queue/cancel", s.handleCancel)
		api.GET("/events", s.handleEvents)
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.Router(),
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  s.opts.IdleTimeout,
	}
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", s.opts.Addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn("http shutdown", logx.Err(err))
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// Skip the long-lived event stream; one line per request only.
		if c.Writer.Status() == http.StatusOK && c.FullPath() == "/api/events" {
			return
		}
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.Request.URL.Path),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}
