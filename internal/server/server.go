// Package server is the plantwatch dashboard backend. It proxies the plant
// backend for a browser front end, keeps live device views running on the
// server and streams their state over WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/vesaa/plantwatch/internal/config"
	"github.com/vesaa/plantwatch/internal/gateway"
	"github.com/vesaa/plantwatch/internal/realtime"
	"github.com/vesaa/plantwatch/internal/reducer"
	"github.com/vesaa/plantwatch/internal/session"
)

// Server wires the gateway clients, session store and live views behind
// one gin engine.
type Server struct {
	cfg      *config.Config
	sessions *session.Store
	views    *ViewManager
	version  string
	log      zerolog.Logger

	mu      sync.Mutex
	clients map[string]*gateway.Client
}

// New builds a Server. Callers set the JWT secret with SetJWTSecret.
func New(cfg *config.Config, sessions *session.Store, version string, log zerolog.Logger) *Server {
	views := NewViewManager(reducer.Options{
		PollInterval:    cfg.PollInterval(),
		HistoryLimit:    cfg.HistoryLimit,
		LogLimit:        cfg.LogLimit,
		Period:          cfg.DefaultPeriod,
		ClusterWindow:   cfg.ClusterWindow,
		WateringTimeout: cfg.WateringTimeout(),
	}, log.With().Str("component", "views").Logger())

	return &Server{
		cfg:      cfg,
		sessions: sessions,
		views:    views,
		version:  version,
		log:      log,
		clients:  make(map[string]*gateway.Client),
	}
}

// Views exposes the live view registry.
func (s *Server) Views() *ViewManager { return s.views }

// Engine returns a gin engine with middleware, API routes and the embedded UI.
func (s *Server) Engine() *gin.Engine {
	e := gin.New()
	e.Use(gin.Recovery(), corsMiddleware, s.requestLogger())
	s.RegisterRoutes(e)
	RegisterStaticFiles(e)
	return e
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// and tears down every open view.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.ServerHost, s.cfg.ServerPort)
	srv := &http.Server{Addr: addr, Handler: s.Engine(), ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info().Str("addr", addr).Msg("dashboard listening")

	select {
	case err := <-errCh:
		s.views.CloseAll()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		n := s.views.CloseAll()
		s.log.Info().Int("views_closed", n).Msg("dashboard stopped")
		return err
	}
}

func corsMiddleware(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	if c.Request.Method == http.MethodOptions {
		c.AbortWithStatus(http.StatusNoContent)
		return
	}
	c.Next()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// newClient builds a gateway client for the configured backend.
func (s *Server) newClient(sess gateway.Session) *gateway.Client {
	opts := []gateway.Option{gateway.WithLogger(s.log.With().Str("component", "gateway").Logger())}
	if sess.Username != "" {
		opts = append(opts, gateway.WithSession(sess))
	}
	return gateway.New(s.cfg.APIURL, opts...)
}

// newSubscriber returns the push client for sess, or nil when no streaming
// URL is configured and views must rely on polling.
func (s *Server) newSubscriber(sess gateway.Session) reducer.Subscriber {
	if s.cfg.WSURL == "" {
		return nil
	}
	return realtime.NewClient(realtime.Options{
		URL:            s.cfg.WSURL,
		Username:       sess.Username,
		Password:       sess.Password,
		ReconnectDelay: s.cfg.ReconnectDelay(),
		MaxRetries:     s.cfg.MaxReconnectRetries,
		HeartBeat:      10 * time.Second,
		Logger:         s.log.With().Str("component", "realtime").Logger(),
	})
}

func (s *Server) setClient(username string, sess gateway.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[username]; ok {
		c.SetSession(sess)
		return
	}
	s.clients[username] = s.newClient(sess)
}

// clientFor returns the user's gateway client, restoring it from the
// session store after a restart.
func (s *Server) clientFor(username string) (*gateway.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[username]; ok {
		return c, nil
	}

	sess, err := s.sessions.Load(username)
	if errors.Is(err, session.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", username, gateway.ErrNoSession)
	}
	if err != nil {
		return nil, err
	}
	c := s.newClient(sess)
	s.clients[username] = c
	return c, nil
}

func (s *Server) dropClient(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[username]; ok {
		c.Logout()
		delete(s.clients, username)
	}
}
