package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/glob"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/maxpert/fleetrelay/cfg"
	"github.com/maxpert/fleetrelay/publisher"
	"github.com/maxpert/fleetrelay/telemetry"
)

// FeedRegistry is what the HTTP surface needs from the publisher
type FeedRegistry interface {
	Feeds() []*publisher.Feed
	Statuses(ctx context.Context) []publisher.FeedStatus
}

// Server is the HTTP and websocket front of the relay
type Server struct {
	config       cfg.ServerConfiguration
	feeds        FeedRegistry
	upgrader     websocket.Upgrader
	origins      []glob.Glob
	writeTimeout time.Duration

	httpServer *http.Server
	listener   net.Listener
	doneCh     chan struct{}
}

// NewServer builds the server. AllowedOrigins entries are glob patterns; an
// empty list accepts any origin.
func NewServer(config cfg.ServerConfiguration, feeds FeedRegistry) (*Server, error) {
	s := &Server{
		config:       config,
		feeds:        feeds,
		writeTimeout: time.Duration(config.WriteTimeoutMS) * time.Millisecond,
	}

	for _, pattern := range config.AllowedOrigins {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid origin pattern %q: %w", pattern, err)
		}
		s.origins = append(s.origins, g)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	return s, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		// Non-browser clients send no Origin
		return true
	}
	for _, g := range s.origins {
		if g.Match(origin) {
			return true
		}
	}
	log.Debug().Str("origin", origin).Msg("Rejected websocket origin")
	return false
}

// Handler returns the chi router with every route mounted
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/feeds", s.handleFeeds)

	if h := telemetry.GetMetricsHandler(); h != nil {
		r.Method(http.MethodGet, "/metrics", h)
	}

	for _, feed := range s.feeds.Feeds() {
		r.Get(feed.Config().Path, s.handleFeed(feed))
		log.Info().Str("feed", feed.Name()).Str("path", feed.Config().Path).Msg("Feed endpoint enabled")
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErrorResponse(w, http.StatusNotFound, "not found")
	})

	return r
}

// Start listens on the configured address and serves in the background.
// Listen errors are returned; serve errors after that are logged.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.config.BindAddress, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.doneCh = make(chan struct{})

	go func() {
		defer close(s.doneCh)
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server stopped")
		}
	}()

	log.Info().Str("address", ln.Addr().String()).Msg("HTTP server listening")
	return nil
}

// Addr returns the bound address, useful when Port is 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops accepting requests. Upgraded websockets are hijacked and are
// closed by stopping their feeds.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	err := s.httpServer.Shutdown(ctx)
	<-s.doneCh
	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
