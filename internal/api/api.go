// Package api provides the HTTP server for the TriagePipe web front-end.
//
// It exposes JSON endpoints to open a thread, submit turns, share a location,
// read the history and reset a thread, plus the optional Twilio webhook.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/TriagePipe/internal/models"
)

// Server configuration constants
const (
	// DefaultServerAddress is the listen address used when none is configured
	DefaultServerAddress = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout protects against slow clients
	DefaultReadHeaderTimeout = 10 * time.Second
	// maxRequestBytes fits a base64-encoded image of models.MaxImageBytes plus text
	maxRequestBytes = 8 << 20
)

// Engine is the workflow surface served over HTTP.
type Engine interface {
	ProcessTurn(ctx context.Context, turn models.Turn) (models.Reply, error)
	History(ctx context.Context, threadID string) ([]models.Message, error)
	SetLocation(ctx context.Context, threadID string, loc models.Location) error
	Reset(ctx context.Context, threadID string) error
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr          string
	TwilioWebhook http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhook mounts the Twilio inbound webhook at POST /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server serves the triage engine over HTTP.
type Server struct {
	engine Engine
	addr   string
	mux    *http.ServeMux
}

// NewServer creates a Server and registers its routes.
func NewServer(engine Engine, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{engine: engine, addr: cfg.Addr, mux: http.NewServeMux()}

	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("POST /threads", s.createThreadHandler)
	s.mux.HandleFunc("POST /threads/{id}/turns", s.turnHandler)
	s.mux.HandleFunc("PUT /threads/{id}/location", s.locationHandler)
	s.mux.HandleFunc("GET /threads/{id}/messages", s.historyHandler)
	s.mux.HandleFunc("DELETE /threads/{id}", s.resetHandler)
	if cfg.TwilioWebhook != nil {
		s.mux.HandleFunc("POST /twilio/webhook", cfg.TwilioWebhook)
		slog.Debug("Server.NewServer: Twilio webhook mounted")
	}
	return s
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
