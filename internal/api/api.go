// Package api provides HTTP handlers and the main API server logic for
// mailrun.
//
// It exposes the cron trigger endpoints for the dispatcher and reply
// reconciler, plus interactive endpoints for sending single messages,
// generating drafts, and enrolling leads.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mailrunhq/mailrun/internal/dispatch"
	"github.com/mailrunhq/mailrun/internal/provider"
	"github.com/mailrunhq/mailrun/internal/quota"
	"github.com/mailrunhq/mailrun/internal/store"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Runner is a batch job that can be triggered over HTTP. Implemented by the
// dispatcher and the reconciler.
type Runner interface {
	Run(ctx context.Context) (int, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr       string
	CronSecret string
	Env        string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithCronSecret sets the shared secret guarding the cron endpoints.
func WithCronSecret(secret string) Option {
	return func(o *Opts) { o.CronSecret = secret }
}

// WithEnv sets the deployment environment name (e.g. "production").
func WithEnv(env string) Option {
	return func(o *Opts) { o.Env = env }
}

// Server hosts the mailrun HTTP API.
type Server struct {
	store      store.Store
	dispatcher Runner
	reconciler Runner
	generator  dispatch.Generator
	quota      *quota.Evaluator
	providers  provider.Registry
	selector   provider.Selector

	addr       string
	cronSecret string
	env        string
}

// NewServer creates the API server over the given collaborators.
func NewServer(st store.Store, dispatcher, reconciler Runner, gen dispatch.Generator, q *quota.Evaluator, providers provider.Registry, selector provider.Selector, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		store:      st,
		dispatcher: dispatcher,
		reconciler: reconciler,
		generator:  gen,
		quota:      q,
		providers:  providers,
		selector:   selector,
		addr:       cfg.Addr,
		cronSecret: cfg.CronSecret,
		env:        cfg.Env,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/cron/send-due", s.cronHandler("send-due", s.dispatcher))
	mux.HandleFunc("/cron/check-replies", s.cronHandler("check-replies", s.reconciler))
	mux.HandleFunc("/messages/send", s.sendMessageHandler)
	mux.HandleFunc("/drafts/generate", s.generateDraftHandler)
	mux.HandleFunc("/enrollments", s.enrollHandler)
	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: API server listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("API server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("API server shutdown failed: %w", err)
	}
	return nil
}

// authorizeCron validates the shared-secret query parameter. A missing
// configured secret only passes outside production.
func (s *Server) authorizeCron(r *http.Request) bool {
	if s.cronSecret == "" {
		return s.env != "production"
	}
	return r.URL.Query().Get("secret") == s.cronSecret
}
