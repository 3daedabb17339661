// Package server is the HTTP front of the agent. It only translates requests
// into ota.Manager calls and errors into status codes.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/CloudNativeWorks/otad/internal/operations/journal"
	"github.com/CloudNativeWorks/otad/internal/ota"
	"github.com/CloudNativeWorks/otad/pkg/logger"
)

const (
	DefaultRateLimit = 20
	DefaultBurst     = 50

	shutdownTimeout = 5 * time.Second
)

// Updater is the update facade the handlers drive.
type Updater interface {
	BeginCheck() error
	BeginUpdate() error
	AcceptUpload(ctx context.Context, r io.Reader, length int64) error
	CheckStatus() ota.Status
	CurrentVersion() string
	MaxUploadSize() int64
}

// LogReader returns up to lines recent agent log entries.
type LogReader func(lines int) ([]journal.Entry, error)

// Options configures the listener and rate limiter.
type Options struct {
	Listen       string
	RateLimit    float64
	Burst        int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type Server struct {
	updater  Updater
	version  string
	logs     LogReader
	gatherer prometheus.Gatherer
	limiter  *rate.Limiter
	opts     Options
	logger   *logger.Logger
	router   chi.Router
}

// New builds the router. logs and gatherer may be nil; their routes then
// answer 503 and 404 respectively.
func New(updater Updater, version string, logs LogReader, gatherer prometheus.Gatherer, opts Options, log *logger.Logger) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}
	if opts.Burst <= 0 {
		opts.Burst = DefaultBurst
	}

	s := &Server{
		updater:  updater,
		version:  version,
		logs:     logs,
		gatherer: gatherer,
		limiter:  rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		opts:     opts,
		logger:   log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.rateLimit)

		r.Get("/version", s.handleVersion)
		r.Get("/logs", s.handleLogs)

		r.Route("/ota", func(r chi.Router) {
			r.Post("/check", s.handleCheck)
			r.Get("/status", s.handleStatus)
			r.Post("/update", s.handleUpdate)
			r.Post("/upload", s.handleUpload)
		})
	})

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run listens on Options.Listen until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles connections on ln until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Infof("HTTP API listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("HTTP API stopped")
	return nil
}
