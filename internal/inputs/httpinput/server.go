// Package httpinput is the HTTP transport: it turns JSON requests into
// engine requests and carries their terminal outcome back to the client.
package httpinput

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/feedbackd/internal/engine"
)

// Name is the input's registry name.
const Name = "http"

const shutdownTimeout = 5 * time.Second

// result is the terminal outcome delivered to a tracked request.
type result struct {
	code int
	err  error
}

// tracked is a client-visible request awaiting its outcome. done has room
// for exactly one result so SendReply never blocks the engine loop.
type tracked struct {
	req  *engine.Request
	done chan result
}

// Server implements engine.Input over HTTP.
type Server struct {
	gatherer  prometheus.Gatherer
	router    chi.Router
	rateLimit int
	rateWin   time.Duration

	mu       sync.Mutex
	ctl      engine.Controller
	requests map[uint32]*tracked
	closed   bool
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves g on GET /metrics.
func WithMetrics(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithRateLimit caps POST /v1/requests at limit requests per window and
// client IP. A limit of zero or less disables it.
func WithRateLimit(limit int, window time.Duration) Option {
	return func(s *Server) {
		s.rateLimit = limit
		s.rateWin = window
	}
}

// New creates a Server. It serves nothing useful until the engine
// initializes it.
func New(opts ...Option) *Server {
	s := &Server{requests: make(map[uint32]*tracked)}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) Name() string { return Name }

// Initialize stores the engine controller.
func (s *Server) Initialize(ctl engine.Controller) error {
	if ctl == nil {
		return errors.New("httpinput: nil controller")
	}
	s.mu.Lock()
	s.ctl = ctl
	s.mu.Unlock()
	return nil
}

// Shutdown releases every waiting client with ErrEngineClosed and rejects
// new requests.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.requests {
		t.done <- result{err: engine.ErrEngineClosed}
		delete(s.requests, id)
	}
}

// SendReply delivers a successful outcome.
func (s *Server) SendReply(req *engine.Request, code int) {
	s.deliver(req, result{code: code})
}

// SendError delivers a failure.
func (s *Server) SendError(req *engine.Request, err error) {
	s.deliver(req, result{err: err})
}

// deliver looks the request up by id: a fallback replay is a different
// Request value carrying the same id.
func (s *Server) deliver(req *engine.Request, r result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.requests[req.ID()]
	if !ok || t.req.Token() != req.Token() {
		slog.Warn("outcome for unknown request", "request_id", req.ID(), "token", req.Token())
		return
	}
	delete(s.requests, req.ID())
	t.done <- r
}

// track registers a new request. It fails once Shutdown ran.
func (s *Server) track(req *engine.Request) (*tracked, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, engine.ErrEngineClosed
	}
	t := &tracked{req: req, done: make(chan result, 1)}
	s.requests[req.ID()] = t
	return t, nil
}

func (s *Server) untrack(t *tracked) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.requests[t.req.ID()]; ok && cur == t {
		delete(s.requests, t.req.ID())
	}
}

func (s *Server) lookup(id uint32) (*engine.Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.requests[id]
	if !ok {
		return nil, false
	}
	return t.req, true
}

func (s *Server) controller() (engine.Controller, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctl == nil {
		return nil, engine.ErrEngineClosed
	}
	return s.ctl, nil
}

// Pending returns the number of requests still awaiting an outcome.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Serve accepts connections on ln until ctx is cancelled, then shuts the
// HTTP server down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http input listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http input: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http input shutdown: %w", err)
	}
	<-errCh
	slog.Info("http input stopped")
	return nil
}

// ListenAndServe listens on addr and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(logRequests)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/requests", s.handleListRequests)
		r.With(s.limitPlay()).Post("/requests", s.handlePlay)
		r.Get("/requests/{id}", s.handleGetRequest)
		r.Post("/requests/{id}/pause", s.handlePause)
		r.Post("/requests/{id}/resume", s.handleResume)
		r.Delete("/requests/{id}", s.handleStop)

		r.Get("/context", s.handleGetContext)
		r.Put("/context/{key}", s.handleSetContext)
		r.Delete("/context/{key}", s.handleDeleteContext)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) limitPlay() func(http.Handler) http.Handler {
	if s.rateLimit <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	window := s.rateWin
	if window <= 0 {
		window = time.Minute
	}
	return httprate.Limit(
		s.rateLimit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			slog.Warn("play request rate limited", "remote", r.RemoteAddr)
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		}),
	)
}

// logRequests logs one line per HTTP request at debug level.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"http_request_id", middleware.GetReqID(r.Context()),
		)
	})
}
