// Package httpapi exposes speech routing, plan status and the school
// operator actions over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tutor-tts-service/internal/auth"
	"github.com/book-expert/tutor-tts-service/internal/router"
	"github.com/book-expert/tutor-tts-service/internal/school"
)

const (
	defaultTimeout      = 30 * time.Second
	readHeaderTimeout   = 5 * time.Second
	maxRequestBodyBytes = 64 << 10
)

// RouterSource hands out the router of a (student, client) pair.
type RouterSource interface {
	Get(studentID, clientID string) *router.Router
}

// RequestRecorder counts served requests, typically for metrics.
type RequestRecorder interface {
	HTTPRequest(route string, code int)
}

// Options wires a Server. Metrics and Recorder are optional.
type Options struct {
	Address       string
	Routers       RouterSource
	School        *school.Service
	Tokens        *auth.Manager
	Metrics       http.Handler
	Recorder      RequestRecorder
	Log           *logger.Logger
	RatePerSecond float64
	RateBurst     int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	Now           func() time.Time
}

// Server is the HTTP front of the service.
type Server struct {
	srv      *http.Server
	handlers *handlers
}

// New builds the mux and the underlying http.Server.
func New(opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = defaultTimeout
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultTimeout
	}

	h := &handlers{
		routers:  opts.Routers,
		school:   opts.School,
		log:      opts.Log,
		limiters: newLimiterSet(opts.RatePerSecond, opts.RateBurst),
		now:      opts.Now,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics)
	}

	student := func(next http.HandlerFunc) http.Handler {
		return authenticate(opts.Tokens, auth.RoleStudent, next)
	}
	operator := func(next http.HandlerFunc) http.Handler {
		return authenticate(opts.Tokens, auth.RoleSchool, next)
	}

	mux.Handle("POST /v1/speech", student(h.speech))
	mux.Handle("GET /v1/plan", student(h.plan))
	mux.Handle("POST /v1/upgrade-requests", student(h.requestUpgrade))

	mux.Handle("POST /v1/admin/upgrade-requests/{id}/approve", operator(h.approveUpgrade))
	mux.Handle("POST /v1/admin/upgrade-requests/{id}/reject", operator(h.rejectUpgrade))
	mux.Handle("POST /v1/admin/students/{id}/block", operator(h.blockStudent))
	mux.Handle("POST /v1/admin/students/{id}/unblock", operator(h.unblockStudent))
	mux.Handle("POST /v1/admin/students/{id}/cancel-pro", operator(h.cancelPro))
	mux.Handle("POST /v1/admin/students/{id}/reset-usage", operator(h.resetUsage))
	mux.Handle("POST /v1/admin/expire", operator(h.expire))
	mux.Handle("GET /v1/admin/usage.xlsx", operator(h.usageReport))

	handler := requestID(record(opts.Recorder, mux))

	return &Server{
		srv: &http.Server{
			Addr:              opts.Address,
			Handler:           handler,
			ReadTimeout:       opts.ReadTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      opts.WriteTimeout,
		},
		handlers: h,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	err := s.srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}

	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.srv.Shutdown(ctx)
	if err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}

	return nil
}

// SweepLimiters drops rate limiters that have refilled completely.
func (s *Server) SweepLimiters() int {
	return s.handlers.limiters.sweep()
}
