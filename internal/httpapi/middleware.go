package httpapi

import (
	"errors"
	"net/http"
	"sync"

	"github.com/book-expert/tutor-tts-service/internal/auth"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

const (
	headerRequestID = "X-Request-ID"
	headerClientID  = "X-Client-ID"
	defaultClientID = "http"
)

var (
	errForbidden   = errors.New("token role may not call this endpoint")
	errRateLimited = errors.New("too many speech requests")
)

type requestIDKey struct{}

// requestID propagates or assigns an X-Request-ID.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}

		w.Header().Set(headerRequestID, id)

		next.ServeHTTP(w, r)
	})
}

// authenticate validates the bearer token and requires role.
func authenticate(tokens *auth.Manager, role auth.Role, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := auth.ExtractBearer(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)

			return
		}

		claims, err := tokens.Validate(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)

			return
		}

		if claims.Role != role {
			writeError(w, http.StatusForbidden, errForbidden)

			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// record reports the matched route pattern and status of every request.
func record(recorder RequestRecorder, next *http.ServeMux) http.Handler {
	if recorder == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		_, pattern := next.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}

		next.ServeHTTP(wrapped, r)
		recorder.HTTPRequest(pattern, wrapped.status)
	})
}

// limiterSet holds one token bucket per student.
type limiterSet struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	if burst <= 0 {
		burst = 1
	}

	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}

	return &limiterSet{
		limit:    limit,
		burst:    burst,
		mu:       sync.Mutex{},
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *limiterSet) allow(studentID string) bool {
	l.mu.Lock()
	limiter, ok := l.limiters[studentID]

	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[studentID] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *limiterSet) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0

	for studentID, limiter := range l.limiters {
		if limiter.Tokens() >= float64(l.burst) {
			delete(l.limiters, studentID)

			removed++
		}
	}

	return removed
}
