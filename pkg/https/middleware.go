package https

import (
	"bufio"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// InternalAuthMiddleware only lets loopback and trusted-network clients
// through.
func (s *Server) InternalAuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := s.clientIP(r)
		if !s.isTrusted(client) {
			s.log.WithField("client", client).Warn("status endpoint requested from untrusted address")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// RateLimitMiddleware keeps one token bucket per client address.
func (s *Server) RateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	limit := rate.Limit(s.config.RateLimit) / 60
	perMinute := strconv.Itoa(s.config.RateLimit)

	return func(w http.ResponseWriter, r *http.Request) {
		client := s.clientIP(r)

		s.rateLimiterMux.Lock()
		limiter, ok := s.rateLimiters.Get(client)
		if !ok {
			limiter = rate.NewLimiter(limit, s.config.BurstSize)
			s.rateLimiters.Add(client, limiter)
		}
		s.rateLimiterMux.Unlock()

		w.Header().Set("X-RateLimit-Limit", perMinute)

		if !limiter.Allow() {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10))
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(limiter.Tokens())))
		next.ServeHTTP(w, r)
	}
}

// CorsMiddleware lets browser dashboards on AllowedOrigins read the status
// endpoints. Everything served is a GET, so preflights only ever need to
// approve GET.
func (s *Server) CorsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Add("Vary", "Origin")
		allowed := s.isOriginAllowed(origin)

		if r.Method == http.MethodOptions {
			if !allowed || r.Header.Get("Access-Control-Request-Method") != http.MethodGet {
				http.Error(w, "Preflight rejected", http.StatusForbidden)
				return
			}

			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(s.config.MaxAge))
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// a disallowed origin still gets the response; the browser withholds it
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Expose-Headers", "X-RateLimit-Limit, X-RateLimit-Remaining, X-RateLimit-Reset")
		}

		next.ServeHTTP(w, r)
	}
}

func (s *Server) isOriginAllowed(origin string) bool {
	return slices.Contains(s.config.AllowedOrigins, "*") || slices.Contains(s.config.AllowedOrigins, origin)
}

func (s *Server) LoggingMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapper, r)

		s.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"client":   s.clientIP(r),
			"status":   wrapper.statusCode,
			"duration": time.Since(start),
		}).Debug(r.UserAgent())
	}
}

// clientIP is the peer address. Forwarding headers are honoured only when the
// peer itself is trusted (a local reverse proxy); the rightmost untrusted hop
// is the client.
func (s *Server) clientIP(r *http.Request) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}

	if !s.isTrusted(peer) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !s.isTrusted(hop) {
				return hop
			}
		}
		return peer
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}

	return peer
}

func (s *Server) isTrusted(host string) bool {
	if isLoopBack(host) {
		return true
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range s.trusted {
		if network.Contains(ip) {
			return true
		}
	}

	return false
}

type responseWriter struct {
	http.ResponseWriter
	statusCode    int
	headerWritten bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.headerWritten {
		return
	}
	rw.headerWritten = true
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(data []byte) (int, error) {
	if !rw.headerWritten {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(data)
}

// Hijack lets the websocket feed upgrade through the logging wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("responseWriter does not support hijacking")
	}

	rw.headerWritten = true
	rw.statusCode = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
