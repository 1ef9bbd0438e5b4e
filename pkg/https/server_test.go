package https

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harshabose/screenrelay/pkg/relay"
)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testSource() *relay.Metrics {
	m := relay.NewMetrics("session-1")
	m.SetState(relay.StateOpening)
	m.SetState(relay.StateStreaming)
	m.AddError(errors.New("decoder hiccup"))
	return m
}

func newTestServer(t *testing.T, config Config) *Server {
	t.Helper()
	s := NewHTTPSServer(context.Background(), config, testSource(), quietLog())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func localRequest(method, target string) *http.Request {
	req := httptest.NewRequest(method, target, nil)
	req.RemoteAddr = "127.0.0.1:40000"
	return req
}

func TestNewHTTPSServer(t *testing.T) {
	s := newTestServer(t, Config{})

	assert.Equal(t, "127.0.0.1:8080", s.Config().Addr)
	assert.NotNil(t, s.httpServer)
	assert.NotNil(t, s.router)
	assert.NotNil(t, s.rateLimiters)
	assert.NotNil(t, s.Ctx())
	assert.Equal(t, ServerDown, s.health.state())
}

func TestConfigSetDefaultsKeepsCustomValues(t *testing.T) {
	c := Config{Addr: "0.0.0.0:9090", ReadTimeout: time.Second, RateLimit: 5}
	c.SetDefaults()

	assert.Equal(t, "0.0.0.0:9090", c.Addr)
	assert.Equal(t, time.Second, c.ReadTimeout)
	assert.Equal(t, 5, c.RateLimit)
	assert.Equal(t, 20, c.BurstSize)
	assert.Equal(t, []string{"*"}, c.AllowedOrigins)
}

func TestStatusHandler(t *testing.T) {
	s := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/internal/status"))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body struct {
		Server struct {
			State        string   `json:"state"`
			RecentErrors []string `json:"recent_errors"`
		} `json:"server"`
		Relay struct {
			Session      string   `json:"session"`
			State        string   `json:"state"`
			RecentErrors []string `json:"recent_errors"`
		} `json:"relay"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, string(ServerDown), body.Server.State)
	assert.Equal(t, "session-1", body.Relay.Session)
	assert.Equal(t, "STREAMING", body.Relay.State)
	assert.Equal(t, []string{"decoder hiccup"}, body.Relay.RecentErrors)
}

func TestStatusHandlerWithoutSource(t *testing.T) {
	s := NewHTTPSServer(context.Background(), Config{}, nil, quietLog())
	defer s.Close()

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/internal/status"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAddRequestHandler(t *testing.T) {
	s := newTestServer(t, Config{})
	s.AddRequestHandler("GET /ping", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("pong"))
	})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/ping"))
	assert.Equal(t, "pong", rec.Body.String())
}

func TestAppendErrors(t *testing.T) {
	s := newTestServer(t, Config{})

	for i := 0; i < 15; i++ {
		s.AppendErrors(fmt.Sprintf("error %d", i))
	}
	s.AppendErrors()

	assert.Equal(t, 10, s.health.RecentErrors.Len())
}

func TestInternalAuthMiddleware(t *testing.T) {
	s := newTestServer(t, Config{TrustedNetworks: []string{"10.0.0.0/8"}})
	handler := s.InternalAuthMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		remote string
		want   int
	}{
		{"127.0.0.1:1000", http.StatusOK},
		{"[::1]:1000", http.StatusOK},
		{"10.1.2.3:1000", http.StatusOK},
		{"203.0.113.7:1000", http.StatusForbidden},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remote

		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, tt.want, rec.Code, tt.remote)
	}
}

func TestInternalAuthMiddlewareIgnoresSpoofedForwarding(t *testing.T) {
	s := newTestServer(t, Config{})
	handler := s.InternalAuthMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	for _, header := range []string{"X-Forwarded-For", "X-Real-IP"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:1"
		req.Header.Set(header, "127.0.0.1")

		rec := httptest.NewRecorder()
		handler(rec, req)
		assert.Equal(t, http.StatusForbidden, rec.Code, header)
	}
}

func TestInternalAuthMiddlewareBehindLocalProxy(t *testing.T) {
	s := newTestServer(t, Config{TrustedNetworks: []string{"10.0.0.0/8"}})
	handler := s.InternalAuthMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// the proxy is trusted but the client it forwards for is not
	req := localRequest(http.MethodGet, "/")
	req.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = localRequest(http.MethodGet, "/")
	req.Header.Set("X-Forwarded-For", "10.4.5.6")
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	s := newTestServer(t, Config{RateLimit: 1, BurstSize: 2})
	handler := s.RateLimitMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler(rec, localRequest(http.MethodGet, "/"))
		codes = append(codes, rec.Code)

		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
			assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
		}
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// another client has its own bucket
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.2:1"
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddlewareIgnoresSpoofedForwarding(t *testing.T) {
	s := newTestServer(t, Config{RateLimit: 1, BurstSize: 1})
	handler := s.RateLimitMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	codes := make([]int, 0, 2)
	for _, xff := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:1"
		req.Header.Set("X-Forwarded-For", xff)

		rec := httptest.NewRecorder()
		handler(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCorsMiddleware(t *testing.T) {
	s := newTestServer(t, Config{})
	handler := s.CorsMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := localRequest(http.MethodGet, "/")
	req.Header.Set("Origin", "http://dashboard.local")
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "http://dashboard.local", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-RateLimit-Limit")

	preflight := localRequest(http.MethodOptions, "/")
	preflight.Header.Set("Origin", "http://dashboard.local")
	preflight.Header.Set("Access-Control-Request-Method", "GET")
	rec = httptest.NewRecorder()
	handler(rec, preflight)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "GET, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "600", rec.Header().Get("Access-Control-Max-Age"))

	// no Origin, no CORS headers
	rec = httptest.NewRecorder()
	handler(rec, localRequest(http.MethodGet, "/"))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCorsMiddlewareRestrictedOrigins(t *testing.T) {
	s := newTestServer(t, Config{AllowedOrigins: []string{"https://ops.example.com"}})
	handler := s.CorsMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := localRequest(http.MethodGet, "/")
	req.Header.Set("Origin", "http://evil.test")
	rec := httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))

	req = localRequest(http.MethodGet, "/")
	req.Header.Set("Origin", "https://ops.example.com")
	rec = httptest.NewRecorder()
	handler(rec, req)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	tests := []struct {
		origin string
		method string
		want   int
	}{
		{"https://ops.example.com", "GET", http.StatusNoContent},
		{"https://ops.example.com", "DELETE", http.StatusForbidden},
		{"https://sub.ops.example.com", "GET", http.StatusForbidden},
		{"http://evil.test", "GET", http.StatusForbidden},
	}

	for _, tt := range tests {
		preflight := localRequest(http.MethodOptions, "/")
		preflight.Header.Set("Origin", tt.origin)
		preflight.Header.Set("Access-Control-Request-Method", tt.method)
		rec = httptest.NewRecorder()
		handler(rec, preflight)
		assert.Equal(t, tt.want, rec.Code, tt.origin+" "+tt.method)
	}
}

func TestClientIP(t *testing.T) {
	s := newTestServer(t, Config{TrustedNetworks: []string{"10.0.0.0/8", "not-a-cidr"}})

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded by local proxy", map[string]string{"X-Forwarded-For": "198.51.100.1, 10.0.0.1"}, "127.0.0.1:1", "198.51.100.1"},
		{"rightmost untrusted hop", map[string]string{"X-Forwarded-For": "127.0.0.1, 198.51.100.9"}, "10.0.0.2:1", "198.51.100.9"},
		{"all hops trusted", map[string]string{"X-Forwarded-For": "10.0.0.3"}, "127.0.0.1:1", "127.0.0.1"},
		{"real ip from local proxy", map[string]string{"X-Real-IP": "198.51.100.2"}, "127.0.0.1:1", "198.51.100.2"},
		{"forwarded by untrusted peer", map[string]string{"X-Forwarded-For": "127.0.0.1"}, "203.0.113.7:1", "203.0.113.7"},
		{"real ip from untrusted peer", map[string]string{"X-Real-IP": "127.0.0.1"}, "203.0.113.7:1", "203.0.113.7"},
		{"remote addr", nil, "192.0.2.5:1234", "192.0.2.5"},
		{"no port", nil, "192.0.2.6", "192.0.2.6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, s.clientIP(req))
		})
	}

	assert.Len(t, s.trusted, 1)
}

func TestLoggingMiddlewareKeepsStatus(t *testing.T) {
	s := newTestServer(t, Config{})
	handler := s.LoggingMiddleware(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	handler(rec, localRequest(http.MethodGet, "/"))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestServeAndClose(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	s := NewHTTPSServer(context.Background(), Config{Addr: addr}, testSource(), quietLog())
	s.Serve()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/internal/status")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	assert.Equal(t, ServerUp, s.health.state())
	assert.NoError(t, s.Close())
	assert.Equal(t, ServerDown, s.health.state())
	assert.NoError(t, s.Close())
}

func TestServeFailureSurfaces(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	s := NewHTTPSServer(context.Background(), Config{Addr: l.Addr().String()}, nil, quietLog())

	select {
	case <-s.ServeAndWait():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after failing to listen")
	}

	err = s.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), l.Addr().String())
}

func TestConcurrentRequests(t *testing.T) {
	s := newTestServer(t, Config{RateLimit: 6000, BurstSize: 100})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, localRequest(http.MethodGet, "/internal/status"))
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()
}
