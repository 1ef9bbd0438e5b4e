package https

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type Server struct {
	httpServer *http.Server
	config     Config
	router     *http.ServeMux
	source     StatusSource
	log        *logrus.Entry

	once     sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
	mux      sync.RWMutex
	wg       sync.WaitGroup
	serveErr error

	rateLimiters   *expirable.LRU[string, *rate.Limiter]
	rateLimiterMux sync.Mutex
	trusted        []*net.IPNet

	health *health
}

func NewHTTPSServer(ctx context.Context, config Config, source StatusSource, log *logrus.Entry) *Server {
	config.SetDefaults()
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	ctx2, cancel := context.WithCancel(ctx)
	router := http.NewServeMux()

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:              config.Addr,
			ReadHeaderTimeout: config.ReadTimeout,
			WriteTimeout:      config.WriteTimeout,
			Handler:           router,
		},
		config: config,
		source: source,
		log:    log.WithField("component", "status"),
		health: &health{
			State:        ServerDown,
			RecentErrors: NewBufferedErrors(10),
		},
		rateLimiters: expirable.NewLRU[string, *rate.Limiter](10_000, nil, time.Hour),
		ctx:          ctx2,
		cancel:       cancel,
	}

	for _, network := range config.TrustedNetworks {
		_, ipNet, err := net.ParseCIDR(network)
		if err != nil {
			s.log.WithError(err).WithField("network", network).Warn("ignoring trusted network")
			continue
		}
		s.trusted = append(s.trusted, ipNet)
	}

	router.HandleFunc("GET /internal/status", s.Internal(s.statusHandler))

	return s
}

func (s *Server) Ctx() context.Context {
	return s.ctx
}

func (s *Server) Config() Config {
	return s.config
}

func (s *Server) Log() *logrus.Entry {
	return s.log
}

func (s *Server) Source() StatusSource {
	return s.source
}

// Handler exposes the router, mostly for httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) AddRequestHandler(path string, handler http.HandlerFunc) {
	s.router.HandleFunc(path, handler)
}

// Internal wraps handler in the middleware chain every status endpoint uses:
// logging, CORS, the trusted-client guard and rate limiting.
func (s *Server) Internal(handler http.HandlerFunc) http.HandlerFunc {
	return s.LoggingMiddleware(s.CorsMiddleware(s.InternalAuthMiddleware(s.RateLimitMiddleware(handler))))
}

func (s *Server) AppendErrors(err ...string) {
	for _, e := range err {
		s.health.AddError(e)
	}
}

func (s *Server) Serve() {
	s.wg.Add(1)
	go s.start()
}

// ServeAndWait starts serving and returns a channel closed once the server
// stops, either because its context ended or because listening failed.
func (s *Server) ServeAndWait() <-chan struct{} {
	s.Serve()
	return s.ctx.Done()
}

func (s *Server) start() {
	defer s.wg.Done()
	defer s.health.SetState(ServerDown)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			s.health.SetState(ServerUp)
			s.log.WithField("addr", s.config.Addr).Info("status server listening")

			err := s.httpServer.ListenAndServe()
			if err == nil || errors.Is(err, http.ErrServerClosed) {
				return
			}

			s.health.SetState(ServerDown)
			s.log.WithError(err).Error("error while serving")
			s.health.AddError(errors.Wrap(err, "serving").Error())

			if !s.config.KeepHosting {
				s.mux.Lock()
				s.serveErr = errors.Wrapf(err, "status server on %s", s.config.Addr)
				s.mux.Unlock()
				s.cancel()
				return
			}

			s.log.Warn("failed to host server, retrying in 5 seconds...")
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// GET /internal/status
func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	msg, err := s.health.Marshal(s.source)
	if err != nil {
		s.health.AddError(errors.Wrap(err, "marshalling status").Error())
		http.Error(w, "Failed to marshal health status", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(msg); err != nil {
		s.log.WithError(err).Warn("sending status response")
		s.health.AddError(errors.Wrap(err, "sending status response").Error())
	}
}

// Close shuts the server down and returns the error that stopped it, if any.
func (s *Server) Close() error {
	var err error

	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err = s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("graceful shutdown not possible, closing forcibly")
			if cerr := s.httpServer.Close(); cerr != nil {
				s.log.WithError(cerr).Warn("closing http server")
			}
		}

		s.wg.Wait()

		s.mux.RLock()
		defer s.mux.RUnlock()
		if s.serveErr != nil {
			err = s.serveErr
		}
	})

	return err
}
