package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/harshabose/screenrelay/pkg/https"
	"github.com/harshabose/screenrelay/pkg/relay"
)

var ErrMaxClients = errors.New("max clients reached")

type metrics struct {
	Uptime            time.Duration `json:"uptime"`
	ActiveConnections uint64        `json:"active_connections"`
	FailedConnections uint64        `json:"failed_connections"`
	MessagesSent      uint64        `json:"messages_sent"`
	TotalDataSent     int64         `json:"total_data_sent"`
	timeSinceUptime   time.Time
	mux               sync.RWMutex
}

func (m *metrics) active() uint64 {
	m.mux.RLock()
	defer m.mux.RUnlock()

	return m.ActiveConnections
}

func (m *metrics) failed() uint64 {
	m.mux.RLock()
	defer m.mux.RUnlock()

	return m.FailedConnections
}

// tryAcquire reserves a connection slot unless limit is reached.
func (m *metrics) tryAcquire(limit uint64) bool {
	m.mux.Lock()
	defer m.mux.Unlock()

	if m.ActiveConnections+1 > limit {
		m.FailedConnections++
		return false
	}

	m.ActiveConnections++
	return true
}

func (m *metrics) decreaseActiveConnections() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.ActiveConnections--
}

func (m *metrics) increaseFailedConnections() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.FailedConnections++
}

func (m *metrics) addDataSent(len int64) {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.MessagesSent++
	m.TotalDataSent += len
}

func (m *metrics) resetUptime() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.timeSinceUptime = time.Now()
}

func (m *metrics) updateUptime() {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.Uptime = time.Since(m.timeSinceUptime)
}

func (m *metrics) Marshal() ([]byte, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()

	return json.Marshal(m)
}

type ServerConfig struct {
	TotalConnections uint64        `json:"total_connections"`
	PushInterval     time.Duration `json:"push_interval"`
	WriteTimeout     time.Duration `json:"write_timeout"`
}

func DefaultServerConfig() ServerConfig {
	c := ServerConfig{}
	c.SetDefaults()

	return c
}

func (c *ServerConfig) SetDefaults() {
	if c.TotalConnections == 0 {
		c.TotalConnections = 16
	}

	if c.PushInterval == 0 {
		c.PushInterval = time.Second
	}

	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// Server pushes relay snapshots to websocket clients on top of the status
// server.
type Server struct {
	httpServer *https.Server
	source     https.StatusSource
	log        *logrus.Entry

	config ServerConfig

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc

	metrics *metrics
}

func NewServer(ctx context.Context, config ServerConfig, httpsConfig https.Config, source https.StatusSource, log *logrus.Entry) *Server {
	config.SetDefaults()

	ctx2, cancel := context.WithCancel(ctx)
	httpServer := https.NewHTTPSServer(ctx2, httpsConfig, source, log)

	s := &Server{
		httpServer: httpServer,
		source:     source,
		log:        httpServer.Log().WithField("feed", "metrics"),
		config:     config,
		metrics:    &metrics{},
		ctx:        ctx2,
		cancel:     cancel,
	}
	s.metrics.resetUptime()

	s.httpServer.AddRequestHandler("GET /metrics", s.httpServer.Internal(s.metricsHandler))
	s.httpServer.AddRequestHandler("GET /ws/metrics", s.httpServer.Internal(s.wsMetricsHandler))

	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler()
}

func (s *Server) Serve() {
	s.httpServer.Serve()
}

func (s *Server) ServeAndWait() <-chan struct{} {
	return s.httpServer.ServeAndWait()
}

func (s *Server) UpgradeRequest(w http.ResponseWriter, req *http.Request) (*websocket.Conn, error) {
	if !s.metrics.tryAcquire(s.config.TotalConnections) {
		s.log.WithField("max", s.config.TotalConnections).Warn("rejecting websocket client")
		return nil, ErrMaxClients
	}

	conn, err := websocket.Accept(w, req, nil)
	if err != nil {
		s.metrics.decreaseActiveConnections()
		s.metrics.increaseFailedConnections()
		return nil, errors.Wrap(err, "upgrading http request to websocket")
	}

	return conn, nil
}

type feedMessage struct {
	Relay relay.Snapshot  `json:"relay"`
	Feed  json.RawMessage `json:"feed"`
}

func (s *Server) message() ([]byte, error) {
	s.metrics.updateUptime()

	feed, err := s.metrics.Marshal()
	if err != nil {
		return nil, err
	}

	msg := feedMessage{Feed: feed}
	if s.source != nil {
		msg.Relay = s.source.Snapshot()
	}

	return json.Marshal(msg)
}

// GET /metrics
func (s *Server) metricsHandler(w http.ResponseWriter, _ *http.Request) {
	msg, err := s.message()
	if err != nil {
		s.httpServer.AppendErrors(errors.Wrap(err, "marshalling metrics").Error())
		http.Error(w, "Failed to marshal metrics", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(msg); err != nil {
		s.log.WithError(err).Warn("sending metrics response")
		s.httpServer.AppendErrors(errors.Wrap(err, "sending metrics response").Error())
	}
}

// GET /ws/metrics
func (s *Server) wsMetricsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.UpgradeRequest(w, r)
	if err != nil {
		if errors.Is(err, ErrMaxClients) {
			http.Error(w, "Too many metrics clients", http.StatusServiceUnavailable)
		}
		return
	}
	defer s.metrics.decreaseActiveConnections()

	// the feed is write only; CloseRead notices the client going away
	ctx := conn.CloseRead(r.Context())

	if err := s.push(ctx, conn); err != nil {
		s.log.WithError(err).Debug("metrics client gone")
		conn.Close(websocket.StatusInternalError, "push failed")
		return
	}

	conn.Close(websocket.StatusNormalClosure, "server closing")
}

func (s *Server) push(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(s.config.PushInterval)
	defer ticker.Stop()

	for {
		if err := s.write(ctx, conn); err != nil {
			return err
		}

		select {
		case <-s.ctx.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn) error {
	b, err := s.message()
	if err != nil {
		return errors.Wrap(err, "marshalling metrics")
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.WriteTimeout)
	defer cancel()

	if err := wsjson.Write(ctx, conn, json.RawMessage(b)); err != nil {
		return errors.Wrap(err, "writing metrics")
	}
	s.metrics.addDataSent(int64(len(b)))

	return nil
}

func (s *Server) Close() error {
	var err error

	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		err = s.httpServer.Close()
	})

	return err
}
