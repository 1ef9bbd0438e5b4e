package https

import (
	"encoding/json"
	"net"
	"strings"
	"sync"

	"github.com/harshabose/screenrelay/pkg/relay"
)

type ServerState string

const (
	ServerDown ServerState = "SERVER_OFFLINE"
	ServerUp   ServerState = "SERVER_ONLINE"
)

// StatusSource is what the status endpoints report on. *relay.Metrics
// satisfies it.
type StatusSource interface {
	Snapshot() relay.Snapshot
}

func isLoopBack(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return strings.ToLower(host) == "localhost"
	}

	return ip.IsLoopback()
}

type BufferedErrors struct {
	maxSize int
	errors  []string
	mux     sync.RWMutex
}

func NewBufferedErrors(maxSize int) *BufferedErrors {
	return &BufferedErrors{
		maxSize: maxSize,
		errors:  make([]string, 0, maxSize),
	}
}

func (be *BufferedErrors) Add(err string) {
	be.mux.Lock()
	defer be.mux.Unlock()

	if len(be.errors) >= be.maxSize {
		be.errors = be.errors[1:]
	}

	be.errors = append(be.errors, err)
}

func (be *BufferedErrors) Len() int {
	be.mux.RLock()
	defer be.mux.RUnlock()

	return len(be.errors)
}

func (be *BufferedErrors) MarshalJSON() ([]byte, error) {
	be.mux.RLock()
	defer be.mux.RUnlock()

	return json.Marshal(be.errors)
}

type health struct {
	State        ServerState     `json:"state"`
	RecentErrors *BufferedErrors `json:"recent_errors"`
	mux          sync.RWMutex
}

func (h *health) SetState(state ServerState) {
	h.mux.Lock()
	defer h.mux.Unlock()

	h.State = state
}

func (h *health) state() ServerState {
	h.mux.RLock()
	defer h.mux.RUnlock()

	return h.State
}

func (h *health) AddError(err string) {
	h.mux.Lock()
	defer h.mux.Unlock()

	if h.RecentErrors != nil {
		h.RecentErrors.Add(err)
	}
}

type status struct {
	Server *health      `json:"server"`
	Relay  relaySummary `json:"relay"`
}

type relaySummary struct {
	Session      string      `json:"session"`
	State        relay.State `json:"state"`
	Uptime       string      `json:"uptime"`
	RecentErrors []string    `json:"recent_errors"`
}

// Marshal reports the server health next to the relay state.
func (h *health) Marshal(source StatusSource) ([]byte, error) {
	h.mux.RLock()
	defer h.mux.RUnlock()

	s := status{Server: h}
	if source != nil {
		snap := source.Snapshot()
		s.Relay = relaySummary{
			Session:      snap.Session,
			State:        snap.State,
			Uptime:       snap.Uptime.String(),
			RecentErrors: snap.RecentErrors,
		}
	}

	return json.Marshal(s)
}
