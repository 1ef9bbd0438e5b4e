package relay

import (
	"encoding/json"
	"sync"
	"time"
)

const maxRecentErrors = 10

// Snapshot is a point-in-time copy of the relay counters.
type Snapshot struct {
	Session        string        `json:"session"`
	State          State         `json:"state"`
	Uptime         time.Duration `json:"uptime"`
	PacketsRead    uint64        `json:"packets_read"`
	PacketsIgnored uint64        `json:"packets_ignored"`
	FramesDecoded  uint64        `json:"frames_decoded"`
	DecodeErrors   uint64        `json:"decode_errors"`
	PacketsEncoded uint64        `json:"packets_encoded"`
	EncodeErrors   uint64        `json:"encode_errors"`
	PacketsWritten uint64        `json:"packets_written"`
	KeyFrames      uint64        `json:"key_frames"`
	BytesWritten   uint64        `json:"bytes_written"`
	LastPTS        int64         `json:"last_pts"`
	RecentErrors   []string      `json:"recent_errors"`
	LastUpdate     time.Time     `json:"last_update"`
}

type Metrics struct {
	snap    Snapshot
	started time.Time
	mux     sync.RWMutex
}

func NewMetrics(session string) *Metrics {
	return &Metrics{
		snap: Snapshot{
			Session:      session,
			State:        StateIdle,
			RecentErrors: make([]string, 0, maxRecentErrors),
		},
	}
}

func (m *Metrics) SetState(state State) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if state == StateOpening && m.started.IsZero() {
		m.started = time.Now()
	}

	m.snap.LastUpdate = time.Now()
	m.snap.State = state
}

func (m *Metrics) State() State {
	m.mux.RLock()
	defer m.mux.RUnlock()

	return m.snap.State
}

func (m *Metrics) AddError(err error) {
	if err == nil {
		return
	}

	m.mux.Lock()
	defer m.mux.Unlock()

	if len(m.snap.RecentErrors) >= maxRecentErrors {
		m.snap.RecentErrors = m.snap.RecentErrors[1:]
	}

	m.snap.LastUpdate = time.Now()
	m.snap.RecentErrors = append(m.snap.RecentErrors, err.Error())
}

func (m *Metrics) update(fn func(s *Snapshot)) {
	m.mux.Lock()
	defer m.mux.Unlock()

	fn(&m.snap)
	m.snap.LastUpdate = time.Now()
}

func (m *Metrics) packetRead() {
	m.update(func(s *Snapshot) { s.PacketsRead++ })
}

func (m *Metrics) packetIgnored() {
	m.update(func(s *Snapshot) { s.PacketsIgnored++ })
}

func (m *Metrics) frameDecoded() {
	m.update(func(s *Snapshot) { s.FramesDecoded++ })
}

func (m *Metrics) decodeFailed() {
	m.update(func(s *Snapshot) { s.DecodeErrors++ })
}

func (m *Metrics) packetEncoded() {
	m.update(func(s *Snapshot) { s.PacketsEncoded++ })
}

func (m *Metrics) encodeFailed() {
	m.update(func(s *Snapshot) { s.EncodeErrors++ })
}

func (m *Metrics) packetWritten(size int, key bool, pts int64) {
	m.update(func(s *Snapshot) {
		s.PacketsWritten++
		s.BytesWritten += uint64(size)
		s.LastPTS = pts
		if key {
			s.KeyFrames++
		}
	})
}

func (m *Metrics) Snapshot() Snapshot {
	m.mux.RLock()
	defer m.mux.RUnlock()

	s := m.snap
	s.RecentErrors = append([]string{}, m.snap.RecentErrors...)
	if !m.started.IsZero() {
		s.Uptime = time.Since(m.started)
	}

	return s
}

func (m *Metrics) Marshal() ([]byte, error) {
	return json.Marshal(m.Snapshot())
}
