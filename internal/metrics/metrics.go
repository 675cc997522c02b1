package metrics

import "sync"

// Event names. Names are intentionally simple; a follow-up metrics task can
// standardize and export these via a full Prometheus/OTel integration.
const (
	SessionCreated = "session_created"
	SessionReaped  = "session_reaped"
	PeerJoined     = "peer_joined"
	PeerLeft       = "peer_left"
	PeerKicked     = "peer_kicked"

	RateLimited  = "rate_limited"
	AuthFailure  = "auth_failure"
	FrameDropped = "frame_dropped"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The service is expected to plug into a real metrics backend eventually;
// this type exists to keep enforcement logic testable and to provide drop
// counters for operators.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
