package session

import (
	"sync"
	"time"
)

const (
	DefaultBaseTTL                = 30 * time.Minute
	DefaultEmptyTimeout           = 5 * time.Minute
	DefaultAbsMaxHostConnected    = 24 * time.Hour
	DefaultAbsMaxHostDisconnected = 4 * time.Hour
	DefaultHostGrace              = 30 * time.Minute

	MinPeers        = 2
	MaxPeers        = 10
	DefaultMaxPeers = 10
)

// TTLConfig holds the tunable expiry knobs. Zero values fall back to the
// defaults above.
type TTLConfig struct {
	BaseTTL                time.Duration
	EmptyTimeout           time.Duration
	AbsMaxHostConnected    time.Duration
	AbsMaxHostDisconnected time.Duration
	HostGrace              time.Duration
}

func (c TTLConfig) withDefaults() TTLConfig {
	if c.BaseTTL <= 0 {
		c.BaseTTL = DefaultBaseTTL
	}
	if c.EmptyTimeout <= 0 {
		c.EmptyTimeout = DefaultEmptyTimeout
	}
	if c.AbsMaxHostConnected <= 0 {
		c.AbsMaxHostConnected = DefaultAbsMaxHostConnected
	}
	if c.AbsMaxHostDisconnected <= 0 {
		c.AbsMaxHostDisconnected = DefaultAbsMaxHostDisconnected
	}
	if c.HostGrace <= 0 {
		c.HostGrace = DefaultHostGrace
	}
	return c
}

// Peer is one client's membership within a session, bound to one hub channel.
type Peer struct {
	ConnectionHandle string
	SessionID        string
	UserID           string

	// IsInitiatorRole tags the first peer in the session's life. It only
	// breaks glare in offer direction; host authority is derived from
	// UserID == the session's creator, never from this flag.
	IsInitiatorRole bool
}

// Session is a live registry record. All fields behind mu; external readers
// get value-type Snapshots so they never observe half-applied state.
type Session struct {
	id            string
	creatorUserID string
	cfg           TTLConfig

	mu sync.Mutex

	createdAt         time.Time
	expiresAt         time.Time
	absoluteExpiresAt time.Time
	emptySince        time.Time // zero when peers are present

	maxPeers int
	peers    []*Peer
	// userHandles maps an authenticated user ID to its connection handle.
	userHandles map[string]string

	connectedPairs int

	hostConnected bool
	hostLastSeen  time.Time // zero until the host's first disconnect

	locked          bool
	hostOnlySending bool
}

// Snapshot is a consistent copy of a session's observable state.
type Snapshot struct {
	ID                string
	CreatorUserID     string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
	EmptySince        time.Time

	MaxPeers       int
	Peers          []Peer
	ConnectedPairs int

	HostConnected bool
	HostLastSeen  time.Time

	Locked          bool
	HostOnlySending bool
}

func (s *Snapshot) PeerCount() int { return len(s.Peers) }

func (s *Session) snapshotLocked() Snapshot {
	peers := make([]Peer, len(s.peers))
	for i, p := range s.peers {
		peers[i] = *p
	}
	return Snapshot{
		ID:                s.id,
		CreatorUserID:     s.creatorUserID,
		CreatedAt:         s.createdAt,
		ExpiresAt:         s.expiresAt,
		AbsoluteExpiresAt: s.absoluteExpiresAt,
		EmptySince:        s.emptySince,
		MaxPeers:          s.maxPeers,
		Peers:             peers,
		ConnectedPairs:    s.connectedPairs,
		HostConnected:     s.hostConnected,
		HostLastSeen:      s.hostLastSeen,
		Locked:            s.locked,
		HostOnlySending:   s.hostOnlySending,
	}
}

// effectiveAbsoluteMaxLocked is the pure dual-bound function: the hard expiry
// depends only on host state and the creation time.
func (s *Session) effectiveAbsoluteMaxLocked() time.Time {
	if s.hostConnected {
		return s.createdAt.Add(s.cfg.AbsMaxHostConnected)
	}
	off := s.createdAt.Add(s.cfg.AbsMaxHostDisconnected)
	if !s.hostLastSeen.IsZero() {
		if grace := s.hostLastSeen.Add(s.cfg.HostGrace); grace.After(off) {
			return grace
		}
	}
	return off
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func (s *Session) extendLocked(now time.Time) {
	s.absoluteExpiresAt = s.effectiveAbsoluteMaxLocked()
	s.expiresAt = minTime(now.Add(s.cfg.BaseTTL), s.absoluteExpiresAt)
	s.emptySince = time.Time{}
}

func (s *Session) markEmptyLocked(now time.Time) {
	if !s.emptySince.IsZero() || s.connectedPairs > 0 {
		return
	}
	s.expiresAt = minTime(now.Add(s.cfg.EmptyTimeout), s.expiresAt)
	s.emptySince = now
}

func (s *Session) clearEmptyLocked(now time.Time) {
	if s.emptySince.IsZero() {
		return
	}
	s.absoluteExpiresAt = s.effectiveAbsoluteMaxLocked()
	s.expiresAt = minTime(now.Add(s.cfg.BaseTTL), s.absoluteExpiresAt)
	s.emptySince = time.Time{}
}

func (s *Session) updateHostPresenceLocked(userID string, connecting bool, now time.Time) {
	if userID == "" || userID != s.creatorUserID {
		return
	}
	s.hostConnected = connecting
	s.hostLastSeen = now
	s.absoluteExpiresAt = s.effectiveAbsoluteMaxLocked()
	if connecting {
		s.expiresAt = minTime(now.Add(s.cfg.BaseTTL), s.absoluteExpiresAt)
	}
}

// pastAbsoluteLocked and pastSoftLocked are the two reaping conditions.
// Active pairs protect against soft expiry but never against the hard bound.
func (s *Session) pastAbsoluteLocked(now time.Time) bool {
	return now.After(s.effectiveAbsoluteMaxLocked())
}

func (s *Session) pastSoftLocked(now time.Time) bool {
	return s.connectedPairs == 0 && s.expiresAt.Before(now)
}

func (s *Session) peerByHandleLocked(handle string) (*Peer, int) {
	for i, p := range s.peers {
		if p.ConnectionHandle == handle {
			return p, i
		}
	}
	return nil, -1
}

func clampMaxPeers(n int) int {
	if n == 0 {
		return DefaultMaxPeers
	}
	if n < MinPeers {
		return MinPeers
	}
	if n > MaxPeers {
		return MaxPeers
	}
	return n
}
