package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sendie-app/sendie/internal/metrics"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrLocked        = errors.New("session is locked")
	ErrFull          = errors.New("session is full")
	ErrAlreadyJoined = errors.New("user already in session")
)

const sweepInterval = time.Minute

// Registry owns every live session. The map is guarded by its own lock while
// each session record carries its own mutex, so mutations on different
// sessions proceed in parallel.
//
// Lock ordering: registry.mu may be taken before a session's mu, never after.
type Registry struct {
	cfg     TTLConfig
	clock   clockwork.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	// onEvict, when set, is invoked after a session is removed with the
	// connection handles that were still members. Called outside all locks.
	onEvict func(sessionID string, handles []string)

	mu       sync.RWMutex
	sessions map[string]*Session
	byHandle map[string]string // connection handle -> session id
}

func NewRegistry(cfg TTLConfig, clock clockwork.Clock, log *slog.Logger, m *metrics.Metrics) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		clock:    clock,
		log:      log,
		metrics:  m,
		sessions: make(map[string]*Session),
		byHandle: make(map[string]string),
	}
}

// SetEvictionHook registers the callback used to evict surviving peers when a
// session is destroyed. Must be called during wiring, before traffic.
func (r *Registry) SetEvictionHook(hook func(sessionID string, handles []string)) {
	r.onEvict = hook
}

// Create allocates a session owned by creatorUserID. maxPeers is clamped to
// [2, 10]; zero means the default of 10. ID collisions are not handled: 128
// bits of CSPRNG output make them impossible in practice.
func (r *Registry) Create(creatorUserID string, maxPeers int) (Snapshot, error) {
	id, err := NewID()
	if err != nil {
		return Snapshot{}, err
	}

	now := r.clock.Now()
	s := &Session{
		id:            id,
		creatorUserID: creatorUserID,
		cfg:           r.cfg,
		createdAt:     now,
		maxPeers:      clampMaxPeers(maxPeers),
		userHandles:   make(map[string]string),
	}
	s.absoluteExpiresAt = s.effectiveAbsoluteMaxLocked()
	s.expiresAt = minTime(now.Add(r.cfg.BaseTTL), s.absoluteExpiresAt)
	snap := s.snapshotLocked()

	r.mu.Lock()
	r.sessions[id] = s
	r.mu.Unlock()

	r.metrics.Inc(metrics.SessionCreated)
	r.log.Info("session created", "session_id", id, "max_peers", s.maxPeers)
	return snap, nil
}

func (r *Registry) lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Get returns the session if it is still live, evicting it as a side effect
// when expired. Sessions with active peer-to-peer pairs are auto-extended so
// polling keeps them alive; the absolute bound still applies.
func (r *Registry) Get(id string) (Snapshot, bool) {
	s := r.lookup(id)
	if s == nil {
		return Snapshot{}, false
	}

	now := r.clock.Now()
	s.mu.Lock()
	if s.connectedPairs > 0 && !s.pastAbsoluteLocked(now) {
		s.extendLocked(now)
		snap := s.snapshotLocked()
		s.mu.Unlock()
		return snap, true
	}
	if s.pastAbsoluteLocked(now) || s.expiresAt.Before(now) {
		s.mu.Unlock()
		r.reap(s, now)
		return Snapshot{}, false
	}
	// Re-sync the denormalized hard bound in case host state drifted.
	s.absoluteExpiresAt = s.effectiveAbsoluteMaxLocked()
	snap := s.snapshotLocked()
	s.mu.Unlock()
	return snap, true
}

// AddPeer admits a new member. The returned snapshot is taken inside the same
// critical section as the admission, so callers can compute join responses
// before any fan-out.
func (r *Registry) AddPeer(sessionID, handle, userID string) (Peer, Snapshot, error) {
	s := r.lookup(sessionID)
	if s == nil {
		return Peer{}, Snapshot{}, ErrNotFound
	}

	now := r.clock.Now()
	s.mu.Lock()
	if s.pastAbsoluteLocked(now) || s.pastSoftLocked(now) {
		s.mu.Unlock()
		r.reap(s, now)
		return Peer{}, Snapshot{}, ErrNotFound
	}
	if len(s.peers) >= s.maxPeers {
		s.mu.Unlock()
		return Peer{}, Snapshot{}, ErrFull
	}
	if s.locked && len(s.peers) > 0 {
		s.mu.Unlock()
		return Peer{}, Snapshot{}, ErrLocked
	}
	if userID != "" {
		if _, taken := s.userHandles[userID]; taken {
			s.mu.Unlock()
			return Peer{}, Snapshot{}, ErrAlreadyJoined
		}
	}

	p := &Peer{
		ConnectionHandle: handle,
		SessionID:        sessionID,
		UserID:           userID,
		IsInitiatorRole:  len(s.peers) == 0,
	}
	s.peers = append(s.peers, p)
	if userID != "" {
		s.userHandles[userID] = handle
	}
	s.extendLocked(now)
	s.clearEmptyLocked(now)
	if userID != "" && userID == s.creatorUserID {
		s.updateHostPresenceLocked(userID, true, now)
	}
	peer := *p
	snap := s.snapshotLocked()
	s.mu.Unlock()

	r.mu.Lock()
	r.byHandle[handle] = sessionID
	r.mu.Unlock()

	r.metrics.Inc(metrics.PeerJoined)
	return peer, snap, nil
}

// RemovePeer drops the membership bound to handle. Order matters: the user-ID
// binding is torn down first, then the peer record, then host bookkeeping,
// then the empty-timeout countdown if the session became peerless.
func (r *Registry) RemovePeer(sessionID, handle string) (Peer, Snapshot, bool) {
	s := r.lookup(sessionID)
	if s == nil {
		r.dropHandle(handle)
		return Peer{}, Snapshot{}, false
	}

	now := r.clock.Now()
	s.mu.Lock()
	p, i := s.peerByHandleLocked(handle)
	if p == nil {
		s.mu.Unlock()
		r.dropHandle(handle)
		return Peer{}, Snapshot{}, false
	}
	if p.UserID != "" && s.userHandles[p.UserID] == handle {
		delete(s.userHandles, p.UserID)
	}
	s.peers = append(s.peers[:i], s.peers[i+1:]...)
	if p.UserID != "" && p.UserID == s.creatorUserID {
		s.updateHostPresenceLocked(p.UserID, false, now)
	}
	if len(s.peers) == 0 {
		s.markEmptyLocked(now)
	}
	peer := *p
	snap := s.snapshotLocked()
	s.mu.Unlock()

	r.dropHandle(handle)
	r.metrics.Inc(metrics.PeerLeft)
	return peer, snap, true
}

func (r *Registry) dropHandle(handle string) {
	r.mu.Lock()
	delete(r.byHandle, handle)
	r.mu.Unlock()
}

func (r *Registry) Peers(sessionID string) []Peer {
	s := r.lookup(sessionID)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Peer, len(s.peers))
	for i, p := range s.peers {
		out[i] = *p
	}
	return out
}

// PeerByHandle resolves a connection handle to its membership. Stale index
// entries (the session was reaped) self-heal here.
func (r *Registry) PeerByHandle(handle string) (Peer, bool) {
	r.mu.RLock()
	sessionID, ok := r.byHandle[handle]
	r.mu.RUnlock()
	if !ok {
		return Peer{}, false
	}

	s := r.lookup(sessionID)
	if s == nil {
		r.dropHandle(handle)
		return Peer{}, false
	}
	s.mu.Lock()
	p, _ := s.peerByHandleLocked(handle)
	s.mu.Unlock()
	if p == nil {
		r.dropHandle(handle)
		return Peer{}, false
	}
	return *p, true
}

func (r *Registry) Extend(sessionID string) {
	if s := r.lookup(sessionID); s != nil {
		now := r.clock.Now()
		s.mu.Lock()
		s.extendLocked(now)
		s.mu.Unlock()
	}
}

func (r *Registry) MarkEmpty(sessionID string) {
	if s := r.lookup(sessionID); s != nil {
		now := r.clock.Now()
		s.mu.Lock()
		s.markEmptyLocked(now)
		s.mu.Unlock()
	}
}

func (r *Registry) ClearEmpty(sessionID string) {
	if s := r.lookup(sessionID); s != nil {
		now := r.clock.Now()
		s.mu.Lock()
		s.clearEmptyLocked(now)
		s.mu.Unlock()
	}
}

// IncConnectedPairs records one established peer-to-peer link. Active pairs
// hold the session open, so the TTL is refreshed alongside.
func (r *Registry) IncConnectedPairs(sessionID string) {
	if s := r.lookup(sessionID); s != nil {
		now := r.clock.Now()
		s.mu.Lock()
		s.connectedPairs++
		s.extendLocked(now)
		s.mu.Unlock()
	}
}

// DecConnectedPairs records one closed link. Timestamps are left alone; the
// soft expiry resumes naturally from wherever it was.
func (r *Registry) DecConnectedPairs(sessionID string) {
	if s := r.lookup(sessionID); s != nil {
		s.mu.Lock()
		if s.connectedPairs > 0 {
			s.connectedPairs--
		}
		s.mu.Unlock()
	}
}

func (r *Registry) IsCreator(sessionID, userID string) bool {
	s := r.lookup(sessionID)
	if s == nil || userID == "" {
		return false
	}
	return s.creatorUserID == userID
}

func (r *Registry) SetLocked(sessionID, userID string, locked bool) bool {
	s := r.lookup(sessionID)
	if s == nil || userID == "" || s.creatorUserID != userID {
		return false
	}
	s.mu.Lock()
	s.locked = locked
	s.mu.Unlock()
	return true
}

func (r *Registry) Lock(sessionID, userID string) bool   { return r.SetLocked(sessionID, userID, true) }
func (r *Registry) Unlock(sessionID, userID string) bool { return r.SetLocked(sessionID, userID, false) }

func (r *Registry) SetHostOnlySending(sessionID, userID string, enabled bool) bool {
	s := r.lookup(sessionID)
	if s == nil || userID == "" || s.creatorUserID != userID {
		return false
	}
	s.mu.Lock()
	s.hostOnlySending = enabled
	s.mu.Unlock()
	return true
}

func (r *Registry) EnableHostOnlySending(sessionID, userID string) bool {
	return r.SetHostOnlySending(sessionID, userID, true)
}

func (r *Registry) DisableHostOnlySending(sessionID, userID string) bool {
	return r.SetHostOnlySending(sessionID, userID, false)
}

// HostConnectionHandle returns the handle of the creator's live membership.
func (r *Registry) HostConnectionHandle(sessionID string) (string, bool) {
	s := r.lookup(sessionID)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.userHandles[s.creatorUserID]
	return handle, ok
}

func (r *Registry) UpdateHostPresence(sessionID, userID string, connecting bool) {
	if s := r.lookup(sessionID); s != nil {
		now := r.clock.Now()
		s.mu.Lock()
		s.updateHostPresenceLocked(userID, connecting, now)
		s.mu.Unlock()
	}
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// reap removes s if it is still registered and still expired. Expiry is
// re-checked under both locks so a concurrent extend wins.
func (r *Registry) reap(s *Session, now time.Time) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; !ok || cur != s {
		r.mu.Unlock()
		return
	}
	s.mu.Lock()
	if !s.pastAbsoluteLocked(now) && !s.pastSoftLocked(now) {
		s.mu.Unlock()
		r.mu.Unlock()
		return
	}
	handles := make([]string, 0, len(s.peers))
	for _, p := range s.peers {
		handles = append(handles, p.ConnectionHandle)
	}
	delete(r.sessions, s.id)
	for _, h := range handles {
		delete(r.byHandle, h)
	}
	s.mu.Unlock()
	r.mu.Unlock()

	r.metrics.Inc(metrics.SessionReaped)
	r.log.Info("session reaped", "session_id", s.id, "evicted_peers", len(handles))
	if r.onEvict != nil && len(handles) > 0 {
		r.onEvict(s.id, handles)
	}
}

// Sweep reaps every expired session once. Exported for tests; production
// callers use Run.
func (r *Registry) Sweep() {
	now := r.clock.Now()

	r.mu.RLock()
	candidates := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		candidates = append(candidates, s)
	}
	r.mu.RUnlock()

	for _, s := range candidates {
		s.mu.Lock()
		expired := s.pastAbsoluteLocked(now) || s.pastSoftLocked(now)
		s.mu.Unlock()
		if expired {
			r.reap(s, now)
		}
	}
}

// Run sweeps expired sessions every minute until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.Sweep()
		}
	}
}
