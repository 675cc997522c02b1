package hub

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sendie-app/sendie/internal/auth"
	"github.com/sendie-app/sendie/internal/metrics"
	"github.com/sendie-app/sendie/internal/ratelimit"
	"github.com/sendie-app/sendie/internal/session"
)

const maxFrameBytes = 256 * 1024

// Hub terminates every signaling WebSocket and routes frames between peers of
// the same session. It owns no session state beyond the handle→client map;
// membership truth lives in the registry.
type Hub struct {
	log      *slog.Logger
	registry *session.Registry
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func New(logger *slog.Logger, registry *session.Registry, limiter *ratelimit.Limiter, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		log:      logger,
		registry: registry,
		limiter:  limiter,
		metrics:  m,
		upgrader: websocket.Upgrader{
			// Origin enforcement happens at the reverse proxy that also
			// injects the identity headers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
	registry.SetEvictionHook(h.evictSession)
	return h
}

// ServeHTTP upgrades the connection and runs the read loop until the channel
// dies. The identity is read once here; it never changes for the lifetime of
// the channel.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := newClient(uuid.NewString(), identity, conn)
	h.register(c)
	defer h.disconnect(c)

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})
	go c.pingLoop()

	h.log.Info("signaling channel open", "handle", c.handle, "user_id", identity.UserID)
	h.readLoop(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.handle] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.handle)
	h.mu.Unlock()
}

func (h *Hub) client(handle string) *client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[handle]
}

func (h *Hub) readLoop(c *client) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		frame, err := ParseInvokeFrame(data)
		if err != nil {
			// A malformed frame is dropped, not fatal: a buggy client build
			// should not tear down its own working connections.
			h.metrics.Inc(metrics.FrameDropped)
			h.log.Warn("dropping malformed frame", "handle", c.handle, "err", err)
			continue
		}

		// The limit check runs after the read so bytes already buffered by
		// the kernel are consumed and the client can observe our response.
		res := h.limiter.Check(policyFor(frame.Method), c.handle)
		if !res.Allowed {
			h.metrics.Inc(metrics.RateLimited)
			_ = c.sendError(frame.ID, res.ErrorMessage())
			continue
		}

		h.dispatch(c, frame)
	}
}

func policyFor(m Method) ratelimit.Policy {
	switch m {
	case MethodJoinSession:
		return ratelimit.PolicySessionJoin
	case MethodSendIceCandidateTo:
		return ratelimit.PolicyIceCandidate
	default:
		return ratelimit.PolicySignalingMessage
	}
}

func (h *Hub) dispatch(c *client, frame InvokeFrame) {
	switch frame.Method {
	case MethodJoinSession:
		h.handleJoin(c, frame)
	case MethodLeaveSession:
		h.handleLeave(c, frame)
	case MethodSendOfferTo:
		var args OfferArgs
		if !h.decode(c, frame, &args) {
			return
		}
		if args.SDP.Type != "offer" {
			_ = c.sendError(frame.ID, `sdp.type must be "offer"`)
			return
		}
		h.relay(c, frame, args.Target, EventOffer, OfferEvent{From: c.handle, SDP: args.SDP})
	case MethodSendAnswerTo:
		var args OfferArgs
		if !h.decode(c, frame, &args) {
			return
		}
		if args.SDP.Type != "answer" {
			_ = c.sendError(frame.ID, `sdp.type must be "answer"`)
			return
		}
		h.relay(c, frame, args.Target, EventAnswer, OfferEvent{From: c.handle, SDP: args.SDP})
	case MethodSendIceCandidateTo:
		var args IceCandidateArgs
		if !h.decode(c, frame, &args) {
			return
		}
		h.relay(c, frame, args.Target, EventIceCandidate, IceCandidateEvent{From: c.handle, Candidate: args.Candidate})
	case MethodSendPublicKeyTo:
		var args PublicKeyArgs
		if !h.decode(c, frame, &args) {
			return
		}
		h.relay(c, frame, args.Target, EventPublicKey, PublicKeyEvent{From: c.handle, Key: args.Key})
	case MethodReportConnEstablished:
		h.handleReport(c, frame, true)
	case MethodReportConnClosed:
		h.handleReport(c, frame, false)
	case MethodLockSession:
		h.handleHostToggle(c, frame, EventSessionLocked, h.registry.Lock)
	case MethodUnlockSession:
		h.handleHostToggle(c, frame, EventSessionUnlocked, h.registry.Unlock)
	case MethodEnableHostOnlySending:
		h.handleHostToggle(c, frame, EventHostOnlySendingEnabled, h.registry.EnableHostOnlySending)
	case MethodDisableHostOnlySending:
		h.handleHostToggle(c, frame, EventHostOnlySendingDisabled, h.registry.DisableHostOnlySending)
	case MethodKickPeer:
		h.handleKick(c, frame)
	}
}

func (h *Hub) decode(c *client, frame InvokeFrame, v any) bool {
	if err := decodeArgs(frame, v); err != nil {
		_ = c.sendError(frame.ID, err.Error())
		return false
	}
	return true
}

func (h *Hub) handleJoin(c *client, frame InvokeFrame) {
	var args JoinSessionArgs
	if !h.decode(c, frame, &args) {
		return
	}
	if c.session() != "" {
		_ = c.sendError(frame.ID, "Already in a session")
		return
	}
	if !session.ValidID(args.SessionID) {
		_ = c.sendError(frame.ID, "Session not found")
		return
	}

	peer, snap, err := h.registry.AddPeer(args.SessionID, c.handle, c.identity.UserID)
	if err != nil {
		_ = c.sendError(frame.ID, joinErrorMessage(err))
		return
	}
	c.setSession(snap.ID)
	h.log.Info("peer joined session",
		"session_id", snap.ID,
		"handle", c.handle,
		"user_id", c.identity.UserID,
		"peer_count", snap.PeerCount(),
	)

	// The snapshot was taken inside the admission critical section, so the
	// peer list here is exactly the membership the fan-out below announces.
	existing := make([]string, 0, snap.PeerCount()-1)
	hostHandle := ""
	for _, p := range snap.Peers {
		if p.UserID != "" && p.UserID == snap.CreatorUserID {
			hostHandle = p.ConnectionHandle
		}
		if p.ConnectionHandle != c.handle {
			existing = append(existing, p.ConnectionHandle)
		}
	}

	_ = c.sendResult(frame.ID, JoinSessionResult{
		Self:              c.handle,
		IsInitiatorRole:   peer.IsInitiatorRole,
		ExistingPeers:     existing,
		IsHost:            c.identity.UserID != "" && c.identity.UserID == snap.CreatorUserID,
		HostConnHandle:    hostHandle,
		IsLocked:          snap.Locked,
		IsHostOnlySending: snap.HostOnlySending,
	})

	// Only the joiner learned the existing peers; recipients of this event
	// must wait for the joiner's offer.
	h.fanOut(existing, EventPeerJoined, PeerEvent{Handle: c.handle})
}

func joinErrorMessage(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return "Session not found"
	case errors.Is(err, session.ErrLocked):
		return "Session is locked"
	case errors.Is(err, session.ErrFull):
		return "Session is full"
	case errors.Is(err, session.ErrAlreadyJoined):
		return "Already connected to this session"
	default:
		return err.Error()
	}
}

func (h *Hub) handleLeave(c *client, frame InvokeFrame) {
	sid := c.session()
	if sid == "" {
		_ = c.sendError(frame.ID, "Not in a session")
		return
	}
	h.leaveSession(c, sid)
	_ = c.sendResult(frame.ID, nil)
}

// leaveSession removes the client's membership and notifies survivors. It is
// shared by the leave method, kicks, and disconnect teardown.
func (h *Hub) leaveSession(c *client, sid string) {
	if !c.clearSessionIf(sid) {
		return
	}
	_, snap, ok := h.registry.RemovePeer(sid, c.handle)
	if !ok {
		return
	}
	h.log.Info("peer left session", "session_id", sid, "handle", c.handle, "peer_count", snap.PeerCount())

	survivors := make([]string, 0, snap.PeerCount())
	for _, p := range snap.Peers {
		survivors = append(survivors, p.ConnectionHandle)
	}
	h.fanOut(survivors, EventPeerLeft, PeerEvent{Handle: c.handle})
}

func (h *Hub) relay(c *client, frame InvokeFrame, target string, event Event, args any) {
	sid := c.session()
	if sid == "" {
		_ = c.sendError(frame.ID, "Not in a session")
		return
	}

	peer, ok := h.registry.PeerByHandle(target)
	if !ok || peer.SessionID != sid {
		// Cross-session sends are dropped, not failed: the caller may just
		// be racing the target's departure.
		h.metrics.Inc(metrics.FrameDropped)
		h.log.Warn("dropping signal outside caller's session",
			"session_id", sid,
			"from", c.handle,
			"target", target,
			"event", string(event),
		)
		_ = c.sendResult(frame.ID, nil)
		return
	}

	if tc := h.client(target); tc != nil {
		_ = tc.sendEvent(event, args)
	}
	_ = c.sendResult(frame.ID, nil)
}

func (h *Hub) handleReport(c *client, frame InvokeFrame, established bool) {
	var args PeerArgs
	if !h.decode(c, frame, &args) {
		return
	}
	sid := c.session()
	if sid == "" {
		_ = c.sendError(frame.ID, "Not in a session")
		return
	}
	if established {
		h.registry.IncConnectedPairs(sid)
	} else {
		h.registry.DecConnectedPairs(sid)
	}
	_ = c.sendResult(frame.ID, nil)
}

func (h *Hub) handleHostToggle(c *client, frame InvokeFrame, event Event, toggle func(sessionID, userID string) bool) {
	sid := c.session()
	if sid == "" {
		_ = c.sendError(frame.ID, "Not in a session")
		return
	}
	if !toggle(sid, c.identity.UserID) {
		_ = c.sendError(frame.ID, "Only the session host can do that")
		return
	}
	_ = c.sendResult(frame.ID, nil)

	// Host toggles go to the entire membership, caller included, so every
	// client converges on the same view of the flag.
	members := make([]string, 0, 4)
	for _, p := range h.registry.Peers(sid) {
		members = append(members, p.ConnectionHandle)
	}
	h.fanOut(members, event, nil)
}

func (h *Hub) handleKick(c *client, frame InvokeFrame) {
	var args PeerArgs
	if !h.decode(c, frame, &args) {
		return
	}
	sid := c.session()
	if sid == "" {
		_ = c.sendError(frame.ID, "Not in a session")
		return
	}
	if !h.registry.IsCreator(sid, c.identity.UserID) {
		_ = c.sendError(frame.ID, "Only the session host can do that")
		return
	}
	peer, ok := h.registry.PeerByHandle(args.Target)
	if !ok || peer.SessionID != sid {
		_ = c.sendError(frame.ID, "Peer not in session")
		return
	}

	h.metrics.Inc(metrics.PeerKicked)
	h.log.Info("peer kicked", "session_id", sid, "handle", args.Target, "by", c.handle)

	if tc := h.client(args.Target); tc != nil {
		_ = tc.sendEvent(EventKicked, nil)
		h.leaveSession(tc, sid)
		tc.closeWith(websocket.CloseNormalClosure, "kicked")
	} else {
		// Channel already gone; just drop the stale membership.
		if _, snap, removed := h.registry.RemovePeer(sid, args.Target); removed {
			survivors := make([]string, 0, snap.PeerCount())
			for _, p := range snap.Peers {
				survivors = append(survivors, p.ConnectionHandle)
			}
			h.fanOut(survivors, EventPeerLeft, PeerEvent{Handle: args.Target})
		}
	}
	_ = c.sendResult(frame.ID, nil)
}

// disconnect runs exactly once per channel when the read loop exits.
func (h *Hub) disconnect(c *client) {
	h.unregister(c)
	if sid := c.session(); sid != "" {
		h.leaveSession(c, sid)
	}
	h.limiter.ClearKey(c.handle)
	c.close()
	h.log.Info("signaling channel closed", "handle", c.handle)
}

// evictSession is installed as the registry's eviction hook: when a session is
// reaped, its surviving channels are told to go away.
func (h *Hub) evictSession(sessionID string, handles []string) {
	for _, handle := range handles {
		c := h.client(handle)
		if c == nil {
			continue
		}
		if c.clearSessionIf(sessionID) {
			c.closeWith(websocket.CloseGoingAway, "session expired")
		}
	}
}

func (h *Hub) fanOut(handles []string, event Event, args any) {
	for _, handle := range handles {
		if c := h.client(handle); c != nil {
			_ = c.sendEvent(event, args)
		}
	}
}
