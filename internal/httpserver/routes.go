package httpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/sendie-app/sendie/internal/auth"
	"github.com/sendie-app/sendie/internal/metrics"
	"github.com/sendie-app/sendie/internal/ratelimit"
	"github.com/sendie-app/sendie/internal/session"
)

const maxBodyBytes = 4 * 1024

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.deps.Metrics))

	requireAllowed := auth.RequireAllowed(s.deps.AllowList, s.log, s.deps.Metrics)
	requireAdmin := auth.RequireAdmin(s.deps.AllowList, s.log, s.deps.Metrics)

	s.mux.Handle("POST /sessions", requireAllowed(http.HandlerFunc(s.handleCreateSession)))
	s.mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("GET /ice-servers", s.handleICEServers)
	s.mux.HandleFunc("GET /auth/me", s.handleAuthMe)

	s.mux.Handle("GET /admin/users", requireAdmin(http.HandlerFunc(s.handleListUsers)))
	s.mux.Handle("POST /admin/users/{id}", requireAdmin(http.HandlerFunc(s.handleAddUser)))
	s.mux.Handle("DELETE /admin/users/{id}", requireAdmin(http.HandlerFunc(s.handleRemoveUser)))

	if s.deps.Hub != nil {
		s.mux.Handle("GET /ws", s.deps.Hub)
	}
}

type sessionSummary struct {
	ID                string    `json:"id"`
	CreatedAt         time.Time `json:"created_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	AbsoluteExpiresAt time.Time `json:"absolute_expires_at"`
	MaxPeers          int       `json:"max_peers"`
	PeerCount         int       `json:"peer_count"`
	IsLocked          bool      `json:"is_locked"`
}

func summarize(snap session.Snapshot) sessionSummary {
	return sessionSummary{
		ID:                snap.ID,
		CreatedAt:         snap.CreatedAt,
		ExpiresAt:         snap.ExpiresAt,
		AbsoluteExpiresAt: snap.AbsoluteExpiresAt,
		MaxPeers:          snap.MaxPeers,
		PeerCount:         snap.PeerCount(),
		IsLocked:          snap.Locked,
	}
}

type createSessionRequest struct {
	MaxPeers int `json:"max_peers"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Limiter.Check(ratelimit.PolicySessionCreate, clientIP(r))
	if !res.Allowed {
		s.deps.Metrics.Inc(metrics.RateLimited)
		w.Header().Set("Retry-After", strconv.Itoa(res.RetryAfterSeconds()))
		writeError(w, http.StatusTooManyRequests, res.ErrorMessage())
		return
	}

	maxPeers := s.cfg.MaxPeersDefault
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if len(body) > 0 {
		var req createSessionRequest
		if err := decodeStrictJSON(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		if req.MaxPeers != 0 {
			if req.MaxPeers < session.MinPeers || req.MaxPeers > session.MaxPeers {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("max_peers must be between %d and %d", session.MinPeers, session.MaxPeers))
				return
			}
			maxPeers = req.MaxPeers
		}
	}

	identity := auth.FromContext(r.Context())
	snap, err := s.deps.Registry.Create(identity.UserID, maxPeers)
	if err != nil {
		s.log.Error("session create failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed to create session")
		return
	}

	WriteJSON(w, http.StatusCreated, summarize(snap))
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !session.ValidID(id) {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	snap, ok := s.deps.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"exists":     true,
		"peer_count": snap.PeerCount(),
		"max_peers":  snap.MaxPeers,
		"is_locked":  snap.Locked,
	})
}

func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	servers := s.cfg.ICEServers
	if servers == nil {
		servers = []webrtc.ICEServer{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"ice_servers": servers})
}

func (s *Server) handleAuthMe(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromContext(r.Context())
	if identity.IsAnonymous() {
		writeError(w, http.StatusUnauthorized, "Authentication required")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"user_id":    identity.UserID,
		"username":   identity.Username,
		"avatar_url": identity.AvatarURL,
		"is_allowed": s.deps.AllowList.IsAllowed(identity.UserID),
		"is_admin":   s.deps.AllowList.IsAdmin(identity.UserID),
	})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{
		"users":  s.deps.AllowList.Users(),
		"admins": s.deps.AllowList.Admins(),
	})
}

func (s *Server) handleAddUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !auth.ValidUserID(id) {
		writeError(w, http.StatusBadRequest, "invalid user ID: expected 17-19 decimal digits")
		return
	}
	admin := auth.FromContext(r.Context())
	if !s.deps.AllowList.Add(id, admin.UserID) {
		writeError(w, http.StatusForbidden, "not permitted")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"added": id})
}

func (s *Server) handleRemoveUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	admin := auth.FromContext(r.Context())
	if s.deps.AllowList.IsAdmin(id) {
		writeError(w, http.StatusForbidden, "admins cannot be removed from the allow list")
		return
	}
	if !s.deps.AllowList.Remove(id, admin.UserID) {
		writeError(w, http.StatusNotFound, "user not on the allow list")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"removed": id})
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}
