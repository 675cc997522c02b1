package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/sendie-app/sendie/internal/allowlist"
	"github.com/sendie-app/sendie/internal/auth"
	"github.com/sendie-app/sendie/internal/config"
	"github.com/sendie-app/sendie/internal/metrics"
	"github.com/sendie-app/sendie/internal/ratelimit"
	"github.com/sendie-app/sendie/internal/session"
)

const (
	adminID    = "100000000000000001"
	allowedID  = "100000000000000002"
	strangerID = "100000000000000009"
)

func newTestServer(t *testing.T, limits map[ratelimit.Policy]ratelimit.Limits) (*Server, *session.Registry) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		ListenAddr:      "127.0.0.1:0",
		Mode:            config.ModeDev,
		LogFormat:       config.LogFormatText,
		MaxPeersDefault: session.DefaultMaxPeers,
	}

	registry := session.NewRegistry(session.TTLConfig{}, clockwork.NewRealClock(), logger, nil)
	limiter := ratelimit.NewLimiter(nil)
	if limits != nil {
		limiter = ratelimit.NewLimiterWithLimits(nil, limits)
	}
	allow := allowlist.New(allowlist.Config{
		Admins:       []string{adminID},
		InitialUsers: []string{allowedID},
		Logger:       logger,
	})

	s := New(cfg, logger, BuildInfo{Commit: "test"}, Deps{
		Registry:  registry,
		Limiter:   limiter,
		AllowList: allow,
		Metrics:   metrics.New(),
	})
	s.ready.Store(true)
	return s, registry
}

func doRequest(t *testing.T, s *Server, method, path, userID string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	if userID != "" {
		r.Header.Set(auth.HeaderUserID, userID)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, r)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if w := doRequest(t, s, http.MethodGet, "/healthz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("healthz: %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodGet, "/readyz", "", ""); w.Code != http.StatusOK {
		t.Fatalf("readyz: %d", w.Code)
	}
	w := doRequest(t, s, http.MethodGet, "/version", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("version: %d", w.Code)
	}
	if body := decodeBody(t, w); body["commit"] != "test" {
		t.Fatalf("version body: %v", body)
	}

	s.ready.Store(false)
	if w := doRequest(t, s, http.MethodGet, "/readyz", "", ""); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz after shutdown start: %d", w.Code)
	}
}

func TestCreateSession_Authorization(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if w := doRequest(t, s, http.MethodPost, "/sessions", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous create: %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodPost, "/sessions", strangerID, ""); w.Code != http.StatusForbidden {
		t.Fatalf("stranger create: %d", w.Code)
	}

	w := doRequest(t, s, http.MethodPost, "/sessions", allowedID, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("allowed create: %d, body %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	id, _ := body["id"].(string)
	if !session.ValidID(id) {
		t.Fatalf("created session id %q has the wrong shape", id)
	}
	if body["max_peers"].(float64) != float64(session.DefaultMaxPeers) {
		t.Fatalf("default max_peers: %v", body["max_peers"])
	}
}

func TestCreateSession_BodyValidation(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := doRequest(t, s, http.MethodPost, "/sessions", allowedID, `{"max_peers": 4}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create with max_peers: %d, body %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["max_peers"].(float64) != 4 {
		t.Fatalf("max_peers: %v", body["max_peers"])
	}

	if w := doRequest(t, s, http.MethodPost, "/sessions", allowedID, `{"max_peers": 50}`); w.Code != http.StatusBadRequest {
		t.Fatalf("out-of-range max_peers: %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodPost, "/sessions", allowedID, `{"peers": 3}`); w.Code != http.StatusBadRequest {
		t.Fatalf("unknown body field: %d", w.Code)
	}
}

func TestCreateSession_RateLimited(t *testing.T) {
	limits := ratelimit.DefaultLimits()
	limits[ratelimit.PolicySessionCreate] = ratelimit.Limits{MaxRequests: 1, Window: time.Hour}
	s, _ := newTestServer(t, limits)

	if w := doRequest(t, s, http.MethodPost, "/sessions", allowedID, ""); w.Code != http.StatusCreated {
		t.Fatalf("first create: %d", w.Code)
	}

	w := doRequest(t, s, http.MethodPost, "/sessions", allowedID, "")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second create: %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("429 must carry Retry-After")
	}
	if body := decodeBody(t, w); !strings.Contains(body["error"].(string), "Rate limit exceeded") {
		t.Fatalf("429 body: %v", body)
	}
}

func TestGetSession(t *testing.T) {
	s, registry := newTestServer(t, nil)
	snap, err := registry.Create(adminID, 4)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	w := doRequest(t, s, http.MethodGet, "/sessions/"+snap.ID, "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("lookup: %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["exists"] != true || body["max_peers"].(float64) != 4 || body["peer_count"].(float64) != 0 {
		t.Fatalf("summary: %v", body)
	}
	if _, leaked := body["id"]; leaked {
		t.Fatalf("public lookup must not echo the session ID capability")
	}

	if w := doRequest(t, s, http.MethodGet, "/sessions/zzzzzzzzzzzzzzzzzzzzzz", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session: %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodGet, "/sessions/short", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("malformed id: %d", w.Code)
	}
}

func TestICEServers(t *testing.T) {
	s, _ := newTestServer(t, nil)
	servers, err := config.ParseICEServersJSON(`[{"urls": "stun:stun.example.org:3478"}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	s.cfg.ICEServers = servers

	w := doRequest(t, s, http.MethodGet, "/ice-servers", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ice-servers: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "stun:stun.example.org:3478") {
		t.Fatalf("ice-servers body: %s", w.Body.String())
	}
}

func TestAuthMe(t *testing.T) {
	s, _ := newTestServer(t, nil)

	if w := doRequest(t, s, http.MethodGet, "/auth/me", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous me: %d", w.Code)
	}

	w := doRequest(t, s, http.MethodGet, "/auth/me", adminID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("admin me: %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["user_id"] != adminID || body["is_admin"] != true || body["is_allowed"] != true {
		t.Fatalf("admin principal: %v", body)
	}

	w = doRequest(t, s, http.MethodGet, "/auth/me", strangerID, "")
	body = decodeBody(t, w)
	if body["is_allowed"] != false || body["is_admin"] != false {
		t.Fatalf("stranger principal: %v", body)
	}
}

func TestAdminUserCRUD(t *testing.T) {
	s, _ := newTestServer(t, nil)
	target := "100000000000000007"

	if w := doRequest(t, s, http.MethodGet, "/admin/users", allowedID, ""); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin list: %d", w.Code)
	}

	if w := doRequest(t, s, http.MethodPost, "/admin/users/not-an-id", adminID, ""); w.Code != http.StatusBadRequest {
		t.Fatalf("malformed add: %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodPost, "/admin/users/"+target, adminID, ""); w.Code != http.StatusOK {
		t.Fatalf("add: %d", w.Code)
	}

	w := doRequest(t, s, http.MethodGet, "/admin/users", adminID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), target) {
		t.Fatalf("list body missing new user: %s", w.Body.String())
	}

	if w := doRequest(t, s, http.MethodDelete, "/admin/users/"+adminID, adminID, ""); w.Code != http.StatusForbidden {
		t.Fatalf("removing an admin: %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodDelete, "/admin/users/"+target, adminID, ""); w.Code != http.StatusOK {
		t.Fatalf("remove: %d", w.Code)
	}
	if w := doRequest(t, s, http.MethodDelete, "/admin/users/"+target, adminID, ""); w.Code != http.StatusNotFound {
		t.Fatalf("remove of absent user: %d", w.Code)
	}
}
