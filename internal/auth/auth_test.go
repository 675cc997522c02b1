package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sendie-app/sendie/internal/metrics"
)

func TestValidUserID(t *testing.T) {
	valid := []string{
		"12345678901234567",   // 17 digits
		"123456789012345678",  // 18
		"1234567890123456789", // 19
	}
	for _, id := range valid {
		if !ValidUserID(id) {
			t.Fatalf("ValidUserID(%q) = false, want true", id)
		}
	}
	invalid := []string{
		"",
		"1234567890123456",     // 16 digits
		"12345678901234567890", // 20 digits
		"12345678901234567a",
		" 123456789012345678",
		"123456789012345678\n",
	}
	for _, id := range invalid {
		if ValidUserID(id) {
			t.Fatalf("ValidUserID(%q) = true, want false", id)
		}
	}
}

func TestHeaderProvider(t *testing.T) {
	p := HeaderProvider{}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderUserID, "123456789012345678")
	r.Header.Set(HeaderUsername, "alice")
	r.Header.Set(HeaderAvatar, "https://cdn.example/a.png")

	id := p.Identify(r)
	if id.UserID != "123456789012345678" || id.Username != "alice" || id.AvatarURL != "https://cdn.example/a.png" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if id.IsAnonymous() {
		t.Fatalf("identity with a user id must not be anonymous")
	}
}

func TestHeaderProvider_MissingHeadersMeansAnonymous(t *testing.T) {
	p := HeaderProvider{}
	id := p.Identify(httptest.NewRequest(http.MethodGet, "/", nil))
	if !id.IsAnonymous() {
		t.Fatalf("no headers should yield the anonymous identity, got %+v", id)
	}
}

func TestHeaderProvider_DiscardsMalformedUserID(t *testing.T) {
	p := HeaderProvider{}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderUserID, "not-a-snowflake")
	r.Header.Set(HeaderUsername, "mallory")

	id := p.Identify(r)
	if !id.IsAnonymous() {
		t.Fatalf("malformed user id must be discarded, got %+v", id)
	}
	if id.Username != "" {
		t.Fatalf("discarded identity must carry no username, got %q", id.Username)
	}
}

type fakeRoster struct {
	allowed map[string]bool
	admins  map[string]bool
}

func (f fakeRoster) IsAllowed(id string) bool { return f.allowed[id] }
func (f fakeRoster) IsAdmin(id string) bool   { return f.admins[id] }

func policyRequest(t *testing.T, h http.Handler, userID string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if userID != "" {
		r = r.WithContext(WithIdentity(r.Context(), Identity{UserID: userID}))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRequireAllowed(t *testing.T) {
	roster := fakeRoster{
		allowed: map[string]bool{"123456789012345678": true},
	}
	m := metrics.New()
	var reached bool
	h := RequireAllowed(roster, nil, m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
	}))

	if w := policyRequest(t, h, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status %d, want 401", w.Code)
	}
	if w := policyRequest(t, h, "999999999999999999"); w.Code != http.StatusForbidden {
		t.Fatalf("not allowed: status %d, want 403", w.Code)
	}
	if reached {
		t.Fatalf("handler must not run for denied requests")
	}
	if got := m.Get(metrics.AuthFailure); got != 2 {
		t.Fatalf("auth_failure count = %d, want 2", got)
	}

	if w := policyRequest(t, h, "123456789012345678"); w.Code != http.StatusOK {
		t.Fatalf("allowed: status %d, want 200", w.Code)
	}
	if !reached {
		t.Fatalf("handler should run for an allowed principal")
	}
}

func TestRequireAdmin(t *testing.T) {
	roster := fakeRoster{
		allowed: map[string]bool{"123456789012345678": true, "111111111111111111": true},
		admins:  map[string]bool{"111111111111111111": true},
	}
	h := RequireAdmin(roster, nil, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	if w := policyRequest(t, h, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous: status %d, want 401", w.Code)
	}
	w := policyRequest(t, h, "123456789012345678")
	if w.Code != http.StatusForbidden {
		t.Fatalf("allowed non-admin: status %d, want 403", w.Code)
	}
	if body := w.Body.String(); !strings.Contains(body, "Admin access required") {
		t.Fatalf("denial body %q missing reason", body)
	}
	if w := policyRequest(t, h, "111111111111111111"); w.Code != http.StatusOK {
		t.Fatalf("admin: status %d, want 200", w.Code)
	}
}

func TestMiddleware_StoresIdentity(t *testing.T) {
	var got Identity
	h := Middleware(HeaderProvider{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(HeaderUserID, "123456789012345678")
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got.UserID != "123456789012345678" {
		t.Fatalf("identity not propagated through context: %+v", got)
	}
}
