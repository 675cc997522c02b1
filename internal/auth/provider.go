package auth

import (
	"log/slog"
	"net/http"
	"strings"
)

// Headers set by the identity middleware in front of this service. They are
// only trustworthy because the reverse proxy strips them from client traffic
// before injecting its own values.
const (
	HeaderUserID   = "X-Sendie-User-Id"
	HeaderUsername = "X-Sendie-Username"
	HeaderAvatar   = "X-Sendie-Avatar"
)

// Provider extracts the authenticated principal from a request. Extraction
// never fails: a request that carries no usable claim is anonymous.
type Provider interface {
	Identify(r *http.Request) Identity
}

// HeaderProvider reads the trusted identity headers. A user ID that does not
// match the upstream provider's shape is discarded rather than passed through.
type HeaderProvider struct {
	Log *slog.Logger
}

func (p HeaderProvider) Identify(r *http.Request) Identity {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		return Identity{}
	}
	if !ValidUserID(userID) {
		if p.Log != nil {
			p.Log.Warn("discarding malformed identity header", "user_id", userID)
		}
		return Identity{}
	}
	return Identity{
		UserID:    userID,
		Username:  strings.TrimSpace(r.Header.Get(HeaderUsername)),
		AvatarURL: strings.TrimSpace(r.Header.Get(HeaderAvatar)),
	}
}
