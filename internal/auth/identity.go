package auth

import (
	"context"
	"regexp"
)

// Identity is the principal established by the upstream identity layer.
// A zero UserID means the request is anonymous.
type Identity struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url"`
}

func (id Identity) IsAnonymous() bool { return id.UserID == "" }

// discordIDPattern is the identifier shape of the current upstream provider:
// a snowflake rendered as 17 to 19 decimal digits.
var discordIDPattern = regexp.MustCompile(`^[0-9]{17,19}$`)

func ValidUserID(id string) bool {
	return discordIDPattern.MatchString(id)
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext returns the identity stored by the provider middleware, or the
// anonymous identity when none was stored.
func FromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(contextKey{}).(Identity)
	return id
}
