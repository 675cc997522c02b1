package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"regexp"
)

// idPattern matches exactly the shape NewID produces: 16 bytes of entropy,
// base64url without padding. Anything else is treated as nonexistent, not
// malformed, so lookups never leak shape information.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{22}$`)

// NewID returns a 128-bit random session identifier. The ID is the sole
// capability for joining a session, so it must come from a CSPRNG.
func NewID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf[:]), nil
}

func ValidID(id string) bool {
	return idPattern.MatchString(id)
}
