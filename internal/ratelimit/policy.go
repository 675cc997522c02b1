package ratelimit

import "time"

// Policy identifies one rate-limited surface of the service.
type Policy string

const (
	PolicySessionCreate    Policy = "session_create"
	PolicySessionJoin      Policy = "session_join"
	PolicySignalingMessage Policy = "signaling_message"
	PolicyIceCandidate     Policy = "ice_candidate"
)

// Limits is the per-policy quota: at most MaxRequests within Window.
type Limits struct {
	MaxRequests int
	Window      time.Duration
}

// DefaultLimits returns the built-in quota table. The policy set is closed;
// unknown policies are a programming error and Check panics on them.
func DefaultLimits() map[Policy]Limits {
	return map[Policy]Limits{
		PolicySessionCreate:    {MaxRequests: 10, Window: time.Hour},
		PolicySessionJoin:      {MaxRequests: 30, Window: time.Minute},
		PolicySignalingMessage: {MaxRequests: 100, Window: time.Second},
		PolicyIceCandidate:     {MaxRequests: 200, Window: time.Second},
	}
}
