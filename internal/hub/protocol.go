package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Method names a client may invoke over the signaling channel. The set is
// closed; anything else is a malformed frame.
type Method string

const (
	MethodJoinSession            Method = "join_session"
	MethodLeaveSession           Method = "leave_session"
	MethodSendOfferTo            Method = "send_offer_to"
	MethodSendAnswerTo           Method = "send_answer_to"
	MethodSendIceCandidateTo     Method = "send_ice_candidate_to"
	MethodSendPublicKeyTo        Method = "send_public_key_to"
	MethodReportConnEstablished  Method = "report_connection_established"
	MethodReportConnClosed       Method = "report_connection_closed"
	MethodLockSession            Method = "lock_session"
	MethodUnlockSession          Method = "unlock_session"
	MethodKickPeer               Method = "kick_peer"
	MethodEnableHostOnlySending  Method = "enable_host_only_sending"
	MethodDisableHostOnlySending Method = "disable_host_only_sending"
)

// Event names the hub pushes to clients.
type Event string

const (
	EventPeerJoined              Event = "on_peer_joined"
	EventPeerLeft                Event = "on_peer_left"
	EventOffer                   Event = "on_offer"
	EventAnswer                  Event = "on_answer"
	EventIceCandidate            Event = "on_ice_candidate"
	EventPublicKey               Event = "on_public_key"
	EventSessionLocked           Event = "on_session_locked"
	EventSessionUnlocked         Event = "on_session_unlocked"
	EventKicked                  Event = "on_kicked"
	EventHostOnlySendingEnabled  Event = "on_host_only_sending_enabled"
	EventHostOnlySendingDisabled Event = "on_host_only_sending_disabled"
)

// SDP is the wire form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of a trickled ICE candidate.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdp_mid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdp_m_line_index,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

// InvokeFrame is a client request. ID is echoed on the matching ResultFrame.
type InvokeFrame struct {
	Type   string          `json:"type"`
	ID     int64           `json:"id"`
	Method Method          `json:"method"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// ResultFrame answers one InvokeFrame.
type ResultFrame struct {
	Type    string `json:"type"`
	ID      int64  `json:"id"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// EventFrame is an unsolicited server push.
type EventFrame struct {
	Type  string `json:"type"`
	Event Event  `json:"event"`
	Args  any    `json:"args,omitempty"`
}

type JoinSessionArgs struct {
	SessionID string `json:"session_id"`
}

// JoinSessionResult tells the joiner who is already present. Only the joiner
// learns the existing peers; that asymmetry is what prevents offer glare.
type JoinSessionResult struct {
	Self              string   `json:"self"`
	IsInitiatorRole   bool     `json:"is_initiator_role"`
	ExistingPeers     []string `json:"existing_peers"`
	IsHost            bool     `json:"is_host"`
	HostConnHandle    string   `json:"host_connection_handle,omitempty"`
	IsLocked          bool     `json:"is_locked"`
	IsHostOnlySending bool     `json:"is_host_only_sending"`
}

type OfferArgs struct {
	Target string `json:"target"`
	SDP    SDP    `json:"sdp"`
}

type IceCandidateArgs struct {
	Target string `json:"target"`
	Candidate
}

type PublicKeyArgs struct {
	Target string `json:"target"`
	Key    string `json:"key"`
}

type PeerArgs struct {
	Target string `json:"target"`
}

type PeerEvent struct {
	Handle string `json:"handle"`
}

type OfferEvent struct {
	From string `json:"from"`
	SDP  SDP    `json:"sdp"`
}

type IceCandidateEvent struct {
	From string `json:"from"`
	Candidate
}

type PublicKeyEvent struct {
	From string `json:"from"`
	Key  string `json:"key"`
}

// ParseInvokeFrame strictly decodes a client frame. Unknown fields, trailing
// data, and unknown methods are all rejected.
func ParseInvokeFrame(data []byte) (InvokeFrame, error) {
	var frame InvokeFrame
	if err := decodeStrictJSON(data, &frame); err != nil {
		return InvokeFrame{}, err
	}
	if frame.Type != "invoke" {
		return InvokeFrame{}, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	switch frame.Method {
	case MethodJoinSession, MethodLeaveSession,
		MethodSendOfferTo, MethodSendAnswerTo, MethodSendIceCandidateTo, MethodSendPublicKeyTo,
		MethodReportConnEstablished, MethodReportConnClosed,
		MethodLockSession, MethodUnlockSession, MethodKickPeer,
		MethodEnableHostOnlySending, MethodDisableHostOnlySending:
	default:
		return InvokeFrame{}, fmt.Errorf("unsupported method %q", frame.Method)
	}
	return frame, nil
}

func decodeArgs(frame InvokeFrame, v any) error {
	raw := frame.Args
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := decodeStrictJSON(raw, v); err != nil {
		return fmt.Errorf("invalid args for %s: %w", frame.Method, err)
	}
	return nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
