package hub

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestParseInvokeFrame(t *testing.T) {
	frame, err := ParseInvokeFrame([]byte(`{"type":"invoke","id":7,"method":"join_session","args":{"session_id":"abc"}}`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if frame.ID != 7 || frame.Method != MethodJoinSession {
		t.Fatalf("unexpected frame: %+v", frame)
	}

	var args JoinSessionArgs
	if err := decodeArgs(frame, &args); err != nil {
		t.Fatalf("decode args: %v", err)
	}
	if args.SessionID != "abc" {
		t.Fatalf("session_id = %q", args.SessionID)
	}
}

func TestParseInvokeFrame_Rejects(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", `nope`},
		{"wrong frame type", `{"type":"event","id":1,"method":"join_session"}`},
		{"unknown method", `{"type":"invoke","id":1,"method":"self_destruct"}`},
		{"unknown field", `{"type":"invoke","id":1,"method":"join_session","extra":true}`},
		{"trailing data", `{"type":"invoke","id":1,"method":"join_session"}{}`},
	}
	for _, tc := range cases {
		if _, err := ParseInvokeFrame([]byte(tc.data)); err == nil {
			t.Fatalf("%s: expected parse error", tc.name)
		}
	}
}

func TestDecodeArgs_UnknownFieldRejected(t *testing.T) {
	frame := InvokeFrame{Method: MethodSendOfferTo, Args: []byte(`{"target":"x","sdp":{"type":"offer","sdp":"v=0"},"smuggled":1}`)}
	var args OfferArgs
	if err := decodeArgs(frame, &args); err == nil {
		t.Fatalf("unknown args field should be rejected")
	}
}

func TestSDPPionRoundTrip(t *testing.T) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 test"}
	wire := SDPFromPion(desc)
	back, err := wire.ToPion()
	if err != nil {
		t.Fatalf("to pion: %v", err)
	}
	if back != desc {
		t.Fatalf("round trip changed the description: %+v", back)
	}

	if _, err := (SDP{Type: "rollback", SDP: ""}).ToPion(); err == nil {
		t.Fatalf("unsupported sdp type should be rejected")
	}
}

func TestCandidatePionRoundTrip(t *testing.T) {
	mid := "0"
	idx := uint16(1)
	init := webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
	back := CandidateFromPion(init).ToPion()
	if back.Candidate != init.Candidate || *back.SDPMid != mid || *back.SDPMLineIndex != idx {
		t.Fatalf("round trip changed the candidate: %+v", back)
	}
}
