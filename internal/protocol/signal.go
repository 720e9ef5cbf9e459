// Package protocol describes the signalling messages the peers exchange
// through the relay.
//
// The relay itself forwards frames without reading them; this package is
// only used by peer-side tooling. Every message is one JSON object with a
// "type" discriminator. The producer sends an SDP offer as a plain string,
// the browser answers with its full session description object, and both
// sides trickle ICE candidates.
package protocol

import "encoding/json"

// Message type discriminators.
const (
	TypeOffer           = "offer"
	TypeAnswer          = "answer"
	TypeSDP             = "sdp"
	TypeNewICECandidate = "new-ice-candidate"
)

// Signal is a decoded signalling message.
type Signal struct {
	Type string `json:"type"`

	// SDP is either a raw SDP string (producer offer) or a session
	// description object {"type":"answer","sdp":"..."} (browser answer).
	SDP json.RawMessage `json:"sdp,omitempty"`

	// ICE is set by the producer, Candidate by the browser. Both carry
	// the same fields.
	ICE       *ICECandidate `json:"ice,omitempty"`
	Candidate *ICECandidate `json:"candidate,omitempty"`
}

// ICECandidate is a trickled ICE candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int    `json:"sdpMLineIndex,omitempty"`
}

// SessionDescription is the object form of the SDP field.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Parse decodes a signalling message.
func Parse(data []byte) (Signal, error) {
	var s Signal
	err := json.Unmarshal(data, &s)
	return s, err
}

// Kind returns the type discriminator of data, or "" if data is not a JSON
// object with a string type field.
func Kind(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &probe) != nil {
		return ""
	}
	return probe.Type
}

// Description returns the session description carried in the SDP field,
// accepting both the string and the object form. ok is false when the
// field is absent or malformed.
func (s Signal) Description() (desc SessionDescription, ok bool) {
	if len(s.SDP) == 0 {
		return SessionDescription{}, false
	}
	var raw string
	if json.Unmarshal(s.SDP, &raw) == nil {
		typ := s.Type
		if typ == TypeSDP {
			typ = TypeAnswer
		}
		return SessionDescription{Type: typ, SDP: raw}, true
	}
	if json.Unmarshal(s.SDP, &desc) == nil && desc.SDP != "" {
		return desc, true
	}
	return SessionDescription{}, false
}

// ICECandidate returns whichever candidate field is set.
func (s Signal) ICECandidate() *ICECandidate {
	if s.ICE != nil {
		return s.ICE
	}
	return s.Candidate
}
