package relay

import "errors"

// Role is the fixed category a connection is classified into at admission.
type Role int

const (
	// Producer is the media source (the GStreamer pipeline).
	Producer Role = iota
	// Consumer is the media sink (the browser).
	Consumer
)

// Wire labels carried in the client_id query parameter.
const (
	ProducerLabel = "gstreamer"
	ConsumerLabel = "browser"
)

// Roles lists every valid role.
var Roles = [...]Role{Producer, Consumer}

// ErrUnknownRole is returned when a connection presents a label that is
// not one of the recognized role identifiers.
var ErrUnknownRole = errors.New("unknown role")

// ParseRole maps a wire label to a Role. Matching is exact and
// case-sensitive.
func ParseRole(label string) (Role, error) {
	switch label {
	case ProducerLabel:
		return Producer, nil
	case ConsumerLabel:
		return Consumer, nil
	default:
		return 0, ErrUnknownRole
	}
}

// Opposite returns the role messages from r are forwarded to. An invalid
// role is returned unchanged.
func (r Role) Opposite() Role {
	switch r {
	case Producer:
		return Consumer
	case Consumer:
		return Producer
	default:
		return r
	}
}

func (r Role) valid() bool {
	return r >= 0 && int(r) < len(Roles)
}

func (r Role) String() string {
	switch r {
	case Producer:
		return ProducerLabel
	case Consumer:
		return ConsumerLabel
	default:
		return "unknown"
	}
}
