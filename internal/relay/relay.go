// Package relay implements the signalling rendezvous: it admits WebSocket
// connections under one of two roles and forwards each message, unmodified,
// to whichever connection currently holds the opposite role.
package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/philsphicas/sigrelay/internal/metrics"
)

var (
	// ErrNoTargetConnection means the opposite role's slot was empty when a
	// message arrived.
	ErrNoTargetConnection = errors.New("no target connection")
	// ErrSendFailed wraps a transport error returned while sending to the
	// current occupant of the opposite role.
	ErrSendFailed = errors.New("send failed")
	// ErrInvalidConn is returned by Admit for a nil Conn or one whose
	// dynamic type cannot be compared with ==.
	ErrInvalidConn = errors.New("invalid connection")
)

// Message is an opaque payload together with the frame type it arrived in.
type Message struct {
	Type websocket.MessageType
	Data []byte
}

// Conn is a live connection the relay can forward messages on. The relay
// never owns a Conn; it only sends on it and compares it for identity, so
// implementations must be comparable (in practice, pointer types). Admit
// rejects any that are not.
type Conn interface {
	Send(msg Message) error
}

// ForwardOutcome reports what happened to a single message.
type ForwardOutcome struct {
	Delivered bool
	// Reason is ErrNoTargetConnection or an error wrapping ErrSendFailed
	// when the message was dropped.
	Reason error
}

func (o ForwardOutcome) String() string {
	if o.Delivered {
		return "delivered"
	}
	return fmt.Sprintf("dropped: %v", o.Reason)
}

// Relay holds the role table. The zero value is not usable; call New.
type Relay struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	slots [len(Roles)]Conn
}

// New returns a Relay with an empty role table. m may be nil.
func New(logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{logger: logger, metrics: m}
}

// Admit registers conn under the role named by label. Any previous
// occupant of that role is displaced without being closed: it stays open
// but no longer receives forwarded messages. An unrecognized label leaves
// the table untouched and returns ErrUnknownRole.
func (r *Relay) Admit(label string, conn Conn) (Role, error) {
	if !identifiable(conn) {
		r.logger.Warn("rejected connection", "client_id", label, "error", ErrInvalidConn)
		r.metrics.AdmissionError(metrics.ReasonInvalidConn)
		return 0, ErrInvalidConn
	}
	role, err := ParseRole(label)
	if err != nil {
		r.logger.Warn("rejected connection", "client_id", label, "error", err)
		r.metrics.AdmissionError(metrics.ReasonUnknownRole)
		return 0, err
	}

	r.mu.Lock()
	displaced := r.slots[role] != nil
	r.slots[role] = conn
	// The occupancy gauge is only written under mu.
	r.metrics.Admitted(role.String(), displaced)
	r.mu.Unlock()

	if displaced {
		r.logger.Info("connection admitted, previous occupant displaced", "role", role)
	} else {
		r.logger.Info("connection admitted", "role", role)
	}
	return role, nil
}

// OnMessage forwards msg from source to the current occupant of the
// opposite role. The table lock is held only while reading the target;
// the send itself happens outside it. Callers must invoke OnMessage
// sequentially per source connection to preserve ordering.
func (r *Relay) OnMessage(source Role, msg Message) ForwardOutcome {
	if !source.valid() {
		return ForwardOutcome{Reason: ErrUnknownRole}
	}
	target := source.Opposite()

	r.mu.Lock()
	conn := r.slots[target]
	r.mu.Unlock()

	if conn == nil {
		r.logger.Info("message dropped, no peer connected", "source", source, "target", target, "bytes", len(msg.Data))
		r.metrics.MessageForwarded(source.String(), metrics.OutcomeNoTarget, 0)
		return ForwardOutcome{Reason: ErrNoTargetConnection}
	}

	start := time.Now()
	err := conn.Send(msg)
	r.metrics.ObserveSendDuration(target.String(), time.Since(start).Seconds())
	if err != nil {
		r.logger.Warn("message dropped, send failed", "source", source, "target", target, "error", err)
		r.metrics.MessageForwarded(source.String(), metrics.OutcomeSendFailed, 0)
		return ForwardOutcome{Reason: fmt.Errorf("%w: %w", ErrSendFailed, err)}
	}

	r.logger.Debug("message forwarded", "source", source, "target", target, "bytes", len(msg.Data))
	r.metrics.MessageForwarded(source.String(), metrics.OutcomeDelivered, len(msg.Data))
	return ForwardOutcome{Delivered: true}
}

// OnClose clears role's slot if conn is still its occupant. A close from a
// connection that has already been displaced is ignored. It reports
// whether the slot was cleared.
func (r *Relay) OnClose(role Role, conn Conn) bool {
	if !role.valid() || !identifiable(conn) {
		return false
	}
	r.mu.Lock()
	current := r.slots[role] == conn
	if current {
		r.slots[role] = nil
		r.metrics.SetRoleOccupied(role.String(), false)
	}
	r.mu.Unlock()

	if current {
		r.logger.Info("connection closed", "role", role)
	} else {
		r.logger.Debug("superseded connection closed", "role", role)
	}
	return current
}

// Occupied reports whether role currently has a connection.
func (r *Relay) Occupied(role Role) bool {
	if !role.valid() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[role] != nil
}

// Snapshot returns the occupancy of every role, keyed by wire label.
func (r *Relay) Snapshot() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(Roles))
	for _, role := range Roles {
		out[role.String()] = r.slots[role] != nil
	}
	return out
}

// identifiable reports whether conn is non-nil and safe to compare with ==.
func identifiable(conn Conn) bool {
	return conn != nil && reflect.TypeOf(conn).Comparable()
}
