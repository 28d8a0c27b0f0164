package protocol

import (
	"strconv"

	"github.com/bft-labs/thlship/internal/domain"
)

// Kind is the one-byte discriminant written first in every frame.
type Kind byte

const (
	KindHandshake Kind = iota + 1
	KindHandshakeResponse
	KindOK
	KindNOK
	KindEventRequest
	KindEvent
	KindHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "Handshake"
	case KindHandshakeResponse:
		return "HandshakeResponse"
	case KindOK:
		return "OK"
	case KindNOK:
		return "NOK"
	case KindEventRequest:
		return "EventRequest"
	case KindEvent:
		return "Event"
	case KindHeartbeat:
		return "Heartbeat"
	default:
		return "Kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Message is one of the protocol messages. The set is closed: only the
// types in this file implement it.
type Message interface {
	Kind() Kind
	message()
}

// Capability names advertised by the server in Handshake.
const (
	CapSourceID = "source_id"
	CapRole     = "role"
	CapVersion  = "version"
	CapMinSeqno = "min_seqno"
	CapMaxSeqno = "max_seqno"
)

// Option names supplied by the client in HandshakeResponse.
const (
	OptSourceID    = "source_id"
	OptRMIHost     = "rmi_host"
	OptRMIPort     = "rmi_port"
	OptEventID     = "extract_from_id"
	OptCompression = "compression"
)

// CompressionSnappy is the only supported value of OptCompression.
const CompressionSnappy = "snappy"

// Version is the protocol version advertised by this implementation.
const Version = "1"

// Handshake opens a session. The server sends it first.
type Handshake struct {
	Capabilities map[string]string `msgpack:"caps"`
}

// NewHandshake builds a Handshake from the server's identity and log range.
func NewHandshake(sourceID, role string, r domain.SeqNoRange) *Handshake {
	return &Handshake{Capabilities: map[string]string{
		CapSourceID: sourceID,
		CapRole:     role,
		CapVersion:  Version,
		CapMinSeqno: strconv.FormatInt(r.MinSeqno, 10),
		CapMaxSeqno: strconv.FormatInt(r.MaxSeqno, 10),
	}}
}

// Capability returns a capability value or "".
func (h *Handshake) Capability(name string) string {
	if h.Capabilities == nil {
		return ""
	}
	return h.Capabilities[name]
}

// Role returns the advertised replication role.
func (h *Handshake) Role() string { return h.Capability(CapRole) }

// SourceID returns the advertised server identity.
func (h *Handshake) SourceID() string { return h.Capability(CapSourceID) }

// Range returns the advertised seqno range, -1 for unknown bounds.
func (h *Handshake) Range() domain.SeqNoRange {
	return domain.SeqNoRange{
		MinSeqno: parseSeqno(h.Capability(CapMinSeqno)),
		MaxSeqno: parseSeqno(h.Capability(CapMaxSeqno)),
	}
}

// HandshakeResponse is the client's reply to Handshake, declaring its
// position.
type HandshakeResponse struct {
	SourceID        string            `msgpack:"source_id"`
	LastEpochNumber int64             `msgpack:"epoch"`
	LastSeqno       int64             `msgpack:"seqno"`
	HeartbeatMillis int64             `msgpack:"heartbeat_ms"`
	Options         map[string]string `msgpack:"opts"`
}

// Option returns an option value or "".
func (r *HandshakeResponse) Option(name string) string {
	if r.Options == nil {
		return ""
	}
	return r.Options[name]
}

// HasPosition reports whether the client declared a position to validate.
func (r *HandshakeResponse) HasPosition() bool {
	return r.LastSeqno >= 0 || r.Option(OptEventID) != ""
}

// OK accepts a handshake.
type OK struct {
	Range domain.SeqNoRange `msgpack:"range"`
}

// NOK rejects a handshake or reports a fatal session error.
type NOK struct {
	Reason string `msgpack:"reason"`
}

// EventRequest asks for up to PrefetchRange transactions from Seqno.
type EventRequest struct {
	Seqno         int64 `msgpack:"seqno"`
	PrefetchRange int   `msgpack:"prefetch"`
}

// Event carries one or more log records.
type Event struct {
	Records []*domain.Event `msgpack:"records"`
}

// Heartbeat keeps an idle session alive. Readers drop it.
type Heartbeat struct{}

func (*Handshake) Kind() Kind         { return KindHandshake }
func (*HandshakeResponse) Kind() Kind { return KindHandshakeResponse }
func (*OK) Kind() Kind                { return KindOK }
func (*NOK) Kind() Kind               { return KindNOK }
func (*EventRequest) Kind() Kind      { return KindEventRequest }
func (*Event) Kind() Kind             { return KindEvent }
func (*Heartbeat) Kind() Kind         { return KindHeartbeat }

func (*Handshake) message()         {}
func (*HandshakeResponse) message() {}
func (*OK) message()                {}
func (*NOK) message()               {}
func (*EventRequest) message()      {}
func (*Event) message()             {}
func (*Heartbeat) message()         {}

func parseSeqno(s string) int64 {
	if s == "" {
		return -1
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return -1
	}
	return v
}
