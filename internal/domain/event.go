package domain

import (
	"fmt"
	"time"
)

// PayloadKind identifies what a log record carries.
type PayloadKind uint8

const (
	// PayloadData is a regular replication event (row or statement changes).
	PayloadData PayloadKind = iota

	// PayloadEmpty is a no-op marker. Distributors discard it.
	PayloadEmpty

	// PayloadHeartbeat is a heartbeat marker written into the log.
	PayloadHeartbeat

	// PayloadFilteredRange collapses seqnos [Seqno, EndSeqno] into one record.
	PayloadFilteredRange
)

// String returns the payload kind name.
func (k PayloadKind) String() string {
	switch k {
	case PayloadData:
		return "data"
	case PayloadEmpty:
		return "empty"
	case PayloadHeartbeat:
		return "heartbeat"
	case PayloadFilteredRange:
		return "filtered"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Payload is the opaque body of a log record.
type Payload struct {
	Kind PayloadKind `msgpack:"k"`

	// Data holds the serialized row or statement changes.
	Data []byte `msgpack:"d,omitempty"`

	// Metadata carries string options attached by the extractor,
	// e.g. "critical" or "service".
	Metadata map[string]string `msgpack:"m,omitempty"`

	// EndSeqno is the last seqno covered by a filtered range.
	EndSeqno int64 `msgpack:"e,omitempty"`
}

// Event is one record of the transaction history log. A transaction is one
// or more events sharing Seqno; the event with LastFrag set commits it.
// Events are immutable once stored.
type Event struct {
	Seqno           int64     `msgpack:"seqno"`
	Fragno          uint16    `msgpack:"fragno"`
	LastFrag        bool      `msgpack:"last"`
	SourceID        string    `msgpack:"source"`
	EpochNumber     int64     `msgpack:"epoch"`
	SourceTstamp    time.Time `msgpack:"ts"`
	ExtractedTstamp time.Time `msgpack:"xts"`
	EventID         string    `msgpack:"event_id"`
	ShardID         string    `msgpack:"shard"`
	Payload         Payload   `msgpack:"payload"`
}

// IsEmpty reports whether the event carries no work for an applier.
func (e *Event) IsEmpty() bool {
	return e.Payload.Kind == PayloadEmpty || e.Payload.Kind == PayloadHeartbeat
}

// IsFilteredRange reports whether the event stands for a collapsed range.
func (e *Event) IsFilteredRange() bool {
	return e.Payload.Kind == PayloadFilteredRange
}

// EndSeqno returns the last seqno this event covers.
func (e *Event) EndSeqno() int64 {
	if e.IsFilteredRange() && e.Payload.EndSeqno > e.Seqno {
		return e.Payload.EndSeqno
	}
	return e.Seqno
}

// TransactionCount is the number of transactions a committing event
// accounts for: the width of a filtered range, otherwise 1.
func (e *Event) TransactionCount() int64 {
	return e.EndSeqno() - e.Seqno + 1
}

// Header returns the position projection of the event.
func (e *Event) Header() Header {
	return HeaderOf(e)
}

// Metadata returns a metadata value or "".
func (e *Event) Metadata(key string) string {
	if e.Payload.Metadata == nil {
		return ""
	}
	return e.Payload.Metadata[key]
}

// NewFilteredRange builds a synthetic event covering seqnos [from, to].
func NewFilteredRange(from, to int64, sourceID string, epoch int64) *Event {
	now := time.Now()
	return &Event{
		Seqno:           from,
		LastFrag:        true,
		SourceID:        sourceID,
		EpochNumber:     epoch,
		SourceTstamp:    now,
		ExtractedTstamp: now,
		Payload: Payload{
			Kind:     PayloadFilteredRange,
			EndSeqno: to,
		},
	}
}
