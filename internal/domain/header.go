package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Header is a lightweight projection of an Event used to record positions
// without holding the payload.
type Header struct {
	Seqno           int64     `msgpack:"seqno" json:"seqno"`
	Fragno          uint16    `msgpack:"fragno" json:"fragno"`
	LastFrag        bool      `msgpack:"last" json:"last_frag"`
	SourceID        string    `msgpack:"source" json:"source_id"`
	EpochNumber     int64     `msgpack:"epoch" json:"epoch_number"`
	EventID         string    `msgpack:"event_id" json:"event_id"`
	ShardID         string    `msgpack:"shard" json:"shard_id"`
	Timestamp       time.Time `msgpack:"ts" json:"timestamp"`
	ExtractedTstamp time.Time `msgpack:"xts" json:"extracted_timestamp"`
	EndSeqno        int64     `msgpack:"end,omitempty" json:"end_seqno,omitempty"`
}

// NoHeader is the position of a client that has never replicated.
var NoHeader = Header{Seqno: -1, EpochNumber: -1}

// HeaderOf projects an event into a Header.
func HeaderOf(e *Event) Header {
	h := Header{
		Seqno:           e.Seqno,
		Fragno:          e.Fragno,
		LastFrag:        e.LastFrag,
		SourceID:        e.SourceID,
		EpochNumber:     e.EpochNumber,
		EventID:         e.EventID,
		ShardID:         e.ShardID,
		Timestamp:       e.SourceTstamp,
		ExtractedTstamp: e.ExtractedTstamp,
	}
	if e.IsFilteredRange() {
		h.EndSeqno = e.EndSeqno()
	}
	return h
}

// LastSeqno returns the highest seqno the header accounts for, or -1 when
// it records no position.
func (h Header) LastSeqno() int64 {
	if h.Seqno < 0 {
		return -1
	}
	if h.EndSeqno > h.Seqno {
		return h.EndSeqno
	}
	return h.Seqno
}

// IsZero reports whether h records no position.
func (h Header) IsZero() bool {
	return h.Seqno < 0
}

func (h Header) String() string {
	return fmt.Sprintf("seqno=%d fragno=%d epoch=%d event_id=%q", h.Seqno, h.Fragno, h.EpochNumber, h.EventID)
}

// SeqNoRange is a snapshot of the seqnos a log store holds.
type SeqNoRange struct {
	MinSeqno int64 `msgpack:"min"`
	MaxSeqno int64 `msgpack:"max"`
}

// Empty reports whether the range holds nothing.
func (r SeqNoRange) Empty() bool {
	return r.MaxSeqno < 0
}

// CompareEventIDs orders two native event identifiers of the form
// "<file>:<offset>[;...]". Files compare as strings, offsets numerically.
// Identifiers that do not parse fall back to plain string comparison.
func CompareEventIDs(a, b string) int {
	fa, oa, okA := splitEventID(a)
	fb, ob, okB := splitEventID(b)
	if !okA || !okB {
		return strings.Compare(a, b)
	}
	if c := strings.Compare(fa, fb); c != 0 {
		return c
	}
	switch {
	case oa < ob:
		return -1
	case oa > ob:
		return 1
	default:
		return 0
	}
}

func splitEventID(id string) (string, int64, bool) {
	if i := strings.IndexByte(id, ';'); i >= 0 {
		id = id[:i]
	}
	i := strings.LastIndexByte(id, ':')
	if i < 0 {
		return "", 0, false
	}
	off, err := strconv.ParseInt(id[i+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return id[:i], off, true
}
