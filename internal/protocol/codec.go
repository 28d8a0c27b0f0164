package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/bft-labs/thlship/internal/domain"
)

// MaxFrameSize bounds a single frame.
const MaxFrameSize = 64 << 20

// compressedFlag is set in the kind byte when the body is snappy-compressed.
const compressedFlag = 0x80

// WriteFrame writes a 4-byte big-endian length followed by payload.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r *bufio.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(header[:])
	if sz == 0 {
		return nil, domain.NewProtocolError("empty frame")
	}
	if sz > MaxFrameSize {
		return nil, domain.NewProtocolError("frame too large: %d", sz)
	}
	payload := make([]byte, int(sz))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// Marshal encodes m as a frame payload: the kind byte then the msgpack body,
// snappy-compressed when compress is set.
func Marshal(m Message, compress bool) ([]byte, error) {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Kind(), err)
	}
	kind := byte(m.Kind())
	if compress {
		body = snappy.Encode(nil, body)
		kind |= compressedFlag
	}
	payload := make([]byte, 1+len(body))
	payload[0] = kind
	copy(payload[1:], body)
	return payload, nil
}

// Unmarshal decodes a frame payload produced by Marshal.
func Unmarshal(payload []byte) (Message, error) {
	if len(payload) == 0 {
		return nil, domain.NewProtocolError("empty payload")
	}
	kind := Kind(payload[0] &^ compressedFlag)
	body := payload[1:]
	if payload[0]&compressedFlag != 0 {
		var err error
		body, err = snappy.Decode(nil, body)
		if err != nil {
			return nil, domain.NewProtocolError("corrupt compressed %s frame: %v", kind, err)
		}
	}

	var m Message
	switch kind {
	case KindHandshake:
		m = &Handshake{}
	case KindHandshakeResponse:
		m = &HandshakeResponse{}
	case KindOK:
		m = &OK{}
	case KindNOK:
		m = &NOK{}
	case KindEventRequest:
		m = &EventRequest{}
	case KindEvent:
		m = &Event{}
	case KindHeartbeat:
		return &Heartbeat{}, nil
	default:
		return nil, domain.NewProtocolError("unknown message kind %d", payload[0])
	}
	if err := msgpack.Unmarshal(body, m); err != nil {
		return nil, domain.NewProtocolError("malformed %s: %v", kind, err)
	}
	normalize(m)
	return m, nil
}

// normalize replaces nil maps so older peers that omit them still decode to
// empty capabilities and options.
func normalize(m Message) {
	switch v := m.(type) {
	case *Handshake:
		if v.Capabilities == nil {
			v.Capabilities = map[string]string{}
		}
	case *HandshakeResponse:
		if v.Options == nil {
			v.Options = map[string]string{}
		}
	}
}
