// Package wire defines the envelope carried on every overlay connection and the
// length-prefixed framing used to delimit envelopes on a byte stream.
//
// Each frame is an unsigned varint length followed by that many bytes of a UTF-8
// JSON object. The object always carries a "protocol" tag that receivers use to
// decide whether the message is theirs.
package wire

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

// Protocol tags understood by the overlay.
const (
	ProtocolIdentify  = "/identify/0.0.0"
	ProtocolHeartbeat = "/_hb_"
	ProtocolRPC       = "/rpc/0.1.0"
	ProtocolGossip    = "/gossip/0.1.0"
)

// MaxFrameSize bounds a single decoded frame.
const MaxFrameSize = 10 << 20

var (
	// ErrFrameTooLarge reports a frame whose declared length exceeds the limit.
	// The frame body has already been skipped when this is returned.
	ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")
	// ErrFrameLength reports a declared length that cannot be skipped. The
	// stream is no longer aligned and must be closed.
	ErrFrameLength = errors.New("wire: frame length out of range")
	// ErrMissingProtocol reports an envelope without a protocol tag.
	ErrMissingProtocol = errors.New("wire: envelope missing protocol")
)

// Tagged is implemented by envelopes that know their protocol tag.
type Tagged interface {
	ProtocolTag() string
}

// ProtocolOf returns the protocol tag of an outbound envelope, or "other"
// when v does not expose one.
func ProtocolOf(v any) string {
	if t, ok := v.(Tagged); ok {
		return t.ProtocolTag()
	}
	return "other"
}

// Message is a decoded envelope: its protocol tag plus the raw JSON object.
type Message struct {
	Protocol string
	Raw      json.RawMessage
}

// Decode parses a frame payload into a Message.
func Decode(payload []byte) (*Message, error) {
	var header struct {
		Protocol string `json:"protocol"`
	}
	if err := json.Unmarshal(payload, &header); err != nil {
		return nil, fmt.Errorf("wire: decode envelope: %w", err)
	}
	if header.Protocol == "" {
		return nil, ErrMissingProtocol
	}
	raw := make(json.RawMessage, len(payload))
	copy(raw, payload)
	return &Message{Protocol: header.Protocol, Raw: raw}, nil
}

// ProtocolTag implements Tagged.
func (m *Message) ProtocolTag() string { return m.Protocol }

// Unmarshal decodes the full envelope into a protocol specific structure.
func (m *Message) Unmarshal(v any) error {
	if m == nil {
		return fmt.Errorf("wire: nil message")
	}
	return json.Unmarshal(m.Raw, v)
}

// Encode serialises an envelope. The value must marshal to a JSON object that
// carries a protocol field.
func Encode(v any) ([]byte, error) {
	if msg, ok := v.(*Message); ok {
		return append([]byte(nil), msg.Raw...), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("wire: encode envelope: %w", err)
	}
	return data, nil
}

// AppendFrame appends the length-prefixed frame for payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes a single length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	_, err := w.Write(AppendFrame(make([]byte, 0, len(payload)+binary.MaxVarintLen64), payload))
	return err
}

// ReadFrame reads one frame. Frames larger than max are consumed and discarded
// so that the stream stays aligned, and ErrFrameTooLarge is returned. A length
// beyond math.MaxInt64 yields ErrFrameLength.
func ReadFrame(r *bufio.Reader, max int) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if size > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d", ErrFrameLength, size)
	}
	if max > 0 && size > uint64(max) {
		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, max)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// Identify is the first envelope exchanged on every connection.
type Identify struct {
	Protocol string `json:"protocol"`
	ID       string `json:"id"`
}

// NewIdentify builds an identify envelope for the local node id.
func NewIdentify(id string) Identify {
	return Identify{Protocol: ProtocolIdentify, ID: id}
}

// Heartbeat keeps an idle stream open. It carries no payload.
type Heartbeat struct {
	Protocol string `json:"protocol"`
}

// NewHeartbeat builds a heartbeat envelope.
func NewHeartbeat() Heartbeat {
	return Heartbeat{Protocol: ProtocolHeartbeat}
}

// ProtocolTag implements Tagged.
func (i Identify) ProtocolTag() string { return i.Protocol }

// ProtocolTag implements Tagged.
func (h Heartbeat) ProtocolTag() string { return h.Protocol }
