// internal/proto/message.go
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"meshtrust/internal/classify"
	"meshtrust/internal/crypto"
)

// -----------------------------------------------------------------------------
// WireMessage layout (big endian, fixed width header):
//
//	version   u8
//	type      u8
//	class     u8
//	sender    [8]  fingerprint
//	timestamp i64  unix milliseconds
//	nonce     [16]
//	sequence  u64
//	length    u32  payload length
//	payload   [length]
//	signature [64] ed25519 over SHA3-256(label || header || payload)
// -----------------------------------------------------------------------------

const (
	Version = 1

	NonceSize     = 16
	HeaderSize    = 1 + 1 + 1 + crypto.FingerprintSize + 8 + NonceSize + 8 + 4
	MaxPayload    = MaxFrameSize - HeaderSize - crypto.SignatureSize
	MinMessageLen = HeaderSize + crypto.SignatureSize

	MessageLabel = "meshtrust:msg:v1"
)

var (
	ErrMalformed        = errors.New("malformed message")
	ErrUnsupportedVer   = errors.New("unsupported message version")
	ErrRawOnWire        = errors.New("raw data cannot be encoded for the wire")
	ErrPayloadTooLarge  = errors.New("payload too large")
	ErrUnknownMsgType   = errors.New("unknown message type")
	ErrClassTypeInvalid = errors.New("classification not valid for message type")
)

type MsgType uint8

const (
	TypePush      MsgType = 1 // share a summary (L1)
	TypeQuery     MsgType = 2 // request data at the header classification
	TypeResponse  MsgType = 3
	TypeError     MsgType = 4 // generic refusal, no detail
	TypeRotation  MsgType = 5 // carries an Endorsement
	TypeHeartbeat MsgType = 6
)

func (t MsgType) String() string {
	switch t {
	case TypePush:
		return "push"
	case TypeQuery:
		return "query"
	case TypeResponse:
		return "response"
	case TypeError:
		return "error"
	case TypeRotation:
		return "rotation"
	case TypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func (t MsgType) Valid() bool { return t >= TypePush && t <= TypeHeartbeat }

// IsControl reports whether messages of this type carry no usage data.
func (t MsgType) IsControl() bool {
	return t == TypeRotation || t == TypeHeartbeat || t == TypeError
}

type WireMessage struct {
	Version   uint8
	Type      MsgType
	Class     classify.Classification
	Sender    crypto.Fingerprint
	Timestamp int64 // unix ms
	Nonce     [NonceSize]byte
	Sequence  uint64
	Payload   []byte
	Signature [crypto.SignatureSize]byte
}

func checkClass(t MsgType, c classify.Classification) error {
	if c == classify.Raw {
		return ErrRawOnWire
	}
	if !c.Valid() {
		return fmt.Errorf("%w: %s", ErrMalformed, c)
	}
	if t.IsControl() != (c == classify.Control) {
		return fmt.Errorf("%w: %s/%s", ErrClassTypeInvalid, t, c)
	}
	return nil
}

func (m *WireMessage) putHeader(dst []byte) {
	dst[0] = m.Version
	dst[1] = uint8(m.Type)
	dst[2] = uint8(m.Class)
	off := 3
	off += copy(dst[off:], m.Sender[:])
	binary.BigEndian.PutUint64(dst[off:], uint64(m.Timestamp))
	off += 8
	off += copy(dst[off:], m.Nonce[:])
	binary.BigEndian.PutUint64(dst[off:], m.Sequence)
	off += 8
	binary.BigEndian.PutUint32(dst[off:], uint32(len(m.Payload)))
}

// SigningBytes is everything the signature covers, excluding the label.
func (m *WireMessage) SigningBytes() []byte {
	out := make([]byte, HeaderSize+len(m.Payload))
	m.putHeader(out)
	copy(out[HeaderSize:], m.Payload)
	return out
}

func (m *WireMessage) Validate() error {
	if m.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVer, m.Version)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownMsgType, uint8(m.Type))
	}
	if len(m.Payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	return checkClass(m.Type, m.Class)
}

func EncodeMessage(m *WireMessage) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	out := make([]byte, HeaderSize+len(m.Payload)+crypto.SignatureSize)
	m.putHeader(out)
	copy(out[HeaderSize:], m.Payload)
	copy(out[HeaderSize+len(m.Payload):], m.Signature[:])
	return out, nil
}

func DecodeMessage(b []byte) (*WireMessage, error) {
	if len(b) < MinMessageLen {
		return nil, fmt.Errorf("%w: short message (%d bytes)", ErrMalformed, len(b))
	}
	m := &WireMessage{
		Version: b[0],
		Type:    MsgType(b[1]),
		Class:   classify.Classification(b[2]),
	}
	off := 3
	off += copy(m.Sender[:], b[off:])
	m.Timestamp = int64(binary.BigEndian.Uint64(b[off:]))
	off += 8
	off += copy(m.Nonce[:], b[off:off+NonceSize])
	m.Sequence = binary.BigEndian.Uint64(b[off:])
	off += 8
	n := binary.BigEndian.Uint32(b[off:])
	off += 4
	if uint64(n) != uint64(len(b)-HeaderSize-crypto.SignatureSize) {
		return nil, fmt.Errorf("%w: length field %d does not match body", ErrMalformed, n)
	}
	m.Payload = append([]byte(nil), b[off:off+int(n)]...)
	off += int(n)
	copy(m.Signature[:], b[off:])
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// PeekType returns the message type from the first header bytes.
func PeekType(prefix []byte) (MsgType, bool) {
	if len(prefix) < 2 || prefix[0] != Version {
		return 0, false
	}
	t := MsgType(prefix[1])
	return t, t.Valid()
}
