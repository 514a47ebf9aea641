package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MaxFrameSize = 1 << 20
	// SoftMaxFrameSize must stay below the smallest MaxSizeForType cap, or
	// that cap is never checked.
	SoftMaxFrameSize = 2 << 10
	TypeSniffBytes   = 2
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrFrameSize     = errors.New("invalid frame size")
)

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out, nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, ErrFrameSize
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// ReadFrameWithTypeCap reads a frame, but for frames above softMax it first
// sniffs the message type and enforces typeCap(type) before buffering the rest.
func ReadFrameWithTypeCap(r io.Reader, softMax int, typeCap func(MsgType) int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, ErrFrameSize
	}
	if softMax <= 0 || int(n) <= softMax {
		payload := make([]byte, int(n))
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}

	prefixLen := int(n)
	if prefixLen > TypeSniffBytes {
		prefixLen = TypeSniffBytes
	}
	prefix := make([]byte, prefixLen)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return nil, err
	}
	msgType, ok := PeekType(prefix)
	if !ok {
		return nil, fmt.Errorf("%w: cannot sniff type of large frame", ErrMalformed)
	}
	maxSize := 0
	if typeCap != nil {
		maxSize = typeCap(msgType)
	}
	if maxSize > 0 && int(n) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrFrameTooLarge, n, msgType)
	}

	payload := make([]byte, int(n))
	copy(payload, prefix)
	if _, err := io.ReadFull(r, payload[len(prefix):]); err != nil {
		return nil, err
	}
	return payload, nil
}

// MaxSizeForType caps frames by message type. Control messages are small.
func MaxSizeForType(t MsgType) int {
	switch t {
	case TypeHeartbeat, TypeError:
		return 4 << 10
	case TypeRotation:
		return 8 << 10
	default:
		return MaxFrameSize
	}
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		total += n
	}
	return nil
}
