package auth

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"meshtrust/internal/classify"
	"meshtrust/internal/crypto"
	"meshtrust/internal/proto"
	"meshtrust/internal/replay"
)

var (
	ErrUnknownSender = errors.New("unknown sender key")
	ErrBadSignature  = errors.New("bad signature")
	ErrMalformed     = errors.New("malformed message")
)

// KeySource hands out the key currently used for signing.
type KeySource interface {
	SigningKey() (*crypto.KeyPair, error)
}

// KeyResolver returns the public keys accepted for a sender fingerprint at now.
// During a rotation grace window the old fingerprint still resolves.
type KeyResolver interface {
	KeysFor(fp crypto.Fingerprint, now time.Time) []ed25519.PublicKey
}

// -----------------------------------------------------------------------------
// Signer
// -----------------------------------------------------------------------------

type Signer struct {
	mu      sync.Mutex
	keys    KeySource
	now     func() time.Time
	lastSeq uint64
}

func NewSigner(keys KeySource, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{keys: keys, now: now}
}

// nextSeq is max(last+1, unix micros) so a restarted sender stays monotonic
// without persisting its counter.
func (s *Signer) nextSeq(now time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := uint64(now.UnixMicro())
	if seq <= s.lastSeq {
		seq = s.lastSeq + 1
	}
	s.lastSeq = seq
	return seq
}

func (s *Signer) Sign(t proto.MsgType, class classify.Classification, payload []byte) (*proto.WireMessage, error) {
	now := s.now()
	m := &proto.WireMessage{
		Version:   proto.Version,
		Type:      t,
		Class:     class,
		Timestamp: now.UnixMilli(),
		Sequence:  s.nextSeq(now),
		Payload:   payload,
	}
	if _, err := rand.Read(m.Nonce[:]); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	var sig []byte
	var err error
	// One retry covers a rotation that destroyed the key between fetch and sign.
	for attempt := 0; attempt < 2; attempt++ {
		var kp *crypto.KeyPair
		kp, err = s.keys.SigningKey()
		if err != nil {
			return nil, err
		}
		m.Sender = kp.Fingerprint()
		sig, err = kp.SignDigest(proto.MessageLabel, m.SigningBytes())
		if !errors.Is(err, crypto.ErrKeyDestroyed) {
			break
		}
	}
	if err != nil {
		return nil, err
	}
	copy(m.Signature[:], sig)
	return m, nil
}

// SignBytes signs and encodes in one step.
func (s *Signer) SignBytes(t proto.MsgType, class classify.Classification, payload []byte) ([]byte, error) {
	m, err := s.Sign(t, class, payload)
	if err != nil {
		return nil, err
	}
	return proto.EncodeMessage(m)
}

// -----------------------------------------------------------------------------
// Verifier
// -----------------------------------------------------------------------------

type Verifier struct {
	keys  KeyResolver
	guard *replay.Guard
	now   func() time.Time
}

func NewVerifier(keys KeyResolver, guard *replay.Guard, now func() time.Time) *Verifier {
	if now == nil {
		now = time.Now
	}
	return &Verifier{keys: keys, guard: guard, now: now}
}

// Verify checks the signature against the sender's accepted keys, then runs
// the replay checks. Any failure is returned; nothing is skipped.
func (v *Verifier) Verify(m *proto.WireMessage) ([]byte, crypto.Fingerprint, error) {
	if m == nil {
		return nil, crypto.Fingerprint{}, ErrMalformed
	}
	if err := m.Validate(); err != nil {
		return nil, m.Sender, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	now := v.now()
	candidates := v.keys.KeysFor(m.Sender, now)
	signed := m.SigningBytes()
	matched := false
	valid := false
	for _, pub := range candidates {
		if !m.Sender.Matches(pub) {
			continue
		}
		matched = true
		if crypto.VerifyDigest(pub, m.Signature[:], proto.MessageLabel, signed) {
			valid = true
			break
		}
	}
	if !matched {
		return nil, m.Sender, fmt.Errorf("%w: %s", ErrUnknownSender, m.Sender)
	}
	if !valid {
		return nil, m.Sender, fmt.Errorf("%w: from %s", ErrBadSignature, m.Sender)
	}
	if v.guard != nil {
		if err := v.guard.Check(m.Sender, m.Timestamp, m.Nonce, m.Sequence); err != nil {
			return nil, m.Sender, err
		}
	}
	return m.Payload, m.Sender, nil
}

// VerifyBytes decodes and verifies a wire message.
func (v *Verifier) VerifyBytes(b []byte) (*proto.WireMessage, error) {
	m, err := proto.DecodeMessage(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, _, err := v.Verify(m); err != nil {
		return m, err
	}
	return m, nil
}
