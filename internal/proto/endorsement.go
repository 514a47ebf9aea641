package proto

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"meshtrust/internal/crypto"
)

const (
	EndorsementLabel = "meshtrust:rot:v1"

	endorsementBody = 2*crypto.PublicKeySize + 8 + 8
	EndorsementSize = endorsementBody + 2*crypto.SignatureSize
)

var (
	ErrBadEndorsement     = errors.New("invalid rotation endorsement")
	ErrEndorsementExpired = errors.New("rotation endorsement expired")
)

// Endorsement binds a new key to an old one. It is signed by both so a peer
// that trusts the old key can move that trust to the new key.
type Endorsement struct {
	OldKey     ed25519.PublicKey
	NewKey     ed25519.PublicKey
	IssuedAt   time.Time
	ValidUntil time.Time // old key accepted until this instant
	OldSig     []byte
	NewSig     []byte
}

func (e *Endorsement) OldFingerprint() crypto.Fingerprint { return crypto.FingerprintOf(e.OldKey) }
func (e *Endorsement) NewFingerprint() crypto.Fingerprint { return crypto.FingerprintOf(e.NewKey) }

func (e *Endorsement) body() []byte {
	out := make([]byte, endorsementBody)
	off := copy(out, e.OldKey)
	off += copy(out[off:], e.NewKey)
	binary.BigEndian.PutUint64(out[off:], uint64(e.IssuedAt.UnixMilli()))
	off += 8
	binary.BigEndian.PutUint64(out[off:], uint64(e.ValidUntil.UnixMilli()))
	return out
}

// SignEndorsement produces an endorsement signed by both key pairs.
func SignEndorsement(oldKP, newKP *crypto.KeyPair, issued, until time.Time) (*Endorsement, error) {
	e := &Endorsement{
		OldKey:     oldKP.PublicKey(),
		NewKey:     newKP.PublicKey(),
		IssuedAt:   time.UnixMilli(issued.UnixMilli()),
		ValidUntil: time.UnixMilli(until.UnixMilli()),
	}
	body := e.body()
	var err error
	if e.OldSig, err = oldKP.SignDigest(EndorsementLabel, body); err != nil {
		return nil, err
	}
	if e.NewSig, err = newKP.SignDigest(EndorsementLabel, body); err != nil {
		return nil, err
	}
	return e, nil
}

// Verify checks both signatures and the window. It does not decide whether
// the old key is trusted.
func (e *Endorsement) Verify(now time.Time) error {
	if len(e.OldKey) != crypto.PublicKeySize || len(e.NewKey) != crypto.PublicKeySize {
		return fmt.Errorf("%w: key size", ErrBadEndorsement)
	}
	if bytes.Equal(e.OldKey, e.NewKey) {
		return fmt.Errorf("%w: old and new key identical", ErrBadEndorsement)
	}
	if !e.ValidUntil.After(e.IssuedAt) {
		return fmt.Errorf("%w: empty grace window", ErrBadEndorsement)
	}
	body := e.body()
	if !crypto.VerifyDigest(e.OldKey, e.OldSig, EndorsementLabel, body) {
		return fmt.Errorf("%w: old key signature", ErrBadEndorsement)
	}
	if !crypto.VerifyDigest(e.NewKey, e.NewSig, EndorsementLabel, body) {
		return fmt.Errorf("%w: new key signature", ErrBadEndorsement)
	}
	if now.After(e.ValidUntil) {
		return ErrEndorsementExpired
	}
	return nil
}

func EncodeEndorsement(e *Endorsement) ([]byte, error) {
	if len(e.OldSig) != crypto.SignatureSize || len(e.NewSig) != crypto.SignatureSize {
		return nil, fmt.Errorf("%w: unsigned", ErrBadEndorsement)
	}
	out := make([]byte, 0, EndorsementSize)
	out = append(out, e.body()...)
	out = append(out, e.OldSig...)
	out = append(out, e.NewSig...)
	return out, nil
}

func DecodeEndorsement(b []byte) (*Endorsement, error) {
	if len(b) != EndorsementSize {
		return nil, fmt.Errorf("%w: size %d", ErrBadEndorsement, len(b))
	}
	pk := crypto.PublicKeySize
	e := &Endorsement{
		OldKey:     bytes.Clone(b[:pk]),
		NewKey:     bytes.Clone(b[pk : 2*pk]),
		IssuedAt:   time.UnixMilli(int64(binary.BigEndian.Uint64(b[2*pk:]))),
		ValidUntil: time.UnixMilli(int64(binary.BigEndian.Uint64(b[2*pk+8:]))),
	}
	off := endorsementBody
	e.OldSig = bytes.Clone(b[off : off+crypto.SignatureSize])
	off += crypto.SignatureSize
	e.NewSig = bytes.Clone(b[off : off+crypto.SignatureSize])
	return e, nil
}
