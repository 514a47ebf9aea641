// internal/crypto/crypto.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// Fixed suite: Ed25519 signatures over SHA3-256 digests.
// Channel encryption is TLS 1.3 (QUIC) and lives in internal/transport.
// -----------------------------------------------------------------------------

const (
	PublicKeySize   = ed25519.PublicKeySize // 32
	SeedSize        = ed25519.SeedSize      // 32
	SignatureSize   = ed25519.SignatureSize // 64
	FingerprintSize = 8

	fingerprintLabel = "meshtrust:fp:v1"
)

var (
	ErrBadKeySize     = errors.New("bad key size")
	ErrBadFingerprint = errors.New("bad fingerprint")
	ErrKeyDestroyed   = errors.New("key destroyed")
)

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// Digest hashes label || parts. Labels keep digests of different message kinds apart.
func Digest(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// -----------------------------------------------------------------------------
// Fingerprint
// -----------------------------------------------------------------------------

type Fingerprint [FingerprintSize]byte

func FingerprintOf(pub ed25519.PublicKey) Fingerprint {
	var fp Fingerprint
	sum := Digest(fingerprintLabel, pub)
	copy(fp[:], sum[:FingerprintSize])
	return fp
}

func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// Matches reports whether pub is the key this fingerprint was derived from.
func (f Fingerprint) Matches(pub ed25519.PublicKey) bool {
	return len(pub) == PublicKeySize && FingerprintOf(pub) == f
}

func ParseFingerprint(s string) (Fingerprint, error) {
	var fp Fingerprint
	s = strings.TrimSpace(strings.ToLower(s))
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != FingerprintSize {
		return fp, fmt.Errorf("%w: %q", ErrBadFingerprint, s)
	}
	copy(fp[:], b)
	return fp, nil
}

func (f Fingerprint) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Fingerprint) UnmarshalText(b []byte) error {
	fp, err := ParseFingerprint(string(b))
	if err != nil {
		return err
	}
	*f = fp
	return nil
}

// -----------------------------------------------------------------------------
// Key pair
// -----------------------------------------------------------------------------

// KeyPair holds an Ed25519 signing key. The private half never leaves the
// struct except through Seed (for persistence) and TLS signing.
type KeyPair struct {
	mu     sync.RWMutex
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
	fp     Fingerprint
	closed bool
}

func GenerateKeyPair() (*KeyPair, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	defer ZeroBytes(seed)
	return KeyPairFromSeed(seed)
}

func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", ErrBadKeySize, SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := make(ed25519.PublicKey, PublicKeySize)
	copy(pub, priv[SeedSize:])
	return &KeyPair{pub: pub, priv: priv, fp: FingerprintOf(pub)}, nil
}

func (k *KeyPair) PublicKey() ed25519.PublicKey {
	out := make(ed25519.PublicKey, PublicKeySize)
	copy(out, k.pub)
	return out
}

func (k *KeyPair) Fingerprint() Fingerprint { return k.fp }

// Seed returns a copy of the private seed. Callers must zero it when done.
func (k *KeyPair) Seed() ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, ErrKeyDestroyed
	}
	out := make([]byte, SeedSize)
	copy(out, k.priv.Seed())
	return out, nil
}

// SignDigest signs SHA3-256(label || parts).
func (k *KeyPair) SignDigest(label string, parts ...[]byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, ErrKeyDestroyed
	}
	return ed25519.Sign(k.priv, Digest(label, parts...)), nil
}

// privateKey is used for TLS certificates only.
func (k *KeyPair) privateKey() (ed25519.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return nil, ErrKeyDestroyed
	}
	return k.priv, nil
}

// Destroy zeroes the private key. The public half stays usable.
func (k *KeyPair) Destroy() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return
	}
	ZeroBytes(k.priv)
	k.closed = true
}

func (k *KeyPair) String() string { return "KeyPair(" + k.fp.String() + ", private=REDACTED)" }

func (k *KeyPair) GoString() string { return k.String() }

func VerifyDigest(pub ed25519.PublicKey, sig []byte, label string, parts ...[]byte) bool {
	if len(pub) != PublicKeySize || len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(pub, Digest(label, parts...), sig)
}

func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
