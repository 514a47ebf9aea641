package auth

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
	"time"

	"meshtrust/internal/classify"
	"meshtrust/internal/crypto"
	"meshtrust/internal/proto"
	"meshtrust/internal/replay"
)

type staticKey struct{ kp *crypto.KeyPair }

func (s staticKey) SigningKey() (*crypto.KeyPair, error) { return s.kp, nil }

type mapResolver map[crypto.Fingerprint]ed25519.PublicKey

func (m mapResolver) KeysFor(fp crypto.Fingerprint, _ time.Time) []ed25519.PublicKey {
	if k, ok := m[fp]; ok {
		return []ed25519.PublicKey{k}
	}
	return nil
}

func setup(t *testing.T) (*Signer, *Verifier, *crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	guard, err := replay.New(replay.Options{})
	if err != nil {
		t.Fatalf("replay.New failed: %v", err)
	}
	resolver := mapResolver{kp.Fingerprint(): kp.PublicKey()}
	return NewSigner(staticKey{kp}, nil), NewVerifier(resolver, guard, nil), kp
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, verifier, kp := setup(t)
	payload := []byte("summary payload")
	m, err := signer.Sign(proto.TypePush, classify.Summarized, payload)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	got, sender, err := verifier.Verify(m)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if sender != kp.Fingerprint() || !bytes.Equal(got, payload) {
		t.Fatalf("unexpected verify result")
	}
}

func TestAnyBitFlipFailsVerification(t *testing.T) {
	signer, _, kp := setup(t)
	b, err := signer.SignBytes(proto.TypePush, classify.Summarized, []byte("abc"))
	if err != nil {
		t.Fatalf("SignBytes failed: %v", err)
	}
	resolver := mapResolver{kp.Fingerprint(): kp.PublicKey()}
	for i := 0; i < len(b)*8; i++ {
		flipped := bytes.Clone(b)
		flipped[i/8] ^= 1 << (i % 8)
		// fresh guard so only the signature path is under test
		guard, _ := replay.New(replay.Options{})
		v := NewVerifier(resolver, guard, nil)
		if _, err := v.VerifyBytes(flipped); err == nil {
			t.Fatalf("bit %d flip verified", i)
		}
	}
}

func TestVerifyRejectsUnknownSender(t *testing.T) {
	signer, _, _ := setup(t)
	m, _ := signer.Sign(proto.TypeHeartbeat, classify.Control, nil)
	guard, _ := replay.New(replay.Options{})
	v := NewVerifier(mapResolver{}, guard, nil)
	if _, _, err := v.Verify(m); !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("expected ErrUnknownSender, got %v", err)
	}
}

func TestVerifyRejectsKeyForOtherFingerprint(t *testing.T) {
	signer, _, kp := setup(t)
	other, _ := crypto.GenerateKeyPair()
	m, _ := signer.Sign(proto.TypeHeartbeat, classify.Control, nil)
	guard, _ := replay.New(replay.Options{})
	// resolver maps the sender's fingerprint to an unrelated key
	v := NewVerifier(mapResolver{kp.Fingerprint(): other.PublicKey()}, guard, nil)
	if _, _, err := v.Verify(m); !errors.Is(err, ErrUnknownSender) {
		t.Fatalf("expected ErrUnknownSender, got %v", err)
	}
}

func TestVerifyRunsReplayChecks(t *testing.T) {
	signer, verifier, _ := setup(t)
	m, _ := signer.Sign(proto.TypePush, classify.Summarized, []byte("x"))
	if _, _, err := verifier.Verify(m); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if _, _, err := verifier.Verify(m); !errors.Is(err, replay.ErrReplay) {
		t.Fatalf("expected replay error, got %v", err)
	}
}

func TestReplayStateNotTouchedByBadSignature(t *testing.T) {
	signer, verifier, _ := setup(t)
	m, _ := signer.Sign(proto.TypePush, classify.Summarized, []byte("x"))
	forged := *m
	forged.Signature[0] ^= 0xff
	if _, _, err := verifier.Verify(&forged); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if _, _, err := verifier.Verify(m); err != nil {
		t.Fatalf("genuine message rejected after forged copy: %v", err)
	}
}

func TestSignerSequenceMonotonic(t *testing.T) {
	kp, _ := crypto.GenerateKeyPair()
	fixed := time.Now()
	s := NewSigner(staticKey{kp}, func() time.Time { return fixed })
	var last uint64
	for i := 0; i < 100; i++ {
		m, err := s.Sign(proto.TypeHeartbeat, classify.Control, nil)
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		if m.Sequence <= last {
			t.Fatalf("sequence went backwards: %d after %d", m.Sequence, last)
		}
		last = m.Sequence
	}
	// A restarted signer starts from the clock, ahead of anything sent earlier.
	restarted := NewSigner(staticKey{kp}, func() time.Time { return fixed.Add(time.Second) })
	m, _ := restarted.Sign(proto.TypeHeartbeat, classify.Control, nil)
	if m.Sequence <= last {
		t.Fatalf("restarted signer not ahead: %d <= %d", m.Sequence, last)
	}
}

func TestSignRefusesRawClass(t *testing.T) {
	signer, _, _ := setup(t)
	if _, err := signer.Sign(proto.TypePush, classify.Raw, []byte("ls -la")); !errors.Is(err, proto.ErrRawOnWire) {
		t.Fatalf("expected ErrRawOnWire, got %v", err)
	}
}
