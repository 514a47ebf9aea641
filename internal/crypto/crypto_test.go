package crypto

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestFingerprintDeterministicAndParse(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	fp := FingerprintOf(kp.PublicKey())
	if fp != kp.Fingerprint() {
		t.Fatalf("fingerprint not deterministic")
	}
	if len(fp.String()) != 2*FingerprintSize {
		t.Fatalf("unexpected fingerprint length %d", len(fp.String()))
	}
	parsed, err := ParseFingerprint(strings.ToUpper(fp.String()))
	if err != nil {
		t.Fatalf("ParseFingerprint failed: %v", err)
	}
	if parsed != fp {
		t.Fatalf("parse round trip mismatch")
	}
	if !fp.Matches(kp.PublicKey()) {
		t.Fatalf("expected fingerprint to match its key")
	}
	other, _ := GenerateKeyPair()
	if fp.Matches(other.PublicKey()) {
		t.Fatalf("fingerprint matched a different key")
	}
	if _, err := ParseFingerprint("zz"); !errors.Is(err, ErrBadFingerprint) {
		t.Fatalf("expected ErrBadFingerprint, got %v", err)
	}
}

func TestSignDigestVerify(t *testing.T) {
	kp, _ := GenerateKeyPair()
	sig, err := kp.SignDigest("test:v1", []byte("a"), []byte("b"))
	if err != nil {
		t.Fatalf("SignDigest failed: %v", err)
	}
	if !VerifyDigest(kp.PublicKey(), sig, "test:v1", []byte("a"), []byte("b")) {
		t.Fatalf("expected valid signature")
	}
	if VerifyDigest(kp.PublicKey(), sig, "test:v2", []byte("a"), []byte("b")) {
		t.Fatalf("expected label separation")
	}
	if VerifyDigest(kp.PublicKey(), sig, "test:v1", []byte("a"), []byte("c")) {
		t.Fatalf("expected tamper detection")
	}
}

func TestKeyPairSeedRoundTripAndDestroy(t *testing.T) {
	kp, _ := GenerateKeyPair()
	seed, err := kp.Seed()
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	again, err := KeyPairFromSeed(seed)
	if err != nil {
		t.Fatalf("KeyPairFromSeed failed: %v", err)
	}
	if !bytes.Equal(again.PublicKey(), kp.PublicKey()) {
		t.Fatalf("seed round trip changed public key")
	}
	kp.Destroy()
	if _, err := kp.SignDigest("x"); !errors.Is(err, ErrKeyDestroyed) {
		t.Fatalf("expected ErrKeyDestroyed, got %v", err)
	}
	if _, err := kp.Seed(); !errors.Is(err, ErrKeyDestroyed) {
		t.Fatalf("expected ErrKeyDestroyed from Seed, got %v", err)
	}
	if _, err := KeyPairFromSeed([]byte{1, 2, 3}); !errors.Is(err, ErrBadKeySize) {
		t.Fatalf("expected ErrBadKeySize, got %v", err)
	}
}

func TestKeyPairStringRedacts(t *testing.T) {
	kp, _ := GenerateKeyPair()
	seed, _ := kp.Seed()
	out := fmt.Sprintf("%v %+v %#v", kp, kp, kp)
	if strings.Contains(out, fmt.Sprintf("%x", seed)) {
		t.Fatalf("formatted key pair leaked seed: %s", out)
	}
	if !strings.Contains(out, "REDACTED") {
		t.Fatalf("expected REDACTED marker: %s", out)
	}
}

func TestPeerCertificateRoundTrip(t *testing.T) {
	kp, _ := GenerateKeyPair()
	now := time.Now()
	cert, err := NewPeerCertificate(kp, now, time.Hour, []byte("endorsement"))
	if err != nil {
		t.Fatalf("NewPeerCertificate failed: %v", err)
	}
	pc, err := VerifyPeerCertificate(cert.Certificate, now)
	if err != nil {
		t.Fatalf("VerifyPeerCertificate failed: %v", err)
	}
	if pc.Fingerprint != kp.Fingerprint() {
		t.Fatalf("fingerprint mismatch")
	}
	if !bytes.Equal(pc.Endorsement, []byte("endorsement")) {
		t.Fatalf("endorsement extension lost: %q", pc.Endorsement)
	}
	if _, err := VerifyPeerCertificate(cert.Certificate, now.Add(2*time.Hour)); !errors.Is(err, ErrCertificateExpired) {
		t.Fatalf("expected ErrCertificateExpired, got %v", err)
	}
}

func TestPeerCertificateRejectsTamper(t *testing.T) {
	kp, _ := GenerateKeyPair()
	now := time.Now()
	cert, err := NewPeerCertificate(kp, now, time.Hour, nil)
	if err != nil {
		t.Fatalf("NewPeerCertificate failed: %v", err)
	}
	der := bytes.Clone(cert.Certificate[0])
	der[len(der)-1] ^= 0x01
	if _, err := ParsePeerCertificate(der, now); !errors.Is(err, ErrBadCertificate) {
		t.Fatalf("expected ErrBadCertificate, got %v", err)
	}
	if _, err := VerifyPeerCertificate(nil, now); !errors.Is(err, ErrBadCertificate) {
		t.Fatalf("expected ErrBadCertificate for empty chain, got %v", err)
	}
}
