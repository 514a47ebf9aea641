package trust

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"meshtrust/internal/auth"
	"meshtrust/internal/classify"
	"meshtrust/internal/crypto"
	"meshtrust/internal/proto"
	"meshtrust/internal/replay"
	"meshtrust/internal/testutil"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newKey(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	return kp
}

func openStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestPutGetRevokePersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trust.jsonl")
	kp := newKey(t)
	s := openStore(t, Options{JournalPath: path})
	if err := s.Put(Entry{Fingerprint: kp.Fingerprint(), Name: "laptop", Level: Peer, Source: SourceTOFU}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Pin(kp.Fingerprint(), kp.PublicKey()); err != nil {
		t.Fatalf("Pin failed: %v", err)
	}
	testutil.AssertPrivateFilePerm(t, path)

	reopened := openStore(t, Options{JournalPath: path})
	e, ok := reopened.Get(kp.Fingerprint())
	if !ok || e.Level != Peer || e.Name != "laptop" || e.Source != SourceTOFU {
		t.Fatalf("entry not restored: %+v", e)
	}
	if len(reopened.KeysFor(kp.Fingerprint(), time.Now())) != 1 {
		t.Fatalf("pinned key not restored")
	}

	if err := reopened.Revoke(kp.Fingerprint()); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := reopened.Revoke(kp.Fingerprint()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	again := openStore(t, Options{JournalPath: path})
	if again.Level(kp.Fingerprint()) != Untrusted {
		t.Fatalf("revocation not persisted")
	}
}

func TestPinRejectsDifferentKey(t *testing.T) {
	kp := newKey(t)
	other := newKey(t)
	s := openStore(t, Options{})
	if err := s.Put(Entry{Fingerprint: kp.Fingerprint(), Level: ShareTo, PublicKey: kp.PublicKey()}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := s.Pin(kp.Fingerprint(), other.PublicKey()); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
	if err := s.Put(Entry{Fingerprint: kp.Fingerprint(), PublicKey: other.PublicKey()}); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch from Put, got %v", err)
	}
}

func TestEntryExpiry(t *testing.T) {
	c := &clock{t: time.Now()}
	kp := newKey(t)
	s := openStore(t, Options{Now: c.now})
	_ = s.Put(Entry{Fingerprint: kp.Fingerprint(), Level: Peer, PublicKey: kp.PublicKey(), ExpiresAt: c.t.Add(time.Hour)})
	if s.Level(kp.Fingerprint()) != Peer {
		t.Fatalf("expected Peer before expiry")
	}
	c.t = c.t.Add(2 * time.Hour)
	if s.Level(kp.Fingerprint()) != Untrusted {
		t.Fatalf("expected Untrusted after expiry")
	}
	if keys := s.KeysFor(kp.Fingerprint(), c.t); len(keys) != 0 {
		t.Fatalf("expired entry still resolves keys")
	}
	if removed := s.Expire(); len(removed) != 1 {
		t.Fatalf("expected one removed entry, got %d", len(removed))
	}
}

func TestConfigAuthoritativeForNamedPeers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trust.jsonl")
	kp := newKey(t)
	s := openStore(t, Options{JournalPath: path})
	_ = s.Put(Entry{Fingerprint: kp.Fingerprint(), Level: ShareTo, Source: SourceTOFU, PublicKey: kp.PublicKey()})

	cfg, err := ParseConfig([]byte(`
first_use: deny
peers:
  - fingerprint: ` + kp.Fingerprint().String() + `
    name: build-box
    level: supervisor
subnets:
  - cidr: 10.0.0.0/8
    level: share_to
`))
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}
	reopened := openStore(t, Options{JournalPath: path, Config: cfg})
	e, ok := reopened.Get(kp.Fingerprint())
	if !ok || e.Level != Supervisor || e.Name != "build-box" || e.Source != SourceConfig {
		t.Fatalf("config did not take precedence: %+v", e)
	}
	if len(e.PublicKey) == 0 {
		t.Fatalf("pinned key lost when config applied")
	}
}

func TestParseConfigErrors(t *testing.T) {
	cases := map[string]string{
		"bad fingerprint": "peers:\n  - fingerprint: nothex\n    level: peer\n",
		"bad level":       "peers:\n  - fingerprint: 0011223344556677\n    level: admin\n",
		"bad cidr":        "subnets:\n  - cidr: 10.0.0.0/99\n    level: peer\n",
		"bad first use":   "first_use: sometimes\n",
		"bad yaml":        "peers: [",
	}
	for name, raw := range cases {
		if _, err := ParseConfig([]byte(raw)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil || len(cfg.Peers) != 0 || cfg.FirstUse.Prompt || cfg.FirstUse.Level != Untrusted {
		t.Fatalf("missing config should be empty deny-all, got %+v err=%v", cfg, err)
	}
}

func TestParseLevel(t *testing.T) {
	for want, name := range levelNames {
		got, err := ParseLevel(name)
		if err != nil || got != Level(want) {
			t.Fatalf("ParseLevel(%q) = %v, %v", name, got, err)
		}
	}
	if got, err := ParseLevel("Query-From"); err != nil || got != QueryFrom {
		t.Fatalf("ParseLevel normalisation failed: %v %v", got, err)
	}
}

// Rotation issued at T0 with 24h grace: the old key verifies at T0+23h and
// is rejected at T0+25h.
func TestRotationGraceWindow(t *testing.T) {
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c := &clock{t: t0}
	oldKP := newKey(t)
	newKP := newKey(t)
	s := openStore(t, Options{Now: c.now})
	_ = s.Put(Entry{Fingerprint: oldKP.Fingerprint(), Name: "desk", Level: Peer, PublicKey: oldKP.PublicKey()})

	en, err := proto.SignEndorsement(oldKP, newKP, t0, t0.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("SignEndorsement failed: %v", err)
	}
	if err := s.ApplyEndorsement(en); err != nil {
		t.Fatalf("ApplyEndorsement failed: %v", err)
	}
	if err := s.ApplyEndorsement(en); err != nil {
		t.Fatalf("ApplyEndorsement not idempotent: %v", err)
	}
	moved, ok := s.Get(newKP.Fingerprint())
	if !ok || moved.Level != Peer || moved.Name != "desk" || moved.RotatedFrom != oldKP.Fingerprint() {
		t.Fatalf("trust not moved to new key: %+v", moved)
	}

	verifyAt := func(at time.Time, kp *crypto.KeyPair) error {
		c.t = at
		signer := auth.NewSigner(staticKey{kp}, c.now)
		guard, _ := replay.New(replay.Options{Now: c.now})
		m, err := signer.Sign(proto.TypePush, classify.Summarized, []byte("s"))
		if err != nil {
			t.Fatalf("Sign failed: %v", err)
		}
		_, _, err = auth.NewVerifier(s, guard, c.now).Verify(m)
		return err
	}

	if err := verifyAt(t0.Add(23*time.Hour), oldKP); err != nil {
		t.Fatalf("old key rejected inside grace: %v", err)
	}
	if err := verifyAt(t0.Add(23*time.Hour), newKP); err != nil {
		t.Fatalf("new key rejected: %v", err)
	}
	if err := verifyAt(t0.Add(25*time.Hour), oldKP); !errors.Is(err, auth.ErrUnknownSender) {
		t.Fatalf("expected ErrUnknownSender after grace, got %v", err)
	}
	if err := verifyAt(t0.Add(25*time.Hour), newKP); err != nil {
		t.Fatalf("new key rejected after grace: %v", err)
	}

	if retired := s.Expire(); len(retired) != 1 || retired[0] != oldKP.Fingerprint() {
		t.Fatalf("expected old key retired, got %v", retired)
	}
	if err := s.Put(Entry{Fingerprint: oldKP.Fingerprint(), Level: Peer}); !errors.Is(err, ErrRetired) {
		t.Fatalf("expected ErrRetired, got %v", err)
	}
}

func TestRotationSurvivesRestartAndRetirementSticks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trust.jsonl")
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c := &clock{t: t0}
	oldKP := newKey(t)
	newKP := newKey(t)
	s := openStore(t, Options{JournalPath: path, Now: c.now})
	_ = s.Put(Entry{Fingerprint: oldKP.Fingerprint(), Level: QueryFrom, PublicKey: oldKP.PublicKey()})
	en, _ := proto.SignEndorsement(oldKP, newKP, t0, t0.Add(24*time.Hour))
	if err := s.ApplyEndorsement(en); err != nil {
		t.Fatalf("ApplyEndorsement failed: %v", err)
	}

	c.t = t0.Add(time.Hour)
	reopened := openStore(t, Options{JournalPath: path, Now: c.now})
	if len(reopened.KeysFor(oldKP.Fingerprint(), c.t)) != 1 {
		t.Fatalf("grace key lost across restart")
	}
	c.t = t0.Add(25 * time.Hour)
	reopened.Expire()

	cfg := &Config{Peers: []PeerConfig{{Fingerprint: oldKP.Fingerprint(), Level: Peer}}}
	final := openStore(t, Options{JournalPath: path, Now: c.now, Config: cfg})
	if final.Level(oldKP.Fingerprint()) != Untrusted {
		t.Fatalf("config resurrected a retired key")
	}
	if final.Level(newKP.Fingerprint()) != QueryFrom {
		t.Fatalf("successor entry lost")
	}
}

func TestApplyEndorsementRejects(t *testing.T) {
	c := &clock{t: time.Now()}
	oldKP, newKP, evil := newKey(t), newKey(t), newKey(t)
	s := openStore(t, Options{Now: c.now})

	en, _ := proto.SignEndorsement(oldKP, newKP, c.t, c.t.Add(time.Hour))
	if err := s.ApplyEndorsement(en); !errors.Is(err, ErrUnknownRotation) {
		t.Fatalf("expected ErrUnknownRotation, got %v", err)
	}

	_ = s.Put(Entry{Fingerprint: oldKP.Fingerprint(), Level: Peer, PublicKey: oldKP.PublicKey()})
	forged := *en
	forged.NewKey = evil.PublicKey()
	if err := s.ApplyEndorsement(&forged); !errors.Is(err, proto.ErrBadEndorsement) {
		t.Fatalf("expected ErrBadEndorsement, got %v", err)
	}

	c.t = c.t.Add(2 * time.Hour)
	if err := s.ApplyEndorsement(en); !errors.Is(err, proto.ErrEndorsementExpired) {
		t.Fatalf("expected ErrEndorsementExpired, got %v", err)
	}
	if s.Level(newKP.Fingerprint()) != Untrusted {
		t.Fatalf("rejected endorsement granted trust")
	}
}

type staticKey struct{ kp *crypto.KeyPair }

func (s staticKey) SigningKey() (*crypto.KeyPair, error) { return s.kp, nil }
