package identity

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"meshtrust/internal/crypto"
	"meshtrust/internal/testutil"
)

func openStore(t *testing.T, home string, now func() time.Time) *Store {
	t.Helper()
	s, err := Open(home, Options{Now: now})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestLoadMissing(t *testing.T) {
	s := openStore(t, t.TempDir(), nil)
	if _, err := s.Load(); !errors.Is(err, ErrMissing) {
		t.Fatalf("expected ErrMissing, got %v", err)
	}
}

func TestCreatePersistsPrivately(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	s := openStore(t, home, nil)
	id, err := s.LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	testutil.AssertPrivateDirPerm(t, home)
	testutil.AssertPrivateFilePerm(t, s.Path())

	again := openStore(t, home, nil)
	loaded, err := again.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Fingerprint() != id.Fingerprint() {
		t.Fatalf("fingerprint changed across load")
	}
	if _, err := again.Create(); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
}

func TestLoadCorrupt(t *testing.T) {
	home := t.TempDir()
	s := openStore(t, home, nil)
	if err := os.WriteFile(s.Path(), []byte("{{not yaml"), 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestLoadFingerprintMismatchIsCorrupt(t *testing.T) {
	home := t.TempDir()
	s := openStore(t, home, nil)
	id, err := s.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	raw, _ := os.ReadFile(s.Path())
	raw = bytes.Replace(raw, []byte(id.Fingerprint().String()), []byte("0000000000000000"), 1)
	if err := os.WriteFile(s.Path(), raw, 0600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if _, err := openStore(t, home, nil).Load(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("expected ErrCorrupt, got %v", err)
	}
}

func TestLoadRefusesOpenPermissions(t *testing.T) {
	home := t.TempDir()
	s := openStore(t, home, nil)
	if _, err := s.Create(); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := os.Chmod(s.Path(), 0644); err != nil {
		t.Fatalf("chmod failed: %v", err)
	}
	if _, err := openStore(t, home, nil).Load(); !errors.Is(err, ErrInsecurePermissions) {
		t.Fatalf("expected ErrInsecurePermissions, got %v", err)
	}
}

func TestRotateEndorsesAndPersists(t *testing.T) {
	home := t.TempDir()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := t0
	s := openStore(t, home, func() time.Time { return now })
	id, err := s.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	oldKey := id.Key
	oldPub := oldKey.PublicKey()

	res, err := s.Rotate(0)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if !bytes.Equal(res.Old, oldPub) || bytes.Equal(res.New, oldPub) {
		t.Fatalf("unexpected rotation keys")
	}
	if err := res.Endorsement.Verify(t0.Add(23 * time.Hour)); err != nil {
		t.Fatalf("endorsement Verify failed: %v", err)
	}
	if !res.Endorsement.ValidUntil.Equal(t0.Add(DefaultGrace)) {
		t.Fatalf("unexpected grace end %v", res.Endorsement.ValidUntil)
	}
	if _, err := oldKey.SignDigest("x"); !errors.Is(err, crypto.ErrKeyDestroyed) {
		t.Fatalf("old key not destroyed: %v", err)
	}
	if _, err := s.Rotate(0); !errors.Is(err, ErrRotationPending) {
		t.Fatalf("expected ErrRotationPending, got %v", err)
	}

	reloaded, err := openStore(t, home, nil).Load()
	if err != nil {
		t.Fatalf("Load after rotate failed: %v", err)
	}
	if reloaded.Rotation == nil || !bytes.Equal(reloaded.Rotation.Previous, oldPub) {
		t.Fatalf("rotation block not persisted")
	}

	now = t0.Add(25 * time.Hour)
	if err := s.ClearRotation(); err != nil {
		t.Fatalf("ClearRotation failed: %v", err)
	}
	cleared, err := openStore(t, home, nil).Load()
	if err != nil {
		t.Fatalf("Load after clear failed: %v", err)
	}
	if cleared.Rotation != nil {
		t.Fatalf("rotation block still present")
	}
	if cleared.Fingerprint() != crypto.FingerprintOf(res.New) {
		t.Fatalf("active key is not the rotated key")
	}
}

func TestMnemonicRestore(t *testing.T) {
	s := openStore(t, t.TempDir(), nil)
	id, err := s.Create()
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	phrase, err := s.Mnemonic()
	if err != nil {
		t.Fatalf("Mnemonic failed: %v", err)
	}
	if n := len(strings.Fields(phrase)); n != 24 {
		t.Fatalf("expected 24 words, got %d", n)
	}

	other := openStore(t, t.TempDir(), nil)
	restored, err := other.Restore("  "+phrase+"\n", false)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.Fingerprint() != id.Fingerprint() {
		t.Fatalf("restored identity differs")
	}
	if _, err := other.Restore(phrase, false); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if _, err := other.Restore("not a phrase", true); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}
