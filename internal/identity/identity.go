package identity

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"meshtrust/internal/crypto"
	"meshtrust/internal/proto"
	"meshtrust/internal/store"
)

const (
	DefaultFileName = "identity.yaml"
	DefaultGrace    = 24 * time.Hour
)

var (
	ErrMissing             = errors.New("identity missing")
	ErrCorrupt             = errors.New("identity corrupt")
	ErrExists              = errors.New("identity already exists")
	ErrInsecurePermissions = errors.New("identity file permissions too open")
	ErrNotLoaded           = errors.New("identity not loaded")
	ErrRotationPending     = errors.New("rotation already in progress")
)

// Identity is the loaded node identity. Key is shared with the Store; do not
// Destroy it directly.
type Identity struct {
	Key       *crypto.KeyPair
	CreatedAt time.Time
	Rotation  *Rotation
}

func (id *Identity) Fingerprint() crypto.Fingerprint { return id.Key.Fingerprint() }

// Rotation is present while the previous key is still inside its grace window.
type Rotation struct {
	Previous    ed25519.PublicKey
	Endorsement *proto.Endorsement
	GraceUntil  time.Time
}

type RotationResult struct {
	Old         ed25519.PublicKey
	New         ed25519.PublicKey
	Endorsement *proto.Endorsement
}

type Options struct {
	FileName string
	Now      func() time.Time
}

// Store owns the identity file. All access to the private key goes through it.
type Store struct {
	mu   sync.RWMutex
	path string
	now  func() time.Time
	cur  *Identity
}

func Open(home string, opts Options) (*Store, error) {
	if home == "" {
		return nil, fmt.Errorf("identity: empty home dir")
	}
	if err := store.EnsureDir(home); err != nil {
		return nil, err
	}
	name := opts.FileName
	if name == "" {
		name = DefaultFileName
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{path: filepath.Join(home, name), now: now}, nil
}

func (s *Store) Path() string { return s.path }

// Current returns the loaded identity or nil.
func (s *Store) Current() *Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// SigningKey returns the active key pair.
func (s *Store) SigningKey() (*crypto.KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return nil, ErrNotLoaded
	}
	return s.cur.Key, nil
}

func (s *Store) Load() (*Identity, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := store.CheckPrivate(s.path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInsecurePermissions, err)
	}
	id, err := decodeFile(raw)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.replace(id)
	s.mu.Unlock()
	return id, nil
}

func (s *Store) Create() (*Identity, error) {
	if _, err := os.Stat(s.path); err == nil {
		return nil, ErrExists
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return s.install(&Identity{Key: kp, CreatedAt: s.now().UTC()})
}

// LoadOrCreate loads the identity, generating one on first run.
func (s *Store) LoadOrCreate() (*Identity, error) {
	id, err := s.Load()
	if errors.Is(err, ErrMissing) {
		return s.Create()
	}
	return id, err
}

func (s *Store) install(id *Identity) (*Identity, error) {
	raw, err := encodeFile(id)
	if err != nil {
		return nil, err
	}
	if err := store.WriteFileAtomic(s.path, raw); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.replace(id)
	s.mu.Unlock()
	return id, nil
}

// replace swaps the current identity, destroying the old private key.
func (s *Store) replace(id *Identity) {
	if s.cur != nil && s.cur.Key != id.Key {
		s.cur.Key.Destroy()
	}
	s.cur = id
}

// Rotate generates a new key pair, endorses it with both keys and persists it.
// The old private key is zeroed once the new identity is on disk.
func (s *Store) Rotate(grace time.Duration) (*RotationResult, error) {
	cur := s.Current()
	if cur == nil {
		return nil, ErrNotLoaded
	}
	now := s.now()
	if cur.Rotation != nil && now.Before(cur.Rotation.GraceUntil) {
		return nil, ErrRotationPending
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	next, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	e, err := proto.SignEndorsement(cur.Key, next, now, now.Add(grace))
	if err != nil {
		next.Destroy()
		return nil, err
	}
	id := &Identity{
		Key:       next,
		CreatedAt: now.UTC(),
		Rotation: &Rotation{
			Previous:    cur.Key.PublicKey(),
			Endorsement: e,
			GraceUntil:  e.ValidUntil,
		},
	}
	if _, err := s.install(id); err != nil {
		next.Destroy()
		return nil, err
	}
	return &RotationResult{Old: id.Rotation.Previous, New: next.PublicKey(), Endorsement: e}, nil
}

// ClearRotation drops the rotation record once the grace window is over.
func (s *Store) ClearRotation() error {
	cur := s.Current()
	if cur == nil {
		return ErrNotLoaded
	}
	if cur.Rotation == nil {
		return nil
	}
	_, err := s.install(&Identity{Key: cur.Key, CreatedAt: cur.CreatedAt})
	return err
}

// Close zeroes the in-memory private key.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		s.cur.Key.Destroy()
		s.cur = nil
	}
}
