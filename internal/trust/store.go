package trust

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"meshtrust/internal/crypto"
	"meshtrust/internal/debuglog"
	"meshtrust/internal/proto"
)

var (
	ErrNotFound            = errors.New("trust entry not found")
	ErrFingerprintMismatch = errors.New("public key does not match fingerprint")
	ErrRetired             = errors.New("fingerprint retired by key rotation")
	ErrUnknownRotation     = errors.New("rotation from unknown peer")
	ErrAlreadyRotated      = errors.New("key already rotated to a different successor")
)

// Entry is one peer's trust record.
type Entry struct {
	Fingerprint crypto.Fingerprint
	Name        string
	Level       Level
	Source      Source
	PublicKey   ed25519.PublicKey // pinned on first observation
	AddedAt     time.Time
	ExpiresAt   time.Time // zero: no expiry

	// Set on the successor entry after a rotation.
	RotatedFrom crypto.Fingerprint
	// Set on the old entry while its key is still inside the grace window.
	SupersededBy crypto.Fingerprint
	GraceUntil   time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

func (e *Entry) graceOver(now time.Time) bool {
	return !e.SupersededBy.IsZero() && now.After(e.GraceUntil)
}

// Usable reports whether the entry still grants anything at now.
func (e *Entry) Usable(now time.Time) bool {
	return !e.expired(now) && !e.graceOver(now)
}

type Options struct {
	// JournalPath persists entries (JSONL). Empty keeps the store in memory.
	JournalPath string
	Config      *Config
	Now         func() time.Time
	Logger      *slog.Logger
}

// Store maps fingerprints to trust entries. Reads take the read lock only;
// writers serialize on jmu so the journal order matches memory order, and
// hold mu just for the map mutation.
type Store struct {
	mu      sync.RWMutex
	jmu     sync.Mutex
	entries map[crypto.Fingerprint]*Entry
	retired map[crypto.Fingerprint]time.Time
	path    string
	now     func() time.Time
	log     *slog.Logger
}

func Open(opts Options) (*Store, error) {
	s := &Store{
		entries: make(map[crypto.Fingerprint]*Entry),
		retired: make(map[crypto.Fingerprint]time.Time),
		path:    opts.JournalPath,
		now:     opts.Now,
		log:     debuglog.OrDiscard(opts.Logger),
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.path != "" {
		n, err := s.replay()
		if err != nil {
			return nil, err
		}
		if n > 64 && n > 4*(len(s.entries)+len(s.retired)) {
			if err := s.compact(); err != nil {
				s.log.Warn("trust journal compaction failed", "err", err)
			}
		}
	}
	if opts.Config != nil {
		s.applyConfig(opts.Config)
	}
	return s, nil
}

func (s *Store) Now() time.Time { return s.now() }

// Get returns a copy of the entry if it is still usable.
func (s *Store) Get(fp crypto.Fingerprint) (Entry, bool) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fp]
	if !ok || !e.Usable(now) {
		return Entry{}, false
	}
	return cloneEntry(e), true
}

// Level is Untrusted for unknown, expired or retired fingerprints.
func (s *Store) Level(fp crypto.Fingerprint) Level {
	e, ok := s.Get(fp)
	if !ok {
		return Untrusted
	}
	return e.Level
}

func (s *Store) List() []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, cloneEntry(e))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Fingerprint[:], out[j].Fingerprint[:]) < 0
	})
	return out
}

// KeysFor implements auth.KeyResolver. Only pinned keys are returned; a key
// is never taken from the message itself.
func (s *Store) KeysFor(fp crypto.Fingerprint, now time.Time) []ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[fp]
	if !ok || len(e.PublicKey) == 0 || !e.Usable(now) {
		return nil
	}
	return []ed25519.PublicKey{bytes.Clone(e.PublicKey)}
}

// Put inserts or replaces an entry.
func (s *Store) Put(e Entry) error {
	if e.Fingerprint.IsZero() {
		return fmt.Errorf("trust: missing fingerprint")
	}
	if len(e.PublicKey) > 0 && !e.Fingerprint.Matches(e.PublicKey) {
		return ErrFingerprintMismatch
	}
	if e.Source == 0 {
		e.Source = SourceConfig
	}
	if e.AddedAt.IsZero() {
		e.AddedAt = s.now().UTC()
	}
	s.jmu.Lock()
	defer s.jmu.Unlock()
	s.mu.Lock()
	if _, ok := s.retired[e.Fingerprint]; ok {
		s.mu.Unlock()
		return ErrRetired
	}
	if old, ok := s.entries[e.Fingerprint]; ok && len(e.PublicKey) == 0 {
		e.PublicKey = old.PublicKey
	}
	stored := cloneEntry(&e)
	s.entries[e.Fingerprint] = &stored
	s.mu.Unlock()
	return s.persist(opPut, &stored)
}

// Pin records the public key observed for fp. A different key for an
// already pinned fingerprint is refused.
func (s *Store) Pin(fp crypto.Fingerprint, pub ed25519.PublicKey) error {
	if !fp.Matches(pub) {
		return ErrFingerprintMismatch
	}
	s.jmu.Lock()
	defer s.jmu.Unlock()
	s.mu.Lock()
	e, ok := s.entries[fp]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if len(e.PublicKey) > 0 {
		same := bytes.Equal(e.PublicKey, pub)
		s.mu.Unlock()
		if !same {
			return ErrFingerprintMismatch
		}
		return nil
	}
	e.PublicKey = bytes.Clone(pub)
	snapshot := cloneEntry(e)
	s.mu.Unlock()
	return s.persist(opPut, &snapshot)
}

func (s *Store) Revoke(fp crypto.Fingerprint) error {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	s.mu.Lock()
	e, ok := s.entries[fp]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.entries, fp)
	// revoking a rotated identity also drops the other half of the pair
	var linked []crypto.Fingerprint
	for _, other := range []crypto.Fingerprint{e.SupersededBy, e.RotatedFrom} {
		if other.IsZero() {
			continue
		}
		if _, ok := s.entries[other]; ok {
			delete(s.entries, other)
			linked = append(linked, other)
		}
	}
	s.mu.Unlock()
	s.log.Info("trust revoked", "fingerprint", fp.String(), "name", e.Name)
	if err := s.persist(opRevoke, &Entry{Fingerprint: fp}); err != nil {
		return err
	}
	for _, other := range linked {
		if err := s.persist(opRevoke, &Entry{Fingerprint: other}); err != nil {
			return err
		}
	}
	return nil
}

// ApplyEndorsement moves the old key's trust to the new key. The old key
// keeps resolving until the endorsement's ValidUntil.
func (s *Store) ApplyEndorsement(en *proto.Endorsement) error {
	now := s.now()
	if err := en.Verify(now); err != nil {
		return err
	}
	oldFP, newFP := en.OldFingerprint(), en.NewFingerprint()

	s.jmu.Lock()
	defer s.jmu.Unlock()
	s.mu.Lock()
	old, ok := s.entries[oldFP]
	if !ok || old.expired(now) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRotation, oldFP)
	}
	if !old.SupersededBy.IsZero() {
		s.mu.Unlock()
		if old.SupersededBy == newFP {
			return nil
		}
		return ErrAlreadyRotated
	}
	if len(old.PublicKey) > 0 && !bytes.Equal(old.PublicKey, en.OldKey) {
		s.mu.Unlock()
		return ErrFingerprintMismatch
	}
	next := cloneEntry(old)
	next.Fingerprint = newFP
	next.PublicKey = bytes.Clone(en.NewKey)
	next.AddedAt = now.UTC()
	next.RotatedFrom = oldFP
	next.SupersededBy = crypto.Fingerprint{}
	next.GraceUntil = time.Time{}

	old.PublicKey = bytes.Clone(en.OldKey)
	old.SupersededBy = newFP
	old.GraceUntil = en.ValidUntil.UTC()
	oldSnap := cloneEntry(old)
	s.entries[newFP] = &next
	newSnap := cloneEntry(&next)
	s.mu.Unlock()

	s.log.Info("trust rotated", "from", oldFP.String(), "to", newFP.String(), "grace_until", en.ValidUntil)
	if err := s.persist(opPut, &oldSnap); err != nil {
		return err
	}
	return s.persist(opPut, &newSnap)
}

// Expire drops expired entries and retires keys whose grace window ended.
func (s *Store) Expire() []crypto.Fingerprint {
	now := s.now()
	s.jmu.Lock()
	defer s.jmu.Unlock()
	var removed, retired []crypto.Fingerprint
	s.mu.Lock()
	for fp, e := range s.entries {
		switch {
		case e.graceOver(now):
			delete(s.entries, fp)
			s.retired[fp] = now.UTC()
			retired = append(retired, fp)
		case e.expired(now):
			delete(s.entries, fp)
			removed = append(removed, fp)
		}
	}
	s.mu.Unlock()
	for _, fp := range retired {
		if err := s.persist(opRetire, &Entry{Fingerprint: fp, GraceUntil: now.UTC()}); err != nil {
			s.log.Warn("trust journal write failed", "err", err)
		}
	}
	return append(removed, retired...)
}

func cloneEntry(e *Entry) Entry {
	out := *e
	out.PublicKey = bytes.Clone(e.PublicKey)
	return out
}
