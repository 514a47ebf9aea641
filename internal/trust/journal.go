package trust

import (
	"encoding/json"
	"time"

	"github.com/mr-tron/base58"

	"meshtrust/internal/crypto"
	"meshtrust/internal/store"
)

const (
	opPut    = "put"
	opRevoke = "revoke"
	opRetire = "retire"
)

type diskRecord struct {
	Op           string     `json:"op"`
	Fingerprint  string     `json:"fingerprint"`
	Name         string     `json:"name,omitempty"`
	Level        Level      `json:"level"`
	Source       string     `json:"source,omitempty"`
	PublicKey    string     `json:"public_key,omitempty"`
	AddedAt      time.Time  `json:"added_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RotatedFrom  string     `json:"rotated_from,omitempty"`
	SupersededBy string     `json:"superseded_by,omitempty"`
	GraceUntil   *time.Time `json:"grace_until,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func toDisk(op string, e *Entry) diskRecord {
	rec := diskRecord{
		Op:          op,
		Fingerprint: e.Fingerprint.String(),
		Name:        e.Name,
		Level:       e.Level,
		Source:      e.Source.String(),
		AddedAt:     e.AddedAt,
		ExpiresAt:   optTime(e.ExpiresAt),
		GraceUntil:  optTime(e.GraceUntil),
	}
	if len(e.PublicKey) > 0 {
		rec.PublicKey = base58.Encode(e.PublicKey)
	}
	if !e.RotatedFrom.IsZero() {
		rec.RotatedFrom = e.RotatedFrom.String()
	}
	if !e.SupersededBy.IsZero() {
		rec.SupersededBy = e.SupersededBy.String()
	}
	return rec
}

func fromDisk(rec *diskRecord) (*Entry, error) {
	fp, err := crypto.ParseFingerprint(rec.Fingerprint)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Fingerprint: fp,
		Name:        rec.Name,
		Level:       rec.Level,
		Source:      parseSource(rec.Source),
		AddedAt:     rec.AddedAt,
	}
	if rec.ExpiresAt != nil {
		e.ExpiresAt = *rec.ExpiresAt
	}
	if rec.GraceUntil != nil {
		e.GraceUntil = *rec.GraceUntil
	}
	if rec.PublicKey != "" {
		pub, err := base58.Decode(rec.PublicKey)
		if err != nil {
			return nil, err
		}
		if !fp.Matches(pub) {
			return nil, ErrFingerprintMismatch
		}
		e.PublicKey = pub
	}
	if rec.RotatedFrom != "" {
		if e.RotatedFrom, err = crypto.ParseFingerprint(rec.RotatedFrom); err != nil {
			return nil, err
		}
	}
	if rec.SupersededBy != "" {
		if e.SupersededBy, err = crypto.ParseFingerprint(rec.SupersededBy); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// persist appends one record. Subnet entries are derived from rules and
// never written. Caller holds jmu.
func (s *Store) persist(op string, e *Entry) error {
	if s.path == "" || (op == opPut && e.Source == SourceSubnet) {
		return nil
	}
	return store.AppendJSONL(s.path, toDisk(op, e))
}

// replay rebuilds the maps from the journal and returns the line count.
func (s *Store) replay() (int, error) {
	lines := 0
	err := store.ReadJSONL(s.path, func(line []byte) error {
		lines++
		var rec diskRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		e, err := fromDisk(&rec)
		if err != nil {
			s.log.Warn("trust journal: skipping record", "err", err)
			return nil
		}
		switch rec.Op {
		case opPut:
			if _, gone := s.retired[e.Fingerprint]; !gone {
				s.entries[e.Fingerprint] = e
			}
		case opRevoke:
			delete(s.entries, e.Fingerprint)
		case opRetire:
			delete(s.entries, e.Fingerprint)
			s.retired[e.Fingerprint] = e.GraceUntil
		}
		return nil
	})
	return lines, err
}

func (s *Store) compact() error {
	s.jmu.Lock()
	defer s.jmu.Unlock()
	s.mu.RLock()
	recs := make([]diskRecord, 0, len(s.entries)+len(s.retired))
	for fp, at := range s.retired {
		recs = append(recs, toDisk(opRetire, &Entry{Fingerprint: fp, GraceUntil: at}))
	}
	for _, e := range s.entries {
		if e.Source != SourceSubnet {
			recs = append(recs, toDisk(opPut, e))
		}
	}
	s.mu.RUnlock()
	return store.RewriteJSONL(s.path, recs)
}
