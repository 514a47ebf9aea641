package identity

import (
	"bytes"
	"fmt"
	"time"

	"github.com/mr-tron/base58"
	"gopkg.in/yaml.v3"

	"meshtrust/internal/crypto"
	"meshtrust/internal/proto"
)

const fileVersion = 1

type fileRotation struct {
	PreviousPublicKey string    `yaml:"previous_public_key"`
	Endorsement       string    `yaml:"endorsement"`
	GraceUntil        time.Time `yaml:"grace_until"`
}

type fileFormat struct {
	Version     int           `yaml:"version"`
	Fingerprint string        `yaml:"fingerprint"`
	PublicKey   string        `yaml:"public_key"`
	PrivateKey  string        `yaml:"private_key"`
	CreatedAt   time.Time     `yaml:"created_at"`
	Rotation    *fileRotation `yaml:"rotation,omitempty"`
}

func encodeFile(id *Identity) ([]byte, error) {
	seed, err := id.Key.Seed()
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(seed)
	f := fileFormat{
		Version:     fileVersion,
		Fingerprint: id.Fingerprint().String(),
		PublicKey:   base58.Encode(id.Key.PublicKey()),
		PrivateKey:  base58.Encode(seed),
		CreatedAt:   id.CreatedAt,
	}
	if r := id.Rotation; r != nil {
		eb, err := proto.EncodeEndorsement(r.Endorsement)
		if err != nil {
			return nil, err
		}
		f.Rotation = &fileRotation{
			PreviousPublicKey: base58.Encode(r.Previous),
			Endorsement:       base58.Encode(eb),
			GraceUntil:        r.GraceUntil.UTC(),
		}
	}
	return yaml.Marshal(&f)
}

func decodeFile(raw []byte) (*Identity, error) {
	var f fileFormat
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, f.Version)
	}
	seed, err := base58.Decode(f.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key: %v", ErrCorrupt, err)
	}
	defer crypto.ZeroBytes(seed)
	kp, err := crypto.KeyPairFromSeed(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	pub, err := base58.Decode(f.PublicKey)
	if err != nil || !bytes.Equal(pub, kp.PublicKey()) {
		kp.Destroy()
		return nil, fmt.Errorf("%w: public key does not match private key", ErrCorrupt)
	}
	if f.Fingerprint != kp.Fingerprint().String() {
		kp.Destroy()
		return nil, fmt.Errorf("%w: fingerprint mismatch", ErrCorrupt)
	}
	id := &Identity{Key: kp, CreatedAt: f.CreatedAt}
	if r := f.Rotation; r != nil {
		rot, err := decodeRotation(r, kp)
		if err != nil {
			kp.Destroy()
			return nil, err
		}
		id.Rotation = rot
	}
	return id, nil
}

func decodeRotation(r *fileRotation, kp *crypto.KeyPair) (*Rotation, error) {
	prev, err := base58.Decode(r.PreviousPublicKey)
	if err != nil || len(prev) != crypto.PublicKeySize {
		return nil, fmt.Errorf("%w: rotation previous key", ErrCorrupt)
	}
	eb, err := base58.Decode(r.Endorsement)
	if err != nil {
		return nil, fmt.Errorf("%w: rotation endorsement: %v", ErrCorrupt, err)
	}
	e, err := proto.DecodeEndorsement(eb)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if !bytes.Equal(e.NewKey, kp.PublicKey()) || !bytes.Equal(e.OldKey, prev) {
		return nil, fmt.Errorf("%w: endorsement does not match keys", ErrCorrupt)
	}
	return &Rotation{Previous: prev, Endorsement: e, GraceUntil: r.GraceUntil}, nil
}
