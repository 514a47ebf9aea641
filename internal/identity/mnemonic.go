package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/tyler-smith/go-bip39"

	"meshtrust/internal/crypto"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// Mnemonic exports the current private seed as a 24 word BIP-39 phrase.
// The phrase is the seed itself, not a PBKDF derivation of it.
func (s *Store) Mnemonic() (string, error) {
	cur := s.Current()
	if cur == nil {
		return "", ErrNotLoaded
	}
	seed, err := cur.Key.Seed()
	if err != nil {
		return "", err
	}
	defer crypto.ZeroBytes(seed)
	return bip39.NewMnemonic(seed)
}

// Restore recreates the identity from a phrase produced by Mnemonic. An
// existing identity file is replaced only when overwrite is set.
func (s *Store) Restore(mnemonic string, overwrite bool) (*Identity, error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	defer crypto.ZeroBytes(seed)
	if len(seed) != crypto.SeedSize {
		return nil, fmt.Errorf("%w: need %d words", ErrInvalidMnemonic, 24)
	}
	if !overwrite {
		if _, err := os.Stat(s.path); err == nil {
			return nil, ErrExists
		}
	}
	kp, err := crypto.KeyPairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return s.install(&Identity{Key: kp, CreatedAt: s.now().UTC()})
}
