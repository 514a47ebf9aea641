package trust

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"gopkg.in/yaml.v3"

	"meshtrust/internal/crypto"
)

const DefaultSubnetTTL = time.Hour

// FirstUse decides what happens to a peer no rule recognizes.
type FirstUse struct {
	Prompt bool  // ask the Prompter
	Level  Level // auto-accept at this level when > Untrusted
}

func (f FirstUse) String() string {
	switch {
	case f.Prompt:
		return "prompt"
	case f.Level > Untrusted:
		return f.Level.String()
	default:
		return "deny"
	}
}

func ParseFirstUse(s string) (FirstUse, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "deny":
		return FirstUse{}, nil
	case "prompt":
		return FirstUse{Prompt: true}, nil
	}
	lvl, err := ParseLevel(s)
	if err != nil {
		return FirstUse{}, fmt.Errorf("first_use: %w", err)
	}
	return FirstUse{Level: lvl}, nil
}

type PeerConfig struct {
	Fingerprint crypto.Fingerprint
	Name        string
	Level       Level
	PublicKey   []byte
	ExpiresAt   time.Time
}

type SubnetRule struct {
	Prefix netip.Prefix
	Level  Level
}

// Config is the parsed trust file.
type Config struct {
	Peers     []PeerConfig
	Subnets   []SubnetRule
	FirstUse  FirstUse
	SubnetTTL time.Duration
}

type configFile struct {
	FirstUse  string `yaml:"first_use"`
	SubnetTTL string `yaml:"subnet_ttl"`
	Peers     []struct {
		Fingerprint string    `yaml:"fingerprint"`
		Name        string    `yaml:"name"`
		Level       string    `yaml:"level"`
		PublicKey   string    `yaml:"public_key"`
		ExpiresAt   time.Time `yaml:"expires_at"`
	} `yaml:"peers"`
	Subnets []struct {
		CIDR  string `yaml:"cidr"`
		Level string `yaml:"level"`
	} `yaml:"subnets"`
}

// LoadConfig reads a trust file. A missing file yields an empty config
// (deny everything unknown).
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{SubnetTTL: DefaultSubnetTTL}, nil
	}
	if err != nil {
		return nil, err
	}
	return ParseConfig(raw)
}

func ParseConfig(raw []byte) (*Config, error) {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("trust config: %w", err)
	}
	cfg := &Config{SubnetTTL: DefaultSubnetTTL}
	var err error
	if cfg.FirstUse, err = ParseFirstUse(f.FirstUse); err != nil {
		return nil, err
	}
	if f.SubnetTTL != "" {
		if cfg.SubnetTTL, err = time.ParseDuration(f.SubnetTTL); err != nil || cfg.SubnetTTL <= 0 {
			return nil, fmt.Errorf("trust config: subnet_ttl %q", f.SubnetTTL)
		}
	}
	for i, p := range f.Peers {
		fp, err := crypto.ParseFingerprint(p.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("trust config: peers[%d]: %w", i, err)
		}
		lvl, err := ParseLevel(p.Level)
		if err != nil {
			return nil, fmt.Errorf("trust config: peers[%d]: %w", i, err)
		}
		pc := PeerConfig{Fingerprint: fp, Name: p.Name, Level: lvl, ExpiresAt: p.ExpiresAt}
		if p.PublicKey != "" {
			pub, err := base58.Decode(p.PublicKey)
			if err != nil || !fp.Matches(pub) {
				return nil, fmt.Errorf("trust config: peers[%d]: %w", i, ErrFingerprintMismatch)
			}
			pc.PublicKey = pub
		}
		cfg.Peers = append(cfg.Peers, pc)
	}
	for i, sn := range f.Subnets {
		prefix, err := netip.ParsePrefix(strings.TrimSpace(sn.CIDR))
		if err != nil {
			return nil, fmt.Errorf("trust config: subnets[%d]: %w", i, err)
		}
		lvl, err := ParseLevel(sn.Level)
		if err != nil {
			return nil, fmt.Errorf("trust config: subnets[%d]: %w", i, err)
		}
		cfg.Subnets = append(cfg.Subnets, SubnetRule{Prefix: prefix.Masked(), Level: lvl})
	}
	return cfg, nil
}

// applyConfig makes config authoritative for the peers it names. Journal
// state keeps pinned keys and rotation links. Entries added at runtime are
// left alone. Config peers that have been retired by a rotation are not
// resurrected.
func (s *Store) applyConfig(cfg *Config) {
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range cfg.Peers {
		if _, gone := s.retired[p.Fingerprint]; gone {
			s.log.Warn("trust config names a retired key; ignoring", "fingerprint", p.Fingerprint.String(), "name", p.Name)
			continue
		}
		e, ok := s.entries[p.Fingerprint]
		if !ok {
			e = &Entry{Fingerprint: p.Fingerprint, AddedAt: now}
			s.entries[p.Fingerprint] = e
		}
		e.Name = p.Name
		e.Level = p.Level
		e.Source = SourceConfig
		e.ExpiresAt = p.ExpiresAt
		if len(p.PublicKey) > 0 {
			e.PublicKey = p.PublicKey
		}
	}
}
