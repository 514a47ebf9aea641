package trust

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"meshtrust/internal/crypto"
	"meshtrust/internal/debuglog"
	"meshtrust/internal/proto"
)

var (
	ErrUntrusted    = errors.New("peer not trusted")
	ErrPromptDenied = errors.New("first-use prompt declined")
)

// PeerInfo is what the transport learned about the remote side during the handshake.
type PeerInfo struct {
	Fingerprint crypto.Fingerprint
	PublicKey   ed25519.PublicKey
	Addr        netip.Addr
	// Endorsement bytes carried in the peer certificate, if any.
	Endorsement []byte
}

// Prompter is the first-use decision point. It may ask a human or apply a
// policy; returning ok=false refuses the peer.
type Prompter interface {
	ConfirmFirstUse(ctx context.Context, p PeerInfo) (level Level, ok bool, err error)
}

// DenyPrompter refuses every unknown peer.
type DenyPrompter struct{}

func (DenyPrompter) ConfirmFirstUse(context.Context, PeerInfo) (Level, bool, error) {
	return Untrusted, false, nil
}

// Rule is one trust source. Only the fields for its Source are used.
type Rule struct {
	Source Source
	Prefix netip.Prefix // SourceSubnet
	Level  Level        // SourceSubnet, SourceTOFU auto level
	Prompt bool         // SourceTOFU: ask the Prompter instead of auto level
	// SourceCA: issuers whose vouching would be accepted. Peers only present
	// self-signed certificates today, so this source never matches yet.
	Issuers []ed25519.PublicKey
}

type ResolverOptions struct {
	Prompter  Prompter
	SubnetTTL time.Duration
	Logger    *slog.Logger
}

// Resolver decides whether a freshly handshaked peer is trusted, consulting
// the store and then each rule in order.
type Resolver struct {
	store     *Store
	rules     []Rule
	prompter  Prompter
	subnetTTL time.Duration
	log       *slog.Logger
}

// NewResolver builds the rule list from cfg: subnets most specific first,
// then the first-use rule.
func NewResolver(st *Store, cfg *Config, opts ResolverOptions) *Resolver {
	r := &Resolver{
		store:     st,
		prompter:  opts.Prompter,
		subnetTTL: opts.SubnetTTL,
		log:       debuglog.OrDiscard(opts.Logger),
	}
	if r.prompter == nil {
		r.prompter = DenyPrompter{}
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if r.subnetTTL <= 0 {
		r.subnetTTL = cfg.SubnetTTL
	}
	if r.subnetTTL <= 0 {
		r.subnetTTL = DefaultSubnetTTL
	}
	subnets := append([]SubnetRule(nil), cfg.Subnets...)
	sort.SliceStable(subnets, func(i, j int) bool { return subnets[i].Prefix.Bits() > subnets[j].Prefix.Bits() })
	for _, sn := range subnets {
		r.rules = append(r.rules, Rule{Source: SourceSubnet, Prefix: sn.Prefix, Level: sn.Level})
	}
	r.rules = append(r.rules, Rule{Source: SourceCA})
	if cfg.FirstUse.Prompt || cfg.FirstUse.Level > Untrusted {
		r.rules = append(r.rules, Rule{Source: SourceTOFU, Prompt: cfg.FirstUse.Prompt, Level: cfg.FirstUse.Level})
	}
	return r
}

func (r *Resolver) Store() *Store { return r.store }

// Resolve returns the trust entry for p, creating one if a rule matches.
// Unknown peers with no matching rule are refused.
func (r *Resolver) Resolve(ctx context.Context, p PeerInfo) (Entry, error) {
	if !p.Fingerprint.Matches(p.PublicKey) {
		return Entry{}, ErrFingerprintMismatch
	}
	if len(p.Endorsement) > 0 {
		r.applyCarriedEndorsement(p)
	}
	if e, ok := r.store.Get(p.Fingerprint); ok {
		if e.Level == Untrusted {
			return e, fmt.Errorf("%w: %s is configured untrusted", ErrUntrusted, p.Fingerprint)
		}
		if len(e.PublicKey) == 0 {
			if err := r.store.Pin(p.Fingerprint, p.PublicKey); err != nil {
				return e, err
			}
			e.PublicKey = p.PublicKey
		} else if !bytes.Equal(e.PublicKey, p.PublicKey) {
			return e, ErrFingerprintMismatch
		}
		return e, nil
	}
	for _, rule := range r.rules {
		e, ok, err := r.evaluate(ctx, rule, p)
		if err != nil {
			return Entry{}, err
		}
		if !ok {
			continue
		}
		if err := r.store.Put(e); err != nil {
			return Entry{}, err
		}
		r.log.Info("trust established", "fingerprint", p.Fingerprint.String(), "source", e.Source.String(), "trust_level", e.Level.String(), "addr", p.Addr.String())
		return e, nil
	}
	r.log.Warn("refused unknown peer", "fingerprint", p.Fingerprint.String(), "addr", p.Addr.String())
	return Entry{}, fmt.Errorf("%w: %s has no trust entry", ErrUntrusted, p.Fingerprint)
}

// evaluate is the single dispatch over trust sources.
func (r *Resolver) evaluate(ctx context.Context, rule Rule, p PeerInfo) (Entry, bool, error) {
	now := r.store.Now().UTC()
	base := Entry{Fingerprint: p.Fingerprint, PublicKey: p.PublicKey, AddedAt: now, Source: rule.Source}
	switch rule.Source {
	case SourceConfig:
		// config entries are already in the store; nothing to derive
		return Entry{}, false, nil
	case SourceSubnet:
		if !p.Addr.IsValid() || !rule.Prefix.Contains(p.Addr.Unmap()) || rule.Level == Untrusted {
			return Entry{}, false, nil
		}
		base.Level = rule.Level
		base.ExpiresAt = now.Add(r.subnetTTL)
		return base, true, nil
	case SourceCA:
		return Entry{}, false, nil
	case SourceTOFU:
		if !rule.Prompt {
			base.Level = rule.Level
			return base, rule.Level > Untrusted, nil
		}
		lvl, ok, err := r.prompter.ConfirmFirstUse(ctx, p)
		if err != nil {
			return Entry{}, false, fmt.Errorf("%w: %v", ErrPromptDenied, err)
		}
		if !ok || lvl == Untrusted {
			return Entry{}, false, nil
		}
		base.Level = lvl
		return base, true, nil
	}
	return Entry{}, false, nil
}

// applyCarriedEndorsement handles lazy delivery of a rotation endorsement
// found in the peer certificate.
func (r *Resolver) applyCarriedEndorsement(p PeerInfo) {
	en, err := proto.DecodeEndorsement(p.Endorsement)
	if err != nil {
		debuglog.RateLimited(r.log, "endorse-decode:"+p.Fingerprint.String(), time.Minute, "bad endorsement in certificate", "fingerprint", p.Fingerprint.String(), "err", err)
		return
	}
	if en.NewFingerprint() != p.Fingerprint {
		debuglog.RateLimited(r.log, "endorse-key:"+p.Fingerprint.String(), time.Minute, "certificate endorsement is for another key", "fingerprint", p.Fingerprint.String())
		return
	}
	if err := r.store.ApplyEndorsement(en); err != nil && !errors.Is(err, ErrUnknownRotation) {
		debuglog.RateLimited(r.log, "endorse-apply:"+p.Fingerprint.String(), time.Minute, "certificate endorsement rejected", "fingerprint", p.Fingerprint.String(), "err", err)
	}
}
