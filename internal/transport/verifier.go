package transport

import (
	"context"

	"meshtrust/internal/trust"
)

// PeerVerifier makes the trust decision for an authenticated peer. The
// certificate has already been checked when it is called.
type PeerVerifier interface {
	VerifyPeer(ctx context.Context, p trust.PeerInfo) (trust.Entry, error)
}

// TrustVerifier resolves peers through the trust store rules.
type TrustVerifier struct {
	Resolver *trust.Resolver
}

func (v TrustVerifier) VerifyPeer(ctx context.Context, p trust.PeerInfo) (trust.Entry, error) {
	return v.Resolver.Resolve(ctx, p)
}

// VerifierFunc adapts a function to PeerVerifier.
type VerifierFunc func(ctx context.Context, p trust.PeerInfo) (trust.Entry, error)

func (f VerifierFunc) VerifyPeer(ctx context.Context, p trust.PeerInfo) (trust.Entry, error) {
	return f(ctx, p)
}
