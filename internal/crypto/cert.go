package crypto

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// EndorsementOID marks the certificate extension carrying a rotation
// endorsement while the old key is still in its grace window.
var EndorsementOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 1, 1}

const DefaultCertValidity = 30 * 24 * time.Hour

var (
	ErrBadCertificate     = errors.New("bad peer certificate")
	ErrCertificateExpired = errors.New("peer certificate outside validity window")
)

// PeerCertificate is the parsed, self-verified form of a peer's TLS certificate.
type PeerCertificate struct {
	PublicKey   ed25519.PublicKey
	Fingerprint Fingerprint
	NotBefore   time.Time
	NotAfter    time.Time
	Endorsement []byte
}

// NewPeerCertificate builds a self-signed certificate for kp. The subject CN is
// the fingerprint so that a peer can sanity check it against the key.
func NewPeerCertificate(kp *KeyPair, now time.Time, validity time.Duration, endorsement []byte) (tls.Certificate, error) {
	priv, err := kp.privateKey()
	if err != nil {
		return tls.Certificate{}, err
	}
	if validity <= 0 {
		validity = DefaultCertValidity
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: kp.Fingerprint().String()},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	if len(endorsement) > 0 {
		template.ExtraExtensions = []pkix.Extension{{Id: EndorsementOID, Value: endorsement}}
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, kp.PublicKey(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
		Leaf:        leaf,
	}, nil
}

// ParsePeerCertificate checks a single DER certificate: ed25519 key, valid
// self-signature, CN matching the key fingerprint, and validity at now.
// There is no chain; trust is decided by the caller.
func ParsePeerCertificate(der []byte, now time.Time) (*PeerCertificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key is not ed25519", ErrBadCertificate)
	}
	// CheckSignatureFrom insists on CA constraints, so check the raw self-signature.
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return nil, fmt.Errorf("%w: self-signature: %v", ErrBadCertificate, err)
	}
	fp := FingerprintOf(pub)
	if cert.Subject.CommonName != fp.String() {
		return nil, fmt.Errorf("%w: subject %q does not match key", ErrBadCertificate, cert.Subject.CommonName)
	}
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, ErrCertificateExpired
	}
	pc := &PeerCertificate{
		PublicKey:   bytes.Clone(pub),
		Fingerprint: fp,
		NotBefore:   cert.NotBefore,
		NotAfter:    cert.NotAfter,
	}
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(EndorsementOID) {
			pc.Endorsement = bytes.Clone(ext.Value)
			break
		}
	}
	return pc, nil
}

// VerifyPeerCertificate has the shape of tls.Config.VerifyPeerCertificate
// once now is bound. Only the leaf is considered.
func VerifyPeerCertificate(rawCerts [][]byte, now time.Time) (*PeerCertificate, error) {
	if len(rawCerts) == 0 {
		return nil, fmt.Errorf("%w: no certificate presented", ErrBadCertificate)
	}
	return ParsePeerCertificate(rawCerts[0], now)
}
