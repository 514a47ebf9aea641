package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	quic "github.com/quic-go/quic-go"

	"meshtrust/internal/crypto"
	"meshtrust/internal/trust"
)

var (
	ErrHandshakeTimeout    = errors.New("handshake timed out")
	ErrUnreachable         = errors.New("peer unreachable")
	ErrUntrustedPeer       = errors.New("peer not trusted")
	ErrFingerprintMismatch = errors.New("peer fingerprint mismatch")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrRateLimited         = errors.New("rate limited")
	ErrBadCertificate      = errors.New("bad peer certificate")
	ErrClosed              = errors.New("connection closed")
)

// Application close codes seen by the remote end.
const (
	codeOK        quic.ApplicationErrorCode = 0
	codeUntrusted quic.ApplicationErrorCode = 0x10
	codeLimited   quic.ApplicationErrorCode = 0x11
	codeProtocol  quic.ApplicationErrorCode = 0x12
)

// TLS alert 120 (no_application_protocol) as a QUIC crypto error.
const alertNoALPN = quic.TransportErrorCode(0x100 + 120)

// Error carries the failing operation and address. Err is one of the
// sentinels above.
type Error struct {
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opError(op, addr string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Op: op, Addr: addr, Err: classify(err)}
}

// classify maps quic/tls/net failures onto the sentinel set, keeping the
// original as context.
func classify(err error) error {
	switch {
	case isSentinel(err):
		return err
	case errors.Is(err, trust.ErrUntrusted), errors.Is(err, trust.ErrPromptDenied):
		return fmt.Errorf("%w: %v", ErrUntrustedPeer, err)
	case errors.Is(err, trust.ErrFingerprintMismatch):
		return fmt.Errorf("%w: %v", ErrFingerprintMismatch, err)
	case errors.Is(err, crypto.ErrBadCertificate), errors.Is(err, crypto.ErrCertificateExpired):
		return fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}

	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		switch appErr.ErrorCode {
		case codeUntrusted:
			return fmt.Errorf("%w: refused by remote", ErrUntrustedPeer)
		case codeLimited:
			return fmt.Errorf("%w: by remote", ErrRateLimited)
		case codeProtocol:
			return fmt.Errorf("%w: %s", ErrUnsupportedProtocol, appErr.ErrorMessage)
		}
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	var transErr *quic.TransportError
	if errors.As(err, &transErr) {
		if transErr.ErrorCode == alertNoALPN {
			return fmt.Errorf("%w: %v", ErrUnsupportedProtocol, err)
		}
		if transErr.ErrorCode.IsCryptoError() {
			return fmt.Errorf("%w: %v", ErrBadCertificate, err)
		}
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	var alert tls.AlertError
	if errors.As(err, &alert) && uint8(alert) == 120 {
		return fmt.Errorf("%w: %v", ErrUnsupportedProtocol, err)
	}

	var hsTimeout *quic.HandshakeTimeoutError
	var idle *quic.IdleTimeoutError
	if errors.As(err, &hsTimeout) || errors.As(err, &idle) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrHandshakeTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

func isSentinel(err error) bool {
	for _, s := range []error{ErrHandshakeTimeout, ErrUnreachable, ErrUntrustedPeer, ErrFingerprintMismatch,
		ErrUnsupportedProtocol, ErrRateLimited, ErrBadCertificate, ErrClosed} {
		if errors.Is(err, s) {
			return true
		}
	}
	return false
}
