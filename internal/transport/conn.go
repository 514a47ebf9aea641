package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshtrust/internal/crypto"
	"meshtrust/internal/proto"
	"meshtrust/internal/trust"
)

// Conn is an authenticated, trust-checked connection. Each message uses its
// own stream carrying one length-prefixed frame (plus one reply frame for
// requests).
type Conn struct {
	t    *Transport
	qc   *quic.Conn
	cert *crypto.PeerCertificate
	ip   string

	mu   sync.RWMutex
	peer trust.Entry
}

// Peer returns the trust entry the connection was admitted under.
func (c *Conn) Peer() trust.Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer
}

// SetPeer replaces the cached entry after a trust change (rotation, revoke).
func (c *Conn) SetPeer(e trust.Entry) {
	c.mu.Lock()
	c.peer = e
	c.mu.Unlock()
}

func (c *Conn) Certificate() *crypto.PeerCertificate { return c.cert }

func (c *Conn) RemoteFingerprint() crypto.Fingerprint { return c.cert.Fingerprint }

func (c *Conn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

// Done is closed when the connection ends for any reason.
func (c *Conn) Done() <-chan struct{} { return c.qc.Context().Done() }

func (c *Conn) Close() error { return c.qc.CloseWithError(codeOK, "") }

// Refuse closes the connection telling the remote it is not trusted.
func (c *Conn) Refuse() error { return c.qc.CloseWithError(codeUntrusted, "untrusted") }

func (c *Conn) err(op string, err error) error {
	return opError(op, c.qc.RemoteAddr().String(), err)
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.t.opts.StreamTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(d) {
		return dl
	}
	return d
}

func (c *Conn) open(ctx context.Context) (*quic.Stream, error) {
	s, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	_ = s.SetDeadline(c.deadline(ctx))
	return s, nil
}

// Send writes one frame and does not wait for a reply.
func (c *Conn) Send(ctx context.Context, frame []byte) error {
	s, err := c.open(ctx)
	if err != nil {
		return c.err("send", err)
	}
	if err := proto.WriteFrame(s, frame); err != nil {
		s.CancelRead(0)
		_ = s.Close()
		return c.err("send", err)
	}
	s.CancelRead(0)
	if err := s.Close(); err != nil {
		return c.err("send", err)
	}
	return nil
}

// Request writes one frame and reads exactly one reply frame.
func (c *Conn) Request(ctx context.Context, frame []byte) ([]byte, error) {
	s, err := c.open(ctx)
	if err != nil {
		return nil, c.err("request", err)
	}
	if err := proto.WriteFrame(s, frame); err != nil {
		s.CancelRead(0)
		_ = s.Close()
		return nil, c.err("request", err)
	}
	if err := s.Close(); err != nil {
		s.CancelRead(0)
		return nil, c.err("request", err)
	}
	resp, err := proto.ReadFrameWithTypeCap(s, proto.SoftMaxFrameSize, proto.MaxSizeForType)
	if err != nil {
		s.CancelRead(0)
		return nil, c.err("request", err)
	}
	return resp, nil
}

// Inbound is one received frame. Exactly one of Reply or Close must be
// called.
type Inbound struct {
	Frame []byte

	stream  *quic.Stream
	release func()
	once    sync.Once
}

func (in *Inbound) finish() {
	in.once.Do(in.release)
}

func (in *Inbound) Reply(frame []byte) error {
	defer in.finish()
	if err := proto.WriteFrame(in.stream, frame); err != nil {
		in.stream.CancelWrite(0)
		return err
	}
	return in.stream.Close()
}

func (in *Inbound) Close() error {
	defer in.finish()
	return in.stream.Close()
}

// AcceptFrame waits for the next stream from the remote and reads its frame.
// Oversized or malformed frames close only that stream.
func (c *Conn) AcceptFrame(ctx context.Context) (*Inbound, error) {
	for {
		s, err := c.qc.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, c.err("accept", err)
		}
		if !c.t.limits.acquireStream(c.ip) {
			s.CancelRead(0)
			s.CancelWrite(0)
			continue
		}
		release := func() { c.t.limits.releaseStream(c.ip) }
		_ = s.SetDeadline(c.deadline(ctx))
		frame, err := proto.ReadFrameWithTypeCap(s, proto.SoftMaxFrameSize, proto.MaxSizeForType)
		if err != nil {
			s.CancelRead(0)
			s.CancelWrite(0)
			release()
			if errors.Is(err, proto.ErrFrameTooLarge) || errors.Is(err, proto.ErrFrameSize) || errors.Is(err, proto.ErrMalformed) {
				c.t.log.Debug("dropped bad frame", "peer", c.cert.Fingerprint.String(), "err", err)
				continue
			}
			if c.qc.Context().Err() != nil {
				return nil, c.err("accept", err)
			}
			continue
		}
		return &Inbound{Frame: frame, stream: s, release: release}, nil
	}
}
