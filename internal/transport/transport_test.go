package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshtrust/internal/crypto"
	"meshtrust/internal/proto"
	"meshtrust/internal/trust"
)

type keySource struct {
	mu sync.Mutex
	kp *crypto.KeyPair
}

func (k *keySource) SigningKey() (*crypto.KeyPair, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.kp, nil
}

func (k *keySource) set(kp *crypto.KeyPair) {
	k.mu.Lock()
	k.kp = kp
	k.mu.Unlock()
}

func newKey(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	return kp
}

var allowAll = VerifierFunc(func(_ context.Context, p trust.PeerInfo) (trust.Entry, error) {
	return trust.Entry{Fingerprint: p.Fingerprint, Level: trust.Peer, PublicKey: p.PublicKey}, nil
})

var denyAll = VerifierFunc(func(context.Context, trust.PeerInfo) (trust.Entry, error) {
	return trust.Entry{}, trust.ErrUntrusted
})

func newTransport(t *testing.T, kp *crypto.KeyPair, v PeerVerifier) *Transport {
	t.Helper()
	tr, err := New(Options{Keys: &keySource{kp: kp}, Verifier: v, HandshakeTimeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func listen(t *testing.T, tr *Transport) *Listener {
	t.Helper()
	ln, err := tr.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

func TestLoopbackRequestReply(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srvKey, cliKey := newKey(t), newKey(t)
	ln := listen(t, newTransport(t, srvKey, allowAll))

	seen := make(chan crypto.Fingerprint, 1)
	go func() {
		c, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		seen <- c.RemoteFingerprint()
		for {
			in, err := c.AcceptFrame(ctx)
			if err != nil {
				return
			}
			_ = in.Reply(append([]byte("echo:"), in.Frame...))
		}
	}()

	cli := newTransport(t, cliKey, allowAll)
	want := srvKey.Fingerprint()
	c, err := cli.Dial(ctx, Multiaddr(ln.Addr()), &want)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer c.Close()
	if c.RemoteFingerprint() != want || c.Peer().Level != trust.Peer {
		t.Fatalf("unexpected peer %+v", c.Peer())
	}
	resp, err := c.Request(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if !bytes.Equal(resp, []byte("echo:hello")) {
		t.Fatalf("unexpected reply %q", resp)
	}
	if got := <-seen; got != cliKey.Fingerprint() {
		t.Fatalf("server saw %s, want %s", got, cliKey.Fingerprint())
	}
}

func TestDialRefusesUntrustedServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ln := listen(t, newTransport(t, newKey(t), allowAll))
	cli := newTransport(t, newKey(t), denyAll)
	_, err := cli.Dial(ctx, ln.Addr().String(), nil)
	if !errors.Is(err, ErrUntrustedPeer) {
		t.Fatalf("expected ErrUntrustedPeer, got %v", err)
	}
	if errors.Is(err, ErrUnreachable) {
		t.Fatalf("untrusted reported as unreachable: %v", err)
	}
	var te *Error
	if !errors.As(err, &te) || te.Op != "dial" {
		t.Fatalf("expected *Error for dial, got %T", err)
	}
}

func TestServerRefusalSurfacesAsUntrusted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ln := listen(t, newTransport(t, newKey(t), denyAll))
	cli := newTransport(t, newKey(t), allowAll)
	c, err := cli.Dial(ctx, ln.Addr().String(), nil)
	if err == nil {
		_, err = c.Request(ctx, []byte("hello"))
	}
	if !errors.Is(err, ErrUntrustedPeer) {
		t.Fatalf("expected ErrUntrustedPeer, got %v", err)
	}
}

func TestDialFingerprintMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ln := listen(t, newTransport(t, newKey(t), allowAll))
	cli := newTransport(t, newKey(t), allowAll)
	other := newKey(t).Fingerprint()
	if _, err := cli.Dial(ctx, ln.Addr().String(), &other); !errors.Is(err, ErrFingerprintMismatch) {
		t.Fatalf("expected ErrFingerprintMismatch, got %v", err)
	}
}

func TestDialEndorsedSuccessorAccepted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	oldKP, newKP := newKey(t), newKey(t)
	en, _ := proto.SignEndorsement(oldKP, newKP, time.Now(), time.Now().Add(time.Hour))
	raw, _ := proto.EncodeEndorsement(en)
	srv, err := New(Options{Keys: &keySource{kp: newKP}, Verifier: allowAll, Endorsement: func() []byte { return raw }})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ln := listen(t, srv)

	var carried []byte
	cli := newTransport(t, newKey(t), VerifierFunc(func(ctx context.Context, p trust.PeerInfo) (trust.Entry, error) {
		carried = p.Endorsement
		return allowAll(ctx, p)
	}))
	expect := oldKP.Fingerprint()
	c, err := cli.Dial(ctx, ln.Addr().String(), &expect)
	if err != nil {
		t.Fatalf("Dial to rotated peer failed: %v", err)
	}
	defer c.Close()
	if !bytes.Equal(carried, raw) {
		t.Fatalf("endorsement not passed to verifier")
	}
}

func TestDialUnreachableIsNotUntrusted(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	addr := pc.LocalAddr().String()
	_ = pc.Close()

	tr, err := New(Options{Keys: &keySource{kp: newKey(t)}, Verifier: allowAll, HandshakeTimeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	_, err = tr.Dial(context.Background(), addr, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if errors.Is(err, ErrUntrustedPeer) {
		t.Fatalf("unreachable reported as untrusted: %v", err)
	}
	if !errors.Is(err, ErrHandshakeTimeout) && !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected timeout or unreachable, got %v", err)
	}
}

func TestCertificateReissuedOnRotation(t *testing.T) {
	ks := &keySource{kp: newKey(t)}
	tr, _ := New(Options{Keys: ks, Verifier: allowAll})
	first, err := tr.certificate()
	if err != nil {
		t.Fatalf("certificate failed: %v", err)
	}
	again, _ := tr.certificate()
	if first != again {
		t.Fatalf("certificate not cached")
	}
	next := newKey(t)
	ks.set(next)
	rotated, err := tr.certificate()
	if err != nil {
		t.Fatalf("certificate failed: %v", err)
	}
	pc, err := crypto.ParsePeerCertificate(rotated.Certificate[0], time.Now())
	if err != nil {
		t.Fatalf("ParsePeerCertificate failed: %v", err)
	}
	if pc.Fingerprint != next.Fingerprint() {
		t.Fatalf("certificate still for old key")
	}
}

func TestClassifyErrors(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{&quic.ApplicationError{Remote: true, ErrorCode: codeUntrusted}, ErrUntrustedPeer},
		{&quic.ApplicationError{Remote: true, ErrorCode: codeLimited}, ErrRateLimited},
		{&quic.TransportError{Remote: true, ErrorCode: alertNoALPN}, ErrUnsupportedProtocol},
		{&quic.HandshakeTimeoutError{}, ErrHandshakeTimeout},
		{context.DeadlineExceeded, ErrHandshakeTimeout},
		{trust.ErrUntrusted, ErrUntrustedPeer},
		{crypto.ErrCertificateExpired, ErrBadCertificate},
		{errors.New("no route to host"), ErrUnreachable},
	}
	for _, tc := range cases {
		if got := classify(tc.in); !errors.Is(got, tc.want) {
			t.Fatalf("classify(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseAddr(t *testing.T) {
	cases := []struct {
		in, want string
		err      error
	}{
		{"127.0.0.1:4242", "127.0.0.1:4242", nil},
		{"/ip4/192.0.2.1/udp/4242/quic-v1", "192.0.2.1:4242", nil},
		{"/ip6/::1/udp/9/quic-v1", "[::1]:9", nil},
		{"/dns4/node.example/udp/1/quic-v1", "node.example:1", nil},
		{"/ip4/192.0.2.1/tcp/4242", "", ErrUnsupportedProtocol},
		{"no-port", "", ErrUnreachable},
		{"", "", ErrUnreachable},
	}
	for _, tc := range cases {
		got, err := ParseAddr(tc.in)
		if tc.err != nil {
			if !errors.Is(err, tc.err) {
				t.Fatalf("ParseAddr(%q) err = %v, want %v", tc.in, err, tc.err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Fatalf("ParseAddr(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
}
