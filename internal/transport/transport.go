package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"meshtrust/internal/crypto"
	"meshtrust/internal/debuglog"
	"meshtrust/internal/proto"
	"meshtrust/internal/trust"
)

const (
	ALPN = "meshtrust/1"

	DefaultHandshakeTimeout = 10 * time.Second
	DefaultIdleTimeout      = 2 * time.Minute
	DefaultStreamTimeout    = 10 * time.Second
	DefaultMaxConnsPerIP    = 8
	DefaultMaxStreamsPerIP  = 64

	keepAlivePeriod = 20 * time.Second
	certRenewBefore = 24 * time.Hour
	serverName      = "meshtrust"
)

// KeySource yields the active identity key. Rotation swaps the key; the
// transport re-issues its certificate on the next handshake.
type KeySource interface {
	SigningKey() (*crypto.KeyPair, error)
}

type Options struct {
	Keys     KeySource
	Verifier PeerVerifier
	// Endorsement returns the rotation endorsement to embed in the
	// certificate, or nil outside a rotation.
	Endorsement func() []byte

	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	StreamTimeout    time.Duration
	MaxConnsPerIP    int
	MaxStreamsPerIP  int
	HandshakeRate    float64 // per remote IP per second, 0 disables
	HandshakeBurst   int

	Logger *slog.Logger
	Now    func() time.Time
	// OnHandshake observes handshake outcomes ("ok", "untrusted", ...).
	OnHandshake func(outcome string)
}

type Transport struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	limits *ipLimiter
	hs     *handshakeLimiter
	pool   *clientPool

	certMu  sync.Mutex
	cert    *tls.Certificate
	certFP  crypto.Fingerprint
	certEnd []byte
	certExp time.Time
}

func New(opts Options) (*Transport, error) {
	if opts.Keys == nil {
		return nil, errors.New("transport: missing key source")
	}
	if opts.Verifier == nil {
		return nil, errors.New("transport: missing peer verifier")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = DefaultStreamTimeout
	}
	if opts.MaxConnsPerIP == 0 {
		opts.MaxConnsPerIP = DefaultMaxConnsPerIP
	}
	if opts.MaxStreamsPerIP == 0 {
		opts.MaxStreamsPerIP = DefaultMaxStreamsPerIP
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	t := &Transport{
		opts:   opts,
		log:    debuglog.OrDiscard(opts.Logger),
		now:    now,
		limits: newIPLimiter(opts.MaxConnsPerIP, opts.MaxStreamsPerIP),
		hs:     newHandshakeLimiter(opts.HandshakeRate, opts.HandshakeBurst),
	}
	t.pool = newClientPool(opts.IdleTimeout)
	return t, nil
}

func (t *Transport) observe(outcome string) {
	if t.opts.OnHandshake != nil {
		t.opts.OnHandshake(outcome)
	}
}

// certificate returns the current self-signed certificate, re-issuing it
// when the key or endorsement changed or expiry is near.
func (t *Transport) certificate() (*tls.Certificate, error) {
	kp, err := t.opts.Keys.SigningKey()
	if err != nil {
		return nil, err
	}
	var endorsement []byte
	if t.opts.Endorsement != nil {
		endorsement = t.opts.Endorsement()
	}
	now := t.now()

	t.certMu.Lock()
	defer t.certMu.Unlock()
	if t.cert != nil && t.certFP == kp.Fingerprint() && bytes.Equal(t.certEnd, endorsement) &&
		now.Before(t.certExp.Add(-certRenewBefore)) {
		return t.cert, nil
	}
	cert, err := crypto.NewPeerCertificate(kp, now, crypto.DefaultCertValidity, endorsement)
	if err != nil {
		return nil, err
	}
	t.cert = &cert
	t.certFP = kp.Fingerprint()
	t.certEnd = endorsement
	t.certExp = cert.Leaf.NotAfter
	return t.cert, nil
}

func (t *Transport) verifyCert(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	_, err := crypto.VerifyPeerCertificate(rawCerts, t.now())
	return err
}

// Chain validation is replaced by verifyCert plus the PeerVerifier.
func (t *Transport) baseTLS() *tls.Config {
	return &tls.Config{
		MinVersion:            tls.VersionTLS13,
		NextProtos:            []string{ALPN},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: t.verifyCert,
	}
}

func (t *Transport) serverTLS() *tls.Config {
	conf := t.baseTLS()
	conf.ClientAuth = tls.RequireAnyClientCert
	conf.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		return t.certificate()
	}
	conf.GetConfigForClient = func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		if hello.Conn == nil {
			return nil, nil
		}
		if ip := hostOf(hello.Conn.RemoteAddr()); !t.hs.allow(ip, t.now()) {
			t.observe("rate_limited")
			debuglog.RateLimited(t.log, "hs-limit:"+ip, time.Minute, "handshake rate limited", "ip", ip)
			return nil, ErrRateLimited
		}
		return nil, nil
	}
	return conf
}

func (t *Transport) clientTLS() *tls.Config {
	conf := t.baseTLS()
	conf.ServerName = serverName
	conf.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		return t.certificate()
	}
	return conf
}

func (t *Transport) quicConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: t.opts.HandshakeTimeout,
		MaxIdleTimeout:       t.opts.IdleTimeout,
		KeepAlivePeriod:      keepAlivePeriod,
	}
}

// Dial connects to addr (host:port or multiaddr). When expect is set the
// remote must present that fingerprint or an endorsed successor of it.
func (t *Transport) Dial(ctx context.Context, addr string, expect *crypto.Fingerprint) (*Conn, error) {
	hostport, err := ParseAddr(addr)
	if err != nil {
		return nil, opError("dial", addr, err)
	}
	ctx, cancel := context.WithTimeout(ctx, t.opts.HandshakeTimeout)
	defer cancel()
	qc, err := quic.DialAddr(ctx, hostport, t.clientTLS(), t.quicConfig())
	if err != nil {
		err = opError("dial", addr, err)
		t.observe(outcomeOf(err))
		return nil, err
	}
	c, err := t.establish(ctx, qc, expect)
	if err != nil {
		err = opError("dial", addr, err)
		t.observe(outcomeOf(err))
		return nil, err
	}
	t.observe("ok")
	return c, nil
}

// Connect returns a pooled connection to addr, dialing when needed.
func (t *Transport) Connect(ctx context.Context, addr string, expect *crypto.Fingerprint) (*Conn, error) {
	return t.pool.get(ctx, addr, func(ctx context.Context) (*Conn, error) {
		return t.Dial(ctx, addr, expect)
	})
}

// ResetPool closes pooled outbound connections; later Connect calls redial
// with the current certificate.
func (t *Transport) ResetPool() {
	t.pool.closeAll()
}

// Close drops pooled outbound connections.
func (t *Transport) Close() error {
	t.ResetPool()
	return nil
}

// establish runs after the TLS handshake: certificate parse, optional
// fingerprint expectation, then the trust decision.
func (t *Transport) establish(ctx context.Context, qc *quic.Conn, expect *crypto.Fingerprint) (*Conn, error) {
	state := qc.ConnectionState().TLS
	if state.NegotiatedProtocol != ALPN {
		_ = qc.CloseWithError(codeProtocol, "alpn")
		return nil, fmt.Errorf("%w: negotiated %q", ErrUnsupportedProtocol, state.NegotiatedProtocol)
	}
	if len(state.PeerCertificates) == 0 {
		_ = qc.CloseWithError(codeUntrusted, "no certificate")
		return nil, ErrBadCertificate
	}
	pc, err := crypto.ParsePeerCertificate(state.PeerCertificates[0].Raw, t.now())
	if err != nil {
		_ = qc.CloseWithError(codeUntrusted, "certificate")
		return nil, err
	}
	if expect != nil && *expect != pc.Fingerprint && !t.endorsedSuccessor(pc, *expect) {
		_ = qc.CloseWithError(codeUntrusted, "unexpected peer")
		return nil, fmt.Errorf("%w: want %s, got %s", ErrFingerprintMismatch, expect, pc.Fingerprint)
	}

	peer := trust.PeerInfo{
		Fingerprint: pc.Fingerprint,
		PublicKey:   pc.PublicKey,
		Endorsement: pc.Endorsement,
	}
	if ap, err := netip.ParseAddrPort(qc.RemoteAddr().String()); err == nil {
		peer.Addr = ap.Addr()
	}
	entry, err := t.opts.Verifier.VerifyPeer(ctx, peer)
	if err != nil {
		_ = qc.CloseWithError(codeUntrusted, "untrusted")
		t.log.Warn("peer refused", "peer", pc.Fingerprint.String(), "remote", qc.RemoteAddr().String(), "err", err)
		if errors.Is(err, trust.ErrFingerprintMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUntrustedPeer, err)
	}
	t.log.Debug("peer admitted", "peer", pc.Fingerprint.String(), "trust_level", entry.Level.String())
	return &Conn{t: t, qc: qc, cert: pc, peer: entry, ip: hostOf(qc.RemoteAddr())}, nil
}

func (t *Transport) endorsedSuccessor(pc *crypto.PeerCertificate, expect crypto.Fingerprint) bool {
	if len(pc.Endorsement) == 0 {
		return false
	}
	en, err := proto.DecodeEndorsement(pc.Endorsement)
	if err != nil || en.Verify(t.now()) != nil {
		return false
	}
	return en.OldFingerprint() == expect && en.NewFingerprint() == pc.Fingerprint
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUntrustedPeer):
		return "untrusted"
	case errors.Is(err, ErrFingerprintMismatch):
		return "mismatch"
	case errors.Is(err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(err, ErrUnsupportedProtocol):
		return "protocol"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrBadCertificate):
		return "bad_certificate"
	default:
		return "unreachable"
	}
}

// -----------------------------------------------------------------------------
// Listener
// -----------------------------------------------------------------------------

type Listener struct {
	t     *Transport
	ql    *quic.Listener
	ready chan *Conn
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup
}

// Listen starts accepting on addr. Admission of each connection runs in its
// own goroutine so a slow trust prompt does not stall other peers.
func (t *Transport) Listen(addr string) (*Listener, error) {
	hostport, err := ParseAddr(addr)
	if err != nil {
		return nil, opError("listen", addr, err)
	}
	ql, err := quic.ListenAddr(hostport, t.serverTLS(), t.quicConfig())
	if err != nil {
		return nil, &Error{Op: "listen", Addr: addr, Err: fmt.Errorf("%w: %v", ErrUnreachable, err)}
	}
	l := &Listener{t: t, ql: ql, ready: make(chan *Conn), done: make(chan struct{})}
	l.wg.Add(1)
	go l.serve()
	t.log.Info("listening", "addr", Multiaddr(ql.Addr()))
	return l, nil
}

func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

func (l *Listener) serve() {
	defer l.wg.Done()
	for {
		qc, err := l.ql.Accept(context.Background())
		if err != nil {
			select {
			case <-l.done:
			default:
				l.t.log.Warn("accept failed", "err", err)
			}
			return
		}
		l.wg.Add(1)
		go l.admit(qc)
	}
}

func (l *Listener) admit(qc *quic.Conn) {
	defer l.wg.Done()
	t := l.t
	ip := hostOf(qc.RemoteAddr())
	if !t.limits.acquireConn(ip) {
		_ = qc.CloseWithError(codeLimited, "too many connections")
		t.observe("rate_limited")
		debuglog.RateLimited(t.log, "conn-limit:"+ip, time.Minute, "connection cap reached", "ip", ip)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.opts.HandshakeTimeout)
	c, err := t.establish(ctx, qc, nil)
	cancel()
	if err != nil {
		t.limits.releaseConn(ip)
		t.observe(outcomeOf(classify(err)))
		return
	}
	go func() {
		<-qc.Context().Done()
		t.limits.releaseConn(ip)
	}()
	t.observe("ok")
	select {
	case l.ready <- c:
	case <-l.done:
		_ = c.Close()
	}
}

// Accept returns the next admitted connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.ready:
		return c, nil
	case <-l.done:
		return nil, &Error{Op: "accept", Err: ErrClosed}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ql.Close()
	})
	l.wg.Wait()
	return err
}
