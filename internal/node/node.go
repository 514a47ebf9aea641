package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"meshtrust/internal/auth"
	"meshtrust/internal/classify"
	"meshtrust/internal/config"
	"meshtrust/internal/crypto"
	"meshtrust/internal/debuglog"
	"meshtrust/internal/identity"
	"meshtrust/internal/metrics"
	"meshtrust/internal/policy"
	"meshtrust/internal/replay"
	"meshtrust/internal/rotation"
	"meshtrust/internal/store"
	"meshtrust/internal/transport"
	"meshtrust/internal/trust"
)

const (
	defaultTrustJournal = "trust.jsonl"
	defaultReplayState  = "replay.json"
	defaultSnapshot     = "metrics.json"
	maxLocalRecords     = 10000
)

type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Prompter trust.Prompter
	Now      func() time.Time
}

// Node wires the identity, trust, replay, policy, classification, rotation
// and transport components for one mesh member.
type Node struct {
	cfg     config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	ids       *identity.Store
	trust     *trust.Store
	resolver  *trust.Resolver
	guard     *replay.Guard
	signer    *auth.Signer
	verifier  *auth.Verifier
	policy    *policy.Engine
	enforcer  *classify.Enforcer
	rotation  *rotation.Coordinator
	transport *transport.Transport

	book      *addrBook
	summaries *summaryBook
	workers   *workers

	recMu   sync.Mutex
	records []classify.RawRecord

	listenMu   sync.RWMutex
	listenAddr string

	ctx       context.Context
	cancel    context.CancelFunc
	ran       atomic.Bool
	closeOnce sync.Once
}

func New(cfg config.Config, opts Options) (_ *Node, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := store.EnsureDir(cfg.Home); err != nil {
		return nil, err
	}
	n := &Node{
		cfg:       cfg,
		log:       debuglog.OrDiscard(opts.Logger),
		metrics:   opts.Metrics,
		now:       opts.Now,
		summaries: newSummaryBook(0, 0),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	if n.metrics == nil {
		n.metrics = metrics.New()
	}
	if n.now == nil {
		n.now = time.Now
	}

	ids, err := identity.Open(cfg.Home, identity.Options{Now: n.now})
	if err != nil {
		return nil, err
	}
	id, err := ids.LoadOrCreate()
	if err != nil {
		return nil, err
	}
	n.ids = ids
	defer func() {
		if err != nil {
			n.cancel()
			ids.Close()
		}
	}()

	tcfg, err := trust.LoadConfig(cfg.Path(cfg.TrustFile))
	if err != nil {
		return nil, fmt.Errorf("trust config: %w", err)
	}
	n.trust, err = trust.Open(trust.Options{
		JournalPath: cfg.Path(defaultTrustJournal),
		Config:      tcfg,
		Now:         n.now,
		Logger:      n.log,
	})
	if err != nil {
		return nil, err
	}
	n.resolver = trust.NewResolver(n.trust, tcfg, trust.ResolverOptions{Prompter: opts.Prompter, Logger: n.log})

	n.guard, err = replay.New(replay.Options{
		Window:         cfg.ReplayWindow,
		NonceCacheSize: cfg.NonceCache,
		Now:            n.now,
		StatePath:      cfg.Path(defaultReplayState),
		FenceStartup:   true,
	})
	if err != nil {
		return nil, err
	}
	n.signer = auth.NewSigner(ids, n.now)
	n.verifier = auth.NewVerifier(n.trust, n.guard, n.now)
	n.policy = policy.New(policy.Options{
		Logger: n.log,
		OnDecision: func(op policy.Operation, class classify.Classification, d policy.Decision) {
			n.metrics.PolicyDecision(op.String(), class.String(), d.String())
		},
	})
	n.enforcer = classify.NewEnforcer(classify.Options{MinContributors: cfg.MinContributors, Now: n.now})

	n.book, err = newAddrBook(cfg.Path(defaultAddrBook))
	if err != nil {
		return nil, err
	}
	for _, p := range cfg.Peers {
		if p.Fingerprint == "" {
			continue
		}
		fp, err := crypto.ParseFingerprint(p.Fingerprint)
		if err != nil {
			return nil, err
		}
		if err := n.book.upsert(fp, p.Addr, false); err != nil {
			return nil, err
		}
	}

	n.rotation, err = rotation.New(ids, rotation.Options{
		Grace:       cfg.RotationGrace,
		Broadcaster: n,
		Logger:      n.log,
		OnBroadcast: n.metrics.RotationBroadcast,
	})
	if err != nil {
		return nil, err
	}
	n.transport, err = transport.New(transport.Options{
		Keys:             ids,
		Verifier:         transport.TrustVerifier{Resolver: n.resolver},
		Endorsement:      n.rotation.Endorsement,
		HandshakeTimeout: cfg.HandshakeTimeout,
		IdleTimeout:      cfg.IdleTimeout,
		MaxConnsPerIP:    cfg.MaxConnsPerIP,
		HandshakeRate:    cfg.HandshakeRate,
		HandshakeBurst:   cfg.HandshakeBurst,
		Logger:           n.log,
		Now:              n.now,
		OnHandshake:      n.metrics.Handshake,
	})
	if err != nil {
		return nil, err
	}
	n.workers = newWorkers(cfg.Workers)
	n.metrics.SetTrustEntries(len(n.trust.List()))
	n.log.Info("node ready", "fingerprint", id.Fingerprint().String(), "home", cfg.Home)
	return n, nil
}

func (n *Node) Fingerprint() crypto.Fingerprint {
	if id := n.ids.Current(); id != nil {
		return id.Fingerprint()
	}
	return crypto.Fingerprint{}
}

func (n *Node) Identity() *identity.Store       { return n.ids }
func (n *Node) Trust() *trust.Store             { return n.trust }
func (n *Node) Metrics() *metrics.Metrics       { return n.metrics }
func (n *Node) Rotation() *rotation.Coordinator { return n.rotation }

// AddPeer records where fp can be dialed and persists it.
func (n *Node) AddPeer(fp crypto.Fingerprint, addr string) error {
	return n.book.upsert(fp, addr, true)
}

func (n *Node) RemovePeer(fp crypto.Fingerprint) error {
	return n.book.remove(fp)
}

func (n *Node) PeerAddr(fp crypto.Fingerprint) (string, bool) {
	return n.book.lookup(fp)
}

// Record adds one local usage observation. Raw records never leave the
// node; only their summary does.
func (n *Node) Record(command string, exitCode int, at time.Time) {
	rec := classify.NewRawRecord(command, exitCode, at)
	n.recMu.Lock()
	n.records = append(n.records, rec)
	if over := len(n.records) - maxLocalRecords; over > 0 {
		n.records = append(n.records[:0], n.records[over:]...)
	}
	n.recMu.Unlock()
}

// LocalSummary is the L1 view of the local records.
func (n *Node) LocalSummary() classify.Summary {
	n.recMu.Lock()
	recs := append([]classify.RawRecord(nil), n.records...)
	n.recMu.Unlock()
	return n.enforcer.Summarize(n.Fingerprint(), recs)
}

// Aggregate combines the pushed summaries with the local one. It fails with
// classify.ErrInsufficientData below the contributor threshold.
func (n *Node) Aggregate() (classify.AggregatedMetrics, error) {
	summaries := n.currentContributors(n.summaries.list(n.now()))
	local := n.LocalSummary()
	if local.Success+local.Failure > 0 {
		summaries = append(summaries, local)
	}
	return n.enforcer.Aggregate(summaries)
}

// currentContributors files every summary under the newest key of its
// contributor, following rotation links in the trust store, and keeps only
// the most recent summary per identity. A peer that rotated counts once.
func (n *Node) currentContributors(in []classify.Summary) []classify.Summary {
	next := make(map[string]string)
	for _, e := range n.trust.List() {
		if !e.RotatedFrom.IsZero() {
			next[e.RotatedFrom.String()] = e.Fingerprint.String()
		}
		if !e.SupersededBy.IsZero() {
			next[e.Fingerprint.String()] = e.SupersededBy.String()
		}
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]classify.Summary, 0, len(in))
	for _, s := range in {
		id := strings.ToLower(s.Contributor)
		for hops := 0; hops <= len(next); hops++ {
			succ, ok := next[id]
			if !ok {
				break
			}
			id = succ
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		s.Contributor = id
		out = append(out, s)
	}
	return out
}

// Rotate switches to a fresh key, drops outbound connections made with the
// old certificate and notifies known peers in the background.
func (n *Node) Rotate() (*identity.RotationResult, error) {
	res, err := n.rotation.Rotate(n.ctx)
	if err != nil {
		return nil, err
	}
	n.transport.ResetPool()
	return res, nil
}

// linked reports whether a message signed by sender may arrive on a
// connection authenticated as remote: same key, or one rotated from the other.
func (n *Node) linked(sender, remote crypto.Fingerprint) bool {
	if sender == remote {
		return true
	}
	if e, ok := n.trust.Get(sender); ok && e.RotatedFrom == remote {
		return true
	}
	if e, ok := n.trust.Get(remote); ok && e.RotatedFrom == sender {
		return true
	}
	return false
}

// Status is the operator view served at /status.
type Status struct {
	Fingerprint  string    `json:"fingerprint"`
	Listen       string    `json:"listen,omitempty"`
	Rotation     string    `json:"rotation"`
	GraceUntil   time.Time `json:"grace_until,omitempty"`
	Pending      []string  `json:"pending_rotation_peers,omitempty"`
	TrustEntries int       `json:"trust_entries"`
	Peers        int       `json:"known_peers"`
	Summaries    int       `json:"summaries"`
}

func (n *Node) Status() Status {
	state, until := n.rotation.State()
	st := Status{
		Fingerprint:  n.Fingerprint().String(),
		Listen:       n.ListenAddr(),
		Rotation:     state.String(),
		GraceUntil:   until,
		TrustEntries: len(n.trust.List()),
		Peers:        len(n.book.fingerprints()),
		Summaries:    n.summaries.len(),
	}
	for _, fp := range n.rotation.PendingPeers() {
		st.Pending = append(st.Pending, fp.String())
	}
	return st
}

func (n *Node) ListenAddr() string {
	n.listenMu.RLock()
	defer n.listenMu.RUnlock()
	return n.listenAddr
}

func (n *Node) setListenAddr(addr string) {
	n.listenMu.Lock()
	n.listenAddr = addr
	n.listenMu.Unlock()
}

// Close flushes replay marks, compacts the address book and drops
// connections. The metrics snapshot is written only if Run was called. It is
// safe to call more than once.
func (n *Node) Close() error {
	var errs []error
	n.closeOnce.Do(func() {
		n.cancel()
		n.rotation.Wait()
		_ = n.transport.Close()
		n.workers.close()
		if err := n.guard.Close(); err != nil {
			errs = append(errs, fmt.Errorf("flush replay state: %w", err))
		}
		if err := n.book.compact(); err != nil {
			errs = append(errs, fmt.Errorf("compact address book: %w", err))
		}
		// An offline node (CLI edits) must not clobber the running node's snapshot.
		if n.ran.Load() {
			if err := n.metrics.WriteSnapshot(n.cfg.Path(defaultSnapshot)); err != nil {
				errs = append(errs, err)
			}
		}
		n.ids.Close()
	})
	return errors.Join(errs...)
}

func sameFingerprint(a string, b crypto.Fingerprint) bool {
	return strings.EqualFold(strings.TrimSpace(a), b.String())
}
