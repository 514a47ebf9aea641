package rotation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshtrust/internal/crypto"
	"meshtrust/internal/debuglog"
	"meshtrust/internal/identity"
	"meshtrust/internal/proto"
	"meshtrust/internal/trust"
)

const DefaultBroadcastTimeout = 15 * time.Second

var (
	ErrInvalidEndorsement = proto.ErrBadEndorsement
	ErrExpiredEndorsement = proto.ErrEndorsementExpired
)

type State uint8

const (
	Active State = iota
	Rotating
)

func (s State) String() string {
	if s == Rotating {
		return "rotating"
	}
	return "active"
}

// Broadcaster delivers an encoded endorsement to known peers. Each call is
// independent; a failure only affects that peer.
type Broadcaster interface {
	Peers() []crypto.Fingerprint
	SendEndorsement(ctx context.Context, peer crypto.Fingerprint, endorsement []byte) error
}

type Options struct {
	Grace            time.Duration
	BroadcastTimeout time.Duration
	Broadcaster      Broadcaster
	Logger           *slog.Logger
	// OnBroadcast observes each per-peer delivery attempt.
	OnBroadcast func(delivered bool)
}

// Coordinator drives Active -> Rotating -> Active for the local identity.
type Coordinator struct {
	ids  *identity.Store
	opts Options
	log  *slog.Logger
	wg   sync.WaitGroup

	mu          sync.Mutex
	state       State
	until       time.Time
	endorsement []byte
	pending     map[crypto.Fingerprint]struct{}
}

// New resumes a rotation left in the identity file by a previous run.
func New(ids *identity.Store, opts Options) (*Coordinator, error) {
	if opts.Grace <= 0 {
		opts.Grace = identity.DefaultGrace
	}
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = DefaultBroadcastTimeout
	}
	c := &Coordinator{
		ids:     ids,
		opts:    opts,
		log:     debuglog.OrDiscard(opts.Logger),
		pending: make(map[crypto.Fingerprint]struct{}),
	}
	if id := ids.Current(); id != nil && id.Rotation != nil && id.Rotation.Endorsement != nil {
		raw, err := proto.EncodeEndorsement(id.Rotation.Endorsement)
		if err != nil {
			return nil, err
		}
		c.state = Rotating
		c.until = id.Rotation.GraceUntil
		c.endorsement = raw
		// Delivery state is not persisted; every known peer is owed the notice again.
		if opts.Broadcaster != nil {
			for _, fp := range opts.Broadcaster.Peers() {
				c.pending[fp] = struct{}{}
			}
		}
	}
	return c, nil
}

// State reports the current state and, while rotating, when it ends.
func (c *Coordinator) State() (State, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.until
}

// Endorsement returns the encoded endorsement while rotating, else nil.
func (c *Coordinator) Endorsement() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Rotating {
		return nil
	}
	return append([]byte(nil), c.endorsement...)
}

// Rotate switches the identity to a fresh key and starts a best-effort
// broadcast. It returns as soon as the new key is active.
func (c *Coordinator) Rotate(ctx context.Context) (*identity.RotationResult, error) {
	res, err := c.ids.Rotate(c.opts.Grace)
	if err != nil {
		return nil, err
	}
	raw, err := proto.EncodeEndorsement(res.Endorsement)
	if err != nil {
		return nil, err
	}

	var peers []crypto.Fingerprint
	if c.opts.Broadcaster != nil {
		peers = c.opts.Broadcaster.Peers()
	}
	c.mu.Lock()
	c.state = Rotating
	c.until = res.Endorsement.ValidUntil
	c.endorsement = raw
	c.pending = make(map[crypto.Fingerprint]struct{}, len(peers))
	for _, fp := range peers {
		c.pending[fp] = struct{}{}
	}
	c.mu.Unlock()

	c.log.Info("identity rotated",
		"old", crypto.FingerprintOf(res.Old).String(),
		"new", crypto.FingerprintOf(res.New).String(),
		"until", res.Endorsement.ValidUntil,
		"peers", len(peers),
	)
	for _, fp := range peers {
		c.wg.Add(1)
		go c.deliver(ctx, fp, raw)
	}
	return res, nil
}

func (c *Coordinator) deliver(ctx context.Context, fp crypto.Fingerprint, raw []byte) {
	defer c.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, c.opts.BroadcastTimeout)
	defer cancel()
	err := c.opts.Broadcaster.SendEndorsement(ctx, fp, raw)
	if c.opts.OnBroadcast != nil {
		c.opts.OnBroadcast(err == nil)
	}
	if err != nil {
		c.log.Debug("endorsement delivery deferred", "peer", fp.String(), "err", err)
		return
	}
	c.Delivered(fp)
}

// Wait blocks until in-flight broadcasts finish.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Pending reports whether fp still needs the endorsement.
func (c *Coordinator) Pending(fp crypto.Fingerprint) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[fp]
	return ok
}

func (c *Coordinator) PendingPeers() []crypto.Fingerprint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]crypto.Fingerprint, 0, len(c.pending))
	for fp := range c.pending {
		out = append(out, fp)
	}
	return out
}

// Delivered marks fp as having received the endorsement, eagerly or on
// a later contact.
func (c *Coordinator) Delivered(fp crypto.Fingerprint) {
	c.mu.Lock()
	delete(c.pending, fp)
	c.mu.Unlock()
}

// Tick completes the rotation once the grace window is over. It reports
// whether a transition happened.
func (c *Coordinator) Tick(now time.Time) (bool, error) {
	c.mu.Lock()
	if c.state != Rotating || now.Before(c.until) {
		c.mu.Unlock()
		return false, nil
	}
	c.mu.Unlock()

	if err := c.ids.ClearRotation(); err != nil {
		return false, err
	}

	c.mu.Lock()
	undelivered := len(c.pending)
	c.state = Active
	c.until = time.Time{}
	c.endorsement = nil
	c.pending = make(map[crypto.Fingerprint]struct{})
	c.mu.Unlock()
	c.log.Info("rotation complete", "undelivered", undelivered)
	return true, nil
}

// Accept applies an endorsement received from a peer to the local trust
// store, mapping failures onto the rotation error set.
func Accept(st *trust.Store, raw []byte) (*proto.Endorsement, error) {
	en, err := proto.DecodeEndorsement(raw)
	if err != nil {
		return nil, err
	}
	if err := st.ApplyEndorsement(en); err != nil {
		if errors.Is(err, ErrExpiredEndorsement) || errors.Is(err, ErrInvalidEndorsement) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidEndorsement, err)
	}
	return en, nil
}
