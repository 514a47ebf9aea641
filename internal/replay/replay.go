package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"meshtrust/internal/crypto"
	"meshtrust/internal/store"
)

const (
	DefaultWindow         = 5 * time.Minute
	DefaultNonceCacheSize = 1000

	NonceSize = 16
)

var ErrReplay = errors.New("replay rejected")

type Check uint8

const (
	CheckTimestamp Check = iota + 1
	CheckNonce
	CheckSequence
)

func (c Check) String() string {
	switch c {
	case CheckTimestamp:
		return "timestamp"
	case CheckNonce:
		return "nonce"
	case CheckSequence:
		return "sequence"
	default:
		return "unknown"
	}
}

// Error reports which of the three checks rejected a message.
type Error struct {
	Check  Check
	Sender crypto.Fingerprint
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("replay rejected (%s) from %s: %s", e.Check, e.Sender, e.Detail)
}

func (e *Error) Is(target error) bool { return target == ErrReplay }

type Nonce = [NonceSize]byte

type Options struct {
	Window         time.Duration
	NonceCacheSize int
	Now            func() time.Time
	// StatePath persists per-sender sequence marks across restarts.
	StatePath string
	// FenceStartup rejects messages timestamped before the guard started
	// from senders not yet seen in this run.
	FenceStartup bool
}

type senderState struct {
	lastSeq uint64
	haveSeq bool
	live    bool // accepted something since start
	nonces  map[Nonce]struct{}
	ring    []Nonce
	next    int
}

func (s *senderState) seen(n Nonce) bool {
	_, ok := s.nonces[n]
	return ok
}

// remember adds n, evicting the oldest nonce once the ring is full.
func (s *senderState) remember(n Nonce, capacity int) {
	if len(s.ring) < capacity {
		s.ring = append(s.ring, n)
	} else {
		delete(s.nonces, s.ring[s.next])
		s.ring[s.next] = n
		s.next = (s.next + 1) % capacity
	}
	s.nonces[n] = struct{}{}
}

type Guard struct {
	mu        sync.RWMutex
	window    time.Duration
	capacity  int
	now       func() time.Time
	path      string
	fence     bool
	startedMs int64
	senders   map[crypto.Fingerprint]*senderState
	dirty     bool
}

func New(opts Options) (*Guard, error) {
	g := &Guard{
		window:   opts.Window,
		capacity: opts.NonceCacheSize,
		now:      opts.Now,
		path:     opts.StatePath,
		fence:    opts.FenceStartup,
		senders:  make(map[crypto.Fingerprint]*senderState),
	}
	if g.window <= 0 {
		g.window = DefaultWindow
	}
	if g.capacity <= 0 {
		g.capacity = DefaultNonceCacheSize
	}
	if g.now == nil {
		g.now = time.Now
	}
	g.startedMs = g.now().UnixMilli()
	if g.path != "" {
		if err := g.load(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Guard) Window() time.Duration { return g.window }

// Check runs the timestamp, nonce and sequence checks for one message and
// records it only if all three pass. Call it after the signature verified.
func (g *Guard) Check(sender crypto.Fingerprint, timestampMs int64, nonce Nonce, seq uint64) error {
	nowMs := g.now().UnixMilli()
	skew := nowMs - timestampMs
	if skew < 0 {
		skew = -skew
	}
	if skew > g.window.Milliseconds() {
		return &Error{Check: CheckTimestamp, Sender: sender, Detail: fmt.Sprintf("skew %dms exceeds window", skew)}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.senders[sender]
	if g.fence && timestampMs < g.startedMs && (st == nil || !st.live) {
		return &Error{Check: CheckTimestamp, Sender: sender, Detail: "predates restart fence"}
	}
	if st != nil {
		if st.nonces != nil && st.seen(nonce) {
			return &Error{Check: CheckNonce, Sender: sender, Detail: "nonce already seen"}
		}
		if st.haveSeq && seq <= st.lastSeq {
			return &Error{Check: CheckSequence, Sender: sender, Detail: fmt.Sprintf("sequence %d not after %d", seq, st.lastSeq)}
		}
	} else {
		st = &senderState{}
		g.senders[sender] = st
	}
	if st.nonces == nil {
		st.nonces = make(map[Nonce]struct{}, g.capacity)
	}
	st.remember(nonce, g.capacity)
	st.lastSeq = seq
	st.haveSeq = true
	st.live = true
	g.dirty = true
	return nil
}

// LastSequence returns the highest accepted sequence for sender.
func (g *Guard) LastSequence(sender crypto.Fingerprint) (uint64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	st, ok := g.senders[sender]
	if !ok || !st.haveSeq {
		return 0, false
	}
	return st.lastSeq, true
}

// Forget drops all state for sender, e.g. after its key expired.
func (g *Guard) Forget(sender crypto.Fingerprint) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.senders[sender]; ok {
		delete(g.senders, sender)
		g.dirty = true
	}
}

// -----------------------------------------------------------------------------
// persistence
// -----------------------------------------------------------------------------

type stateFile struct {
	SavedAt time.Time                     `json:"saved_at"`
	Marks   map[crypto.Fingerprint]uint64 `json:"marks"`
}

func (g *Guard) load() error {
	raw, err := os.ReadFile(g.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	var sf stateFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return fmt.Errorf("replay state %s: %w", g.path, err)
	}
	for fp, seq := range sf.Marks {
		g.senders[fp] = &senderState{lastSeq: seq, haveSeq: true}
	}
	return nil
}

// Flush writes sequence marks if anything changed since the last flush.
func (g *Guard) Flush() error {
	if g.path == "" {
		return nil
	}
	g.mu.Lock()
	if !g.dirty {
		g.mu.Unlock()
		return nil
	}
	sf := stateFile{SavedAt: g.now().UTC(), Marks: make(map[crypto.Fingerprint]uint64, len(g.senders))}
	for fp, st := range g.senders {
		if st.haveSeq {
			sf.Marks[fp] = st.lastSeq
		}
	}
	g.dirty = false
	g.mu.Unlock()

	raw, err := json.Marshal(&sf)
	if err != nil {
		return err
	}
	if err := store.WriteFileAtomic(g.path, raw); err != nil {
		g.mu.Lock()
		g.dirty = true
		g.mu.Unlock()
		return err
	}
	return nil
}

func (g *Guard) Close() error { return g.Flush() }
