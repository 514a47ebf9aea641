package replay

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"meshtrust/internal/crypto"
	"meshtrust/internal/testutil"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newGuard(t *testing.T, opts Options) *Guard {
	t.Helper()
	g, err := New(opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return g
}

func nonce(b byte) Nonce {
	var n Nonce
	n[0] = b
	n[15] = b
	return n
}

var alice = crypto.Fingerprint{1, 2, 3, 4, 5, 6, 7, 8}

func expectCheck(t *testing.T, err error, want Check) {
	t.Helper()
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("expected replay error (%s), got %v", want, err)
	}
	if re.Check != want {
		t.Fatalf("expected %s check, got %s", want, re.Check)
	}
	if !errors.Is(err, ErrReplay) {
		t.Fatalf("expected errors.Is(ErrReplay)")
	}
}

func TestDuplicateMessageRejected(t *testing.T) {
	c := &clock{t: time.Now()}
	g := newGuard(t, Options{Now: c.now})
	ts := c.t.UnixMilli()
	if err := g.Check(alice, ts, nonce(1), 10); err != nil {
		t.Fatalf("first Check failed: %v", err)
	}
	expectCheck(t, g.Check(alice, ts, nonce(1), 10), CheckNonce)
}

func TestSequenceMustIncrease(t *testing.T) {
	c := &clock{t: time.Now()}
	g := newGuard(t, Options{Now: c.now})
	ts := c.t.UnixMilli()
	if err := g.Check(alice, ts, nonce(1), 10); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	expectCheck(t, g.Check(alice, ts, nonce(2), 10), CheckSequence)
	expectCheck(t, g.Check(alice, ts, nonce(3), 9), CheckSequence)
	if err := g.Check(alice, ts, nonce(4), 11); err != nil {
		t.Fatalf("Check with next sequence failed: %v", err)
	}
	if seq, ok := g.LastSequence(alice); !ok || seq != 11 {
		t.Fatalf("unexpected last sequence %d %v", seq, ok)
	}
}

func TestTimestampWindow(t *testing.T) {
	c := &clock{t: time.Now()}
	g := newGuard(t, Options{Now: c.now})
	old := c.t.Add(-DefaultWindow - time.Second).UnixMilli()
	expectCheck(t, g.Check(alice, old, nonce(1), 1), CheckTimestamp)
	future := c.t.Add(DefaultWindow + time.Second).UnixMilli()
	expectCheck(t, g.Check(alice, future, nonce(2), 2), CheckTimestamp)
	edge := c.t.Add(-DefaultWindow + time.Second).UnixMilli()
	if err := g.Check(alice, edge, nonce(3), 3); err != nil {
		t.Fatalf("Check inside window failed: %v", err)
	}
}

func TestRejectedMessageLeavesNoState(t *testing.T) {
	c := &clock{t: time.Now()}
	g := newGuard(t, Options{Now: c.now})
	stale := c.t.Add(-time.Hour).UnixMilli()
	expectCheck(t, g.Check(alice, stale, nonce(1), 50), CheckTimestamp)
	if _, ok := g.LastSequence(alice); ok {
		t.Fatalf("rejected message committed a sequence")
	}
	if err := g.Check(alice, c.t.UnixMilli(), nonce(1), 5); err != nil {
		t.Fatalf("nonce from rejected message was recorded: %v", err)
	}
}

func TestNonceCacheEvictsOldestFirst(t *testing.T) {
	c := &clock{t: time.Now()}
	g := newGuard(t, Options{Now: c.now, NonceCacheSize: 3})
	ts := c.t.UnixMilli()
	for i := byte(1); i <= 4; i++ {
		if err := g.Check(alice, ts, nonce(i), uint64(i)); err != nil {
			t.Fatalf("Check %d failed: %v", i, err)
		}
	}
	// nonce 1 was evicted by nonce 4; nonces 2..4 are still cached.
	if err := g.Check(alice, ts, nonce(1), 5); err != nil {
		t.Fatalf("evicted nonce should pass the nonce check: %v", err)
	}
	expectCheck(t, g.Check(alice, ts, nonce(3), 6), CheckNonce)
}

func TestSendersAreIndependent(t *testing.T) {
	c := &clock{t: time.Now()}
	g := newGuard(t, Options{Now: c.now})
	bob := crypto.Fingerprint{9}
	ts := c.t.UnixMilli()
	if err := g.Check(alice, ts, nonce(1), 100); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if err := g.Check(bob, ts, nonce(1), 1); err != nil {
		t.Fatalf("other sender affected: %v", err)
	}
}

func TestConcurrentDuplicateAcceptedOnce(t *testing.T) {
	g := newGuard(t, Options{})
	ts := time.Now().UnixMilli()
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.Check(alice, ts, nonce(7), 7) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 1 {
		t.Fatalf("expected exactly one acceptance, got %d", ok.Load())
	}
}

func TestPersistedMarksSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replay.json")
	c := &clock{t: time.Now()}
	g := newGuard(t, Options{Now: c.now, StatePath: path, FenceStartup: true})
	ts := c.t.UnixMilli()
	if err := g.Check(alice, ts, nonce(1), 500); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	testutil.AssertPrivateFilePerm(t, path)

	c.t = c.t.Add(time.Second)
	restarted := newGuard(t, Options{Now: c.now, StatePath: path, FenceStartup: true})
	// Replay of the pre-restart message is refused even though the nonce cache is empty.
	expectCheck(t, restarted.Check(alice, ts, nonce(1), 500), CheckTimestamp)

	fresh := c.t.UnixMilli()
	expectCheck(t, restarted.Check(alice, fresh, nonce(2), 400), CheckSequence)
	if err := restarted.Check(alice, fresh, nonce(3), 501); err != nil {
		t.Fatalf("fresh message after restart failed: %v", err)
	}
}

func TestStartupFenceForUnknownSender(t *testing.T) {
	c := &clock{t: time.Now()}
	g := newGuard(t, Options{Now: c.now, FenceStartup: true})
	before := c.t.Add(-time.Second).UnixMilli()
	expectCheck(t, g.Check(alice, before, nonce(1), 1), CheckTimestamp)
	if err := g.Check(alice, c.t.UnixMilli(), nonce(2), 2); err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	// Once the sender is live, ordering falls to nonce and sequence checks.
	if err := g.Check(alice, before, nonce(3), 3); err != nil {
		t.Fatalf("live sender fenced: %v", err)
	}
}
