package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	poolMaxRetries  = 2
	poolBackoffBase = 100 * time.Millisecond
	poolBackoffMax  = 1 * time.Second
)

type pooledConn struct {
	conn     *Conn
	lastUsed time.Time
}

type addrFailure struct {
	count int
	last  time.Time
}

type clientPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	failures  map[string]*addrFailure
	idleAfter time.Duration
}

func newClientPool(idleAfter time.Duration) *clientPool {
	return &clientPool{
		conns:     make(map[string]*pooledConn),
		failures:  make(map[string]*addrFailure),
		idleAfter: idleAfter,
	}
}

// get returns a live pooled connection or dials a new one, retrying
// transient failures with backoff. Trust refusals are not retried.
func (p *clientPool) get(ctx context.Context, addr string, dial func(context.Context) (*Conn, error)) (*Conn, error) {
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok {
		if ent.conn.qc.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			c := ent.conn
			p.mu.Unlock()
			return c, nil
		}
		delete(p.conns, addr)
		stale := ent.conn
		p.mu.Unlock()
		_ = stale.Close()
	} else {
		p.mu.Unlock()
	}

	var lastErr error
	for attempt := 0; attempt <= poolMaxRetries; attempt++ {
		c, err := dial(ctx)
		if err == nil {
			p.resetFailures(addr)
			p.mu.Lock()
			p.conns[addr] = &pooledConn{conn: c, lastUsed: time.Now()}
			p.mu.Unlock()
			return c, nil
		}
		lastErr = err
		if !retryable(err) || !backoffRetry(ctx, p.recordFailure(addr)) {
			break
		}
	}
	return nil, lastErr
}

func retryable(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrHandshakeTimeout) || errors.Is(err, ErrClosed)
}

// drop removes c from the pool, e.g. after a trust change.
func (p *clientPool) drop(addr string, c *Conn) {
	p.mu.Lock()
	if ent, ok := p.conns[addr]; ok && ent.conn == c {
		delete(p.conns, addr)
	}
	p.mu.Unlock()
	_ = c.Close()
}

func (p *clientPool) closeAll() {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.Close()
	}
}

func (p *clientPool) recordFailure(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent := p.failures[addr]
	if ent == nil {
		ent = &addrFailure{}
		p.failures[addr] = ent
	}
	ent.count++
	ent.last = time.Now()
	return ent.count
}

func (p *clientPool) resetFailures(addr string) {
	p.mu.Lock()
	delete(p.failures, addr)
	p.mu.Unlock()
}

func backoffRetry(ctx context.Context, failures int) bool {
	if failures <= 0 {
		return false
	}
	d := poolBackoffBase
	if failures > 1 {
		d = d * time.Duration(1<<uint(failures-1))
	}
	if d > poolBackoffMax {
		d = poolBackoffMax
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Forget drops the pooled connection to addr, if any.
func (t *Transport) Forget(addr string) {
	t.pool.mu.Lock()
	ent, ok := t.pool.conns[addr]
	t.pool.mu.Unlock()
	if ok {
		t.pool.drop(addr, ent.conn)
	}
}
