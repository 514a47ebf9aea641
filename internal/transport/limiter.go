package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type ipLimiter struct {
	mu           sync.Mutex
	maxConns     int
	maxStreams   int
	connCounts   map[string]int
	streamCounts map[string]int
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		maxConns:     maxConns,
		maxStreams:   maxStreams,
		connCounts:   make(map[string]int),
		streamCounts: make(map[string]int),
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	if l.maxConns <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] >= l.maxConns {
		return false
	}
	l.connCounts[ip]++
	return true
}

func (l *ipLimiter) releaseConn(ip string) {
	if l.maxConns <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.connCounts[ip] <= 1 {
		delete(l.connCounts, ip)
		return
	}
	l.connCounts[ip]--
}

func (l *ipLimiter) acquireStream(ip string) bool {
	if l.maxStreams <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamCounts[ip] >= l.maxStreams {
		return false
	}
	l.streamCounts[ip]++
	return true
}

func (l *ipLimiter) releaseStream(ip string) {
	if l.maxStreams <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.streamCounts[ip] <= 1 {
		delete(l.streamCounts, ip)
		return
	}
	l.streamCounts[ip]--
}

// handshakeLimiter is a token bucket per remote IP, evicting idle buckets.
type handshakeLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byIP  map[string]*bucket
	calls uint64
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// newHandshakeLimiter returns nil (no limit) when perSecond <= 0.
func newHandshakeLimiter(perSecond float64, burst int) *handshakeLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &handshakeLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		byIP:    make(map[string]*bucket),
	}
}

func (l *handshakeLimiter) allow(ip string, now time.Time) bool {
	if l == nil || ip == "" {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.byIP[ip]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.byIP[ip] = b
	}
	b.lastSeen = now
	ok = b.lim.AllowN(now, 1)

	l.calls++
	if l.calls%512 == 0 {
		cutoff := now.Add(-l.idleTTL)
		for k, v := range l.byIP {
			if v.lastSeen.Before(cutoff) {
				delete(l.byIP, k)
			}
		}
	}
	return ok
}
