package node

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"meshtrust/internal/classify"
)

const (
	defaultSummaryTTL = 24 * time.Hour
	defaultSummaryMax = 4096
)

type summaryEntry struct {
	key     string
	summary classify.Summary
	ts      time.Time
}

// summaryBook keeps the latest pushed summary per contributor, newest first,
// bounded by age and count.
type summaryBook struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	items   map[string]*list.Element
	order   *list.List
}

func newSummaryBook(ttl time.Duration, maxSize int) *summaryBook {
	if ttl <= 0 {
		ttl = defaultSummaryTTL
	}
	if maxSize <= 0 {
		maxSize = defaultSummaryMax
	}
	return &summaryBook{
		ttl:     ttl,
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
	}
}

func (b *summaryBook) put(s classify.Summary, now time.Time) {
	key := strings.ToLower(s.Contributor)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneExpiredLocked(now)
	if el, ok := b.items[key]; ok {
		ent := el.Value.(*summaryEntry)
		ent.summary = s
		ent.ts = now
		b.order.MoveToFront(el)
		return
	}
	el := b.order.PushFront(&summaryEntry{key: key, summary: s, ts: now})
	b.items[key] = el
	for b.order.Len() > b.maxSize {
		back := b.order.Back()
		old := back.Value.(*summaryEntry)
		delete(b.items, old.key)
		b.order.Remove(back)
	}
}

func (b *summaryBook) list(now time.Time) []classify.Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneExpiredLocked(now)
	out := make([]classify.Summary, 0, b.order.Len())
	for el := b.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*summaryEntry).summary)
	}
	return out
}

func (b *summaryBook) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.order.Len()
}

func (b *summaryBook) pruneExpiredLocked(now time.Time) {
	cutoff := now.Add(-b.ttl)
	for {
		back := b.order.Back()
		if back == nil {
			return
		}
		ent := back.Value.(*summaryEntry)
		if ent.ts.After(cutoff) {
			return
		}
		delete(b.items, ent.key)
		b.order.Remove(back)
	}
}
