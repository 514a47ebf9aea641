package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"meshtrust/internal/crypto"
	"meshtrust/internal/store"
	"meshtrust/internal/transport"
)

var ErrUnknownPeer = errors.New("no address for peer")

const defaultAddrBook = "peers.jsonl"

// diskPeer is one address book line. A record with Removed set drops the
// fingerprint on replay.
type diskPeer struct {
	Fingerprint string `json:"fingerprint"`
	Addr        string `json:"addr,omitempty"`
	Removed     bool   `json:"removed,omitempty"`
}

// addrBook maps fingerprints to dialable addresses. Trust lives in the trust
// store; this only knows where a peer can be reached.
type addrBook struct {
	mu    sync.Mutex
	path  string
	addrs map[crypto.Fingerprint]string
}

func newAddrBook(path string) (*addrBook, error) {
	b := &addrBook{path: path, addrs: make(map[crypto.Fingerprint]string)}
	if path == "" {
		return b, nil
	}
	err := store.ReadJSONL(path, func(line []byte) error {
		var rec diskPeer
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		fp, err := crypto.ParseFingerprint(rec.Fingerprint)
		if err != nil {
			return nil
		}
		if rec.Removed {
			delete(b.addrs, fp)
			return nil
		}
		b.addrs[fp] = rec.Addr
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load address book: %w", err)
	}
	return b, nil
}

// upsert records addr for fp. persist=false is used for addresses that come
// from node.yaml, which is reread on every start.
func (b *addrBook) upsert(fp crypto.Fingerprint, addr string, persist bool) error {
	if _, err := transport.ParseAddr(addr); err != nil {
		return err
	}
	b.mu.Lock()
	prev, ok := b.addrs[fp]
	b.addrs[fp] = addr
	b.mu.Unlock()
	if !persist || b.path == "" || (ok && prev == addr) {
		return nil
	}
	return store.AppendJSONL(b.path, diskPeer{Fingerprint: fp.String(), Addr: addr})
}

func (b *addrBook) remove(fp crypto.Fingerprint) error {
	b.mu.Lock()
	_, ok := b.addrs[fp]
	delete(b.addrs, fp)
	b.mu.Unlock()
	if !ok || b.path == "" {
		return nil
	}
	return store.AppendJSONL(b.path, diskPeer{Fingerprint: fp.String(), Removed: true})
}

// rekey moves the address of a rotated peer to its new fingerprint.
func (b *addrBook) rekey(old, next crypto.Fingerprint) error {
	b.mu.Lock()
	addr, ok := b.addrs[old]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if err := b.upsert(next, addr, true); err != nil {
		return err
	}
	return b.remove(old)
}

func (b *addrBook) lookup(fp crypto.Fingerprint) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	addr, ok := b.addrs[fp]
	return addr, ok
}

func (b *addrBook) fingerprints() []crypto.Fingerprint {
	b.mu.Lock()
	out := make([]crypto.Fingerprint, 0, len(b.addrs))
	for fp := range b.addrs {
		out = append(out, fp)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// compact rewrites the journal with only the live entries.
func (b *addrBook) compact() error {
	if b.path == "" {
		return nil
	}
	b.mu.Lock()
	recs := make([]diskPeer, 0, len(b.addrs))
	for fp, addr := range b.addrs {
		recs = append(recs, diskPeer{Fingerprint: fp.String(), Addr: addr})
	}
	b.mu.Unlock()
	sort.Slice(recs, func(i, j int) bool { return recs[i].Fingerprint < recs[j].Fingerprint })
	return store.RewriteJSONL(b.path, recs)
}
