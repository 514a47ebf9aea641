package node

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"meshtrust/internal/admin"
	"meshtrust/internal/crypto"
	"meshtrust/internal/debuglog"
	"meshtrust/internal/transport"
)

// Run listens on the configured address and serves peers until ctx ends.
// The actual listen address is sent on ready once the socket is bound.
func (n *Node) Run(ctx context.Context, ready chan<- string) error {
	ln, err := n.transport.Listen(n.cfg.Listen)
	if err != nil {
		return err
	}
	defer ln.Close()
	n.ran.Store(true)
	actual := transport.Multiaddr(ln.Addr())
	n.setListenAddr(actual)

	adm, err := admin.Start(admin.Options{
		Addr:    n.cfg.MetricsAddr,
		Metrics: n.metrics.Handler(),
		Status:  http.HandlerFunc(n.serveStatus),
		Logger:  n.log,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdown, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = adm.Close(shutdown)
	}()

	if ready != nil {
		select {
		case ready <- actual:
		default:
		}
	}
	go n.maintain(ctx)
	go n.heartbeats(ctx)

	for {
		c, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			return err
		}
		go n.serveConn(ctx, c)
	}
}

func (n *Node) serveStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(n.Status())
}

// maintain runs the periodic housekeeping: replay marks, rotation grace,
// trust expiry and the metrics snapshot.
func (n *Node) maintain(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.tick()
		}
	}
}

func (n *Node) tick() {
	if err := n.guard.Flush(); err != nil {
		debuglog.RateLimited(n.log, "replay-flush", time.Minute, "replay state flush failed", "err", err)
	}
	if done, err := n.rotation.Tick(n.now()); err != nil {
		n.log.Warn("rotation tick failed", "err", err)
	} else if done {
		n.transport.ResetPool()
	}
	for _, fp := range n.trust.Expire() {
		n.log.Info("trust entry expired", "fingerprint", fp.String())
	}
	n.metrics.SetTrustEntries(len(n.trust.List()))
	if err := n.metrics.WriteSnapshot(n.cfg.Path(defaultSnapshot)); err != nil {
		debuglog.RateLimited(n.log, "metrics-snapshot", time.Minute, "metrics snapshot failed", "err", err)
	}
}

// heartbeats probes the known peers every interval. A peer still pending
// a rotation notice is sent the endorsement instead.
func (n *Node) heartbeats(ctx context.Context) {
	if n.cfg.HeartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n.heartbeatRound(ctx)
	}
}

// heartbeatRound contacts every peer in parallel and returns when all are
// done, so a dead peer costs one handshake timeout for the whole round.
func (n *Node) heartbeatRound(ctx context.Context) {
	endorsement := n.rotation.Endorsement()
	var wg sync.WaitGroup
	for _, fp := range n.Peers() {
		wg.Add(1)
		go func(fp crypto.Fingerprint) {
			defer wg.Done()
			n.heartbeatPeer(ctx, fp, endorsement)
		}(fp)
	}
	wg.Wait()
}

func (n *Node) heartbeatPeer(ctx context.Context, fp crypto.Fingerprint, endorsement []byte) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer cancel()
	if endorsement != nil && n.rotation.Pending(fp) {
		if err := n.SendEndorsement(ctx, fp, endorsement); err == nil {
			n.rotation.Delivered(fp)
		}
		return
	}
	rtt, err := n.Heartbeat(ctx, fp)
	if err != nil {
		debuglog.RateLimited(n.log, "heartbeat:"+fp.String(), 5*time.Minute, "heartbeat failed", "peer", fp.String(), "err", err)
		return
	}
	n.log.Debug("heartbeat", "peer", fp.String(), "rtt", rtt)
}
