package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"meshtrust/internal/classify"
	"meshtrust/internal/crypto"
	"meshtrust/internal/proto"
	"meshtrust/internal/transport"
	"meshtrust/internal/trust"
)

var (
	// ErrRefused is returned when the peer answered with a generic refusal.
	ErrRefused         = errors.New("request refused by peer")
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// Push shares the local L1 summary with fp.
func (n *Node) Push(ctx context.Context, fp crypto.Fingerprint) error {
	return n.PushSummary(ctx, fp, n.LocalSummary())
}

// PushSummary sends s, which must be contributed by this node.
func (n *Node) PushSummary(ctx context.Context, fp crypto.Fingerprint, s classify.Summary) error {
	payload, class, err := classify.Encode(s)
	if err != nil {
		return err
	}
	resp, err := n.request(ctx, fp, proto.TypePush, class, payload)
	if err != nil {
		return err
	}
	if resp.Type != proto.TypeResponse {
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, resp.Type)
	}
	return nil
}

// QuerySummary asks fp for its L1 summary.
func (n *Node) QuerySummary(ctx context.Context, fp crypto.Fingerprint) (classify.Summary, error) {
	v, err := n.query(ctx, fp, classify.Summarized)
	if err != nil {
		return classify.Summary{}, err
	}
	s, ok := v.(classify.Summary)
	if !ok {
		return classify.Summary{}, fmt.Errorf("%w: %T", ErrUnexpectedReply, v)
	}
	return s, nil
}

// QueryAggregate asks fp for its L2 aggregate. An answer built from fewer
// contributors than the local threshold is rejected.
func (n *Node) QueryAggregate(ctx context.Context, fp crypto.Fingerprint) (classify.AggregatedMetrics, error) {
	v, err := n.query(ctx, fp, classify.Aggregated)
	if err != nil {
		return classify.AggregatedMetrics{}, err
	}
	agg, ok := v.(classify.AggregatedMetrics)
	if !ok {
		return classify.AggregatedMetrics{}, fmt.Errorf("%w: %T", ErrUnexpectedReply, v)
	}
	if err := n.enforcer.Admit(agg); err != nil {
		return classify.AggregatedMetrics{}, err
	}
	return agg, nil
}

func (n *Node) query(ctx context.Context, fp crypto.Fingerprint, class classify.Classification) (classify.Shareable, error) {
	resp, err := n.request(ctx, fp, proto.TypeQuery, class, nil)
	if err != nil {
		return nil, err
	}
	if resp.Type != proto.TypeResponse || resp.Class != class {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnexpectedReply, resp.Type, resp.Class)
	}
	return classify.Decode(resp.Class, resp.Payload)
}

// Heartbeat checks that fp is reachable and still trusts us, returning the
// round trip time.
func (n *Node) Heartbeat(ctx context.Context, fp crypto.Fingerprint) (time.Duration, error) {
	start := time.Now()
	resp, err := n.request(ctx, fp, proto.TypeHeartbeat, classify.Control, nil)
	if err != nil {
		return 0, err
	}
	if resp.Type != proto.TypeHeartbeat {
		return 0, fmt.Errorf("%w: %s", ErrUnexpectedReply, resp.Type)
	}
	return time.Since(start), nil
}

// Peers lists the fingerprints with a known address that are still
// trusted. It is the rotation broadcast set.
func (n *Node) Peers() []crypto.Fingerprint {
	var out []crypto.Fingerprint
	for _, fp := range n.book.fingerprints() {
		if n.trust.Level(fp) > trust.Untrusted {
			out = append(out, fp)
		}
	}
	return out
}

// SendEndorsement delivers a rotation endorsement over a fresh connection so
// the peer sees the new certificate.
func (n *Node) SendEndorsement(ctx context.Context, fp crypto.Fingerprint, endorsement []byte) error {
	addr, ok := n.book.lookup(fp)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, fp)
	}
	c, err := n.transport.Dial(ctx, addr, &fp)
	if err != nil {
		return err
	}
	defer c.Close()
	resp, err := n.exchange(ctx, c, proto.TypeRotation, classify.Control, endorsement)
	if err != nil {
		return err
	}
	if resp.Type != proto.TypeHeartbeat {
		return fmt.Errorf("%w: %s", ErrUnexpectedReply, resp.Type)
	}
	return nil
}

// request signs a message, sends it to fp over a pooled connection and
// verifies the reply.
func (n *Node) request(ctx context.Context, fp crypto.Fingerprint, t proto.MsgType, class classify.Classification, payload []byte) (*proto.WireMessage, error) {
	addr, ok := n.book.lookup(fp)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPeer, fp)
	}
	c, err := n.transport.Connect(ctx, addr, &fp)
	if err != nil {
		return nil, err
	}
	resp, err := n.exchange(ctx, c, t, class, payload)
	if err != nil && !errors.Is(err, ErrRefused) {
		n.transport.Forget(addr)
	}
	return resp, err
}

func (n *Node) exchange(ctx context.Context, c *transport.Conn, t proto.MsgType, class classify.Classification, payload []byte) (*proto.WireMessage, error) {
	frame, err := n.signer.SignBytes(t, class, payload)
	if err != nil {
		return nil, err
	}
	raw, err := c.Request(ctx, frame)
	if err != nil {
		return nil, err
	}
	resp, err := proto.DecodeMessage(raw)
	if err != nil {
		n.reject(c, nil, err)
		return nil, err
	}
	if err := n.verify(ctx, resp); err != nil {
		n.reject(c, resp, err)
		return nil, err
	}
	if !n.linked(resp.Sender, c.RemoteFingerprint()) {
		n.reject(c, resp, errSenderMismatch)
		return nil, errSenderMismatch
	}
	if resp.Type == proto.TypeError {
		return resp, ErrRefused
	}
	return resp, nil
}
