package node

import (
	"context"
	"errors"
	"time"

	"meshtrust/internal/auth"
	"meshtrust/internal/classify"
	"meshtrust/internal/debuglog"
	"meshtrust/internal/policy"
	"meshtrust/internal/proto"
	"meshtrust/internal/replay"
	"meshtrust/internal/rotation"
	"meshtrust/internal/transport"
	"meshtrust/internal/trust"
)

// serveConn reads frames from one admitted connection until it closes.
func (n *Node) serveConn(ctx context.Context, c *transport.Conn) {
	n.metrics.AddConns(1)
	defer n.metrics.AddConns(-1)
	defer c.Close()
	for {
		in, err := c.AcceptFrame(ctx)
		if err != nil {
			return
		}
		go n.handleInbound(ctx, c, in)
	}
}

func (n *Node) handleInbound(ctx context.Context, c *transport.Conn, in *transport.Inbound) {
	reply := n.handleFrame(ctx, c, in.Frame)
	if reply == nil {
		_ = in.Close()
		return
	}
	if err := in.Reply(reply); err != nil {
		n.log.Debug("reply failed", "peer", c.RemoteFingerprint().String(), "err", err)
	}
}

// handleFrame runs one inbound frame through decode, verification, sender
// binding, policy and the type handler. A nil result closes the stream
// without a reply.
func (n *Node) handleFrame(ctx context.Context, c *transport.Conn, frame []byte) []byte {
	m, err := proto.DecodeMessage(frame)
	if err != nil {
		n.reject(c, nil, err)
		return nil
	}
	if m.Type == proto.TypeRotation {
		// The endorsement introduces the key that signed this message.
		if _, err := rotation.Accept(n.trust, m.Payload); err != nil {
			n.reject(c, m, err)
			return n.refusal()
		}
	}
	if err := n.verify(ctx, m); err != nil {
		n.reject(c, m, err)
		return nil
	}
	n.metrics.Verified()
	if !n.linked(m.Sender, c.RemoteFingerprint()) {
		n.reject(c, m, errSenderMismatch)
		return nil
	}
	switch m.Type {
	case proto.TypePush:
		return n.handlePush(m)
	case proto.TypeQuery:
		return n.handleQuery(m)
	case proto.TypeRotation:
		return n.handleRotation(m)
	case proto.TypeHeartbeat:
		return n.sign(proto.TypeHeartbeat, classify.Control, nil)
	default:
		n.reject(c, m, errUnexpectedType)
		return nil
	}
}

var (
	errSenderMismatch = errors.New("message sender does not match connection peer")
	errUnexpectedType = errors.New("unexpected message type")
)

func (n *Node) verify(ctx context.Context, m *proto.WireMessage) error {
	var verr error
	start := time.Now()
	if err := n.workers.do(ctx, func() { _, _, verr = n.verifier.Verify(m) }); err != nil {
		return err
	}
	n.metrics.ObserveVerify(time.Since(start))
	return verr
}

func (n *Node) handlePush(m *proto.WireMessage) []byte {
	if err := n.authorize(m, policy.OpPush); err != nil {
		return n.refusal()
	}
	v, err := classify.Decode(m.Class, m.Payload)
	if err != nil {
		n.log.Warn("push rejected", "peer", m.Sender.String(), "err", err)
		return n.refusal()
	}
	s, ok := v.(classify.Summary)
	if !ok || !sameFingerprint(s.Contributor, m.Sender) {
		n.log.Warn("push rejected", "peer", m.Sender.String(), "err", "summary not contributed by sender")
		return n.refusal()
	}
	n.summaries.put(s, n.now())
	return n.sign(proto.TypeResponse, classify.Summarized, nil)
}

func (n *Node) handleQuery(m *proto.WireMessage) []byte {
	if err := n.authorize(m, policy.OpQuery); err != nil {
		return n.refusal()
	}
	var out classify.Shareable
	switch m.Class {
	case classify.Summarized:
		out = n.LocalSummary()
	case classify.Aggregated:
		agg, err := n.Aggregate()
		if err != nil {
			n.log.Info("aggregate query refused", "peer", m.Sender.String(), "err", err)
			return n.refusal()
		}
		out = agg
	default:
		return n.refusal()
	}
	payload, class, err := classify.Encode(out)
	if err != nil {
		n.log.Warn("encode response failed", "err", err)
		return n.refusal()
	}
	return n.sign(proto.TypeResponse, class, payload)
}

func (n *Node) handleRotation(m *proto.WireMessage) []byte {
	en, err := proto.DecodeEndorsement(m.Payload)
	if err != nil {
		return n.refusal()
	}
	if err := n.book.rekey(en.OldFingerprint(), en.NewFingerprint()); err != nil {
		n.log.Warn("address book update failed", "err", err)
	}
	n.metrics.SetTrustEntries(len(n.trust.List()))
	return n.sign(proto.TypeHeartbeat, classify.Control, nil)
}

// authorize re-reads the sender's level so a revocation applies to the next
// message on an open connection.
func (n *Node) authorize(m *proto.WireMessage, op policy.Operation) error {
	return n.policy.Authorize(m.Sender, n.trust.Level(m.Sender), m.Class, op)
}

// refusal is the generic answer to anything denied; the peer learns nothing
// about why.
func (n *Node) refusal() []byte {
	return n.sign(proto.TypeError, classify.Control, nil)
}

func (n *Node) sign(t proto.MsgType, class classify.Classification, payload []byte) []byte {
	b, err := n.signer.SignBytes(t, class, payload)
	if err != nil {
		n.log.Warn("sign failed", "type", t.String(), "err", err)
		return nil
	}
	return b
}

func (n *Node) reject(c *transport.Conn, m *proto.WireMessage, err error) {
	reason := rejectReason(err)
	n.metrics.Rejected(reason)
	var rerr *replay.Error
	if errors.As(err, &rerr) {
		n.metrics.ReplayRejected(rerr.Check.String())
	}
	args := []any{"peer", c.RemoteFingerprint().String(), "reason", reason, "err", err}
	if m != nil {
		args = append(args, "sender", m.Sender.String(), "type", m.Type.String())
	}
	debuglog.RateLimited(n.log, "reject:"+c.RemoteFingerprint().String()+":"+reason, time.Minute, "message rejected", args...)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, replay.ErrReplay):
		return "replay"
	case errors.Is(err, auth.ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, auth.ErrUnknownSender):
		return "unknown_sender"
	case errors.Is(err, errSenderMismatch):
		return "sender_mismatch"
	case errors.Is(err, errUnexpectedType):
		return "unexpected_type"
	case errors.Is(err, rotation.ErrExpiredEndorsement):
		return "endorsement_expired"
	case errors.Is(err, rotation.ErrInvalidEndorsement), errors.Is(err, trust.ErrUnknownRotation):
		return "bad_endorsement"
	default:
		return "malformed"
	}
}
