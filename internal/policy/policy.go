package policy

import (
	"errors"
	"fmt"
	"log/slog"

	"meshtrust/internal/classify"
	"meshtrust/internal/crypto"
	"meshtrust/internal/debuglog"
	"meshtrust/internal/trust"
)

// ErrDenied is all a remote peer ever learns about a refusal.
var ErrDenied = errors.New("operation denied")

type Operation uint8

const (
	OpPush Operation = iota + 1
	OpQuery
)

func (o Operation) String() string {
	switch o {
	case OpPush:
		return "push"
	case OpQuery:
		return "query"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

type Decision uint8

const (
	Deny Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "deny"
}

type capability struct {
	op    Operation
	class classify.Classification
}

// matrix lists everything each level may do. Anything absent is denied,
// which covers L0 for every level.
var matrix = map[trust.Level][]capability{
	trust.Untrusted:  nil,
	trust.ShareTo:    {{OpPush, classify.Summarized}},
	trust.QueryFrom:  {{OpQuery, classify.Summarized}},
	trust.Peer:       {{OpPush, classify.Summarized}, {OpQuery, classify.Summarized}},
	trust.Supervisor: {{OpQuery, classify.Aggregated}},
}

// Engine evaluates the fixed capability matrix.
type Engine struct {
	log    *slog.Logger
	record func(Operation, classify.Classification, Decision)
}

type Options struct {
	Logger *slog.Logger
	// OnDecision observes every Authorize outcome (metrics).
	OnDecision func(Operation, classify.Classification, Decision)
}

func New(opts Options) *Engine {
	return &Engine{log: debuglog.OrDiscard(opts.Logger), record: opts.OnDecision}
}

// Evaluate is pure: same inputs, same answer.
func (e *Engine) Evaluate(level trust.Level, class classify.Classification, op Operation) Decision {
	if class == classify.Raw {
		return Deny
	}
	for _, c := range matrix[level] {
		if c.op == op && c.class == class {
			return Allow
		}
	}
	return Deny
}

// Authorize returns nil or ErrDenied. The detailed reason is logged locally
// only.
func (e *Engine) Authorize(peer crypto.Fingerprint, level trust.Level, class classify.Classification, op Operation) error {
	d := e.Evaluate(level, class, op)
	if e.record != nil {
		e.record(op, class, d)
	}
	if d == Allow {
		return nil
	}
	e.log.Warn("policy denied",
		"peer", peer.String(),
		"trust_level", level.String(),
		"class", class.String(),
		"op", op.String(),
	)
	return ErrDenied
}
