package debuglog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	queueSize     = 2048
	redactedValue = "[REDACTED]"
)

var sensitiveKeyParts = []string{"private", "seed", "mnemonic", "secret", "passphrase"}

var (
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

// Enabled reports whether MESHTRUST_DEBUG=1.
func Enabled() bool {
	return os.Getenv("MESHTRUST_DEBUG") == "1"
}

// asyncWriter hands lines to a single writer goroutine. Lines are dropped
// when the queue is full so connection goroutines never block on stderr.
type asyncWriter struct {
	once sync.Once
	out  io.Writer
	ch   chan []byte
}

func (w *asyncWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		w.ch = make(chan []byte, queueSize)
		go func() {
			for msg := range w.ch {
				_, _ = w.out.Write(msg)
			}
		}()
	})
	select {
	case w.ch <- append([]byte(nil), p...):
	default:
	}
	return len(p), nil
}

// New returns a text logger on w with sensitive attributes redacted.
func New(w io.Writer, level slog.Level) *slog.Logger {
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(&redactingHandler{next: h})
}

// FromEnv logs to stderr; debug level and the async queue are enabled by
// MESHTRUST_DEBUG=1.
func FromEnv() *slog.Logger {
	if !Enabled() {
		return New(os.Stderr, slog.LevelInfo)
	}
	return New(&asyncWriter{out: os.Stderr}, slog.LevelDebug)
}

// Discard is a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// OrDiscard returns l, or a discarding logger when l is nil.
func OrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}

// RateLimited logs at most once per interval for key.
func RateLimited(l *slog.Logger, key string, interval time.Duration, msg string, args ...any) {
	if l == nil || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	l.Warn(msg, args...)
}

// -----------------------------------------------------------------------------
// redaction
// -----------------------------------------------------------------------------

type redactingHandler struct {
	next slog.Handler
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redact(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redact(a)
	}
	return &redactingHandler{next: h.next.WithAttrs(clean)}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{next: h.next.WithGroup(name)}
}

func redact(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(key, part) {
			return slog.String(a.Key, redactedValue)
		}
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = redact(g)
		}
		return slog.Group(a.Key, clean...)
	}
	return a
}
