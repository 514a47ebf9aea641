package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"meshtrust/internal/trust"
)

// linePrompter asks the operator on a terminal whether to trust a first
// contact. Prompts are serialized; an empty answer refuses.
type linePrompter struct {
	mu    sync.Mutex
	out   io.Writer
	lines chan string
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	p := &linePrompter{out: out, lines: make(chan string)}
	go func() {
		defer close(p.lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			p.lines <- sc.Text()
		}
	}()
	return p
}

func (p *linePrompter) ConfirmFirstUse(ctx context.Context, peer trust.PeerInfo) (trust.Level, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	from := "unknown address"
	if peer.Addr.IsValid() {
		from = peer.Addr.String()
	}
	fmt.Fprintf(p.out, "first contact from %s (%s)\ntrust level [share_to|query_from|peer|supervisor], empty to refuse: ", peer.Fingerprint, from)
	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return trust.Untrusted, false, ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return trust.Untrusted, false, io.EOF
		}
		line = strings.TrimSpace(line)
		if line == "" {
			return trust.Untrusted, false, nil
		}
		level, err := trust.ParseLevel(line)
		if err != nil || level == trust.Untrusted {
			fmt.Fprintf(p.out, "refused: %q is not a trust level\n", line)
			return trust.Untrusted, false, nil
		}
		return level, true, nil
	}
}
