package main

import (
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/mr-tron/base58"

	"meshtrust/internal/crypto"
	"meshtrust/internal/transport"
	"meshtrust/internal/trust"
)

func runTrust(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		fmt.Fprintln(stdout, "usage: meshtrust-node trust <list|add|revoke> [--home dir]")
		fmt.Fprintln(stdout, "  list")
		fmt.Fprintln(stdout, "  add    --level <share_to|query_from|peer|supervisor> [--addr a] [--name n] [--pubkey base58] [--ttl d] <fingerprint>")
		fmt.Fprintln(stdout, "  revoke <fingerprint>")
		return 0
	}
	switch args[0] {
	case "list":
		return trustList(args[1:], stdout, stderr)
	case "add":
		return trustAdd(args[1:], stdout, stderr)
	case "revoke":
		return trustRevoke(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown trust subcommand: %s\n", args[0])
		return 1
	}
}

func trustList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("trust list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home, cfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	n, _, err := openOffline(*home, *cfgPath)
	if err != nil {
		return exitErr(stderr, "load node", err)
	}
	defer n.Close()
	for _, e := range n.Trust().List() {
		line := fmt.Sprintf("%s level=%s source=%s", e.Fingerprint, e.Level, e.Source)
		if e.Name != "" {
			line += " name=" + e.Name
		}
		if addr, ok := n.PeerAddr(e.Fingerprint); ok {
			line += " addr=" + addr
		} else {
			line += " addr=unknown"
		}
		if len(e.PublicKey) == 0 {
			line += " key=unpinned"
		}
		if !e.ExpiresAt.IsZero() {
			line += " expires=" + e.ExpiresAt.Format(time.RFC3339)
		}
		if !e.SupersededBy.IsZero() {
			line += fmt.Sprintf(" rotated_to=%s until=%s", e.SupersededBy, e.GraceUntil.Format(time.RFC3339))
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}

func trustAdd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("trust add", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home, cfgPath := commonFlags(fs)
	levelName := fs.String("level", "", "trust level")
	addr := fs.String("addr", "", "address the peer listens on")
	name := fs.String("name", "", "display name")
	pubkey := fs.String("pubkey", "", "base58 public key to pin")
	ttl := fs.Duration("ttl", 0, "expire the entry after this long (0: never)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "trust add: expected exactly one fingerprint")
		return 1
	}
	fp, err := crypto.ParseFingerprint(fs.Arg(0))
	if err != nil {
		return exitErr(stderr, "trust add", err)
	}
	level, err := trust.ParseLevel(*levelName)
	if err != nil || level == trust.Untrusted {
		fmt.Fprintln(stderr, "trust add: --level must be share_to, query_from, peer or supervisor")
		return 1
	}
	e := trust.Entry{Fingerprint: fp, Name: *name, Level: level, Source: trust.SourceConfig}
	if *pubkey != "" {
		raw, err := base58.Decode(*pubkey)
		if err != nil {
			return exitErr(stderr, "trust add", fmt.Errorf("decode public key: %w", err))
		}
		e.PublicKey = raw
	}
	if *addr != "" {
		if _, err := transport.ParseAddr(*addr); err != nil {
			return exitErr(stderr, "trust add", err)
		}
	}

	n, _, err := openOffline(*home, *cfgPath)
	if err != nil {
		return exitErr(stderr, "load node", err)
	}
	defer n.Close()
	if *ttl > 0 {
		e.ExpiresAt = n.Trust().Now().Add(*ttl).UTC()
	}
	if err := n.Trust().Put(e); err != nil {
		return exitErr(stderr, "trust add", err)
	}
	if *addr != "" {
		if err := n.AddPeer(fp, *addr); err != nil {
			return exitErr(stderr, "trust add", err)
		}
	}
	fmt.Fprintf(stdout, "trusted %s as %s\n", fp, level)
	return 0
}

func trustRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("trust revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home, cfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "trust revoke: expected exactly one fingerprint")
		return 1
	}
	fp, err := crypto.ParseFingerprint(fs.Arg(0))
	if err != nil {
		return exitErr(stderr, "trust revoke", err)
	}
	n, _, err := openOffline(*home, *cfgPath)
	if err != nil {
		return exitErr(stderr, "load node", err)
	}
	defer n.Close()
	if err := n.Trust().Revoke(fp); err != nil {
		return exitErr(stderr, "trust revoke", err)
	}
	if err := n.RemovePeer(fp); err != nil {
		return exitErr(stderr, "trust revoke", err)
	}
	fmt.Fprintf(stdout, "revoked %s\n", fp)
	return 0
}
