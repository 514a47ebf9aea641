package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mr-tron/base58"

	"meshtrust/internal/crypto"
	"meshtrust/internal/identity"
)

func runIdentity(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		fmt.Fprintln(stdout, "usage: meshtrust-node identity <show|rotate|export|restore> [--home dir]")
		fmt.Fprintln(stdout, "  show")
		fmt.Fprintln(stdout, "  rotate   stop the node first; unreached peers are retried on the next run")
		fmt.Fprintln(stdout, "  export   print the 24 word recovery phrase")
		fmt.Fprintln(stdout, "  restore  [--force]  read a recovery phrase from stdin")
		return 0
	}
	switch args[0] {
	case "show":
		return identityShow(args[1:], stdout, stderr)
	case "rotate":
		return identityRotate(args[1:], stdout, stderr)
	case "export":
		return identityExport(args[1:], stdout, stderr)
	case "restore":
		return identityRestore(args[1:], stdin, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown identity subcommand: %s\n", args[0])
		return 1
	}
}

// loadIdentity opens an existing identity; unlike the node it never creates one.
func loadIdentity(home string) (*identity.Store, *identity.Identity, error) {
	ids, err := identity.Open(homeOrDefault(home), identity.Options{})
	if err != nil {
		return nil, nil, err
	}
	id, err := ids.Load()
	if err != nil {
		return nil, nil, err
	}
	return ids, id, nil
}

func identityShow(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("identity show", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home, _ := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ids, id, err := loadIdentity(*home)
	if err != nil {
		return exitErr(stderr, "load identity", err)
	}
	defer ids.Close()
	fmt.Fprintf(stdout, "fingerprint: %s\n", id.Fingerprint())
	fmt.Fprintf(stdout, "public key: %s\n", base58.Encode(id.Key.PublicKey()))
	fmt.Fprintf(stdout, "created: %s\n", id.CreatedAt.Format(time.RFC3339))
	if r := id.Rotation; r != nil {
		fmt.Fprintf(stdout, "rotated from: %s (valid until %s)\n",
			crypto.FingerprintOf(r.Previous), r.GraceUntil.Format(time.RFC3339))
	}
	return 0
}

func identityRotate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("identity rotate", flag.ContinueOnError)
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
	res, err := n.Rotate()
	if err != nil {
		return exitErr(stderr, "rotate", err)
	}
	n.Rotation().Wait()
	fmt.Fprintf(stdout, "rotated %s -> %s\n", crypto.FingerprintOf(res.Old), crypto.FingerprintOf(res.New))
	fmt.Fprintf(stdout, "old key accepted until %s\n", res.Endorsement.ValidUntil.Format(time.RFC3339))
	if pending := n.Rotation().PendingPeers(); len(pending) > 0 {
		fmt.Fprintf(stdout, "not yet notified: %d peer(s)\n", len(pending))
		for _, fp := range pending {
			fmt.Fprintf(stdout, "  %s\n", fp)
		}
	}
	return 0
}

func identityExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("identity export", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home, _ := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	ids, _, err := loadIdentity(*home)
	if err != nil {
		return exitErr(stderr, "load identity", err)
	}
	defer ids.Close()
	phrase, err := ids.Mnemonic()
	if err != nil {
		return exitErr(stderr, "export", err)
	}
	fmt.Fprintln(stderr, "WARNING: anyone holding this phrase can act as this node")
	fmt.Fprintln(stdout, phrase)
	return 0
}

func identityRestore(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("identity restore", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home, _ := commonFlags(fs)
	force := fs.Bool("force", false, "replace an existing identity")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	phrase, err := readPhrase(stdin)
	if err != nil {
		return exitErr(stderr, "read phrase", err)
	}
	ids, err := identity.Open(homeOrDefault(*home), identity.Options{})
	if err != nil {
		return exitErr(stderr, "open identity", err)
	}
	defer ids.Close()
	id, err := ids.Restore(phrase, *force)
	if errors.Is(err, identity.ErrExists) {
		fmt.Fprintln(stderr, "identity already exists; pass --force to replace it")
		return 1
	}
	if err != nil {
		return exitErr(stderr, "restore", err)
	}
	fmt.Fprintf(stdout, "restored %s\n", id.Fingerprint())
	return 0
}

func readPhrase(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	var words []string
	for sc.Scan() {
		words = append(words, strings.Fields(sc.Text())...)
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	if len(words) == 0 {
		return "", identity.ErrInvalidMnemonic
	}
	return strings.Join(words, " "), nil
}
