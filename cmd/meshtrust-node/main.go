package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"meshtrust/internal/config"
	"meshtrust/internal/debuglog"
	"meshtrust/internal/metrics"
	"meshtrust/internal/node"
	"meshtrust/internal/rotation"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdin, stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "identity":
		return runIdentity(args[1:], stdin, stdout, stderr)
	case "trust":
		return runTrust(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshtrust-node <run|status|identity|trust> [args]")
	fmt.Fprintln(w, "  run      [--home dir] [--config file] [--listen addr] [--metrics addr] [--prompt] [--debug]")
	fmt.Fprintln(w, "  status   [--home dir]")
	fmt.Fprintln(w, "  identity show|rotate|export|restore [--home dir]")
	fmt.Fprintln(w, "  trust    list|add|revoke [--home dir]")
}

// commonFlags registers the flags every subcommand takes.
func commonFlags(fs *flag.FlagSet) (home, cfgPath *string) {
	home = fs.String("home", config.DefaultHome(), "node home directory")
	cfgPath = fs.String("config", "", "config file (default <home>/node.yaml)")
	return home, cfgPath
}

// openOffline opens the node's stores without listening. Edits are picked
// up by a running node on its next start.
func openOffline(home, cfgPath string) (*node.Node, config.Config, error) {
	cfg, err := config.Load(home, cfgPath)
	if err != nil {
		return nil, cfg, err
	}
	n, err := node.New(cfg, node.Options{})
	if err != nil {
		return nil, cfg, err
	}
	return n, cfg, nil
}

func runNode(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home, cfgPath := commonFlags(fs)
	listen := fs.String("listen", "", "listen address (host:port or multiaddr)")
	metricsAddr := fs.String("metrics", "", "admin listen address for /metrics and /status")
	prompt := fs.Bool("prompt", false, "ask on stdin before trusting a first-contact peer")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *debug {
		_ = os.Setenv("MESHTRUST_DEBUG", "1")
	}
	cfg, err := config.Load(*home, *cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid config: %v\n", err)
		return 1
	}

	log := debuglog.FromEnv()
	opts := node.Options{Logger: log, Metrics: metrics.New()}
	if *prompt {
		opts.Prompter = newLinePrompter(stdin, stderr)
	}
	n, err := node.New(cfg, opts)
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ready := make(chan string, 1)
	go func() {
		select {
		case addr := <-ready:
			fmt.Fprintf(stdout, "READY addr=%s fingerprint=%s\n", addr, n.Fingerprint())
		case <-ctx.Done():
		}
	}()
	runErr := n.Run(ctx, ready)
	closeErr := n.Close()
	if runErr != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", runErr)
		return 1
	}
	if closeErr != nil {
		fmt.Fprintf(stderr, "shutdown: %v\n", closeErr)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home, cfgPath := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	n, cfg, err := openOffline(*home, *cfgPath)
	if err != nil {
		fmt.Fprintf(stdout, "status: node unavailable: %v\n", err)
		return 1
	}
	defer n.Close()
	st := n.Status()
	fmt.Fprintf(stdout, "fingerprint: %s\n", st.Fingerprint)
	if st.Rotation == rotation.Rotating.String() {
		fmt.Fprintf(stdout, "rotation: rotating until %s\n", st.GraceUntil.Format(time.RFC3339))
	} else {
		fmt.Fprintf(stdout, "rotation: %s\n", st.Rotation)
	}
	fmt.Fprintf(stdout, "trust entries: %d\n", st.TrustEntries)
	fmt.Fprintf(stdout, "known peers: %d\n", st.Peers)

	snap := readMetricsSnapshot(cfg.Path("metrics.json"))
	if snap.GeneratedAt.IsZero() {
		fmt.Fprintln(stdout, "last run: no metrics snapshot")
		return 0
	}
	fmt.Fprintf(stdout, "last run snapshot (%s):\n", snap.GeneratedAt.Format(time.RFC3339))
	keys := make([]string, 0, len(snap.Values))
	for k := range snap.Values {
		if strings.HasPrefix(k, "messages_total") || strings.HasPrefix(k, "handshakes_total") || strings.HasPrefix(k, "policy_decisions_total") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(stdout, "  %s %g\n", k, snap.Values[k])
	}
	return 0
}

func readMetricsSnapshot(path string) metrics.Snapshot {
	data, err := os.ReadFile(path)
	if err != nil {
		return metrics.Snapshot{}
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return metrics.Snapshot{}
	}
	return snap
}

func homeOrDefault(home string) string {
	if home == "" {
		return config.DefaultHome()
	}
	return filepath.Clean(home)
}

func exitErr(stderr io.Writer, what string, err error) int {
	var target interface{ Unwrap() []error }
	if errors.As(err, &target) {
		fmt.Fprintf(stderr, "%s failed:\n", what)
		for _, e := range target.Unwrap() {
			fmt.Fprintf(stderr, "  %v\n", e)
		}
		return 1
	}
	fmt.Fprintf(stderr, "%s failed: %v\n", what, err)
	return 1
}
