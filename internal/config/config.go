package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"meshtrust/internal/crypto"
	"meshtrust/internal/transport"
)

const (
	DefaultFileName  = "node.yaml"
	DefaultListen    = "/ip4/0.0.0.0/udp/4242/quic-v1"
	DefaultTrustFile = "trust.yaml"
	envPrefix        = "MESHTRUST_"
)

var ErrInvalid = errors.New("invalid config")

// StaticPeer is a peer the node keeps a connection to. Its trust level
// still comes from the trust config.
type StaticPeer struct {
	Addr        string `yaml:"addr"`
	Fingerprint string `yaml:"fingerprint"`
}

type Config struct {
	Home              string        `yaml:"home"`
	Listen            string        `yaml:"listen"`
	Peers             []StaticPeer  `yaml:"peers"`
	TrustFile         string        `yaml:"trust_file"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReplayWindow      time.Duration `yaml:"replay_window"`
	NonceCache        int           `yaml:"nonce_cache"`
	RotationGrace     time.Duration `yaml:"rotation_grace"`
	MinContributors   int           `yaml:"min_contributors"`
	MaxConnsPerIP     int           `yaml:"max_conns_per_ip"`
	HandshakeRate     float64       `yaml:"handshake_rate"`
	HandshakeBurst    int           `yaml:"handshake_burst"`
	Workers           int           `yaml:"workers"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
}

// Default returns the built-in configuration rooted at home.
func Default(home string) Config {
	return Config{
		Home:              home,
		Listen:            DefaultListen,
		TrustFile:         DefaultTrustFile,
		HandshakeTimeout:  transport.DefaultHandshakeTimeout,
		IdleTimeout:       transport.DefaultIdleTimeout,
		ReplayWindow:      5 * time.Minute,
		NonceCache:        1000,
		RotationGrace:     24 * time.Hour,
		MinContributors:   5,
		MaxConnsPerIP:     transport.DefaultMaxConnsPerIP,
		HandshakeRate:     5,
		HandshakeBurst:    10,
		Workers:           runtime.GOMAXPROCS(0),
		HeartbeatInterval: 30 * time.Second,
		FlushInterval:     30 * time.Second,
	}
}

// DefaultHome is $MESHTRUST_HOME or ~/.meshtrust.
func DefaultHome() string {
	if v := strings.TrimSpace(os.Getenv(envPrefix + "HOME")); v != "" {
		return v
	}
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".meshtrust")
	}
	return ".meshtrust"
}

// Load reads path (or home/node.yaml when path is empty) over the defaults
// and applies MESHTRUST_* overrides. A missing file is not an error.
func Load(home, path string) (Config, error) {
	cfg := Default(home)
	if path == "" {
		path = filepath.Join(home, DefaultFileName)
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		var parsed Config
		if err := yaml.Unmarshal(raw, &parsed); err != nil {
			return cfg, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
		}
		Merge(&cfg, parsed)
	}
	ApplyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Merge copies the non-zero fields of src into dst.
func Merge(dst *Config, src Config) {
	if src.Home != "" {
		dst.Home = src.Home
	}
	if src.Listen != "" {
		dst.Listen = src.Listen
	}
	if src.Peers != nil {
		dst.Peers = src.Peers
	}
	if src.TrustFile != "" {
		dst.TrustFile = src.TrustFile
	}
	if src.HandshakeTimeout != 0 {
		dst.HandshakeTimeout = src.HandshakeTimeout
	}
	if src.IdleTimeout != 0 {
		dst.IdleTimeout = src.IdleTimeout
	}
	if src.ReplayWindow != 0 {
		dst.ReplayWindow = src.ReplayWindow
	}
	if src.NonceCache != 0 {
		dst.NonceCache = src.NonceCache
	}
	if src.RotationGrace != 0 {
		dst.RotationGrace = src.RotationGrace
	}
	if src.MinContributors != 0 {
		dst.MinContributors = src.MinContributors
	}
	if src.MaxConnsPerIP != 0 {
		dst.MaxConnsPerIP = src.MaxConnsPerIP
	}
	if src.HandshakeRate != 0 {
		dst.HandshakeRate = src.HandshakeRate
	}
	if src.HandshakeBurst != 0 {
		dst.HandshakeBurst = src.HandshakeBurst
	}
	if src.Workers != 0 {
		dst.Workers = src.Workers
	}
	if src.MetricsAddr != "" {
		dst.MetricsAddr = src.MetricsAddr
	}
	if src.HeartbeatInterval != 0 {
		dst.HeartbeatInterval = src.HeartbeatInterval
	}
	if src.FlushInterval != 0 {
		dst.FlushInterval = src.FlushInterval
	}
}

// ApplyEnvOverrides reads MESHTRUST_<KEY> for the scalar settings.
// Unparseable values are ignored.
func ApplyEnvOverrides(cfg *Config) {
	if v, ok := envString("LISTEN"); ok {
		cfg.Listen = v
	}
	if v, ok := envString("TRUST_FILE"); ok {
		cfg.TrustFile = v
	}
	if v, ok := envString("METRICS_ADDR"); ok {
		cfg.MetricsAddr = v
	}
	if v, ok := envDuration("HANDSHAKE_TIMEOUT"); ok {
		cfg.HandshakeTimeout = v
	}
	if v, ok := envDuration("IDLE_TIMEOUT"); ok {
		cfg.IdleTimeout = v
	}
	if v, ok := envDuration("REPLAY_WINDOW"); ok {
		cfg.ReplayWindow = v
	}
	if v, ok := envDuration("ROTATION_GRACE"); ok {
		cfg.RotationGrace = v
	}
	if v, ok := envDuration("HEARTBEAT_INTERVAL"); ok {
		cfg.HeartbeatInterval = v
	}
	if v, ok := envInt("NONCE_CACHE"); ok {
		cfg.NonceCache = v
	}
	if v, ok := envInt("MIN_CONTRIBUTORS"); ok {
		cfg.MinContributors = v
	}
	if v, ok := envInt("MAX_CONNS_PER_IP"); ok {
		cfg.MaxConnsPerIP = v
	}
	if v, ok := envInt("WORKERS"); ok {
		cfg.Workers = v
	}
}

func (c *Config) Validate() error {
	var problems []string
	if c.Home == "" {
		problems = append(problems, "home is empty")
	}
	if _, err := transport.ParseAddr(c.Listen); err != nil {
		problems = append(problems, fmt.Sprintf("listen: %v", err))
	}
	for i, p := range c.Peers {
		if _, err := transport.ParseAddr(p.Addr); err != nil {
			problems = append(problems, fmt.Sprintf("peers[%d].addr: %v", i, err))
		}
		if p.Fingerprint != "" {
			if _, err := crypto.ParseFingerprint(p.Fingerprint); err != nil {
				problems = append(problems, fmt.Sprintf("peers[%d].fingerprint: %v", i, err))
			}
		}
	}
	if c.HandshakeTimeout <= 0 {
		problems = append(problems, "handshake_timeout must be positive")
	}
	if c.ReplayWindow <= 0 {
		problems = append(problems, "replay_window must be positive")
	}
	if c.NonceCache <= 0 {
		problems = append(problems, "nonce_cache must be positive")
	}
	if c.RotationGrace <= 0 {
		problems = append(problems, "rotation_grace must be positive")
	}
	if c.MinContributors < 2 {
		problems = append(problems, "min_contributors must be at least 2")
	}
	if c.Workers <= 0 {
		problems = append(problems, "workers must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Path resolves a file name relative to Home.
func (c *Config) Path(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Home, name)
}

func envString(key string) (string, bool) {
	raw := strings.TrimSpace(os.Getenv(envPrefix + key))
	return raw, raw != ""
}

func envInt(key string) (int, bool) {
	raw, ok := envString(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	raw, ok := envString(key)
	if !ok {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}
