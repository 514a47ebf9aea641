package trust

import (
	"fmt"
	"strings"
)

// Level is ordered: higher levels are not supersets of lower ones (see policy),
// but the ordering is used for display and "at least known" checks.
type Level uint8

const (
	Untrusted Level = iota
	ShareTo
	QueryFrom
	Peer
	Supervisor
)

var levelNames = [...]string{
	Untrusted:  "untrusted",
	ShareTo:    "share_to",
	QueryFrom:  "query_from",
	Peer:       "peer",
	Supervisor: "supervisor",
}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return fmt.Sprintf("level(%d)", uint8(l))
}

func ParseLevel(s string) (Level, error) {
	norm := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for i, name := range levelNames {
		if name == norm || strings.ReplaceAll(name, "_", "") == norm {
			return Level(i), nil
		}
	}
	return Untrusted, fmt.Errorf("unknown trust level %q", s)
}

func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Source records how a trust entry came to exist.
type Source uint8

const (
	SourceConfig Source = iota + 1
	SourceTOFU
	SourceSubnet
	SourceCA
)

func (s Source) String() string {
	switch s {
	case SourceConfig:
		return "config"
	case SourceTOFU:
		return "tofu"
	case SourceSubnet:
		return "subnet"
	case SourceCA:
		return "ca"
	default:
		return "unknown"
	}
}

func parseSource(s string) Source {
	switch s {
	case "config":
		return SourceConfig
	case "tofu":
		return SourceTOFU
	case "subnet":
		return SourceSubnet
	case "ca":
		return SourceCA
	}
	return 0
}
