package classify

import (
	"fmt"
	"strings"
)

// Classification is the sensitivity tier of a piece of data.
type Classification uint8

const (
	// Raw (L0) is per-command local data. It never leaves the node.
	Raw Classification = iota
	// Summarized (L1) is a per-contributor digest with no raw content.
	Summarized
	// Aggregated (L2) merges summaries from several contributors.
	Aggregated

	// Control marks protocol messages (heartbeat, rotation) that carry no
	// usage data. It is not a data tier and the policy matrix never allows it.
	Control Classification = 0xff
)

func (c Classification) String() string {
	switch c {
	case Raw:
		return "L0"
	case Summarized:
		return "L1"
	case Aggregated:
		return "L2"
	case Control:
		return "control"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

func (c Classification) Valid() bool {
	return c == Raw || c == Summarized || c == Aggregated || c == Control
}

// Shareable reports whether data of this class may be put on the wire.
func (c Classification) Shareable() bool {
	return c == Summarized || c == Aggregated || c == Control
}

func ParseClassification(s string) (Classification, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "L0", "RAW":
		return Raw, nil
	case "L1", "SUMMARIZED", "SUMMARY":
		return Summarized, nil
	case "L2", "AGGREGATED", "AGGREGATE":
		return Aggregated, nil
	}
	return 0, fmt.Errorf("unknown classification %q", s)
}
