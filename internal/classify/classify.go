package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"meshtrust/internal/crypto"
)

const DefaultMinContributors = 5

var (
	ErrRawNotSerializable = errors.New("raw (L0) data is not serializable")
	ErrInsufficientData   = errors.New("insufficient data")
	ErrInvalidSummary     = errors.New("invalid summary")
	ErrInvalidAggregate   = errors.New("invalid aggregate")
	ErrWrongClass         = errors.New("payload classification mismatch")
)

// -----------------------------------------------------------------------------
// L0
// -----------------------------------------------------------------------------

// RawRecord is one locally executed command. It has no exported fields and
// refuses every marshaler, so it cannot end up in a payload.
type RawRecord struct {
	command  string
	exitCode int
	at       time.Time
}

func NewRawRecord(command string, exitCode int, at time.Time) RawRecord {
	return RawRecord{command: command, exitCode: exitCode, at: at}
}

func (RawRecord) Classification() Classification { return Raw }

func (r RawRecord) Category() string { return categoryOf(r.command) }

func (r RawRecord) Succeeded() bool { return r.exitCode == 0 }

func (r RawRecord) At() time.Time { return r.at }

func (RawRecord) MarshalJSON() ([]byte, error)   { return nil, ErrRawNotSerializable }
func (RawRecord) MarshalText() ([]byte, error)   { return nil, ErrRawNotSerializable }
func (RawRecord) MarshalBinary() ([]byte, error) { return nil, ErrRawNotSerializable }
func (RawRecord) String() string                 { return "RawRecord(REDACTED)" }
func (r RawRecord) GoString() string             { return r.String() }

// categoryOf reduces a command line to its program name: leading env
// assignments and sudo are skipped, paths are stripped.
func categoryOf(cmd string) string {
	for _, f := range strings.Fields(cmd) {
		if strings.Contains(f, "=") || f == "sudo" {
			continue
		}
		name := strings.ToLower(path.Base(f))
		if name == "" || name == "." || name == "/" {
			break
		}
		return name
	}
	return "other"
}

// -----------------------------------------------------------------------------
// L1 / L2
// -----------------------------------------------------------------------------

// Shareable is implemented only by the L1 and L2 types in this package; the
// unexported method keeps other types out.
type Shareable interface {
	Classification() Classification
	shareable()
}

// Summary is one contributor's per-category digest (L1).
type Summary struct {
	Contributor string            `json:"contributor"`
	PeriodStart time.Time         `json:"period_start"`
	PeriodEnd   time.Time         `json:"period_end"`
	Categories  map[string]uint64 `json:"categories"`
	Success     uint64            `json:"success"`
	Failure     uint64            `json:"failure"`
}

func (Summary) Classification() Classification { return Summarized }
func (Summary) shareable()                     {}

func (s *Summary) validate() error {
	if _, err := crypto.ParseFingerprint(s.Contributor); err != nil {
		return fmt.Errorf("%w: contributor: %v", ErrInvalidSummary, err)
	}
	var total uint64
	for _, n := range s.Categories {
		total += n
	}
	if total != s.Success+s.Failure {
		return fmt.Errorf("%w: category total %d != outcomes %d", ErrInvalidSummary, total, s.Success+s.Failure)
	}
	return nil
}

// AggregatedMetrics merges at least MinContributors summaries (L2). It keeps
// only totals; who contributed what is not recoverable from it.
type AggregatedMetrics struct {
	Contributors int               `json:"contributors"`
	PeriodStart  time.Time         `json:"period_start"`
	PeriodEnd    time.Time         `json:"period_end"`
	Categories   map[string]uint64 `json:"categories"`
	Success      uint64            `json:"success"`
	Failure      uint64            `json:"failure"`
	GeneratedAt  time.Time         `json:"generated_at"`
}

func (AggregatedMetrics) Classification() Classification { return Aggregated }
func (AggregatedMetrics) shareable()                     {}

func (m *AggregatedMetrics) validate() error {
	if m.Contributors < 1 {
		return fmt.Errorf("%w: %d contributors", ErrInvalidAggregate, m.Contributors)
	}
	var total uint64
	for _, n := range m.Categories {
		total += n
	}
	if total != m.Success+m.Failure {
		return fmt.Errorf("%w: category total %d != outcomes %d", ErrInvalidAggregate, total, m.Success+m.Failure)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Enforcer
// -----------------------------------------------------------------------------

type Options struct {
	MinContributors int
	Now             func() time.Time
}

type Enforcer struct {
	min int
	now func() time.Time
}

func NewEnforcer(opts Options) *Enforcer {
	e := &Enforcer{min: opts.MinContributors, now: opts.Now}
	if e.min <= 0 {
		e.min = DefaultMinContributors
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

func (e *Enforcer) MinContributors() int { return e.min }

// Admit checks a received aggregate against the local threshold; an
// aggregate over fewer contributors is refused whatever its producer allowed.
func (e *Enforcer) Admit(m AggregatedMetrics) error {
	if err := m.validate(); err != nil {
		return err
	}
	if m.Contributors < e.min {
		return fmt.Errorf("%w: %d of %d contributors", ErrInsufficientData, m.Contributors, e.min)
	}
	return nil
}

// Summarize turns local raw records into the contributor's L1 summary.
func (e *Enforcer) Summarize(contributor crypto.Fingerprint, recs []RawRecord) Summary {
	s := Summary{Contributor: contributor.String(), Categories: make(map[string]uint64)}
	for i, r := range recs {
		s.Categories[r.Category()]++
		if r.Succeeded() {
			s.Success++
		} else {
			s.Failure++
		}
		if i == 0 || r.at.Before(s.PeriodStart) {
			s.PeriodStart = r.at
		}
		if r.at.After(s.PeriodEnd) {
			s.PeriodEnd = r.at
		}
	}
	return s
}

// Aggregate sums summaries from distinct contributors. Below the threshold it
// returns ErrInsufficientData and no partial result.
func (e *Enforcer) Aggregate(summaries []Summary) (AggregatedMetrics, error) {
	contributors := make(map[string]struct{}, len(summaries))
	for i := range summaries {
		if err := summaries[i].validate(); err != nil {
			return AggregatedMetrics{}, err
		}
		contributors[strings.ToLower(summaries[i].Contributor)] = struct{}{}
	}
	if len(contributors) < e.min {
		return AggregatedMetrics{}, fmt.Errorf("%w: %d of %d contributors", ErrInsufficientData, len(contributors), e.min)
	}
	out := AggregatedMetrics{
		Contributors: len(contributors),
		Categories:   make(map[string]uint64),
		GeneratedAt:  e.now().UTC(),
	}
	for i, s := range summaries {
		for cat, n := range s.Categories {
			out.Categories[cat] += n
		}
		out.Success += s.Success
		out.Failure += s.Failure
		if i == 0 || s.PeriodStart.Before(out.PeriodStart) {
			out.PeriodStart = s.PeriodStart
		}
		if s.PeriodEnd.After(out.PeriodEnd) {
			out.PeriodEnd = s.PeriodEnd
		}
	}
	return out, nil
}

// Encode serializes a shareable value and reports the classification the
// wire header must carry.
func Encode(v Shareable) ([]byte, Classification, error) {
	if v == nil {
		return nil, 0, ErrWrongClass
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, 0, err
	}
	return b, v.Classification(), nil
}

// Decode parses a payload according to the classification in its header.
func Decode(class Classification, payload []byte) (Shareable, error) {
	switch class {
	case Summarized:
		var s Summary
		if err := json.Unmarshal(payload, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSummary, err)
		}
		if err := s.validate(); err != nil {
			return nil, err
		}
		return s, nil
	case Aggregated:
		var m AggregatedMetrics
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAggregate, err)
		}
		if err := m.validate(); err != nil {
			return nil, err
		}
		return m, nil
	case Raw:
		return nil, ErrRawNotSerializable
	default:
		return nil, fmt.Errorf("%w: %s", ErrWrongClass, class)
	}
}

// Categories returns the category names of m in sorted order.
func Categories(m map[string]uint64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
