package metrics

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"meshtrust/internal/store"
)

const namespace = "meshtrust"

// Metrics owns a private registry so several nodes can live in one process
// (tests). All methods are safe on a nil receiver.
type Metrics struct {
	reg *prometheus.Registry

	messages   *prometheus.CounterVec
	replay     *prometheus.CounterVec
	policy     *prometheus.CounterVec
	handshakes *prometheus.CounterVec
	rotation   *prometheus.CounterVec
	verifyDur  prometheus.Histogram
	conns      prometheus.Gauge
	trusted    prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}
	m.messages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Inbound messages by verification result.",
	}, []string{"result", "reason"})
	m.replay = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "replay_rejected_total",
		Help:      "Messages rejected by the replay guard, by failed check.",
	}, []string{"check"})
	m.policy = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_decisions_total",
		Help:      "Policy decisions by operation, classification and outcome.",
	}, []string{"op", "class", "decision"})
	m.handshakes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshakes_total",
		Help:      "Transport handshakes by outcome.",
	}, []string{"outcome"})
	m.rotation = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rotation_broadcasts_total",
		Help:      "Rotation endorsement deliveries by result.",
	}, []string{"result"})
	m.verifyDur = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "verify_duration_seconds",
		Help:      "Signature plus replay verification latency.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 14),
	})
	m.conns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Open peer connections.",
	})
	m.trusted = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "trust_entries",
		Help:      "Entries in the trust store.",
	})
	m.reg.MustRegister(m.messages, m.replay, m.policy, m.handshakes, m.rotation, m.verifyDur, m.conns, m.trusted)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler exposes the registry for /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Verified() {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("verified", "ok").Inc()
}

func (m *Metrics) Rejected(reason string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues("rejected", reason).Inc()
}

func (m *Metrics) ReplayRejected(check string) {
	if m == nil {
		return
	}
	m.replay.WithLabelValues(check).Inc()
}

func (m *Metrics) PolicyDecision(op, class, decision string) {
	if m == nil {
		return
	}
	m.policy.WithLabelValues(op, class, decision).Inc()
}

func (m *Metrics) Handshake(outcome string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RotationBroadcast(delivered bool) {
	if m == nil {
		return
	}
	result := "deferred"
	if delivered {
		result = "delivered"
	}
	m.rotation.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveVerify(d time.Duration) {
	if m == nil {
		return
	}
	m.verifyDur.Observe(d.Seconds())
}

func (m *Metrics) AddConns(delta int) {
	if m == nil {
		return
	}
	m.conns.Add(float64(delta))
}

func (m *Metrics) SetTrustEntries(n int) {
	if m == nil {
		return
	}
	m.trusted.Set(float64(n))
}

// Snapshot is a flat JSON view of the counters, for the operator CLI and
// for tests.
type Snapshot struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Values      map[string]float64 `json:"values"`
}

// Snapshot keys look like "messages_total{reason=bad_signature,result=rejected}".
func (m *Metrics) Snapshot() Snapshot {
	snap := Snapshot{GeneratedAt: time.Now().UTC(), Values: map[string]float64{}}
	if m == nil {
		return snap
	}
	families, err := m.reg.Gather()
	if err != nil {
		return snap
	}
	for _, mf := range families {
		name := strings.TrimPrefix(mf.GetName(), namespace+"_")
		for _, metric := range mf.GetMetric() {
			snap.Values[seriesKey(name, metric.GetLabel())] = valueOf(mf.GetType(), metric)
		}
	}
	return snap
}

func seriesKey(name string, labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return name
	}
	parts := make([]string, 0, len(labels))
	for _, l := range labels {
		parts = append(parts, l.GetName()+"="+l.GetValue())
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

func valueOf(t dto.MetricType, metric *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return metric.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return metric.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(metric.GetHistogram().GetSampleCount())
	default:
		return 0
	}
}

// WriteSnapshot writes the snapshot as indented JSON with private
// permissions. An empty path is a no-op.
func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return store.WriteFileAtomic(path, data)
}
