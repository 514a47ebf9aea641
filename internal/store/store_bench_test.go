package store

import (
	"path/filepath"
	"sort"
	"testing"
	"time"
)

type benchRecord struct {
	Op          string    `json:"op"`
	Fingerprint string    `json:"fingerprint"`
	Level       string    `json:"level"`
	AddedAt     time.Time `json:"added_at"`
}

// BenchmarkJournalAppend measures one fsynced journal line, the cost of every
// trust or address book mutation.
func BenchmarkJournalAppend(b *testing.B) {
	b.ReportAllocs()
	path := filepath.Join(b.TempDir(), "journal.jsonl")
	rec := benchRecord{Op: "put", Fingerprint: "0011223344556677", Level: "peer", AddedAt: time.Now().UTC()}

	lat := make([]time.Duration, 0, b.N)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		start := time.Now()
		if err := AppendJSONL(path, rec); err != nil {
			b.Fatalf("append failed: %v", err)
		}
		lat = append(lat, time.Since(start))
	}
	b.StopTimer()
	if len(lat) == 0 {
		return
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	b.ReportMetric(float64(lat[len(lat)*99/100].Nanoseconds()), "p99-ns/op")
}

func BenchmarkJournalCompact(b *testing.B) {
	path := filepath.Join(b.TempDir(), "journal.jsonl")
	recs := make([]benchRecord, 1000)
	for i := range recs {
		recs[i] = benchRecord{Op: "put", Fingerprint: "0011223344556677", Level: "share_to"}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := RewriteJSONL(path, recs); err != nil {
			b.Fatalf("rewrite failed: %v", err)
		}
	}
}
