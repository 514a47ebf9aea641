package testutil

import (
	"testing"
	"time"
)

// Limits applied to fuzz inputs so a decoder bug shows up as a failure
// instead of a hung or swapping fuzz worker.
const (
	MaxFuzzInput   = 64 << 10
	FuzzCallBudget = 100 * time.Millisecond
)

// TrimFuzzInput caps b at MaxFuzzInput.
func TrimFuzzInput(b []byte) []byte {
	if len(b) > MaxFuzzInput {
		return b[:MaxFuzzInput]
	}
	return b
}

// MustFinish fails t when fn runs longer than FuzzCallBudget.
func MustFinish(t testing.TB, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	timer := time.NewTimer(FuzzCallBudget)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		t.Fatalf("call did not finish within %s", FuzzCallBudget)
	}
}
