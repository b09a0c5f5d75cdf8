package testutil

import (
	"math"
	"testing"
	"time"
)

// Fill sets every sample of buf to v.
func Fill(buf []float64, v float64) {
	for i := range buf {
		buf[i] = v
	}
}

// RMS returns the root mean square of buf.
func RMS(buf []float64) float64 {
	if len(buf) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range buf {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(buf)))
}

// AssertRMSAbove polls read and asserts the RMS of the returned block
// exceeds minRMS within timeout.
func AssertRMSAbove(t *testing.T, read func() []float64, minRMS float64, timeout time.Duration) {
	t.Helper()
	if read == nil {
		t.Fatalf("read is nil")
	}
	deadline := time.Now().Add(timeout)
	for {
		if RMS(read()) >= minRMS {
			return
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("signal below threshold: wanted >= %.6f within %s", minRMS, timeout)
}

// Eventually polls cond until it holds or timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s: %s", timeout, msg)
		}
		time.Sleep(time.Millisecond)
	}
}
