package router

import (
	"testing"
	"time"
)

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	b := newBreaker(BreakerConfig{Threshold: 2, Timeout: time.Hour})
	if !b.available("p1") {
		t.Fatal("new provider should be available")
	}
	b.recordFailure("p1")
	if !b.available("p1") {
		t.Fatal("provider should still be available below threshold")
	}
	b.recordFailure("p1")
	if b.available("p1") {
		t.Fatal("provider should be unavailable once the threshold is reached")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newBreaker(BreakerConfig{Threshold: 2, Timeout: time.Hour})
	b.recordFailure("p1")
	b.recordSuccess("p1")
	b.recordFailure("p1")
	if !b.available("p1") {
		t.Fatal("failure count should have reset after success")
	}
}

func TestBreaker_ClosesAfterTimeoutElapses(t *testing.T) {
	b := newBreaker(BreakerConfig{Threshold: 1, Timeout: 10 * time.Millisecond})
	b.recordFailure("p1")
	if b.available("p1") {
		t.Fatal("expected circuit open immediately after threshold breach")
	}
	time.Sleep(20 * time.Millisecond)
	if !b.available("p1") {
		t.Fatal("expected circuit to close again after its timeout elapsed")
	}
}
