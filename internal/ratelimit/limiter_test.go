package ratelimit

import (
	"testing"
	"time"
)

func TestWindowAllowsUpToLimit(t *testing.T) {
	l := NewLimiter(Config{Limit: 3, Window: time.Minute, Enabled: true})
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		if !l.Allow("u1", now) {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
	if l.Allow("u1", now) {
		t.Fatal("expected 4th request within the same window to be rejected")
	}
}

func TestWindowSlidesOverTime(t *testing.T) {
	l := NewLimiter(Config{Limit: 1, Window: time.Minute, Enabled: true})
	now := time.Unix(1_700_000_000, 0)

	if !l.Allow("u1", now) {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("u1", now.Add(30*time.Second)) {
		t.Fatal("second request within window should be rejected")
	}
	if !l.Allow("u1", now.Add(61*time.Second)) {
		t.Fatal("request after window elapses should be allowed")
	}
}

func TestLimiterIsolatesKeys(t *testing.T) {
	l := NewLimiter(Config{Limit: 1, Window: time.Minute, Enabled: true})
	now := time.Unix(1_700_000_000, 0)

	if !l.Allow("u1", now) {
		t.Fatal("u1 first request should be allowed")
	}
	if !l.Allow("u2", now) {
		t.Fatal("u2's quota must be independent of u1's")
	}
}

func TestRetryAfterReportsPositiveWait(t *testing.T) {
	l := NewLimiter(Config{Limit: 1, Window: time.Minute, Enabled: true})
	now := time.Unix(1_700_000_000, 0)
	l.Allow("u1", now)

	wait := l.RetryAfter("u1", now.Add(10*time.Second))
	if wait <= 0 || wait > time.Minute {
		t.Fatalf("expected a positive wait under a minute, got %v", wait)
	}
}
