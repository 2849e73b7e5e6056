package ratelimiter

import (
	"testing"
	"time"
)

func TestMapLimiterEnforcesBurstPerKey(t *testing.T) {
	l := New(1, 2, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if !l.Allow("ip:1.2.3.4|u1", now) || !l.Allow("ip:1.2.3.4|u1", now) {
		t.Fatal("first two requests within burst must pass")
	}
	if l.Allow("ip:1.2.3.4|u1", now) {
		t.Fatal("third request must exceed the burst")
	}
	// A different caller key has its own bucket.
	if !l.Allow("ip:5.6.7.8|u2", now) {
		t.Fatal("independent key must not share the exhausted bucket")
	}
	if got := l.TrackedKeys(); got != 2 {
		t.Fatalf("expected 2 tracked keys, got %d", got)
	}
}

func TestMapLimiterRefillsOverTime(t *testing.T) {
	l := New(1, 1, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	if !l.Allow("k", now) {
		t.Fatal("first request must pass")
	}
	if l.Allow("k", now) {
		t.Fatal("bucket must be empty immediately after")
	}
	if !l.Allow("k", now.Add(2*time.Second)) {
		t.Fatal("bucket must refill after the window")
	}
}

func TestMapLimiterNilAndBlankKeyAllow(t *testing.T) {
	var l *MapLimiter
	if !l.Allow("any", time.Now()) {
		t.Fatal("nil limiter must allow")
	}
	limiter := New(1, 1, time.Minute)
	if !limiter.Allow("  ", time.Now()) {
		t.Fatal("blank key must bypass limiting")
	}
}

func TestNewRejectsInvalidArgs(t *testing.T) {
	if New(0, 1, time.Minute) != nil {
		t.Fatal("zero rps must yield nil limiter")
	}
	if New(1, 0, time.Minute) != nil {
		t.Fatal("zero burst must yield nil limiter")
	}
}
