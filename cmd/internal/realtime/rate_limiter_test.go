package realtime

import (
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d denied under the limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatal("event over the limit allowed")
	}
}

func TestRateLimiterSlidesWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Second)
	now := time.Now()

	if !rl.Allow(now) || !rl.Allow(now) {
		t.Fatal("initial events denied")
	}
	if rl.Allow(now.Add(500 * time.Millisecond)) {
		t.Fatal("event inside the window allowed over the limit")
	}
	if !rl.Allow(now.Add(1100 * time.Millisecond)) {
		t.Fatal("event after the window denied")
	}
}

func TestRateLimiterDefaultsOnBadInput(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if !rl.Allow(time.Now()) {
		t.Fatal("default limiter denied first event")
	}
}

func TestNewRandomHexLengthAndUniqueness(t *testing.T) {
	t.Parallel()

	a := NewRandomHex(10)
	b := NewRandomHex(10)
	if len(a) != 20 || len(b) != 20 {
		t.Fatalf("lengths: %d, %d", len(a), len(b))
	}
	if a == b {
		t.Fatal("two random ids collided")
	}
	if got := NewRandomHex(0); len(got) != 32 {
		t.Fatalf("default length: %d", len(got))
	}
}
